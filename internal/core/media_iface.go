package core

import (
	"context"

	"github.com/dkeye/housecall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PacketReader is a source of RTP packets. *webrtc.TrackRemote satisfies it.
type PacketReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PacketSink consumes RTP packets. *webrtc.TrackLocalStaticRTP satisfies it.
type PacketSink interface {
	WriteRTP(*rtp.Packet) error
}

// Tap lets several consumers observe one media stream.
type Tap interface {
	Subscribe(id string, sink PacketSink)
	Unsubscribe(id string)
}

// LocalTrack is a captured local track.
type LocalTrack interface {
	Tap
	ID() string
	Kind() domain.Kind
	DeviceID() string
	// Enabled mirrors the mute/camera toggle. A disabled track sends nothing.
	Enabled() bool
	SetEnabled(bool)
	// TrackLocal is what gets bound to an RTP sender.
	TrackLocal() webrtc.TrackLocal
	OnEnded(func(error))
	Close() error
}

// Device is the local media endpoint.
type Device interface {
	// Load must be called exactly once before any transport is created.
	Load(caps domain.RTPCapabilities) error
	Loaded() bool
	// RTPCapabilities returns the subset of router capabilities usable locally.
	RTPCapabilities() domain.RTPCapabilities
	CanProduce(kind domain.Kind) bool
	CreateSendTransport(opts domain.TransportOptions) (SendTransport, error)
	CreateRecvTransport(opts domain.TransportOptions) (RecvTransport, error)
}

// ConnectHandler forwards local DTLS parameters to the server. Returning nil
// completes the connect handshake, returning an error fails it.
type ConnectHandler func(ctx context.Context, local domain.DTLSParameters) error

// ProduceRequest carries what the server needs to create a producer.
type ProduceRequest struct {
	Kind          domain.Kind
	RTPParameters domain.RTPParameters
	AppData       map[string]any
}

// ProduceHandler returns the server-assigned producer id.
type ProduceHandler func(ctx context.Context, req ProduceRequest) (string, error)

type Transport interface {
	ID() string
	OnConnect(ConnectHandler)
	// Connect runs the connect handshake once; later calls return its result.
	Connect(ctx context.Context) error
	Close() error
	Closed() bool
}

type SendTransport interface {
	Transport
	OnProduce(ProduceHandler)
	Produce(ctx context.Context, kind domain.Kind, track LocalTrack, appData map[string]any) (Producer, error)
}

type RecvTransport interface {
	Transport
	Consume(ctx context.Context, opts domain.ConsumerOptions) (Consumer, error)
}

type Producer interface {
	ID() string
	Kind() domain.Kind
	Track() LocalTrack
	// ReplaceTrack swaps the media source without renegotiation.
	ReplaceTrack(track LocalTrack) error
	OnTrackEnded(func())
	OnTransportClose(func())
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() domain.SourceID
	Kind() domain.Kind
	// Track is the received media.
	Track() PacketReader
	RequestKeyFrame() error
	Close() error
}
