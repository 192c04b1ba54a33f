package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// transport is one ICE+DTLS association with the SFU.
type transport struct {
	id         string
	direction  string
	api        *webrtc.API
	remote     domain.TransportOptions
	candidates []webrtc.ICECandidate

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	onConnect core.ConnectHandler

	connectMu  sync.Mutex
	connected  bool
	connectErr error

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func (t *transport) ID() string { return t.id }

func (t *transport) OnConnect(fn core.ConnectHandler) { t.onConnect = fn }

// Connect hands the local DTLS parameters to the connect handler and then
// brings up ICE and DTLS. Only the first call does any work.
func (t *transport) Connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()
	if t.connected {
		return t.connectErr
	}
	t.connected = true
	t.connectErr = t.connect(ctx)
	return t.connectErr
}

func (t *transport) connect(ctx context.Context) error {
	logger := log.With().Str("module", "rtc").Str("transport", t.id).Str("direction", t.direction).Logger()
	if t.Closed() {
		return fmt.Errorf("connect: %w", core.ErrClosed)
	}
	if t.onConnect == nil {
		return fmt.Errorf("connect: no connect handler: %w", core.ErrInvalidState)
	}

	local, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}
	if err := t.onConnect(ctx, fromDTLSParameters(local)); err != nil {
		return fmt.Errorf("connect handshake: %w", err)
	}

	gathered := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("ice gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := t.ice.SetRemoteCandidates(t.candidates); err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}

	// ICE and DTLS start block until connected; closing the transport
	// unblocks them when ctx ends first.
	started := make(chan error, 1)
	go func() {
		role := webrtc.ICERoleControlling
		if err := t.ice.Start(nil, toICEParameters(t.remote.ICEParameters), &role); err != nil {
			started <- fmt.Errorf("ice start: %w", err)
			return
		}
		if err := t.dtls.Start(toDTLSParameters(t.remote.DTLSParameters)); err != nil {
			started <- fmt.Errorf("dtls start: %w", err)
			return
		}
		started <- nil
	}()
	select {
	case err := <-started:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		_ = t.Close()
		return ctx.Err()
	}
	logger.Info().Msg("transport connected")
	return nil
}

func (t *transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *transport) addCloseHook(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

// Close stops DTLS, ICE and gathering. Repeated calls return nil.
func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	hooks := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	err := errors.Join(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
	log.Info().Str("module", "rtc").Str("transport", t.id).Err(err).Msg("transport closed")
	return err
}

// SendTransport carries local producers.
type SendTransport struct {
	*transport
	onProduce core.ProduceHandler

	pmu       sync.Mutex
	producers map[string]*Producer
}

func (t *SendTransport) OnProduce(fn core.ProduceHandler) { t.onProduce = fn }

// Produce binds track to a new RTP sender and registers it with the SFU
// through the produce handler.
func (t *SendTransport) Produce(ctx context.Context, kind domain.Kind, track core.LocalTrack, appData map[string]any) (core.Producer, error) {
	if track == nil || track.Kind() != kind {
		return nil, fmt.Errorf("produce %s: %w: track kind mismatch", kind, core.ErrInvalidParameters)
	}
	if t.onProduce == nil {
		return nil, fmt.Errorf("produce %s: no produce handler: %w", kind, core.ErrInvalidState)
	}
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	if t.Closed() {
		return nil, fmt.Errorf("produce %s: %w", kind, core.ErrClosed)
	}

	sender, err := t.api.NewRTPSender(track.TrackLocal(), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	params := sender.GetParameters()
	id, err := t.onProduce(ctx, core.ProduceRequest{
		Kind:          kind,
		RTPParameters: fromSendParameters(params, uuid.NewString()),
		AppData:       appData,
	})
	if err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("produce handshake: %w", err)
	}
	if err := sender.Send(params); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtp send: %w", err)
	}

	p := &Producer{id: id, kind: kind, sender: sender, transport: t}
	p.bindTrack(track)
	go drainRTCP(sender, id)

	t.pmu.Lock()
	t.producers[id] = p
	t.pmu.Unlock()
	t.addCloseHook(p.transportClosed)
	log.Info().Str("module", "rtc").Str("producer", id).Str("kind", string(kind)).Msg("producer created")
	return p, nil
}

func (t *SendTransport) forget(id string) {
	t.pmu.Lock()
	defer t.pmu.Unlock()
	delete(t.producers, id)
}

// drainRTCP reads inbound RTCP so interceptors keep running.
func drainRTCP(r interface {
	Read([]byte) (int, interceptor.Attributes, error)
}, id string) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := r.Read(buf); err != nil {
			log.Debug().Str("module", "rtc").Str("id", id).Err(err).Msg("rtcp drain stopped")
			return
		}
	}
}

// RecvTransport carries consumers of remote sources.
type RecvTransport struct {
	*transport

	cmu       sync.Mutex
	consumers map[string]*Consumer
}

func (t *RecvTransport) Consume(ctx context.Context, opts domain.ConsumerOptions) (core.Consumer, error) {
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("consume: %w: kind %q", core.ErrInvalidParameters, opts.Kind)
	}
	ssrc := opts.RTPParameters.PrimarySSRC()
	if ssrc == 0 || len(opts.RTPParameters.Codecs) == 0 {
		return nil, fmt.Errorf("consume: %w: missing ssrc or codec", core.ErrInvalidParameters)
	}
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	if t.Closed() {
		return nil, fmt.Errorf("consume: %w", core.ErrClosed)
	}

	receiver, err := t.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{
			{
				RTPCodingParameters: webrtc.RTPCodingParameters{
					SSRC:        webrtc.SSRC(ssrc),
					PayloadType: webrtc.PayloadType(opts.RTPParameters.Codecs[0].PayloadType),
				},
			},
		},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("rtp receive: %w", err)
	}

	id := opts.ServerConsumerID
	if id == "" {
		id = opts.ID
	}
	c := &Consumer{
		id:         id,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		ssrc:       ssrc,
		receiver:   receiver,
		transport:  t,
	}
	go drainRTCP(receiver, id)

	t.cmu.Lock()
	t.consumers[id] = c
	t.cmu.Unlock()
	t.addCloseHook(func() { _ = c.Close() })
	log.Info().Str("module", "rtc").Str("consumer", id).Str("kind", string(opts.Kind)).Msg("consumer created")
	return c, nil
}

func (t *RecvTransport) forget(id string) {
	t.cmu.Lock()
	defer t.cmu.Unlock()
	delete(t.consumers, id)
}

type Producer struct {
	id        string
	kind      domain.Kind
	sender    *webrtc.RTPSender
	transport *SendTransport

	mu               sync.Mutex
	track            core.LocalTrack
	onTrackEnded     func()
	onTransportClose func()
	closed           bool
}

func (p *Producer) ID() string        { return p.id }
func (p *Producer) Kind() domain.Kind { return p.kind }

func (p *Producer) Track() core.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

func (p *Producer) bindTrack(track core.LocalTrack) {
	p.mu.Lock()
	p.track = track
	p.mu.Unlock()
	track.OnEnded(func(err error) {
		p.mu.Lock()
		current := p.track == track
		fn := p.onTrackEnded
		p.mu.Unlock()
		if current && fn != nil {
			fn()
		}
	})
}

// ReplaceTrack swaps the sender's source in place.
func (p *Producer) ReplaceTrack(track core.LocalTrack) error {
	if track == nil || track.Kind() != p.kind {
		return fmt.Errorf("replace track: %w: kind mismatch", core.ErrInvalidParameters)
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("replace track: %w", core.ErrClosed)
	}
	if err := p.sender.ReplaceTrack(track.TrackLocal()); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	p.bindTrack(track)
	return nil
}

func (p *Producer) OnTrackEnded(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrackEnded = fn
}

func (p *Producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransportClose = fn
}

func (p *Producer) transportClosed() {
	p.mu.Lock()
	fn := p.onTransportClose
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
	_ = p.Close()
}

// Close stops the sender. The local track stays open.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.transport.forget(p.id)
	return p.sender.Stop()
}

type Consumer struct {
	id         string
	producerID domain.SourceID
	kind       domain.Kind
	ssrc       uint32
	receiver   *webrtc.RTPReceiver
	transport  *RecvTransport

	mu     sync.Mutex
	closed bool
}

func (c *Consumer) ID() string                  { return c.id }
func (c *Consumer) ProducerID() domain.SourceID { return c.producerID }
func (c *Consumer) Kind() domain.Kind           { return c.kind }

func (c *Consumer) Track() core.PacketReader { return c.receiver.Track() }

// RequestKeyFrame sends a PLI for the consumed stream.
func (c *Consumer) RequestKeyFrame() error {
	_, err := c.transport.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: c.ssrc}})
	return err
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.transport.forget(c.id)
	return c.receiver.Stop()
}
