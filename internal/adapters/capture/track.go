package capture

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/dkeye/housecall/internal/app/media"
	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const senderSink = "sender"

// Track is a local track fed from a media file.
type Track struct {
	id       string
	deviceID string
	kind     domain.Kind

	src    *fileSource
	stream *media.Stream
	local  *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	onEnded func(error)
	closed  bool
}

func newTrack(ctx context.Context, kind domain.Kind, deviceID, path string) (*Track, error) {
	src, err := newFileSource(path, kind, rand.Uint32())
	if err != nil {
		return nil, err
	}

	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audioClockRate, Channels: 2}
	if kind == domain.KindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate}
	}
	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(capability, id, "housecall")
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	t := &Track{
		id:       id,
		deviceID: deviceID,
		kind:     kind,
		src:      src,
		stream:   media.NewStream(kind, src),
		local:    local,
	}
	t.stream.OnEnd(t.ended)
	t.stream.Subscribe(senderSink, local)
	t.stream.Start(context.WithoutCancel(ctx), deviceID)
	return t, nil
}

func (t *Track) ID() string                    { return t.id }
func (t *Track) Kind() domain.Kind             { return t.kind }
func (t *Track) DeviceID() string              { return t.deviceID }
func (t *Track) Enabled() bool                 { return t.stream.Enabled() }
func (t *Track) SetEnabled(enabled bool)       { t.stream.SetEnabled(enabled) }
func (t *Track) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *Track) Subscribe(id string, sink core.PacketSink) { t.stream.Subscribe(id, sink) }
func (t *Track) Unsubscribe(id string)                     { t.stream.Unsubscribe(id) }

func (t *Track) OnEnded(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

func (t *Track) ended(err error) {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	log.Warn().Err(err).Str("module", "capture").Str("device", t.deviceID).Msg("track ended")
	if fn != nil {
		fn(err)
	}
}

// Close stops capture. Subscribers see no further packets.
func (t *Track) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.stream.Close()
	err := t.src.Close()
	log.Info().Str("module", "capture").Str("device", t.deviceID).Str("kind", string(t.kind)).Msg("track closed")
	return err
}
