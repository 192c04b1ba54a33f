package media

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Stream pumps packets from one source to its subscribers.
// A disabled stream keeps reading but forwards nothing.
type Stream struct {
	Src  core.PacketReader
	Kind domain.Kind

	mu   sync.RWMutex
	subs map[string]*subscriber

	disabled atomic.Bool
	started  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	onEnd    func(error)
}

// subscriber is one sink of a Stream; a muted one stays subscribed.
type subscriber struct {
	id    string
	w     core.PacketSink
	muted atomic.Bool
}

func NewStream(kind domain.Kind, src core.PacketReader) *Stream {
	return &Stream{
		Src:  src,
		Kind: kind,
		subs: make(map[string]*subscriber),
		done: make(chan struct{}),
	}
}

// OnEnd is called once when the source stops producing packets.
func (s *Stream) OnEnd(fn func(error)) { s.onEnd = fn }

// Start launches the pump. Calling it again is a no-op.
func (s *Stream) Start(ctx context.Context, name string) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	logger := log.With().
		Str("module", "media").
		Str("stream", name).
		Str("kind", string(s.Kind)).
		Logger()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(ctx, &logger)
}

func (s *Stream) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(s.done)
	for ctx.Err() == nil {
		pkt, _, err := s.Src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("source stopped")
			if s.onEnd != nil && ctx.Err() == nil {
				s.onEnd(err)
			}
			return
		}
		if ctx.Err() != nil || s.disabled.Load() {
			continue
		}
		s.forward(pkt, logger)
	}
	logger.Debug().Msg("stream closed")
}

func (s *Stream) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	s.mu.RLock()
	targets := slices.Collect(maps.Values(s.subs))
	s.mu.RUnlock()

	for _, sub := range targets {
		if sub.muted.Load() {
			continue
		}
		if err := sub.w.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Str("sink", sub.id).Msg("write failed, unsubscribing")
			s.drop(sub)
		}
	}
}

// drop removes sub unless its id was re-subscribed in the meantime.
func (s *Stream) drop(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[sub.id] == sub {
		delete(s.subs, sub.id)
	}
}

// Subscribe attaches w under id, replacing any previous sink with that id.
func (s *Stream) Subscribe(id string, w core.PacketSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[id] = &subscriber{id: id, w: w}
}

func (s *Stream) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Mute pauses delivery to one sink without removing it.
func (s *Stream) Mute(id string, muted bool) {
	s.mu.RLock()
	sub, ok := s.subs[id]
	s.mu.RUnlock()
	if ok {
		sub.muted.Store(muted)
	}
}

func (s *Stream) SinkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Stream) SetEnabled(enabled bool) { s.disabled.Store(!enabled) }
func (s *Stream) Enabled() bool           { return !s.disabled.Load() }

// Close stops the pump. It does not close the source; a pump blocked in
// ReadRTP exits once the source is closed by its owner.
func (s *Stream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Done is closed when the pump has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }
