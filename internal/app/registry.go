package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/housecall/internal/app/analysis"
	"github.com/dkeye/housecall/internal/app/media"
	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RemoteConsumption is everything owned on behalf of one remote source.
type RemoteConsumption struct {
	SourceID  domain.SourceID
	Owner     domain.ParticipantID
	Kind      domain.Kind
	Transport core.RecvTransport
	Consumer  core.Consumer
	Stream    *media.Stream
	Graph     *analysis.Graph
	ViewID    domain.ParticipantID
}

type pendingSetup struct {
	cancelled bool
}

// ReleaseResult says what Release did with a source id.
type ReleaseResult int

const (
	ReleaseUnknown ReleaseResult = iota
	// ReleaseDone tore down a registered consumption.
	ReleaseDone
	// ReleaseCancelled marked an in-flight setup to be discarded on completion.
	ReleaseCancelled
)

func (r ReleaseResult) String() string {
	switch r {
	case ReleaseDone:
		return "released"
	case ReleaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ReceiveRegistry maps remote sources to their inbound media path.
// At most one entry or pending setup exists per source id.
type ReceiveRegistry struct {
	sig     core.Signaling
	view    core.View
	meters  *analysis.Meters
	onError func(domain.SourceID, error)

	mu       sync.RWMutex
	device   core.Device
	entries  map[domain.SourceID]*RemoteConsumption
	pending  map[domain.SourceID]*pendingSetup
	departed map[domain.ParticipantID]struct{}
}

func NewReceiveRegistry(sig core.Signaling, view core.View, meters *analysis.Meters) *ReceiveRegistry {
	return &ReceiveRegistry{
		sig:     sig,
		view:    view,
		meters:  meters,
		entries:  make(map[domain.SourceID]*RemoteConsumption),
		pending:  make(map[domain.SourceID]*pendingSetup),
		departed: make(map[domain.ParticipantID]struct{}),
	}
}

// OnError registers the observer of failed setups.
func (r *ReceiveRegistry) OnError(fn func(domain.SourceID, error)) { r.onError = fn }

// SetDevice switches the endpoint used for new setups.
func (r *ReceiveRegistry) SetDevice(d core.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.device = d
}

// BeginConsumption sets up the inbound path for sid. Calls for a source that
// is already consumed or being set up return immediately.
func (r *ReceiveRegistry) BeginConsumption(ctx context.Context, sid domain.SourceID) error {
	logger := log.With().Str("module", "app.registry").Str("source", string(sid)).Logger()
	if err := sid.Validate(); err != nil {
		return fmt.Errorf("%w: source id: %w", core.ErrInvalidParameters, err)
	}

	r.mu.Lock()
	if _, ok := r.entries[sid]; ok {
		r.mu.Unlock()
		logger.Debug().Msg("already consuming")
		return nil
	}
	if _, ok := r.pending[sid]; ok {
		r.mu.Unlock()
		logger.Debug().Msg("setup already in flight")
		return nil
	}
	p := &pendingSetup{}
	r.pending[sid] = p
	device := r.device
	r.mu.Unlock()

	logger.Info().Msg("begin consumption")
	entry, err := r.setup(ctx, device, sid, &logger)
	if err != nil {
		r.mu.Lock()
		delete(r.pending, sid)
		r.mu.Unlock()
		logger.Error().Err(err).Msg("consumption setup failed")
		if r.onError != nil {
			r.onError(sid, err)
		}
		return err
	}

	r.mu.Lock()
	delete(r.pending, sid)
	cancelled := p.cancelled
	_, gone := r.departed[entry.Owner]
	if !cancelled && !gone {
		r.entries[sid] = entry
	}
	r.mu.Unlock()

	if cancelled || gone {
		logger.Info().Bool("owner_left", gone).Msg("source released during setup, discarding")
		_ = r.teardown(entry, &logger)
		if gone {
			// The exit already dropped the tile; Attach brought it back.
			if err := r.view.Remove(entry.Owner); err != nil {
				logger.Warn().Err(err).Msg("remove view")
			}
		}
		return nil
	}

	if err := r.sig.Emit(EventConsumerResume, consumerResumeRequest{ServerConsumerID: entry.Consumer.ID()}); err != nil {
		logger.Error().Err(err).Msg("consumer-resume emit")
	}
	if entry.Kind == domain.KindVideo {
		if err := entry.Consumer.RequestKeyFrame(); err != nil {
			logger.Warn().Err(err).Msg("keyframe request")
		}
	}
	logger.Info().
		Str("owner", string(entry.Owner)).
		Str("kind", string(entry.Kind)).
		Msg("consuming")
	return nil
}

func (r *ReceiveRegistry) setup(ctx context.Context, device core.Device, sid domain.SourceID, logger *zerolog.Logger) (entry *RemoteConsumption, err error) {
	if device == nil || !device.Loaded() {
		return nil, fmt.Errorf("consume %s: %w", sid, core.ErrInvalidState)
	}

	var opts domain.TransportOptions
	if err := r.sig.Request(ctx, EventCreateTransport, createTransportRequest{Consumer: true}, &opts); err != nil {
		return nil, fmt.Errorf("create recv transport: %w", err)
	}
	transport, err := device.CreateRecvTransport(opts)
	if err != nil {
		return nil, fmt.Errorf("create recv transport: %w", err)
	}

	entry = &RemoteConsumption{SourceID: sid, Transport: transport}
	defer func() {
		if err != nil {
			_ = r.teardown(entry, logger)
		}
	}()

	transport.OnConnect(func(ctx context.Context, local domain.DTLSParameters) error {
		return r.sig.Request(ctx, EventTransportRecvConnect, recvConnectRequest{
			DTLSParameters:            local,
			ServerConsumerTransportID: opts.ID,
		}, nil)
	})
	if err := transport.Connect(ctx); err != nil {
		return entry, fmt.Errorf("connect recv transport: %w", err)
	}

	var params domain.ConsumerOptions
	if err := r.sig.Request(ctx, EventConsume, consumeRequest{
		RTPCapabilities:           device.RTPCapabilities(),
		RemoteProducerID:          sid,
		ServerConsumerTransportID: opts.ID,
	}, &params); err != nil {
		return entry, fmt.Errorf("consume: %w", err)
	}
	if params.ProducerOwner == "" || !params.Kind.Valid() {
		return entry, fmt.Errorf("consume: %w: owner %q kind %q", core.ErrInvalidParameters, params.ProducerOwner, params.Kind)
	}

	consumer, err := transport.Consume(ctx, params)
	if err != nil {
		return entry, fmt.Errorf("local consume: %w", err)
	}
	entry.Consumer = consumer
	entry.Kind = params.Kind
	entry.Owner = params.ProducerOwner

	entry.Stream = media.NewStream(params.Kind, consumer.Track())
	entry.Stream.Start(context.WithoutCancel(ctx), string(sid))

	if err := r.view.Attach(entry.Owner, entry.Kind, entry.Stream); err != nil {
		return entry, fmt.Errorf("attach view: %w", err)
	}
	entry.ViewID = entry.Owner

	if entry.Kind == domain.KindAudio {
		entry.Graph = r.meters.Start(entry.Owner, entry.Stream)
	}
	return entry, nil
}

// Enumerate asks the server for every current source and consumes each.
func (r *ReceiveRegistry) Enumerate(ctx context.Context) error {
	var ids []domain.SourceID
	if err := r.sig.Request(ctx, EventGetProducers, struct{}{}, &ids); err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("getProducers")
		return fmt.Errorf("get producers: %w", err)
	}
	log.Info().Str("module", "app.registry").Int("count", len(ids)).Msg("enumerated sources")

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.BeginConsumption(ctx, id)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Release tears down the consumption of sid, or cancels its setup when one
// is in flight. Releasing an unknown id is a no-op.
func (r *ReceiveRegistry) Release(sid domain.SourceID) ReleaseResult {
	logger := log.With().Str("module", "app.registry").Str("source", string(sid)).Logger()

	r.mu.Lock()
	entry, ok := r.entries[sid]
	p, inFlight := r.pending[sid]
	switch {
	case ok:
		delete(r.entries, sid)
	case inFlight:
		p.cancelled = true
	}
	r.mu.Unlock()

	if !ok {
		if inFlight {
			logger.Info().Msg("release: setup cancelled")
			return ReleaseCancelled
		}
		logger.Debug().Msg("release: nothing to release")
		return ReleaseUnknown
	}
	if err := r.teardown(entry, &logger); err != nil {
		logger.Warn().Err(err).Msg("released with errors")
	} else {
		logger.Info().Msg("released")
	}
	return ReleaseDone
}

// Depart releases every source owned by pid. Setups for pid that complete
// afterwards are discarded.
func (r *ReceiveRegistry) Depart(pid domain.ParticipantID) int {
	r.mu.Lock()
	r.departed[pid] = struct{}{}
	r.mu.Unlock()

	n := 0
	for _, sid := range r.SourcesOf(pid) {
		if r.Release(sid) == ReleaseDone {
			n++
		}
	}
	return n
}

// ReleaseAll releases every entry and cancels every pending setup.
func (r *ReceiveRegistry) ReleaseAll() int {
	r.mu.Lock()
	for _, p := range r.pending {
		p.cancelled = true
	}
	clear(r.departed)
	r.mu.Unlock()

	n := 0
	for _, sid := range r.Sources() {
		if r.Release(sid) == ReleaseDone {
			n++
		}
	}
	return n
}

// teardown attempts every release step and joins their failures.
func (r *ReceiveRegistry) teardown(e *RemoteConsumption, logger *zerolog.Logger) error {
	var errs []error
	step := func(name string, fn func() error) {
		defer func() {
			if p := recover(); p != nil {
				errs = append(errs, fmt.Errorf("%s: panic: %v", name, p))
			}
		}()
		if err := fn(); err != nil {
			logger.Error().Err(err).Str("step", name).Msg("teardown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if e.Transport != nil {
		step("transport", e.Transport.Close)
	}
	if e.Consumer != nil {
		step("consumer", e.Consumer.Close)
	}
	if e.Graph != nil {
		step("analysis", func() error {
			r.meters.StopIf(e.Owner, e.Graph)
			return nil
		})
	}
	if e.ViewID != "" {
		step("view", func() error { return r.view.DetachIf(e.ViewID, e.Kind, e.Stream) })
	}
	if e.Stream != nil {
		e.Stream.Close()
	}
	return errors.Join(errs...)
}

func (r *ReceiveRegistry) Get(sid domain.SourceID) (RemoteConsumption, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sid]
	if !ok {
		return RemoteConsumption{}, false
	}
	return *e, true
}

// Sources returns consumed source ids in sorted order.
func (r *ReceiveRegistry) Sources() []domain.SourceID {
	r.mu.RLock()
	out := make([]domain.SourceID, 0, len(r.entries))
	for sid := range r.entries {
		out = append(out, sid)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// SourcesOf returns the consumed sources owned by pid.
func (r *ReceiveRegistry) SourcesOf(pid domain.ParticipantID) []domain.SourceID {
	r.mu.RLock()
	out := make([]domain.SourceID, 0, 2)
	for sid, e := range r.entries {
		if e.Owner == pid {
			out = append(out, sid)
		}
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (r *ReceiveRegistry) Pending(sid domain.SourceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pending[sid]
	return ok
}

func (r *ReceiveRegistry) PendingLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

func (r *ReceiveRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
