package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/rs/zerolog/log"
)

type ProducerState int

const (
	StateIdle ProducerState = iota
	StateTransportPending
	StateTransportConnected
	StateProducing
	StateActive
	StateFailed
)

func (s ProducerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTransportPending:
		return "transport-pending"
	case StateTransportConnected:
		return "transport-connected"
	case StateProducing:
		return "producing"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultAppData is attached to each produce request.
var DefaultAppData = map[domain.Kind]map[string]any{
	domain.KindVideo: {"codecOptions": map[string]any{"videoGoogleStartBitrate": 1000}},
}

// SendSession owns the outbound transport and the local producers.
type SendSession struct {
	sig   core.Signaling
	local *LocalStream

	onProducersExist func()
	appData          map[domain.Kind]map[string]any

	mu         sync.RWMutex
	transport  core.SendTransport
	producers  map[domain.Kind]core.Producer
	states     map[domain.Kind]ProducerState
	enumerated bool
}

func NewSendSession(sig core.Signaling, local *LocalStream) *SendSession {
	return &SendSession{
		sig:       sig,
		local:     local,
		appData:   DefaultAppData,
		producers: make(map[domain.Kind]core.Producer),
		states:    make(map[domain.Kind]ProducerState),
	}
}

// OnProducersExist is invoked at most once per started session, when a
// produce acknowledgement reports other sources in the room.
func (s *SendSession) OnProducersExist(fn func()) { s.onProducersExist = fn }

// Start creates the outbound transport and produces audio then video.
// A kind that fails leaves the other kind untouched.
func (s *SendSession) Start(ctx context.Context, device core.Device) error {
	logger := log.With().Str("module", "app.send").Logger()

	s.mu.Lock()
	if s.transport != nil {
		s.mu.Unlock()
		return fmt.Errorf("send session already started: %w", core.ErrInvalidState)
	}
	s.enumerated = false
	for _, kind := range domain.Kinds {
		s.states[kind] = StateTransportPending
	}
	s.mu.Unlock()

	var opts domain.TransportOptions
	if err := s.sig.Request(ctx, EventCreateTransport, createTransportRequest{Consumer: false}, &opts); err != nil {
		s.setAll(StateFailed)
		logger.Error().Err(err).Msg("createWebRtcTransport")
		return fmt.Errorf("create send transport: %w", err)
	}
	transport, err := device.CreateSendTransport(opts)
	if err != nil {
		s.setAll(StateFailed)
		logger.Error().Err(err).Msg("create send transport")
		return fmt.Errorf("create send transport: %w", err)
	}
	transport.OnConnect(func(ctx context.Context, local domain.DTLSParameters) error {
		return s.sig.Request(ctx, EventTransportConnect, connectRequest{DTLSParameters: local}, nil)
	})
	transport.OnProduce(s.handleProduce)

	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	if err := transport.Connect(ctx); err != nil {
		s.setAll(StateFailed)
		logger.Error().Err(err).Msg("connect send transport")
		return fmt.Errorf("connect send transport: %w", err)
	}
	s.setAll(StateTransportConnected)
	logger.Info().Str("transport", transport.ID()).Msg("send transport connected")

	var errs []error
	for _, kind := range domain.Kinds {
		track := s.local.Track(kind)
		if track == nil || !device.CanProduce(kind) {
			s.setState(kind, StateIdle)
			logger.Warn().Str("kind", string(kind)).Bool("has_track", track != nil).Msg("not producing")
			continue
		}
		s.setState(kind, StateProducing)
		producer, err := transport.Produce(ctx, kind, track, s.appData[kind])
		if err != nil {
			s.setState(kind, StateFailed)
			logger.Error().Err(err).Str("kind", string(kind)).Msg("produce")
			errs = append(errs, fmt.Errorf("produce %s: %w", kind, err))
			continue
		}
		producer.OnTrackEnded(func() {
			log.Warn().Str("module", "app.send").Str("kind", string(kind)).Msg("track ended")
		})
		producer.OnTransportClose(func() {
			log.Warn().Str("module", "app.send").Str("kind", string(kind)).Msg("transport closed")
		})

		s.mu.Lock()
		s.producers[kind] = producer
		s.states[kind] = StateActive
		s.mu.Unlock()
		logger.Info().Str("kind", string(kind)).Str("producer", producer.ID()).Msg("producing")
	}
	return errors.Join(errs...)
}

func (s *SendSession) handleProduce(ctx context.Context, req core.ProduceRequest) (string, error) {
	var ack produceAck
	if err := s.sig.Request(ctx, EventTransportProduce, produceRequest{
		Kind:          req.Kind,
		RTPParameters: req.RTPParameters,
		AppData:       req.AppData,
	}, &ack); err != nil {
		return "", err
	}
	if ack.ID == "" {
		return "", fmt.Errorf("%w: empty producer id", core.ErrSignaling)
	}
	if ack.ProducersExist {
		s.triggerEnumerate()
	}
	return ack.ID, nil
}

func (s *SendSession) triggerEnumerate() {
	s.mu.Lock()
	if s.enumerated {
		s.mu.Unlock()
		return
	}
	s.enumerated = true
	s.mu.Unlock()
	if s.onProducersExist != nil {
		s.onProducersExist()
	}
}

func (s *SendSession) setState(kind domain.Kind, st ProducerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[kind] = st
}

func (s *SendSession) setAll(st ProducerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range domain.Kinds {
		s.states[kind] = st
	}
}

func (s *SendSession) State(kind domain.Kind) ProducerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[kind]
}

// Producer returns the active producer of kind, or nil.
func (s *SendSession) Producer(kind domain.Kind) core.Producer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.producers[kind]
}

func (s *SendSession) Transport() core.SendTransport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// Close closes producers and the transport and returns to idle.
func (s *SendSession) Close() error {
	s.mu.Lock()
	producers := s.producers
	transport := s.transport
	s.producers = make(map[domain.Kind]core.Producer)
	s.transport = nil
	for _, kind := range domain.Kinds {
		s.states[kind] = StateIdle
	}
	s.mu.Unlock()

	var errs []error
	for kind, p := range producers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer %s: %w", kind, err))
		}
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("send transport: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Error().Err(err).Str("module", "app.send").Msg("close")
	}
	return err
}
