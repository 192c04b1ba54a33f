package app

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/housecall/internal/app/analysis"
	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/rs/zerolog/log"
)

// SelfView keys the local tile and the local audio meter. It never collides
// with server-assigned ids, which may arrive after capture starts.
const SelfView domain.ParticipantID = "self"

type Options struct {
	Room              domain.RoomName
	StartCamera       bool
	StartMike         bool
	SwapSettle        time.Duration
	AudioLevelExtID   uint8
	SpeakingThreshold int

	// OnError observes every setup failure of the session.
	OnError func(error)
	// OnLevel observes audio levels of every participant.
	OnLevel analysis.LevelFunc
}

func DefaultOptions() Options {
	return Options{
		Room:              domain.DefaultRoom,
		StartCamera:       true,
		StartMike:         true,
		SwapSettle:        DefaultSwapSettle,
		AudioLevelExtID:   1,
		SpeakingThreshold: 10,
	}
}

// Session is the media side of one client's room membership.
type Session struct {
	opts      Options
	base      context.Context
	sig       core.Signaling
	newDevice func() core.Device
	capture   core.Capturer
	view      core.View

	Local    *LocalStream
	Meters   *analysis.Meters
	Send     *SendSession
	Registry *ReceiveRegistry
	Devices  *DeviceSwapCoordinator
	Cleanup  *CleanupCoordinator

	mu      sync.RWMutex
	self    domain.ParticipantID
	status  domain.VideoStatus
	joined  bool
	joinCtx context.Context
	leave   context.CancelFunc
	peers   map[domain.ParticipantID]domain.VideoStatus
	lastErr error

	wg sync.WaitGroup
}

func NewSession(
	ctx context.Context,
	opts Options,
	sig core.Signaling,
	newDevice func() core.Device,
	capture core.Capturer,
	view core.View,
) *Session {
	s := &Session{
		opts:      opts,
		base:      ctx,
		sig:       sig,
		newDevice: newDevice,
		capture:   capture,
		view:      view,
		status:    domain.VideoStatus{Camera: opts.StartCamera, Mike: opts.StartMike},
		peers:     make(map[domain.ParticipantID]domain.VideoStatus),
	}
	s.Local = NewLocalStream()
	s.Meters = analysis.NewMeters(opts.AudioLevelExtID, opts.SpeakingThreshold, opts.OnLevel)
	s.Send = NewSendSession(sig, s.Local)
	s.Registry = NewReceiveRegistry(sig, view, s.Meters)
	s.Devices = NewDeviceSwapCoordinator(capture, view, s.Local, s.Send, s.Meters, opts.SwapSettle, s.enabled)
	s.Cleanup = NewCleanupCoordinator(s.Registry, s.Meters, view)

	s.Send.OnProducersExist(func() {
		s.spawn(func(ctx context.Context) {
			_ = s.Registry.Enumerate(ctx)
		})
	})
	s.Registry.OnError(func(sid domain.SourceID, err error) {
		s.report(fmt.Errorf("source %s: %w", sid, err))
	})
	s.bind()
	return s
}

func (s *Session) bind() {
	s.sig.On(EventHello, func(data json.RawMessage) {
		var ev helloEvent
		if !decode(EventHello, data, &ev) {
			return
		}
		s.mu.Lock()
		s.self = ev.ParticipantID
		s.mu.Unlock()
		log.Info().Str("module", "app.session").Str("self", string(ev.ParticipantID)).Msg("hello")
	})

	s.sig.On(EventNewProducer, func(data json.RawMessage) {
		var ev newProducerEvent
		if !decode(EventNewProducer, data, &ev) {
			return
		}
		if !s.Joined() {
			log.Debug().Str("module", "app.session").Str("source", string(ev.ProducerID)).Msg("new-producer while not joined")
			return
		}
		s.preparePeer(ev.ProducerSocketID, domain.VideoStatus{Camera: ev.Camera, Mike: ev.Mike})
		sid := ev.ProducerID
		s.spawn(func(ctx context.Context) {
			_ = s.Registry.BeginConsumption(ctx, sid)
		})
	})

	s.sig.On(EventProducerClosed, func(data json.RawMessage) {
		var ev producerClosedEvent
		if !decode(EventProducerClosed, data, &ev) {
			return
		}
		s.Cleanup.OnSourceClosed(ev.RemoteProducerID)
	})

	s.sig.On(EventExitPlayer, func(data json.RawMessage) {
		var ev exitPlayerEvent
		if !decode(EventExitPlayer, data, &ev) {
			return
		}
		if ev.PlayerID == s.Self() {
			return
		}
		s.mu.Lock()
		delete(s.peers, ev.PlayerID)
		s.mu.Unlock()
		s.Cleanup.OnParticipantExit(ev.PlayerID)
	})

	s.sig.On(EventUpdateVideoStatus, func(data json.RawMessage) {
		var ev videoStatusEvent
		if !decode(EventUpdateVideoStatus, data, &ev) {
			return
		}
		if ev.PlayerID == "" || ev.PlayerID == s.Self() {
			return
		}
		status := domain.VideoStatus{Camera: ev.Camera, Mike: ev.Mike}
		s.mu.Lock()
		if _, ok := s.peers[ev.PlayerID]; ok {
			s.peers[ev.PlayerID] = status
		}
		s.mu.Unlock()
		s.view.UpdateStatus(ev.PlayerID, status)
	})
}

func decode(event string, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Error().Err(err).Str("module", "app.session").Str("event", event).Msg("bad payload")
		return false
	}
	return true
}

// StartLocalMedia opens the default camera and microphone and selects the
// first audio output. A device that fails to open is skipped.
func (s *Session) StartLocalMedia(ctx context.Context) error {
	self := SelfView
	status := s.Status()
	s.view.Prepare(self, status)

	var opened int
	for _, kind := range domain.Kinds {
		if s.Local.Track(kind) != nil {
			opened++
			continue
		}
		track, err := s.capture.Acquire(ctx, kind, "")
		if err != nil {
			log.Warn().Err(err).Str("module", "app.session").Str("kind", string(kind)).Msg("local capture unavailable")
			s.report(fmt.Errorf("capture %s: %w", kind, err))
			continue
		}
		track.SetEnabled(status.Enabled(kind))
		s.Local.Set(track)
		if err := s.view.Attach(self, kind, track); err != nil {
			log.Warn().Err(err).Str("module", "app.session").Msg("attach local view")
		}
		if kind == domain.KindAudio {
			s.Meters.Start(self, track)
		}
		opened++
	}

	outputs, err := s.capture.ListDevices(domain.DeviceAudioOutput)
	if err == nil && len(outputs) > 0 {
		if err := s.view.SetSink(outputs[0].ID); err != nil {
			log.Warn().Err(err).Str("module", "app.session").Msg("default audio output")
		} else {
			s.Devices.SetSink(outputs[0].ID)
		}
	}

	if opened == 0 {
		return fmt.Errorf("no local media: %w", core.ErrDeviceAcquisition)
	}
	return nil
}

// JoinRoom joins the room, loads capabilities and starts producing.
// Send-side failures after the join are reported through OnError and leave
// the session joined.
func (s *Session) JoinRoom(ctx context.Context) error {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return fmt.Errorf("join room: %w", core.ErrInvalidState)
	}
	joinCtx, leave := context.WithCancel(s.base)
	device := s.newDevice()
	s.joined = true
	s.joinCtx = joinCtx
	s.leave = leave
	status := s.status
	s.mu.Unlock()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(joinCtx, stop)
	defer unhook()

	s.Registry.SetDevice(device)
	logger := log.With().Str("module", "app.session").Str("room", string(s.opts.Room)).Logger()

	var ack joinRoomAck
	if err := s.sig.Request(ctx, EventJoinRoom, joinRoomRequest{
		RoomName: s.opts.Room,
		Mike:     status.Mike,
		Camera:   status.Camera,
	}, &ack); err != nil {
		s.abortJoin()
		logger.Error().Err(err).Msg("joinRoom")
		s.report(err)
		return fmt.Errorf("join room: %w", err)
	}

	if err := device.Load(ack.RTPCapabilities); err != nil {
		s.abortJoin()
		logger.Error().Err(err).Msg("load device")
		s.report(err)
		return fmt.Errorf("load device: %w", err)
	}

	self := s.Self()
	for _, p := range ack.VideoStatusList {
		if p.PlayerID != self {
			s.preparePeer(p.PlayerID, p.VideoStatus)
		}
	}
	logger.Info().Int("peers", len(ack.VideoStatusList)).Msg("joined")

	if err := s.Send.Start(ctx, device); err != nil {
		logger.Error().Err(err).Msg("send session")
		s.report(fmt.Errorf("send session: %w", err))
	}
	return nil
}

func (s *Session) abortJoin() {
	s.mu.Lock()
	leave := s.leave
	s.joined = false
	s.joinCtx = nil
	s.leave = nil
	s.mu.Unlock()
	if leave != nil {
		leave()
	}
	_ = s.Send.Close()
}

// ExitRoom leaves the room and releases every remote source. Local capture
// keeps running.
func (s *Session) ExitRoom() error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return fmt.Errorf("exit room: %w", core.ErrNotJoined)
	}
	leave := s.leave
	peers := s.peers
	s.joined = false
	s.joinCtx = nil
	s.leave = nil
	s.peers = make(map[domain.ParticipantID]domain.VideoStatus)
	s.mu.Unlock()

	leave()
	err := s.sig.Emit(EventExitRoom, exitRoomRequest{RoomName: s.opts.Room})
	if err != nil {
		log.Error().Err(err).Str("module", "app.session").Msg("exitRoom emit")
	}

	n := s.Registry.ReleaseAll()
	_ = s.Send.Close()
	s.Meters.StopAll(SelfView)
	for pid := range peers {
		if rmErr := s.view.Remove(pid); rmErr != nil {
			log.Warn().Err(rmErr).Str("module", "app.session").Str("pid", string(pid)).Msg("remove view")
		}
	}
	log.Info().Str("module", "app.session").Int("released", n).Msg("exited room")
	return err
}

func (s *Session) preparePeer(pid domain.ParticipantID, status domain.VideoStatus) {
	s.mu.Lock()
	_, known := s.peers[pid]
	s.peers[pid] = status
	s.mu.Unlock()
	if !known {
		s.view.Prepare(pid, status)
	}
}

// spawn runs fn bound to the current room membership.
func (s *Session) spawn(fn func(ctx context.Context)) {
	s.mu.RLock()
	ctx := s.joinCtx
	if ctx == nil {
		s.mu.RUnlock()
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

// Wait blocks until every background setup has returned.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) ToggleCamera() (domain.VideoStatus, error) { return s.toggle(domain.KindVideo) }
func (s *Session) ToggleMike() (domain.VideoStatus, error)   { return s.toggle(domain.KindAudio) }

func (s *Session) toggle(kind domain.Kind) (domain.VideoStatus, error) {
	if s.Local.Len() == 0 {
		return s.Status(), fmt.Errorf("toggle %s: no local media: %w", kind, core.ErrInvalidState)
	}
	s.mu.Lock()
	if kind == domain.KindVideo {
		s.status.Camera = !s.status.Camera
	} else {
		s.status.Mike = !s.status.Mike
	}
	status := s.status
	s.mu.Unlock()

	if t := s.Local.Track(kind); t != nil {
		t.SetEnabled(status.Enabled(kind))
	}
	s.view.UpdateStatus(SelfView, status)
	if err := s.sig.Emit(EventUpdateVideoStatus, videoStatusEvent{Camera: status.Camera, Mike: status.Mike}); err != nil {
		log.Error().Err(err).Str("module", "app.session").Msg("updateVideoStatus emit")
	}
	return status, nil
}

// Swap changes a local device. See DeviceSwapCoordinator.Swap.
func (s *Session) Swap(ctx context.Context, target domain.SwapTarget, deviceID string) error {
	err := s.Devices.Swap(ctx, target, deviceID)
	if err != nil {
		s.report(err)
	}
	return err
}

// Release drops the consumption of one remote source.
func (s *Session) Release(sid domain.SourceID) ReleaseResult { return s.Registry.Release(sid) }

// ListDevices lists devices of kind, marking the one in use.
func (s *Session) ListDevices(kind domain.DeviceKind) ([]domain.DeviceInfo, error) {
	devices, err := s.capture.ListDevices(kind)
	if err != nil {
		return nil, err
	}
	current := s.deviceInUse(kind)
	for i := range devices {
		devices[i].InUse = devices[i].ID == current
	}
	return devices, nil
}

// DevicesChanged re-lists kind after a device arrival or removal and
// reports when the device in use has gone away. The track keeps running
// until it ends on its own or the user swaps.
func (s *Session) DevicesChanged(kind domain.DeviceKind) {
	devices, err := s.ListDevices(kind)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.session").Str("kind", string(kind)).Msg("list devices")
		return
	}
	inUse := slices.ContainsFunc(devices, func(d domain.DeviceInfo) bool { return d.InUse })
	current := s.deviceInUse(kind)
	log.Info().Str("module", "app.session").Str("kind", string(kind)).Int("devices", len(devices)).Msg("devices changed")
	if current != "" && !inUse {
		s.report(fmt.Errorf("%w: %s device %q removed", core.ErrDeviceAcquisition, kind, current))
	}
}

func (s *Session) deviceInUse(kind domain.DeviceKind) string {
	switch kind {
	case domain.DeviceVideoInput:
		return s.currentDevice(domain.KindVideo)
	case domain.DeviceAudioInput:
		return s.currentDevice(domain.KindAudio)
	}
	return s.Devices.Sink()
}

func (s *Session) currentDevice(kind domain.Kind) string {
	if t := s.Local.Track(kind); t != nil {
		return t.DeviceID()
	}
	return ""
}

func (s *Session) report(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

func (s *Session) enabled(kind domain.Kind) bool {
	return s.Status().Enabled(kind)
}

func (s *Session) Self() domain.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

func (s *Session) Status() domain.VideoStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) Joined() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joined
}

// Close leaves the room if joined and stops local capture.
func (s *Session) Close() {
	if s.Joined() {
		_ = s.ExitRoom()
	}
	s.Meters.StopAll()
	s.Local.Close()
}

type SourceInfo struct {
	ID    domain.SourceID      `json:"id"`
	Owner domain.ParticipantID `json:"owner"`
	Kind  domain.Kind          `json:"kind"`
}

// State is a read-only snapshot for the control API.
type State struct {
	Self      domain.ParticipantID          `json:"self"`
	Room      domain.RoomName               `json:"room"`
	Joined    bool                          `json:"joined"`
	Status    domain.VideoStatus            `json:"status"`
	Producers map[domain.Kind]string        `json:"producers"`
	Sources   []SourceInfo                  `json:"sources"`
	Pending   int                           `json:"pending"`
	Levels    map[domain.ParticipantID]int  `json:"levels,omitempty"`
	Peers     map[domain.ParticipantID]bool `json:"peers,omitempty"`
	LastError string                        `json:"lastError,omitempty"`
}

func (s *Session) Snapshot() State {
	s.mu.RLock()
	st := State{
		Self:      s.self,
		Room:      s.opts.Room,
		Joined:    s.joined,
		Status:    s.status,
		Producers: make(map[domain.Kind]string, len(domain.Kinds)),
		Peers:     make(map[domain.ParticipantID]bool, len(s.peers)),
	}
	for pid, status := range s.peers {
		st.Peers[pid] = status.Camera || status.Mike
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()

	for _, kind := range domain.Kinds {
		st.Producers[kind] = s.Send.State(kind).String()
	}
	for _, sid := range s.Registry.Sources() {
		if e, ok := s.Registry.Get(sid); ok {
			st.Sources = append(st.Sources, SourceInfo{ID: sid, Owner: e.Owner, Kind: e.Kind})
		}
	}
	st.Pending = s.Registry.PendingLen()

	st.Levels = make(map[domain.ParticipantID]int)
	for _, pid := range append([]domain.ParticipantID{SelfView}, keys(st.Peers)...) {
		if g, ok := s.Meters.Get(pid); ok {
			st.Levels[pid] = g.Level()
		}
	}
	return st
}

func keys(m map[domain.ParticipantID]bool) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
