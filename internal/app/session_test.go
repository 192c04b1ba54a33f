package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionFixture struct {
	sig     *fakeSignaling
	capture *fakeCapturer
	view    *fakeView
	sess    *Session

	producersExist atomic.Bool

	mu      sync.Mutex
	devices []*fakeDevice
	errs    []error
}

func newSessionFixture(t *testing.T, owners map[domain.SourceID]consumeAnswer) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		sig:     newFakeSignaling(),
		capture: newFakeCapturer(),
		view:    newFakeView(),
	}
	fakeRoom(f.sig, owners)
	f.sig.ack(EventJoinRoom, joinRoomAck{})
	f.sig.ack(EventGetProducers, []domain.SourceID{})
	f.sig.respond(EventTransportProduce, func(_ context.Context, raw json.RawMessage) (any, error) {
		var req produceRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return produceAck{ID: "p-" + string(req.Kind), ProducersExist: f.producersExist.Load()}, nil
	})

	opts := DefaultOptions()
	opts.SwapSettle = time.Millisecond
	opts.OnError = func(err error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.errs = append(f.errs, err)
	}
	newDevice := func() core.Device {
		d := newFakeDevice()
		f.mu.Lock()
		f.devices = append(f.devices, d)
		f.mu.Unlock()
		return d
	}
	f.sess = NewSession(context.Background(), opts, f.sig, newDevice, f.capture, f.view)
	t.Cleanup(func() {
		f.sess.Close()
		f.sess.Wait()
	})
	return f
}

func (f *sessionFixture) device() *fakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[len(f.devices)-1]
}

func (f *sessionFixture) reported() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}

func (f *sessionFixture) join(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sess.StartLocalMedia(context.Background()))
	require.NoError(t, f.sess.JoinRoom(context.Background()))
}

func TestSession_NoSourcesProducesBothKinds(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.sig.fire(EventHello, helloEvent{ParticipantID: "me"})
	f.join(t)
	f.sess.Wait()

	assert.Equal(t, domain.ParticipantID("me"), f.sess.Self())
	assert.True(t, f.sess.Joined())
	assert.Equal(t, StateActive, f.sess.Send.State(domain.KindAudio))
	assert.Equal(t, StateActive, f.sess.Send.State(domain.KindVideo))
	assert.Equal(t, "p-audio", f.sess.Send.Producer(domain.KindAudio).ID())
	assert.Equal(t, "p-video", f.sess.Send.Producer(domain.KindVideo).ID())
	assert.Equal(t, 0, f.device().recvCount())
	assert.Equal(t, 0, f.sig.requested(EventGetProducers))
	assert.Equal(t, 0, f.sess.Registry.Len())
	assert.Empty(t, f.reported())
}

func TestSession_ProducersExistWithConcurrentPush(t *testing.T) {
	f := newSessionFixture(t, map[domain.SourceID]consumeAnswer{
		"S1": {owner: "P1", kind: domain.KindAudio},
		"S2": {owner: "P1", kind: domain.KindVideo},
	})
	f.producersExist.Store(true)
	f.sig.ack(EventGetProducers, []domain.SourceID{"S1", "S2"})

	f.join(t)
	f.sig.fire(EventNewProducer, newProducerEvent{ProducerID: "S1", ProducerSocketID: "P1", Camera: true, Mike: true})
	f.sess.Wait()

	assert.Equal(t, []domain.SourceID{"S1", "S2"}, f.sess.Registry.Sources())
	assert.Equal(t, 2, f.device().recvCount(), "no duplicate inbound transport")
	assert.Equal(t, 1, f.sig.requested(EventGetProducers), "enumeration runs once")
	assert.True(t, f.view.hasTile("P1"))
}

func TestSession_NewProducerThenEnumerate(t *testing.T) {
	f := newSessionFixture(t, map[domain.SourceID]consumeAnswer{
		"S1": {owner: "P1", kind: domain.KindAudio},
	})
	f.join(t)

	f.sig.fire(EventNewProducer, newProducerEvent{ProducerID: "S1", ProducerSocketID: "P1"})
	f.sess.Wait()
	require.Equal(t, 1, f.sess.Registry.Len())

	f.sig.ack(EventGetProducers, []domain.SourceID{"S1"})
	require.NoError(t, f.sess.Registry.Enumerate(context.Background()))
	assert.Equal(t, 1, f.sess.Registry.Len())
	assert.Equal(t, 1, f.device().recvCount())
}

func TestSession_NewProducerIgnoredWhenNotJoined(t *testing.T) {
	f := newSessionFixture(t, map[domain.SourceID]consumeAnswer{
		"S1": {owner: "P1", kind: domain.KindAudio},
	})
	f.sig.fire(EventNewProducer, newProducerEvent{ProducerID: "S1", ProducerSocketID: "P1"})
	f.sess.Wait()
	assert.Equal(t, 0, f.sess.Registry.Len())
	assert.Equal(t, 0, f.sig.requested(EventCreateTransport))
}

func TestSession_ProducerClosedUnknownIsNoop(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.join(t)

	f.sig.fire(EventProducerClosed, producerClosedEvent{RemoteProducerID: "ghost"})

	assert.Equal(t, 0, f.sess.Registry.Len())
	assert.Equal(t, 0, f.view.detaches)
	assert.Empty(t, f.reported())
}

func TestSession_ExitAndCloseConverge(t *testing.T) {
	f := newSessionFixture(t, map[domain.SourceID]consumeAnswer{
		"S1": {owner: "P1", kind: domain.KindAudio},
		"S2": {owner: "P1", kind: domain.KindVideo},
		"S3": {owner: "P2", kind: domain.KindAudio},
	})
	f.join(t)
	for _, sid := range []domain.SourceID{"S1", "S2", "S3"} {
		require.NoError(t, f.sess.Registry.BeginConsumption(context.Background(), sid))
	}
	transports := f.device().recvTransports()
	require.Len(t, transports, 3)

	f.sig.fire(EventProducerClosed, producerClosedEvent{RemoteProducerID: "S1"})
	f.sig.fire(EventExitPlayer, exitPlayerEvent{PlayerID: "P1"})

	assert.Equal(t, []domain.SourceID{"S3"}, f.sess.Registry.Sources())
	for _, tr := range transports[:2] {
		assert.Equal(t, int32(1), tr.closes.Load(), "released exactly once")
	}
	assert.Equal(t, int32(0), transports[2].closes.Load())
	assert.Contains(t, f.view.removes, domain.ParticipantID("P1"))
	_, ok := f.sess.Meters.Get("P1")
	assert.False(t, ok)
	_, ok = f.sess.Meters.Get("P2")
	assert.True(t, ok)
}

func TestSession_ExitPlayerForSelfIgnored(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.sig.fire(EventHello, helloEvent{ParticipantID: "me"})
	f.join(t)

	f.sig.fire(EventExitPlayer, exitPlayerEvent{PlayerID: "me"})
	assert.Empty(t, f.view.removes)
	assert.True(t, f.view.hasTile(SelfView))
}

func TestSession_JoinPreparesPeerTiles(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.sig.fire(EventHello, helloEvent{ParticipantID: "me"})
	f.sig.ack(EventJoinRoom, joinRoomAck{VideoStatusList: []domain.PeerStatus{
		{PlayerID: "me", VideoStatus: domain.VideoStatus{Camera: true, Mike: true}},
		{PlayerID: "P1", VideoStatus: domain.VideoStatus{Camera: false, Mike: true}},
	}})
	f.join(t)

	assert.True(t, f.view.hasTile("P1"))
	assert.False(t, f.view.hasTile("me"))
	assert.Equal(t, map[domain.ParticipantID]bool{"P1": true}, f.sess.Snapshot().Peers)

	f.sig.fire(EventUpdateVideoStatus, videoStatusEvent{PlayerID: "P1", Camera: true, Mike: false})
	f.view.mu.Lock()
	assert.Equal(t, domain.VideoStatus{Camera: true, Mike: false}, f.view.tiles["P1"])
	f.view.mu.Unlock()
}

func TestSession_JoinTwice(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.join(t)
	assert.ErrorIs(t, f.sess.JoinRoom(context.Background()), core.ErrInvalidState)
}

func TestSession_JoinFailure(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.sig.respond(EventJoinRoom, func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("room full")
	})

	err := f.sess.JoinRoom(context.Background())
	require.Error(t, err)
	assert.False(t, f.sess.Joined())
	assert.Len(t, f.reported(), 1)
	assert.Equal(t, "room full", f.sess.Snapshot().LastError)
}

func TestSession_ExitRoom(t *testing.T) {
	f := newSessionFixture(t, map[domain.SourceID]consumeAnswer{
		"S1": {owner: "P1", kind: domain.KindAudio},
	})
	f.join(t)
	f.sig.fire(EventNewProducer, newProducerEvent{ProducerID: "S1", ProducerSocketID: "P1"})
	f.sess.Wait()
	require.Equal(t, 1, f.sess.Registry.Len())

	require.NoError(t, f.sess.ExitRoom())

	assert.False(t, f.sess.Joined())
	assert.Equal(t, 0, f.sess.Registry.Len())
	assert.Equal(t, StateIdle, f.sess.Send.State(domain.KindAudio))
	assert.Nil(t, f.sess.Send.Transport())
	assert.False(t, f.view.hasTile("P1"))
	_, ok := f.sess.Meters.Get(SelfView)
	assert.True(t, ok, "local meter survives leaving")

	exits := f.sig.emitted(EventExitRoom)
	require.Len(t, exits, 1)
	assert.JSONEq(t, `{"roomName":"HouseScene"}`, string(exits[0]))

	assert.ErrorIs(t, f.sess.ExitRoom(), core.ErrNotJoined)

	// Rejoining uses a fresh device.
	require.NoError(t, f.sess.JoinRoom(context.Background()))
	f.mu.Lock()
	assert.Len(t, f.devices, 2)
	f.mu.Unlock()
}

func TestSession_Toggles(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.join(t)

	status, err := f.sess.ToggleCamera()
	require.NoError(t, err)
	assert.Equal(t, domain.VideoStatus{Camera: false, Mike: true}, status)
	assert.False(t, f.sess.Local.Track(domain.KindVideo).Enabled())
	assert.True(t, f.sess.Local.Track(domain.KindAudio).Enabled())

	status, err = f.sess.ToggleMike()
	require.NoError(t, err)
	assert.Equal(t, domain.VideoStatus{Camera: false, Mike: false}, status)
	assert.False(t, f.sess.Local.Track(domain.KindAudio).Enabled())

	updates := f.sig.emitted(EventUpdateVideoStatus)
	require.Len(t, updates, 2)
	assert.JSONEq(t, `{"camera":false,"mike":true}`, string(updates[0]))
	assert.JSONEq(t, `{"camera":false,"mike":false}`, string(updates[1]))
}

func TestSession_ToggleWithoutMedia(t *testing.T) {
	f := newSessionFixture(t, nil)
	_, err := f.sess.ToggleCamera()
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestSession_StartLocalMediaWithoutDevices(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.capture.broken["cam1"] = true
	f.capture.broken["mic1"] = true

	err := f.sess.StartLocalMedia(context.Background())
	assert.ErrorIs(t, err, core.ErrDeviceAcquisition)
	assert.Len(t, f.reported(), 2)
}

func TestSession_ListDevicesMarksInUse(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.sess.StartLocalMedia(context.Background()))

	cams, err := f.sess.ListDevices(domain.DeviceVideoInput)
	require.NoError(t, err)
	require.Len(t, cams, 2)
	assert.True(t, cams[0].InUse)
	assert.False(t, cams[1].InUse)

	outs, err := f.sess.ListDevices(domain.DeviceAudioOutput)
	require.NoError(t, err)
	assert.True(t, outs[0].InUse, "first output selected by default")
	assert.Equal(t, "spk1", f.view.sink)
}

func TestSession_DevicesChanged(t *testing.T) {
	f := newSessionFixture(t, nil)
	require.NoError(t, f.sess.StartLocalMedia(context.Background()))

	f.sess.DevicesChanged(domain.DeviceVideoInput)
	assert.Empty(t, f.reported(), "camera in use still listed")

	f.capture.mu.Lock()
	f.capture.devices[domain.DeviceVideoInput] = f.capture.devices[domain.DeviceVideoInput][1:]
	f.capture.mu.Unlock()

	f.sess.DevicesChanged(domain.DeviceVideoInput)
	errs := f.reported()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], core.ErrDeviceAcquisition)
	assert.Contains(t, errs[0].Error(), "cam1")
}

func TestSession_SnapshotReportsProducers(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.join(t)

	st := f.sess.Snapshot()
	assert.True(t, st.Joined)
	assert.Equal(t, domain.DefaultRoom, st.Room)
	assert.Equal(t, "active", st.Producers[domain.KindAudio])
	assert.Equal(t, "active", st.Producers[domain.KindVideo])
	assert.Contains(t, st.Levels, SelfView)
}
