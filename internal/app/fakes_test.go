package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// responder answers one request event.
type responder func(ctx context.Context, payload json.RawMessage) (any, error)

type emitted struct {
	event   string
	payload json.RawMessage
}

type fakeSignaling struct {
	mu         sync.Mutex
	responders map[string]responder
	handlers   map[string][]core.EventHandler
	requests   []string
	emits      []emitted
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		responders: make(map[string]responder),
		handlers:   make(map[string][]core.EventHandler),
	}
}

func (f *fakeSignaling) respond(event string, r responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders[event] = r
}

// ack makes event answer with a fixed value.
func (f *fakeSignaling) ack(event string, v any) {
	f.respond(event, func(context.Context, json.RawMessage) (any, error) { return v, nil })
}

func (f *fakeSignaling) Request(ctx context.Context, event string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.requests = append(f.requests, event)
	r := f.responders[event]
	f.mu.Unlock()
	if r == nil {
		return fmt.Errorf("%s: %w: no responder", event, core.ErrSignaling)
	}
	resp, err := r(ctx, raw)
	if err != nil {
		return err
	}
	if out == nil || resp == nil {
		return nil
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (f *fakeSignaling) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{event: event, payload: raw})
	return nil
}

func (f *fakeSignaling) On(event string, h core.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

// fire delivers an inbound event the way the reader goroutine would.
func (f *fakeSignaling) fire(event string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	hs := append([]core.EventHandler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

func (f *fakeSignaling) requested(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.requests {
		if e == event {
			n++
		}
	}
	return n
}

func (f *fakeSignaling) emitted(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func transportOptions(id string) domain.TransportOptions {
	return domain.TransportOptions{
		ID:             id,
		ICEParameters:  domain.ICEParameters{UsernameFragment: "u", Password: "p"},
		DTLSParameters: domain.DTLSParameters{Fingerprints: []domain.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA"}}},
	}
}

// fakeRoom wires the usual server answers into sig. Transport ids count up.
func fakeRoom(sig *fakeSignaling, owners map[domain.SourceID]consumeAnswer) {
	var n atomic.Int32
	sig.respond(EventCreateTransport, func(context.Context, json.RawMessage) (any, error) {
		return transportOptions(fmt.Sprintf("t%d", n.Add(1))), nil
	})
	sig.ack(EventTransportConnect, struct{}{})
	sig.ack(EventTransportRecvConnect, struct{}{})
	sig.respond(EventConsume, func(_ context.Context, raw json.RawMessage) (any, error) {
		var req consumeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		a, ok := owners[req.RemoteProducerID]
		if !ok {
			return nil, fmt.Errorf("consume: %w: unknown producer", core.ErrSignaling)
		}
		return domain.ConsumerOptions{
			ID:               "c-" + string(req.RemoteProducerID),
			ProducerID:       req.RemoteProducerID,
			Kind:             a.kind,
			ServerConsumerID: "sc-" + string(req.RemoteProducerID),
			ProducerOwner:    a.owner,
			RTPParameters: domain.RTPParameters{
				Codecs:    []domain.RTPCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000}},
				Encodings: []domain.RTPEncodingParameters{{SSRC: 1234}},
			},
		}, nil
	})
}

type consumeAnswer struct {
	owner domain.ParticipantID
	kind  domain.Kind
}

type fakeDevice struct {
	mu         sync.Mutex
	loaded     bool
	produce    map[domain.Kind]bool
	sends      []*fakeSendTransport
	recvs      []*fakeRecvTransport
	produceErr map[domain.Kind]error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		produce:    map[domain.Kind]bool{domain.KindAudio: true, domain.KindVideo: true},
		produceErr: make(map[domain.Kind]error),
	}
}

func (d *fakeDevice) Load(domain.RTPCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return core.ErrInvalidState
	}
	d.loaded = true
	return nil
}

func (d *fakeDevice) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *fakeDevice) RTPCapabilities() domain.RTPCapabilities { return domain.RTPCapabilities{} }

func (d *fakeDevice) CanProduce(kind domain.Kind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.produce[kind]
}

func (d *fakeDevice) CreateSendTransport(opts domain.TransportOptions) (core.SendTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &fakeSendTransport{fakeTransport: fakeTransport{id: opts.ID}, produceErr: d.produceErr}
	d.sends = append(d.sends, t)
	return t, nil
}

func (d *fakeDevice) CreateRecvTransport(opts domain.TransportOptions) (core.RecvTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &fakeRecvTransport{fakeTransport: fakeTransport{id: opts.ID}}
	d.recvs = append(d.recvs, t)
	return t, nil
}

func (d *fakeDevice) recvCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.recvs)
}

func (d *fakeDevice) recvTransports() []*fakeRecvTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeRecvTransport(nil), d.recvs...)
}

type fakeTransport struct {
	id        string
	onConnect core.ConnectHandler
	connects  atomic.Int32
	closes    atomic.Int32
	closeErr  error
}

func (t *fakeTransport) ID() string                       { return t.id }
func (t *fakeTransport) OnConnect(fn core.ConnectHandler) { t.onConnect = fn }
func (t *fakeTransport) Closed() bool                     { return t.closes.Load() > 0 }

func (t *fakeTransport) Connect(ctx context.Context) error {
	if t.connects.Add(1) > 1 {
		return nil
	}
	return t.onConnect(ctx, domain.DTLSParameters{Role: "client"})
}

func (t *fakeTransport) Close() error {
	t.closes.Add(1)
	return t.closeErr
}

type fakeSendTransport struct {
	fakeTransport
	onProduce  core.ProduceHandler
	produceErr map[domain.Kind]error
}

func (t *fakeSendTransport) OnProduce(fn core.ProduceHandler) { t.onProduce = fn }

func (t *fakeSendTransport) Produce(ctx context.Context, kind domain.Kind, track core.LocalTrack, appData map[string]any) (core.Producer, error) {
	if err := t.produceErr[kind]; err != nil {
		return nil, err
	}
	id, err := t.onProduce(ctx, core.ProduceRequest{Kind: kind, AppData: appData})
	if err != nil {
		return nil, err
	}
	return &fakeProducer{id: id, kind: kind, track: track}, nil
}

type fakeRecvTransport struct {
	fakeTransport
	mu        sync.Mutex
	consumers []*fakeConsumer
}

func (t *fakeRecvTransport) Consume(_ context.Context, opts domain.ConsumerOptions) (core.Consumer, error) {
	c := &fakeConsumer{
		id:         opts.ServerConsumerID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		reader:     newBlockingReader(),
	}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

type fakeProducer struct {
	id         string
	kind       domain.Kind
	mu         sync.Mutex
	track      core.LocalTrack
	replaced   int
	replaceErr error
	closed     bool
}

func (p *fakeProducer) ID() string        { return p.id }
func (p *fakeProducer) Kind() domain.Kind { return p.kind }

func (p *fakeProducer) Track() core.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

func (p *fakeProducer) ReplaceTrack(track core.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replaceErr != nil {
		return p.replaceErr
	}
	p.track = track
	p.replaced++
	return nil
}

func (p *fakeProducer) OnTrackEnded(func())     {}
func (p *fakeProducer) OnTransportClose(func()) {}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeConsumer struct {
	id         string
	producerID domain.SourceID
	kind       domain.Kind
	reader     *blockingReader
	keyframes  atomic.Int32
	closes     atomic.Int32
}

func (c *fakeConsumer) ID() string                  { return c.id }
func (c *fakeConsumer) ProducerID() domain.SourceID { return c.producerID }
func (c *fakeConsumer) Kind() domain.Kind           { return c.kind }
func (c *fakeConsumer) Track() core.PacketReader    { return c.reader }

func (c *fakeConsumer) RequestKeyFrame() error {
	c.keyframes.Add(1)
	return nil
}

func (c *fakeConsumer) Close() error {
	c.closes.Add(1)
	c.reader.Close()
	return nil
}

// blockingReader yields nothing until closed.
type blockingReader struct {
	once sync.Once
	done chan struct{}
}

func newBlockingReader() *blockingReader { return &blockingReader{done: make(chan struct{})} }

func (r *blockingReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-r.done
	return nil, nil, io.EOF
}

func (r *blockingReader) Close() { r.once.Do(func() { close(r.done) }) }

type fakeTrack struct {
	id       string
	kind     domain.Kind
	deviceID string
	enabled  atomic.Bool
	closes   atomic.Int32

	mu   sync.Mutex
	subs map[string]core.PacketSink
}

func newFakeTrack(kind domain.Kind, deviceID string) *fakeTrack {
	t := &fakeTrack{id: "track-" + deviceID, kind: kind, deviceID: deviceID, subs: make(map[string]core.PacketSink)}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string                    { return t.id }
func (t *fakeTrack) Kind() domain.Kind             { return t.kind }
func (t *fakeTrack) DeviceID() string              { return t.deviceID }
func (t *fakeTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(v bool)             { t.enabled.Store(v) }
func (t *fakeTrack) TrackLocal() webrtc.TrackLocal { return nil }
func (t *fakeTrack) OnEnded(func(error))           {}

func (t *fakeTrack) Close() error {
	t.closes.Add(1)
	return nil
}

func (t *fakeTrack) Subscribe(id string, sink core.PacketSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[id] = sink
}

func (t *fakeTrack) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
}

type fakeCapturer struct {
	mu       sync.Mutex
	devices  map[domain.DeviceKind][]domain.DeviceInfo
	broken   map[string]bool
	acquired []*fakeTrack
}

func newFakeCapturer() *fakeCapturer {
	return &fakeCapturer{
		devices: map[domain.DeviceKind][]domain.DeviceInfo{
			domain.DeviceVideoInput:  {{ID: "cam1", Kind: domain.DeviceVideoInput}, {ID: "cam2", Kind: domain.DeviceVideoInput}},
			domain.DeviceAudioInput:  {{ID: "mic1", Kind: domain.DeviceAudioInput}, {ID: "mic2", Kind: domain.DeviceAudioInput}},
			domain.DeviceAudioOutput: {{ID: "spk1", Kind: domain.DeviceAudioOutput}, {ID: "spk2", Kind: domain.DeviceAudioOutput}},
		},
		broken: make(map[string]bool),
	}
}

func (c *fakeCapturer) ListDevices(kind domain.DeviceKind) ([]domain.DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.DeviceInfo(nil), c.devices[kind]...), nil
}

func (c *fakeCapturer) Acquire(_ context.Context, kind domain.Kind, deviceID string) (core.LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deviceID == "" {
		if kind == domain.KindVideo {
			deviceID = "cam1"
		} else {
			deviceID = "mic1"
		}
	}
	if c.broken[deviceID] {
		return nil, fmt.Errorf("%w: %s", core.ErrDeviceAcquisition, deviceID)
	}
	t := newFakeTrack(kind, deviceID)
	c.acquired = append(c.acquired, t)
	return t, nil
}

type fakeView struct {
	mu       sync.Mutex
	tiles    map[domain.ParticipantID]domain.VideoStatus
	attached map[domain.ParticipantID]map[domain.Kind]core.Tap
	detaches int
	removes  []domain.ParticipantID
	sink     string
}

func newFakeView() *fakeView {
	return &fakeView{
		tiles:    make(map[domain.ParticipantID]domain.VideoStatus),
		attached: make(map[domain.ParticipantID]map[domain.Kind]core.Tap),
	}
}

func (v *fakeView) Prepare(pid domain.ParticipantID, status domain.VideoStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.tiles[pid]; !ok {
		v.tiles[pid] = status
	}
}

func (v *fakeView) Attach(pid domain.ParticipantID, kind domain.Kind, stream core.Tap) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.tiles[pid]; !ok {
		v.tiles[pid] = domain.VideoStatus{Camera: true, Mike: true}
	}
	if v.attached[pid] == nil {
		v.attached[pid] = make(map[domain.Kind]core.Tap)
	}
	v.attached[pid][kind] = stream
	return nil
}

func (v *fakeView) DetachIf(pid domain.ParticipantID, kind domain.Kind, stream core.Tap) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.detaches++
	if v.attached[pid][kind] == stream {
		delete(v.attached[pid], kind)
	}
	return nil
}

func (v *fakeView) Remove(pid domain.ParticipantID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removes = append(v.removes, pid)
	delete(v.tiles, pid)
	delete(v.attached, pid)
	return nil
}

func (v *fakeView) UpdateStatus(pid domain.ParticipantID, status domain.VideoStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.tiles[pid]; ok {
		v.tiles[pid] = status
	}
}

func (v *fakeView) SetSink(deviceID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sink = deviceID
	return nil
}

func (v *fakeView) attachedKinds(pid domain.ParticipantID) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.attached[pid])
}

func (v *fakeView) attachedStream(pid domain.ParticipantID, kind domain.Kind) core.Tap {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.attached[pid][kind]
}

func (v *fakeView) hasTile(pid domain.ParticipantID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.tiles[pid]
	return ok
}
