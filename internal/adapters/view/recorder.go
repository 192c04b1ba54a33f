// Package view renders participants headlessly: each tile counts the
// packets of its attached media and optionally records them to disk.
package view

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

const (
	SinkRecord  = "record"
	SinkDiscard = "discard"
)

// Outputs lists the audio outputs understood by SetSink.
func Outputs() []domain.DeviceInfo {
	return []domain.DeviceInfo{
		{ID: SinkRecord, Label: "Recorder", Kind: domain.DeviceAudioOutput},
		{ID: SinkDiscard, Label: "Discard", Kind: domain.DeviceAudioOutput},
	}
}

type mediaWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

type attachment struct {
	pid     domain.ParticipantID
	kind    domain.Kind
	tap     core.Tap
	subID   string
	discard *atomic.Bool

	packets atomic.Uint64
	mu      sync.Mutex
	writer  mediaWriter
}

func (a *attachment) WriteRTP(pkt *rtp.Packet) error {
	a.packets.Add(1)
	if a.kind == domain.KindAudio && a.discard.Load() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writer == nil {
		return nil
	}
	if err := a.writer.WriteRTP(pkt); err != nil {
		log.Warn().Err(err).Str("module", "view").Str("pid", string(a.pid)).Str("kind", string(a.kind)).Msg("recording stopped")
		_ = a.writer.Close()
		a.writer = nil
	}
	return nil
}

func (a *attachment) close() error {
	a.tap.Unsubscribe(a.subID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writer == nil {
		return nil
	}
	err := a.writer.Close()
	a.writer = nil
	return err
}

type tile struct {
	status domain.VideoStatus
	media  map[domain.Kind]*attachment
}

// Recorder is a core.View. With an empty dir nothing is written.
type Recorder struct {
	dir     string
	discard atomic.Bool

	mu    sync.Mutex
	tiles map[domain.ParticipantID]*tile
	sink  string
}

func NewRecorder(dir string) *Recorder {
	return &Recorder{dir: dir, tiles: make(map[domain.ParticipantID]*tile), sink: SinkRecord}
}

func (r *Recorder) Prepare(pid domain.ParticipantID, status domain.VideoStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tiles[pid]; ok {
		return
	}
	r.tiles[pid] = &tile{status: status, media: make(map[domain.Kind]*attachment)}
	log.Info().Str("module", "view").Str("pid", string(pid)).Msg("tile prepared")
}

// Attach replaces any media of the same kind on the tile.
func (r *Recorder) Attach(pid domain.ParticipantID, kind domain.Kind, stream core.Tap) error {
	writer, err := r.openWriter(pid, kind)
	if err != nil {
		return fmt.Errorf("attach %s/%s: %w", pid, kind, err)
	}
	a := &attachment{
		pid:     pid,
		kind:    kind,
		tap:     stream,
		subID:   "view:" + string(pid),
		discard: &r.discard,
		writer:  writer,
	}

	r.mu.Lock()
	t, ok := r.tiles[pid]
	if !ok {
		t = &tile{status: domain.VideoStatus{Camera: true, Mike: true}, media: make(map[domain.Kind]*attachment)}
		r.tiles[pid] = t
	}
	prev := t.media[kind]
	t.media[kind] = a
	r.mu.Unlock()

	if prev != nil {
		if err := prev.close(); err != nil {
			log.Warn().Err(err).Str("module", "view").Str("pid", string(pid)).Msg("close replaced media")
		}
	}
	stream.Subscribe(a.subID, a)
	log.Info().Str("module", "view").Str("pid", string(pid)).Str("kind", string(kind)).Bool("recording", writer != nil).Msg("media attached")
	return nil
}

func (r *Recorder) openWriter(pid domain.ParticipantID, kind domain.Kind) (mediaWriter, error) {
	if r.dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, err
	}
	stamp := time.Now().UnixMilli()
	if kind == domain.KindVideo {
		return ivfwriter.New(filepath.Join(r.dir, fmt.Sprintf("%s-%d.ivf", pid, stamp)))
	}
	return oggwriter.New(filepath.Join(r.dir, fmt.Sprintf("%s-%d.ogg", pid, stamp)), 48000, 2)
}

// DetachIf leaves the tile untouched when stream was already replaced.
func (r *Recorder) DetachIf(pid domain.ParticipantID, kind domain.Kind, stream core.Tap) error {
	r.mu.Lock()
	var a *attachment
	if t, ok := r.tiles[pid]; ok {
		if cur := t.media[kind]; cur != nil && cur.tap == stream {
			a = cur
			delete(t.media, kind)
		}
	}
	r.mu.Unlock()
	if a == nil {
		return nil
	}
	log.Info().Str("module", "view").Str("pid", string(pid)).Str("kind", string(kind)).Msg("media detached")
	return a.close()
}

func (r *Recorder) Remove(pid domain.ParticipantID) error {
	r.mu.Lock()
	t, ok := r.tiles[pid]
	delete(r.tiles, pid)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	var firstErr error
	for _, a := range t.media {
		if err := a.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	log.Info().Str("module", "view").Str("pid", string(pid)).Msg("tile removed")
	return firstErr
}

func (r *Recorder) UpdateStatus(pid domain.ParticipantID, status domain.VideoStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tiles[pid]; ok {
		t.status = status
	}
}

// SetSink selects where remote audio goes.
func (r *Recorder) SetSink(deviceID string) error {
	switch deviceID {
	case SinkRecord, SinkDiscard:
	default:
		return fmt.Errorf("%w: audio output %q", core.ErrInvalidParameters, deviceID)
	}
	r.mu.Lock()
	r.sink = deviceID
	r.mu.Unlock()
	r.discard.Store(deviceID == SinkDiscard)
	log.Info().Str("module", "view").Str("sink", deviceID).Msg("audio output set")
	return nil
}

func (r *Recorder) Sink() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink
}

type TileInfo struct {
	ID      domain.ParticipantID   `json:"id"`
	Status  domain.VideoStatus     `json:"status"`
	Packets map[domain.Kind]uint64 `json:"packets"`
}

// Tiles returns every tile sorted by participant id.
func (r *Recorder) Tiles() []TileInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TileInfo, 0, len(r.tiles))
	for pid, t := range r.tiles {
		info := TileInfo{ID: pid, Status: t.status, Packets: make(map[domain.Kind]uint64, len(t.media))}
		for kind, a := range t.media {
			info.Packets[kind] = a.packets.Load()
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b TileInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
