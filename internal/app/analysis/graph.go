// Package analysis meters audio activity per participant.
package analysis

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

const (
	// MaxLevel is the loudest value a graph reports.
	MaxLevel = 127

	smoothing = 0.8

	// Opus DTX and comfort-noise frames stay below this size.
	silentPayloadSize = 10
)

// Graph derives a smoothed loudness from one audio stream.
// It prefers the RFC 6464 audio level header extension and falls back to the
// payload size when the sender does not add it.
type Graph struct {
	Owner domain.ParticipantID

	tap       core.Tap
	extID     uint8
	threshold int
	onLevel   LevelFunc

	mu       sync.Mutex
	smoothed float64

	level    atomic.Int32
	speaking atomic.Bool
	closed   atomic.Bool
}

// LevelFunc observes every level change of a graph.
type LevelFunc func(pid domain.ParticipantID, level int, speaking bool)

func sinkID(pid domain.ParticipantID) string { return "analysis:" + string(pid) }

func newGraph(pid domain.ParticipantID, tap core.Tap, extID uint8, threshold int, fn LevelFunc) *Graph {
	g := &Graph{
		Owner:     pid,
		tap:       tap,
		extID:     extID,
		threshold: threshold,
		onLevel:   fn,
	}
	tap.Subscribe(sinkID(pid), g)
	return g
}

// WriteRTP makes Graph a PacketSink.
func (g *Graph) WriteRTP(pkt *rtp.Packet) error {
	if g.closed.Load() {
		return core.ErrClosed
	}
	instant := g.instantLevel(pkt)

	g.mu.Lock()
	g.smoothed = smoothing*g.smoothed + (1-smoothing)*float64(instant)
	level := int(g.smoothed + 0.5)
	g.mu.Unlock()

	speaking := level > g.threshold
	prev := g.level.Swap(int32(level))
	wasSpeaking := g.speaking.Swap(speaking)
	if g.onLevel != nil && (int(prev) != level || wasSpeaking != speaking) {
		g.onLevel(g.Owner, level, speaking)
	}
	return nil
}

func (g *Graph) instantLevel(pkt *rtp.Packet) int {
	if g.extID != 0 {
		if raw := pkt.GetExtension(g.extID); raw != nil {
			var ext rtp.AudioLevelExtension
			if err := ext.Unmarshal(raw); err == nil {
				// Level is -dBov, 0 is loudest.
				return MaxLevel - int(ext.Level)
			}
		}
	}
	n := len(pkt.Payload)
	if n <= silentPayloadSize {
		return 0
	}
	if n/2 > MaxLevel {
		return MaxLevel
	}
	return n / 2
}

func (g *Graph) Level() int     { return int(g.level.Load()) }
func (g *Graph) Speaking() bool { return g.speaking.Load() }
func (g *Graph) Closed() bool   { return g.closed.Load() }

// Close detaches the graph from its stream. Safe to call twice.
func (g *Graph) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.tap.Unsubscribe(sinkID(g.Owner))
	log.Debug().Str("module", "analysis").Str("pid", string(g.Owner)).Msg("graph closed")
	return nil
}
