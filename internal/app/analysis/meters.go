package analysis

import (
	"slices"
	"sync"

	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/rs/zerolog/log"
)

// Meters holds at most one Graph per participant.
type Meters struct {
	extID     uint8
	threshold int
	onLevel   LevelFunc

	mu     sync.Mutex
	graphs map[domain.ParticipantID]*Graph
}

func NewMeters(extID uint8, threshold int, fn LevelFunc) *Meters {
	return &Meters{
		extID:     extID,
		threshold: threshold,
		onLevel:   fn,
		graphs:    make(map[domain.ParticipantID]*Graph),
	}
}

// Start builds a graph for pid over tap, tearing down the previous one.
func (m *Meters) Start(pid domain.ParticipantID, tap core.Tap) *Graph {
	m.mu.Lock()
	old := m.graphs[pid]
	g := newGraph(pid, tap, m.extID, m.threshold, m.onLevel)
	m.graphs[pid] = g
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	log.Info().Str("module", "analysis").Str("pid", string(pid)).Bool("rebuilt", old != nil).Msg("graph started")
	return g
}

// Stop tears down the graph of pid. It reports whether one existed.
func (m *Meters) Stop(pid domain.ParticipantID) bool {
	m.mu.Lock()
	g, ok := m.graphs[pid]
	if ok {
		delete(m.graphs, pid)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	_ = g.Close()
	return true
}

// StopIf tears down the graph of pid only if it is g.
func (m *Meters) StopIf(pid domain.ParticipantID, g *Graph) bool {
	m.mu.Lock()
	cur, ok := m.graphs[pid]
	if !ok || cur != g {
		m.mu.Unlock()
		return false
	}
	delete(m.graphs, pid)
	m.mu.Unlock()
	_ = g.Close()
	return true
}

func (m *Meters) Get(pid domain.ParticipantID) (*Graph, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[pid]
	return g, ok
}

// StopAll tears down every graph except the ones in keep.
func (m *Meters) StopAll(keep ...domain.ParticipantID) {
	m.mu.Lock()
	victims := make([]*Graph, 0, len(m.graphs))
	for pid, g := range m.graphs {
		if slices.Contains(keep, pid) {
			continue
		}
		victims = append(victims, g)
		delete(m.graphs, pid)
	}
	m.mu.Unlock()
	for _, g := range victims {
		_ = g.Close()
	}
}

func (m *Meters) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.graphs)
}
