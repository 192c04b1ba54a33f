package app

import (
	"sync"

	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/rs/zerolog/log"
)

// LocalStream holds the current capture track per kind.
type LocalStream struct {
	mu     sync.RWMutex
	tracks map[domain.Kind]core.LocalTrack
}

func NewLocalStream() *LocalStream {
	return &LocalStream{tracks: make(map[domain.Kind]core.LocalTrack)}
}

func (l *LocalStream) Track(kind domain.Kind) core.LocalTrack {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracks[kind]
}

// Set installs track for its kind and returns the track it replaced.
func (l *LocalStream) Set(track core.LocalTrack) core.LocalTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.tracks[track.Kind()]
	l.tracks[track.Kind()] = track
	log.Info().Str("module", "app.local").Str("kind", string(track.Kind())).Str("device", track.DeviceID()).Msg("local track set")
	return old
}

// Restore puts prev back for kind, or clears the slot when prev is nil.
func (l *LocalStream) Restore(kind domain.Kind, prev core.LocalTrack) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev == nil {
		delete(l.tracks, kind)
		return
	}
	l.tracks[kind] = prev
}

func (l *LocalStream) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tracks)
}

// Close stops every local track.
func (l *LocalStream) Close() {
	l.mu.Lock()
	tracks := l.tracks
	l.tracks = make(map[domain.Kind]core.LocalTrack)
	l.mu.Unlock()
	for kind, t := range tracks {
		if err := t.Close(); err != nil {
			log.Error().Err(err).Str("module", "app.local").Str("kind", string(kind)).Msg("close local track")
		}
	}
}
