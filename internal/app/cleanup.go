package app

import (
	"github.com/dkeye/housecall/internal/app/analysis"
	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/rs/zerolog/log"
)

// CleanupCoordinator routes participant exits and closed sources to the
// registry. Both paths converge on ReceiveRegistry.Release.
type CleanupCoordinator struct {
	registry *ReceiveRegistry
	meters   *analysis.Meters
	view     core.View
}

func NewCleanupCoordinator(registry *ReceiveRegistry, meters *analysis.Meters, view core.View) *CleanupCoordinator {
	return &CleanupCoordinator{registry: registry, meters: meters, view: view}
}

// OnParticipantExit releases every source owned by pid and drops its tile.
func (c *CleanupCoordinator) OnParticipantExit(pid domain.ParticipantID) int {
	n := c.registry.Depart(pid)
	c.meters.Stop(pid)
	if err := c.view.Remove(pid); err != nil {
		log.Warn().Err(err).Str("module", "app.cleanup").Str("pid", string(pid)).Msg("remove view")
	}
	log.Info().Str("module", "app.cleanup").Str("pid", string(pid)).Int("released", n).Msg("participant exit")
	return n
}

// OnSourceClosed handles the server's producer-closed notification.
func (c *CleanupCoordinator) OnSourceClosed(sid domain.SourceID) ReleaseResult {
	res := c.registry.Release(sid)
	log.Info().Str("module", "app.cleanup").Str("source", string(sid)).Stringer("result", res).Msg("source closed")
	return res
}
