package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/housecall/internal/app/analysis"
	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/rs/zerolog/log"
)

// DefaultSwapSettle is how long a replaced track is given before its enabled
// flag is applied again.
const DefaultSwapSettle = 25 * time.Millisecond

// DeviceSwapCoordinator replaces the capture device under a live producer.
type DeviceSwapCoordinator struct {
	capture core.Capturer
	view    core.View
	local   *LocalStream
	send    *SendSession
	meters  *analysis.Meters
	settle  time.Duration

	enabled func(domain.Kind) bool

	mu   sync.Mutex
	sink string
}

func NewDeviceSwapCoordinator(
	capture core.Capturer,
	view core.View,
	local *LocalStream,
	send *SendSession,
	meters *analysis.Meters,
	settle time.Duration,
	enabled func(domain.Kind) bool,
) *DeviceSwapCoordinator {
	return &DeviceSwapCoordinator{
		capture: capture,
		view:    view,
		local:   local,
		send:    send,
		meters:  meters,
		settle:  settle,
		enabled: enabled,
	}
}

// Swap switches target to deviceID. Swapping to the device in use is a
// no-op; a device that cannot be opened leaves the current one in place.
func (d *DeviceSwapCoordinator) Swap(ctx context.Context, target domain.SwapTarget, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	logger := log.With().Str("module", "app.devices").Str("target", string(target)).Str("device", deviceID).Logger()

	kind, ok := target.MediaKind()
	if !ok {
		if deviceID == d.sink {
			return nil
		}
		if err := d.view.SetSink(deviceID); err != nil {
			logger.Error().Err(err).Msg("set audio sink")
			return fmt.Errorf("set audio sink: %w", err)
		}
		d.sink = deviceID
		logger.Info().Msg("audio output changed")
		return nil
	}

	prev := d.local.Track(kind)
	if prev != nil && prev.DeviceID() == deviceID {
		return nil
	}

	next, err := d.capture.Acquire(ctx, kind, deviceID)
	if err != nil {
		logger.Error().Err(err).Msg("acquire device")
		return fmt.Errorf("swap %s: %w", target, err)
	}
	next.SetEnabled(d.enabled(kind))
	d.local.Set(next)

	if producer := d.send.Producer(kind); producer != nil {
		if err := producer.ReplaceTrack(next); err != nil {
			d.local.Restore(kind, prev)
			_ = next.Close()
			logger.Error().Err(err).Msg("replace track")
			return fmt.Errorf("replace %s track: %w", kind, err)
		}
	}

	if err := d.view.Attach(SelfView, kind, next); err != nil {
		logger.Warn().Err(err).Msg("attach local view")
	}
	if kind == domain.KindAudio {
		d.meters.Start(SelfView, next)
	}
	if prev != nil {
		if err := prev.Close(); err != nil {
			logger.Warn().Err(err).Msg("close previous track")
		}
	}

	// The enabled flag does not survive replacement reliably; set it again
	// once the new track is live.
	timer := time.NewTimer(d.settle)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}
	next.SetEnabled(d.enabled(kind))

	logger.Info().Bool("enabled", next.Enabled()).Msg("device changed")
	return nil
}

// SetSink records the output device chosen outside of Swap.
func (d *DeviceSwapCoordinator) SetSink(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = deviceID
}

func (d *DeviceSwapCoordinator) Sink() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}
