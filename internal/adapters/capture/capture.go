// Package capture exposes media files as local capture devices: *.ivf
// (VP8) files are cameras and *.ogg (Opus) files are microphones.
package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/rs/zerolog/log"
)

var extensions = map[domain.DeviceKind]string{
	domain.DeviceVideoInput: ".ivf",
	domain.DeviceAudioInput: ".ogg",
}

// Files is a Capturer over one directory.
type Files struct {
	dir     string
	outputs []domain.DeviceInfo
}

// New returns a capturer reading dir. outputs are reported as the audio
// output devices.
func New(dir string, outputs []domain.DeviceInfo) *Files {
	return &Files{dir: dir, outputs: outputs}
}

func (f *Files) ListDevices(kind domain.DeviceKind) ([]domain.DeviceInfo, error) {
	if kind == domain.DeviceAudioOutput {
		return slices.Clone(f.outputs), nil
	}
	ext, ok := extensions[kind]
	if !ok {
		return nil, fmt.Errorf("%w: device kind %q", core.ErrInvalidParameters, kind)
	}

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	var out []domain.DeviceInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), ext) {
			continue
		}
		out = append(out, domain.DeviceInfo{
			ID:    name,
			Label: strings.TrimSuffix(name, filepath.Ext(name)),
			Kind:  kind,
		})
	}
	return out, nil
}

func (f *Files) Acquire(ctx context.Context, kind domain.Kind, deviceID string) (core.LocalTrack, error) {
	devKind := domain.DeviceAudioInput
	if kind == domain.KindVideo {
		devKind = domain.DeviceVideoInput
	}
	devices, err := f.ListDevices(devKind)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrDeviceAcquisition, err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no %s device", core.ErrDeviceAcquisition, devKind)
	}
	if deviceID == "" {
		deviceID = devices[0].ID
	}
	if !slices.ContainsFunc(devices, func(d domain.DeviceInfo) bool { return d.ID == deviceID }) {
		return nil, fmt.Errorf("%w: unknown device %q", core.ErrDeviceAcquisition, deviceID)
	}

	track, err := newTrack(ctx, kind, deviceID, filepath.Join(f.dir, deviceID))
	if err != nil {
		log.Error().Err(err).Str("module", "capture").Str("device", deviceID).Msg("acquire")
		return nil, fmt.Errorf("%w: %s: %w", core.ErrDeviceAcquisition, deviceID, err)
	}
	log.Info().Str("module", "capture").Str("device", deviceID).Str("kind", string(kind)).Msg("device acquired")
	return track, nil
}
