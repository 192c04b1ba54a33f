package core

import (
	"context"

	"github.com/dkeye/housecall/internal/domain"
)

// View is the presentation layer holding one tile per participant.
type View interface {
	// Prepare creates the tile ahead of any media; repeated calls are no-ops.
	Prepare(pid domain.ParticipantID, status domain.VideoStatus)
	Attach(pid domain.ParticipantID, kind domain.Kind, stream Tap) error
	// DetachIf drops the media of one kind from the participant's tile when
	// stream is still the attached one.
	DetachIf(pid domain.ParticipantID, kind domain.Kind, stream Tap) error
	// Remove drops the whole tile.
	Remove(pid domain.ParticipantID) error
	UpdateStatus(pid domain.ParticipantID, status domain.VideoStatus)
	// SetSink routes remote audio to an output device.
	SetSink(deviceID string) error
}

// Capturer enumerates and opens local capture devices.
type Capturer interface {
	ListDevices(kind domain.DeviceKind) ([]domain.DeviceInfo, error)
	// Acquire opens deviceID, or the first device of the kind when empty.
	Acquire(ctx context.Context, kind domain.Kind, deviceID string) (LocalTrack, error)
}
