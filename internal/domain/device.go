package domain

import "fmt"

// DeviceKind follows the browser MediaDeviceInfo kinds.
type DeviceKind string

const (
	DeviceVideoInput  DeviceKind = "videoinput"
	DeviceAudioInput  DeviceKind = "audioinput"
	DeviceAudioOutput DeviceKind = "audiooutput"
)

type DeviceInfo struct {
	ID    string     `json:"deviceId"`
	Label string     `json:"label"`
	Kind  DeviceKind `json:"kind"`
	InUse bool       `json:"inUse,omitempty"`
}

// SwapTarget names a local device slot that can be switched at runtime.
type SwapTarget string

const (
	SwapCamera  SwapTarget = "camera"
	SwapMike    SwapTarget = "mike"
	SwapSpeaker SwapTarget = "speaker"
)

func ParseSwapTarget(s string) (SwapTarget, error) {
	switch t := SwapTarget(s); t {
	case SwapCamera, SwapMike, SwapSpeaker:
		return t, nil
	}
	return "", fmt.Errorf("unknown device target %q", s)
}

// DeviceKind returns the device kind feeding the target.
func (t SwapTarget) DeviceKind() DeviceKind {
	switch t {
	case SwapCamera:
		return DeviceVideoInput
	case SwapMike:
		return DeviceAudioInput
	default:
		return DeviceAudioOutput
	}
}

// MediaKind returns the producer kind fed by the target; speaker has none.
func (t SwapTarget) MediaKind() (Kind, bool) {
	switch t {
	case SwapCamera:
		return KindVideo, true
	case SwapMike:
		return KindAudio, true
	}
	return "", false
}
