// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxIDLen = 64

var (
	ErrIDEmpty   = errors.New("id empty")
	ErrIDTooLong = errors.New("id too long")
)

// ParticipantID is the signaling server's identifier for one connected client.
type ParticipantID string

// SourceID is the server-assigned identifier of one remote producer.
type SourceID string

func (id ParticipantID) Validate() error { return validateID(string(id)) }
func (id SourceID) Validate() error      { return validateID(string(id)) }

func validateID(id string) error {
	if len(id) == 0 {
		return ErrIDEmpty
	}
	if len(id) > MaxIDLen {
		return ErrIDTooLong
	}
	return nil
}

// Kind is a media kind as carried on the wire.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Kinds lists media kinds in produce order.
var Kinds = []Kind{KindAudio, KindVideo}

func (k Kind) Valid() bool { return k == KindAudio || k == KindVideo }

// VideoStatus mirrors the camera/mike toggles of one participant.
type VideoStatus struct {
	Camera bool `json:"camera"`
	Mike   bool `json:"mike"`
}

// Enabled reports the toggle matching kind.
func (s VideoStatus) Enabled(kind Kind) bool {
	if kind == KindVideo {
		return s.Camera
	}
	return s.Mike
}
