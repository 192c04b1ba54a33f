package domain

type RoomName string

// DefaultRoom is the meeting room every client joins.
const DefaultRoom RoomName = "HouseScene"

// PeerStatus is one entry of the joinRoom acknowledgement.
type PeerStatus struct {
	PlayerID    ParticipantID `json:"playerId"`
	VideoStatus VideoStatus   `json:"videoStatus"`
}
