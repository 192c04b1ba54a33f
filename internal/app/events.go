package app

import "github.com/dkeye/housecall/internal/domain"

// Signaling events.
const (
	EventHello                = "hello"
	EventJoinRoom             = "joinRoom"
	EventExitRoom             = "exitRoom"
	EventCreateTransport      = "createWebRtcTransport"
	EventTransportConnect     = "transport-connect"
	EventTransportProduce     = "transport-produce"
	EventTransportRecvConnect = "transport-recv-connect"
	EventConsume              = "consume"
	EventConsumerResume       = "consumer-resume"
	EventGetProducers         = "getProducers"
	EventUpdateVideoStatus    = "updateVideoStatus"
	EventNewProducer          = "new-producer"
	EventProducerClosed       = "producer-closed"
	EventExitPlayer           = "exitPlayer"
)

type helloEvent struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type joinRoomRequest struct {
	RoomName domain.RoomName `json:"roomName"`
	Mike     bool            `json:"mike"`
	Camera   bool            `json:"camera"`
}

type joinRoomAck struct {
	RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
	VideoStatusList []domain.PeerStatus    `json:"videoStatusList"`
}

type exitRoomRequest struct {
	RoomName domain.RoomName `json:"roomName"`
}

type createTransportRequest struct {
	Consumer bool `json:"consumer"`
}

type connectRequest struct {
	DTLSParameters domain.DTLSParameters `json:"dtlsParameters"`
}

type recvConnectRequest struct {
	DTLSParameters            domain.DTLSParameters `json:"dtlsParameters"`
	ServerConsumerTransportID string                `json:"serverConsumerTransportId"`
}

type produceRequest struct {
	Kind          domain.Kind          `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
	AppData       map[string]any       `json:"appData,omitempty"`
}

type produceAck struct {
	ID             string `json:"id"`
	ProducersExist bool   `json:"producersExist"`
}

type consumeRequest struct {
	RTPCapabilities           domain.RTPCapabilities `json:"rtpCapabilities"`
	RemoteProducerID          domain.SourceID        `json:"remoteProducerId"`
	ServerConsumerTransportID string                 `json:"serverConsumerTransportId"`
}

type consumerResumeRequest struct {
	ServerConsumerID string `json:"serverConsumerId"`
}

type newProducerEvent struct {
	ProducerID       domain.SourceID      `json:"producerId"`
	ProducerSocketID domain.ParticipantID `json:"producerSocketId"`
	Camera           bool                 `json:"camera"`
	Mike             bool                 `json:"mike"`
}

type producerClosedEvent struct {
	RemoteProducerID domain.SourceID `json:"remoteProducerId"`
}

type exitPlayerEvent struct {
	PlayerID domain.ParticipantID `json:"playerId"`
}

type videoStatusEvent struct {
	PlayerID domain.ParticipantID `json:"playerId,omitempty"`
	Camera   bool                 `json:"camera"`
	Mike     bool                 `json:"mike"`
}
