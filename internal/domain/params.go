package domain

// The types below follow the JSON shapes exchanged with the SFU.

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RTPCodecCapability struct {
	Kind                 Kind           `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtensionCapability struct {
	Kind        Kind   `json:"kind"`
	URI         string `json:"uri"`
	PreferredID int    `json:"preferredId"`
	Direction   string `json:"direction,omitempty"`
}

// RTPCapabilities is the capability set negotiated between client and router.
type RTPCapabilities struct {
	Codecs           []RTPCodecCapability           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtensionCapability `json:"headerExtensions,omitempty"`
}

type RTPCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtensionParameters struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

type RTPEncodingParameters struct {
	SSRC       uint32 `json:"ssrc,omitempty"`
	RID        string `json:"rid,omitempty"`
	MaxBitrate uint64 `json:"maxBitrate,omitempty"`
}

type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

type RTPParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RTPCodecParameters           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RTPEncodingParameters        `json:"encodings,omitempty"`
	RTCP             RTCPParameters                 `json:"rtcp"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip,omitempty"`
	Address    string `json:"address,omitempty"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

// Host returns the candidate address, whichever field the server filled.
func (c ICECandidate) Host() string {
	if c.Address != "" {
		return c.Address
	}
	return c.IP
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportOptions are the server-side parameters of one WebRTC transport.
type TransportOptions struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConsumerOptions is the consume acknowledgement payload.
type ConsumerOptions struct {
	ID               string        `json:"id"`
	ProducerID       SourceID      `json:"producerId"`
	Kind             Kind          `json:"kind"`
	RTPParameters    RTPParameters `json:"rtpParameters"`
	ServerConsumerID string        `json:"serverConsumerId"`
	ProducerOwner    ParticipantID `json:"producerSocketId"`
}

// PrimarySSRC returns the SSRC of the first encoding, or zero.
func (p RTPParameters) PrimarySSRC() uint32 {
	if len(p.Encodings) == 0 {
		return 0
	}
	return p.Encodings[0].SSRC
}
