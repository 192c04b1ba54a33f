package rtc

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// fmtpLine renders codec parameters as an SDP fmtp line with sorted keys.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch val := params[k].(type) {
		case float64:
			v = strconv.FormatFloat(val, 'f', -1, 64)
		case string:
			v = val
		case bool:
			if val {
				v = "1"
			} else {
				v = "0"
			}
		default:
			v = fmt.Sprint(val)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ";")
}

// parseFmtp is the inverse of fmtpLine. Integer values become numbers.
func parseFmtp(line string) map[string]any {
	if line == "" {
		return nil
	}
	out := make(map[string]any)
	for _, part := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = float64(n)
			continue
		}
		out[k] = v
	}
	return out
}

func toFeedback(in []domain.RTCPFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(in))
	for _, fb := range in {
		out = append(out, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return out
}

func fromFeedback(in []webrtc.RTCPFeedback) []domain.RTCPFeedback {
	out := make([]domain.RTCPFeedback, 0, len(in))
	for _, fb := range in {
		out = append(out, domain.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return out
}

func codecType(kind domain.Kind) webrtc.RTPCodecType {
	if kind == domain.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// toCodecParameters maps a router codec capability onto the local engine.
func toCodecParameters(c domain.RTPCodecCapability) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: toFeedback(c.RTCPFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

// fromSendParameters describes a local sender the way the SFU expects
// producer parameters.
func fromSendParameters(p webrtc.RTPSendParameters, cname string) domain.RTPParameters {
	out := domain.RTPParameters{
		Codecs:           make([]domain.RTPCodecParameters, 0, len(p.Codecs)),
		HeaderExtensions: make([]domain.RTPHeaderExtensionParameters, 0, len(p.HeaderExtensions)),
		Encodings:        make([]domain.RTPEncodingParameters, 0, len(p.Encodings)),
		RTCP:             domain.RTCPParameters{CNAME: cname, ReducedSize: true},
	}
	for _, c := range p.Codecs {
		out.Codecs = append(out.Codecs, domain.RTPCodecParameters{
			MimeType:     c.MimeType,
			PayloadType:  uint8(c.PayloadType),
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			Parameters:   parseFmtp(c.SDPFmtpLine),
			RTCPFeedback: fromFeedback(c.RTCPFeedback),
		})
	}
	for _, h := range p.HeaderExtensions {
		out.HeaderExtensions = append(out.HeaderExtensions, domain.RTPHeaderExtensionParameters{URI: h.URI, ID: h.ID})
	}
	for _, e := range p.Encodings {
		out.Encodings = append(out.Encodings, domain.RTPEncodingParameters{SSRC: uint32(e.SSRC), RID: e.RID})
	}
	return out
}

func toICEParameters(p domain.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func toICECandidates(in []domain.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("%w: candidate %s: %w", core.ErrInvalidParameters, c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: candidate %s: %w", core.ErrInvalidParameters, c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Host(),
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func toDTLSParameters(p domain.DTLSParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleServer}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

// fromDTLSParameters describes the local DTLS endpoint. The local side
// always acts as DTLS client.
func fromDTLSParameters(p webrtc.DTLSParameters) domain.DTLSParameters {
	out := domain.DTLSParameters{Role: "client"}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func validateOptions(opts domain.TransportOptions) error {
	switch {
	case opts.ID == "":
		return fmt.Errorf("%w: missing transport id", core.ErrInvalidParameters)
	case opts.ICEParameters.UsernameFragment == "" || opts.ICEParameters.Password == "":
		return fmt.Errorf("%w: missing ice parameters", core.ErrInvalidParameters)
	case len(opts.DTLSParameters.Fingerprints) == 0:
		return fmt.Errorf("%w: missing dtls fingerprints", core.ErrInvalidParameters)
	}
	return nil
}
