package rtc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// supportedCodecs are the mime types the local engine can carry.
var supportedCodecs = map[string]domain.Kind{
	strings.ToLower(webrtc.MimeTypeOpus): domain.KindAudio,
	strings.ToLower(webrtc.MimeTypePCMU): domain.KindAudio,
	strings.ToLower(webrtc.MimeTypePCMA): domain.KindAudio,
	strings.ToLower(webrtc.MimeTypeG722): domain.KindAudio,
	strings.ToLower(webrtc.MimeTypeVP8):  domain.KindVideo,
	strings.ToLower(webrtc.MimeTypeVP9):  domain.KindVideo,
	strings.ToLower(webrtc.MimeTypeH264): domain.KindVideo,
	strings.ToLower(webrtc.MimeTypeAV1):  domain.KindVideo,
}

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// Device is the ORTC media endpoint of one room membership.
type Device struct {
	iceServers []webrtc.ICEServer

	mu     sync.RWMutex
	api    *webrtc.API
	caps   domain.RTPCapabilities
	kinds  map[domain.Kind]bool
	loaded bool
}

func NewDevice(iceServers []string) *Device {
	servers := DefaultICEServers()
	if len(iceServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Device{iceServers: servers, kinds: make(map[domain.Kind]bool)}
}

// Load registers the router codecs the local engine supports.
func (d *Device) Load(caps domain.RTPCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return fmt.Errorf("device already loaded: %w", core.ErrInvalidState)
	}

	me := &webrtc.MediaEngine{}
	var usable domain.RTPCapabilities
	kinds := make(map[domain.Kind]bool)
	for _, c := range caps.Codecs {
		kind, ok := supportedCodecs[strings.ToLower(c.MimeType)]
		if !ok || kind != c.Kind {
			continue
		}
		if err := me.RegisterCodec(toCodecParameters(c), codecType(kind)); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("codec", c.MimeType).Msg("register codec")
			continue
		}
		usable.Codecs = append(usable.Codecs, c)
		kinds[kind] = true
	}
	if len(kinds) == 0 {
		return fmt.Errorf("no usable codec among %d: %w", len(caps.Codecs), core.ErrUnsupportedEnvironment)
	}

	for _, h := range caps.HeaderExtensions {
		if !kinds[h.Kind] {
			continue
		}
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: h.URI}, codecType(h.Kind)); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("uri", h.URI).Msg("register header extension")
			continue
		}
		usable.HeaderExtensions = append(usable.HeaderExtensions, h)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return fmt.Errorf("interceptors: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}

	d.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	d.caps = usable
	d.kinds = kinds
	d.loaded = true
	log.Info().
		Str("module", "rtc").
		Int("codecs", len(usable.Codecs)).
		Bool("audio", kinds[domain.KindAudio]).
		Bool("video", kinds[domain.KindVideo]).
		Msg("device loaded")
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

func (d *Device) RTPCapabilities() domain.RTPCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps
}

func (d *Device) CanProduce(kind domain.Kind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.kinds[kind]
}

func (d *Device) CreateSendTransport(opts domain.TransportOptions) (core.SendTransport, error) {
	t, err := d.newTransport(opts, "send")
	if err != nil {
		return nil, err
	}
	return &SendTransport{transport: t, producers: make(map[string]*Producer)}, nil
}

func (d *Device) CreateRecvTransport(opts domain.TransportOptions) (core.RecvTransport, error) {
	t, err := d.newTransport(opts, "recv")
	if err != nil {
		return nil, err
	}
	return &RecvTransport{transport: t, consumers: make(map[string]*Consumer)}, nil
}

func (d *Device) newTransport(opts domain.TransportOptions, direction string) (*transport, error) {
	d.mu.RLock()
	api, loaded := d.api, d.loaded
	d.mu.RUnlock()
	if !loaded {
		return nil, fmt.Errorf("create %s transport: %w", direction, core.ErrInvalidState)
	}
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	candidates, err := toICECandidates(opts.ICECandidates)
	if err != nil {
		return nil, err
	}

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: d.iceServers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	log.Info().Str("module", "rtc").Str("transport", opts.ID).Str("direction", direction).Msg("transport created")
	return &transport{
		id:         opts.ID,
		direction:  direction,
		api:        api,
		remote:     opts,
		candidates: candidates,
		gatherer:   gatherer,
		ice:        ice,
		dtls:       dtls,
	}, nil
}
