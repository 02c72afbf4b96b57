package webrtc

import (
	"fmt"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/config"
	rlog "rillcall/pkg/logger"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// rtpBufferSize fits one packet at the usual MTU.
const rtpBufferSize = 1500

type PeerConnectionConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// PeerConnectionConfigFrom maps the webrtc section of the application config.
func PeerConnectionConfigFrom(cfg *config.Config) PeerConnectionConfig {
	var out PeerConnectionConfig
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

// PeerConnectionFactory builds direct-mode connections on one pion API with
// the default interceptors and zap-backed pion logging.
type PeerConnectionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

func NewPeerConnectionFactory(cfg PeerConnectionConfig, logger *zap.SugaredLogger) (*PeerConnectionFactory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	m, err := newMediaEngine()
	if err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{LoggerFactory: rlog.NewPionLoggerFactory(logger.Desugar())}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settings.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	return &PeerConnectionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settings),
		),
		config: webrtc.Configuration{ICEServers: cfg.ICEServers},
		logger: logger,
	}, nil
}

var _ ports.PeerConnectionFactory = (*PeerConnectionFactory)(nil)

func (f *PeerConnectionFactory) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &PeerConnection{pc: pc, logger: f.logger}
	pc.OnTrack(p.handleTrack)
	pc.OnICECandidate(p.handleICECandidate)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		f.logger.Infow("peer connection state changed", "connection_state", state.String())
	})
	return p, nil
}

// PeerConnection adapts a pion PeerConnection to the direct-mode port.
type PeerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu          sync.Mutex
	onCandidate func(domain.ICECandidateInit)
	onTrack     func(ports.MediaTrack)
	closed      bool
}

var _ ports.PeerConnection = (*PeerConnection)(nil)

func (p *PeerConnection) CreateOffer() (domain.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (p *PeerConnection) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (p *PeerConnection) SetLocalDescription(desc domain.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(desc))
}

func (p *PeerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(desc))
}

func (p *PeerConnection) AddICECandidate(c domain.ICECandidateInit) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// AddTrack sends a LocalTrack. Other track types cannot be sent.
func (p *PeerConnection) AddTrack(track ports.MediaTrack) error {
	local, ok := track.(*LocalTrack)
	if !ok {
		return domain.NewPreconditionError("track %s is not a local track", track.ID())
	}
	sender, err := p.pc.AddTrack(local.Local())
	if err != nil {
		return err
	}
	go p.drainSender(sender, local.ID())
	return nil
}

func (p *PeerConnection) OnICECandidate(fn func(domain.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnTrack(fn func(ports.MediaTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

// handleICECandidate runs on pion's own goroutine. A nil candidate marks
// the end of gathering.
func (p *PeerConnection) handleICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()

	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(domain.ICECandidateInit{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	}
}

func (p *PeerConnection) handleTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := kindOf(remote.Kind())
	track := NewRemoteTrack(remote.ID(), kind)

	p.logger.Infow("remote track started",
		"track_id", remote.ID(),
		"kind", kind,
		"codec", remote.Codec().MimeType,
	)

	if kind == domain.MediaKindVideo {
		if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}}); err != nil {
			p.logger.Debugw("keyframe request failed", "track_id", remote.ID(), "error", err)
		}
	}
	go p.readRTCP(receiver, remote.ID())
	go p.readRTP(remote, track)

	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

// readRTP consumes the remote track until it ends, counting packets.
func (p *PeerConnection) readRTP(remote *webrtc.TrackRemote, track *RemoteTrack) {
	defer track.Stop()

	buf := make([]byte, rtpBufferSize)
	pkt := &rtp.Packet{}
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			p.logger.Debugw("remote track ended", "track_id", track.ID(), "error", err)
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			p.logger.Debugw("error unmarshaling RTP packet", "track_id", track.ID(), "error", err)
			continue
		}
		track.count(len(pkt.Payload))
	}
}

func (p *PeerConnection) readRTCP(receiver *webrtc.RTPReceiver, trackID string) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if sr, ok := packet.(*rtcp.SenderReport); ok {
				p.logger.Debugw("received sender report",
					"track_id", trackID,
					"packet_count", sr.PacketCount,
					"octet_count", sr.OctetCount,
				)
			}
		}
	}
}

// drainSender reads RTCP for a sender so the interceptors keep running.
func (p *PeerConnection) drainSender(sender *webrtc.RTPSender, trackID string) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.logger.Debugw("keyframe requested", "track_id", trackID)
			case *rtcp.TransportLayerNack:
				p.logger.Debugw("received NACK", "track_id", trackID)
			}
		}
	}
}

func toPion(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(desc.Type)), SDP: desc.SDP}
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(desc.Type.String()), SDP: desc.SDP}
}
