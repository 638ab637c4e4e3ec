package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"huddle/internal/core/domain"
	"huddle/internal/session"
	"huddle/pkg/config"
)

// Config holds the peer connection settings shared by every link.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	DataChannelLabel string
	// IncludeLoopback gathers 127.0.0.1 candidates; used by in-process tests.
	IncludeLoopback bool
}

// ConfigFromSession builds a link Config from the session section.
func ConfigFromSession(cfg *config.Config) Config {
	var c Config
	for _, s := range cfg.Session.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	c.PortRange.Min = cfg.Session.PortRange.Min
	c.PortRange.Max = cfg.Session.PortRange.Max
	c.DataChannelLabel = cfg.Session.DataChannelLabel
	return c
}

// FeedbackMetrics receives RTCP feedback read from outgoing senders.
type FeedbackMetrics interface {
	KeyframeRequested()
	PacketsNacked(n int)
}

type nopFeedback struct{}

func (nopFeedback) KeyframeRequested() {}
func (nopFeedback) PacketsNacked(int)  {}

// LinkFactory opens pion peer connections for the session.
type LinkFactory struct {
	config   Config
	api      *webrtc.API
	feedback FeedbackMetrics
	logger   *zap.SugaredLogger
}

var _ session.LinkFactory = (*LinkFactory)(nil)

func NewLinkFactory(config Config, feedback FeedbackMetrics, logger *zap.SugaredLogger) *LinkFactory {
	if config.DataChannelLabel == "" {
		config.DataChannelLabel = "huddle"
	}
	if feedback == nil {
		feedback = nopFeedback{}
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max)
	}
	if config.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	return &LinkFactory{
		config:   config,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		feedback: feedback,
		logger:   logger,
	}
}

func (f *LinkFactory) NewLink(peer domain.PeerID, withDataChannel bool, events session.LinkEvents) (session.Link, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	l := &Link{
		peer:     peer,
		pc:       pc,
		events:   events,
		feedback: f.feedback,
		logger:   f.logger.With("peer_id", peer),
	}

	pc.OnICECandidate(l.handleICECandidate)
	pc.OnConnectionStateChange(l.handleConnectionState)
	pc.OnTrack(l.handleTrack)

	if withDataChannel {
		dc, err := pc.CreateDataChannel(f.config.DataChannelLabel, nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		l.attachChannel(dc)
	} else {
		pc.OnDataChannel(l.attachChannel)
	}

	return l, nil
}

// Link wraps one pion PeerConnection.
type Link struct {
	peer     domain.PeerID
	pc       *webrtc.PeerConnection
	events   session.LinkEvents
	feedback FeedbackMetrics

	mu      sync.Mutex
	channel *webrtc.DataChannel

	logger *zap.SugaredLogger
}

var _ session.Link = (*Link)(nil)

func (l *Link) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (l *Link) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *Link) SetLocalDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(desc)
}

func (l *Link) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(desc)
}

func (l *Link) AddICECandidate(c webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(c)
}

// ReplaceTracks removes every sender and adds tracks in order. A goroutine
// per new sender drains its RTCP feedback.
func (l *Link) ReplaceTracks(tracks []webrtc.TrackLocal) error {
	for _, sender := range l.pc.GetSenders() {
		if sender.Track() == nil {
			continue
		}
		if err := l.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("failed to remove track: %w", err)
		}
	}
	for _, track := range tracks {
		sender, err := l.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add track %s: %w", track.ID(), err)
		}
		go l.processRTCP(sender)
	}
	return nil
}

func (l *Link) SendData(data []byte) error {
	l.mu.Lock()
	dc := l.channel
	l.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return session.ErrChannelNotOpen
	}
	return dc.Send(data)
}

func (l *Link) Close() error {
	return l.pc.Close()
}

func (l *Link) attachChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.channel = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.logger.Debugw("data channel open", "label", dc.Label())
		l.events.LinkChannelOpen(l.peer)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.events.LinkData(l.peer, msg.Data)
	})
}

func (l *Link) handleICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		l.events.LinkCandidate(l.peer, nil)
		return
	}
	init := c.ToJSON()
	l.events.LinkCandidate(l.peer, &init)
}

func (l *Link) handleConnectionState(state webrtc.PeerConnectionState) {
	l.logger.Infow("peer connection state changed", "connection_state", state)
	l.events.LinkStateChanged(l.peer, linkState(state))
}

func (l *Link) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	l.logger.Infow("remote track started",
		"track_id", track.ID(),
		"stream_id", track.StreamID(),
		"codec", track.Codec().MimeType,
	)
	l.events.LinkTrack(l.peer, track.StreamID())

	// nothing renders remote media here; read it so the receive buffers drain
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

// processRTCP reads feedback for one outgoing sender until it is removed.
func (l *Link) processRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		fb := summarizeRTCP(packets)
		for i := 0; i < fb.keyframeRequests; i++ {
			l.feedback.KeyframeRequested()
		}
		if fb.nacked > 0 {
			l.feedback.PacketsNacked(fb.nacked)
		}
		if fb.reports > 0 {
			l.logger.Debugw("receiver report",
				"fraction_lost", fb.fractionLost,
				"jitter", fb.jitter,
			)
		}
	}
}

type rtcpSummary struct {
	keyframeRequests int
	nacked           int
	reports          int
	fractionLost     float64
	jitter           uint32
}

// summarizeRTCP counts keyframe requests and nacked packets and averages
// receiver report loss over one compound packet.
func summarizeRTCP(packets []rtcp.Packet) rtcpSummary {
	var s rtcpSummary
	var lost, jitter uint64
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			s.keyframeRequests++
		case *rtcp.TransportLayerNack:
			for _, pair := range p.Nacks {
				s.nacked += len(pair.PacketList())
			}
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				lost += uint64(report.FractionLost)
				jitter += uint64(report.Jitter)
				s.reports++
			}
		}
	}
	if s.reports > 0 {
		s.fractionLost = float64(lost) / float64(s.reports) / 256.0
		s.jitter = uint32(jitter / uint64(s.reports))
	}
	return s
}

func linkState(state webrtc.PeerConnectionState) session.LinkState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return session.LinkNew
	case webrtc.PeerConnectionStateConnecting:
		return session.LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return session.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return session.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return session.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return session.LinkClosed
	default:
		return session.LinkNew
	}
}
