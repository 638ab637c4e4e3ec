package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"huddle/internal/core/domain"
	"huddle/internal/protocol"
)

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
	armed  int
}

type manualTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
	clock   *manualClock
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{at: c.now.Add(d), f: f, clock: c}
	c.timers = append(c.timers, t)
	c.armed++
	return t
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every timer that comes due, including
// timers armed by the callbacks themselves.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *manualTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

// Pending counts timers that are neither fired nor stopped.
func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *manualClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// fakeTransport records sent frames. respond, when set, answers requests.
type fakeTransport struct {
	mu       sync.Mutex
	open     bool
	sent     [][]byte
	incoming chan []byte
	respond  func(frame *protocol.Frame) any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{open: true, incoming: make(chan []byte, 64)}
}

func (f *fakeTransport) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return ErrTransportClosed
	}
	f.sent = append(f.sent, data)
	respond := f.respond
	f.mu.Unlock()

	frame, err := protocol.DecodeFrame(data)
	if err != nil || frame.AwaitID == "" || respond == nil {
		return nil
	}
	if resp := respond(frame); resp != nil {
		raw, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		f.incoming <- raw
	}
	return nil
}

func (f *fakeTransport) Incoming() <-chan []byte { return f.incoming }

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) frames(t protocol.FrameType) []*protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Frame
	for _, raw := range f.sent {
		frame, err := protocol.DecodeFrame(raw)
		if err == nil && frame.Type == t {
			out = append(out, frame)
		}
	}
	return out
}

type relayed struct {
	to   domain.PeerID
	data any
}

func (f *fakeTransport) relays(t *testing.T) []relayed {
	var out []relayed
	for _, frame := range f.frames(protocol.TypeMessageRelay) {
		var req protocol.MessageRelayRequest
		require.NoError(t, frame.Decode(&req))
		require.Len(t, req.Body.ReceiverIDs, 1)
		data, err := protocol.DecodeRelayData(req.Body.RelayData)
		require.NoError(t, err)
		out = append(out, relayed{to: req.Body.ReceiverIDs[0], data: data})
	}
	return out
}

// descriptions returns the session descriptions relayed to peer.
func (f *fakeTransport) descriptions(t *testing.T, peer domain.PeerID, typ webrtc.SDPType) []*protocol.SessionDescription {
	var out []*protocol.SessionDescription
	for _, r := range f.relays(t) {
		if d, ok := r.data.(*protocol.SessionDescription); ok && r.to == peer && d.Description.Type == typ {
			out = append(out, d)
		}
	}
	return out
}

type fakeLink struct {
	peer        domain.PeerID
	dataChannel bool

	offers      int
	restarts    int
	answers     int
	local       []webrtc.SessionDescription
	remote      []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	trackSets   [][]webrtc.TrackLocal
	sent        [][]byte
	closed      bool
	setLocalErr error
}

func (l *fakeLink) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	l.offers++
	if iceRestart {
		l.restarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", l.peer, l.offers)}, nil
}

func (l *fakeLink) CreateAnswer() (webrtc.SessionDescription, error) {
	l.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%s-%d", l.peer, l.answers)}, nil
}

func (l *fakeLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	if l.setLocalErr != nil {
		return l.setLocalErr
	}
	l.local = append(l.local, desc)
	return nil
}

func (l *fakeLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	l.remote = append(l.remote, desc)
	return nil
}

func (l *fakeLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLink) ReplaceTracks(tracks []webrtc.TrackLocal) error {
	l.trackSets = append(l.trackSets, tracks)
	return nil
}

func (l *fakeLink) SendData(data []byte) error {
	l.sent = append(l.sent, append([]byte(nil), data...))
	return nil
}

func (l *fakeLink) Close() error {
	l.closed = true
	return nil
}

type fakeLinkFactory struct {
	mu    sync.Mutex
	links map[domain.PeerID][]*fakeLink
	fail  map[domain.PeerID]bool
}

func newFakeLinkFactory() *fakeLinkFactory {
	return &fakeLinkFactory{
		links: make(map[domain.PeerID][]*fakeLink),
		fail:  make(map[domain.PeerID]bool),
	}
}

func (f *fakeLinkFactory) NewLink(peer domain.PeerID, withDataChannel bool, _ LinkEvents) (Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[peer] {
		return nil, errors.New("no ice transport")
	}
	l := &fakeLink{peer: peer, dataChannel: withDataChannel}
	f.links[peer] = append(f.links[peer], l)
	return l, nil
}

// last returns the newest link created for peer.
func (f *fakeLinkFactory) last(peer domain.PeerID) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	ls := f.links[peer]
	if len(ls) == 0 {
		return nil
	}
	return ls[len(ls)-1]
}

func (f *fakeLinkFactory) created(peer domain.PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links[peer])
}

type fakeStream struct {
	id      string
	tracks  []webrtc.TrackLocal
	stopped bool
}

func (s *fakeStream) ID() string                  { return s.id }
func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }
func (s *fakeStream) Stop()                       { s.stopped = true }

type fakeMedia struct {
	mu       sync.Mutex
	acquired int
	err      error
	streams  []*fakeStream
}

func (m *fakeMedia) Acquire(_ context.Context, audio, video bool) (LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeStream{id: fmt.Sprintf("stream-%d", m.acquired)}
	if audio {
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", s.id)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, track)
	}
	if video {
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", s.id)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, track)
	}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMedia) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

type fakeSurface struct {
	mu     sync.Mutex
	posted [][]byte
}

func (s *fakeSurface) Post(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posted = append(s.posted, data)
	return nil
}

func (s *fakeSurface) messages() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.posted))
	for _, raw := range s.posted {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

type recordingObserver struct {
	NopObserver

	mu             sync.Mutex
	states         map[domain.PeerID][]ConnState
	failed         map[domain.PeerID]error
	remote         map[domain.PeerID]*domain.User
	protocolErrors []error
	pluginEvents   []string
	localUsers     []domain.User
	socket         []SocketStatus
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		states: make(map[domain.PeerID][]ConnState),
		failed: make(map[domain.PeerID]error),
		remote: make(map[domain.PeerID]*domain.User),
	}
}

func (o *recordingObserver) OnSocketStatus(status SocketStatus, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.socket = append(o.socket, status)
}

func (o *recordingObserver) OnLocalUser(user domain.User) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.localUsers = append(o.localUsers, user)
}

func (o *recordingObserver) OnConnectionState(peer domain.PeerID, state ConnState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[peer] = append(o.states[peer], state)
}

func (o *recordingObserver) OnConnectionFailed(peer domain.PeerID, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[peer] = err
}

func (o *recordingObserver) OnRemoteUser(peer domain.PeerID, user *domain.User) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remote[peer] = user
}

func (o *recordingObserver) OnPluginEvent(_ domain.PeerID, eventType string, _ json.RawMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pluginEvents = append(o.pluginEvents, eventType)
}

func (o *recordingObserver) OnProtocolError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.protocolErrors = append(o.protocolErrors, err)
}

func (o *recordingObserver) protocolErrorCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.protocolErrors)
}

// harness runs a Session loop over fakes.
type harness struct {
	t         *testing.T
	s         *Session
	transport *fakeTransport
	links     *fakeLinkFactory
	media     *fakeMedia
	surface   *fakeSurface
	clock     *manualClock
	observer  *recordingObserver
	creds     *MemoryCredentialStore
	runErr    chan error
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		transport: newFakeTransport(),
		links:     newFakeLinkFactory(),
		media:     &fakeMedia{},
		surface:   &fakeSurface{},
		clock:     newManualClock(),
		observer:  newRecordingObserver(),
		creds:     &MemoryCredentialStore{},
		runErr:    make(chan error, 1),
	}
	opts := Options{
		Transport:   h.transport,
		Links:       h.links,
		Media:       h.media,
		Surface:     h.surface,
		Credentials: h.creds,
		Observer:    h.observer,
		Clock:       h.clock,
		Logger:      zaptest.NewLogger(t).Sugar(),
		IframeID:    "plugin-frame",
	}
	for _, fn := range configure {
		fn(&opts)
	}
	h.s = New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.runErr <- h.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(2 * time.Second):
			t.Error("session loop did not stop")
		}
	})
	return h
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	h.t.Cleanup(cancel)
	return ctx
}

// onLoop runs fn on the session loop and waits for it.
func (h *harness) onLoop(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.s.do(h.ctx(), func() error {
		fn()
		return nil
	}))
}

// inject handles a relay frame on the loop as if it came off the transport.
func (h *harness) inject(frame any) {
	h.t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(h.t, err)
	h.onLoop(func() {
		h.s.handleFrame(raw)
		h.s.presence.Reconcile()
	})
}

// identify sets the local user without a relay round trip.
func (h *harness) identify(id domain.PeerID) {
	h.onLoop(func() {
		h.s.local = &domain.User{ID: domain.UserID(id), DisplayName: string(id), MicEnabled: h.s.mic, CameraEnabled: h.s.camera}
	})
}

// join answers the next room_join request with a room holding users.
func (h *harness) join(room domain.RoomID, users ...domain.PeerID) {
	h.t.Helper()
	h.transport.mu.Lock()
	h.transport.respond = func(frame *protocol.Frame) any {
		if frame.Type != protocol.TypeRoomJoin {
			return nil
		}
		resp := protocol.RoomJoinResponse{
			Header: protocol.Header{Type: protocol.TypeRoomJoinResponse, AwaitID: frame.AwaitID},
			Room:   domain.Room{ID: room, JoinedUsers: append([]domain.PeerID(nil), users...)},
		}
		for _, id := range users {
			resp.Users = append(resp.Users, domain.User{ID: domain.UserID(id), DisplayName: string(id)})
		}
		return resp
	}
	h.transport.mu.Unlock()

	_, err := h.s.JoinRoom(h.ctx(), room)
	require.NoError(h.t, err)
}

func (h *harness) relayFrom(sender domain.PeerID, data any) {
	h.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(h.t, err)
	h.inject(protocol.RelayDelivery{
		Header:    protocol.Header{Type: protocol.TypeRelayDelivery},
		SenderID:  sender,
		RelayData: raw,
	})
}

func (h *harness) offerFrom(sender domain.PeerID, stream bool) {
	h.relayFrom(sender, protocol.SessionDescription{
		Type:           protocol.RelaySessionDescription,
		Description:    webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer-" + string(sender)},
		SenderSocketID: sender,
		StreamEnabled:  stream,
	})
}

func (h *harness) answerFrom(sender domain.PeerID) {
	h.relayFrom(sender, protocol.SessionDescription{
		Type:           protocol.RelaySessionDescription,
		Description:    webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer-" + string(sender)},
		SenderSocketID: sender,
	})
}

// linkUp reports the transport of peer's link as connected.
func (h *harness) linkState(peer domain.PeerID, state LinkState) {
	h.onLoop(func() { h.s.engine.HandleLinkState(peer, state) })
}

func (h *harness) state(peer domain.PeerID) (ConnState, bool) {
	var (
		st ConnState
		ok bool
	)
	h.onLoop(func() { st, ok = h.s.registry.State(peer) })
	return st, ok
}

func (h *harness) peers() []domain.PeerID {
	var out []domain.PeerID
	h.onLoop(func() { out = h.s.registry.Peers() })
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// connect drives an offered connection to peer into the connected state.
func (h *harness) connect(peer domain.PeerID) {
	h.t.Helper()
	h.answerFrom(peer)
	h.linkState(peer, LinkConnected)
	h.onLoop(func() { h.s.engine.ChannelOpen(peer) })
	st, ok := h.state(peer)
	require.True(h.t, ok)
	require.Equal(h.t, StateConnected, st)
}
