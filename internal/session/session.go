// Package session coordinates one participant's peer-to-peer room session:
// correlated relay requests, per-peer negotiation, room presence and the
// extension message bus. All state is owned by a single loop goroutine.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"huddle/internal/core/domain"
	"huddle/internal/protocol"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/tracing"
)

type Options struct {
	Transport   Transport
	Links       LinkFactory
	Media       MediaSource
	Surface     PluginSurface
	Credentials CredentialStore
	Observer    Observer
	Metrics     Metrics
	Clock       Clock
	Logger      *zap.SugaredLogger

	BatchPolicy BatchPolicy
	// IframeID names the extension slot sent with plugin_set requests.
	IframeID    string
	EventBuffer int

	// Initial media flags.
	Microphone bool
	Camera     bool
}

type Session struct {
	transport   Transport
	media       MediaSource
	credentials CredentialStore
	observer    Observer
	logger      *zap.SugaredLogger
	table       *CorrelationTable
	iframeID    string

	events    chan func()
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	mediaMu   sync.Mutex

	// owned by the loop
	local    *domain.User
	mic      bool
	camera   bool
	stream   LocalStream
	registry *ConnectionRegistry
	engine   *NegotiationEngine
	presence *RoomPresenceTracker
	router   *PluginMessageRouter
}

func New(opts Options) *Session {
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Surface == nil {
		opts.Surface = detachedSurface{}
	}
	if opts.Credentials == nil {
		opts.Credentials = &MemoryCredentialStore{}
	}
	if opts.BatchPolicy == (BatchPolicy{}) {
		opts.BatchPolicy = DefaultBatchPolicy()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}

	s := &Session{
		transport:   opts.Transport,
		media:       opts.Media,
		credentials: opts.Credentials,
		observer:    opts.Observer,
		logger:      opts.Logger,
		table:       NewCorrelationTable(opts.Logger),
		iframeID:    opts.IframeID,
		events:      make(chan func(), opts.EventBuffer),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
		mic:         opts.Microphone,
		camera:      opts.Camera,
		registry:    NewConnectionRegistry(),
	}

	s.engine = &NegotiationEngine{
		registry: s.registry,
		links:    opts.Links,
		events:   loopEvents{s},
		relay:    s.relay,
		media:    s.localMedia,
		policy:   opts.BatchPolicy,
		clock:    opts.Clock,
		post:     func(fn func()) { s.post(fn) },
		observer: opts.Observer,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	s.router = &PluginMessageRouter{
		host:    sessionHost{s},
		surface: opts.Surface,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	s.presence = &RoomPresenceTracker{
		self:     s.self,
		engine:   s.engine,
		registry: s.registry,
		forward:  s.router.Forward,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
	return s
}

// Run is the session loop. It returns when ctx ends, Close is called or the
// transport goes down; every connection is torn down on the way out.
func (s *Session) Run(ctx context.Context) error {
	defer s.shutdown()

	if s.transport.IsOpen() {
		s.observer.OnSocketStatus(SocketOpen, nil)
	}
	incoming := s.transport.Incoming()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closing:
			return nil
		case raw, ok := <-incoming:
			if !ok {
				s.logger.Infow("relay channel closed")
				s.observer.OnSocketStatus(SocketClosed, nil)
				return ErrTransportClosed
			}
			s.handleFrame(raw)
		case fn := <-s.events:
			fn()
		}
		s.presence.Reconcile()
	}
}

func (s *Session) shutdown() {
	close(s.done)
	s.table.Clear(ErrSessionClosed)
	if s.presence.InRoom() || s.registry.Len() > 0 {
		s.presence.Leave()
	}
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
}

// Close stops the loop.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	return nil
}

// Done is closed once the loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(ctx context.Context, fn func() error) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	errc := make(chan error, 1)
	select {
	case s.events <- func() { errc <- fn() }:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request sends a correlated frame and waits for the matching response.
func (s *Session) request(ctx context.Context, frameType protocol.FrameType, build func(protocol.Header) any) (*protocol.Frame, error) {
	if !s.transport.IsOpen() {
		return nil, ErrTransportNotOpen
	}

	id, fut := s.table.Issue()
	ctx, span := tracing.TraceRequest(ctx, string(frameType), string(id))
	defer span.End()

	if err := s.transport.Send(build(protocol.Header{Type: frameType, AwaitID: id})); err != nil {
		s.table.Settle(id, Result{Err: err})
		tracing.RecordError(ctx, err)
		return nil, apperrors.NewTransportError(err, "failed to send "+string(frameType))
	}

	select {
	case res := <-fut:
		if res.Err != nil {
			tracing.RecordError(ctx, res.Err)
			return nil, res.Err
		}
		return res.Frame, nil
	case <-ctx.Done():
		s.table.Settle(id, Result{Err: ctx.Err()})
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

func (s *Session) handleFrame(raw []byte) {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		s.reportError(apperrors.WrapError(err, apperrors.ErrCodeProtocol, "undecodable relay frame", http.StatusBadRequest))
		return
	}

	if frame.AwaitID != "" {
		s.settle(frame)
		return
	}

	switch frame.Type {
	case protocol.TypeUserJoined:
		var ev protocol.UserEvent
		if err := frame.Decode(&ev); err != nil {
			s.reportError(apperrors.WrapError(err, apperrors.ErrCodeProtocol, "bad user_joined event", http.StatusBadRequest))
			return
		}
		if err := s.presence.UserJoined(ev.Data.User); err != nil {
			s.reportError(err)
		}

	case protocol.TypeUserLeft:
		var ev protocol.UserEvent
		if err := frame.Decode(&ev); err != nil {
			s.reportError(apperrors.WrapError(err, apperrors.ErrCodeProtocol, "bad user_left event", http.StatusBadRequest))
			return
		}
		if err := s.presence.UserLeft(ev.Data.User); err != nil {
			s.reportError(err)
		}

	case protocol.TypePluginSetEvent:
		var ev protocol.PluginSetEvent
		if err := frame.Decode(&ev); err != nil {
			s.reportError(apperrors.WrapError(err, apperrors.ErrCodeProtocol, "bad plugin_set event", http.StatusBadRequest))
			return
		}
		s.presence.PluginSet(ev.Data.Plugin, ev.Data.IframeID)

	case protocol.TypeRelayDelivery:
		var d protocol.RelayDelivery
		if err := frame.Decode(&d); err != nil {
			s.reportError(apperrors.WrapError(err, apperrors.ErrCodeProtocol, "bad relay delivery", http.StatusBadRequest))
			return
		}
		s.handleRelay(&d)

	case protocol.TypeErrorResponse:
		var e protocol.ErrorResponse
		_ = frame.Decode(&e)
		s.logger.Warnw("relay reported an error", "code", e.Code, "message", e.Message)

	case protocol.TypeUserRegister, protocol.TypeUserLogin, protocol.TypeRoomJoin,
		protocol.TypePluginSet, protocol.TypeMessageRelay,
		protocol.TypeUserRegisterResponse, protocol.TypeUserLoginResponse,
		protocol.TypeRoomJoinResponse, protocol.TypePluginSetResponse:
		s.reportError(apperrors.NewProtocolError("unexpected frame without correlation id").WithContext("type", frame.Type))

	default:
		s.reportError(apperrors.NewProtocolError("unknown frame type").WithContext("type", frame.Type))
	}
}

func (s *Session) settle(frame *protocol.Frame) {
	if frame.Type != protocol.TypeErrorResponse {
		s.table.Settle(frame.AwaitID, Result{Frame: frame})
		return
	}

	var e protocol.ErrorResponse
	if err := frame.Decode(&e); err != nil {
		s.table.Settle(frame.AwaitID, Result{Err: apperrors.WrapError(err, apperrors.ErrCodeProtocol, "bad error response", http.StatusBadRequest)})
		return
	}
	code := e.Code
	if code == 0 {
		code = http.StatusInternalServerError
	}
	s.table.Settle(frame.AwaitID, Result{Err: apperrors.FromStatus(code, e.Message)})
}

func (s *Session) handleRelay(d *protocol.RelayDelivery) {
	data, err := protocol.DecodeRelayData(d.RelayData)
	if err != nil {
		s.reportError(apperrors.WrapError(err, apperrors.ErrCodeProtocol, "bad relay data", http.StatusBadRequest).
			WithContext("peer_id", d.SenderID))
		return
	}
	if !s.presence.InRoom() {
		s.reportError(apperrors.NewProtocolError("relay delivery while not in a room").WithContext("peer_id", d.SenderID))
		return
	}

	switch m := data.(type) {
	case *protocol.SessionDescription:
		// only an offer may bring a new member in
		if m.Description.Type == webrtc.SDPTypeOffer {
			s.presence.Admit(d.SenderID)
		}
		if err := s.engine.HandleDescription(d.SenderID, m); err != nil {
			s.reportError(err)
			return
		}
		streamEnabled := m.StreamEnabled || m.Description.Type != webrtc.SDPTypeOffer
		s.presence.UpdateRemoteMedia(d.SenderID, m.MicEnabled, m.CamEnabled, streamEnabled)
	case *protocol.ICECandidates:
		if err := s.engine.HandleCandidates(d.SenderID, m.ICECandidates); err != nil {
			s.reportError(err)
		}
	}
}

// reportError routes loop errors: protocol errors go to the observer, the
// rest are logged.
func (s *Session) reportError(err error) {
	appErr := apperrors.GetAppError(err)
	if appErr != nil && appErr.Code == apperrors.ErrCodeProtocol {
		s.logger.Warnw("protocol error", "error", err, "context", appErr.Context)
		s.observer.OnProtocolError(err)
		return
	}
	s.logger.Errorw("session error", "error", err)
	if appErr != nil && appErr.Code == apperrors.ErrCodeNegotiation {
		if peer, ok := appErr.Context["peer_id"].(domain.PeerID); ok {
			s.observer.OnConnectionFailed(peer, err)
		}
	}
}

func (s *Session) relay(to domain.PeerID, data any) error {
	room := s.presence.Room()
	if room == nil {
		return domain.ErrNotInRoom
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.transport.Send(protocol.MessageRelayRequest{
		Header: protocol.Header{Type: protocol.TypeMessageRelay},
		Body: protocol.MessageRelayBody{
			ReceiverIDs: []domain.PeerID{to},
			RoomID:      room.ID,
			RelayData:   raw,
		},
	})
}

func (s *Session) self() domain.PeerID {
	if s.local == nil {
		return ""
	}
	return s.local.PeerID()
}

func (s *Session) localMedia() localMedia {
	return localMedia{self: s.self(), mic: s.mic, camera: s.camera, stream: s.stream}
}

// Register creates a relay identity for displayName and stores its secret.
func (s *Session) Register(ctx context.Context, displayName string) (domain.User, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return domain.User{}, apperrors.NewInvalidInputError(domain.ErrEmptyDisplayName.Error())
	}

	frame, err := s.request(ctx, protocol.TypeUserRegister, func(h protocol.Header) any {
		return protocol.UserRegisterRequest{Header: h, Body: protocol.RegisterBody{DisplayName: displayName}}
	})
	if err != nil {
		return domain.User{}, err
	}

	var resp protocol.UserRegisterResponse
	if err := frame.Decode(&resp); err != nil {
		return domain.User{}, apperrors.WrapError(err, apperrors.ErrCodeProtocol, "bad register response", http.StatusBadRequest)
	}
	if resp.Secret == "" {
		return domain.User{}, apperrors.NewProtocolError("register response without secret")
	}
	if err := s.credentials.Save(resp.Secret); err != nil {
		return domain.User{}, apperrors.NewResourceError(err, "failed to store credential")
	}

	s.logger.Infow("registered", "user_id", resp.User.ID, "display_name", resp.User.DisplayName)
	return resp.User, nil
}

// Login authenticates with the stored secret and sets the local identity.
func (s *Session) Login(ctx context.Context) (domain.User, error) {
	if err := s.do(ctx, func() error {
		if s.local != nil {
			return ErrAlreadyLoggedIn
		}
		return nil
	}); err != nil {
		return domain.User{}, err
	}

	secret, err := s.credentials.Load()
	if err != nil {
		return domain.User{}, apperrors.NewResourceError(err, "failed to read credential")
	}
	if secret == "" {
		return domain.User{}, ErrNoCredential
	}

	frame, err := s.request(ctx, protocol.TypeUserLogin, func(h protocol.Header) any {
		return protocol.UserLoginRequest{Header: h, Body: protocol.LoginBody{Secret: secret}}
	})
	if err != nil {
		return domain.User{}, err
	}

	var resp protocol.UserLoginResponse
	if err := frame.Decode(&resp); err != nil {
		return domain.User{}, apperrors.WrapError(err, apperrors.ErrCodeProtocol, "bad login response", http.StatusBadRequest)
	}

	var user domain.User
	err = s.do(ctx, func() error {
		if s.local != nil {
			return ErrAlreadyLoggedIn
		}
		u := resp.User
		u.MicEnabled = s.mic
		u.CameraEnabled = s.camera
		if s.stream != nil {
			u.StreamID = s.stream.ID()
		}
		s.local = &u
		user = u
		s.logger.Infow("logged in", "user_id", u.ID)
		s.observer.OnLocalUser(u)
		return nil
	})
	return user, err
}

// JoinRoom joins roomID, starts local media and offers to every member.
func (s *Session) JoinRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	if roomID == "" {
		return nil, apperrors.NewInvalidInputError("room id must not be empty")
	}

	if err := s.do(ctx, func() error {
		if !s.transport.IsOpen() {
			return ErrTransportNotOpen
		}
		if s.local == nil {
			return ErrNotIdentified
		}
		if r := s.presence.Room(); r != nil && r.ID == roomID {
			return apperrors.WrapError(domain.ErrAlreadyInRoom, apperrors.ErrCodeConflict, "already in room", http.StatusConflict)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	frame, err := s.request(ctx, protocol.TypeRoomJoin, func(h protocol.Header) any {
		return protocol.RoomJoinRequest{Header: h, Body: protocol.RoomJoinBody{RoomID: roomID}}
	})
	if err != nil {
		return nil, err
	}

	var resp protocol.RoomJoinResponse
	if err := frame.Decode(&resp); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeProtocol, "bad join response", http.StatusBadRequest)
	}

	var room *domain.Room
	if err := s.do(ctx, func() error {
		s.presence.ApplyJoin(resp.Room, resp.Users)
		room = s.presence.Room().Clone()
		return nil
	}); err != nil {
		return nil, err
	}

	if err := s.startLocalStream(ctx); err != nil {
		s.logger.Warnw("joined without local media", "room_id", roomID, "error", err)
	}

	if err := s.do(ctx, func() error {
		s.presence.ConnectMembers()
		return nil
	}); err != nil {
		return nil, err
	}
	return room, nil
}

// SetPlugin asks the relay to activate plugin in the current room.
func (s *Session) SetPlugin(ctx context.Context, plugin domain.Plugin) error {
	var (
		roomID domain.RoomID
		same   bool
	)
	if err := s.do(ctx, func() error {
		room := s.presence.Room()
		if room == nil {
			return apperrors.WrapError(domain.ErrNotInRoom, apperrors.ErrCodeConflict, "not in a room", http.StatusConflict)
		}
		roomID = room.ID
		same = room.Plugin != nil && room.Plugin.URL == plugin.URL
		return nil
	}); err != nil {
		return err
	}
	if same {
		return nil
	}

	frame, err := s.request(ctx, protocol.TypePluginSet, func(h protocol.Header) any {
		return protocol.PluginSetRequest{Header: h, Body: protocol.PluginSetBody{
			Plugin:   &plugin,
			IframeID: s.iframeID,
			RoomID:   roomID,
		}}
	})
	if err != nil {
		return err
	}

	var resp protocol.PluginSetResponse
	if err := frame.Decode(&resp); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeProtocol, "bad plugin_set response", http.StatusBadRequest)
	}

	return s.do(ctx, func() error {
		if room := s.presence.Room(); room != nil && room.ID == roomID {
			s.presence.PluginSet(resp.Plugin, resp.IframeID)
		}
		return nil
	})
}

// ToggleMicrophone flips the microphone flag and returns the new value.
func (s *Session) ToggleMicrophone(ctx context.Context) (bool, error) {
	return s.setMedia(ctx, mediaMicrophone, nil)
}

func (s *Session) ToggleCamera(ctx context.Context) (bool, error) {
	return s.setMedia(ctx, mediaCamera, nil)
}

func (s *Session) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	_, err := s.setMedia(ctx, mediaMicrophone, &enabled)
	return err
}

func (s *Session) SetCameraEnabled(ctx context.Context, enabled bool) error {
	_, err := s.setMedia(ctx, mediaCamera, &enabled)
	return err
}

func (s *Session) setMedia(ctx context.Context, kind mediaKind, enabled *bool) (bool, error) {
	var (
		value bool
		cycle bool
	)
	if err := s.do(ctx, func() error {
		flag := &s.mic
		if kind == mediaCamera {
			flag = &s.camera
		}
		next := !*flag
		if enabled != nil {
			next = *enabled
		}
		changed := next != *flag
		*flag = next
		value = next
		if s.local != nil {
			s.local.MicEnabled = s.mic
			s.local.CameraEnabled = s.camera
		}
		cycle = changed && (s.stream != nil || next)
		return nil
	}); err != nil {
		return false, err
	}

	s.logger.Infow("media toggled", "kind", kind, "enabled", value)
	if !cycle {
		return value, nil
	}
	return value, s.startLocalStream(ctx)
}

// startLocalStream acquires media for the current flags, swaps it in and
// renegotiates with every connected peer. Acquisition failures leave the
// session without a stream.
func (s *Session) startLocalStream(ctx context.Context) error {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()

	var audio, video bool
	if err := s.do(ctx, func() error {
		audio, video = s.mic, s.camera
		return nil
	}); err != nil {
		return err
	}

	var (
		next   LocalStream
		acqErr error
	)
	if audio || video {
		next, acqErr = s.media.Acquire(ctx, audio, video)
		if acqErr != nil {
			s.logger.Warnw("media unavailable", "audio", audio, "video", video, "error", acqErr)
			next = nil
		}
	}

	var old LocalStream
	if err := s.do(ctx, func() error {
		old = s.stream
		s.stream = next
		if s.local != nil {
			s.local.StreamID = ""
			if next != nil {
				s.local.StreamID = next.ID()
			}
			s.observer.OnLocalUser(*s.local)
		}
		s.engine.Renegotiate()
		return nil
	}); err != nil {
		if next != nil {
			next.Stop()
		}
		return err
	}
	if old != nil {
		old.Stop()
	}

	if acqErr != nil {
		return apperrors.NewResourceError(acqErr, "media unavailable")
	}
	return nil
}

// HandlePluginMessage queues a raw extension request for the loop.
func (s *Session) HandlePluginMessage(raw []byte) error {
	msg := append([]byte(nil), raw...)
	if !s.post(func() { s.router.HandleSurfaceMessage(msg) }) {
		return ErrSessionClosed
	}
	return nil
}

// LocalUser returns a copy of the logged in user, nil before login.
func (s *Session) LocalUser(ctx context.Context) (*domain.User, error) {
	var u *domain.User
	err := s.do(ctx, func() error {
		if s.local != nil {
			u = cloneUser(s.local)
		}
		return nil
	})
	return u, err
}

// Room returns a copy of the current room, nil outside a room.
func (s *Session) Room(ctx context.Context) (*domain.Room, error) {
	var r *domain.Room
	err := s.do(ctx, func() error {
		r = s.presence.Room().Clone()
		return nil
	})
	return r, err
}

// Connections returns a snapshot of every peer connection.
func (s *Session) Connections(ctx context.Context) ([]PeerSnapshot, error) {
	var out []PeerSnapshot
	err := s.do(ctx, func() error {
		for _, peer := range s.registry.Peers() {
			snap, _ := s.registry.Snapshot(peer)
			out = append(out, snap)
		}
		return nil
	})
	return out, err
}

// loopEvents turns link callbacks into loop events.
type loopEvents struct{ s *Session }

func (l loopEvents) LinkCandidate(peer domain.PeerID, c *webrtc.ICECandidateInit) {
	l.s.post(func() { l.s.engine.LocalCandidate(peer, c) })
}

func (l loopEvents) LinkStateChanged(peer domain.PeerID, state LinkState) {
	l.s.post(func() { l.s.engine.HandleLinkState(peer, state) })
}

func (l loopEvents) LinkTrack(peer domain.PeerID, streamID string) {
	l.s.post(func() { l.s.presence.RemoteTrack(peer, streamID) })
}

func (l loopEvents) LinkChannelOpen(peer domain.PeerID) {
	l.s.post(func() { l.s.engine.ChannelOpen(peer) })
}

func (l loopEvents) LinkData(peer domain.PeerID, data []byte) {
	l.s.post(func() { l.s.router.HandlePeerData(peer, data) })
}

// sessionHost exposes loop state to the plugin router.
type sessionHost struct{ s *Session }

func (h sessionHost) self() domain.PeerID { return h.s.self() }

func (h sessionHost) localUser() *domain.User {
	if h.s.local == nil {
		return nil
	}
	return cloneUser(h.s.local)
}

func (h sessionHost) remoteUsers() []domain.User { return h.s.presence.ConnectedUsers() }
func (h sessionHost) currentRoom() *domain.Room  { return h.s.presence.Room().Clone() }
func (h sessionHost) openPeers() []domain.PeerID { return h.s.registry.OpenChannels() }

func (h sessionHost) sendData(peer domain.PeerID, data []byte) error {
	return h.s.engine.SendData(peer, data)
}

func (h sessionHost) setMedia(kind mediaKind, enabled bool, done func(error)) {
	go func() {
		_, err := h.s.setMedia(context.Background(), kind, &enabled)
		done(err)
	}()
}

func (h sessionHost) emitLocal(sender domain.PeerID, eventType string, data json.RawMessage) {
	h.s.observer.OnPluginEvent(sender, eventType, data)
}

type detachedSurface struct{}

func (detachedSurface) Post(any) error { return ErrSurfaceUnavailable }
