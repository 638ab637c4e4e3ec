package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/protocol"
	"huddle/pkg/config"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/tracing"
	"huddle/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // peers connect from arbitrary app origins
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// PeerLocator tracks which relay instance holds a peer's socket.
type PeerLocator interface {
	Register(ctx context.Context, peer domain.PeerID) error
	Refresh(ctx context.Context, peer domain.PeerID) error
	Unregister(ctx context.Context, peer domain.PeerID) error
	Locate(ctx context.Context, peer domain.PeerID) (string, error)
}

// RelayMetrics receives relay-side counters.
type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameHandled(frameType string, status int)
	MessageRelayed(receivers int)
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) ConnectionOpened()        {}
func (nopRelayMetrics) ConnectionClosed()        {}
func (nopRelayMetrics) FrameHandled(string, int) {}
func (nopRelayMetrics) MessageRelayed(int)       {}

// WebSocketServer is the relay: it authenticates sockets, keeps room
// membership and forwards relay messages between members of a room.
type WebSocketServer struct {
	accounts ports.AccountService
	rooms    ports.RoomService
	broker   ports.Broker
	locator  PeerLocator
	metrics  RelayMetrics

	// connections holds logged-in sockets; user and room of every peerConn
	// are guarded by mu as well
	connections map[domain.PeerID]*peerConn
	mu          sync.RWMutex

	slots chan struct{}

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	readLimit    int64

	messagesPerSecond rate.Limit
	burst             int

	logger *zap.SugaredLogger
}

type peerConn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	limiter      *rate.Limiter

	user *domain.User
	room domain.RoomID
}

func (c *peerConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *peerConn) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *peerConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

func NewWebSocketServer(accounts ports.AccountService, rooms ports.RoomService, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		accounts:          accounts,
		rooms:             rooms,
		metrics:           nopRelayMetrics{},
		connections:       make(map[domain.PeerID]*peerConn),
		pingInterval:      30 * time.Second,
		pongTimeout:       60 * time.Second,
		writeTimeout:      10 * time.Second,
		messagesPerSecond: rate.Inf,
		logger:            logger,
	}
}

// Configure applies the relay and websocket rate limiting sections.
func (s *WebSocketServer) Configure(cfg *config.Config) {
	if cfg.Relay.PingInterval > 0 {
		s.pingInterval = cfg.Relay.PingInterval
	}
	if cfg.Relay.PongTimeout > 0 {
		s.pongTimeout = cfg.Relay.PongTimeout
	}
	if cfg.Relay.WriteTimeout > 0 {
		s.writeTimeout = cfg.Relay.WriteTimeout
	}

	ws := cfg.RateLimiting.WebSocket
	s.readLimit = ws.MaxMessageSizeBytes
	if !cfg.RateLimiting.Enabled {
		return
	}
	if ws.MessagesPerSecond > 0 {
		s.messagesPerSecond = rate.Limit(ws.MessagesPerSecond)
		s.burst = ws.Burst
	}
	if ws.MaxConcurrent > 0 {
		s.slots = make(chan struct{}, ws.MaxConcurrent)
	}
}

// SetPingInterval sets ping interval for WebSocket connections
func (s *WebSocketServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

// SetPongTimeout sets pong timeout for WebSocket connections
func (s *WebSocketServer) SetPongTimeout(timeout time.Duration) {
	s.pongTimeout = timeout
}

// SetBroker enables delivery to peers held by other relay instances.
// locator may be nil, in which case every miss is published.
func (s *WebSocketServer) SetBroker(broker ports.Broker, locator PeerLocator) {
	s.broker = broker
	s.locator = locator
}

func (s *WebSocketServer) SetMetrics(metrics RelayMetrics) {
	s.metrics = metrics
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		default:
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	burst := s.burst
	if burst <= 0 {
		burst = 1
	}
	c := &peerConn{
		ws:           ws,
		writeTimeout: s.writeTimeout,
		limiter:      rate.NewLimiter(s.messagesPerSecond, burst),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.metrics.ConnectionOpened()
	defer s.disconnect(ctx, c)

	if s.readLimit > 0 {
		ws.SetReadLimit(s.readLimit)
	}
	ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan []byte, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
			select {
			case messageChan <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case data := <-messageChan:
			s.handleMessage(ctx, c, data)

		case <-pingTicker.C:
			if err := c.ping(); err != nil {
				s.logger.Infow("error sending ping", "peer_id", s.peerOf(c), "error", err)
				return
			}
			if peer := s.peerOf(c); peer != "" && s.locator != nil {
				if err := s.locator.Refresh(ctx, peer); err != nil {
					s.logger.Warnw("failed to refresh peer claim", "peer_id", peer, "error", err)
				}
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", s.peerOf(c), "error", err)
			}
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *peerConn, data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		s.sendError(c, "", apperrors.NewInvalidInputError("malformed frame"))
		s.metrics.FrameHandled("malformed", http.StatusBadRequest)
		return
	}

	peer := s.peerOf(c)
	ctx, span := tracing.TraceRelayFrame(ctx, string(frame.Type), string(peer), string(frame.AwaitID))
	defer span.End()

	if !c.limiter.Allow() {
		err = apperrors.NewRateLimitError()
	} else {
		err = s.dispatch(ctx, c, frame)
	}

	status := http.StatusOK
	if err != nil {
		tracing.RecordError(ctx, err)
		status = apperrors.StatusOf(err)
		s.logger.Infow("relay request failed",
			"peer_id", peer,
			"type", frame.Type,
			"await_id", frame.AwaitID,
			"status", status,
			"error", err,
		)
		s.sendError(c, frame.AwaitID, err)
	}

	label := string(frame.Type)
	if !frame.Type.IsRequest() {
		label = "unsupported"
	}
	s.metrics.FrameHandled(label, status)
}

func (s *WebSocketServer) dispatch(ctx context.Context, c *peerConn, frame *protocol.Frame) error {
	switch frame.Type {
	case protocol.TypeUserRegister:
		return s.handleRegister(ctx, c, frame)
	case protocol.TypeUserLogin:
		return s.handleLogin(ctx, c, frame)
	case protocol.TypeRoomJoin:
		return s.handleRoomJoin(ctx, c, frame)
	case protocol.TypePluginSet:
		return s.handlePluginSet(ctx, c, frame)
	case protocol.TypeMessageRelay:
		return s.handleMessageRelay(ctx, c, frame)
	default:
		return apperrors.NewInvalidInputError(fmt.Sprintf("unsupported frame type %q", frame.Type))
	}
}

func (s *WebSocketServer) handleRegister(ctx context.Context, c *peerConn, frame *protocol.Frame) error {
	var req protocol.UserRegisterRequest
	if err := frame.Decode(&req); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}

	user, secret, err := s.accounts.Register(ctx, req.Body.DisplayName)
	if err != nil {
		return err
	}
	s.logger.Infow("user registered", "user_id", user.ID)

	return c.writeJSON(protocol.UserRegisterResponse{
		Header: reply(protocol.TypeUserRegisterResponse, req.AwaitID),
		User:   *user,
		Secret: secret,
	})
}

func (s *WebSocketServer) handleLogin(ctx context.Context, c *peerConn, frame *protocol.Frame) error {
	var req protocol.UserLoginRequest
	if err := frame.Decode(&req); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if s.identity(c) != nil {
		return apperrors.NewConflictError("already logged in")
	}

	user, err := s.accounts.Login(ctx, req.Body.Secret)
	if err != nil {
		return err
	}
	peer := user.PeerID()

	s.mu.Lock()
	old := s.connections[peer]
	s.connections[peer] = c
	c.user = user
	var staleRoom domain.RoomID
	if old != nil {
		staleRoom, old.room = old.room, ""
	}
	s.mu.Unlock()

	if old != nil {
		old.ws.Close()
		s.logger.Infow("closing old connection for reconnecting peer", "peer_id", peer)
		if staleRoom != "" {
			s.leaveRoom(ctx, peer, staleRoom)
		}
	}
	if s.locator != nil {
		if err := s.locator.Register(ctx, peer); err != nil {
			s.logger.Warnw("failed to claim peer", "peer_id", peer, "error", err)
		}
	}
	s.logger.Infow("peer logged in", "peer_id", peer, "reconnect", old != nil)

	return c.writeJSON(protocol.UserLoginResponse{
		Header: reply(protocol.TypeUserLoginResponse, req.AwaitID),
		User:   *user,
	})
}

func (s *WebSocketServer) handleRoomJoin(ctx context.Context, c *peerConn, frame *protocol.Frame) error {
	var req protocol.RoomJoinRequest
	if err := frame.Decode(&req); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	user := s.identity(c)
	if user == nil {
		return apperrors.NewUnauthorizedError("login required")
	}
	if err := validation.ValidateRoomID(string(req.Body.RoomID)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}

	room, users, err := s.rooms.Join(ctx, req.Body.RoomID, user.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := c.room
	c.room = room.ID
	s.mu.Unlock()

	peer := user.PeerID()
	if prev != "" && prev != room.ID {
		s.leaveRoom(ctx, peer, prev)
	}

	if err := c.writeJSON(protocol.RoomJoinResponse{
		Header: reply(protocol.TypeRoomJoinResponse, req.AwaitID),
		Room:   *room,
		Users:  users,
	}); err != nil {
		return err
	}

	if prev != room.ID {
		s.broadcast(ctx, room.JoinedUsers, peer, protocol.UserEvent{
			Header: protocol.Header{Type: protocol.TypeUserJoined},
			Data:   protocol.UserEventData{User: *user},
		})
	}
	s.logger.Infow("peer joined room", "peer_id", peer, "room_id", room.ID, "members", len(room.JoinedUsers))
	return nil
}

func (s *WebSocketServer) handlePluginSet(ctx context.Context, c *peerConn, frame *protocol.Frame) error {
	var req protocol.PluginSetRequest
	if err := frame.Decode(&req); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	user, roomID := s.membership(c)
	if user == nil {
		return apperrors.NewUnauthorizedError("login required")
	}
	if roomID == "" || (req.Body.RoomID != "" && req.Body.RoomID != roomID) {
		return notInRoom()
	}

	room, err := s.rooms.SetPlugin(ctx, roomID, user.ID, req.Body.Plugin, req.Body.IframeID)
	if err != nil {
		return err
	}

	if err := c.writeJSON(protocol.PluginSetResponse{
		Header:   reply(protocol.TypePluginSetResponse, req.AwaitID),
		Plugin:   room.Plugin,
		IframeID: room.IframeID,
	}); err != nil {
		return err
	}

	s.broadcast(ctx, room.JoinedUsers, user.PeerID(), protocol.PluginSetEvent{
		Header: protocol.Header{Type: protocol.TypePluginSetEvent},
		Data: protocol.PluginSetEventData{
			IframeID: room.IframeID,
			Plugin:   room.Plugin,
		},
	})
	return nil
}

func (s *WebSocketServer) handleMessageRelay(ctx context.Context, c *peerConn, frame *protocol.Frame) error {
	var req protocol.MessageRelayRequest
	if err := frame.Decode(&req); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	user, roomID := s.membership(c)
	if user == nil {
		return apperrors.NewUnauthorizedError("login required")
	}
	if roomID == "" || req.Body.RoomID != roomID {
		return notInRoom()
	}
	if len(req.Body.RelayData) == 0 {
		return apperrors.NewInvalidInputError("relayData is required")
	}

	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	sender := user.PeerID()
	data, err := json.Marshal(protocol.RelayDelivery{
		Header:    protocol.Header{Type: protocol.TypeRelayDelivery},
		SenderID:  sender,
		RelayData: req.Body.RelayData,
	})
	if err != nil {
		return fmt.Errorf("failed to encode delivery: %w", err)
	}

	delivered := 0
	for _, to := range req.Body.ReceiverIDs {
		if to == sender || !room.HasMember(to) {
			s.logger.Debugw("dropping relay to non-member", "peer_id", sender, "receiver", to, "room_id", roomID)
			continue
		}
		if err := s.deliver(ctx, to, data); err != nil {
			s.logger.Infow("relay delivery failed", "peer_id", sender, "receiver", to, "error", err)
			continue
		}
		delivered++
	}
	s.metrics.MessageRelayed(delivered)
	return nil
}

// RunBroker delivers frames published by other relay instances to local
// sockets until ctx ends.
func (s *WebSocketServer) RunBroker(ctx context.Context) error {
	if s.broker == nil {
		return nil
	}
	return s.broker.Subscribe(ctx, func(d ports.Delivery) {
		c := s.lookup(d.To)
		if c == nil {
			return
		}
		if err := c.writeRaw(d.Frame); err != nil {
			s.logger.Infow("failed to forward brokered frame", "peer_id", d.To, "error", err)
		}
	})
}

func (s *WebSocketServer) deliver(ctx context.Context, to domain.PeerID, data []byte) error {
	if c := s.lookup(to); c != nil {
		return c.writeRaw(data)
	}
	if s.broker == nil {
		return fmt.Errorf("peer %s not connected", to)
	}
	if s.locator != nil {
		owner, err := s.locator.Locate(ctx, to)
		if err != nil {
			return err
		}
		if owner == "" {
			return fmt.Errorf("peer %s not connected", to)
		}
	}
	return s.broker.Publish(ctx, ports.Delivery{To: to, Frame: data})
}

func (s *WebSocketServer) broadcast(ctx context.Context, members []domain.PeerID, except domain.PeerID, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Errorw("failed to encode event", "error", err)
		return
	}
	for _, to := range members {
		if to == except {
			continue
		}
		if err := s.deliver(ctx, to, data); err != nil {
			s.logger.Debugw("event not delivered", "peer_id", to, "error", err)
		}
	}
}

func (s *WebSocketServer) leaveRoom(ctx context.Context, peer domain.PeerID, roomID domain.RoomID) {
	room, err := s.rooms.Leave(ctx, roomID, domain.UserID(peer))
	if err != nil {
		s.logger.Infow("error leaving room", "peer_id", peer, "room_id", roomID, "error", err)
		return
	}

	user, err := s.accounts.GetUser(ctx, domain.UserID(peer))
	if err != nil {
		user = &domain.User{ID: domain.UserID(peer)}
	}
	s.broadcast(ctx, room.JoinedUsers, peer, protocol.UserEvent{
		Header: protocol.Header{Type: protocol.TypeUserLeft},
		Data:   protocol.UserEventData{User: *user},
	})
	s.logger.Infow("peer left room", "peer_id", peer, "room_id", roomID)
}

func (s *WebSocketServer) disconnect(ctx context.Context, c *peerConn) {
	s.mu.Lock()
	var peer domain.PeerID
	owned := false
	if c.user != nil {
		peer = c.user.PeerID()
		if s.connections[peer] == c {
			delete(s.connections, peer)
			owned = true
		}
	}
	room := c.room
	c.room = ""
	s.mu.Unlock()

	s.metrics.ConnectionClosed()

	if room != "" {
		s.leaveRoom(ctx, peer, room)
	}
	if owned && s.locator != nil {
		if err := s.locator.Unregister(ctx, peer); err != nil {
			s.logger.Warnw("failed to release peer claim", "peer_id", peer, "error", err)
		}
	}
	s.logger.Infow("peer disconnected", "peer_id", peer)
}

func (s *WebSocketServer) sendError(c *peerConn, awaitID protocol.CorrelationID, err error) {
	message := err.Error()
	if appErr := apperrors.GetAppError(err); appErr != nil {
		message = appErr.Message
	}
	if werr := c.writeJSON(protocol.ErrorResponse{
		Header:  reply(protocol.TypeErrorResponse, awaitID),
		Message: message,
		Code:    apperrors.StatusOf(err),
	}); werr != nil {
		s.logger.Debugw("failed to send error frame", "error", werr)
	}
}

func (s *WebSocketServer) lookup(peer domain.PeerID) *peerConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections[peer]
}

func (s *WebSocketServer) identity(c *peerConn) *domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.user
}

func (s *WebSocketServer) membership(c *peerConn) (*domain.User, domain.RoomID) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.user, c.room
}

func (s *WebSocketServer) peerOf(c *peerConn) domain.PeerID {
	if user := s.identity(c); user != nil {
		return user.PeerID()
	}
	return ""
}

func reply(t protocol.FrameType, awaitID protocol.CorrelationID) protocol.Header {
	return protocol.Header{Type: t, AwaitID: awaitID}
}

func notInRoom() error {
	return apperrors.WrapError(domain.ErrNotInRoom, apperrors.ErrCodeConflict, "not a member of the room", http.StatusConflict)
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// ConnectionCount returns the number of logged-in sockets.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) GetConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.connections))
	for peerID := range s.connections {
		peers = append(peers, peerID)
	}

	return peers
}

func (s *WebSocketServer) IsPeerConnected(peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.connections[peerID]
	return exists
}
