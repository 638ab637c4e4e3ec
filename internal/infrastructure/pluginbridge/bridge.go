// Package pluginbridge mounts the extension surface over a local websocket.
// One surface is mounted at a time; a new connection replaces the old one.
package pluginbridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"huddle/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the surface is served from the plugin's own origin
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type surface struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Bridge is a session.PluginSurface backed by the mounted websocket.
type Bridge struct {
	mu      sync.Mutex
	current *surface
	handler func(raw []byte) error

	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

var _ session.PluginSurface = (*Bridge)(nil)

func NewBridge(logger *zap.SugaredLogger) *Bridge {
	return &Bridge{
		writeTimeout: 5 * time.Second,
		logger:       logger,
	}
}

// SetHandler routes surface messages, normally to Session.HandlePluginMessage.
func (b *Bridge) SetHandler(fn func(raw []byte) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = fn
}

// Post writes msg to the mounted surface.
func (b *Bridge) Post(msg any) error {
	b.mu.Lock()
	s := b.current
	b.mu.Unlock()
	if s == nil {
		return session.ErrSurfaceUnavailable
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(b.writeTimeout))
	return s.ws.WriteJSON(msg)
}

func (b *Bridge) Mounted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Errorw("surface upgrade failed", "error", err)
		return
	}
	s := &surface{ws: ws}

	b.mu.Lock()
	old := b.current
	b.current = s
	b.mu.Unlock()
	if old != nil {
		old.ws.Close()
		b.logger.Infow("replacing mounted surface")
	}
	b.logger.Infow("surface mounted", "remote_addr", r.RemoteAddr)

	defer b.unmount(s)

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Infow("surface read failed", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		b.mu.Lock()
		handler := b.handler
		b.mu.Unlock()
		if handler == nil {
			b.logger.Warnw("surface message dropped, no handler")
			continue
		}
		if err := handler(data); err != nil {
			b.logger.Infow("surface message not handled", "error", err)
			return
		}
	}
}

func (b *Bridge) unmount(s *surface) {
	b.mu.Lock()
	if b.current == s {
		b.current = nil
	}
	b.mu.Unlock()
	s.ws.Close()
	b.logger.Infow("surface unmounted")
}
