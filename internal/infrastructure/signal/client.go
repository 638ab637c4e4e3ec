package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"huddle/internal/session"
	"huddle/pkg/config"
	"huddle/pkg/retry"
)

// ClientOptions configures the peer side of the relay socket.
type ClientOptions struct {
	URL          string
	Header       http.Header
	DialAttempts int
	DialTimeout  time.Duration
	RetryDelay   time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// ClientOptionsFromConfig reads the client section.
func ClientOptionsFromConfig(cfg *config.Config, logger *zap.SugaredLogger) ClientOptions {
	return ClientOptions{
		URL:          cfg.Client.RelayURL,
		DialAttempts: cfg.Client.DialAttempts,
		DialTimeout:  cfg.Client.DialTimeout,
		PingInterval: cfg.Client.PingInterval,
		PongTimeout:  cfg.Client.PongTimeout,
		WriteTimeout: cfg.Relay.WriteTimeout,
		Logger:       logger,
	}
}

// Client is a session.Transport over one gorilla websocket.
type Client struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	incoming  chan []byte
	open      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

var _ session.Transport = (*Client)(nil)

// Dial connects to the relay, retrying with backoff.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.DialTimeout,
	}
	retryCfg := retry.Config{
		MaxAttempts:  opts.DialAttempts,
		InitialDelay: opts.RetryDelay,
		MaxDelay:     10 * opts.RetryDelay,
		Multiplier:   2,
		Jitter:       true,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			opts.Logger.Warnw("relay dial failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	}

	ws, err := retry.RetryWithResult(ctx, retryCfg, func() (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, opts.URL, opts.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", opts.URL, err)
	}

	c := &Client{
		ws:           ws,
		writeTimeout: opts.WriteTimeout,
		incoming:     make(chan []byte, 64),
		done:         make(chan struct{}),
		logger:       opts.Logger,
	}
	c.open.Store(true)

	if opts.PongTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(opts.PongTimeout))
			return nil
		})
	}

	go c.readPump(opts.PongTimeout)
	if opts.PingInterval > 0 {
		go c.pingPump(opts.PingInterval)
	}

	opts.Logger.Infow("connected to relay", "url", opts.URL)
	return c, nil
}

func (c *Client) Send(v any) error {
	if !c.IsOpen() {
		return session.ErrTransportNotOpen
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) Incoming() <-chan []byte {
	return c.incoming
}

func (c *Client) IsOpen() bool {
	return c.open.Load()
}

// Close sends a close frame and tears the socket down. Incoming is closed
// once the read pump exits.
func (c *Client) Close() error {
	if c.IsOpen() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.write(websocket.CloseMessage, msg); err != nil {
			c.logger.Debugw("failed to send close frame", "error", err)
		}
	}
	c.shutdown()
	return c.ws.Close()
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)
	})
}

func (c *Client) write(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(kind, data)
}

func (c *Client) readPump(pongTimeout time.Duration) {
	defer close(c.incoming)
	defer c.shutdown()

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("relay connection lost", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if pongTimeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		}
		select {
		case c.incoming <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Client) pingPump(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Infow("error sending ping", "error", err)
				c.ws.Close()
				return
			}
		}
	}
}
