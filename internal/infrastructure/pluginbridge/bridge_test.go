package pluginbridge

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"huddle/internal/session"
)

func mount(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func newBridgeServer(t *testing.T) (*Bridge, string, chan []byte) {
	t.Helper()
	bridge := NewBridge(zaptest.NewLogger(t).Sugar())
	received := make(chan []byte, 4)
	bridge.SetHandler(func(raw []byte) error {
		received <- raw
		return nil
	})
	ts := httptest.NewServer(bridge)
	t.Cleanup(ts.Close)
	return bridge, "ws" + strings.TrimPrefix(ts.URL, "http"), received
}

func TestBridge_PostWithoutSurface(t *testing.T) {
	bridge := NewBridge(zaptest.NewLogger(t).Sugar())
	assert.ErrorIs(t, bridge.Post(map[string]string{"type": "x"}), session.ErrSurfaceUnavailable)
	assert.False(t, bridge.Mounted())
}

func TestBridge_RoundTrip(t *testing.T) {
	bridge, url, received := newBridgeServer(t)
	ws := mount(t, url)
	require.Eventually(t, bridge.Mounted, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"p_request__local_user","awaitId":"1"}`)))
	select {
	case raw := <-received:
		assert.JSONEq(t, `{"type":"p_request__local_user","awaitId":"1"}`, string(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	require.NoError(t, bridge.Post(map[string]string{"type": "p_response__local_user", "awaitId": "1"}))
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]string
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "p_response__local_user", msg["type"])
}

func TestBridge_NewSurfaceReplacesOld(t *testing.T) {
	bridge, url, _ := newBridgeServer(t)
	first := mount(t, url)
	require.Eventually(t, bridge.Mounted, time.Second, 5*time.Millisecond)

	second := mount(t, url)

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "old surface is closed")

	require.Eventually(t, func() bool { return bridge.Post(map[string]string{"type": "ping"}) == nil }, time.Second, 5*time.Millisecond)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]string
	require.NoError(t, second.ReadJSON(&msg))
	assert.Equal(t, "ping", msg["type"])
}

func TestBridge_UnmountOnClose(t *testing.T) {
	bridge, url, _ := newBridgeServer(t)
	ws := mount(t, url)
	require.Eventually(t, bridge.Mounted, time.Second, 5*time.Millisecond)

	ws.Close()
	require.Eventually(t, func() bool { return !bridge.Mounted() }, time.Second, 5*time.Millisecond)
}
