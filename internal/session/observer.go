package session

import (
	"encoding/json"

	"go.uber.org/zap"

	"huddle/internal/core/domain"
)

type SocketStatus string

const (
	SocketOpen   SocketStatus = "open"
	SocketClosed SocketStatus = "closed"
	SocketError  SocketStatus = "error"
)

// Observer receives session notifications. Calls come from the session
// loop and must return quickly.
type Observer interface {
	OnSocketStatus(status SocketStatus, err error)
	OnLocalUser(user domain.User)
	// OnConnection fires when a peer connection is created (true) or torn down (false).
	OnConnection(peer domain.PeerID, created bool)
	OnConnectionState(peer domain.PeerID, state ConnState)
	// OnConnectionFailed fires after the single restart attempt also failed.
	OnConnectionFailed(peer domain.PeerID, err error)
	// OnRemoteUser carries nil when the peer left.
	OnRemoteUser(peer domain.PeerID, user *domain.User)
	OnPluginSet(plugin *domain.Plugin, iframeID string)
	// OnPluginEvent mirrors a local broadcast to in-process listeners.
	OnPluginEvent(sender domain.PeerID, eventType string, data json.RawMessage)
	OnProtocolError(err error)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnSocketStatus(SocketStatus, error)                    {}
func (NopObserver) OnLocalUser(domain.User)                               {}
func (NopObserver) OnConnection(domain.PeerID, bool)                      {}
func (NopObserver) OnConnectionState(domain.PeerID, ConnState)            {}
func (NopObserver) OnConnectionFailed(domain.PeerID, error)               {}
func (NopObserver) OnRemoteUser(domain.PeerID, *domain.User)              {}
func (NopObserver) OnPluginSet(*domain.Plugin, string)                    {}
func (NopObserver) OnPluginEvent(domain.PeerID, string, json.RawMessage) {}
func (NopObserver) OnProtocolError(error)                                 {}

// LogObserver writes every notification to a zap logger.
type LogObserver struct {
	Logger *zap.SugaredLogger
}

func (o LogObserver) OnSocketStatus(status SocketStatus, err error) {
	if err != nil {
		o.Logger.Warnw("socket status", "status", status, "error", err)
		return
	}
	o.Logger.Infow("socket status", "status", status)
}

func (o LogObserver) OnLocalUser(user domain.User) {
	o.Logger.Infow("local user", "user_id", user.ID, "display_name", user.DisplayName)
}

func (o LogObserver) OnConnection(peer domain.PeerID, created bool) {
	o.Logger.Infow("peer connection", "peer_id", peer, "created", created)
}

func (o LogObserver) OnConnectionState(peer domain.PeerID, state ConnState) {
	o.Logger.Debugw("peer connection state", "peer_id", peer, "state", state)
}

func (o LogObserver) OnConnectionFailed(peer domain.PeerID, err error) {
	o.Logger.Errorw("peer connection failed", "peer_id", peer, "error", err)
}

func (o LogObserver) OnRemoteUser(peer domain.PeerID, user *domain.User) {
	if user == nil {
		o.Logger.Infow("remote user removed", "peer_id", peer)
		return
	}
	o.Logger.Infow("remote user", "peer_id", peer, "display_name", user.DisplayName,
		"stream_id", user.StreamID, "mic", user.MicEnabled, "camera", user.CameraEnabled)
}

func (o LogObserver) OnPluginSet(plugin *domain.Plugin, iframeID string) {
	if plugin == nil {
		o.Logger.Infow("plugin cleared")
		return
	}
	o.Logger.Infow("plugin set", "plugin_id", plugin.ID, "url", plugin.URL, "iframe_id", iframeID)
}

func (o LogObserver) OnPluginEvent(sender domain.PeerID, eventType string, data json.RawMessage) {
	o.Logger.Debugw("plugin event", "sender_id", sender, "event_type", eventType, "bytes", len(data))
}

func (o LogObserver) OnProtocolError(err error) {
	o.Logger.Warnw("protocol error", "error", err)
}
