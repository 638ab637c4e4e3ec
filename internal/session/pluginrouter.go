package session

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"huddle/internal/core/domain"
	"huddle/internal/protocol"
	apperrors "huddle/pkg/errors"
)

type mediaKind int

const (
	mediaMicrophone mediaKind = iota
	mediaCamera
)

func (k mediaKind) String() string {
	if k == mediaCamera {
		return "camera"
	}
	return "microphone"
}

// routerHost is the session state the router reads and the actions it
// triggers. Every method is called on the session loop.
type routerHost interface {
	self() domain.PeerID
	localUser() *domain.User
	remoteUsers() []domain.User
	currentRoom() *domain.Room
	openPeers() []domain.PeerID
	sendData(peer domain.PeerID, data []byte) error
	// setMedia applies the toggle off the loop; done may run on any goroutine.
	setMedia(kind mediaKind, enabled bool, done func(error))
	emitLocal(sender domain.PeerID, eventType string, data json.RawMessage)
}

// PluginMessageRouter dispatches extension requests and forwards inbound
// peer envelopes to the extension surface.
type PluginMessageRouter struct {
	host    routerHost
	surface PluginSurface
	clock   Clock
	metrics Metrics
	logger  *zap.SugaredLogger
}

// HandleSurfaceMessage handles one raw request from the extension.
func (r *PluginMessageRouter) HandleSurfaceMessage(raw []byte) {
	req, err := protocol.DecodePluginRequest(raw)
	if err != nil {
		r.logger.Warnw("undecodable extension message", "error", err)
		return
	}
	r.metrics.PluginMessage(string(req.Type))

	switch req.Type {
	case protocol.PluginRoomBroadcast:
		r.broadcast(req.AwaitID, req.EventType, req.Content())
		r.ack(req, protocol.PluginRoomBroadcastResponse)

	case protocol.PluginLegacyBroadcast:
		if req.Payload == nil {
			r.fail(req, http.StatusBadRequest, "payload is required")
			return
		}
		data := req.Payload.Data
		if len(data) == 0 {
			data = req.Payload.Body
		}
		r.broadcast(req.AwaitID, req.Payload.EventType, data)
		r.ack(req, protocol.PluginRoomBroadcastResponse)

	case protocol.PluginMessageUser:
		r.messageUser(req)

	case protocol.PluginLocalUser:
		user := r.host.localUser()
		if user == nil {
			r.fail(req, http.StatusConflict, "no local user, login first")
			return
		}
		r.respond(protocol.LocalUserResponse{PluginResponseHeader: r.header(req, protocol.PluginLocalUserResponse), LocalUser: user})

	case protocol.PluginConnectedUsers:
		r.respond(protocol.ConnectedUsersResponse{
			PluginResponseHeader: r.header(req, protocol.PluginConnectedUsersResponse),
			ConnectedUsers:       r.host.remoteUsers(),
		})

	case protocol.PluginCurrentRoom:
		room := r.host.currentRoom()
		if room == nil {
			r.fail(req, http.StatusConflict, "not in a room")
			return
		}
		r.respond(protocol.CurrentRoomResponse{PluginResponseHeader: r.header(req, protocol.PluginCurrentRoomResponse), CurrentRoom: room})

	case protocol.PluginSetMicrophoneEnabled:
		r.toggle(req, mediaMicrophone, protocol.PluginSetMicrophoneEnabledResponse)

	case protocol.PluginSetCameraEnabled:
		r.toggle(req, mediaCamera, protocol.PluginSetCameraEnabledResponse)

	case protocol.PluginGetMetadata:
		r.respond(protocol.MetadataResponse{PluginResponseHeader: r.header(req, protocol.PluginGetMetadataResponse)})

	case protocol.PluginSetMetadata:
		r.respond(protocol.MetadataResponse{PluginResponseHeader: r.header(req, protocol.PluginSetMetadataResponse)})

	default:
		r.fail(req, http.StatusBadRequest, "unrecognized request type")
	}
}

func (r *PluginMessageRouter) broadcast(id protocol.CorrelationID, eventType string, data json.RawMessage) {
	sender := r.host.self()
	env, err := json.Marshal(protocol.NewPluginEnvelope(id, sender, eventType, data))
	if err != nil {
		r.logger.Errorw("failed to encode plugin envelope", "error", err)
		return
	}
	for _, peer := range r.host.openPeers() {
		if err := r.host.sendData(peer, env); err != nil {
			r.logger.Warnw("plugin broadcast to peer failed", "peer_id", peer, "error", err)
		}
	}
	r.host.emitLocal(sender, eventType, data)
}

func (r *PluginMessageRouter) messageUser(req *protocol.PluginRequest) {
	if req.ReceiverID == "" {
		r.fail(req, http.StatusBadRequest, "receiverId is required")
		return
	}
	env, err := json.Marshal(protocol.NewPluginEnvelope(req.AwaitID, r.host.self(), req.EventType, req.Content()))
	if err != nil {
		r.fail(req, http.StatusBadRequest, "unencodable payload")
		return
	}
	if err := r.host.sendData(req.ReceiverID, env); err != nil {
		if errors.Is(err, ErrChannelNotOpen) || apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			r.fail(req, http.StatusNotFound, "no open connection to receiver")
			return
		}
		r.fail(req, http.StatusInternalServerError, err.Error())
		return
	}
	r.ack(req, protocol.PluginMessageUsersResponse)
}

func (r *PluginMessageRouter) toggle(req *protocol.PluginRequest, kind mediaKind, respType protocol.PluginMessageType) {
	r.host.setMedia(kind, req.Enabled, func(err error) {
		if err != nil {
			r.fail(req, apperrors.StatusOf(err), err.Error())
			return
		}
		r.ack(req, respType)
	})
}

// HandlePeerData forwards an envelope received on a data channel.
func (r *PluginMessageRouter) HandlePeerData(sender domain.PeerID, raw []byte) {
	env, err := protocol.DecodePluginEnvelope(raw)
	if err != nil {
		r.logger.Warnw("dropping peer data", "peer_id", sender, "error", err)
		return
	}
	if env.SenderID != sender {
		r.logger.Debugw("envelope sender differs from channel peer", "peer_id", sender, "sender_id", env.SenderID)
	}
	r.respond(json.RawMessage(raw))
}

// Forward pushes an unsolicited message to the surface.
func (r *PluginMessageRouter) Forward(msg any) {
	r.respond(msg)
}

func (r *PluginMessageRouter) header(req *protocol.PluginRequest, t protocol.PluginMessageType) protocol.PluginResponseHeader {
	return protocol.PluginResponseHeader{
		Type:      t,
		AwaitID:   req.AwaitID,
		Timestamp: r.clock.Now().UnixMilli(),
	}
}

func (r *PluginMessageRouter) ack(req *protocol.PluginRequest, t protocol.PluginMessageType) {
	r.respond(protocol.PluginAck{PluginResponseHeader: r.header(req, t)})
}

func (r *PluginMessageRouter) fail(req *protocol.PluginRequest, code int, message string) {
	r.logger.Debugw("extension request rejected", "type", req.Type, "await_id", req.AwaitID, "code", code, "message", message)
	r.respond(protocol.PluginError{
		PluginResponseHeader: r.header(req, protocol.PluginErrorResponse),
		RequestType:          req.Type,
		Message:              message,
		Code:                 code,
	})
}

func (r *PluginMessageRouter) respond(msg any) {
	if err := r.surface.Post(msg); err != nil {
		if errors.Is(err, ErrSurfaceUnavailable) {
			r.logger.Debugw("extension surface not mounted, message dropped")
			return
		}
		r.logger.Warnw("failed to post to extension surface", "error", err)
	}
}
