package protocol

import (
	"encoding/json"
	"fmt"

	"huddle/internal/core/domain"
)

// PluginMessageType is the closed set of extension surface message kinds.
type PluginMessageType string

const (
	PluginRoomBroadcast        PluginMessageType = "p_request__room_broadcast"
	PluginMessageUser          PluginMessageType = "p_request__message_user"
	PluginLocalUser            PluginMessageType = "p_request__local_user"
	PluginConnectedUsers       PluginMessageType = "p_request__connected_users"
	PluginCurrentRoom          PluginMessageType = "p_request__current_room"
	PluginSetMicrophoneEnabled PluginMessageType = "p_request__set_microphone_enabled"
	PluginSetCameraEnabled     PluginMessageType = "p_request__set_camera_enabled"
	PluginGetMetadata          PluginMessageType = "p_request__get_metadata"
	PluginSetMetadata          PluginMessageType = "p_request__set_metadata"

	// PluginLegacyBroadcast is the pre-versioned broadcast request.
	PluginLegacyBroadcast PluginMessageType = "PLUGIN_SEND_TO_ALL_PEERS"

	PluginRoomBroadcastResponse        PluginMessageType = "p_response__room_broadcast"
	PluginMessageUsersResponse         PluginMessageType = "p_response__message_users"
	PluginLocalUserResponse            PluginMessageType = "p_response__local_user"
	PluginConnectedUsersResponse       PluginMessageType = "p_response__connected_users"
	PluginCurrentRoomResponse          PluginMessageType = "p_response__current_room"
	PluginSetMicrophoneEnabledResponse PluginMessageType = "p_response__set_microphone_enabled"
	PluginSetCameraEnabledResponse     PluginMessageType = "p_response__set_camera_enabled"
	PluginGetMetadataResponse          PluginMessageType = "p_response__get_metadata"
	PluginSetMetadataResponse          PluginMessageType = "p_response__set_metadata"
	PluginErrorResponse                PluginMessageType = "p_response__error"

	// Pushed to the surface without a request.
	PluginDataEvent       PluginMessageType = "plugin-data"
	PluginUserJoinedEvent PluginMessageType = "room_event__user_joined"
	PluginUserLeftEvent   PluginMessageType = "room_event__user_left"
)

// LegacyPluginData is the pre-versioned discriminator of peer envelopes.
const LegacyPluginData = "PLUGIN_DATA"

// PluginRequest is the union of every request field the surface may send.
type PluginRequest struct {
	Type        PluginMessageType `json:"type"`
	AwaitID     CorrelationID     `json:"awaitId"`
	PluginID    domain.PluginID   `json:"pluginId,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
	EventType   string            `json:"eventType,omitempty"`
	Data        json.RawMessage   `json:"data,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
	ReceiverID  domain.PeerID     `json:"receiverId,omitempty"`
	Enabled     bool              `json:"enabled,omitempty"`
	MetadataKey string            `json:"metadataKey,omitempty"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`

	// Payload is only set by PLUGIN_SEND_TO_ALL_PEERS.
	Payload *PluginPayload `json:"payload,omitempty"`
}

// Content returns data, falling back to body for older extensions.
func (r *PluginRequest) Content() json.RawMessage {
	if len(r.Data) > 0 {
		return r.Data
	}
	return r.Body
}

func DecodePluginRequest(raw []byte) (*PluginRequest, error) {
	var req PluginRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode plugin request: %w", err)
	}
	return &req, nil
}

type PluginPayload struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// PluginEnvelope is what travels over peer data channels.
type PluginEnvelope struct {
	Type     string        `json:"type"`
	AwaitID  CorrelationID `json:"awaitId,omitempty"`
	SenderID domain.PeerID `json:"senderId"`
	Payload  PluginPayload `json:"payload"`
}

// NewPluginEnvelope mirrors data into body for extensions that read either.
func NewPluginEnvelope(id CorrelationID, sender domain.PeerID, eventType string, data json.RawMessage) PluginEnvelope {
	return PluginEnvelope{
		Type:     string(PluginDataEvent),
		AwaitID:  id,
		SenderID: sender,
		Payload:  PluginPayload{EventType: eventType, Data: data, Body: data},
	}
}

// DecodePluginEnvelope accepts both the current and the legacy discriminator.
func DecodePluginEnvelope(raw []byte) (*PluginEnvelope, error) {
	var env PluginEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode plugin envelope: %w", err)
	}
	if env.Type != string(PluginDataEvent) && env.Type != LegacyPluginData {
		return nil, fmt.Errorf("unexpected envelope type %q", env.Type)
	}
	return &env, nil
}

// PluginResponseHeader is embedded by every response to the surface.
type PluginResponseHeader struct {
	Type      PluginMessageType `json:"type"`
	AwaitID   CorrelationID     `json:"awaitId"`
	Timestamp int64             `json:"timestamp"`
}

type PluginAck struct {
	PluginResponseHeader
}

type LocalUserResponse struct {
	PluginResponseHeader
	LocalUser *domain.User `json:"localUser"`
}

type ConnectedUsersResponse struct {
	PluginResponseHeader
	ConnectedUsers []domain.User `json:"connectedUsers"`
}

type CurrentRoomResponse struct {
	PluginResponseHeader
	CurrentRoom *domain.Room `json:"currentRoom"`
}

type MetadataResponse struct {
	PluginResponseHeader
	LocalMetadata  json.RawMessage `json:"localMetadata,omitempty"`
	ServerMetadata json.RawMessage `json:"serverMetadata,omitempty"`
}

type PluginError struct {
	PluginResponseHeader
	RequestType PluginMessageType `json:"requestType"`
	Message     string            `json:"message"`
	Code        int               `json:"code"`
}

// PluginRoomEvent forwards a membership change to the surface.
type PluginRoomEvent struct {
	Type PluginMessageType `json:"type"`
	Data UserEventData     `json:"data"`
}
