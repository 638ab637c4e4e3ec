// Package protocol defines the JSON frames exchanged with the relay, over
// peer data channels and with the extension surface.
package protocol

import (
	"encoding/json"
	"fmt"

	"huddle/internal/core/domain"
)

// CorrelationID ties a request frame to its response. Empty means the frame
// expects no response.
type CorrelationID string

// FrameType is the closed set of relay frame discriminators.
type FrameType string

const (
	TypeUserRegister FrameType = "request__user_register"
	TypeUserLogin    FrameType = "request__user_login"
	TypeRoomJoin     FrameType = "request__room_join"
	TypePluginSet    FrameType = "request__plugin_set"
	TypeMessageRelay FrameType = "request__message_relay"

	TypeUserRegisterResponse FrameType = "response__user_register"
	TypeUserLoginResponse    FrameType = "response__user_login"
	TypeRoomJoinResponse     FrameType = "response__room_join"
	TypePluginSetResponse    FrameType = "response__plugin_set"
	TypeErrorResponse        FrameType = "response__error"

	TypeUserJoined     FrameType = "room_event__user_joined"
	TypeUserLeft       FrameType = "room_event__user_left"
	TypePluginSetEvent FrameType = "room_event__plugin_set"
	TypeRelayDelivery  FrameType = "message_relay_delivery"
)

// IsRequest reports whether t is sent by clients to the relay.
func (t FrameType) IsRequest() bool {
	switch t {
	case TypeUserRegister, TypeUserLogin, TypeRoomJoin, TypePluginSet, TypeMessageRelay:
		return true
	}
	return false
}

// Header is embedded by every frame.
type Header struct {
	Type    FrameType     `json:"type"`
	AwaitID CorrelationID `json:"awaitId,omitempty"`
}

// Frame is a decoded header plus the raw frame for typed decoding.
type Frame struct {
	Header
	Raw json.RawMessage `json:"-"`
}

// DecodeFrame parses the discriminator of one relay frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f.Header); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	f.Raw = append(json.RawMessage(nil), data...)
	return &f, nil
}

// Decode unmarshals the whole frame into v.
func (f *Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}
	return nil
}

type RegisterBody struct {
	DisplayName string `json:"displayName"`
}

type UserRegisterRequest struct {
	Header
	Body RegisterBody `json:"body"`
}

type LoginBody struct {
	Secret string `json:"secret"`
}

type UserLoginRequest struct {
	Header
	Body LoginBody `json:"body"`
}

type RoomJoinBody struct {
	RoomID domain.RoomID `json:"roomId"`
}

type RoomJoinRequest struct {
	Header
	Body RoomJoinBody `json:"body"`
}

type PluginSetBody struct {
	Plugin   *domain.Plugin `json:"plugin"`
	IframeID string         `json:"iframeId"`
	RoomID   domain.RoomID  `json:"roomId"`
}

type PluginSetRequest struct {
	Header
	Body PluginSetBody `json:"body"`
}

type MessageRelayBody struct {
	ReceiverIDs []domain.PeerID `json:"receiverIds"`
	RoomID      domain.RoomID   `json:"roomId"`
	RelayData   json.RawMessage `json:"relayData"`
}

type MessageRelayRequest struct {
	Header
	Body MessageRelayBody `json:"body"`
}

type UserRegisterResponse struct {
	Header
	User   domain.User `json:"user"`
	Secret string      `json:"secret"`
}

type UserLoginResponse struct {
	Header
	User domain.User `json:"user"`
}

type RoomJoinResponse struct {
	Header
	Room  domain.Room   `json:"room"`
	Users []domain.User `json:"users"`
}

type PluginSetResponse struct {
	Header
	Plugin   *domain.Plugin `json:"plugin"`
	IframeID string         `json:"iframeId"`
}

type ErrorResponse struct {
	Header
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type UserEventData struct {
	User domain.User `json:"user"`
}

// UserEvent carries room_event__user_joined and room_event__user_left.
type UserEvent struct {
	Header
	Data UserEventData `json:"data"`
}

type PluginSetEventData struct {
	IframeID string         `json:"iframeId"`
	Plugin   *domain.Plugin `json:"plugin"`
}

type PluginSetEvent struct {
	Header
	Data PluginSetEventData `json:"data"`
}

type RelayDelivery struct {
	Header
	SenderID  domain.PeerID   `json:"senderId"`
	RelayData json.RawMessage `json:"relayData"`
}
