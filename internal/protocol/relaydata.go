package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"

	"huddle/internal/core/domain"
)

// RelayDataType discriminates the payload peers relay to each other.
type RelayDataType string

const (
	RelayICECandidates      RelayDataType = "ice_candidates"
	RelaySessionDescription RelayDataType = "session_description"
)

type ICECandidates struct {
	Type           RelayDataType             `json:"type"`
	ICECandidates  []webrtc.ICECandidateInit `json:"iceCandidates"`
	SenderSocketID domain.PeerID             `json:"senderSocketId"`
}

type SessionDescription struct {
	Type           RelayDataType             `json:"type"`
	Description    webrtc.SessionDescription `json:"description"`
	SenderSocketID domain.PeerID             `json:"senderSocketId"`
	MicEnabled     bool                      `json:"micEnabled"`
	CamEnabled     bool                      `json:"camEnabled"`
	StreamEnabled  bool                      `json:"streamEnabled"`
}

// DecodeRelayData returns *ICECandidates or *SessionDescription.
func DecodeRelayData(raw json.RawMessage) (any, error) {
	var head struct {
		Type RelayDataType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode relay data: %w", err)
	}

	switch head.Type {
	case RelayICECandidates:
		var m ICECandidates
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return &m, nil
	case RelaySessionDescription:
		var m SessionDescription
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown relay data type %q", head.Type)
	}
}
