package domain

// PeerID is the relay-level identity of a connected session. After login it
// equals the user's id.
type PeerID string

type UserID string

type User struct {
	ID            UserID `json:"id"`
	DisplayName   string `json:"displayName"`
	StreamID      string `json:"streamId,omitempty"`
	MicEnabled    bool   `json:"micEnabled"`
	CameraEnabled bool   `json:"camEnabled"`
}

// PeerID returns the identity the relay addresses this user by.
func (u User) PeerID() PeerID {
	return PeerID(u.ID)
}

// HasStream reports whether a live media stream is attached.
func (u User) HasStream() bool {
	return u.StreamID != ""
}
