package domain

import "time"

type RoomID string

type PluginID string

type Plugin struct {
	ID          PluginID `json:"id"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
}

type Room struct {
	ID          RoomID    `json:"id"`
	AdminID     UserID    `json:"adminId,omitempty"`
	JoinedUsers []PeerID  `json:"joinedUsers"`
	Plugin      *Plugin   `json:"plugin"`
	IframeID    string    `json:"iframeId,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// HasMember reports whether peer is listed in the room's joined users.
func (r *Room) HasMember(peer PeerID) bool {
	for _, id := range r.JoinedUsers {
		if id == peer {
			return true
		}
	}
	return false
}

// AddMember appends peer unless already present. Order of arrival is kept.
func (r *Room) AddMember(peer PeerID) bool {
	if r.HasMember(peer) {
		return false
	}
	r.JoinedUsers = append(r.JoinedUsers, peer)
	return true
}

func (r *Room) RemoveMember(peer PeerID) bool {
	for i, id := range r.JoinedUsers {
		if id == peer {
			r.JoinedUsers = append(r.JoinedUsers[:i:i], r.JoinedUsers[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of the owning goroutine.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.JoinedUsers = append([]PeerID(nil), r.JoinedUsers...)
	if r.Plugin != nil {
		p := *r.Plugin
		c.Plugin = &p
	}
	return &c
}
