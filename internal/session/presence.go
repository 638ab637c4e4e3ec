package session

import (
	"go.uber.org/zap"

	"huddle/internal/core/domain"
	"huddle/internal/protocol"
	apperrors "huddle/pkg/errors"
)

// RoomPresenceTracker keeps room membership and remote user records in step
// with the connection registry. It runs on the session loop.
type RoomPresenceTracker struct {
	room  *domain.Room
	users map[domain.PeerID]*domain.User
	// members whose first connection attempt failed; retried once
	owed map[domain.PeerID]bool

	self     func() domain.PeerID
	engine   *NegotiationEngine
	registry *ConnectionRegistry
	forward  func(msg any)
	observer Observer
	logger   *zap.SugaredLogger
}

func (t *RoomPresenceTracker) Room() *domain.Room {
	return t.room
}

func (t *RoomPresenceTracker) InRoom() bool {
	return t.room != nil
}

func (t *RoomPresenceTracker) IsMember(peer domain.PeerID) bool {
	return t.room != nil && t.room.HasMember(peer)
}

// Members returns the joined peers except the local one, in join order.
func (t *RoomPresenceTracker) Members() []domain.PeerID {
	if t.room == nil {
		return nil
	}
	self := t.self()
	peers := make([]domain.PeerID, 0, len(t.room.JoinedUsers))
	for _, id := range t.room.JoinedUsers {
		if id != self {
			peers = append(peers, id)
		}
	}
	return peers
}

func (t *RoomPresenceTracker) User(peer domain.PeerID) (domain.User, bool) {
	u, ok := t.users[peer]
	if !ok {
		return domain.User{}, false
	}
	return *u, true
}

// Users returns the known remote users in join order.
func (t *RoomPresenceTracker) Users() []domain.User {
	users := make([]domain.User, 0, len(t.users))
	for _, peer := range t.Members() {
		if u, ok := t.users[peer]; ok {
			users = append(users, *u)
		}
	}
	return users
}

// ConnectedUsers returns the known remote users that have a connection.
func (t *RoomPresenceTracker) ConnectedUsers() []domain.User {
	users := make([]domain.User, 0, t.registry.Len())
	for _, peer := range t.Members() {
		if _, ok := t.registry.get(peer); !ok {
			continue
		}
		if u, ok := t.users[peer]; ok {
			users = append(users, *u)
		}
	}
	return users
}

// ApplyJoin replaces the current room with the one from a join response and
// returns the members the local peer has to offer to.
func (t *RoomPresenceTracker) ApplyJoin(room domain.Room, users []domain.User) []domain.PeerID {
	if t.room != nil {
		t.logger.Infow("leaving previous room", "room_id", t.room.ID)
		t.engine.TeardownAll()
		for peer := range t.users {
			t.observer.OnRemoteUser(peer, nil)
		}
	}

	t.room = room.Clone()
	t.users = make(map[domain.PeerID]*domain.User)
	t.owed = make(map[domain.PeerID]bool)

	self := t.self()
	for _, u := range users {
		peer := u.PeerID()
		if peer == self {
			continue
		}
		user := u
		t.users[peer] = &user
		t.room.AddMember(peer)
	}

	members := t.Members()
	for _, peer := range members {
		if u, ok := t.users[peer]; ok {
			t.observer.OnRemoteUser(peer, cloneUser(u))
		}
	}
	t.logger.Infow("joined room", "room_id", t.room.ID, "members", len(members))
	return members
}

// ConnectMembers offers to every member without a connection.
func (t *RoomPresenceTracker) ConnectMembers() {
	for _, peer := range t.Members() {
		if _, ok := t.registry.get(peer); ok {
			continue
		}
		if err := t.engine.Connect(peer); err != nil {
			t.logger.Warnw("connection attempt failed", "peer_id", peer, "error", err)
			t.owed[peer] = true
		}
	}
}

// UserJoined records a newcomer. The newcomer offers; we only wait.
func (t *RoomPresenceTracker) UserJoined(user domain.User) error {
	if t.room == nil {
		return apperrors.NewProtocolError("user joined while not in a room")
	}
	peer := user.PeerID()
	if peer == t.self() {
		return nil
	}

	t.room.AddMember(peer)
	u := user
	if snap, ok := t.registry.Snapshot(peer); ok && snap.RemoteStream != "" {
		u.StreamID = snap.RemoteStream
	}
	t.users[peer] = &u

	t.logger.Infow("user joined", "room_id", t.room.ID, "peer_id", peer, "display_name", u.DisplayName)
	t.observer.OnRemoteUser(peer, cloneUser(&u))
	t.forward(protocol.PluginRoomEvent{
		Type: protocol.PluginUserJoinedEvent,
		Data: protocol.UserEventData{User: u},
	})
	return nil
}

// UserLeft drops the member and tears down its connection.
func (t *RoomPresenceTracker) UserLeft(user domain.User) error {
	if t.room == nil {
		return apperrors.NewProtocolError("user left while not in a room")
	}
	peer := user.PeerID()

	t.forward(protocol.PluginRoomEvent{
		Type: protocol.PluginUserLeftEvent,
		Data: protocol.UserEventData{User: user},
	})
	t.room.RemoveMember(peer)
	t.forget(peer)

	t.logger.Infow("user left", "room_id", t.room.ID, "peer_id", peer)
	return nil
}

func (t *RoomPresenceTracker) forget(peer domain.PeerID) {
	delete(t.owed, peer)
	t.engine.Teardown(peer)
	if _, ok := t.users[peer]; ok {
		delete(t.users, peer)
		t.observer.OnRemoteUser(peer, nil)
	}
}

// Admit makes a relay sender a member. The relay only delivers within a
// room, so the sender belongs to ours even if its join event is still in flight.
func (t *RoomPresenceTracker) Admit(peer domain.PeerID) bool {
	if t.room == nil {
		return false
	}
	if t.room.AddMember(peer) {
		t.logger.Debugw("member admitted from relay", "peer_id", peer)
	}
	return true
}

func (t *RoomPresenceTracker) PluginSet(plugin *domain.Plugin, iframeID string) {
	if t.room == nil {
		return
	}
	t.room.Plugin = plugin
	t.room.IframeID = iframeID
	t.observer.OnPluginSet(plugin, iframeID)
}

// UpdateRemoteMedia applies the media flags a peer advertised with its
// session description.
func (t *RoomPresenceTracker) UpdateRemoteMedia(peer domain.PeerID, mic, camera, streamEnabled bool) {
	u, ok := t.users[peer]
	if !ok {
		return
	}
	changed := u.MicEnabled != mic || u.CameraEnabled != camera
	u.MicEnabled = mic
	u.CameraEnabled = camera
	if !streamEnabled && u.StreamID != "" {
		u.StreamID = ""
		changed = true
	}
	if changed {
		t.observer.OnRemoteUser(peer, cloneUser(u))
	}
}

// RemoteTrack attaches an inbound stream to the peer's user record.
func (t *RoomPresenceTracker) RemoteTrack(peer domain.PeerID, streamID string) {
	if !t.engine.RemoteTrack(peer, streamID) {
		return
	}
	u, ok := t.users[peer]
	if !ok || u.StreamID == streamID {
		return
	}
	u.StreamID = streamID
	t.observer.OnRemoteUser(peer, cloneUser(u))
}

// Reconcile tears down connections to non-members and retries members still
// owed an attempt. It runs after every loop event.
func (t *RoomPresenceTracker) Reconcile() {
	if t.room == nil {
		if t.registry.Len() > 0 {
			t.logger.Warnw("connections without a room, tearing down", "count", t.registry.Len())
			t.engine.TeardownAll()
		}
		return
	}

	for _, peer := range t.registry.Peers() {
		if !t.room.HasMember(peer) {
			t.logger.Warnw("connection without membership, tearing down", "peer_id", peer)
			t.forget(peer)
		}
	}

	for peer := range t.owed {
		if _, ok := t.registry.get(peer); ok {
			delete(t.owed, peer)
			continue
		}
		if !t.room.HasMember(peer) {
			delete(t.owed, peer)
			continue
		}
		// one retry, then it is up to the remote side
		delete(t.owed, peer)
		if err := t.engine.Connect(peer); err != nil {
			t.logger.Warnw("connection retry failed", "peer_id", peer, "error", err)
			t.observer.OnConnectionFailed(peer, err)
		}
	}
}

// Leave forgets the room and every connection.
func (t *RoomPresenceTracker) Leave() {
	t.engine.TeardownAll()
	for peer := range t.users {
		t.observer.OnRemoteUser(peer, nil)
	}
	t.room = nil
	t.users = nil
	t.owed = nil
}

func cloneUser(u *domain.User) *domain.User {
	c := *u
	return &c
}
