package session

import (
	"sort"
	"time"

	"github.com/pion/webrtc/v3"

	"huddle/internal/core/domain"
)

// ConnState is the negotiation state of one peer connection.
type ConnState int

const (
	StateUnconnected ConnState = iota
	StateOffering
	StateAnswering
	StateConnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Negotiating reports whether an offer/answer exchange is in flight.
func (s ConnState) Negotiating() bool {
	return s == StateOffering || s == StateAnswering
}

// peerConn is the per-peer record. Only the registry holds pointers to it;
// everything else goes through the peer id.
type peerConn struct {
	peer    domain.PeerID
	state   ConnState
	link    Link
	batcher *IceBatcher

	initiator    bool
	hasLocal     bool
	hasRemote    bool
	offerPending bool
	restarted    bool
	linkUp       bool
	channelOpen  bool
	remoteStream string

	// remote candidates received before the remote description
	queued []webrtc.ICECandidateInit

	createdAt time.Time
}

// PeerSnapshot is a read-only view of one registry entry.
type PeerSnapshot struct {
	Peer         domain.PeerID
	State        ConnState
	Initiator    bool
	ChannelOpen  bool
	RemoteStream string
	Restarted    bool
}

// ConnectionRegistry owns every peer connection record of the session.
type ConnectionRegistry struct {
	conns map[domain.PeerID]*peerConn
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[domain.PeerID]*peerConn)}
}

func (r *ConnectionRegistry) get(peer domain.PeerID) (*peerConn, bool) {
	pc, ok := r.conns[peer]
	return pc, ok
}

func (r *ConnectionRegistry) add(pc *peerConn) {
	r.conns[pc.peer] = pc
}

func (r *ConnectionRegistry) remove(peer domain.PeerID) (*peerConn, bool) {
	pc, ok := r.conns[peer]
	if ok {
		delete(r.conns, peer)
	}
	return pc, ok
}

// Peers returns the known peer ids in stable order.
func (r *ConnectionRegistry) Peers() []domain.PeerID {
	peers := make([]domain.PeerID, 0, len(r.conns))
	for id := range r.conns {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (r *ConnectionRegistry) Len() int {
	return len(r.conns)
}

func (r *ConnectionRegistry) State(peer domain.PeerID) (ConnState, bool) {
	pc, ok := r.conns[peer]
	if !ok {
		return StateUnconnected, false
	}
	return pc.state, true
}

// InState returns the peers currently in state, sorted.
func (r *ConnectionRegistry) InState(state ConnState) []domain.PeerID {
	var peers []domain.PeerID
	for _, id := range r.Peers() {
		if r.conns[id].state == state {
			peers = append(peers, id)
		}
	}
	return peers
}

// OpenChannels returns the peers whose data channel is open, sorted.
func (r *ConnectionRegistry) OpenChannels() []domain.PeerID {
	var peers []domain.PeerID
	for _, id := range r.Peers() {
		if r.conns[id].channelOpen {
			peers = append(peers, id)
		}
	}
	return peers
}

func (r *ConnectionRegistry) Snapshot(peer domain.PeerID) (PeerSnapshot, bool) {
	pc, ok := r.conns[peer]
	if !ok {
		return PeerSnapshot{}, false
	}
	return PeerSnapshot{
		Peer:         pc.peer,
		State:        pc.state,
		Initiator:    pc.initiator,
		ChannelOpen:  pc.channelOpen,
		RemoteStream: pc.remoteStream,
		Restarted:    pc.restarted,
	}, true
}
