package session

import (
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"huddle/internal/core/domain"
	"huddle/internal/protocol"
	apperrors "huddle/pkg/errors"
)

// localMedia is what every outgoing session description advertises.
type localMedia struct {
	self   domain.PeerID
	mic    bool
	camera bool
	stream LocalStream
}

func (m localMedia) tracks() []webrtc.TrackLocal {
	if m.stream == nil {
		return nil
	}
	return m.stream.Tracks()
}

// NegotiationEngine drives offer/answer and candidate exchange for the
// connections held by a ConnectionRegistry. It runs on the session loop.
type NegotiationEngine struct {
	registry *ConnectionRegistry
	links    LinkFactory
	events   LinkEvents
	relay    func(to domain.PeerID, data any) error
	media    func() localMedia
	policy   BatchPolicy
	clock    Clock
	post     func(func())
	observer Observer
	metrics  Metrics
	logger   *zap.SugaredLogger
}

// Connect takes the initiative toward peer: create the connection with a
// data channel and send an offer. Existing connections are left alone.
func (e *NegotiationEngine) Connect(peer domain.PeerID) error {
	if _, ok := e.registry.get(peer); ok {
		e.logger.Debugw("connection already exists", "peer_id", peer)
		return nil
	}
	pc, err := e.ensure(peer, true)
	if err != nil {
		return err
	}
	return e.offer(pc, false)
}

// ensure returns the connection to peer, creating it when missing. This is
// the only place records enter the registry.
func (e *NegotiationEngine) ensure(peer domain.PeerID, initiator bool) (*peerConn, error) {
	if pc, ok := e.registry.get(peer); ok {
		return pc, nil
	}

	link, err := e.links.NewLink(peer, initiator, e.events)
	if err != nil {
		return nil, apperrors.NewNegotiationError(err, "failed to create peer connection").
			WithContext("peer_id", peer)
	}

	pc := &peerConn{
		peer:      peer,
		state:     StateUnconnected,
		link:      link,
		initiator: initiator,
		createdAt: e.clock.Now(),
	}
	pc.batcher = NewIceBatcher(e.policy, e.clock, e.post, func(batch []webrtc.ICECandidateInit) {
		e.sendCandidates(peer, batch)
	})
	e.registry.add(pc)

	if tracks := e.media().tracks(); len(tracks) > 0 {
		if err := link.ReplaceTracks(tracks); err != nil {
			e.logger.Warnw("failed to attach local tracks", "peer_id", peer, "error", err)
		}
	}
	pc.batcher.Start()

	e.logger.Infow("peer connection created", "peer_id", peer, "initiator", initiator)
	e.observer.OnConnection(peer, true)
	return pc, nil
}

func (e *NegotiationEngine) offer(pc *peerConn, iceRestart bool) error {
	desc, err := pc.link.CreateOffer(iceRestart)
	if err != nil {
		return apperrors.NewNegotiationError(err, "failed to create offer").WithContext("peer_id", pc.peer)
	}
	if err := pc.link.SetLocalDescription(desc); err != nil {
		return apperrors.NewNegotiationError(err, "failed to set local offer").WithContext("peer_id", pc.peer)
	}

	pc.hasLocal = true
	pc.offerPending = true
	pc.batcher.Rearm()
	e.setState(pc, StateOffering)
	e.metrics.OfferSent(iceRestart)

	return e.sendDescription(pc.peer, desc)
}

// HandleDescription applies a relayed offer or answer from sender.
func (e *NegotiationEngine) HandleDescription(sender domain.PeerID, msg *protocol.SessionDescription) error {
	switch msg.Description.Type {
	case webrtc.SDPTypeOffer:
		return e.answer(sender, msg.Description)
	case webrtc.SDPTypeAnswer:
		return e.acceptAnswer(sender, msg.Description)
	default:
		return apperrors.NewProtocolError("unsupported session description type").
			WithContext("peer_id", sender).
			WithContext("sdp_type", msg.Description.Type.String())
	}
}

func (e *NegotiationEngine) answer(sender domain.PeerID, offer webrtc.SessionDescription) error {
	pc, err := e.ensure(sender, false)
	if err != nil {
		return err
	}

	if pc.offerPending {
		// Both sides offered. The peer with the lower id yields.
		self := e.media().self
		if self > sender {
			e.logger.Infow("ignoring colliding offer", "peer_id", sender)
			return nil
		}
		if err := pc.link.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return apperrors.NewNegotiationError(err, "failed to roll back local offer").WithContext("peer_id", sender)
		}
		pc.offerPending = false
	}

	if err := pc.link.SetRemoteDescription(offer); err != nil {
		return apperrors.NewNegotiationError(err, "failed to apply remote offer").WithContext("peer_id", sender)
	}
	pc.hasRemote = true
	e.drainQueued(pc)
	e.setState(pc, StateAnswering)

	desc, err := pc.link.CreateAnswer()
	if err != nil {
		return apperrors.NewNegotiationError(err, "failed to create answer").WithContext("peer_id", sender)
	}
	if err := pc.link.SetLocalDescription(desc); err != nil {
		return apperrors.NewNegotiationError(err, "failed to set local answer").WithContext("peer_id", sender)
	}
	pc.hasLocal = true
	pc.batcher.Rearm()
	e.metrics.AnswerSent()

	if err := e.sendDescription(sender, desc); err != nil {
		return err
	}
	e.maybeConnected(pc)
	return nil
}

func (e *NegotiationEngine) acceptAnswer(sender domain.PeerID, answer webrtc.SessionDescription) error {
	pc, ok := e.registry.get(sender)
	if !ok || !pc.offerPending {
		return apperrors.NewProtocolError("answer without a pending offer").WithContext("peer_id", sender)
	}

	if err := pc.link.SetRemoteDescription(answer); err != nil {
		return apperrors.NewNegotiationError(err, "failed to apply remote answer").WithContext("peer_id", sender)
	}
	pc.hasRemote = true
	pc.offerPending = false
	e.drainQueued(pc)
	e.maybeConnected(pc)
	return nil
}

// HandleCandidates applies remote candidates, queueing them while the
// remote description is still missing.
func (e *NegotiationEngine) HandleCandidates(sender domain.PeerID, candidates []webrtc.ICECandidateInit) error {
	pc, ok := e.registry.get(sender)
	if !ok {
		return apperrors.NewProtocolError("candidates for unknown peer").WithContext("peer_id", sender)
	}
	if !pc.hasRemote {
		pc.queued = append(pc.queued, candidates...)
		return nil
	}
	for _, c := range candidates {
		if err := pc.link.AddICECandidate(c); err != nil {
			e.logger.Warnw("failed to add remote candidate", "peer_id", sender, "error", err)
		}
	}
	return nil
}

func (e *NegotiationEngine) drainQueued(pc *peerConn) {
	queued := pc.queued
	pc.queued = nil
	for _, c := range queued {
		if err := pc.link.AddICECandidate(c); err != nil {
			e.logger.Warnw("failed to add queued candidate", "peer_id", pc.peer, "error", err)
		}
	}
}

// LocalCandidate feeds a gathered candidate to the peer's batcher; nil ends
// gathering.
func (e *NegotiationEngine) LocalCandidate(peer domain.PeerID, c *webrtc.ICECandidateInit) {
	pc, ok := e.registry.get(peer)
	if !ok {
		return
	}
	if c == nil {
		pc.batcher.End()
		return
	}
	pc.batcher.Add(*c)
}

func (e *NegotiationEngine) sendCandidates(peer domain.PeerID, batch []webrtc.ICECandidateInit) {
	msg := protocol.ICECandidates{
		Type:           protocol.RelayICECandidates,
		ICECandidates:  batch,
		SenderSocketID: e.media().self,
	}
	if err := e.relay(peer, msg); err != nil {
		e.logger.Warnw("failed to relay candidates", "peer_id", peer, "count", len(batch), "error", err)
		return
	}
	e.metrics.CandidateBatchSent(len(batch))
}

func (e *NegotiationEngine) sendDescription(peer domain.PeerID, desc webrtc.SessionDescription) error {
	m := e.media()
	msg := protocol.SessionDescription{
		Type:           protocol.RelaySessionDescription,
		Description:    desc,
		SenderSocketID: m.self,
		MicEnabled:     m.mic,
		CamEnabled:     m.camera,
		StreamEnabled:  m.stream != nil,
	}
	if err := e.relay(peer, msg); err != nil {
		return apperrors.NewTransportError(err, "failed to relay session description").WithContext("peer_id", peer)
	}
	return nil
}

// HandleLinkState reacts to transport-level state reported by a link.
func (e *NegotiationEngine) HandleLinkState(peer domain.PeerID, state LinkState) {
	pc, ok := e.registry.get(peer)
	if !ok {
		return
	}

	switch state {
	case LinkConnected:
		pc.linkUp = true
		e.maybeConnected(pc)
	case LinkDisconnected, LinkClosed:
		pc.linkUp = false
	case LinkFailed:
		pc.linkUp = false
		e.fail(pc)
	case LinkNew, LinkConnecting:
	}
}

// fail allows exactly one ICE restart per connection. A connection that
// fails again, or whose restart offer cannot be sent, is torn down.
func (e *NegotiationEngine) fail(pc *peerConn) {
	e.setState(pc, StateFailed)

	if pc.restarted {
		err := apperrors.NewNegotiationError(nil, "connection failed after ice restart").WithContext("peer_id", pc.peer)
		e.logger.Errorw("peer connection failed", "peer_id", pc.peer)
		e.observer.OnConnectionFailed(pc.peer, err)
		e.Teardown(pc.peer)
		return
	}

	pc.restarted = true
	e.logger.Warnw("peer connection failed, restarting ice", "peer_id", pc.peer)
	if err := e.offer(pc, true); err != nil {
		e.logger.Errorw("ice restart failed", "peer_id", pc.peer, "error", err)
		e.observer.OnConnectionFailed(pc.peer, err)
		e.Teardown(pc.peer)
	}
}

func (e *NegotiationEngine) maybeConnected(pc *peerConn) {
	if pc.linkUp && pc.hasLocal && pc.hasRemote && !pc.offerPending {
		e.setState(pc, StateConnected)
	}
}

func (e *NegotiationEngine) setState(pc *peerConn, state ConnState) {
	if pc.state == state {
		return
	}
	e.logger.Debugw("connection state", "peer_id", pc.peer, "from", pc.state, "to", state)
	pc.state = state
	e.metrics.ConnectionStateChanged(state.String())
	e.observer.OnConnectionState(pc.peer, state)
}

// Renegotiate swaps the outbound tracks on every connected peer and sends
// each a fresh offer.
func (e *NegotiationEngine) Renegotiate() {
	tracks := e.media().tracks()
	for _, peer := range e.registry.InState(StateConnected) {
		pc, _ := e.registry.get(peer)
		if err := pc.link.ReplaceTracks(tracks); err != nil {
			e.logger.Warnw("failed to replace tracks", "peer_id", peer, "error", err)
		}
		if err := e.offer(pc, false); err != nil {
			e.logger.Warnw("renegotiation offer failed", "peer_id", peer, "error", err)
		}
	}
}

// Teardown closes and forgets the connection to peer.
func (e *NegotiationEngine) Teardown(peer domain.PeerID) bool {
	pc, ok := e.registry.remove(peer)
	if !ok {
		return false
	}
	pc.batcher.Stop()
	pc.state = StateClosed
	if err := pc.link.Close(); err != nil {
		e.logger.Warnw("failed to close peer connection", "peer_id", peer, "error", err)
	}
	e.logger.Infow("peer connection removed", "peer_id", peer)
	e.observer.OnConnectionState(peer, StateClosed)
	e.observer.OnConnection(peer, false)
	return true
}

func (e *NegotiationEngine) TeardownAll() {
	for _, peer := range e.registry.Peers() {
		e.Teardown(peer)
	}
}

func (e *NegotiationEngine) ChannelOpen(peer domain.PeerID) {
	if pc, ok := e.registry.get(peer); ok {
		pc.channelOpen = true
	}
}

// RemoteTrack records the stream id of the peer's inbound media.
func (e *NegotiationEngine) RemoteTrack(peer domain.PeerID, streamID string) bool {
	pc, ok := e.registry.get(peer)
	if !ok {
		return false
	}
	pc.remoteStream = streamID
	return true
}

// SendData writes on the peer's data channel.
func (e *NegotiationEngine) SendData(peer domain.PeerID, data []byte) error {
	pc, ok := e.registry.get(peer)
	if !ok {
		return apperrors.NewNotFoundError("peer connection").WithContext("peer_id", peer)
	}
	if !pc.channelOpen {
		return ErrChannelNotOpen
	}
	return pc.link.SendData(data)
}
