package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"huddle/internal/core/domain"
	"huddle/internal/protocol"
	apperrors "huddle/pkg/errors"
)

func TestSession_RegisterThenLogin(t *testing.T) {
	h := newHarness(t)
	h.transport.respond = func(frame *protocol.Frame) any {
		switch frame.Type {
		case protocol.TypeUserRegister:
			var req protocol.UserRegisterRequest
			_ = frame.Decode(&req)
			return protocol.UserRegisterResponse{
				Header: protocol.Header{Type: protocol.TypeUserRegisterResponse, AwaitID: frame.AwaitID},
				User:   domain.User{ID: "u-1", DisplayName: req.Body.DisplayName},
				Secret: "s3cret",
			}
		case protocol.TypeUserLogin:
			var req protocol.UserLoginRequest
			_ = frame.Decode(&req)
			if req.Body.Secret != "s3cret" {
				return protocol.ErrorResponse{
					Header:  protocol.Header{Type: protocol.TypeErrorResponse, AwaitID: frame.AwaitID},
					Message: "bad secret",
					Code:    http.StatusUnauthorized,
				}
			}
			return protocol.UserLoginResponse{
				Header: protocol.Header{Type: protocol.TypeUserLoginResponse, AwaitID: frame.AwaitID},
				User:   domain.User{ID: "u-1", DisplayName: "ada"},
			}
		}
		return nil
	}

	user, err := h.s.Register(h.ctx(), "  ada ")
	require.NoError(t, err)
	assert.Equal(t, "ada", user.DisplayName)

	secret, _ := h.creds.Load()
	assert.Equal(t, "s3cret", secret)

	user, err = h.s.Login(h.ctx())
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u-1"), user.ID)

	local, err := h.s.LocalUser(h.ctx())
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.Equal(t, domain.UserID("u-1"), local.ID)

	_, err = h.s.Login(h.ctx())
	assert.ErrorIs(t, err, ErrAlreadyLoggedIn)

	h.observer.mu.Lock()
	assert.Len(t, h.observer.localUsers, 1)
	h.observer.mu.Unlock()
}

func TestSession_RegisterRejectsBlankName(t *testing.T) {
	h := newHarness(t)

	_, err := h.s.Register(h.ctx(), "   ")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	assert.Empty(t, h.transport.frames(protocol.TypeUserRegister))
}

func TestSession_LoginWithoutCredential(t *testing.T) {
	h := newHarness(t)

	_, err := h.s.Login(h.ctx())
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestSession_ErrorResponseSettlesRequest(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.creds.Save("stale"))
	h.transport.respond = func(frame *protocol.Frame) any {
		return protocol.ErrorResponse{
			Header:  protocol.Header{Type: protocol.TypeErrorResponse, AwaitID: frame.AwaitID},
			Message: "unknown secret",
			Code:    http.StatusNotFound,
		}
	}

	_, err := h.s.Login(h.ctx())
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, apperrors.StatusOf(err))
	assert.Contains(t, err.Error(), "unknown secret")

	local, err := h.s.LocalUser(h.ctx())
	require.NoError(t, err)
	assert.Nil(t, local)
}

func TestSession_RequestWaitsForCaller(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.creds.Save("s"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.s.Login(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.s.table.Pending(), "abandoned request leaves the table")
	assert.Len(t, h.transport.frames(protocol.TypeUserLogin), 1)
}

func TestSession_TransportClosedFailsPending(t *testing.T) {
	transport := newFakeTransport()
	s := New(Options{Transport: transport, Logger: zaptest.NewLogger(t).Sugar()})

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	require.NoError(t, s.credentials.Save("s"))
	loginErr := make(chan error, 1)
	go func() {
		_, err := s.Login(context.Background())
		loginErr <- err
	}()

	require.Eventually(t, func() bool { return len(transport.frames(protocol.TypeUserLogin)) == 1 }, time.Second, 5*time.Millisecond)
	close(transport.incoming)

	assert.ErrorIs(t, <-errc, ErrTransportClosed)
	assert.ErrorIs(t, <-loginErr, ErrSessionClosed)
}

func TestSession_JoinRequiresIdentity(t *testing.T) {
	h := newHarness(t)

	_, err := h.s.JoinRoom(h.ctx(), "r")
	assert.ErrorIs(t, err, ErrNotIdentified)
	assert.Empty(t, h.transport.frames(protocol.TypeRoomJoin))
}

func TestSession_JoinRequiresOpenTransport(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.transport.mu.Lock()
	h.transport.open = false
	h.transport.mu.Unlock()

	_, err := h.s.JoinRoom(h.ctx(), "r")
	assert.ErrorIs(t, err, ErrTransportNotOpen)
}

func TestSession_JoinOffersToEveryMember(t *testing.T) {
	h := newHarness(t)
	h.identify("c")

	h.join("R", "a", "b", "c")

	assert.Equal(t, []domain.PeerID{"a", "b"}, h.peers())
	for _, peer := range []domain.PeerID{"a", "b"} {
		st, ok := h.state(peer)
		require.True(t, ok)
		assert.Equal(t, StateOffering, st)

		link := h.links.last(peer)
		require.NotNil(t, link)
		assert.True(t, link.dataChannel, "offering side opens the data channel")
		assert.Equal(t, 1, link.offers)

		offers := h.transport.descriptions(t, peer, webrtc.SDPTypeOffer)
		require.Len(t, offers, 1)
		assert.Equal(t, domain.PeerID("c"), offers[0].SenderSocketID)
		assert.False(t, offers[0].StreamEnabled)
	}
	assert.Zero(t, h.media.count(), "no media requested")

	room, err := h.s.Room(h.ctx())
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("R"), room.ID)
}

func TestSession_JoinSameRoomRejected(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "c")

	_, err := h.s.JoinRoom(h.ctx(), "R")
	assert.ErrorIs(t, err, domain.ErrAlreadyInRoom)
	assert.Len(t, h.transport.frames(protocol.TypeRoomJoin), 1)
}

func TestSession_JoinOtherRoomTearsDownOld(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "a", "c")
	old := h.links.last("a")

	h.join("S", "b", "c")

	assert.True(t, old.closed)
	assert.Equal(t, []domain.PeerID{"b"}, h.peers())

	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	user, seen := h.observer.remote["a"]
	assert.True(t, seen)
	assert.Nil(t, user, "users of the old room are dropped")
	assert.NotNil(t, h.observer.remote["b"])
}

func TestSession_UnknownPeerOfferCreatesOneAnsweringEntry(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "c")

	h.offerFrom("d", true)

	assert.Equal(t, []domain.PeerID{"d"}, h.peers())
	st, _ := h.state("d")
	assert.Equal(t, StateAnswering, st)
	assert.Equal(t, 1, h.links.created("d"))
	assert.False(t, h.links.last("d").dataChannel, "answerer adopts the remote channel")

	answers := h.transport.descriptions(t, "d", webrtc.SDPTypeAnswer)
	assert.Len(t, answers, 1)

	var member bool
	h.onLoop(func() { member = h.s.presence.IsMember("d") })
	assert.True(t, member, "sender is admitted to the room")
}

func TestSession_AnswerWithoutOfferIsProtocolError(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "a", "c")
	before := h.peers()

	h.answerFrom("e")

	assert.Equal(t, before, h.peers())
	assert.Equal(t, 1, h.observer.protocolErrorCount())
	assert.Zero(t, h.links.created("e"))
}

func TestSession_AnswerAfterAnswerIsProtocolError(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "a", "c")
	h.connect("a")

	h.answerFrom("a")

	assert.Equal(t, 1, h.observer.protocolErrorCount())
	st, _ := h.state("a")
	assert.Equal(t, StateConnected, st)
}

func TestSession_RelayOutsideRoomIsProtocolError(t *testing.T) {
	h := newHarness(t)
	h.identify("c")

	h.offerFrom("d", false)

	assert.Empty(t, h.peers())
	assert.Equal(t, 1, h.observer.protocolErrorCount())
}

func TestSession_CandidatesQueuedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "a", "c")

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}
	h.relayFrom("a", protocol.ICECandidates{
		Type:           protocol.RelayICECandidates,
		ICECandidates:  []webrtc.ICECandidateInit{cand},
		SenderSocketID: "a",
	})
	link := h.links.last("a")
	assert.Empty(t, link.candidates)

	h.answerFrom("a")
	require.Len(t, link.candidates, 1)
	assert.Equal(t, cand.Candidate, link.candidates[0].Candidate)
}

func TestSession_RejectedRelayDoesNotAdmitSender(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "a", "c")

	h.answerFrom("e")
	h.relayFrom("z", protocol.ICECandidates{Type: protocol.RelayICECandidates, SenderSocketID: "z"})

	assert.Equal(t, 2, h.observer.protocolErrorCount())
	assert.Equal(t, []domain.PeerID{"a"}, h.peers())

	var joined []domain.PeerID
	h.onLoop(func() { joined = append(joined, h.s.presence.Room().JoinedUsers...) })
	assert.ElementsMatch(t, []domain.PeerID{"a", "c"}, joined)
}

func TestSession_CandidatesForUnknownPeer(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "c")

	h.relayFrom("z", protocol.ICECandidates{Type: protocol.RelayICECandidates, SenderSocketID: "z"})

	assert.Empty(t, h.peers())
	assert.Equal(t, 1, h.observer.protocolErrorCount())
}

func TestSession_LocalCandidatesRelayedInBatches(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "a", "c")

	for i := 0; i < 3; i++ {
		c := webrtc.ICECandidateInit{Candidate: "candidate:" + string(rune('a'+i))}
		h.s.engine.events.LinkCandidate("a", &c)
	}
	h.onLoop(func() {})
	h.clock.Advance(450 * time.Millisecond)
	h.onLoop(func() {})

	var batches [][]webrtc.ICECandidateInit
	for _, r := range h.transport.relays(t) {
		if c, ok := r.data.(*protocol.ICECandidates); ok && r.to == "a" {
			batches = append(batches, c.ICECandidates)
		}
	}
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)
}

func TestSession_GlareResolution(t *testing.T) {
	tests := []struct {
		name       string
		self       domain.PeerID
		remote     domain.PeerID
		wantAnswer bool
		wantState  ConnState
	}{
		{name: "higher id keeps its offer", self: "c", remote: "a", wantAnswer: false, wantState: StateOffering},
		{name: "lower id rolls back and answers", self: "a", remote: "c", wantAnswer: true, wantState: StateAnswering},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.identify(tt.self)
			h.join("R", tt.self, tt.remote)

			h.offerFrom(tt.remote, false)

			link := h.links.last(tt.remote)
			assert.Equal(t, 1, h.links.created(tt.remote))
			answers := h.transport.descriptions(t, tt.remote, webrtc.SDPTypeAnswer)
			st, _ := h.state(tt.remote)
			assert.Equal(t, tt.wantState, st)
			if tt.wantAnswer {
				assert.Len(t, answers, 1)
				assert.Equal(t, webrtc.SDPTypeRollback, link.local[1].Type)
			} else {
				assert.Empty(t, answers)
				assert.Empty(t, link.remote)
			}
		})
	}
}

func TestSession_FailureRestartsIceOnce(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "a", "c")
	h.connect("a")
	link := h.links.last("a")

	h.linkState("a", LinkFailed)
	assert.Equal(t, 1, link.restarts)
	st, _ := h.state("a")
	assert.Equal(t, StateOffering, st)

	h.answerFrom("a")
	h.linkState("a", LinkFailed)
	assert.Equal(t, 1, link.restarts, "only one restart per connection")
	assert.Empty(t, h.peers())
	assert.True(t, link.closed)

	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	assert.Error(t, h.observer.failed["a"])
	states := h.observer.states["a"]
	require.NotEmpty(t, states)
	assert.Equal(t, StateClosed, states[len(states)-1])
}

func TestSession_FailedIceRestartTearsDown(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "a", "c")
	h.connect("a")
	link := h.links.last("a")
	link.setLocalErr = errors.New("restart rejected")

	h.linkState("a", LinkFailed)

	assert.Empty(t, h.peers())
	assert.True(t, link.closed)

	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	assert.Error(t, h.observer.failed["a"])
}

func TestSession_ConnectedPeersAreMembers(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "a", "b", "c")
	h.connect("a")
	h.connect("b")

	h.inject(protocol.UserEvent{
		Header: protocol.Header{Type: protocol.TypeUserLeft},
		Data:   protocol.UserEventData{User: domain.User{ID: "a"}},
	})

	assert.Equal(t, []domain.PeerID{"b"}, h.peers())
	assert.True(t, h.links.last("a").closed)

	h.onLoop(func() {
		for _, peer := range h.s.registry.InState(StateConnected) {
			assert.True(t, h.s.presence.IsMember(peer), "connected peer %s must be a member", peer)
		}
	})

	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	user, seen := h.observer.remote["a"]
	assert.True(t, seen)
	assert.Nil(t, user)
}

func TestSession_UserJoinedWaitsForOffer(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "c")

	h.inject(protocol.UserEvent{
		Header: protocol.Header{Type: protocol.TypeUserJoined},
		Data:   protocol.UserEventData{User: domain.User{ID: "n", DisplayName: "newcomer"}},
	})

	assert.Empty(t, h.peers(), "the newcomer offers, not us")
	msgs := h.surface.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, string(protocol.PluginUserJoinedEvent), msgs[0]["type"])

	var users []domain.User
	h.onLoop(func() { users = h.s.presence.Users() })
	require.Len(t, users, 1)
	assert.Equal(t, "newcomer", users[0].DisplayName)
}

func TestSession_PluginSetEventUpdatesRoom(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "c")

	h.inject(protocol.PluginSetEvent{
		Header: protocol.Header{Type: protocol.TypePluginSetEvent},
		Data: protocol.PluginSetEventData{
			IframeID: "plugin-frame",
			Plugin:   &domain.Plugin{ID: "draw", URL: "https://plugins.example/draw"},
		},
	})

	room, err := h.s.Room(h.ctx())
	require.NoError(t, err)
	require.NotNil(t, room.Plugin)
	assert.Equal(t, domain.PluginID("draw"), room.Plugin.ID)
}

func TestSession_SetPluginSkipsSameURL(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "c")

	plugin := domain.Plugin{ID: "draw", URL: "https://plugins.example/draw"}
	h.transport.respond = func(frame *protocol.Frame) any {
		return protocol.PluginSetResponse{
			Header:   protocol.Header{Type: protocol.TypePluginSetResponse, AwaitID: frame.AwaitID},
			Plugin:   &plugin,
			IframeID: "plugin-frame",
		}
	}

	require.NoError(t, h.s.SetPlugin(h.ctx(), plugin))
	require.NoError(t, h.s.SetPlugin(h.ctx(), plugin))
	assert.Len(t, h.transport.frames(protocol.TypePluginSet), 1)
}

func TestSession_SetPluginOutsideRoom(t *testing.T) {
	h := newHarness(t)
	h.identify("c")

	err := h.s.SetPlugin(h.ctx(), domain.Plugin{URL: "x"})
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
}

func TestSession_CameraToggleRenegotiatesOnce(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Microphone = true })
	h.identify("c")
	h.join("R", "a", "b", "c")
	require.Equal(t, 1, h.media.count())

	h.connect("a")
	h.connect("b")
	offersBefore := map[domain.PeerID]int{"a": h.links.last("a").offers, "b": h.links.last("b").offers}

	enabled, err := h.s.ToggleCamera(h.ctx())
	require.NoError(t, err)
	assert.True(t, enabled)

	assert.Equal(t, 2, h.media.count(), "exactly one acquisition per toggle")
	for _, peer := range []domain.PeerID{"a", "b"} {
		link := h.links.last(peer)
		assert.Equal(t, offersBefore[peer]+1, link.offers)
		require.NotEmpty(t, link.trackSets)
		assert.Len(t, link.trackSets[len(link.trackSets)-1], 2)

		offers := h.transport.descriptions(t, peer, webrtc.SDPTypeOffer)
		last := offers[len(offers)-1]
		assert.True(t, last.MicEnabled)
		assert.True(t, last.CamEnabled)
		assert.True(t, last.StreamEnabled)
	}
	assert.True(t, h.media.streams[0].stopped, "previous stream released")
}

func TestSession_MediaFailureDegrades(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Microphone = true })
	h.media.err = errors.New("no device")
	h.identify("c")

	h.join("R", "a", "c")

	offers := h.transport.descriptions(t, "a", webrtc.SDPTypeOffer)
	require.Len(t, offers, 1)
	assert.False(t, offers[0].StreamEnabled)
}

func TestSession_PluginBogusRequest(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.s.HandlePluginMessage([]byte(`{"type":"p_request__bogus","awaitId":"abc"}`)))
	h.onLoop(func() {})

	msgs := h.surface.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "p_response__error", msgs[0]["type"])
	assert.Equal(t, "abc", msgs[0]["awaitId"])
	assert.Equal(t, float64(400), msgs[0]["code"])
	assert.Equal(t, "p_request__bogus", msgs[0]["requestType"])
}

func TestSession_PluginBroadcastReachesOpenChannels(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "a", "b", "c")
	h.connect("a")

	req := `{"type":"p_request__room_broadcast","awaitId":"q1","eventType":"stroke","data":{"x":1}}`
	require.NoError(t, h.s.HandlePluginMessage([]byte(req)))
	h.onLoop(func() {})

	sent := h.links.last("a").sent
	require.Len(t, sent, 1)
	env, err := protocol.DecodePluginEnvelope(sent[0])
	require.NoError(t, err)
	assert.Equal(t, domain.PeerID("c"), env.SenderID)
	assert.Equal(t, "stroke", env.Payload.EventType)
	assert.JSONEq(t, `{"x":1}`, string(env.Payload.Data))
	assert.Empty(t, h.links.last("b").sent, "channel to b is not open")

	msgs := h.surface.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "p_response__room_broadcast", msgs[0]["type"])

	h.observer.mu.Lock()
	assert.Equal(t, []string{"stroke"}, h.observer.pluginEvents)
	h.observer.mu.Unlock()
}

func TestSession_PluginMessageUser(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "a", "b", "c")
	h.connect("a")

	require.NoError(t, h.s.HandlePluginMessage([]byte(`{"type":"p_request__message_user","awaitId":"m1","receiverId":"a","eventType":"ping","data":1}`)))
	require.NoError(t, h.s.HandlePluginMessage([]byte(`{"type":"p_request__message_user","awaitId":"m2","receiverId":"b","eventType":"ping","data":1}`)))
	require.NoError(t, h.s.HandlePluginMessage([]byte(`{"type":"p_request__message_user","awaitId":"m3","eventType":"ping"}`)))
	h.onLoop(func() {})

	msgs := h.surface.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "p_response__message_users", msgs[0]["type"])
	assert.Equal(t, "p_response__error", msgs[1]["type"])
	assert.Equal(t, float64(http.StatusNotFound), msgs[1]["code"])
	assert.Equal(t, float64(http.StatusBadRequest), msgs[2]["code"])
	assert.Len(t, h.links.last("a").sent, 1)
}

func TestSession_PluginQueries(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.s.HandlePluginMessage([]byte(`{"type":"p_request__local_user","awaitId":"q1"}`)))
	h.onLoop(func() {})

	h.identify("c")
	h.join("R", "a", "c")
	require.NoError(t, h.s.HandlePluginMessage([]byte(`{"type":"p_request__local_user","awaitId":"q2"}`)))
	require.NoError(t, h.s.HandlePluginMessage([]byte(`{"type":"p_request__current_room","awaitId":"q3"}`)))
	require.NoError(t, h.s.HandlePluginMessage([]byte(`{"type":"p_request__connected_users","awaitId":"q4"}`)))
	h.onLoop(func() {})

	msgs := h.surface.messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, float64(http.StatusConflict), msgs[0]["code"])

	assert.Equal(t, "p_response__local_user", msgs[1]["type"])
	local := msgs[1]["localUser"].(map[string]any)
	assert.Equal(t, "c", local["id"])

	assert.Equal(t, "p_response__current_room", msgs[2]["type"])
	room := msgs[2]["currentRoom"].(map[string]any)
	assert.Equal(t, "R", room["id"])

	users := msgs[3]["connectedUsers"].([]any)
	require.Len(t, users, 1)
	assert.Equal(t, "a", users[0].(map[string]any)["id"])
}

func TestSession_ConnectedUsersNeedConnection(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "a", "c")

	h.inject(protocol.UserEvent{
		Header: protocol.Header{Type: protocol.TypeUserJoined},
		Data:   protocol.UserEventData{User: domain.User{ID: "n", DisplayName: "newcomer"}},
	})
	require.NoError(t, h.s.HandlePluginMessage([]byte(`{"type":"p_request__connected_users","awaitId":"q1"}`)))
	h.onLoop(func() {})

	msgs := h.surface.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "p_response__connected_users", msgs[1]["type"])
	users := msgs[1]["connectedUsers"].([]any)
	require.Len(t, users, 1, "a member without a connection is not connected")
	assert.Equal(t, "a", users[0].(map[string]any)["id"])
}

func TestSession_PluginToggleMicrophone(t *testing.T) {
	h := newHarness(t)
	h.identify("c")

	require.NoError(t, h.s.HandlePluginMessage([]byte(`{"type":"p_request__set_microphone_enabled","awaitId":"t1","enabled":true}`)))

	require.Eventually(t, func() bool { return len(h.surface.messages()) == 1 }, time.Second, 5*time.Millisecond)
	msgs := h.surface.messages()
	assert.Equal(t, "p_response__set_microphone_enabled", msgs[0]["type"])
	assert.Equal(t, "t1", msgs[0]["awaitId"])
	assert.Equal(t, 1, h.media.count())

	local, err := h.s.LocalUser(h.ctx())
	require.NoError(t, err)
	assert.True(t, local.MicEnabled)
	assert.Equal(t, "stream-1", local.StreamID)
}

func TestSession_PeerDataForwardedToSurface(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "a", "c")

	env, err := json.Marshal(protocol.NewPluginEnvelope("x", "a", "stroke", json.RawMessage(`{"y":2}`)))
	require.NoError(t, err)
	h.s.engine.events.LinkData("a", env)
	h.s.engine.events.LinkData("a", []byte(`{"type":"garbage"}`))
	h.onLoop(func() {})

	msgs := h.surface.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "plugin-data", msgs[0]["type"])
	assert.Equal(t, "a", msgs[0]["senderId"])
}

func TestSession_CloseTearsDownConnections(t *testing.T) {
	h := newHarness(t)
	h.identify("c")
	h.join("R", "a", "c")
	link := h.links.last("a")

	require.NoError(t, h.s.Close())
	select {
	case <-h.s.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
	assert.True(t, link.closed)
	assert.ErrorIs(t, h.s.HandlePluginMessage([]byte(`{}`)), ErrSessionClosed)
}
