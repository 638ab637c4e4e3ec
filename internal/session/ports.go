package session

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v3"

	"huddle/internal/core/domain"
)

var (
	ErrTransportNotOpen   = errors.New("transport not open")
	ErrTransportClosed    = errors.New("transport closed")
	ErrNotIdentified      = errors.New("session has no identity, login first")
	ErrAlreadyLoggedIn    = errors.New("already logged in")
	ErrNoCredential       = errors.New("no stored credential, register first")
	ErrSessionClosed      = errors.New("session closed")
	ErrChannelNotOpen     = errors.New("data channel not open")
	ErrSurfaceUnavailable = errors.New("extension surface not mounted")
)

// Transport is the single relayed channel to the signaling server.
type Transport interface {
	// Send encodes v as one JSON text frame.
	Send(v any) error
	// Incoming yields raw frames and is closed when the channel goes down.
	Incoming() <-chan []byte
	IsOpen() bool
}

// LinkState is the transport-level state a Link reports.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LinkEvents receives callbacks from a Link. Implementations must not
// block; the Session posts them onto its loop.
type LinkEvents interface {
	// LinkCandidate delivers a gathered local candidate; nil marks the end.
	LinkCandidate(peer domain.PeerID, c *webrtc.ICECandidateInit)
	LinkStateChanged(peer domain.PeerID, state LinkState)
	LinkTrack(peer domain.PeerID, streamID string)
	LinkChannelOpen(peer domain.PeerID)
	LinkData(peer domain.PeerID, data []byte)
}

// Link is one peer connection as the negotiation engine sees it.
type Link interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	// ReplaceTracks removes every sender and adds tracks in order.
	ReplaceTracks(tracks []webrtc.TrackLocal) error
	SendData(data []byte) error
	Close() error
}

type LinkFactory interface {
	// NewLink opens a connection to peer. withDataChannel is true for the
	// offering side, which creates the channel the answerer adopts.
	NewLink(peer domain.PeerID, withDataChannel bool, events LinkEvents) (Link, error)
}

// LocalStream is the captured outbound media set.
type LocalStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	Stop()
}

type MediaSource interface {
	Acquire(ctx context.Context, audio, video bool) (LocalStream, error)
}

// PluginSurface is the mounted extension. Post returns
// ErrSurfaceUnavailable when nothing is mounted.
type PluginSurface interface {
	Post(msg any) error
}

// CredentialStore persists the secret issued at registration.
type CredentialStore interface {
	Load() (string, error)
	Save(secret string) error
}

// Timer is the cancel handle of a scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks; tests inject a manual one.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
func (realClock) Now() time.Time                            { return time.Now() }

// RealClock is backed by the time package.
var RealClock Clock = realClock{}

// Metrics counts negotiation activity. NopMetrics discards everything.
type Metrics interface {
	OfferSent(restart bool)
	AnswerSent()
	CandidateBatchSent(size int)
	ConnectionStateChanged(state string)
	PluginMessage(kind string)
}

type NopMetrics struct{}

func (NopMetrics) OfferSent(bool)                {}
func (NopMetrics) AnswerSent()                   {}
func (NopMetrics) CandidateBatchSent(int)        {}
func (NopMetrics) ConnectionStateChanged(string) {}
func (NopMetrics) PluginMessage(string)          {}
