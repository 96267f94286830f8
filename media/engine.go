// Package media defines the boundary between the call core and the local
// media engine. The core treats SDP as opaque text it only relays; everything
// codec- and transport-related lives behind the Engine interface so the
// orchestrator can be tested without a real peer connection.
package media

import "errors"

// DescriptionKind distinguishes the two SDP roles in a negotiation.
type DescriptionKind uint8

const (
	// KindOffer marks an SDP offer.
	KindOffer DescriptionKind = iota
	// KindAnswer marks an SDP answer.
	KindAnswer
)

// String returns a human-readable name for the description kind.
func (k DescriptionKind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// ConnectionState represents the media-level connection state as reported
// by the engine. Values are engine-agnostic; implementations map their
// native states onto these.
type ConnectionState uint8

const (
	// ConnectionNew indicates negotiation has not completed yet.
	ConnectionNew ConnectionState = iota
	// ConnectionConnected indicates media is flowing.
	ConnectionConnected
	// ConnectionDisconnected indicates a (possibly transient) loss of the path.
	ConnectionDisconnected
	// ConnectionFailed indicates the connection attempt failed permanently.
	ConnectionFailed
	// ConnectionClosed indicates the engine was closed.
	ConnectionClosed
)

// String returns a human-readable name for the connection state.
func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IceCandidate is a potential network path proposed by the media engine.
// The three fields travel together in signaling messages as parallel arrays.
type IceCandidate struct {
	Sdp           string
	SdpMLineIndex int
	SdpMid        string
}

// Observer receives engine callbacks. Implementations must not call back
// into the engine from within a callback; re-enter through the dispatcher.
type Observer interface {
	// OnIceCandidate is invoked for each locally gathered candidate.
	OnIceCandidate(candidate IceCandidate)

	// OnConnectionStateChange is invoked when the media connection state moves.
	OnConnectionStateChange(state ConnectionState)

	// OnRemoteStreamAdded is invoked when the first remote media track arrives.
	OnRemoteStreamAdded()

	// OnRemoteVideoMuted is invoked when the remote peer signals a video mute
	// toggle over the side channel.
	OnRemoteVideoMuted(muted bool)
}

// Engine is the capability interface for a single peer connection and its
// capture devices. An Engine is exclusively owned by one call session:
// created when negotiation starts, disposed when the session returns to idle.
type Engine interface {
	// CreateOffer produces a local SDP offer and applies it as the local
	// description.
	CreateOffer() (string, error)

	// CreateAnswer produces a local SDP answer to the current remote offer
	// and applies it as the local description.
	CreateAnswer() (string, error)

	// RestartIce produces a new offer with fresh ICE credentials, used for
	// renegotiation after a network change.
	RestartIce() (string, error)

	// SetRemoteDescription applies a remote SDP payload.
	SetRemoteDescription(kind DescriptionKind, sdp string) error

	// AddIceCandidate applies a remote candidate. Only valid once a remote
	// description has been set.
	AddIceCandidate(candidate IceCandidate) error

	// SetAudioEnabled toggles the local audio track.
	SetAudioEnabled(enabled bool) error

	// SetVideoEnabled toggles the local video track.
	SetVideoEnabled(enabled bool) error

	// FlipCamera switches between available capture devices.
	FlipCamera() error

	// NotifyVideoMuted tells the remote peer about a local video mute toggle
	// over the side channel, avoiding an SDP renegotiation.
	NotifyVideoMuted(muted bool) error

	// Dispose releases the peer connection and capture resources. Safe to
	// call more than once.
	Dispose()
}

// Factory creates engines. The orchestrator acquires an engine lazily, on
// dial or answer, never on an incoming ring that was not accepted.
type Factory interface {
	NewEngine(observer Observer) (Engine, error)
}

// Engine errors.
var (
	// ErrNoCamera indicates no camera controller is configured.
	ErrNoCamera = errors.New("no camera available")

	// ErrNoRemoteDescription indicates a candidate arrived before the remote
	// description was applied.
	ErrNoRemoteDescription = errors.New("remote description not set")

	// ErrEngineClosed indicates the engine was already disposed.
	ErrEngineClosed = errors.New("media engine is closed")
)
