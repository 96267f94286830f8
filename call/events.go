package call

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/callcore/signal"
)

// StateSnapshot is the read-only view of the session exposed upward for
// rendering. The core never reads anything back from its observers.
type StateSnapshot struct {
	State       State
	CallID      uuid.UUID
	Peer        signal.Peer
	LocalAudio  bool
	LocalVideo  bool
	RemoteVideo bool
}

// EndReason classifies why a call ended, for user-facing bookkeeping.
type EndReason uint8

const (
	// EndedLocalHangup means the local user hung up.
	EndedLocalHangup EndReason = iota
	// EndedRemoteHangup means the remote peer hung up.
	EndedRemoteHangup
	// EndedDeclined means the local user declined an incoming call.
	EndedDeclined
	// EndedBusy means the remote peer was busy.
	EndedBusy
	// EndedTimeout means the call never connected within the timeout window.
	EndedTimeout
	// EndedNetworkFailure means call setup or media failed.
	EndedNetworkFailure
)

// String returns a human-readable end reason.
func (r EndReason) String() string {
	switch r {
	case EndedLocalHangup:
		return "local-hangup"
	case EndedRemoteHangup:
		return "remote-hangup"
	case EndedDeclined:
		return "declined"
	case EndedBusy:
		return "busy"
	case EndedTimeout:
		return "timeout"
	case EndedNetworkFailure:
		return "network-failure"
	default:
		return "unknown"
	}
}

// StateListener observes session snapshots.
type StateListener func(snapshot StateSnapshot)

// EndListener observes call terminations.
type EndListener func(peer signal.Peer, reason EndReason)

// MissedCallListener observes missed incoming calls.
type MissedCallListener func(peer signal.Peer, at time.Time)

// broadcaster fans session events out to registered listeners. Listeners
// run on the dispatcher goroutine and must return promptly.
type broadcaster struct {
	mu             sync.RWMutex
	stateListeners []StateListener
	endListeners   []EndListener
	missListeners  []MissedCallListener
}

func (b *broadcaster) addStateListener(listener StateListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateListeners = append(b.stateListeners, listener)
}

func (b *broadcaster) addEndListener(listener EndListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endListeners = append(b.endListeners, listener)
}

func (b *broadcaster) addMissedCallListener(listener MissedCallListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.missListeners = append(b.missListeners, listener)
}

func (b *broadcaster) publishState(snapshot StateSnapshot) {
	b.mu.RLock()
	listeners := make([]StateListener, len(b.stateListeners))
	copy(listeners, b.stateListeners)
	b.mu.RUnlock()
	for _, listener := range listeners {
		listener(snapshot)
	}
}

func (b *broadcaster) publishEnd(peer signal.Peer, reason EndReason) {
	b.mu.RLock()
	listeners := make([]EndListener, len(b.endListeners))
	copy(listeners, b.endListeners)
	b.mu.RUnlock()
	for _, listener := range listeners {
		listener(peer, reason)
	}
}

func (b *broadcaster) publishMissedCall(peer signal.Peer, at time.Time) {
	b.mu.RLock()
	listeners := make([]MissedCallListener, len(b.missListeners))
	copy(listeners, b.missListeners)
	b.mu.RUnlock()
	for _, listener := range listeners {
		listener(peer, at)
	}
}
