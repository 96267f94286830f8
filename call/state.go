// Package call implements the call session core: the lifecycle state
// machine, the session orchestrator driving the media engine, the
// single-threaded command dispatcher, the inbound message router, and the
// ICE candidate batcher. One process handles at most one non-idle call
// session at a time.
package call

import "sync"

// State is a call lifecycle state.
type State uint8

const (
	// Idle means no call session exists.
	Idle State = iota
	// RemotePreOffer means a pre-offer arrived and the full offer is awaited.
	RemotePreOffer
	// RemoteRing means the remote offer arrived and the device is ringing.
	RemoteRing
	// LocalPreOffer means a local dial started and the pre-offer was sent.
	LocalPreOffer
	// LocalRing means the local offer was sent and the answer is awaited.
	LocalRing
	// Connecting means offer and answer are exchanged and ICE is in progress.
	Connecting
	// Connected means media is flowing.
	Connected
	// Reconnecting means the media path dropped and recovery is in progress.
	Reconnecting
	// Disconnected means the call ended and awaits cleanup.
	Disconnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RemotePreOffer:
		return "remote-pre-offer"
	case RemoteRing:
		return "remote-ring"
	case LocalPreOffer:
		return "local-pre-offer"
	case LocalRing:
		return "local-ring"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// In reports whether s is one of the given states.
func (s State) In(states ...State) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}

// Derived state sets. All orchestrator and dispatcher logic gates on these
// rather than ad hoc comparisons.
var (
	// CanDeclineStates are the states an incoming call can be declined from.
	CanDeclineStates = []State{RemotePreOffer, RemoteRing}

	// PendingConnectionStates are the states before media is established.
	PendingConnectionStates = []State{LocalPreOffer, LocalRing, RemotePreOffer, RemoteRing, Connecting}

	// OutgoingStates are the states of a locally initiated, unanswered call.
	OutgoingStates = []State{LocalPreOffer, LocalRing}

	// CanHangupStates are the states a local hangup is meaningful from.
	CanHangupStates = []State{LocalPreOffer, LocalRing, Connecting, Connected, Reconnecting}

	// CanReceiveIceStates are the states remote ICE candidates are accepted in.
	CanReceiveIceStates = []State{RemoteRing, LocalRing, Connecting, Connected, Reconnecting}
)

// Event is a state machine transition: legal only from its expected states,
// always producing its single output state.
type Event struct {
	name           string
	expectedStates []State
	outputState    State
}

// Name returns the event's name for logging.
func (e Event) Name() string { return e.name }

// ExpectedStates returns the states the event is legal from.
func (e Event) ExpectedStates() []State { return e.expectedStates }

// OutputState returns the state the event transitions to.
func (e Event) OutputState() State { return e.outputState }

// The canonical transition table. A pre-offer may be redelivered by the
// relay, so ReceivePreOffer is also legal from RemotePreOffer.
var (
	EventReceivePreOffer  = Event{"ReceivePreOffer", []State{Idle, RemotePreOffer}, RemotePreOffer}
	EventReceiveOffer     = Event{"ReceiveOffer", []State{RemotePreOffer}, RemoteRing}
	EventSendPreOffer     = Event{"SendPreOffer", []State{Idle}, LocalPreOffer}
	EventSendOffer        = Event{"SendOffer", []State{LocalPreOffer}, LocalRing}
	EventSendAnswer       = Event{"SendAnswer", []State{RemoteRing}, Connecting}
	EventReceiveAnswer    = Event{"ReceiveAnswer", []State{LocalRing}, Connecting}
	EventConnect          = Event{"Connect", []State{Connecting}, Connected}
	EventIceFailed        = Event{"IceFailed", []State{Connecting}, Disconnected}
	EventIceDisconnect    = Event{"IceDisconnect", []State{Connected}, Reconnecting}
	EventNetworkReconnect = Event{"NetworkReconnect", []State{Reconnecting}, Connecting}
	EventTimeOut          = Event{"TimeOut", []State{Connecting, LocalRing, RemoteRing}, Disconnected}
	EventHangup           = Event{"Hangup", CanHangupStates, Disconnected}
	EventCleanup          = Event{"Cleanup", []State{Disconnected}, Idle}
)

// StateProcessor applies events against the transition table. Events from
// unexpected states are no-ops returning false; this is the central defense
// against signaling races, so failures are expected and never escalate.
type StateProcessor struct {
	mu      sync.RWMutex
	current State
}

// NewStateProcessor returns a processor starting in the given state.
func NewStateProcessor(initial State) *StateProcessor {
	return &StateProcessor{current: initial}
}

// CurrentState returns the current state.
func (p *StateProcessor) CurrentState() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// ProcessEvent applies event if the current state is in its expected set,
// running the side effects while the new state is already in place. It
// returns false, leaving the state untouched, otherwise.
func (p *StateProcessor) ProcessEvent(event Event, sideEffects ...func()) bool {
	p.mu.Lock()
	if !p.current.In(event.expectedStates...) {
		p.mu.Unlock()
		return false
	}
	p.current = event.outputState
	p.mu.Unlock()

	for _, effect := range sideEffects {
		effect()
	}
	return true
}

// Reset forces the processor into state. Used by the session's unconditional
// teardown path, which must return to Idle regardless of where it was.
func (p *StateProcessor) Reset(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = state
}
