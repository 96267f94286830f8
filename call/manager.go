package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callcore/media"
	"github.com/opd-ai/callcore/signal"
)

// Sender delivers signaling messages to a peer over the relay transport.
// Delivery is best-effort and non-durable; implementations should return
// promptly. Errors on call-setup messages abort the call, errors on
// teardown messages are only logged.
type Sender interface {
	SendCallMessage(msg *signal.Message, to signal.Peer) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Factory creates media engines. Required.
	Factory media.Factory

	// Sender delivers outbound signaling. Required.
	Sender Sender

	// Clock drives the ICE debounce timer. Defaults to the system clock.
	Clock TimeProvider

	// LocalAddress is this device's own messaging address, used to detect
	// multi-device answer echoes.
	LocalAddress signal.Peer

	// DebounceInterval is the ICE batching quiet period.
	// Defaults to DefaultDebounceInterval.
	DebounceInterval time.Duration
}

// Manager is the call session orchestrator: the single owner of call state,
// mediating between inbound signaling, local user actions and the media
// engine. All mutating methods are invoked from the Service's dispatcher
// goroutine; engine callbacks arrive on engine threads and are routed back
// through hooks and the ICE batcher.
type Manager struct {
	factory media.Factory
	sender  Sender
	clock   TimeProvider
	local   signal.Peer

	processor *StateProcessor
	batcher   *IceBatcher
	events    broadcaster

	mu      sync.Mutex
	session session
	engine  media.Engine

	// Hooks installed by the Service so engine callbacks re-enter through
	// the command queue instead of touching session state directly.
	hookMu              sync.RWMutex
	connectionStateHook func(state media.ConnectionState)
	remoteStreamHook    func()
	remoteVideoMuteHook func(muted bool)
	candidateFlushHook  func(callID uuid.UUID, peer signal.Peer, candidates []media.IceCandidate)
}

// NewManager creates a call session orchestrator.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Factory == nil {
		return nil, errors.New("media engine factory cannot be nil")
	}
	if cfg.Sender == nil {
		return nil, errors.New("signaling sender cannot be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = RealTimeProvider{}
	}

	m := &Manager{
		factory:   cfg.Factory,
		sender:    cfg.Sender,
		clock:     cfg.Clock,
		local:     cfg.LocalAddress,
		processor: NewStateProcessor(Idle),
	}
	m.session.reset()
	m.batcher = NewIceBatcher(cfg.DebounceInterval, cfg.Clock, m.dispatchCandidateFlush)

	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"local":    cfg.LocalAddress,
	}).Debug("Call manager created")

	return m, nil
}

// AddStateListener registers an observer for session snapshots.
func (m *Manager) AddStateListener(listener StateListener) {
	m.events.addStateListener(listener)
}

// AddEndListener registers an observer for call terminations.
func (m *Manager) AddEndListener(listener EndListener) {
	m.events.addEndListener(listener)
}

// AddMissedCallListener registers an observer for missed calls.
func (m *Manager) AddMissedCallListener(listener MissedCallListener) {
	m.events.addMissedCallListener(listener)
}

// CurrentState returns the machine's current state.
func (m *Manager) CurrentState() State {
	return m.processor.CurrentState()
}

// StateAndCallID returns the live (state, callId) pair used for the
// stale-async-result consistency check.
func (m *Manager) StateAndCallID() (State, uuid.UUID) {
	m.mu.Lock()
	callID := m.session.callID
	m.mu.Unlock()
	return m.processor.CurrentState(), callID
}

// CallID returns the session's current call id, or uuid.Nil.
func (m *Manager) CallID() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.callID
}

// Peer returns the session's current peer, or the empty peer.
func (m *Manager) Peer() signal.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.peer
}

// IsIdle reports whether no call session is active.
func (m *Manager) IsIdle() bool {
	return m.processor.CurrentState() == Idle
}

// PendingOfferReceivedAt returns when the pending offer arrived.
func (m *Manager) PendingOfferReceivedAt() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.pendingOffer == "" {
		return time.Time{}, false
	}
	return m.session.pendingOfferAt, true
}

// Snapshot returns the current read-only session view.
func (m *Manager) Snapshot() StateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() StateSnapshot {
	return StateSnapshot{
		State:       m.processor.CurrentState(),
		CallID:      m.session.callID,
		Peer:        m.session.peer,
		LocalAudio:  m.session.localAudio,
		LocalVideo:  m.session.localVideo,
		RemoteVideo: m.session.remoteVideo,
	}
}

func (m *Manager) publishSnapshot() {
	m.events.publishState(m.Snapshot())
}

// OnPreOffer records an incoming pre-offer. Valid only when idle (or as a
// relay redelivery of the same pre-offer). No media engine is created yet.
func (m *Manager) OnPreOffer(callID uuid.UUID, peer signal.Peer, sentAt time.Time) error {
	m.mu.Lock()
	if m.session.bound() && !m.session.matches(callID) {
		m.mu.Unlock()
		return fmt.Errorf("pre-offer %s: %w", callID, ErrWrongCall)
	}
	if !m.processor.ProcessEvent(EventReceivePreOffer) {
		m.mu.Unlock()
		return fmt.Errorf("pre-offer in state %s: %w", m.processor.CurrentState(), ErrStateViolation)
	}
	m.session.callID = callID
	m.session.peer = peer
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "OnPreOffer",
		"call_id":  callID,
		"peer":     peer,
		"sent_at":  sentAt,
	}).Info("Incoming pre-offer recorded")

	m.publishSnapshot()
	return nil
}

// OnIncomingRing stores the remote offer and moves the session to ringing.
// The media engine is not created until the user answers, so unanswered
// calls never allocate camera or encoder resources. An offer arriving
// without a preceding pre-offer (relay reordering) binds the session first.
func (m *Manager) OnIncomingRing(offerSdp string, callID uuid.UUID, peer signal.Peer, sentAt time.Time) error {
	m.mu.Lock()
	if m.processor.CurrentState() == Idle {
		// Offer overtook its pre-offer on the relay.
		if !m.processor.ProcessEvent(EventReceivePreOffer) {
			m.mu.Unlock()
			return fmt.Errorf("ring in state %s: %w", m.processor.CurrentState(), ErrStateViolation)
		}
		m.session.callID = callID
		m.session.peer = peer
	}
	if !m.session.matches(callID) || m.session.peer != peer {
		m.mu.Unlock()
		return fmt.Errorf("ring for call %s from %s: %w", callID, peer, ErrWrongCall)
	}
	if !m.processor.ProcessEvent(EventReceiveOffer) {
		m.mu.Unlock()
		return fmt.Errorf("ring in state %s: %w", m.processor.CurrentState(), ErrStateViolation)
	}

	m.session.pendingOffer = offerSdp
	m.session.pendingOfferAt = sentAt
	m.session.incomingIce = nil
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "OnIncomingRing",
		"call_id":  callID,
		"peer":     peer,
	}).Info("Incoming call ringing")

	m.publishSnapshot()
	return nil
}

// Answer accepts the pending incoming call: it creates the media engine,
// applies the pending offer, produces the local answer and returns the
// answer message for the caller to send. Buffered remote candidates are
// applied once the engine exists. The pending offer is cleared on success.
func (m *Manager) Answer() (*signal.Message, error) {
	msg, snap, err := m.answerLocked()
	if err != nil {
		return nil, err
	}
	m.events.publishState(snap)
	return msg, nil
}

func (m *Manager) answerLocked() (*signal.Message, StateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.pendingOffer == "" || !m.session.bound() || m.session.peer == "" {
		return nil, StateSnapshot{}, fmt.Errorf("answer: %w", ErrMissingCallContext)
	}
	if m.processor.CurrentState() != RemoteRing {
		return nil, StateSnapshot{}, fmt.Errorf("answer in state %s: %w", m.processor.CurrentState(), ErrStateViolation)
	}

	engine, err := m.ensureEngineLocked()
	if err != nil {
		return nil, StateSnapshot{}, err
	}
	if err := engine.SetRemoteDescription(media.KindOffer, m.session.pendingOffer); err != nil {
		return nil, StateSnapshot{}, fmt.Errorf("apply pending offer: %w", err)
	}
	answerSdp, err := engine.CreateAnswer()
	if err != nil {
		return nil, StateSnapshot{}, fmt.Errorf("create answer: %w", err)
	}

	for _, candidate := range m.session.drainIncomingCandidates() {
		if err := engine.AddIceCandidate(candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Answer",
				"call_id":  m.session.callID,
				"error":    err.Error(),
			}).Warn("Applying buffered remote candidate failed")
		}
	}

	if !m.processor.ProcessEvent(EventSendAnswer) {
		return nil, StateSnapshot{}, fmt.Errorf("answer in state %s: %w", m.processor.CurrentState(), ErrStateViolation)
	}
	m.session.pendingOffer = ""
	if err := engine.SetAudioEnabled(m.session.localAudio); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Answer",
			"error":    err.Error(),
		}).Warn("Enabling local audio failed")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Answer",
		"call_id":  m.session.callID,
		"peer":     m.session.peer,
	}).Info("Call answered")

	msg := signal.NewAnswer(m.session.callID, answerSdp, m.clock.Now())
	return msg, m.snapshotLocked(), nil
}

// Dial starts an outgoing call: it mints a call id, sends the pre-offer,
// creates the media engine and local offer, and returns the offer message
// for the caller to send asynchronously.
func (m *Manager) Dial(peer signal.Peer) (*signal.Message, error) {
	msg, snap, err := m.dialLocked(peer)
	if err != nil {
		return nil, err
	}
	m.events.publishState(snap)
	return msg, nil
}

func (m *Manager) dialLocked(peer signal.Peer) (*signal.Message, StateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.processor.ProcessEvent(EventSendPreOffer) {
		return nil, StateSnapshot{}, fmt.Errorf("dial in state %s: %w", m.processor.CurrentState(), ErrStateViolation)
	}

	callID := uuid.New()
	m.session.callID = callID
	m.session.peer = peer

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"call_id":  callID,
		"peer":     peer,
	}).Info("Dialing")

	if err := m.sender.SendCallMessage(signal.NewPreOffer(callID, m.clock.Now()), peer); err != nil {
		return nil, StateSnapshot{}, fmt.Errorf("send pre-offer: %w: %v", ErrSendFailed, err)
	}

	engine, err := m.ensureEngineLocked()
	if err != nil {
		return nil, StateSnapshot{}, err
	}
	offerSdp, err := engine.CreateOffer()
	if err != nil {
		return nil, StateSnapshot{}, fmt.Errorf("create offer: %w", err)
	}
	if err := engine.SetAudioEnabled(m.session.localAudio); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dial",
			"error":    err.Error(),
		}).Warn("Enabling local audio failed")
	}

	if !m.processor.ProcessEvent(EventSendOffer) {
		return nil, StateSnapshot{}, fmt.Errorf("dial in state %s: %w", m.processor.CurrentState(), ErrStateViolation)
	}

	msg := signal.NewOffer(callID, offerSdp, m.clock.Now())
	return msg, m.snapshotLocked(), nil
}

// HandleResponseMessage applies the remote answer to an outgoing call.
// Valid only while dialing and only when peer and call id match the live
// session. An answer from this device's own address is a multi-device echo
// and is reported as ErrSelfAnswer without touching the session.
func (m *Manager) HandleResponseMessage(peer signal.Peer, callID uuid.UUID, answerSdp string) error {
	m.mu.Lock()
	if !m.session.matches(callID) || m.session.peer != peer {
		m.mu.Unlock()
		return fmt.Errorf("answer for call %s from %s: %w", callID, peer, ErrWrongCall)
	}
	if m.local != "" && peer == m.local {
		m.mu.Unlock()
		return fmt.Errorf("answer from %s: %w", peer, ErrSelfAnswer)
	}
	engine := m.engine
	if engine == nil {
		m.mu.Unlock()
		return fmt.Errorf("response message: %w", ErrMissingCallContext)
	}
	if !m.processor.ProcessEvent(EventReceiveAnswer) {
		state := m.processor.CurrentState()
		m.mu.Unlock()
		return fmt.Errorf("answer in state %s: %w", state, ErrStateViolation)
	}

	if err := engine.SetRemoteDescription(media.KindAnswer, answerSdp); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("apply remote answer: %w", err)
	}
	for _, candidate := range m.session.drainIncomingCandidates() {
		if err := engine.AddIceCandidate(candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "HandleResponseMessage",
				"call_id":  callID,
				"error":    err.Error(),
			}).Warn("Applying buffered remote candidate failed")
		}
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "HandleResponseMessage",
		"call_id":  callID,
		"peer":     peer,
	}).Info("Remote answer applied")

	m.publishSnapshot()
	return nil
}

// HandleRemoteIceCandidate applies remote candidates to the live call.
// Candidates for any other call id are dropped with a warning and never
// reach the media engine. Candidates arriving before the engine exists are
// buffered.
func (m *Manager) HandleRemoteIceCandidate(candidates []media.IceCandidate, callID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.session.matches(callID) {
		logrus.WithFields(logrus.Fields{
			"function":        "HandleRemoteIceCandidate",
			"call_id":         callID,
			"current_call_id": m.session.callID,
		}).Warn("Dropping candidates for a different call")
		return fmt.Errorf("candidates for call %s: %w", callID, ErrWrongCall)
	}
	if !m.processor.CurrentState().In(CanReceiveIceStates...) {
		logrus.WithFields(logrus.Fields{
			"function": "HandleRemoteIceCandidate",
			"call_id":  callID,
			"state":    m.processor.CurrentState().String(),
		}).Warn("Dropping candidates in non-receiving state")
		return fmt.Errorf("candidates in state %s: %w", m.processor.CurrentState(), ErrStateViolation)
	}

	if m.engine == nil {
		m.session.queueIncomingCandidates(candidates)
		logrus.WithFields(logrus.Fields{
			"function": "HandleRemoteIceCandidate",
			"call_id":  callID,
			"buffered": len(m.session.incomingIce),
		}).Debug("Buffered remote candidates before engine creation")
		return nil
	}

	for _, candidate := range candidates {
		if err := m.engine.AddIceCandidate(candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "HandleRemoteIceCandidate",
				"call_id":  callID,
				"error":    err.Error(),
			}).Warn("Applying remote candidate failed")
		}
	}
	return nil
}

// HandleConnected records that media started flowing. Arriving while
// reconnecting first completes the reconnect cycle.
func (m *Manager) HandleConnected() bool {
	if m.processor.CurrentState() == Reconnecting {
		m.processor.ProcessEvent(EventNetworkReconnect)
	}
	applied := m.processor.ProcessEvent(EventConnect)
	if applied {
		m.publishSnapshot()
	}
	return applied
}

// HandleIceDisconnected records a transient media path loss.
func (m *Manager) HandleIceDisconnected() bool {
	applied := m.processor.ProcessEvent(EventIceDisconnect)
	if applied {
		m.publishSnapshot()
	}
	return applied
}

// HandleIceFailed records a permanent connection failure.
func (m *Manager) HandleIceFailed() bool {
	applied := m.processor.ProcessEvent(EventIceFailed)
	if applied {
		m.publishSnapshot()
	}
	return applied
}

// HandleTimeout records that the call never connected in time.
func (m *Manager) HandleTimeout() bool {
	applied := m.processor.ProcessEvent(EventTimeOut)
	if applied {
		m.publishSnapshot()
	}
	return applied
}

// HandleNetworkReconnect restarts ICE after connectivity returned and
// returns the renegotiation offer to send to the peer.
func (m *Manager) HandleNetworkReconnect() (*signal.Message, error) {
	msg, snap, err := m.networkReconnectLocked()
	if err != nil {
		return nil, err
	}
	m.events.publishState(snap)
	return msg, nil
}

func (m *Manager) networkReconnectLocked() (*signal.Message, StateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine == nil || !m.session.bound() {
		return nil, StateSnapshot{}, fmt.Errorf("network reconnect: %w", ErrMissingCallContext)
	}
	if !m.processor.ProcessEvent(EventNetworkReconnect) {
		return nil, StateSnapshot{}, fmt.Errorf("network reconnect in state %s: %w", m.processor.CurrentState(), ErrStateViolation)
	}

	offerSdp, err := m.engine.RestartIce()
	if err != nil {
		return nil, StateSnapshot{}, fmt.Errorf("restart ice: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleNetworkReconnect",
		"call_id":  m.session.callID,
	}).Info("Renegotiating after network change")

	msg := signal.NewOffer(m.session.callID, offerSdp, m.clock.Now())
	return msg, m.snapshotLocked(), nil
}

// HandleRenegotiationOffer answers a renegotiation offer from the remote
// side of an established call. No lifecycle transition is involved; this is
// a media-level exchange on the live session.
func (m *Manager) HandleRenegotiationOffer(offerSdp string, callID uuid.UUID) (*signal.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.session.matches(callID) {
		return nil, fmt.Errorf("renegotiation for call %s: %w", callID, ErrWrongCall)
	}
	if m.engine == nil {
		return nil, fmt.Errorf("renegotiation: %w", ErrMissingCallContext)
	}

	if err := m.engine.SetRemoteDescription(media.KindOffer, offerSdp); err != nil {
		return nil, fmt.Errorf("apply renegotiation offer: %w", err)
	}
	answerSdp, err := m.engine.CreateAnswer()
	if err != nil {
		return nil, fmt.Errorf("create renegotiation answer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleRenegotiationOffer",
		"call_id":  callID,
	}).Info("Answered renegotiation offer")

	return signal.NewAnswer(callID, answerSdp, m.clock.Now()), nil
}

// HandleRenegotiationAnswer applies an answer to a renegotiation offer sent
// after an ICE restart. Unlike the initial answer there is no lifecycle
// transition; the session is already past ringing.
func (m *Manager) HandleRenegotiationAnswer(answerSdp string, callID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.session.matches(callID) {
		return fmt.Errorf("renegotiation answer for call %s: %w", callID, ErrWrongCall)
	}
	if m.engine == nil {
		return fmt.Errorf("renegotiation answer: %w", ErrMissingCallContext)
	}
	if err := m.engine.SetRemoteDescription(media.KindAnswer, answerSdp); err != nil {
		return fmt.Errorf("apply renegotiation answer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleRenegotiationAnswer",
		"call_id":  callID,
	}).Info("Renegotiation answer applied")
	return nil
}

// HandleLocalHangup sends the end-call message for the live session, if
// any, and records the hangup. Always safe to call; teardown sends are
// best-effort and failure is only logged.
func (m *Manager) HandleLocalHangup() {
	m.sendEndCall("HandleLocalHangup")
	m.processor.ProcessEvent(EventHangup)
	m.publishSnapshot()
}

// HandleDenyCall declines a ringing incoming call with an end-call message.
func (m *Manager) HandleDenyCall() {
	if !m.processor.CurrentState().In(CanDeclineStates...) {
		logrus.WithFields(logrus.Fields{
			"function": "HandleDenyCall",
			"state":    m.processor.CurrentState().String(),
		}).Warn("Deny outside a declinable state")
		return
	}
	m.sendEndCall("HandleDenyCall")
}

// HandleRemoteHangup records that the remote peer ended the call.
func (m *Manager) HandleRemoteHangup() {
	m.processor.ProcessEvent(EventHangup)
	m.publishSnapshot()
}

func (m *Manager) sendEndCall(caller string) {
	m.mu.Lock()
	callID := m.session.callID
	peer := m.session.peer
	m.mu.Unlock()

	if callID == uuid.Nil || peer == "" {
		return
	}
	if err := m.sender.SendCallMessage(signal.NewEndCall(callID, m.clock.Now()), peer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": caller,
			"call_id":  callID,
			"error":    err.Error(),
		}).Warn("Sending end-call failed")
	}
}

// SetMuteAudio toggles the local microphone.
func (m *Manager) SetMuteAudio(muted bool) {
	m.mu.Lock()
	m.session.localAudio = !muted
	engine := m.engine
	m.mu.Unlock()

	if engine != nil {
		if err := engine.SetAudioEnabled(!muted); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SetMuteAudio",
				"muted":    muted,
				"error":    err.Error(),
			}).Warn("Toggling audio track failed")
		}
	}
	m.publishSnapshot()
}

// SetMuteVideo toggles the local camera and notifies the remote peer over
// the side channel. Renegotiating SDP for every mute toggle is too
// expensive, so video-mute state travels out-of-band.
func (m *Manager) SetMuteVideo(muted bool) {
	m.mu.Lock()
	m.session.localVideo = !muted
	engine := m.engine
	m.mu.Unlock()

	if engine != nil {
		if err := engine.SetVideoEnabled(!muted); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SetMuteVideo",
				"muted":    muted,
				"error":    err.Error(),
			}).Warn("Toggling video track failed")
		}
		if err := engine.NotifyVideoMuted(muted); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SetMuteVideo",
				"muted":    muted,
				"error":    err.Error(),
			}).Warn("Signaling video mute failed")
		}
	}
	m.publishSnapshot()
}

// FlipCamera switches the capture device.
func (m *Manager) FlipCamera() error {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()
	if engine == nil {
		return fmt.Errorf("flip camera: %w", ErrMissingCallContext)
	}
	return engine.FlipCamera()
}

// HandleRemoteVideoMute records the remote peer's video mute state.
func (m *Manager) HandleRemoteVideoMute(muted bool, callID uuid.UUID) error {
	m.mu.Lock()
	if !m.session.matches(callID) {
		m.mu.Unlock()
		return fmt.Errorf("remote video mute for call %s: %w", callID, ErrWrongCall)
	}
	m.session.remoteVideo = !muted
	m.mu.Unlock()

	m.publishSnapshot()
	return nil
}

// HandleRemoteStreamAdded records that remote media arrived.
func (m *Manager) HandleRemoteStreamAdded() {
	m.mu.Lock()
	m.session.remoteVideo = true
	m.mu.Unlock()
	m.publishSnapshot()
}

// NotifyEnded publishes a termination event to registered observers.
func (m *Manager) NotifyEnded(reason EndReason) {
	m.events.publishEnd(m.Peer(), reason)
}

// NotifyMissedCall publishes a missed call to registered observers.
func (m *Manager) NotifyMissedCall(peer signal.Peer) {
	m.events.publishMissedCall(peer, m.clock.Now())
}

// Stop is the unconditional full reset: it disposes the media engine,
// drops pending ICE state, clears every session field and returns the
// machine to idle. Safe to call from any state, any number of times.
func (m *Manager) Stop() {
	m.mu.Lock()
	engine := m.engine
	m.engine = nil
	callID := m.session.callID
	m.session.reset()
	m.mu.Unlock()

	m.batcher.Clear()
	if engine != nil {
		engine.Dispose()
	}
	m.processor.Reset(Idle)

	if callID != uuid.Nil {
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
			"call_id":  callID,
		}).Info("Call session torn down")
	}
	m.publishSnapshot()
}

// ensureEngineLocked creates the media engine if it does not exist yet.
// Caller holds m.mu.
func (m *Manager) ensureEngineLocked() (media.Engine, error) {
	if m.engine != nil {
		return m.engine, nil
	}
	engine, err := m.factory.NewEngine(engineObserver{m})
	if err != nil {
		return nil, fmt.Errorf("create media engine: %w", err)
	}
	m.engine = engine
	return engine, nil
}

// SetConnectionStateHook installs the Service's re-entry point for engine
// connection state changes.
func (m *Manager) SetConnectionStateHook(hook func(state media.ConnectionState)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.connectionStateHook = hook
}

// SetRemoteStreamHook installs the Service's re-entry point for remote
// stream arrival.
func (m *Manager) SetRemoteStreamHook(hook func()) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.remoteStreamHook = hook
}

// SetRemoteVideoMuteHook installs the Service's re-entry point for side
// channel video mute toggles.
func (m *Manager) SetRemoteVideoMuteHook(hook func(muted bool)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.remoteVideoMuteHook = hook
}

// SetCandidateFlushHook installs the Service's re-entry point for debounced
// local candidate batches, so the flush runs on the dispatcher goroutine
// instead of the timer's.
func (m *Manager) SetCandidateFlushHook(hook func(callID uuid.UUID, peer signal.Peer, candidates []media.IceCandidate)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.candidateFlushHook = hook
}

// engineObserver adapts media.Observer callbacks onto the manager. The
// callbacks arrive on engine threads: candidates go to the batcher, the
// rest re-enters through the Service's hooks.
type engineObserver struct {
	m *Manager
}

func (o engineObserver) OnIceCandidate(candidate media.IceCandidate) {
	o.m.onLocalCandidate(candidate)
}

func (o engineObserver) OnConnectionStateChange(state media.ConnectionState) {
	o.m.hookMu.RLock()
	hook := o.m.connectionStateHook
	o.m.hookMu.RUnlock()
	if hook != nil {
		hook(state)
	}
}

func (o engineObserver) OnRemoteStreamAdded() {
	o.m.hookMu.RLock()
	hook := o.m.remoteStreamHook
	o.m.hookMu.RUnlock()
	if hook != nil {
		hook()
	}
}

func (o engineObserver) OnRemoteVideoMuted(muted bool) {
	o.m.hookMu.RLock()
	hook := o.m.remoteVideoMuteHook
	o.m.hookMu.RUnlock()
	if hook != nil {
		hook(muted)
	}
}

// onLocalCandidate feeds a locally gathered candidate into the batcher,
// bound to the session identity at gathering time.
func (m *Manager) onLocalCandidate(candidate media.IceCandidate) {
	m.mu.Lock()
	callID := m.session.callID
	peer := m.session.peer
	m.mu.Unlock()

	if callID == uuid.Nil || peer == "" {
		logrus.WithFields(logrus.Fields{
			"function": "onLocalCandidate",
		}).Warn("Dropping local candidate with no live session")
		return
	}
	m.batcher.Add(callID, peer, candidate)
}

// dispatchCandidateFlush hands a debounced batch to the flush hook when one
// is installed; without a Service in front, the batch is flushed directly on
// the timer goroutine.
func (m *Manager) dispatchCandidateFlush(callID uuid.UUID, peer signal.Peer, candidates []media.IceCandidate) {
	m.hookMu.RLock()
	hook := m.candidateFlushHook
	m.hookMu.RUnlock()
	if hook != nil {
		hook(callID, peer, candidates)
		return
	}
	m.FlushCandidateBatch(callID, peer, candidates)
}

// FlushCandidateBatch sends one batched candidate message, re-checking the
// live session identity at flush time. If the session has moved on the
// batch is silently discarded rather than sent to the wrong call.
func (m *Manager) FlushCandidateBatch(callID uuid.UUID, peer signal.Peer, candidates []media.IceCandidate) {
	m.mu.Lock()
	live := m.session.matches(callID) && m.session.peer == peer
	m.mu.Unlock()

	if !live {
		logrus.WithFields(logrus.Fields{
			"function": "FlushCandidateBatch",
			"call_id":  callID,
			"dropped":  len(candidates),
		}).Info("Discarding candidate batch for superseded call")
		return
	}

	sdps := make([]string, len(candidates))
	indexes := make([]int, len(candidates))
	mids := make([]string, len(candidates))
	for i, candidate := range candidates {
		sdps[i] = candidate.Sdp
		indexes[i] = candidate.SdpMLineIndex
		mids[i] = candidate.SdpMid
	}

	msg := signal.NewIceCandidates(callID, sdps, indexes, mids, m.clock.Now())
	if err := m.sender.SendCallMessage(msg, peer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "FlushCandidateBatch",
			"call_id":    callID,
			"candidates": len(candidates),
			"error":      err.Error(),
		}).Warn("Sending candidate batch failed")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "FlushCandidateBatch",
		"call_id":    callID,
		"candidates": len(candidates),
	}).Debug("Sent batched ICE candidates")
}
