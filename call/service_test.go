package call

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/callcore/media"
	"github.com/opd-ai/callcore/signal"
)

// gateSender blocks sends of one message type until the test releases them
// through the gate channel, simulating a slow relay.
type gateSender struct {
	mockSender
	block signal.Type
	gate  chan error
}

func (s *gateSender) SendCallMessage(msg *signal.Message, to signal.Peer) error {
	if msg.Type == s.block {
		if err := <-s.gate; err != nil {
			return err
		}
	}
	return s.mockSender.SendCallMessage(msg, to)
}

// eventRecorder collects end and missed-call events across goroutines.
type eventRecorder struct {
	mu     sync.Mutex
	ends   []EndReason
	missed []signal.Peer
}

func (r *eventRecorder) onEnd(peer signal.Peer, reason EndReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, reason)
}

func (r *eventRecorder) onMissed(peer signal.Peer, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missed = append(r.missed, peer)
}

func (r *eventRecorder) endReasons() []EndReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EndReason, len(r.ends))
	copy(out, r.ends)
	return out
}

func (r *eventRecorder) missedPeers() []signal.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]signal.Peer, len(r.missed))
	copy(out, r.missed)
	return out
}

type serviceFixture struct {
	service *Service
	manager *Manager
	engine  *mockEngine
	clock   *fakeClock
	events  *eventRecorder
}

func newTestService(t *testing.T, sender Sender, mutate func(*ServiceConfig)) *serviceFixture {
	t.Helper()
	engine := &mockEngine{}
	clock := newFakeClock()
	if sender == nil {
		sender = &mockSender{}
	}
	manager, err := NewManager(ManagerConfig{
		Factory:      &mockFactory{engine: engine},
		Sender:       sender,
		Clock:        clock,
		LocalAddress: "me",
	})
	require.NoError(t, err)

	cfg := ServiceConfig{
		Manager: manager,
		Sender:  sender,
		Clock:   clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	service, err := NewService(cfg)
	require.NoError(t, err)

	events := &eventRecorder{}
	manager.AddEndListener(events.onEnd)
	manager.AddMissedCallListener(events.onMissed)

	service.Start()
	t.Cleanup(service.Stop)

	return &serviceFixture{
		service: service,
		manager: manager,
		engine:  engine,
		clock:   clock,
		events:  events,
	}
}

// drain waits for the dispatcher to work through everything queued so far.
func (fx *serviceFixture) drain(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, fx.service.enqueue("test-sync", func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher stalled")
	}
}

// connectIncoming drives an incoming call all the way to Connected.
func (fx *serviceFixture) connectIncoming(t *testing.T, callID uuid.UUID, peer signal.Peer) {
	t.Helper()
	require.NoError(t, fx.service.IncomingRing("remote-offer-sdp", callID, peer, fx.clock.Now()))
	require.NoError(t, fx.service.AnswerCall())
	fx.drain(t)
	require.Equal(t, Connecting, fx.manager.CurrentState())

	fx.engine.obs().OnConnectionStateChange(media.ConnectionConnected)
	fx.drain(t)
	require.Equal(t, Connected, fx.manager.CurrentState())
}

func TestIncomingRingWhileInCallRepliesBusy(t *testing.T) {
	sender := &mockSender{}
	fx := newTestService(t, sender, nil)

	liveCall := uuid.New()
	fx.connectIncoming(t, liveCall, "peer-a")

	otherCall := uuid.New()
	require.NoError(t, fx.service.IncomingRing("other-offer-sdp", otherCall, "peer-c", fx.clock.Now()))
	fx.drain(t)

	// The live call is untouched and the second caller got a busy signal.
	assert.Equal(t, Connected, fx.manager.CurrentState())
	assert.Equal(t, liveCall, fx.manager.CallID())

	busies := sender.sentOfType(signal.TypeBusy)
	require.Len(t, busies, 1)
	assert.Equal(t, otherCall, busies[0].CallID)
	assert.Equal(t, []signal.Peer{"peer-c"}, fx.events.missedPeers())
}

type fakeTelephony struct{ inCall bool }

func (f fakeTelephony) InNativeCall() bool { return f.inCall }

func TestIncomingRingDuringNativeCallRepliesBusy(t *testing.T) {
	sender := &mockSender{}
	fx := newTestService(t, sender, func(cfg *ServiceConfig) {
		cfg.Telephony = fakeTelephony{inCall: true}
	})

	require.NoError(t, fx.service.IncomingRing("remote-offer-sdp", uuid.New(), "peer-a", fx.clock.Now()))
	fx.drain(t)

	assert.Equal(t, Idle, fx.manager.CurrentState())
	assert.Len(t, sender.sentOfType(signal.TypeBusy), 1)
}

func TestRemoteBusyWhileDialingHangsUpAfterDelay(t *testing.T) {
	sender := &mockSender{}
	fx := newTestService(t, sender, nil)

	require.NoError(t, fx.service.OutgoingCall("peer-b"))
	fx.drain(t)
	callID := fx.manager.CallID()
	require.Equal(t, LocalRing, fx.manager.CurrentState())

	require.NoError(t, fx.service.RemoteBusy(callID))
	fx.drain(t)
	// Still up while the busy signal plays.
	assert.Equal(t, LocalRing, fx.manager.CurrentState())

	fx.clock.Advance(DefaultBusyHangupDelay)
	fx.drain(t)

	assert.Equal(t, Idle, fx.manager.CurrentState())
	assert.Equal(t, []EndReason{EndedBusy}, fx.events.endReasons())
	assert.Len(t, sender.sentOfType(signal.TypeEndCall), 1)
}

func TestRemoteBusyWhileConnectedIgnored(t *testing.T) {
	fx := newTestService(t, nil, nil)

	callID := uuid.New()
	fx.connectIncoming(t, callID, "peer-a")

	require.NoError(t, fx.service.RemoteBusy(callID))
	fx.drain(t)
	fx.clock.Advance(DefaultBusyHangupDelay)
	fx.drain(t)

	assert.Equal(t, Connected, fx.manager.CurrentState())
	assert.Empty(t, fx.events.endReasons())
}

func TestStaleOfferSendFailureDiscardedAfterHangup(t *testing.T) {
	sender := &gateSender{block: signal.TypeOffer, gate: make(chan error)}
	fx := newTestService(t, sender, nil)

	require.NoError(t, fx.service.OutgoingCall("peer-b"))
	fx.drain(t)
	require.Equal(t, LocalRing, fx.manager.CurrentState())

	// The user hangs up while the offer send is still in flight.
	require.NoError(t, fx.service.LocalHangup())
	fx.drain(t)
	require.Equal(t, Idle, fx.manager.CurrentState())

	// The send now fails, but its snapshot no longer matches the session.
	sender.gate <- errors.New("relay unreachable")
	fx.drain(t)
	fx.drain(t)

	assert.Equal(t, []EndReason{EndedLocalHangup}, fx.events.endReasons())
	assert.Equal(t, Idle, fx.manager.CurrentState())
}

func TestOfferSendFailureTearsDownLiveDial(t *testing.T) {
	sender := &gateSender{block: signal.TypeOffer, gate: make(chan error)}
	fx := newTestService(t, sender, nil)

	require.NoError(t, fx.service.OutgoingCall("peer-b"))
	fx.drain(t)

	sender.gate <- errors.New("relay unreachable")
	require.Eventually(t, func() bool {
		return fx.manager.CurrentState() == Idle
	}, time.Second, 10*time.Millisecond)
	fx.drain(t)

	assert.Equal(t, []EndReason{EndedNetworkFailure}, fx.events.endReasons())
}

func TestCallTimeoutWhileRinging(t *testing.T) {
	sender := &mockSender{}
	fx := newTestService(t, sender, nil)

	require.NoError(t, fx.service.OutgoingCall("peer-b"))
	fx.drain(t)

	fx.clock.Advance(DefaultCallTimeout)
	fx.drain(t)

	assert.Equal(t, Idle, fx.manager.CurrentState())
	assert.Equal(t, []EndReason{EndedTimeout}, fx.events.endReasons())
	assert.Len(t, sender.sentOfType(signal.TypeEndCall), 1)
}

func TestCallTimeoutAfterConnectIsNoop(t *testing.T) {
	fx := newTestService(t, nil, nil)

	fx.connectIncoming(t, uuid.New(), "peer-a")

	fx.clock.Advance(DefaultCallTimeout)
	fx.drain(t)

	assert.Equal(t, Connected, fx.manager.CurrentState())
	assert.Empty(t, fx.events.endReasons())
}

func TestAnsweringExpiredOfferRecordsMissedCall(t *testing.T) {
	fx := newTestService(t, nil, func(cfg *ServiceConfig) {
		cfg.CallTimeout = time.Hour
		cfg.PendingOfferExpiry = 2 * time.Minute
	})

	require.NoError(t, fx.service.IncomingRing("remote-offer-sdp", uuid.New(), "peer-a", fx.clock.Now()))
	fx.drain(t)

	fx.clock.Advance(3 * time.Minute)
	require.NoError(t, fx.service.AnswerCall())
	fx.drain(t)

	assert.Equal(t, Idle, fx.manager.CurrentState())
	assert.Equal(t, []signal.Peer{"peer-a"}, fx.events.missedPeers())
	assert.Equal(t, []EndReason{EndedTimeout}, fx.events.endReasons())
}

func TestRemoteHangupWhileRingingRecordsMissedCall(t *testing.T) {
	fx := newTestService(t, nil, nil)

	callID := uuid.New()
	require.NoError(t, fx.service.IncomingRing("remote-offer-sdp", callID, "peer-a", fx.clock.Now()))
	fx.drain(t)
	require.Equal(t, RemoteRing, fx.manager.CurrentState())

	require.NoError(t, fx.service.RemoteHangup(callID))
	fx.drain(t)

	assert.Equal(t, Idle, fx.manager.CurrentState())
	assert.Equal(t, []signal.Peer{"peer-a"}, fx.events.missedPeers())
	assert.Equal(t, []EndReason{EndedRemoteHangup}, fx.events.endReasons())
}

func TestRemoteHangupWhileDialingMeansDeclined(t *testing.T) {
	fx := newTestService(t, nil, nil)

	require.NoError(t, fx.service.OutgoingCall("peer-b"))
	fx.drain(t)
	callID := fx.manager.CallID()

	require.NoError(t, fx.service.RemoteHangup(callID))
	fx.drain(t)

	assert.Equal(t, Idle, fx.manager.CurrentState())
	assert.Equal(t, []EndReason{EndedDeclined}, fx.events.endReasons())
}

func TestRemoteHangupForUnknownCallIgnored(t *testing.T) {
	fx := newTestService(t, nil, nil)

	fx.connectIncoming(t, uuid.New(), "peer-a")

	require.NoError(t, fx.service.RemoteHangup(uuid.New()))
	fx.drain(t)

	assert.Equal(t, Connected, fx.manager.CurrentState())
	assert.Empty(t, fx.events.endReasons())
}

func TestSelfAnswerRejectedByDefault(t *testing.T) {
	fx := newTestService(t, nil, nil)

	require.NoError(t, fx.service.OutgoingCall("me"))
	fx.drain(t)
	callID := fx.manager.CallID()

	require.NoError(t, fx.service.ResponseMessage("me", callID, "echoed-answer"))
	fx.drain(t)

	assert.Equal(t, LocalRing, fx.manager.CurrentState())
	assert.Empty(t, fx.events.endReasons())
}

func TestSelfAnswerHangsUpWhenConfigured(t *testing.T) {
	fx := newTestService(t, nil, func(cfg *ServiceConfig) {
		cfg.HangupOnSelfAnswer = true
	})

	require.NoError(t, fx.service.OutgoingCall("me"))
	fx.drain(t)
	callID := fx.manager.CallID()

	require.NoError(t, fx.service.ResponseMessage("me", callID, "echoed-answer"))
	fx.drain(t)

	assert.Equal(t, Idle, fx.manager.CurrentState())
	assert.Equal(t, []EndReason{EndedRemoteHangup}, fx.events.endReasons())
}

func TestDenyRingingCall(t *testing.T) {
	sender := &mockSender{}
	fx := newTestService(t, sender, nil)

	require.NoError(t, fx.service.IncomingRing("remote-offer-sdp", uuid.New(), "peer-a", fx.clock.Now()))
	require.NoError(t, fx.service.DenyCall())
	fx.drain(t)

	assert.Equal(t, Idle, fx.manager.CurrentState())
	assert.Equal(t, []EndReason{EndedDeclined}, fx.events.endReasons())
	assert.Len(t, sender.sentOfType(signal.TypeEndCall), 1)
}

func TestNetworkLossAndRecoveryRenegotiates(t *testing.T) {
	sender := &mockSender{}
	fx := newTestService(t, sender, nil)

	callID := uuid.New()
	fx.connectIncoming(t, callID, "peer-a")

	require.NoError(t, fx.service.NetworkChanged(false))
	fx.drain(t)
	assert.Equal(t, Reconnecting, fx.manager.CurrentState())

	require.NoError(t, fx.service.NetworkChanged(true))
	fx.drain(t)
	assert.Equal(t, Connecting, fx.manager.CurrentState())

	// The renegotiation offer goes out off the dispatcher goroutine.
	require.Eventually(t, func() bool {
		return len(sender.sentOfType(signal.TypeOffer)) == 1
	}, time.Second, 10*time.Millisecond)
	offers := sender.sentOfType(signal.TypeOffer)
	assert.Equal(t, callID, offers[0].CallID)
	assert.Equal(t, []string{"restart-offer-sdp"}, offers[0].Sdps)

	// The peer's renegotiation answer and the recovered media path.
	require.NoError(t, fx.service.ResponseMessage("peer-a", callID, "renegotiated-answer"))
	fx.drain(t)
	fx.engine.obs().OnConnectionStateChange(media.ConnectionConnected)
	fx.drain(t)
	assert.Equal(t, Connected, fx.manager.CurrentState())
	assert.Empty(t, fx.events.endReasons())
}

func TestRenegotiationOfferAnsweredInPlace(t *testing.T) {
	sender := &mockSender{}
	fx := newTestService(t, sender, nil)

	callID := uuid.New()
	fx.connectIncoming(t, callID, "peer-a")

	require.NoError(t, fx.service.IncomingRing("restarted-offer-sdp", callID, "peer-a", fx.clock.Now()))
	fx.drain(t)

	// The call stays connected and the answer goes straight back out.
	assert.Equal(t, Connected, fx.manager.CurrentState())
	require.Eventually(t, func() bool {
		return len(sender.sentOfType(signal.TypeAnswer)) == 2
	}, time.Second, 10*time.Millisecond)
	answers := sender.sentOfType(signal.TypeAnswer)
	assert.Equal(t, callID, answers[1].CallID)
	assert.Empty(t, sender.sentOfType(signal.TypeBusy))
}

func TestRemoteVideoMuteUpdatesSnapshot(t *testing.T) {
	fx := newTestService(t, nil, nil)

	fx.connectIncoming(t, uuid.New(), "peer-a")

	fx.engine.obs().OnRemoteVideoMuted(false)
	fx.drain(t)
	assert.True(t, fx.manager.Snapshot().RemoteVideo)

	fx.engine.obs().OnRemoteVideoMuted(true)
	fx.drain(t)
	assert.False(t, fx.manager.Snapshot().RemoteVideo)
}

func TestPreOfferWithoutOfferTimesOut(t *testing.T) {
	sender := &mockSender{}
	fx := newTestService(t, sender, nil)

	require.NoError(t, fx.service.IncomingPreOffer(uuid.New(), "peer-a", fx.clock.Now()))
	fx.drain(t)
	require.Equal(t, RemotePreOffer, fx.manager.CurrentState())

	// The full offer never arrives.
	fx.clock.Advance(DefaultCallTimeout)
	fx.drain(t)

	assert.Equal(t, Idle, fx.manager.CurrentState())
	assert.Equal(t, []EndReason{EndedTimeout}, fx.events.endReasons())

	// The device is free again for the next caller.
	require.NoError(t, fx.service.IncomingRing("remote-offer-sdp", uuid.New(), "peer-c", fx.clock.Now()))
	fx.drain(t)
	assert.Equal(t, RemoteRing, fx.manager.CurrentState())
	assert.Empty(t, sender.sentOfType(signal.TypeBusy))
}

func TestDialOfferFailureFreesTheCallee(t *testing.T) {
	sender := &mockSender{}
	fx := newTestService(t, sender, nil)
	fx.engine.offerErr = errors.New("no media devices")

	require.NoError(t, fx.service.OutgoingCall("peer-b"))
	fx.drain(t)

	// The pre-offer went out, so the callee gets an end-call too.
	assert.Equal(t, Idle, fx.manager.CurrentState())
	assert.Equal(t, []EndReason{EndedNetworkFailure}, fx.events.endReasons())
	preOffers := sender.sentOfType(signal.TypePreOffer)
	endCalls := sender.sentOfType(signal.TypeEndCall)
	require.Len(t, preOffers, 1)
	require.Len(t, endCalls, 1)
	assert.Equal(t, preOffers[0].CallID, endCalls[0].CallID)
}

func TestLocalHangupWhileIdleIsNoop(t *testing.T) {
	sender := &mockSender{}
	fx := newTestService(t, sender, nil)

	require.NoError(t, fx.service.LocalHangup())
	fx.drain(t)

	assert.Equal(t, Idle, fx.manager.CurrentState())
	assert.Empty(t, fx.events.endReasons())
	assert.Empty(t, sender.sent())
}

func TestCandidateFlushRunsOnDispatcher(t *testing.T) {
	sender := &mockSender{}
	fx := newTestService(t, sender, nil)

	require.NoError(t, fx.service.OutgoingCall("peer-b"))
	fx.drain(t)

	for i := 0; i < 3; i++ {
		fx.engine.obs().OnIceCandidate(media.IceCandidate{Sdp: "candidate:x", SdpMid: "0"})
	}

	// Hold the dispatcher while the debounce timer fires: the flush must
	// queue behind this command instead of sending from the timer goroutine.
	release := make(chan struct{})
	require.True(t, fx.service.enqueue("test-hold", func() { <-release }))
	fx.clock.Advance(DefaultDebounceInterval)
	assert.Empty(t, sender.sentOfType(signal.TypeIceCandidates))

	close(release)
	fx.drain(t)

	batches := sender.sentOfType(signal.TypeIceCandidates)
	require.Len(t, batches, 1)
	assert.Equal(t, 3, batches[0].CandidateCount())
}

func TestCommandsRejectedAfterStop(t *testing.T) {
	fx := newTestService(t, nil, nil)
	fx.service.Stop()

	assert.ErrorIs(t, fx.service.OutgoingCall("peer-b"), ErrServiceStopped)
	assert.ErrorIs(t, fx.service.AnswerCall(), ErrServiceStopped)
	assert.ErrorIs(t, fx.service.LocalHangup(), ErrServiceStopped)
}
