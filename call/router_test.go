package call

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/callcore/signal"
)

func newTestRouter(t *testing.T, fx *serviceFixture, callsEnabled func(signal.Peer) bool) *Router {
	t.Helper()
	router, err := NewRouter(RouterConfig{
		Service:      fx.service,
		CallsEnabled: callsEnabled,
	})
	require.NoError(t, err)
	router.Start()
	t.Cleanup(router.Stop)
	return router
}

func waitForState(t *testing.T, fx *serviceFixture, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return fx.manager.CurrentState() == want
	}, time.Second, 10*time.Millisecond, "never reached %s", want)
}

func TestRouterDeliversOffer(t *testing.T) {
	fx := newTestService(t, nil, nil)
	router := newTestRouter(t, fx, nil)

	callID := uuid.New()
	offer := signal.NewOffer(callID, "remote-offer-sdp", fx.clock.Now())
	offer.Sender = "peer-a"
	require.NoError(t, router.Submit(offer))

	waitForState(t, fx, RemoteRing)
	assert.Equal(t, callID, fx.manager.CallID())
}

func TestRouterDropsMalformedMessages(t *testing.T) {
	fx := newTestService(t, nil, nil)
	router := newTestRouter(t, fx, nil)

	// Offer without SDP, candidates with uneven arrays, missing call id.
	empty := &signal.Message{Type: signal.TypeOffer, CallID: uuid.New(), Sender: "peer-a"}
	uneven := &signal.Message{
		Type:            signal.TypeIceCandidates,
		CallID:          uuid.New(),
		Sender:          "peer-a",
		Sdps:            []string{"candidate:0", "candidate:1"},
		SdpMLineIndexes: []int{0},
		SdpMids:         []string{"0"},
	}
	noID := signal.NewOffer(uuid.Nil, "remote-offer-sdp", fx.clock.Now())

	require.NoError(t, router.Submit(empty))
	require.NoError(t, router.Submit(uneven))
	require.NoError(t, router.Submit(noID))
	require.NoError(t, router.Submit(nil))

	// A valid message afterwards proves the router survived them all.
	good := signal.NewOffer(uuid.New(), "remote-offer-sdp", fx.clock.Now())
	good.Sender = "peer-a"
	require.NoError(t, router.Submit(good))
	waitForState(t, fx, RemoteRing)
}

func TestRouterCallsDisabledGate(t *testing.T) {
	fx := newTestService(t, nil, nil)
	router := newTestRouter(t, fx, func(peer signal.Peer) bool {
		return peer != "blocked-peer"
	})

	blocked := signal.NewOffer(uuid.New(), "remote-offer-sdp", fx.clock.Now())
	blocked.Sender = "blocked-peer"
	require.NoError(t, router.Submit(blocked))

	allowed := signal.NewOffer(uuid.New(), "remote-offer-sdp", fx.clock.Now())
	allowed.Sender = "peer-a"
	require.NoError(t, router.Submit(allowed))

	waitForState(t, fx, RemoteRing)
	assert.Equal(t, allowed.CallID, fx.manager.CallID())
}

func TestRouterFullCalleeFlow(t *testing.T) {
	fx := newTestService(t, nil, nil)
	router := newTestRouter(t, fx, nil)

	callID := uuid.New()
	preOffer := signal.NewPreOffer(callID, fx.clock.Now())
	preOffer.Sender = "peer-a"
	require.NoError(t, router.Submit(preOffer))

	offer := signal.NewOffer(callID, "remote-offer-sdp", fx.clock.Now())
	offer.Sender = "peer-a"
	require.NoError(t, router.Submit(offer))
	waitForState(t, fx, RemoteRing)

	require.NoError(t, fx.service.AnswerCall())
	waitForState(t, fx, Connecting)

	hangup := signal.NewEndCall(callID, fx.clock.Now())
	hangup.Sender = "peer-a"
	require.NoError(t, router.Submit(hangup))
	waitForState(t, fx, Idle)
	assert.Equal(t, []EndReason{EndedRemoteHangup}, fx.events.endReasons())
}

func TestRouterDedupsRedeliveredCandidates(t *testing.T) {
	fx := newTestService(t, nil, nil)
	router := newTestRouter(t, fx, nil)

	callID := uuid.New()
	offer := signal.NewOffer(callID, "remote-offer-sdp", fx.clock.Now())
	offer.Sender = "peer-a"
	require.NoError(t, router.Submit(offer))
	waitForState(t, fx, RemoteRing)
	require.NoError(t, fx.service.AnswerCall())
	waitForState(t, fx, Connecting)

	first := signal.NewIceCandidates(callID, []string{"candidate:0", "candidate:1"}, []int{0, 0}, []string{"0", "0"}, fx.clock.Now())
	first.Sender = "peer-a"
	require.NoError(t, router.Submit(first))

	// The relay redelivers the same batch with a fresh timestamp.
	redelivery := signal.NewIceCandidates(callID, []string{"candidate:0", "candidate:1"}, []int{0, 0}, []string{"0", "0"}, fx.clock.Now().Add(time.Second))
	redelivery.Sender = "peer-a"
	require.NoError(t, router.Submit(redelivery))

	second := signal.NewIceCandidates(callID, []string{"candidate:2"}, []int{0}, []string{"0"}, fx.clock.Now())
	second.Sender = "peer-a"
	require.NoError(t, router.Submit(second))

	// Once the distinct second batch landed, the duplicate has already been
	// either applied or dropped; only three candidates may exist.
	require.Eventually(t, func() bool {
		return fx.engine.candidateCount() == 3
	}, time.Second, 10*time.Millisecond)
	fx.drain(t)
	assert.Equal(t, 3, fx.engine.candidateCount())
}

func TestRouterBusySignal(t *testing.T) {
	fx := newTestService(t, nil, func(cfg *ServiceConfig) {
		cfg.CallTimeout = time.Hour
	})
	router := newTestRouter(t, fx, nil)

	require.NoError(t, fx.service.OutgoingCall("peer-b"))
	fx.drain(t)
	callID := fx.manager.CallID()

	busy := signal.NewBusy(callID, fx.clock.Now())
	busy.Sender = "peer-b"
	require.NoError(t, router.Submit(busy))

	// Keep advancing past the busy delay until the scheduled hangup lands.
	require.Eventually(t, func() bool {
		fx.clock.Advance(DefaultBusyHangupDelay)
		return fx.manager.CurrentState() == Idle
	}, time.Second, 10*time.Millisecond)
	fx.drain(t)
	assert.Equal(t, []EndReason{EndedBusy}, fx.events.endReasons())
}

func TestRouterSubmitAfterStop(t *testing.T) {
	fx := newTestService(t, nil, nil)
	router := newTestRouter(t, fx, nil)
	router.Stop()

	msg := signal.NewOffer(uuid.New(), "remote-offer-sdp", fx.clock.Now())
	msg.Sender = "peer-a"
	assert.ErrorIs(t, router.Submit(msg), ErrServiceStopped)
}
