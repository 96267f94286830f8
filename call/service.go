package call

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callcore/media"
	"github.com/opd-ai/callcore/signal"
)

const (
	// DefaultCallTimeout is how long an unconnected call may ring or
	// negotiate before it is torn down.
	DefaultCallTimeout = 2 * time.Minute

	// DefaultPendingOfferExpiry is the maximum age of a stored offer the
	// user may still answer. Older offers record a missed call instead.
	DefaultPendingOfferExpiry = 2 * time.Minute

	// DefaultBusyHangupDelay is how long the busy signal plays on the
	// caller's side before the call tears itself down.
	DefaultBusyHangupDelay = 5500 * time.Millisecond
)

// TelephonyMonitor reports whether a native cellular call is in progress.
// A device on a cellular call answers incoming rings with a busy signal.
type TelephonyMonitor interface {
	InNativeCall() bool
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Manager is the session orchestrator the service drives. Required.
	Manager *Manager

	// Sender delivers outbound signaling. Required.
	Sender Sender

	// Clock drives the timeout and busy timers. Defaults to the system
	// clock.
	Clock TimeProvider

	// CallTimeout, PendingOfferExpiry and BusyHangupDelay default to the
	// package constants when zero.
	CallTimeout        time.Duration
	PendingOfferExpiry time.Duration
	BusyHangupDelay    time.Duration

	// HangupOnSelfAnswer treats an answer echoed from this device's own
	// address as a remote hangup ("answered elsewhere") instead of
	// rejecting it.
	HangupOnSelfAnswer bool

	// Telephony, when set, lets the service busy-out incoming rings during
	// native cellular calls.
	Telephony TelephonyMonitor
}

// command is one unit of dispatcher work. Handlers run on the single
// dispatcher goroutine, so they never race each other.
type command struct {
	name string
	run  func()
}

// Service is the single-threaded command dispatcher in front of the
// Manager. Every external input, whether a user action, an inbound
// signaling message or an engine callback, becomes a command on an
// unbounded FIFO drained by one goroutine. That one goroutine is the whole
// concurrency model: handlers need no locks among themselves, and
// commands for a call that has already ended simply find a session that no
// longer matches and fall through.
type Service struct {
	manager *Manager
	sender  Sender
	clock   TimeProvider

	callTimeout        time.Duration
	pendingOfferExpiry time.Duration
	busyHangupDelay    time.Duration
	hangupOnSelfAnswer bool
	telephony          TelephonyMonitor

	queue     *fifo[command]
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewService creates a dispatcher around the given manager.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Manager == nil {
		return nil, errors.New("manager cannot be nil")
	}
	if cfg.Sender == nil {
		return nil, errors.New("signaling sender cannot be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = RealTimeProvider{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.PendingOfferExpiry <= 0 {
		cfg.PendingOfferExpiry = DefaultPendingOfferExpiry
	}
	if cfg.BusyHangupDelay <= 0 {
		cfg.BusyHangupDelay = DefaultBusyHangupDelay
	}

	return &Service{
		manager:            cfg.Manager,
		sender:             cfg.Sender,
		clock:              cfg.Clock,
		callTimeout:        cfg.CallTimeout,
		pendingOfferExpiry: cfg.PendingOfferExpiry,
		busyHangupDelay:    cfg.BusyHangupDelay,
		hangupOnSelfAnswer: cfg.HangupOnSelfAnswer,
		telephony:          cfg.Telephony,
		queue:              newFIFO[command](),
	}, nil
}

// Start launches the dispatcher goroutine and wires the manager's engine
// callbacks back through the command queue.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.manager.SetConnectionStateHook(func(state media.ConnectionState) {
			s.enqueue("connection-state", func() { s.handleConnectionState(state) })
		})
		s.manager.SetRemoteStreamHook(func() {
			s.enqueue("remote-stream", s.manager.HandleRemoteStreamAdded)
		})
		s.manager.SetCandidateFlushHook(func(callID uuid.UUID, peer signal.Peer, candidates []media.IceCandidate) {
			s.enqueue("flush-candidates", func() { s.manager.FlushCandidateBatch(callID, peer, candidates) })
		})
		s.manager.SetRemoteVideoMuteHook(func(muted bool) {
			s.enqueue("remote-video-mute", func() {
				callID := s.manager.CallID()
				if err := s.manager.HandleRemoteVideoMute(muted, callID); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "handleRemoteVideoMute",
						"error":    err.Error(),
					}).Warn("Remote video mute dropped")
				}
			})
		})

		s.wg.Add(1)
		go s.loop()

		logrus.WithFields(logrus.Fields{
			"function": "Start",
		}).Info("Call service started")
	})
}

// Stop tears down any live call, drains the queue and stops the dispatcher.
// Commands submitted after Stop are dropped.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.enqueue("shutdown", func() {
			if !s.manager.IsIdle() {
				s.manager.HandleLocalHangup()
				s.terminate(EndedLocalHangup)
			}
		})
		s.queue.Close()
		s.wg.Wait()

		logrus.WithFields(logrus.Fields{
			"function": "Stop",
		}).Info("Call service stopped")
	})
}

func (s *Service) loop() {
	defer s.wg.Done()
	for {
		cmd, ok := s.queue.Pop()
		if !ok {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "loop",
			"command":  cmd.name,
		}).Debug("Dispatching")
		cmd.run()
	}
}

func (s *Service) enqueue(name string, run func()) bool {
	ok := s.queue.Push(command{name: name, run: run})
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "enqueue",
			"command":  name,
		}).Warn("Command dropped after shutdown")
	}
	return ok
}

// terminate ends the live session: it reports the reason and resets
// everything to idle. Safe from any state.
func (s *Service) terminate(reason EndReason) {
	s.manager.NotifyEnded(reason)
	s.manager.Stop()
}

// IncomingPreOffer submits an inbound pre-offer. The call timeout is armed
// here already: the relay may lose the follow-up offer, and a session parked
// in RemotePreOffer would otherwise busy out every later caller.
func (s *Service) IncomingPreOffer(callID uuid.UUID, peer signal.Peer, sentAt time.Time) error {
	if !s.enqueue("incoming-pre-offer", func() {
		if !s.manager.IsIdle() && s.manager.CallID() != callID {
			s.replyBusy(callID, peer)
			return
		}
		if err := s.manager.OnPreOffer(callID, peer, sentAt); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handlePreOffer",
				"call_id":  callID,
				"error":    err.Error(),
			}).Warn("Pre-offer dropped")
			return
		}
		s.scheduleTimeout(callID)
	}) {
		return ErrServiceStopped
	}
	return nil
}

// IncomingRing submits an inbound offer. A device that is already in a call
// or on a native cellular call answers with a busy signal and records a
// missed call.
func (s *Service) IncomingRing(offerSdp string, callID uuid.UUID, peer signal.Peer, sentAt time.Time) error {
	if !s.enqueue("incoming-ring", func() { s.handleIncomingRing(offerSdp, callID, peer, sentAt) }) {
		return ErrServiceStopped
	}
	return nil
}

func (s *Service) handleIncomingRing(offerSdp string, callID uuid.UUID, peer signal.Peer, sentAt time.Time) {
	state := s.manager.CurrentState()

	// Renegotiation offers for the live call carry its call id; they belong
	// to the media layer, not the lifecycle.
	if s.manager.CallID() == callID && state.In(Connecting, Connected, Reconnecting) {
		answer, err := s.manager.HandleRenegotiationOffer(offerSdp, callID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleIncomingRing",
				"call_id":  callID,
				"error":    err.Error(),
			}).Warn("Renegotiation offer dropped")
			return
		}
		s.sendAsync(answer, peer, func(sendErr error) {
			logrus.WithFields(logrus.Fields{
				"function": "handleIncomingRing",
				"call_id":  callID,
				"error":    sendErr.Error(),
			}).Warn("Sending renegotiation answer failed")
		})
		return
	}

	busy := !state.In(Idle, RemotePreOffer) || (s.manager.CallID() != uuid.Nil && s.manager.CallID() != callID)
	if !busy && s.telephony != nil && s.telephony.InNativeCall() {
		busy = true
	}
	if busy {
		s.replyBusy(callID, peer)
		return
	}

	if err := s.manager.OnIncomingRing(offerSdp, callID, peer, sentAt); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleIncomingRing",
			"call_id":  callID,
			"error":    err.Error(),
		}).Warn("Incoming ring dropped")
		return
	}
	s.scheduleTimeout(callID)
}

// replyBusy answers a ring we cannot take with a busy signal and records
// the missed call. The ringing session elsewhere is untouched.
func (s *Service) replyBusy(callID uuid.UUID, peer signal.Peer) {
	logrus.WithFields(logrus.Fields{
		"function": "replyBusy",
		"call_id":  callID,
		"peer":     peer,
		"state":    s.manager.CurrentState().String(),
	}).Info("Busy, rejecting incoming call")

	if err := s.sender.SendCallMessage(signal.NewBusy(callID, s.clock.Now()), peer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "replyBusy",
			"call_id":  callID,
			"error":    err.Error(),
		}).Warn("Sending busy signal failed")
	}
	s.manager.NotifyMissedCall(peer)
}

// OutgoingCall submits a local dial request.
func (s *Service) OutgoingCall(peer signal.Peer) error {
	if !s.enqueue("outgoing-call", func() { s.handleOutgoingCall(peer) }) {
		return ErrServiceStopped
	}
	return nil
}

func (s *Service) handleOutgoingCall(peer signal.Peer) {
	if !s.manager.IsIdle() {
		logrus.WithFields(logrus.Fields{
			"function": "handleOutgoingCall",
			"peer":     peer,
			"state":    s.manager.CurrentState().String(),
		}).Warn("Dial ignored while in a call")
		return
	}

	offer, err := s.manager.Dial(peer)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleOutgoingCall",
			"peer":     peer,
			"error":    err.Error(),
		}).Error("Dial failed")
		if !errors.Is(err, ErrSendFailed) {
			// The pre-offer already reached the relay; tell the callee the
			// call is off so it does not sit waiting for an offer.
			s.manager.HandleLocalHangup()
		}
		s.terminate(EndedNetworkFailure)
		return
	}

	s.scheduleTimeout(offer.CallID)
	s.sendGuarded(offer, peer, func() {
		logrus.WithFields(logrus.Fields{
			"function": "handleOutgoingCall",
			"call_id":  offer.CallID,
		}).Error("Offer delivery failed")
		s.terminate(EndedNetworkFailure)
	})
}

// AnswerCall submits a local answer of the ringing call.
func (s *Service) AnswerCall() error {
	if !s.enqueue("answer-call", s.handleAnswerCall) {
		return ErrServiceStopped
	}
	return nil
}

func (s *Service) handleAnswerCall() {
	if s.manager.CurrentState() != RemoteRing {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswerCall",
			"state":    s.manager.CurrentState().String(),
		}).Warn("Answer ignored outside ringing")
		return
	}

	peer := s.manager.Peer()
	if receivedAt, ok := s.manager.PendingOfferReceivedAt(); ok {
		if s.clock.Now().Sub(receivedAt) > s.pendingOfferExpiry {
			logrus.WithFields(logrus.Fields{
				"function": "handleAnswerCall",
				"call_id":  s.manager.CallID(),
				"age":      s.clock.Now().Sub(receivedAt).String(),
				"error":    ErrOfferExpired.Error(),
			}).Warn("Pending offer expired, not answering")
			s.manager.NotifyMissedCall(peer)
			s.terminate(EndedTimeout)
			return
		}
	}

	answer, err := s.manager.Answer()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswerCall",
			"error":    err.Error(),
		}).Error("Answer failed")
		s.manager.NotifyMissedCall(peer)
		s.terminate(EndedNetworkFailure)
		return
	}

	s.scheduleTimeout(answer.CallID)
	s.sendGuarded(answer, peer, func() {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswerCall",
			"call_id":  answer.CallID,
		}).Error("Answer delivery failed")
		s.manager.NotifyMissedCall(peer)
		s.terminate(EndedNetworkFailure)
	})
}

// DenyCall submits a local decline of the ringing call.
func (s *Service) DenyCall() error {
	if !s.enqueue("deny-call", func() {
		if !s.manager.CurrentState().In(CanDeclineStates...) {
			logrus.WithFields(logrus.Fields{
				"function": "handleDenyCall",
				"state":    s.manager.CurrentState().String(),
			}).Warn("Deny ignored outside ringing")
			return
		}
		s.manager.HandleDenyCall()
		s.terminate(EndedDeclined)
	}) {
		return ErrServiceStopped
	}
	return nil
}

// LocalHangup submits a local hangup. Safe in any state; with no live
// session it is a no-op.
func (s *Service) LocalHangup() error {
	if !s.enqueue("local-hangup", func() {
		if s.manager.IsIdle() {
			logrus.WithFields(logrus.Fields{
				"function": "handleLocalHangup",
			}).Debug("Hangup ignored while idle")
			return
		}
		s.manager.HandleLocalHangup()
		s.terminate(EndedLocalHangup)
	}) {
		return ErrServiceStopped
	}
	return nil
}

// RemoteHangup submits an inbound end-call message.
func (s *Service) RemoteHangup(callID uuid.UUID) error {
	if !s.enqueue("remote-hangup", func() { s.handleRemoteHangup(callID) }) {
		return ErrServiceStopped
	}
	return nil
}

func (s *Service) handleRemoteHangup(callID uuid.UUID) {
	if s.manager.CallID() != callID {
		logrus.WithFields(logrus.Fields{
			"function":        "handleRemoteHangup",
			"call_id":         callID,
			"current_call_id": s.manager.CallID(),
		}).Warn("Hangup for a different call, ignoring")
		return
	}

	state := s.manager.CurrentState()
	if state.In(CanDeclineStates...) {
		// Caller gave up before we answered.
		s.manager.NotifyMissedCall(s.manager.Peer())
	}

	reason := EndedRemoteHangup
	if state.In(OutgoingStates...) {
		reason = EndedDeclined
	}

	s.manager.HandleRemoteHangup()
	s.terminate(reason)
}

// RemoteBusy submits an inbound busy signal. Meaningful only while dialing
// the call it names; in any other state it is a no-op.
func (s *Service) RemoteBusy(callID uuid.UUID) error {
	if !s.enqueue("remote-busy", func() { s.handleRemoteBusy(callID) }) {
		return ErrServiceStopped
	}
	return nil
}

func (s *Service) handleRemoteBusy(callID uuid.UUID) {
	if s.manager.CallID() != callID || !s.manager.CurrentState().In(OutgoingStates...) {
		logrus.WithFields(logrus.Fields{
			"function": "handleRemoteBusy",
			"call_id":  callID,
			"state":    s.manager.CurrentState().String(),
		}).Warn("Busy signal for inactive dial, ignoring")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleRemoteBusy",
		"call_id":  callID,
	}).Info("Peer is busy")

	// Let the busy signal play before tearing down.
	s.clock.AfterFunc(s.busyHangupDelay, func() {
		s.enqueue("busy-finish", func() {
			if s.manager.CallID() != callID {
				return
			}
			s.manager.HandleLocalHangup()
			s.terminate(EndedBusy)
		})
	})
}

// ResponseMessage submits an inbound answer.
func (s *Service) ResponseMessage(peer signal.Peer, callID uuid.UUID, answerSdp string) error {
	if !s.enqueue("response-message", func() { s.handleResponseMessage(peer, callID, answerSdp) }) {
		return ErrServiceStopped
	}
	return nil
}

func (s *Service) handleResponseMessage(peer signal.Peer, callID uuid.UUID, answerSdp string) {
	// An answer for the live call past ringing completes a renegotiation.
	if s.manager.CallID() == callID && s.manager.CurrentState().In(Connecting, Connected, Reconnecting) {
		if err := s.manager.HandleRenegotiationAnswer(answerSdp, callID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleResponseMessage",
				"call_id":  callID,
				"error":    err.Error(),
			}).Warn("Renegotiation answer dropped")
		}
		return
	}

	err := s.manager.HandleResponseMessage(peer, callID, answerSdp)
	switch {
	case err == nil:
	case errors.Is(err, ErrSelfAnswer):
		if s.hangupOnSelfAnswer {
			logrus.WithFields(logrus.Fields{
				"function": "handleResponseMessage",
				"call_id":  callID,
			}).Info("Call answered on another device, hanging up")
			s.manager.HandleRemoteHangup()
			s.terminate(EndedRemoteHangup)
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleResponseMessage",
			"call_id":  callID,
		}).Warn("Rejecting answer echoed from own address")
	case errors.Is(err, ErrWrongCall), errors.Is(err, ErrStateViolation):
		logrus.WithFields(logrus.Fields{
			"function": "handleResponseMessage",
			"call_id":  callID,
			"error":    err.Error(),
		}).Warn("Answer dropped")
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleResponseMessage",
			"call_id":  callID,
			"error":    err.Error(),
		}).Error("Applying answer failed")
		s.terminate(EndedNetworkFailure)
	}
}

// IceMessage submits inbound remote ICE candidates.
func (s *Service) IceMessage(candidates []media.IceCandidate, callID uuid.UUID) error {
	if !s.enqueue("ice-message", func() {
		if err := s.manager.HandleRemoteIceCandidate(candidates, callID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleIceMessage",
				"call_id":  callID,
				"error":    err.Error(),
			}).Warn("Remote candidates dropped")
		}
	}) {
		return ErrServiceStopped
	}
	return nil
}

// SetMuteAudio submits a microphone toggle.
func (s *Service) SetMuteAudio(muted bool) error {
	if !s.enqueue("set-mute-audio", func() { s.manager.SetMuteAudio(muted) }) {
		return ErrServiceStopped
	}
	return nil
}

// SetMuteVideo submits a camera toggle.
func (s *Service) SetMuteVideo(muted bool) error {
	if !s.enqueue("set-mute-video", func() { s.manager.SetMuteVideo(muted) }) {
		return ErrServiceStopped
	}
	return nil
}

// FlipCamera submits a camera flip.
func (s *Service) FlipCamera() error {
	if !s.enqueue("flip-camera", func() {
		if err := s.manager.FlipCamera(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleFlipCamera",
				"error":    err.Error(),
			}).Warn("Camera flip failed")
		}
	}) {
		return ErrServiceStopped
	}
	return nil
}

// NetworkChanged submits a connectivity change. Going offline mid-call
// starts the reconnecting cycle; coming back online while reconnecting
// restarts ICE and renegotiates.
func (s *Service) NetworkChanged(online bool) error {
	if !s.enqueue("network-changed", func() { s.handleNetworkChanged(online) }) {
		return ErrServiceStopped
	}
	return nil
}

func (s *Service) handleNetworkChanged(online bool) {
	state := s.manager.CurrentState()

	if !online {
		if state == Connected {
			s.manager.HandleIceDisconnected()
		}
		return
	}
	if state != Reconnecting {
		return
	}

	offer, err := s.manager.HandleNetworkReconnect()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleNetworkChanged",
			"error":    err.Error(),
		}).Error("ICE restart failed")
		s.terminate(EndedNetworkFailure)
		return
	}
	s.sendGuarded(offer, s.manager.Peer(), func() {
		logrus.WithFields(logrus.Fields{
			"function": "handleNetworkChanged",
			"call_id":  offer.CallID,
		}).Error("Renegotiation offer delivery failed")
		s.terminate(EndedNetworkFailure)
	})
}

func (s *Service) handleConnectionState(state media.ConnectionState) {
	logrus.WithFields(logrus.Fields{
		"function": "handleConnectionState",
		"state":    state.String(),
	}).Debug("Engine connection state changed")

	switch state {
	case media.ConnectionConnected:
		s.manager.HandleConnected()
	case media.ConnectionDisconnected:
		s.manager.HandleIceDisconnected()
	case media.ConnectionFailed:
		if s.manager.HandleIceFailed() {
			s.terminate(EndedNetworkFailure)
		} else if s.manager.CurrentState() == Reconnecting {
			// Recovery failed for good.
			s.terminate(EndedNetworkFailure)
		}
	}
}

// scheduleTimeout arms the call timeout for callID. The check re-validates
// the call id, so a timer for a finished call fires into nothing.
func (s *Service) scheduleTimeout(callID uuid.UUID) {
	s.clock.AfterFunc(s.callTimeout, func() {
		s.enqueue("check-timeout", func() { s.handleCheckTimeout(callID) })
	})
}

func (s *Service) handleCheckTimeout(callID uuid.UUID) {
	if s.manager.CallID() != callID {
		return
	}
	if !s.manager.CurrentState().In(PendingConnectionStates...) {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleCheckTimeout",
		"call_id":  callID,
	}).Warn("Call never connected, timing out")

	s.manager.HandleTimeout()
	s.manager.HandleLocalHangup()
	s.terminate(EndedTimeout)
}

// sendAsync delivers msg off the dispatcher goroutine and reports failure
// through onErr on the dispatcher.
func (s *Service) sendAsync(msg *signal.Message, to signal.Peer, onErr func(error)) {
	go func() {
		err := s.sender.SendCallMessage(msg, to)
		if err == nil {
			return
		}
		s.enqueue("send-result", func() { onErr(err) })
	}()
}

// sendGuarded delivers msg off the dispatcher goroutine. A failure only
// matters if the session still looks exactly like it did when the send
// started; a call that was hung up or replaced in the meantime ignores the
// stale result.
func (s *Service) sendGuarded(msg *signal.Message, to signal.Peer, onFailure func()) {
	expectedState, expectedCallID := s.manager.StateAndCallID()
	go func() {
		err := s.sender.SendCallMessage(msg, to)
		if err == nil {
			return
		}
		s.enqueue("send-result", func() {
			state, callID := s.manager.StateAndCallID()
			if state != expectedState || callID != expectedCallID {
				logrus.WithFields(logrus.Fields{
					"function":       "sendGuarded",
					"expected_state": expectedState.String(),
					"state":          state.String(),
					"call_id":        callID,
					"error":          ErrStaleAsyncResult.Error(),
				}).Info("Discarding stale send failure")
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "sendGuarded",
				"call_id":  callID,
				"error":    err.Error(),
			}).Error("Signaling send failed")
			onFailure()
		})
	}()
}
