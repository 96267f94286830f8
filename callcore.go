// Package callcore implements one-to-one voice and video call signaling and
// session orchestration over a store-and-forward message relay.
//
// The package owns the call lifecycle state machine, pre-offer/offer/answer
// signaling, ICE candidate batching and the WebRTC media session; delivering
// signaling messages between peers is the caller's job, through the Sender
// it supplies and the messages it feeds back in.
//
// Example:
//
//	options := callcore.NewOptions()
//	options.LocalAddress = "05aabb..."
//
//	client, err := callcore.New(options, sender)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.Start()
//	defer client.Stop()
//
//	client.OnStateChange(func(snapshot call.StateSnapshot) {
//	    fmt.Printf("call state: %s\n", snapshot.State)
//	})
//
//	// Feed inbound signaling from the relay.
//	if err := client.HandleRawMessage(payload); err != nil {
//	    log.Println(err)
//	}
//
//	// Place a call.
//	if err := client.Dial("05ccdd..."); err != nil {
//	    log.Println(err)
//	}
package callcore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callcore/call"
	"github.com/opd-ai/callcore/media"
	"github.com/opd-ai/callcore/signal"
)

// Options contains client configuration.
type Options struct {
	// LocalAddress is this device's own relay address, used to detect
	// answers echoed back from linked devices.
	LocalAddress signal.Peer

	// IceServers are the STUN/TURN servers handed to the media engine.
	IceServers []webrtc.ICEServer

	// ForceRelay restricts ICE to TURN relay candidates, hiding the
	// device's addresses from the peer.
	ForceRelay bool

	// DebounceInterval is the quiet period for batching locally gathered
	// ICE candidates into one signaling message.
	DebounceInterval time.Duration

	// CallTimeout bounds how long an unconnected call may ring.
	CallTimeout time.Duration

	// PendingOfferExpiry is the maximum age of an incoming offer the user
	// may still answer.
	PendingOfferExpiry time.Duration

	// BusyHangupDelay is how long the busy signal plays before an outgoing
	// call to a busy peer tears down.
	BusyHangupDelay time.Duration

	// HangupOnSelfAnswer treats an answer from LocalAddress as "answered
	// on another device" and hangs up instead of rejecting it.
	HangupOnSelfAnswer bool

	// CallsEnabled gates inbound call messages per sender. Nil accepts
	// calls from everyone.
	CallsEnabled func(peer signal.Peer) bool

	// EngineFactory overrides the default pion-backed media engine.
	EngineFactory media.Factory

	// Telephony, when set, busies out incoming rings during native
	// cellular calls.
	Telephony call.TelephonyMonitor

	// Clock overrides the system clock. Tests use a fake one.
	Clock call.TimeProvider
}

// NewOptions creates an Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		IceServers: []webrtc.ICEServer{
			{URLs: []string{"stun:freyr.getsession.org:5349"}},
			{
				URLs:           []string{"turn:freyr.getsession.org:5349"},
				Username:       "webrtc",
				Credential:     "webrtc",
				CredentialType: webrtc.ICECredentialTypePassword,
			},
		},
		DebounceInterval:   call.DefaultDebounceInterval,
		CallTimeout:        call.DefaultCallTimeout,
		PendingOfferExpiry: call.DefaultPendingOfferExpiry,
		BusyHangupDelay:    call.DefaultBusyHangupDelay,
	}
}

// Client is the top-level call client: it wires the inbound message router,
// the command dispatcher and the session orchestrator together behind one
// surface.
type Client struct {
	options *Options
	manager *call.Manager
	service *call.Service
	router  *call.Router

	mu      sync.Mutex
	running bool
}

// New creates a call client. The sender delivers outbound signaling
// messages to peers over the relay.
func New(options *Options, sender call.Sender) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	if sender == nil {
		return nil, errors.New("sender cannot be nil")
	}

	factory := options.EngineFactory
	if factory == nil {
		factory = media.NewPionFactory(media.PionConfig{
			IceServers: options.IceServers,
			ForceRelay: options.ForceRelay,
		})
	}

	manager, err := call.NewManager(call.ManagerConfig{
		Factory:          factory,
		Sender:           sender,
		Clock:            options.Clock,
		LocalAddress:     options.LocalAddress,
		DebounceInterval: options.DebounceInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("create manager: %w", err)
	}

	service, err := call.NewService(call.ServiceConfig{
		Manager:            manager,
		Sender:             sender,
		Clock:              options.Clock,
		CallTimeout:        options.CallTimeout,
		PendingOfferExpiry: options.PendingOfferExpiry,
		BusyHangupDelay:    options.BusyHangupDelay,
		HangupOnSelfAnswer: options.HangupOnSelfAnswer,
		Telephony:          options.Telephony,
	})
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}

	router, err := call.NewRouter(call.RouterConfig{
		Service:      service,
		CallsEnabled: options.CallsEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	return &Client{
		options: options,
		manager: manager,
		service: service,
		router:  router,
	}, nil
}

// Start launches the client's router and dispatcher goroutines.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.service.Start()
	c.router.Start()
	c.running = true

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"local":    c.options.LocalAddress,
	}).Info("Call client started")
}

// Stop tears down any live call and shuts the client down.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.router.Stop()
	c.service.Stop()
	c.running = false

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Call client stopped")
}

// IsRunning reports whether the client is started.
func (c *Client) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// DeliverMessage feeds one inbound signaling message into the client.
func (c *Client) DeliverMessage(msg *signal.Message) error {
	return c.router.Submit(msg)
}

// HandleRawMessage decodes and feeds one inbound signaling payload.
func (c *Client) HandleRawMessage(data []byte) error {
	msg, err := signal.Decode(data)
	if err != nil {
		return fmt.Errorf("decode call message: %w", err)
	}
	return c.router.Submit(msg)
}

// Dial starts an outgoing call to peer.
func (c *Client) Dial(peer signal.Peer) error {
	return c.service.OutgoingCall(peer)
}

// Answer accepts the currently ringing incoming call.
func (c *Client) Answer() error {
	return c.service.AnswerCall()
}

// Decline rejects the currently ringing incoming call.
func (c *Client) Decline() error {
	return c.service.DenyCall()
}

// Hangup ends the current call. Safe to call in any state.
func (c *Client) Hangup() error {
	return c.service.LocalHangup()
}

// SetMicrophoneEnabled toggles the local microphone.
func (c *Client) SetMicrophoneEnabled(enabled bool) error {
	return c.service.SetMuteAudio(!enabled)
}

// SetCameraEnabled toggles the local camera. The peer is notified over the
// call's side channel.
func (c *Client) SetCameraEnabled(enabled bool) error {
	return c.service.SetMuteVideo(!enabled)
}

// FlipCamera switches between capture devices during a call.
func (c *Client) FlipCamera() error {
	return c.service.FlipCamera()
}

// NetworkChanged informs the client of a connectivity change. Call it from
// the platform's network monitor.
func (c *Client) NetworkChanged(online bool) error {
	return c.service.NetworkChanged(online)
}

// State returns the current call session snapshot.
func (c *Client) State() call.StateSnapshot {
	return c.manager.Snapshot()
}

// OnStateChange registers a callback for session snapshot updates. The
// callback runs on the dispatcher goroutine and must return promptly.
func (c *Client) OnStateChange(callback call.StateListener) {
	c.manager.AddStateListener(callback)
}

// OnCallEnded registers a callback for call terminations.
func (c *Client) OnCallEnded(callback call.EndListener) {
	c.manager.AddEndListener(callback)
}

// OnMissedCall registers a callback for missed incoming calls.
func (c *Client) OnMissedCall(callback call.MissedCallListener) {
	c.manager.AddMissedCallListener(callback)
}
