package media

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// sideChannelLabel is the data channel used for out-of-band mute signaling.
// The channel is negotiated with a fixed ID so both sides open it without a
// round trip.
const sideChannelLabel = "signaling"

const sideChannelID = 548

// CameraController abstracts platform camera selection. The engine only
// tracks which facing is active; actual capture is the platform's concern.
type CameraController interface {
	// Flip switches to the next capture device and reports the new facing.
	Flip() (front bool, err error)
}

// PionConfig configures the pion-backed engine factory.
type PionConfig struct {
	// IceServers lists STUN/TURN servers handed to the peer connection.
	IceServers []webrtc.ICEServer

	// ForceRelay restricts ICE to relay candidates only.
	ForceRelay bool

	// AudioTrack and VideoTrack are the local capture tracks, if any.
	// Mute toggles detach and re-attach them on the corresponding sender.
	AudioTrack webrtc.TrackLocal
	VideoTrack webrtc.TrackLocal

	// Camera handles capture-device switching. Optional.
	Camera CameraController
}

// PionFactory creates pion/webrtc backed engines.
type PionFactory struct {
	config PionConfig
}

// NewPionFactory returns a Factory producing engines configured with cfg.
func NewPionFactory(cfg PionConfig) *PionFactory {
	return &PionFactory{config: cfg}
}

// NewEngine creates a peer connection with sendrecv audio/video transceivers
// and the negotiated side channel, and wires observer callbacks.
func (f *PionFactory) NewEngine(observer Observer) (Engine, error) {
	config := webrtc.Configuration{
		ICEServers:    f.config.IceServers,
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	}
	if f.config.ForceRelay {
		config.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	engine := &pionEngine{
		pc:       pc,
		observer: observer,
		camera:   f.config.Camera,
	}

	if err := engine.setupTransceivers(f.config); err != nil {
		pc.Close()
		return nil, err
	}
	if err := engine.setupSideChannel(); err != nil {
		pc.Close()
		return nil, err
	}
	engine.wireCallbacks()

	return engine, nil
}

// pionEngine implements Engine on top of a pion peer connection.
type pionEngine struct {
	pc       *webrtc.PeerConnection
	observer Observer
	camera   CameraController

	mu          sync.Mutex
	closed      bool
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal
	sideChannel *webrtc.DataChannel
	sawRemote   bool
	frontCamera bool
}

func (e *pionEngine) setupTransceivers(cfg PionConfig) error {
	e.audioTrack = cfg.AudioTrack
	e.videoTrack = cfg.VideoTrack

	audioInit := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}
	videoInit := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}

	var audio, video *webrtc.RTPTransceiver
	var err error

	if cfg.AudioTrack != nil {
		audio, err = e.pc.AddTransceiverFromTrack(cfg.AudioTrack, audioInit)
	} else {
		audio, err = e.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, audioInit)
	}
	if err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}
	e.audioSender = audio.Sender()

	if cfg.VideoTrack != nil {
		video, err = e.pc.AddTransceiverFromTrack(cfg.VideoTrack, videoInit)
	} else {
		video, err = e.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, videoInit)
	}
	if err != nil {
		return fmt.Errorf("add video transceiver: %w", err)
	}
	e.videoSender = video.Sender()

	return nil
}

func (e *pionEngine) setupSideChannel() error {
	ordered := true
	negotiated := true
	id := uint16(sideChannelID)

	channel, err := e.pc.CreateDataChannel(sideChannelLabel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		return fmt.Errorf("create side channel: %w", err)
	}

	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		var payload sideChannelPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "OnMessage",
				"error":    err.Error(),
			}).Warn("Dropping malformed side channel payload")
			return
		}
		if payload.Video != nil {
			e.observer.OnRemoteVideoMuted(!*payload.Video)
		}
	})

	e.sideChannel = channel
	return nil
}

// sideChannelPayload is the JSON shape exchanged over the side channel.
// Video carries the remote track enablement, not the mute flag.
type sideChannelPayload struct {
	Video *bool `json:"video,omitempty"`
}

func (e *pionEngine) wireCallbacks() {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Gathering finished.
			return
		}
		init := c.ToJSON()
		candidate := IceCandidate{Sdp: init.Candidate}
		if init.SDPMid != nil {
			candidate.SdpMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			candidate.SdpMLineIndex = int(*init.SDPMLineIndex)
		}
		e.observer.OnIceCandidate(candidate)
	})

	e.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function": "OnConnectionStateChange",
			"state":    state.String(),
		}).Debug("Peer connection state changed")
		e.observer.OnConnectionStateChange(mapConnectionState(state))
	})

	e.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		logrus.WithFields(logrus.Fields{
			"function": "OnTrack",
			"kind":     track.Kind().String(),
		}).Debug("Remote track added")
		e.mu.Lock()
		first := !e.sawRemote
		e.sawRemote = true
		e.mu.Unlock()
		if first {
			e.observer.OnRemoteStreamAdded()
		}
	})
}

func mapConnectionState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionClosed
	default:
		return ConnectionNew
	}
}

// CreateOffer produces and applies a local offer.
func (e *pionEngine) CreateOffer() (string, error) {
	if e.isClosed() {
		return "", ErrEngineClosed
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer produces and applies a local answer.
func (e *pionEngine) CreateAnswer() (string, error) {
	if e.isClosed() {
		return "", ErrEngineClosed
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

// RestartIce produces an offer with fresh ICE credentials for renegotiation.
func (e *pionEngine) RestartIce() (string, error) {
	if e.isClosed() {
		return "", ErrEngineClosed
	}
	offer, err := e.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return "", fmt.Errorf("create restart offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set restart offer: %w", err)
	}
	return offer.SDP, nil
}

// SetRemoteDescription applies the remote SDP.
func (e *pionEngine) SetRemoteDescription(kind DescriptionKind, sdp string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	sdpType := webrtc.SDPTypeOffer
	if kind == KindAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	desc := webrtc.SessionDescription{Type: sdpType, SDP: sdp}
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", kind, err)
	}
	return nil
}

// AddIceCandidate applies a remote candidate.
func (e *pionEngine) AddIceCandidate(candidate IceCandidate) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	if e.pc.RemoteDescription() == nil {
		return ErrNoRemoteDescription
	}
	mid := candidate.SdpMid
	index := uint16(candidate.SdpMLineIndex)
	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Sdp,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// SetAudioEnabled toggles the local audio track by detaching or re-attaching
// it on the sender. With no configured track this only records intent.
func (e *pionEngine) SetAudioEnabled(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return toggleTrack(e.audioSender, e.audioTrack, enabled)
}

// SetVideoEnabled toggles the local video track.
func (e *pionEngine) SetVideoEnabled(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return toggleTrack(e.videoSender, e.videoTrack, enabled)
}

func toggleTrack(sender *webrtc.RTPSender, track webrtc.TrackLocal, enabled bool) error {
	if sender == nil || track == nil {
		return nil
	}
	if enabled {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

// FlipCamera switches the capture device through the configured controller.
func (e *pionEngine) FlipCamera() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.camera == nil {
		return ErrNoCamera
	}
	front, err := e.camera.Flip()
	if err != nil {
		return fmt.Errorf("flip camera: %w", err)
	}
	e.frontCamera = front
	return nil
}

// NotifyVideoMuted signals a local video mute toggle over the side channel.
func (e *pionEngine) NotifyVideoMuted(muted bool) error {
	e.mu.Lock()
	channel := e.sideChannel
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrEngineClosed
	}
	if channel == nil {
		return nil
	}
	enabled := !muted
	payload, err := json.Marshal(sideChannelPayload{Video: &enabled})
	if err != nil {
		return fmt.Errorf("encode mute payload: %w", err)
	}
	if err := channel.Send(payload); err != nil {
		return fmt.Errorf("send mute payload: %w", err)
	}
	return nil
}

// Dispose closes the peer connection. Safe to call more than once.
func (e *pionEngine) Dispose() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	if err := e.pc.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dispose",
			"error":    err.Error(),
		}).Warn("Closing peer connection failed")
	}
}

func (e *pionEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
