package call

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callcore/media"
	"github.com/opd-ai/callcore/signal"
)

// dedupCapacity bounds the router's seen-message set. Old fingerprints are
// evicted in arrival order.
const dedupCapacity = 512

// RouterConfig configures a Router.
type RouterConfig struct {
	// Service receives the dispatched messages. Required.
	Service *Service

	// CallsEnabled gates inbound call messages per sender. Nil means
	// always enabled.
	CallsEnabled func(peer signal.Peer) bool
}

// Router drains the inbound signaling queue: it validates each message,
// applies the calls-enabled gate, drops relay redeliveries of candidate
// batches, and dispatches by type onto the Service. Like the dispatcher it
// is one queue and one goroutine; messages are processed strictly in
// arrival order.
type Router struct {
	service      *Service
	callsEnabled func(peer signal.Peer) bool

	queue     *fifo[*signal.Message]
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	// Touched only by the router goroutine.
	seen      map[[32]byte]struct{}
	seenOrder [][32]byte
}

// NewRouter creates a router dispatching onto the given service.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Service == nil {
		return nil, errors.New("service cannot be nil")
	}
	return &Router{
		service:      cfg.Service,
		callsEnabled: cfg.CallsEnabled,
		queue:        newFIFO[*signal.Message](),
		seen:         make(map[[32]byte]struct{}),
	}, nil
}

// Start launches the router goroutine.
func (r *Router) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop()
	})
}

// Stop drains and stops the router. Messages submitted after Stop are
// dropped.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		r.queue.Close()
		r.wg.Wait()
	})
}

// Submit queues an inbound signaling message for processing.
func (r *Router) Submit(msg *signal.Message) error {
	if !r.queue.Push(msg) {
		return ErrServiceStopped
	}
	return nil
}

func (r *Router) loop() {
	defer r.wg.Done()
	for {
		msg, ok := r.queue.Pop()
		if !ok {
			return
		}
		r.process(msg)
	}
}

func (r *Router) process(msg *signal.Message) {
	if msg == nil {
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"function": "process",
		"type":     msg.Type.String(),
		"call_id":  msg.CallID,
		"sender":   msg.Sender,
	})

	if err := msg.Validate(); err != nil {
		log.WithField("error", err.Error()).Warn("Dropping malformed call message")
		return
	}
	if r.callsEnabled != nil && !r.callsEnabled(msg.Sender) {
		log.Info("Dropping call message, calls disabled for sender")
		return
	}
	if msg.Type == signal.TypeIceCandidates && r.alreadySeen(msg) {
		log.Debug("Dropping redelivered candidate batch")
		return
	}

	log.Debug("Routing call message")

	var err error
	switch msg.Type {
	case signal.TypePreOffer:
		err = r.service.IncomingPreOffer(msg.CallID, msg.Sender, msg.SentAt)
	case signal.TypeOffer:
		err = r.service.IncomingRing(msg.Sdps[0], msg.CallID, msg.Sender, msg.SentAt)
	case signal.TypeAnswer:
		err = r.service.ResponseMessage(msg.Sender, msg.CallID, msg.Sdps[0])
	case signal.TypeIceCandidates:
		err = r.service.IceMessage(candidatesOf(msg), msg.CallID)
	case signal.TypeEndCall:
		err = r.service.RemoteHangup(msg.CallID)
	case signal.TypeBusy:
		err = r.service.RemoteBusy(msg.CallID)
	}
	if err != nil {
		log.WithField("error", err.Error()).Warn("Dispatch failed")
	}
}

// alreadySeen records the message fingerprint and reports whether it was
// processed before. The relay may deliver a message more than once.
func (r *Router) alreadySeen(msg *signal.Message) bool {
	fingerprint := msg.Fingerprint()
	if _, ok := r.seen[fingerprint]; ok {
		return true
	}
	r.seen[fingerprint] = struct{}{}
	r.seenOrder = append(r.seenOrder, fingerprint)
	if len(r.seenOrder) > dedupCapacity {
		oldest := r.seenOrder[0]
		r.seenOrder = r.seenOrder[1:]
		delete(r.seen, oldest)
	}
	return false
}

// candidatesOf converts the message's parallel candidate arrays. Validate
// has already established they are non-empty and of equal length.
func candidatesOf(msg *signal.Message) []media.IceCandidate {
	candidates := make([]media.IceCandidate, len(msg.Sdps))
	for i := range msg.Sdps {
		candidates[i] = media.IceCandidate{
			Sdp:           msg.Sdps[i],
			SdpMLineIndex: msg.SdpMLineIndexes[i],
			SdpMid:        msg.SdpMids[i],
		}
	}
	return candidates
}
