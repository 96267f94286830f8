package call

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callcore/media"
	"github.com/opd-ai/callcore/signal"
)

// DefaultDebounceInterval is the quiet period after the last locally
// gathered candidate before the accumulated batch is flushed.
const DefaultDebounceInterval = 2 * time.Second

// IceBatcher coalesces locally gathered ICE candidates into one outbound
// signaling message per quiet period, instead of one message per candidate.
// The debounce timer is single-shot and restarts on every new candidate
// (trailing edge). The batch is bound to the call it accumulated under; the
// flush callback receives that identity and discards the batch if the
// session has moved on.
type IceBatcher struct {
	mu       sync.Mutex
	interval time.Duration
	clock    TimeProvider
	flush    func(callID uuid.UUID, peer signal.Peer, candidates []media.IceCandidate)

	pending []media.IceCandidate
	callID  uuid.UUID
	peer    signal.Peer
	timer   TimerHandle
}

// NewIceBatcher returns a batcher flushing through the given callback after
// interval of quiet.
func NewIceBatcher(interval time.Duration, clock TimeProvider, flush func(uuid.UUID, signal.Peer, []media.IceCandidate)) *IceBatcher {
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	if clock == nil {
		clock = RealTimeProvider{}
	}
	return &IceBatcher{
		interval: interval,
		clock:    clock,
		flush:    flush,
	}
}

// Add accumulates a candidate for the given call and (re)starts the
// debounce timer.
func (b *IceBatcher) Add(callID uuid.UUID, peer signal.Peer, candidate media.IceCandidate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) > 0 && b.callID != callID {
		// Leftovers from a previous call that never flushed; drop them
		// rather than mixing calls in one batch.
		logrus.WithFields(logrus.Fields{
			"function":      "Add",
			"stale_call_id": b.callID,
			"call_id":       callID,
			"dropped":       len(b.pending),
		}).Warn("Discarding candidates accumulated for a previous call")
		b.pending = nil
	}

	b.callID = callID
	b.peer = peer
	b.pending = append(b.pending, candidate)

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = b.clock.AfterFunc(b.interval, b.fire)

	logrus.WithFields(logrus.Fields{
		"function": "Add",
		"call_id":  callID,
		"pending":  len(b.pending),
	}).Debug("Accumulated local ICE candidate")
}

// fire drains the accumulator and hands the batch to the flush callback.
func (b *IceBatcher) fire() {
	b.mu.Lock()
	candidates := b.pending
	callID := b.callID
	peer := b.peer
	b.pending = nil
	b.timer = nil
	b.mu.Unlock()

	if len(candidates) == 0 {
		return
	}
	b.flush(callID, peer, candidates)
}

// Clear drops any accumulated candidates and cancels the pending flush.
// Called unconditionally when the session resets so stale candidates never
// leak into a new call.
func (b *IceBatcher) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
	b.callID = uuid.Nil
	b.peer = ""
}

// PendingCount returns the number of accumulated candidates.
func (b *IceBatcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
