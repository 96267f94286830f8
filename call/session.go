package call

import (
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/callcore/media"
	"github.com/opd-ai/callcore/signal"
)

// session holds the mutable state of the one call currently being handled.
// A zero callID means no call is bound. The session exists so that all the
// "maybe not set yet" fields reset through a single point instead of being
// cleared piecemeal.
//
// Access is guarded by the Manager's mutex; the session itself has none.
type session struct {
	callID uuid.UUID
	peer   signal.Peer

	// pendingOffer is the remote SDP held between the incoming ring and the
	// user answering; the media engine is not created until then.
	pendingOffer   string
	pendingOfferAt time.Time

	localAudio  bool
	localVideo  bool
	remoteVideo bool

	// incomingIce buffers remote candidates that arrive before the media
	// engine exists.
	incomingIce []media.IceCandidate
}

// bound reports whether a call identity is attached.
func (s *session) bound() bool {
	return s.callID != uuid.Nil
}

// matches reports whether the session is bound to the given call.
func (s *session) matches(callID uuid.UUID) bool {
	return s.bound() && s.callID == callID
}

// reset clears every field back to defaults. Audio starts enabled for the
// next call, mirroring how a fresh call opens with a live microphone.
func (s *session) reset() {
	s.callID = uuid.Nil
	s.peer = ""
	s.pendingOffer = ""
	s.pendingOfferAt = time.Time{}
	s.localAudio = true
	s.localVideo = false
	s.remoteVideo = false
	s.incomingIce = nil
}

// queueIncomingCandidates buffers candidates for later application.
func (s *session) queueIncomingCandidates(candidates []media.IceCandidate) {
	s.incomingIce = append(s.incomingIce, candidates...)
}

// drainIncomingCandidates empties and returns the buffered candidates.
func (s *session) drainIncomingCandidates() []media.IceCandidate {
	drained := s.incomingIce
	s.incomingIce = nil
	return drained
}
