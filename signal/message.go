// Package signal defines the wire-level call signaling messages exchanged
// between peers over the store-and-forward message relay. Delivery is
// at-least-once and possibly out of order; consumers validate and
// deduplicate before acting.
package signal

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Peer is the remote party's stable messaging address. It identifies an
// account, not a transient network endpoint.
type Peer string

// Type tags the signaling message variants.
type Type uint8

const (
	// TypePreOffer announces an incoming call before the SDP offer arrives,
	// so the callee can start ringing without the heavier payload.
	TypePreOffer Type = iota
	// TypeOffer carries the caller's SDP offer.
	TypeOffer
	// TypeAnswer carries the callee's SDP answer.
	TypeAnswer
	// TypeIceCandidates carries one or more ICE candidates as parallel arrays.
	TypeIceCandidates
	// TypeEndCall terminates a call attempt from either side.
	TypeEndCall
	// TypeBusy rejects an incoming call because another call is active.
	TypeBusy
)

// String returns the wire name of the message type.
func (t Type) String() string {
	switch t {
	case TypePreOffer:
		return "pre-offer"
	case TypeOffer:
		return "offer"
	case TypeAnswer:
		return "answer"
	case TypeIceCandidates:
		return "ice-candidates"
	case TypeEndCall:
		return "end-call"
	case TypeBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Validation errors.
var (
	// ErrMissingCallID indicates the message carries no call identifier.
	ErrMissingCallID = errors.New("signaling message has no call id")

	// ErrMissingSdp indicates an offer or answer with no SDP payload.
	ErrMissingSdp = errors.New("signaling message has no sdp payload")

	// ErrNoCandidates indicates an ICE message with no candidates.
	ErrNoCandidates = errors.New("signaling message has no candidates")

	// ErrUnevenCandidates indicates the parallel candidate arrays differ in
	// length.
	ErrUnevenCandidates = errors.New("candidate arrays have uneven lengths")

	// ErrUnknownType indicates an unrecognized message type.
	ErrUnknownType = errors.New("unknown signaling message type")
)

// Message is a single signaling message. The candidate fields are parallel
// arrays: index i across Sdps, SdpMLineIndexes and SdpMids describes one
// candidate. Offers and answers use Sdps[0] only.
type Message struct {
	Type            Type      `json:"type"`
	CallID          uuid.UUID `json:"callId"`
	Sender          Peer      `json:"sender,omitempty"`
	Sdps            []string  `json:"sdps,omitempty"`
	SdpMLineIndexes []int     `json:"sdpMLineIndexes,omitempty"`
	SdpMids         []string  `json:"sdpMids,omitempty"`
	SentAt          time.Time `json:"sentAt,omitempty"`
}

// NewPreOffer builds the lightweight ring notification.
func NewPreOffer(callID uuid.UUID, sentAt time.Time) *Message {
	return &Message{Type: TypePreOffer, CallID: callID, SentAt: sentAt}
}

// NewOffer builds an offer message carrying one SDP payload.
func NewOffer(callID uuid.UUID, sdp string, sentAt time.Time) *Message {
	return &Message{Type: TypeOffer, CallID: callID, Sdps: []string{sdp}, SentAt: sentAt}
}

// NewAnswer builds an answer message carrying one SDP payload.
func NewAnswer(callID uuid.UUID, sdp string, sentAt time.Time) *Message {
	return &Message{Type: TypeAnswer, CallID: callID, Sdps: []string{sdp}, SentAt: sentAt}
}

// NewIceCandidates builds a batched candidate message from parallel arrays.
func NewIceCandidates(callID uuid.UUID, sdps []string, indexes []int, mids []string, sentAt time.Time) *Message {
	return &Message{
		Type:            TypeIceCandidates,
		CallID:          callID,
		Sdps:            sdps,
		SdpMLineIndexes: indexes,
		SdpMids:         mids,
		SentAt:          sentAt,
	}
}

// NewEndCall builds a hangup message.
func NewEndCall(callID uuid.UUID, sentAt time.Time) *Message {
	return &Message{Type: TypeEndCall, CallID: callID, SentAt: sentAt}
}

// NewBusy builds a busy rejection for callID.
func NewBusy(callID uuid.UUID, sentAt time.Time) *Message {
	return &Message{Type: TypeBusy, CallID: callID, SentAt: sentAt}
}

// Validate reports whether the message is well formed. Malformed messages
// are dropped at the router and never reach the call core.
func (m *Message) Validate() error {
	if m.CallID == uuid.Nil {
		return ErrMissingCallID
	}
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if len(m.Sdps) == 0 || m.Sdps[0] == "" {
			return ErrMissingSdp
		}
	case TypeIceCandidates:
		if len(m.Sdps) == 0 {
			return ErrNoCandidates
		}
		if len(m.Sdps) != len(m.SdpMLineIndexes) || len(m.SdpMLineIndexes) != len(m.SdpMids) {
			return ErrUnevenCandidates
		}
	case TypePreOffer, TypeEndCall, TypeBusy:
		// No payload requirements.
	default:
		return ErrUnknownType
	}
	return nil
}

// CandidateCount returns the number of candidates carried by an ICE message.
func (m *Message) CandidateCount() int {
	if m.Type != TypeIceCandidates {
		return 0
	}
	return len(m.Sdps)
}

// Encode serializes the message for the relay transport.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("signaling message is nil")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode signaling message: %w", err)
	}
	return data, nil
}

// Decode parses a message received from the relay transport. The result is
// not validated; callers run Validate before acting on it.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode signaling message: %w", err)
	}
	return &m, nil
}

// Fingerprint returns a content hash identifying this message for
// deduplication. The relay may deliver the same message more than once.
func (m *Message) Fingerprint() [32]byte {
	h := sha256.New()
	h.Write([]byte{byte(m.Type)})
	h.Write(m.CallID[:])
	h.Write([]byte(m.Sender))
	for i, sdp := range m.Sdps {
		fmt.Fprintf(h, "%d:%s", i, sdp)
		if i < len(m.SdpMLineIndexes) {
			fmt.Fprintf(h, ":%d", m.SdpMLineIndexes[i])
		}
		if i < len(m.SdpMids) {
			fmt.Fprintf(h, ":%s", m.SdpMids[i])
		}
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
