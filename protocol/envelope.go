package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Departure priorities of the station's delivery lanes. Background traffic
// (receipts, key queries) rides the slower lane so it never delays user
// messages.
const (
	PriorityNormal     = 0
	PriorityBackground = 1
)

// Timestamp carries a message time on the wire as fractional epoch seconds,
// the network's dictionary convention. The zero value is omitted from JSON.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp{Time: time.Now()}
}

// At wraps a time.Time.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// MarshalJSON encodes the timestamp as epoch seconds with millisecond
// precision.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("0"), nil
	}
	seconds := float64(ts.UnixMilli()) / 1000.0
	return json.Marshal(seconds)
}

// formatSeconds renders a time as decimal epoch seconds, millisecond
// precision, no trailing zeros.
func formatSeconds(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatFloat(float64(t.UnixMilli())/1000.0, 'f', -1, 64)
}

// UnmarshalJSON decodes fractional epoch seconds; zero decodes to the zero
// Timestamp.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if seconds == 0 {
		ts.Time = time.Time{}
		return nil
	}
	ms := int64(math.Round(seconds * 1000.0))
	ts.Time = time.UnixMilli(ms)
	return nil
}

// Envelope is the routing header shared by every transport message: who sent
// it, who should receive it, and when. The optional group field lets relays
// and bots route split group traffic without decrypting the payload.
type Envelope struct {
	Sender   ID        `json:"sender"`
	Receiver ID        `json:"receiver"`
	Time     Timestamp `json:"time,omitzero"`
	Group    ID        `json:"group,omitzero"`
}

var (
	// ErrMessageIncomplete indicates a message missing required envelope
	// or payload fields.
	ErrMessageIncomplete = errors.New("incomplete reliable message")

	// ErrKeyShapeConflict indicates a message carrying both a per-member
	// key table and a single recipient key.
	ErrKeyShapeConflict = errors.New("message carries both key and keys")
)

// ReliableMessage is a fully encrypted, signed transport envelope. The
// payload in Data was encrypted with a symmetric key the sender generated;
// that key travels wrapped per recipient, either as a table in Keys (one
// entry per group member) or as the single Key of a split per-member copy.
//
// A multi-recipient group message carries Keys and no Key. A per-member
// split copy carries exactly Key, a concrete Receiver and the Group set.
type ReliableMessage struct {
	Envelope

	// Type mirrors the inner content type so relays can prioritize
	// without decrypting. Zero when the sender hides it.
	Type ContentType `json:"type,omitempty"`

	Data      []byte `json:"data"`
	Signature []byte `json:"signature"`

	Key  string            `json:"key,omitempty"`
	Keys map[string]string `json:"keys,omitempty"`
}

// Validate checks the envelope and key-shape invariants.
func (m *ReliableMessage) Validate() error {
	if m.Sender.IsZero() || m.Receiver.IsZero() {
		return fmt.Errorf("%w: missing sender or receiver", ErrMessageIncomplete)
	}
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMessageIncomplete)
	}
	if m.Key != "" && len(m.Keys) > 0 {
		return ErrKeyShapeConflict
	}
	return nil
}

// Copy returns a duplicate safe for per-member mutation. The key table is
// cloned; the opaque payload and signature are shared (never mutated).
func (m *ReliableMessage) Copy() *ReliableMessage {
	dup := *m
	if m.Keys != nil {
		dup.Keys = make(map[string]string, len(m.Keys))
		for k, v := range m.Keys {
			dup.Keys[k] = v
		}
	}
	return &dup
}

// Encode serializes the message to its JSON dictionary form.
func (m *ReliableMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeReliableMessage parses the JSON dictionary form.
func DecodeReliableMessage(data []byte) (*ReliableMessage, error) {
	var m ReliableMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode reliable message: %w", err)
	}
	return &m, nil
}
