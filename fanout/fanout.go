// Package fanout implements the server side of group-message delivery: a
// forward processor that unpacks nested messages, a handler that splits one
// group message into per-member copies carrying their wrapped keys, a
// distributor that forwards the copies to live members and parks the rest
// in the durable inbox, and a key-command handler serving the wrapped-key
// exchange.
//
// Everything end-to-end encrypted stays opaque here; the bots only ever see
// envelopes and wrapped keys.
package fanout

import (
	"context"
	"time"

	"github.com/opd-ai/dimgroup/keystore"
	"github.com/opd-ai/dimgroup/protocol"
)

// tickInterval paces the worker loops when their queues run dry.
const tickInterval = time.Second

// Messenger is the encrypted transport the bots hand outbound traffic to.
// Packing, signing and session handling live behind it; implementations
// must be safe for concurrent use.
type Messenger interface {
	// SendContent wraps content from the bot's own identity to receiver
	// and queues it for delivery on the given priority lane.
	SendContent(ctx context.Context, receiver protocol.ID, content protocol.Content, priority int) error

	// ProcessReliableMessage runs an inbound message through the local
	// pipeline and returns the responses to route back.
	ProcessReliableMessage(ctx context.Context, msg *protocol.ReliableMessage) ([]*protocol.ReliableMessage, error)

	// SendReliableMessage routes an already-packed message.
	SendReliableMessage(ctx context.Context, msg *protocol.ReliableMessage, priority int) error
}

// MemberSource exposes the identity directory's view of group membership.
type MemberSource interface {
	Members(ctx context.Context, group protocol.ID) ([]protocol.ID, error)
}

// Presence is the footprint surface the fan-out needs: record activity and
// decide whether a receiver is reachable. A zero now means the current time.
type Presence interface {
	Touch(id protocol.ID, when time.Time) bool
	IsVanished(id protocol.ID, now time.Time) bool
}

// GroupKeys is the wrapped-key authority. Save merges an uploaded table,
// Load returns the merged table for a (group, sender) pair, nil when the
// pair never uploaded keys.
type GroupKeys interface {
	Save(ctx context.Context, group, sender protocol.ID, keys map[string]string) (bool, error)
	Load(ctx context.Context, group, sender protocol.ID) (keystore.KeyTable, error)
}

// InboxStore is the durable queue for vanished receivers.
type InboxStore interface {
	Store(ctx context.Context, receiver protocol.ID, msg *protocol.ReliableMessage) error
	Load(ctx context.Context, receiver protocol.ID) ([]*protocol.ReliableMessage, error)
	Remove(ctx context.Context, receiver protocol.ID, signature []byte) error
}

func containsID(ids []protocol.ID, id protocol.ID) bool {
	for _, item := range ids {
		if item == id {
			return true
		}
	}
	return false
}
