package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/dimgroup/limits"
	"github.com/opd-ai/dimgroup/protocol"
)

// InboxRetention bounds how long an undelivered message waits in Redis.
// It matches the presence retention horizon: a user quiet for longer is
// dropped from tracking, so its backlog expires with it.
const InboxRetention = 30 * 24 * time.Hour

const (
	inboxPrefix     = "dim.inbox."
	inboxListSuffix = ".messages"
)

// Inbox is the durable queue for receivers that are currently vanished.
// Each receiver owns a list of signature keys in arrival order plus one
// string entry per key holding the serialized message:
//
//	dim.inbox.{receiver}.messages
//	dim.inbox.{receiver}.{sigKey}
type Inbox struct {
	rdb *redis.Client
}

// NewInbox wraps an established Redis client.
func NewInbox(rdb *redis.Client) *Inbox {
	return &Inbox{rdb: rdb}
}

// SignatureKey derives the entry-key fragment for a message bound to
// receiver: hex of blake2b-128 over the signature followed by the receiver,
// so the same group message fanned out to several members never collides.
func SignatureKey(signature []byte, receiver protocol.ID) string {
	h, _ := blake2b.New(16, nil)
	h.Write(signature)
	h.Write([]byte(receiver.String()))
	return hex.EncodeToString(h.Sum(nil))
}

func inboxListKey(receiver protocol.ID) string {
	return inboxPrefix + receiver.String() + inboxListSuffix
}

func inboxEntryKey(receiver protocol.ID, sig string) string {
	return inboxPrefix + receiver.String() + "." + sig
}

// Store persists msg for receiver. Storing the same (receiver, signature)
// pair again refreshes the retention TTL without queuing a duplicate.
func (ib *Inbox) Store(ctx context.Context, receiver protocol.ID, msg *protocol.ReliableMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode inbox message: %w", err)
	}
	if err := limits.ValidateMessageSize(data); err != nil {
		return err
	}

	sig := SignatureKey(msg.Signature, receiver)
	entryKey := inboxEntryKey(receiver, sig)
	listKey := inboxListKey(receiver)

	added, err := ib.rdb.SetNX(ctx, entryKey, data, InboxRetention).Result()
	if err != nil {
		return fmt.Errorf("failed to store inbox entry: %w", err)
	}
	if !added {
		if err := ib.rdb.Expire(ctx, entryKey, InboxRetention).Err(); err != nil {
			return fmt.Errorf("failed to refresh inbox entry: %w", err)
		}
		return nil
	}
	if err := ib.rdb.RPush(ctx, listKey, sig).Err(); err != nil {
		return fmt.Errorf("failed to queue inbox entry: %w", err)
	}
	if err := ib.rdb.Expire(ctx, listKey, InboxRetention).Err(); err != nil {
		return fmt.Errorf("failed to refresh inbox queue: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"receiver": receiver.String(),
		"sig":      sig,
	}).Debug("inbox: stored message")
	return nil
}

// Load returns every queued message for receiver in arrival order. Entries
// whose value already expired are pruned from the queue as they are met.
func (ib *Inbox) Load(ctx context.Context, receiver protocol.ID) ([]*protocol.ReliableMessage, error) {
	listKey := inboxListKey(receiver)
	sigs, err := ib.rdb.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox queue: %w", err)
	}

	var msgs []*protocol.ReliableMessage
	for _, sig := range sigs {
		data, err := ib.rdb.Get(ctx, inboxEntryKey(receiver, sig)).Bytes()
		if errors.Is(err, redis.Nil) {
			ib.rdb.LRem(ctx, listKey, 1, sig)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read inbox entry: %w", err)
		}
		msg, err := protocol.DecodeReliableMessage(data)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"receiver": receiver.String(),
				"sig":      sig,
			}).Warn("inbox: dropping undecodable entry")
			ib.rdb.LRem(ctx, listKey, 1, sig)
			ib.rdb.Del(ctx, inboxEntryKey(receiver, sig))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Remove deletes one delivered message from receiver's queue.
func (ib *Inbox) Remove(ctx context.Context, receiver protocol.ID, signature []byte) error {
	sig := SignatureKey(signature, receiver)
	if err := ib.rdb.Del(ctx, inboxEntryKey(receiver, sig)).Err(); err != nil {
		return fmt.Errorf("failed to delete inbox entry: %w", err)
	}
	if err := ib.rdb.LRem(ctx, inboxListKey(receiver), 0, sig).Err(); err != nil {
		return fmt.Errorf("failed to dequeue inbox entry: %w", err)
	}
	return nil
}
