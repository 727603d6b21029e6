package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dimgroup/limits"
	"github.com/opd-ai/dimgroup/metrics"
	"github.com/opd-ai/dimgroup/protocol"
)

// Handler owns the group-message queue. One worker drains it: data messages
// addressed to a group are split into per-member copies, group-management
// commands are replayed through the messenger.
type Handler struct {
	mutex    sync.Mutex
	queue    []*protocol.ReliableMessage
	running  bool
	stopChan chan struct{}

	messenger   Messenger
	members     MemberSource
	keys        GroupKeys
	distributor *Distributor
	footprint   Presence
	recorder    *metrics.Recorder
}

// NewHandler wires the split pipeline. recorder may be nil.
func NewHandler(messenger Messenger, members MemberSource, keys GroupKeys,
	distributor *Distributor, footprint Presence, recorder *metrics.Recorder) *Handler {
	return &Handler{
		stopChan:    make(chan struct{}),
		messenger:   messenger,
		members:     members,
		keys:        keys,
		distributor: distributor,
		footprint:   footprint,
		recorder:    recorder,
	}
}

// Start launches the worker goroutine. Calling Start on a running handler
// is a no-op.
func (h *Handler) Start() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.running {
		return
	}
	h.running = true
	go h.loop()
	logrus.Info("handler: started")
}

// Stop signals the worker to exit. The in-flight tick completes; queued
// messages are dropped (senders re-transmit).
func (h *Handler) Stop() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.running {
		return
	}
	h.running = false
	close(h.stopChan)
	logrus.Info("handler: stopped")
}

// AppendMessage enqueues a group message without waiting. Returns
// limits.ErrQueueFull when the queue is at capacity.
func (h *Handler) AppendMessage(msg *protocol.ReliableMessage) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if len(h.queue) >= limits.MaxHandlerQueue {
		return fmt.Errorf("%w: handler queue at %d", limits.ErrQueueFull, len(h.queue))
	}
	h.queue = append(h.queue, msg)
	return nil
}

func (h *Handler) nextMessage() *protocol.ReliableMessage {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if len(h.queue) == 0 {
		return nil
	}
	msg := h.queue[0]
	h.queue = h.queue[1:]
	return msg
}

func (h *Handler) loop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
			for h.processNext(ctx) {
			}
		}
	}
}

// processNext pops and dispatches one message; false when the queue is
// empty. Errors are logged per message and never stop the loop.
func (h *Handler) processNext(ctx context.Context) bool {
	msg := h.nextMessage()
	if msg == nil {
		return false
	}

	// The handler has taken over this message, so the sender acted.
	h.footprint.Touch(msg.Sender, msg.Time.Time)

	receiver := msg.Receiver
	group := msg.Group

	var err error
	switch {
	case receiver.IsGroup():
		err = h.splitGroupMessage(ctx, receiver, msg)
	case receiver.IsBroadcast() && !group.IsZero():
		err = h.processGroupCommand(ctx, group, msg)
	default:
		logrus.WithFields(logrus.Fields{
			"sender":   msg.Sender.String(),
			"receiver": receiver.String(),
			"group":    group.String(),
		}).Error("handler: not a group message")
	}
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"sender":   msg.Sender.String(),
			"receiver": receiver.String(),
		}).Error("handler: failed to process message")
	}
	return true
}

// splitGroupMessage fans one group data message out to every other member.
// Members without a wrapped key are collected and queried back to the
// sender in one shot.
func (h *Handler) splitGroupMessage(ctx context.Context, group protocol.ID, msg *protocol.ReliableMessage) error {
	if group.IsBroadcast() {
		return fmt.Errorf("cannot split for broadcast group %s", group)
	}
	started := time.Now()
	sender := msg.Sender

	// Merge uploaded keys first, then read the current table back.
	if len(msg.Keys) > 0 {
		if _, err := h.keys.Save(ctx, group, sender, msg.Keys); err != nil {
			return fmt.Errorf("failed to save group keys: %w", err)
		}
	}
	table, err := h.keys.Load(ctx, group, sender)
	if err != nil {
		return fmt.Errorf("failed to load group keys: %w", err)
	}
	if table == nil {
		logrus.WithFields(logrus.Fields{
			"group":  group.String(),
			"sender": sender.String(),
		}).Warn("handler: no group keys, cannot split")
		return nil
	}

	members, err := h.members.Members(ctx, group)
	if err != nil {
		return fmt.Errorf("failed to get members of %s: %w", group, err)
	}
	if len(members) == 0 {
		logrus.WithFields(logrus.Fields{
			"group": group.String(),
		}).Warn("handler: group has no members")
		return nil
	}
	// TODO: also allow owner and administrators not in the member list
	if !containsID(members, sender) {
		receipt := protocol.ReceiptFor("Permission denied.", msg, nil)
		receipt.SetGroup(group)
		h.recorder.PermissionDenied()
		logrus.WithFields(logrus.Fields{
			"group":  group.String(),
			"sender": sender.String(),
		}).Warn("handler: sender is not a member")
		return h.messenger.SendContent(ctx, sender, receipt, protocol.PriorityBackground)
	}

	var missed []protocol.ID
	split := 0
	for _, member := range members {
		if member == sender {
			continue
		}
		wk := table.Key(member)
		if wk == "" {
			missed = append(missed, member)
			continue
		}
		dup := msg.Copy()
		dup.Keys = nil
		dup.Key = wk
		dup.Receiver = member
		dup.Group = group
		logrus.WithFields(logrus.Fields{
			"group":    group.String(),
			"sender":   sender.String(),
			"receiver": member.String(),
		}).Debug("handler: split group message")
		if err := h.distributor.Cache(ctx, dup, member); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"receiver": member.String(),
			}).Error("handler: failed to cache split message")
			continue
		}
		split++
	}
	h.recorder.MessagesSplit(split)
	h.recorder.ObserveSplit(time.Since(started))

	if digest := table.Digest(); digest != "" && len(missed) > 0 {
		logrus.WithFields(logrus.Fields{
			"group":  group.String(),
			"sender": sender.String(),
			"missed": len(missed),
		}).Warn("handler: query missed group keys")
		query := protocol.NewKeyQuery(group, sender, digest, missed)
		if err := h.messenger.SendContent(ctx, sender, query, protocol.PriorityBackground); err != nil {
			return fmt.Errorf("failed to query group keys: %w", err)
		}
		h.recorder.KeyQuerySent()
	}
	return nil
}

// processGroupCommand replays a group-management command (invite, expel,
// reset …) through the messenger and routes the responses back. No
// permission check: membership changes are judged by the message pipeline.
func (h *Handler) processGroupCommand(ctx context.Context, group protocol.ID, msg *protocol.ReliableMessage) error {
	if group.IsBroadcast() {
		return fmt.Errorf("cannot process command for broadcast group %s", group)
	}
	responses, err := h.messenger.ProcessReliableMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to process group command: %w", err)
	}
	for _, res := range responses {
		if err := h.messenger.SendReliableMessage(ctx, res, protocol.PriorityNormal); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"receiver": res.Receiver.String(),
			}).Error("handler: failed to send command response")
		}
	}
	return nil
}
