package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dimgroup/limits"
	"github.com/opd-ai/dimgroup/metrics"
	"github.com/opd-ai/dimgroup/protocol"
)

// Distributor delivers split messages. Live receivers get theirs queued in
// memory and forwarded on the next tick; vanished receivers get theirs
// parked in the durable inbox until something wakes them up.
type Distributor struct {
	mutex    sync.Mutex
	pending  map[protocol.ID][]*protocol.ReliableMessage
	wakeup   map[protocol.ID]struct{}
	running  bool
	stopChan chan struct{}

	messenger Messenger
	inbox     InboxStore
	footprint Presence
	recorder  *metrics.Recorder
}

// NewDistributor wires the delivery stage. recorder may be nil.
func NewDistributor(messenger Messenger, inbox InboxStore, footprint Presence, recorder *metrics.Recorder) *Distributor {
	return &Distributor{
		pending:   make(map[protocol.ID][]*protocol.ReliableMessage),
		wakeup:    make(map[protocol.ID]struct{}),
		stopChan:  make(chan struct{}),
		messenger: messenger,
		inbox:     inbox,
		footprint: footprint,
		recorder:  recorder,
	}
}

// Start launches the drain loop. Calling Start on a running distributor is
// a no-op.
func (d *Distributor) Start() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.running {
		return
	}
	d.running = true
	go d.loop()
	logrus.Info("distributor: started")
}

// Stop signals the drain loop to exit. In-memory pending is lost; the inbox
// survives restarts.
func (d *Distributor) Stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.running {
		return
	}
	d.running = false
	close(d.stopChan)
	logrus.Info("distributor: stopped")
}

// Cache is the single enqueue entry point for split messages. Vanished
// receivers go straight to the durable inbox; live ones are queued in
// memory and marked for the next drain. When a receiver's queue is full
// the oldest entry spills to the inbox so nothing is silently dropped.
func (d *Distributor) Cache(ctx context.Context, msg *protocol.ReliableMessage, receiver protocol.ID) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.footprint.IsVanished(receiver, time.Time{}) {
		logrus.WithFields(logrus.Fields{
			"receiver": receiver.String(),
		}).Info("distributor: store message for vanished receiver")
		if err := d.inbox.Store(ctx, receiver, msg); err != nil {
			return err
		}
		d.recorder.MessageInboxed()
		return nil
	}

	queue := d.pending[receiver]
	if len(queue) >= limits.MaxPendingPerReceiver {
		oldest := queue[0]
		queue = queue[1:]
		if err := d.inbox.Store(ctx, receiver, oldest); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"receiver": receiver.String(),
			}).Error("distributor: failed to spill overflow, message lost")
		} else {
			d.recorder.MessageInboxed()
		}
	}
	d.pending[receiver] = append(queue, msg)
	d.wakeup[receiver] = struct{}{}
	d.recorder.SetPendingReceivers(len(d.pending))
	return nil
}

// WakeupUser marks id for a drain attempt on the next tick. Called when a
// member reconnects or reports as alive.
func (d *Distributor) WakeupUser(id protocol.ID) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.wakeup[id] = struct{}{}
}

// takeWakeups drains the wakeup set atomically.
func (d *Distributor) takeWakeups() []protocol.ID {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.wakeup) == 0 {
		return nil
	}
	users := make([]protocol.ID, 0, len(d.wakeup))
	for id := range d.wakeup {
		users = append(users, id)
	}
	d.wakeup = make(map[protocol.ID]struct{})
	return users
}

func (d *Distributor) loop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			for d.drainOnce(ctx) {
			}
		}
	}
}

// drainOnce processes one wakeup batch; false when nothing was waiting.
func (d *Distributor) drainOnce(ctx context.Context) bool {
	users := d.takeWakeups()
	if len(users) == 0 {
		return false
	}
	logrus.WithFields(logrus.Fields{
		"count": len(users),
	}).Debug("distributor: checking messages for users")
	for _, receiver := range users {
		d.deliverTo(ctx, receiver)
	}
	return true
}

// deliverTo forwards everything queued for one receiver: the in-memory
// batch first, then the durable inbox. Inbox entries are removed only after
// a successful send, so delivery there is at-least-once.
func (d *Distributor) deliverTo(ctx context.Context, receiver protocol.ID) {
	d.mutex.Lock()
	if d.footprint.IsVanished(receiver, time.Time{}) {
		d.mutex.Unlock()
		logrus.WithFields(logrus.Fields{
			"receiver": receiver.String(),
		}).Info("distributor: user is vanished, ignore it")
		return
	}
	memory := d.pending[receiver]
	delete(d.pending, receiver)
	d.recorder.SetPendingReceivers(len(d.pending))
	d.mutex.Unlock()

	stored, err := d.inbox.Load(ctx, receiver)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"receiver": receiver.String(),
		}).Error("distributor: failed to load inbox")
	}
	if len(memory)+len(stored) == 0 {
		return
	}
	logrus.WithFields(logrus.Fields{
		"receiver": receiver.String(),
		"memory":   len(memory),
		"stored":   len(stored),
	}).Info("distributor: forwarding messages")

	for _, msg := range memory {
		if err := d.forward(ctx, receiver, msg); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"receiver": receiver.String(),
			}).Error("distributor: dropping undelivered message")
		}
	}
	for _, msg := range stored {
		if err := d.forward(ctx, receiver, msg); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"receiver": receiver.String(),
			}).Error("distributor: inbox message stays queued")
			continue
		}
		if err := d.inbox.Remove(ctx, receiver, msg.Signature); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"receiver": receiver.String(),
			}).Error("distributor: failed to remove delivered inbox entry")
		}
	}
}

// forward wraps one message and sends it on the normal lane.
func (d *Distributor) forward(ctx context.Context, receiver protocol.ID, msg *protocol.ReliableMessage) error {
	fwd := protocol.NewForwardContent(msg)
	if err := d.messenger.SendContent(ctx, receiver, fwd, protocol.PriorityNormal); err != nil {
		return err
	}
	d.recorder.MessageForwarded()
	return nil
}
