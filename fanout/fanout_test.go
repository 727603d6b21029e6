package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/opd-ai/dimgroup/keystore"
	"github.com/opd-ai/dimgroup/presence"
	"github.com/opd-ai/dimgroup/protocol"
	"github.com/opd-ai/dimgroup/storage"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                  { return c.now }
func (c *fakeClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }

type sentContent struct {
	receiver protocol.ID
	content  protocol.Content
	priority int
}

// fakeMessenger records outbound traffic and replays canned responses for
// ProcessReliableMessage.
type fakeMessenger struct {
	mu        sync.Mutex
	sent      []sentContent
	relayed   []*protocol.ReliableMessage
	processed []*protocol.ReliableMessage
	responses []*protocol.ReliableMessage
	sendErr   error
}

func (m *fakeMessenger) SendContent(ctx context.Context, receiver protocol.ID, content protocol.Content, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentContent{receiver: receiver, content: content, priority: priority})
	return nil
}

func (m *fakeMessenger) ProcessReliableMessage(ctx context.Context, msg *protocol.ReliableMessage) ([]*protocol.ReliableMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, msg)
	return m.responses, nil
}

func (m *fakeMessenger) SendReliableMessage(ctx context.Context, msg *protocol.ReliableMessage, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relayed = append(m.relayed, msg)
	return nil
}

func (m *fakeMessenger) contents() []sentContent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentContent(nil), m.sent...)
}

type fakeMembers map[protocol.ID][]protocol.ID

func (f fakeMembers) Members(ctx context.Context, group protocol.ID) ([]protocol.ID, error) {
	return f[group], nil
}

// env bundles a full fan-out pipeline over fakes plus a hermetic Redis.
type env struct {
	clock     *fakeClock
	footprint *presence.Footprint
	messenger *fakeMessenger
	members   fakeMembers
	keys      *keystore.Manager
	inbox     *storage.Inbox
	dist      *Distributor
	handler   *Handler

	alice     protocol.ID // group member, usual sender
	bob       protocol.ID // group member
	carol     protocol.ID // group member
	group     protocol.ID
	assistant protocol.ID // the bot itself
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	e := &env{
		clock:     &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		messenger: &fakeMessenger{},
		members:   fakeMembers{},
		keys:      keystore.NewManager(nil),
		inbox:     storage.NewInbox(rdb),
		alice:     protocol.MintID("alice", protocol.NetworkUser, []byte("alice")),
		bob:       protocol.MintID("bob", protocol.NetworkUser, []byte("bob")),
		carol:     protocol.MintID("carol", protocol.NetworkUser, []byte("carol")),
		group:     protocol.MintID("team", protocol.NetworkGroup, []byte("team")),
		assistant: protocol.MintID("assistant", protocol.NetworkBot, []byte("assistant")),
	}
	e.footprint = presence.NewFootprint(nil, nil, e.clock)
	e.dist = NewDistributor(e.messenger, e.inbox, e.footprint, nil)
	e.handler = NewHandler(e.messenger, e.members, e.keys, e.dist, e.footprint, nil)
	e.members[e.group] = []protocol.ID{e.alice, e.bob, e.carol}
	return e
}

// touch marks users as recently active so the distributor treats them as
// live.
func (e *env) touch(users ...protocol.ID) {
	for _, u := range users {
		e.footprint.Touch(u, e.clock.now)
	}
}

// groupMessage builds a group data message from sender carrying keys.
func (e *env) groupMessage(sender protocol.ID, signature string, keys map[string]string) *protocol.ReliableMessage {
	return &protocol.ReliableMessage{
		Envelope: protocol.Envelope{
			Sender:   sender,
			Receiver: e.group,
			Time:     protocol.At(e.clock.now),
		},
		Data:      []byte("ciphertext"),
		Signature: []byte(signature),
		Keys:      keys,
	}
}

// commandMessage builds the outer envelope of a command sent to the bot.
func (e *env) commandMessage(sender protocol.ID, signature string) *protocol.ReliableMessage {
	return &protocol.ReliableMessage{
		Envelope: protocol.Envelope{
			Sender:   sender,
			Receiver: e.assistant,
			Time:     protocol.At(e.clock.now),
		},
		Data:      []byte("ciphertext"),
		Signature: []byte(signature),
	}
}

// wrappedKeys builds a key table for the given members with a digest.
func wrappedKeys(digest string, members ...protocol.ID) map[string]string {
	table := map[string]string{protocol.KeyTableDigest: digest}
	for _, m := range members {
		table[m.String()] = "wk-" + m.Name
	}
	return table
}

// forwardsTo filters the sent contents down to forwards for receiver.
func forwardsTo(sent []sentContent, receiver protocol.ID) []*protocol.ForwardContent {
	var out []*protocol.ForwardContent
	for _, s := range sent {
		if s.receiver != receiver {
			continue
		}
		if fwd, ok := s.content.(*protocol.ForwardContent); ok {
			out = append(out, fwd)
		}
	}
	return out
}
