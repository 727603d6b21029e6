package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dimgroup/limits"
	"github.com/opd-ai/dimgroup/presence"
	"github.com/opd-ai/dimgroup/protocol"
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

type recordingSender struct {
	mu   sync.Mutex
	sent []sentContent
}

func (s *recordingSender) SendContent(ctx context.Context, receiver protocol.ID, content protocol.Content, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentContent{receiver: receiver, content: content, priority: priority})
	return nil
}

func (s *recordingSender) contents() []sentContent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentContent(nil), s.sent...)
}

// lastText returns the one text content the sender saw.
func (s *recordingSender) lastText(t *testing.T) (*protocol.TextContent, protocol.ID) {
	t.Helper()
	sent := s.contents()
	require.NotEmpty(t, sent, "no content was sent")
	last := sent[len(sent)-1]
	text, ok := last.content.(*protocol.TextContent)
	require.True(t, ok, "expected a text content, got %T", last.content)
	return text, last.receiver
}

type fakeNames map[protocol.ID]string

func (f fakeNames) Name(ctx context.Context, id protocol.ID) string { return f[id] }

type fakeMembers map[protocol.ID][]protocol.ID

func (f fakeMembers) Members(ctx context.Context, group protocol.ID) ([]protocol.ID, error) {
	return f[group], nil
}

// recordingBot records every dispatch from the service worker.
type recordingBot struct {
	texts    []string
	files    []string
	newUsers []protocol.ID
}

func (b *recordingBot) HandleText(ctx context.Context, content *protocol.TextContent, req Request) error {
	b.texts = append(b.texts, content.Text)
	return nil
}

func (b *recordingBot) HandleFile(ctx context.Context, content *protocol.FileContent, req Request) error {
	b.files = append(b.files, content.Filename)
	return nil
}

func (b *recordingBot) HandleNewUser(ctx context.Context, id protocol.ID) error {
	b.newUsers = append(b.newUsers, id)
	return nil
}

type serviceEnv struct {
	clock     *fakeClock
	footprint *presence.Footprint
	sender    *recordingSender
	names     fakeNames
	bot       *recordingBot
	service   *Service

	alice protocol.ID
	sue   protocol.ID // supervisor in usher tests
	group protocol.ID
	botID protocol.ID
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	e := &serviceEnv{
		clock:  &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		sender: &recordingSender{},
		names:  fakeNames{},
		bot:    &recordingBot{},
		alice:  protocol.MintID("alice", protocol.NetworkUser, []byte("alice")),
		sue:    protocol.MintID("sue", protocol.NetworkUser, []byte("sue")),
		group:  protocol.MintID("team", protocol.NetworkGroup, []byte("team")),
		botID:  protocol.MintID("usher", protocol.NetworkBot, []byte("usher")),
	}
	e.footprint = presence.NewFootprint(nil, nil, e.clock)
	e.names[e.botID] = "usher"
	e.service = NewService(e.bot, e.footprint, e.sender, e.names, e.clock, nil)
	return e
}

// request builds a Request from sender carrying content, stamped now.
func (e *serviceEnv) request(sender protocol.ID, content protocol.Content) Request {
	return Request{
		Envelope: protocol.Envelope{
			Sender:   sender,
			Receiver: e.botID,
			Time:     protocol.At(e.clock.now),
		},
		Content: content,
	}
}

// textRequest builds a personal text request stamped now.
func (e *serviceEnv) textRequest(sender protocol.ID, text string) (*protocol.TextContent, Request) {
	content := protocol.NewTextContent(text)
	content.Time = protocol.At(e.clock.now)
	return content, e.request(sender, content)
}

func TestRequestIdentifier(t *testing.T) {
	e := newServiceEnv(t)

	content, req := e.textRequest(e.alice, "hello")
	assert.Equal(t, e.alice, req.Identifier(), "personal requests answer the sender")

	content.SetGroup(e.group)
	assert.Equal(t, e.group, req.Identifier(), "group requests answer into the group")
	assert.Equal(t, e.alice, req.Sender())
}

func TestRequestWhen(t *testing.T) {
	e := newServiceEnv(t)
	content, req := e.textRequest(e.alice, "hello")
	assert.Equal(t, e.clock.now, req.When())

	// Without a content time the envelope time counts.
	content.Time = protocol.Timestamp{}
	envTime := e.clock.now.Add(-time.Minute)
	req.Envelope.Time = protocol.At(envTime)
	assert.Equal(t, envTime, req.When())
}

func TestServiceAccept(t *testing.T) {
	e := newServiceEnv(t)
	env := protocol.Envelope{Sender: e.alice, Receiver: e.botID, Time: protocol.At(e.clock.now)}

	assert.True(t, e.service.Accept(protocol.NewTextContent("hi"), env))
	assert.True(t, e.service.Accept(&protocol.FileContent{Filename: "pic.png"}, env))
	assert.True(t, e.service.Accept(protocol.NewUsersPost(nil, e.clock.now), env))

	keyCmd := protocol.NewKeyRequest(e.group, e.alice, "")
	assert.False(t, e.service.Accept(keyCmd, env), "key commands belong to the registry")
	assert.False(t, e.service.Accept(protocol.NewInviteCommand(e.group, e.alice), env))

	count := 0
	for {
		if _, ok := e.service.nextRequest(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 3, count)
}

func TestServiceQueueBound(t *testing.T) {
	e := newServiceEnv(t)
	env := protocol.Envelope{Sender: e.alice, Receiver: e.botID}
	content := protocol.NewTextContent("hi")
	for i := 0; i < limits.MaxServiceQueue+10; i++ {
		e.service.Accept(content, env)
	}
	count := 0
	for {
		if _, ok := e.service.nextRequest(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, limits.MaxServiceQueue, count, "overflow requests are dropped")
}

func TestServiceDispatch(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()
	env := protocol.Envelope{Sender: e.alice, Receiver: e.botID, Time: protocol.At(e.clock.now)}

	e.service.Accept(protocol.NewTextContent("hello"), env)
	e.service.Accept(&protocol.FileContent{Filename: "pic.png"}, env)

	require.True(t, e.service.processNext(ctx))
	require.True(t, e.service.processNext(ctx))
	require.False(t, e.service.processNext(ctx))

	assert.Equal(t, []string{"hello"}, e.bot.texts)
	assert.Equal(t, []string{"pic.png"}, e.bot.files)
}

func TestServiceUsersPostInvitesVanishedOnce(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()

	post := protocol.NewUsersPost([]protocol.ID{e.alice}, e.clock.now)
	require.True(t, e.service.Accept(post, e.request(e.alice, post).Envelope))
	require.True(t, e.service.processNext(ctx))
	assert.Equal(t, []protocol.ID{e.alice}, e.bot.newUsers, "unknown user counts as vanished")
	assert.Equal(t, e.clock.now, e.footprint.LastTime(e.alice), "the report touches the user")

	// A second report right after: alice is live now, no new-user event.
	post = protocol.NewUsersPost([]protocol.ID{e.alice}, e.clock.now)
	require.True(t, e.service.Accept(post, e.request(e.alice, post).Envelope))
	require.True(t, e.service.processNext(ctx))
	assert.Len(t, e.bot.newUsers, 1)

	// After the expiry window she reappears: exactly one more event.
	e.clock.now = e.clock.now.Add(11 * time.Hour)
	post = protocol.NewUsersPost([]protocol.ID{e.alice}, e.clock.now)
	require.True(t, e.service.Accept(post, e.request(e.alice, post).Envelope))
	require.True(t, e.service.processNext(ctx))
	assert.Equal(t, []protocol.ID{e.alice, e.alice}, e.bot.newUsers)
}

func TestServiceUsersPostSkipsNonUsers(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()

	station := protocol.MintID("relay", protocol.NetworkStation, []byte("relay"))
	post := protocol.NewUsersPost([]protocol.ID{station, e.botID, e.alice}, e.clock.now)
	require.True(t, e.service.Accept(post, e.request(e.alice, post).Envelope))
	require.True(t, e.service.processNext(ctx))

	assert.Equal(t, []protocol.ID{e.alice}, e.bot.newUsers)
	assert.True(t, e.footprint.LastTime(station).IsZero(), "non-users are not touched")
}

func TestServiceUsersPostMalformed(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()

	post := protocol.NewCustomizedContent(protocol.MonitorApp, protocol.MonitorUsersMod, protocol.UsersActPost)
	require.True(t, e.service.Accept(post, e.request(e.alice, post).Envelope))
	require.True(t, e.service.processNext(ctx))
	assert.Empty(t, e.bot.newUsers)
}

func TestServiceRequestText(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()

	t.Run("personal message passes through", func(t *testing.T) {
		content, req := e.textRequest(e.alice, "current group")
		text, ok := e.service.RequestText(ctx, content, req)
		require.True(t, ok)
		assert.Equal(t, "current group", text)
	})

	t.Run("bots are ignored", func(t *testing.T) {
		other := protocol.MintID("search", protocol.NetworkBot, []byte("search"))
		content, req := e.textRequest(other, "hello")
		_, ok := e.service.RequestText(ctx, content, req)
		assert.False(t, ok)
	})

	t.Run("stations are ignored", func(t *testing.T) {
		station := protocol.MintID("relay", protocol.NetworkStation, []byte("relay"))
		content, req := e.textRequest(station, "hello")
		_, ok := e.service.RequestText(ctx, content, req)
		assert.False(t, ok)
	})

	t.Run("expired messages are ignored", func(t *testing.T) {
		content, req := e.textRequest(e.alice, "hello")
		content.Time = protocol.At(e.clock.now.Add(-RequestExpiry - time.Minute))
		_, ok := e.service.RequestText(ctx, content, req)
		assert.False(t, ok)
	})

	t.Run("group message needs a mention", func(t *testing.T) {
		content, req := e.textRequest(e.alice, "anyone seen the agenda?")
		content.SetGroup(e.group)
		_, ok := e.service.RequestText(ctx, content, req)
		assert.False(t, ok)
	})

	t.Run("mention is stripped", func(t *testing.T) {
		content, req := e.textRequest(e.alice, "@usher active users")
		content.SetGroup(e.group)
		text, ok := e.service.RequestText(ctx, content, req)
		require.True(t, ok)
		assert.Equal(t, "active users", text)
	})

	t.Run("trailing mention is stripped", func(t *testing.T) {
		content, req := e.textRequest(e.alice, "active users @usher")
		content.SetGroup(e.group)
		text, ok := e.service.RequestText(ctx, content, req)
		require.True(t, ok)
		assert.Equal(t, "active users ", text)
	})
}

func TestServiceRespondCalibratesTime(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()

	// Request stamped now: the response must sort strictly after it.
	_, req := e.textRequest(e.alice, "current group")
	require.NoError(t, e.service.RespondText(ctx, "current group not set yet", req))
	text, receiver := e.sender.lastText(t)
	assert.Equal(t, e.alice, receiver)
	assert.Equal(t, "current group not set yet", text.Text)
	assert.Equal(t, e.clock.now.Add(time.Second), text.Time.Time)

	// An older request keeps the natural response time.
	content, req := e.textRequest(e.alice, "current group")
	content.Time = protocol.At(e.clock.now.Add(-2 * time.Minute))
	require.NoError(t, e.service.RespondText(ctx, "ok", req))
	text, _ = e.sender.lastText(t)
	assert.Equal(t, e.clock.now, text.Time.Time)
}

func TestServiceRespondsIntoGroup(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()

	content, req := e.textRequest(e.alice, "@usher current group")
	content.SetGroup(e.group)
	require.NoError(t, e.service.RespondMarkdown(ctx, "## hi", req))
	text, receiver := e.sender.lastText(t)
	assert.Equal(t, e.group, receiver)
	assert.Equal(t, "markdown", text.Format)
}

func TestServiceStartStop(t *testing.T) {
	e := newServiceEnv(t)
	e.service.Start()
	e.service.Start()
	e.service.Stop()
	e.service.Stop()
}
