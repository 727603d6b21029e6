// Package service implements the bots' chat surface: a queue worker that
// accepts text, file and monitor-report contents addressed to the bot, and
// the response helpers every bot shares. The bot-specific behavior (the
// assistant's logging, the usher's commands and invites) plugs in as a Bot.
package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dimgroup/limits"
	"github.com/opd-ai/dimgroup/metrics"
	"github.com/opd-ai/dimgroup/presence"
	"github.com/opd-ai/dimgroup/protocol"
)

// tickInterval paces the request worker when the queue runs dry.
const tickInterval = time.Second

// ContentSender posts a content from the bot's own identity.
type ContentSender interface {
	SendContent(ctx context.Context, receiver protocol.ID, content protocol.Content, priority int) error
}

// Presence is the footprint surface the service consumes: record activity,
// decide vanished, and list who is around.
type Presence interface {
	Touch(id protocol.ID, when time.Time) bool
	IsVanished(id protocol.ID, now time.Time) bool
	ActiveUsers() []presence.ActiveUser
}

// NameSource resolves an entity's display name from its identity document,
// empty when unknown.
type NameSource interface {
	Name(ctx context.Context, id protocol.ID) string
}

// MemberSource exposes the identity directory's view of group membership.
type MemberSource interface {
	Members(ctx context.Context, group protocol.ID) ([]protocol.ID, error)
}

// Bot reacts to the requests the service accepted.
type Bot interface {
	// HandleText serves a chat message addressed to the bot.
	HandleText(ctx context.Context, content *protocol.TextContent, req Request) error

	// HandleFile serves a file attachment addressed to the bot.
	HandleFile(ctx context.Context, content *protocol.FileContent, req Request) error

	// HandleNewUser runs when a vanished user shows up in a liveness
	// report, once per reappearance.
	HandleNewUser(ctx context.Context, id protocol.ID) error
}

// Service is the request worker shared by the group bots. Accept filters
// and queues inbound contents; a background loop dispatches them to the Bot.
type Service struct {
	mutex    sync.Mutex
	queue    []Request
	running  bool
	stopChan chan struct{}

	bot       Bot
	footprint Presence
	sender    ContentSender
	names     NameSource
	clock     presence.TimeProvider
	recorder  *metrics.Recorder
}

// NewService wires the request worker. names and recorder may be nil; a nil
// clock falls back to the system clock.
func NewService(bot Bot, footprint Presence, sender ContentSender, names NameSource,
	clock presence.TimeProvider, recorder *metrics.Recorder) *Service {
	if clock == nil {
		clock = presence.DefaultTimeProvider{}
	}
	return &Service{
		stopChan:  make(chan struct{}),
		bot:       bot,
		footprint: footprint,
		sender:    sender,
		names:     names,
		clock:     clock,
		recorder:  recorder,
	}
}

// Start launches the request worker.
func (s *Service) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return
	}
	s.running = true
	go s.loop()
	logrus.Info("service: started")
}

// Stop terminates the request worker.
func (s *Service) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopChan)
	logrus.Info("service: stopped")
}

// Accept filters one inbound content and queues it when the service serves
// its kind: chat texts, file attachments and monitor liveness reports.
// Returns false for everything else so the caller can route it elsewhere.
func (s *Service) Accept(content protocol.Content, env protocol.Envelope) bool {
	switch c := content.(type) {
	case *protocol.TextContent, *protocol.FileContent:
		s.addRequest(Request{Envelope: env, Content: content})
		return true
	case *protocol.CustomizedContent:
		if c.App == protocol.MonitorApp && c.Mod == protocol.MonitorUsersMod && c.Act == protocol.UsersActPost {
			s.addRequest(Request{Envelope: env, Content: content})
			return true
		}
	}
	return false
}

// Handle lets the service sit in a customized-content registry for the
// monitor reports. Reports never get a response.
func (s *Service) Handle(ctx context.Context, content *protocol.CustomizedContent, msg *protocol.ReliableMessage) ([]protocol.Content, error) {
	s.Accept(content, msg.Envelope)
	return nil, nil
}

func (s *Service) addRequest(req Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.queue) >= limits.MaxServiceQueue {
		logrus.WithFields(logrus.Fields{
			"sender": req.Sender().String(),
			"queued": len(s.queue),
		}).Warn("service: queue full, dropping request")
		return
	}
	s.queue = append(s.queue, req)
}

func (s *Service) nextRequest() (Request, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.queue) == 0 {
		return Request{}, false
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	return req, true
}

func (s *Service) loop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			for s.processNext(ctx) {
			}
		}
	}
}

// processNext pops and dispatches one request; false when the queue is
// empty. Errors are logged per request and never stop the loop.
func (s *Service) processNext(ctx context.Context) bool {
	req, ok := s.nextRequest()
	if !ok {
		return false
	}

	var err error
	switch content := req.Content.(type) {
	case *protocol.TextContent:
		s.recorder.Request("text")
		err = s.bot.HandleText(ctx, content, req)
	case *protocol.FileContent:
		s.recorder.Request("file")
		err = s.bot.HandleFile(ctx, content, req)
	case *protocol.CustomizedContent:
		s.recorder.Request("users-post")
		err = s.processUsersPost(ctx, content)
	}
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"sender":   req.Sender().String(),
			"receiver": req.Identifier().String(),
		}).Error("service: failed to process request")
	}
	return true
}

// processUsersPost digests one monitor liveness report: every listed user
// is touched, and users coming back from vanished are handed to the bot.
func (s *Service) processUsersPost(ctx context.Context, content *protocol.CustomizedContent) error {
	if content.GetList("users") == nil {
		logrus.WithFields(logrus.Fields{
			"app": content.App,
			"act": content.Act,
		}).Error("service: malformed users report")
		return nil
	}
	users := protocol.PostedUsers(content)
	logrus.WithFields(logrus.Fields{
		"count": len(users),
	}).Info("service: received users report")

	when := content.When()
	for _, id := range users {
		if id.Type() != protocol.NetworkUser {
			logrus.WithFields(logrus.Fields{
				"id": id.String(),
			}).Warn("service: ignore non-user in report")
			continue
		}
		vanished := s.footprint.IsVanished(id, when)
		s.footprint.Touch(id, when)
		if !vanished {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"id": id.String(),
		}).Info("service: user is back")
		if err := s.bot.HandleNewUser(ctx, id); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"id": id.String(),
			}).Error("service: failed to process new user")
		}
	}
	s.recorder.SetActiveUsers(len(s.footprint.ActiveUsers()))
	return nil
}

// RequestText extracts the command text of a chat request, dropping traffic
// the bots must not answer: other bots, stations, stale messages, and group
// chatter that does not mention this bot by name. Group mentions come back
// with the "@name" stripped.
func (s *Service) RequestText(ctx context.Context, content *protocol.TextContent, req Request) (string, bool) {
	text := content.Text
	if text == "" {
		return "", false
	}
	sender := req.Sender()
	switch sender.Type() {
	case protocol.NetworkBot:
		logrus.WithFields(logrus.Fields{
			"sender": sender.String(),
		}).Info("service: ignore message from another bot")
		return "", false
	case protocol.NetworkStation:
		logrus.WithFields(logrus.Fields{
			"sender": sender.String(),
		}).Info("service: ignore message from station")
		return "", false
	}

	when := req.When()
	if when.IsZero() || s.clock.Since(when) > RequestExpiry {
		logrus.WithFields(logrus.Fields{
			"sender": sender.String(),
			"time":   when,
		}).Warn("service: ignore expired message")
		return "", false
	}

	if content.Group().IsZero() {
		// Personal chat, every word is for the bot.
		return text, true
	}

	// Group chatter only counts when the bot is mentioned by name.
	name := s.lookupName(ctx, req.Envelope.Receiver)
	if name == "" {
		return "", false
	}
	at := "@" + name
	naked := strings.ReplaceAll(text, at+" ", "")
	if strings.HasSuffix(naked, at) {
		naked = strings.TrimSuffix(naked, at)
	}
	if naked != text {
		return naked, true
	}
	logrus.WithFields(logrus.Fields{
		"sender": sender.String(),
		"name":   name,
	}).Debug("service: group message not for me")
	return "", false
}

// lookupName resolves the display name of id, falling back to the ID's own
// name part.
func (s *Service) lookupName(ctx context.Context, id protocol.ID) string {
	if s.names != nil {
		if name := s.names.Name(ctx, id); name != "" {
			return name
		}
	}
	return id.Name
}

// RespondText answers a request with a plain text content.
func (s *Service) RespondText(ctx context.Context, text string, req Request) error {
	content := protocol.NewTextContent(text)
	return s.respond(ctx, content, req)
}

// RespondMarkdown answers a request with a markdown-formatted text content.
func (s *Service) RespondMarkdown(ctx context.Context, text string, req Request) error {
	content := protocol.NewTextContent(text)
	content.Format = "markdown"
	return s.respond(ctx, content, req)
}

func (s *Service) respond(ctx context.Context, content *protocol.TextContent, req Request) error {
	content.Time = protocol.At(s.clock.Now())
	calibrateTime(content, req)
	return s.sender.SendContent(ctx, req.Identifier(), content, protocol.PriorityNormal)
}

// calibrateTime makes sure a response sorts after the request it answers on
// the recipient's screen: a response time at or before the request time is
// bumped one second past it.
func calibrateTime(content *protocol.TextContent, req Request) {
	reqTime := req.When()
	if reqTime.IsZero() {
		return
	}
	if content.Time.IsZero() || !content.Time.After(reqTime) {
		content.Time = protocol.At(reqTime.Add(time.Second))
	}
}
