// Package dimgroup assembles the server-side group bots of a DIM network:
// the assistant, which splits end-to-end encrypted group messages into
// per-member copies and parks copies for members who vanished, and the
// usher, which watches liveness reports and invites returning users into a
// configured group. The Engine bundle wires the pipeline; cmd/assistant and
// cmd/usher are the entry points.
package dimgroup

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dimgroup/fanout"
	"github.com/opd-ai/dimgroup/keystore"
	"github.com/opd-ai/dimgroup/metrics"
	"github.com/opd-ai/dimgroup/presence"
	"github.com/opd-ai/dimgroup/protocol"
	"github.com/opd-ai/dimgroup/service"
	"github.com/opd-ai/dimgroup/storage"
)

// Options carries the engine's external collaborators. BotID, Redis and
// Members are required; Transport is required unless a full Messenger
// replaces the built-in plaintext one.
type Options struct {
	// BotID is the identity the bot runs under.
	BotID protocol.ID

	// Transport is the framed station link outbound messages leave on.
	Transport Transport

	// Messenger, when set, replaces the StationMessenger built over
	// Transport. Deployments with a real packer and session layer plug
	// it in here.
	Messenger fanout.Messenger

	// Redis backs the vanished-receiver inboxes and the wrapped-key
	// tables.
	Redis *redis.Client

	// Members resolves group membership from the identity directory.
	Members fanout.MemberSource

	// Names resolves display names. Optional; ID name parts are the
	// fallback.
	Names service.NameSource

	// Docs feeds identity-document update times into the presence
	// footprint. Optional.
	Docs presence.DocumentSource

	// UserStore persists the footprint across restarts. Optional.
	UserStore presence.ActiveUserStore

	// Clock may replace the system clock, mainly in tests.
	Clock presence.TimeProvider

	// Metrics is the Prometheus registry the collectors register on.
	// Nil disables metrics.
	Metrics prometheus.Registerer

	// Usher switches the engine to usher mode. Supervisors are the
	// identities allowed to re-point the usher's current group.
	Usher       bool
	Supervisors []protocol.ID
}

// Engine bundles the bot's components, constructed together so every
// collaborator arrives through a constructor instead of a global. Fields
// are exported for composition roots and tests; treat them as read-only
// after New.
type Engine struct {
	BotID protocol.ID

	Messenger   fanout.Messenger
	Footprint   *presence.Footprint
	Keys        *keystore.Manager
	Inbox       *storage.Inbox
	Handler     *fanout.Handler
	Distributor *fanout.Distributor
	Forward     *fanout.ForwardProcessor
	Registry    *service.Registry
	Service     *service.Service
	Usher       *service.Usher
	Recorder    *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	// station is set when New builds the plaintext messenger itself; it is
	// the target of Receive.
	station *StationMessenger

	mutex        sync.Mutex
	newUserHooks []func(protocol.ID)
}

// New wires an engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.BotID.IsZero() {
		return nil, fmt.Errorf("bot ID required")
	}
	if opts.Redis == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if opts.Members == nil {
		return nil, fmt.Errorf("member source required")
	}
	if opts.Messenger == nil && opts.Transport == nil {
		return nil, fmt.Errorf("transport or messenger required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = presence.DefaultTimeProvider{}
	}
	var recorder *metrics.Recorder
	if opts.Metrics != nil {
		recorder = metrics.NewRecorder(opts.Metrics)
	}

	e := &Engine{BotID: opts.BotID, Recorder: recorder}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	var plaintext *StationMessenger
	messenger := opts.Messenger
	if messenger == nil {
		plaintext = NewStationMessenger(opts.BotID, opts.Transport, clock)
		messenger = plaintext
	}
	e.Messenger = messenger

	e.Footprint = presence.NewFootprint(opts.UserStore, opts.Docs, clock)
	e.Keys = keystore.NewManager(storage.NewRedisStore(opts.Redis))
	e.Inbox = storage.NewInbox(opts.Redis)
	e.Distributor = fanout.NewDistributor(messenger, e.Inbox, e.Footprint, recorder)
	e.Handler = fanout.NewHandler(messenger, opts.Members, e.Keys, e.Distributor, e.Footprint, recorder)
	e.Forward = fanout.NewForwardProcessor(e.Handler, messenger, e.Footprint)

	e.Registry = service.NewRegistry()
	e.Registry.Register(protocol.GroupApp, protocol.GroupKeysMod, fanout.NewKeyCommandHandler(e.Keys, recorder))

	var bot service.Bot
	if opts.Usher {
		e.Usher = service.NewUsher(e.Footprint, opts.Members, opts.Names, messenger, opts.Supervisors)
		bot = e.Usher
	} else {
		bot = service.NewAssistant(e.Distributor)
	}
	e.Service = service.NewService(&hookedBot{engine: e, bot: bot}, e.Footprint, messenger, opts.Names, clock, recorder)
	if e.Usher != nil {
		e.Usher.Bind(e.Service)
	}
	e.Registry.Register(protocol.MonitorApp, protocol.MonitorUsersMod, e.Service)

	if plaintext != nil {
		plaintext.Bind(e.ctx, e.Forward, e.Registry, e.Service)
		e.station = plaintext
	}
	return e, nil
}

// Receive feeds one inbound station frame into the engine. It only works for
// engines that let New build the plaintext messenger; a custom Messenger
// routes its own inbound traffic.
func (e *Engine) Receive(msg *protocol.ReliableMessage) {
	if e.station == nil {
		logrus.Warn("engine: no plaintext messenger bound, dropping inbound frame")
		return
	}
	e.station.Receive(msg)
}

// Start launches the worker loops. The station link is the caller's to
// start, after Start so the queues exist before traffic arrives.
func (e *Engine) Start() {
	e.Handler.Start()
	e.Distributor.Start()
	e.Service.Start()
	logrus.WithFields(logrus.Fields{
		"bot":   e.BotID.String(),
		"usher": e.Usher != nil,
	}).Info("engine: started")
}

// Stop terminates the workers and cancels the engine context.
func (e *Engine) Stop() {
	e.Service.Stop()
	e.Handler.Stop()
	e.Distributor.Stop()
	e.cancel()
	logrus.Info("engine: stopped")
}

// Context is canceled when the engine stops. Composition roots hang their
// own teardown off it.
func (e *Engine) Context() context.Context {
	return e.ctx
}

// OnNewUser registers a callback fired after the bot handles a returning
// user. Callbacks run on the service worker.
func (e *Engine) OnNewUser(fn func(protocol.ID)) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.newUserHooks = append(e.newUserHooks, fn)
}

func (e *Engine) userHooks() []func(protocol.ID) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append(([]func(protocol.ID))(nil), e.newUserHooks...)
}

// hookedBot runs the engine's OnNewUser callbacks beside the bot's own
// handling.
type hookedBot struct {
	engine *Engine
	bot    service.Bot
}

func (h *hookedBot) HandleText(ctx context.Context, content *protocol.TextContent, req service.Request) error {
	return h.bot.HandleText(ctx, content, req)
}

func (h *hookedBot) HandleFile(ctx context.Context, content *protocol.FileContent, req service.Request) error {
	return h.bot.HandleFile(ctx, content, req)
}

func (h *hookedBot) HandleNewUser(ctx context.Context, id protocol.ID) error {
	err := h.bot.HandleNewUser(ctx, id)
	for _, fn := range h.engine.userHooks() {
		fn(id)
	}
	return err
}
