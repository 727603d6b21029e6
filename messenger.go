package dimgroup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/dimgroup/fanout"
	"github.com/opd-ai/dimgroup/presence"
	"github.com/opd-ai/dimgroup/protocol"
	"github.com/opd-ai/dimgroup/service"
)

// Transport is the framed station link the messenger writes packed messages
// to. Satisfied by *station.Client.
type Transport interface {
	Send(msg *protocol.ReliableMessage) error
}

// StationMessenger packs the bots' outbound contents into reliable messages
// and routes inbound traffic to the right processor. It stands in for a
// full DIM messenger on networks that run the bots without session crypto:
// payloads it creates are plain JSON content dictionaries tagged with a
// blake2b digest where a signature would go, which keeps inbox
// deduplication working. Group message payloads pass through it untouched,
// still encrypted end to end.
type StationMessenger struct {
	botID     protocol.ID
	transport Transport
	clock     presence.TimeProvider

	mutex    sync.RWMutex
	baseCtx  context.Context
	forward  *fanout.ForwardProcessor
	registry *service.Registry
	chat     *service.Service
}

// NewStationMessenger builds the messenger for the bot's own identity.
// Inbound routing stays dead until Bind.
func NewStationMessenger(botID protocol.ID, transport Transport, clock presence.TimeProvider) *StationMessenger {
	if clock == nil {
		clock = presence.DefaultTimeProvider{}
	}
	return &StationMessenger{
		botID:     botID,
		transport: transport,
		clock:     clock,
		baseCtx:   context.Background(),
	}
}

// Bind attaches the inbound processors. The engine calls it once during
// construction, before any traffic flows; ctx bounds the work spawned by
// inbound frames.
func (m *StationMessenger) Bind(ctx context.Context, forward *fanout.ForwardProcessor,
	registry *service.Registry, chat *service.Service) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if ctx != nil {
		m.baseCtx = ctx
	}
	m.forward = forward
	m.registry = registry
	m.chat = chat
}

// pack wraps one content from the bot into a reliable message.
func (m *StationMessenger) pack(receiver protocol.ID, content protocol.Content) (*protocol.ReliableMessage, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}
	digest := blake2b.Sum256(data)
	return &protocol.ReliableMessage{
		Envelope: protocol.Envelope{
			Sender:   m.botID,
			Receiver: receiver,
			Time:     protocol.At(m.clock.Now()),
		},
		Type:      content.Type(),
		Data:      data,
		Signature: digest[:],
	}, nil
}

// SendContent packs content from the bot's identity and ships it. The
// framed link has a single lane, so priority only shows up in logs.
func (m *StationMessenger) SendContent(ctx context.Context, receiver protocol.ID,
	content protocol.Content, priority int) error {
	msg, err := m.pack(receiver, content)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"receiver": receiver.String(),
		"type":     content.Type().String(),
		"priority": priority,
	}).Debug("messenger: sending content")
	return m.transport.Send(msg)
}

// SendReliableMessage routes an already-packed message to the station.
func (m *StationMessenger) SendReliableMessage(ctx context.Context, msg *protocol.ReliableMessage, priority int) error {
	return m.transport.Send(msg)
}

// ProcessReliableMessage decodes one message's payload and runs it through
// the local pipeline. The responses come back packed, addressed to the
// message's sender.
func (m *StationMessenger) ProcessReliableMessage(ctx context.Context, msg *protocol.ReliableMessage) ([]*protocol.ReliableMessage, error) {
	content, err := protocol.DecodeContent(msg.Data)
	if err != nil {
		// Not plaintext: an end-to-end encrypted payload we hold no key
		// for. Nothing to process.
		return nil, fmt.Errorf("failed to decode content from %s: %w", msg.Sender, err)
	}
	responses, err := m.route(ctx, content, msg)
	if err != nil {
		return nil, err
	}
	out := make([]*protocol.ReliableMessage, 0, len(responses))
	for _, r := range responses {
		packed, err := m.pack(msg.Sender, r)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"receiver": msg.Sender.String(),
			}).Error("messenger: failed to pack response")
			continue
		}
		out = append(out, packed)
	}
	return out, nil
}

// route dispatches one decoded content. Forward contents feed the fan-out,
// customized contents the registry, chat contents the service queue.
func (m *StationMessenger) route(ctx context.Context, content protocol.Content, msg *protocol.ReliableMessage) ([]protocol.Content, error) {
	m.mutex.RLock()
	forward, registry, chat := m.forward, m.registry, m.chat
	m.mutex.RUnlock()

	switch c := content.(type) {
	case *protocol.ForwardContent:
		if forward == nil {
			return nil, fmt.Errorf("no forward processor bound")
		}
		return forward.Process(ctx, c, msg)
	case *protocol.CustomizedContent:
		if registry == nil {
			return nil, fmt.Errorf("no registry bound")
		}
		return registry.Process(ctx, c, msg)
	case *protocol.TextContent, *protocol.FileContent:
		if chat == nil {
			return nil, fmt.Errorf("no service bound")
		}
		chat.Accept(content, msg.Envelope)
		return nil, nil
	case *protocol.GroupCommand:
		// Membership lives in the identity directory; the bots only relay
		// these, they never mutate groups themselves.
		logrus.WithFields(logrus.Fields{
			"cmd":    c.Command,
			"sender": msg.Sender.String(),
			"group":  content.Group().String(),
		}).Info("messenger: group command noted")
		return nil, nil
	case *protocol.ReceiptContent:
		logrus.WithFields(logrus.Fields{
			"sender": msg.Sender.String(),
			"text":   c.Text,
		}).Debug("messenger: receipt received")
		return nil, nil
	}
	logrus.WithFields(logrus.Fields{
		"type":   content.Type().String(),
		"sender": msg.Sender.String(),
	}).Warn("messenger: unhandled content")
	return nil, nil
}

// Receive is the station link's inbound entry: process the frame and send
// whatever responses the pipeline produced.
func (m *StationMessenger) Receive(msg *protocol.ReliableMessage) {
	m.mutex.RLock()
	ctx := m.baseCtx
	m.mutex.RUnlock()

	responses, err := m.ProcessReliableMessage(ctx, msg)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"sender": msg.Sender.String(),
		}).Warn("messenger: failed to process message")
		return
	}
	for _, r := range responses {
		if err := m.SendReliableMessage(ctx, r, protocol.PriorityNormal); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"receiver": r.Receiver.String(),
			}).Error("messenger: failed to send response")
		}
	}
}
