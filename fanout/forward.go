package fanout

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dimgroup/limits"
	"github.com/opd-ai/dimgroup/protocol"
)

// ForwardProcessor unpacks forward contents arriving at the bot. Group
// traffic is queued on the handler; anything else replays through the
// messenger. It always answers with one response slot per nested message,
// so the packer can pair responses with secrets by position.
type ForwardProcessor struct {
	handler   *Handler
	messenger Messenger
	footprint Presence
}

// NewForwardProcessor wires the unpack stage.
func NewForwardProcessor(handler *Handler, messenger Messenger, footprint Presence) *ForwardProcessor {
	return &ForwardProcessor{
		handler:   handler,
		messenger: messenger,
		footprint: footprint,
	}
}

// Process routes every nested message of content and returns the parallel
// response slice. An empty slot is a forward of zero messages. rMsg is the
// outer envelope, nil when the content arrived by other means.
func (p *ForwardProcessor) Process(ctx context.Context, content *protocol.ForwardContent, rMsg *protocol.ReliableMessage) ([]protocol.Content, error) {
	secrets := content.Messages()
	if err := limits.ValidateSecretCount(len(secrets)); err != nil {
		return nil, err
	}
	if rMsg != nil {
		p.footprint.Touch(rMsg.Sender, rMsg.Time.Time)
	}

	responses := make([]protocol.Content, 0, len(secrets))
	for _, item := range secrets {
		p.footprint.Touch(item.Sender, item.Time.Time)
		responses = append(responses, p.routeSecret(ctx, item))
	}
	return responses, nil
}

// routeSecret dispatches one nested message and builds its response slot.
func (p *ForwardProcessor) routeSecret(ctx context.Context, item *protocol.ReliableMessage) protocol.Content {
	receiver := item.Receiver
	group := item.Group

	switch {
	case receiver.IsGroup() && receiver.IsBroadcast():
		logrus.WithFields(logrus.Fields{
			"sender":   item.Sender.String(),
			"receiver": receiver.String(),
		}).Error("forward: broadcast group receiver")

	case receiver.IsGroup():
		p.enqueue(item)

	case receiver.IsBroadcast() && !group.IsZero() && group.IsBroadcast():
		logrus.WithFields(logrus.Fields{
			"sender": item.Sender.String(),
			"group":  group.String(),
		}).Error("forward: broadcast group command")

	case receiver.IsBroadcast() && !group.IsZero():
		// Group-management command riding a broadcast receiver.
		p.enqueue(item)

	default:
		results, err := p.messenger.ProcessReliableMessage(ctx, item)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"sender":   item.Sender.String(),
				"receiver": receiver.String(),
			}).Error("forward: failed to process nested message")
			break
		}
		return protocol.NewForwardContent(results...)
	}
	return protocol.NewForwardContent()
}

// enqueue hands one group message to the handler, logging a full queue.
func (p *ForwardProcessor) enqueue(item *protocol.ReliableMessage) {
	if err := p.handler.AppendMessage(item); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"sender":   item.Sender.String(),
			"receiver": item.Receiver.String(),
		}).Warn("forward: dropping group message")
	}
}
