package fanout

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dimgroup/metrics"
	"github.com/opd-ai/dimgroup/protocol"
)

// KeyCommandHandler serves the wrapped-key exchange (app "chat.dim.group",
// mod "keys"): senders upload tables with "update", members fetch their own
// wrapped key with "request" or "query". Every outcome is answered, either
// with the key respond content or with a receipt naming the failure.
type KeyCommandHandler struct {
	keys     GroupKeys
	recorder *metrics.Recorder
}

// NewKeyCommandHandler wires the exchange. recorder may be nil.
func NewKeyCommandHandler(keys GroupKeys, recorder *metrics.Recorder) *KeyCommandHandler {
	return &KeyCommandHandler{keys: keys, recorder: recorder}
}

// Handle serves one key-exchange content and returns the responses.
func (h *KeyCommandHandler) Handle(ctx context.Context, content *protocol.CustomizedContent, msg *protocol.ReliableMessage) ([]protocol.Content, error) {
	group := content.Group()
	if group.IsZero() || group.IsBroadcast() {
		return nil, fmt.Errorf("key command without concrete group from %s", msg.Sender)
	}

	switch content.Act {
	case protocol.KeyActUpdate:
		return h.updateGroupKeys(ctx, group, msg.Sender, content, msg)
	case protocol.KeyActRequest, protocol.KeyActQuery:
		return h.requestGroupKey(ctx, group, msg.Sender, content, msg)
	default:
		text := fmt.Sprintf("Unexpected command: %q", content.Act)
		return []protocol.Content{protocol.ReceiptFor(text, msg, content)}, nil
	}
}

// updateGroupKeys merges an uploaded table and reports the outcome.
func (h *KeyCommandHandler) updateGroupKeys(ctx context.Context, group, sender protocol.ID,
	content *protocol.CustomizedContent, msg *protocol.ReliableMessage) ([]protocol.Content, error) {
	var text string
	keys := content.GetTable("keys")
	if keys == nil {
		text = "Group keys error, failed to update."
		logrus.WithFields(logrus.Fields{
			"group":  group.String(),
			"sender": sender.String(),
		}).Error("keycommand: malformed keys table")
	} else if changed, err := h.keys.Save(ctx, group, sender, keys); err != nil {
		text = "Failed to update group keys."
		logrus.WithError(err).WithFields(logrus.Fields{
			"group":  group.String(),
			"sender": sender.String(),
		}).Error("keycommand: failed to save keys")
	} else if changed {
		text = "Group keys updated."
		h.recorder.KeyUpdate()
	} else {
		text = "Failed to update group keys."
	}
	return []protocol.Content{protocol.ReceiptFor(text, msg, content)}, nil
}

// requestGroupKey serves the requester's own wrapped key from the table the
// key sender uploaded.
func (h *KeyCommandHandler) requestGroupKey(ctx context.Context, group, member protocol.ID,
	content *protocol.CustomizedContent, msg *protocol.ReliableMessage) ([]protocol.Content, error) {
	keySender := protocol.KeySender(content)
	if keySender.IsZero() {
		text := "Failed to get group keys sender."
		return []protocol.Content{protocol.ReceiptFor(text, msg, content)}, nil
	}
	table, err := h.keys.Load(ctx, group, keySender)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"group":  group.String(),
			"sender": keySender.String(),
		}).Error("keycommand: failed to load keys")
	}
	wk := table.Key(member)
	if wk == "" {
		text := "Failed to get group key."
		logrus.WithFields(logrus.Fields{
			"group":  group.String(),
			"sender": keySender.String(),
			"member": member.String(),
		}).Warn("keycommand: no wrapped key for member")
		return []protocol.Content{protocol.ReceiptFor(text, msg, content)}, nil
	}
	res := protocol.NewKeyRespond(group, keySender, member, wk, table.Digest(), table.Time())
	return []protocol.Content{res}, nil
}
