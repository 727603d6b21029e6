package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ContentType tags the payload variant of a message content.
type ContentType uint8

const (
	// ContentText is a plain text message.
	ContentText ContentType = 0x01

	// ContentFile is a file attachment (URL plus decrypt password).
	ContentFile ContentType = 0x10

	// ContentCommand is a system command, e.g. a receipt.
	ContentCommand ContentType = 0x88

	// ContentHistory is a group history command (invite, expel, reset).
	ContentHistory ContentType = 0x89

	// ContentCustomized is an application-defined content addressed by
	// its app/mod/act triple.
	ContentCustomized ContentType = 0xCC

	// ContentForward wraps one or more nested reliable messages.
	ContentForward ContentType = 0xFF
)

// String names the content type for logging.
func (t ContentType) String() string {
	switch t {
	case ContentText:
		return "text"
	case ContentFile:
		return "file"
	case ContentCommand:
		return "command"
	case ContentHistory:
		return "history"
	case ContentCustomized:
		return "customized"
	case ContentForward:
		return "forward"
	}
	return fmt.Sprintf("0x%02X", uint8(t))
}

// Content is the open enumeration of message payloads. Concrete variants
// embed BaseContent; payloads the bots do not understand decode as
// UnknownContent and pass through untouched.
type Content interface {
	// Type returns the variant tag.
	Type() ContentType

	// SN returns the sender-assigned serial number.
	SN() uint64

	// When returns the content time, zero when the sender omitted it.
	When() time.Time

	// Group returns the group the content belongs to, zero when none.
	Group() ID

	// SetGroup tags the content with a group.
	SetGroup(group ID)
}

// BaseContent carries the fields shared by every content variant.
type BaseContent struct {
	Kind    ContentType `json:"type"`
	Serial  uint64      `json:"sn"`
	Time    Timestamp   `json:"time,omitzero"`
	GroupID ID          `json:"group,omitzero"`
}

func newBaseContent(kind ContentType) BaseContent {
	return BaseContent{
		Kind:   kind,
		Serial: newSerial(),
		Time:   Now(),
	}
}

// newSerial picks a random non-zero serial number. Serials only need to be
// unique per sender per session, not unpredictable.
func newSerial() uint64 {
	n := rand.Uint32()
	if n == 0 {
		n = 1
	}
	return uint64(n)
}

// Type returns the variant tag.
func (c *BaseContent) Type() ContentType { return c.Kind }

// SN returns the sender-assigned serial number.
func (c *BaseContent) SN() uint64 { return c.Serial }

// When returns the content time.
func (c *BaseContent) When() time.Time { return c.Time.Time }

// Group returns the tagged group, zero when none.
func (c *BaseContent) Group() ID { return c.GroupID }

// SetGroup tags the content with a group.
func (c *BaseContent) SetGroup(group ID) { c.GroupID = group }

// TextContent is a plain text message. Format optionally names a richer
// rendering ("markdown"); clients without it fall back to the plain text.
type TextContent struct {
	BaseContent
	Text   string `json:"text"`
	Format string `json:"format,omitempty"`
}

// NewTextContent builds a text content stamped with the current time.
func NewTextContent(text string) *TextContent {
	return &TextContent{BaseContent: newBaseContent(ContentText), Text: text}
}

// FileContent is a file attachment. The payload itself lives behind the
// URL, encrypted with the password; the bots never fetch it.
type FileContent struct {
	BaseContent
	Filename string `json:"filename,omitempty"`
	URL      string `json:"URL,omitempty"`
	Password string `json:"password,omitempty"`
}

// ForwardContent wraps nested reliable messages. Either the single forward
// field or the secrets list is populated on the wire; Messages merges both
// views.
type ForwardContent struct {
	BaseContent
	Forward *ReliableMessage   `json:"forward,omitempty"`
	Secrets []*ReliableMessage `json:"secrets,omitempty"`
}

// NewForwardContent wraps messages for re-delivery. Zero messages is valid
// and encodes an intentionally empty response slot.
func NewForwardContent(msgs ...*ReliableMessage) *ForwardContent {
	c := &ForwardContent{BaseContent: newBaseContent(ContentForward)}
	if len(msgs) == 1 {
		c.Forward = msgs[0]
	} else if len(msgs) > 1 {
		c.Secrets = msgs
	}
	return c
}

// Messages returns every nested message regardless of which wire field
// carried it.
func (c *ForwardContent) Messages() []*ReliableMessage {
	if len(c.Secrets) > 0 {
		return c.Secrets
	}
	if c.Forward != nil {
		return []*ReliableMessage{c.Forward}
	}
	return nil
}

// ReceiptContent acknowledges or rejects an earlier message with a short
// human-readable text. Receipts are commands on the wire.
type ReceiptContent struct {
	BaseContent
	Command string         `json:"cmd"`
	Text    string         `json:"text"`
	Origin  map[string]any `json:"origin,omitempty"`
}

// NewReceipt builds a receipt carrying the given text.
func NewReceipt(text string) *ReceiptContent {
	return &ReceiptContent{
		BaseContent: newBaseContent(ContentCommand),
		Command:     "receipt",
		Text:        text,
	}
}

// ReceiptFor builds a receipt answering parent, carrying enough of the
// original envelope for the client to match it. cause is the content being
// answered, nil when it never decoded.
func ReceiptFor(text string, parent *ReliableMessage, cause Content) *ReceiptContent {
	r := NewReceipt(text)
	if parent == nil {
		return r
	}
	origin := map[string]any{
		"sender":   parent.Sender.String(),
		"receiver": parent.Receiver.String(),
	}
	if !parent.Time.IsZero() {
		origin["time"] = float64(parent.Time.UnixMilli()) / 1000.0
	}
	if cause != nil {
		origin["sn"] = cause.SN()
	}
	r.Origin = origin
	return r
}

// GroupCommand is a group history command: invite, expel, reset and
// friends. The bots replay these through the messenger and, for the usher,
// emit invites.
type GroupCommand struct {
	BaseContent
	Command string   `json:"cmd"`
	Members []string `json:"members,omitempty"`
}

// NewInviteCommand builds an invite for the given members into the group.
func NewInviteCommand(group ID, members ...ID) *GroupCommand {
	c := &GroupCommand{
		BaseContent: newBaseContent(ContentHistory),
		Command:     "invite",
		Members:     revertIDs(members),
	}
	c.SetGroup(group)
	return c
}

func revertIDs(ids []ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

// UnknownContent preserves a content the bots do not understand so it can
// be logged or passed through without loss.
type UnknownContent struct {
	BaseContent
	Raw map[string]any `json:"-"`
}

// MarshalJSON re-emits the original dictionary.
func (c *UnknownContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Raw)
}

// ParseContent decodes a content dictionary into its typed variant. It is
// the single factory the packer boundary and the tests go through; variants
// outside the known set come back as UnknownContent, never an error.
func ParseContent(raw map[string]any) (Content, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode content dictionary: %w", err)
	}
	return DecodeContent(data)
}

// DecodeContent decodes the JSON form of a content dictionary.
func DecodeContent(data []byte) (Content, error) {
	var probe struct {
		Type ContentType `json:"type"`
		Cmd  string      `json:"cmd"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}

	var c Content
	switch probe.Type {
	case ContentText:
		c = &TextContent{}
	case ContentFile:
		c = &FileContent{}
	case ContentForward:
		c = &ForwardContent{}
	case ContentCommand:
		if probe.Cmd == "receipt" {
			c = &ReceiptContent{}
		}
	case ContentHistory:
		c = &GroupCommand{}
	case ContentCustomized:
		c = &CustomizedContent{}
	}
	if c == nil {
		unknown := &UnknownContent{}
		if err := json.Unmarshal(data, &unknown.BaseContent); err != nil {
			return nil, fmt.Errorf("decode content header: %w", err)
		}
		if err := json.Unmarshal(data, &unknown.Raw); err != nil {
			return nil, fmt.Errorf("decode content body: %w", err)
		}
		return unknown, nil
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode %s content: %w", probe.Type, err)
	}
	return c, nil
}

// CustomizedContent is an application-defined content addressed by its
// app/mod/act triple. Fields beyond the triple live in Extra and are
// round-tripped verbatim.
type CustomizedContent struct {
	BaseContent
	App   string
	Mod   string
	Act   string
	Extra map[string]any
}

// NewCustomizedContent builds an empty customized content for the triple.
func NewCustomizedContent(app, mod, act string) *CustomizedContent {
	return &CustomizedContent{
		BaseContent: newBaseContent(ContentCustomized),
		App:         app,
		Mod:         mod,
		Act:         act,
		Extra:       make(map[string]any),
	}
}

// Set stores an extra field.
func (c *CustomizedContent) Set(key string, value any) {
	if c.Extra == nil {
		c.Extra = make(map[string]any)
	}
	c.Extra[key] = value
}

// GetString returns an extra field as a string, empty when absent or not a
// string.
func (c *CustomizedContent) GetString(key string) string {
	s, _ := c.Extra[key].(string)
	return s
}

// GetStrings returns an extra field as a string list, nil when absent.
func (c *CustomizedContent) GetStrings(key string) []string {
	items, ok := c.Extra[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// GetTable returns an extra field as a string table, nil when absent or not
// a dictionary. Non-string values are skipped.
func (c *CustomizedContent) GetTable(key string) map[string]string {
	raw, ok := c.Extra[key].(map[string]any)
	if !ok {
		return nil
	}
	table := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			table[k] = s
		}
	}
	return table
}

// GetList returns an extra field as a raw list, nil when absent.
func (c *CustomizedContent) GetList(key string) []any {
	items, _ := c.Extra[key].([]any)
	return items
}

// MarshalJSON flattens the triple and the extra fields into one dictionary.
func (c *CustomizedContent) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+7)
	for k, v := range c.Extra {
		out[k] = v
	}
	out["type"] = uint8(c.Kind)
	out["sn"] = c.Serial
	if !c.Time.IsZero() {
		out["time"] = float64(c.Time.UnixMilli()) / 1000.0
	}
	if !c.GroupID.IsZero() {
		out["group"] = c.GroupID.String()
	}
	out["app"] = c.App
	out["mod"] = c.Mod
	out["act"] = c.Act
	return json.Marshal(out)
}

// UnmarshalJSON splits the dictionary back into the triple and extras.
func (c *CustomizedContent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Kind = ContentCustomized
	if n, ok := raw["type"].(float64); ok {
		c.Kind = ContentType(n)
	}
	if n, ok := raw["sn"].(float64); ok {
		c.Serial = uint64(n)
	}
	if n, ok := raw["time"].(float64); ok && n != 0 {
		c.Time = At(time.UnixMilli(int64(math.Round(n * 1000.0))))
	}
	if s, ok := raw["group"].(string); ok && s != "" {
		group, err := ParseID(s)
		if err != nil {
			return fmt.Errorf("customized content group: %w", err)
		}
		c.GroupID = group
	}
	c.App, _ = raw["app"].(string)
	c.Mod, _ = raw["mod"].(string)
	c.Act, _ = raw["act"].(string)
	for _, k := range []string{"type", "sn", "time", "group", "app", "mod", "act"} {
		delete(raw, k)
	}
	c.Extra = raw
	return nil
}
