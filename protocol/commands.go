package protocol

import "time"

// Customized content triples understood by the assistant bots.
const (
	// GroupApp / GroupKeysMod address the wrapped-key exchange.
	GroupApp     = "chat.dim.group"
	GroupKeysMod = "keys"

	// MonitorApp / MonitorUsersMod address liveness reports.
	MonitorApp      = "chat.dim.monitor"
	MonitorUsersMod = "users"
)

// Actions of the wrapped-key exchange.
const (
	KeyActQuery   = "query"   // bot → sender: digest + missing members
	KeyActUpdate  = "update"  // sender → bot: full or patch key table
	KeyActRequest = "request" // member → bot: ask for own wrapped key
	KeyActRespond = "respond" // bot → member: wrapped key + digest
)

// UsersActPost is the action of a monitor liveness report.
const UsersActPost = "post"

// Reserved entries of a wrapped-key table. Everything else in the table is
// a memberID → wrapped key pair.
const (
	KeyTableDigest = "digest"
	KeyTableTime   = "time"
)

// newGroupKeyCommand builds the shared skeleton of a key-exchange content:
// the triple, the group tag, and the key sender in "from".
func newGroupKeyCommand(act string, group, sender ID) *CustomizedContent {
	c := NewCustomizedContent(GroupApp, GroupKeysMod, act)
	c.SetGroup(group)
	c.Set("from", sender.String())
	return c
}

// NewKeyQuery asks the original sender to re-send wrapped keys for the
// members the bot could not serve. The digest pins the key generation the
// bot already holds; members lists who is missing.
func NewKeyQuery(group, sender ID, digest string, members []ID) *CustomizedContent {
	c := newGroupKeyCommand(KeyActQuery, group, sender)
	if digest != "" {
		c.Set("keys", map[string]any{KeyTableDigest: digest})
	}
	c.Set("members", revertIDs(members))
	return c
}

// NewKeyUpdate carries a wrapped-key table from the sender to the bot. A
// missing time entry is stamped with the current time so merge decisions
// stay ordered.
func NewKeyUpdate(group, sender ID, keys map[string]string) *CustomizedContent {
	c := newGroupKeyCommand(KeyActUpdate, group, sender)
	table := make(map[string]any, len(keys)+1)
	for k, v := range keys {
		table[k] = v
	}
	if _, ok := table[KeyTableTime]; !ok {
		table[KeyTableTime] = Timestamp{Time: time.Now()}.secondsString()
	}
	c.Set("keys", table)
	return c
}

// NewKeyRequest asks the bot for the requester's own wrapped key from the
// table keySender uploaded. The digest is optional and advisory.
func NewKeyRequest(group, keySender ID, digest string) *CustomizedContent {
	c := newGroupKeyCommand(KeyActRequest, group, keySender)
	if digest != "" {
		c.Set("keys", map[string]any{KeyTableDigest: digest})
	}
	return c
}

// NewKeyRespond serves one member's wrapped key back, together with the
// digest and time of the table it came from.
func NewKeyRespond(group, keySender, member ID, wrappedKey, digest, keyTime string) *CustomizedContent {
	c := newGroupKeyCommand(KeyActRespond, group, keySender)
	table := map[string]any{
		member.String(): wrappedKey,
		KeyTableDigest:  digest,
	}
	if keyTime != "" {
		table[KeyTableTime] = keyTime
	}
	c.Set("keys", table)
	return c
}

// KeySender returns the "from" field of a key-exchange content, the zero ID
// when absent or malformed.
func KeySender(c *CustomizedContent) ID {
	id, err := ParseID(c.GetString("from"))
	if err != nil {
		return ID{}
	}
	return id
}

// NewUsersPost builds a monitor liveness report listing users seen active
// at the given time.
func NewUsersPost(users []ID, when time.Time) *CustomizedContent {
	c := NewCustomizedContent(MonitorApp, MonitorUsersMod, UsersActPost)
	c.Time = At(when)
	items := make([]any, 0, len(users))
	for _, u := range users {
		items = append(items, map[string]any{"U": u.String()})
	}
	c.Set("users", items)
	return c
}

// PostedUsers extracts the user IDs of a monitor liveness report, skipping
// malformed items.
func PostedUsers(c *CustomizedContent) []ID {
	items := c.GetList("users")
	out := make([]ID, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		s, ok := entry["U"].(string)
		if !ok {
			continue
		}
		id, err := ParseID(s)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// secondsString renders the timestamp the way key tables carry their time
// entry: decimal epoch seconds.
func (ts Timestamp) secondsString() string {
	return formatSeconds(ts.Time)
}
