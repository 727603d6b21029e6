package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dimgroup/protocol"
)

// ActiveUserStore persists the active-user list across restarts.
type ActiveUserStore interface {
	SaveActiveUsers(users []ActiveUser) error
	LoadActiveUsers() ([]ActiveUser, error)
}

// DocumentSource exposes the identity directory's document timestamps.
// A user whose identity document was re-signed recently is alive even if no
// message from it passed through this bot.
type DocumentSource interface {
	// DocumentTime returns when the identity document of id was last
	// updated, the zero time when unknown.
	DocumentTime(id protocol.ID) time.Time
}

// Footprint tracks the last observed activity per user. It is shared by the
// forward processor (touching senders), the distributor (vanished checks),
// the service (liveness reports) and the usher (active-user listing).
//
// The list is flushed to the store every FlushInterval; entries older than
// Monthly are dropped on save. All methods are safe for concurrent use.
type Footprint struct {
	mu        sync.Mutex
	users     map[protocol.ID]*ActiveUser
	loaded    bool
	nextFlush time.Time

	store ActiveUserStore
	docs  DocumentSource
	clock TimeProvider
}

// NewFootprint builds a presence tracker. store may be nil for a purely
// in-memory tracker; docs may be nil to skip the document refresh pass;
// a nil clock falls back to the system clock.
func NewFootprint(store ActiveUserStore, docs DocumentSource, clock TimeProvider) *Footprint {
	if clock == nil {
		clock = DefaultTimeProvider{}
	}
	return &Footprint{
		users: make(map[protocol.ID]*ActiveUser),
		store: store,
		docs:  docs,
		clock: clock,
	}
}

// Touch records activity of id at when. A zero, negative or future when is
// clamped to now. Group identifiers are ignored. Returns true when the entry
// was created or moved forward, false when the touch was stale or ignored.
func (fp *Footprint) Touch(id protocol.ID, when time.Time) bool {
	if id.IsGroup() {
		logrus.WithFields(logrus.Fields{
			"id": id.String(),
		}).Debug("footprint: ignore group")
		return false
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()

	now := fp.clock.Now()
	fp.ensureLoaded()

	if when.IsZero() || !when.Before(now) {
		when = now
	}

	touched := false
	entry, found := fp.users[id]
	if found {
		touched = entry.Touch(when)
	} else {
		fp.users[id] = &ActiveUser{ID: id, LastTime: when}
		touched = true
	}
	fp.flush(now)
	return touched
}

// IsVanished reports whether id has been quiet for longer than Expires.
// Unknown users are vanished. A zero now means the current time.
func (fp *Footprint) IsVanished(id protocol.ID, now time.Time) bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if now.IsZero() {
		now = fp.clock.Now()
	}
	fp.ensureLoaded()

	entry, found := fp.users[id]
	if !found {
		return true
	}
	return entry.Vanished(now)
}

// LastTime returns the recorded activity time of id, the zero time when the
// user is unknown.
func (fp *Footprint) LastTime(id protocol.ID) time.Time {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	fp.ensureLoaded()
	entry, found := fp.users[id]
	if !found {
		return time.Time{}
	}
	return entry.LastTime
}

// ActiveUsers returns a copy of the tracked list sorted by last activity,
// newest first.
func (fp *Footprint) ActiveUsers() []ActiveUser {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	fp.ensureLoaded()
	out := make([]ActiveUser, 0, len(fp.users))
	for _, entry := range fp.users {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastTime.After(out[j].LastTime)
	})
	return out
}

// ensureLoaded pulls the persisted list on first use. nextFlush stays at the
// zero value so the first touch writes straight through. Callers hold fp.mu.
func (fp *Footprint) ensureLoaded() {
	if fp.loaded {
		return
	}
	fp.loaded = true
	if fp.store == nil {
		return
	}
	users, err := fp.store.LoadActiveUsers()
	if err != nil {
		logrus.WithError(err).Error("footprint: failed to load active users")
		return
	}
	for i := range users {
		u := users[i]
		fp.users[u.ID] = &u
	}
	logrus.WithFields(logrus.Fields{
		"count": len(users),
	}).Info("footprint: loaded active users")
}

// flush writes the list through the store when the save interval elapsed.
// The write happens at most once per FlushInterval; between flushes touches
// only update memory. Callers hold fp.mu.
func (fp *Footprint) flush(now time.Time) {
	if now.Before(fp.nextFlush) {
		return
	}
	fp.nextFlush = now.Add(FlushInterval)

	users := fp.compact(now)
	if fp.store == nil {
		return
	}
	if err := fp.store.SaveActiveUsers(users); err != nil {
		logrus.WithError(err).Error("footprint: failed to save active users")
		return
	}
	logrus.WithFields(logrus.Fields{
		"count": len(users),
	}).Info("footprint: saved active users")
}

// compact refreshes entries against the identity directory, drops users
// outside the retention horizon and returns the remainder sorted newest
// first. Callers hold fp.mu.
func (fp *Footprint) compact(now time.Time) []ActiveUser {
	kept := make([]ActiveUser, 0, len(fp.users))
	for id, entry := range fp.users {
		if fp.docs != nil {
			if docTime := fp.docs.DocumentTime(id); !docTime.IsZero() {
				entry.Touch(docTime)
			}
		}
		if !entry.RecentlyActive(now) {
			delete(fp.users, id)
			continue
		}
		kept = append(kept, *entry)
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].LastTime.After(kept[j].LastTime)
	})
	return kept
}
