// Package presence tracks the last observed activity of every user the bots
// hear from, so the fan-out engine can decide between immediate forwarding
// and durable inbox storage, and the usher can spot returning users.
package presence

import (
	"time"

	"github.com/opd-ai/dimgroup/protocol"
)

const (
	// Expires is how long after the last activity a user counts as
	// vanished (offline for delivery purposes).
	Expires = 10 * time.Hour

	// FlushInterval is how often the active-user list is written to disk.
	FlushInterval = 10 * time.Minute

	// Monthly is the retention horizon: users inactive longer than this
	// are dropped when the list is saved.
	Monthly = 30 * 24 * time.Hour
)

// ActiveUser pairs a user with the last time any component saw it act.
// LastTime is monotone: Touch only ever moves it forward.
type ActiveUser struct {
	ID       protocol.ID
	LastTime time.Time
}

// Touch advances LastTime to when. Returns false when when is not strictly
// later than the recorded time.
func (u *ActiveUser) Touch(when time.Time) bool {
	if !when.After(u.LastTime) {
		return false
	}
	u.LastTime = when
	return true
}

// RecentlyActive reports whether the user acted within the retention
// horizon. Users failing this are dropped on save.
func (u *ActiveUser) RecentlyActive(now time.Time) bool {
	return now.Before(u.LastTime.Add(Monthly))
}

// Vanished reports whether the user's last activity is older than Expires.
func (u *ActiveUser) Vanished(now time.Time) bool {
	return now.After(u.LastTime.Add(Expires))
}
