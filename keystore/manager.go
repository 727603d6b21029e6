// Package keystore keeps the wrapped-key tables group members upload for
// each other. The bot cannot decrypt any of them; it only stores, merges and
// serves them so the fan-out can attach the right wrapped key to each split
// message.
package keystore

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dimgroup/protocol"
)

// KeyTable is one sender's wrapped-key table for a group: memberID → wrapped
// key, plus the reserved "digest" and "time" bookkeeping entries. Tables
// handed out by the Manager are shared; treat them as read-only.
type KeyTable map[string]string

// Digest returns the table's key-generation digest, empty when absent.
func (t KeyTable) Digest() string { return t[protocol.KeyTableDigest] }

// Time returns the table's upload time as decimal epoch seconds, empty when
// absent.
func (t KeyTable) Time() string { return t[protocol.KeyTableTime] }

// Key returns member's wrapped key, empty when the table has none.
func (t KeyTable) Key(member protocol.ID) string { return t[member.String()] }

// Clone returns an independent copy.
func (t KeyTable) Clone() KeyTable {
	dup := make(KeyTable, len(t))
	for k, v := range t {
		dup[k] = v
	}
	return dup
}

// Store is the durable tier behind the manager. LoadKeys returns nil for an
// unknown pair.
type Store interface {
	LoadKeys(ctx context.Context, group, sender protocol.ID) (map[string]string, error)
	SaveKeys(ctx context.Context, group, sender protocol.ID, table map[string]string) error
}

type pairKey struct {
	group  protocol.ID
	sender protocol.ID
}

// Manager is the group-key authority: a write-through memory tier in front
// of a Store, with writes serialized per manager. Merging never mutates a
// table already handed out; an update installs a fresh table.
type Manager struct {
	mu    sync.Mutex
	cache map[pairKey]KeyTable
	store Store
}

// NewManager builds a manager over store. A nil store keeps tables in
// memory only.
func NewManager(store Store) *Manager {
	return &Manager{
		cache: make(map[pairKey]KeyTable),
		store: store,
	}
}

// Load returns the merged table for (group, sender), nil when the pair has
// never uploaded keys.
func (m *Manager) Load(ctx context.Context, group, sender protocol.ID) (KeyTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx, group, sender)
}

// Get returns one member's wrapped key from the (group, sender) table,
// empty when the table or the entry is missing.
func (m *Manager) Get(ctx context.Context, group, sender, member protocol.ID) (string, error) {
	table, err := m.Load(ctx, group, sender)
	if err != nil {
		return "", err
	}
	return table.Key(member), nil
}

// Save merges keys into the stored table for (group, sender) and reports
// whether anything changed.
//
// When both tables carry the same digest the incoming entries are grafted
// onto the stored table (the sender only re-wrapped for some members); if
// nothing differs the call is a no-op returning false. A differing or
// missing digest means a new key generation: the incoming table replaces
// the stored one entirely.
func (m *Manager) Save(ctx context.Context, group, sender protocol.ID, keys map[string]string) (bool, error) {
	if len(keys) == 0 {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	old, err := m.loadLocked(ctx, group, sender)
	if err != nil {
		return false, err
	}

	var next KeyTable
	newDigest := keys[protocol.KeyTableDigest]
	if old != nil && newDigest != "" && old.Digest() == newDigest {
		changed := 0
		merged := old.Clone()
		for k, v := range keys {
			if k == protocol.KeyTableDigest {
				continue
			}
			if merged[k] == v {
				continue
			}
			merged[k] = v
			changed++
		}
		if changed == 0 {
			logrus.WithFields(logrus.Fields{
				"group":  group.String(),
				"sender": sender.String(),
			}).Debug("keystore: duplicated keys, nothing to update")
			return false, nil
		}
		next = merged
		logrus.WithFields(logrus.Fields{
			"group":   group.String(),
			"sender":  sender.String(),
			"changed": changed,
		}).Debug("keystore: merged keys into current generation")
	} else {
		next = KeyTable(keys).Clone()
		logrus.WithFields(logrus.Fields{
			"group":  group.String(),
			"sender": sender.String(),
			"count":  len(next),
		}).Debug("keystore: replaced key table")
	}

	if m.store != nil {
		if err := m.store.SaveKeys(ctx, group, sender, next); err != nil {
			return false, err
		}
	}
	m.cache[pairKey{group: group, sender: sender}] = next
	return true, nil
}

// loadLocked consults the memory tier, falling back to the store on a miss.
// Only found tables are cached. Callers hold m.mu.
func (m *Manager) loadLocked(ctx context.Context, group, sender protocol.ID) (KeyTable, error) {
	pk := pairKey{group: group, sender: sender}
	if table, ok := m.cache[pk]; ok {
		return table, nil
	}
	if m.store == nil {
		return nil, nil
	}
	fields, err := m.store.LoadKeys(ctx, group, sender)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, nil
	}
	table := KeyTable(fields)
	m.cache[pk] = table
	return table, nil
}
