package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dimgroup/presence"
	"github.com/opd-ai/dimgroup/protocol"
)

// activeUserTimeLayout is the human-readable copy of the timestamp. Only the
// float seconds are parsed back.
const activeUserTimeLayout = "2006-01-02 15:04:05"

// activeUserRecord is one on-disk row.
type activeUserRecord struct {
	ID      string  `json:"ID"`
	Time    float64 `json:"time"`
	TimeStr string  `json:"time_str"`
}

// ActiveUserFile persists the presence tracker's list as a JSON array,
// newest first, at a path like "protected/active_users.js".
type ActiveUserFile struct {
	path string
}

// NewActiveUserFile points the store at path. The directory is created on
// first save.
func NewActiveUserFile(path string) *ActiveUserFile {
	return &ActiveUserFile{path: path}
}

// SaveActiveUsers writes the list through a temp file and rename, so a
// crashed save never leaves a truncated list behind.
func (f *ActiveUserFile) SaveActiveUsers(users []presence.ActiveUser) error {
	records := make([]activeUserRecord, 0, len(users))
	for _, u := range users {
		records = append(records, activeUserRecord{
			ID:      u.ID.String(),
			Time:    float64(u.LastTime.UnixMilli()) / 1000,
			TimeStr: u.LastTime.Format(activeUserTimeLayout),
		})
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode active users: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create active users directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write active users: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace active users file: %w", err)
	}
	return nil
}

// LoadActiveUsers reads the list back. A missing file is an empty list.
// Rows with unparseable IDs or times are skipped.
func (f *ActiveUserFile) LoadActiveUsers() ([]presence.ActiveUser, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active users: %w", err)
	}
	var records []activeUserRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode active users: %w", err)
	}

	users := make([]presence.ActiveUser, 0, len(records))
	for _, rec := range records {
		id, err := protocol.ParseID(rec.ID)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"ID": rec.ID,
			}).Warn("storage: skipping bad active user record")
			continue
		}
		if rec.Time <= 0 {
			continue
		}
		users = append(users, presence.ActiveUser{
			ID:       id,
			LastTime: time.UnixMilli(int64(rec.Time * 1000)),
		})
	}
	return users, nil
}
