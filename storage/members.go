package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dimgroup/protocol"
)

const (
	memberPrefix     = "dim.group."
	memberListSuffix = ".members"
)

// MemberTable reads group rosters from Redis. The identity service owns the
// rosters and writes them here; the bots only consume them, so there is no
// TTL and no local cache. One list per group, insertion order preserved
// (the first member is the owner by convention):
//
//	dim.group.{group}.members
type MemberTable struct {
	rdb *redis.Client
}

// NewMemberTable wraps an established Redis client.
func NewMemberTable(rdb *redis.Client) *MemberTable {
	return &MemberTable{rdb: rdb}
}

func memberListKey(group protocol.ID) string {
	return memberPrefix + group.String() + memberListSuffix
}

// Members returns the group's roster, empty when the group is unknown.
// Entries that do not parse as IDs are skipped, not fatal; a corrupt row
// must not hide the rest of the roster.
func (mt *MemberTable) Members(ctx context.Context, group protocol.ID) ([]protocol.ID, error) {
	rows, err := mt.rdb.LRange(ctx, memberListKey(group), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read group members: %w", err)
	}
	members := make([]protocol.ID, 0, len(rows))
	for _, row := range rows {
		id, err := protocol.ParseID(row)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"group": group.String(),
				"row":   row,
			}).Warn("storage: skipping bad member row")
			continue
		}
		members = append(members, id)
	}
	return members, nil
}

// SaveMembers replaces the group's roster. Members absent from the new list
// disappear, the same rotation shape as SaveKeys.
func (mt *MemberTable) SaveMembers(ctx context.Context, group protocol.ID, members []protocol.ID) error {
	key := memberListKey(group)
	rows := make([]interface{}, len(members))
	for i, member := range members {
		rows[i] = member.String()
	}
	pipe := mt.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(rows) > 0 {
		pipe.RPush(ctx, key, rows...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save group members: %w", err)
	}
	return nil
}

// AddMember appends one member unless already present.
func (mt *MemberTable) AddMember(ctx context.Context, group, member protocol.ID) error {
	members, err := mt.Members(ctx, group)
	if err != nil {
		return err
	}
	for _, id := range members {
		if id == member {
			return nil
		}
	}
	if err := mt.rdb.RPush(ctx, memberListKey(group), member.String()).Err(); err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}
	return nil
}

// RemoveMember drops one member from the roster.
func (mt *MemberTable) RemoveMember(ctx context.Context, group, member protocol.ID) error {
	if err := mt.rdb.LRem(ctx, memberListKey(group), 0, member.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove group member: %w", err)
	}
	return nil
}
