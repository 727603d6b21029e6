package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStoreSaveLoad(t *testing.T) {
	rdb, _ := newTestRedis(t)
	store := NewRedisStore(rdb)
	ctx := context.Background()

	group := storageGroup("team")
	alice := storageUser("alice")
	bob := storageUser("bob")

	table := map[string]string{
		bob.String(): "wrapped-for-bob",
		"digest":     "abc123",
		"time":       "1714560000",
	}
	require.NoError(t, store.SaveKeys(ctx, group, alice, table))

	loaded, err := store.LoadKeys(ctx, group, alice)
	require.NoError(t, err)
	assert.Equal(t, table, loaded)
}

func TestRedisStoreLoadMissing(t *testing.T) {
	rdb, _ := newTestRedis(t)
	store := NewRedisStore(rdb)

	loaded, err := store.LoadKeys(context.Background(), storageGroup("team"), storageUser("alice"))
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRedisStoreReplaceDropsStaleMembers(t *testing.T) {
	rdb, _ := newTestRedis(t)
	store := NewRedisStore(rdb)
	ctx := context.Background()

	group := storageGroup("team")
	alice := storageUser("alice")
	bob := storageUser("bob")
	carol := storageUser("carol")

	require.NoError(t, store.SaveKeys(ctx, group, alice, map[string]string{
		bob.String(): "old-key",
		"digest":     "old",
	}))
	require.NoError(t, store.SaveKeys(ctx, group, alice, map[string]string{
		carol.String(): "new-key",
		"digest":       "new",
	}))

	loaded, err := store.LoadKeys(ctx, group, alice)
	require.NoError(t, err)
	assert.NotContains(t, loaded, bob.String())
	assert.Equal(t, "new-key", loaded[carol.String()])
	assert.Equal(t, "new", loaded["digest"])
}

func TestRedisStorePairIsolation(t *testing.T) {
	rdb, _ := newTestRedis(t)
	store := NewRedisStore(rdb)
	ctx := context.Background()

	group := storageGroup("team")
	alice := storageUser("alice")
	bob := storageUser("bob")

	require.NoError(t, store.SaveKeys(ctx, group, alice, map[string]string{"digest": "from-alice"}))
	require.NoError(t, store.SaveKeys(ctx, group, bob, map[string]string{"digest": "from-bob"}))

	fromAlice, err := store.LoadKeys(ctx, group, alice)
	require.NoError(t, err)
	fromBob, err := store.LoadKeys(ctx, group, bob)
	require.NoError(t, err)
	assert.Equal(t, "from-alice", fromAlice["digest"])
	assert.Equal(t, "from-bob", fromBob["digest"])
}

func TestRedisStoreSaveEmptyClears(t *testing.T) {
	rdb, _ := newTestRedis(t)
	store := NewRedisStore(rdb)
	ctx := context.Background()

	group := storageGroup("team")
	alice := storageUser("alice")

	require.NoError(t, store.SaveKeys(ctx, group, alice, map[string]string{"digest": "abc"}))
	require.NoError(t, store.SaveKeys(ctx, group, alice, nil))

	loaded, err := store.LoadKeys(ctx, group, alice)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
