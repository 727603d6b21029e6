// Package storage holds the durable tiers behind the group bots: the Redis
// inbox for vanished receivers, the Redis wrapped-key tables, and the
// active-users JSON file the presence tracker flushes to.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// dialTimeout bounds the initial ping when connecting to Redis.
const dialTimeout = 5 * time.Second

// Dial connects to the Redis server and verifies it answers a ping before
// handing the client out.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	logrus.WithFields(logrus.Fields{
		"addr": addr,
		"db":   db,
	}).Info("storage: connected to redis")
	return rdb, nil
}
