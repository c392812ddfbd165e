package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "kedb:"

func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Ping is used by readiness checks.
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func sessionKey(id string) string {
	return keyPrefix + "session:" + id
}

func ledgerKey(key string) string {
	return keyPrefix + "ledger:" + key
}

func lockKey(key string) string {
	return keyPrefix + "lock:" + key
}
