package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

// unlockScript deletes the lock only if this holder still owns it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Ledger shares apply locks and applied versions across worker processes.
// Lock expiry bounds how long a crashed worker can block a key.
type Ledger struct {
	client    *redis.Client
	lockTTL   time.Duration
	entryTTL  time.Duration
	pollEvery time.Duration
}

type LedgerOptions struct {
	LockTTL   time.Duration
	EntryTTL  time.Duration
	PollEvery time.Duration
}

func NewLedger(client *redis.Client, options LedgerOptions) *Ledger {
	l := &Ledger{
		client:    client,
		lockTTL:   options.LockTTL,
		entryTTL:  options.EntryTTL,
		pollEvery: options.PollEvery,
	}
	if l.lockTTL <= 0 {
		l.lockTTL = 2 * time.Minute
	}
	if l.entryTTL <= 0 {
		l.entryTTL = 30 * 24 * time.Hour
	}
	if l.pollEvery <= 0 {
		l.pollEvery = 25 * time.Millisecond
	}
	return l
}

func (l *Ledger) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	wait := l.pollEvery
	for {
		ok, err := l.client.SetNX(ctx, lockKey(key), token, l.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				defer cancel()
				_ = unlockScript.Run(releaseCtx, l.client, []string{lockKey(key)}, token).Err()
			}, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if wait < 500*time.Millisecond {
			wait *= 2
		}
	}
}

func (l *Ledger) Get(ctx context.Context, key string) (domain.AppliedVersion, bool, error) {
	raw, err := l.client.Get(ctx, ledgerKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.AppliedVersion{}, false, nil
	}
	if err != nil {
		return domain.AppliedVersion{}, false, fmt.Errorf("redis ledger get %s: %w", key, err)
	}
	var applied domain.AppliedVersion
	if err := json.Unmarshal(raw, &applied); err != nil {
		return domain.AppliedVersion{}, false, fmt.Errorf("unmarshal ledger entry %s: %w", key, err)
	}
	return applied, true, nil
}

func (l *Ledger) Put(ctx context.Context, key string, applied domain.AppliedVersion) error {
	raw, err := json.Marshal(applied)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	if err := l.client.Set(ctx, ledgerKey(key), raw, l.entryTTL).Err(); err != nil {
		return fmt.Errorf("redis ledger put %s: %w", key, err)
	}
	return nil
}
