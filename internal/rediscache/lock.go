package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soilwatch/erosionflow/internal/domain"
)

const (
	lockPrefix = "erosion:submit:"
	lockTTL    = 30 * time.Second
)

// SubmitLock is a per-key single-flight guard around the
// read-record-then-submit sequence. Without it, two near-simultaneous
// requests for the same absent key can both observe "absent" and both
// submit to the engine, producing two external tasks for one logical
// key.
type SubmitLock interface {
	// TryAcquire returns a release func when this caller won the lock,
	// or nil when another submission for the key is in flight.
	TryAcquire(ctx context.Context, key domain.RecordKey) (release func(), err error)
}

type submitLock struct {
	client *redis.Client
	owner  string
}

// NewSubmitLock creates a Redis SetNX-based SubmitLock. owner
// disambiguates instances so one process never releases another's lock.
func NewSubmitLock(client *redis.Client, owner string) SubmitLock {
	return &submitLock{client: client, owner: owner}
}

// releaseScript deletes the lock only while we still own it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

func (l *submitLock) TryAcquire(ctx context.Context, key domain.RecordKey) (func(), error) {
	rkey := lockPrefix + key.String()
	ok, err := l.client.SetNX(ctx, rkey, l.owner, lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("submit lock for %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{rkey}, l.owner).Err()
	}, nil
}
