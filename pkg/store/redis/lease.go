// Package redis provides a Redis-backed partition lease store for
// deployments where multiple sandlab daemons share sandbox partitions.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veriwork/sandlab/pkg/store"
)

// renewLease extends the expiry only while the value still names the
// caller; releaseLease deletes under the same condition. Both run as
// scripts so the holder check and the write are one round trip.
var (
	renewLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// LeaseStore implements store.LeaseStore on Redis. Partition leases are
// advisory: they keep two callers from interleaving runs on one
// partition, they are not a correctness guarantee of the engine.
type LeaseStore struct {
	client *redis.Client
}

func NewLeaseStore(client *redis.Client) *LeaseStore {
	return &LeaseStore{client: client}
}

// leaseKey namespaces lease names under sandlab:lease: so the leases
// can share a Redis database with unrelated keys.
func (s *LeaseStore) leaseKey(name string) string {
	return "sandlab:lease:" + name
}

func (s *LeaseStore) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	key := s.leaseKey(name)

	ok, err := s.client.SetNX(ctx, key, holderID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}

	// The key exists. Re-acquire by the current holder renews instead
	// of failing, which keeps Acquire idempotent per holder.
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check existing lease: %w", err)
	}
	if val == holderID {
		return true, s.Renew(ctx, name, holderID, ttl)
	}
	return false, nil
}

func (s *LeaseStore) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	ttlMs := int64(ttl / time.Millisecond)

	res, err := renewLease.Run(ctx, s.client, []string{s.leaseKey(name)}, holderID, ttlMs).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("lease %s is no longer held by %s", name, holderID)
	}
	return nil
}

func (s *LeaseStore) Release(ctx context.Context, name, holderID string) error {
	// A lease held by someone else stays put; releasing it anyway is a
	// no-op, per the LeaseStore contract.
	if _, err := releaseLease.Run(ctx, s.client, []string{s.leaseKey(name)}, holderID).Result(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (s *LeaseStore) Get(ctx context.Context, name string) (*store.Lease, error) {
	key := s.leaseKey(name)

	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get lease ttl: %w", err)
	}

	return &store.Lease{
		Name:      name,
		HolderID:  val,
		ExpiresAt: time.Now().Add(ttl),
		Version:   0, // the Redis variant does not track CAS versions
	}, nil
}
