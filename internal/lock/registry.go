// Package lock provides short-lived named locks in Redis with an owner
// tag and owner-checked release.
package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "lock:"

// Registry hands out named locks with a TTL.
//
// The registry is a UX throttle, not a correctness primitive: it stops
// one user from double-driving the quantity→payment window. The
// authoritative consistency barrier for bookings is the conditional
// status UPDATE in the booking repository, which holds regardless of
// Redis availability.
type Registry struct {
	redis *redis.Client
	log   zerolog.Logger
}

// NewRegistry creates a lock registry.
func NewRegistry(client *redis.Client, log zerolog.Logger) *Registry {
	return &Registry{
		redis: client,
		log:   log.With().Str("component", "lock").Logger(),
	}
}

// Acquire tries to take the named lock with set-if-absent semantics.
//
// Degrade-open: when Redis is unreachable Acquire returns true. That is
// safe because the database conditional update, not this lock, decides
// who wins a booking; losing the throttle only loses politeness.
func (r *Registry) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) bool {
	ok, err := r.redis.SetNX(ctx, keyPrefix+resource, owner, ttl).Result()
	if err != nil {
		r.log.Warn().Err(err).Str("resource", resource).
			Msg("lock store unreachable, degrading open")
		return true
	}
	return ok
}

// ReleaseOwned releases the lock only if owner still holds it.
//
// This is a read-then-delete, not an atomic compare-and-delete. The
// guarantee needed here is "the releaser was the owner at some point";
// a lock stolen between the GET and the DEL was already past its TTL
// window for our purposes.
func (r *Registry) ReleaseOwned(ctx context.Context, resource, owner string) bool {
	current, err := r.redis.Get(ctx, keyPrefix+resource).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		r.log.Warn().Err(err).Str("resource", resource).Msg("lock store unreachable on release")
		return false
	}
	if current != owner {
		return false
	}
	if err := r.redis.Del(ctx, keyPrefix+resource).Err(); err != nil {
		r.log.Warn().Err(err).Str("resource", resource).Msg("lock delete failed")
		return false
	}
	return true
}

// ForceRelease unconditionally deletes the lock.
func (r *Registry) ForceRelease(ctx context.Context, resource string) {
	if err := r.redis.Del(ctx, keyPrefix+resource).Err(); err != nil {
		r.log.Warn().Err(err).Str("resource", resource).Msg("force release failed")
	}
}
