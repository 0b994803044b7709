// Package session stores per-user conversational state in Redis with a
// sliding TTL, falling back to an in-process map when Redis is down.
package session

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wekesa/tikiti/internal/model"
	"github.com/wekesa/tikiti/pkg/phone"
)

const keyPrefix = "session:"

// fallbackEntry is an in-process session with its own expiry.
type fallbackEntry struct {
	session   model.Session
	expiresAt time.Time
}

// Store is the per-phone session store.
//
// The primary backing is Redis. When Redis is unreachable the store
// degrades to a mutex-guarded in-process map with the same TTL
// semantics. The fallback is last-resort availability at the cost of
// affinity: sessions do not survive a process restart and are invisible
// to other replicas, so fallback-active periods are logged as degraded.
type Store struct {
	redis *redis.Client
	ttl   time.Duration
	log   zerolog.Logger

	mu       sync.Mutex
	fallback map[string]fallbackEntry
}

// NewStore creates a session store with the given sliding TTL.
func NewStore(client *redis.Client, ttl time.Duration, log zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		redis:    client,
		ttl:      ttl,
		log:      log.With().Str("component", "session").Logger(),
		fallback: make(map[string]fallbackEntry),
	}
}

// Get returns the session for a normalized phone. A missing session, a
// corrupt payload or an unreachable store all yield a fresh IDLE
// session — Get never fails.
func (s *Store) Get(ctx context.Context, phoneNum string) model.Session {
	raw, err := s.redis.Get(ctx, keyPrefix+phoneNum).Result()
	if err == redis.Nil {
		return model.NewIdleSession()
	}
	if err != nil {
		s.log.Warn().Err(err).Str("phone", phone.Mask(phoneNum)).
			Msg("redis unavailable, using in-process session fallback")
		return s.fallbackGet(phoneNum)
	}

	var sess model.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		s.log.Warn().Err(err).Str("phone", phone.Mask(phoneNum)).
			Msg("corrupt session payload, resetting to idle")
		return model.NewIdleSession()
	}
	if sess.Data == nil {
		sess.Data = map[string]string{}
	}
	return sess
}

// Update transitions the session to state and shallow-merges patch into
// its data bag (right-biased: patch keys overwrite). The TTL is reset.
func (s *Store) Update(ctx context.Context, phoneNum string, state model.ConversationState, patch map[string]string) {
	sess := s.Get(ctx, phoneNum)
	sess.State = state
	for k, v := range patch {
		sess.Data[k] = v
	}
	s.put(ctx, phoneNum, sess)
}

// Clear writes an IDLE session. It is a write, not a delete, so the key
// still ages out under the normal TTL sweep.
func (s *Store) Clear(ctx context.Context, phoneNum string) {
	s.put(ctx, phoneNum, model.NewIdleSession())
}

func (s *Store) put(ctx context.Context, phoneNum string, sess model.Session) {
	payload, err := json.Marshal(sess)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal session")
		return
	}
	if err := s.redis.Set(ctx, keyPrefix+phoneNum, payload, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("phone", phone.Mask(phoneNum)).
			Msg("redis unavailable, writing session to in-process fallback")
		s.fallbackPut(phoneNum, sess)
	}
}

// ─── In-process fallback ────────────────────────────────────

func (s *Store) fallbackGet(phoneNum string) model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	if e, ok := s.fallback[phoneNum]; ok {
		// Hand back a copy: callers merge into Data outside mu.
		sess := e.session
		sess.Data = maps.Clone(sess.Data)
		if sess.Data == nil {
			sess.Data = map[string]string{}
		}
		return sess
	}
	return model.NewIdleSession()
}

func (s *Store) fallbackPut(phoneNum string, sess model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.fallback[phoneNum] = fallbackEntry{session: sess, expiresAt: time.Now().Add(s.ttl)}
}

// sweepLocked lazily purges expired fallback entries. Caller holds mu.
func (s *Store) sweepLocked() {
	now := time.Now()
	for k, e := range s.fallback {
		if e.expiresAt.Before(now) {
			delete(s.fallback, k)
		}
	}
}
