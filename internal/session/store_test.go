package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wekesa/tikiti/internal/model"
)

const testPhone = "254712345678"

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, ttl, zerolog.Nop()), mr
}

func TestGetMissingReturnsIdle(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)

	sess := store.Get(context.Background(), testPhone)

	assert.Equal(t, model.StateIdle, sess.State)
	require.NotNil(t, sess.Data)
	assert.Empty(t, sess.Data)
}

func TestUpdateMergesRightBiased(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	store.Update(ctx, testPhone, model.StateSelectingTier, map[string]string{
		model.DataEventID:          "ev-1",
		model.DataSelectedCategory: "CONCERT",
	})
	store.Update(ctx, testPhone, model.StateSelectingQuantity, map[string]string{
		model.DataEventID: "ev-2",
		model.DataTierID:  "tier-1",
	})

	sess := store.Get(ctx, testPhone)
	assert.Equal(t, model.StateSelectingQuantity, sess.State)
	assert.Equal(t, "ev-2", sess.Data[model.DataEventID])
	assert.Equal(t, "CONCERT", sess.Data[model.DataSelectedCategory])
	assert.Equal(t, "tier-1", sess.Data[model.DataTierID])
}

func TestUpdateResetsTTL(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	store.Update(ctx, testPhone, model.StateBrowsingEvents, nil)
	mr.FastForward(40 * time.Second)

	// A second update restarts the clock: 40s later the original
	// write would have 20s left, but the session must still be live
	// another full minute.
	store.Update(ctx, testPhone, model.StateSelectingTier, nil)
	mr.FastForward(40 * time.Second)

	sess := store.Get(ctx, testPhone)
	assert.Equal(t, model.StateSelectingTier, sess.State)
}

func TestSessionExpires(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	store.Update(ctx, testPhone, model.StateSelectingQuantity, map[string]string{
		model.DataTierID: "tier-1",
	})
	mr.FastForward(2 * time.Minute)

	sess := store.Get(ctx, testPhone)
	assert.Equal(t, model.StateIdle, sess.State)
	assert.Empty(t, sess.Data)
}

func TestClearResetsToIdle(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	store.Update(ctx, testPhone, model.StateAwaitingSTKPush, map[string]string{
		model.DataTempBookingID: "bk-1",
	})
	store.Clear(ctx, testPhone)

	sess := store.Get(ctx, testPhone)
	assert.Equal(t, model.StateIdle, sess.State)
	assert.Empty(t, sess.Data)
}

func TestCorruptPayloadResetsToIdle(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)

	require.NoError(t, mr.Set(keyPrefix+testPhone, "{not json"))

	sess := store.Get(context.Background(), testPhone)
	assert.Equal(t, model.StateIdle, sess.State)
}

func TestFallbackWhenRedisDown(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	mr.Close()

	// Writes land in the in-process map and reads come back from it.
	store.Update(ctx, testPhone, model.StateSelectingQuantity, map[string]string{
		model.DataTierID: "tier-1",
	})

	sess := store.Get(ctx, testPhone)
	assert.Equal(t, model.StateSelectingQuantity, sess.State)
	assert.Equal(t, "tier-1", sess.Data[model.DataTierID])

	// Unknown phones still get a fresh idle session.
	other := store.Get(ctx, "254700000000")
	assert.Equal(t, model.StateIdle, other.State)
}

func TestFallbackReturnsDetachedData(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	mr.Close()
	store.Update(ctx, testPhone, model.StateSelectingTier, map[string]string{
		model.DataEventID: "ev-1",
	})

	// Mutating a returned session must not leak into the store.
	sess := store.Get(ctx, testPhone)
	sess.Data[model.DataEventID] = "scribbled"

	again := store.Get(ctx, testPhone)
	assert.Equal(t, "ev-1", again.Data[model.DataEventID])
}

func TestFallbackConcurrentUpdates(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	mr.Close()

	// Concurrent read-modify-write rounds against the in-process map;
	// the race detector flags any shared Data mutation.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				store.Update(ctx, testPhone, model.StateSelectingQuantity, map[string]string{
					model.DataTierID: fmt.Sprintf("tier-%d", n),
				})
				_ = store.Get(ctx, testPhone)
			}
		}(i)
	}
	wg.Wait()

	sess := store.Get(ctx, testPhone)
	assert.Equal(t, model.StateSelectingQuantity, sess.State)
	assert.Contains(t, sess.Data[model.DataTierID], "tier-")
}
