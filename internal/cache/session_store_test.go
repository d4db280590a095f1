package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studysync/internal/model"
)

const testTTL = time.Hour

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return mr, client
}

// storeFactories runs every test against both implementations
func storeFactories() map[string]func(t *testing.T, clock *fakeClock) SessionStore {
	return map[string]func(t *testing.T, clock *fakeClock) SessionStore{
		"memory": func(t *testing.T, clock *fakeClock) SessionStore {
			return NewMemorySessionStore(testTTL, clock.Now)
		},
		"redis": func(t *testing.T, clock *fakeClock) SessionStore {
			_, client := setupTestRedis(t)
			return NewRedisSessionStore(client, testTTL, clock.Now)
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, store SessionStore, clock *fakeClock)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			fn(t, factory(t, clock), clock)
		})
	}
}

func counterSession(owner string, score int) *model.Session {
	state, _ := json.Marshal(map[string]int{"score": score})
	return &model.Session{
		ID:           model.SessionKey(owner, ""),
		OwnerID:      owner,
		ActivityKind: model.ActivityCounter,
		StateBlob:    state,
	}
}

func TestCreateInitializesSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, store SessionStore, clock *fakeClock) {
		ctx := context.Background()

		created, err := store.Create(ctx, counterSession("u1", 0))
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)
		assert.True(t, created.IsActive)
		assert.True(t, created.ExpiresAt.Equal(clock.Now().Add(testTTL)))
		assert.Empty(t, created.ActiveParticipants)

		got, err := store.Get(ctx, "user:u1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.JSONEq(t, `{"score":0}`, string(got.StateBlob))

		_, err = store.Get(ctx, "user:nobody")
		assert.ErrorIs(t, err, model.ErrSessionNotFound)
	})
}

func TestCreateConflictsWithActiveSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, store SessionStore, clock *fakeClock) {
		ctx := context.Background()

		_, err := store.Create(ctx, counterSession("u1", 0))
		require.NoError(t, err)

		_, err = store.Create(ctx, counterSession("u1", 5))
		assert.ErrorIs(t, err, model.ErrSessionExists)

		_, err = store.SoftDelete(ctx, "user:u1")
		require.NoError(t, err)

		replaced, err := store.Create(ctx, counterSession("u1", 5))
		require.NoError(t, err)
		assert.Equal(t, int64(1), replaced.Version)
		assert.JSONEq(t, `{"score":5}`, string(replaced.StateBlob))
	})
}

func TestCompareAndSwapAdvancesVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, store SessionStore, clock *fakeClock) {
		ctx := context.Background()
		created, err := store.Create(ctx, counterSession("u1", 0))
		require.NoError(t, err)

		clock.Advance(10 * time.Minute)
		updated, ok, err := store.CompareAndSwap(ctx, "user:u1", 1, json.RawMessage(`{"score":1}`))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(2), updated.Version)
		assert.True(t, updated.ExpiresAt.After(created.ExpiresAt))
		assert.True(t, updated.LastActivityAt.Equal(clock.Now()))

		// a duplicate of the same submission is stale and changes nothing
		current, ok, err := store.CompareAndSwap(ctx, "user:u1", 1, json.RawMessage(`{"score":1}`))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(2), current.Version)
		assert.JSONEq(t, `{"score":1}`, string(current.StateBlob))

		got, err := store.Get(ctx, "user:u1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})
}

func TestCompareAndSwapRequiresActiveSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, store SessionStore, clock *fakeClock) {
		ctx := context.Background()

		_, _, err := store.CompareAndSwap(ctx, "user:u1", 1, json.RawMessage(`{}`))
		assert.ErrorIs(t, err, model.ErrSessionNotFound)

		_, err = store.Create(ctx, counterSession("u1", 0))
		require.NoError(t, err)
		_, err = store.SoftDelete(ctx, "user:u1")
		require.NoError(t, err)

		_, _, err = store.CompareAndSwap(ctx, "user:u1", 1, json.RawMessage(`{}`))
		assert.ErrorIs(t, err, model.ErrNoActiveSession)
	})
}

func TestCompareAndSwapSingleWinnerPerVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, store SessionStore, clock *fakeClock) {
		ctx := context.Background()
		_, err := store.Create(ctx, counterSession("u1", 0))
		require.NoError(t, err)

		const writers = 16
		var (
			wg      sync.WaitGroup
			winners int32
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				state, _ := json.Marshal(map[string]int{"score": i})
				_, ok, err := store.CompareAndSwap(ctx, "user:u1", 1, state)
				assert.NoError(t, err)
				if ok {
					atomic.AddInt32(&winners, 1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), winners)
		got, err := store.Get(ctx, "user:u1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})
}

func TestVersionNeverDecreases(t *testing.T) {
	forEachStore(t, func(t *testing.T, store SessionStore, clock *fakeClock) {
		ctx := context.Background()
		_, err := store.Create(ctx, counterSession("u1", 0))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 5; j++ {
					cur, err := store.Get(ctx, "user:u1")
					if !assert.NoError(t, err) {
						return
					}
					_, _, err = store.CompareAndSwap(ctx, "user:u1", cur.Version, json.RawMessage(`{"score":1}`))
					assert.NoError(t, err)
				}
			}()
		}

		last := int64(0)
		for i := 0; i < 20; i++ {
			cur, err := store.Get(ctx, "user:u1")
			require.NoError(t, err)
			assert.GreaterOrEqual(t, cur.Version, last)
			last = cur.Version
		}
		wg.Wait()
	})
}

func TestRefreshOnlyMovesExpiryForward(t *testing.T) {
	forEachStore(t, func(t *testing.T, store SessionStore, clock *fakeClock) {
		ctx := context.Background()
		created, err := store.Create(ctx, counterSession("u1", 0))
		require.NoError(t, err)

		clock.Advance(30 * time.Minute)
		refreshed, err := store.Refresh(ctx, "user:u1")
		require.NoError(t, err)
		assert.Equal(t, created.Version, refreshed.Version)
		assert.True(t, refreshed.ExpiresAt.Equal(clock.Now().Add(testTTL)))

		clock.Advance(-time.Hour)
		again, err := store.Refresh(ctx, "user:u1")
		require.NoError(t, err)
		assert.True(t, again.ExpiresAt.Equal(refreshed.ExpiresAt))
	})
}

func TestAddParticipant(t *testing.T) {
	forEachStore(t, func(t *testing.T, store SessionStore, clock *fakeClock) {
		ctx := context.Background()
		sess := counterSession("u1", 0)
		sess.ID = model.SessionKey("u1", "r1")
		sess.RoomID = "r1"
		_, err := store.Create(ctx, sess)
		require.NoError(t, err)

		_, err = store.AddParticipant(ctx, "room:r1", "u1")
		require.NoError(t, err)
		got, err := store.AddParticipant(ctx, "room:r1", "u2")
		require.NoError(t, err)
		_, err = store.AddParticipant(ctx, "room:r1", "u1")
		require.NoError(t, err)

		assert.ElementsMatch(t, []string{"u1", "u2"}, got.ActiveParticipants)
		assert.Equal(t, int64(1), got.Version)
	})
}

func TestSoftDeleteIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store SessionStore, clock *fakeClock) {
		ctx := context.Background()
		_, err := store.Create(ctx, counterSession("u1", 0))
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			sess, err := store.SoftDelete(ctx, "user:u1")
			require.NoError(t, err)
			assert.False(t, sess.IsActive)
		}

		_, err = store.Refresh(ctx, "user:u1")
		assert.ErrorIs(t, err, model.ErrNoActiveSession)
	})
}

func TestSweepExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, store SessionStore, clock *fakeClock) {
		ctx := context.Background()
		_, err := store.Create(ctx, counterSession("u1", 0))
		require.NoError(t, err)
		_, err = store.Create(ctx, counterSession("u2", 0))
		require.NoError(t, err)

		// u2 stays busy
		clock.Advance(45 * time.Minute)
		_, err = store.Refresh(ctx, "user:u2")
		require.NoError(t, err)

		// a sweep before expiry removes nothing and the session is still there
		removed, err := store.SweepExpired(ctx, clock.Now())
		require.NoError(t, err)
		assert.Empty(t, removed)

		clock.Advance(30 * time.Minute)
		_, err = store.Get(ctx, "user:u1")
		require.NoError(t, err, "expired sessions stay readable until swept")

		removed, err = store.SweepExpired(ctx, clock.Now())
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, "user:u1", removed[0].ID)

		_, err = store.Get(ctx, "user:u1")
		assert.ErrorIs(t, err, model.ErrSessionNotFound)
		_, err = store.Get(ctx, "user:u2")
		assert.NoError(t, err)
	})
}

func TestActivePointer(t *testing.T) {
	forEachStore(t, func(t *testing.T, store SessionStore, clock *fakeClock) {
		ctx := context.Background()

		key, err := store.GetActive(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, key)

		require.NoError(t, store.SetActive(ctx, "u1", "room:r1"))
		key, err = store.GetActive(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "room:r1", key)

		// clearing a different key leaves the pointer alone
		require.NoError(t, store.ClearActive(ctx, "u1", "room:r2"))
		key, _ = store.GetActive(ctx, "u1")
		assert.Equal(t, "room:r1", key)

		require.NoError(t, store.ClearActive(ctx, "u1", "room:r1"))
		key, _ = store.GetActive(ctx, "u1")
		assert.Empty(t, key)
	})
}

func TestRedisSweepSkipsConcurrentlyRefreshed(t *testing.T) {
	_, client := setupTestRedis(t)
	clock := newFakeClock()
	store := NewRedisSessionStore(client, testTTL, clock.Now)
	ctx := context.Background()

	_, err := store.Create(ctx, counterSession("u1", 0))
	require.NoError(t, err)

	// the index still says "expired" but the record was refreshed
	clock.Advance(2 * testTTL)
	_, err = store.Refresh(ctx, "user:u1")
	require.NoError(t, err)
	require.NoError(t, client.ZAdd(ctx, expiryIndexKey, redis.Z{Score: 0, Member: "user:u1"}).Err())

	removed, err := store.SweepExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, removed)

	_, err = store.Get(ctx, "user:u1")
	assert.NoError(t, err)
}

func roomSession(owner, roomID string) *model.Session {
	sess := counterSession(owner, 0)
	sess.ID = model.SessionKey("", roomID)
	sess.RoomID = roomID
	return sess
}

func TestCreateRejectsSecondSessionForOwner(t *testing.T) {
	forEachStore(t, func(t *testing.T, store SessionStore, clock *fakeClock) {
		ctx := context.Background()

		_, err := store.Create(ctx, counterSession("u1", 0))
		require.NoError(t, err)

		_, err = store.Create(ctx, roomSession("u1", "r1"))
		assert.ErrorIs(t, err, model.ErrOwnerHasSession)
		_, err = store.Get(ctx, "room:r1")
		assert.ErrorIs(t, err, model.ErrSessionNotFound)

		// another owner is unaffected
		_, err = store.Create(ctx, roomSession("u2", "r1"))
		require.NoError(t, err)

		// ending the private session frees the owner
		_, err = store.SoftDelete(ctx, "user:u1")
		require.NoError(t, err)
		_, err = store.Create(ctx, roomSession("u1", "r2"))
		require.NoError(t, err)

		// an expired session no longer blocks
		clock.Advance(2 * testTTL)
		_, err = store.Create(ctx, roomSession("u1", "r3"))
		assert.NoError(t, err)
	})
}

func TestGetOwned(t *testing.T) {
	forEachStore(t, func(t *testing.T, store SessionStore, clock *fakeClock) {
		ctx := context.Background()

		_, err := store.GetOwned(ctx, "u1")
		assert.ErrorIs(t, err, model.ErrSessionNotFound)

		_, err = store.Create(ctx, roomSession("u1", "r1"))
		require.NoError(t, err)

		owned, err := store.GetOwned(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "room:r1", owned.ID)
		assert.True(t, owned.IsActive)

		_, err = store.SoftDelete(ctx, "room:r1")
		require.NoError(t, err)
		owned, err = store.GetOwned(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, owned.IsActive)

		_, err = store.Create(ctx, counterSession("u1", 3))
		require.NoError(t, err)
		owned, err = store.GetOwned(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "user:u1", owned.ID)
	})
}
