package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"studysync/internal/model"
)

const (
	expiryIndexKey = "studysync:sessions:expiry"
	maxTxRetries   = 64
)

type redisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisSessionStore creates a session store backed by Redis. Each key is
// guarded with WATCH/MULTI so concurrent writers on the same session are
// serialized without a global lock.
func NewRedisSessionStore(client *redis.Client, ttl time.Duration, now func() time.Time) SessionStore {
	if now == nil {
		now = time.Now
	}
	return &redisSessionStore{
		client: client,
		ttl:    ttl,
		now:    now,
	}
}

func (c *redisSessionStore) key(key string) string {
	return fmt.Sprintf("studysync:session:%s", key)
}

func (c *redisSessionStore) activeKey(userID string) string {
	return fmt.Sprintf("studysync:user:%s:active", userID)
}

func (c *redisSessionStore) ownerKey(ownerID string) string {
	return fmt.Sprintf("studysync:owner:%s", ownerID)
}

// watch runs fn in an optimistic transaction on the given session keys (and
// any raw redis keys in extra), retrying when another writer got there first
func (c *redisSessionStore) watch(ctx context.Context, key string, fn func(*redis.Tx) error, extra ...string) error {
	keys := append([]string{c.key(key)}, extra...)
	for i := 0; i < maxTxRetries; i++ {
		err := c.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return model.ErrTooMuchContention
}

// getter is the slice of redis.Cmdable shared by clients and transactions
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (c *redisSessionStore) read(ctx context.Context, cmd getter, key string) (*model.Session, error) {
	data, err := cmd.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	return &sess, nil
}

func (c *redisSessionStore) write(ctx context.Context, tx *redis.Tx, sess *model.Session, also ...func(redis.Pipeliner)) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.key(sess.ID), data, 0)
		pipe.ZAdd(ctx, expiryIndexKey, redis.Z{
			Score:  float64(sess.ExpiresAt.UnixMilli()),
			Member: sess.ID,
		})
		for _, fn := range also {
			fn(pipe)
		}
		return nil
	})
	return err
}

func (c *redisSessionStore) Get(ctx context.Context, key string) (*model.Session, error) {
	return c.read(ctx, c.client, key)
}

func (c *redisSessionStore) Create(ctx context.Context, session *model.Session) (*model.Session, error) {
	var created *model.Session
	owner := c.ownerKey(session.OwnerID)
	err := c.watch(ctx, session.ID, func(tx *redis.Tx) error {
		cur, err := c.read(ctx, tx, session.ID)
		if err != nil && !errors.Is(err, model.ErrSessionNotFound) {
			return err
		}
		if cur != nil && cur.IsActive {
			return model.ErrSessionExists
		}

		now := c.now()
		ownedKey, err := tx.Get(ctx, owner).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if ownedKey != "" && ownedKey != session.ID {
			// the other session is read without watching it: it can only
			// turn inactive meanwhile, which would let this create through
			prev, err := c.read(ctx, tx, ownedKey)
			if err != nil && !errors.Is(err, model.ErrSessionNotFound) {
				return err
			}
			if blocksOwner(prev, session.ID, now) {
				return model.ErrOwnerHasSession
			}
		}

		created = prepareNew(session, now, c.ttl)
		return c.write(ctx, tx, created, func(pipe redis.Pipeliner) {
			pipe.Set(ctx, owner, created.ID, 0)
		})
	}, owner)
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (c *redisSessionStore) GetOwned(ctx context.Context, ownerID string) (*model.Session, error) {
	key, err := c.client.Get(ctx, c.ownerKey(ownerID)).Result()
	if err == redis.Nil {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return c.read(ctx, c.client, key)
}

func (c *redisSessionStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, state json.RawMessage) (*model.Session, bool, error) {
	var (
		result   *model.Session
		accepted bool
	)
	err := c.watch(ctx, key, func(tx *redis.Tx) error {
		result, accepted = nil, false
		sess, err := c.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if !sess.IsActive {
			return model.ErrNoActiveSession
		}
		if sess.Version != expectedVersion {
			result = sess
			return nil
		}
		sess.StateBlob = state
		sess.Version++
		refreshExpiry(sess, c.now(), c.ttl)
		if err := c.write(ctx, tx, sess); err != nil {
			return err
		}
		result, accepted = sess, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, accepted, nil
}

func (c *redisSessionStore) mutate(ctx context.Context, key string, requireActive bool, fn func(*model.Session) bool) (*model.Session, error) {
	var result *model.Session
	err := c.watch(ctx, key, func(tx *redis.Tx) error {
		sess, err := c.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if requireActive && !sess.IsActive {
			return model.ErrNoActiveSession
		}
		result = sess
		if !fn(sess) {
			return nil
		}
		return c.write(ctx, tx, sess)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *redisSessionStore) Refresh(ctx context.Context, key string) (*model.Session, error) {
	return c.mutate(ctx, key, true, func(sess *model.Session) bool {
		refreshExpiry(sess, c.now(), c.ttl)
		return true
	})
}

func (c *redisSessionStore) AddParticipant(ctx context.Context, key, participantID string) (*model.Session, error) {
	return c.mutate(ctx, key, true, func(sess *model.Session) bool {
		return sess.AddParticipant(participantID)
	})
}

func (c *redisSessionStore) SoftDelete(ctx context.Context, key string) (*model.Session, error) {
	return c.mutate(ctx, key, false, func(sess *model.Session) bool {
		if !sess.IsActive {
			return false
		}
		sess.IsActive = false
		return true
	})
}

func (c *redisSessionStore) SweepExpired(ctx context.Context, now time.Time) ([]*model.Session, error) {
	keys, err := c.client.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var removed []*model.Session
	for _, key := range keys {
		sess, err := c.deleteIfExpired(ctx, key, now)
		if err != nil {
			return removed, fmt.Errorf("sweep %s: %w", key, err)
		}
		if sess != nil {
			removed = append(removed, sess)
		}
	}
	return removed, nil
}

// deleteIfExpired re-checks expiry inside the transaction so a session
// refreshed after the index scan survives
func (c *redisSessionStore) deleteIfExpired(ctx context.Context, key string, now time.Time) (*model.Session, error) {
	var removed *model.Session
	err := c.watch(ctx, key, func(tx *redis.Tx) error {
		removed = nil
		sess, err := c.read(ctx, tx, key)
		if errors.Is(err, model.ErrSessionNotFound) {
			return c.client.ZRem(ctx, expiryIndexKey, key).Err()
		}
		if err != nil {
			return err
		}
		if !sess.ExpiresAt.Before(now) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, c.key(key))
			pipe.ZRem(ctx, expiryIndexKey, key)
			return nil
		})
		if err != nil {
			return err
		}
		removed = sess
		return nil
	})
	return removed, err
}

func (c *redisSessionStore) SetActive(ctx context.Context, userID, key string) error {
	return c.client.Set(ctx, c.activeKey(userID), key, 0).Err()
}

func (c *redisSessionStore) GetActive(ctx context.Context, userID string) (string, error) {
	val, err := c.client.Get(ctx, c.activeKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *redisSessionStore) ClearActive(ctx context.Context, userID, key string) error {
	pointer := c.activeKey(userID)
	for i := 0; i < maxTxRetries; i++ {
		err := c.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, pointer).Result()
			if err == redis.Nil {
				return nil
			}
			if err != nil {
				return err
			}
			if cur != key {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, pointer)
				return nil
			})
			return err
		}, pointer)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return model.ErrTooMuchContention
}
