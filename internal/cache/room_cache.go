package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RoomCache handles Redis operations for room membership and presence
type RoomCache interface {
	AddMember(ctx context.Context, roomID, userID string) error
	Members(ctx context.Context, roomID string) ([]string, error)
	SetOnline(ctx context.Context, roomID, connID, userID string) error
	ClearOnline(ctx context.Context, roomID, connID string) error
	OnlineMembers(ctx context.Context, roomID string) ([]string, error)
}

type roomCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRoomCache creates a new room cache
func NewRoomCache(client *redis.Client) RoomCache {
	return &roomCache{
		client: client,
		ttl:    24 * time.Hour, // membership outlives sessions by default
	}
}

func (c *roomCache) membersKey(roomID string) string {
	return fmt.Sprintf("studysync:room:%s:members", roomID)
}

func (c *roomCache) onlineKey(roomID string) string {
	return fmt.Sprintf("studysync:room:%s:online", roomID)
}

func (c *roomCache) AddMember(ctx context.Context, roomID, userID string) error {
	key := c.membersKey(roomID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, userID)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	return err
}

func (c *roomCache) Members(ctx context.Context, roomID string) ([]string, error) {
	members, err := c.client.SMembers(ctx, c.membersKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

// SetOnline records one live connection. A user with two tabs open has two
// entries and stays online until both are gone.
func (c *roomCache) SetOnline(ctx context.Context, roomID, connID, userID string) error {
	return c.client.HSet(ctx, c.onlineKey(roomID), connID, userID).Err()
}

func (c *roomCache) ClearOnline(ctx context.Context, roomID, connID string) error {
	return c.client.HDel(ctx, c.onlineKey(roomID), connID).Err()
}

func (c *roomCache) OnlineMembers(ctx context.Context, roomID string) ([]string, error) {
	conns, err := c.client.HGetAll(ctx, c.onlineKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(conns))
	users := make([]string, 0, len(conns))
	for _, userID := range conns {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}
