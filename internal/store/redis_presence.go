package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPresenceStore keeps presence in Redis: one hash per identity plus a set
// of the identities currently online. It is selected with PRESENCE_BACKEND=redis
// and relies on Redis persistence for durability across restarts.
type RedisPresenceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisPresenceStore creates a Redis-backed presence store. Keys are
// namespaced under prefix.
func NewRedisPresenceStore(client *redis.Client, prefix string) *RedisPresenceStore {
	return &RedisPresenceStore{client: client, prefix: prefix}
}

// OpenRedis parses url and verifies the server answers.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (s *RedisPresenceStore) onlineKey() string {
	return s.prefix + "online"
}

func (s *RedisPresenceStore) userKey(id string) string {
	return s.prefix + "presence:" + id
}

// SetPresence writes the hash for p and updates the online set atomically.
func (s *RedisPresenceStore) SetPresence(ctx context.Context, p Presence) error {
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now().UTC()
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.userKey(p.IdentityID),
			"username", p.Username,
			"online", strconv.FormatBool(p.Online),
			"last_seen", p.LastSeen.UTC().Format(time.RFC3339Nano),
		)
		if p.Online {
			pipe.SAdd(ctx, s.onlineKey(), p.IdentityID)
		} else {
			pipe.SRem(ctx, s.onlineKey(), p.IdentityID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write presence for %s: %w", p.IdentityID, err)
	}
	return nil
}

// ClearOnline marks every member of the online set offline and empties it.
func (s *RedisPresenceStore) ClearOnline(ctx context.Context) (int64, error) {
	ids, err := s.client.SMembers(ctx, s.onlineKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to clear presence: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HSet(ctx, s.userKey(id), "online", "false", "last_seen", now)
		}
		pipe.Del(ctx, s.onlineKey())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear presence: %w", err)
	}
	return int64(len(ids)), nil
}

// Online lists identities in the online set, ordered by username.
func (s *RedisPresenceStore) Online(ctx context.Context) ([]Presence, error) {
	ids, err := s.client.SMembers(ctx, s.onlineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.userKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}

	rows := make([]Presence, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		p := Presence{IdentityID: id, Username: fields["username"], Online: true}
		if ts, err := time.Parse(time.RFC3339Nano, fields["last_seen"]); err == nil {
			p.LastSeen = ts
		}
		rows = append(rows, p)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Username < rows[j].Username })
	return rows, nil
}
