// Package presence tracks which users currently have a live realtime
// connection, backed by Redis (github.com/go-redis/redis/v8) and tested
// with redismock/v8.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	httpmetrics "github.com/sawpanic/chatpipeline/internal/interfaces/http"
)

const onlineUsersKey = "ONLINE_USERS"

// Info is the per-user `user_info:{id}` value stored alongside the online set.
type Info struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

func userInfoKey(userID string) string {
	return fmt.Sprintf("user_info:%s", userID)
}

// Index is the Presence Index contract consumed by the Consumer (reads
// only) and the realtime transport layer (reads and writes).
type Index interface {
	SetUserOnline(ctx context.Context, userID, username string) error
	SetUserOffline(ctx context.Context, userID string) error
	IsUserOnline(ctx context.Context, userID string) (bool, error)
	GetOnlineUsers(ctx context.Context) ([]string, error)
	GetOnlineUserCount(ctx context.Context) (int, error)
	GetUserInfo(ctx context.Context, userID string) (*Info, error)
	GetOnlineUsersWithInfo(ctx context.Context) ([]Info, error)
	CleanupExpiredUsers(ctx context.Context) error
	ClearAllOnlineUsers(ctx context.Context) error
}

// RedisIndex implements Index over a Redis SADD/SREM set plus TTL'd
// string keys for per-user metadata.
type RedisIndex struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *httpmetrics.MetricsRegistry
}

// NewRedisIndex builds a RedisIndex with the given TTL for user_info keys.
// metrics may be nil, in which case the online-user gauge is not recorded.
func NewRedisIndex(client *redis.Client, ttl time.Duration, metrics *httpmetrics.MetricsRegistry) *RedisIndex {
	return &RedisIndex{client: client, ttl: ttl, metrics: metrics}
}

// recordOnlineCount refreshes the presence online-users gauge from the
// set's current cardinality. Best-effort: if SCARD fails, the gauge keeps
// its previous value and the failure is neither logged nor returned.
func (r *RedisIndex) recordOnlineCount(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	n, err := r.client.SCard(ctx, onlineUsersKey).Result()
	if err != nil {
		return
	}
	r.metrics.PresenceOnlineUsers.Set(float64(n))
}

// SetUserOnline adds userID to ONLINE_USERS and sets its TTL'd info key.
// Called by the realtime transport on connect.
func (r *RedisIndex) SetUserOnline(ctx context.Context, userID, username string) error {
	if err := r.client.SAdd(ctx, onlineUsersKey, userID).Err(); err != nil {
		return fmt.Errorf("presence: sadd online users: %w", err)
	}

	info := Info{UserID: userID, Username: username, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("presence: marshal user info: %w", err)
	}

	if err := r.client.Set(ctx, userInfoKey(userID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("presence: set user info: %w", err)
	}
	r.recordOnlineCount(ctx)
	return nil
}

// SetUserOffline removes userID from ONLINE_USERS and deletes its info
// key. Callers (the realtime transport) are responsible for only calling
// this when a user's last connection drops.
func (r *RedisIndex) SetUserOffline(ctx context.Context, userID string) error {
	if err := r.client.SRem(ctx, onlineUsersKey, userID).Err(); err != nil {
		return fmt.Errorf("presence: srem online users: %w", err)
	}
	if err := r.client.Del(ctx, userInfoKey(userID)).Err(); err != nil {
		return fmt.Errorf("presence: del user info: %w", err)
	}
	r.recordOnlineCount(ctx)
	return nil
}

// IsUserOnline tests set membership. This is the only Presence Index
// operation the Consumer calls before deciding whether to notify.
func (r *RedisIndex) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, onlineUsersKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: sismember: %w", err)
	}
	return ok, nil
}

// GetOnlineUsers returns every member of ONLINE_USERS.
func (r *RedisIndex) GetOnlineUsers(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, onlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: smembers: %w", err)
	}
	return ids, nil
}

// GetOnlineUserCount returns the cardinality of ONLINE_USERS.
func (r *RedisIndex) GetOnlineUserCount(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, onlineUsersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: scard: %w", err)
	}
	return int(n), nil
}

// GetUserInfo fetches a single user_info key, returning nil if missing or expired.
func (r *RedisIndex) GetUserInfo(ctx context.Context, userID string) (*Info, error) {
	payload, err := r.client.Get(ctx, userInfoKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presence: get user info: %w", err)
	}

	var info Info
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("presence: unmarshal user info: %w", err)
	}
	return &info, nil
}

// GetOnlineUsersWithInfo fetches user_info for every online id, filtering
// out entries whose info key has expired.
func (r *RedisIndex) GetOnlineUsersWithInfo(ctx context.Context) ([]Info, error) {
	ids, err := r.GetOnlineUsers(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		info, err := r.GetUserInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		if info != nil {
			out = append(out, *info)
		}
	}
	return out, nil
}

// CleanupExpiredUsers drops ONLINE_USERS members whose user_info key has
// already expired, reconciling the set with the TTL'd metadata.
func (r *RedisIndex) CleanupExpiredUsers(ctx context.Context) error {
	ids, err := r.GetOnlineUsers(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		info, err := r.GetUserInfo(ctx, id)
		if err != nil {
			return err
		}
		if info == nil {
			if err := r.client.SRem(ctx, onlineUsersKey, id).Err(); err != nil {
				return fmt.Errorf("presence: cleanup srem: %w", err)
			}
		}
	}
	r.recordOnlineCount(ctx)
	return nil
}

// ClearAllOnlineUsers purges the online set and all user_info keys.
func (r *RedisIndex) ClearAllOnlineUsers(ctx context.Context) error {
	ids, err := r.GetOnlineUsers(ctx)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, userInfoKey(id))
	}
	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("presence: clear user info keys: %w", err)
		}
	}
	if err := r.client.Del(ctx, onlineUsersKey).Err(); err != nil {
		return fmt.Errorf("presence: clear online users: %w", err)
	}
	r.recordOnlineCount(ctx)
	return nil
}
