package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jkaberg/ev-charging-manager/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	redisDialTimeout  = 5 * time.Second
	redisReadTimeout  = 3 * time.Second
	redisWriteTimeout = 3 * time.Second
)

// NewRedisClient returns a configured go-redis client and validates the
// connection with PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis: addr is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  redisDialTimeout,
		ReadTimeout:  redisReadTimeout,
		WriteTimeout: redisWriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisStore keeps the active snapshot as a string key and the history as a
// list with the newest session at the head.
type RedisStore struct {
	client *redis.Client
	prefix string
	max    int
}

// NewRedisStore wraps an existing client. prefix namespaces every key.
func NewRedisStore(client *redis.Client, prefix string, maxSessions int) *RedisStore {
	if prefix == "" {
		prefix = "evcm"
	}
	return &RedisStore{client: client, prefix: prefix, max: retention(maxSessions)}
}

func (r *RedisStore) activeKey(chargerID string) string {
	return fmt.Sprintf("%s:%s:active", r.prefix, chargerID)
}

func (r *RedisStore) historyKey(chargerID string) string {
	return fmt.Sprintf("%s:%s:sessions", r.prefix, chargerID)
}

// LoadActive returns the raw snapshot of chargerID, or nil when there is none.
func (r *RedisStore) LoadActive(ctx context.Context, chargerID string) ([]byte, error) {
	raw, err := r.client.Get(ctx, r.activeKey(chargerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get active: %w", err)
	}
	return raw, nil
}

// SaveActive replaces the snapshot of chargerID.
func (r *RedisStore) SaveActive(ctx context.Context, chargerID string, s *domain.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal active session: %w", err)
	}
	if err := r.client.Set(ctx, r.activeKey(chargerID), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set active: %w", err)
	}
	return nil
}

// ClearActive drops the snapshot of chargerID.
func (r *RedisStore) ClearActive(ctx context.Context, chargerID string) error {
	if err := r.client.Del(ctx, r.activeKey(chargerID)).Err(); err != nil {
		return fmt.Errorf("redis del active: %w", err)
	}
	return nil
}

// AddSession records a completed session and applies retention.
func (r *RedisStore) AddSession(ctx context.Context, chargerID string, s *domain.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	key := r.historyKey(chargerID)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, raw)
		p.LTrim(ctx, key, 0, int64(r.max-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis add session: %w", err)
	}
	return nil
}

// Sessions returns up to limit completed sessions, newest first.
func (r *RedisStore) Sessions(ctx context.Context, chargerID string, limit int) ([]*domain.Session, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	items, err := r.client.LRange(ctx, r.historyKey(chargerID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list sessions: %w", err)
	}
	out := make([]*domain.Session, 0, len(items))
	for _, item := range items {
		var s domain.Session
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, &s)
	}
	return out, nil
}

// Session returns one completed session or ErrNotFound.
func (r *RedisStore) Session(ctx context.Context, chargerID, sessionID string) (*domain.Session, error) {
	all, err := r.Sessions(ctx, chargerID, 0)
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.ID == sessionID {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// Close closes the Redis client.
func (r *RedisStore) Close() error { return r.client.Close() }
