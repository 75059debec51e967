package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.rdb.Close() }

func loginKey(username string) string { return "login_attempts:" + username }

// RecordLoginFailure bumps the failed-attempt counter and returns the new
// count. The window TTL is set on first failure only.
func (s *Store) RecordLoginFailure(ctx context.Context, username string, window time.Duration) (int64, error) {
	key := loginKey(username)
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *Store) LoginFailures(ctx context.Context, username string) (int64, error) {
	n, err := s.rdb.Get(ctx, loginKey(username)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *Store) ClearLoginFailures(ctx context.Context, username string) error {
	return s.rdb.Del(ctx, loginKey(username)).Err()
}

func sessionKey(tokenHash string) string { return "session:" + tokenHash }

// CacheSession keeps a short-lived token-hash -> (session id, user id)
// mapping so hot request paths skip the sessions table. The value is
// "sessionID:userID".
func (s *Store) CacheSession(ctx context.Context, tokenHash, sessionID string, userID uint64, ttl time.Duration) error {
	return s.rdb.Set(ctx, sessionKey(tokenHash), fmt.Sprintf("%s:%d", sessionID, userID), ttl).Err()
}

func (s *Store) CachedSession(ctx context.Context, tokenHash string) (string, uint64, bool, error) {
	v, err := s.rdb.Get(ctx, sessionKey(tokenHash)).Result()
	if err == redis.Nil {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	i := strings.LastIndexByte(v, ':')
	if i < 0 {
		return "", 0, false, nil
	}
	uid, err := strconv.ParseUint(v[i+1:], 10, 64)
	if err != nil {
		return "", 0, false, nil
	}
	return v[:i], uid, true, nil
}

func (s *Store) DropSession(ctx context.Context, tokenHash string) error {
	return s.rdb.Del(ctx, sessionKey(tokenHash)).Err()
}
