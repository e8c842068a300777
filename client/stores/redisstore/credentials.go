// Package redisstore provides a Redis-backed credential store, for processes that
// share one signed-in session across hosts or restarts.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/panyam/authfetch/client"
)

// DefaultPrefix is prepended to every key the store writes.
const DefaultPrefix = "authfetch:cred:"

// Options configures a RedisCredentialStore.
type Options struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379").
	// Ignored when Client is set.
	URL    string
	Client *redis.Client

	Prefix string

	// TTL expires stored credentials; zero keeps them until removed.
	TTL time.Duration

	// OpTimeout bounds each Redis call. CredentialStore has no context.
	OpTimeout time.Duration
}

// RedisCredentialStore implements client.CredentialStore on Redis. Writes are
// immediate, so Save is a no-op.
type RedisCredentialStore struct {
	rdb       *redis.Client
	prefix    string
	ttl       time.Duration
	opTimeout time.Duration
	owned     bool
}

// NewRedisCredentialStore connects (or wraps opts.Client) and pings the server.
func NewRedisCredentialStore(opts Options) (*RedisCredentialStore, error) {
	s := &RedisCredentialStore{
		rdb:       opts.Client,
		prefix:    opts.Prefix,
		ttl:       opts.TTL,
		opTimeout: opts.OpTimeout,
	}
	if s.prefix == "" {
		s.prefix = DefaultPrefix
	}
	if s.opTimeout <= 0 {
		s.opTimeout = 5 * time.Second
	}

	if s.rdb == nil {
		u := opts.URL
		if u == "" {
			u = "redis://localhost:6379"
		} else if !strings.Contains(u, "://") {
			u = "redis://" + u
		}
		ro, err := redis.ParseURL(u)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		s.rdb = redis.NewClient(ro)
		s.owned = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		if s.owned {
			s.rdb.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

func (s *RedisCredentialStore) key(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: missing host", serverURL)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	return s.prefix + u.Scheme + "://" + u.Host, nil
}

func (s *RedisCredentialStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opTimeout)
}

func (s *RedisCredentialStore) GetCredential(serverURL string) (*client.ServerCredential, error) {
	key, err := s.key(serverURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.ctx()
	defer cancel()

	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}

	var cred client.ServerCredential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &cred, nil
}

func (s *RedisCredentialStore) SetCredential(serverURL string, cred *client.ServerCredential) error {
	if cred == nil {
		return s.RemoveCredential(serverURL)
	}
	key, err := s.key(serverURL)
	if err != nil {
		return err
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	ctx, cancel := s.ctx()
	defer cancel()

	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	return nil
}

func (s *RedisCredentialStore) RemoveCredential(serverURL string) error {
	key, err := s.key(serverURL)
	if err != nil {
		return err
	}
	ctx, cancel := s.ctx()
	defer cancel()

	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("remove credential: %w", err)
	}
	return nil
}

// ListServers scans the prefix; it is O(keys) and meant for CLIs, not hot paths.
func (s *RedisCredentialStore) ListServers() ([]string, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	var servers []string
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		servers = append(servers, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return servers, nil
}

// Save is a no-op; every write is already persisted.
func (s *RedisCredentialStore) Save() error {
	return nil
}

// Close closes the connection if the store opened it.
func (s *RedisCredentialStore) Close() error {
	if s.owned {
		return s.rdb.Close()
	}
	return nil
}
