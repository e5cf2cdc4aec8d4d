// Package redis provides a Redis-backed implementation of accounts.Store.
//
// Layout under the configured prefix:
//
//	<prefix>rec:<accountID>  JSON-encoded accounts.Record
//	<prefix>ids              set of every stored account id
//	<prefix>usernames        hash username -> account id
//
// Writes that touch more than one key run inside WATCH/MULTI transactions and
// are retried on optimistic-lock conflicts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ggoodman/botfleet/accounts"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 16

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: BOTFLEET_REDIS_PREFIX
	KeyPrefix string `env:"BOTFLEET_REDIS_PREFIX,default=botfleet:accounts:"`
}

// Store implements accounts.Store on top of a Redis client.
type Store struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// New connects to Redis and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. The store takes ownership of it.
func NewWithClient(cl *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "botfleet:accounts:"
	}
	return &Store{client: cl, keyPrefix: keyPrefix, now: time.Now}
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// --- Key helpers ---

func (s *Store) recKey(accountID string) string { return s.keyPrefix + "rec:" + accountID }
func (s *Store) idsKey() string                 { return s.keyPrefix + "ids" }
func (s *Store) usernamesKey() string           { return s.keyPrefix + "usernames" }

func (s *Store) Create(ctx context.Context, rec *accounts.Record) error {
	cp := rec.Clone()
	now := s.now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	key := s.recKey(cp.AccountID)

	return s.retry(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return accounts.ErrExists
		}
		if cp.Username != "" {
			taken, err := tx.HExists(ctx, s.usernamesKey(), cp.Username).Result()
			if err != nil {
				return err
			}
			if taken {
				return accounts.ErrUsernameTaken
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			p.SAdd(ctx, s.idsKey(), cp.AccountID)
			if cp.Username != "" {
				p.HSet(ctx, s.usernamesKey(), cp.Username, cp.AccountID)
			}
			return nil
		})
		return err
	}, key, s.usernamesKey())
}

func (s *Store) FindByID(ctx context.Context, accountID string) (*accounts.Record, error) {
	raw, err := s.client.Get(ctx, s.recKey(accountID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, accounts.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", accountID, err)
	}
	return decode(raw)
}

func (s *Store) FindByUsername(ctx context.Context, username string) (*accounts.Record, error) {
	id, err := s.client.HGet(ctx, s.usernamesKey(), username).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, accounts.ErrNotFound
		}
		return nil, fmt.Errorf("lookup username: %w", err)
	}
	return s.FindByID(ctx, id)
}

func (s *Store) Update(ctx context.Context, accountID string, patch accounts.Patch) error {
	key := s.recKey(accountID)
	return s.retry(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return accounts.ErrNotFound
			}
			return err
		}
		rec, err := decode(raw)
		if err != nil {
			return err
		}
		patch.Apply(rec, s.now().UTC())
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

func (s *Store) Delete(ctx context.Context, accountID string) error {
	key := s.recKey(accountID)
	return s.retry(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		rec, err := decode(raw)
		if err != nil {
			return err
		}
		owner := ""
		if rec.Username != "" {
			owner, err = tx.HGet(ctx, s.usernamesKey(), rec.Username).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.SRem(ctx, s.idsKey(), accountID)
			if owner == accountID {
				p.HDel(ctx, s.usernamesKey(), rec.Username)
			}
			return nil
		})
		return err
	}, key, s.usernamesKey())
}

func (s *Store) ListRestorable(ctx context.Context) ([]*accounts.Record, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*accounts.Record, 0, len(all))
	for _, rec := range all {
		if rec.Restorable() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) List(ctx context.Context) ([]*accounts.Record, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget records: %w", err)
	}
	out := make([]*accounts.Record, 0, len(vals))
	for _, v := range vals {
		// Deleted between SMEMBERS and MGET.
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) retry(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction on %v: too many conflicts", keys)
}

func decode(raw []byte) (*accounts.Record, error) {
	var rec accounts.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored record: %w", err)
	}
	return &rec, nil
}

var _ accounts.Store = (*Store)(nil)
