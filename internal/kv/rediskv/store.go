// Package rediskv implements kv.Store on Redis. Each record is a hash with
// "value" and "version" fields; conditional writes run as Lua scripts so
// the version check and the write are atomic on the server.
package rediskv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hurttlocker/dornt/internal/kv"
)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// Prefix namespaces every key, e.g. "dornt:".
	Prefix string
}

const conflict = -1

var (
	putScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'version', v)
return v`)

	putIfVersionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur == false then cur = '0' end
if cur ~= ARGV[2] then return -1 end
local v = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'version', v)
return v`)

	deleteIfVersionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur == false or cur ~= ARGV[1] then return -1 end
redis.call('DEL', KEYS[1])
return 1`)
)

// Store implements kv.Store using Redis.
type Store struct {
	rdb    *redis.Client
	prefix string
}

var _ kv.Store = (*Store)(nil)

// New creates a client and verifies the connection with a PING.
func New(cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Store{rdb: rdb, prefix: cfg.Prefix}, nil
}

func (s *Store) key(k string) string { return s.prefix + "rec:" + k }
func (s *Store) seqKey() string      { return s.prefix + "seq" }

func (s *Store) Get(ctx context.Context, key string) (kv.Record, bool, error) {
	vals, err := s.rdb.HMGet(ctx, s.key(key), "value", "version").Result()
	if err != nil {
		return kv.Record{}, false, fmt.Errorf("getting %s: %w", key, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return kv.Record{}, false, nil
	}
	value, _ := vals[0].(string)
	rawVersion, _ := vals[1].(string)
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		return kv.Record{}, false, fmt.Errorf("parsing version of %s: %w", key, err)
	}
	return kv.Record{Key: key, Value: []byte(value), Version: version}, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) (int64, error) {
	v, err := putScript.Run(ctx, s.rdb, []string{s.key(key), s.seqKey()}, value).Int64()
	if err != nil {
		return 0, fmt.Errorf("putting %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) PutIfVersion(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	v, err := putIfVersionScript.Run(ctx, s.rdb,
		[]string{s.key(key), s.seqKey()}, value, fmt.Sprint(version)).Int64()
	if err != nil {
		return 0, fmt.Errorf("conditional put %s: %w", key, err)
	}
	if v == conflict {
		return 0, kv.ErrVersionConflict
	}
	return v, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteIfVersion(ctx context.Context, key string, version int64) error {
	v, err := deleteIfVersionScript.Run(ctx, s.rdb, []string{s.key(key)}, fmt.Sprint(version)).Int64()
	if err != nil {
		return fmt.Errorf("conditional delete %s: %w", key, err)
	}
	if v == conflict {
		return kv.ErrVersionConflict
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	base := s.key("")
	var keys []string
	iter := s.rdb.Scan(ctx, 0, escapeGlob(base+prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), base))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return dedupe(keys), nil
}

// Close closes the underlying Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// dedupe drops repeats from a sorted slice; SCAN may return a key twice.
func dedupe(keys []string) []string {
	out := keys[:0]
	for i, k := range keys {
		if i > 0 && k == keys[i-1] {
			continue
		}
		out = append(out, k)
	}
	return out
}
