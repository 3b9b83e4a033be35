package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RemoteStore is the minimal L2 contract. Nil-safe at the tiered layer: a
// deployment without Redis simply runs L1-only.
type RemoteStore interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// compressThreshold is the serialized size above which L2 values are
// gzip-compressed.
const compressThreshold = 1024

const gzipMagic = "gz1:"

// RedisStore implements RemoteStore on go-redis v9.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects and pings Redis. Caller decides whether a
// connection failure means fallback to L1-only.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("decision cache L2 connected", "addr", addr, "db", db)
	return &RedisStore{rdb: rdb, prefix: "governor:cache:"}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("l2 get %s: %w", key, err)
	}

	raw, err = maybeDecompress(raw)
	if err != nil {
		return Entry{}, false, fmt.Errorf("l2 decompress %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("l2 decode %s: %w", key, err)
	}
	return entry, true, nil
}

func (r *RedisStore) Set(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("l2 encode %s: %w", entry.Key, err)
	}
	if len(raw) > compressThreshold {
		raw = compress(raw)
	}
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return r.rdb.Set(ctx, r.prefix+entry.Key, raw, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.prefix+key).Err()
}

func (r *RedisStore) Close() error { return r.rdb.Close() }

func compress(raw []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(gzipMagic)
	w := gzip.NewWriter(&buf)
	w.Write(raw)
	w.Close()
	return buf.Bytes()
}

func maybeDecompress(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, []byte(gzipMagic)) {
		return raw, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(raw[len(gzipMagic):]))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
