package embeddings

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache is a shared cache tier so several patternd instances reuse each
// other's embeddings. Vectors are stored as little-endian float32 bytes.
type RedisCache struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// RedisCacheConfig configures the shared tier.
type RedisCacheConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, cfg RedisCacheConfig, logger *zap.Logger) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis addr required", ErrInvalidConfig)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "patternd:emb:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisCache(rdb, cfg.Prefix, cfg.TTL, logger), nil
}

func newRedisCache(rdb *goredis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl, logger: logger}
}

// Get returns the cached vector. Errors are logged and reported as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.Debug("redis cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	vec, ok := decodeVector(raw)
	if !ok {
		c.logger.Warn("discarding malformed cached embedding", zap.String("key", key))
		return nil, false
	}
	return vec, true
}

// Set stores the vector with the configured TTL. Errors are logged.
func (c *RedisCache) Set(ctx context.Context, key string, vec []float32) {
	if err := c.rdb.Set(ctx, c.prefix+key, encodeVector(vec), c.ttl).Err(); err != nil {
		c.logger.Debug("redis cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, bool) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, true
}
