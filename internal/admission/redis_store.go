package admission

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const defaultRedisKeyPrefix = "feedpack:admission:"

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the shared admission store.
type RedisConfig struct {
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	DB         int
	MasterName string
	PoolSize   int
	Timeout    time.Duration
	TLS        RedisTLSConfig
	KeyPrefix  string
	// KeySecret keys the hash applied to client keys before they are stored.
	KeySecret string
	Now       func() time.Time
}

// RedisStore keeps one sorted set per client key so several server
// instances share a single admission budget.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	secret  []byte
	timeout time.Duration
	now     func() time.Time
}

// NewRedisStore connects lazily; the first Allow or Ping dials.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, errors.New("redis addr is required")
	}
	if len(cfg.KeySecret) > blake2b.Size {
		return nil, fmt.Errorf("redis key secret must be at most %d bytes", blake2b.Size)
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:            addrs,
		MasterName:       strings.TrimSpace(cfg.MasterName),
		Username:         strings.TrimSpace(cfg.Username),
		Password:         cfg.Password,
		DB:               cfg.DB,
		TLSConfig:        tlsConfig,
		DialTimeout:      timeout,
		ReadTimeout:      timeout,
		WriteTimeout:     timeout,
		PoolSize:         cfg.PoolSize,
		MaxRetries:       2,
		DisableIndentity: true,
	})
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		secret:  []byte(cfg.KeySecret),
		timeout: timeout,
		now:     now,
	}, nil
}

// Allow implements Store. The purge, insert, count and TTL refresh run in one
// MULTI/EXEC; an over-limit insert is withdrawn afterwards.
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, period time.Duration) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	redisKey, err := s.redisKey(key)
	if err != nil {
		return Decision{}, err
	}
	now := s.now()
	nowMs := now.UnixMilli()
	periodMs := period.Milliseconds()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(nowMs-periodMs, 10))
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(nowMs), Member: member})
		card = pipe.ZCard(ctx, redisKey)
		oldest = pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
		pipe.PExpire(ctx, redisKey, period)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("redis admission: %w", err)
	}

	count := int(card.Val())
	resetAt := now.Add(period)
	if entries := oldest.Val(); len(entries) > 0 {
		resetAt = time.UnixMilli(int64(entries[0].Score)).Add(period)
	}
	if count <= limit {
		return Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - count,
			ResetAt:   resetAt,
		}, nil
	}

	if err := s.client.ZRem(ctx, redisKey, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("redis admission rollback: %w", err)
	}
	return Decision{
		Allowed:    false,
		Limit:      limit,
		RetryAfter: resetAt.Sub(now),
		ResetAt:    resetAt,
	}, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close releases pooled connections.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) redisKey(clientKey string) (string, error) {
	h, err := blake2b.New256(s.secret)
	if err != nil {
		return "", fmt.Errorf("hash client key: %w", err)
	}
	_, _ = h.Write([]byte(clientKey))
	return s.prefix + hex.EncodeToString(h.Sum(nil)), nil
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
