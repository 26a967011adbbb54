package inference

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/medscan-diagnosis-server/internal/domain"
	"github.com/medscan-diagnosis-server/internal/metrics"
)

// Memo stores raw scores per model and input tensor. It never holds payloads or labels.
type Memo interface {
	Name() string
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, scores []float32) error
}

// MemoKey derives the memo key of a tensor run through a model
func MemoKey(model domain.ModelKey, t domain.Tensor) string {
	h := sha256.New()
	buf := make([]byte, 8)
	for _, d := range t.Shape {
		binary.LittleEndian.PutUint64(buf, uint64(d))
		h.Write(buf)
	}
	for _, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
		h.Write(buf[:4])
	}
	return fmt.Sprintf("medscan:scores:%s:%s", model, hex.EncodeToString(h.Sum(nil)))
}

// LRUMemo is an in-process memo bounded by entry count
type LRUMemo struct {
	cache *lru.Cache[string, []float32]
}

// NewLRUMemo creates an in-process memo holding up to size entries
func NewLRUMemo(size int) (*LRUMemo, error) {
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU memo: %w", err)
	}
	return &LRUMemo{cache: cache}, nil
}

func (m *LRUMemo) Name() string { return "lru" }

func (m *LRUMemo) Get(_ context.Context, key string) ([]float32, bool, error) {
	scores, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]float32(nil), scores...), true, nil
}

func (m *LRUMemo) Set(_ context.Context, key string, scores []float32) error {
	m.cache.Add(key, append([]float32(nil), scores...))
	return nil
}

// Len returns the number of entries held
func (m *LRUMemo) Len() int {
	return m.cache.Len()
}

// RedisMemo shares memoized scores between server replicas
type RedisMemo struct {
	redis *redis.Client
	ttl   time.Duration
}

type cachedScores struct {
	Scores    []float32 `json:"scores"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewRedisMemo connects to the Redis instance named by cfg.RedisURL
func NewRedisMemo(cfg domain.CacheConfig) (*RedisMemo, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.PoolTimeout > 0 {
		opts.PoolTimeout = cfg.PoolTimeout
	}
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisMemoFromClient(client, cfg.TTL), nil
}

// NewRedisMemoFromClient wraps an existing client
func NewRedisMemoFromClient(client *redis.Client, ttl time.Duration) *RedisMemo {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisMemo{redis: client, ttl: ttl}
}

func (m *RedisMemo) Name() string { return "redis" }

func (m *RedisMemo) Get(ctx context.Context, key string) ([]float32, bool, error) {
	val, err := m.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get memoized scores: %w", err)
	}

	var cached cachedScores
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		m.redis.Del(ctx, key)
		return nil, false, nil
	}
	if time.Now().After(cached.ExpiresAt) {
		m.redis.Del(ctx, key)
		return nil, false, nil
	}
	return cached.Scores, true, nil
}

func (m *RedisMemo) Set(ctx context.Context, key string, scores []float32) error {
	now := time.Now()
	data, err := json.Marshal(cachedScores{Scores: scores, CachedAt: now, ExpiresAt: now.Add(m.ttl)})
	if err != nil {
		return fmt.Errorf("failed to marshal memoized scores: %w", err)
	}
	return m.redis.Set(ctx, key, data, m.ttl).Err()
}

// Close releases the Redis connection pool
func (m *RedisMemo) Close() error {
	return m.redis.Close()
}

// TieredMemo consults tiers in order and backfills faster tiers on a hit
type TieredMemo struct {
	tiers   []Memo
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewTieredMemo combines tiers, fastest first
func NewTieredMemo(logger *logrus.Logger, m *metrics.Metrics, tiers ...Memo) *TieredMemo {
	if logger == nil {
		logger = logrus.New()
	}
	return &TieredMemo{tiers: tiers, logger: logger, metrics: m}
}

func (t *TieredMemo) Name() string { return "tiered" }

// Get never fails; a broken tier counts as a miss
func (t *TieredMemo) Get(ctx context.Context, key string) ([]float32, bool, error) {
	for i, tier := range t.tiers {
		scores, ok, err := tier.Get(ctx, key)
		if err != nil {
			t.logger.WithError(err).WithField("tier", tier.Name()).Warn("Memo lookup failed")
			t.metrics.ObserveMemo(tier.Name(), "error")
			continue
		}
		if !ok {
			t.metrics.ObserveMemo(tier.Name(), "miss")
			continue
		}
		t.metrics.ObserveMemo(tier.Name(), "hit")
		for _, faster := range t.tiers[:i] {
			_ = faster.Set(ctx, key, scores)
		}
		return scores, true, nil
	}
	return nil, false, nil
}

func (t *TieredMemo) Set(ctx context.Context, key string, scores []float32) error {
	for _, tier := range t.tiers {
		if err := tier.Set(ctx, key, scores); err != nil {
			t.logger.WithError(err).WithField("tier", tier.Name()).Warn("Memo store failed")
		}
	}
	return nil
}

type memoHandle struct {
	key    domain.ModelKey
	inner  Handle
	memo   Memo
	logger *logrus.Logger
}

// WithMemo wraps h so identical tensors reuse earlier scores. A nil memo returns h.
func WithMemo(key domain.ModelKey, h Handle, memo Memo, logger *logrus.Logger) Handle {
	if memo == nil {
		return h
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &memoHandle{key: key, inner: h, memo: memo, logger: logger}
}

func (h *memoHandle) OutputClasses() int {
	return h.inner.OutputClasses()
}

func (h *memoHandle) Infer(ctx context.Context, input domain.Tensor) ([]float32, error) {
	k := MemoKey(h.key, input)
	if scores, ok, err := h.memo.Get(ctx, k); err == nil && ok {
		return scores, nil
	} else if err != nil {
		h.logger.WithError(err).WithField("model_key", h.key).Warn("Memo lookup failed, running inference")
	}

	scores, err := h.inner.Infer(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := h.memo.Set(ctx, k, scores); err != nil {
		h.logger.WithError(err).WithField("model_key", h.key).Warn("Failed to memoize scores")
	}
	return scores, nil
}
