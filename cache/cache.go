package cache

import (
	"time"

	"github.com/grenzgaenger/freshness/logger"
)

// DefaultTTL is used by Set when ttl <= 0.
const DefaultTTL = 5 * time.Minute

// DefaultMaxBytes is the size budget enforced by Evict when no budget is configured.
const DefaultMaxBytes int64 = 20 * 1024 * 1024

// DefaultCleanupInterval is how often the background eviction pass runs.
const DefaultCleanupInterval = 30 * time.Minute

// evictPercent is the share of the oldest entries dropped when removing
// expired entries alone does not bring the store under budget.
const evictPercent = 30

// Entry is a cached value with its bookkeeping.
type Entry struct {
	Value     any
	WrittenAt time.Time
	TTL       time.Duration
	Size      int64
}

// Expired reports whether the entry is logically expired at now.
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.WrittenAt) > e.TTL
}

// Stats is a snapshot of the store counters.
type Stats struct {
	Hits       uint64
	Misses     uint64
	HitRate    float64
	MissRate   float64
	TotalBytes int64
	Entries    int
	Evictions  uint64
}

// Sizer estimates the approximate size of a value in bytes.
type Sizer func(val any) (int64, error)

type config struct {
	defaultTTL      time.Duration
	maxBytes        int64
	cleanupInterval time.Duration
	evictOnSet      bool
	sizer           Sizer
	logger          logger.Logger
}

// Option configures a Store.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultTTL:      DefaultTTL,
		maxBytes:        DefaultMaxBytes,
		cleanupInterval: DefaultCleanupInterval,
		evictOnSet:      true,
		sizer:           MsgpackSizer,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	if cfg.sizer == nil {
		cfg.sizer = MsgpackSizer
	}
	return cfg
}

// WithDefaultTTL sets the TTL used when Set is called with ttl <= 0.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithMaxBytes sets the size budget used by the periodic and on-set eviction passes.
func WithMaxBytes(n int64) Option {
	return func(c *config) { c.maxBytes = n }
}

// WithCleanupInterval sets the period of the background eviction pass.
// A non-positive interval disables the background goroutine.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *config) { c.cleanupInterval = d }
}

// WithEvictOnSet controls whether Set runs an eviction pass when the store is over budget.
func WithEvictOnSet(enabled bool) Option {
	return func(c *config) { c.evictOnSet = enabled }
}

// WithSizer replaces the msgpack size estimator.
func WithSizer(s Sizer) Option {
	return func(c *config) { c.sizer = s }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Get retrieves a typed value from the store, counting a hit or miss.
// A value of a different type is reported as absent.
func Get[T any](s *Store, key string) (T, bool) {
	val, ok := s.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := val.(T)
	return typed, ok
}
