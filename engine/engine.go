// Package engine builds the cache, query scheduler, optimistic mutation
// manager and cross-tab sync from one configuration and wires them together.
package engine

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/grenzgaenger/freshness/cache"
	"github.com/grenzgaenger/freshness/config"
	"github.com/grenzgaenger/freshness/crosstab"
	"github.com/grenzgaenger/freshness/logger"
	"github.com/grenzgaenger/freshness/mutation"
	"github.com/grenzgaenger/freshness/query"
	"github.com/grenzgaenger/freshness/resilience"
	"github.com/grenzgaenger/freshness/virtual"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// MetricsNamespace prefixes every metric the engine registers.
const MetricsNamespace = "freshness"

type options struct {
	logger     logger.Logger
	registerer prometheus.Registerer
	redis      redis.UniversalClient
	syncOpts   []crosstab.Option
}

// Option configures an Engine.
type Option func(*options)

// WithLogger overrides the logger built from the log section of the config.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the cache and sync collectors with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithRedisClient uses rdb for the redis transport instead of dialing
// sync.redis_url. The client is not closed by the engine.
func WithRedisClient(rdb redis.UniversalClient) Option {
	return func(o *options) { o.redis = rdb }
}

// WithSyncOptions passes extra options to the cross-tab sync.
func WithSyncOptions(opts ...crosstab.Option) Option {
	return func(o *options) { o.syncOpts = append(o.syncOpts, opts...) }
}

// Engine owns one instance of every component.
type Engine struct {
	Store     *cache.Store
	Scheduler *query.Scheduler
	Mutations *mutation.Manager
	Sync      *crosstab.Sync

	cfg        config.Config
	ctx        context.Context
	cancel     context.CancelFunc
	logger     logger.Logger
	transport  crosstab.Transport
	owned      []func() error
	collectors []prometheus.Collector
	registerer prometheus.Registerer
}

// New builds an engine from cfg. A nil transport selects the redis transport
// when sync.redis_url is set or a client is given, and no cross-tab sync otherwise.
func New(ctx context.Context, cfg config.Config, transport crosstab.Transport, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = cfg.Logger()
	}
	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		logger:     o.logger.WithPrefix("[engine]"),
		registerer: o.registerer,
	}

	if transport == nil {
		t, err := e.dialRedis(o)
		if err != nil {
			cancel()
			e.closeOwned()
			return nil, err
		}
		transport = t
	}
	e.transport = transport

	e.Store = cache.NewStore(ctx,
		cache.WithMaxBytes(cfg.Cache.MaxBytes),
		cache.WithCleanupInterval(cfg.Cache.CleanupInterval.Std()),
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL.Std()),
		cache.WithLogger(o.logger),
	)

	schedOpts := []query.Option{
		query.WithBatching(cfg.Query.Batching),
		query.WithDebounce(cfg.Query.Debounce.Std()),
		query.WithMaxConcurrent(cfg.Query.MaxConcurrent),
		query.WithDefaultTTL(cfg.Cache.DefaultTTL.Std()),
		query.WithLogger(o.logger),
	}
	if cfg.Query.BreakerThreshold > 0 {
		bc := resilience.DefaultCircuitBreakerConfig()
		bc.MaxFailures = cfg.Query.BreakerThreshold
		schedOpts = append(schedOpts, query.WithCircuitBreaker(bc))
	}
	if cfg.Query.Retries > 0 {
		rc := resilience.DefaultRetryConfig()
		rc.MaxRetries = cfg.Query.Retries
		schedOpts = append(schedOpts, query.WithRetry(rc))
	}
	e.Scheduler = query.New(ctx, e.Store, schedOpts...)

	e.Mutations = mutation.New(e.Store,
		mutation.WithTimeout(cfg.Mutation.Timeout.Std()),
		mutation.WithMaxPending(cfg.Mutation.MaxPending),
		mutation.WithRetention(cfg.Mutation.ConfirmedRetention.Std(), cfg.Mutation.FailedRetention.Std()),
		mutation.WithLogger(o.logger),
	)

	e.Sync = crosstab.New(ctx, e.Store, transport, append([]crosstab.Option{
		crosstab.WithStrategy(cfg.Sync.Strategy),
		crosstab.WithResyncInterval(cfg.Sync.ResyncInterval.Std()),
		crosstab.WithLogger(o.logger),
	}, o.syncOpts...)...)

	e.wire()

	e.collectors = []prometheus.Collector{
		cache.NewCollector(MetricsNamespace, e.Store),
		query.NewCollector(MetricsNamespace, e.Scheduler),
		crosstab.NewCollector(MetricsNamespace, e.Sync),
	}
	if e.registerer != nil {
		for _, c := range e.collectors {
			if err := e.registerer.Register(c); err != nil {
				e.Close()
				return nil, errors.Wrap(err, "register collector")
			}
		}
	}
	return e, nil
}

func (e *Engine) dialRedis(o options) (crosstab.Transport, error) {
	rdb := o.redis
	if rdb == nil {
		if e.cfg.Sync.RedisURL == "" {
			return crosstab.NoopTransport{}, nil
		}
		opts, err := redis.ParseURL(e.cfg.Sync.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "parse sync.redis_url")
		}
		client := redis.NewClient(opts)
		e.owned = append(e.owned, client.Close)
		rdb = client
	}
	t, err := crosstab.NewRedisTransport(e.ctx, o.logger, rdb, e.cfg.Sync.Channel)
	if err != nil {
		return nil, err
	}
	e.owned = append(e.owned, t.Close)
	return t, nil
}

// wire connects the components:
//   - optimistic writes mark the key as locally changed
//   - confirmed writes are published to the other tabs
//   - scheduler invalidations are repeated in the other tabs
//   - keys gone stale in the sweep are refetched when a producer is known
func (e *Engine) wire() {
	e.Mutations.OnApply(func(u mutation.Update) {
		e.Sync.Touch(u.Key)
	})
	e.Mutations.OnSettle(func(u mutation.Update) {
		if u.Status != mutation.StatusConfirmed {
			return
		}
		if err := e.Sync.PublishUpdate(e.ctx, u.Key, u.ConfirmedValue); err != nil {
			e.logger.Warn("failed to publish confirmed %s: %s", u.Key, err)
		}
	})
	e.Scheduler.OnInvalidate(func(prefix string) {
		if err := e.Sync.InvalidateAcrossTabs(e.ctx, prefix); err != nil {
			e.logger.Warn("failed to broadcast invalidation of %s: %s", prefix, err)
		}
	})
	e.Sync.OnStale(func(key string) {
		if _, ok := e.Scheduler.Producer(key); !ok {
			return
		}
		if err := e.Scheduler.Schedule(query.Query{Key: key, Priority: query.PriorityLow}); err != nil {
			e.logger.Debug("stale %s not refetched: %s", key, err)
		}
	})
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Collectors returns the Prometheus collectors of the store, the scheduler and the sync.
func (e *Engine) Collectors() []prometheus.Collector {
	return e.collectors
}

// WindowOptions returns window options carrying the configured overscan and
// scroll debounce.
func (e *Engine) WindowOptions(itemHeight, viewportHeight float64) virtual.Options {
	return virtual.Options{
		ItemHeight:     itemHeight,
		ViewportHeight: viewportHeight,
		Overscan:       virtual.ExactOverscan(e.cfg.Window.Overscan),
		ScrollDebounce: e.cfg.Window.ScrollDebounce.Std(),
	}
}

// Mutate runs an optimistic mutation through the manager.
func (e *Engine) Mutate(ctx context.Context, fn mutation.MutationFunc, opts mutation.MutateOptions) (any, error) {
	return e.Mutations.Mutate(ctx, fn, opts)
}

// Invalidate drops the keys affected by a change to entity here and in the
// other tabs and schedules the related refetches.
func (e *Engine) Invalidate(entity string, action query.Action) []string {
	return e.Scheduler.Invalidate(entity, action)
}

// Logout forgets everything cached for the current user, including open
// circuit breakers.
func (e *Engine) Logout() {
	e.Store.Clear()
	e.Sync.Reset()
	e.Scheduler.ResetBreakers()
	e.logger.Info("cache cleared")
}

// Close disposes the components in reverse order of construction.
func (e *Engine) Close() error {
	var errs []error
	if e.registerer != nil {
		for _, c := range e.collectors {
			e.registerer.Unregister(c)
		}
	}
	errs = append(errs,
		e.Sync.Close(),
		e.Mutations.Close(),
		e.Scheduler.Close(),
		e.Store.Close(),
	)
	e.cancel()
	errs = append(errs, e.closeOwned())
	return errors.Join(errs...)
}

func (e *Engine) closeOwned() error {
	var errs []error
	for i := len(e.owned) - 1; i >= 0; i-- {
		errs = append(errs, e.owned[i]())
	}
	e.owned = nil
	return errors.Join(errs...)
}
