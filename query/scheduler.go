package query

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/grenzgaenger/freshness/cache"
	"github.com/grenzgaenger/freshness/logger"
	"github.com/grenzgaenger/freshness/resilience"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultDebounce is how long Schedule waits for more queries before flushing.
	DefaultDebounce = 50 * time.Millisecond

	// DefaultMaxConcurrent is the number of producers allowed to run at once.
	DefaultMaxConcurrent = 5
)

type config struct {
	batching      bool
	debounce      time.Duration
	maxConcurrent int
	defaultTTL    time.Duration
	breaker       *resilience.CircuitBreakerConfig
	retry         *resilience.RetryConfig
	logger        logger.Logger
}

// Option configures a Scheduler.
type Option func(*config)

// WithBatching turns the debounced batch buffer on or off. When off, Schedule flushes immediately.
func WithBatching(enabled bool) Option {
	return func(c *config) { c.batching = enabled }
}

func WithDebounce(d time.Duration) Option {
	return func(c *config) { c.debounce = d }
}

func WithMaxConcurrent(n int) Option {
	return func(c *config) { c.maxConcurrent = n }
}

// WithDefaultTTL sets the TTL for results of queries that carry none. Zero defers to the store.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithCircuitBreaker guards producers with one circuit breaker per resource,
// the part of the key before the first colon.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *config) { c.breaker = &cfg }
}

// WithRetry retries failing producers with backoff.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *config) { c.retry = &cfg }
}

func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Scheduler batches, prioritizes and deduplicates query execution in front of a cache store.
type Scheduler struct {
	ctx       context.Context
	cancel    context.CancelFunc
	store     *cache.Store
	cfg       config
	logger    logger.Logger
	sem       *semaphore.Weighted
	group     singleflight.Group
	breakers  *resilience.Breakers
	producers map[string]Producer
	buffer    []Query
	inflight  map[string]int
	retries   uint64
	failures  uint64
	timer     *time.Timer
	hooks     []func(prefix string)
	closed    bool
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
}

// New returns a scheduler that stores results in store. Queries started by a
// flush run under a context derived from parent.
func New(parent context.Context, store *cache.Store, opts ...Option) *Scheduler {
	cfg := config{
		batching:      true,
		debounce:      DefaultDebounce,
		maxConcurrent: DefaultMaxConcurrent,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxConcurrent <= 0 {
		cfg.maxConcurrent = DefaultMaxConcurrent
	}
	if cfg.debounce <= 0 {
		cfg.debounce = DefaultDebounce
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Scheduler{
		ctx:       ctx,
		cancel:    cancel,
		store:     store,
		cfg:       cfg,
		logger:    cfg.logger.WithPrefix("[query]"),
		sem:       semaphore.NewWeighted(int64(cfg.maxConcurrent)),
		producers: make(map[string]Producer),
		inflight:  make(map[string]int),
	}
	if cfg.breaker != nil {
		s.breakers = resilience.NewBreakers(*cfg.breaker)
	}
	return s
}

// Register sets the producer used for key when a query arrives without one,
// including predicted and related refetch queries.
func (s *Scheduler) Register(key string, p Producer) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if p == nil {
		delete(s.producers, key)
		return
	}
	s.producers[key] = p
}

// Producer returns the producer registered for key.
func (s *Scheduler) Producer(key string) (Producer, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	p, ok := s.producers[key]
	return p, ok
}

// OnInvalidate registers fn to be called with every prefix removed by Invalidate.
func (s *Scheduler) OnInvalidate(fn func(prefix string)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.hooks = append(s.hooks, fn)
}

// resolveLocked fills in the producer and enqueue time.
func (s *Scheduler) resolveLocked(q *Query) error {
	if s.closed {
		return ErrClosed
	}
	if q.Producer == nil {
		p, ok := s.producers[q.Key]
		if !ok {
			return errors.Wrapf(ErrNoProducer, "key %q", q.Key)
		}
		q.Producer = p
	}
	if q.EnqueuedAt.IsZero() {
		q.EnqueuedAt = time.Now()
	}
	return nil
}

// Schedule adds q to the batch buffer and restarts the debounce timer. With
// batching disabled the buffer is flushed right away.
func (s *Scheduler) Schedule(q Query) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.resolveLocked(&q); err != nil {
		return err
	}
	s.buffer = append(s.buffer, q)
	if !s.cfg.batching {
		s.flushLocked()
		return nil
	}
	s.armLocked()
	return nil
}

// Pending returns the keys waiting in the batch buffer.
func (s *Scheduler) Pending() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	keys := make([]string, 0, len(s.buffer))
	for _, q := range s.buffer {
		keys = append(keys, q.Key)
	}
	return keys
}

// InFlight reports whether a scheduled or executed query for key is running.
func (s *Scheduler) InFlight(key string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.inflight[key] > 0
}

// Flush starts buffered queries, highest priority first and oldest first
// within a priority, until the concurrency ceiling is reached. The rest stay
// buffered for a later flush. Keys that are fresh in the cache or already in
// flight are dropped.
func (s *Scheduler) Flush() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.flushLocked()
}

func (s *Scheduler) flushLocked() {
	if len(s.buffer) == 0 {
		return
	}
	queue := s.buffer
	s.buffer = nil
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].Priority != queue[j].Priority {
			return queue[i].Priority > queue[j].Priority
		}
		return queue[i].EnqueuedAt.Before(queue[j].EnqueuedAt)
	})
	var started, skipped int
	for i, q := range queue {
		if s.inflight[q.Key] > 0 {
			skipped++
			continue
		}
		if s.store.Has(q.Key) {
			skipped++
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.buffer = append(s.buffer, queue[i:]...)
			break
		}
		started++
		s.inflight[q.Key]++
		s.waitGroup.Add(1)
		// Registered while locked, so a Fetch arriving later joins this call
		// instead of leading one that waits for the slot held here.
		done := s.group.DoChan(q.Key, s.loader(s.ctx, q, true))
		go func(key string) {
			defer s.waitGroup.Done()
			defer s.settle(key)
			defer s.sem.Release(1)
			<-done
		}(q.Key)
	}
	s.logger.Debug("flushed %d queries: %d started, %d skipped, %d deferred", len(queue), started, skipped, len(s.buffer))
	if len(s.buffer) > 0 {
		s.armLocked()
	}
}

func (s *Scheduler) armLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.cfg.debounce, s.Flush)
}

// settle drops one in-flight claim on key and makes sure deferred queries get another flush.
func (s *Scheduler) settle(key string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.inflight[key]--; s.inflight[key] <= 0 {
		delete(s.inflight, key)
	}
	if len(s.buffer) > 0 && s.timer == nil && !s.closed {
		s.armLocked()
	}
}

// Execute runs q immediately, waiting for a free slot under the concurrency
// ceiling. If a request for q.Key is already in flight the call returns nil
// without doing anything; that request populates the cache.
func (s *Scheduler) Execute(ctx context.Context, q Query) error {
	s.mutex.Lock()
	if err := s.resolveLocked(&q); err != nil {
		s.mutex.Unlock()
		return err
	}
	if s.inflight[q.Key] > 0 {
		s.mutex.Unlock()
		return nil
	}
	s.inflight[q.Key]++
	s.waitGroup.Add(1)
	s.mutex.Unlock()

	defer s.waitGroup.Done()
	defer s.settle(q.Key)
	_, err := s.load(ctx, q)
	return err
}

// Fetch returns the cached value for q.Key or runs the producer. Concurrent
// callers for one key share a single producer call and its result or error,
// including a call started by Execute or a flush.
func (s *Scheduler) Fetch(ctx context.Context, q Query) (any, error) {
	if val, ok := s.store.Get(q.Key); ok {
		return val, nil
	}
	s.mutex.Lock()
	if err := s.resolveLocked(&q); err != nil {
		s.mutex.Unlock()
		return nil, err
	}
	s.inflight[q.Key]++
	s.waitGroup.Add(1)
	s.mutex.Unlock()

	defer s.waitGroup.Done()
	defer s.settle(q.Key)
	return s.load(ctx, q)
}

func (s *Scheduler) load(ctx context.Context, q Query) (any, error) {
	val, err, _ := s.group.Do(q.Key, s.loader(ctx, q, false))
	return val, err
}

// loader returns the shared call that runs the producer for q. Every path
// goes through it: the slot under the concurrency ceiling is taken inside
// the call unless the caller already holds one, and the cache is checked
// again once the slot is held so a value stored while waiting is not
// produced twice.
func (s *Scheduler) loader(ctx context.Context, q Query, holdsSlot bool) func() (any, error) {
	return func() (any, error) {
		if !holdsSlot {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil, err
			}
			defer s.sem.Release(1)
		}
		if entry, ok := s.store.Lookup(q.Key); ok {
			return entry.Value, nil
		}
		return s.produce(ctx, q)
	}
}

// produce calls the producer and caches a successful result. Failures are never cached.
func (s *Scheduler) produce(ctx context.Context, q Query) (any, error) {
	spanCtx, span := tracer.Start(ctx, "Execute",
		trace.WithAttributes(
			attribute.String("query.key", q.Key),
			attribute.String("query.priority", q.Priority.String()),
		),
	)
	defer span.End()

	started := time.Now()
	val, err := s.call(spanCtx, q)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		s.logger.Warn("query %s failed after %v: %v", q.Key, time.Since(started), err)
		return nil, &QueryError{Key: q.Key, Err: err}
	}
	ttl := q.TTL
	if ttl <= 0 {
		ttl = s.cfg.defaultTTL
	}
	s.store.Set(q.Key, val, ttl)
	span.SetStatus(codes.Ok, "query executed")
	s.logger.Trace("query %s executed in %v", q.Key, time.Since(started))
	return val, nil
}

func (s *Scheduler) call(ctx context.Context, q Query) (any, error) {
	var (
		mu  sync.Mutex
		val any
	)
	attempt := func(ctx context.Context) error {
		v, err := q.Producer(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		val = v
		mu.Unlock()
		return nil
	}
	if s.breakers != nil {
		inner := attempt
		resource := resourceOf(q.Key)
		attempt = func(ctx context.Context) error {
			return s.breakers.Execute(ctx, resource, inner)
		}
	}
	var err error
	if s.cfg.retry != nil {
		var stats resilience.RetryStats
		stats, err = resilience.Retry(ctx, *s.cfg.retry, attempt)
		if stats.Retries > 0 {
			s.mutex.Lock()
			s.retries += uint64(stats.Retries)
			s.mutex.Unlock()
			s.logger.Debug("query %s took %d attempts, %v in backoff", q.Key, stats.Attempts, stats.Backoff)
		}
	} else {
		err = attempt(ctx)
	}
	if err != nil {
		s.mutex.Lock()
		s.failures++
		s.mutex.Unlock()
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return val, nil
}

func resourceOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// Stats is a snapshot of the producer guard counters.
type Stats struct {
	Retries  uint64
	Failures uint64
	Breakers map[string]resilience.CircuitBreakerStats
}

// Stats returns retry and failure totals and the state of every circuit
// breaker, keyed by resource.
func (s *Scheduler) Stats() Stats {
	s.mutex.Lock()
	st := Stats{Retries: s.retries, Failures: s.failures}
	s.mutex.Unlock()
	if s.breakers != nil {
		st.Breakers = s.breakers.Stats()
	}
	return st
}

// ResetBreakers closes every circuit breaker.
func (s *Scheduler) ResetBreakers() {
	if s.breakers != nil {
		s.breakers.Reset()
	}
}

// Predict turns the predictions for c into queries using the registered
// producers. Keys without a producer are left out.
func (s *Scheduler) Predict(c Context) []Query {
	predictions := Predict(c)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	res := make([]Query, 0, len(predictions))
	for _, p := range predictions {
		producer, ok := s.producers[p.Key]
		if !ok {
			continue
		}
		res = append(res, Query{Key: p.Key, Producer: producer, Priority: p.Priority})
	}
	return res
}

// Prefetch schedules the predicted queries for c and returns how many were buffered.
func (s *Scheduler) Prefetch(c Context) int {
	var n int
	for _, q := range s.Predict(c) {
		if err := s.Schedule(q); err != nil {
			s.logger.Debug("prefetch %s skipped: %v", q.Key, err)
			continue
		}
		n++
	}
	return n
}

// Invalidate drops every cached key under the prefixes affected by a change to
// entity and returns the removed keys. Create and update actions also
// schedule a refetch of related keys that have a registered producer.
func (s *Scheduler) Invalidate(entity string, action Action) []string {
	prefixes := Prefixes(entity)
	var removed []string
	for _, prefix := range prefixes {
		removed = append(removed, s.store.DeletePrefix(prefix)...)
	}

	s.mutex.Lock()
	hooks := slices.Clone(s.hooks)
	s.mutex.Unlock()
	for _, prefix := range prefixes {
		for _, fn := range hooks {
			fn(prefix)
		}
	}

	var refetch int
	for _, key := range Related(entity, action) {
		if err := s.Schedule(Query{Key: key, Priority: PriorityMedium}); err != nil {
			s.logger.Debug("refetch %s after %s %s skipped: %v", key, action, entity, err)
			continue
		}
		refetch++
	}
	s.logger.Debug("invalidated %s (%s): %d keys removed, %d refetches scheduled", entity, action, len(removed), refetch)
	return removed
}

// Close stops the debounce timer, drops buffered queries, cancels running
// ones and waits for them to finish.
func (s *Scheduler) Close() error {
	s.once.Do(func() {
		s.mutex.Lock()
		s.closed = true
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.buffer = nil
		s.mutex.Unlock()
		s.cancel()
		s.waitGroup.Wait()
	})
	return nil
}
