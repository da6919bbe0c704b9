package crosstab

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/grenzgaenger/freshness/cache"
	"github.com/grenzgaenger/freshness/logger"
)

// DefaultResyncInterval is how often the staleness sweep runs.
const DefaultResyncInterval = 30 * time.Second

// Strategy decides what happens when an update is older than local state.
type Strategy string

const (
	ClientWins Strategy = "client-wins"
	ServerWins Strategy = "server-wins"
	MergeWins  Strategy = "merge"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case ClientWins, ServerWins, MergeWins:
		return Strategy(s), nil
	}
	return "", errors.Newf("unknown conflict strategy %q", s)
}

// Conflict describes one resolved conflicting update.
type Conflict struct {
	Key      string
	Strategy Strategy
	Source   string
	Incoming time.Time
	Local    time.Time
}

// Stats counts sync traffic.
type Stats struct {
	Sent      uint64
	Received  uint64
	Echoes    uint64
	Conflicts map[Strategy]uint64
	Tracked   int
}

type config struct {
	strategy       Strategy
	resyncInterval time.Duration
	source         string
	ttl            time.Duration
	now            func() time.Time
	logger         logger.Logger
}

// Option configures a Sync.
type Option func(*config)

func WithStrategy(s Strategy) Option {
	return func(c *config) { c.strategy = s }
}

// WithResyncInterval sets the staleness sweep interval. Zero or less disables the sweep.
func WithResyncInterval(d time.Duration) Option {
	return func(c *config) { c.resyncInterval = d }
}

// WithSourceID overrides the random id used to recognize our own messages.
func WithSourceID(id string) Option {
	return func(c *config) { c.source = id }
}

// WithTTL sets the cache TTL for values received from other tabs. Zero uses the store default.
func WithTTL(d time.Duration) Option {
	return func(c *config) { c.ttl = d }
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Sync keeps a cache store in step with other tabs over a Transport.
type Sync struct {
	ctx         context.Context
	cancel      context.CancelFunc
	store       *cache.Store
	transport   Transport
	cfg         config
	logger      logger.Logger
	lastApplied map[string]time.Time
	conflicts   map[Strategy]uint64
	sent        uint64
	received    uint64
	echoes      uint64
	onConflict  []func(Conflict)
	onStale     []func(key string)
	unsubscribe func()
	warned      bool
	closed      bool
	mutex       sync.Mutex
	waitGroup   sync.WaitGroup
	once        sync.Once
}

// New subscribes to transport and starts the staleness sweep. A nil
// transport behaves like NoopTransport. The transport is not closed by Close.
func New(parent context.Context, store *cache.Store, transport Transport, opts ...Option) *Sync {
	cfg := config{
		strategy:       ClientWins,
		resyncInterval: DefaultResyncInterval,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.source == "" {
		cfg.source = uuid.NewString()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	if transport == nil {
		transport = NoopTransport{}
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Sync{
		ctx:         ctx,
		cancel:      cancel,
		store:       store,
		transport:   transport,
		cfg:         cfg,
		logger:      cfg.logger.WithPrefix("[crosstab]"),
		lastApplied: make(map[string]time.Time),
		conflicts:   make(map[Strategy]uint64),
	}
	s.unsubscribe = transport.OnMessage(s.handle)
	if !transport.Available() {
		s.unavailable()
	}
	if cfg.resyncInterval > 0 {
		s.waitGroup.Add(1)
		go s.sweep()
	}
	return s
}

// Source returns the id stamped on every message this instance sends.
func (s *Sync) Source() string {
	return s.cfg.source
}

// Strategy returns the configured conflict strategy.
func (s *Sync) Strategy() Strategy {
	return s.cfg.strategy
}

// OnConflict registers fn to be called after each resolved conflict.
func (s *Sync) OnConflict(fn func(Conflict)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onConflict = append(s.onConflict, fn)
}

// OnStale registers fn to be called for each key dropped by the staleness sweep.
func (s *Sync) OnStale(fn func(key string)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onStale = append(s.onStale, fn)
}

func (s *Sync) stamp() time.Time {
	return time.UnixMilli(s.cfg.now().UnixMilli())
}

func (s *Sync) unavailable() {
	s.mutex.Lock()
	warned := s.warned
	s.warned = true
	s.mutex.Unlock()
	if !warned {
		s.logger.Debug("transport unavailable, changes stay local to this tab")
	}
}

// Broadcast sends payload to the other tabs. It does nothing when the
// transport is unavailable.
func (s *Sync) Broadcast(ctx context.Context, typ MessageType, payload any) error {
	return s.send(ctx, typ, payload, s.stamp())
}

func (s *Sync) send(ctx context.Context, typ MessageType, payload any, at time.Time) error {
	s.mutex.Lock()
	closed := s.closed
	s.mutex.Unlock()
	if closed {
		return ErrClosed
	}
	if !s.transport.Available() {
		s.unavailable()
		return nil
	}
	msg, err := NewMessage(typ, payload, s.cfg.source, at)
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, msg); err != nil {
		if errors.Is(err, ErrTransportUnavailable) {
			s.unavailable()
			return nil
		}
		return errors.Wrapf(err, "broadcast %s", typ)
	}
	s.mutex.Lock()
	s.sent++
	s.mutex.Unlock()
	return nil
}

// Touch records a local change to key now, so older updates from other tabs count as conflicts.
func (s *Sync) Touch(key string) {
	now := s.stamp()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastApplied[key] = now
}

// LastApplied returns when key was last changed locally or by another tab.
func (s *Sync) LastApplied(key string) (time.Time, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	t, ok := s.lastApplied[key]
	return t, ok
}

// InvalidateAcrossTabs drops every key under prefix here and in the other tabs.
func (s *Sync) InvalidateAcrossTabs(ctx context.Context, prefix string) error {
	s.invalidate(prefix)
	return s.Broadcast(ctx, TypeInvalidate, InvalidatePayload{Key: prefix})
}

// UpdateAcrossTabs writes value into the local cache and sends it to the other tabs.
func (s *Sync) UpdateAcrossTabs(ctx context.Context, key string, value any) error {
	s.store.Set(key, value, s.cfg.ttl)
	return s.PublishUpdate(ctx, key, value)
}

// PublishUpdate sends value for key to the other tabs without touching the
// local cache, for values that are already in it.
func (s *Sync) PublishUpdate(ctx context.Context, key string, value any) error {
	now := s.stamp()
	s.mutex.Lock()
	s.lastApplied[key] = now
	s.mutex.Unlock()
	return s.send(ctx, TypeDataUpdate, UpdatePayload{Key: key, Value: value}, now)
}

func (s *Sync) invalidate(prefix string) []string {
	removed := s.store.DeletePrefix(prefix)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for key := range s.lastApplied {
		if strings.HasPrefix(key, prefix) {
			delete(s.lastApplied, key)
		}
	}
	return removed
}

func (s *Sync) handle(ctx context.Context, msg Message) {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	if msg.Source == s.cfg.source {
		s.echoes++
		s.mutex.Unlock()
		return
	}
	s.received++
	s.mutex.Unlock()

	switch msg.Type {
	case TypeInvalidate:
		var p InvalidatePayload
		if err := msg.DecodePayload(&p); err != nil {
			s.logger.Error("dropping message from %s: %s", msg.Source, err)
			return
		}
		removed := s.invalidate(p.Key)
		s.logger.Debug("invalidated %s from %s: %d keys", p.Key, msg.Source, len(removed))
	case TypeDataUpdate:
		var p UpdatePayload
		if err := msg.DecodePayload(&p); err != nil {
			s.logger.Error("dropping message from %s: %s", msg.Source, err)
			return
		}
		s.apply(ctx, msg, p)
	case TypeConflictNotice:
		var p ConflictPayload
		if err := msg.DecodePayload(&p); err != nil {
			s.logger.Error("dropping message from %s: %s", msg.Source, err)
			return
		}
		s.logger.Debug("%s resolved a conflict on %s with %s", msg.Source, p.Key, p.Strategy)
	default:
		s.logger.Debug("ignoring message of type %s from %s", msg.Type, msg.Source)
	}
}

// apply takes an update from another tab. Updates newer than anything seen
// for the key win. Others are conflicts and go through the strategy.
func (s *Sync) apply(ctx context.Context, msg Message, p UpdatePayload) {
	incoming := msg.Time()

	s.mutex.Lock()
	last, seen := s.lastApplied[p.Key]
	if !seen || incoming.After(last) {
		s.store.Set(p.Key, p.Value, s.cfg.ttl)
		s.lastApplied[p.Key] = incoming
		s.mutex.Unlock()
		s.logger.Trace("applied %s from %s", p.Key, msg.Source)
		return
	}

	strategy := s.cfg.strategy
	switch strategy {
	case ServerWins:
		s.store.Set(p.Key, p.Value, s.cfg.ttl)
		s.lastApplied[p.Key] = incoming
	case MergeWins:
		merged := p.Value
		if local, ok := s.store.Lookup(p.Key); ok {
			merged = Merge(local.Value, p.Value)
		}
		s.store.Set(p.Key, merged, s.cfg.ttl)
	default:
		strategy = ClientWins
	}
	s.conflicts[strategy]++
	conflict := Conflict{Key: p.Key, Strategy: strategy, Source: msg.Source, Incoming: incoming, Local: last}
	hooks := slices.Clone(s.onConflict)
	s.mutex.Unlock()

	s.logger.Debug("conflict on %s: update from %s at %d is not newer than %d, resolved with %s",
		p.Key, msg.Source, incoming.UnixMilli(), last.UnixMilli(), strategy)
	for _, fn := range hooks {
		fn(conflict)
	}
	notice := ConflictPayload{
		Key:               p.Key,
		Strategy:          strategy,
		IncomingSource:    msg.Source,
		IncomingTimestamp: incoming.UnixMilli(),
		LocalTimestamp:    last.UnixMilli(),
	}
	if err := s.Broadcast(ctx, TypeConflictNotice, notice); err != nil {
		s.logger.Debug("conflict notice for %s not sent: %s", p.Key, err)
	}
}

func (s *Sync) sweep() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep invalidates every tracked key whose last change is older than the
// resync interval and returns those keys. It backs up missed broadcasts.
func (s *Sync) Sweep() []string {
	now := s.cfg.now()
	s.mutex.Lock()
	var stale []string
	for key, at := range s.lastApplied {
		if now.Sub(at) > s.cfg.resyncInterval {
			stale = append(stale, key)
			delete(s.lastApplied, key)
		}
	}
	hooks := slices.Clone(s.onStale)
	s.mutex.Unlock()

	slices.Sort(stale)
	for _, key := range stale {
		s.store.Delete(key)
		for _, fn := range hooks {
			fn(key)
		}
	}
	if len(stale) > 0 {
		s.logger.Debug("staleness sweep invalidated %d keys", len(stale))
	}
	return stale
}

// Conflicts returns the number of conflicts resolved per strategy.
func (s *Sync) Conflicts() map[Strategy]uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return maps.Clone(s.conflicts)
}

func (s *Sync) Stats() Stats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return Stats{
		Sent:      s.sent,
		Received:  s.received,
		Echoes:    s.echoes,
		Conflicts: maps.Clone(s.conflicts),
		Tracked:   len(s.lastApplied),
	}
}

// Reset forgets every recorded change time, as on logout.
func (s *Sync) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	clear(s.lastApplied)
}

// Close unsubscribes from the transport and stops the sweep.
func (s *Sync) Close() error {
	s.once.Do(func() {
		s.mutex.Lock()
		s.closed = true
		s.mutex.Unlock()
		s.unsubscribe()
		s.cancel()
		s.waitGroup.Wait()
	})
	return nil
}
