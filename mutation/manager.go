// Package mutation applies optimistic writes to a cache.Store and settles
// them once the backend answers, rolling back automatically when it does not.
package mutation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/grenzgaenger/freshness/cache"
	"github.com/grenzgaenger/freshness/logger"
)

const (
	// DefaultTimeout is how long an update may stay pending before it is rolled back.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxPending caps the number of simultaneously pending updates.
	DefaultMaxPending = 10

	// DefaultConfirmedRetention is how long a confirmed update stays queryable.
	DefaultConfirmedRetention = 5 * time.Second

	// DefaultFailedRetention is how long a failed update stays queryable.
	DefaultFailedRetention = time.Second
)

// ErrUnknownUpdate is returned for ids that were never applied or were already discarded.
var ErrUnknownUpdate = errors.New("unknown optimistic update")

// Status of an optimistic update.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Reason explains why an update was rolled back.
type Reason string

const (
	ReasonTimeout Reason = "timeout"
	ReasonError   Reason = "error"
	ReasonManual  Reason = "manual"
)

// Updater computes the optimistic value from the current cached value, nil when absent.
type Updater func(current any) any

// Update is a snapshot of one optimistic update.
type Update struct {
	ID              string
	Key             string
	OptimisticValue any
	RollbackValue   any
	ConfirmedValue  any
	HadValue        bool
	AppliedAt       time.Time
	SettledAt       time.Time
	Status          Status
	Reason          Reason
}

type record struct {
	Update
	seq             uint64
	rollbackTTL     time.Duration
	rollbackWritten time.Time
	timer           *time.Timer
}

type config struct {
	timeout            time.Duration
	maxPending         int
	confirmedRetention time.Duration
	failedRetention    time.Duration
	ttl                time.Duration
	logger             logger.Logger
}

// Option configures a Manager.
type Option func(*config)

func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

func WithMaxPending(n int) Option {
	return func(c *config) { c.maxPending = n }
}

// WithRetention sets how long settled updates stay available through Get.
func WithRetention(confirmed, failed time.Duration) Option {
	return func(c *config) {
		c.confirmedRetention = confirmed
		c.failedRetention = failed
	}
}

// WithTTL sets the cache TTL for optimistic and confirmed values. Zero keeps
// the TTL of the entry being replaced, or the store default for new keys.
func WithTTL(d time.Duration) Option {
	return func(c *config) { c.ttl = d }
}

func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Manager tracks optimistic updates against a cache store.
type Manager struct {
	store    *cache.Store
	cfg      config
	logger   logger.Logger
	updates  map[string]*record
	pending  int
	seq      uint64
	// per key: pending updates and the sequence number of the newest confirmed one
	pendingKeys map[string]int
	confirmed   map[string]uint64
	onApply  []func(Update)
	onSettle []func(Update)
	mutex    sync.Mutex
}

func New(store *cache.Store, opts ...Option) *Manager {
	cfg := config{
		timeout:            DefaultTimeout,
		maxPending:         DefaultMaxPending,
		confirmedRetention: DefaultConfirmedRetention,
		failedRetention:    DefaultFailedRetention,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timeout <= 0 {
		cfg.timeout = DefaultTimeout
	}
	if cfg.maxPending <= 0 {
		cfg.maxPending = DefaultMaxPending
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	return &Manager{
		store:   store,
		cfg:     cfg,
		logger:  cfg.logger.WithPrefix("[mutation]"),
		updates:     make(map[string]*record),
		pendingKeys: make(map[string]int),
		confirmed:   make(map[string]uint64),
	}
}

// OnApply registers fn to run after an optimistic value is written.
func (m *Manager) OnApply(fn func(Update)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onApply = append(m.onApply, fn)
}

// OnSettle registers fn to run after an update is confirmed or rolled back.
func (m *Manager) OnSettle(fn func(Update)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onSettle = append(m.onSettle, fn)
}

// Apply writes updater(current) into the cache under key and returns the
// update id. The update rolls back on its own unless settled within the
// timeout. When the pending ceiling is reached, or updater is nil, a warning
// is logged and the returned id refers to nothing; the cache is left alone.
//
// updater runs with the manager locked and must not call back into it.
func (m *Manager) Apply(key string, updater Updater) string {
	id := uuid.NewString()
	if updater == nil {
		m.logger.Warn("nil updater, not applying %s to %s", id, key)
		return id
	}
	snapshot, hooks, ok := m.apply(id, key, updater)
	if !ok {
		m.logger.Warn("%d optimistic updates pending, not applying %s to %s", m.cfg.maxPending, id, key)
		return id
	}
	m.logger.Debug("applied %s to %s", id, key)
	for _, fn := range hooks {
		fn(snapshot)
	}
	return id
}

func (m *Manager) apply(id, key string, updater Updater) (Update, []func(Update), bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.pending >= m.cfg.maxPending {
		return Update{}, nil, false
	}
	entry, had := m.store.Lookup(key)
	var current any
	if had {
		current = entry.Value
	}
	optimistic := updater(current)
	ttl := m.cfg.ttl
	if ttl <= 0 && had {
		ttl = entry.TTL
	}
	m.store.Set(key, optimistic, ttl)

	now := time.Now()
	m.seq++
	rec := &record{
		seq: m.seq,
		Update: Update{
			ID:              id,
			Key:             key,
			OptimisticValue: optimistic,
			RollbackValue:   current,
			HadValue:        had,
			AppliedAt:       now,
			Status:          StatusPending,
		},
		rollbackTTL:     entry.TTL,
		rollbackWritten: entry.WrittenAt,
	}
	rec.timer = time.AfterFunc(m.cfg.timeout, func() {
		m.Rollback(id, ReasonTimeout)
	})
	m.updates[id] = rec
	m.pending++
	m.pendingKeys[key]++
	return rec.Update, slices.Clone(m.onApply), true
}

// Confirm marks the update as confirmed and keeps the optimistic value.
func (m *Manager) Confirm(id string) error {
	return m.confirm(id, nil, false)
}

// ConfirmWith marks the update as confirmed and replaces the cached value
// with the value returned by the server.
func (m *Manager) ConfirmWith(id string, value any) error {
	return m.confirm(id, value, true)
}

func (m *Manager) confirm(id string, value any, replace bool) error {
	m.mutex.Lock()
	rec, ok := m.updates[id]
	if !ok {
		m.mutex.Unlock()
		return errors.Wrapf(ErrUnknownUpdate, "confirm %s", id)
	}
	if rec.Status != StatusPending {
		m.mutex.Unlock()
		m.logger.Debug("confirm %s ignored, already %s", id, rec.Status)
		return nil
	}
	rec.timer.Stop()
	if replace {
		ttl := m.cfg.ttl
		entry, ok := m.store.Lookup(rec.Key)
		if ok && ttl <= 0 {
			ttl = entry.TTL
		}
		if next := m.nextPendingLocked(rec); next != nil {
			// the cache shows next; the server value becomes what next falls back to
			next.RollbackValue = value
			next.HadValue = true
			next.rollbackTTL = ttl
			next.rollbackWritten = time.Now()
		} else {
			m.store.Set(rec.Key, value, ttl)
		}
		rec.ConfirmedValue = value
	} else {
		rec.ConfirmedValue = rec.OptimisticValue
	}
	rec.Status = StatusConfirmed
	rec.SettledAt = time.Now()
	m.confirmed[rec.Key] = max(m.confirmed[rec.Key], rec.seq)
	m.settledLocked(rec)
	m.retainLocked(id, rec, m.cfg.confirmedRetention)
	snapshot := rec.Update
	hooks := slices.Clone(m.onSettle)
	m.mutex.Unlock()

	m.logger.Debug("confirmed %s on %s", id, rec.Key)
	for _, fn := range hooks {
		fn(snapshot)
	}
	return nil
}

// Rollback restores the value the key held before the update was applied,
// deleting the key if it held nothing. With several updates stacked on one
// key the cache keeps showing the newest pending one, which then falls back
// to what this update would have restored. Rolling back an update that is no
// longer pending does nothing.
func (m *Manager) Rollback(id string, reason Reason) error {
	m.mutex.Lock()
	rec, ok := m.updates[id]
	if !ok {
		m.mutex.Unlock()
		return errors.Wrapf(ErrUnknownUpdate, "rollback %s", id)
	}
	if rec.Status != StatusPending {
		m.mutex.Unlock()
		return nil
	}
	rec.timer.Stop()
	m.restoreLocked(rec)
	rec.Status = StatusFailed
	rec.Reason = reason
	rec.SettledAt = time.Now()
	m.settledLocked(rec)
	m.retainLocked(id, rec, m.cfg.failedRetention)
	snapshot := rec.Update
	hooks := slices.Clone(m.onSettle)
	m.mutex.Unlock()

	if reason == ReasonTimeout {
		m.logger.Warn("rolled back %s on %s: not settled within %v", id, rec.Key, m.cfg.timeout)
	} else {
		m.logger.Info("rolled back %s on %s: %s", id, rec.Key, reason)
	}
	for _, fn := range hooks {
		fn(snapshot)
	}
	return nil
}

func (m *Manager) settledLocked(rec *record) {
	m.pending--
	if m.pendingKeys[rec.Key]--; m.pendingKeys[rec.Key] <= 0 {
		delete(m.pendingKeys, rec.Key)
		delete(m.confirmed, rec.Key)
	}
}

// restoreLocked undoes rec on its key. When a later update on the key is
// still pending the cache holds that update's value, so it inherits what rec
// would have restored instead. A newer confirmed value is never replaced.
func (m *Manager) restoreLocked(rec *record) {
	if m.confirmed[rec.Key] > rec.seq {
		return
	}
	if next := m.nextPendingLocked(rec); next != nil {
		next.RollbackValue = rec.RollbackValue
		next.HadValue = rec.HadValue
		next.rollbackTTL = rec.rollbackTTL
		next.rollbackWritten = rec.rollbackWritten
		return
	}
	if !rec.HadValue {
		m.store.Delete(rec.Key)
		return
	}
	if rec.rollbackTTL <= 0 {
		m.store.Set(rec.Key, rec.RollbackValue, 0)
		return
	}
	remaining := rec.rollbackTTL - time.Since(rec.rollbackWritten)
	if remaining <= 0 {
		m.store.Delete(rec.Key)
		return
	}
	m.store.Set(rec.Key, rec.RollbackValue, remaining)
}

// nextPendingLocked returns the oldest pending update on rec's key applied after rec.
func (m *Manager) nextPendingLocked(rec *record) *record {
	var next *record
	for _, other := range m.updates {
		if other.Key != rec.Key || other.Status != StatusPending || other.seq <= rec.seq {
			continue
		}
		if next == nil || other.seq < next.seq {
			next = other
		}
	}
	return next
}

func (m *Manager) retainLocked(id string, rec *record, d time.Duration) {
	rec.timer = time.AfterFunc(d, func() {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		delete(m.updates, id)
	})
}

// Get returns a snapshot of the update with id while it is pending or retained.
func (m *Manager) Get(id string) (Update, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	rec, ok := m.updates[id]
	if !ok {
		return Update{}, false
	}
	return rec.Update, true
}

// PendingCount returns the number of updates awaiting confirmation.
func (m *Manager) PendingCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.pending
}

// MutateOptions names the cache key a mutation touches and how to guess its result.
type MutateOptions struct {
	Key     string
	Updater Updater
}

// MutationFunc performs the remote write and returns the server's value for
// the key, or nil when the server returns nothing worth caching.
type MutationFunc func(ctx context.Context) (any, error)

// Mutate applies the optimistic update, runs fn and settles the update from
// its outcome. An error from fn triggers a rollback and is returned unchanged.
// A success that arrives after the update was already rolled back, or that
// was never applied because of the pending ceiling, still writes the server
// value when there is one.
func (m *Manager) Mutate(ctx context.Context, fn MutationFunc, opts MutateOptions) (any, error) {
	id := m.Apply(opts.Key, opts.Updater)

	result, err := fn(ctx)
	if err != nil {
		m.Rollback(id, ReasonError)
		return nil, err
	}
	u, ok := m.Get(id)
	switch {
	case ok && u.Status == StatusPending && result != nil:
		m.ConfirmWith(id, result)
	case ok && u.Status == StatusPending:
		m.Confirm(id)
	case result != nil:
		m.store.Set(opts.Key, result, m.cfg.ttl)
	}
	return result, nil
}

// Close stops every timer and forgets all updates. Pending optimistic values stay in the cache.
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for id, rec := range m.updates {
		rec.timer.Stop()
		delete(m.updates, id)
	}
	m.pending = 0
	clear(m.pendingKeys)
	clear(m.confirmed)
	return nil
}
