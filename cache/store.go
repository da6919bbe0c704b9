package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grenzgaenger/freshness/logger"
)

// Store is the volatile query-result cache shared by the scheduler, the
// mutation manager and the cross-tab sync. It is safe for concurrent use.
type Store struct {
	ctx        context.Context
	cancel     context.CancelFunc
	entries    map[string]*Entry
	hits       uint64
	misses     uint64
	evictions  uint64
	totalBytes int64
	mutex      sync.Mutex
	waitGroup  sync.WaitGroup
	once       sync.Once
	cfg        config
	logger     logger.Logger
}

// NewStore returns a Store whose background eviction pass runs until parent
// is cancelled or Close is called.
func NewStore(parent context.Context, opts ...Option) *Store {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	s := &Store{
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*Entry),
		cfg:     cfg,
		logger:  cfg.logger.WithPrefix("[cache]"),
	}
	if cfg.cleanupInterval > 0 {
		s.waitGroup.Add(1)
		go s.run()
	}
	return s
}

// MaxBytes returns the configured size budget.
func (s *Store) MaxBytes() int64 {
	return s.cfg.maxBytes
}

// Set inserts or overwrites key. A ttl <= 0 uses the default TTL.
func (s *Store) Set(key string, val any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.cfg.defaultTTL
	}
	size := s.estimate(key, val)
	now := time.Now()

	s.mutex.Lock()
	if old, ok := s.entries[key]; ok {
		s.totalBytes -= old.Size
	}
	s.entries[key] = &Entry{Value: val, WrittenAt: now, TTL: ttl, Size: size}
	s.totalBytes += size
	over := s.cfg.evictOnSet && s.totalBytes > s.cfg.maxBytes
	s.mutex.Unlock()

	if over {
		s.Evict(s.cfg.maxBytes)
	}
}

// Get returns the value for key, counting a hit or a miss. Expired entries
// are removed and reported as absent.
func (s *Store) Get(key string) (any, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.live(key, time.Now())
	if !ok {
		s.misses++
		return nil, false
	}
	s.hits++
	return e.Value, true
}

// Lookup returns a copy of the live entry for key without touching the
// hit/miss counters.
func (s *Store) Lookup(key string) (Entry, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.live(key, time.Now())
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Has reports whether key holds a live entry. Counters are not touched.
func (s *Store) Has(key string) bool {
	_, ok := s.Lookup(key)
	return ok
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.entries[key]
	if ok {
		s.remove(key, e)
	}
	return ok
}

// DeletePrefix removes every key starting with prefix and returns the
// removed keys in sorted order.
func (s *Store) DeletePrefix(prefix string) []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var removed []string
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) {
			s.remove(key, e)
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	return removed
}

// Keys returns the live keys in sorted order.
func (s *Store) Keys() []string {
	now := time.Now()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	keys := make([]string, 0, len(s.entries))
	for key, e := range s.entries {
		if !e.Expired(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored entries, including expired entries not
// yet collected.
func (s *Store) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.entries)
}

// Evict brings the store under maxBytes. Expired entries go first; if that
// is not enough the oldest 30% of the remaining entries by write time are
// removed. It returns the number of entries removed.
func (s *Store) Evict(maxBytes int64) int {
	s.mutex.Lock()
	if s.totalBytes <= maxBytes {
		s.mutex.Unlock()
		return 0
	}
	before := s.totalBytes
	now := time.Now()
	var expired, oldest int
	for key, e := range s.entries {
		if e.Expired(now) {
			s.remove(key, e)
			expired++
		}
	}
	if s.totalBytes > maxBytes && len(s.entries) > 0 {
		keys := make([]string, 0, len(s.entries))
		for key := range s.entries {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			a, b := s.entries[keys[i]], s.entries[keys[j]]
			if a.WrittenAt.Equal(b.WrittenAt) {
				return keys[i] < keys[j]
			}
			return a.WrittenAt.Before(b.WrittenAt)
		})
		oldest = (len(keys)*evictPercent + 99) / 100
		for _, key := range keys[:oldest] {
			s.remove(key, s.entries[key])
		}
	}
	removed := expired + oldest
	s.evictions += uint64(removed)
	after := s.totalBytes
	s.mutex.Unlock()

	s.logger.Debug("evicted %d entries (%d expired, %d oldest), %d -> %d bytes, budget %d", removed, expired, oldest, before, after, maxBytes)
	return removed
}

// Clear empties the store and resets every counter.
func (s *Store) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries = make(map[string]*Entry)
	s.hits = 0
	s.misses = 0
	s.evictions = 0
	s.totalBytes = 0
}

// Stats returns a snapshot of the counters. Rates are 0 before any Get.
func (s *Store) Stats() Stats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	st := Stats{
		Hits:       s.hits,
		Misses:     s.misses,
		TotalBytes: s.totalBytes,
		Entries:    len(s.entries),
		Evictions:  s.evictions,
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
		st.MissRate = float64(s.misses) / float64(total)
	}
	return st
}

// Close stops the background eviction pass. It is safe to call more than once.
func (s *Store) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
	})
	return nil
}

// live must be called with the mutex held.
func (s *Store) live(key string, now time.Time) (*Entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.Expired(now) {
		s.remove(key, e)
		return nil, false
	}
	return e, true
}

// remove must be called with the mutex held.
func (s *Store) remove(key string, e *Entry) {
	delete(s.entries, key)
	s.totalBytes -= e.Size
}

func (s *Store) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Evict(s.cfg.maxBytes)
		}
	}
}
