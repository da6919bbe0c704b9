// Package cache provides the in-process query-result store used by the
// freshness engine.
//
// # Entries
//
// Every entry records its value, the time it was written, its TTL and an
// approximate size in bytes. An entry is expired once now - WrittenAt > TTL.
// Expired entries are never returned: [Store.Get] and [Store.Lookup] delete
// them lazily and report them as absent.
//
// # Size Accounting
//
// Sizes are estimated by a [Sizer]; the default, [MsgpackSizer], uses the
// length of the msgpack encoding ([github.com/vmihailenco/msgpack/v5]).
// Strings and byte slices are measured directly. Estimation can never fail a
// write: errors and panics are logged and the entry is accounted as 0 bytes.
// The running total always equals the sum of the sizes of the stored entries
// and is decremented exactly once when an entry leaves the store, whether by
// expiry, eviction, deletion or [Store.Clear].
//
// # Eviction
//
// [Store.Evict] does nothing while the store is within budget. Otherwise it
// first drops every expired entry and, if the store is still over budget,
// the oldest 30% of the remaining entries by write time (rounded up). The
// policy favours recency over frequency, which suits short-lived UI queries.
// Eviction runs on a background ticker (default every 30 minutes) and, by
// default, synchronously after a [Store.Set] that pushes the store over
// budget.
//
// # Lifecycle
//
// Create a store with [NewStore], call [Store.Clear] on logout and
// [Store.Close] on teardown. The store is passed by reference to the
// scheduler, the mutation manager and the cross-tab sync; they all read and
// write through its public methods.
//
// Internal readers use [Store.Lookup], which does not move the hit and miss
// counters, so [Store.Stats] reflects consumer traffic only:
//
//	store := cache.NewStore(ctx, cache.WithMaxBytes(8<<20))
//	defer store.Close()
//	store.Set("shifts:week:42", shifts, time.Minute)
//	if v, ok := cache.Get[[]Shift](store, "shifts:week:42"); ok {
//	    render(v)
//	}
//
// [NewCollector] exports the counters to Prometheus.
package cache
