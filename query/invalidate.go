package query

import "slices"

// invalidationPrefixes lists the cache key prefixes that go stale when an entity changes.
var invalidationPrefixes = map[string][]string{
	"shifts":     {"shifts", "calendar", "dashboard", "reports"},
	"calendar":   {"calendar", "dashboard"},
	"vehicles":   {"vehicles", "rides", "dashboard"},
	"rides":      {"rides", "dashboard"},
	"tax":        {"tax", "reports"},
	"vocabulary": {"vocabulary"},
	"users":      {"users"},
}

// relatedRefetch lists keys worth fetching again after an entity is created or updated.
var relatedRefetch = map[string][]string{
	"shifts":   {"vehicles", "reports:monthly"},
	"rides":    {"vehicles"},
	"tax":      {"reports:monthly"},
	"calendar": {"shifts"},
}

// Prefixes returns the key prefixes invalidated by a change to entity. An
// entity missing from the table only invalidates its own prefix.
func Prefixes(entity string) []string {
	if p, ok := invalidationPrefixes[entity]; ok {
		return slices.Clone(p)
	}
	return []string{entity}
}

// Related returns the keys to refetch after action on entity.
func Related(entity string, action Action) []string {
	if !action.refetches() {
		return nil
	}
	return slices.Clone(relatedRefetch[entity])
}
