package crosstab

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Merge combines a local value with an incoming one. Both are first brought
// to their JSON shape. Lists are unioned by item "id": incoming items replace
// local items with the same id, and unmatched items from both sides are
// kept, local order first. Objects are shallow-merged with incoming keys
// winning. Anything else resolves to the incoming value.
func Merge(local, incoming any) any {
	l, r := normalize(local), normalize(incoming)
	switch rv := r.(type) {
	case []any:
		if lv, ok := l.([]any); ok {
			return mergeLists(lv, rv)
		}
	case map[string]any:
		if lv, ok := l.(map[string]any); ok {
			merged := maps.Clone(lv)
			maps.Copy(merged, rv)
			return merged
		}
	}
	return r
}

func mergeLists(local, incoming []any) []any {
	byID := make(map[string]any, len(incoming))
	for _, item := range incoming {
		if id, ok := itemID(item); ok {
			byID[id] = item
		}
	}
	res := make([]any, 0, len(local)+len(incoming))
	used := make(map[string]bool, len(byID))
	for _, item := range local {
		if id, ok := itemID(item); ok {
			if repl, found := byID[id]; found {
				res = append(res, repl)
				used[id] = true
				continue
			}
		}
		res = append(res, item)
	}
	for _, item := range incoming {
		if id, ok := itemID(item); ok && used[id] {
			continue
		}
		res = append(res, item)
	}
	return res
}

func itemID(item any) (string, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := m["id"]
	if !ok || id == nil {
		return "", false
	}
	return fmt.Sprint(id), true
}

// normalize converts v to the generic form JSON decoding produces.
func normalize(v any) any {
	switch v.(type) {
	case nil, bool, float64, string:
		return v
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}
