package query

import (
	"sort"
	"strings"
)

// Context is what the caller is currently looking at.
type Context struct {
	Route string
	Role  string
}

// Prediction is a key that is likely to be needed soon.
type Prediction struct {
	Key      string
	Priority Priority
}

var routePredictions = map[string][]Prediction{
	"/": {
		{"dashboard", PriorityHigh},
		{"shifts", PriorityMedium},
	},
	"/dashboard": {
		{"dashboard", PriorityHigh},
		{"shifts", PriorityHigh},
		{"calendar", PriorityMedium},
		{"vehicles", PriorityLow},
	},
	"/shifts": {
		{"shifts", PriorityHigh},
		{"calendar", PriorityMedium},
		{"reports", PriorityLow},
	},
	"/calendar": {
		{"calendar", PriorityHigh},
		{"shifts", PriorityMedium},
	},
	"/reports": {
		{"reports", PriorityHigh},
		{"reports:monthly", PriorityMedium},
		{"shifts", PriorityLow},
	},
	"/tax": {
		{"tax", PriorityHigh},
		{"reports:monthly", PriorityMedium},
	},
	"/vocabulary": {
		{"vocabulary", PriorityHigh},
		{"vocabulary:progress", PriorityMedium},
	},
	"/rides": {
		{"rides", PriorityHigh},
		{"vehicles", PriorityMedium},
	},
}

var rolePredictions = map[string][]Prediction{
	"dhl": {
		{"dhl:tours", PriorityMedium},
		{"vehicles", PriorityMedium},
	},
	"admin": {
		{"users", PriorityLow},
		{"reports", PriorityLow},
	},
}

// routeSection reduces a route to its first path segment, "/shifts/42?x=1" becomes "/shifts".
func routeSection(route string) string {
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	route = strings.Trim(route, "/")
	if route == "" {
		return "/"
	}
	if i := strings.IndexByte(route, '/'); i >= 0 {
		route = route[:i]
	}
	return "/" + route
}

// Predict maps a context to the keys it will probably need. It is a fixed
// lookup table: the result depends only on c, and a key proposed by both the
// route and the role keeps its highest priority. Results are ordered by
// priority then key.
func Predict(c Context) []Prediction {
	best := make(map[string]Priority)
	add := func(list []Prediction) {
		for _, p := range list {
			if cur, ok := best[p.Key]; !ok || p.Priority > cur {
				best[p.Key] = p.Priority
			}
		}
	}
	add(routePredictions[routeSection(c.Route)])
	add(rolePredictions[strings.ToLower(c.Role)])

	res := make([]Prediction, 0, len(best))
	for k, p := range best {
		res = append(res, Prediction{Key: k, Priority: p})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Priority != res[j].Priority {
			return res[i].Priority > res[j].Priority
		}
		return res[i].Key < res[j].Key
	})
	return res
}
