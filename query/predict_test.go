package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredict(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want []Prediction
	}{
		{
			name: "dashboard",
			ctx:  Context{Route: "/dashboard"},
			want: []Prediction{
				{"dashboard", PriorityHigh},
				{"shifts", PriorityHigh},
				{"calendar", PriorityMedium},
				{"vehicles", PriorityLow},
			},
		},
		{
			name: "nested route and query string",
			ctx:  Context{Route: "/shifts/42?view=week"},
			want: []Prediction{
				{"shifts", PriorityHigh},
				{"calendar", PriorityMedium},
				{"reports", PriorityLow},
			},
		},
		{
			name: "role raises priority of shared key",
			ctx:  Context{Route: "/dashboard", Role: "DHL"},
			want: []Prediction{
				{"dashboard", PriorityHigh},
				{"shifts", PriorityHigh},
				{"calendar", PriorityMedium},
				{"dhl:tours", PriorityMedium},
				{"vehicles", PriorityMedium},
			},
		},
		{
			name: "root",
			ctx:  Context{Route: ""},
			want: []Prediction{
				{"dashboard", PriorityHigh},
				{"shifts", PriorityMedium},
			},
		},
		{
			name: "unknown route",
			ctx:  Context{Route: "/settings"},
			want: []Prediction{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Predict(tt.ctx))
			assert.Equal(t, Predict(tt.ctx), Predict(tt.ctx))
		})
	}
}

func TestPredictDoesNotShareTable(t *testing.T) {
	got := Predict(Context{Route: "/tax"})
	require.NotEmpty(t, got)
	got[0].Key = "mutated"
	assert.Equal(t, "tax", Predict(Context{Route: "/tax"})[0].Key)
}

func TestPrefixesAndRelated(t *testing.T) {
	assert.Equal(t, []string{"shifts", "calendar", "dashboard", "reports"}, Prefixes("shifts"))
	assert.Equal(t, []string{"parking"}, Prefixes("parking"))
	assert.Equal(t, []string{"vehicles", "reports:monthly"}, Related("shifts", ActionUpdate))
	assert.Equal(t, []string{"vehicles", "reports:monthly"}, Related("shifts", ActionCreate))
	assert.Empty(t, Related("shifts", ActionDelete))
	assert.Empty(t, Related("parking", ActionUpdate))

	p := Prefixes("shifts")
	p[0] = "x"
	assert.Equal(t, "shifts", Prefixes("shifts")[0])
}

func TestKeyOf(t *testing.T) {
	assert.Equal(t, "shifts", KeyOf("shifts"))

	a := KeyOf("shifts", map[string]any{"month": 5, "year": 2024, "user": "u1"})
	b := KeyOf("shifts", map[string]any{"user": "u1", "year": 2024, "month": 5})
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "shifts:"))

	c := KeyOf("shifts", map[string]any{"month": 6, "year": 2024, "user": "u1"})
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, KeyOf("shifts", 1, 2), KeyOf("shifts", 2, 1))
	assert.Equal(t, KeyOf("shifts", 1)[len("shifts"):], KeyOf("calendar", 1)[len("calendar"):])
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "priority(7)", Priority(7).String())
}
