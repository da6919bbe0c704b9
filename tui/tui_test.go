package tui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTable(t *testing.T) {
	out := Table([]string{"index", "offset"}, [][]string{{"47", "2350"}, {"48", "2400"}})
	assert.Contains(t, out, "index")
	assert.Contains(t, out, "2350")
	assert.Contains(t, out, "2400")
}

func TestPlainOutputWithoutTTY(t *testing.T) {
	old := HasTTY
	HasTTY = false
	defer func() { HasTTY = old }()

	assert.Equal(t, "title", Title("title"))
	assert.Equal(t, "note", Muted("note"))
	var buf bytes.Buffer
	ShowSuccess(&buf, "sent %s", "invalidate")
	ShowError(&buf, "failed")
	assert.Equal(t, " ✓ sent invalidate\n ✕ failed\n", buf.String())
}
