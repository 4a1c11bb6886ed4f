package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderWithoutColor(t *testing.T) {
	DisableColor()
	assert.Equal(t, "ok", RenderPass("ok"))
	assert.Equal(t, "boom", RenderFail("boom"))
}

func TestTable(t *testing.T) {
	DisableColor()
	out := Table([]string{"ID", "AMOUNT"}, [][]string{
		{"1", "100"},
		{"long-id", "5"},
	})
	assert.Equal(t, "ID       AMOUNT\n1        100\nlong-id  5\n", out)
}

func TestKeyValue(t *testing.T) {
	DisableColor()
	out := KeyValue([][2]string{{"state", "idle"}, {"pending", "3"}})
	assert.Equal(t, "state:   idle\npending: 3\n", out)
}
