package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTable(t *testing.T) {
	out := renderTable([]column{
		{header: "ID"},
		{header: "ATTEMPTS", right: true},
	}, [][]string{
		{"m1", "3"},
		{"m2"},
	})

	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "ATTEMPTS")
	assert.Contains(t, out, "m1")
	assert.Contains(t, out, "m2")
	// header, two rows and three border lines
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 6)
}

func TestRenderTable_NoColumns(t *testing.T) {
	assert.Empty(t, renderTable(nil, [][]string{{"x"}}))
}
