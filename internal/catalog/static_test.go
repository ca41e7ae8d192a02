package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStatic(t *testing.T) {
	items, err := DefaultStatic().Items(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "FBC-50-SM", items[0].Code)
	assert.Equal(t, []string{"Fiber Cable 50 Core", "SM Fiber 50C"}, items[0].Aliases)
	assert.Equal(t, "each", items[2].UOM)
}

func TestStaticItemsReturnsCopy(t *testing.T) {
	c := DefaultStatic()
	items, _ := c.Items(context.Background())
	items[0].Code = "changed"
	again, _ := c.Items(context.Background())
	assert.Equal(t, "FBC-50-SM", again[0].Code)
}

func TestLoadStaticFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `items:
  - id: p-7m
    code: POLE-7M
    description: Wooden pole 7m
    uom: each
    keywords: [pole, wooden]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := LoadStatic(path)
	require.NoError(t, err)
	items, _ := c.Items(context.Background())
	require.Len(t, items, 1)
	assert.Equal(t, "POLE-7M", items[0].Code)

	def, err := LoadStatic("")
	require.NoError(t, err)
	all, _ := def.Items(context.Background())
	assert.Len(t, all, 3)

	_, err = LoadStatic(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestReadStaticRejectsBadSeeds(t *testing.T) {
	tests := map[string]struct {
		doc  string
		want string
	}{
		"unknown field":       {"items:\n  - id: a\n    code: A\n    description: x\n    colour: red\n", "colour"},
		"duplicate code":      {"items:\n  - {id: a, code: A, description: x}\n  - {id: b, code: a, description: y}\n", "duplicate code"},
		"duplicate id":        {"items:\n  - {id: a, code: A, description: x}\n  - {id: a, code: B, description: y}\n", "duplicate id"},
		"missing description": {"items:\n  - {id: a, code: A}\n", "description is required"},
		"empty":               {"items: []\n", "no items"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadStatic(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
