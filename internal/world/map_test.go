package world

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const arenaYAML = `
map:
  id: 1
  name: Arena
  spawn:
    min_x: 0
    min_y: 10
    max_x: 200
    max_y: 150
`

func TestLoadMapFromBytes(t *testing.T) {
	m, err := LoadMapFromBytes([]byte(arenaYAML))
	require.NoError(t, err)
	assert.Equal(t, int32(1), m.ID)
	assert.Equal(t, "Arena", m.Name)
	assert.Equal(t, Bounds{MinX: 0, MinY: 10, MaxX: 200, MaxY: 150}, m.Spawn)
}

func TestLoadMapFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.yaml")
	require.NoError(t, os.WriteFile(path, []byte(arenaYAML), 0644))

	m, err := LoadMap(path)
	require.NoError(t, err)
	assert.Equal(t, "Arena", m.Name)
}

func TestLoadMapMissingFile(t *testing.T) {
	_, err := LoadMap("/nonexistent/map.yaml")
	assert.Error(t, err)
}

func TestLoadMapInvalidYAML(t *testing.T) {
	_, err := LoadMapFromBytes([]byte("map: [unclosed"))
	assert.Error(t, err)
}

func TestLoadMapValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"zero id", "map: {id: 0, name: A, spawn: {max_x: 1, max_y: 1}}", "id must be positive"},
		{"empty name", "map: {id: 2, spawn: {max_x: 1, max_y: 1}}", "name must not be empty"},
		{"empty x", "map: {id: 2, name: A, spawn: {min_x: 5, max_x: 5, max_y: 1}}", "max_x"},
		{"empty y", "map: {id: 2, name: A, spawn: {max_x: 1, min_y: 3, max_y: 2}}", "max_y"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadMapFromBytes([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMapValidateReportsEveryViolation(t *testing.T) {
	m := &Map{}
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id must be positive")
	assert.Contains(t, err.Error(), "name must not be empty")
	assert.Contains(t, err.Error(), "spawn")
}

func TestSquareBounds(t *testing.T) {
	b := SquareBounds(-5, 5)
	assert.Equal(t, Bounds{MinX: -5, MinY: -5, MaxX: 5, MaxY: 5}, b)
	assert.NoError(t, b.Validate())
	assert.Error(t, SquareBounds(3, 3).Validate())
}

func TestPropertyBoundsContainsIsHalfOpen(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lo := rapid.IntRange(-1000, 1000).Draw(t, "lo")
		hi := rapid.IntRange(lo+1, lo+1000).Draw(t, "hi")
		b := SquareBounds(lo, hi)
		if !b.Contains(float32(lo), float32(hi-1)) {
			t.Fatalf("bounds %+v must contain its minimum corner", b)
		}
		if b.Contains(float32(hi), float32(lo)) || b.Contains(float32(lo), float32(hi)) {
			t.Fatalf("bounds %+v must exclude its maximum edge", b)
		}
	})
}
