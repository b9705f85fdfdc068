// Package world loads map definitions: the map id announced to joining
// players and the area players spawn in.
package world

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bounds is a half-open rectangle [MinX, MaxX) x [MinY, MaxY).
type Bounds struct {
	MinX int
	MinY int
	MaxX int
	MaxY int
}

// SquareBounds returns the bounds [lo, hi) on both axes.
func SquareBounds(lo, hi int) Bounds {
	return Bounds{MinX: lo, MinY: lo, MaxX: hi, MaxY: hi}
}

// Validate reports an error if either axis is empty.
func (b Bounds) Validate() error {
	if b.MaxX <= b.MinX {
		return fmt.Errorf("max_x (%d) must be greater than min_x (%d)", b.MaxX, b.MinX)
	}
	if b.MaxY <= b.MinY {
		return fmt.Errorf("max_y (%d) must be greater than min_y (%d)", b.MaxY, b.MinY)
	}
	return nil
}

// Contains reports whether (x, y) lies inside b.
func (b Bounds) Contains(x, y float32) bool {
	return x >= float32(b.MinX) && x < float32(b.MaxX) &&
		y >= float32(b.MinY) && y < float32(b.MaxY)
}

// Map is a loaded map definition.
type Map struct {
	ID    int32
	Name  string
	Spawn Bounds
}

// Validate checks map invariants.
//
// Postcondition: Returns nil if valid, or an error describing every violation.
func (m *Map) Validate() error {
	var errs []error
	if m.ID <= 0 {
		errs = append(errs, fmt.Errorf("map id must be positive, got %d", m.ID))
	}
	if m.Name == "" {
		errs = append(errs, fmt.Errorf("map %d: name must not be empty", m.ID))
	}
	if err := m.Spawn.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("map %d: spawn: %w", m.ID, err))
	}
	return errors.Join(errs...)
}

// yamlMapFile is the top-level YAML structure for map files.
type yamlMapFile struct {
	Map yamlMap `yaml:"map"`
}

type yamlMap struct {
	ID    int32     `yaml:"id"`
	Name  string    `yaml:"name"`
	Spawn yamlSpawn `yaml:"spawn"`
}

type yamlSpawn struct {
	MinX int `yaml:"min_x"`
	MinY int `yaml:"min_y"`
	MaxX int `yaml:"max_x"`
	MaxY int `yaml:"max_y"`
}

// LoadMap reads and validates a single map YAML file.
//
// Precondition: path must point to a YAML map file.
// Postcondition: Returns a validated Map or a non-nil error.
func LoadMap(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading map file %s: %w", path, err)
	}
	m, err := LoadMapFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("loading map file %s: %w", path, err)
	}
	return m, nil
}

// LoadMapFromBytes parses and validates a map from YAML bytes.
func LoadMapFromBytes(data []byte) (*Map, error) {
	var file yamlMapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing map YAML: %w", err)
	}

	m := &Map{
		ID:   file.Map.ID,
		Name: file.Map.Name,
		Spawn: Bounds{
			MinX: file.Map.Spawn.MinX,
			MinY: file.Map.Spawn.MinY,
			MaxX: file.Map.Spawn.MaxX,
			MaxY: file.Map.Spawn.MaxY,
		},
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validating map: %w", err)
	}
	return m, nil
}
