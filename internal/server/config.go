package server

import (
	"github.com/cory-johannsen/netforge/internal/config"
	"github.com/cory-johannsen/netforge/internal/game"
	"github.com/cory-johannsen/netforge/internal/world"
)

// ConfigFrom builds a server Config from loaded application configuration.
// When cfg.Game.MapFile is set, the map id and spawn bounds come from that
// map definition.
//
// Precondition: cfg.Validate() == nil.
func ConfigFrom(cfg config.Config) (Config, error) {
	opts := game.Options{
		MapID:        cfg.Game.MapID,
		Spawn:        world.SquareBounds(cfg.Game.SpawnMin, cfg.Game.SpawnMax),
		TickInterval: cfg.Game.TickInterval,
		EventBuffer:  cfg.Game.EventBuffer,
	}
	if cfg.Game.MapFile != "" {
		m, err := world.LoadMap(cfg.Game.MapFile)
		if err != nil {
			return Config{}, err
		}
		opts.MapID = m.ID
		opts.Spawn = m.Spawn
	}
	return Config{
		Listener:  cfg.Listener,
		WebSocket: cfg.WebSocket,
		Health:    cfg.Health,
		Game:      opts,
	}, nil
}
