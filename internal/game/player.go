package game

import "github.com/cory-johannsen/netforge/internal/protocol"

// Player is one joined player. Players are owned by the Service goroutine;
// callers only ever see copies.
type Player struct {
	ID       protocol.PlayerID
	Position protocol.Vec2
}

func (p *Player) entity() protocol.Entity {
	return protocol.Entity{Position: p.Position, Kind: protocol.KindPlayer}
}
