package client

import (
	"errors"

	"github.com/cory-johannsen/netforge/internal/protocol"
)

// Sink receives game events decoded by a client. Methods run on the client's
// receive goroutine, in arrival order.
type Sink interface {
	OnEnterMap(mapID int32)
	OnUpdateEntities(positions map[protocol.PlayerID]protocol.Vec2)
	OnRemoveEntities(ids []protocol.PlayerID)
}

// BindSink registers handlers on d that forward game packets to sink.
//
// Precondition: None of the game packet ids is registered on d yet.
func BindSink(d *protocol.Dispatcher[struct{}], sink Sink) error {
	return errors.Join(
		protocol.Register(d, protocol.S2CEnterMap, func(p *protocol.EnterMap, _ struct{}) {
			sink.OnEnterMap(p.MapID)
		}),
		protocol.Register(d, protocol.S2CUpdateEntities, func(p *protocol.UpdateEntities, _ struct{}) {
			sink.OnUpdateEntities(p.Positions())
		}),
		protocol.Register(d, protocol.S2CRemoveEntities, func(p *protocol.RemoveEntities, _ struct{}) {
			sink.OnRemoveEntities(p.Players)
		}),
	)
}
