package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Packet is one of the variants in the packet catalog. The set is closed:
// payload (de)serialization is implemented in this package only.
type Packet interface {
	// ID returns the variant's wire identifier.
	ID() PacketID

	appendPayload(b []byte) []byte
	unmarshalPayload(b []byte) error
}

// Vec2 is a 2D position.
type Vec2 [2]float32

// Entity is one roster entry as seen by clients.
type Entity struct {
	Position Vec2
	Kind     string
}

// KindPlayer is the entity kind of connected players.
const KindPlayer = "player"

// Test carries a free-form message; used for diagnostics.
type Test struct {
	Message string
}

func (*Test) ID() PacketID { return TestPacket }

func (p *Test) appendPayload(b []byte) []byte {
	return appendStringField(b, 1, p.Message)
}

func (p *Test) unmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 1 {
			s, n, err := consumeString(typ, v)
			p.Message = s
			return n, err
		}
		return 0, nil
	})
}

// Disconnect tells a client the server is about to close its connection.
type Disconnect struct {
	Reason string
}

func (*Disconnect) ID() PacketID { return S2CDisconnect }

func (p *Disconnect) appendPayload(b []byte) []byte {
	return appendStringField(b, 1, p.Reason)
}

func (p *Disconnect) unmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 1 {
			s, n, err := consumeString(typ, v)
			p.Reason = s
			return n, err
		}
		return 0, nil
	})
}

// RequestLogin asks a client to identify itself. The server sends it first on
// every connection; clients may send C2SLoginResponse before reading it.
type RequestLogin struct{}

func (*RequestLogin) ID() PacketID { return S2CRequestLogin }

func (*RequestLogin) appendPayload(b []byte) []byte { return b }

func (*RequestLogin) unmarshalPayload(b []byte) error {
	return walkFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

// LoginSuccess acknowledges the handshake and tells the client its PlayerID.
type LoginSuccess struct {
	PlayerID PlayerID
}

func (*LoginSuccess) ID() PacketID { return S2CLoginSuccess }

func (p *LoginSuccess) appendPayload(b []byte) []byte {
	return appendPlayerIDField(b, 1, p.PlayerID)
}

func (p *LoginSuccess) unmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 1 {
			id, n, err := consumePlayerID(typ, v)
			p.PlayerID = id
			return n, err
		}
		return 0, nil
	})
}

// LoginResponse is the client handshake: the first packet on every connection.
type LoginResponse struct {
	Username string
}

func (*LoginResponse) ID() PacketID { return C2SLoginResponse }

func (p *LoginResponse) appendPayload(b []byte) []byte {
	return appendStringField(b, 1, p.Username)
}

func (p *LoginResponse) unmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 1 {
			s, n, err := consumeString(typ, v)
			p.Username = s
			return n, err
		}
		return 0, nil
	})
}

// EnterMap tells a freshly joined player which map to load.
type EnterMap struct {
	MapID int32
}

func (*EnterMap) ID() PacketID { return S2CEnterMap }

func (p *EnterMap) appendPayload(b []byte) []byte {
	if p.MapID == 0 {
		return b
	}
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(p.MapID)))
}

func (p *EnterMap) unmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 1 {
			x, n, err := consumeVarint(typ, v)
			p.MapID = int32(int64(x))
			return n, err
		}
		return 0, nil
	})
}

// UpdateEntities carries the full roster: every joined player's position and kind.
type UpdateEntities struct {
	Entities map[PlayerID]Entity
}

// NewUpdateEntities returns an UpdateEntities with an empty roster.
func NewUpdateEntities() *UpdateEntities {
	return &UpdateEntities{Entities: make(map[PlayerID]Entity)}
}

func (*UpdateEntities) ID() PacketID { return S2CUpdateEntities }

// Positions returns the roster reduced to player positions.
func (p *UpdateEntities) Positions() map[PlayerID]Vec2 {
	out := make(map[PlayerID]Vec2, len(p.Entities))
	for id, e := range p.Entities {
		out[id] = e.Position
	}
	return out
}

func (p *UpdateEntities) appendPayload(b []byte) []byte {
	for id, e := range p.Entities {
		var entry []byte
		entry = appendPlayerIDField(entry, 1, id)
		entry = appendFloatField(entry, 2, e.Position[0])
		entry = appendFloatField(entry, 3, e.Position[1])
		entry = appendStringField(entry, 4, e.Kind)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func (p *UpdateEntities) unmarshalPayload(b []byte) error {
	p.Entities = make(map[PlayerID]Entity)
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		raw, n, err := consumeBytes(typ, v)
		if err != nil {
			return n, err
		}
		var id PlayerID
		var e Entity
		err = walkFields(raw, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
			switch num {
			case 1:
				x, n, err := consumePlayerID(typ, v)
				id = x
				return n, err
			case 2:
				f, n, err := consumeFloat(typ, v)
				e.Position[0] = f
				return n, err
			case 3:
				f, n, err := consumeFloat(typ, v)
				e.Position[1] = f
				return n, err
			case 4:
				s, n, err := consumeString(typ, v)
				e.Kind = s
				return n, err
			}
			return 0, nil
		})
		if err != nil {
			return n, err
		}
		p.Entities[id] = e
		return n, nil
	})
}

// RemoveEntities tells clients that players have left the roster.
type RemoveEntities struct {
	Players []PlayerID
}

func (*RemoveEntities) ID() PacketID { return S2CRemoveEntities }

func (p *RemoveEntities) appendPayload(b []byte) []byte {
	for _, id := range p.Players {
		b = appendPlayerIDField(b, 1, id)
	}
	return b
}

func (p *RemoveEntities) unmarshalPayload(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 1 {
			id, n, err := consumePlayerID(typ, v)
			if err == nil {
				p.Players = append(p.Players, id)
			}
			return n, err
		}
		return 0, nil
	})
}

// newPacket returns an empty value of the variant registered for id.
func newPacket(id PacketID) (Packet, bool) {
	switch id {
	case TestPacket:
		return &Test{}, true
	case S2CDisconnect:
		return &Disconnect{}, true
	case S2CRequestLogin:
		return &RequestLogin{}, true
	case S2CLoginSuccess:
		return &LoginSuccess{}, true
	case C2SLoginResponse:
		return &LoginResponse{}, true
	case S2CEnterMap:
		return &EnterMap{}, true
	case S2CUpdateEntities:
		return NewUpdateEntities(), true
	case S2CRemoveEntities:
		return &RemoveEntities{}, true
	}
	return nil, false
}
