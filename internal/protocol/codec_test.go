package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"pgregory.net/rapid"
)

func genPlayerID() *rapid.Generator[PlayerID] {
	return rapid.Custom(func(t *rapid.T) PlayerID {
		var id PlayerID
		copy(id[:], rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, "id_bytes"))
		return id
	})
}

func genVec2() *rapid.Generator[Vec2] {
	return rapid.Custom(func(t *rapid.T) Vec2 {
		return Vec2{
			rapid.Float32Range(-1e6, 1e6).Draw(t, "x"),
			rapid.Float32Range(-1e6, 1e6).Draw(t, "y"),
		}
	})
}

func genPacket() *rapid.Generator[Packet] {
	return rapid.OneOf(
		rapid.Custom(func(t *rapid.T) Packet {
			return &Test{Message: rapid.String().Draw(t, "message")}
		}),
		rapid.Custom(func(t *rapid.T) Packet {
			return &Disconnect{Reason: rapid.String().Draw(t, "reason")}
		}),
		rapid.Just[Packet](&RequestLogin{}),
		rapid.Custom(func(t *rapid.T) Packet {
			return &LoginSuccess{PlayerID: genPlayerID().Draw(t, "player")}
		}),
		rapid.Custom(func(t *rapid.T) Packet {
			return &LoginResponse{Username: rapid.StringN(0, 32, -1).Draw(t, "username")}
		}),
		rapid.Custom(func(t *rapid.T) Packet {
			return &EnterMap{MapID: rapid.Int32().Draw(t, "map_id")}
		}),
		rapid.Custom(func(t *rapid.T) Packet {
			p := NewUpdateEntities()
			n := rapid.IntRange(0, 8).Draw(t, "entities")
			for i := 0; i < n; i++ {
				p.Entities[genPlayerID().Draw(t, "player")] = Entity{
					Position: genVec2().Draw(t, "position"),
					Kind:     rapid.SampledFrom([]string{KindPlayer, "npc", ""}).Draw(t, "kind"),
				}
			}
			return p
		}),
		rapid.Custom(func(t *rapid.T) Packet {
			return &RemoveEntities{Players: rapid.SliceOfN(genPlayerID(), 1, 8).Draw(t, "players")}
		}),
	)
}

func TestPropertyCodecRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := genPacket().Draw(t, "packet")
		data, err := Encode(p)
		if err != nil {
			t.Fatalf("encode %T: %v", p, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %T: %v", p, err)
		}
		assert.Equal(t, p, got)
	})
}

func TestPropertyDecodePayloadMatchesDecode(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := genPacket().Draw(t, "packet")
		data, err := Encode(p)
		require.NoError(t, err)
		got, err := DecodePayload(p.ID(), data[IDSize:])
		require.NoError(t, err)
		assert.Equal(t, p, got)
	})
}

func TestEncode_IDPrefix(t *testing.T) {
	data, err := Encode(&EnterMap{MapID: 3})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), IDSize)
	assert.Equal(t, uint16(S2CEnterMap), binary.BigEndian.Uint16(data))
	assert.Equal(t, []byte{0x00, 0x05, 0x08, 0x03}, data)
}

func TestEncode_Nil(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)
}

func TestCatalogIsStable(t *testing.T) {
	assert.Equal(t, PacketID(0), TestPacket)
	assert.Equal(t, PacketID(1), S2CDisconnect)
	assert.Equal(t, PacketID(2), S2CRequestLogin)
	assert.Equal(t, PacketID(3), S2CLoginSuccess)
	assert.Equal(t, PacketID(4), C2SLoginResponse)
	assert.Equal(t, PacketID(5), S2CEnterMap)
	assert.Equal(t, PacketID(6), S2CUpdateEntities)
	assert.Equal(t, PacketID(7), S2CRemoveEntities)

	for id := range packetNames {
		p, ok := newPacket(id)
		require.True(t, ok, "catalog id %s has no variant", id)
		assert.Equal(t, id, p.ID())
	}
}

func TestPacketIDString(t *testing.T) {
	assert.Equal(t, "S2CUpdateEntities", S2CUpdateEntities.String())
	assert.Equal(t, "PacketID(999)", PacketID(999).String())
	assert.False(t, PacketID(999).Known())
}

func TestDecode_UnknownID(t *testing.T) {
	_, err := Decode([]byte{0x03, 0xE7})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecode_Truncated(t *testing.T) {
	_, err := Decode([]byte{0x00})
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecode_MalformedPayload(t *testing.T) {
	data, err := Encode(&LoginResponse{Username: "alice"})
	require.NoError(t, err)

	// Drop the last byte of the string field.
	_, err = Decode(data[:len(data)-1])
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecode_WrongWireType(t *testing.T) {
	b := []byte{0x00, byte(S2CEnterMap)}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, "not a varint")

	_, err := Decode(b)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecode_BadPlayerIDLength(t *testing.T) {
	b := []byte{0x00, byte(S2CLoginSuccess)}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{1, 2, 3})

	_, err := Decode(b)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	data, err := Encode(&Disconnect{Reason: "bye"})
	require.NoError(t, err)
	data = protowire.AppendTag(data, 15, protowire.VarintType)
	data = protowire.AppendVarint(data, 42)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, &Disconnect{Reason: "bye"}, got)
}

func TestUpdateEntities_Positions(t *testing.T) {
	a, b := NewPlayerID(), NewPlayerID()
	p := NewUpdateEntities()
	p.Entities[a] = Entity{Position: Vec2{1, 2}, Kind: KindPlayer}
	p.Entities[b] = Entity{Position: Vec2{3, 4}, Kind: KindPlayer}

	assert.Equal(t, map[PlayerID]Vec2{a: {1, 2}, b: {3, 4}}, p.Positions())
}

func TestUpdateEntities_EmptyRoundTrip(t *testing.T) {
	data, err := Encode(NewUpdateEntities())
	require.NoError(t, err)
	assert.Len(t, data, IDSize)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, NewUpdateEntities(), got)
}

func TestPlayerID_ParseString(t *testing.T) {
	id := NewPlayerID()
	assert.False(t, id.IsNil())
	parsed, err := ParsePlayerID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Equal(t, uuid.UUID(id).String(), id.String())

	_, err = ParsePlayerID("not-a-uuid")
	assert.Error(t, err)
	assert.True(t, NilPlayerID.IsNil())
}

func TestPlayerID_Unique(t *testing.T) {
	seen := make(map[PlayerID]bool)
	for i := 0; i < 1000; i++ {
		id := NewPlayerID()
		require.False(t, seen[id], "duplicate player id %s", id)
		seen[id] = true
	}
}
