package protocol

import "fmt"

// PacketID identifies a packet's payload shape on the wire.
// Values are part of the wire format: never renumber, only append.
type PacketID uint16

const (
	TestPacket        PacketID = 0
	S2CDisconnect     PacketID = 1
	S2CRequestLogin   PacketID = 2
	S2CLoginSuccess   PacketID = 3
	C2SLoginResponse  PacketID = 4
	S2CEnterMap       PacketID = 5
	S2CUpdateEntities PacketID = 6
	S2CRemoveEntities PacketID = 7
)

var packetNames = map[PacketID]string{
	TestPacket:        "TestPacket",
	S2CDisconnect:     "S2CDisconnect",
	S2CRequestLogin:   "S2CRequestLogin",
	S2CLoginSuccess:   "S2CLoginSuccess",
	C2SLoginResponse:  "C2SLoginResponse",
	S2CEnterMap:       "S2CEnterMap",
	S2CUpdateEntities: "S2CUpdateEntities",
	S2CRemoveEntities: "S2CRemoveEntities",
}

// String returns the catalog name of the id, or "PacketID(n)" for ids
// outside the catalog.
func (id PacketID) String() string {
	if name, ok := packetNames[id]; ok {
		return name
	}
	return fmt.Sprintf("PacketID(%d)", uint16(id))
}

// Known reports whether id is part of the packet catalog.
func (id PacketID) Known() bool {
	_, ok := packetNames[id]
	return ok
}
