package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// IDSize is the width of the PacketID prefix on every message.
const IDSize = 2

// Encode serializes p as [PacketID big-endian uint16][payload].
// The payload uses the protobuf wire format with the field numbers
// documented on each variant.
//
// Precondition: p must be non-nil.
// Postcondition: Decode(Encode(p)) is equal to p.
func Encode(p Packet) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encoding packet: nil packet")
	}
	b := make([]byte, IDSize, 64)
	binary.BigEndian.PutUint16(b, uint16(p.ID()))
	return p.appendPayload(b), nil
}

// SplitID separates the PacketID prefix from the payload.
//
// Postcondition: Returns ErrProtocol when data is shorter than the prefix.
func SplitID(data []byte) (PacketID, []byte, error) {
	if len(data) < IDSize {
		return 0, nil, fmt.Errorf("%w: message of %d bytes has no packet id", ErrProtocol, len(data))
	}
	return PacketID(binary.BigEndian.Uint16(data)), data[IDSize:], nil
}

// Decode parses a message produced by Encode.
//
// Postcondition: Returns the decoded packet, or an error wrapping ErrProtocol
// for unknown ids and malformed payloads.
func Decode(data []byte) (Packet, error) {
	id, payload, err := SplitID(data)
	if err != nil {
		return nil, err
	}
	return DecodePayload(id, payload)
}

// DecodePayload parses payload as the variant registered for id.
//
// Postcondition: Returns the decoded packet, or an error wrapping ErrProtocol.
func DecodePayload(id PacketID, payload []byte) (Packet, error) {
	p, ok := newPacket(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown packet id %d", ErrProtocol, uint16(id))
	}
	if err := p.unmarshalPayload(payload); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", id, err)
	}
	return p, nil
}

// walkFields iterates the fields of a protobuf-encoded message. fn returns
// the number of bytes of v it consumed, or 0 to have the field skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			// Unknown field: skip it so newer peers can add fields.
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrProtocol, num, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func wireTypeError(want, got protowire.Type) error {
	return fmt.Errorf("%w: wire type %d, want %d", ErrProtocol, got, want)
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wireTypeError(protowire.VarintType, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wireTypeError(protowire.BytesType, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := consumeBytes(typ, b)
	return string(v), n, err
}

func consumeFloat(typ protowire.Type, b []byte) (float32, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, wireTypeError(protowire.Fixed32Type, typ)
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
	}
	return math.Float32frombits(v), n, nil
}

func consumePlayerID(typ protowire.Type, b []byte) (PlayerID, int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return NilPlayerID, n, err
	}
	id, err := playerIDFromBytes(v)
	return id, n, err
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendFloatField(b []byte, num protowire.Number, f float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(f))
}

func appendPlayerIDField(b []byte, num protowire.Number, id PlayerID) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, id[:])
}
