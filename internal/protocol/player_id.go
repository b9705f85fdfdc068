package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// PlayerID identifies a connected participant. It is assigned by the server
// per accepted connection and never reused.
type PlayerID uuid.UUID

// NilPlayerID is the zero PlayerID; it is never assigned to a player.
var NilPlayerID PlayerID

// NewPlayerID returns a fresh random PlayerID.
func NewPlayerID() PlayerID {
	return PlayerID(uuid.New())
}

// ParsePlayerID parses the canonical string form produced by String.
func ParsePlayerID(s string) (PlayerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilPlayerID, fmt.Errorf("parsing player id %q: %w", s, err)
	}
	return PlayerID(u), nil
}

// playerIDFromBytes decodes the 16-byte wire form.
func playerIDFromBytes(b []byte) (PlayerID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return NilPlayerID, fmt.Errorf("%w: player id: %v", ErrProtocol, err)
	}
	return PlayerID(u), nil
}

// String returns the canonical UUID form.
func (id PlayerID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether id is the zero PlayerID.
func (id PlayerID) IsNil() bool {
	return id == NilPlayerID
}
