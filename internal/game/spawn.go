package game

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/cory-johannsen/netforge/internal/protocol"
	"github.com/cory-johannsen/netforge/internal/world"
)

// Source draws spawn cells. Implementations must be safe for concurrent use.
type Source interface {
	// Intn returns a value in [0, n). Precondition: n > 0.
	Intn(n int) int
}

type cryptoSource struct{}

// NewCryptoSource returns the default Source, backed by crypto/rand.
func NewCryptoSource() Source {
	return cryptoSource{}
}

func (cryptoSource) Intn(n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("game: spawn source asked for [0,%d)", n))
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("game: drawing spawn cell: " + err.Error())
	}
	return int(v.Int64())
}

// SpawnPosition picks one integral cell of b with a single draw from src.
// Cells are numbered row by row from (MinX, MinY).
//
// Precondition: b.Validate() == nil.
// Postcondition: b.Contains(pos[0], pos[1]).
func SpawnPosition(src Source, b world.Bounds) protocol.Vec2 {
	width := b.MaxX - b.MinX
	cell := src.Intn(width * (b.MaxY - b.MinY))
	return protocol.Vec2{
		float32(b.MinX + cell%width),
		float32(b.MinY + cell/width),
	}
}
