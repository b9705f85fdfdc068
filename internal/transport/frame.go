package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cory-johannsen/netforge/internal/protocol"
)

// FrameHeaderSize is the width of the big-endian length prefix on stream transports.
const FrameHeaderSize = 4

// DefaultMaxFrameSize is the largest frame accepted when Options leaves it unset.
const DefaultMaxFrameSize = 1 << 20

// WriteFrame writes data prefixed with its length in a single Write call.
//
// Postcondition: Exactly FrameHeaderSize+len(data) bytes are written, or an error is returned.
func WriteFrame(w io.Writer, data []byte) error {
	buf := make([]byte, FrameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[FrameHeaderSize:], data)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame.
//
// Postcondition: Returns the frame payload; io.EOF if the stream ended cleanly
// between frames; an error wrapping protocol.ErrProtocol if the declared
// length exceeds maxSize.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit of %d", protocol.ErrProtocol, size, maxSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}
