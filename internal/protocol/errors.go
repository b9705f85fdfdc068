package protocol

import "errors"

// ErrProtocol is wrapped by every error caused by a peer violating the wire
// protocol: unknown packet ids, malformed payloads, malformed frames, and bad
// handshakes. A connection that produces one must be closed.
var ErrProtocol = errors.New("protocol error")

// ErrDuplicateRegistration is returned when a second handler is registered
// for a packet id.
var ErrDuplicateRegistration = errors.New("duplicate handler registration")
