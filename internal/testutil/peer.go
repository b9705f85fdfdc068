// Package testutil provides test helpers for driving a server with raw
// packets.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/cory-johannsen/netforge/internal/protocol"
	"github.com/cory-johannsen/netforge/internal/transport"
)

// DefaultTimeout bounds every wait performed by a Peer.
const DefaultTimeout = 2 * time.Second

// Peer plays the client side of a connection with raw packets, without the
// client package's dispatcher.
type Peer struct {
	conn    transport.Conn
	packets chan protocol.Packet
	done    chan error
	t       *testing.T
}

// DialPeer connects to a TCP server and returns a Peer.
//
// Precondition: addr must be a "host:port" string with a listening server.
// Postcondition: Returns a connected Peer or fails the test.
func DialPeer(t *testing.T, addr string) *Peer {
	t.Helper()
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	conn, err := transport.Dial(ctx, addr, transport.Options{})
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Logf("peer connected to %s [%s]", addr, time.Since(start))
	return NewPeer(t, conn)
}

// NewPeer starts receiving on conn. Every received frame is decoded; a frame
// that does not decode ends the receive loop.
//
// Postcondition: conn is closed when the test ends.
func NewPeer(t *testing.T, conn transport.Conn) *Peer {
	t.Helper()
	p := &Peer{
		conn:    conn,
		packets: make(chan protocol.Packet, 64),
		done:    make(chan error, 1),
		t:       t,
	}
	go func() {
		p.done <- conn.Serve(context.Background(), func(data []byte) error {
			pkt, err := protocol.Decode(data)
			if err != nil {
				return err
			}
			p.packets <- pkt
			return nil
		})
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return p
}

// Conn returns the underlying connection.
func (p *Peer) Conn() transport.Conn {
	return p.conn
}

// Send encodes pkt and writes it to the server.
func (p *Peer) Send(pkt protocol.Packet) {
	p.t.Helper()
	data, err := protocol.Encode(pkt)
	if err != nil {
		p.t.Fatalf("encoding %s: %v", pkt.ID(), err)
	}
	p.SendRaw(data)
}

// SendRaw writes data to the server as one frame.
func (p *Peer) SendRaw(data []byte) {
	p.t.Helper()
	if err := p.conn.Send(data); err != nil {
		p.t.Fatalf("sending %d bytes: %v", len(data), err)
	}
}

// Next returns the next received packet or fails on timeout.
func (p *Peer) Next() protocol.Packet {
	p.t.Helper()
	select {
	case pkt := <-p.packets:
		return pkt
	case <-time.After(DefaultTimeout):
		p.t.Fatalf("no packet received within %s", DefaultTimeout)
		return nil
	}
}

// WaitClosed fails the test unless the connection closes in time.
func (p *Peer) WaitClosed() {
	p.t.Helper()
	select {
	case <-p.done:
	case <-time.After(DefaultTimeout):
		p.t.Fatalf("connection still open after %s", DefaultTimeout)
	}
}

// Close closes the connection.
func (p *Peer) Close() {
	_ = p.conn.Close()
}

// Expect returns the next packet, failing the test unless it is a P.
func Expect[P protocol.Packet](p *Peer) P {
	p.t.Helper()
	pkt := p.Next()
	got, ok := pkt.(P)
	if !ok {
		p.t.Fatalf("unexpected packet %s", pkt.ID())
	}
	return got
}

// Login performs the handshake and consumes the packets sent on join.
//
// Postcondition: Returns the assigned PlayerID and the roster sent on join.
func (p *Peer) Login(username string) (protocol.PlayerID, *protocol.UpdateEntities) {
	p.t.Helper()
	Expect[*protocol.RequestLogin](p)
	p.Send(&protocol.LoginResponse{Username: username})
	success := Expect[*protocol.LoginSuccess](p)
	if success.PlayerID.IsNil() {
		p.t.Fatal("server assigned the nil player id")
	}
	Expect[*protocol.EnterMap](p)
	return success.PlayerID, Expect[*protocol.UpdateEntities](p)
}
