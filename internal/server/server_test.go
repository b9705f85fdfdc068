package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/netforge/internal/config"
	"github.com/cory-johannsen/netforge/internal/game"
	"github.com/cory-johannsen/netforge/internal/observability"
	"github.com/cory-johannsen/netforge/internal/protocol"
	"github.com/cory-johannsen/netforge/internal/testutil"
	"github.com/cory-johannsen/netforge/internal/transport"
	"github.com/cory-johannsen/netforge/internal/world"
)

const waitFor = 2 * time.Second

func testConfig() Config {
	return Config{
		Listener: config.ListenerConfig{
			Enabled:          true,
			Host:             "127.0.0.1",
			Port:             0,
			WriteTimeout:     5 * time.Second,
			MaxFrameSize:     1 << 20,
			HandshakeTimeout: 2 * time.Second,
		},
		Game: game.Options{
			MapID:        1,
			Spawn:        world.SquareBounds(0, 200),
			TickInterval: time.Second,
		},
	}
}

func startServer(t *testing.T, cfg Config, metrics *observability.Metrics) *Server {
	t.Helper()
	srv := New(cfg, metrics, zaptest.NewLogger(t))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)
	if cfg.Listener.Enabled {
		require.Eventually(t, func() bool { return srv.Addr() != "" }, waitFor, 10*time.Millisecond,
			"listener did not start in time")
	}
	return srv
}

func TestServer_HandshakeJoinsPlayer(t *testing.T) {
	cfg := testConfig()
	cfg.Game.MapID = 4
	srv := startServer(t, cfg, nil)
	p := testutil.DialPeer(t, srv.Addr())

	testutil.Expect[*protocol.RequestLogin](p)
	p.Send(&protocol.LoginResponse{Username: "alice"})
	success := testutil.Expect[*protocol.LoginSuccess](p)
	assert.Equal(t, &protocol.EnterMap{MapID: 4}, testutil.Expect[*protocol.EnterMap](p))
	upd := testutil.Expect[*protocol.UpdateEntities](p)

	require.Len(t, upd.Entities, 1)
	entity, ok := upd.Entities[success.PlayerID]
	require.True(t, ok, "roster must contain the new player")
	assert.Equal(t, protocol.KindPlayer, entity.Kind)
	assert.True(t, cfg.Game.Spawn.Contains(entity.Position[0], entity.Position[1]))
	assert.Equal(t, 1, srv.Sessions())
}

func TestServer_PlayersSeeEachOtherAndLeave(t *testing.T) {
	srv := startServer(t, testConfig(), nil)

	a := testutil.DialPeer(t, srv.Addr())
	aID, _ := a.Login("alice")

	b := testutil.DialPeer(t, srv.Addr())
	bID, bRoster := b.Login("bob")
	assert.Len(t, bRoster.Entities, 2)

	aRoster := testutil.Expect[*protocol.UpdateEntities](a)
	assert.Contains(t, aRoster.Entities, aID)
	assert.Contains(t, aRoster.Entities, bID)
	assert.Equal(t, aRoster.Entities[aID], bRoster.Entities[aID])

	b.Close()
	removed := testutil.Expect[*protocol.RemoveEntities](a)
	assert.Equal(t, []protocol.PlayerID{bID}, removed.Players)
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, waitFor, 10*time.Millisecond)

	players, err := srv.Game().Players(context.Background())
	require.NoError(t, err)
	require.Len(t, players, 1)
	assert.Equal(t, aID, players[0].ID)
}

func TestServer_HandshakeRejections(t *testing.T) {
	tests := []struct {
		name  string
		first protocol.Packet
	}{
		{"not a login", &protocol.Test{Message: "hello"}},
		{"empty username", &protocol.LoginResponse{}},
		{"long username", &protocol.LoginResponse{Username: strings.Repeat("x", MaxUsernameLength+1)}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			metrics := observability.NewMetrics()
			srv := startServer(t, testConfig(), metrics)
			p := testutil.DialPeer(t, srv.Addr())

			testutil.Expect[*protocol.RequestLogin](p)
			p.Send(tt.first)
			p.WaitClosed()
			assert.Equal(t, 0, srv.Sessions())
			assert.Eventually(t, func() bool {
				return promtest.GatherAndCompare(metrics.Registry(), strings.NewReader(protocolErrors(1)),
					"netforge_protocol_errors_total") == nil
			}, waitFor, 10*time.Millisecond)

			// The server keeps serving other connections.
			other := testutil.DialPeer(t, srv.Addr())
			other.Login("carol")
		})
	}
}

func protocolErrors(n int) string {
	return fmt.Sprintf(`# HELP netforge_protocol_errors_total Connections closed because of a protocol error.
# TYPE netforge_protocol_errors_total counter
netforge_protocol_errors_total %d
`, n)
}

func TestServer_HandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Listener.HandshakeTimeout = 50 * time.Millisecond
	srv := startServer(t, cfg, nil)

	p := testutil.DialPeer(t, srv.Addr())
	testutil.Expect[*protocol.RequestLogin](p)
	p.WaitClosed()
	assert.Equal(t, 0, srv.Sessions())
}

func TestServer_MalformedPacketClosesOnlyThatConnection(t *testing.T) {
	srv := startServer(t, testConfig(), nil)

	a := testutil.DialPeer(t, srv.Addr())
	a.Login("alice")
	b := testutil.DialPeer(t, srv.Addr())
	bID, _ := b.Login("bob")
	testutil.Expect[*protocol.UpdateEntities](a)

	// S2CEnterMap id followed by a truncated varint field.
	b.SendRaw([]byte{0x00, byte(protocol.S2CEnterMap), 0x08, 0xff})
	b.WaitClosed()

	removed := testutil.Expect[*protocol.RemoveEntities](a)
	assert.Equal(t, []protocol.PlayerID{bID}, removed.Players)
	assert.Equal(t, 1, srv.Sessions())
}

func TestServer_UnknownPacketIDIsIgnored(t *testing.T) {
	srv := startServer(t, testConfig(), nil)
	a := testutil.DialPeer(t, srv.Addr())
	a.Login("alice")

	a.SendRaw([]byte{0x7f, 0x7f, 0x01})
	a.Send(&protocol.Test{Message: "still here"})

	b := testutil.DialPeer(t, srv.Addr())
	b.Login("bob")
	assert.Len(t, testutil.Expect[*protocol.UpdateEntities](a).Entities, 2)
}

func TestServer_RoutesGameplayPackets(t *testing.T) {
	srv := New(testConfig(), nil, zaptest.NewLogger(t))

	type received struct {
		msg  string
		from protocol.PlayerID
	}
	var mu sync.Mutex
	var got []received
	require.NoError(t, game.Handle(srv.Game(), protocol.TestPacket, func(p *protocol.Test, from protocol.PlayerID) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, received{msg: p.Message, from: from})
	}))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)
	require.Eventually(t, func() bool { return srv.Addr() != "" }, waitFor, 10*time.Millisecond)

	p := testutil.DialPeer(t, srv.Addr())
	id, _ := p.Login("alice")
	p.Send(&protocol.Test{Message: "ping"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, received{msg: "ping", from: id}, got[0])
}

func TestServer_StopDisconnectsPlayers(t *testing.T) {
	srv := New(testConfig(), nil, zaptest.NewLogger(t))
	require.NoError(t, srv.Start(context.Background()))
	require.Eventually(t, func() bool { return srv.Addr() != "" }, waitFor, 10*time.Millisecond)

	p := testutil.DialPeer(t, srv.Addr())
	p.Login("alice")

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()

	assert.Equal(t, &protocol.Disconnect{Reason: ShutdownReason}, testutil.Expect[*protocol.Disconnect](p))
	p.WaitClosed()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop in time")
	}
	assert.NoError(t, srv.Wait())
	assert.Equal(t, 0, srv.Sessions())

	// Stop is idempotent and new connections are refused.
	srv.Stop()
	client, server := transport.NewLoopbackPair()
	defer client.Close()
	assert.Error(t, srv.AddConnection(server))
}

func TestServer_ContextCancelStops(t *testing.T) {
	srv := New(testConfig(), nil, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))

	cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Wait() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestServer_ListenFailureIsReported(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig()
	cfg.Listener.Port = busy.Addr().(*net.TCPAddr).Port
	srv := New(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	done := make(chan error, 1)
	go func() { done <- srv.Wait() }()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listen failure was not reported")
	}
}

func TestServer_StartTwice(t *testing.T) {
	srv := startServer(t, testConfig(), nil)
	assert.Error(t, srv.Start(context.Background()))
}

func TestServer_AddConnectionIntegrated(t *testing.T) {
	cfg := testConfig()
	cfg.Listener.Enabled = false
	srv := startServer(t, cfg, nil)
	assert.Empty(t, srv.Addr())

	client, server := transport.NewLoopbackPair()
	require.NoError(t, srv.AddConnection(server))
	p := testutil.NewPeer(t, client)

	id, roster := p.Login("host")
	assert.Contains(t, roster.Entities, id)
	assert.Equal(t, 1, srv.Sessions())

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return srv.Sessions() == 0 }, waitFor, 10*time.Millisecond)
}

func TestServer_AddConnectionBeforeStart(t *testing.T) {
	srv := New(testConfig(), nil, zaptest.NewLogger(t))
	_, server := transport.NewLoopbackPair()
	assert.Error(t, srv.AddConnection(server))
}

func TestServer_WebSocket(t *testing.T) {
	cfg := testConfig()
	cfg.Listener.Enabled = false
	cfg.WebSocket = config.WebSocketConfig{Enabled: true, Host: "127.0.0.1", Port: 0, Path: "/ws"}
	srv := startServer(t, cfg, nil)
	require.Eventually(t, func() bool { return srv.WebSocketURL() != "" }, waitFor, 10*time.Millisecond)

	conn, err := transport.DialWebSocket(context.Background(), srv.WebSocketURL(), transport.Options{})
	require.NoError(t, err)
	p := testutil.NewPeer(t, conn)
	id, roster := p.Login("alice")
	assert.Contains(t, roster.Entities, id)
}

func TestServer_SendToUnknownPlayerIsIgnored(t *testing.T) {
	srv := startServer(t, testConfig(), nil)
	srv.Send(protocol.NewPlayerID(), &protocol.Test{Message: "nobody"})
}

func TestServer_Metrics(t *testing.T) {
	metrics := observability.NewMetrics()
	srv := startServer(t, testConfig(), metrics)
	p := testutil.DialPeer(t, srv.Addr())
	p.Login("alice")

	expected := `# HELP netforge_connections_active Number of open client connections.
# TYPE netforge_connections_active gauge
netforge_connections_active 1
# HELP netforge_players_joined Number of players currently in the roster.
# TYPE netforge_players_joined gauge
netforge_players_joined 1
`
	assert.NoError(t, promtest.GatherAndCompare(metrics.Registry(), strings.NewReader(expected),
		"netforge_connections_active", "netforge_players_joined"))
}

func TestServer_Health(t *testing.T) {
	cfg := testConfig()
	cfg.Health = config.HealthConfig{Enabled: true, Host: "127.0.0.1", Port: 0}
	srv := New(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()
	require.NotEmpty(t, srv.HealthAddr())

	conn, err := grpc.NewClient(srv.HealthAddr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for _, service := range []string{"", HealthService} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus(), "service %q", service)
	}

	srv.Stop()
	resp, err := srv.health.status.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestParseHandshake(t *testing.T) {
	encode := func(p protocol.Packet) []byte {
		data, err := protocol.Encode(p)
		require.NoError(t, err)
		return data
	}

	name, err := parseHandshake(encode(&protocol.LoginResponse{Username: "alice"}))
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	name, err = parseHandshake(encode(&protocol.LoginResponse{Username: strings.Repeat("y", MaxUsernameLength)}))
	require.NoError(t, err)
	assert.Len(t, name, MaxUsernameLength)

	for _, data := range [][]byte{
		{0x00},
		encode(&protocol.EnterMap{MapID: 1}),
		encode(&protocol.LoginResponse{}),
		encode(&protocol.LoginResponse{Username: strings.Repeat("z", MaxUsernameLength+1)}),
	} {
		_, err := parseHandshake(data)
		assert.ErrorIs(t, err, protocol.ErrProtocol)
	}
}

// stallingConn delivers the first two messages sent to the peer
// (S2CRequestLogin and S2CLoginSuccess) and then blocks every Send until the
// connection is closed, like a peer that stopped reading.
type stallingConn struct {
	*transport.LoopbackConn

	mu     sync.Mutex
	sends  int
	once   sync.Once
	closed chan struct{}
}

func newStallingConn(conn *transport.LoopbackConn) *stallingConn {
	return &stallingConn{LoopbackConn: conn, closed: make(chan struct{})}
}

func (c *stallingConn) Send(data []byte) error {
	c.mu.Lock()
	c.sends++
	n := c.sends
	c.mu.Unlock()
	if n <= 2 {
		return c.LoopbackConn.Send(data)
	}
	<-c.closed
	return transport.ErrClosed
}

func (c *stallingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.LoopbackConn.Close()
}

// joinStalled connects a player whose connection stops draining right after
// the handshake.
func joinStalled(t *testing.T, srv *Server) (protocol.PlayerID, *testutil.Peer) {
	t.Helper()
	client, server := transport.NewLoopbackPair()
	require.NoError(t, srv.AddConnection(newStallingConn(server)))
	p := testutil.NewPeer(t, client)
	testutil.Expect[*protocol.RequestLogin](p)
	p.Send(&protocol.LoginResponse{Username: "stalled"})
	return testutil.Expect[*protocol.LoginSuccess](p).PlayerID, p
}

func TestServer_StalledPeerDoesNotBlockOthers(t *testing.T) {
	cfg := testConfig()
	cfg.Listener.Enabled = false
	cfg.Game.TickInterval = 20 * time.Millisecond
	srv := startServer(t, cfg, nil)

	var ticks atomic.Int32
	srv.Game().OnTick(func(time.Time) { ticks.Add(1) })

	stalledID, _ := joinStalled(t, srv)

	client, server := transport.NewLoopbackPair()
	require.NoError(t, srv.AddConnection(server))
	b := testutil.NewPeer(t, client)
	bID, roster := b.Login("bob")
	assert.Contains(t, roster.Entities, stalledID)
	assert.Contains(t, roster.Entities, bID)

	before := ticks.Load()
	require.Eventually(t, func() bool { return ticks.Load() > before+2 }, waitFor, 10*time.Millisecond,
		"game loop stopped ticking")
	assert.Equal(t, 2, srv.Sessions())
}

func TestServer_SendQueueOverflowDisconnects(t *testing.T) {
	cfg := testConfig()
	cfg.Listener.Enabled = false
	cfg.Listener.SendQueue = 4
	srv := startServer(t, cfg, nil)

	stalledID, stalled := joinStalled(t, srv)

	client, server := transport.NewLoopbackPair()
	require.NoError(t, srv.AddConnection(server))
	b := testutil.NewPeer(t, client)
	b.Login("bob")

	for i := 0; i < cfg.Listener.SendQueue+2; i++ {
		srv.Send(stalledID, &protocol.Test{Message: "backlog"})
	}

	stalled.WaitClosed()
	removed := testutil.Expect[*protocol.RemoveEntities](b)
	assert.Equal(t, []protocol.PlayerID{stalledID}, removed.Players)
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, waitFor, 10*time.Millisecond)
}

func TestHandshakeState_OneOutcome(t *testing.T) {
	var hs handshakeState
	assert.True(t, hs.complete())
	assert.False(t, hs.expire())
	assert.True(t, hs.joined())

	var timedOut handshakeState
	assert.True(t, timedOut.expire())
	assert.False(t, timedOut.complete())
	assert.False(t, timedOut.joined())

	for i := 0; i < 200; i++ {
		var raced handshakeState
		var wins atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if raced.complete() {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if raced.expire() {
				wins.Add(1)
			}
		}()
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	}
}
