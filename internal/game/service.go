// Package game owns the authoritative player roster. All roster mutations
// run on a single goroutine driven by Service.Run.
package game

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netforge/internal/observability"
	"github.com/cory-johannsen/netforge/internal/protocol"
	"github.com/cory-johannsen/netforge/internal/world"
)

// ErrStopped is returned for events submitted after Run has returned.
var ErrStopped = errors.New("game service stopped")

// Sender delivers a packet to one joined player.
//
// Send is called on the Service goroutine and must not block: it should queue
// the packet and let another goroutine do the write.
type Sender interface {
	Send(id protocol.PlayerID, p protocol.Packet)
}

// Options configures a Service.
type Options struct {
	// MapID is announced to every joining player in S2CEnterMap.
	MapID int32
	// Spawn bounds new player positions.
	Spawn world.Bounds
	// TickInterval is the period of tick hooks. Defaults to one second.
	TickInterval time.Duration
	// EventBuffer is the capacity of the event queue. Defaults to 256.
	EventBuffer int
	// Source picks spawn positions. Defaults to NewCryptoSource.
	Source Source
	// Metrics is optional.
	Metrics *observability.Metrics
}

// Service is the authoritative game state.
//
// Invariant: players is only read or written by the goroutine running Run.
type Service struct {
	opts       Options
	sender     Sender
	logger     *zap.Logger
	dispatcher *protocol.Dispatcher[protocol.PlayerID]

	events  chan func()
	done    chan struct{}
	running atomic.Bool

	hooksMu sync.Mutex
	hooks   []func(now time.Time)

	players map[protocol.PlayerID]*Player
}

// NewService creates a Service that sends through sender.
//
// Precondition: sender and logger must be non-nil; opts.Spawn must be valid.
// Postcondition: Returns a Service ready to be started with Run.
func NewService(sender Sender, opts Options, logger *zap.Logger) *Service {
	if err := opts.Spawn.Validate(); err != nil {
		panic(fmt.Sprintf("game.NewService: invalid spawn bounds: %v", err))
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Source == nil {
		opts.Source = NewCryptoSource()
	}
	return &Service{
		opts:       opts,
		sender:     sender,
		logger:     logger,
		dispatcher: protocol.NewDispatcher[protocol.PlayerID](logger),
		events:     make(chan func(), opts.EventBuffer),
		done:       make(chan struct{}),
		players:    make(map[protocol.PlayerID]*Player),
	}
}

// Handle registers a gameplay handler for packets received from joined
// players. Handlers run on the Service goroutine.
//
// Precondition: Called before Run.
func Handle[P protocol.Packet](s *Service, id protocol.PacketID, fn func(P, protocol.PlayerID)) error {
	return protocol.Register(s.dispatcher, id, fn)
}

// OnTick registers a hook invoked on the Service goroutine once per tick.
func (s *Service) OnTick(fn func(now time.Time)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Run processes events and ticks until ctx is cancelled. It may be called once.
//
// Postcondition: Events submitted after Run returns fail with ErrStopped.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("game service already running")
	}
	defer close(s.done)

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	s.logger.Info("game service started",
		zap.Int32("map_id", s.opts.MapID),
		zap.Duration("tick_interval", s.opts.TickInterval),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("game service stopped", zap.Int("players", len(s.players)))
			return nil
		case ev := <-s.events:
			ev()
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// Done is closed when Run returns.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// submit enqueues ev for the Service goroutine.
func (s *Service) submit(ev func()) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// OnPlayerJoined adds a player at a random spawn position. Joining twice is
// a no-op.
//
// Postcondition: The newcomer receives S2CEnterMap, then every joined player
// receives S2CUpdateEntities with the full roster.
func (s *Service) OnPlayerJoined(id protocol.PlayerID) error {
	return s.submit(func() { s.join(id) })
}

// OnPlayerLeft removes a player. Leaving when absent is a no-op.
//
// Postcondition: Every remaining player receives S2CRemoveEntities naming id.
func (s *Service) OnPlayerLeft(id protocol.PlayerID) error {
	return s.submit(func() { s.leave(id) })
}

// OnPacketReceived routes a packet from a joined player to the registered
// gameplay handler. Packets from players that are not joined are dropped.
func (s *Service) OnPacketReceived(id protocol.PlayerID, p protocol.Packet) error {
	return s.submit(func() {
		if _, ok := s.players[id]; !ok {
			s.logger.Debug("dropping packet from player not joined",
				zap.String("player_id", id.String()),
				zap.Stringer("packet", p.ID()),
			)
			return
		}
		s.dispatcher.DispatchPacket(p, id)
	})
}

// Players returns a snapshot of the roster ordered by player id.
func (s *Service) Players(ctx context.Context) ([]Player, error) {
	reply := make(chan []Player, 1)
	if err := s.submit(func() { reply <- s.snapshot() }); err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out, nil
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) join(id protocol.PlayerID) {
	if _, ok := s.players[id]; ok {
		return
	}
	p := &Player{ID: id, Position: SpawnPosition(s.opts.Source, s.opts.Spawn)}
	s.players[id] = p
	s.opts.Metrics.SetPlayers(len(s.players))

	s.logger.Info("player joined",
		zap.String("player_id", id.String()),
		zap.Float32("x", p.Position[0]),
		zap.Float32("y", p.Position[1]),
		zap.Int("players", len(s.players)),
	)

	s.sender.Send(id, &protocol.EnterMap{MapID: s.opts.MapID})
	s.broadcast(s.rosterPacket())
}

func (s *Service) leave(id protocol.PlayerID) {
	if _, ok := s.players[id]; !ok {
		return
	}
	delete(s.players, id)
	s.opts.Metrics.SetPlayers(len(s.players))

	s.logger.Info("player left",
		zap.String("player_id", id.String()),
		zap.Int("players", len(s.players)),
	)
	s.broadcast(&protocol.RemoveEntities{Players: []protocol.PlayerID{id}})
}

func (s *Service) rosterPacket() *protocol.UpdateEntities {
	upd := protocol.NewUpdateEntities()
	for id, p := range s.players {
		upd.Entities[id] = p.entity()
	}
	return upd
}

func (s *Service) broadcast(p protocol.Packet) {
	for id := range s.players {
		s.sender.Send(id, p)
	}
}

func (s *Service) snapshot() []Player {
	out := make([]Player, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (s *Service) tick(now time.Time) {
	s.hooksMu.Lock()
	hooks := make([]func(time.Time), len(s.hooks))
	copy(hooks, s.hooks)
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(now)
	}
}
