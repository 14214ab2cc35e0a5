// Package matchserver is the authority for one match. It accepts the
// players' connections, validates and applies their moves and fans events and
// snapshots out to every connected peer.
package matchserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blukai/tictactoenet/internal/address"
	"github.com/blukai/tictactoenet/internal/debug"
	"github.com/blukai/tictactoenet/internal/game"
	"github.com/blukai/tictactoenet/internal/logging"
	"github.com/blukai/tictactoenet/internal/protocol"
	"github.com/blukai/tictactoenet/internal/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

var ErrUnexpectedEvent = errors.New("unexpected event")

type State int32

const (
	WaitingForPeers State = iota
	InProgress
	Terminated
)

func (s State) String() string {
	switch s {
	case WaitingForPeers:
		return "WAITING_FOR_PEERS"
	case InProgress:
		return "IN_PROGRESS"
	case Terminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	defaultQueueSize = 64
	defaultBoardSize = 600

	// how long a finished match waits for queued messages to reach its
	// peers before it cuts them off.
	shutdownGrace = time.Second
)

type Config struct {
	Dim       int
	BoardSize game.Vector2
	// TickInterval is how often the clock advances and a snapshot goes out.
	// Zero disables ticking.
	TickInterval time.Duration
	// IdleTimeout is how long a write to a peer may stall before the peer
	// counts as gone. Silence from a peer is never a reason to drop it.
	// Zero disables it.
	IdleTimeout time.Duration
	// QueueSize bounds the messages waiting for one peer. A peer that falls
	// this far behind is disconnected.
	QueueSize int
	Rules     game.Rules
	// Lobby receives DELETE_GAME once the match is over. Nil runs the match
	// standalone.
	Lobby *address.Address
}

func (c Config) withDefaults() Config {
	if c.Dim <= 0 {
		c.Dim = game.DefaultDim
	}
	if c.BoardSize == (game.Vector2{}) {
		c.BoardSize = game.Vector2{X: defaultBoardSize, Y: defaultBoardSize}
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Rules == nil {
		c.Rules = game.NewClassic(0)
	}
	return c
}

// Report is what a freshly bound coordinator tells whoever started it.
type Report struct {
	Addr address.Address
	// BackChannel is the local end of the connection to the lobby.
	BackChannel *address.Address
}

type inboundKind int

const (
	inboundConnect inboundKind = iota
	inboundMessage
	inboundGone
	inboundFatal
)

type inbound struct {
	kind    inboundKind
	conn    *transport.Conn
	payload string
	err     error
}

type MatchServer struct {
	id     int
	server *transport.Server
	lobby  *transport.Conn

	logger *log.Logger

	config Config
	rules  game.Rules

	started atomic.Bool
	state   atomic.Int32
	// game is owned by the dispatch goroutine.
	game *game.TicTacToe

	mu    sync.Mutex
	peers map[address.Key]*peer

	inbox   chan inbound
	writers sync.WaitGroup
	done    chan struct{}
}

// NewMatchServer binds addr (usually address.AnyLocalPort()) and, when
// config.Lobby is set, dials the lobby back-channel. Nothing is accepted
// until Run.
func NewMatchServer(
	ctx context.Context,
	id int,
	addr address.Address,
	config Config,
	logger *log.Logger,
) (*MatchServer, error) {
	config = config.withDefaults()
	logger = logging.Component(logger, "match", id)

	server, err := transport.Listen(addr, logger)
	if err != nil {
		return nil, fmt.Errorf("could not listen: %w", err)
	}

	var lobby *transport.Conn
	if config.Lobby != nil {
		lobby, err = transport.Dial(ctx, *config.Lobby, logger)
		if err != nil {
			server.Close()
			return nil, fmt.Errorf("could not dial lobby: %w", err)
		}
	}

	ms := &MatchServer{
		id:     id,
		server: server,
		lobby:  lobby,

		logger: logger,

		config: config,
		rules:  config.Rules,

		game: game.New(config.BoardSize, config.Dim),

		peers: make(map[address.Key]*peer),

		inbox: make(chan inbound, config.QueueSize),
		done:  make(chan struct{}),
	}

	return ms, nil
}

func (ms *MatchServer) ID() int {
	return ms.id
}

// Addr can be useful to retreive the port when MatchServer was constructed
// with port 0.
func (ms *MatchServer) Addr() address.Address {
	return ms.server.Addr()
}

func (ms *MatchServer) Report() Report {
	report := Report{Addr: ms.Addr()}
	if ms.lobby != nil {
		backChannel := ms.lobby.LocalAddr()
		report.BackChannel = &backChannel
	}
	return report
}

func (ms *MatchServer) State() State {
	return State(ms.state.Load())
}

func (ms *MatchServer) setState(state State) {
	prev := State(ms.state.Swap(int32(state)))
	if prev != state {
		ms.logger.Info().
			Stringer("from", prev).
			Stringer("to", state).
			Msg("state changed")
	}
}

// Done is closed once the match is over and Run is shutting down.
func (ms *MatchServer) Done() <-chan struct{} {
	return ms.done
}

func (ms *MatchServer) Run(ctx context.Context) error {
	if !ms.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: match server can only run once", transport.ErrInvalidState)
	}

	if err := ms.server.Bind(ms.onServerEvent); err != nil {
		return fmt.Errorf("could not bind server callback: %w", err)
	}
	if ms.lobby != nil {
		if err := ms.lobby.Bind(ms.onLobbyEvent); err != nil {
			return fmt.Errorf("could not bind lobby callback: %w", err)
		}
	}

	var ticks <-chan time.Time
	if ms.config.TickInterval > 0 {
		ticker := time.NewTicker(ms.config.TickInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	lastTick := time.Now()

	for ms.State() != Terminated {
		select {
		case <-ctx.Done():
			ms.logger.Debug().Msg("cancelled")
			if len(ms.listPeers()) > 0 {
				ms.broadcast(protocol.GameOverEvent(nil))
			}
			ms.setState(Terminated)
		case in := <-ms.inbox:
			ms.handle(in)
		case now := <-ticks:
			ms.handleTick(now.Sub(lastTick).Seconds())
			lastTick = now
		}
	}

	return ms.shutdown()
}

func (ms *MatchServer) shutdown() error {
	close(ms.done)

	var errs error
	if err := ms.server.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not close listener: %w", err))
	}

	for _, p := range ms.listPeers() {
		ms.closeQueue(p)
	}

	flushed := make(chan struct{})
	go func() {
		ms.writers.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(shutdownGrace):
		ms.logger.Warn().Msg("gave up waiting for peers to drain")
	}

	if err := ms.server.CloseConns(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not close peers: %w", err))
	}
	if ms.lobby != nil {
		if err := ms.lobby.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("could not close lobby connection: %w", err))
		}
	}

	ms.logger.Info().Msg("match is over")

	return errs
}

func (ms *MatchServer) post(in inbound) {
	select {
	case ms.inbox <- in:
	case <-ms.done:
	}
}

func (ms *MatchServer) onServerEvent(event transport.ServerEvent) {
	switch event.Kind {
	case transport.ServerListen:
		ms.logger.Debug().
			Stringer("addr", event.Addr).
			Msg("listening")
	case transport.ServerConnect:
		ms.post(inbound{kind: inboundConnect, conn: event.Conn})
	case transport.ServerStop:
		ms.logger.Debug().Msg("stopped listening")
	case transport.ServerError:
		ms.post(inbound{kind: inboundFatal, err: event.Err})
	}
}

func (ms *MatchServer) onConnEvent(event transport.ConnEvent) {
	switch event.Kind {
	case transport.ConnMessage:
		ms.post(inbound{kind: inboundMessage, conn: event.Conn, payload: event.Payload})
	case transport.ConnError:
		ms.logger.Debug().
			Err(event.Err).
			Stringer("peer", event.Conn.RemoteAddr()).
			Msg("peer connection failed")
	case transport.ConnClose:
		// Close may be called from the dispatch goroutine itself, which
		// must not wait on its own inbox.
		go ms.post(inbound{kind: inboundGone, conn: event.Conn})
	}
}

func (ms *MatchServer) onLobbyEvent(event transport.ConnEvent) {
	switch event.Kind {
	case transport.ConnMessage:
		ms.logger.Debug().
			Str("payload", event.Payload).
			Msg("ignoring message from lobby")
	case transport.ConnError:
		ms.logger.Warn().
			Err(event.Err).
			Msg("lobby connection failed")
	case transport.ConnClose:
		if ms.State() != Terminated {
			ms.logger.Warn().Msg("lost lobby connection")
		}
	}
}

func (ms *MatchServer) handle(in inbound) {
	switch in.kind {
	case inboundConnect:
		ms.handleConnect(in.conn)
	case inboundMessage:
		ms.handleMessage(in.conn, in.payload)
	case inboundGone:
		ms.handleGone(in.conn)
	case inboundFatal:
		ms.logger.Error().
			Err(in.err).
			Msg("transport failed")
		ms.finish(protocol.AbandonedEvent(nil))
	default:
		debug.Assert(false, fmt.Sprintf("unhandled inbound kind: %d", in.kind))
	}
}

func (ms *MatchServer) handleConnect(conn *transport.Conn) {
	ms.logger.Debug().
		Stringer("peer", conn.RemoteAddr()).
		Msg("peer connected")

	// reads stay deadline-free, a player may think for as long as they like.
	conn.SetWriteTimeout(ms.config.IdleTimeout)
	if err := conn.Bind(ms.onConnEvent); err != nil {
		debug.Assert(conn.Closed(), "fresh connection already had a callback")
		ms.logger.Debug().
			Stringer("peer", conn.RemoteAddr()).
			Msg("peer was gone before it could be served")
		ms.server.Remove(conn.RemoteAddr())
		return
	}
	p := ms.addPeer(conn)

	// newcomers get the current picture right away.
	ms.sendTo(p, protocol.TimeElapsedEvent(0, ms.game))
}

func (ms *MatchServer) handleMessage(conn *transport.Conn, payload string) {
	p, ok := ms.lookupPeer(conn)
	if !ok {
		return
	}

	message, err := protocol.Unmarshal(payload)
	if err != nil {
		ms.logger.Warn().
			Err(err).
			Stringer("peer", p.addr()).
			Msg("closing peer that sent an undecodable frame")
		conn.Close()
		return
	}

	switch message := message.(type) {
	case protocol.Event:
		ms.logger.Debug().
			Stringer("event", message).
			Stringer("peer", p.addr()).
			Msg("recv")
		if err := ms.handleEvent(p, message); err != nil {
			ms.logger.Debug().
				Err(err).
				Stringer("peer", p.addr()).
				Msg("rejected event")
			ms.replyError(p, err)
		}
	case string:
		// chat, relayed to everyone including the sender.
		ms.broadcast(message)
	default:
		ms.replyError(p, fmt.Errorf("%w: %T", ErrUnexpectedEvent, message))
	}
}

func (ms *MatchServer) handleEvent(p *peer, event protocol.Event) error {
	switch event.Tag {
	case protocol.PlayerJoin:
		return ms.handlePlayerJoin(p, event)
	case protocol.MarkPlaced:
		return ms.handleMarkPlaced(p, event)
	case protocol.PlayerLeave:
		return ms.handlePlayerLeave(p, event)
	}
	return fmt.Errorf("%w: coordinator does not accept %s", ErrUnexpectedEvent, event.Tag)
}

func (ms *MatchServer) handlePlayerJoin(p *peer, event protocol.Event) error {
	symbol, ok := event.Symbol(protocol.FieldSymbol)
	if !ok {
		return fmt.Errorf("%w: %s without a symbol", protocol.ErrMalformed, event.Tag)
	}
	if p.symbol != nil {
		return fmt.Errorf("%w: already joined as %s", game.ErrRuleViolation, p.symbol.Name())
	}
	if err := ms.rules.AddPlayer(ms.game, symbol); err != nil {
		return err
	}
	p.symbol = &symbol

	ms.logger.Info().
		Str("symbol", symbol.Name()).
		Stringer("peer", p.addr()).
		Msg("player joined")

	if ms.game.IsLobbyFull() && ms.State() == WaitingForPeers {
		ms.setState(InProgress)
		ms.broadcast(protocol.GameStartEvent())
	}
	ms.broadcastStatus(0)

	return nil
}

func (ms *MatchServer) handleMarkPlaced(p *peer, event protocol.Event) error {
	if ms.State() != InProgress {
		return fmt.Errorf("%w: match has not started", game.ErrRuleViolation)
	}

	cell, ok := event.Cell(protocol.FieldCell)
	if !ok {
		return fmt.Errorf("%w: %s without a cell", protocol.ErrMalformed, event.Tag)
	}
	symbol, ok := event.Symbol(protocol.FieldSymbol)
	if !ok {
		return fmt.Errorf("%w: %s without a symbol", protocol.ErrMalformed, event.Tag)
	}
	if p.symbol == nil || *p.symbol != symbol {
		return fmt.Errorf("%w: peer does not play %s", game.ErrRuleViolation, symbol.Name())
	}

	if err := ms.rules.ApplyAction(ms.game, game.Action{Cell: cell, Symbol: symbol}); err != nil {
		return err
	}
	ms.broadcast(protocol.MarkPlacedEvent(cell, symbol))

	if winner, won := ms.rules.CheckWinner(ms.game); won {
		ms.broadcastStatus(0)
		ms.finish(protocol.GameOverEvent(&winner))
		return nil
	}

	ms.broadcast(protocol.ChangeTurnEvent())
	ms.broadcastStatus(0)

	return nil
}

func (ms *MatchServer) handlePlayerLeave(p *peer, event protocol.Event) error {
	if p.symbol == nil {
		return fmt.Errorf("%w: peer has not joined", game.ErrRuleViolation)
	}
	symbol, ok := event.Symbol(protocol.FieldSymbol)
	if ok && symbol != *p.symbol {
		return fmt.Errorf("%w: peer does not play %s", game.ErrRuleViolation, symbol.Name())
	}

	ms.logger.Info().
		Str("symbol", p.symbol.Name()).
		Msg("player forfeited")

	ms.finish(protocol.PlayerLeaveEvent(*p.symbol))

	return nil
}

func (ms *MatchServer) handleGone(conn *transport.Conn) {
	p, ok := ms.removePeer(conn)
	if !ok {
		return
	}
	ms.server.Remove(conn.RemoteAddr())
	ms.closeQueue(p)

	ms.logger.Debug().
		Stringer("peer", p.addr()).
		Msg("peer disconnected")

	if p.symbol == nil {
		return
	}

	if ms.game.IsLobbyFull() {
		ms.logger.Info().
			Str("symbol", p.symbol.Name()).
			Msg("player abandoned the match")

		ms.game.ClearPlayers()
		ms.finish(protocol.AbandonedEvent(p.symbol))
		return
	}

	if err := ms.game.RemovePlayer(*p.symbol); err != nil {
		ms.logger.Warn().
			Err(err).
			Msg("could not remove player")
	}
	ms.broadcastStatus(0)
}

func (ms *MatchServer) handleTick(dt float64) {
	ms.game.Update(dt)
	if len(ms.listPeers()) > 0 {
		ms.broadcastStatus(dt)
	}
}

// finish broadcasts the outcome, tells the lobby and ends the dispatch loop.
func (ms *MatchServer) finish(outcome protocol.Event) {
	ms.broadcast(outcome)
	ms.notifyLobby()
	ms.setState(Terminated)
}

func (ms *MatchServer) notifyLobby() {
	if ms.lobby == nil {
		return
	}

	payload, err := protocol.Marshal(protocol.DeleteGameEvent(ms.id))
	debug.Assert(err == nil)

	if err := ms.lobby.Send(payload); err != nil {
		ms.logger.Warn().
			Err(err).
			Msg("could not tell lobby that the match is over")
	}
}
