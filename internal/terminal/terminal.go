// Package terminal is the player's side: it asks the lobby for a match,
// follows the lobby's redirect to the coordinator and keeps a replica of the
// board in sync with it.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/blukai/tictactoenet/internal/address"
	"github.com/blukai/tictactoenet/internal/debug"
	"github.com/blukai/tictactoenet/internal/game"
	"github.com/blukai/tictactoenet/internal/logging"
	"github.com/blukai/tictactoenet/internal/protocol"
	"github.com/blukai/tictactoenet/internal/transport"
	"github.com/phuslu/log"
)

var (
	// ErrNotReady is returned by input that the current phase can not act
	// on, like placing a mark before both players joined.
	ErrNotReady = errors.New("not ready")
	ErrStopped  = errors.New("terminal stopped")
)

type Phase int32

const (
	ConnectedToLobby Phase = iota
	ConnectedToCoordinator
	Stopped
)

func (p Phase) String() string {
	switch p {
	case ConnectedToLobby:
		return "CONNECTED_TO_LOBBY"
	case ConnectedToCoordinator:
		return "CONNECTED_TO_COORDINATOR"
	case Stopped:
		return "STOPPED"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

const (
	defaultBoardSize = 600
	inboxSize        = 64

	chatTimeFormat = "2006-01-02T15:04"
)

// InputSource is everything a player can do.
type InputSource interface {
	Place(cell game.Cell) error
	// PlaceAt places a mark on the cell under a board position.
	PlaceAt(position game.Vector2) error
	Leave() error
	Say(text string) error
}

type Config struct {
	Lobby  address.Address
	Symbol game.Symbol
	// Create asks the lobby for a new match; otherwise GameID is joined.
	Create    bool
	GameID    int
	BoardSize game.Vector2
	// IdleTimeout is how long a write may stall before the lobby or the
	// coordinator counts as gone. Zero disables it.
	IdleTimeout time.Duration
}

type Options struct {
	Renderer Renderer
	Chat     ChatSink
	// Now stamps outgoing chat lines.
	Now func() time.Time
}

type command struct {
	run   func() error
	errCh chan error
}

type inbound struct {
	conn    *transport.Conn
	gone    bool
	payload string
}

type Terminal struct {
	config Config
	now    func() time.Time

	logger *log.Logger

	session *session

	started atomic.Bool
	phase   atomic.Int32
	// conn is owned by the dispatch goroutine.
	conn *transport.Conn

	commands chan command
	inbox    chan inbound
	done     chan struct{}
}

var _ InputSource = (*Terminal)(nil)

func NewTerminal(config Config, options Options, logger *log.Logger) (*Terminal, error) {
	if !config.Symbol.Valid() {
		return nil, fmt.Errorf("%w: invalid symbol %d", game.ErrRuleViolation, int(config.Symbol))
	}
	if config.BoardSize == (game.Vector2{}) {
		config.BoardSize = game.Vector2{X: defaultBoardSize, Y: defaultBoardSize}
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	logger = logging.Component(logger, "terminal")

	return &Terminal{
		config: config,
		now:    options.Now,

		logger: logger,

		session: newSession(config.Symbol, config.BoardSize, options.Renderer, options.Chat, logger),

		commands: make(chan command),
		inbox:    make(chan inbound, inboxSize),
		done:     make(chan struct{}),
	}, nil
}

func (t *Terminal) Phase() Phase {
	return Phase(t.phase.Load())
}

func (t *Terminal) setPhase(phase Phase) {
	prev := Phase(t.phase.Swap(int32(phase)))
	if prev != phase {
		t.logger.Debug().
			Stringer("from", prev).
			Stringer("to", phase).
			Msg("phase changed")
	}
}

// Replica returns a copy of the local board.
func (t *Terminal) Replica() *game.TicTacToe {
	return t.session.snapshot()
}

// Run talks to the lobby, then to the coordinator, until the match is over
// for this player or ctx is cancelled.
func (t *Terminal) Run(ctx context.Context) (Outcome, error) {
	if !t.started.CompareAndSwap(false, true) {
		return Outcome{}, fmt.Errorf("%w: terminal can only run once", transport.ErrInvalidState)
	}
	defer t.stop()

	conn, err := transport.Dial(ctx, t.config.Lobby, t.logger)
	if err != nil {
		return Outcome{}, fmt.Errorf("could not dial lobby: %w", err)
	}
	if err := t.attach(conn); err != nil {
		return Outcome{}, err
	}

	request := protocol.JoinGameEvent(t.config.GameID, t.config.Symbol)
	if t.config.Create {
		request = protocol.CreateGameEvent(t.config.Symbol)
	}
	if err := t.send(request); err != nil {
		return Outcome{}, fmt.Errorf("could not send lobby request: %w", err)
	}

	for t.session.outcome == nil {
		select {
		case <-ctx.Done():
			return Outcome{Result: Quit}, ctx.Err()
		case in := <-t.inbox:
			if in.conn != t.conn {
				// left over from the lobby connection.
				continue
			}
			t.handle(in)
		case cmd := <-t.commands:
			cmd.errCh <- cmd.run()
			close(cmd.errCh)
		}

		if addr, ok := t.session.takeCoordinator(); ok {
			if err := t.migrate(ctx, addr); err != nil {
				return Outcome{}, err
			}
		}
	}

	return *t.session.outcome, nil
}

func (t *Terminal) stop() {
	t.setPhase(Stopped)
	close(t.done)
	if t.conn != nil {
		t.conn.Close()
	}
}

func (t *Terminal) attach(conn *transport.Conn) error {
	t.conn = conn
	conn.SetWriteTimeout(t.config.IdleTimeout)
	if err := conn.Bind(t.onConnEvent); err != nil {
		return fmt.Errorf("could not bind conn callback: %w", err)
	}
	return nil
}

func (t *Terminal) migrate(ctx context.Context, addr address.Address) error {
	t.logger.Info().
		Stringer("coordinator", addr).
		Msg("moving to coordinator")

	t.conn.Close()

	conn, err := transport.Dial(ctx, addr, t.logger)
	if err != nil {
		return fmt.Errorf("could not dial coordinator: %w", err)
	}
	t.session.inLobby = false
	t.setPhase(ConnectedToCoordinator)
	if err := t.attach(conn); err != nil {
		return err
	}

	if err := t.send(protocol.PlayerJoinEvent(t.config.Symbol)); err != nil {
		return fmt.Errorf("could not join match: %w", err)
	}
	return nil
}

func (t *Terminal) post(in inbound) {
	select {
	case t.inbox <- in:
	case <-t.done:
	}
}

func (t *Terminal) onConnEvent(event transport.ConnEvent) {
	switch event.Kind {
	case transport.ConnMessage:
		t.post(inbound{conn: event.Conn, payload: event.Payload})
	case transport.ConnError:
		t.logger.Debug().
			Err(event.Err).
			Stringer("remote", event.Conn.RemoteAddr()).
			Msg("connection failed")
	case transport.ConnClose:
		// migrate closes the lobby connection from the dispatch goroutine.
		go t.post(inbound{conn: event.Conn, gone: true})
	}
}

func (t *Terminal) handle(in inbound) {
	if in.gone {
		t.session.OnDisconnect()
		return
	}

	message, err := protocol.Unmarshal(in.payload)
	if err != nil {
		t.logger.Warn().
			Err(err).
			Msg("dropping undecodable frame")
		return
	}

	switch message := message.(type) {
	case protocol.Event:
		t.logger.Debug().
			Stringer("event", message).
			Msg("recv")
		t.session.OnEvent(message)
	case map[string]any:
		reply, err := protocol.ParseReply(message)
		if err != nil {
			t.logger.Warn().
				Err(err).
				Msg("dropping malformed reply")
			return
		}
		t.session.OnReply(reply)
	case string:
		t.session.OnChat(message)
	default:
		t.logger.Warn().
			Str("type", fmt.Sprintf("%T", message)).
			Msg("dropping unexpected message")
	}
}

func (t *Terminal) send(v any) error {
	payload, err := protocol.Marshal(v)
	debug.Assert(err == nil, "outgoing messages are always encodable")

	return t.conn.Send(payload)
}

// do runs fn on the dispatch goroutine and waits for its result.
func (t *Terminal) do(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case t.commands <- command{run: fn, errCh: errCh}:
	case <-t.done:
		return ErrStopped
	}
	return <-errCh
}

func (t *Terminal) Place(cell game.Cell) error {
	return t.do(func() error {
		if t.Phase() != ConnectedToCoordinator || !t.session.lobbyFull() {
			t.logger.Debug().Msg("ignoring mark before the match started")
			return fmt.Errorf("%w: match has not started", ErrNotReady)
		}
		return t.send(protocol.MarkPlacedEvent(cell, t.config.Symbol))
	})
}

func (t *Terminal) PlaceAt(position game.Vector2) error {
	cell, ok := t.session.cellAt(position)
	if !ok {
		return fmt.Errorf("%w: %v is off the board", game.ErrRuleViolation, position)
	}
	return t.Place(cell)
}

// Leave forfeits a running match, or quits one that has not started.
func (t *Terminal) Leave() error {
	return t.do(func() error {
		if t.Phase() != ConnectedToCoordinator {
			t.session.finish(Outcome{Result: Quit})
			return nil
		}
		return t.send(protocol.PlayerLeaveEvent(t.config.Symbol))
	})
}

// Say sends a chat line to everyone in the match.
func (t *Terminal) Say(text string) error {
	line := fmt.Sprintf(
		"[%s] Player '%s': %s",
		t.now().Format(chatTimeFormat), t.config.Symbol, strings.TrimSpace(text),
	)
	return t.do(func() error {
		if t.Phase() != ConnectedToCoordinator {
			return fmt.Errorf("%w: not in a match", ErrNotReady)
		}
		return t.send(line)
	})
}
