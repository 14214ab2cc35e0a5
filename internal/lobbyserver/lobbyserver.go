package lobbyserver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/blukai/tictactoenet/internal/address"
	"github.com/blukai/tictactoenet/internal/debug"
	"github.com/blukai/tictactoenet/internal/logging"
	"github.com/blukai/tictactoenet/internal/matchserver"
	"github.com/blukai/tictactoenet/internal/protocol"
	"github.com/blukai/tictactoenet/internal/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

var ErrNotFound = errors.New("game not found")

// Match is a registry entry as seen from outside.
type Match struct {
	ID   int
	Addr address.Address
	// BackChannel is the coordinator's end of its connection to the lobby.
	BackChannel *address.Address
}

type entry struct {
	Match
	cancel context.CancelFunc
}

type Config struct {
	// Match is the template for every coordinator the lobby starts.
	Match matchserver.Config
}

type inboundKind int

const (
	inboundMessage inboundKind = iota
	inboundGone
)

type inbound struct {
	kind    inboundKind
	conn    *transport.Conn
	payload string
}

type LobbyServer struct {
	server *transport.Server

	logger *log.Logger
	config Config

	mu      sync.Mutex
	matches map[int]*entry

	inbox   chan inbound
	matchWG sync.WaitGroup
	done    chan struct{}
}

func NewLobbyServer(addr address.Address, config Config, logger *log.Logger) (*LobbyServer, error) {
	logger = logging.Component(logger, "lobby")

	server, err := transport.Listen(addr, logger)
	if err != nil {
		return nil, fmt.Errorf("could not listen: %w", err)
	}

	ls := &LobbyServer{
		server: server,

		logger: logger,
		config: config,

		matches: make(map[int]*entry),

		inbox: make(chan inbound, 64),
		done:  make(chan struct{}),
	}

	return ls, nil
}

// Addr can be useful to retreive server's address when LobbyServer was
// constructed with port 0.
func (ls *LobbyServer) Addr() address.Address {
	return ls.server.Addr()
}

// Matches returns a copy of the registry ordered by id.
func (ls *LobbyServer) Matches() []Match {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	matches := make([]Match, 0, len(ls.matches))
	for _, e := range ls.matches {
		matches = append(matches, e.Match)
	}
	slices.SortFunc(matches, func(a, b Match) int {
		return a.ID - b.ID
	})
	return matches
}

func (ls *LobbyServer) Match(id int) (Match, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	e, ok := ls.matches[id]
	if !ok {
		return Match{}, false
	}
	return e.Match, true
}

func (ls *LobbyServer) Run(ctx context.Context) error {
	if err := ls.server.Bind(ls.onServerEvent); err != nil {
		return fmt.Errorf("could not bind server callback: %w", err)
	}

	ls.logger.Info().
		Stringer("addr", ls.Addr()).
		Msg("lobby is running")

	for {
		select {
		case <-ctx.Done():
			return ls.shutdown()
		case in := <-ls.inbox:
			ls.handle(ctx, in)
		}
	}
}

func (ls *LobbyServer) shutdown() error {
	close(ls.done)

	var errs error
	if err := ls.server.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not close listener: %w", err))
	}

	ls.mu.Lock()
	for id, e := range ls.matches {
		e.cancel()
		delete(ls.matches, id)
	}
	ls.mu.Unlock()
	ls.matchWG.Wait()

	if err := ls.server.CloseConns(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not close connections: %w", err))
	}

	return errs
}

func (ls *LobbyServer) post(in inbound) {
	select {
	case ls.inbox <- in:
	case <-ls.done:
	}
}

func (ls *LobbyServer) onServerEvent(event transport.ServerEvent) {
	switch event.Kind {
	case transport.ServerListen:
		ls.logger.Debug().
			Stringer("addr", event.Addr).
			Msg("listening")
	case transport.ServerConnect:
		ls.logger.Debug().
			Stringer("remote", event.Addr).
			Msg("open ingoing connection")
		if err := event.Conn.Bind(ls.onConnEvent); err != nil {
			// closed by shutdown between accept and here.
			debug.Assert(event.Conn.Closed(), "fresh connection already had a callback")
			ls.server.Remove(event.Addr)
		}
	case transport.ServerStop:
		ls.logger.Debug().Msg("stop listening for new connections")
	case transport.ServerError:
		ls.logger.Error().
			Err(event.Err).
			Msg("accept failed")
	}
}

func (ls *LobbyServer) onConnEvent(event transport.ConnEvent) {
	switch event.Kind {
	case transport.ConnMessage:
		ls.post(inbound{kind: inboundMessage, conn: event.Conn, payload: event.Payload})
	case transport.ConnError:
		ls.logger.Debug().
			Err(event.Err).
			Stringer("remote", event.Conn.RemoteAddr()).
			Msg("connection failed")
	case transport.ConnClose:
		go ls.post(inbound{kind: inboundGone, conn: event.Conn})
	}
}

func (ls *LobbyServer) handle(ctx context.Context, in inbound) {
	switch in.kind {
	case inboundMessage:
		ls.handleMessage(ctx, in.conn, in.payload)
	case inboundGone:
		ls.server.Remove(in.conn.RemoteAddr())
		ls.handleGone(in.conn.RemoteAddr())
	default:
		debug.Assert(false, fmt.Sprintf("unhandled inbound kind: %d", in.kind))
	}
}

func (ls *LobbyServer) handleMessage(ctx context.Context, conn *transport.Conn, payload string) {
	message, err := protocol.Unmarshal(payload)
	if err != nil {
		ls.logger.Warn().
			Err(err).
			Stringer("remote", conn.RemoteAddr()).
			Msg("closing connection that sent an undecodable frame")
		conn.Close()
		return
	}

	event, ok := message.(protocol.Event)
	if !ok || !event.Tag.IsLobby() {
		ls.reply(conn, protocol.ErrorReply(fmt.Sprintf("lobby does not understand %v", message)))
		return
	}

	ls.logger.Debug().
		Stringer("event", event).
		Stringer("remote", conn.RemoteAddr()).
		Msg("recv")

	switch event.Tag {
	case protocol.CreateGame:
		err = ls.handleCreateGame(ctx, conn)
	case protocol.JoinGame:
		err = ls.handleJoinGame(conn, event)
	case protocol.DeleteGame:
		err = ls.handleDeleteGame(conn, event)
	default:
		debug.Assert(false, fmt.Sprintf("unhandled lobby event: %s", event.Tag))
	}

	if err != nil {
		ls.logger.Error().
			Err(err).
			Stringer("event", event).
			Stringer("remote", conn.RemoteAddr()).
			Msg("error handling message")
	}
}

func (ls *LobbyServer) reply(conn *transport.Conn, reply map[string]any) {
	payload, err := protocol.Marshal(reply)
	debug.Assert(err == nil)

	if err := conn.Send(payload); err != nil {
		ls.logger.Warn().
			Err(err).
			Stringer("remote", conn.RemoteAddr()).
			Msg("could not reply")
	}
}

// coordinatorReply points the requester at port on the address it already
// reached the lobby by, which is also where every coordinator listens.
func (ls *LobbyServer) coordinatorReply(conn *transport.Conn, port uint16) map[string]any {
	return protocol.CoordinatorReply(conn.LocalAddr().IP(), port)
}

// backChannelAddr is where coordinators dial the lobby.
func (ls *LobbyServer) backChannelAddr() address.Address {
	addr := ls.Addr()
	if addr.IP() == address.AnyHost {
		return address.Localhost(int(addr.Port))
	}
	return addr
}

func (ls *LobbyServer) nextID() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	id := 0
	for known := range ls.matches {
		id = max(id, known)
	}
	return id + 1
}

type bootstrap struct {
	report matchserver.Report
	err    error
}

func (ls *LobbyServer) handleCreateGame(ctx context.Context, conn *transport.Conn) error {
	id := ls.nextID()

	config := ls.config.Match
	lobbyAddr := ls.backChannelAddr()
	config.Lobby = &lobbyAddr

	matchCtx, cancel := context.WithCancel(ctx)

	// the coordinator reports where it ended up once, then runs on its own.
	reports := make(chan bootstrap, 1)
	ls.matchWG.Add(1)
	go func() {
		defer ls.matchWG.Done()
		defer cancel()

		ms, err := matchserver.NewMatchServer(matchCtx, id, address.AnyLocalPort(), config, ls.logger)
		if err != nil {
			reports <- bootstrap{err: err}
			return
		}
		reports <- bootstrap{report: ms.Report()}

		if err := ms.Run(matchCtx); err != nil {
			ls.logger.Warn().
				Err(err).
				Int("game_id", id).
				Msg("coordinator did not stop cleanly")
		}
	}()

	boot := <-reports
	if boot.err != nil {
		ls.reply(conn, protocol.ErrorReply("Could not create a game."))
		return fmt.Errorf("could not start coordinator: %w", boot.err)
	}

	ls.mu.Lock()
	for _, e := range ls.matches {
		debug.Assert(
			e.BackChannel == nil || boot.report.BackChannel == nil ||
				!e.BackChannel.EquivalentTo(*boot.report.BackChannel),
			"two coordinators share a back-channel address",
		)
	}
	ls.matches[id] = &entry{
		Match: Match{
			ID:          id,
			Addr:        boot.report.Addr,
			BackChannel: boot.report.BackChannel,
		},
		cancel: cancel,
	}
	ls.mu.Unlock()

	ls.logger.Info().
		Int("game_id", id).
		Stringer("coordinator", boot.report.Addr).
		Msg("created game")

	ls.reply(conn, ls.coordinatorReply(conn, boot.report.Addr.Port))

	return nil
}

func (ls *LobbyServer) handleJoinGame(conn *transport.Conn, event protocol.Event) error {
	id, ok := event.Int(protocol.FieldGameID)
	if !ok {
		ls.reply(conn, protocol.ErrorReply("JOIN_GAME needs a game_id."))
		return fmt.Errorf("%w: %s without a game id", protocol.ErrMalformed, event.Tag)
	}

	match, ok := ls.Match(id)
	if !ok {
		message := fmt.Sprintf("Game %d does not exist! Impossible to join.", id)
		ls.logger.Debug().Msg(message)
		ls.reply(conn, protocol.ErrorReply(message))
		return nil
	}

	ls.reply(conn, ls.coordinatorReply(conn, match.Addr.Port))

	return nil
}

func (ls *LobbyServer) handleDeleteGame(conn *transport.Conn, event protocol.Event) error {
	id, ok := event.Int(protocol.FieldGameID)
	if !ok {
		ls.reply(conn, protocol.ErrorReply("DELETE_GAME needs a game_id."))
		return fmt.Errorf("%w: %s without a game id", protocol.ErrMalformed, event.Tag)
	}

	err := ls.deleteGame(id)
	if errors.Is(err, ErrNotFound) {
		// a success has no reply, coordinators hang up right after asking.
		ls.reply(conn, protocol.ErrorReply(fmt.Sprintf("Game %d does not exist! Impossible to delete.", id)))
	}
	return err
}

func (ls *LobbyServer) deleteGame(id int) error {
	ls.mu.Lock()
	e, ok := ls.matches[id]
	if ok {
		delete(ls.matches, id)
	}
	ls.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	// the coordinator is usually on its way out already.
	e.cancel()

	ls.logger.Info().
		Int("game_id", id).
		Msg("deleted game")

	return nil
}

// handleGone runs the DELETE_GAME cleanup when the closed connection was a
// coordinator's back-channel.
func (ls *LobbyServer) handleGone(remote address.Address) {
	ls.mu.Lock()
	id := 0
	for _, e := range ls.matches {
		if e.BackChannel != nil && e.BackChannel.EquivalentTo(remote) {
			id = e.ID
			break
		}
	}
	ls.mu.Unlock()

	if id == 0 {
		return
	}

	ls.logger.Debug().
		Int("game_id", id).
		Msg("lost coordinator back-channel")

	if err := ls.deleteGame(id); err != nil {
		// raced with an explicit DELETE_GAME.
		ls.logger.Debug().
			Err(err).
			Msg("back-channel cleanup")
	}
}
