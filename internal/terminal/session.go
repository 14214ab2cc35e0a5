package terminal

import (
	"sync"

	"github.com/blukai/tictactoenet/internal/address"
	"github.com/blukai/tictactoenet/internal/game"
	"github.com/blukai/tictactoenet/internal/protocol"
	"github.com/phuslu/log"
)

// EventSink applies what arrives from the lobby or the coordinator.
type EventSink interface {
	OnEvent(event protocol.Event)
	OnReply(reply protocol.Reply)
	OnChat(text string)
	OnDisconnect()
}

// Renderer is called with a copy of the replica after every change.
type Renderer interface {
	Render(state *game.TicTacToe)
}

type ChatSink interface {
	Chat(text string)
}

// session is the EventSink half of a terminal. It owns the replica and
// decides when and how the match ended; the terminal acts on what it leaves
// behind (a coordinator to migrate to, an outcome).
type session struct {
	me     game.Symbol
	logger *log.Logger

	renderer Renderer
	chat     ChatSink

	mu      sync.Mutex
	replica *game.TicTacToe

	// only touched from the terminal's dispatch goroutine.
	inLobby     bool
	coordinator *address.Address
	outcome     *Outcome
}

var _ EventSink = (*session)(nil)

func newSession(me game.Symbol, boardSize game.Vector2, renderer Renderer, chat ChatSink, logger *log.Logger) *session {
	return &session{
		me:     me,
		logger: logger,

		renderer: renderer,
		chat:     chat,

		replica: game.New(boardSize, game.DefaultDim),

		inLobby: true,
	}
}

func (s *session) snapshot() *game.TicTacToe {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.replica.Clone()
}

func (s *session) update(fn func(replica *game.TicTacToe)) {
	s.mu.Lock()
	fn(s.replica)
	var clone *game.TicTacToe
	if s.renderer != nil {
		clone = s.replica.Clone()
	}
	s.mu.Unlock()

	if clone != nil {
		s.renderer.Render(clone)
	}
}

func (s *session) lobbyFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.replica.IsLobbyFull()
}

func (s *session) cellAt(pos game.Vector2) (game.Cell, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.replica.Config.CellAt(pos, s.replica.Grid.Dim)
}

func (s *session) finish(outcome Outcome) {
	if s.outcome != nil {
		return
	}
	s.outcome = &outcome

	s.logger.Info().
		Stringer("result", outcome.Result).
		Msg(outcome.Message())
}

func (s *session) takeCoordinator() (address.Address, bool) {
	if s.coordinator == nil {
		return address.Address{}, false
	}
	addr := *s.coordinator
	s.coordinator = nil
	return addr, true
}

func (s *session) OnReply(reply protocol.Reply) {
	if !s.inLobby {
		// the coordinator echoes rejected moves; they do not end anything.
		if reply.Error != "" {
			s.logger.Warn().
				Str("error", reply.Error).
				Msg("coordinator rejected a request")
		}
		return
	}

	if reply.Error != "" {
		s.finish(Outcome{Result: Rejected, Reason: reply.Error})
		return
	}

	s.logger.Debug().
		Stringer("coordinator", reply.Coordinator).
		Msg("received coordinator address")
	s.coordinator = reply.Coordinator
}

func (s *session) OnEvent(event protocol.Event) {
	switch event.Tag {
	case protocol.TimeElapsed:
		if status, ok := event.Status(); ok {
			s.update(func(replica *game.TicTacToe) {
				replica.Override(status)
			})
			return
		}
		if dt, ok := event.Float(protocol.FieldDT); ok {
			s.update(func(replica *game.TicTacToe) {
				replica.Update(dt)
			})
		}

	case protocol.ChangeTurn:
		// a prediction; the snapshot that follows is authoritative.
		s.update(func(replica *game.TicTacToe) {
			replica.ChangeTurn()
		})

	case protocol.MarkPlaced:
		cell, okCell := event.Cell(protocol.FieldCell)
		symbol, okSymbol := event.Symbol(protocol.FieldSymbol)
		if !okCell || !okSymbol {
			s.logger.Warn().
				Stringer("event", event).
				Msg("mark without cell or symbol")
			return
		}
		s.update(func(replica *game.TicTacToe) {
			mark := game.NewMark(cell, symbol)
			mark.Size = replica.Size.Div(float64(replica.Grid.Dim))
			mark.Position = replica.Config.CellCenter(cell)
			replica.PlaceMark(mark)
		})

	case protocol.PlayerJoin:
		if symbol, ok := event.Symbol(protocol.FieldSymbol); ok {
			s.update(func(replica *game.TicTacToe) {
				_ = replica.AddPlayer(symbol)
			})
		}

	case protocol.GameStart:
		s.logger.Info().Msg("game started")

	case protocol.GameOver:
		if winner, ok := event.Symbol(protocol.FieldSymbol); ok {
			if winner == s.me {
				s.finish(Outcome{Result: Won})
			} else {
				s.finish(Outcome{Result: Lost})
			}
			return
		}
		if left, ok := event.Symbol(protocol.FieldLeft); ok && left != s.me {
			s.finish(Outcome{Result: OpponentLeft, Left: &left})
			return
		}
		s.finish(Outcome{Result: Ended})

	case protocol.PlayerLeave:
		symbol, ok := event.Symbol(protocol.FieldSymbol)
		switch {
		case ok && symbol != s.me:
			s.finish(Outcome{Result: OpponentLeft, Left: &symbol})
		case s.lobbyFull():
			s.finish(Outcome{Result: Forfeited, Left: &s.me})
		default:
			s.finish(Outcome{Result: Quit})
		}

	default:
		s.logger.Debug().
			Stringer("event", event).
			Msg("ignoring event")
	}
}

func (s *session) OnChat(text string) {
	if s.chat != nil {
		s.chat.Chat(text)
		return
	}
	s.logger.Info().
		Str("text", text).
		Msg("chat")
}

func (s *session) OnDisconnect() {
	if s.inLobby {
		s.finish(Outcome{Result: Ended, Reason: "lobby hung up"})
		return
	}
	s.logger.Debug().Msg("coordinator stopped")
	s.finish(Outcome{Result: Ended})
}
