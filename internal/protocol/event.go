package protocol

import (
	"fmt"
	"math"

	"github.com/blukai/tictactoenet/internal/game"
)

type Tag uint16

const (
	// control events travel between a coordinator and its terminals
	_ Tag = iota
	PlayerJoin
	PlayerLeave
	GameStart
	GameOver
	MarkPlaced
	ChangeTurn
	TimeElapsed

	ControlMax
)

const (
	// lobby events travel between terminals/coordinators and the lobby
	_ Tag = iota + ControlMax
	CreateGame
	DeleteGame
	JoinGame

	LobbyMax
)

var tagNames = map[Tag]string{
	PlayerJoin:  "PLAYER_JOIN",
	PlayerLeave: "PLAYER_LEAVE",
	GameStart:   "GAME_START",
	GameOver:    "GAME_OVER",
	MarkPlaced:  "MARK_PLACED",
	ChangeTurn:  "CHANGE_TURN",
	TimeElapsed: "TIME_ELAPSED",

	CreateGame: "CREATE_GAME",
	DeleteGame: "DELETE_GAME",
	JoinGame:   "JOIN_GAME",
}

const (
	controlEventType = "ControlEvent"
	lobbyEventType   = "LobbyEvent"
)

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%d)", uint16(t))
}

func (t Tag) IsControl() bool {
	return t > 0 && t < ControlMax
}

func (t Tag) IsLobby() bool {
	return t > ControlMax && t < LobbyMax
}

func (t Tag) typeName() string {
	if t.IsLobby() {
		return lobbyEventType
	}
	return controlEventType
}

// ParseTag resolves a symbolic name of the given enum ("ControlEvent" or
// "LobbyEvent") back to its tag.
func ParseTag(typeName, name string) (Tag, error) {
	for tag, n := range tagNames {
		if n == name && tag.typeName() == typeName {
			return tag, nil
		}
	}
	return 0, fmt.Errorf("%w: %s %q", ErrUnsupportedType, typeName, name)
}

// field keys
const (
	FieldSymbol = "symbol"
	FieldCell   = "cell"
	FieldGameID = "game_id"
	FieldDT     = "dt"
	FieldStatus = "status"
	// FieldLeft names the player whose departure ended the game.
	FieldLeft = "left"
)

type Fields map[string]any

type Event struct {
	Tag    Tag
	Fields Fields
}

func NewEvent(tag Tag, fields Fields) Event {
	if fields == nil {
		fields = Fields{}
	}
	return Event{Tag: tag, Fields: fields}
}

func (e Event) String() string {
	return fmt.Sprintf("%s%v", e.Tag, map[string]any(e.Fields))
}

func (e Event) Symbol(key string) (game.Symbol, bool) {
	symbol, ok := e.Fields[key].(game.Symbol)
	return symbol, ok
}

func (e Event) Cell(key string) (game.Cell, bool) {
	cell, ok := e.Fields[key].(game.Cell)
	return cell, ok
}

func (e Event) Int(key string) (int, bool) {
	switch v := e.Fields[key].(type) {
	case int:
		return v, true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	}
	return 0, false
}

func (e Event) Float(key string) (float64, bool) {
	switch v := e.Fields[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func (e Event) Status() (*game.TicTacToe, bool) {
	status, ok := e.Fields[FieldStatus].(*game.TicTacToe)
	return status, ok && status != nil
}

func symbolOrNil(symbol *game.Symbol) any {
	if symbol == nil {
		return nil
	}
	return *symbol
}

func PlayerJoinEvent(symbol game.Symbol) Event {
	return NewEvent(PlayerJoin, Fields{FieldSymbol: symbol})
}

func PlayerLeaveEvent(symbol game.Symbol) Event {
	return NewEvent(PlayerLeave, Fields{FieldSymbol: symbol})
}

func GameStartEvent() Event {
	return NewEvent(GameStart, nil)
}

// GameOverEvent carries the winner, nil when nobody won.
func GameOverEvent(winner *game.Symbol) Event {
	return NewEvent(GameOver, Fields{FieldSymbol: symbolOrNil(winner)})
}

// AbandonedEvent is a game over without a winner because a player went away.
func AbandonedEvent(left *game.Symbol) Event {
	return NewEvent(GameOver, Fields{
		FieldSymbol: nil,
		FieldLeft:   symbolOrNil(left),
	})
}

func MarkPlacedEvent(cell game.Cell, symbol game.Symbol) Event {
	return NewEvent(MarkPlaced, Fields{FieldCell: cell, FieldSymbol: symbol})
}

func ChangeTurnEvent() Event {
	return NewEvent(ChangeTurn, nil)
}

// TimeElapsedEvent advances the clock by dt. With a status attached the
// receiver replaces its replica instead.
func TimeElapsedEvent(dt float64, status *game.TicTacToe) Event {
	fields := Fields{FieldDT: dt}
	if status != nil {
		fields[FieldStatus] = status
	}
	return NewEvent(TimeElapsed, fields)
}

func CreateGameEvent(symbol game.Symbol) Event {
	return NewEvent(CreateGame, Fields{FieldSymbol: symbol})
}

func DeleteGameEvent(gameID int) Event {
	return NewEvent(DeleteGame, Fields{FieldGameID: gameID})
}

func JoinGameEvent(gameID int, symbol game.Symbol) Event {
	return NewEvent(JoinGame, Fields{FieldGameID: gameID, FieldSymbol: symbol})
}
