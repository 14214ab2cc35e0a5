package game

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Action is a player's attempt to put their symbol on a cell.
type Action struct {
	Cell   Cell
	Symbol Symbol
}

// Rules is all a coordinator needs to know about the game.
type Rules interface {
	AddPlayer(state *TicTacToe, symbol Symbol) error
	ApplyAction(state *TicTacToe, action Action) error
	CheckWinner(state *TicTacToe) (Symbol, bool)
}

// Classic plays on a dim×dim grid where a player never has more than dim
// marks: when a turn begins with a full line worth of marks one of them
// disappears at random.
type Classic struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var _ Rules = (*Classic)(nil)

func NewClassic(seed int64) *Classic {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Classic{rng: rand.New(rand.NewSource(seed))}
}

func (c *Classic) AddPlayer(state *TicTacToe, symbol Symbol) error {
	return state.AddPlayer(symbol)
}

func (c *Classic) ApplyAction(state *TicTacToe, action Action) error {
	if !state.IsLobbyFull() {
		return fmt.Errorf("%w: waiting for players", ErrRuleViolation)
	}
	if !state.HasPlayer(action.Symbol) {
		return fmt.Errorf("%w: %s is not playing", ErrRuleViolation, action.Symbol.Name())
	}
	if action.Symbol != state.Turn {
		return fmt.Errorf("%w: not %s's turn", ErrRuleViolation, action.Symbol.Name())
	}
	if !state.Grid.Contains(action.Cell) {
		return fmt.Errorf("%w: cell %v is outside the grid", ErrRuleViolation, action.Cell)
	}

	mark := NewMark(action.Cell, action.Symbol)
	mark.Size = state.Size.Div(float64(state.Grid.Dim))
	mark.Position = state.Config.CellCenter(action.Cell)
	if !state.PlaceMark(mark) {
		return fmt.Errorf("%w: cell %v is already marked", ErrRuleViolation, action.Cell)
	}

	if state.HasWon(action.Symbol) {
		return nil
	}

	state.ChangeTurn()
	c.mu.Lock()
	state.RemoveRandomMark(c.rng)
	c.mu.Unlock()

	return nil
}

func (c *Classic) CheckWinner(state *TicTacToe) (Symbol, bool) {
	for _, symbol := range []Symbol{Cross, Nought} {
		if state.HasWon(symbol) {
			return symbol, true
		}
	}
	return 0, false
}
