// Package game is the noughts and crosses state machine. The networking
// packages only talk to it through Rules and the TicTacToe snapshot.
package game

import (
	"errors"
	"fmt"
	"math/rand"
)

var ErrRuleViolation = errors.New("rule violation")

// LobbySize is how many players a match needs before it starts.
const LobbySize = 2

const DefaultDim = 3

type TicTacToe struct {
	Size    Vector2
	Config  Config
	Players []Player
	Grid    Grid
	Marks   []Mark
	Turn    Symbol
	Updates int
	Time    float64
}

func New(size Vector2, dim int) *TicTacToe {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &TicTacToe{
		Size: size,
		Config: Config{
			CellWidth:  size.X / float64(dim),
			CellHeight: size.Y / float64(dim),
		},
		Players: []Player{},
		Grid:    NewGrid(dim),
		Marks:   []Mark{},
		Turn:    Cross,
	}
}

func (t *TicTacToe) Clone() *TicTacToe {
	clone := *t
	clone.Players = append([]Player{}, t.Players...)
	clone.Marks = append([]Mark{}, t.Marks...)
	clone.Grid.Cells = append([]Cell{}, t.Grid.Cells...)
	return &clone
}

func (t *TicTacToe) HasPlayer(symbol Symbol) bool {
	for _, p := range t.Players {
		if p.Symbol == symbol {
			return true
		}
	}
	return false
}

func (t *TicTacToe) AddPlayer(symbol Symbol) error {
	if !symbol.Valid() {
		return fmt.Errorf("%w: invalid symbol %d", ErrRuleViolation, int(symbol))
	}
	if t.HasPlayer(symbol) {
		return fmt.Errorf("%w: player %s already joined", ErrRuleViolation, symbol.Name())
	}
	if t.IsLobbyFull() {
		return fmt.Errorf("%w: lobby is full", ErrRuleViolation)
	}
	t.Players = append(t.Players, Player{Symbol: symbol})
	return nil
}

func (t *TicTacToe) RemovePlayer(symbol Symbol) error {
	for i, p := range t.Players {
		if p.Symbol == symbol {
			t.Players = append(t.Players[:i], t.Players[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: no such player %s", ErrRuleViolation, symbol.Name())
}

func (t *TicTacToe) ClearPlayers() {
	t.Players = []Player{}
}

func (t *TicTacToe) IsLobbyFull() bool {
	return len(t.Players) >= LobbySize
}

func (t *TicTacToe) HasMark(cell Cell) bool {
	_, ok := t.MarkAt(cell)
	return ok
}

func (t *TicTacToe) MarkAt(cell Cell) (Mark, bool) {
	for _, m := range t.Marks {
		if m.Cell == cell {
			return m, true
		}
	}
	return Mark{}, false
}

// PlaceMark reports false when the cell is already taken.
func (t *TicTacToe) PlaceMark(mark Mark) bool {
	if t.HasMark(mark.Cell) {
		return false
	}
	t.Marks = append(t.Marks, mark)
	return true
}

func (t *TicTacToe) RemoveMark(cell Cell) error {
	for i, m := range t.Marks {
		if m.Cell == cell {
			t.Marks = append(t.Marks[:i], t.Marks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: cell %v is not marked", ErrRuleViolation, cell)
}

func (t *TicTacToe) MarksOf(symbol Symbol) []Mark {
	var marks []Mark
	for _, m := range t.Marks {
		if m.Symbol == symbol {
			marks = append(marks, m)
		}
	}
	return marks
}

// RemoveRandomMark drops one of the turn player's marks once they have a
// full line worth of them on the board.
func (t *TicTacToe) RemoveRandomMark(rng *rand.Rand) {
	marks := t.MarksOf(t.Turn)
	if len(marks) < t.Grid.Dim {
		return
	}
	victim := marks[rng.Intn(len(marks))]
	_ = t.RemoveMark(victim.Cell)
}

func (t *TicTacToe) ChangeTurn() {
	t.Turn = t.Turn.Other()
}

func (t *TicTacToe) Update(dt float64) {
	t.Updates++
	t.Time += dt
}

// Override replaces everything the coordinator is authoritative for with
// other's values. Size stays local, it only matters for drawing; Config
// follows it when the grid dimension changes.
func (t *TicTacToe) Override(other *TicTacToe) {
	if t == other {
		return
	}
	if t.Grid.Dim != other.Grid.Dim && other.Grid.Dim > 0 {
		t.Grid = NewGrid(other.Grid.Dim)
		t.Config = Config{
			CellWidth:  t.Size.X / float64(other.Grid.Dim),
			CellHeight: t.Size.Y / float64(other.Grid.Dim),
		}
	}
	t.Marks = append([]Mark{}, other.Marks...)
	t.Players = append([]Player{}, other.Players...)
	t.Turn = other.Turn
	t.Updates = other.Updates
	t.Time = other.Time
}

func (t *TicTacToe) HasWon(symbol Symbol) bool {
	dim := t.Grid.Dim
	marked := make(map[Cell]bool)
	for _, m := range t.MarksOf(symbol) {
		marked[m.Cell] = true
	}
	if len(marked) < dim {
		return false
	}

	line := func(cell func(i int) Cell) bool {
		for i := 0; i < dim; i++ {
			if !marked[cell(i)] {
				return false
			}
		}
		return true
	}

	for k := 0; k < dim; k++ {
		if line(func(i int) Cell { return Cell{X: i, Y: k} }) ||
			line(func(i int) Cell { return Cell{X: k, Y: i} }) {
			return true
		}
	}
	return line(func(i int) Cell { return Cell{X: i, Y: i} }) ||
		line(func(i int) Cell { return Cell{X: dim - 1 - i, Y: i} })
}
