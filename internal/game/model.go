package game

import (
	"fmt"
)

type Symbol int

const (
	Cross Symbol = iota
	Nought
)

var symbolNames = [...]string{
	Cross:  "CROSS",
	Nought: "NOUGHT",
}

// Name is the symbolic name used on the wire.
func (s Symbol) Name() string {
	if int(s) < len(symbolNames) {
		return symbolNames[s]
	}
	return fmt.Sprintf("Symbol(%d)", int(s))
}

// String is what gets drawn on the board.
func (s Symbol) String() string {
	switch s {
	case Cross:
		return "X"
	case Nought:
		return "O"
	}
	return "?"
}

func (s Symbol) Other() Symbol {
	if s == Cross {
		return Nought
	}
	return Cross
}

func (s Symbol) Valid() bool {
	return s == Cross || s == Nought
}

func ParseSymbol(name string) (Symbol, error) {
	for i, n := range symbolNames {
		if n == name {
			return Symbol(i), nil
		}
	}
	return 0, fmt.Errorf("no such symbol: %q", name)
}

type Vector2 struct {
	X, Y float64
}

func (v Vector2) Div(k float64) Vector2 {
	return Vector2{X: v.X / k, Y: v.Y / k}
}

type Cell struct {
	X, Y int
}

type Player struct {
	Symbol Symbol
}

type Mark struct {
	Cell     Cell
	Symbol   Symbol
	Size     Vector2
	Position Vector2
	Name     string
}

func NewMark(cell Cell, symbol Symbol) Mark {
	return Mark{
		Cell:   cell,
		Symbol: symbol,
		Name:   "mark_" + symbol.Name(),
	}
}

type Grid struct {
	Dim   int
	Cells []Cell
}

func NewGrid(dim int) Grid {
	cells := make([]Cell, 0, dim*dim)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			cells = append(cells, Cell{X: i, Y: j})
		}
	}
	return Grid{Dim: dim, Cells: cells}
}

func (g Grid) Contains(cell Cell) bool {
	return cell.X >= 0 && cell.X < g.Dim && cell.Y >= 0 && cell.Y < g.Dim
}

// Config holds the on-screen size of one cell, used to translate clicks into
// cells and to place marks.
type Config struct {
	CellWidth  float64
	CellHeight float64
}

// CellAt returns the cell under pos.
func (c Config) CellAt(pos Vector2, dim int) (Cell, bool) {
	if c.CellWidth <= 0 || c.CellHeight <= 0 || pos.X < 0 || pos.Y < 0 {
		return Cell{}, false
	}
	cell := Cell{X: int(pos.X / c.CellWidth), Y: int(pos.Y / c.CellHeight)}
	if cell.X >= dim || cell.Y >= dim {
		return Cell{}, false
	}
	return cell, true
}

// CellCenter is where a mark on cell is drawn.
func (c Config) CellCenter(cell Cell) Vector2 {
	return Vector2{
		X: float64(int((float64(cell.X) + 0.5) * c.CellWidth)),
		Y: float64(int((float64(cell.Y) + 0.5) * c.CellHeight)),
	}
}
