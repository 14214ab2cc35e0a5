package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/blukai/tictactoenet/internal/game"
)

// boardPrinter draws the board as text whenever the marks, roster or turn
// change. Clock-only snapshots are not worth a redraw.
type boardPrinter struct {
	w  io.Writer
	me game.Symbol

	mu   sync.Mutex
	last string
}

func newBoardPrinter(w io.Writer, me game.Symbol) *boardPrinter {
	return &boardPrinter{w: w, me: me}
}

func (b *boardPrinter) Render(state *game.TicTacToe) {
	text := drawBoard(state, b.me)

	b.mu.Lock()
	defer b.mu.Unlock()

	if text == b.last {
		return
	}
	b.last = text
	fmt.Fprint(b.w, text)
}

func drawBoard(state *game.TicTacToe, me game.Symbol) string {
	sb := new(strings.Builder)
	dim := state.Grid.Dim

	// x grows to the right, y downwards, like the cells on screen.
	for y := 0; y < dim; y++ {
		if y > 0 {
			sb.WriteString(strings.Repeat("-", dim*4-1))
			sb.WriteByte('\n')
		}
		for x := 0; x < dim; x++ {
			if x > 0 {
				sb.WriteByte('|')
			}
			symbol := " "
			if mark, ok := state.MarkAt(game.Cell{X: x, Y: y}); ok {
				symbol = mark.Symbol.String()
			}
			fmt.Fprintf(sb, " %s ", symbol)
		}
		sb.WriteByte('\n')
	}

	switch {
	case !state.IsLobbyFull():
		fmt.Fprintf(sb, "waiting for players (%d/%d)\n", len(state.Players), game.LobbySize)
	case state.Turn == me:
		sb.WriteString("your turn, type \"x y\"\n")
	default:
		fmt.Fprintf(sb, "waiting for '%s'\n", state.Turn)
	}

	return sb.String()
}
