package terminal

import (
	"fmt"

	"github.com/blukai/tictactoenet/internal/game"
)

type Result int

const (
	// Ended is a game over without a winner, including a coordinator that
	// went away.
	Ended Result = iota
	Won
	Lost
	// OpponentLeft is a win by forfeit.
	OpponentLeft
	// Forfeited means this player left a full match.
	Forfeited
	// Quit means this player left before the match started.
	Quit
	// Rejected means the lobby refused the request.
	Rejected
)

func (r Result) String() string {
	switch r {
	case Ended:
		return "ENDED"
	case Won:
		return "WON"
	case Lost:
		return "LOST"
	case OpponentLeft:
		return "OPPONENT_LEFT"
	case Forfeited:
		return "FORFEITED"
	case Quit:
		return "QUIT"
	case Rejected:
		return "REJECTED"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

type Outcome struct {
	Result Result
	// Left is who walked away, for OpponentLeft and Forfeited.
	Left *game.Symbol
	// Reason is the lobby's error message for Rejected.
	Reason string
}

// Message is what the player gets told.
func (o Outcome) Message() string {
	switch o.Result {
	case Won:
		return "You won!"
	case Lost:
		return "You lost!"
	case OpponentLeft:
		left := "?"
		if o.Left != nil {
			left = o.Left.String()
		}
		return fmt.Sprintf("You won because player '%s' has left the game!", left)
	case Forfeited:
		return "You lost because you left the game!"
	case Quit:
		return "You left the game"
	case Rejected:
		return o.Reason
	}
	return "Game ended"
}
