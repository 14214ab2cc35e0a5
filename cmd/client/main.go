package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/blukai/tictactoenet/internal/address"
	"github.com/blukai/tictactoenet/internal/game"
	"github.com/blukai/tictactoenet/internal/logging"
	"github.com/blukai/tictactoenet/internal/terminal"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

// symbolDecoder lets envconfig read "X", "O", "CROSS" or "NOUGHT".
type symbolDecoder game.Symbol

func (s *symbolDecoder) Decode(value string) error {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "X":
		*s = symbolDecoder(game.Cross)
		return nil
	case "O":
		*s = symbolDecoder(game.Nought)
		return nil
	}
	symbol, err := game.ParseSymbol(strings.ToUpper(value))
	if err != nil {
		return err
	}
	*s = symbolDecoder(symbol)
	return nil
}

type Config struct {
	Lobby    string        `envconfig:"LOBBY" required:"true" default:"127.0.0.1:5000"`
	Symbol   symbolDecoder `envconfig:"SYMBOL" default:"X"`
	Create   bool          `envconfig:"CREATE" default:"false"`
	GameID   int           `envconfig:"GAME_ID"`
	LogLevel string        `envconfig:"LOG_LEVEL" default:"warn"`
}

func loadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("could not load .env: %w", err)
	}

	config := new(Config)
	if err := envconfig.Process("terminal", config); err != nil {
		return nil, err
	}
	if !config.Create && config.GameID == 0 {
		return nil, errors.New("either TERMINAL_CREATE or TERMINAL_GAME_ID must be set")
	}
	return config, nil
}

// readInput turns lines from r into moves: "x y" places a mark, "leave"
// forfeits, anything else is chat.
func readInput(r io.Reader, input terminal.InputSource, logger *log.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		switch cell, ok := parseCell(line); {
		case ok:
			err = input.Place(cell)
		case line == "leave":
			err = input.Leave()
		default:
			err = input.Say(line)
		}

		if errors.Is(err, terminal.ErrStopped) {
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}

	// eof on stdin means the player is gone.
	if err := input.Leave(); err != nil && !errors.Is(err, terminal.ErrStopped) {
		logger.Warn().Err(err).Msg("could not leave")
	}
}

func parseCell(line string) (game.Cell, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return game.Cell{}, false
	}
	x, err := strconv.Atoi(fields[0])
	if err != nil {
		return game.Cell{}, false
	}
	y, err := strconv.Atoi(fields[1])
	if err != nil {
		return game.Cell{}, false
	}
	return game.Cell{X: x, Y: y}, true
}

type chatPrinter struct {
	w io.Writer
}

func (c chatPrinter) Chat(text string) {
	fmt.Fprintln(c.w, text)
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := logging.Console(config.LogLevel)

	lobbyAddr, err := address.Parse(config.Lobby)
	if err != nil {
		return fmt.Errorf("could not parse lobby addr: %w", err)
	}

	symbol := game.Symbol(config.Symbol)
	term, err := terminal.NewTerminal(terminal.Config{
		Lobby:  lobbyAddr,
		Symbol: symbol,
		Create: config.Create,
		GameID: config.GameID,
	}, terminal.Options{
		Renderer: newBoardPrinter(os.Stdout, symbol),
		Chat:     chatPrinter{w: os.Stdout},
	}, logger)
	if err != nil {
		return fmt.Errorf("could not construct terminal: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go readInput(os.Stdin, term, logger)

	outcome, err := term.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("terminal run failed: %w", err)
	}
	fmt.Println(outcome.Message())

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "terminal failed: %v\n", err)
		os.Exit(42)
	}
}
