package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/tictactoenet/internal/address"
	"github.com/blukai/tictactoenet/internal/game"
	"github.com/blukai/tictactoenet/internal/lobbyserver"
	"github.com/blukai/tictactoenet/internal/logging"
	"github.com/blukai/tictactoenet/internal/matchserver"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Addr         string        `envconfig:"ADDR" required:"true" default:"0.0.0.0:5000"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`
	TickInterval time.Duration `envconfig:"TICK_INTERVAL" default:"1s"`
	// IdleTimeout bounds stalled writes to a player; 0 disables it.
	IdleTimeout time.Duration `envconfig:"IDLE_TIMEOUT" default:"0"`
	Dim         int           `envconfig:"DIM" default:"3"`
	BoardSize   float64       `envconfig:"BOARD_SIZE" default:"600"`
}

func loadConfig() (*Config, error) {
	// a missing .env is fine, the environment alone is enough.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("could not load .env: %w", err)
	}

	config := new(Config)
	if err := envconfig.Process("lobby", config); err != nil {
		return nil, err
	}
	return config, nil
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := logging.Console(config.LogLevel)

	addr, err := address.Parse(config.Addr)
	if err != nil {
		return fmt.Errorf("could not parse lobby addr: %w", err)
	}

	lobbyServer, err := lobbyserver.NewLobbyServer(addr, lobbyserver.Config{
		Match: matchserver.Config{
			Dim:          config.Dim,
			BoardSize:    game.Vector2{X: config.BoardSize, Y: config.BoardSize},
			TickInterval: config.TickInterval,
			IdleTimeout:  config.IdleTimeout,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("could not construct lobby server: %w", err)
	}
	logger.Info().Msgf("started lobby server on %s", lobbyServer.Addr())

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var lobbyServerRunErr error
	go func() {
		defer wg.Done()
		lobbyServerRunErr = lobbyServer.Run(ctx)
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()
	if lobbyServerRunErr != nil {
		return fmt.Errorf("lobby server run failed: %w", lobbyServerRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "lobby failed: %v\n", err)
		os.Exit(42)
	}
}
