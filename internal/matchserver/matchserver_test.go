package matchserver_test

import (
	"context"
	"testing"
	"time"

	"github.com/blukai/tictactoenet/internal/address"
	"github.com/blukai/tictactoenet/internal/game"
	"github.com/blukai/tictactoenet/internal/matchserver"
	"github.com/blukai/tictactoenet/internal/protocol"
	"github.com/blukai/tictactoenet/internal/transport"
	"github.com/matryer/is"
)

const waitTimeout = 2 * time.Second

// startMatch runs a standalone match on an os-assigned port. The returned
// channel yields Run's result.
func startMatch(t *testing.T, config matchserver.Config) (*matchserver.MatchServer, <-chan error) {
	t.Helper()
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if config.Rules == nil {
		config.Rules = game.NewClassic(1)
	}
	ms, err := matchserver.NewMatchServer(ctx, 7, address.AnyLocalPort(), config, nil)
	is.NoErr(err)

	result := make(chan error, 1)
	go func() {
		result <- ms.Run(ctx)
	}()

	return ms, result
}

// player talks to a match the way a terminal would, but reads frames
// synchronously.
type player struct {
	t    *testing.T
	conn *transport.Conn
}

func dial(t *testing.T, ms *matchserver.MatchServer) *player {
	t.Helper()
	is := is.New(t)

	conn, err := transport.Dial(context.Background(), address.Localhost(int(ms.Addr().Port)), nil)
	is.NoErr(err)
	conn.SetIdleTimeout(waitTimeout)
	t.Cleanup(func() { conn.Close() })

	return &player{t: t, conn: conn}
}

func (p *player) send(v any) {
	p.t.Helper()
	is := is.New(p.t)

	payload, err := protocol.Marshal(v)
	is.NoErr(err)
	is.NoErr(p.conn.Send(payload))
}

// next returns the next decoded message; ok is false once the match closed
// the connection.
func (p *player) next() (any, bool) {
	p.t.Helper()
	is := is.New(p.t)

	payload, ok, err := p.conn.Receive()
	is.NoErr(err)
	if !ok {
		return nil, false
	}
	message, err := protocol.Unmarshal(payload)
	is.NoErr(err)
	return message, true
}

// expect skips messages until one satisfies match.
func (p *player) expect(what string, match func(any) bool) any {
	p.t.Helper()

	for {
		message, ok := p.next()
		if !ok {
			p.t.Fatalf("connection closed while waiting for %s", what)
		}
		if match(message) {
			return message
		}
	}
}

func (p *player) expectEvent(tag protocol.Tag) protocol.Event {
	p.t.Helper()

	return p.expect(tag.String(), func(message any) bool {
		event, ok := message.(protocol.Event)
		return ok && event.Tag == tag
	}).(protocol.Event)
}

// join announces symbol and waits until a snapshot lists it.
func (p *player) join(symbol game.Symbol) {
	p.t.Helper()

	p.send(protocol.PlayerJoinEvent(symbol))
	p.expect("own join", func(message any) bool {
		event, ok := message.(protocol.Event)
		if !ok || event.Tag != protocol.TimeElapsed {
			return false
		}
		status, ok := event.Status()
		return ok && status.HasPlayer(symbol)
	})
}

func (p *player) expectError() string {
	p.t.Helper()

	reply := p.expect("error reply", func(message any) bool {
		m, ok := message.(map[string]any)
		if !ok {
			return false
		}
		_, ok = m["error"]
		return ok
	}).(map[string]any)
	return reply["error"].(string)
}

// expectClosed drains whatever is left until the match hangs up.
func (p *player) expectClosed() {
	p.t.Helper()

	for {
		if _, ok := p.next(); !ok {
			return
		}
	}
}

func waitRun(t *testing.T, result <-chan error) {
	t.Helper()
	is := is.New(t)

	select {
	case err := <-result:
		is.NoErr(err)
	case <-time.After(waitTimeout * 2):
		t.Fatal("match did not stop")
	}
}

func startFullMatch(t *testing.T, config matchserver.Config) (*matchserver.MatchServer, <-chan error, *player, *player) {
	t.Helper()
	is := is.New(t)

	ms, result := startMatch(t, config)

	x := dial(t, ms)
	x.join(game.Cross)

	o := dial(t, ms)
	o.join(game.Nought)

	x.expectEvent(protocol.GameStart)
	is.Equal(ms.State(), matchserver.InProgress)

	return ms, result, x, o
}

func TestInitialState(t *testing.T) {
	is := is.New(t)

	ms, _ := startMatch(t, matchserver.Config{})
	is.Equal(ms.ID(), 7)
	is.Equal(ms.State(), matchserver.WaitingForPeers)
	is.True(ms.Addr().Port != 0)
	is.True(ms.Report().BackChannel == nil)
}

func TestNewcomerGetsSnapshot(t *testing.T) {
	is := is.New(t)

	ms, _ := startMatch(t, matchserver.Config{Dim: 4})
	x := dial(t, ms)

	event := x.expectEvent(protocol.TimeElapsed)
	status, ok := event.Status()
	is.True(ok)
	is.Equal(status.Grid.Dim, 4)
	is.Equal(len(status.Players), 0)
	is.Equal(len(ms.Peers()), 1)
}

func TestJoinStartsMatch(t *testing.T) {
	is := is.New(t)

	_, _, x, _ := startFullMatch(t, matchserver.Config{})

	event := x.expectEvent(protocol.TimeElapsed)
	status, ok := event.Status()
	is.True(ok)
	is.Equal(len(status.Players), 2)
	is.Equal(status.Turn, game.Cross)
}

func TestDuplicateSymbolIsRejected(t *testing.T) {
	is := is.New(t)

	ms, _ := startMatch(t, matchserver.Config{})

	x := dial(t, ms)
	x.join(game.Cross)

	impostor := dial(t, ms)
	impostor.send(protocol.PlayerJoinEvent(game.Cross))
	is.True(impostor.expectError() != "")
	is.Equal(ms.State(), matchserver.WaitingForPeers)
}

func TestMoveIsBroadcast(t *testing.T) {
	is := is.New(t)

	_, _, x, o := startFullMatch(t, matchserver.Config{})

	cell := game.Cell{X: 1, Y: 1}
	x.send(protocol.MarkPlacedEvent(cell, game.Cross))

	for _, p := range []*player{x, o} {
		placed := p.expectEvent(protocol.MarkPlaced)
		got, ok := placed.Cell(protocol.FieldCell)
		is.True(ok)
		is.Equal(got, cell)

		p.expectEvent(protocol.ChangeTurn)

		status, ok := p.expectEvent(protocol.TimeElapsed).Status()
		is.True(ok)
		is.True(status.HasMark(cell))
		is.Equal(status.Turn, game.Nought)
	}
}

func TestRuleViolationKeepsConnection(t *testing.T) {
	is := is.New(t)

	_, _, x, o := startFullMatch(t, matchserver.Config{})

	// out of turn
	o.send(protocol.MarkPlacedEvent(game.Cell{X: 0, Y: 0}, game.Nought))
	is.True(o.expectError() != "")

	// someone else's symbol
	o.send(protocol.MarkPlacedEvent(game.Cell{X: 0, Y: 0}, game.Cross))
	is.True(o.expectError() != "")

	x.send(protocol.MarkPlacedEvent(game.Cell{X: 0, Y: 0}, game.Cross))
	x.expectEvent(protocol.ChangeTurn)
	o.expectEvent(protocol.ChangeTurn)

	// occupied
	o.send(protocol.MarkPlacedEvent(game.Cell{X: 0, Y: 0}, game.Nought))
	is.True(o.expectError() != "")

	o.send(protocol.MarkPlacedEvent(game.Cell{X: 2, Y: 2}, game.Nought))
	x.expectEvent(protocol.ChangeTurn)
}

func TestSlowThinkerKeepsMatch(t *testing.T) {
	is := is.New(t)

	ms, _, x, o := startFullMatch(t, matchserver.Config{
		IdleTimeout:  300 * time.Millisecond,
		TickInterval: 50 * time.Millisecond,
	})

	// both players stay silent for longer than the timeout
	time.Sleep(500 * time.Millisecond)
	is.Equal(ms.State(), matchserver.InProgress)

	cell := game.Cell{X: 2, Y: 2}
	x.send(protocol.MarkPlacedEvent(cell, game.Cross))
	for _, p := range []*player{x, o} {
		placed := p.expectEvent(protocol.MarkPlaced)
		got, ok := placed.Cell(protocol.FieldCell)
		is.True(ok)
		is.Equal(got, cell)
	}
	is.Equal(ms.State(), matchserver.InProgress)
	is.Equal(len(ms.Peers()), 2)
}

func TestWinEndsMatch(t *testing.T) {
	is := is.New(t)

	ms, result, x, o := startFullMatch(t, matchserver.Config{})

	moves := []struct {
		p    *player
		cell game.Cell
		sym  game.Symbol
	}{
		{x, game.Cell{X: 0, Y: 0}, game.Cross},
		{o, game.Cell{X: 0, Y: 1}, game.Nought},
		{x, game.Cell{X: 1, Y: 0}, game.Cross},
		{o, game.Cell{X: 1, Y: 1}, game.Nought},
		{x, game.Cell{X: 2, Y: 0}, game.Cross},
	}
	for i, move := range moves {
		move.p.send(protocol.MarkPlacedEvent(move.cell, move.sym))
		if i < len(moves)-1 {
			// wait for the move to land before the opponent answers
			o.expectEvent(protocol.ChangeTurn)
			x.expectEvent(protocol.ChangeTurn)
		}
	}

	for _, p := range []*player{x, o} {
		over := p.expectEvent(protocol.GameOver)
		winner, ok := over.Symbol(protocol.FieldSymbol)
		is.True(ok)
		is.Equal(winner, game.Cross)
		p.expectClosed()
	}

	waitRun(t, result)
	is.Equal(ms.State(), matchserver.Terminated)
}

func TestDisconnectAbandonsFullMatch(t *testing.T) {
	is := is.New(t)

	_, result, x, o := startFullMatch(t, matchserver.Config{})

	o.conn.Close()

	over := x.expectEvent(protocol.GameOver)
	is.Equal(over.Fields[protocol.FieldSymbol], nil)
	left, ok := over.Symbol(protocol.FieldLeft)
	is.True(ok)
	is.Equal(left, game.Nought)

	x.expectClosed()
	waitRun(t, result)
}

func TestDisconnectBeforeStartKeepsWaiting(t *testing.T) {
	is := is.New(t)

	ms, _ := startMatch(t, matchserver.Config{})

	x := dial(t, ms)
	x.join(game.Cross)

	o := dial(t, ms)
	o.expectEvent(protocol.TimeElapsed)
	x.conn.Close()

	// the seat is free again
	status, ok := o.expectEvent(protocol.TimeElapsed).Status()
	is.True(ok)
	is.Equal(len(status.Players), 0)
	is.Equal(ms.State(), matchserver.WaitingForPeers)

	o.send(protocol.PlayerJoinEvent(game.Cross))
	status, ok = o.expectEvent(protocol.TimeElapsed).Status()
	is.True(ok)
	is.Equal(status.Players, []game.Player{{Symbol: game.Cross}})
}

func TestLeaveIsForfeit(t *testing.T) {
	is := is.New(t)

	_, result, x, o := startFullMatch(t, matchserver.Config{})

	x.send(protocol.PlayerLeaveEvent(game.Cross))

	leave := o.expectEvent(protocol.PlayerLeave)
	symbol, ok := leave.Symbol(protocol.FieldSymbol)
	is.True(ok)
	is.Equal(symbol, game.Cross)

	o.expectClosed()
	waitRun(t, result)
}

func TestChatIsRelayed(t *testing.T) {
	is := is.New(t)

	ms, _ := startMatch(t, matchserver.Config{})
	a := dial(t, ms)
	b := dial(t, ms)
	a.expectEvent(protocol.TimeElapsed)
	b.expectEvent(protocol.TimeElapsed)

	a.send("[10:00] Player 'X': good luck")

	for _, p := range []*player{a, b} {
		text := p.expect("chat", func(message any) bool {
			_, ok := message.(string)
			return ok
		})
		is.Equal(text, "[10:00] Player 'X': good luck")
	}
}

func TestUndecodableFrameClosesPeer(t *testing.T) {
	is := is.New(t)

	ms, _ := startMatch(t, matchserver.Config{})
	p := dial(t, ms)
	p.expectEvent(protocol.TimeElapsed)

	is.NoErr(p.conn.Send(`{"$type":"Paddle"}`))
	p.expectClosed()
}

func TestTicksCarrySnapshots(t *testing.T) {
	is := is.New(t)

	ms, _ := startMatch(t, matchserver.Config{TickInterval: 10 * time.Millisecond})
	p := dial(t, ms)

	var updates int
	for updates < 3 {
		event := p.expectEvent(protocol.TimeElapsed)
		status, ok := event.Status()
		is.True(ok)
		updates = status.Updates
	}
}

func TestCancelEndsMatch(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ms, err := matchserver.NewMatchServer(ctx, 1, address.AnyLocalPort(), matchserver.Config{}, nil)
	is.NoErr(err)

	result := make(chan error, 1)
	go func() {
		result <- ms.Run(ctx)
	}()

	p := dial(t, ms)
	p.expectEvent(protocol.TimeElapsed)

	cancel()

	over := p.expectEvent(protocol.GameOver)
	is.Equal(over.Fields[protocol.FieldSymbol], nil)
	p.expectClosed()
	waitRun(t, result)

	select {
	case <-ms.Done():
	default:
		t.Fatal("done is not closed")
	}
}

func TestRunOnlyOnce(t *testing.T) {
	is := is.New(t)

	ms, _ := startMatch(t, matchserver.Config{})
	// wait for the first Run to be in its loop
	p := dial(t, ms)
	p.expectEvent(protocol.TimeElapsed)

	err := ms.Run(context.Background())
	is.True(err != nil)
}

func TestLobbyIsToldWhenMatchEnds(t *testing.T) {
	is := is.New(t)

	lobby, err := transport.Listen(address.AnyLocalPort(), nil)
	is.NoErr(err)
	defer lobby.Close()

	backChannels := make(chan *transport.Conn, 1)
	is.NoErr(lobby.Bind(func(event transport.ServerEvent) {
		if event.Kind == transport.ServerConnect {
			backChannels <- event.Conn
		}
	}))

	lobbyAddr := address.Localhost(int(lobby.Addr().Port))
	ms, result, x, o := startFullMatch(t, matchserver.Config{Lobby: &lobbyAddr})

	var backChannel *transport.Conn
	select {
	case backChannel = <-backChannels:
	case <-time.After(waitTimeout):
		t.Fatal("coordinator did not dial the lobby")
	}
	defer backChannel.Close()
	report := ms.Report()
	is.True(report.BackChannel != nil)
	is.True(report.BackChannel.EquivalentTo(backChannel.RemoteAddr()))

	o.conn.Close()
	x.expectEvent(protocol.GameOver)

	backChannel.SetIdleTimeout(waitTimeout)
	payload, ok, err := backChannel.Receive()
	is.NoErr(err)
	is.True(ok)

	message, err := protocol.Unmarshal(payload)
	is.NoErr(err)
	event, ok := message.(protocol.Event)
	is.True(ok)
	is.Equal(event.Tag, protocol.DeleteGame)
	id, ok := event.Int(protocol.FieldGameID)
	is.True(ok)
	is.Equal(id, ms.ID())

	waitRun(t, result)
}
