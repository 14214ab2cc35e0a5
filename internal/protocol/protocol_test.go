package protocol_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/blukai/tictactoenet/internal/game"
	"github.com/blukai/tictactoenet/internal/protocol"
	"github.com/matryer/is"
)

func roundTrip[T any](t *testing.T, original T) T {
	t.Helper()
	is := is.New(t)

	encoded, err := protocol.Marshal(original)
	is.NoErr(err)

	decoded, err := protocol.Unmarshal(encoded)
	is.NoErr(err)

	typed, ok := decoded.(T)
	if !ok {
		t.Fatalf("decoded %T, want %T (payload %s)", decoded, original, encoded)
	}
	return typed
}

func newSnapshot(players, marks, updates int) *game.TicTacToe {
	state := game.New(game.Vector2{X: 600, Y: 600}, 3)
	for _, symbol := range []game.Symbol{game.Cross, game.Nought}[:players] {
		state.Players = append(state.Players, game.Player{Symbol: symbol})
	}
	for i := 0; i < marks; i++ {
		cell := state.Grid.Cells[i]
		mark := game.NewMark(cell, game.Symbol(i%2))
		mark.Size = state.Size.Div(3)
		mark.Position = state.Config.CellCenter(cell)
		state.PlaceMark(mark)
	}
	for i := 0; i < updates; i++ {
		state.Update(1.5)
	}
	return state
}

func TestSnapshotRoundTrip(t *testing.T) {
	is := is.New(t)

	for players := 0; players <= game.LobbySize; players++ {
		for marks := 0; marks <= 9; marks += 3 {
			for _, updates := range []int{0, 1, 7} {
				original := newSnapshot(players, marks, updates)
				decoded := roundTrip(t, original)
				is.Equal(decoded, original)
				is.Equal(len(decoded.Players), players)
			}
		}
	}
}

func TestSnapshotRoundTripKeepsNilSlices(t *testing.T) {
	is := is.New(t)

	original := &game.TicTacToe{Grid: game.NewGrid(2), Turn: game.Nought}
	decoded := roundTrip(t, original)
	is.Equal(decoded, original)
	is.True(decoded.Players == nil)
	is.True(decoded.Marks == nil)
}

func TestEntityRoundTrip(t *testing.T) {
	is := is.New(t)

	is.Equal(roundTrip(t, game.Vector2{X: 1, Y: -2.25}), game.Vector2{X: 1, Y: -2.25})
	is.Equal(roundTrip(t, game.Cell{X: 2, Y: 1}), game.Cell{X: 2, Y: 1})
	is.Equal(roundTrip(t, game.Nought), game.Nought)
	is.Equal(roundTrip(t, game.Player{Symbol: game.Cross}), game.Player{Symbol: game.Cross})
	is.Equal(roundTrip(t, game.NewGrid(3)), game.NewGrid(3))
	is.Equal(roundTrip(t, game.Config{CellWidth: 200, CellHeight: 133.5}), game.Config{CellWidth: 200, CellHeight: 133.5})

	mark := game.NewMark(game.Cell{X: 0, Y: 2}, game.Nought)
	mark.Size = game.Vector2{X: 200, Y: 200}
	mark.Position = game.Vector2{X: 100, Y: 500}
	is.Equal(roundTrip(t, mark), mark)
}

func TestEventRoundTrip(t *testing.T) {
	is := is.New(t)

	cross := game.Cross
	events := []protocol.Event{
		protocol.PlayerJoinEvent(game.Nought),
		protocol.PlayerLeaveEvent(game.Cross),
		protocol.GameStartEvent(),
		protocol.GameOverEvent(&cross),
		protocol.GameOverEvent(nil),
		protocol.AbandonedEvent(&cross),
		protocol.MarkPlacedEvent(game.Cell{X: 1, Y: 1}, game.Cross),
		protocol.ChangeTurnEvent(),
		protocol.TimeElapsedEvent(0.016, nil),
		protocol.TimeElapsedEvent(1, newSnapshot(2, 4, 2)),
		protocol.CreateGameEvent(game.Cross),
		protocol.DeleteGameEvent(3),
		protocol.JoinGameEvent(42, game.Nought),
		{Tag: protocol.ChangeTurn},
	}

	for _, event := range events {
		is.Equal(roundTrip(t, event), event)
	}
}

func TestNumbersKeepTheirKind(t *testing.T) {
	is := is.New(t)

	event := protocol.TimeElapsedEvent(1, nil)
	decoded := roundTrip(t, event)

	dt, ok := decoded.Fields[protocol.FieldDT].(float64)
	is.True(ok)
	is.Equal(dt, 1.0)

	event = protocol.DeleteGameEvent(7)
	decoded = roundTrip(t, event)
	id, ok := decoded.Fields[protocol.FieldGameID].(int)
	is.True(ok)
	is.Equal(id, 7)

	is.Equal(roundTrip(t, 1e21), 1e21)
	is.Equal(roundTrip(t, math.SmallestNonzeroFloat64), math.SmallestNonzeroFloat64)
}

func TestTagsAreWrittenByName(t *testing.T) {
	is := is.New(t)

	encoded, err := protocol.Marshal(protocol.MarkPlacedEvent(game.Cell{X: 0, Y: 1}, game.Cross))
	is.NoErr(err)

	var tree map[string]any
	is.NoErr(json.Unmarshal([]byte(encoded), &tree))
	is.Equal(tree["$type"], "Event")

	tag := tree["type"].(map[string]any)
	is.Equal(tag["$type"], "ControlEvent")
	is.Equal(tag["name"], "MARK_PLACED")

	dict := tree["dict"].(map[string]any)
	symbol := dict["symbol"].(map[string]any)
	is.Equal(symbol["name"], "CROSS")

	encoded, err = protocol.Marshal(protocol.JoinGameEvent(1, game.Cross))
	is.NoErr(err)
	is.NoErr(json.Unmarshal([]byte(encoded), &tree))
	tag = tree["type"].(map[string]any)
	is.Equal(tag["$type"], "LobbyEvent")
	is.Equal(tag["name"], "JOIN_GAME")
}

func TestEveryTagResolves(t *testing.T) {
	is := is.New(t)

	for tag := protocol.Tag(1); tag < protocol.LobbyMax; tag++ {
		if tag == protocol.ControlMax {
			continue
		}
		is.Equal(roundTrip(t, tag), tag)
	}
}

func TestUnknownTypes(t *testing.T) {
	is := is.New(t)

	payloads := []string{
		`{"$type":"Paddle","x":1}`,
		`{"$type":"ControlEvent","name":"TELEPORT"}`,
		`{"$type":"LobbyEvent","name":"MARK_PLACED"}`,
		`{"$type":"Symbol","name":"TRIANGLE"}`,
		`{"$type":"Event","type":{"$type":"ControlEvent","name":"NOPE"},"dict":{}}`,
		`{"outer":[{"$type":"Nested"}]}`,
	}
	for _, payload := range payloads {
		_, err := protocol.Unmarshal(payload)
		is.True(errors.Is(err, protocol.ErrUnsupportedType)) // payload should be rejected
	}

	_, err := protocol.Marshal(struct{}{})
	is.True(errors.Is(err, protocol.ErrUnsupportedType))

	_, err = protocol.Marshal(math.NaN())
	is.True(errors.Is(err, protocol.ErrUnsupportedType))
}

func TestMalformedPayloads(t *testing.T) {
	is := is.New(t)

	payloads := []string{
		``,
		`{`,
		`{"a":1} {"b":2}`,
		`{"$type":"Cell","x":1}`,
		`{"$type":"Cell","x":"one","y":2}`,
		`{"$type":"Grid","dim":3,"cells":{}}`,
		`{"$type":42}`,
	}
	for _, payload := range payloads {
		_, err := protocol.Unmarshal(payload)
		is.True(errors.Is(err, protocol.ErrMalformed)) // payload should be malformed
	}
}

func TestPlainValues(t *testing.T) {
	is := is.New(t)

	is.Equal(roundTrip(t, "[10:00] Player 'X': hi"), "[10:00] Player 'X': hi")
	is.Equal(roundTrip(t, true), true)
	is.Equal(roundTrip(t, []any{"a", 1, 2.5, nil}), []any{"a", 1, 2.5, nil})

	nested := map[string]any{"list": []any{game.Cell{X: 1, Y: 2}}, "n": 3}
	is.Equal(roundTrip(t, nested), nested)
}

func TestReplies(t *testing.T) {
	is := is.New(t)

	decoded := roundTrip(t, protocol.CoordinatorReply("127.0.0.1", 4242))
	reply, err := protocol.ParseReply(decoded)
	is.NoErr(err)
	is.Equal(reply.Error, "")
	is.Equal(reply.Coordinator.IP(), "127.0.0.1")
	is.Equal(reply.Coordinator.Port, uint16(4242))

	decoded = roundTrip(t, protocol.ErrorReply("Game 9 does not exist! Impossible to join."))
	reply, err = protocol.ParseReply(decoded)
	is.NoErr(err)
	is.True(reply.Coordinator == nil)
	is.Equal(reply.Error, "Game 9 does not exist! Impossible to join.")

	_, err = protocol.ParseReply(map[string]any{"coordinator": []any{"127.0.0.1", 70000}})
	is.True(errors.Is(err, protocol.ErrMalformed))

	_, err = protocol.ParseReply(map[string]any{"hello": 1})
	is.True(errors.Is(err, protocol.ErrMalformed))
}
