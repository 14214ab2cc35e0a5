package lobbyserver

import (
	"errors"
	"testing"

	"github.com/blukai/tictactoenet/internal/address"
	"github.com/matryer/is"
)

func TestBackChannelLossMapsToOneMatch(t *testing.T) {
	is := is.New(t)

	ls, err := NewLobbyServer(address.AnyLocalPort(), Config{}, nil)
	is.NoErr(err)
	defer ls.server.Close()

	cancelled := map[int]int{}
	register := func(id int, backChannel address.Address) {
		ls.matches[id] = &entry{
			Match: Match{
				ID:          id,
				Addr:        address.Localhost(40000 + id),
				BackChannel: &backChannel,
			},
			cancel: func() { cancelled[id]++ },
		}
	}
	register(1, address.MustNew("127.0.0.1", 50001))
	register(2, address.MustNew("127.0.0.1", 50002))

	// an unrelated connection going away changes nothing
	ls.handleGone(address.MustNew("127.0.0.1", 50003))
	is.Equal(len(ls.Matches()), 2)

	// matched by resolved identity, not by spelling
	ls.handleGone(address.MustNew("localhost", 50002))
	matches := ls.Matches()
	is.Equal(len(matches), 1)
	is.Equal(matches[0].ID, 1)
	is.Equal(cancelled[2], 1)
	is.Equal(cancelled[1], 0)

	// a second close of the same back-channel is a no-op
	ls.handleGone(address.MustNew("127.0.0.1", 50002))
	is.Equal(len(ls.Matches()), 1)
	is.Equal(cancelled[2], 1)
}

func TestDeleteUnknownGame(t *testing.T) {
	is := is.New(t)

	ls, err := NewLobbyServer(address.AnyLocalPort(), Config{}, nil)
	is.NoErr(err)
	defer ls.server.Close()

	err = ls.deleteGame(3)
	is.True(errors.Is(err, ErrNotFound))
}

func TestNextID(t *testing.T) {
	is := is.New(t)

	ls, err := NewLobbyServer(address.AnyLocalPort(), Config{}, nil)
	is.NoErr(err)
	defer ls.server.Close()

	is.Equal(ls.nextID(), 1)

	ls.matches[4] = &entry{Match: Match{ID: 4}, cancel: func() {}}
	ls.matches[2] = &entry{Match: Match{ID: 2}, cancel: func() {}}
	is.Equal(ls.nextID(), 5)
}
