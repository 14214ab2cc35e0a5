package address_test

import (
	"errors"
	"net"
	"testing"

	"github.com/blukai/tictactoenet/internal/address"
	"github.com/matryer/is"
)

func TestNewPortRange(t *testing.T) {
	is := is.New(t)

	for _, port := range []int{0, 1, 80, 12345, 65535} {
		addr, err := address.New("localhost", port)
		is.NoErr(err)
		is.Equal(int(addr.Port), port)
	}

	for _, port := range []int{-1, 65536, 1 << 20} {
		_, err := address.New("localhost", port)
		is.True(errors.Is(err, address.ErrInvalidAddress))
	}
}

func TestEmptyHostIsWildcard(t *testing.T) {
	is := is.New(t)

	addr, err := address.New("  ", 42)
	is.NoErr(err)
	is.Equal(addr.Host, address.AnyHost)

	is.Equal(address.AnyLocalPort().Host, address.AnyHost)
	is.Equal(address.AnyLocalPort().Port, uint16(0))
	is.Equal(address.LocalPortOnAnyInterface(7).String(), "0.0.0.0:7")
}

func TestEquivalentTo(t *testing.T) {
	is := is.New(t)

	a := address.MustNew("localhost", 9)
	b := address.MustNew("127.0.0.1", 9)
	c := address.MustNew("127.0.0.1", 10)

	is.True(a.EquivalentTo(b))
	is.True(b.EquivalentTo(a))
	is.True(!b.EquivalentTo(c))
	is.Equal(a.Key(), b.Key())
}

func TestResolveIsCached(t *testing.T) {
	is := is.New(t)

	addr := address.MustNew("localhost", 1)
	first, err := addr.Resolve()
	is.NoErr(err)

	copied := addr
	second, err := copied.Resolve()
	is.NoErr(err)
	is.True(first.Equal(second))
}

func TestParse(t *testing.T) {
	is := is.New(t)

	addr, err := address.Parse("127.0.0.1:12345")
	is.NoErr(err)
	is.Equal(addr.Host, "127.0.0.1")
	is.Equal(addr.Port, uint16(12345))

	_, err = address.Parse("127.0.0.1:70000")
	is.True(errors.Is(err, address.ErrInvalidAddress))

	_, err = address.Parse("no-port")
	is.True(errors.Is(err, address.ErrInvalidAddress))
}

func TestFromNetAddr(t *testing.T) {
	is := is.New(t)

	addr, err := address.FromNetAddr(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242})
	is.NoErr(err)
	is.Equal(addr.IP(), "127.0.0.1")
	is.True(addr.EquivalentTo(address.Localhost(4242)))
}
