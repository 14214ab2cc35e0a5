// Package address implements the host/port value used to name lobbies,
// coordinators and peers.
package address

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var ErrInvalidAddress = errors.New("invalid address")

// AnyHost is what an empty host normalizes to.
const AnyHost = "0.0.0.0"

type resolution struct {
	once sync.Once
	ip   net.IP
	err  error
}

// Address is a host/port pair. The host is resolved to an IP lazily, on first
// use, and the result is kept for the lifetime of the value (copies share
// it).
type Address struct {
	Host string
	Port uint16

	res *resolution
}

func New(host string, port int) (Address, error) {
	if port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("%w: port %d is out of range [0, 65535]", ErrInvalidAddress, port)
	}

	host = strings.TrimSpace(host)
	if host == "" {
		host = AnyHost
	}

	return Address{
		Host: host,
		Port: uint16(port),
		res:  new(resolution),
	}, nil
}

// MustNew is New for constants known to be valid.
func MustNew(host string, port int) Address {
	addr, err := New(host, port)
	if err != nil {
		panic(err)
	}
	return addr
}

// Parse parses "host:port". IPv6 hosts must be bracketed.
func Parse(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("%w: port %q is not a number", ErrInvalidAddress, portStr)
	}
	return New(host, port)
}

// FromNetAddr converts the address of an accepted or dialed socket.
func FromNetAddr(addr net.Addr) (Address, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return FromIPPort(a.IP, a.Port)
	case *net.UDPAddr:
		return FromIPPort(a.IP, a.Port)
	}
	return Parse(addr.String())
}

// FromIPPort builds an already resolved address.
func FromIPPort(ip net.IP, port int) (Address, error) {
	addr, err := New(ip.String(), port)
	if err != nil {
		return Address{}, err
	}
	addr.res.once.Do(func() {
		addr.res.ip = ip
	})
	return addr, nil
}

// LocalPortOnAnyInterface is the wildcard bind address for port.
func LocalPortOnAnyInterface(port int) Address {
	return MustNew(AnyHost, port)
}

func Localhost(port int) Address {
	return MustNew("127.0.0.1", port)
}

// AnyLocalPort lets the OS pick the port at bind time.
func AnyLocalPort() Address {
	return MustNew("", 0)
}

// Resolve looks the host up once and returns the cached IP afterwards.
func (a Address) Resolve() (net.IP, error) {
	res := a.res
	if res == nil {
		// zero value Address; resolve without caching.
		res = new(resolution)
	}

	res.once.Do(func() {
		host := a.Host
		if host == "" {
			host = AnyHost
		}
		if ip := net.ParseIP(host); ip != nil {
			res.ip = ip
			return
		}
		ips, err := net.LookupIP(host)
		if err != nil {
			res.err = fmt.Errorf("could not resolve %q: %w", host, err)
			return
		}
		// prefer ipv4, sockets here are bound on 0.0.0.0
		res.ip = ips[0]
		for _, ip := range ips {
			if ip.To4() != nil {
				res.ip = ip
				break
			}
		}
	})

	return res.ip, res.err
}

// IP returns the resolved IP as text, or the raw host if resolution fails.
func (a Address) IP() string {
	ip, err := a.Resolve()
	if err != nil {
		return a.Host
	}
	return canonicalIP(ip)
}

// EquivalentTo compares resolved IPs and ports, so "localhost:9" and
// "127.0.0.1:9" are equivalent.
func (a Address) EquivalentTo(other Address) bool {
	if a.Port != other.Port {
		return false
	}
	ip, err := a.Resolve()
	if err != nil {
		return false
	}
	otherIP, err := other.Resolve()
	if err != nil {
		return false
	}
	return ip.Equal(otherIP)
}

// Key identifies the address by resolved identity in connection tables.
type Key uint64

func (a Address) Key() Key {
	return Key(xxhash.Sum64String(net.JoinHostPort(a.IP(), strconv.Itoa(int(a.Port)))))
}

func (a Address) TCPAddr() (*net.TCPAddr, error) {
	ip, err := a.Resolve()
	if err != nil {
		return nil, err
	}
	return &net.TCPAddr{IP: ip, Port: int(a.Port)}, nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

func canonicalIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
