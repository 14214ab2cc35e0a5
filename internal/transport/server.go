package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/blukai/tictactoenet/internal/address"
	"github.com/blukai/tictactoenet/internal/logging"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

type ServerEventKind int

const (
	ServerListen ServerEventKind = iota
	ServerConnect
	ServerStop
	ServerError
)

func (k ServerEventKind) String() string {
	switch k {
	case ServerListen:
		return "LISTEN"
	case ServerConnect:
		return "CONNECT"
	case ServerStop:
		return "STOP"
	case ServerError:
		return "ERROR"
	}
	return fmt.Sprintf("ServerEventKind(%d)", int(k))
}

type ServerEvent struct {
	Kind ServerEventKind
	Conn *Conn
	Addr address.Address
	Err  error
}

type ServerCallback func(ServerEvent)

// Server accepts tcp connections and keeps them in a table keyed by the
// remote address.
type Server struct {
	ln   *net.TCPListener
	addr address.Address

	logger *log.Logger

	mu       sync.Mutex
	callback ServerCallback
	conns    map[address.Key]*Conn

	closing   atomic.Bool
	closeOnce sync.Once
}

// Listen binds right away; accepting starts once a callback is bound.
func Listen(addr address.Address, logger *log.Logger) (*Server, error) {
	tcpAddr, err := addr.TCPAddr()
	if err != nil {
		return nil, fmt.Errorf("could not resolve tcp addr: %w", err)
	}

	ln, err := net.ListenTCP("tcp4", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("could not listen tcp: %w", err)
	}

	// keep the requested host, the os only fills in the port.
	bound, err := address.New(addr.Host, ln.Addr().(*net.TCPAddr).Port)
	if err != nil {
		ln.Close()
		return nil, err
	}

	s := &Server{
		ln:   ln,
		addr: bound,

		logger: logging.OrDiscard(logger),

		conns: make(map[address.Key]*Conn),
	}

	s.logger.Debug().
		Stringer("addr", bound).
		Msg("bound tcp socket")

	return s, nil
}

// Addr can be useful to retreive the port when Server was constructed with
// port 0.
func (s *Server) Addr() address.Address {
	return s.addr
}

func (s *Server) Bind(callback ServerCallback) error {
	if callback == nil {
		return fmt.Errorf("%w: nil callback", ErrInvalidState)
	}

	s.mu.Lock()
	if s.callback != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: callback can only be bound once", ErrInvalidState)
	}
	s.callback = callback
	s.mu.Unlock()

	go s.runAccept()

	return nil
}

func (s *Server) runAccept() {
	// STOP is fired exactly once because the loop only ever runs once.
	defer s.emit(ServerEvent{Kind: ServerStop, Addr: s.addr})

	s.emit(ServerEvent{Kind: ServerListen, Addr: s.addr})

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.closing.Load() && errors.Is(err, net.ErrClosed) {
				return
			}
			s.emit(ServerEvent{Kind: ServerError, Addr: s.addr, Err: fmt.Errorf("%w: could not accept: %w", ErrTransport, err)})
			return
		}

		conn, err := newConn(nc, s.logger)
		if err != nil {
			s.logger.Error().
				Err(err).
				Msg("could not wrap accepted connection")
			nc.Close()
			continue
		}

		s.mu.Lock()
		s.conns[conn.remote.Key()] = conn
		s.mu.Unlock()

		s.logger.Debug().
			Str("conn", conn.id.String()).
			Stringer("remote", conn.remote).
			Msg("accepted")

		s.emit(ServerEvent{Kind: ServerConnect, Conn: conn, Addr: conn.remote})
	}
}

func (s *Server) emit(event ServerEvent) {
	s.mu.Lock()
	callback := s.callback
	s.mu.Unlock()

	if callback != nil {
		callback(event)
	}
}

// Conn looks up an accepted connection by the peer's address.
func (s *Server) Conn(addr address.Address) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[addr.Key()]
	return conn, ok
}

// Remove forgets an accepted connection. It does not close it.
func (s *Server) Remove(addr address.Address) {
	s.mu.Lock()
	delete(s.conns, addr.Key())
	s.mu.Unlock()
}

func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Close stops listening. Accepted connections are left alone, see CloseConns.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		err = s.ln.Close()
	})
	return err
}

// CloseConns closes every accepted connection.
func (s *Server) CloseConns() error {
	var errs error
	for _, conn := range s.Conns() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
