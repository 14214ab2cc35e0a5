package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/blukai/tictactoenet/internal/address"
	"github.com/blukai/tictactoenet/internal/byteorder"
	"github.com/blukai/tictactoenet/internal/logging"
	"github.com/google/uuid"
	"github.com/phuslu/log"
)

var (
	ErrTransport    = errors.New("transport error")
	ErrInvalidState = errors.New("invalid state")
	ErrProtocol     = errors.New("protocol error")
)

type ConnEventKind int

const (
	ConnMessage ConnEventKind = iota
	ConnClose
	ConnError
)

func (k ConnEventKind) String() string {
	switch k {
	case ConnMessage:
		return "MESSAGE"
	case ConnClose:
		return "CLOSE"
	case ConnError:
		return "ERROR"
	}
	return fmt.Sprintf("ConnEventKind(%d)", int(k))
}

type ConnEvent struct {
	Kind    ConnEventKind
	Payload string
	Conn    *Conn
	Err     error
}

type ConnCallback func(ConnEvent)

// Conn is a length-framed message stream over one tcp socket.
//
// Frames are [u16 big-endian length][utf-8 payload]. A zero-length frame is
// how a peer says goodbye.
type Conn struct {
	id     uuid.UUID
	conn   net.Conn
	local  address.Address
	remote address.Address

	logger *log.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	callback     ConnCallback
	idleTimeout  time.Duration
	writeTimeout time.Duration

	// closing is set before the socket is closed so that the receive loop
	// can tell a local close from a broken connection.
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(nc net.Conn, logger *log.Logger) (*Conn, error) {
	local, err := address.FromNetAddr(nc.LocalAddr())
	if err != nil {
		return nil, fmt.Errorf("could not convert local addr: %w", err)
	}
	remote, err := address.FromNetAddr(nc.RemoteAddr())
	if err != nil {
		return nil, fmt.Errorf("could not convert remote addr: %w", err)
	}

	return &Conn{
		id:     uuid.New(),
		conn:   nc,
		local:  local,
		remote: remote,

		logger: logging.OrDiscard(logger),

		done: make(chan struct{}),
	}, nil
}

// Dial connects to addr from any local port.
func Dial(ctx context.Context, addr address.Address, logger *log.Logger) (*Conn, error) {
	tcpAddr, err := addr.TCPAddr()
	if err != nil {
		return nil, fmt.Errorf("could not resolve tcp addr: %w", err)
	}

	dialer := net.Dialer{}
	nc, err := dialer.DialContext(ctx, "tcp4", tcpAddr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: could not dial %s: %w", ErrTransport, addr, err)
	}

	conn, err := newConn(nc, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}

	conn.logger.Debug().
		Str("conn", conn.id.String()).
		Stringer("local", conn.local).
		Stringer("remote", conn.remote).
		Msg("dialed")

	return conn, nil
}

func (c *Conn) ID() uuid.UUID {
	return c.id
}

func (c *Conn) LocalAddr() address.Address {
	return c.local
}

func (c *Conn) RemoteAddr() address.Address {
	return c.remote
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// SetIdleTimeout makes Receive fail when nothing arrives for d. Zero disables
// it, which leaves a silently vanished peer undetected until tcp notices.
func (c *Conn) SetIdleTimeout(d time.Duration) {
	c.mu.Lock()
	c.idleTimeout = d
	c.mu.Unlock()
}

// SetWriteTimeout makes a write fail when the peer has not taken the bytes
// within d. Unlike the idle timeout it leaves a quiet but healthy peer alone:
// only a peer that stopped reading (or vanished) lets the socket buffer fill
// up. Zero disables it.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.mu.Lock()
	c.writeTimeout = d
	c.mu.Unlock()
}

// Bind sets the callback and starts the receive loop. It can only be done
// once, and only while the connection is open.
func (c *Conn) Bind(callback ConnCallback) error {
	if callback == nil {
		return fmt.Errorf("%w: nil callback", ErrInvalidState)
	}

	c.mu.Lock()
	// NOTE: checked under mu, Close reads the callback under mu after done
	// is closed, so either we fail here or the callback gets its CLOSE.
	if c.Closed() {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection to %s is closed", ErrInvalidState, c.remote)
	}
	if c.callback != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: callback can only be bound once", ErrInvalidState)
	}
	c.callback = callback
	c.mu.Unlock()

	go c.runRecv()

	return nil
}

// Send writes payload as one frame. An empty payload is the graceful close
// signal.
func (c *Conn) Send(payload string) error {
	if len(payload) > byteorder.MaxShort {
		return fmt.Errorf(
			"%w: payload too big for a frame (got %d; want <= %d)",
			ErrProtocol, len(payload), byteorder.MaxShort,
		)
	}

	frame := make([]byte, 0, byteorder.ShortSize+len(payload))
	frame = append(frame, byteorder.Htons(uint16(len(payload)))...)
	frame = append(frame, payload...)

	if err := c.write(frame); err != nil {
		return err
	}

	c.logger.Debug().
		Str("conn", c.id.String()).
		Int("size", len(payload)).
		Msg("send")

	return nil
}

// SendRaw writes bytes as they are, without a length prefix.
func (c *Conn) SendRaw(data []byte) error {
	return c.write(data)
}

func (c *Conn) write(data []byte) error {
	if c.closing.Load() {
		return fmt.Errorf("%w: connection to %s is closed", ErrTransport, c.remote)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	writeTimeout := c.writeTimeout
	c.mu.Unlock()
	if writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return fmt.Errorf("%w: could not set write deadline: %w", ErrTransport, err)
		}
	}

	for len(data) > 0 {
		n, err := c.conn.Write(data)
		if err != nil {
			return fmt.Errorf("%w: could not write to %s: %w", ErrTransport, c.remote, err)
		}
		data = data[n:]
	}
	return nil
}

// Receive blocks until one whole frame arrives. ok is false when the peer
// closed gracefully (zero-length frame or eof between frames).
func (c *Conn) Receive() (payload string, ok bool, err error) {
	c.mu.Lock()
	idleTimeout := c.idleTimeout
	c.mu.Unlock()
	if idleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return "", false, fmt.Errorf("%w: could not set read deadline: %w", ErrTransport, err)
		}
	}

	header := make([]byte, byteorder.ShortSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: could not read frame header: %w", ErrTransport, err)
	}

	size := byteorder.Ntohs(header)
	if size == 0 {
		return "", false, nil
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return "", false, fmt.Errorf("%w: could not read frame body (want %d bytes): %w", ErrTransport, size, err)
	}
	if !utf8.Valid(body) {
		return "", false, fmt.Errorf("%w: frame is not valid utf-8", ErrProtocol)
	}

	c.logger.Debug().
		Str("conn", c.id.String()).
		Int("size", int(size)).
		Msg("recv")

	return string(body), true, nil
}

// Close closes the socket. It is safe to call any number of times, the CLOSE
// event fires exactly once.
func (c *Conn) Close() error {
	c.closing.Store(true)

	var (
		err   error
		first bool
	)
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		close(c.done)
		first = true
	})
	if !first {
		return nil
	}

	c.logger.Debug().
		Str("conn", c.id.String()).
		Stringer("remote", c.remote).
		Msg("closed")

	// outside of closeOnce so that the callback may call Close again.
	c.emit(ConnEvent{Kind: ConnClose, Conn: c})

	return err
}

func (c *Conn) runRecv() {
	defer c.Close()

	for {
		payload, ok, err := c.Receive()
		if err != nil {
			if c.closing.Load() {
				// the socket was closed on this side, the error is
				// just the read being interrupted.
				return
			}
			c.emit(ConnEvent{Kind: ConnError, Conn: c, Err: err})
			return
		}
		if !ok {
			return
		}
		c.emit(ConnEvent{Kind: ConnMessage, Payload: payload, Conn: c})
	}
}

func (c *Conn) emit(event ConnEvent) {
	c.mu.Lock()
	callback := c.callback
	c.mu.Unlock()

	if callback != nil {
		callback(event)
	}
}
