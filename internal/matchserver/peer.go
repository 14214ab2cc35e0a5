package matchserver

import (
	"errors"
	"fmt"

	"github.com/blukai/tictactoenet/internal/address"
	"github.com/blukai/tictactoenet/internal/game"
	"github.com/blukai/tictactoenet/internal/protocol"
	"github.com/blukai/tictactoenet/internal/transport"
	"github.com/hashicorp/go-multierror"
)

var ErrSlowPeer = errors.New("peer is too slow")

type peer struct {
	conn  *transport.Conn
	queue chan string

	// symbol and closed are only touched by the dispatch goroutine.
	symbol *game.Symbol
	closed bool
}

func (p *peer) addr() address.Address {
	return p.conn.RemoteAddr()
}

func (ms *MatchServer) addPeer(conn *transport.Conn) *peer {
	p := &peer{
		conn:  conn,
		queue: make(chan string, ms.config.QueueSize),
	}

	ms.mu.Lock()
	ms.peers[conn.RemoteAddr().Key()] = p
	ms.mu.Unlock()

	ms.writers.Add(1)
	go ms.runWriter(p)

	return p
}

func (ms *MatchServer) lookupPeer(conn *transport.Conn) (*peer, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	p, ok := ms.peers[conn.RemoteAddr().Key()]
	if !ok || p.conn != conn {
		return nil, false
	}
	return p, true
}

func (ms *MatchServer) removePeer(conn *transport.Conn) (*peer, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	key := conn.RemoteAddr().Key()
	p, ok := ms.peers[key]
	if !ok || p.conn != conn {
		return nil, false
	}
	delete(ms.peers, key)
	return p, true
}

func (ms *MatchServer) listPeers() []*peer {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	peers := make([]*peer, 0, len(ms.peers))
	for _, p := range ms.peers {
		peers = append(peers, p)
	}
	return peers
}

// Peers returns the addresses of the currently connected peers.
func (ms *MatchServer) Peers() []address.Address {
	peers := ms.listPeers()
	addrs := make([]address.Address, 0, len(peers))
	for _, p := range peers {
		addrs = append(addrs, p.addr())
	}
	return addrs
}

// runWriter owns every write to one peer, so a slow peer only ever stalls
// its own queue.
func (ms *MatchServer) runWriter(p *peer) {
	defer ms.writers.Done()

	for payload := range p.queue {
		if err := p.conn.Send(payload); err != nil {
			ms.logger.Debug().
				Err(err).
				Stringer("peer", p.addr()).
				Msg("could not send")

			p.conn.Close()
			for range p.queue {
			}
			return
		}
	}
}

func (ms *MatchServer) closeQueue(p *peer) {
	if p.closed {
		return
	}
	p.closed = true
	close(p.queue)
}

func (ms *MatchServer) enqueue(p *peer, payload string) error {
	if p.closed {
		return nil
	}

	select {
	case p.queue <- payload:
		return nil
	default:
		// the close is picked up by the peer's CLOSE event like any other
		// disconnect.
		p.conn.Close()
		return fmt.Errorf("%w: dropped %s", ErrSlowPeer, p.addr())
	}
}

func (ms *MatchServer) sendTo(p *peer, v any) {
	payload, err := protocol.Marshal(v)
	if err != nil {
		ms.logger.Error().
			Err(err).
			Msg("could not marshal message")
		return
	}
	if err := ms.enqueue(p, payload); err != nil {
		ms.logger.Warn().
			Err(err).
			Msg("could not send")
	}
}

func (ms *MatchServer) replyError(p *peer, err error) {
	ms.sendTo(p, protocol.ErrorReply(err.Error()))
}

// broadcast serializes v once and queues it for every peer. It never
// blocks.
func (ms *MatchServer) broadcast(v any) error {
	payload, err := protocol.Marshal(v)
	if err != nil {
		return fmt.Errorf("could not marshal broadcast: %w", err)
	}

	var errs error
	for _, p := range ms.listPeers() {
		if err := ms.enqueue(p, payload); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		ms.logger.Warn().
			Err(errs).
			Msg("broadcast did not reach every peer")
	}
	return errs
}

func (ms *MatchServer) broadcastStatus(dt float64) {
	ms.broadcast(protocol.TimeElapsedEvent(dt, ms.game))
}
