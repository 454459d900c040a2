// Package shm implements the RDM core's Transport capability for co-located
// peers: an in-process, channel-bridged sibling to transport/udpfabric, used
// whenever the application marks a peer as local and enable_shm_transfer is
// set (spec §4.2/§6). There is no real shared-memory mapping here — packets
// are handed directly from one Endpoint's send path to the other's receive
// queue — but the Transport contract is identical to udpfabric's, so the
// rdm engine never needs to know which one it is talking to.
//
// Grounded on sockatz/common/conn.go's QUICProxyConn: a pair of buffered
// channels standing in for a connection's incoming/outgoing queues, the same
// channel-bridged shape adapted here to bridge two co-located Endpoints
// directly instead of proxying QUIC frames over a net.PacketConn.
package shm

import (
	"context"
	"sync"

	"github.com/katzenpost/rdm/rdm"
)

// bus is the process-wide directory of named shm endpoints, analogous to
// the address-vector resolution spec §1 puts out of scope: every Transport
// registered on it can reach any other by the name it was created with.
type bus struct {
	mu   sync.Mutex
	byID map[string]*Transport
}

var defaultBus = &bus{byID: make(map[string]*Transport)}

// Transport implements rdm.Transport by exchanging wire bytes directly with
// another Transport registered on the same bus.
type Transport struct {
	local rdm.Addr

	recvCh chan rdm.CQEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// New registers a shared-memory endpoint under name and returns its
// Transport. Any other Transport in the process reaches it by sending to
// that name; a later New with the same name replaces it in the directory.
// queueCap bounds its inbound queue (the "ring" whose exhaustion Send
// reports as rdm.ErrAgain).
func New(name string, queueCap int) *Transport {
	if queueCap <= 0 {
		queueCap = 1024
	}
	t := &Transport{
		local:  rdm.NewAddr([]byte(name)),
		recvCh: make(chan rdm.CQEvent, queueCap),
		closed: make(chan struct{}),
	}
	defaultBus.mu.Lock()
	defaultBus.byID[name] = t
	defaultBus.mu.Unlock()
	return t
}

func (t *Transport) LocalAddr() rdm.Addr { return t.local }

// Send delivers data directly into the destination Transport's receive
// queue. If the destination's queue is full, Send returns rdm.ErrAgain
// rather than blocking, matching Transport.Send's non-blocking contract.
func (t *Transport) Send(ctx context.Context, addr rdm.Addr, data []byte, token uint64) error {
	defaultBus.mu.Lock()
	dst, ok := defaultBus.byID[string(addr.Bytes())]
	defaultBus.mu.Unlock()
	if !ok {
		return &rdm.PeerFatalError{Peer: addr, Err: errUnknownPeer}
	}
	cp := append([]byte(nil), data...)
	ev := rdm.CQEvent{Kind: rdm.CQRecv, Data: cp, Peer: t.local}
	select {
	case dst.recvCh <- ev:
		return nil
	default:
		return rdm.ErrAgain
	}
}

// PostRecv is a no-op: the bus channel always has room up to queueCap,
// unlike a verbs-level queue pair that needs buffers pinned ahead of time.
func (t *Transport) PostRecv() error { return nil }

// PollCQ drains whatever has arrived since the last call.
func (t *Transport) PollCQ(max int) []rdm.CQEvent {
	var out []rdm.CQEvent
	for max <= 0 || len(out) < max {
		select {
		case ev := <-t.recvCh:
			out = append(out, ev)
		default:
			return out
		}
	}
	return out
}

// Close unregisters the transport from the bus. Idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		defaultBus.mu.Lock()
		for name, v := range defaultBus.byID {
			if v == t {
				delete(defaultBus.byID, name)
			}
		}
		defaultBus.mu.Unlock()
	})
	return nil
}

var errUnknownPeer = &unknownPeerError{}

type unknownPeerError struct{}

func (*unknownPeerError) Error() string { return "shm: no co-located peer registered under that address" }
