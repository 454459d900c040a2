// Package udpfabric implements the RDM core's Transport capability over a
// plain UDP socket — the "main fabric" datagram endpoint an Elastic Fabric
// Adapter would otherwise provide. It intentionally does not offer
// reliability, ordering, or a byte-stream abstraction: that is the entire
// point of the rdm package sitting above it. Sends complete synchronously
// (a successful WriteTo is handed straight back to the caller); RNR is
// never surfaced here since a UDP socket has no receiver-credit concept of
// its own.
//
// Grounded on sockatz/common/conn.go's QUICProxyConn: a worker.Worker-owned
// reader pump feeding a channel, adapted from a QUIC-backed net.PacketConn
// wrapper down to a raw net.UDPConn since RDM supplies its own reliability
// layer rather than riding on top of one.
package udpfabric

import (
	"context"
	"net"
	"time"

	"github.com/katzenpost/rdm/pkg/worker"
	"github.com/katzenpost/rdm/rdm"
)

// Transport implements rdm.Transport over a bound *net.UDPConn.
type Transport struct {
	worker.Worker

	conn   *net.UDPConn
	local  rdm.Addr
	recvCh chan rdm.CQEvent
}

// New binds a UDP socket at listenAddr and starts its reader pump.
func New(listenAddr string) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		conn:   conn,
		local:  rdm.NewAddr([]byte(conn.LocalAddr().String())),
		recvCh: make(chan rdm.CQEvent, 1024),
	}
	t.Go(t.readLoop)
	return t, nil
}

func (t *Transport) LocalAddr() rdm.Addr { return t.local }

// Send writes data to addr. A plain UDP socket's WriteTo either accepts the
// datagram or fails immediately; there is no separate queueing stage to
// return rdm.ErrAgain from, so any error here is treated as terminal by the
// caller (spec §7).
func (t *Transport) Send(ctx context.Context, addr rdm.Addr, data []byte, token uint64) error {
	// addr.String() is the hex debug rendering used for logging (wire.go);
	// the original "host:port" bytes handed to rdm.NewAddr live in
	// addr.Bytes(), which is what must be resolved here.
	udpAddr, err := net.ResolveUDPAddr("udp", string(addr.Bytes()))
	if err != nil {
		return err
	}
	_, err = t.conn.WriteTo(data, udpAddr)
	return err
}

func (t *Transport) readLoop() {
	buf := make([]byte, 65536)
	for {
		t.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := t.conn.ReadFrom(buf)
		select {
		case <-t.HaltCh():
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case t.recvCh <- rdm.CQEvent{Kind: rdm.CQError, Err: err}:
			case <-t.HaltCh():
			}
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		ev := rdm.CQEvent{
			Kind: rdm.CQRecv,
			Data: data,
			Peer: rdm.NewAddr([]byte(addr.String())),
		}
		select {
		case t.recvCh <- ev:
		case <-t.HaltCh():
			return
		}
	}
}

// PostRecv is a no-op: a plain UDP socket always has room for the next
// datagram, unlike a verbs-level EFA queue pair that needs buffers pinned
// ahead of time.
func (t *Transport) PostRecv() error { return nil }

// PollCQ drains whatever the reader goroutine queued since the last call.
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

func (t *Transport) Close() error {
	t.Halt()
	return t.conn.Close()
}
