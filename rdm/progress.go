package rdm

import (
	"container/list"

	"github.com/katzenpost/rdm/internal/instrument"
)

// now64 stands in for a monotonic microsecond clock. The hosting runtime
// supplies it on every Progress call rather than the engine reading a
// system clock itself, keeping the core free of wall-clock side effects
// (and trivially testable against a fake clock) — generalized from
// client2/arq.go's pattern of taking a time.Time/Duration as a parameter
// rather than calling time.Now() deep in retry logic.
type now64 = uint64

// Progress runs exactly one pass of spec §4.7's pump: poll both transport
// completion queues, expire RNR backoff, drain queued retries, and repost
// receive buffers. Large sends have no streaming step of their own: their
// data packets go out when a CTS arrives (onCTS) or when a queued entry is
// retried. It must be called repeatedly by the hosting runtime; it never
// blocks.
func (e *Endpoint) Progress(now now64) {
	e.now = now
	e.pollCQ(e.main, e.cfg.RDM.EfaCQReadSize, now)
	if e.shm != nil {
		e.pollCQ(e.shm, e.cfg.RDM.ShmCQReadSize, now)
	}

	e.peers.resetBackoffPassFlags()
	for _, p := range e.peers.expireBackoff(now) {
		e.drainPeerQueued(p)
	}
	instrument.SetPeersInBackoff(e.peers.backoffCount())

	e.drainQueuedList(e.txQueued, e.retryTx)
	e.drainQueuedList(e.rxQueued, e.retryRx)

	e.repostBuffers(e.main, &e.postedMain, e.rxBufsMainToPost)
	if e.shm != nil {
		e.repostBuffers(e.shm, &e.postedSHM, e.rxBufsSHMToPost)
	}
}

// pollCQ drains up to max completions from t and dispatches each to the
// appropriate state-machine handler, per §4.7 step 1/2 and the failure
// classification in the final paragraph of §4.7. Transport.Send is
// synchronous (see transport.go), so there is no CQSend case here: a send's
// outcome is handled inline at its call site in send.go/recv.go/rma.go.
func (e *Endpoint) pollCQ(t Transport, max int, now now64) {
	for _, ev := range t.PollCQ(max) {
		switch ev.Kind {
		case CQRecv:
			e.onRecvCompletion(ev.Data, ev.Peer)
		case CQRNR:
			e.onRNR(uint32(ev.Token), now)
		case CQError:
			e.onErrorCompletion(ev.Token, ev.Peer, ev.Err)
		}
	}
}

// onRecvCompletion decodes one inbound datagram and dispatches it by
// packet type (spec §4.4/§4.3's receive-side handling).
func (e *Endpoint) onRecvCompletion(data []byte, from Addr) {
	hdr, rest, err := decodeHeader(data)
	if err != nil {
		instrument.ProtocolError()
		return
	}
	switch hdr.Type {
	case PktRTS:
		mlen := int(rest[0])<<8 | int(rest[1])
		rest = rest[2:]
		if len(rest) < mlen {
			instrument.ProtocolError()
			return
		}
		meta, err := unmarshalRTSMeta(rest[:mlen])
		if err != nil {
			instrument.ProtocolError()
			return
		}
		if err := e.onRTSArrival(hdr, meta, rest[mlen:], from); err != nil {
			e.logProtocolIssue(err)
		}
	case PktCTS:
		cts, err := unmarshalCTSMeta(rest)
		if err != nil {
			instrument.ProtocolError()
			return
		}
		if err := e.onCTS(hdr.TxID, hdr.RxID, cts); err != nil {
			e.logProtocolIssue(err)
		}
	case PktData:
		dh, payload, err := decodeDataHeader(rest)
		if err != nil {
			instrument.ProtocolError()
			return
		}
		if err := e.onDataPacket(hdr, dh, payload); err != nil {
			e.logProtocolIssue(err)
		}
	case PktReadRsp:
		dh, payload, err := decodeDataHeader(rest)
		if err != nil {
			instrument.ProtocolError()
			return
		}
		if err := e.onReadRspPacket(hdr, dh, payload); err != nil {
			e.logProtocolIssue(err)
		}
	case PktConnAck:
		if p, ok := e.peers.lookup(from); ok {
			e.peers.onConnAck(p)
		}
	case PktEOR:
		// End-of-read acknowledgement for large SHM reads; the originator's
		// tx_entry already completed on the last READRSP, so EOR only
		// matters to the SHM transport's own buffer lifecycle.
	}
}

func (e *Endpoint) logProtocolIssue(err error) {
	if e.log != nil {
		e.log.Debugf("rdm: %v", err)
	}
}

// onErrorCompletion implements spec §7's PeerFatal propagation for any CQ
// error other than RNR.
func (e *Endpoint) onErrorCompletion(token uint64, from Addr, cause error) {
	if p, ok := e.peers.lookup(from); ok {
		e.failPeer(p, cause)
		return
	}
	e.failTx(uint32(token), &InternalError{Reason: "completion error on unknown peer: " + cause.Error()})
}

// drainPeerQueued re-queues every tx/rx entry belonging to p that was
// parked QUEUED_*_RNR, so the next drainQueuedList pass retries them.
func (e *Endpoint) drainPeerQueued(p *peer) {
	for i := range e.tx.entries {
		ent := &e.tx.entries[i]
		if ent.peer == p && (ent.state == TxQueuedRTSRNR || ent.state == TxQueuedDataRNR) {
			instrument.Retransmit()
			e.txQueued.PushBack(ent.txID)
		}
	}
	for i := range e.rx.entries {
		ent := &e.rx.entries[i]
		if ent.peer == p && ent.state == RxQueuedCTSRNR {
			instrument.Retransmit()
			e.rxQueued.PushBack(ent.rxID)
		}
	}
	p.rnrQueuedPktCnt = 0
}

// drainQueuedList retries each head packet in FIFO order, stopping at the
// first "again" per spec §4.3 Queueing / §4.7 step 4.
func (e *Endpoint) drainQueuedList(l *list.List, retry func(id uint32) bool) {
	for el := l.Front(); el != nil; {
		next := el.Next()
		id := el.Value.(uint32)
		if !retry(id) {
			break
		}
		l.Remove(el)
		el = next
	}
}

// retryTx resubmits the head of a queued tx_entry's pending work.
func (e *Endpoint) retryTx(id uint32) bool {
	entry, ok := e.tx.get(id)
	if !ok {
		return true
	}
	switch entry.state {
	case TxQueuedCtrl, TxQueuedRTSRNR:
		err := e.formatAndSendRTS(entry.peer, entry, id)
		switch {
		case err == nil:
			return true
		case err == ErrAgain:
			return false
		default:
			e.failTx(id, err)
			return true
		}
	case TxQueuedDataRNR:
		entry.state = TxSend
		e.pumpDataPackets(entry, id)
		return true
	case TxQueuedSHMRMA, TxQueuedReadRsp:
		return e.pumpReadResponse(entry, id, entry.rxID) == nil
	}
	return true
}

func (e *Endpoint) retryRx(id uint32) bool {
	entry, ok := e.rx.get(id)
	if !ok {
		return true
	}
	if entry.state == RxQueuedCtrl || entry.state == RxQueuedCTSRNR {
		hdr := &Header{TxID: entry.txID, MsgID: entry.msgID}
		return e.emitCTS(entry, id, hdr, entry.peer) == nil
	}
	return true
}

// repostBuffers implements §4.7 step 6: keep signalling fresh receive
// capacity to t until the target count is reached. udpfabric and shm treat
// PostRecv as a hint (a plain socket/channel always has room for the next
// datagram); a verbs-backed transport would use it to re-pin a buffer.
func (e *Endpoint) repostBuffers(t Transport, posted *int, target int) {
	for *posted < target {
		if err := t.PostRecv(); err != nil {
			return
		}
		*posted++
	}
}
