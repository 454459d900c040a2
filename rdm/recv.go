package rdm

import (
	"container/list"

	"github.com/katzenpost/rdm/internal/instrument"
)

// RecvRequest describes one posted receive (spec §4.4's recv/trecv/recvmsg).
type RecvRequest struct {
	Tagged       bool
	Tag          uint64
	Ignore       uint64
	Peer         Addr
	Wildcard     bool // match any source address
	IOV          [][]byte
	MultiRecv    bool
	MinMultiRecv uint32
	OpCtx        interface{}
}

// Recv posts a receive and returns its rx_id (stable while the entry is
// alive) so the caller may later Cancel it.
func (e *Endpoint) Recv(req *RecvRequest) (uint32, error) {
	if len(req.IOV) == 0 || len(req.IOV) > IOVLimit {
		return 0, newProtocolError("recv: iov count out of range")
	}
	entry, id, err := e.rx.alloc()
	if err != nil {
		return 0, err
	}
	entry.tag = req.Tag
	entry.ignore = req.Ignore
	entry.wildcardAddr = req.Wildcard
	entry.opCtx = req.OpCtx
	entry.isMulti = req.MultiRecv
	entry.minMultiRecv = req.MinMultiRecv
	for i, b := range req.IOV {
		entry.iov[i] = iovSeg{buf: b}
	}
	entry.iovCount = len(req.IOV)
	if !req.Wildcard {
		entry.peer = e.peerFor(req.Peer, false)
	}

	if matched := e.matchUnexpected(entry, id); matched {
		return id, nil
	}

	entry.state = RxInit
	lst := e.postedRecv
	if req.Tagged {
		lst = e.postedTagged
	}
	lst.PushBack(id)
	return id, nil
}

// Cancel implements spec §5's cancellation: a posted (not yet matched) recv
// is removed and completed with ErrCancelled.
func (e *Endpoint) Cancel(rxID uint32) error {
	entry, ok := e.rx.get(rxID)
	if !ok || entry.state != RxInit {
		return newProtocolError("cancel: rx_entry not cancellable")
	}
	removeFromList(e.postedRecv, rxID)
	removeFromList(e.postedTagged, rxID)
	e.writeCompletion(Completion{OpContext: entry.opCtx, Err: ErrCancelled, Tag: entry.tag})
	e.rx.release(rxID)
	return nil
}

func removeFromList(l *list.List, id uint32) {
	for el := l.Front(); el != nil; el = el.Next() {
		if el.Value.(uint32) == id {
			l.Remove(el)
			return
		}
	}
}

// matchUnexpected searches the unexpected list in FIFO order for the first
// staged RTS matching entry, per spec §4.4 ("Matching against the
// unexpected list is performed first... first match wins").
func (e *Endpoint) matchUnexpected(entry *rxEntry, id uint32) bool {
	for el := e.unexpected.Front(); el != nil; el = el.Next() {
		ue := el.Value.(*unexpectedEntry)
		staged, ok := e.rx.get(ue.rxID)
		if !ok || staged.state != RxUnexp {
			continue
		}
		if !entry.matches(staged.tag, staged.peer.addr) {
			continue
		}
		e.unexpected.Remove(el)
		e.completeMatchFromStaged(entry, id, staged, ue.rxID)
		return true
	}
	return false
}

// onRTSArrival is invoked by the progress engine for every inbound RTS
// packet and implements spec §4.4's full arrival algorithm, including the
// reorder-window gate from §4.6.
func (e *Endpoint) onRTSArrival(hdr *Header, meta *RTSMeta, payload []byte, from Addr) error {
	p := e.peerFor(from, false)
	e.peers.onFirstRecv(p, &e.cfg.RDM)

	if hdr.Flags.Has(FlagRemoteSrcAddr) && len(hdr.SrcAddr) > 0 {
		// piggybacked source address observed; nothing further to do since
		// Addr already identifies the transport-level sender.
		_ = hdr.SrcAddr
	}

	// The sender is in CONNREQ_SENT until it sees our CONNACK (spec §4.2);
	// return it once per peer, best-effort — a failed attempt retries on
	// the peer's next RTS.
	if !p.connAckSent {
		e.emitConnAck(p)
	}

	if e.cfg.RDM.EnableSASOrdering && p.reorder != nil {
		if hdr.MsgID != p.expectedMsg {
			if hdr.MsgID < p.expectedMsg {
				return newProtocolError("rts: msg_id already delivered")
			}
			if hdr.MsgID-p.expectedMsg >= uint64(p.reorder.size) {
				return newProtocolError("rts: msg_id beyond reorder window")
			}
			staged, err := e.staging.get()
			if err != nil {
				instrument.PoolExhausted()
				return ErrAgain
			}
			staged.hdr = *hdr
			staged.meta = *meta
			staged.data = append([]byte(nil), payload...)
			if err := p.reorder.insert(hdr.MsgID, staged); err != nil {
				e.staging.put(staged)
				return err
			}
			return nil
		}
		// in-order: deliver this one, then drain any contiguous successors.
		if err := e.deliverRTS(hdr, meta, payload, p); err != nil {
			return err
		}
		p.expectedMsg++
		for _, staged := range p.reorder.drain(&p.expectedMsg) {
			h := staged.hdr
			m := staged.meta
			e.deliverRTS(&h, &m, staged.data, p)
			e.staging.put(staged)
		}
		return nil
	}
	return e.deliverRTS(hdr, meta, payload, p)
}

// emitConnAck returns the once-per-peer CONNACK that moves the sender's CM
// state to ACKED (spec §4.2). Failure leaves connAckSent unset so the next
// RTS from this peer triggers another attempt.
func (e *Endpoint) emitConnAck(p *peer) {
	pool := e.txPoolFor(p)
	pkt, err := pool.get(dirSend)
	if err != nil {
		instrument.PoolExhausted()
		return
	}
	hdr := &Header{Type: PktConnAck}
	buf := encodeHeader(pkt.buf[:0], hdr)
	pkt.n = len(buf)
	err = e.transportFor(p).Send(ctxBG, p.addr, pkt.buf[:pkt.n], 0)
	pool.put(pkt)
	if err != nil {
		return
	}
	instrument.PacketSent()
	p.connAckSent = true
}

// deliverRTS implements the match/no-match branches of spec §4.4 steps 2-4.
func (e *Endpoint) deliverRTS(hdr *Header, meta *RTSMeta, payload []byte, p *peer) error {
	instrument.PacketReceived()

	if hdr.Flags.Has(FlagWrite) {
		return e.onRMAWriteRTS(hdr, meta, payload, p)
	}
	if hdr.Flags.Has(FlagReadReq) {
		return e.onRMAReadReqRTS(hdr, meta, p)
	}

	tagged := hdr.Flags.Has(FlagTagged)
	lst := e.postedRecv
	if tagged {
		lst = e.postedTagged
	}

	for el := lst.Front(); el != nil; el = el.Next() {
		rxID := el.Value.(uint32)
		entry, ok := e.rx.get(rxID)
		if !ok || entry.state != RxInit {
			continue
		}
		if !entry.matches(meta.Tag, p.addr) {
			continue
		}
		if !entry.isMulti {
			lst.Remove(el)
		}
		return e.matchAndMaybeStream(entry, rxID, hdr, meta, payload, p)
	}

	// No match: stage as unexpected (spec §4.4 step 4).
	entry, rxID, err := e.rx.alloc()
	if err != nil {
		instrument.PoolExhausted()
		return ErrAgain
	}
	entry.state = RxUnexp
	entry.peer = p
	entry.tag = meta.Tag
	entry.msgID = hdr.MsgID
	entry.totalLen = int64(meta.TotalLen)
	staged, err := e.staging.get()
	if err != nil {
		e.rx.release(rxID)
		instrument.PoolExhausted()
		return ErrAgain
	}
	staged.hdr = *hdr
	staged.meta = *meta
	staged.data = append([]byte(nil), payload...)
	entry.unexpPkt = staged
	e.unexpected.PushBack(&unexpectedEntry{rxID: rxID})
	instrument.UnexpectedMessage()
	return nil
}

// matchAndMaybeStream handles the MATCHED branch of §4.4 step 3: inline
// payload completes immediately, otherwise the entry moves to RECV and a
// CTS is emitted. A multi-recv master is left posted and in INIT; the
// message goes to a new consumer entry instead.
func (e *Endpoint) matchAndMaybeStream(entry *rxEntry, rxID uint32, hdr *Header, meta *RTSMeta, payload []byte, p *peer) error {
	if entry.isMulti {
		return e.handleMultiRecvMatch(entry, rxID, hdr, meta, payload, p)
	}

	entry.state = RxMatched
	entry.peer = p
	entry.txID = hdr.TxID
	entry.msgID = hdr.MsgID
	entry.totalLen = int64(meta.TotalLen)
	entry.tag = meta.Tag
	entry.creditRequest = meta.CreditRequest
	if meta.RemoteCQData != 0 {
		entry.remoteCQData = meta.RemoteCQData
		entry.haveCQData = true
	}

	if int64(len(payload)) >= entry.totalLen {
		n := copyIntoIOV(entry, payload[:entry.totalLen])
		e.completeRxRecv(entry, rxID, n)
		return nil
	}
	return e.emitCTS(entry, rxID, hdr, p)
}

// completeMatchFromStaged re-runs the match logic against an RTS that had
// been parked on the unexpected list.
func (e *Endpoint) completeMatchFromStaged(entry *rxEntry, id uint32, staged *rxEntry, stagedID uint32) {
	hdr := &Header{TxID: staged.txID, MsgID: staged.msgID}
	meta := &RTSMeta{TotalLen: uint64(staged.totalLen), Tag: staged.tag}
	var payload []byte
	if staged.unexpPkt != nil {
		h, m := staged.unexpPkt.hdr, staged.unexpPkt.meta
		hdr, meta = &h, &m
		payload = staged.unexpPkt.data
		e.staging.put(staged.unexpPkt)
	}
	p := staged.peer
	e.rx.release(stagedID)
	e.matchAndMaybeStream(entry, id, hdr, meta, payload, p)
}

func copyIntoIOV(entry *rxEntry, data []byte) int64 {
	off := 0
	for i := 0; i < entry.iovCount && off < len(data); i++ {
		seg := entry.iov[i].buf
		n := len(seg)
		if off+n > len(data) {
			n = len(data) - off
		}
		copy(seg, data[off:off+n])
		off += n
	}
	return int64(off)
}

// emitCTS sends the CTS for a medium/large message, granting credit and
// transitioning the rx_entry to RECV (spec §4.4 step 3 "Otherwise").
func (e *Endpoint) emitCTS(entry *rxEntry, rxID uint32, hdr *Header, p *peer) error {
	cr := e.cfg.RDM.RxWindowSize
	if cr > p.rxCredits {
		cr = p.rxCredits
	}
	entry.creditCTS = cr
	entry.state = RxRecv

	meta := CTSMeta{CreditAllocated: cr, Window: entry.window}
	mb, err := meta.marshal()
	if err != nil {
		return &InternalError{Reason: "cts metadata encode: " + err.Error()}
	}
	pool := e.rxPoolFor(p)
	pkt, err := pool.get(dirSend)
	if err != nil {
		entry.state = RxQueuedCtrl
		e.rxQueued.PushBack(rxID)
		return nil
	}
	h := &Header{Type: PktCTS, MsgID: hdr.MsgID, TxID: hdr.TxID, RxID: rxID}
	buf := encodeHeader(pkt.buf[:0], h)
	buf = append(buf, mb...)
	pkt.n = len(buf)
	err = e.transportFor(p).Send(ctxBG, p.addr, pkt.buf[:pkt.n], uint64(rxID))
	pool.put(pkt)
	if err == ErrRNR {
		instrument.RNR()
		entry.state = RxQueuedCTSRNR
		e.peers.enterBackoff(p, e.now)
		p.rnrQueuedPktCnt++
		return nil
	}
	if err != nil {
		entry.state = RxQueuedCtrl
		e.rxQueued.PushBack(rxID)
		return nil
	}
	instrument.PacketSent()
	return nil
}

// onDataPacket handles an inbound DATA packet, indexed directly by rx_id
// per spec §4.4.
func (e *Endpoint) onDataPacket(hdr *Header, dh *DataHeader, payload []byte) error {
	entry, ok := e.rx.get(hdr.RxID)
	if !ok || entry.state != RxRecv {
		return newProtocolError("data packet for unknown or not-yet-ready rx_entry")
	}
	if entry.txID != hdr.TxID || entry.msgID != hdr.MsgID {
		return newProtocolError("data packet tx_id/msg_id mismatch")
	}
	n := copyOffsetIntoIOV(entry, int64(dh.Offset), payload)
	entry.bytesDone += n
	if entry.creditCTS > 0 {
		entry.creditCTS--
	}
	if entry.bytesDone >= entry.totalLen {
		e.completeRxRecv(entry, hdr.RxID, entry.bytesDone)
		return nil
	}
	if entry.creditCTS == 0 {
		// the sender consumed the whole grant with bytes still outstanding;
		// re-issue a CTS so it can resume (spec §8: a sender with zero
		// credits pauses until CTS grants more).
		replenish := &Header{TxID: entry.txID, MsgID: entry.msgID}
		return e.emitCTS(entry, hdr.RxID, replenish, entry.peer)
	}
	return nil
}

func copyOffsetIntoIOV(entry *rxEntry, offset int64, data []byte) int64 {
	remaining := data
	pos := int64(0)
	for i := 0; i < entry.iovCount && len(remaining) > 0; i++ {
		seg := entry.iov[i].buf
		segLen := int64(len(seg))
		if pos+segLen <= offset {
			pos += segLen
			continue
		}
		segOff := offset - pos
		if segOff < 0 {
			segOff = 0
		}
		n := int64(len(remaining))
		if n > segLen-segOff {
			n = segLen - segOff
		}
		copy(seg[segOff:segOff+n], remaining[:n])
		remaining = remaining[n:]
		pos += segLen
	}
	return int64(len(data) - len(remaining))
}

// completeRxRecv writes the receive-side completion and releases (or, for a
// multi-recv consumer, hands off) the rx_entry. READ-response entries never
// come through here; onReadRspPacket completes those against the paired
// tx_entry.
func (e *Endpoint) completeRxRecv(entry *rxEntry, rxID uint32, n int64) {
	e.writeCompletion(Completion{
		OpContext: entry.opCtx,
		Len:       int(n),
		Tag:       entry.tag,
		Data:      entry.remoteCQData,
	})
	if entry.hasMaster {
		e.onConsumerComplete(entry, rxID)
		return
	}
	e.rx.release(rxID)
}
