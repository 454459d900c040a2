package rdm

import (
	"github.com/katzenpost/rdm/internal/instrument"
)

// SendFlags are the application-facing flags for Send/Write/Read.
type SendFlags uint32

const (
	FlagAppTagged SendFlags = 1 << iota
	FlagAppRemoteCQData
)

// SendRequest describes one outbound operation (spec §4.3's send/tsend).
type SendRequest struct {
	Op       TxOp
	Peer     Addr
	Local    bool // route over the shared-memory transport
	IOV      [][]byte
	Tag      uint64
	Data     uint64 // REMOTE_CQ_DATA payload
	HaveData bool
	OpCtx    interface{}

	// RMA fields, used when Op is TxOpRMAWrite/TxOpRMARead.
	RemoteIOV []IOVDesc
}

// Send implements spec §4.3's send(msg, op, flags)/tsend(tag) as a single
// entry point distinguished by req.Op. It never blocks: resource exhaustion
// returns ErrAgain and the caller is expected to retry the call itself
// (distinct from the internal RNR/again queueing path, which only applies
// once a tx_entry already exists).
func (e *Endpoint) Send(req *SendRequest) error {
	if len(req.IOV) == 0 || len(req.IOV) > IOVLimit {
		return newProtocolError("send: iov count out of range")
	}
	p := e.peerFor(req.Peer, req.Local)
	e.peers.onFirstSend(p, &e.cfg.RDM)

	entry, id, err := e.tx.alloc()
	if err != nil {
		return err
	}
	entry.op = req.Op
	entry.peer = p
	entry.msgID = p.nextMsgID
	p.nextMsgID++
	entry.opCtx = req.OpCtx
	entry.tag = req.Tag
	entry.data = req.Data
	entry.remoteIOV = req.RemoteIOV

	var total int64
	for i, b := range req.IOV {
		entry.iov[i] = iovSeg{buf: b}
		total += int64(len(b))
	}
	entry.iovCount = len(req.IOV)
	entry.totalLen = total

	entry.creditRequest = e.proposeCredits(p, total)

	if err := e.formatAndSendRTS(p, entry, id); err != nil {
		if err == ErrAgain {
			e.queueTx(entry, id)
			return nil
		}
		e.tx.release(id)
		return err
	}
	return nil
}

// proposeCredits computes the credit_request for a new RTS: enough packets
// to carry totalLen, clamped to [tx_min_credits, tx_max_credits] and by the
// peer's remaining tx_credits (spec §4.3 "Credit request").
func (e *Endpoint) proposeCredits(p *peer, totalLen int64) uint16 {
	cr := e.cfg.RDM.TxMinCredits
	if budget := int64(e.dataPayloadBudget()); budget > 0 {
		pkts := (totalLen + budget - 1) / budget
		if pkts > int64(e.cfg.RDM.TxMaxCredits) {
			pkts = int64(e.cfg.RDM.TxMaxCredits)
		}
		if pkts > int64(cr) {
			cr = uint16(pkts)
		}
	}
	if cr > e.cfg.RDM.TxMaxCredits {
		cr = e.cfg.RDM.TxMaxCredits
	}
	if cr > p.txCredits {
		cr = p.txCredits
	}
	return cr
}

// dataPayloadBudget returns how many payload bytes fit in one DATA packet
// after the common header and data sub-header.
func (e *Endpoint) dataPayloadBudget() int {
	return e.cfg.RDM.MTUSize - headerFixedLen - 12
}

// mtuPayloadBudget returns how many payload bytes fit in an RTS alongside
// its header and metadata.
func (e *Endpoint) mtuPayloadBudget() int {
	budget := e.cfg.RDM.MTUSize - headerFixedLen - 48 // metadata overhead estimate
	if budget < 0 {
		return 0
	}
	return budget
}

func gatherInto(dst []byte, iov [IOVLimit]iovSeg, n int) []byte {
	for i := 0; i < n; i++ {
		dst = append(dst, iov[i].buf...)
	}
	return dst
}

// formatAndSendRTS builds and submits the RTS for a freshly allocated
// tx_entry, choosing the inline-fits-RTS path or the RTS+CTS streaming path
// per spec §4.3.
func (e *Endpoint) formatAndSendRTS(p *peer, entry *txEntry, id uint32) error {
	flags := HdrFlags(0)
	if entry.op == TxOpTaggedSend {
		flags |= FlagTagged
	}
	if entry.op == TxOpRMAWrite {
		flags |= FlagWrite
	}
	if entry.op == TxOpRMARead {
		flags |= FlagReadReq
	}
	if entry.data != 0 {
		flags |= FlagRemoteCQData
	}
	if entry.creditRequest > 0 {
		flags |= FlagCreditRequest
	}
	var srcAddr []byte
	if p.state == CMFree {
		p.state = CMConnReqSent
	}
	if p.state != CMAcked {
		srcAddr = e.transportFor(p).LocalAddr().Bytes()
		flags |= FlagRemoteSrcAddr
	}
	inline := entry.totalLen <= int64(e.mtuPayloadBudget()-len(srcAddr))

	meta := RTSMeta{
		TotalLen:      uint64(entry.totalLen),
		Tag:           entry.tag,
		CreditRequest: entry.creditRequest,
		RemoteIOV:     entry.remoteIOV,
		RemoteCQData:  entry.data,
	}
	metaBytes, err := meta.marshal()
	if err != nil {
		return &InternalError{Reason: "rts metadata encode: " + err.Error()}
	}

	pool := e.txPoolFor(p)
	pkt, err := pool.get(dirSend)
	if err != nil {
		instrument.PoolExhausted()
		return ErrAgain
	}
	hdr := &Header{Type: PktRTS, Flags: flags, MsgID: entry.msgID, TxID: id, SrcAddr: srcAddr}
	buf := encodeHeader(pkt.buf[:0], hdr)
	buf = append(buf, byte(len(metaBytes)>>8), byte(len(metaBytes)))
	buf = append(buf, metaBytes...)
	if inline {
		buf = gatherInto(buf, entry.iov, entry.iovCount)
	}
	pkt.n = len(buf)

	err = e.transportFor(p).Send(ctxBG, p.addr, pkt.buf[:pkt.n], uint64(id))
	pool.put(pkt)
	if err == ErrRNR {
		e.rnrPark(entry, id)
		return nil
	}
	if err != nil {
		return err
	}
	instrument.PacketSent()
	if !entry.pendingCounted {
		p.txPending++
		entry.pendingCounted = true
	}
	if inline {
		entry.state = TxRTS
		e.completeTxSend(entry, id)
	} else {
		entry.state = TxRTS // awaiting CTS; becomes TxSend on CTS arrival
	}
	return nil
}

// queueTx appends entry onto the endpoint's FIFO retry list in QUEUED_CTRL
// after its RTS could not be submitted ("again"); retryTx then re-sends the
// RTS (spec §4.3 Queueing).
func (e *Endpoint) queueTx(entry *txEntry, id uint32) {
	entry.state = TxQueuedCtrl
	e.txQueued.PushBack(id)
}

// onCTS advances a tx_entry from TxRTS to TxSend once the receiver grants
// credit, per spec §4.3, and begins streaming data packets. A CTS arriving
// while the entry is already in TxSend is a replenishment grant: the
// receiver re-issues CTS as it consumes the previous grant, which is what
// lets a sender paused on zero credits resume (spec §8 "send when peer has
// zero credits pauses until CTS grants credits").
func (e *Endpoint) onCTS(id uint32, rxID uint32, cts *CTSMeta) error {
	entry, ok := e.tx.get(id)
	if !ok {
		return newProtocolError("CTS for unknown tx_entry")
	}
	switch entry.state {
	case TxRTS:
		entry.rxID = rxID
		entry.creditAllocated = cts.CreditAllocated
		entry.state = TxSend
	case TxSend:
		entry.creditAllocated += cts.CreditAllocated
	case TxQueuedDataRNR:
		// bank the grant; the backoff-expiry retry resumes the stream.
		entry.creditAllocated += cts.CreditAllocated
		return nil
	default:
		return newProtocolError("CTS for tx_entry in state " + entry.state.String())
	}
	return e.pumpDataPackets(entry, id)
}

// pumpDataPackets submits data packets for entry up to its remaining
// credit_allocated, stopping at "again" by queueing (spec §4.3/§4.7 step 5).
func (e *Endpoint) pumpDataPackets(entry *txEntry, id uint32) error {
	p := entry.peer
	budget := e.dataPayloadBudget()
	if budget <= 0 {
		return &InternalError{Reason: "mtu too small for data packets"}
	}
	for entry.bytesSent < entry.totalLen && entry.creditAllocated > 0 {
		n := int64(budget)
		remaining := entry.totalLen - entry.bytesSent
		if n > remaining {
			n = remaining
		}
		pool := e.txPoolFor(p)
		pkt, err := pool.get(dirSend)
		if err != nil {
			instrument.PoolExhausted()
			entry.state = TxQueuedDataRNR
			e.txQueued.PushBack(id)
			return nil
		}
		hdr := &Header{Type: PktData, MsgID: entry.msgID, TxID: id, RxID: entry.rxID}
		buf := encodeHeader(pkt.buf[:0], hdr)
		dh := &DataHeader{Offset: uint64(entry.bytesSent), Bytes: uint32(n)}
		buf = append(buf, dh.marshal()...)
		buf = copySegment(buf, entry, n)
		pkt.n = len(buf)

		err = e.transportFor(p).Send(ctxBG, p.addr, pkt.buf[:pkt.n], uint64(id))
		pool.put(pkt)
		if err == ErrRNR {
			e.rnrPark(entry, id)
			return nil
		}
		if err == ErrAgain {
			entry.state = TxQueuedDataRNR
			e.txQueued.PushBack(id)
			return nil
		}
		if err != nil {
			e.failTx(id, err)
			return nil
		}
		instrument.PacketSent()
		entry.bytesSent += n
		entry.creditAllocated--
		e.onDataAck(id, n)
	}
	if entry.state == TxSend && entry.bytesSent < entry.totalLen {
		// out of granted credit with bytes remaining; the next CTS resumes us.
		instrument.CreditExhausted()
	}
	return nil
}

// copySegment copies n bytes from entry's scatter-gather list starting at
// its current cursor, advancing iovIndex/iovOff, and appends them to dst.
func copySegment(dst []byte, entry *txEntry, n int64) []byte {
	for n > 0 {
		seg := entry.iov[entry.iovIndex].buf
		avail := int64(len(seg)) - int64(entry.iovOff)
		take := n
		if take > avail {
			take = avail
		}
		dst = append(dst, seg[entry.iovOff:int64(entry.iovOff)+take]...)
		entry.iovOff += int(take)
		n -= take
		if int64(entry.iovOff) >= int64(len(seg)) {
			entry.iovIndex++
			entry.iovOff = 0
		}
	}
	return dst
}

// onDataAck advances bytes_acked on a data-packet send completion and
// writes the completion once the whole message is acknowledged (spec §3
// invariant 2).
func (e *Endpoint) onDataAck(id uint32, n int64) {
	entry, ok := e.tx.get(id)
	if !ok || entry.state == TxFree {
		return
	}
	entry.bytesAck += n
	if entry.bytesAck >= entry.totalLen {
		e.completeTxSend(entry, id)
	}
}

func (e *Endpoint) completeTxSend(entry *txEntry, id uint32) {
	if entry.op == TxOpRMARead {
		entry.state = TxWaitReadFinish
		return
	}
	e.writeCompletion(Completion{
		OpContext: entry.opCtx,
		Len:       int(entry.totalLen),
		Tag:       entry.tag,
		Data:      entry.data,
	})
	entry.peer.txPending--
	e.tx.release(id)
}

// rnrPark implements spec §4.3's RNR handling for a packet whose owning
// tx_entry is entry: mark the peer IN_BACKOFF and park the entry in its
// QUEUED_*_RNR state. The entry is deliberately NOT pushed onto e.txQueued:
// spec §4.3 retransmits no sooner than rnr_ts+backoff, so drainPeerQueued
// enqueues it only once expireBackoff clears the peer's IN_BACKOFF.
func (e *Endpoint) rnrPark(entry *txEntry, id uint32) {
	instrument.RNR()
	p := entry.peer
	e.peers.enterBackoff(p, e.now)
	p.rnrQueuedPktCnt++
	if entry.state == TxSend {
		entry.state = TxQueuedDataRNR
	} else {
		entry.state = TxQueuedRTSRNR
	}
}

// onRNR handles an asynchronous RNR completion from a transport CQ. An RNR
// for an entry that already completed and was released is logged and
// dropped, per spec §4.7's rule for errors on released entries.
func (e *Endpoint) onRNR(id uint32, now uint64) {
	entry, ok := e.tx.get(id)
	if !ok || entry.state == TxFree {
		return
	}
	e.now = now
	e.rnrPark(entry, id)
}
