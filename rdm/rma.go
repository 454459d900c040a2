package rdm

import "github.com/katzenpost/rdm/internal/instrument"

// RMARequest describes one WRITE or READ operation (spec §4.5).
type RMARequest struct {
	Peer      Addr
	Local     bool
	IOV       [][]byte // local buffer: source for WRITE, destination for READ
	RemoteIOV []IOVDesc
	OpCtx     interface{}
}

// Write sends req.IOV to the peer's RemoteIOV as an untagged RTS flagged
// WRITE, with the remote IOV descriptors in the RTS metadata (spec §4.5).
func (e *Endpoint) Write(req *RMARequest) error {
	return e.Send(&SendRequest{
		Op:        TxOpRMAWrite,
		Peer:      req.Peer,
		Local:     req.Local,
		IOV:       req.IOV,
		RemoteIOV: req.RemoteIOV,
		OpCtx:     req.OpCtx,
	})
}

// Read emits a READ-REQ RTS naming req.RemoteIOV as the source and parks
// the tx_entry in WAIT_READ_FINISH until the response's paired rx_entry
// completes (spec §4.5). If the transport returns any error for the
// READ-REQ, ErrRNR included, both entries are released and the error is
// returned to the caller.
func (e *Endpoint) Read(req *RMARequest) error {
	p := e.peerFor(req.Peer, req.Local)
	e.peers.onFirstSend(p, &e.cfg.RDM)

	rxEntryRec, rxID, err := e.rx.alloc()
	if err != nil {
		return err
	}
	rxEntryRec.peer = p
	rxEntryRec.op = TxOpRMARead
	rxEntryRec.opCtx = req.OpCtx
	for i, b := range req.IOV {
		rxEntryRec.iov[i] = iovSeg{buf: b}
	}
	rxEntryRec.iovCount = len(req.IOV)
	var total int64
	for _, b := range req.IOV {
		total += int64(len(b))
	}
	rxEntryRec.totalLen = total
	rxEntryRec.state = RxRecv // data will stream in directly; no CTS needed

	txEntryRec, txID, err := e.tx.alloc()
	if err != nil {
		e.rx.release(rxID)
		return err
	}
	txEntryRec.op = TxOpRMARead
	txEntryRec.peer = p
	txEntryRec.opCtx = req.OpCtx
	txEntryRec.remoteIOV = req.RemoteIOV
	txEntryRec.totalLen = total
	txEntryRec.readWaiterRxID = rxID
	txEntryRec.state = TxWaitReadFinish
	rxEntryRec.masterEntry = txID // back-reference for completion correlation
	rxEntryRec.hasMaster = true

	meta := RTSMeta{TotalLen: uint64(total), RemoteIOV: req.RemoteIOV}
	mb, err := meta.marshal()
	if err != nil {
		e.rx.release(rxID)
		e.tx.release(txID)
		return &InternalError{Reason: "read-req metadata encode: " + err.Error()}
	}
	pool := e.txPoolFor(p)
	pkt, err := pool.get(dirSend)
	if err != nil {
		e.rx.release(rxID)
		e.tx.release(txID)
		instrument.PoolExhausted()
		return ErrAgain
	}
	hdr := &Header{Type: PktRTS, Flags: FlagReadReq, TxID: txID, RxID: rxID, MsgID: p.nextMsgID}
	p.nextMsgID++
	buf := encodeHeader(pkt.buf[:0], hdr)
	buf = append(buf, byte(len(mb)>>8), byte(len(mb)))
	buf = append(buf, mb...)
	pkt.n = len(buf)
	err = e.transportFor(p).Send(ctxBG, p.addr, pkt.buf[:pkt.n], uint64(txID))
	pool.put(pkt)
	if err != nil {
		e.tx.release(txID)
		e.rx.release(rxID)
		return err
	}
	instrument.PacketSent()
	p.txPending++
	txEntryRec.pendingCounted = true
	return nil
}

// onRMAWriteRTS performs the remote side of WRITE: a direct copy into the
// named IOV rather than matching a posted recv (spec §4.5).
func (e *Endpoint) onRMAWriteRTS(hdr *Header, meta *RTSMeta, payload []byte, p *peer) error {
	// The remote IOV descriptors name buffers the application registered
	// out-of-band (memory-region registration is out of scope, §1); here we
	// model the destination as already resolved to a local byte slice set
	// attached to the peer by the application (see RegisterRemoteIOV).
	dst, ok := e.resolveRemoteIOV(meta.RemoteIOV)
	if !ok {
		return newProtocolError("write: unregistered remote IOV key")
	}
	entry, rxID, err := e.rx.alloc()
	if err != nil {
		instrument.PoolExhausted()
		return ErrAgain
	}
	entry.peer = p
	entry.op = TxOpRMAWrite
	entry.txID = hdr.TxID
	entry.msgID = hdr.MsgID
	entry.totalLen = int64(meta.TotalLen)
	entry.iov[0] = iovSeg{buf: dst}
	entry.iovCount = 1

	if int64(len(payload)) >= entry.totalLen {
		n := copyIntoIOV(entry, payload[:entry.totalLen])
		e.writeCompletion(Completion{Len: int(n), Flags: uint32(FlagAppRMA)})
		e.rx.release(rxID)
		return nil
	}
	entry.state = RxRecv
	return e.emitCTS(entry, rxID, hdr, p)
}

// onRMAReadReqRTS services a READ request: allocate a SENT_READRSP
// tx_entry that streams data back addressed to the rx slot the initiator
// named in the READ-REQ header (hdr.RxID), not to the initiator's tx_id.
func (e *Endpoint) onRMAReadReqRTS(hdr *Header, meta *RTSMeta, p *peer) error {
	src, ok := e.resolveRemoteIOV(meta.RemoteIOV)
	if !ok {
		return newProtocolError("read: unregistered remote IOV key")
	}
	entry, txID, err := e.tx.alloc()
	if err != nil {
		instrument.PoolExhausted()
		return ErrAgain
	}
	entry.op = TxOpRMARead
	entry.peer = p
	entry.iov[0] = iovSeg{buf: src}
	entry.iovCount = 1
	entry.totalLen = int64(meta.TotalLen)
	entry.creditAllocated = ^uint16(0) // READRSP streams without CTS-granted credit
	entry.rxID = hdr.RxID              // initiator's slot; retryTx resumes from here
	entry.state = TxSentReadRsp

	return e.pumpReadResponse(entry, txID, hdr.RxID)
}

// pumpReadResponse streams READRSP packets for a SENT_READRSP tx_entry.
func (e *Endpoint) pumpReadResponse(entry *txEntry, txID uint32, destRxID uint32) error {
	p := entry.peer
	budget := e.cfg.RDM.MTUSize - headerFixedLen - 12
	for entry.bytesSent < entry.totalLen {
		n := int64(budget)
		if remaining := entry.totalLen - entry.bytesSent; n > remaining {
			n = remaining
		}
		pool := e.txPoolFor(p)
		pkt, err := pool.get(dirSend)
		if err != nil {
			entry.state = TxQueuedReadRsp
			e.txQueued.PushBack(txID)
			return nil
		}
		hdr := &Header{Type: PktReadRsp, TxID: txID, RxID: destRxID, MsgID: entry.msgID}
		buf := encodeHeader(pkt.buf[:0], hdr)
		dh := &DataHeader{Offset: uint64(entry.bytesSent), Bytes: uint32(n)}
		buf = append(buf, dh.marshal()...)
		buf = copySegment(buf, entry, n)
		pkt.n = len(buf)
		err = e.transportFor(p).Send(ctxBG, p.addr, pkt.buf[:pkt.n], uint64(txID))
		pool.put(pkt)
		if err == ErrAgain || err == ErrRNR {
			entry.state = TxQueuedReadRsp
			e.txQueued.PushBack(txID)
			return nil
		}
		if err != nil {
			e.failTx(txID, err)
			return nil
		}
		instrument.PacketSent()
		entry.bytesSent += n
	}
	e.tx.release(txID)
	return nil
}

// onReadRspPacket handles inbound READRSP data at the originator, writing
// it into the paired rx_entry's IOV and completing the originating
// tx_entry once the paired rx_entry finishes (WAIT_READ_FINISH gate).
func (e *Endpoint) onReadRspPacket(hdr *Header, dh *DataHeader, payload []byte) error {
	entry, ok := e.rx.get(hdr.RxID)
	if !ok || entry.op != TxOpRMARead {
		return newProtocolError("readrsp for unknown read rx_entry")
	}
	n := copyOffsetIntoIOV(entry, int64(dh.Offset), payload)
	entry.bytesDone += n
	if entry.bytesDone < entry.totalLen {
		return nil
	}
	txID := entry.masterEntry
	e.rx.release(hdr.RxID)
	txe, ok := e.tx.get(txID)
	if !ok || txe.state != TxWaitReadFinish {
		return nil
	}
	e.writeCompletion(Completion{OpContext: txe.opCtx, Len: int(txe.totalLen), Flags: uint32(FlagAppRMA)})
	txe.peer.txPending--
	e.tx.release(txID)
	return nil
}

// FlagAppRMA marks a completion as belonging to an RMA operation (tag==0
// per spec §6).
const FlagAppRMA uint32 = 1 << 1

// remoteIOVRegistry is the out-of-scope memory-region registration table
// (spec §1 Out-of-scope: "Memory-region registration (invoked by the core;
// implementation is not specified)"); the core only needs a way to turn an
// IOVDesc.Key into a local byte slice, so a minimal keyed map stands in for
// the unspecified registration mechanism.
type remoteIOVRegistry struct {
	byKey map[uint64][]byte
}

func (e *Endpoint) resolveRemoteIOV(descs []IOVDesc) ([]byte, bool) {
	if e.rmaRegistry == nil || len(descs) == 0 {
		return nil, false
	}
	buf, ok := e.rmaRegistry.byKey[descs[0].Key]
	return buf, ok
}

// RegisterRemoteIOV exposes a local buffer under key for remote WRITE/READ
// targeting, standing in for the fabric's memory-region registration (out
// of scope, §1).
func (e *Endpoint) RegisterRemoteIOV(key uint64, buf []byte) {
	if e.rmaRegistry == nil {
		e.rmaRegistry = &remoteIOVRegistry{byKey: make(map[uint64][]byte)}
	}
	e.rmaRegistry.byKey[key] = buf
}
