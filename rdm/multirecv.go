package rdm

// handleMultiRecvMatch implements spec §4.4's multi-receive carving: a
// posted multi-receive entry is the master; a matching RTS spins off a
// consumer rx_entry that owns just the bytes for this one message, carved
// out of the master's remaining buffer capacity.
func (e *Endpoint) handleMultiRecvMatch(master *rxEntry, masterID uint32, hdr *Header, meta *RTSMeta, payload []byte, p *peer) error {
	remaining := masterRemaining(master)
	if int64(meta.TotalLen) > remaining {
		return newProtocolError("multi-recv: message larger than remaining master buffer")
	}

	consumer, consumerID, err := e.rx.alloc()
	if err != nil {
		return ErrAgain
	}
	consumer.peer = p
	consumer.txID = hdr.TxID
	consumer.msgID = hdr.MsgID
	consumer.tag = meta.Tag
	consumer.totalLen = int64(meta.TotalLen)
	consumer.opCtx = master.opCtx
	consumer.hasMaster = true
	consumer.masterEntry = masterID
	consumer.iovCount = carveIOV(master, consumer, int64(meta.TotalLen))
	consumer.state = RxMatched

	master.multiConsumers = append(master.multiConsumers, consumerID)
	master.consumersLeft++

	if int64(len(payload)) >= consumer.totalLen {
		n := copyIntoIOV(consumer, payload[:consumer.totalLen])
		e.completeRxRecv(consumer, consumerID, n)
		return nil
	}
	return e.emitCTS(consumer, consumerID, hdr, p)
}

// masterRemaining reports how many unconsumed bytes remain in the master's
// original buffer, tracked by summing bytes already carved into consumers.
func masterRemaining(master *rxEntry) int64 {
	total := int64(0)
	for i := 0; i < master.iovCount; i++ {
		total += int64(len(master.iov[i].buf))
	}
	return total - master.bytesDone
}

// carveIOV slices n bytes off the front of master's remaining buffer space
// into consumer's IOV, advancing master.bytesDone as the carve cursor. Each
// consumer segment is a direct sub-slice of the master's own backing array
// (never a copy), so data the progress engine later writes via onDataPacket/
// copyIntoIOV lands straight in the buffer the application posted through
// Recv, exactly as entry.iov does everywhere else in recv.go/rma.go.
func carveIOV(master, consumer *rxEntry, n int64) int {
	start := master.bytesDone
	pos := int64(0)
	count := 0
	for i := 0; i < master.iovCount && n > 0; i++ {
		seg := master.iov[i].buf
		segLen := int64(len(seg))
		if pos+segLen <= start {
			pos += segLen
			continue
		}
		segOff := start - pos
		if segOff < 0 {
			segOff = 0
		}
		take := segLen - segOff
		if take > n {
			take = n
		}
		consumer.iov[count] = iovSeg{buf: seg[segOff : segOff+take]}
		count++
		n -= take
		master.bytesDone += take
		pos += segLen
	}
	return count
}

// onConsumerComplete is invoked when a consumer rx_entry finishes, per
// spec §4.4: the master is released to the application only once remaining
// buffer drops below min_multi_recv_size AND all consumers have completed.
func (e *Endpoint) onConsumerComplete(consumer *rxEntry, consumerID uint32) {
	masterID := consumer.masterEntry
	e.rx.release(consumerID)
	master, ok := e.rx.get(masterID)
	if !ok {
		return
	}
	master.consumersLeft--
	if master.consumersLeft > 0 {
		return
	}
	if masterRemaining(master) >= int64(master.minMultiRecv) {
		return
	}
	e.writeCompletion(Completion{
		OpContext: master.opCtx,
		Len:       int(master.bytesDone),
		Flags:     uint32(FlagAppMultiRecv),
	})
	removeFromList(e.postedRecv, masterID)
	removeFromList(e.postedTagged, masterID)
	e.rx.release(masterID)
}

// FlagAppMultiRecv marks a completion as the master's final multi-receive
// completion (spec §6 "MULTI_RECV completion").
const FlagAppMultiRecv uint32 = 1 << 0
