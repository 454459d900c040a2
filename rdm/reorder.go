package rdm

// reorderWindow implements spec §4.6: a per-peer sliding window of staged
// RTS packets, indexed by msg_id mod size, that releases them in
// contiguous msg_id order once the gap preceding them is filled.
type reorderWindow struct {
	size     uint32
	slots    []*stagingEntry
	occupied []bool
}

func newReorderWindow(size uint32) *reorderWindow {
	if size == 0 {
		size = 1
	}
	return &reorderWindow{
		size:     size,
		slots:    make([]*stagingEntry, size),
		occupied: make([]bool, size),
	}
}

// insert buffers an out-of-order RTS at its msg_id slot. It returns a
// ProtocolError rather than overwriting if the slot is already occupied (a
// duplicate msg_id, which spec §3 invariant 4 forbids, or one a whole window
// ahead of a parked packet). insert does not know the expected msg_id;
// onRTSArrival rejects msg_ids at or beyond expected+size before calling it.
func (w *reorderWindow) insert(msgID uint64, e *stagingEntry) error {
	idx := msgID % uint64(w.size)
	if w.occupied[idx] {
		return newProtocolError("reorder window: duplicate or out-of-window msg_id")
	}
	w.slots[idx] = e
	w.occupied[idx] = true
	return nil
}

// drain returns, in order, every contiguously-present entry starting at
// expected, advancing expected past them, stopping at the first gap.
func (w *reorderWindow) drain(expected *uint64) []*stagingEntry {
	var out []*stagingEntry
	for {
		idx := *expected % uint64(w.size)
		if !w.occupied[idx] {
			break
		}
		out = append(out, w.slots[idx])
		w.slots[idx] = nil
		w.occupied[idx] = false
		*expected++
	}
	return out
}

// pending reports whether msgID's slot currently holds a staged packet.
func (w *reorderWindow) pending(msgID uint64) bool {
	return w.occupied[msgID%uint64(w.size)]
}

// flush empties the window and returns whatever was staged, in slot order.
// Used when a peer is torn down and its parked packets must be returned to
// the staging pool.
func (w *reorderWindow) flush() []*stagingEntry {
	var out []*stagingEntry
	for i := range w.slots {
		if w.occupied[i] {
			out = append(out, w.slots[i])
			w.slots[i] = nil
			w.occupied[i] = false
		}
	}
	return out
}
