package rdm

// TxOp enumerates the operations a tx_entry may carry (spec §3).
type TxOp uint8

const (
	TxOpSend TxOp = iota
	TxOpTaggedSend
	TxOpRMAWrite
	TxOpRMARead
)

// TxState is the send-side state machine's state (spec §3/§4.3).
type TxState uint8

const (
	TxFree TxState = iota
	TxRTS
	TxSend
	TxSHMRMA
	TxQueuedSHMRMA
	TxQueuedCtrl
	TxQueuedRTSRNR
	TxQueuedDataRNR
	TxSentReadRsp
	TxQueuedReadRsp
	TxWaitReadFinish
)

func (s TxState) String() string {
	switch s {
	case TxFree:
		return "FREE"
	case TxRTS:
		return "RTS"
	case TxSend:
		return "SEND"
	case TxSHMRMA:
		return "SHM_RMA"
	case TxQueuedSHMRMA:
		return "QUEUED_SHM_RMA"
	case TxQueuedCtrl:
		return "QUEUED_CTRL"
	case TxQueuedRTSRNR:
		return "QUEUED_RTS_RNR"
	case TxQueuedDataRNR:
		return "QUEUED_DATA_RNR"
	case TxSentReadRsp:
		return "SENT_READRSP"
	case TxQueuedReadRsp:
		return "QUEUED_READRSP"
	case TxWaitReadFinish:
		return "WAIT_READ_FINISH"
	default:
		return "TX?"
	}
}

// iovSeg is one scatter-gather segment of an application-supplied buffer
// list (local memory, not wire-carried).
type iovSeg struct {
	buf []byte
}

// Completion mirrors the application-visible completion record (spec §6).
type Completion struct {
	OpContext    interface{}
	Flags        uint32
	Len          int
	Buf          []byte
	Data         uint64
	Tag          uint64
	Err          error
	ProviderErrno int
}

// txEntry is the sender-side per-operation record (spec §3).
type txEntry struct {
	gen uint64 // generation, bumped on free

	op    TxOp
	txID  uint32
	rxID  uint32
	msgID uint64
	peer  *peer

	iov      [IOVLimit]iovSeg
	iovCount int
	iovIndex int
	iovOff   int

	bytesSent int64
	bytesAck  int64
	totalLen  int64

	window          uint32
	creditRequest   uint16
	creditAllocated uint16

	state TxState

	// RMA fields.
	remoteIOV []IOVDesc
	localRxID uint32 // for READ response correlation

	tag    uint64
	data   uint64 // REMOTE_CQ_DATA payload
	opCtx  interface{}

	// readWaiter is the rx_entry slot id this tx_entry parks on while in
	// WAIT_READ_FINISH (spec §4.5).
	readWaiterRxID uint32

	// pendingCounted records whether this entry has been counted into its
	// peer's tx_pending, so an RNR/again retransmit doesn't count it twice.
	pendingCounted bool
}

func (e *txEntry) reset() {
	e.gen++
	e.op = 0
	e.txID = 0
	e.rxID = 0
	e.msgID = 0
	e.peer = nil
	e.iovCount = 0
	e.iovIndex = 0
	e.iovOff = 0
	e.bytesSent = 0
	e.bytesAck = 0
	e.totalLen = 0
	e.window = 0
	e.creditRequest = 0
	e.creditAllocated = 0
	e.state = TxFree
	e.remoteIOV = nil
	e.localRxID = 0
	e.tag = 0
	e.data = 0
	e.opCtx = nil
	e.readWaiterRxID = 0
	e.pendingCounted = false
}

// txArena is the fixed-capacity tx_entry arena indexed by a 32-bit slot id
// (spec §3: "pre-allocated fixed-capacity arenas ... indexed by a 32-bit
// slot id that travels on the wire").
type txArena struct {
	entries []txEntry
	free    []uint32
}

func newTxArena(capacity int) *txArena {
	a := &txArena{
		entries: make([]txEntry, capacity),
		free:    make([]uint32, capacity),
	}
	for i := range a.entries {
		a.free[i] = uint32(capacity - 1 - i)
	}
	return a
}

func (a *txArena) alloc() (*txEntry, uint32, error) {
	n := len(a.free)
	if n == 0 {
		return nil, 0, ErrAgain
	}
	id := a.free[n-1]
	a.free = a.free[:n-1]
	e := &a.entries[id]
	e.txID = id
	e.state = TxRTS
	return e, id, nil
}

func (a *txArena) get(id uint32) (*txEntry, bool) {
	if int(id) >= len(a.entries) {
		return nil, false
	}
	return &a.entries[id], true
}

func (a *txArena) release(id uint32) {
	e := &a.entries[id]
	e.reset()
	a.free = append(a.free, id)
}
