package rdm

// RxState is the receive-side state machine's state (spec §3/§4.4).
type RxState uint8

const (
	RxFree RxState = iota
	RxInit
	RxUnexp
	RxMatched
	RxRecv
	RxQueuedCtrl
	RxQueuedSHMLargeRead
	RxQueuedEOR
	RxQueuedCTSRNR
	RxWaitReadFinish
)

func (s RxState) String() string {
	switch s {
	case RxFree:
		return "FREE"
	case RxInit:
		return "INIT"
	case RxUnexp:
		return "UNEXP"
	case RxMatched:
		return "MATCHED"
	case RxRecv:
		return "RECV"
	case RxQueuedCtrl:
		return "QUEUED_CTRL"
	case RxQueuedSHMLargeRead:
		return "QUEUED_SHM_LARGE_READ"
	case RxQueuedEOR:
		return "QUEUED_EOR"
	case RxQueuedCTSRNR:
		return "QUEUED_CTS_RNR"
	case RxWaitReadFinish:
		return "WAIT_READ_FINISH"
	default:
		return "RX?"
	}
}

// rxEntry is the receiver-side per-operation record (spec §3).
type rxEntry struct {
	gen uint64

	op     TxOp // mirrors the sender's op so completions can report it
	txID   uint32
	rxID   uint32
	msgID  uint64
	tag    uint64
	ignore uint64

	peer *peer

	iov      [IOVLimit]iovSeg
	iovCount int

	bytesDone int64
	totalLen  int64

	window          uint32
	creditRequest   uint16
	creditCTS       uint16

	state RxState

	// Multi-receive (spec §4.4).
	isMulti         bool
	minMultiRecv    uint32
	masterEntry     uint32 // consumer: its master's slot id; READ rx_entry: the paired tx_id
	hasMaster       bool
	multiConsumers  []uint32
	consumersLeft   int

	unexpPkt *stagingEntry

	opCtx interface{}

	wildcardAddr bool
	remoteCQData uint64
	haveCQData   bool
}

func (e *rxEntry) reset() {
	e.gen++
	e.op = 0
	e.txID = 0
	e.rxID = 0
	e.msgID = 0
	e.tag = 0
	e.ignore = 0
	e.peer = nil
	e.iovCount = 0
	e.bytesDone = 0
	e.totalLen = 0
	e.window = 0
	e.creditRequest = 0
	e.creditCTS = 0
	e.state = RxFree
	e.isMulti = false
	e.minMultiRecv = 0
	e.masterEntry = 0
	e.hasMaster = false
	e.multiConsumers = nil
	e.consumersLeft = 0
	e.unexpPkt = nil
	e.opCtx = nil
	e.wildcardAddr = false
	e.remoteCQData = 0
	e.haveCQData = false
}

// matches implements spec §4.4's tag-matching rule:
// (recv.tag | recv.ignore) == (msg.tag | recv.ignore), plus wildcard
// address acceptance. from is the actual transport-level sender of the
// candidate message; a non-wildcard posted recv must have been addressed
// to that same peer.
func (e *rxEntry) matches(msgTag uint64, from Addr) bool {
	if (e.tag|e.ignore) != (msgTag|e.ignore) {
		return false
	}
	if e.wildcardAddr || e.peer == nil {
		return true
	}
	return e.peer.addr == from
}

// rxArena is the fixed-capacity rx_entry arena, indexed identically to
// txArena (spec §3).
type rxArena struct {
	entries []rxEntry
	free    []uint32
}

func newRxArena(capacity int) *rxArena {
	a := &rxArena{
		entries: make([]rxEntry, capacity),
		free:    make([]uint32, capacity),
	}
	for i := range a.entries {
		a.free[i] = uint32(capacity - 1 - i)
	}
	return a
}

func (a *rxArena) alloc() (*rxEntry, uint32, error) {
	n := len(a.free)
	if n == 0 {
		return nil, 0, ErrAgain
	}
	id := a.free[n-1]
	a.free = a.free[:n-1]
	e := &a.entries[id]
	e.rxID = id
	e.state = RxInit
	return e, id, nil
}

func (a *rxArena) get(id uint32) (*rxEntry, bool) {
	if int(id) >= len(a.entries) {
		return nil, false
	}
	return &a.entries[id], true
}

func (a *rxArena) release(id uint32) {
	e := &a.entries[id]
	e.reset()
	a.free = append(a.free, id)
}
