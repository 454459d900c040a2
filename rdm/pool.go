package rdm

import "sync"

// pktPool is a fixed-capacity pool of MTU-sized packet buffers. Allocation
// never blocks: an exhausted pool returns ErrAgain synchronously, matching
// §4.1's "allocation fails synchronously with resource busy rather than
// blocking." Grounded on the fixed-slice-of-reusable-buffers shape used by
// client2/connection.go's frame buffer handling, generalized into an
// explicit free-list since the teacher inlines a single buffer per
// connection rather than a shared pool.
type pktPool struct {
	mu     sync.Mutex
	mtu    int
	poison bool
	free   []*pktEntry
	slots  []pktEntry
}

// pktEntry is a single reusable MTU-sized scratch buffer. Sends against a
// Transport complete synchronously (see transport.go), so an entry's
// lifetime never outlives the call that fills it: it is borrowed from the
// pool, written into, handed to Transport.Send, and returned immediately —
// no owning tx/rx back-reference is needed the way a verbs-level async
// completion would require one.
type pktEntry struct {
	buf []byte
	n   int // valid bytes in buf
	dir pktDir

	poolIdx int
}

type pktDir uint8

const (
	dirSend pktDir = iota
	dirRecv
)

const poisonByte = 0xA5

func newPktPool(capacity, mtu int, poison bool) *pktPool {
	p := &pktPool{
		mtu:    mtu,
		poison: poison,
		slots:  make([]pktEntry, capacity),
		free:   make([]*pktEntry, 0, capacity),
	}
	for i := range p.slots {
		p.slots[i].buf = make([]byte, mtu)
		p.slots[i].poolIdx = i
		p.free = append(p.free, &p.slots[i])
	}
	return p
}

// get returns a free packet entry, reset for dir, or ErrAgain if the pool is
// exhausted.
func (p *pktPool) get(dir pktDir) (*pktEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil, ErrAgain
	}
	e := p.free[n-1]
	p.free = p.free[:n-1]
	e.n = 0
	e.dir = dir
	return e, nil
}

// put releases e back to the pool, poisoning its buffer first if enabled.
func (p *pktPool) put(e *pktEntry) {
	if p.poison {
		for i := range e.buf {
			e.buf[i] = poisonByte
		}
	}
	p.mu.Lock()
	p.free = append(p.free, e)
	p.mu.Unlock()
}

func (p *pktPool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// stagingPool holds copies of RTS packets that must outlive their
// originating RX buffer: unexpected-message staging and out-of-order
// reorder-window staging (§4.1, §4.6). Unlike pktPool these entries own
// independently allocated byte slices (they are sized to the payload, not
// the MTU) since they are not reposted to a transport.
type stagingPool struct {
	mu   sync.Mutex
	free []*stagingEntry
	all  []*stagingEntry
	cap  int
}

type stagingEntry struct {
	hdr  Header
	meta RTSMeta
	data []byte
	used bool
}

func newStagingPool(capacity int) *stagingPool {
	sp := &stagingPool{cap: capacity}
	sp.all = make([]*stagingEntry, 0, capacity)
	return sp
}

func (sp *stagingPool) get() (*stagingEntry, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if n := len(sp.free); n > 0 {
		e := sp.free[n-1]
		sp.free = sp.free[:n-1]
		e.used = true
		return e, nil
	}
	if len(sp.all) >= sp.cap {
		return nil, ErrAgain
	}
	e := &stagingEntry{used: true}
	sp.all = append(sp.all, e)
	return e, nil
}

func (sp *stagingPool) put(e *stagingEntry) {
	e.data = nil
	e.used = false
	sp.mu.Lock()
	sp.free = append(sp.free, e)
	sp.mu.Unlock()
}
