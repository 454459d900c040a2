package rdm

import (
	"math/rand"
	"sync"

	"gitlab.com/yawning/avl.git"
)

// CMState is the peer connection-management state from spec §4.2.
type CMState uint8

const (
	CMFree CMState = iota
	CMConnReqSent
	CMAcked
)

func (s CMState) String() string {
	switch s {
	case CMFree:
		return "FREE"
	case CMConnReqSent:
		return "CONNREQ_SENT"
	case CMAcked:
		return "ACKED"
	default:
		return "CM?"
	}
}

const (
	minRNRTimeoutUs uint64 = 40
	maxRNRTimeoutUs uint64 = 120
)

// peer is the per-address peer record (spec §3/§4.2).
type peer struct {
	addr Addr

	state   CMState
	txInit  bool
	rxInit  bool
	isLocal bool // routed over the shared-memory transport

	// connAckSent records that we already returned the once-per-peer CONNACK
	// for this peer's connection request (spec §4.2/§6); cleared only on
	// peer teardown so repeat RTS arrivals don't re-ack.
	connAckSent bool

	nextMsgID   uint64
	expectedMsg uint64 // next msg_id expected by the reorder window

	txCredits uint16
	rxCredits uint16
	txPending int

	// RNR backoff state.
	inBackoff         bool
	backedOffThisPass bool
	rnrTS             uint64
	rnrTimeoutExp     uint32
	timeoutInterval   uint64
	currentBackoff    uint64 // backoff duration captured at enterBackoff time
	rnrQueuedPktCnt   int
	backoffNode       *avl.Node

	reorder *reorderWindow

	// spec §3's queued_pkts lives on Endpoint.txQueued/rxQueued, keyed by
	// entry id; the peer only tracks aggregate queue depth for
	// instrumentation (rnrQueuedPktCnt above).
}

func newPeer(addr Addr, cfg *RDMConfig) *peer {
	interval := cfg.TimeoutInterval
	if interval == 0 {
		// spec §6: timeout_interval defaults to a per-peer random value in
		// [40,120]us when the config leaves it at zero.
		interval = minRNRTimeoutUs + uint64(rand.Intn(int(maxRNRTimeoutUs-minRNRTimeoutUs+1)))
	}
	return &peer{
		addr:            addr,
		state:           CMFree,
		timeoutInterval: interval,
	}
}

// peerTable owns every peer record for an endpoint plus the RNR backoff
// tree, ordered by expiry so the progress engine can pop only elapsed peers
// without scanning the whole table (Design Note §9 / spec §4.7 step 3).
// Grounded on server/internal/decoy/decoy.go's surbETAs avl.Tree keyed by
// ETA, generalized from SURB expiry to peer RNR expiry.
type peerTable struct {
	mu      sync.Mutex
	byAddr  map[string]*peer
	backoff *avl.Tree
	cfg     *RDMConfig
}

func newPeerTable(cfg *RDMConfig) *peerTable {
	return &peerTable{
		byAddr: make(map[string]*peer),
		backoff: avl.New(func(a, b interface{}) int {
			pa, pb := a.(*peer), b.(*peer)
			expA, expB := pa.rnrTS+pa.currentBackoff, pb.rnrTS+pb.currentBackoff
			switch {
			case expA < expB:
				return -1
			case expA > expB:
				return 1
			}
			// distinct peers may share an expiry instant; tie-break on the
			// address so the tree never sees two entries compare equal.
			switch {
			case pa.addr.raw < pb.addr.raw:
				return -1
			case pa.addr.raw > pb.addr.raw:
				return 1
			default:
				return 0
			}
		}),
		cfg: cfg,
	}
}

// getOrCreate returns the peer record for addr, creating one in state FREE
// on first use per spec §4.2.
func (t *peerTable) getOrCreate(addr Addr) *peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := string(addr.Bytes())
	if p, ok := t.byAddr[key]; ok {
		return p
	}
	p := newPeer(addr, t.cfg)
	t.byAddr[key] = p
	return p
}

func (t *peerTable) lookup(addr Addr) (*peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byAddr[string(addr.Bytes())]
	return p, ok
}

// onFirstSend implements the tx_init half of §4.2's implicit peer creation.
func (t *peerTable) onFirstSend(p *peer, cfg *RDMConfig) {
	if p.txInit {
		return
	}
	p.txInit = true
	p.txCredits = cfg.TxMaxCredits
	if p.state == CMFree {
		p.state = CMConnReqSent
	}
}

// onFirstRecv implements the rx_init half of §4.2.
func (t *peerTable) onFirstRecv(p *peer, cfg *RDMConfig) {
	if p.rxInit {
		return
	}
	p.rxInit = true
	p.rxCredits = cfg.RxWindowSize
	p.reorder = newReorderWindow(cfg.RecvWinSize)
}

func (t *peerTable) onConnAck(p *peer) {
	p.state = CMAcked
}

// computeBackoff applies spec §4.3's exponential-with-cap formula.
func computeBackoff(p *peer, cfg *RDMConfig) uint64 {
	shift := p.rnrTimeoutExp
	if shift > 24 {
		shift = 24 // guard against overflow; far beyond max_timeout anyway
	}
	b := p.timeoutInterval << shift
	if b > cfg.MaxTimeout || b < p.timeoutInterval {
		b = cfg.MaxTimeout
	}
	return b
}

// enterBackoff marks p IN_BACKOFF and (re)inserts it into the expiry tree,
// per spec §4.3's RNR handling. The backoff duration in effect for this
// period is computed once, from the exponent as it stood *before* this RNR,
// and pinned on the peer (currentBackoff) so a later rnrTimeoutExp++ doesn't
// retroactively change how long the in-flight wait is.
func (t *peerTable) enterBackoff(p *peer, now uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.inBackoff {
		t.backoff.Remove(p.backoffNode)
	}
	p.inBackoff = true
	p.rnrTS = now
	p.currentBackoff = computeBackoff(p, t.cfg)
	node := t.backoff.Insert(p)
	if node.Value.(*peer) != p {
		// Design Note §9 quirk guard: avl.Insert on a duplicate key returns
		// the existing node; since peers are unique pointers this cannot
		// legitimately happen, so treat it as an internal invariant break.
		panic("rdm: peer backoff tree corruption")
	}
	p.backoffNode = node
	p.rnrTimeoutExp++
}

// expireBackoff walks the tree in expiry order and returns peers whose
// backoff has elapsed as of now, clearing IN_BACKOFF and unlinking them.
func (t *peerTable) expireBackoff(now uint64) []*peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []*peer
	iter := t.backoff.Iterator(avl.Forward)
	for node := iter.First(); node != nil; {
		p := node.Value.(*peer)
		if p.rnrTS+p.currentBackoff > now {
			break
		}
		next := iter.Next()
		t.backoff.Remove(node)
		p.inBackoff = false
		p.backedOffThisPass = true
		p.backoffNode = nil
		expired = append(expired, p)
		node = next
	}
	return expired
}

// removeBackoff unlinks p from the expiry tree without retrying its queued
// work, used by peer teardown.
func (t *peerTable) removeBackoff(p *peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.inBackoff && p.backoffNode != nil {
		t.backoff.Remove(p.backoffNode)
	}
	p.inBackoff = false
	p.backoffNode = nil
}

func (t *peerTable) backoffCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.backoff.Len()
}

// resetBackoffPassFlags clears BACKED_OFF_THIS_PASS at the start of a
// progress pass, per the two-flag model in spec §3.
func (t *peerTable) resetBackoffPassFlags() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.byAddr {
		p.backedOffThisPass = false
	}
}
