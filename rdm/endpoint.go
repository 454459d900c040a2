// Package rdm implements the reliable datagram messaging engine: a
// credit-flow-controlled, send-after-send-ordered message protocol layered
// over an unreliable datagram transport, plus emulated RMA read/write.
package rdm

import (
	"container/list"
	"io"

	"github.com/charmbracelet/log"

	"github.com/katzenpost/rdm/internal/instrument"
)

// completionQueue is a small FIFO of Completion records the application
// drains after each Progress call, mirroring the fabric CQ the teacher's
// connection code polls rather than invoking an app callback directly.
type completionQueue struct {
	items *list.List
}

func newCompletionQueue() *completionQueue { return &completionQueue{items: list.New()} }

func (q *completionQueue) push(c Completion) { q.items.PushBack(c) }

func (q *completionQueue) drain(max int) []Completion {
	var out []Completion
	for q.items.Len() > 0 && (max <= 0 || len(out) < max) {
		e := q.items.Front()
		q.items.Remove(e)
		out = append(out, e.Value.(Completion))
	}
	return out
}

// unexpectedEntry pairs a staged RTS with the rx_entry slot allocated to
// track it while unmatched (spec §4.4 "No match" path).
type unexpectedEntry struct {
	rxID uint32
}

// Endpoint wires together every component in spec §2 into the single
// object an application drives: it owns the packet pools, tx/rx arenas,
// peer table, and both transports, and exposes the non-blocking
// send/recv/rma operations plus Progress(). Grounded on
// client2/connection.go's role as the per-peer owner of buffers, credit
// state, and the dispatch loop, generalized from one peer to the full peer
// table this spec requires.
type Endpoint struct {
	cfg *Config
	log *log.Logger

	main Transport
	shm  Transport

	peers *peerTable

	tx *txArena
	rx *rxArena

	txPoolMain *pktPool
	rxPoolMain *pktPool
	txPoolSHM  *pktPool
	rxPoolSHM  *pktPool

	staging *stagingPool

	// posted receive lists, FIFO (spec §4.4: "first match wins").
	postedRecv   *list.List // of uint32 rx_id, untagged
	postedTagged *list.List // of uint32 rx_id, tagged
	unexpected   *list.List // of *unexpectedEntry

	// retry queues (spec §4.3/§4.7): tx/rx entries with queued_pkts,
	// drained in FIFO order each pass; the drain stops at the first entry
	// that still cannot be sent, for all peers alike (there is no per-peer
	// cutoff).
	txQueued *list.List // of uint32 tx_id
	rxQueued *list.List // of uint32 rx_id

	cq *completionQueue

	// now is the engine clock as of the most recent Progress call, used by
	// submit-path RNR handling that runs between pump passes.
	now now64

	rxBufsMainToPost int
	rxBufsSHMToPost  int
	postedMain       int
	postedSHM        int

	rmaRegistry *remoteIOVRegistry
}

// NewEndpoint constructs an Endpoint over the given transports. shm may be
// nil if enable_shm_transfer is false or no co-located peers exist.
func NewEndpoint(cfg *Config, main, shm Transport, logw io.Writer) *Endpoint {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	arenaCap := int(cfg.RDM.CQSize)
	if arenaCap <= 0 {
		arenaCap = 1024
	}
	e := &Endpoint{
		cfg:          cfg,
		log:          newLogger(logw, "rdm", log.InfoLevel),
		main:         main,
		shm:          shm,
		peers:        newPeerTable(&cfg.RDM),
		tx:           newTxArena(arenaCap),
		rx:           newRxArena(arenaCap),
		txPoolMain:   newPktPool(arenaCap, cfg.RDM.MTUSize, cfg.RDM.Poison),
		rxPoolMain:   newPktPool(arenaCap, cfg.RDM.MTUSize, cfg.RDM.Poison),
		staging:      newStagingPool(arenaCap),
		postedRecv:   list.New(),
		postedTagged: list.New(),
		unexpected:   list.New(),
		txQueued:     list.New(),
		rxQueued:     list.New(),
		cq:           newCompletionQueue(),
	}
	if shm != nil {
		e.txPoolSHM = newPktPool(arenaCap, cfg.RDM.MTUSize, cfg.RDM.Poison)
		e.rxPoolSHM = newPktPool(arenaCap, cfg.RDM.MTUSize, cfg.RDM.Poison)
	}
	e.rxBufsMainToPost = arenaCap / 2
	e.rxBufsSHMToPost = arenaCap / 2
	return e
}

// peerFor resolves (and lazily creates) the peer record for addr, and
// routes it to the shared-memory transport when the app has told us the
// peer is co-located.
func (e *Endpoint) peerFor(addr Addr, local bool) *peer {
	p := e.peers.getOrCreate(addr)
	if local && e.shm != nil && e.cfg.RDM.EnableSHMTransfer {
		p.isLocal = true
	}
	return p
}

func (e *Endpoint) transportFor(p *peer) Transport {
	if p.isLocal && e.shm != nil {
		return e.shm
	}
	return e.main
}

func (e *Endpoint) txPoolFor(p *peer) *pktPool {
	if p.isLocal && e.txPoolSHM != nil {
		return e.txPoolSHM
	}
	return e.txPoolMain
}

func (e *Endpoint) rxPoolFor(p *peer) *pktPool {
	if p.isLocal && e.rxPoolSHM != nil {
		return e.rxPoolSHM
	}
	return e.rxPoolMain
}

// DrainCompletions returns up to max queued completions (0 = all).
func (e *Endpoint) DrainCompletions(max int) []Completion {
	return e.cq.drain(max)
}

func (e *Endpoint) writeCompletion(c Completion) {
	e.cq.push(c)
}

// failTx (and failRx for rx entries) releases an entry with an error completion, per
// spec §7's ProtocolError/PeerFatal propagation rule.
func (e *Endpoint) failTx(id uint32, err error) {
	entry, ok := e.tx.get(id)
	if !ok || entry.state == TxFree {
		return
	}
	instrument.ProtocolError()
	e.writeCompletion(Completion{OpContext: entry.opCtx, Err: err, Tag: entry.tag})
	e.tx.release(id)
}

func (e *Endpoint) failRx(id uint32, err error) {
	entry, ok := e.rx.get(id)
	if !ok || entry.state == RxFree {
		return
	}
	instrument.ProtocolError()
	e.writeCompletion(Completion{OpContext: entry.opCtx, Err: err, Tag: entry.tag})
	e.rx.release(id)
}

// failPeer implements spec §7's PeerFatal handling: every tx/rx entry
// destined for that peer is drained with an error completion.
func (e *Endpoint) failPeer(p *peer, cause error) {
	instrument.PeerFatal()
	e.drainPeerEntries(p, func(id uint32, tx bool) {
		if tx {
			e.failTx(id, &PeerFatalError{Peer: p.addr, Err: cause})
		} else {
			e.failRx(id, &PeerFatalError{Peer: p.addr, Err: cause})
		}
	})
}

// drainPeerEntries invokes fail for every live tx/rx entry bound to p, then
// scrubs the bookkeeping lists of the slots that were released.
func (e *Endpoint) drainPeerEntries(p *peer, fail func(id uint32, tx bool)) {
	for i := range e.tx.entries {
		ent := &e.tx.entries[i]
		if ent.state != TxFree && ent.peer == p {
			fail(uint32(i), true)
		}
	}
	for i := range e.rx.entries {
		ent := &e.rx.entries[i]
		if ent.state != RxFree && ent.peer == p {
			id := uint32(i)
			removeFromList(e.postedRecv, id)
			removeFromList(e.postedTagged, id)
			if ent.unexpPkt != nil {
				e.staging.put(ent.unexpPkt)
				ent.unexpPkt = nil
			}
			fail(id, false)
		}
	}
	e.purgeUnexpected()
	e.purgeFreedQueued()
}

// purgeUnexpected drops unexpected-list links whose staged rx_entry has
// been released out from under them.
func (e *Endpoint) purgeUnexpected() {
	for el := e.unexpected.Front(); el != nil; {
		next := el.Next()
		ue := el.Value.(*unexpectedEntry)
		if staged, ok := e.rx.get(ue.rxID); !ok || staged.state != RxUnexp {
			e.unexpected.Remove(el)
		}
		el = next
	}
}

// purgeFreedQueued removes retry-queue links to slots that have been
// released, so a later reuse of the slot id cannot be retried by mistake.
func (e *Endpoint) purgeFreedQueued() {
	for el := e.txQueued.Front(); el != nil; {
		next := el.Next()
		if ent, ok := e.tx.get(el.Value.(uint32)); !ok || ent.state == TxFree {
			e.txQueued.Remove(el)
		}
		el = next
	}
	for el := e.rxQueued.Front(); el != nil; {
		next := el.Next()
		if ent, ok := e.rx.get(el.Value.(uint32)); !ok || ent.state == RxFree {
			e.rxQueued.Remove(el)
		}
		el = next
	}
}

// ClosePeer drains every outstanding tx/rx entry bound to addr with a
// cancellation completion and returns the peer record to FREE. There is no
// teardown negotiation on the wire (spec §1 Non-goals): the peer simply
// reverts to the state it had before first use, and a later send or RTS
// arrival re-runs the §4.2 bootstrap.
func (e *Endpoint) ClosePeer(addr Addr) error {
	p, ok := e.peers.lookup(addr)
	if !ok {
		return ErrNoMatch
	}
	e.drainPeerEntries(p, func(id uint32, tx bool) {
		if tx {
			ent, _ := e.tx.get(id)
			e.writeCompletion(Completion{OpContext: ent.opCtx, Err: ErrCancelled, Tag: ent.tag})
			e.tx.release(id)
		} else {
			ent, _ := e.rx.get(id)
			e.writeCompletion(Completion{OpContext: ent.opCtx, Err: ErrCancelled, Tag: ent.tag})
			e.rx.release(id)
		}
	})
	e.peers.removeBackoff(p)
	if p.reorder != nil {
		for _, staged := range p.reorder.flush() {
			e.staging.put(staged)
		}
	}
	p.state = CMFree
	p.txInit = false
	p.rxInit = false
	p.connAckSent = false
	p.nextMsgID = 0
	p.expectedMsg = 0
	p.txCredits = 0
	p.rxCredits = 0
	p.txPending = 0
	p.rnrTimeoutExp = 0
	p.rnrQueuedPktCnt = 0
	p.backedOffThisPass = false
	p.reorder = nil
	return nil
}
