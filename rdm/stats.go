package rdm

// PeerStats is a point-in-time snapshot of one peer record, exposed for
// harness introspection alongside the Prometheus counters in
// internal/instrument.
type PeerStats struct {
	Addr          Addr
	State         string
	TxInit        bool
	RxInit        bool
	IsLocal       bool
	NextMsgID     uint64
	ExpectedMsgID uint64
	TxCredits     uint16
	RxCredits     uint16
	TxPending     int
	InBackoff     bool
	RNRTimeoutExp uint32
	RNRQueuedPkts int
}

// EndpointStats aggregates the endpoint's live resource usage plus every
// peer's snapshot.
type EndpointStats struct {
	Peers          []PeerStats
	PeersInBackoff int
	TxEntriesInUse int
	RxEntriesInUse int
	QueuedTx       int
	QueuedRx       int
	Unexpected     int
}

// Stats captures a consistent snapshot of the endpoint's state. Like every
// other operation on an Endpoint it must be called from the thread driving
// Progress (spec §5); only the peer table itself carries a lock.
func (e *Endpoint) Stats() EndpointStats {
	s := EndpointStats{
		PeersInBackoff: e.peers.backoffCount(),
		QueuedTx:       e.txQueued.Len(),
		QueuedRx:       e.rxQueued.Len(),
		Unexpected:     e.unexpected.Len(),
	}
	for i := range e.tx.entries {
		if e.tx.entries[i].state != TxFree {
			s.TxEntriesInUse++
		}
	}
	for i := range e.rx.entries {
		if e.rx.entries[i].state != RxFree {
			s.RxEntriesInUse++
		}
	}

	e.peers.mu.Lock()
	peers := make([]*peer, 0, len(e.peers.byAddr))
	for _, p := range e.peers.byAddr {
		peers = append(peers, p)
	}
	e.peers.mu.Unlock()
	for _, p := range peers {
		s.Peers = append(s.Peers, PeerStats{
			Addr:          p.addr,
			State:         p.state.String(),
			TxInit:        p.txInit,
			RxInit:        p.rxInit,
			IsLocal:       p.isLocal,
			NextMsgID:     p.nextMsgID,
			ExpectedMsgID: p.expectedMsg,
			TxCredits:     p.txCredits,
			RxCredits:     p.rxCredits,
			TxPending:     p.txPending,
			InBackoff:     p.inBackoff,
			RNRTimeoutExp: p.rnrTimeoutExp,
			RNRQueuedPkts: p.rnrQueuedPktCnt,
		})
	}
	return s
}
