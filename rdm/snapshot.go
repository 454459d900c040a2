package rdm

import "github.com/katzenpost/rdm/internal/statefile"

// snapshotOf captures the subset of a peer record worth persisting across a
// demo-harness restart (internal/statefile.PeerSnapshot's shape), the
// optional snapshot listed in SPEC_FULL.md §B.
func snapshotOf(p *peer) *statefile.PeerSnapshot {
	return &statefile.PeerSnapshot{
		Addr:        p.addr.Bytes(),
		CMState:     uint8(p.state),
		TxInit:      p.txInit,
		RxInit:      p.rxInit,
		NextMsgID:   p.nextMsgID,
		ExpectedMsg: p.expectedMsg,
		TxCredits:   p.txCredits,
		RxCredits:   p.rxCredits,
	}
}

// SnapshotPeers writes every known peer's CM/credit state to store. This is
// a debug/resume convenience for the hosting application (cmd/rdmping); the
// core engine never calls it itself.
func (e *Endpoint) SnapshotPeers(store *statefile.Store) error {
	e.peers.mu.Lock()
	peers := make([]*peer, 0, len(e.peers.byAddr))
	for _, p := range e.peers.byAddr {
		peers = append(peers, p)
	}
	e.peers.mu.Unlock()

	for _, p := range peers {
		if err := store.Put(p.addr.Bytes(), snapshotOf(p)); err != nil {
			return err
		}
	}
	return nil
}

// RestorePeers pre-warms the peer table from a prior snapshot so the
// handshake (spec §4.2) does not need to replay for peers already ACKED.
func (e *Endpoint) RestorePeers(store *statefile.Store) error {
	snaps, err := store.All()
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		addr := NewAddr(snap.Addr)
		p := e.peers.getOrCreate(addr)
		p.state = CMState(snap.CMState)
		p.txInit = snap.TxInit
		p.rxInit = snap.RxInit
		p.nextMsgID = snap.NextMsgID
		p.expectedMsg = snap.ExpectedMsg
		p.txCredits = snap.TxCredits
		p.rxCredits = snap.RxCredits
		if p.rxInit && p.reorder == nil {
			p.reorder = newReorderWindow(e.cfg.RDM.RecvWinSize)
		}
	}
	return nil
}
