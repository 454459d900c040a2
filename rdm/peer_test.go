package rdm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := &RDMConfig{TimeoutInterval: 100, MaxTimeout: 1000}
	tbl := newPeerTable(cfg)
	p := tbl.getOrCreate(NewAddr([]byte("peer")))

	var seq []uint64
	now := uint64(0)
	for i := 0; i < 6; i++ {
		tbl.enterBackoff(p, now)
		seq = append(seq, p.currentBackoff)
		expired := tbl.expireBackoff(now + p.currentBackoff)
		require.Len(t, expired, 1)
		require.False(t, p.inBackoff)
		now += p.currentBackoff
	}
	require.Equal(t, []uint64{100, 200, 400, 800, 1000, 1000}, seq)
}

func TestExpireBackoffReleasesOnlyElapsedPeers(t *testing.T) {
	cfg := &RDMConfig{TimeoutInterval: 100, MaxTimeout: 1000000}
	tbl := newPeerTable(cfg)
	p1 := tbl.getOrCreate(NewAddr([]byte("p1")))
	p2 := tbl.getOrCreate(NewAddr([]byte("p2")))

	tbl.enterBackoff(p1, 0)   // expires at 100
	tbl.enterBackoff(p2, 500) // expires at 600
	require.Equal(t, 2, tbl.backoffCount())

	expired := tbl.expireBackoff(150)
	require.Len(t, expired, 1)
	require.Same(t, p1, expired[0])
	require.True(t, p2.inBackoff)
	require.True(t, p1.backedOffThisPass)

	expired = tbl.expireBackoff(600)
	require.Len(t, expired, 1)
	require.Same(t, p2, expired[0])
	require.Equal(t, 0, tbl.backoffCount())
}

func TestBackoffTreeAcceptsEqualExpiries(t *testing.T) {
	cfg := &RDMConfig{TimeoutInterval: 100, MaxTimeout: 1000000}
	tbl := newPeerTable(cfg)
	p1 := tbl.getOrCreate(NewAddr([]byte("p1")))
	p2 := tbl.getOrCreate(NewAddr([]byte("p2")))

	tbl.enterBackoff(p1, 0)
	tbl.enterBackoff(p2, 0)
	require.Len(t, tbl.expireBackoff(100), 2)
}

func TestFirstUseBootstrap(t *testing.T) {
	cfg := &DefaultConfig().RDM
	tbl := newPeerTable(cfg)
	p := tbl.getOrCreate(NewAddr([]byte("peer")))
	require.Equal(t, CMFree, p.state)

	tbl.onFirstSend(p, cfg)
	require.True(t, p.txInit)
	require.Equal(t, cfg.TxMaxCredits, p.txCredits)
	require.Equal(t, CMConnReqSent, p.state)

	p.txCredits = 3
	tbl.onFirstSend(p, cfg) // idempotent
	require.Equal(t, uint16(3), p.txCredits)

	tbl.onFirstRecv(p, cfg)
	require.True(t, p.rxInit)
	require.Equal(t, cfg.RxWindowSize, p.rxCredits)
	require.NotNil(t, p.reorder)

	tbl.onConnAck(p)
	require.Equal(t, CMAcked, p.state)
}

func TestDefaultTimeoutIntervalIsRandomizedInRange(t *testing.T) {
	cfg := &RDMConfig{TimeoutInterval: 0}
	for i := 0; i < 64; i++ {
		p := newPeer(NewAddr([]byte{byte(i)}), cfg)
		require.GreaterOrEqual(t, p.timeoutInterval, minRNRTimeoutUs)
		require.LessOrEqual(t, p.timeoutInterval, maxRNRTimeoutUs)
	}
}
