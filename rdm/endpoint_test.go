package rdm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/rdm/rdm"
)

// Boundary behavior from the protocol's contract: a zero-length send still
// produces a zero-length completion on both sides.
func TestZeroLengthSend(t *testing.T) {
	aEp, bEp, aT, _ := newPair(t)

	recvBuf := make([]byte, 8)
	_, err := aEp.Recv(&rdm.RecvRequest{Wildcard: true, IOV: [][]byte{recvBuf}, OpCtx: "a-recv"})
	require.NoError(t, err)

	err = bEp.Send(&rdm.SendRequest{Op: rdm.TxOpSend, Peer: aT.local, IOV: [][]byte{{}}, OpCtx: "b-send"})
	require.NoError(t, err)

	aComp := drainUntil(t, aEp, 1)
	require.NoError(t, aComp[0].Err)
	require.Equal(t, 0, aComp[0].Len)

	bComp := drainUntil(t, bEp, 1)
	require.Equal(t, 0, bComp[0].Len)
}

func TestCancelPostedRecv(t *testing.T) {
	aEp, _, _, _ := newPair(t)

	id, err := aEp.Recv(&rdm.RecvRequest{Wildcard: true, IOV: [][]byte{make([]byte, 8)}, OpCtx: "a-recv"})
	require.NoError(t, err)
	require.NoError(t, aEp.Cancel(id))

	comps := aEp.DrainCompletions(0)
	require.Len(t, comps, 1)
	require.ErrorIs(t, comps[0].Err, rdm.ErrCancelled)
	require.Equal(t, "a-recv", comps[0].OpContext)

	// The slot is free again; cancelling twice is rejected.
	require.Error(t, aEp.Cancel(id))
}

func TestStatsReflectPeerBootstrap(t *testing.T) {
	aEp, bEp, aT, _ := newPair(t)
	cfg := rdm.DefaultConfig()

	recvBuf := make([]byte, 16)
	_, err := aEp.Recv(&rdm.RecvRequest{Wildcard: true, IOV: [][]byte{recvBuf}, OpCtx: "a-recv"})
	require.NoError(t, err)
	err = bEp.Send(&rdm.SendRequest{Op: rdm.TxOpSend, Peer: aT.local, IOV: [][]byte{make([]byte, 16)}, OpCtx: "b-send"})
	require.NoError(t, err)
	drainUntil(t, aEp, 1)
	drainUntil(t, bEp, 1)

	bStats := bEp.Stats()
	require.Len(t, bStats.Peers, 1)
	sender := bStats.Peers[0]
	require.True(t, sender.TxInit)
	// A returned its CONNACK while processing the RTS, and B consumed it
	// during its own drain.
	require.Equal(t, "ACKED", sender.State)
	require.Equal(t, cfg.RDM.TxMaxCredits, sender.TxCredits)
	require.Equal(t, 0, sender.TxPending)
	require.Equal(t, uint64(1), sender.NextMsgID)
	require.Zero(t, bStats.TxEntriesInUse)

	aStats := aEp.Stats()
	require.Len(t, aStats.Peers, 1)
	receiver := aStats.Peers[0]
	require.True(t, receiver.RxInit)
	require.Equal(t, cfg.RDM.RxWindowSize, receiver.RxCredits)
	require.Equal(t, uint64(1), receiver.ExpectedMsgID)
}

func TestClosePeerDrainsOutstandingEntries(t *testing.T) {
	aT := newMockTransport("A")
	bT := newMockTransport("B")
	// Captured, never delivered: the large send's tx_entry stays parked
	// waiting for a CTS that will not come.
	bT.onSend = func(data []byte, token uint64) error { return nil }
	bEp := rdm.NewEndpoint(rdm.DefaultConfig(), bT, nil, nil)

	payload := make([]byte, 1<<16)
	err := bEp.Send(&rdm.SendRequest{Op: rdm.TxOpSend, Peer: aT.local, IOV: [][]byte{payload}, OpCtx: "b-send"})
	require.NoError(t, err)
	require.Equal(t, 1, bEp.Stats().TxEntriesInUse)

	require.NoError(t, bEp.ClosePeer(aT.local))
	comps := bEp.DrainCompletions(0)
	require.Len(t, comps, 1)
	require.ErrorIs(t, comps[0].Err, rdm.ErrCancelled)
	require.Equal(t, "b-send", comps[0].OpContext)

	stats := bEp.Stats()
	require.Zero(t, stats.TxEntriesInUse)
	require.Len(t, stats.Peers, 1)
	require.Equal(t, "FREE", stats.Peers[0].State)
	require.False(t, stats.Peers[0].TxInit)

	require.ErrorIs(t, bEp.ClosePeer(rdm.NewAddr([]byte("stranger"))), rdm.ErrNoMatch)
}

func TestTagIgnoreMaskMatching(t *testing.T) {
	aEp, bEp, aT, _ := newPair(t)

	// ignore the low byte: tag 0x1200 matches any 0x12xx message.
	recvBuf := make([]byte, 8)
	_, err := aEp.Recv(&rdm.RecvRequest{
		Tagged: true, Tag: 0x1200, Ignore: 0xff, Wildcard: true,
		IOV: [][]byte{recvBuf}, OpCtx: "a-recv",
	})
	require.NoError(t, err)

	err = bEp.Send(&rdm.SendRequest{
		Op: rdm.TxOpTaggedSend, Peer: aT.local, Tag: 0x1234,
		IOV: [][]byte{make([]byte, 8)}, OpCtx: "b-send",
	})
	require.NoError(t, err)

	aComp := drainUntil(t, aEp, 1)
	require.NoError(t, aComp[0].Err)
	require.Equal(t, uint64(0x1234), aComp[0].Tag)
}

func TestRemoteCQDataPropagates(t *testing.T) {
	aEp, bEp, aT, _ := newPair(t)

	recvBuf := make([]byte, 8)
	_, err := aEp.Recv(&rdm.RecvRequest{Wildcard: true, IOV: [][]byte{recvBuf}, OpCtx: "a-recv"})
	require.NoError(t, err)

	err = bEp.Send(&rdm.SendRequest{
		Op: rdm.TxOpSend, Peer: aT.local, Data: 0xdecafbad, HaveData: true,
		IOV: [][]byte{make([]byte, 8)}, OpCtx: "b-send",
	})
	require.NoError(t, err)

	aComp := drainUntil(t, aEp, 1)
	require.Equal(t, uint64(0xdecafbad), aComp[0].Data)
}
