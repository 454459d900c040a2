package rdm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/rdm/rdm"
)

func TestRMAWriteRoundTrip(t *testing.T) {
	aEp, bEp, _, bT := newPair(t)

	dst := make([]byte, 64)
	bEp.RegisterRemoteIOV(0x10, dst)

	src := make([]byte, 64)
	for i := range src {
		src[i] = byte(i ^ 0x5a)
	}
	err := aEp.Write(&rdm.RMARequest{
		Peer:      bT.local,
		IOV:       [][]byte{src},
		RemoteIOV: []rdm.IOVDesc{{Len: 64, Key: 0x10}},
		OpCtx:     "a-write",
	})
	require.NoError(t, err)

	aComp := drainUntil(t, aEp, 1)
	require.NoError(t, aComp[0].Err)
	require.Equal(t, "a-write", aComp[0].OpContext)
	require.Equal(t, uint64(0), aComp[0].Tag)

	bComp := drainUntil(t, bEp, 1)
	require.Equal(t, 64, bComp[0].Len)
	require.Equal(t, src, dst)
}

// A WRITE too large for the RTS streams via CTS+DATA, landing in the
// registered buffer without any posted recv on the target.
func TestRMAWriteStreamsLargePayload(t *testing.T) {
	aEp, bEp, _, bT := newPair(t)

	const size = 16384
	dst := make([]byte, size)
	bEp.RegisterRemoteIOV(0x20, dst)

	src := make([]byte, size)
	for i := range src {
		src[i] = byte(i * 7)
	}
	err := aEp.Write(&rdm.RMARequest{
		Peer:      bT.local,
		IOV:       [][]byte{src},
		RemoteIOV: []rdm.IOVDesc{{Len: size, Key: 0x20}},
		OpCtx:     "a-write",
	})
	require.NoError(t, err)

	var aDone, bDone bool
	for i := 0; i < 10000 && !(aDone && bDone); i++ {
		aEp.Progress(uint64(i))
		bEp.Progress(uint64(i))
		for _, c := range aEp.DrainCompletions(0) {
			require.NoError(t, c.Err)
			aDone = true
		}
		for _, c := range bEp.DrainCompletions(0) {
			require.NoError(t, c.Err)
			require.Equal(t, size, c.Len)
			bDone = true
		}
	}
	require.True(t, aDone, "writer never completed")
	require.True(t, bDone, "target never completed")
	require.Equal(t, src, dst)
}

func TestRMAReadRoundTrip(t *testing.T) {
	aEp, bEp, aT, bT := newPair(t)
	_ = aT

	src := make([]byte, 128)
	for i := range src {
		src[i] = byte(255 - i)
	}
	bEp.RegisterRemoteIOV(0x30, src)

	dst := make([]byte, 128)
	err := aEp.Read(&rdm.RMARequest{
		Peer:      bT.local,
		IOV:       [][]byte{dst},
		RemoteIOV: []rdm.IOVDesc{{Len: 128, Key: 0x30}},
		OpCtx:     "a-read",
	})
	require.NoError(t, err)

	var comps []rdm.Completion
	for i := 0; i < 1000 && len(comps) == 0; i++ {
		bEp.Progress(uint64(i))
		aEp.Progress(uint64(i))
		comps = append(comps, aEp.DrainCompletions(0)...)
	}
	require.Len(t, comps, 1)
	require.NoError(t, comps[0].Err)
	require.Equal(t, "a-read", comps[0].OpContext)
	require.Equal(t, 128, comps[0].Len)
	require.Equal(t, src, dst)
}

func TestRMAWriteUnregisteredKeyCompletesNothing(t *testing.T) {
	aEp, bEp, _, bT := newPair(t)

	src := make([]byte, 32)
	err := aEp.Write(&rdm.RMARequest{
		Peer:      bT.local,
		IOV:       [][]byte{src},
		RemoteIOV: []rdm.IOVDesc{{Len: 32, Key: 0x99}},
		OpCtx:     "a-write",
	})
	require.NoError(t, err)

	// The writer still completes (its RTS was handed off); the target drops
	// the packet as a protocol error and must not write a completion.
	drainUntil(t, aEp, 1)
	for i := 0; i < 100; i++ {
		bEp.Progress(uint64(i))
	}
	require.Empty(t, bEp.DrainCompletions(0))
}
