package rdm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReorderWindowDrainsContiguousRun(t *testing.T) {
	w := newReorderWindow(8)
	e2, e3 := &stagingEntry{}, &stagingEntry{}
	require.NoError(t, w.insert(2, e2))
	require.NoError(t, w.insert(3, e3))

	expected := uint64(1)
	require.Empty(t, w.drain(&expected), "gap at msg_id 1 must block the drain")

	require.NoError(t, w.insert(1, &stagingEntry{}))
	out := w.drain(&expected)
	require.Len(t, out, 3)
	require.Same(t, e2, out[1])
	require.Same(t, e3, out[2])
	require.Equal(t, uint64(4), expected)
	require.False(t, w.pending(2))
}

func TestReorderWindowRejectsDuplicateMsgID(t *testing.T) {
	w := newReorderWindow(8)
	require.NoError(t, w.insert(5, &stagingEntry{}))
	err := w.insert(5, &stagingEntry{})
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

// A msg_id landing beyond the window collides with an occupied slot and is
// failed as a protocol error rather than overwriting the parked packet.
func TestReorderWindowRejectsMsgIDBeyondWindow(t *testing.T) {
	w := newReorderWindow(4)
	require.NoError(t, w.insert(1, &stagingEntry{}))
	err := w.insert(5, &stagingEntry{})
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestReorderWindowFlushReturnsAllStaged(t *testing.T) {
	w := newReorderWindow(8)
	require.NoError(t, w.insert(2, &stagingEntry{}))
	require.NoError(t, w.insert(6, &stagingEntry{}))
	out := w.flush()
	require.Len(t, out, 2)
	require.False(t, w.pending(2))
	require.False(t, w.pending(6))
}
