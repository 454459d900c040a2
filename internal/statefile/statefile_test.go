package statefile_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/rdm/internal/statefile"
)

// Puts are handed to the store's writer goroutine; waitForPut polls until
// the record is visible or the deadline passes.
func waitForPut(t *testing.T, s *statefile.Store, addr []byte) *statefile.PeerSnapshot {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := s.Get(addr)
		require.NoError(t, err)
		if snap != nil {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("snapshot never became visible")
	return nil
}

func TestPutGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	s, err := statefile.Open(path, []byte("correct horse"))
	require.NoError(t, err)
	defer s.Close()

	snap := &statefile.PeerSnapshot{
		Addr:        []byte("127.0.0.1:9001"),
		CMState:     2,
		TxInit:      true,
		RxInit:      true,
		NextMsgID:   17,
		ExpectedMsg: 9,
		TxCredits:   64,
		RxCredits:   128,
	}
	require.NoError(t, s.Put(snap.Addr, snap))

	got := waitForPut(t, s, snap.Addr)
	require.Equal(t, snap, got)

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestGetMissingReturnsNil(t *testing.T) {
	s, err := statefile.Open(filepath.Join(t.TempDir(), "peers.db"), []byte("pw"))
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.Get([]byte("never-stored"))
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestWrongPassphraseIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	s, err := statefile.Open(path, []byte("right"))
	require.NoError(t, err)
	addr := []byte("peer-a")
	require.NoError(t, s.Put(addr, &statefile.PeerSnapshot{Addr: addr}))
	waitForPut(t, s, addr)
	require.NoError(t, s.Close())

	s2, err := statefile.Open(path, []byte("wrong"))
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.Get(addr)
	require.ErrorIs(t, err, statefile.ErrCorrupt)

	// All skips undecryptable records rather than failing the scan.
	all, err := s2.All()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	pass := []byte("persist")
	s, err := statefile.Open(path, pass)
	require.NoError(t, err)
	addr := []byte("peer-b")
	require.NoError(t, s.Put(addr, &statefile.PeerSnapshot{Addr: addr, TxCredits: 7}))
	waitForPut(t, s, addr)
	require.NoError(t, s.Close())

	s2, err := statefile.Open(path, pass)
	require.NoError(t, err)
	defer s2.Close()
	got := waitForPut(t, s2, addr)
	require.Equal(t, uint16(7), got.TxCredits)
}
