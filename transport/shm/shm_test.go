package shm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/rdm/rdm"
	"github.com/katzenpost/rdm/transport/shm"
)

func TestSendDeliversToCoLocatedPeer(t *testing.T) {
	a := shm.New("shm-test-a", 4)
	defer a.Close()
	b := shm.New("shm-test-b", 4)
	defer b.Close()

	err := a.Send(context.Background(), b.LocalAddr(), []byte("hello"), 1)
	require.NoError(t, err)

	evs := b.PollCQ(0)
	require.Len(t, evs, 1)
	require.Equal(t, rdm.CQRecv, evs[0].Kind)
	require.Equal(t, []byte("hello"), evs[0].Data)
	require.Equal(t, a.LocalAddr(), evs[0].Peer)
}

func TestSendToUnregisteredPeerIsFatal(t *testing.T) {
	a := shm.New("shm-test-orphan", 4)
	defer a.Close()

	err := a.Send(context.Background(), rdm.NewAddr([]byte("nobody")), []byte("x"), 1)
	var pfe *rdm.PeerFatalError
	require.ErrorAs(t, err, &pfe)
}

func TestSendBackpressureReturnsAgain(t *testing.T) {
	a := shm.New("shm-test-bp-a", 4)
	defer a.Close()
	b := shm.New("shm-test-bp-b", 1)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, b.LocalAddr(), []byte("one"), 1))
	require.ErrorIs(t, a.Send(ctx, b.LocalAddr(), []byte("two"), 2), rdm.ErrAgain)

	require.Len(t, b.PollCQ(0), 1)
	require.NoError(t, a.Send(ctx, b.LocalAddr(), []byte("three"), 3))
}

func TestCloseUnregisters(t *testing.T) {
	a := shm.New("shm-test-close-a", 4)
	b := shm.New("shm-test-close-b", 4)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close()) // idempotent

	err := a.Send(context.Background(), b.LocalAddr(), []byte("x"), 1)
	var pfe *rdm.PeerFatalError
	require.ErrorAs(t, err, &pfe)
	require.NoError(t, a.Close())
}
