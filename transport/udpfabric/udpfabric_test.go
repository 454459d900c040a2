package udpfabric_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/rdm/rdm"
	"github.com/katzenpost/rdm/transport/udpfabric"
)

func TestDatagramRoundTripOverLoopback(t *testing.T) {
	a, err := udpfabric.New("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := udpfabric.New("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	payload := []byte("rdm over udp")
	require.NoError(t, a.Send(context.Background(), b.LocalAddr(), payload, 1))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		evs := b.PollCQ(0)
		if len(evs) == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		require.Len(t, evs, 1)
		require.Equal(t, rdm.CQRecv, evs[0].Kind)
		require.Equal(t, payload, evs[0].Data)
		require.Equal(t, a.LocalAddr(), evs[0].Peer)
		return
	}
	t.Fatal("datagram never arrived")
}

func TestSendToUnresolvableAddressFails(t *testing.T) {
	a, err := udpfabric.New("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	err = a.Send(context.Background(), rdm.NewAddr([]byte("not-an-address")), []byte("x"), 1)
	require.Error(t, err)
}
