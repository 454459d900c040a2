package rdm

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// A DATA packet is valid only once the rx_entry has reached RECV, i.e. its
// CTS has been sent; anything earlier is a protocol error rather than an
// accepted early delivery.
func TestDataBeforeCTSIsProtocolError(t *testing.T) {
	e := NewEndpoint(DefaultConfig(), nil, nil, io.Discard)
	entry, id, err := e.rx.alloc()
	require.NoError(t, err)
	entry.state = RxMatched
	entry.txID = 3
	entry.msgID = 9

	err = e.onDataPacket(&Header{RxID: id, TxID: 3, MsgID: 9}, &DataHeader{Bytes: 2}, []byte("xx"))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestDataPacketSlotMismatchIsProtocolError(t *testing.T) {
	e := NewEndpoint(DefaultConfig(), nil, nil, io.Discard)
	entry, id, err := e.rx.alloc()
	require.NoError(t, err)
	entry.state = RxRecv
	entry.txID = 1
	entry.msgID = 5
	entry.iov[0] = iovSeg{buf: make([]byte, 16)}
	entry.iovCount = 1
	entry.totalLen = 16

	err = e.onDataPacket(&Header{RxID: id, TxID: 2, MsgID: 5}, &DataHeader{Bytes: 2}, []byte("xx"))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestDataPacketUnknownSlotIsProtocolError(t *testing.T) {
	e := NewEndpoint(DefaultConfig(), nil, nil, io.Discard)
	err := e.onDataPacket(&Header{RxID: 1 << 30}, &DataHeader{}, nil)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}
