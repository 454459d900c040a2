package rdm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Type:    PktRTS,
		Flags:   FlagTagged | FlagRemoteSrcAddr,
		MsgID:   42,
		TxID:    7,
		RxID:    9,
		SrcAddr: []byte("127.0.0.1:4242"),
	}
	buf := encodeHeader(nil, h)
	buf = append(buf, 0xde, 0xad) // trailing payload survives the decode

	got, rest, err := decodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h.Type, got.Type)
	require.Equal(t, h.Flags, got.Flags)
	require.Equal(t, h.MsgID, got.MsgID)
	require.Equal(t, h.TxID, got.TxID)
	require.Equal(t, h.RxID, got.RxID)
	require.Equal(t, h.SrcAddr, got.SrcAddr)
	require.Equal(t, []byte{0xde, 0xad}, rest)
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	_, _, err := decodeHeader(make([]byte, headerFixedLen-1))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestDecodeHeaderRejectsOversizeSrcAddr(t *testing.T) {
	h := &Header{Type: PktRTS, SrcAddr: make([]byte, MaxSrcAddrLen+8)}
	buf := encodeHeader(nil, h)
	_, _, err := decodeHeader(buf)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestRTSMetaCarriesRMADescriptors(t *testing.T) {
	m := &RTSMeta{
		TotalLen:      4096,
		Tag:           0xfeed,
		CreditRequest: 48,
		RemoteIOV: []IOVDesc{
			{Addr: 0x1000, Len: 2048, Key: 11},
			{Addr: 0x2000, Len: 2048, Key: 11},
		},
		RemoteCQData: 0xc0ffee,
	}
	b, err := m.marshal()
	require.NoError(t, err)
	got, err := unmarshalRTSMeta(b)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestDecodeDataHeaderTruncated(t *testing.T) {
	_, _, err := decodeDataHeader(make([]byte, 11))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}
