package rdm

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Protocol constants from spec §6.
const (
	ProtocolVersionMajor = 2
	ProtocolVersionMinor = 0

	// IOVLimit is the scatter-gather limit per operation.
	IOVLimit = 4

	// MaxSrcAddrLen bounds the piggybacked source address in an RTS.
	MaxSrcAddrLen = 32

	// MaxMTU is the largest permitted mtu_size.
	MaxMTU = 1 << 15
)

// PktType is the one-byte wire opcode.
type PktType uint8

const (
	PktRTS PktType = iota + 1
	PktCTS
	PktData
	PktReadRsp
	PktEOR
	PktConnAck
)

func (t PktType) String() string {
	switch t {
	case PktRTS:
		return "RTS"
	case PktCTS:
		return "CTS"
	case PktData:
		return "DATA"
	case PktReadRsp:
		return "READRSP"
	case PktEOR:
		return "EOR"
	case PktConnAck:
		return "CONNACK"
	default:
		return fmt.Sprintf("PktType(%d)", uint8(t))
	}
}

// HdrFlags are the RTS header flags enumerated in spec §6.
type HdrFlags uint16

const (
	FlagTagged HdrFlags = 1 << iota
	FlagRemoteCQData
	FlagRemoteSrcAddr
	FlagRecvCancel
	FlagWrite
	FlagReadReq
	FlagReadData
	FlagCreditRequest
	FlagSHMHdr
	FlagSHMHdrData
)

func (f HdrFlags) Has(bit HdrFlags) bool { return f&bit != 0 }

// Header is the common fixed fields carried by every wire packet.
type Header struct {
	Type    PktType
	Flags   HdrFlags
	MsgID   uint64
	TxID    uint32
	RxID    uint32
	// SrcAddr is present only when FlagRemoteSrcAddr is set (piggybacked
	// once per peer until CM state reaches ACKED, per spec §4.2).
	SrcAddr []byte
}

// headerFixedLen is the byte length of the fixed-width portion of Header,
// not counting the variable-length SrcAddr tail.
const headerFixedLen = 1 /*type*/ + 2 /*flags*/ + 8 /*msgid*/ + 4 /*txid*/ + 4 /*rxid*/ + 1 /*srclen*/

// encodeHeader appends the wire encoding of h to buf and returns the result.
// This is hand-rolled fixed-width binary, matching the spec's definition of
// a "one byte op, plus a common header" rather than a self-describing
// encoding: the header is on the hot path for every packet and its shape is
// fully specified by spec §6.
func encodeHeader(buf []byte, h *Header) []byte {
	var scratch [headerFixedLen]byte
	scratch[0] = byte(h.Type)
	binary.BigEndian.PutUint16(scratch[1:3], uint16(h.Flags))
	binary.BigEndian.PutUint64(scratch[3:11], h.MsgID)
	binary.BigEndian.PutUint32(scratch[11:15], h.TxID)
	binary.BigEndian.PutUint32(scratch[15:19], h.RxID)
	scratch[19] = byte(len(h.SrcAddr))
	buf = append(buf, scratch[:]...)
	if len(h.SrcAddr) > 0 {
		buf = append(buf, h.SrcAddr...)
	}
	return buf
}

// decodeHeader parses a Header off the front of buf and returns the
// remaining (payload) bytes.
func decodeHeader(buf []byte) (*Header, []byte, error) {
	if len(buf) < headerFixedLen {
		return nil, nil, newProtocolError("short packet header")
	}
	h := &Header{
		Type:  PktType(buf[0]),
		Flags: HdrFlags(binary.BigEndian.Uint16(buf[1:3])),
		MsgID: binary.BigEndian.Uint64(buf[3:11]),
		TxID:  binary.BigEndian.Uint32(buf[11:15]),
		RxID:  binary.BigEndian.Uint32(buf[15:19]),
	}
	srcLen := int(buf[19])
	rest := buf[headerFixedLen:]
	if srcLen > 0 {
		if srcLen > MaxSrcAddrLen || len(rest) < srcLen {
			return nil, nil, newProtocolError("invalid piggybacked source address length")
		}
		h.SrcAddr = append([]byte(nil), rest[:srcLen]...)
		rest = rest[srcLen:]
	}
	return h, rest, nil
}

// Addr is a transport-level peer address: an opaque byte string (an EFA GID,
// a UDP host:port, a shared-memory process token, ...) as produced by a
// Transport implementation. Endpoints never interpret the bytes themselves;
// they compare and hash Addr values and hand them back to the owning
// Transport to resolve a wire destination. This mirrors sockatz/common's
// treatment of its QUIC peer identity as an opaque comparable handle rather
// than a parsed struct.
type Addr struct {
	raw string
}

// NewAddr wraps a transport-native address for use as a peer table key.
func NewAddr(raw []byte) Addr { return Addr{raw: string(raw)} }

// Bytes returns the underlying transport-native address.
func (a Addr) Bytes() []byte { return []byte(a.raw) }

func (a Addr) String() string {
	if len(a.raw) == 0 {
		return "<nil-addr>"
	}
	return hex.EncodeToString([]byte(a.raw))
}

func (a Addr) IsZero() bool { return a.raw == "" }

// IOVDesc is one scatter-gather segment of a remote memory descriptor, used
// by RMA WRITE/READ to name the peer's destination/source buffer. Variable
// sized lists of these ride inside an RTS payload cbor-encoded, rather than
// the fixed binary header: the scatter-gather list length varies 1..IOVLimit
// and nests naturally as a small struct slice, matching how
// server/cborplugin's Request/Response types are themselves cbor-framed
// inside the hand-rolled outer wire envelope.
type IOVDesc struct {
	Addr uint64
	Len  uint64
	Key  uint64
}

// RTSMeta is the structured metadata carried in an RTS payload prefix
// (message length, tag, remote IOV descriptors for RMA, credit request).
type RTSMeta struct {
	TotalLen       uint64
	Tag            uint64
	Ignore         uint64
	CreditRequest  uint16
	RemoteIOV      []IOVDesc `cbor:",omitempty"`
	RemoteCQData   uint64    `cbor:",omitempty"`
	MinMultiRecv   uint32    `cbor:",omitempty"`
}

func (m *RTSMeta) marshal() ([]byte, error) { return cbor.Marshal(m) }

func unmarshalRTSMeta(b []byte) (*RTSMeta, error) {
	m := &RTSMeta{}
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("rdm: decode RTS metadata: %w", err)
	}
	return m, nil
}

// CTSMeta is the structured metadata carried in a CTS payload.
type CTSMeta struct {
	CreditAllocated uint16
	Window          uint32
}

func (m *CTSMeta) marshal() ([]byte, error) { return cbor.Marshal(m) }

func unmarshalCTSMeta(b []byte) (*CTSMeta, error) {
	m := &CTSMeta{}
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("rdm: decode CTS metadata: %w", err)
	}
	return m, nil
}

// DataHeader carries the per-data-packet segment offset alongside rx_id
// (already in the common Header).
type DataHeader struct {
	Offset uint64
	Bytes  uint32
}

func (h *DataHeader) marshal() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b[0:8], h.Offset)
	binary.BigEndian.PutUint32(b[8:12], h.Bytes)
	return b
}

func decodeDataHeader(b []byte) (*DataHeader, []byte, error) {
	if len(b) < 12 {
		return nil, nil, newProtocolError("short data header")
	}
	return &DataHeader{
		Offset: binary.BigEndian.Uint64(b[0:8]),
		Bytes:  binary.BigEndian.Uint32(b[8:12]),
	}, b[12:], nil
}
