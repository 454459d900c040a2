package rdm

import "context"

// ctxBG is reused for every Transport call the core makes. The engine's
// submit paths are never blocking (Non-goals, §5), so there is no
// per-operation deadline to thread through; a real deadline/cancellation
// would be threaded in by the hosting runtime's own context if needed.
var ctxBG = context.Background()

// CQEventKind classifies a completion handed back by poll_cq (spec §4.7).
type CQEventKind uint8

const (
	CQRecv CQEventKind = iota
	CQRNR
	CQError
)

// CQEvent is one entry drained from a transport's completion queue. Send
// completions are not modeled here: Transport.Send is synchronous from the
// engine's point of view (it either hands the datagram off or returns
// ErrAgain/a fatal error immediately), matching a plain UDP socket's
// write() semantics where there is no separate hardware completion step
// distinct from submission. Token correlates a CQRNR/CQError event back to
// the outstanding send that produced it, for transports sophisticated
// enough to detect either asynchronously; udpfabric and shm never emit
// CQRNR (see their package docs) and only emit CQError for terminal local
// failures (peer unreachable, socket closed).
type CQEvent struct {
	Kind  CQEventKind
	Data  []byte // wire bytes, set when Kind == CQRecv
	Peer  Addr
	Token uint64 // correlates CQRNR/CQError to a prior Send call
	Err   error
}

// Transport is the "datagram transport" capability abstraction from Design
// Note §9: {post_recv, send, inject, poll_cq}, implemented identically by
// the main fabric (transport/udpfabric) and the shared-memory sibling
// (transport/shm). The engine never type-switches on which one it holds; it
// routes per-peer purely on peer.isLocal.
type Transport interface {
	// Send submits data (already wire-encoded) to addr, tagged with an
	// opaque token the engine may use to correlate a later CQRNR/CQError
	// event. Returns ErrAgain if the underlying ring/queue is momentarily
	// full, or ErrRNR if the receiver signalled not-ready (see ErrRNR for
	// how the engine handles it); any other non-nil error is treated as an
	// immediate send failure.
	Send(ctx context.Context, addr Addr, data []byte, token uint64) error

	// PostRecv is a capacity hint for transports that pre-post fixed
	// receive buffers (the EFA model); part of §4.7 step 6's repost loop.
	// Transports backed by a plain socket may treat it as a no-op.
	PostRecv() error

	// PollCQ drains up to max completions without blocking.
	PollCQ(max int) []CQEvent

	// LocalAddr returns this endpoint's own address on the transport, used
	// to piggyback REMOTE_SRC_ADDR on the first RTS to a peer (spec §4.2).
	LocalAddr() Addr

	// Close releases transport resources.
	Close() error
}
