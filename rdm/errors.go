package rdm

import "errors"

// ErrAgain is returned by any non-blocking submit operation when a pool,
// credit, or transport resource is momentarily exhausted. Per spec §7 this
// is never surfaced as a completion; the caller retries.
var ErrAgain = errors.New("rdm: resource busy, retry")

// ErrRNR is returned by a Transport's Send when the receiver signalled
// not-ready back-pressure for this destination. For message RTS, DATA and
// CTS packets the engine parks the owning entry and retransmits after the
// peer's backoff elapses. Read instead releases its entries and returns
// ErrRNR to its caller; a READRSP that hits it is requeued for the next
// Progress pass without backoff; a CONNACK is retried on the peer's next RTS.
var ErrRNR = errors.New("rdm: receiver not ready")

// ErrCancelled is written as a completion (with a cancellation reason) when
// a posted receive is cancelled before it matches, per spec §5.
var ErrCancelled = errors.New("rdm: operation cancelled")

// ErrNoMatch is returned by ClosePeer when no peer record exists for the
// address. The engine never writes it as a completion.
var ErrNoMatch = errors.New("rdm: no matching receive")

// ProtocolError indicates a wire-level impossibility: an unknown slot id,
// a state transition the protocol forbids, or a msg_id outside the receive
// window. When an inbound packet raises it, the progress engine logs it at
// debug level and drops the packet; no completion is written and the entry
// the packet names is not released.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "rdm: protocol error: " + e.Reason }

func newProtocolError(reason string) *ProtocolError {
	return &ProtocolError{Reason: reason}
}

// PeerFatalError indicates a completion-queue error (other than RNR) on a
// packet destined for a given peer. Per spec §7 this drains every tx/rx
// entry for that peer with error completions.
type PeerFatalError struct {
	Peer Addr
	Err  error
}

func (e *PeerFatalError) Error() string {
	return "rdm: peer fatal: " + e.Peer.String() + ": " + e.Err.Error()
}

func (e *PeerFatalError) Unwrap() error { return e.Err }

// InternalError reports a local failure that is not the peer's fault, such
// as a metadata encode failure or a completion error whose peer is unknown.
// It is returned to the caller or carried in the failed entry's completion
// (the completion queue is unbounded); nothing stops the progress loop on it.
type InternalError struct {
	Reason string
}

func (e *InternalError) Error() string { return "rdm: internal error: " + e.Reason }
