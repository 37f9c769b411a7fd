// Package pemierr defines the sentinel errors PEMI's packet path uses to
// decide between "forward transparently and move on" and "fatal, abort."
package pemierr

import "errors"

var (
	// ErrNotQUIC means the first datagram of an untracked flow does not
	// start with a QUIC Initial packet. The caller forwards
	// transparently and does no further QUIC bookkeeping.
	ErrNotQUIC = errors.New("pemi: not a QUIC packet")

	// ErrInvalidState means the packet looked like QUIC but parsing it
	// further requires state PEMI doesn't have yet (e.g. a short
	// header before PEMI has learned the connection's DCID length, or
	// a header field out of the bounds PEMI is willing to trust).
	ErrInvalidState = errors.New("pemi: invalid state for QUIC classification")

	// ErrBufferTooShort means a parse ran off the end of the datagram.
	ErrBufferTooShort = errors.New("pemi: buffer too short")

	// ErrQueueOverflow is an invariant violation: a PacketQueue grew
	// past its bound, and Add refused to record the packet. The
	// connection layer discards this error: the packet is still
	// forwarded but goes untracked, and the connection is not torn down.
	ErrQueueOverflow = errors.New("pemi: packet queue invariant violated (overflow)")

	// ErrRetransOfRetrans is an invariant violation: something asked
	// PEMI to retransmit a packet that was itself a retransmission.
	ErrRetransOfRetrans = errors.New("pemi: refusing to retransmit a retransmission")
)

// Transparent reports whether err should be handled by forwarding the
// datagram transparently and continuing, rather than aborting the flow.
func Transparent(err error) bool {
	return errors.Is(err, ErrNotQUIC) || errors.Is(err, ErrInvalidState) || errors.Is(err, ErrBufferTooShort)
}
