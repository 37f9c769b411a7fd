// Package conn tracks one QUIC connection's loss-detection and pacing
// state: which side is the client, the two packet queues (one per
// direction), the Copa congestion estimate, and the delayed-ack reordering
// PEMI applies when the server side is sending faster than the path can
// clear.
package conn

import (
	"fmt"

	"github.com/malbeclabs/pemi/internal/addr"
)

// ID identifies a connection by its two endpoints, independent of which one
// sent the first datagram — the smaller address always sorts first so a
// packet from either direction maps to the same key.
type ID struct {
	addr1, addr2 addr.Addr
}

// NewID builds a connection ID from two endpoints in arbitrary order.
func NewID(a, b addr.Addr) ID {
	if a.Less(b) {
		return ID{addr1: a, addr2: b}
	}
	return ID{addr1: b, addr2: a}
}

func (id ID) String() string {
	return fmt.Sprintf("%s <-> %s", id.addr1, id.addr2)
}
