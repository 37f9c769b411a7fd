// Package addr holds the dual-representation IPv4 socket address PEMI
// threads through its packet path: a netip.AddrPort for ordinary
// comparisons/map keys, and a unix.SockaddrInet4 for the raw sendmsg/recvmsg
// calls the transparent-forwarding path needs.
package addr

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Addr is an IPv4 socket address kept in both representations so neither
// side of the packet path pays a repeated conversion.
type Addr struct {
	addrPort netip.AddrPort
	raw      unix.SockaddrInet4
}

// FromAddrPort builds an Addr from a netip.AddrPort. ap must be an IPv4
// address; PEMI never forwards IPv6 traffic.
func FromAddrPort(ap netip.AddrPort) (Addr, error) {
	if !ap.Addr().Is4() {
		return Addr{}, fmt.Errorf("addr: %s is not IPv4", ap)
	}
	return Addr{
		addrPort: ap,
		raw:      unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()},
	}, nil
}

// FromRaw builds an Addr from a unix.SockaddrInet4, as recovered from a
// recvmsg call or an IP_RECVORIGDSTADDR control message.
func FromRaw(raw unix.SockaddrInet4) Addr {
	a := netip.AddrFrom4(raw.Addr)
	return Addr{
		addrPort: netip.AddrPortFrom(a, uint16(raw.Port)),
		raw:      raw,
	}
}

// AddrPort returns the netip.AddrPort representation, for map keys and
// ordinary comparisons.
func (a Addr) AddrPort() netip.AddrPort { return a.addrPort }

// Raw returns the unix.SockaddrInet4 representation, for sendmsg/recvmsg.
func (a Addr) Raw() unix.SockaddrInet4 { return a.raw }

// IsValid reports whether a was ever assigned an address.
func (a Addr) IsValid() bool { return a.addrPort.IsValid() }

func (a Addr) String() string { return a.addrPort.String() }

// Less gives Addr a total order so ConnId can pick a canonical (smaller,
// larger) pair regardless of which side sent the first datagram.
func (a Addr) Less(b Addr) bool {
	if a.addrPort.Addr() != b.addrPort.Addr() {
		return a.addrPort.Addr().Less(b.addrPort.Addr())
	}
	return a.addrPort.Port() < b.addrPort.Port()
}
