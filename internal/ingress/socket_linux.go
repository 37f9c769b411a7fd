package ingress

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/malbeclabs/pemi/internal/addr"
)

// Listener is PEMI's transparent ingress socket: a single non-blocking UDP
// socket bound to every address, with IP_TRANSPARENT so it can accept
// datagrams addressed to IPs it doesn't itself own, and
// IP_RECVORIGDSTADDR so each read recovers the original destination
// address a plain net.UDPConn would have discarded.
type Listener struct {
	fd int
}

// NewListener opens and configures PEMI's ingress socket on port.
func NewListener(port uint16) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("ingress: create listen socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ingress: set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ingress: set IP_TRANSPARENT: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_RECVORIGDSTADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ingress: set IP_RECVORIGDSTADDR: %w", err)
	}

	sockaddr := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, sockaddr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ingress: bind port %d: %w", port, err)
	}

	return &Listener{fd: fd}, nil
}

// Fd exposes the raw socket for the run loop's readiness wait.
func (l *Listener) Fd() int { return l.fd }

// Close releases the ingress socket.
func (l *Listener) Close() error { return unix.Close(l.fd) }

// Recv reads one datagram, returning its payload, the sender's address,
// and the original destination address recovered from the
// IP_RECVORIGDSTADDR control message (the address the datagram was
// actually addressed to before IP_TRANSPARENT routing intercepted it).
func (l *Listener) Recv(buf []byte) (n int, src, dst addr.Addr, err error) {
	oob := make([]byte, unix.CmsgSpace(unix.SizeofSockaddrInet4))

	n, oobn, _, from, err := unix.Recvmsg(l.fd, buf, oob, 0)
	if err != nil {
		return 0, addr.Addr{}, addr.Addr{}, err
	}

	fromInet4, ok := from.(*unix.SockaddrInet4)
	if !ok {
		return 0, addr.Addr{}, addr.Addr{}, fmt.Errorf("ingress: unexpected sockaddr type %T", from)
	}
	src = addr.FromRaw(*fromInet4)

	dst, err = parseOrigDst(oob[:oobn])
	if err != nil {
		return 0, addr.Addr{}, addr.Addr{}, err
	}

	return n, src, dst, nil
}

// parseOrigDst walks the control messages of a recvmsg call looking for
// IP_ORIGDSTADDR, the kernel's answer to IP_RECVORIGDSTADDR.
func parseOrigDst(oob []byte) (addr.Addr, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return addr.Addr{}, fmt.Errorf("ingress: parse control message: %w", err)
	}
	for _, msg := range msgs {
		if msg.Header.Level != unix.SOL_IP || msg.Header.Type != unix.IP_ORIGDSTADDR {
			continue
		}
		sa, err := unix.ParseOrigDstAddr(&msg)
		if err != nil {
			return addr.Addr{}, fmt.Errorf("ingress: parse IP_ORIGDSTADDR: %w", err)
		}
		inet4, ok := sa.(*unix.SockaddrInet4)
		if !ok {
			return addr.Addr{}, fmt.Errorf("ingress: unexpected orig dst sockaddr type %T", sa)
		}
		return addr.FromRaw(*inet4), nil
	}
	return addr.Addr{}, fmt.Errorf("ingress: no IP_ORIGDSTADDR control message present")
}
