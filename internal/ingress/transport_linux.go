package ingress

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/malbeclabs/pemi/internal/addr"
)

// transparentTransport puts a datagram back on the wire as if it had come
// from src, using one ephemeral IP_TRANSPARENT socket per call. This
// requires CAP_NET_ADMIN and a policy route sending traffic from PEMI's
// own process back out rather than looping to localhost.
type transparentTransport struct{}

// NewTransparentTransport returns the production Transport: a real
// spoofed-source send over a one-shot raw socket.
func NewTransparentTransport() Transport { return transparentTransport{} }

func (transparentTransport) SendTransparently(src, dst addr.Addr, payload []byte) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return fmt.Errorf("ingress: create transparent socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
		return fmt.Errorf("ingress: set IP_TRANSPARENT: %w", err)
	}

	srcAddr := src.Raw()
	if err := unix.Bind(fd, &srcAddr); err != nil {
		return fmt.Errorf("ingress: bind to source address %s: %w", src, err)
	}

	dstAddr := dst.Raw()
	if err := unix.Sendto(fd, payload, 0, &dstAddr); err != nil {
		return fmt.Errorf("ingress: send to destination %s: %w", dst, err)
	}
	return nil
}
