// Package rttdetect owns PEMI's ICMPv4 probe socket. One echo request is
// sent per newly-opened to-client flowlet; replies are matched back to their
// request by destination IP and sequence number and turned into RTT samples
// that feed the calibration path in internal/conn.
package rttdetect

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// echoID is the ICMP echo identifier every PEMI probe carries. Fixed rather
// than derived from the process, since PEMI owns its entire probe socket and
// never shares it with another echo sender on the same host.
const echoID = 2025

// staleRequestTimeout bounds how long an unreplied probe is remembered per
// destination before being swept, so a destination that stops replying
// entirely can't grow the pending-request map without bound.
const staleRequestTimeout = 120 * time.Second

// Detector owns one ICMPv4 echo socket and the per-destination sequence
// counters / pending-request bookkeeping needed to turn replies into RTT
// samples.
type Detector struct {
	log  *slog.Logger
	conn *icmp.PacketConn

	mu      sync.Mutex
	nextSeq map[string]uint16
	pending map[string]map[uint16]time.Time
}

// New opens PEMI's ICMPv4 probe socket.
func New(log *slog.Logger) (*Detector, error) {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("rttdetect: open icmp socket: %w", err)
	}
	return &Detector{
		log:     log,
		conn:    conn,
		nextSeq: make(map[string]uint16),
		pending: make(map[string]map[uint16]time.Time),
	}, nil
}

// Close releases the probe socket.
func (d *Detector) Close() error { return d.conn.Close() }

// Conn exposes the underlying probe socket.
func (d *Detector) Conn() *icmp.PacketConn { return d.conn }

func (d *Detector) nextSeqFor(dest string) uint16 {
	seq := d.nextSeq[dest] + 1
	d.nextSeq[dest] = seq
	return seq
}

func (d *Detector) recordSent(dest string, seq uint16, sentAt time.Time) {
	if d.pending[dest] == nil {
		d.pending[dest] = make(map[uint16]time.Time)
	}
	d.pending[dest][seq] = sentAt
}

func (d *Detector) takePending(dest string, seq uint16) (time.Time, bool) {
	dests, ok := d.pending[dest]
	if !ok {
		return time.Time{}, false
	}
	sentAt, ok := dests[seq]
	if ok {
		delete(dests, seq)
	}
	return sentAt, ok
}

// SweepStale discards pending requests older than staleRequestTimeout.
func (d *Detector) SweepStale(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for dest, seqs := range d.pending {
		for seq, sentAt := range seqs {
			if now.Sub(sentAt) >= staleRequestTimeout {
				delete(seqs, seq)
			}
		}
		if len(seqs) == 0 {
			delete(d.pending, dest)
		}
	}
}

// buildEchoRequest marshals one ICMP echo request for seq. Pulled out of
// SendRequest so packet construction is testable without a real socket.
func buildEchoRequest(seq uint16) ([]byte, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   echoID,
			Seq:  int(seq),
			Data: []byte{byte(seq >> 8), byte(seq)},
		},
	}
	return msg.Marshal(nil)
}

// parseEchoReply parses buf as an ICMP message and extracts the echo body,
// reporting false for anything that isn't one of PEMI's own echo replies
// (wrong type, wrong ID, or not ICMP at all). Pulled out of ReadReply so
// reply classification is testable without a real socket.
func parseEchoReply(buf []byte) (*icmp.Echo, bool) {
	msg, err := icmp.ParseMessage(ipv4.ICMPTypeEchoReply.Protocol(), buf)
	if err != nil {
		return nil, false
	}
	if msg.Type != ipv4.ICMPTypeEchoReply {
		return nil, false
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok || echo.ID != echoID {
		return nil, false
	}
	return echo, true
}

// SendRequest sends one ICMP echo request to dst and records its send time
// under dst's own sequence counter.
func (d *Detector) SendRequest(now time.Time, dst net.IP) error {
	key := dst.String()

	d.mu.Lock()
	seq := d.nextSeqFor(key)
	d.recordSent(key, seq, now)
	d.mu.Unlock()

	buf, err := buildEchoRequest(seq)
	if err != nil {
		return fmt.Errorf("rttdetect: marshal echo request: %w", err)
	}

	_, err = d.conn.WriteTo(buf, &net.IPAddr{IP: dst})
	if err != nil && isTransientSocketErr(err) {
		if rerr := d.reopen(); rerr == nil {
			_, err = d.conn.WriteTo(buf, &net.IPAddr{IP: dst})
		}
	}
	if err != nil {
		return fmt.Errorf("rttdetect: send echo request: %w", err)
	}
	return nil
}

// ReadReply blocks until one inbound ICMP datagram arrives, then reads and
// classifies it. ok is false
// for anything that isn't a recognized reply to one of our own still-
// pending requests: malformed packets, another host's probes, or a
// duplicate/late reply are all silently ignored (spec's "ICMP parse
// failure: log debug, continue").
func (d *Detector) ReadReply(now time.Time) (rtt time.Duration, ok bool, err error) {
	buf := make([]byte, 1500)
	n, peer, err := d.conn.ReadFrom(buf)
	if err != nil {
		return 0, false, err
	}

	echo, ok := parseEchoReply(buf[:n])
	if !ok {
		return 0, false, nil
	}

	ipAddr, isIP := peer.(*net.IPAddr)
	if !isIP {
		return 0, false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	sentAt, found := d.takePending(ipAddr.IP.String(), uint16(echo.Seq))
	if !found {
		return 0, false, nil
	}
	return now.Sub(sentAt), true, nil
}

func (d *Detector) reopen() error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMultiplier(2.0),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithRandomizationFactor(0),
	)
	return backoff.Retry(func() error {
		conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
		if err != nil {
			if d.log != nil {
				d.log.Info("rttdetect: reopen failed, retrying", "err", err)
			}
			return err
		}
		_ = d.conn.Close()
		d.conn = conn
		return nil
	}, b)
}

// isTransientSocketErr classifies socket errors that are often recoverable
// with a reopen rather than giving up on the probe socket entirely.
func isTransientSocketErr(err error) bool {
	return errors.Is(err, syscall.EBADF) || errors.Is(err, syscall.ENETDOWN) ||
		errors.Is(err, syscall.ENODEV) || errors.Is(err, syscall.EADDRNOTAVAIL) ||
		errors.Is(err, syscall.ENOBUFS) || errors.Is(err, syscall.ENETRESET) ||
		errors.Is(err, syscall.ENOMEM)
}
