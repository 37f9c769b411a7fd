// Package ingress is PEMI's engine: it owns the connection table, drives
// every connection's state machine from incoming UDP/ICMP traffic, and
// decides when to forward, delay, or retransmit a datagram. It has no
// opinion on how packets actually reach the wire — that's the Transport
// and rttSender interfaces below — so the engine itself stays testable
// without a raw socket.
package ingress

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/pemi/internal/addr"
	"github.com/malbeclabs/pemi/internal/conn"
	"github.com/malbeclabs/pemi/internal/pemiconfig"
	"github.com/malbeclabs/pemi/internal/pemierr"
	"github.com/malbeclabs/pemi/internal/pemimetrics"
	"github.com/malbeclabs/pemi/internal/retrans"
)

// idleTimeout is how long a connection may go untouched before it's
// considered dead and evicted from the connection table.
const idleTimeout = 120 * time.Second

// retransRateLimit caps the fraction of all processed packets that may be
// PEMI-issued retransmissions, so helping out a struggling connection can
// never itself become the dominant source of traffic on the path.
const retransRateLimit = 0.1

// retransRateLimitGrace is how many packets the engine must have processed
// before the rate limit starts applying, so a connection's very first
// retransmissions (when pkts is still small and the ratio is noisy) aren't
// blocked.
const retransRateLimitGrace = 100

// Transport puts an already-built datagram back on the wire, spoofing src
// as the sender. The concrete implementation opens an ephemeral
// IP_TRANSPARENT socket per call; tests substitute a recording fake.
type Transport interface {
	conn.Transport
}

// Engine is PEMI's per-process state: every tracked connection, the
// pending retransmission work queued for the run loop, and the running
// packet/retransmission counters that drive the rate limiter and the
// periodic stats log line.
type Engine struct {
	log    *slog.Logger
	clock  clockwork.Clock
	cfg    pemiconfig.Config
	metric *pemimetrics.Recorder

	transport Transport
	rtt       rttSender

	conns *ttlcache.Cache[conn.ID, *conn.Conn]
	stats stats

	retransTasks []retrans.Task
}

// rttSender is satisfied by *rttdetect.Detector; kept narrow and
// unexported so the engine's own tests can substitute a no-op or a
// recording fake without depending on the rttdetect package.
type rttSender interface {
	SendRequest(now time.Time, dst net.IP) error
}

// New builds an engine around an already-validated configuration. metric
// may be nil, in which case the engine runs with no metrics recorded.
func New(log *slog.Logger, clock clockwork.Clock, cfg pemiconfig.Config, transport Transport, metric *pemimetrics.Recorder) *Engine {
	conns := ttlcache.New(
		ttlcache.WithTTL[conn.ID, *conn.Conn](idleTimeout),
	)
	conns.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[conn.ID, *conn.Conn]) {
		log.Info("conn removed", "id", item.Key(), "conns_left", conns.Len())
	})

	return &Engine{
		log:       log,
		clock:     clock,
		cfg:       cfg,
		metric:    metric,
		transport: transport,
		conns:     conns,
	}
}

// SetRTTDetector wires the engine to the ICMP RTT probe sender. Separate
// from New so tests can leave it nil and skip probing entirely.
func (e *Engine) SetRTTDetector(d rttSender) { e.rtt = d }

// Now returns the engine's injected clock's current time, so callers
// driving the run loop don't need to thread a second clock reference
// through for ordinary packet/timeout processing.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Stats reports the packet/retransmission counters accumulated so far.
func (e *Engine) Stats() (pkts, retransPkts uint64, retransRate float64) {
	return e.stats.pkts, e.stats.retransPkts, e.stats.retransRate()
}

// PrintStats logs the periodic packet/retransmission summary line,
// gated by the configured print interval, with structured fields.
func (e *Engine) PrintStats() {
	e.log.Info("stats",
		"pkts", e.stats.pkts,
		"retrans_pkts", e.stats.retransPkts,
		"retrans_rate", e.stats.retransRate(),
	)
	if e.metric != nil {
		e.metric.SetActiveConnections(float64(e.conns.Len()))
	}
}

// ProcessPacket is the engine's single entry point for an inbound UDP
// datagram: it classifies the flow, forwards or holds the packet as
// appropriate, folds it into the connection's state machine, and queues
// any retransmission work or idle-connection cleanup that falls out of it.
func (e *Engine) ProcessPacket(now time.Time, buf []byte, src, dst addr.Addr) error {
	e.stats.newPkt()
	if e.metric != nil {
		e.metric.IncPackets()
	}

	id := conn.NewID(src, dst)

	err := e.quicConnProcess(now, buf, id, src, dst)
	if err != nil {
		if pemierr.Transparent(err) {
			_ = e.transport.SendTransparently(src, dst, buf)
			e.log.Debug("not a QUIC packet, forwarded transparently", "err", err)
			return nil
		}
		return err
	}

	item := e.conns.Get(id)
	if item == nil {
		// quicConnProcess always inserts on success
		return nil
	}
	c := item.Value()

	if e.cfg.ProxyOnly {
		_ = e.transport.SendTransparently(src, dst, buf)
		c.ProcessUDPPacketNoPemi(now, src, buf)
	} else {
		if c.NeedReorderAck(src) {
			c.AddDelayedAck(now, buf)
		} else {
			_ = e.transport.SendTransparently(src, dst, buf)
		}
		newFlowlet := c.ProcessUDPPacket(now, src, buf)
		if newFlowlet && e.rtt != nil {
			ip := dst.AddrPort().Addr()
			if ip.Is4() {
				addr4 := ip.As4()
				_ = e.rtt.SendRequest(now, net.IPv4(addr4[0], addr4[1], addr4[2], addr4[3]))
				e.log.Debug("new flowlet, ICMP request sent", "dst", ip)
			}
		}
	}

	if task, ok := c.ToClientRetransTask(); ok {
		e.retransTasks = append(e.retransTasks, task)
	}

	e.removeIdleConns(now)
	return nil
}

// quicConnProcess walks a (possibly coalesced) UDP payload packet by
// packet, creating the connection on the first Initial packet seen and
// feeding every subsequent packet to the existing connection's state
// machine. Used only to classify the flow and track handshake progress;
// the per-packet loss-detection/pacing work happens afterward in
// ProcessPacket via conn.ProcessUDPPacket.
func (e *Engine) quicConnProcess(now time.Time, buf []byte, id conn.ID, src, dst addr.Addr) error {
	left := len(buf)
	for left > 0 {
		offset := len(buf) - left
		item := e.conns.Get(id)
		if item == nil {
			c, read, err := conn.FirstQUICPacket(now, src, dst, buf[offset:], e.transport)
			if err != nil {
				return err
			}
			e.newConn(id, c, now)
			e.log.Info("conn new added", "id", id)
			left -= read
			continue
		}
		read, err := item.Value().ProcessQUICPacket(now, buf[offset:], src)
		if err != nil {
			return err
		}
		left -= read
	}
	return nil
}

// newConn configures and inserts a freshly created connection.
func (e *Engine) newConn(id conn.ID, c *conn.Conn, now time.Time) {
	c.SetFactors(e.cfg.FlowletIntervalFactor, e.cfg.FlowletEndFactor)
	e.conns.Set(id, c, ttlcache.DefaultTTL)
}

// removeIdleConns evicts connections idle for at least idleTimeout, measured
// against now rather than the ttlcache's own internal real-time expiry:
// New never threads e.clock into the cache, so DeleteExpired would judge
// idleness by wall-clock time even when the engine is driven by a fake
// clock in tests. Same age computation Timeout uses.
func (e *Engine) removeIdleConns(now time.Time) {
	for _, item := range e.conns.Items() {
		if now.Sub(item.Value().LastAccess()) >= idleTimeout {
			e.conns.Delete(item.Key())
		}
	}
}

// RecordRetransPacket folds a just-sent retransmission back into its
// connection so later loss detection treats it as a retransmission, not an
// original packet.
func (e *Engine) RecordRetransPacket(now time.Time, src, dst addr.Addr) {
	id := conn.NewID(src, dst)
	item := e.conns.Get(id)
	if item == nil {
		return
	}
	item.Value().RecordRetransPacket(now, src)
}

// matchRetransLimit reports whether the retransmission rate has exceeded
// its configured budget, once enough packets have been processed to make
// the ratio meaningful.
func (e *Engine) matchRetransLimit() bool {
	return e.stats.pkts > retransRateLimitGrace && e.stats.retransRate() > retransRateLimit
}

// ProcessRetransTask drains one queued retransmission task, resending each
// packet transparently unless the rate limit has tripped.
func (e *Engine) ProcessRetransTask(now time.Time, task *retrans.Task) {
	for {
		pkt, ok := task.PopFront()
		if !ok {
			return
		}
		if e.matchRetransLimit() {
			e.log.Debug("retransmission rate limit, skipping a retransmission packet")
			continue
		}
		_ = e.transport.SendTransparently(task.Src, task.Dst, pkt.Payload)
		e.stats.newRetransPkt()
		if e.metric != nil {
			e.metric.IncRetrans()
		}
		e.RecordRetransPacket(now, task.Src, task.Dst)
	}
}

// HasRetransTask reports whether any retransmission work is queued.
func (e *Engine) HasRetransTask() bool { return len(e.retransTasks) > 0 }

// PopRetransTask removes and returns one queued retransmission task.
func (e *Engine) PopRetransTask() (retrans.Task, bool) {
	if len(e.retransTasks) == 0 {
		return retrans.Task{}, false
	}
	n := len(e.retransTasks) - 1
	task := e.retransTasks[n]
	e.retransTasks = e.retransTasks[:n]
	return task, true
}

// RTTCalibration folds an out-of-band RTT sample into every tracked
// connection; each connection applies its own once-per-E2E-RTT gate.
func (e *Engine) RTTCalibration(now time.Time, sample time.Duration) {
	for _, item := range e.conns.Items() {
		item.Value().RTTCalibration(now, sample)
	}
}

// Timeout returns the duration until the engine next needs attention even
// without a new packet arriving: either the oldest connection crossing the
// idle threshold, or the earliest per-connection flowlet timeout. Returns
// false if there is nothing to wait on (no connections at all).
func (e *Engine) Timeout(now time.Time) (time.Duration, bool) {
	if e.conns.Len() == 0 {
		return 0, false
	}

	idle := idleTimeout
	reply := time.Duration(-1)
	for _, item := range e.conns.Items() {
		age := now.Sub(item.Value().LastAccess())
		if remaining := idleTimeout - age; remaining < idle {
			idle = remaining
		}
		if t, ok := item.Value().Timeout(now); ok {
			if reply < 0 || t < reply {
				reply = t
			}
		}
	}
	if reply < 0 || idle < reply {
		return maxDuration(idle, 0), true
	}
	return reply, true
}

func maxDuration(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}

// ProcessTimeout runs the work due when Timeout's duration has elapsed
// without a new packet: evicting idle connections and force-completing any
// connection's overdue flowlets.
func (e *Engine) ProcessTimeout(now time.Time) {
	e.removeIdleConns(now)
	for _, item := range e.conns.Items() {
		c := item.Value()
		if t, ok := c.Timeout(now); ok && t <= 0 {
			c.OnTimeout(now)
		}
		if task, ok := c.ToClientRetransTask(); ok {
			e.retransTasks = append(e.retransTasks, task)
		}
	}
	if e.metric != nil {
		e.recordConnMetrics()
	}
}

func (e *Engine) recordConnMetrics() {
	var cwnd float64
	var overspeed float64
	var detectedLoss int
	for _, item := range e.conns.Items() {
		c := item.Value()
		cwnd += c.Cwnd()
		if c.Overspeed() {
			overspeed++
		}
		detectedLoss += int(c.TakeDetectedLossCount())
	}
	e.metric.SetCwnd(cwnd)
	e.metric.SetOverspeed(overspeed)
	e.metric.SetActiveConnections(float64(e.conns.Len()))
	e.metric.AddDetectedLoss(detectedLoss)
}
