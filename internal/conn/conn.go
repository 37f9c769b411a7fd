package conn

import (
	"log/slog"
	"time"

	"github.com/malbeclabs/pemi/internal/addr"
	"github.com/malbeclabs/pemi/internal/copa"
	"github.com/malbeclabs/pemi/internal/flowlet"
	"github.com/malbeclabs/pemi/internal/pemierr"
	"github.com/malbeclabs/pemi/internal/quicwire"
	"github.com/malbeclabs/pemi/internal/retrans"
)

// rttSmoothingFactor is the EWMA weight given to each new client-RTT sample.
const rttSmoothingFactor = 1.0 / 8.0

// Delayed-ack reordering thresholds, named after the QUIC loss-detection
// draft's own kTimeThreshold/kPacketThreshold/kGranularity.
const (
	delayGranularity     = time.Millisecond
	delayTimeThreshold   = 1.125 // 9/8 RTT
	delayPacketThreshold = 3
)

type state int

const (
	stateInitialed state = iota
	stateHandshaked
)

// DominantDirection records which side is currently sending the bulk of a
// connection's traffic, measured over successive RTT windows.
type DominantDirection int

const (
	DirectionNone DominantDirection = iota
	DirectionToClient
	DirectionToServer
)

type delayedACK struct {
	forwardTS time.Time
	payload   []byte
	e2eRTT    time.Duration
}

// Transport is how a Conn actually puts a delayed/reordered ack back on the
// wire, spoofing src as the sender — the raw IP_TRANSPARENT socket path
// lives in the ingress engine, not here, so this stays unit-testable.
type Transport interface {
	SendTransparently(src, dst addr.Addr, payload []byte) error
}

// Conn is the per-connection state PEMI tracks between the first Initial
// packet it sees and the connection going idle.
type Conn struct {
	state       state
	lastAccess  time.Time
	beginTime   time.Time
	clientAddr  addr.Addr
	serverAddr  addr.Addr
	clientRTT   time.Duration
	serverRTT   time.Duration

	toServerQueue *flowlet.Queue
	toServerPkt   uint64
	toClientQueue *flowlet.Queue

	minPktSize       int
	dominant         DominantDirection
	lastDominantTick time.Time
	serverBytes      int
	clientBytes      int

	cc              *copa.Copa
	overspeed       bool
	overspeedBegin  time.Time
	haveOverspeedAt bool
	delayedAcks     []delayedACK

	lastRTTCalibration time.Time

	transport Transport
}

// New starts tracking a connection whose first Initial packet came from src
// toward dst. transport is how delayed/reordered acks reach the wire; it
// may be nil in tests that never exercise the delayed-ack path.
func New(now time.Time, src, dst addr.Addr, transport Transport) *Conn {
	return &Conn{
		state:              stateInitialed,
		lastAccess:         now,
		beginTime:          now,
		clientAddr:         src,
		serverAddr:         dst,
		toServerQueue:      flowlet.NewQueue(),
		toClientQueue:      flowlet.NewQueue(),
		minPktSize:         int(^uint(0) >> 1), // max int, mirrors usize::MAX as "unset"
		dominant:           DirectionNone,
		lastDominantTick:   now,
		cc:                 copa.New(now),
		lastRTTCalibration: now,
		transport:          transport,
	}
}

// SetFactors configures both direction queues' flowlet-grouping factors.
func (c *Conn) SetFactors(intervalFactor, endFactor float64) {
	c.toServerQueue.SetFactors(intervalFactor, endFactor)
	c.toClientQueue.SetFactors(intervalFactor, endFactor)
}

func (c *Conn) elapsed(now time.Time) time.Duration { return now.Sub(c.beginTime) }

// FirstQUICPacket inspects the very first datagram of a flow. It must be a
// QUIC Initial packet; anything else means this flow isn't QUIC and PEMI
// should fall back to transparent forwarding. Returns the new Conn and how
// many bytes of buf belonged to this first packet (the remainder, if any,
// is a coalesced packet to hand to ProcessQUICPacket).
func FirstQUICPacket(now time.Time, src, dst addr.Addr, buf []byte, transport Transport) (*Conn, int, error) {
	hdr, off, err := quicwire.ParseHeader(buf, 0)
	if err != nil {
		return nil, 0, err
	}
	if hdr.Type != quicwire.TypeInitial {
		return nil, 0, pemierr.ErrNotQUIC
	}

	read := off + hdr.Length
	if read > len(buf) {
		return nil, 0, pemierr.ErrBufferTooShort
	}
	if read < len(buf) && quicwire.IsUDPPadding(buf[read:]) {
		read = len(buf)
	}

	return New(now, src, dst, transport), read, nil
}

// ProcessQUICPacket walks a coalesced packet following the first one in a
// datagram. Before the handshake completes it parses the header to detect
// the server's Handshake packet (which flips the connection to handshaked);
// afterward short-header packets can't be parsed without the negotiated
// destination connection ID length, so the whole remaining buffer is
// treated as one packet.
func (c *Conn) ProcessQUICPacket(now time.Time, buf []byte, src addr.Addr) (int, error) {
	c.updateAccessTime(now)

	if c.IsHandshaked() {
		return len(buf), nil
	}

	hdr, off, err := quicwire.ParseHeader(buf, 0)
	if err != nil {
		return 0, err
	}
	if hdr.Type == quicwire.TypeHandshake {
		if c.IsFromClient(src) {
			// a Handshake packet only ever originates at the server;
			// anything else means PEMI has misclassified this connection
			return 0, pemierr.ErrInvalidState
		}
		c.setHandshaked()
	}

	read := off + hdr.Length
	if read > len(buf) {
		return 0, pemierr.ErrBufferTooShort
	}
	if read < len(buf) && quicwire.IsUDPPadding(buf[read:]) {
		read = len(buf)
	}
	return read, nil
}

// ProcessUDPPacketNoPemi is the proxy-only bypass: it does none of the loss
// detection or pacing work, only logs what would otherwise have been fed
// into the connection's state, so operators can confirm traffic is flowing
// while PEMI's protections are disabled.
func (c *Conn) ProcessUDPPacketNoPemi(recvTS time.Time, src addr.Addr, buf []byte) {
	from := "server"
	if c.IsFromClient(src) {
		from = "client"
	}
	slog.Debug("process pkt",
		"from", from,
		"elapsed", c.elapsed(recvTS),
		"id", flowlet.PacketID(buf),
		"bytes", len(buf),
	)
}

// MeasureDominantDirection folds one packet into the running byte counts
// used to decide which direction is carrying the bulk of this connection's
// traffic, re-evaluating once per RTT.
func (c *Conn) MeasureDominantDirection(recvTS time.Time, fromClient bool, pktSize int) {
	if pktSize < c.minPktSize {
		c.minPktSize = pktSize
	} else if fromClient {
		c.clientBytes += pktSize - c.minPktSize
	} else {
		c.serverBytes += pktSize - c.minPktSize
	}

	if recvTS.Sub(c.lastDominantTick) >= c.clientRTT+c.serverRTT {
		switch {
		case c.clientBytes*2 < c.serverBytes:
			c.dominant = DirectionToClient
		case c.serverBytes*2 < c.clientBytes:
			c.dominant = DirectionToServer
		}
		c.lastDominantTick = recvTS
		c.serverBytes = 0
		c.clientBytes = 0
	}
}

// IsFromClient reports whether src is this connection's client endpoint.
func (c *Conn) IsFromClient(src addr.Addr) bool {
	return src.AddrPort() == c.clientAddr.AddrPort()
}

func (c *Conn) updateClientRTT(value time.Duration, now time.Time) {
	if c.clientRTT == 0 {
		c.clientRTT = value
	} else {
		c.clientRTT = time.Duration((1-rttSmoothingFactor)*float64(c.clientRTT) + rttSmoothingFactor*float64(value))
	}
	c.cc.OnAckSend(now, c.clientRTT)
}

func (c *Conn) updateServerRTT(value time.Duration) {
	c.serverRTT = value
}

// ProcessUDPPacket is the main per-packet dispatch: it measures RTT and
// dominant direction, feeds the packet into the right direction's queue,
// checks for flowlet replies, runs the congestion controller on server-side
// packets, and re-checks the delayed-ack queue for every packet. Returns
// whether this packet opened a new protected (to-client) flowlet.
func (c *Conn) ProcessUDPPacket(recvTS time.Time, src addr.Addr, buf []byte) bool {
	fromClient := c.IsFromClient(src)

	if fromClient {
		if c.clientRTT == 0 && c.serverRTT != 0 {
			if oldest, ok := c.toClientQueue.OldestTimestamp(); ok {
				c.updateClientRTT(recvTS.Sub(oldest), recvTS)
			}
		}
	} else {
		if c.serverRTT == 0 {
			if oldest, ok := c.toServerQueue.OldestTimestamp(); ok {
				c.updateServerRTT(recvTS.Sub(oldest))
			}
		}
	}

	c.MeasureDominantDirection(recvTS, fromClient, len(buf))

	newFlowlet := false
	if fromClient {
		if c.serverRTT == 0 {
			// only queued for the initial RTT measurement
			_, _, _ = c.toServerQueue.Add(recvTS, buf, false)
		}

		c.toServerPkt++
		samples, _ := c.toClientQueue.CheckReply(recvTS, c.toServerPkt, c.clientRTT)
		for _, sample := range samples {
			c.updateClientRTT(sample, recvTS)
		}
	} else {
		if c.clientRTT != 0 {
			c.overspeed = c.cc.OnDataSend(recvTS, c.clientRTT)
			if c.overspeed {
				if !c.haveOverspeedAt {
					c.overspeedBegin = recvTS
					c.haveOverspeedAt = true
				}
			} else {
				c.haveOverspeedAt = false
			}
		}

		_, newFl, _ := c.toClientQueue.Add(recvTS, buf, false)
		newFlowlet = newFl
	}

	c.checkDelayedAcks(recvTS)
	return newFlowlet
}

// RTTCalibration folds in an out-of-band RTT sample (from ICMP-based
// calibration) at most once per end-to-end RTT, resetting queue/cc state
// if it reveals a large deviation from the tracked client RTT.
func (c *Conn) RTTCalibration(now time.Time, calibrationRTT time.Duration) {
	if now.Sub(c.lastRTTCalibration) < calibrationRTT+c.serverRTT {
		return
	}
	c.lastRTTCalibration = now

	var rttError time.Duration
	if calibrationRTT >= c.clientRTT {
		rttError = calibrationRTT - c.clientRTT
	} else {
		rttError = c.clientRTT - calibrationRTT
	}

	if rttError <= c.toClientQueue.AllowableRTTDeviation() {
		return
	}

	c.toClientQueue.ResetDueToRTTDeviation()
	if c.clientRTT < calibrationRTT {
		c.cc.ResetRTTFilters()
	}
	c.clientRTT = calibrationRTT
}

// RecordRetransPacket records a retransmission PEMI itself originated, so
// its own retransmissions are tracked the same way as original sends (and
// so a lost retransmission is never retransmitted again).
func (c *Conn) RecordRetransPacket(forwardTS time.Time, src addr.Addr) {
	if c.IsFromClient(src) {
		return // PEMI never retransmits client->server traffic today
	}
	_, _, _ = c.toClientQueue.Add(forwardTS, nil, true)
}

// IsHandshaked reports whether the server's Handshake packet has been seen.
func (c *Conn) IsHandshaked() bool { return c.state == stateHandshaked }

// Cwnd returns the connection's current Copa congestion window, for metrics.
func (c *Conn) Cwnd() float64 { return c.cc.Cwnd() }

// TakeDetectedLossCount drains and resets the number of packets classified
// as lost, across both directions, since the last call, for metrics.
func (c *Conn) TakeDetectedLossCount() uint64 {
	return c.toServerQueue.TakeDetectedLossCount() + c.toClientQueue.TakeDetectedLossCount()
}

// Overspeed reports whether PEMI currently considers this connection to be
// sending server->client traffic faster than the path can clear, for metrics.
func (c *Conn) Overspeed() bool { return c.overspeed }

func (c *Conn) setHandshaked() { c.state = stateHandshaked }

func (c *Conn) updateAccessTime(now time.Time) { c.lastAccess = now }

// LastAccess returns the timestamp of the most recent packet this
// connection processed, the basis for idle-connection eviction.
func (c *Conn) LastAccess() time.Time { return c.lastAccess }

// Timeout reports the duration until the to-client queue's front flowlet
// should be force-completed. Returns false if the client RTT hasn't been
// measured yet, since no meaningful timeout can be set without it.
func (c *Conn) Timeout(now time.Time) (time.Duration, bool) {
	if c.clientRTT == 0 {
		return 0, false
	}
	return c.toClientQueue.Timeout(now, c.clientRTT)
}

// OnTimeout force-completes any overdue to-client flowlets and folds their
// RTT samples back into the client RTT estimate.
func (c *Conn) OnTimeout(now time.Time) {
	samples := c.toClientQueue.OnTimeout(now, c.clientRTT)
	for _, sample := range samples {
		c.updateClientRTT(sample, now)
	}
}

// NeedReorderAck reports whether a packet from src should be held for
// delayed-ack reordering: only client-sent acks, only once handshaked, and
// only while PEMI is overspeeding the server->client direction.
func (c *Conn) NeedReorderAck(src addr.Addr) bool {
	return c.overspeed && c.IsFromClient(src) && c.IsHandshaked()
}

// AddDelayedAck queues an ack for later reordered release.
func (c *Conn) AddDelayedAck(now time.Time, payload []byte) {
	c.delayedAcks = append(c.delayedAcks, delayedACK{
		forwardTS: now,
		payload:   payload,
		e2eRTT:    c.clientRTT + c.serverRTT,
	})
	c.checkDelayedAcks(now)
}

// checkDelayedAcks flushes the delayed-ack queue once the hold no longer
// serves a purpose (not overspeeding) or once the packet-count/time
// thresholds trigger a release — releasing the tail entry first so the
// sender sees the most recent ack before the rest, nudging it to slow down.
func (c *Conn) checkDelayedAcks(now time.Time) {
	if len(c.delayedAcks) == 0 {
		return
	}
	if !c.overspeed {
		c.flushDelayedAcksInOrder()
		return
	}
	if len(c.delayedAcks) < 2 {
		return
	}

	front := c.delayedAcks[0]
	var pktThresh int
	var timeThresh float64
	if now.Sub(c.overspeedBegin) > front.e2eRTT {
		pktThresh = delayPacketThreshold * 2
		timeThresh = 1.0 + (delayTimeThreshold-1.0)*2.0
	} else {
		pktThresh = delayPacketThreshold
		timeThresh = delayTimeThreshold
	}

	holdDuration := time.Duration(float64(front.e2eRTT) * timeThresh)
	if holdDuration < delayGranularity {
		holdDuration = delayGranularity
	}

	if len(c.delayedAcks) > pktThresh || now.Sub(front.forwardTS) > holdDuration {
		tail := c.delayedAcks[len(c.delayedAcks)-1]
		c.delayedAcks = c.delayedAcks[:len(c.delayedAcks)-1]
		c.send(tail.payload)
		c.flushDelayedAcksInOrder()
	}
}

func (c *Conn) flushDelayedAcksInOrder() {
	for _, ack := range c.delayedAcks {
		c.send(ack.payload)
	}
	c.delayedAcks = c.delayedAcks[:0]
}

func (c *Conn) send(payload []byte) {
	if c.transport == nil {
		return
	}
	_ = c.transport.SendTransparently(c.clientAddr, c.serverAddr, payload)
}

// ToClientRetransTask drains any detected-lost to-client packets into a
// retransmission task, gated on the dominant direction actually being
// to-client and on the connection not currently overspeeding.
func (c *Conn) ToClientRetransTask() (retrans.Task, bool) {
	return retrans.FromQueue(c.toClientQueue, c.serverAddr, c.clientAddr, c.dominant == DirectionToClient, c.overspeed)
}

// IsIdle reports whether this connection has been quiet long enough to be
// evicted from the connection table.
func (c *Conn) IsIdle(now time.Time, idleTimeout time.Duration) bool {
	return now.Sub(c.lastAccess) >= idleTimeout
}
