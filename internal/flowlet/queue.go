// Package flowlet implements PEMI's loss-detection primitive: packets sent
// in one direction are grouped into flowlets, matched against replies seen
// from the other direction using a dynamic-program alignment, and any sent
// packet that can't be explained by a reply is reported as lost.
package flowlet

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/malbeclabs/pemi/internal/pemierr"
)

const (
	defaultElicitingThreshold       = 1
	whenMeasureElicitingThreshold   = 50
	thresholdFor1ElicitingThreshold = 0.6
	maxQueuedPackets                = 1000
	intervalSmoothingFactor         = 0.125
)

// Packet is one datagram PEMI has forwarded in a given direction, tracked
// until its flowlet completes (matched, lost, or timed out).
type Packet struct {
	Number    uint64
	Timestamp time.Time
	Payload   []byte // nil for a retransmitted packet; it has no payload to resend again
	IsRetrans bool
}

// Queue tracks every in-flight packet sent in one direction of a connection,
// grouped into flowlets, and produces loss verdicts and RTT samples as
// replies and timeouts arrive. A connection owns two of these, one for
// client->server traffic and one for server->client.
type Queue struct {
	packets      []Packet
	detectedLoss []Packet
	flowlets     []*flowlet

	processed uint64
	replyNums uint64
	lostCount uint64

	lastPacketTime   time.Time
	havePacketTime   bool
	smoothedInterval time.Duration

	elicitingThreshold uint8

	intervalFactor float64
	endFactor      float64
}

// NewQueue returns an empty queue. Factors are placeholders until SetFactors
// is called once, immediately after construction, with the operator's
// configured values — mirroring the two-step construct-then-configure
// sequence the connection layer uses for both of a connection's queues.
func NewQueue() *Queue {
	return &Queue{
		smoothedInterval:   time.Millisecond,
		elicitingThreshold: defaultElicitingThreshold,
		intervalFactor:     2.0,
		endFactor:          2.0,
	}
}

// SetFactors configures the flowlet grouping and end-of-flowlet timeouts.
func (q *Queue) SetFactors(intervalFactor, endFactor float64) {
	q.intervalFactor = intervalFactor
	q.endFactor = endFactor
}

// FlowletTimeout is the gap that decides whether the next packet starts a
// new flowlet.
func (q *Queue) FlowletTimeout() time.Duration {
	return time.Duration(float64(q.smoothedInterval) * q.intervalFactor)
}

func (q *Queue) flowletEndTimeout(replyRTT time.Duration) time.Duration {
	return replyRTT + time.Duration(float64(q.FlowletTimeout())*q.endFactor)
}

// Timeout reports the duration until the front flowlet should be force-
// completed, given the current estimate of the reply-direction RTT. A
// non-positive duration means the timeout has already elapsed. The second
// return is false when the queue holds no flowlet at all.
func (q *Queue) Timeout(now time.Time, replyRTT time.Duration) (time.Duration, bool) {
	if len(q.flowlets) == 0 {
		return 0, false
	}
	return q.flowlets[0].endTime.Add(q.flowletEndTimeout(replyRTT)).Sub(now), true
}

// AllowableRTTDeviation is the RTT calibration error PEMI tolerates before
// declaring the tracked client RTT stale and resetting flowlet state.
func (q *Queue) AllowableRTTDeviation() time.Duration {
	return time.Duration(float64(q.FlowletTimeout()) * q.endFactor)
}

func (q *Queue) recordPacketInterval(now time.Time) {
	if q.havePacketTime {
		interval := now.Sub(q.lastPacketTime)
		q.smoothedInterval = time.Duration((1-intervalSmoothingFactor)*float64(q.smoothedInterval) + intervalSmoothingFactor*float64(interval))
	}
	q.lastPacketTime = now
	q.havePacketTime = true
}

func (q *Queue) measureElicitingThreshold() {
	if float64(q.replyNums) < float64(q.processed)*thresholdFor1ElicitingThreshold {
		q.elicitingThreshold = 2
	} else {
		q.elicitingThreshold = 1
	}
}

func (q *Queue) newestSentTime() (time.Time, bool) {
	if len(q.packets) == 0 {
		return time.Time{}, false
	}
	return q.packets[len(q.packets)-1].Timestamp, true
}

// Add records a forwarded packet and returns its queue-local number and
// whether this packet opened a new flowlet. payload is nil for a
// retransmission (it carries no payload of its own to resend again).
func (q *Queue) Add(now time.Time, payload []byte, isRetrans bool) (uint64, bool, error) {
	if len(q.packets) > maxQueuedPackets {
		return 0, false, pemierr.ErrQueueOverflow
	}

	if !isRetrans {
		q.recordPacketInterval(now)
	}

	q.processed++
	if q.processed%whenMeasureElicitingThreshold == 0 {
		q.measureElicitingThreshold()
	}

	newFlowletStarted := false
	if newest, ok := q.newestSentTime(); !ok {
		q.flowlets = append(q.flowlets, newFlowlet(now, q.processed))
		newFlowletStarted = true
	} else if now.Sub(newest) <= q.FlowletTimeout() {
		q.flowlets[len(q.flowlets)-1].add(now, q.processed)
	} else {
		q.flowlets = append(q.flowlets, newFlowlet(now, q.processed))
		newFlowletStarted = true
	}

	q.packets = append(q.packets, Packet{
		Number:    q.processed,
		Timestamp: now,
		Payload:   payload,
		IsRetrans: isRetrans,
	})

	return q.processed, newFlowletStarted, nil
}

// completeOneFlowlet finishes the front flowlet — which must already be
// marked complete — classifying every sent packet in it as matched or lost
// and returning any RTT samples it yields.
func (q *Queue) completeOneFlowlet(replyRTT time.Duration) []time.Duration {
	fl := q.flowlets[0]

	var lost map[uint64]struct{}
	var samples []time.Duration

	switch {
	case len(fl.replyTimes) > len(fl.pktNums):
		// More replies than sent packets: trust nothing lost, but the
		// sample timing is unreliable, so no RTT samples either.

	case fl.exactlyReplied():
		for i, pktNum := range fl.pktNums {
			samples = append(samples, fl.replyTimes[i].Sub(q.getPacket(pktNum).Timestamp))
		}

	case len(fl.replyTimes) == 0:
		lost = make(map[uint64]struct{}, len(fl.pktNums))
		for _, pktNum := range fl.pktNums {
			lost[pktNum] = struct{}{}
		}

	default:
		sentTimes := make([]time.Time, len(fl.pktNums))
		for i, pktNum := range fl.pktNums {
			sentTimes[i] = q.getPacket(pktNum).Timestamp
		}
		usedRTT := fl.matchSentPartReply(replyRTT)
		mapping := fl.matchSentReply(sentTimes, usedRTT)
		lost = fl.extractPartLoss(sentTimes, mapping, q.elicitingThreshold)
		samples = fl.extractRTTSamples(sentTimes, mapping)
	}

	q.removeCompleteFlowlet(lost)
	return samples
}

// CheckReply looks for the flowlet a reply (an ack-bearing packet from the
// other direction) acknowledges: pktNum is the reply packet's own number in
// its queue, used only to log/trace which reply matched which flowlet. The
// first return is the RTT samples yielded by any flowlets the reply
// completed; the second is false if the reply fell outside every flowlet's
// acceptance window and was ignored entirely.
func (q *Queue) CheckReply(now time.Time, pktNum uint64, replyRTT time.Duration) ([]time.Duration, bool) {
	q.replyNums++

	if len(q.flowlets) == 0 {
		return nil, false
	}

	addition := q.flowletEndTimeout(replyRTT) - replyRTT

	first := q.flowlets[0]
	if now.Before(first.beginTime.Add(replyRTT - addition)) && len(first.replyNums) == 0 {
		return nil, false
	}

	last := q.flowlets[len(q.flowlets)-1]
	if now.After(last.endTime.Add(replyRTT + addition)) {
		return nil, false
	}

	if len(q.flowlets) == 1 {
		first.addReply(now, pktNum)
		if len(first.pktNums) > maxPktsPerFlowlet {
			first.setComplete()
		}
	} else {
		repliedIdx := 0
		minMatchError := time.Duration(1<<63 - 1)
		for i, fl := range q.flowlets {
			if !now.Before(fl.beginTime.Add(replyRTT)) && !now.After(fl.endTime.Add(replyRTT)) {
				repliedIdx = i
				break
			}
			var matchError time.Duration
			if now.After(fl.endTime.Add(replyRTT)) {
				matchError = now.Sub(fl.endTime.Add(replyRTT))
			} else {
				matchError = fl.beginTime.Add(replyRTT).Sub(now)
			}
			if matchError < minMatchError {
				minMatchError = matchError
				repliedIdx = i
			}
		}
		q.flowlets[repliedIdx].addReply(now, pktNum)
		if len(q.flowlets[repliedIdx].pktNums) > maxPktsPerFlowlet {
			q.flowlets[repliedIdx].setComplete()
		}
		for i := 0; i < repliedIdx; i++ {
			q.flowlets[i].setComplete()
		}
	}

	var samples []time.Duration
	for len(q.flowlets) > 0 && q.flowlets[0].complete {
		samples = append(samples, q.completeOneFlowlet(replyRTT)...)
	}
	return samples, true
}

// OnTimeout force-completes every flowlet whose end-of-flowlet deadline has
// already elapsed, returning any RTT samples they yield.
func (q *Queue) OnTimeout(now time.Time, replyRTT time.Duration) []time.Duration {
	timeout := q.flowletEndTimeout(replyRTT)
	var samples []time.Duration
	for {
		if len(q.flowlets) == 0 {
			break
		}
		if !now.After(q.flowlets[0].endTime.Add(timeout)) {
			break
		}
		q.flowlets[0].setComplete()
		samples = append(samples, q.completeOneFlowlet(replyRTT)...)
	}
	return samples
}

// ResetDueToRTTDeviation discards every flowlet (and its packets) that
// already has at least one reply, stopping at the first flowlet with none —
// used when a sudden, large RTT calibration shift makes older flowlets'
// timing assumptions untrustworthy.
func (q *Queue) ResetDueToRTTDeviation() {
	for len(q.flowlets) > 0 {
		front := q.flowlets[0]
		if len(front.replyTimes) == 0 {
			break
		}
		q.flowlets = q.flowlets[1:]
		for range front.pktNums {
			q.packets = q.packets[1:]
		}
	}
}

func (q *Queue) removeCompleteFlowlet(lost map[uint64]struct{}) {
	fl := q.flowlets[0]
	q.flowlets = q.flowlets[1:]
	for _, pktNum := range fl.pktNums {
		pkt := q.packets[0]
		q.packets = q.packets[1:]
		if _, isLost := lost[pktNum]; !isLost {
			continue
		}
		q.lostCount++
		if !pkt.IsRetrans {
			q.detectedLoss = append(q.detectedLoss, pkt)
		}
		// a lost retransmission is never retransmitted again
	}
}

// TakeDetectedLossCount drains and resets the number of packets this queue
// has classified as lost since the last call, for metrics. Counts every
// lost packet, including lost retransmissions, which never reach
// detectedLoss/PopRetransmitFront since they aren't retransmitted again.
func (q *Queue) TakeDetectedLossCount() uint64 {
	n := q.lostCount
	q.lostCount = 0
	return n
}

// PopRetransmitFront pops the oldest packet PEMI has decided to retransmit.
func (q *Queue) PopRetransmitFront() (Packet, bool) {
	if len(q.detectedLoss) == 0 {
		return Packet{}, false
	}
	pkt := q.detectedLoss[0]
	q.detectedLoss = q.detectedLoss[1:]
	return pkt, true
}

// HaveRetransmit reports whether any detected-lost packet is waiting to be
// retransmitted.
func (q *Queue) HaveRetransmit() bool { return len(q.detectedLoss) > 0 }

// OldestTimestamp returns the send time of the oldest in-flight packet.
func (q *Queue) OldestTimestamp() (time.Time, bool) {
	if len(q.packets) == 0 {
		return time.Time{}, false
	}
	return q.packets[0].Timestamp, true
}

func (q *Queue) getPacket(num uint64) Packet {
	off := num - q.packets[0].Number
	return q.packets[off]
}

// PacketID renders a short hex fingerprint of a UDP payload for log lines —
// the first and last 8 bytes, which is enough to tell packets apart in a log
// without dumping the whole payload.
func PacketID(payload []byte) string {
	if len(payload) < 16 {
		return hex.EncodeToString(payload)
	}
	var b strings.Builder
	b.WriteString(hex.EncodeToString(payload[:8]))
	b.WriteString(hex.EncodeToString(payload[len(payload)-8:]))
	return b.String()
}

// GetPacketPayload returns the payload PEMI would resend for packet num.
func (q *Queue) GetPacketPayload(num uint64) ([]byte, bool) {
	if len(q.packets) == 0 || num < q.packets[0].Number || num > q.packets[len(q.packets)-1].Number {
		return nil, false
	}
	pkt := q.getPacket(num)
	if pkt.IsRetrans {
		return nil, false
	}
	return pkt.Payload, true
}
