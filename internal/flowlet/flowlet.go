package flowlet

import "time"

// closeThreshold bounds how close two sent packets must be in time before an
// unmatched one is allowed to borrow its neighbor's matched reply.
const closeThreshold = 100 * time.Microsecond

// maxPktsPerFlowlet caps how many packet numbers a single flowlet will track
// before a reply forces it closed, regardless of timing.
const maxPktsPerFlowlet = 100

// unmatched marks a sent-packet slot with no corresponding reply.
const unmatched = -1

// durationRatioThreshold gates whether the reply stream's own span is a
// trustworthy stand-in for the round-trip time used in DP matching.
const durationRatioThreshold = 0.8

// flowlet groups a burst of same-direction packets sent close enough in time
// that their replies (acks from the other side) can be aligned against them
// as a batch instead of one at a time. It stores only packet numbers; actual
// send timestamps live in the owning queue's packet store and are passed in
// by the caller whenever matching needs them.
type flowlet struct {
	pktNums    []uint64
	closeCount int

	replyTimes []time.Time
	replyNums  []uint64

	beginTime time.Time
	endTime   time.Time
	complete  bool
}

func newFlowlet(now time.Time, pktNum uint64) *flowlet {
	return &flowlet{
		pktNums:   []uint64{pktNum},
		beginTime: now,
		endTime:   now,
	}
}

func (f *flowlet) add(now time.Time, pktNum uint64) {
	if now.Sub(f.endTime) < closeThreshold {
		f.closeCount++
	}
	f.pktNums = append(f.pktNums, pktNum)
	f.endTime = now
}

func (f *flowlet) setComplete() { f.complete = true }

func (f *flowlet) addReply(now time.Time, pktNum uint64) {
	f.replyTimes = append(f.replyTimes, now)
	f.replyNums = append(f.replyNums, pktNum)
}

// exactlyReplied reports whether exactly as many replies as sent packets
// have arrived for this flowlet. Order is not checked: by construction the
// reply stream only grows one at a time and is compared positionally by the
// caller once counts line up.
func (f *flowlet) exactlyReplied() bool {
	return len(f.replyTimes) == len(f.pktNums)
}

// matchSentPartReply picks the round-trip time fed into DP matching: the
// caller's replyRTT when the reply-to-reply span is shorter than
// durationRatioThreshold of the sent span, otherwise the gap between the
// last reply and the flowlet's last sent packet.
func (f *flowlet) matchSentPartReply(replyRTT time.Duration) time.Duration {
	sentDuration := f.endTime.Sub(f.beginTime)
	replyDuration := f.replyTimes[len(f.replyTimes)-1].Sub(f.replyTimes[0])

	if replyDuration < time.Duration(durationRatioThreshold*float64(sentDuration)) {
		return replyRTT
	}
	return f.replyTimes[len(f.replyTimes)-1].Sub(f.endTime)
}

// matchSentReply runs the DP packet/reply aligner over sentTimes (the real
// send timestamps for this flowlet's packet numbers, supplied by the owning
// queue's packet store) and this flowlet's own reply timestamps.
func (f *flowlet) matchSentReply(sentTimes []time.Time, usedRTT time.Duration) []int {
	base := sentTimes[0]
	sent := make([]float64, len(sentTimes))
	for i, t := range sentTimes {
		sent[i] = t.Sub(base).Seconds()
	}
	reply := make([]float64, len(f.replyTimes))
	for i, t := range f.replyTimes {
		reply[i] = t.Sub(base).Seconds()
	}
	return matchSentReplyDP(sent, reply, usedRTT.Seconds())
}

// extractPartLoss turns a DP mapping (sent index -> reply index, or
// unmatched) into the set of lost packet numbers, after propagating a
// matched reply to neighbors sent within closeThreshold of it, and —
// when the caller is tolerating isolated reordering (elicitingThreshold
// >= 2) — forgiving short interior runs of unmatched packets that aren't
// at the very tail of the flowlet.
func (f *flowlet) extractPartLoss(sentTimes []time.Time, mapping []int, elicitingThreshold uint8) map[uint64]struct{} {
	n := len(sentTimes)
	inferred := make([]int, n)
	for i := range inferred {
		inferred[i] = unmatched
	}

	for i, reply := range mapping {
		if reply == unmatched {
			continue
		}
		inferred[i] = reply

		for j := i - 1; j >= 0 && inferred[j] == unmatched && sentTimes[j+1].Sub(sentTimes[j]) < closeThreshold; j-- {
			inferred[j] = reply
		}
		for j := i + 1; j < n && inferred[j] == unmatched && sentTimes[j].Sub(sentTimes[j-1]) < closeThreshold; j++ {
			inferred[j] = reply
		}
	}

	if elicitingThreshold >= 2 {
		left := 0
		for left < n {
			if inferred[left] != unmatched {
				left++
				continue
			}
			right := left
			for right < n && inferred[right] == unmatched {
				right++
			}
			if right == n {
				break // never forgive a run that runs off the tail
			}
			if run := right - left; run < int(elicitingThreshold) {
				for i := left; i < right; i++ {
					inferred[i] = 0 // mark as replied; the index value itself is unused downstream
				}
			}
			left = right
		}
	}

	lost := make(map[uint64]struct{})
	for i, r := range inferred {
		if r == unmatched {
			lost[f.pktNums[i]] = struct{}{}
		}
	}
	return lost
}

// extractRTTSamples returns one observed RTT per matched (sent, reply) pair.
func (f *flowlet) extractRTTSamples(sentTimes []time.Time, mapping []int) []time.Duration {
	var samples []time.Duration
	for i, m := range mapping {
		if m == unmatched {
			continue
		}
		samples = append(samples, f.replyTimes[m].Sub(sentTimes[i]))
	}
	return samples
}
