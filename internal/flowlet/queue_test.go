package flowlet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/pemi/internal/pemierr"
)

// Mirrors a real capture where the handshake's first round trip was lost:
// a retransmitted Initial lands in its own flowlet an entire second after
// the first attempt, so the two replies must land in different flowlets
// despite sharing an inflated RTT estimate.
func TestQueueReplyToRightFlowlet(t *testing.T) {
	q := NewQueue()
	rtt := 949856 * time.Microsecond

	start := time.Unix(1700000000, 0)
	pkt1Time := start.Add(time.Duration(50.246223 * float64(time.Millisecond)))
	reply1Time := start.Add(time.Duration(1.000101724 * float64(time.Second)))
	pkt2Time := start.Add(time.Duration(1.050441748 * float64(time.Second)))
	reply2Time := start.Add(time.Duration(1.052968357 * float64(time.Second)))

	payload := []byte{0xf0, 0x00, 0x00, 0x00, 0x01, 0x14}

	num1, isNew, err := q.Add(pkt1Time, payload, false)
	require.NoError(t, err)
	require.True(t, isNew)
	require.EqualValues(t, 1, num1)
	require.Len(t, q.flowlets, 1)
	require.Equal(t, []uint64{1}, q.flowlets[0].pktNums)

	samples, accepted := q.CheckReply(reply1Time, 1, rtt)
	require.True(t, accepted)
	require.Empty(t, samples)
	require.Len(t, q.flowlets, 1)
	require.Len(t, q.flowlets[0].replyTimes, 1)
	require.False(t, q.flowlets[0].complete)

	num2, isNew, err := q.Add(pkt2Time, payload, false)
	require.NoError(t, err)
	require.True(t, isNew)
	require.EqualValues(t, 2, num2)
	require.Len(t, q.flowlets, 2)
	require.Equal(t, []uint64{2}, q.flowlets[1].pktNums)

	_, accepted = q.CheckReply(reply2Time, 2, rtt)
	require.True(t, accepted)
}

func TestQueueAddStartsNewFlowletAfterTimeout(t *testing.T) {
	q := NewQueue()
	q.SetFactors(2.0, 0.5)

	base := time.Unix(0, 0)
	_, isNew, err := q.Add(base, []byte("a"), false)
	require.NoError(t, err)
	require.True(t, isNew)

	_, isNew, err = q.Add(base.Add(500*time.Microsecond), []byte("b"), false)
	require.NoError(t, err)
	require.False(t, isNew, "within flowlet timeout, should join the existing flowlet")

	_, isNew, err = q.Add(base.Add(time.Second), []byte("c"), false)
	require.NoError(t, err)
	require.True(t, isNew, "a full second gap must start a new flowlet")
}

func TestQueueAllLossOnTimeout(t *testing.T) {
	q := NewQueue()
	q.SetFactors(2.0, 0.5)

	base := time.Unix(0, 0)
	_, _, err := q.Add(base, []byte("payload"), false)
	require.NoError(t, err)

	rtt := 50 * time.Millisecond
	timeout, ok := q.Timeout(base, rtt)
	require.True(t, ok)
	require.Greater(t, timeout, time.Duration(0))

	later := base.Add(rtt).Add(q.FlowletTimeout() * 2).Add(time.Second)
	samples := q.OnTimeout(later, rtt)
	require.Empty(t, samples)
	require.True(t, q.HaveRetransmit())

	pkt, ok := q.PopRetransmitFront()
	require.True(t, ok)
	require.Equal(t, []byte("payload"), pkt.Payload)
	require.False(t, q.HaveRetransmit())
}

func TestQueueExactReplyYieldsRTTSample(t *testing.T) {
	q := NewQueue()
	q.SetFactors(2.0, 0.5)

	base := time.Unix(0, 0)
	rtt := 20 * time.Millisecond
	_, _, err := q.Add(base, []byte("x"), false)
	require.NoError(t, err)

	replyAt := base.Add(rtt)
	samples, accepted := q.CheckReply(replyAt, 100, rtt)
	require.True(t, accepted)
	require.Empty(t, samples, "a single-packet flowlet only completes once a later flowlet supersedes it or it times out")

	var allSamples []time.Duration

	// A second, later flowlet supersedes the first, forcing it complete and
	// yielding the first flowlet's RTT sample.
	_, _, err = q.Add(base.Add(time.Second), []byte("y"), false)
	require.NoError(t, err)
	samples, accepted = q.CheckReply(base.Add(time.Second+rtt), 101, rtt)
	require.True(t, accepted)
	allSamples = append(allSamples, samples...)

	// A third flowlet supersedes the second the same way.
	_, _, err = q.Add(base.Add(2*time.Second), []byte("z"), false)
	require.NoError(t, err)
	samples, accepted = q.CheckReply(base.Add(2*time.Second+rtt), 102, rtt)
	require.True(t, accepted)
	allSamples = append(allSamples, samples...)

	require.Len(t, allSamples, 2)
	for _, s := range allSamples {
		require.Equal(t, rtt, s)
	}
}

func TestQueueAddRejectsOverflow(t *testing.T) {
	q := NewQueue()
	base := time.Unix(0, 0)
	for i := 0; i < maxQueuedPackets+1; i++ {
		_, _, err := q.Add(base.Add(time.Duration(i)*time.Microsecond), []byte{byte(i)}, false)
		require.NoError(t, err)
	}
	_, _, err := q.Add(base.Add(time.Second), []byte("overflow"), false)
	require.ErrorIs(t, err, pemierr.ErrQueueOverflow)
}
