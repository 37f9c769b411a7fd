package rttdetect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"

	"golang.org/x/net/icmp"
)

func TestBuildEchoRequestRoundTripsThroughParseEchoReply(t *testing.T) {
	req, err := buildEchoRequest(42)
	require.NoError(t, err)

	// Flip it into what a reply to this request would look like: same
	// ID/seq/data, but type Echo Reply instead of Echo.
	msg, err := icmp.ParseMessage(1, req)
	require.NoError(t, err)
	echoBody := msg.Body.(*icmp.Echo)

	reply := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: echoBody,
	}
	replyBuf, err := reply.Marshal(nil)
	require.NoError(t, err)

	echo, ok := parseEchoReply(replyBuf)
	require.True(t, ok)
	require.Equal(t, 42, echo.Seq)
	require.Equal(t, echoID, echo.ID)
}

func TestParseEchoReplyRejectsWrongID(t *testing.T) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{ID: 9999, Seq: 1, Data: []byte{0, 1}},
	}
	buf, err := msg.Marshal(nil)
	require.NoError(t, err)

	_, ok := parseEchoReply(buf)
	require.False(t, ok)
}

func TestParseEchoReplyRejectsNonReplyType(t *testing.T) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: echoID, Seq: 1, Data: []byte{0, 1}},
	}
	buf, err := msg.Marshal(nil)
	require.NoError(t, err)

	_, ok := parseEchoReply(buf)
	require.False(t, ok)
}

func TestParseEchoReplyRejectsGarbage(t *testing.T) {
	_, ok := parseEchoReply([]byte{0xff, 0xff, 0xff})
	require.False(t, ok)
}

func TestSequenceAndPendingBookkeeping(t *testing.T) {
	d := &Detector{
		nextSeq: make(map[string]uint16),
		pending: make(map[string]map[uint16]time.Time),
	}
	now := time.Unix(0, 0)

	seq1 := d.nextSeqFor("10.0.0.1")
	seq2 := d.nextSeqFor("10.0.0.1")
	require.Equal(t, uint16(1), seq1)
	require.Equal(t, uint16(2), seq2)

	d.recordSent("10.0.0.1", seq1, now)
	sentAt, ok := d.takePending("10.0.0.1", seq1)
	require.True(t, ok)
	require.Equal(t, now, sentAt)

	// a second take of the same seq must fail: it's already been consumed
	_, ok = d.takePending("10.0.0.1", seq1)
	require.False(t, ok)
}

func TestTakePendingMissesUnknownDestOrSeq(t *testing.T) {
	d := &Detector{
		nextSeq: make(map[string]uint16),
		pending: make(map[string]map[uint16]time.Time),
	}
	_, ok := d.takePending("10.0.0.9", 1)
	require.False(t, ok)

	d.recordSent("10.0.0.1", 5, time.Unix(0, 0))
	_, ok = d.takePending("10.0.0.1", 6)
	require.False(t, ok)
}

func TestSweepStaleRemovesOldRequestsOnly(t *testing.T) {
	d := &Detector{
		nextSeq: make(map[string]uint16),
		pending: make(map[string]map[uint16]time.Time),
	}
	base := time.Unix(0, 0)
	d.recordSent("10.0.0.1", 1, base)
	d.recordSent("10.0.0.1", 2, base.Add(119*time.Second))

	d.SweepStale(base.Add(120 * time.Second))

	_, ok := d.takePending("10.0.0.1", 1)
	require.False(t, ok, "request older than the stale timeout should be swept")
	_, ok = d.takePending("10.0.0.1", 2)
	require.True(t, ok, "request still within the stale timeout should survive")
}
