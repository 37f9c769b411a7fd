// Package copa implements the Copa delay-based congestion controller PEMI
// uses to decide when it is sending faster than the path can clear, so it
// knows when to start pacing (delayed-ack reordering) on the server->client
// side of a connection.
package copa

import (
	"time"

	"github.com/malbeclabs/pemi/internal/minmax"
)

// minRTTWindow is how far back the minimum-RTT filter looks.
const minRTTWindow = 10 * time.Second

// minStandingWindow floors the standing-RTT filter's window so a very small
// smoothed RTT doesn't make the filter track nothing but noise.
const minStandingWindow = 10 * time.Millisecond

// vMax caps how fast Copa's window can accelerate between direction changes.
const vMax = 32.0

// deltaReciprocal is 1/δ; δ=0.5 gives the standard Copa competitiveness
// knob (reciprocal of 0.5 is 2.0).
const deltaReciprocal = 2.0

// initialCwnd is both the starting congestion window and its floor once
// out of slow start, in bytes-equivalent units (Copa treats cwnd as an
// abstract "packets in flight" budget here, not literal bytes).
const initialCwnd = 10.0

type direction int

const (
	directionUp direction = iota
	directionDown
)

// usedWindow counts how many packets were sent within a trailing window,
// used as Copa's recent-sending-rate estimator.
type usedWindow struct {
	sent []time.Time
}

func (w *usedWindow) onDataSend(win time.Duration, now time.Time) int {
	w.sent = append(w.sent, now)
	cutoff := now.Add(-win)
	for len(w.sent) > 0 && w.sent[0].Before(cutoff) {
		w.sent = w.sent[1:]
	}
	return len(w.sent)
}

// Copa is one direction's delay-based congestion state.
type Copa struct {
	rttMinFilter      *minmax.Filter
	rttStandingFilter *minmax.Filter

	cwnd                   float64
	cwndChange             time.Time
	v                      float64
	dir                    direction
	dirChange              time.Time
	cwndAtLastDirChange    float64
	slowStart              bool
	used                   usedWindow
}

// New returns a Copa controller initialized at now, in slow start with the
// floor congestion window.
func New(now time.Time) *Copa {
	return &Copa{
		rttMinFilter:        minmax.New(minRTTWindow),
		rttStandingFilter:   minmax.New(minStandingWindow),
		cwnd:                initialCwnd,
		cwndChange:          now,
		v:                   1.0,
		dir:                 directionUp,
		dirChange:           now,
		cwndAtLastDirChange: initialCwnd,
		slowStart:           true,
	}
}

// OnDataSend records a packet send and reports whether the recent sending
// rate already exceeds the rate Copa's current window targets — i.e.
// whether PEMI is currently overspeeding relative to this connection's
// congestion window.
func (c *Copa) OnDataSend(now time.Time, clientRTT time.Duration) bool {
	recentSent := c.used.onDataSend(clientRTT, now)
	rttMin := c.rttMinFilter.RunningMin(now, minRTTWindow, clientRTT.Seconds())

	rateTarget := c.cwnd / rttMin
	rateRecent := float64(recentSent) / clientRTT.Seconds()
	return rateRecent > rateTarget
}

// OnAckSend folds a new RTT sample into Copa's window update, advancing
// cwnd, the velocity parameter v, and the up/down direction.
func (c *Copa) OnAckSend(now time.Time, clientRTT time.Duration) {
	rttMin := c.rttMinFilter.RunningMin(now, minRTTWindow, clientRTT.Seconds())

	standingWindow := clientRTT / 2
	if standingWindow < minStandingWindow {
		standingWindow = minStandingWindow
	}
	rttStanding := c.rttStandingFilter.RunningMin(now, standingWindow, clientRTT.Seconds())

	dq := rttStanding - rttMin
	lambdaTarget := deltaReciprocal / dq
	lambda := c.cwnd / rttStanding

	up := lambda <= lambdaTarget
	if c.slowStart {
		c.cwndUpdateSlowStart(up, now, clientRTT)
	} else {
		c.cwndUpdate(up, now, clientRTT)
	}

	if delta := now.Sub(c.dirChange); delta > clientRTT {
		last := c.dir
		if c.cwnd >= c.cwndAtLastDirChange {
			c.dir = directionUp
		} else {
			c.dir = directionDown
		}
		if c.dir == last {
			c.v = minFloat(c.v*2.0, vMax)
		} else {
			c.v = 1.0
		}
		c.cwndAtLastDirChange = c.cwnd
		c.dirChange = now
	}
}

func (c *Copa) cwndUpdate(up bool, now time.Time, clientRTT time.Duration) {
	tDelta := now.Sub(c.cwndChange)
	c.cwndChange = now
	cwndDelta := c.v * deltaReciprocal * tDelta.Seconds() / clientRTT.Seconds()
	if up {
		c.cwnd += cwndDelta
	} else {
		c.cwnd -= cwndDelta
		c.cwnd = maxFloat(c.cwnd, initialCwnd)
	}
}

func (c *Copa) cwndUpdateSlowStart(up bool, now time.Time, clientRTT time.Duration) {
	if up {
		tDelta := now.Sub(c.cwndChange)
		c.cwnd *= 1.0 + minFloat(tDelta.Seconds()/clientRTT.Seconds(), 1.0)
		c.cwndChange = now
	} else {
		c.cwnd /= 2.0
		c.slowStart = false
	}
}

// ResetRTTFilters discards the min and standing RTT history. Used when a
// calibration sample shows the path RTT shifted far enough that the old
// filters would otherwise hold an erroneously small minimum.
func (c *Copa) ResetRTTFilters() {
	c.rttMinFilter = minmax.New(minRTTWindow)
	c.rttStandingFilter = minmax.New(minStandingWindow)
}

// Cwnd exposes the current congestion window, mainly for metrics.
func (c *Copa) Cwnd() float64 { return c.cwnd }

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
