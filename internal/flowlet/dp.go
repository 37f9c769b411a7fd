package flowlet

import "math"

// matchSentReplyDP finds the minimum-cost monotonic matching from sent
// timestamps (seconds, relative to some base) to reply timestamps, under the
// model that a matched pair (sent[i], reply[j]) should be usedRTT apart.
// Unmatched sent entries ("skip sent") are always allowed; the reply stream
// may not skip. Returns mapping[i] = matched reply index, or -1 if sent[i]
// wasn't matched.
func matchSentReplyDP(sent, reply []float64, usedRTT float64) []int {
	n := len(sent)
	m := len(reply)

	type back struct {
		pi, pj int
		match  int // matched reply index, or -1
	}

	dp := make([][]float64, n+1)
	prev := make([][]back, n+1)
	for i := range dp {
		dp[i] = make([]float64, m+1)
		prev[i] = make([]back, m+1)
		for j := range dp[i] {
			dp[i][j] = math.Inf(1)
		}
	}

	dp[0][0] = 0
	for i := 1; i <= n; i++ {
		dp[i][0] = 0
		prev[i][0] = back{pi: i - 1, pj: 0, match: -1}
	}

	for i := 1; i <= n; i++ {
		upto := i
		if m < upto {
			upto = m
		}
		for j := 1; j <= upto; j++ {
			cost := math.Abs((reply[j-1] - sent[i-1]) - usedRTT)

			best := dp[i-1][j-1] + cost
			bestPrev := back{pi: i - 1, pj: j - 1, match: j - 1}

			if dp[i-1][j] < best {
				best = dp[i-1][j]
				bestPrev = back{pi: i - 1, pj: j, match: -1}
			}

			dp[i][j] = best
			prev[i][j] = bestPrev
		}
	}

	i, j := n, m
	mapping := make([]int, n)
	for k := range mapping {
		mapping[k] = -1
	}
	for i > 0 {
		p := prev[i][j]
		if p.match != -1 {
			mapping[i-1] = p.match
		}
		i, j = p.pi, p.pj
	}
	return mapping
}
