package flowlet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchSentReplyDP(t *testing.T) {
	tests := []struct {
		name     string
		sent     []float64
		reply    []float64
		rtt      float64
		expected []int
	}{
		{
			name:     "single flowlet with one gap",
			sent:     []float64{0, 50, 100, 150, 200, 250},
			reply:    []float64{30, 98, 200, 298, 352},
			rtt:      100,
			expected: []int{0, 1, 2, unmatched, 3, 4},
		},
		{
			name:     "two consecutive gaps",
			sent:     []float64{0, 40, 80, 120, 160, 200, 240},
			reply:    []float64{18, 121, 205, 330, 400},
			rtt:      120,
			expected: []int{0, 1, 2, unmatched, unmatched, 3, 4},
		},
		{
			name:     "alternating replies",
			sent:     []float64{0, 10, 20, 30, 40, 50, 60},
			reply:    []float64{20, 30, 51, 71},
			rtt:      20,
			expected: []int{0, 1, unmatched, 2, unmatched, 3, unmatched},
		},
		{
			name:     "zero rtt, sparse replies",
			sent:     []float64{1, 2, 3, 4},
			reply:    []float64{2, 4},
			rtt:      0,
			expected: []int{unmatched, 0, unmatched, 1},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mapping := matchSentReplyDP(tc.sent, tc.reply, tc.rtt)
			require.Equal(t, tc.expected, mapping)
		})
	}
}
