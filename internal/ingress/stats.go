package ingress

import "fmt"

// stats counts packets processed and retransmitted since the engine
// started, the basis for both the periodic summary log line and the
// retransmission rate limit.
type stats struct {
	pkts        uint64
	retransPkts uint64
}

func (s *stats) newPkt()        { s.pkts++ }
func (s *stats) newRetransPkt() { s.retransPkts++ }

func (s *stats) retransRate() float64 {
	if s.pkts == 0 {
		return 0
	}
	return float64(s.retransPkts) / float64(s.pkts)
}

func (s stats) String() string {
	return fmt.Sprintf("pkts: %d, retrans_pkts: %d, retrans_rate: %.4f", s.pkts, s.retransPkts, s.retransRate())
}
