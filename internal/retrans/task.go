// Package retrans drains a connection's detected-lost packets into a task
// the ingress engine can walk to actually resend them, gated on whether
// retransmission is safe for this connection right now.
package retrans

import (
	"github.com/malbeclabs/pemi/internal/addr"
	"github.com/malbeclabs/pemi/internal/flowlet"
)

// Task is a batch of packets queued for retransmission toward dst, spoofing
// src as the sender.
type Task struct {
	Src, Dst addr.Addr
	packets  []flowlet.Packet
}

// FromQueue drains q's detected-loss packets into a Task. It returns false
// if there was nothing to retransmit, or if retransmitting isn't safe right
// now: PEMI only helps retransmission on the dominant direction of traffic,
// and never while the congestion controller says the connection is already
// sending faster than the path can clear (racing an unnecessary resend
// against the sender's own retransmission would only add load).
func FromQueue(q *flowlet.Queue, src, dst addr.Addr, directionProtect, overspeed bool) (Task, bool) {
	if !q.HaveRetransmit() {
		return Task{}, false
	}
	var packets []flowlet.Packet
	for {
		pkt, ok := q.PopRetransmitFront()
		if !ok {
			break
		}
		packets = append(packets, pkt)
	}
	if !directionProtect || overspeed {
		return Task{}, false
	}
	return Task{Src: src, Dst: dst, packets: packets}, true
}

// PopFront returns the next packet to resend.
func (t *Task) PopFront() (flowlet.Packet, bool) {
	if len(t.packets) == 0 {
		return flowlet.Packet{}, false
	}
	pkt := t.packets[0]
	t.packets = t.packets[1:]
	return pkt, true
}
