package ingress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"github.com/malbeclabs/pemi/internal/addr"
	"github.com/malbeclabs/pemi/internal/rttdetect"
)

// udpEvent is what the UDP reader goroutine posts back to the run loop:
// either a successfully received datagram or the error that ended reading.
type udpEvent struct {
	buf      []byte
	src, dst addr.Addr
	err      error
}

// icmpEvent is what the ICMP reader goroutine posts back to the run loop:
// an RTT sample matched against one of our own pending probes, or the
// error that ended reading. ok is false for anything that wasn't a
// recognized reply and carries no sample.
type icmpEvent struct {
	rtt time.Duration
	ok  bool
	err error
}

// Run drives PEMI's single-threaded packet loop: it selects over the next
// scheduled timeout, the next inbound UDP datagram, and the next ICMP
// reply, processing exactly one event per iteration so all engine state
// stays single-goroutine. The two reader goroutines below only ever do a
// blocking syscall and a channel send; neither touches engine state, so
// there is nothing to synchronize here beyond the channels themselves. It
// blocks until ctx is cancelled or a fatal socket error occurs.
func Run(ctx context.Context, log *slog.Logger, clock clockwork.Clock, eng *Engine, listener *Listener, rtt *rttdetect.Detector, printInterval uint64) error {
	udpCh := make(chan udpEvent, 1)
	icmpCh := make(chan icmpEvent, 1)

	go readUDPLoop(ctx, listener, udpCh)
	if rtt != nil {
		go readICMPLoop(ctx, rtt, icmpCh)
	}

	const idleWait = 5 * time.Second

	for {
		timeout := idleWait
		if d, ok := eng.Timeout(eng.Now()); ok {
			timeout = d
		}
		timer := clock.NewTimer(timeout)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case <-timer.Chan():
			eng.ProcessTimeout(eng.Now())

		case ev := <-udpCh:
			timer.Stop()
			if ev.err != nil {
				return ev.err
			}
			if err := eng.ProcessPacket(eng.Now(), ev.buf, ev.src, ev.dst); err != nil {
				log.Error("process packet failed", "err", err)
			}
			drainRetransTasks(eng, eng.Now())

		case ev := <-icmpCh:
			timer.Stop()
			if ev.err != nil {
				log.Debug("icmp read failed", "err", ev.err)
				continue
			}
			if ev.ok {
				eng.RTTCalibration(eng.Now(), ev.rtt)
			}
		}

		// unreplied probes are swept on the same per-event cadence as
		// idle-connection eviction
		if rtt != nil {
			rtt.SweepStale(eng.Now())
		}

		if pkts, _, _ := eng.Stats(); printInterval > 0 && pkts > 0 && pkts%printInterval == 0 {
			eng.PrintStats()
		}
	}
}

// readUDPLoop reads from the non-blocking Listener, waiting for readability
// whenever Recv reports EAGAIN, and posts every datagram (or fatal error)
// to ch. It holds no engine state, so the run loop can safely treat its
// sends as the only synchronization needed.
func readUDPLoop(ctx context.Context, listener *Listener, ch chan<- udpEvent) {
	for {
		buf := make([]byte, 1500)
		n, src, dst, err := listener.Recv(buf)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if errors.Is(err, unix.EAGAIN) {
			// nothing to read yet (or a spurious wakeup): wait until the
			// socket is readable, then try again
			fds := []unix.PollFd{{Fd: int32(listener.Fd()), Events: unix.POLLIN}}
			_, _ = unix.Poll(fds, -1)
			continue
		}
		if err != nil {
			ch <- udpEvent{err: err}
			return
		}
		ch <- udpEvent{buf: buf[:n], src: src, dst: dst}
	}
}

// readICMPLoop blocks in the RTT detector's ReadReply and posts every
// reply (or read error) to ch.
func readICMPLoop(ctx context.Context, rtt *rttdetect.Detector, ch chan<- icmpEvent) {
	for {
		sample, ok, err := rtt.ReadReply(time.Now())
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err != nil {
			ch <- icmpEvent{err: err}
			continue
		}
		ch <- icmpEvent{rtt: sample, ok: ok}
	}
}

func drainRetransTasks(eng *Engine, now time.Time) {
	for eng.HasRetransTask() {
		task, ok := eng.PopRetransTask()
		if !ok {
			break
		}
		eng.ProcessRetransTask(now, &task)
	}
}
