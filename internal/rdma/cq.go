package rdma

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rshmem/internal/wire"
)

const (
	minPollSleep = time.Microsecond
	maxPollSleep = 200 * time.Microsecond
)

// Poll consumes completions of (peer, qp) until the completion queue tail
// reaches target, then publishes the new tail to the NIC.
//
// Every completion up to target is consumed even when some fail; the first
// failure is returned as a *StatusError. A failure held over from a
// backpressure drain is returned first. Polling a target that was already
// reached is a no-op.
func (e *Engine) Poll(ctx context.Context, peer, qp uint32, target uint32) error {
	pair, err := e.lookup(peer, qp)
	if err != nil {
		return err
	}
	return e.pollPending(ctx, pair, target)
}

func (e *Engine) pollPending(ctx context.Context, qp *QueuePair, target uint32) error {
	err := e.poll(ctx, qp, target)
	var statusErr *StatusError
	if err == nil || errors.As(err, &statusErr) {
		if held := qp.pending.Swap(nil); held != nil {
			return held
		}
	}
	return err
}

func (e *Engine) poll(ctx context.Context, qp *QueuePair, target uint32) error {
	cq := &qp.CQ
	tail := e.load32(cq.TailAddr)
	if tail == target {
		return nil
	}
	head := e.load32(qp.SQ.HeadAddr)
	if target-tail > head-tail {
		return fmt.Errorf("%w: peer %d qp %d target %d tail %d head %d", ErrTargetBeyondHead, qp.Peer, qp.Index, target, tail, head)
	}

	start := time.Now()
	deadline := start.Add(e.opts.PollTimeout)
	begin := tail
	var first *StatusError

	for tail != target {
		slot := cq.Slot(tail)
		header, err := e.awaitCompletion(ctx, slot, OwnerFor(tail, cq.Depth), deadline)
		if err != nil {
			e.retire(qp, tail)
			// The failed completions before tail are retired; keep the first
			// one for the next Poll or Quiet.
			if first != nil {
				e.metrics.CompletionFailed(qp.Peer, qp.Index, first.Status)
				qp.pending.CompareAndSwap(nil, first)
			}
			if errors.Is(err, ErrPollTimeout) {
				qp.broken.Store(true)
				e.metrics.PollTimedOut(qp.Peer, qp.Index)
				log.Error().
					Uint32("peer", qp.Peer).
					Uint32("qp", qp.Index).
					Uint32("tail", tail).
					Uint32("target", target).
					Dur("timeout", e.opts.PollTimeout).
					Msg("Completion never arrived, marking queue pair broken")
			}
			return fmt.Errorf("poll peer %d qp %d at tail %d: %w", qp.Peer, qp.Index, tail, err)
		}

		if status := Status(wire.CompletionStatus(header)); status != StatusSuccess && first == nil {
			op, _, _ := wire.DecodeControl(e.load32(qp.SQ.Slot(tail)))
			first = &StatusError{
				Peer:   qp.Peer,
				QP:     qp.Index,
				WQN:    e.mem.Load32(slot+wire.CompletionQueueNumberOffset) & 0xFFFFFF,
				Index:  tail,
				Status: status,
				Opcode: op,
			}
			log.Warn().
				Uint32("peer", qp.Peer).
				Uint32("qp", qp.Index).
				Uint32("index", tail).
				Str("op", op.String()).
				Str("status", status.String()).
				Msg("Completion with error status")
		}
		tail++
	}

	e.retire(qp, tail)
	e.metrics.CompletionsDrained(qp.Peer, qp.Index, tail-begin, time.Since(start))
	if first != nil {
		e.metrics.CompletionFailed(qp.Peer, qp.Index, first.Status)
		return first
	}
	return nil
}

// awaitCompletion spins on the header word at slot until its owner bit equals
// want. It busy-waits first, then yields, then sleeps with backoff, checking
// ctx and the deadline once it stops busy-waiting.
func (e *Engine) awaitCompletion(ctx context.Context, slot uint64, want bool, deadline time.Time) (uint32, error) {
	sleep := minPollSleep
	for i := 0; ; i++ {
		e.mem.Refresh(slot, wire.CompletionEntrySize)
		header := e.mem.Load32(slot)
		if wire.CompletionOwner(header) == want {
			return header, nil
		}
		if i < e.opts.SpinIterations {
			continue
		}

		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !time.Now().Before(deadline) {
			return 0, ErrPollTimeout
		}
		if i < 2*e.opts.SpinIterations {
			runtime.Gosched()
			continue
		}
		time.Sleep(sleep)
		sleep = min(2*sleep, maxPollSleep)
	}
}

// retire publishes the completion queue tail and returns the same number of
// send queue slots.
func (e *Engine) retire(qp *QueuePair, tail uint32) {
	cq := &qp.CQ
	e.store32(cq.TailAddr, tail)
	e.mem.Barrier()
	switch cq.DoorbellMode {
	case wire.DoorbellSoftware:
		e.mem.Store32(cq.DoorbellAddr, wire.SoftwareCQDoorbell(tail))
	case wire.DoorbellHardware:
		e.mem.Store64(cq.DoorbellAddr, wire.CQDoorbell(cq.CQN, tail))
	}
	e.mem.Barrier()
	e.store32(qp.SQ.TailAddr, tail)
}
