package rdma

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// reserve keeps the send queue inside its credit window. When the queue holds
// depth-CreditSlack or more entries it drains up to NumPerPoll completions
// before the caller writes the next entry, so occupancy never exceeds
// depth-CreditSlack.
func (e *Engine) reserve(ctx context.Context, qp *QueuePair, head uint32) error {
	sq := &qp.SQ
	tail := e.load32(sq.TailAddr)
	used := head - tail
	if used > sq.Depth {
		return fmt.Errorf("%w: peer %d qp %d head %d tail %d depth %d", ErrRingCorrupted, qp.Peer, qp.Index, head, tail, sq.Depth)
	}

	threshold := sq.Depth - e.opts.CreditSlack
	if used < threshold {
		return nil
	}

	target := tail + min(e.opts.NumPerPoll, used)
	e.metrics.Backpressure(qp.Peer, qp.Index, used)
	log.Debug().
		Uint32("peer", qp.Peer).
		Uint32("qp", qp.Index).
		Uint32("occupancy", used).
		Uint32("threshold", threshold).
		Uint32("drain_to", target).
		Msg("Send queue at credit limit, draining completions")

	err := e.poll(ctx, qp, target)
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		// Slots were reclaimed; the failure belongs to an earlier operation.
		qp.pending.CompareAndSwap(nil, statusErr)
		return nil
	}
	return err
}
