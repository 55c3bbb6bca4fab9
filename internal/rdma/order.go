package rdma

import (
	"context"
	"errors"
)

// Quiet waits until every entry posted to (peer, qp) so far has completed and
// its effects are visible at the target.
func (e *Engine) Quiet(ctx context.Context, peer, qp uint32) error {
	pair, err := e.lookup(peer, qp)
	if err != nil {
		return err
	}
	return e.pollPending(ctx, pair, e.load32(pair.SQ.HeadAddr))
}

// QuietAll quiets every queue pair in the table. All queue pairs are attempted;
// the returned error joins the failures of each.
func (e *Engine) QuietAll(ctx context.Context) error {
	var errs []error
	for _, qp := range e.table.QueuePairs() {
		if err := e.Quiet(ctx, qp.Peer, qp.Index); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fence orders this PE's earlier memory operations before its later ones. It
// does not touch any ring and does not wait for remote completion: entries
// already handed to the NIC may still be in flight. Use Quiet for completion.
func (e *Engine) Fence() {
	e.mem.Barrier()
}
