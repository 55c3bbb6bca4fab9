// Package shmem is the one-sided RMA surface of a PE: symmetric address
// translation, non-blocking and blocking put/get, and quiet and fence over
// the network transport.
package shmem

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rshmem/internal/cluster"
	"github.com/yuuki/rshmem/internal/rdma"
)

var (
	// ErrNotSymmetric is returned for an address outside the symmetric heap.
	ErrNotSymmetric = errors.New("address is not in the symmetric heap")
	// ErrLocalPE is returned for a network operation targeting the calling PE.
	ErrLocalPE = errors.New("operation targets the local PE")
	// ErrInvalidTeam is returned for a team that does not fit the job.
	ErrInvalidTeam = errors.New("invalid team")
)

// Team is a strided set of PEs: Start, Start+Stride, ... (Size members).
type Team struct {
	Start  uint32
	Stride uint32
	Size   uint32
}

// Members returns the ranks of the team in order.
func (t Team) Members() []uint32 {
	out := make([]uint32, 0, t.Size)
	for i := uint32(0); i < t.Size; i++ {
		out = append(out, t.Start+i*t.Stride)
	}
	return out
}

// Runtime is the RMA context of one PE bound to one queue pair index.
// A Runtime must not be used by more than one goroutine at a time; use OnQP
// to drive separate queue pairs concurrently.
type Runtime struct {
	cluster *cluster.Cluster
	pe      *cluster.PE
	qp      uint32
}

// New returns the runtime of PE rank, bound to queue pair 0 of every peer.
func New(c *cluster.Cluster, rank uint32) (*Runtime, error) {
	pe, err := c.PE(rank)
	if err != nil {
		return nil, err
	}
	return &Runtime{cluster: c, pe: pe}, nil
}

// OnQP returns a runtime for the same PE that posts on queue pair index qp.
func (r *Runtime) OnQP(qp uint32) (*Runtime, error) {
	if qp >= r.pe.Table.PerPeer() {
		return nil, fmt.Errorf("%w: qp %d of %d", rdma.ErrUnknownQueuePair, qp, r.pe.Table.PerPeer())
	}
	return &Runtime{cluster: r.cluster, pe: r.pe, qp: qp}, nil
}

// MyPE returns the rank of the calling PE.
func (r *Runtime) MyPE() int { return int(r.pe.Rank) }

// NumPEs returns the number of PEs in the job.
func (r *Runtime) NumPEs() int { return int(r.cluster.NumPEs()) }

// Engine returns the transport engine of the PE.
func (r *Runtime) Engine() *rdma.Engine { return r.pe.Engine }

// Ptr translates a symmetric address of the calling PE into the address of
// the same object on pe.
func (r *Runtime) Ptr(addr uint64, pe uint32) (uint64, error) {
	heap := r.pe.Heap
	if addr < heap.Addr || addr >= heap.Addr+heap.Size {
		return 0, fmt.Errorf("%w: 0x%x", ErrNotSymmetric, addr)
	}
	target, err := r.cluster.PE(pe)
	if err != nil {
		return 0, err
	}
	return target.Heap.Addr + (addr - heap.Addr), nil
}

// PutMemNBI starts copying n bytes from the local address source to the
// symmetric address dest on pe. The copy is complete after Quiet.
func (r *Runtime) PutMemNBI(ctx context.Context, dest, source, n uint64, pe uint32) error {
	remote, err := r.remote(dest, n, pe)
	if err != nil {
		return fmt.Errorf("put to PE %d: %w", pe, err)
	}
	return r.fragment(n, func(off uint64, length uint32) error {
		return r.pe.Engine.PostWrite(ctx, pe, r.qp, source+off, remote+off, length)
	})
}

// GetMemNBI starts copying n bytes from the symmetric address source on pe to
// the local address dest. The data is valid after Quiet.
func (r *Runtime) GetMemNBI(ctx context.Context, dest, source, n uint64, pe uint32) error {
	remote, err := r.remote(source, n, pe)
	if err != nil {
		return fmt.Errorf("get from PE %d: %w", pe, err)
	}
	return r.fragment(n, func(off uint64, length uint32) error {
		return r.pe.Engine.PostRead(ctx, pe, r.qp, dest+off, remote+off, length)
	})
}

// PutMem copies n bytes to pe and waits until they are visible there.
func (r *Runtime) PutMem(ctx context.Context, dest, source, n uint64, pe uint32) error {
	if err := r.PutMemNBI(ctx, dest, source, n, pe); err != nil {
		return err
	}
	return r.pe.Engine.Quiet(ctx, pe, r.qp)
}

// GetMem copies n bytes from pe and waits for them to arrive.
func (r *Runtime) GetMem(ctx context.Context, dest, source, n uint64, pe uint32) error {
	if err := r.GetMemNBI(ctx, dest, source, n, pe); err != nil {
		return err
	}
	return r.pe.Engine.Quiet(ctx, pe, r.qp)
}

// Quiet waits for every operation this PE issued to every peer.
func (r *Runtime) Quiet(ctx context.Context) error {
	return r.pe.Engine.QuietAll(ctx)
}

// QuietQP waits for the operations issued on the runtime's queue pair index
// to every peer. It leaves the other queue pairs of the PE alone, so runtimes
// from OnQP can quiet concurrently.
func (r *Runtime) QuietQP(ctx context.Context) error {
	var errs []error
	for peer := uint32(0); peer < r.cluster.NumPEs(); peer++ {
		if peer == r.pe.Rank {
			continue
		}
		if err := r.pe.Engine.Quiet(ctx, peer, r.qp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// QuietTeam waits for every operation this PE issued to the members of team.
// The calling PE is skipped when it is a member.
func (r *Runtime) QuietTeam(ctx context.Context, team Team) error {
	if team.Size == 0 {
		return nil
	}
	if team.Size > 1 && team.Stride == 0 {
		return fmt.Errorf("%w: stride 0 with %d members", ErrInvalidTeam, team.Size)
	}
	last := uint64(team.Start) + uint64(team.Size-1)*uint64(team.Stride)
	if last >= uint64(r.cluster.NumPEs()) {
		return fmt.Errorf("%w: last member %d outside job of %d PEs", ErrInvalidTeam, last, r.cluster.NumPEs())
	}

	var errs []error
	for _, peer := range team.Members() {
		if peer == r.pe.Rank {
			continue
		}
		for qp := uint32(0); qp < r.pe.Table.PerPeer(); qp++ {
			if err := r.pe.Engine.Quiet(ctx, peer, qp); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Fence orders earlier puts of this PE before later ones. It does not wait
// for completion.
func (r *Runtime) Fence() {
	r.pe.Engine.Fence()
}

// remote validates a transfer to pe and returns the peer address of sym.
func (r *Runtime) remote(sym, n uint64, pe uint32) (uint64, error) {
	if pe == r.pe.Rank {
		return 0, ErrLocalPE
	}
	if n == 0 {
		return 0, fmt.Errorf("zero length transfer")
	}
	heap := r.pe.Heap
	if !heap.Contains(sym, n) {
		return 0, fmt.Errorf("%w: 0x%x+%d", ErrNotSymmetric, sym, n)
	}
	return r.Ptr(sym, pe)
}

// fragment splits n bytes into transfers no larger than the engine's maximum
// message size.
func (r *Runtime) fragment(n uint64, post func(off uint64, length uint32) error) error {
	limit := uint64(r.pe.Engine.Options().MaxMessageSize)
	fragments := 0
	for off := uint64(0); off < n; off += limit {
		length := min(limit, n-off)
		if err := post(off, uint32(length)); err != nil {
			return err
		}
		fragments++
	}
	if fragments > 1 {
		log.Trace().
			Uint32("pe", r.pe.Rank).
			Uint64("bytes", n).
			Int("fragments", fragments).
			Msg("Split transfer")
	}
	return nil
}
