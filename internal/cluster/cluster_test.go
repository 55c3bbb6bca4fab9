package cluster

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rshmem/internal/nic"
	"github.com/yuuki/rshmem/internal/rdma"
	"github.com/yuuki/rshmem/internal/wire"
	"golang.org/x/sync/errgroup"
)

func heapOffset(rank, qp, perPeer uint32) uint64 {
	return 4096 + uint64(rank*perPeer+qp)*512
}

func newCluster(t *testing.T, cfg Config) *Cluster {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PEs = 1
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.QPsPerPeer = 0
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Queue.Depth = 8
	cfg.Engine.CreditSlack = 8
	_, err = New(cfg)
	assert.Error(t, err, "credit slack must leave a usable slot")
}

func TestTopology(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PEs = 3
	cfg.QPsPerPeer = 2
	cfg.Queue.Depth = 32
	cfg.Engine.CreditSlack = 4
	c := newCluster(t, cfg)

	require.Len(t, c.PEs(), 3)
	for _, pe := range c.PEs() {
		assert.Len(t, pe.Table.QueuePairs(), 4, "two peers with two queue pairs each")
		_, err := pe.Table.Get(pe.Rank, 0)
		assert.ErrorIs(t, err, rdma.ErrUnknownQueuePair)
		assert.Equal(t, int(pe.Rank), pe.Heap.PE)
		assert.Equal(t, uint64(DefaultHeapSize), pe.Heap.Size)
	}

	a, _ := c.PE(0)
	b, _ := c.PE(1)
	assert.Less(t, a.Heap.Addr+a.Heap.Size, b.Heap.Addr, "heaps do not overlap")

	_, err := c.PE(3)
	assert.Error(t, err)
}

// Two PEs, depth 16, credit slack 10: twenty writes from PE 0 to PE 1 never
// hold more than six entries and all land after quiet.
func TestFlowControlScenario(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.Depth = 16
	cfg.Engine.CreditSlack = 10
	c := newCluster(t, cfg)
	ctx := context.Background()

	src, _ := c.PE(0)
	dst, _ := c.PE(1)
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Space().WriteAt([]byte{byte(i + 1)}, src.Heap.Addr+uint64(i)))
	}

	for i := 0; i < 20; i++ {
		off := uint64(i)
		require.NoError(t, src.Engine.PostWrite(ctx, 1, 0, src.Heap.Addr+off, dst.Heap.Addr+off, 1))
		occupancy, err := src.Engine.Occupancy(1, 0)
		require.NoError(t, err)
		assert.LessOrEqual(t, occupancy, uint32(6), "post %d", i)
	}
	require.NoError(t, src.Engine.Quiet(ctx, 1, 0))

	occupancy, err := src.Engine.Occupancy(1, 0)
	require.NoError(t, err)
	assert.Zero(t, occupancy)

	got := make([]byte, 20)
	require.NoError(t, c.Space().ReadAt(got, dst.Heap.Addr))
	for i, v := range got {
		assert.Equal(t, byte(i+1), v, "byte %d", i)
	}
}

func TestConcurrentQueuePairs(t *testing.T) {
	for _, mode := range []wire.DoorbellMode{wire.DoorbellHardware, wire.DoorbellSoftware} {
		t.Run(mode.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.PEs = 4
			cfg.QPsPerPeer = 2
			cfg.Queue.Depth = 64
			cfg.Queue.DoorbellMode = mode
			cfg.Engine.CreditSlack = 8
			c := newCluster(t, cfg)
			ctx := context.Background()

			const chunk = 256
			const rounds = 50

			// Every PE writes a distinct pattern into a distinct slice of every
			// peer's heap, one goroutine per queue pair.
			g, gctx := errgroup.WithContext(ctx)
			for _, pe := range c.PEs() {
				pattern := bytes.Repeat([]byte{byte('a' + pe.Rank)}, chunk)
				require.NoError(t, c.Space().WriteAt(pattern, pe.Heap.Addr))
				for _, qp := range pe.Table.QueuePairs() {
					pe, qp := pe, qp
					g.Go(func() error {
						peer, _ := c.PE(qp.Peer)
						off := heapOffset(pe.Rank, qp.Index, cfg.QPsPerPeer)
						for i := 0; i < rounds; i++ {
							if err := pe.Engine.PostWrite(gctx, qp.Peer, qp.Index, pe.Heap.Addr, peer.Heap.Addr+off, chunk); err != nil {
								return fmt.Errorf("PE %d -> %d qp %d: %w", pe.Rank, qp.Peer, qp.Index, err)
							}
						}
						return pe.Engine.Quiet(gctx, qp.Peer, qp.Index)
					})
				}
			}
			require.NoError(t, g.Wait())

			for _, pe := range c.PEs() {
				require.NoError(t, pe.Engine.QuietAll(ctx))
				for _, qp := range pe.Table.QueuePairs() {
					peer, _ := c.PE(qp.Peer)
					off := heapOffset(pe.Rank, qp.Index, cfg.QPsPerPeer)
					got := make([]byte, chunk)
					require.NoError(t, c.Space().ReadAt(got, peer.Heap.Addr+off))
					assert.Equal(t, bytes.Repeat([]byte{byte('a' + pe.Rank)}, chunk), got)
				}
			}

			stats := c.Device().Stats()
			assert.Equal(t, uint64(4*3*2*rounds), stats.Executed)
			assert.Zero(t, stats.Failed)
		})
	}
}

func TestQuietAllReportsEveryFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PEs = 3
	cfg.Queue.Depth = 16
	cfg.Engine.CreditSlack = 2
	c := newCluster(t, cfg)
	ctx := context.Background()

	c.Device().SetFaultInjector(func(f nic.Fault) (rdma.Status, bool) {
		return rdma.StatusRetryExceeded, f.Initiator == 0
	})

	pe, _ := c.PE(0)
	p1, _ := c.PE(1)
	p2, _ := c.PE(2)
	require.NoError(t, pe.Engine.PostWrite(ctx, 1, 0, pe.Heap.Addr, p1.Heap.Addr, 8))
	require.NoError(t, pe.Engine.PostWrite(ctx, 2, 0, pe.Heap.Addr, p2.Heap.Addr, 8))

	err := pe.Engine.QuietAll(ctx)
	require.Error(t, err)
	var statusErr *rdma.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Contains(t, err.Error(), "peer 1")
	assert.Contains(t, err.Error(), "peer 2")

	assert.NoError(t, pe.Engine.QuietAll(ctx), "statuses are reported once")
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)
	c.Close()
	c.Close()
	_, err = c.PE(0)
	assert.ErrorIs(t, err, ErrClosed)
}
