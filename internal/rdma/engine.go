package rdma

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rshmem/internal/devmem"
	"github.com/yuuki/rshmem/internal/region"
	"github.com/yuuki/rshmem/internal/wire"
)

const (
	// DefaultCreditSlack is the number of slots kept free in every send queue.
	DefaultCreditSlack = 10
	// DefaultNumPerPoll bounds how many completions one backpressure drain consumes.
	DefaultNumPerPoll = 100
	// DefaultPollTimeout bounds how long a poll waits for a single completion.
	DefaultPollTimeout = 5 * time.Second
	// DefaultSpinIterations is the busy-wait budget before the poller yields.
	DefaultSpinIterations = 1024
	// DefaultMaxMessageSize is the largest transfer a single work entry carries.
	DefaultMaxMessageSize = 1 << 30
)

// Options tunes the engine.
type Options struct {
	CreditSlack    uint32
	NumPerPoll     uint32
	PollTimeout    time.Duration
	SpinIterations int
	MaxMessageSize uint32
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		CreditSlack:    DefaultCreditSlack,
		NumPerPoll:     DefaultNumPerPoll,
		PollTimeout:    DefaultPollTimeout,
		SpinIterations: DefaultSpinIterations,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// RegionResolver finds the registered region covering an address range.
type RegionResolver interface {
	Resolve(pe int, addr, n uint64) (region.Region, error)
}

// Engine drives the queue pairs of one PE.
type Engine struct {
	table   *Table
	mem     devmem.Memory
	regions RegionResolver
	opts    Options
	metrics MetricHook
}

// NewEngine creates an engine over table. The credit slack must leave at least
// one usable slot in every send queue.
func NewEngine(table *Table, mem devmem.Memory, regions RegionResolver, opts Options, metrics MetricHook) (*Engine, error) {
	if table == nil || mem == nil || regions == nil {
		return nil, fmt.Errorf("engine needs a queue pair table, device memory and a region resolver")
	}
	if opts.NumPerPoll == 0 {
		return nil, fmt.Errorf("num per poll must be at least 1")
	}
	if opts.PollTimeout <= 0 {
		return nil, fmt.Errorf("poll timeout must be positive, got %s", opts.PollTimeout)
	}
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.SpinIterations < 0 {
		opts.SpinIterations = 0
	}
	for _, qp := range table.QueuePairs() {
		if opts.CreditSlack >= qp.SQ.Depth {
			return nil, fmt.Errorf("credit slack %d leaves no usable slot in peer %d qp %d (depth %d)",
				opts.CreditSlack, qp.Peer, qp.Index, qp.SQ.Depth)
		}
		// A full ring of 2^16 entries would wrap the 16-bit producer index
		// onto the consumer index.
		if qp.SQ.DoorbellMode == wire.DoorbellHardware && qp.SQ.Depth == wire.MaxHardwareSQDepth && opts.CreditSlack == 0 {
			return nil, fmt.Errorf("peer %d qp %d: a hardware doorbell ring of depth %d needs a credit slack of at least 1",
				qp.Peer, qp.Index, qp.SQ.Depth)
		}
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}

	log.Debug().
		Uint32("pe", table.Self()).
		Uint32("pes", table.NumPEs()).
		Uint32("qps_per_peer", table.PerPeer()).
		Uint32("credit_slack", opts.CreditSlack).
		Uint32("num_per_poll", opts.NumPerPoll).
		Dur("poll_timeout", opts.PollTimeout).
		Msg("Created transport engine")

	return &Engine{
		table:   table,
		mem:     mem,
		regions: regions,
		opts:    opts,
		metrics: metrics,
	}, nil
}

// Table returns the queue pair table the engine drives.
func (e *Engine) Table() *Table { return e.table }

// Options returns the effective engine options.
func (e *Engine) Options() Options { return e.opts }

// Occupancy returns the number of posted but not yet retired entries of (peer, qp).
func (e *Engine) Occupancy(peer, qp uint32) (uint32, error) {
	pair, err := e.table.Get(peer, qp)
	if err != nil {
		return 0, err
	}
	head := e.load32(pair.SQ.HeadAddr)
	tail := e.load32(pair.SQ.TailAddr)
	return head - tail, nil
}

// lookup returns a usable queue pair.
func (e *Engine) lookup(peer, qp uint32) (*QueuePair, error) {
	pair, err := e.table.Get(peer, qp)
	if err != nil {
		return nil, err
	}
	if pair.Broken() {
		return nil, fmt.Errorf("%w: peer %d qp %d", ErrQueuePairBroken, peer, qp)
	}
	return pair, nil
}

// load32 refreshes and reads a device word.
func (e *Engine) load32(addr uint64) uint32 {
	e.mem.Refresh(addr, 4)
	return e.mem.Load32(addr)
}

// store32 writes and flushes a device word.
func (e *Engine) store32(addr uint64, v uint32) {
	e.mem.Store32(addr, v)
	e.mem.Flush(addr, 4)
}
