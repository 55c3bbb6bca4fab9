// Package cluster brings up a job of PEs on one loopback NIC: a symmetric heap
// per PE, registered memory regions, and a queue pair table plus transport
// engine per PE with connections to every other PE.
package cluster

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rshmem/internal/devmem"
	"github.com/yuuki/rshmem/internal/nic"
	"github.com/yuuki/rshmem/internal/rdma"
	"github.com/yuuki/rshmem/internal/region"
)

// DefaultHeapSize is the symmetric heap size of each PE.
const DefaultHeapSize = 1 << 20

// ErrClosed is returned by accessors after Close.
var ErrClosed = errors.New("cluster closed")

// Config describes the job to bring up.
type Config struct {
	PEs        uint32
	QPsPerPeer uint32
	HeapSize   uint64
	Queue      nic.QueueConfig
	Engine     rdma.Options
	Metrics    rdma.MetricHook
}

// DefaultConfig returns a two-PE job with one queue pair per peer.
func DefaultConfig() Config {
	return Config{
		PEs:        2,
		QPsPerPeer: 1,
		HeapSize:   DefaultHeapSize,
		Queue:      nic.DefaultQueueConfig(),
		Engine:     rdma.DefaultOptions(),
	}
}

// PE is one processing element of the job.
type PE struct {
	Rank   uint32
	Heap   region.Region
	Table  *rdma.Table
	Engine *rdma.Engine
}

// Cluster holds the shared device state and every PE.
type Cluster struct {
	cfg     Config
	space   *devmem.Space
	regions *region.Registry
	device  *nic.Device
	pes     []*PE
	closed  bool
	mutex   sync.RWMutex
}

// New maps the heaps and rings of every PE, connects all pairs of PEs and
// starts the NIC.
func New(cfg Config) (*Cluster, error) {
	if cfg.PEs < 2 {
		return nil, fmt.Errorf("cluster needs at least two PEs, got %d", cfg.PEs)
	}
	if cfg.QPsPerPeer == 0 {
		return nil, fmt.Errorf("cluster needs at least one queue pair per peer")
	}
	if cfg.HeapSize == 0 {
		cfg.HeapSize = DefaultHeapSize
	}

	c := &Cluster{
		cfg:     cfg,
		space:   devmem.NewSpace(devmem.DefaultBase),
		regions: region.NewRegistry(),
	}
	c.device = nic.New(c.space, c.regions)

	for rank := uint32(0); rank < cfg.PEs; rank++ {
		seg, err := c.space.Map(fmt.Sprintf("pe%d-heap", rank), cfg.HeapSize)
		if err != nil {
			return nil, fmt.Errorf("map heap of PE %d: %w", rank, err)
		}
		heap, err := c.regions.Register(int(rank), seg.Base, seg.Size, region.AccessAll)
		if err != nil {
			return nil, fmt.Errorf("register heap of PE %d: %w", rank, err)
		}
		c.pes = append(c.pes, &PE{Rank: rank, Heap: heap})
	}

	for _, pe := range c.pes {
		if err := c.connect(pe); err != nil {
			return nil, err
		}
	}

	c.device.Start()

	log.Info().
		Uint32("pes", cfg.PEs).
		Uint32("qps_per_peer", cfg.QPsPerPeer).
		Uint32("sq_depth", cfg.Queue.Depth).
		Str("doorbell", cfg.Queue.DoorbellMode.String()).
		Uint64("heap_size", cfg.HeapSize).
		Msg("Cluster initialized")
	return c, nil
}

// connect creates the queue pairs from pe to every other PE and its engine.
func (c *Cluster) connect(pe *PE) error {
	table, err := rdma.NewTable(pe.Rank, c.cfg.PEs, c.cfg.QPsPerPeer)
	if err != nil {
		return err
	}
	for peer := uint32(0); peer < c.cfg.PEs; peer++ {
		if peer == pe.Rank {
			continue
		}
		for idx := uint32(0); idx < c.cfg.QPsPerPeer; idx++ {
			qp, err := c.device.CreateQueuePair(pe.Rank, peer, idx, c.cfg.Queue)
			if err != nil {
				return fmt.Errorf("PE %d: %w", pe.Rank, err)
			}
			if err := table.Set(qp); err != nil {
				return fmt.Errorf("PE %d: %w", pe.Rank, err)
			}
		}
	}

	engine, err := rdma.NewEngine(table, c.space, c.regions, c.cfg.Engine, c.cfg.Metrics)
	if err != nil {
		return fmt.Errorf("PE %d: %w", pe.Rank, err)
	}
	pe.Table = table
	pe.Engine = engine

	if e := log.Trace(); e.Enabled() {
		e.Msg(table.Describe())
	}
	return nil
}

// PE returns the PE with the given rank.
func (c *Cluster) PE(rank uint32) (*PE, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if rank >= uint32(len(c.pes)) {
		return nil, fmt.Errorf("PE %d outside job of %d PEs", rank, len(c.pes))
	}
	return c.pes[rank], nil
}

// PEs returns every PE in rank order.
func (c *Cluster) PEs() []*PE {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.pes
}

// NumPEs returns the number of PEs in the job.
func (c *Cluster) NumPEs() uint32 { return c.cfg.PEs }

// Config returns the configuration the cluster was built with.
func (c *Cluster) Config() Config { return c.cfg }

// Space returns the device address space shared by all PEs.
func (c *Cluster) Space() *devmem.Space { return c.space }

// Regions returns the memory region registry.
func (c *Cluster) Regions() *region.Registry { return c.regions }

// Device returns the loopback NIC.
func (c *Cluster) Device() *nic.Device { return c.device }

// Close stops the NIC. Outstanding entries are abandoned.
func (c *Cluster) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.device.Stop()

	stats := c.device.Stats()
	log.Info().
		Uint64("executed", stats.Executed).
		Uint64("failed", stats.Failed).
		Uint64("bytes_moved", stats.BytesMoved).
		Msg("Cluster closed")
}
