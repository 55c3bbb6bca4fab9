// Package rdma is the network transport engine: it turns one-sided remote
// memory operations into send queue work entries, drains completion queues,
// keeps every send queue inside its credit window and provides quiet and
// fence ordering.
//
// A queue pair is driven by at most one goroutine at a time. Different queue
// pairs may be driven concurrently.
package rdma

import (
	"fmt"
	"math/bits"
	"strings"
	"sync/atomic"

	"github.com/yuuki/rshmem/internal/wire"
)

// WorkQueue is the send side of a queue pair as laid out in device memory.
type WorkQueue struct {
	WQN          uint32
	BufAddr      uint64
	EntrySize    uint32
	Depth        uint32
	HeadAddr     uint64
	TailAddr     uint64
	DoorbellMode wire.DoorbellMode
	DoorbellAddr uint64
	ServiceLevel uint8
}

// CompletionQueue is the completion side of a queue pair.
type CompletionQueue struct {
	CQN          uint32
	BufAddr      uint64
	EntrySize    uint32
	Depth        uint32
	HeadAddr     uint64
	TailAddr     uint64
	DoorbellMode wire.DoorbellMode
	DoorbellAddr uint64
}

// QueuePair is the context of one logical connection to a peer. Its fields are
// fixed after bring-up; only the head and tail words it points at change.
type QueuePair struct {
	Peer  uint32
	Index uint32
	SQ    WorkQueue
	CQ    CompletionQueue

	broken  atomic.Bool
	pending atomic.Pointer[StatusError]
}

// Validate checks the ring geometry before the context is used.
func (qp *QueuePair) Validate() error {
	switch {
	case !isPow2(qp.SQ.Depth):
		return fmt.Errorf("%w: send queue depth %d is not a power of two", ErrInvalidQueuePair, qp.SQ.Depth)
	case !isPow2(qp.CQ.Depth):
		return fmt.Errorf("%w: completion queue depth %d is not a power of two", ErrInvalidQueuePair, qp.CQ.Depth)
	case qp.CQ.Depth < qp.SQ.Depth:
		return fmt.Errorf("%w: completion queue depth %d below send queue depth %d", ErrInvalidQueuePair, qp.CQ.Depth, qp.SQ.Depth)
	case qp.SQ.EntrySize < wire.WorkEntrySize || qp.SQ.EntrySize%8 != 0:
		return fmt.Errorf("%w: work entry size %d", ErrInvalidQueuePair, qp.SQ.EntrySize)
	case qp.CQ.EntrySize < wire.CompletionEntrySize || qp.CQ.EntrySize%8 != 0:
		return fmt.Errorf("%w: completion entry size %d", ErrInvalidQueuePair, qp.CQ.EntrySize)
	case qp.SQ.DoorbellMode != wire.DoorbellHardware && qp.SQ.DoorbellMode != wire.DoorbellSoftware:
		return fmt.Errorf("%w: send queue doorbell mode %s", ErrInvalidQueuePair, qp.SQ.DoorbellMode)
	case qp.SQ.DoorbellMode == wire.DoorbellHardware && qp.SQ.Depth > wire.MaxHardwareSQDepth:
		return fmt.Errorf("%w: send queue depth %d exceeds the %d entries a hardware doorbell addresses",
			ErrInvalidQueuePair, qp.SQ.Depth, wire.MaxHardwareSQDepth)
	case qp.CQ.DoorbellMode != wire.DoorbellHardware && qp.CQ.DoorbellMode != wire.DoorbellSoftware:
		return fmt.Errorf("%w: completion queue doorbell mode %s", ErrInvalidQueuePair, qp.CQ.DoorbellMode)
	case qp.SQ.BufAddr == 0 || qp.CQ.BufAddr == 0 || qp.SQ.HeadAddr == 0 || qp.SQ.TailAddr == 0 ||
		qp.CQ.TailAddr == 0 || qp.SQ.DoorbellAddr == 0 || qp.CQ.DoorbellAddr == 0:
		return fmt.Errorf("%w: unset ring address", ErrInvalidQueuePair)
	}
	return nil
}

// Broken reports whether the queue pair stopped accepting work.
func (qp *QueuePair) Broken() bool { return qp.broken.Load() }

func (qp *QueuePair) String() string {
	return fmt.Sprintf("peer=%d qp=%d sq{wqn=0x%x buf=0x%x entry=%d depth=%d head=0x%x tail=0x%x db=%s@0x%x sl=%d} "+
		"cq{cqn=0x%x buf=0x%x entry=%d depth=%d head=0x%x tail=0x%x db=%s@0x%x}",
		qp.Peer, qp.Index,
		qp.SQ.WQN, qp.SQ.BufAddr, qp.SQ.EntrySize, qp.SQ.Depth, qp.SQ.HeadAddr, qp.SQ.TailAddr,
		qp.SQ.DoorbellMode, qp.SQ.DoorbellAddr, qp.SQ.ServiceLevel,
		qp.CQ.CQN, qp.CQ.BufAddr, qp.CQ.EntrySize, qp.CQ.Depth, qp.CQ.HeadAddr, qp.CQ.TailAddr,
		qp.CQ.DoorbellMode, qp.CQ.DoorbellAddr)
}

// Slot returns the address of ring entry idx.
func (wq *WorkQueue) Slot(idx uint32) uint64 {
	return wq.BufAddr + uint64(wq.EntrySize)*uint64(idx&(wq.Depth-1))
}

func (cq *CompletionQueue) Slot(idx uint32) uint64 {
	return cq.BufAddr + uint64(cq.EntrySize)*uint64(idx&(cq.Depth-1))
}

// OwnerFor is the owner bit a producer writes for ring index idx: the inverse of
// the index's epoch parity.
func OwnerFor(idx, depth uint32) bool {
	parity := (idx >> bits.TrailingZeros32(depth)) & 1
	return parity == 0
}

func isPow2(v uint32) bool { return v != 0 && v&(v-1) == 0 }

// Table holds the queue pair contexts of one PE, indexed by peer and qp index.
// The PE's own row is empty: it never talks to itself over the network.
type Table struct {
	self    uint32
	numPEs  uint32
	perPeer uint32
	entries []*QueuePair
}

// NewTable creates an empty table for self in a job of numPEs PEs with
// perPeer queue pairs to every other PE.
func NewTable(self, numPEs, perPeer uint32) (*Table, error) {
	if numPEs == 0 || perPeer == 0 {
		return nil, fmt.Errorf("queue pair table needs at least one PE and one qp per peer (pes=%d, qps=%d)", numPEs, perPeer)
	}
	if self >= numPEs {
		return nil, fmt.Errorf("PE %d outside job of %d PEs", self, numPEs)
	}
	return &Table{
		self:    self,
		numPEs:  numPEs,
		perPeer: perPeer,
		entries: make([]*QueuePair, numPEs*perPeer),
	}, nil
}

// Set installs the context for (qp.Peer, qp.Index) after validating it.
func (t *Table) Set(qp *QueuePair) error {
	if qp.Peer == t.self {
		return fmt.Errorf("%w: PE %d cannot hold a queue pair to itself", ErrInvalidQueuePair, t.self)
	}
	if qp.Peer >= t.numPEs || qp.Index >= t.perPeer {
		return fmt.Errorf("%w: peer %d qp %d", ErrUnknownQueuePair, qp.Peer, qp.Index)
	}
	if err := qp.Validate(); err != nil {
		return fmt.Errorf("peer %d qp %d: %w", qp.Peer, qp.Index, err)
	}
	t.entries[qp.Peer*t.perPeer+qp.Index] = qp
	return nil
}

// Get returns the context for (peer, qp).
func (t *Table) Get(peer, qp uint32) (*QueuePair, error) {
	if peer >= t.numPEs || qp >= t.perPeer {
		return nil, fmt.Errorf("%w: peer %d qp %d", ErrUnknownQueuePair, peer, qp)
	}
	entry := t.entries[peer*t.perPeer+qp]
	if entry == nil {
		return nil, fmt.Errorf("%w: peer %d qp %d not connected", ErrUnknownQueuePair, peer, qp)
	}
	return entry, nil
}

// Self returns the PE that owns the table.
func (t *Table) Self() uint32 { return t.self }

// NumPEs returns the number of PEs in the job.
func (t *Table) NumPEs() uint32 { return t.numPEs }

// PerPeer returns the number of queue pairs to each peer.
func (t *Table) PerPeer() uint32 { return t.perPeer }

// QueuePairs returns every installed context in (peer, qp) order.
func (t *Table) QueuePairs() []*QueuePair {
	out := make([]*QueuePair, 0, len(t.entries))
	for _, qp := range t.entries {
		if qp != nil {
			out = append(out, qp)
		}
	}
	return out
}

// Describe renders the table for debug logging.
func (t *Table) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PE %d: %d PEs, %d qp per peer\n", t.self, t.numPEs, t.perPeer)
	for _, qp := range t.QueuePairs() {
		b.WriteString("  ")
		b.WriteString(qp.String())
		b.WriteByte('\n')
	}
	return b.String()
}
