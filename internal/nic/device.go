// Package nic is a loopback model of a RoCE NIC. It owns the device side of
// every queue pair: it consumes work entries after a doorbell, moves data
// between registered regions of the shared address space and publishes
// completion entries with the owner-bit protocol.
package nic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/rshmem/internal/devmem"
	"github.com/yuuki/rshmem/internal/rdma"
	"github.com/yuuki/rshmem/internal/region"
	"github.com/yuuki/rshmem/internal/wire"
)

const (
	doorbellRegisterSize = 16
	sqDoorbellOffset     = 0
	cqDoorbellOffset     = 8
	counterBlockSize     = 16
)

// QueueConfig sizes the rings of a new queue pair.
type QueueConfig struct {
	Depth               uint32
	WorkEntrySize       uint32
	CompletionEntrySize uint32
	DoorbellMode        wire.DoorbellMode
	ServiceLevel        uint8
}

// DefaultQueueConfig returns a 1024-deep ring with hardware doorbells.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Depth:               1024,
		WorkEntrySize:       wire.WorkEntrySize,
		CompletionEntrySize: wire.CompletionEntrySize,
		DoorbellMode:        wire.DoorbellHardware,
	}
}

// Fault describes a work entry about to be executed.
type Fault struct {
	Initiator uint32
	Peer      uint32
	QP        uint32
	Index     uint32
	Entry     wire.WorkEntry
}

// FaultInjector may override the completion status of an entry. Returning
// false lets the entry execute normally.
type FaultInjector func(f Fault) (rdma.Status, bool)

// Stats counts device activity.
type Stats struct {
	Executed   uint64
	Failed     uint64
	BytesMoved uint64
}

// Device is the loopback NIC shared by every PE of a cluster.
type Device struct {
	space   *devmem.Space
	regions *region.Registry

	mu       sync.Mutex
	bindings []*binding
	work     *queue.Queue
	faults   FaultInjector
	stalled  bool
	nextQN   uint32

	wake    chan struct{}
	done    chan struct{}
	running bool
	wg      sync.WaitGroup

	executed   atomic.Uint64
	failed     atomic.Uint64
	bytesMoved atomic.Uint64
}

// binding is the device-side state of one queue pair.
type binding struct {
	initiator uint32
	qp        *rdma.QueuePair

	// Owned by the worker goroutine.
	consumer uint32
	produced uint32

	cqConsumer atomic.Uint32
	queued     bool
}

// New creates a device over space that checks keys against regions.
func New(space *devmem.Space, regions *region.Registry) *Device {
	return &Device{
		space:   space,
		regions: regions,
		work:    queue.New(),
		nextQN:  1,
		wake:    make(chan struct{}, 1),
	}
}

// CreateQueuePair maps the rings, counters and doorbell registers of a queue
// pair from initiator to peer and binds it to the device.
func (d *Device) CreateQueuePair(initiator, peer, index uint32, cfg QueueConfig) (*rdma.QueuePair, error) {
	d.mu.Lock()
	qn := d.nextQN
	d.nextQN += 2
	d.mu.Unlock()

	name := fmt.Sprintf("pe%d-peer%d-qp%d", initiator, peer, index)
	sqBuf, err := d.space.Map(name+"-sq", uint64(cfg.Depth)*uint64(cfg.WorkEntrySize))
	if err != nil {
		return nil, fmt.Errorf("map send queue %s: %w", name, err)
	}
	cqBuf, err := d.space.Map(name+"-cq", uint64(cfg.Depth)*uint64(cfg.CompletionEntrySize))
	if err != nil {
		return nil, fmt.Errorf("map completion queue %s: %w", name, err)
	}
	counters, err := d.space.Map(name+"-counters", counterBlockSize)
	if err != nil {
		return nil, fmt.Errorf("map counters %s: %w", name, err)
	}

	b := &binding{initiator: initiator}
	doorbells, err := d.space.MapRegister(name+"-doorbells", doorbellRegisterSize, func(off, v uint64, width int) {
		d.onDoorbell(b, off, v)
	})
	if err != nil {
		return nil, fmt.Errorf("map doorbells %s: %w", name, err)
	}

	b.qp = &rdma.QueuePair{
		Peer:  peer,
		Index: index,
		SQ: rdma.WorkQueue{
			WQN:          qn,
			BufAddr:      sqBuf.Base,
			EntrySize:    cfg.WorkEntrySize,
			Depth:        cfg.Depth,
			HeadAddr:     counters.Base,
			TailAddr:     counters.Base + 4,
			DoorbellMode: cfg.DoorbellMode,
			DoorbellAddr: doorbells.Base + sqDoorbellOffset,
			ServiceLevel: cfg.ServiceLevel,
		},
		CQ: rdma.CompletionQueue{
			CQN:          qn + 1,
			BufAddr:      cqBuf.Base,
			EntrySize:    cfg.CompletionEntrySize,
			Depth:        cfg.Depth,
			HeadAddr:     counters.Base + 8,
			TailAddr:     counters.Base + 12,
			DoorbellMode: cfg.DoorbellMode,
			DoorbellAddr: doorbells.Base + cqDoorbellOffset,
		},
	}
	if err := b.qp.Validate(); err != nil {
		return nil, fmt.Errorf("queue pair %s: %w", name, err)
	}

	d.mu.Lock()
	d.bindings = append(d.bindings, b)
	d.mu.Unlock()

	log.Debug().
		Uint32("initiator", initiator).
		Uint32("peer", peer).
		Uint32("qp", index).
		Str("wqn", fmt.Sprintf("0x%x", qn)).
		Uint32("depth", cfg.Depth).
		Str("doorbell", cfg.DoorbellMode.String()).
		Msg("Created loopback queue pair")
	return b.qp, nil
}

// SetFaultInjector installs fn, or removes the injector when fn is nil.
func (d *Device) SetFaultInjector(fn FaultInjector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = fn
}

// Stall stops the device from executing entries until Resume. Doorbells
// are still accepted.
func (d *Device) Stall() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stalled = true
}

// Resume restarts a stalled device and reprocesses every queue pair.
func (d *Device) Resume() {
	d.mu.Lock()
	d.stalled = false
	for _, b := range d.bindings {
		d.enqueueLocked(b)
	}
	d.mu.Unlock()
	d.signal()
}

// Stats returns the device counters.
func (d *Device) Stats() Stats {
	return Stats{
		Executed:   d.executed.Load(),
		Failed:     d.failed.Load(),
		BytesMoved: d.bytesMoved.Load(),
	}
}

// Start launches the worker goroutine.
func (d *Device) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.done = make(chan struct{})
	d.wg.Add(1)
	go d.run(d.done)
	log.Debug().Int("queue_pairs", len(d.bindings)).Msg("Started loopback NIC")
}

// Stop halts the worker goroutine and waits for it to exit.
func (d *Device) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.done)
	d.mu.Unlock()
	d.wg.Wait()
	log.Debug().Msg("Stopped loopback NIC")
}

func (d *Device) onDoorbell(b *binding, off, v uint64) {
	if off == cqDoorbellOffset {
		var ci uint32
		if b.qp.CQ.DoorbellMode == wire.DoorbellHardware {
			_, _, ci, _ = wire.DecodeCQDoorbell(v)
		} else {
			ci = uint32(v) & 0xFFFFFF
		}
		b.cqConsumer.Store(ci)
	}
	d.mu.Lock()
	d.enqueueLocked(b)
	d.mu.Unlock()
	d.signal()
}

func (d *Device) enqueueLocked(b *binding) {
	if !b.queued {
		b.queued = true
		d.work.Add(b)
	}
}

func (d *Device) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Device) next() *binding {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stalled || d.work.Length() == 0 {
		return nil
	}
	b := d.work.Remove().(*binding)
	b.queued = false
	return b
}

func (d *Device) run(done <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-d.wake:
		}
		for b := d.next(); b != nil; b = d.next() {
			d.service(b)
			select {
			case <-done:
				return
			default:
			}
		}
	}
}

func (d *Device) isStalled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stalled
}

// service executes the entries between the device consumer index and the
// producer index last written to the send queue doorbell.
func (d *Device) service(b *binding) {
	for d.pendingEntries(b) > 0 {
		if d.isStalled() {
			return
		}
		outstanding := (b.produced - b.cqConsumer.Load()) & 0xFFFFFF
		if outstanding >= b.qp.CQ.Depth {
			// Completion queue full; the next completion doorbell requeues us.
			return
		}
		d.execute(b)
	}
}

func (d *Device) pendingEntries(b *binding) uint32 {
	sq := &b.qp.SQ
	if sq.DoorbellMode == wire.DoorbellHardware {
		_, _, pi, _ := wire.DecodeSQDoorbell(d.space.Load64(sq.DoorbellAddr))
		return uint32(pi - uint16(b.consumer))
	}
	return d.space.Load32(sq.DoorbellAddr) - b.consumer
}

func (d *Device) execute(b *binding) {
	idx := b.consumer
	b.consumer++
	sq := &b.qp.SQ

	slot := sq.Slot(idx)
	buf := make([]byte, wire.WorkEntrySize)
	header := d.space.Load32(slot)
	if err := d.space.ReadAt(buf[wire.ControlWordSize:], slot+wire.ControlWordSize); err != nil {
		d.complete(b, idx, rdma.StatusLocalQPOperation, 0)
		return
	}
	binary.LittleEndian.PutUint32(buf, header)
	entry, err := wire.DecodeWorkEntry(buf)
	if err != nil {
		d.complete(b, idx, rdma.StatusLocalQPOperation, 0)
		return
	}

	status := rdma.StatusSuccess
	var moved uint32
	if entry.Owner != rdma.OwnerFor(idx, sq.Depth) {
		status = rdma.StatusLocalQPOperation
	} else if injected, ok := d.inject(b, idx, entry); ok {
		status = injected
	} else {
		status, moved = d.transfer(b, entry)
	}

	d.executed.Add(1)
	if status != rdma.StatusSuccess {
		d.failed.Add(1)
		log.Debug().
			Uint32("initiator", b.initiator).
			Uint32("peer", b.qp.Peer).
			Uint32("qp", b.qp.Index).
			Uint32("index", idx).
			Str("op", entry.Opcode.String()).
			Str("status", status.String()).
			Msg("Work entry failed on device")
	}
	if entry.Signaled || status != rdma.StatusSuccess {
		d.complete(b, idx, status, moved)
	}
}

func (d *Device) inject(b *binding, idx uint32, entry wire.WorkEntry) (rdma.Status, bool) {
	d.mu.Lock()
	fn := d.faults
	d.mu.Unlock()
	if fn == nil {
		return 0, false
	}
	return fn(Fault{Initiator: b.initiator, Peer: b.qp.Peer, QP: b.qp.Index, Index: idx, Entry: entry})
}

// transfer moves the payload of entry and returns its completion status.
func (d *Device) transfer(b *binding, entry wire.WorkEntry) (rdma.Status, uint32) {
	if entry.SGECount != 1 || entry.SGE.Length != entry.Length {
		return rdma.StatusLocalLength, 0
	}

	var remoteAccess, localAccess region.Access
	switch entry.Opcode {
	case wire.OpWrite, wire.OpWriteWithImmediate:
		remoteAccess = region.AccessRemoteWrite
	case wire.OpRead:
		remoteAccess, localAccess = region.AccessRemoteRead, region.AccessLocalWrite
	case wire.OpSend, wire.OpSendWithImmediate, wire.OpSendWithInvalidate:
		// No receive queues on this device.
		return rdma.StatusRemoteInvalidRequest, 0
	default:
		return rdma.StatusLocalQPOperation, 0
	}

	n := uint64(entry.Length)
	local, err := d.regions.LookupLocal(entry.SGE.LocalKey)
	if err != nil || local.PE != int(b.initiator) || !local.Contains(entry.SGE.LocalAddr, n) || local.Check(localAccess) != nil {
		return rdma.StatusLocalProtection, 0
	}
	remote, err := d.regions.LookupRemote(entry.RemoteKey)
	if err != nil || remote.PE != int(b.qp.Peer) || !remote.Contains(entry.RemoteAddr, n) || remote.Check(remoteAccess) != nil {
		return rdma.StatusRemoteAccess, 0
	}

	dst, src := entry.RemoteAddr, entry.SGE.LocalAddr
	if entry.Opcode == wire.OpRead {
		dst, src = src, dst
	}
	if err := d.space.Copy(dst, src, n); err != nil {
		if errors.Is(err, devmem.ErrUnmapped) {
			return rdma.StatusLocalProtection, 0
		}
		return rdma.StatusLocalQPOperation, 0
	}
	d.bytesMoved.Add(n)
	return rdma.StatusSuccess, entry.Length
}

// complete publishes a completion entry, owner word last.
func (d *Device) complete(b *binding, idx uint32, status rdma.Status, moved uint32) {
	cq := &b.qp.CQ
	pos := b.produced
	entry := wire.CompletionEntry{
		Owner:       rdma.OwnerFor(pos, cq.Depth),
		Status:      uint8(status),
		QueueNumber: b.qp.SQ.WQN,
		ByteCount:   moved,
	}
	buf := make([]byte, wire.CompletionEntrySize)
	_ = entry.Encode(buf)

	slot := cq.Slot(pos)
	if err := d.space.WriteAt(buf[wire.ControlWordSize:], slot+wire.ControlWordSize); err != nil {
		log.Error().Err(err).Uint32("index", idx).Msg("Failed to write completion entry")
		return
	}
	d.space.Barrier()
	d.space.Store32(slot, entry.Header())
	b.produced++
	d.space.Store32(cq.HeadAddr, b.produced)
}
