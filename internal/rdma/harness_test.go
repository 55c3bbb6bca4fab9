package rdma

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rshmem/internal/devmem"
	"github.com/yuuki/rshmem/internal/region"
	"github.com/yuuki/rshmem/internal/wire"
)

const (
	testWQN = 0x51
	testCQN = 0x71
	testSL  = 2
)

// harness wires a single queue pair from PE 0 to PE 1 over a devmem.Space.
// Its doorbell hook completes every posted entry synchronously, like a NIC
// with zero latency, until drop is called.
type harness struct {
	t       *testing.T
	space   *devmem.Space
	regions *region.Registry
	table   *Table
	engine  *Engine
	qp      *QueuePair
	local   region.Region
	remote  region.Region

	mu       sync.Mutex
	produced uint32
	statuses map[uint32]Status
	dropAll  bool
	sqRings  []uint64
	cqRings  []uint64
}

func newHarness(t *testing.T, depth uint32, mode wire.DoorbellMode, opts Options) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		space:    devmem.NewSpace(0),
		regions:  region.NewRegistry(),
		statuses: make(map[uint32]Status),
	}

	sqBuf, err := h.space.Map("sq", uint64(depth)*wire.WorkEntrySize)
	require.NoError(t, err)
	cqBuf, err := h.space.Map("cq", uint64(depth)*wire.CompletionEntrySize)
	require.NoError(t, err)
	counters, err := h.space.Map("counters", 16)
	require.NoError(t, err)
	doorbells, err := h.space.MapRegister("doorbells", 16, h.onDoorbell)
	require.NoError(t, err)

	localHeap, err := h.space.Map("heap0", 4096)
	require.NoError(t, err)
	remoteHeap, err := h.space.Map("heap1", 4096)
	require.NoError(t, err)
	h.local, err = h.regions.Register(0, localHeap.Base, localHeap.Size, region.AccessAll)
	require.NoError(t, err)
	h.remote, err = h.regions.Register(1, remoteHeap.Base, remoteHeap.Size, region.AccessAll)
	require.NoError(t, err)

	h.qp = &QueuePair{
		Peer:  1,
		Index: 0,
		SQ: WorkQueue{
			WQN:          testWQN,
			BufAddr:      sqBuf.Base,
			EntrySize:    wire.WorkEntrySize,
			Depth:        depth,
			HeadAddr:     counters.Base,
			TailAddr:     counters.Base + 4,
			DoorbellMode: mode,
			DoorbellAddr: doorbells.Base,
			ServiceLevel: testSL,
		},
		CQ: CompletionQueue{
			CQN:          testCQN,
			BufAddr:      cqBuf.Base,
			EntrySize:    wire.CompletionEntrySize,
			Depth:        depth,
			HeadAddr:     counters.Base + 8,
			TailAddr:     counters.Base + 12,
			DoorbellMode: mode,
			DoorbellAddr: doorbells.Base + 8,
		},
	}

	h.table, err = NewTable(0, 2, 1)
	require.NoError(t, err)
	require.NoError(t, h.table.Set(h.qp))
	h.engine, err = NewEngine(h.table, h.space, h.regions, opts, nil)
	require.NoError(t, err)
	return h
}

func testOptions(slack uint32) Options {
	opts := DefaultOptions()
	opts.CreditSlack = slack
	opts.PollTimeout = time.Second
	opts.SpinIterations = 16
	return opts
}

func (h *harness) onDoorbell(off, v uint64, width int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if off == 8 {
		h.cqRings = append(h.cqRings, v)
		return
	}
	h.sqRings = append(h.sqRings, v)
	if h.dropAll {
		return
	}

	var reached func(idx uint32) bool
	if h.qp.SQ.DoorbellMode == wire.DoorbellHardware {
		_, _, pi, _ := wire.DecodeSQDoorbell(v)
		reached = func(idx uint32) bool { return uint16(idx) == pi }
	} else {
		head := uint32(v)
		reached = func(idx uint32) bool { return idx == head }
	}
	for !reached(h.produced) {
		h.writeCompletion(h.produced, h.statuses[h.produced])
		h.produced++
	}
}

func (h *harness) writeCompletion(idx uint32, status Status) {
	entry := wire.CompletionEntry{
		Owner:       OwnerFor(idx, h.qp.CQ.Depth),
		Status:      uint8(status),
		QueueNumber: h.qp.SQ.WQN,
		ByteCount:   64,
	}
	var buf [wire.CompletionEntrySize]byte
	require.NoError(h.t, entry.Encode(buf[:]))
	slot := h.qp.CQ.Slot(idx)
	require.NoError(h.t, h.space.WriteAt(buf[4:], slot+4))
	h.space.Store32(slot, entry.Header())
}

func (h *harness) failAt(idx uint32, status Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[idx] = status
}

func (h *harness) drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropAll = true
}

func (h *harness) lastSQRing() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.sqRings)
	return h.sqRings[len(h.sqRings)-1]
}

func (h *harness) lastCQRing() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.cqRings)
	return h.cqRings[len(h.cqRings)-1]
}

func (h *harness) word(addr uint64) uint32 { return h.space.Load32(addr) }

func (h *harness) sqHead() uint32 { return h.word(h.qp.SQ.HeadAddr) }
func (h *harness) sqTail() uint32 { return h.word(h.qp.SQ.TailAddr) }
func (h *harness) cqTail() uint32 { return h.word(h.qp.CQ.TailAddr) }

func (h *harness) entry(idx uint32) wire.WorkEntry {
	buf := make([]byte, wire.WorkEntrySize)
	require.NoError(h.t, h.space.ReadAt(buf, h.qp.SQ.Slot(idx)))
	entry, err := wire.DecodeWorkEntry(buf)
	require.NoError(h.t, err)
	return entry
}

// mockMetrics records transport events.
type mockMetrics struct {
	mock.Mock
}

func (m *mockMetrics) WorkPosted(peer, qp uint32, op wire.Opcode, bytes uint32) {
	m.Called(peer, qp, op, bytes)
}

func (m *mockMetrics) CompletionsDrained(peer, qp uint32, n uint32, elapsed time.Duration) {
	m.Called(peer, qp, n)
}

func (m *mockMetrics) CompletionFailed(peer, qp uint32, status Status) {
	m.Called(peer, qp, status)
}

func (m *mockMetrics) Backpressure(peer, qp uint32, occupancy uint32) {
	m.Called(peer, qp, occupancy)
}

func (m *mockMetrics) PollTimedOut(peer, qp uint32) {
	m.Called(peer, qp)
}
