package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rshmem/internal/wire"
)

func validQueuePair(peer, index uint32) *QueuePair {
	return &QueuePair{
		Peer:  peer,
		Index: index,
		SQ: WorkQueue{
			WQN: 1, BufAddr: 0x1000, EntrySize: wire.WorkEntrySize, Depth: 64,
			HeadAddr: 0x2000, TailAddr: 0x2004,
			DoorbellMode: wire.DoorbellHardware, DoorbellAddr: 0x3000,
		},
		CQ: CompletionQueue{
			CQN: 2, BufAddr: 0x4000, EntrySize: wire.CompletionEntrySize, Depth: 64,
			HeadAddr: 0x2008, TailAddr: 0x200c,
			DoorbellMode: wire.DoorbellSoftware, DoorbellAddr: 0x3008,
		},
	}
}

func TestQueuePairValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(qp *QueuePair)
	}{
		{"sq depth not power of two", func(qp *QueuePair) { qp.SQ.Depth = 48 }},
		{"cq depth zero", func(qp *QueuePair) { qp.CQ.Depth = 0 }},
		{"cq smaller than sq", func(qp *QueuePair) { qp.CQ.Depth = 32 }},
		{"small work entry", func(qp *QueuePair) { qp.SQ.EntrySize = 32 }},
		{"unaligned completion entry", func(qp *QueuePair) { qp.CQ.EntrySize = 36 }},
		{"invalid doorbell mode", func(qp *QueuePair) { qp.SQ.DoorbellMode = wire.DoorbellInvalid }},
		{"missing tail", func(qp *QueuePair) { qp.CQ.TailAddr = 0 }},
		{"hardware doorbell ring past 16-bit index", func(qp *QueuePair) { qp.SQ.Depth = 1 << 17; qp.CQ.Depth = 1 << 17 }},
	}

	require.NoError(t, validQueuePair(1, 0).Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qp := validQueuePair(1, 0)
			tt.mutate(qp)
			assert.ErrorIs(t, qp.Validate(), ErrInvalidQueuePair)
		})
	}
}

func TestHardwareDoorbellDepthLimit(t *testing.T) {
	qp := validQueuePair(1, 0)
	qp.SQ.Depth = wire.MaxHardwareSQDepth
	qp.CQ.Depth = wire.MaxHardwareSQDepth
	require.NoError(t, qp.Validate())

	qp.SQ.DoorbellMode = wire.DoorbellSoftware
	qp.SQ.Depth, qp.CQ.Depth = 1<<17, 1<<17
	assert.NoError(t, qp.Validate(), "software doorbells carry the full 32-bit head")
}

func TestTableIndexing(t *testing.T) {
	table, err := NewTable(1, 3, 2)
	require.NoError(t, err)

	for _, peer := range []uint32{0, 2} {
		for idx := uint32(0); idx < 2; idx++ {
			require.NoError(t, table.Set(validQueuePair(peer, idx)))
		}
	}

	qp, err := table.Get(2, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), qp.Peer)
	assert.Equal(t, uint32(1), qp.Index)

	_, err = table.Get(1, 0)
	assert.ErrorIs(t, err, ErrUnknownQueuePair, "own row stays empty")
	_, err = table.Get(3, 0)
	assert.ErrorIs(t, err, ErrUnknownQueuePair)
	_, err = table.Get(0, 2)
	assert.ErrorIs(t, err, ErrUnknownQueuePair)

	assert.ErrorIs(t, table.Set(validQueuePair(1, 0)), ErrInvalidQueuePair)
	assert.ErrorIs(t, table.Set(validQueuePair(0, 5)), ErrUnknownQueuePair)

	pairs := table.QueuePairs()
	require.Len(t, pairs, 4)
	assert.Equal(t, uint32(0), pairs[0].Peer)
	assert.Equal(t, uint32(2), pairs[3].Peer)

	desc := table.Describe()
	assert.Contains(t, desc, "PE 1: 3 PEs, 2 qp per peer")
	assert.Contains(t, desc, "peer=2 qp=1 sq{wqn=0x1")
	assert.Contains(t, desc, "db=hardware@0x3000")
}

func TestNewTableValidation(t *testing.T) {
	_, err := NewTable(0, 0, 1)
	assert.Error(t, err)
	_, err = NewTable(0, 2, 0)
	assert.Error(t, err)
	_, err = NewTable(2, 2, 1)
	assert.Error(t, err)
}

func TestOwnerParity(t *testing.T) {
	const depth = 8
	for idx := uint32(0); idx < depth; idx++ {
		assert.True(t, OwnerFor(idx, depth), "epoch 0 index %d", idx)
		assert.False(t, OwnerFor(idx+depth, depth), "epoch 1 index %d", idx+depth)
		assert.True(t, OwnerFor(idx+2*depth, depth), "epoch 2 index %d", idx+2*depth)
	}
	last := ^uint32(0)
	assert.Equal(t, OwnerFor(0, depth), OwnerFor(last+1, depth), "wraparound of the 32-bit index")
	assert.False(t, OwnerFor(^uint32(0), depth), "last index before wraparound is in an odd epoch")
}

func TestSlotAddress(t *testing.T) {
	qp := validQueuePair(1, 0)
	assert.Equal(t, uint64(0x1000), qp.SQ.Slot(0))
	assert.Equal(t, uint64(0x1000+3*wire.WorkEntrySize), qp.SQ.Slot(64+3))
	assert.Equal(t, uint64(0x4000+63*wire.CompletionEntrySize), qp.CQ.Slot(127))
}
