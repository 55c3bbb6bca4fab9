package rdma

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rshmem/internal/wire"
)

// PostWrite queues a write of length bytes from local (this PE) to remote
// (memory of peer). Completion is only guaranteed after Quiet or Poll.
func (e *Engine) PostWrite(ctx context.Context, peer, qp uint32, local, remote uint64, length uint32) error {
	return e.Post(ctx, peer, qp, wire.OpWrite, local, remote, length)
}

// PostRead queues a read of length bytes from remote (memory of peer) into
// local (this PE).
func (e *Engine) PostRead(ctx context.Context, peer, qp uint32, local, remote uint64, length uint32) error {
	return e.Post(ctx, peer, qp, wire.OpRead, local, remote, length)
}

// Post builds a work entry for op and hands it to the NIC.
//
// The entry body is written first and the control word carrying the owner bit
// last, behind a barrier, so the NIC never sees a half-written entry. Post
// does not report completion status; a failed completion found while making
// room is kept and returned by the next Poll or Quiet on the queue pair.
func (e *Engine) Post(ctx context.Context, peer, qp uint32, op wire.Opcode, local, remote uint64, length uint32) error {
	pair, err := e.lookup(peer, qp)
	if err != nil {
		return err
	}
	if !op.Valid() {
		return fmt.Errorf("post to peer %d qp %d: invalid opcode %s", peer, qp, op)
	}
	if length > e.opts.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes to peer %d qp %d (limit %d)", ErrMessageTooLarge, length, peer, qp, e.opts.MaxMessageSize)
	}

	remoteRegion, err := e.regions.Resolve(int(peer), remote, uint64(length))
	if err != nil {
		return fmt.Errorf("post to peer %d qp %d: remote range: %w", peer, qp, err)
	}
	localRegion, err := e.regions.Resolve(int(e.table.Self()), local, uint64(length))
	if err != nil {
		return fmt.Errorf("post to peer %d qp %d: local range: %w", peer, qp, err)
	}

	sq := &pair.SQ
	head := e.load32(sq.HeadAddr)
	if err := e.reserve(ctx, pair, head); err != nil {
		return err
	}

	entry := wire.WorkEntry{
		Opcode:     op,
		Owner:      OwnerFor(head, sq.Depth),
		Signaled:   true,
		Length:     length,
		SGECount:   1,
		RemoteKey:  remoteRegion.RKey,
		RemoteAddr: remote,
		SGE: wire.ScatterGather{
			Length:    length,
			LocalKey:  localRegion.LKey,
			LocalAddr: local,
		},
	}
	var buf [wire.WorkEntrySize]byte
	if err := entry.Encode(buf[:]); err != nil {
		return err
	}

	slot := sq.Slot(head)
	if err := e.mem.WriteAt(buf[wire.ControlWordSize:], slot+wire.ControlWordSize); err != nil {
		return fmt.Errorf("write work entry for peer %d qp %d: %w", peer, qp, err)
	}
	e.mem.Barrier()
	e.mem.Store32(slot, binary.LittleEndian.Uint32(buf[:wire.ControlWordSize]))
	e.mem.Flush(slot, wire.WorkEntrySize)
	e.mem.Barrier()

	head++
	e.ringSendDoorbell(sq, head)
	e.store32(sq.HeadAddr, head)

	e.metrics.WorkPosted(peer, qp, op, length)
	log.Trace().
		Uint32("peer", peer).
		Uint32("qp", qp).
		Str("op", op.String()).
		Uint32("head", head).
		Str("local", fmt.Sprintf("0x%x", local)).
		Str("remote", fmt.Sprintf("0x%x", remote)).
		Uint32("length", length).
		Msg("Posted work entry")
	return nil
}

func (e *Engine) ringSendDoorbell(sq *WorkQueue, head uint32) {
	switch sq.DoorbellMode {
	case wire.DoorbellSoftware:
		e.mem.Store32(sq.DoorbellAddr, wire.SoftwareSQDoorbell(head))
	case wire.DoorbellHardware:
		e.mem.Store64(sq.DoorbellAddr, wire.SQDoorbell(sq.WQN, head, sq.ServiceLevel))
	}
}
