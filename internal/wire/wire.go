// Package wire encodes and decodes the ring formats shared with the NIC: work
// entries with their scatter/gather element, completion entries, and the send
// and completion queue doorbell words. All multi-byte fields are little-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// WorkEntryHeaderSize is the size of the work entry without its SGE.
	WorkEntryHeaderSize = 32
	// SGESize is the size of one scatter/gather element.
	SGESize = 16
	// WorkEntrySize is the size of a work entry carrying one SGE.
	WorkEntrySize = WorkEntryHeaderSize + SGESize
	// CompletionEntrySize is the size of a completion entry.
	CompletionEntrySize = 32

	// ControlWordSize is the leading word that must be published last.
	ControlWordSize = 4

	// CompletionQueueNumberOffset locates the 24-bit originating queue number.
	CompletionQueueNumberOffset = 12
)

const (
	ctrlOpcodeMask  = 0x1F
	ctrlOwnerBit    = 1 << 7
	ctrlSignaledBit = 1 << 8
	sgeCountShift   = 24
	sgeIndexMask    = 0xFFFFFF
	cqeOwnerBit     = 1 << 7
	cqeStatusShift  = 8
	queueNumberMask = 0xFFFFFF
)

// ErrShortBuffer is returned when a buffer cannot hold a full entry.
var ErrShortBuffer = errors.New("wire: buffer too short")

// Opcode is the operation carried by a work entry.
type Opcode uint8

const (
	OpSend Opcode = iota
	OpSendWithInvalidate
	OpSendWithImmediate
	OpWrite
	OpWriteWithImmediate
	OpRead
)

func (o Opcode) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpSendWithInvalidate:
		return "send_with_inv"
	case OpSendWithImmediate:
		return "send_with_imm"
	case OpWrite:
		return "write"
	case OpWriteWithImmediate:
		return "write_with_imm"
	case OpRead:
		return "read"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

// Valid reports whether o is one of the known opcodes.
func (o Opcode) Valid() bool { return o <= OpRead }

// ScatterGather describes the local side of a transfer.
type ScatterGather struct {
	Length    uint32
	LocalKey  uint32
	LocalAddr uint64
}

// WorkEntry is a decoded send queue entry.
type WorkEntry struct {
	Opcode     Opcode
	Owner      bool
	Signaled   bool
	Length     uint32
	Immediate  uint32
	SGECount   uint8
	SGEIndex   uint32
	RemoteKey  uint32
	RemoteAddr uint64
	SGE        ScatterGather
}

// Control returns the leading control word.
func (w *WorkEntry) Control() uint32 {
	v := uint32(w.Opcode) & ctrlOpcodeMask
	if w.Owner {
		v |= ctrlOwnerBit
	}
	if w.Signaled {
		v |= ctrlSignaledBit
	}
	return v
}

// DecodeControl splits a work entry control word.
func DecodeControl(v uint32) (op Opcode, owner, signaled bool) {
	return Opcode(v & ctrlOpcodeMask), v&ctrlOwnerBit != 0, v&ctrlSignaledBit != 0
}

// Encode writes the entry into b, control word included.
func (w *WorkEntry) Encode(b []byte) error {
	if len(b) < WorkEntrySize {
		return fmt.Errorf("%w: work entry needs %d bytes, have %d", ErrShortBuffer, WorkEntrySize, len(b))
	}
	le := binary.LittleEndian
	le.PutUint32(b[0:], w.Control())
	le.PutUint32(b[4:], w.Length)
	le.PutUint32(b[8:], w.Immediate)
	le.PutUint32(b[12:], uint32(w.SGECount)<<sgeCountShift)
	le.PutUint32(b[16:], w.SGEIndex&sgeIndexMask)
	le.PutUint32(b[20:], w.RemoteKey)
	le.PutUint64(b[24:], w.RemoteAddr)
	le.PutUint32(b[32:], w.SGE.Length)
	le.PutUint32(b[36:], w.SGE.LocalKey)
	le.PutUint64(b[40:], w.SGE.LocalAddr)
	return nil
}

// DecodeWorkEntry parses a work entry from b.
func DecodeWorkEntry(b []byte) (WorkEntry, error) {
	if len(b) < WorkEntrySize {
		return WorkEntry{}, fmt.Errorf("%w: work entry needs %d bytes, have %d", ErrShortBuffer, WorkEntrySize, len(b))
	}
	le := binary.LittleEndian
	var w WorkEntry
	w.Opcode, w.Owner, w.Signaled = DecodeControl(le.Uint32(b[0:]))
	w.Length = le.Uint32(b[4:])
	w.Immediate = le.Uint32(b[8:])
	w.SGECount = uint8(le.Uint32(b[12:]) >> sgeCountShift)
	w.SGEIndex = le.Uint32(b[16:]) & sgeIndexMask
	w.RemoteKey = le.Uint32(b[20:])
	w.RemoteAddr = le.Uint64(b[24:])
	w.SGE.Length = le.Uint32(b[32:])
	w.SGE.LocalKey = le.Uint32(b[36:])
	w.SGE.LocalAddr = le.Uint64(b[40:])
	return w, nil
}

// CompletionEntry is a decoded completion queue entry.
type CompletionEntry struct {
	Owner       bool
	Status      uint8
	Immediate   uint32
	QueueNumber uint32
	ByteCount   uint32
}

// Header returns the leading word carrying the owner bit and status.
func (c *CompletionEntry) Header() uint32 {
	v := uint32(c.Status) << cqeStatusShift
	if c.Owner {
		v |= cqeOwnerBit
	}
	return v
}

// CompletionOwner extracts the owner bit from a completion header word.
func CompletionOwner(header uint32) bool { return header&cqeOwnerBit != 0 }

// CompletionStatus extracts the status byte from a completion header word.
func CompletionStatus(header uint32) uint8 { return uint8(header >> cqeStatusShift) }

// Encode writes the entry into b, header word included.
func (c *CompletionEntry) Encode(b []byte) error {
	if len(b) < CompletionEntrySize {
		return fmt.Errorf("%w: completion entry needs %d bytes, have %d", ErrShortBuffer, CompletionEntrySize, len(b))
	}
	clear(b[:CompletionEntrySize])
	le := binary.LittleEndian
	le.PutUint32(b[0:], c.Header())
	le.PutUint32(b[4:], c.Immediate)
	le.PutUint32(b[CompletionQueueNumberOffset:], c.QueueNumber&queueNumberMask)
	le.PutUint32(b[16:], c.ByteCount)
	return nil
}

// DecodeCompletionEntry parses a completion entry from b.
func DecodeCompletionEntry(b []byte) (CompletionEntry, error) {
	if len(b) < CompletionEntrySize {
		return CompletionEntry{}, fmt.Errorf("%w: completion entry needs %d bytes, have %d", ErrShortBuffer, CompletionEntrySize, len(b))
	}
	le := binary.LittleEndian
	header := le.Uint32(b[0:])
	return CompletionEntry{
		Owner:       CompletionOwner(header),
		Status:      CompletionStatus(header),
		Immediate:   le.Uint32(b[4:]),
		QueueNumber: le.Uint32(b[CompletionQueueNumberOffset:]) & queueNumberMask,
		ByteCount:   le.Uint32(b[16:]),
	}, nil
}
