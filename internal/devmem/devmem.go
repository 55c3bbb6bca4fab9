// Package devmem models the hardware-visible memory that the transport engine
// reads and writes: work and completion rings, head/tail counters, doorbell
// registers and the symmetric heaps they point into.
//
// Word accessors are little-endian and atomic so that a simulated device and
// the host side may touch the same words concurrently. Bulk transfers are plain
// copies; callers order them through the atomic words (owner bits, doorbells).
package devmem

import (
	"errors"
)

var (
	// ErrUnmapped is returned when an access falls outside every mapped segment.
	ErrUnmapped = errors.New("devmem: address not mapped")
	// ErrMisaligned is returned for word accesses that are not naturally aligned.
	ErrMisaligned = errors.New("devmem: misaligned word access")
	// ErrOverlap is returned when a new segment would overlap an existing one.
	ErrOverlap = errors.New("devmem: segment overlaps existing mapping")
)

// Memory is the view of device memory used by the transport engine.
//
// Word accessors panic on unmapped or misaligned addresses: queue contexts are
// validated once at bring-up, so a bad address on the hot path is a programming
// error. Bulk accessors return errors because their ranges come from callers.
type Memory interface {
	Load32(addr uint64) uint32
	Store32(addr uint64, v uint32)
	Load64(addr uint64) uint64
	Store64(addr uint64, v uint64)

	ReadAt(p []byte, addr uint64) error
	WriteAt(p []byte, addr uint64) error

	// Refresh discards any cached copy of [addr, addr+n) before a read.
	Refresh(addr, n uint64)
	// Flush writes back any cached copy of [addr, addr+n) to device memory.
	Flush(addr, n uint64)
	// Barrier orders all prior stores before all later stores.
	Barrier()
}

// StoreHook observes a word store into a register segment. off is relative to
// the segment base and width is 4 or 8.
type StoreHook func(off uint64, v uint64, width int)

// Stats counts cache maintenance operations issued against a Space.
type Stats struct {
	Refreshes uint64
	Flushes   uint64
	Barriers  uint64
}
