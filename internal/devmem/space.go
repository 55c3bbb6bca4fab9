package devmem

import (
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// DefaultBase is where a Space starts handing out addresses. Zero stays
	// unmapped so that a zeroed context faults instead of aliasing a ring.
	DefaultBase uint64 = 0x1000_0000
	segmentAlign uint64 = 64
	guardGap     uint64 = 4096
)

var bigEndianHost = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 0
}()

// Segment is one contiguous mapping inside a Space.
type Segment struct {
	Name string
	Base uint64
	Size uint64

	words []uint64
	bytes []byte
	hook  StoreHook
}

// End returns the first address past the segment.
func (s *Segment) End() uint64 { return s.Base + s.Size }

// Contains reports whether [addr, addr+n) lies inside the segment.
func (s *Segment) Contains(addr, n uint64) bool {
	return addr >= s.Base && n <= s.Size && addr-s.Base <= s.Size-n
}

// Space is a simulated device address space made of non-overlapping segments.
// Lookups are lock-free; mapping takes a mutex and publishes a new segment list.
type Space struct {
	mu       sync.Mutex
	segments atomic.Pointer[[]*Segment]
	next     uint64

	refreshes atomic.Uint64
	flushes   atomic.Uint64
	barriers  atomic.Uint64
}

var _ Memory = (*Space)(nil)

// NewSpace creates an empty address space that allocates from base upward.
func NewSpace(base uint64) *Space {
	if base == 0 {
		base = DefaultBase
	}
	s := &Space{next: alignUp(base, segmentAlign)}
	empty := []*Segment{}
	s.segments.Store(&empty)
	return s
}

// Map allocates a zeroed segment of size bytes at the next free address.
func (s *Space) Map(name string, size uint64) (*Segment, error) {
	return s.mapSegment(name, 0, size, nil)
}

// MapAt maps a zeroed segment at a fixed base.
func (s *Space) MapAt(name string, base, size uint64) (*Segment, error) {
	if base == 0 || base%8 != 0 {
		return nil, fmt.Errorf("%w: base 0x%x for %s", ErrMisaligned, base, name)
	}
	return s.mapSegment(name, base, size, nil)
}

// MapRegister maps a register segment whose word stores are reported to hook
// after they land.
func (s *Space) MapRegister(name string, size uint64, hook StoreHook) (*Segment, error) {
	return s.mapSegment(name, 0, size, hook)
}

func (s *Space) mapSegment(name string, base, size uint64, hook StoreHook) (*Segment, error) {
	if size == 0 {
		return nil, fmt.Errorf("devmem: zero-sized segment %s", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if base == 0 {
		base = s.next
	}
	words := make([]uint64, (size+7)/8)
	seg := &Segment{
		Name:  name,
		Base:  base,
		Size:  size,
		words: words,
		bytes: unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size),
		hook:  hook,
	}

	current := *s.segments.Load()
	for _, other := range current {
		if seg.Base < other.End() && other.Base < seg.End() {
			return nil, fmt.Errorf("%w: %s [0x%x, 0x%x) and %s [0x%x, 0x%x)",
				ErrOverlap, name, seg.Base, seg.End(), other.Name, other.Base, other.End())
		}
	}

	updated := make([]*Segment, 0, len(current)+1)
	updated = append(updated, current...)
	updated = append(updated, seg)
	sort.Slice(updated, func(i, j int) bool { return updated[i].Base < updated[j].Base })
	s.segments.Store(&updated)

	if end := alignUp(seg.End()+guardGap, segmentAlign); end > s.next {
		s.next = end
	}
	return seg, nil
}

// Segment returns the segment containing [addr, addr+n).
func (s *Space) Segment(addr, n uint64) (*Segment, error) {
	segs := *s.segments.Load()
	i := sort.Search(len(segs), func(i int) bool { return segs[i].End() > addr })
	if i < len(segs) && segs[i].Contains(addr, n) {
		return segs[i], nil
	}
	return nil, fmt.Errorf("%w: [0x%x, +%d)", ErrUnmapped, addr, n)
}

func (s *Space) word(addr uint64, width uint64) (*Segment, unsafe.Pointer) {
	if addr%width != 0 {
		panic(fmt.Errorf("%w: %d-byte access at 0x%x", ErrMisaligned, width, addr))
	}
	seg, err := s.Segment(addr, width)
	if err != nil {
		panic(err)
	}
	return seg, unsafe.Pointer(&seg.bytes[addr-seg.Base])
}

// Load32 atomically loads the little-endian word at addr.
func (s *Space) Load32(addr uint64) uint32 {
	_, p := s.word(addr, 4)
	return fromLE32(atomic.LoadUint32((*uint32)(p)))
}

// Store32 atomically stores v as a little-endian word at addr.
func (s *Space) Store32(addr uint64, v uint32) {
	seg, p := s.word(addr, 4)
	atomic.StoreUint32((*uint32)(p), fromLE32(v))
	if seg.hook != nil {
		seg.hook(addr-seg.Base, uint64(v), 4)
	}
}

// Load64 atomically loads the little-endian double word at addr.
func (s *Space) Load64(addr uint64) uint64 {
	_, p := s.word(addr, 8)
	return fromLE64(atomic.LoadUint64((*uint64)(p)))
}

// Store64 atomically stores v as a little-endian double word at addr.
func (s *Space) Store64(addr uint64, v uint64) {
	seg, p := s.word(addr, 8)
	atomic.StoreUint64((*uint64)(p), fromLE64(v))
	if seg.hook != nil {
		seg.hook(addr-seg.Base, v, 8)
	}
}

// ReadAt copies len(p) bytes starting at addr into p.
func (s *Space) ReadAt(p []byte, addr uint64) error {
	seg, err := s.Segment(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	off := addr - seg.Base
	copy(p, seg.bytes[off:off+uint64(len(p))])
	return nil
}

// WriteAt copies p into memory starting at addr.
func (s *Space) WriteAt(p []byte, addr uint64) error {
	seg, err := s.Segment(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	off := addr - seg.Base
	copy(seg.bytes[off:off+uint64(len(p))], p)
	return nil
}

// Copy moves n bytes from src to dst. The ranges may live in different
// segments and may overlap.
func (s *Space) Copy(dst, src, n uint64) error {
	if n == 0 {
		return nil
	}
	from, err := s.Segment(src, n)
	if err != nil {
		return fmt.Errorf("copy source: %w", err)
	}
	to, err := s.Segment(dst, n)
	if err != nil {
		return fmt.Errorf("copy destination: %w", err)
	}
	copy(to.bytes[dst-to.Base:dst-to.Base+n], from.bytes[src-from.Base:src-from.Base+n])
	return nil
}

// Refresh is a no-op for host memory; it is counted so tests can check that
// readers refresh before every load.
func (s *Space) Refresh(addr, n uint64) { s.refreshes.Add(1) }

// Flush is a no-op for host memory; it is counted like Refresh.
func (s *Space) Flush(addr, n uint64) { s.flushes.Add(1) }

// Barrier issues a sequentially consistent atomic, which Go orders as a full fence.
func (s *Space) Barrier() { s.barriers.Add(1) }

// Stats returns the cache maintenance counters.
func (s *Space) Stats() Stats {
	return Stats{
		Refreshes: s.refreshes.Load(),
		Flushes:   s.flushes.Load(),
		Barriers:  s.barriers.Load(),
	}
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }

func fromLE32(v uint32) uint32 {
	if bigEndianHost {
		return bits.ReverseBytes32(v)
	}
	return v
}

func fromLE64(v uint64) uint64 {
	if bigEndianHost {
		return bits.ReverseBytes64(v)
	}
	return v
}
