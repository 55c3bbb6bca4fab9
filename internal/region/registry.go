// Package region keeps the registered memory regions of every PE and hands out
// the local and remote keys that work entries carry.
package region

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNotRegistered is returned when no region covers an address range or key.
	ErrNotRegistered = errors.New("memory region not registered")
	// ErrAccessDenied is returned when a region lacks the requested access.
	ErrAccessDenied = errors.New("memory region access denied")
)

// Access is a bit set of permitted operations on a region.
type Access uint8

const (
	AccessLocalWrite Access = 1 << iota
	AccessRemoteRead
	AccessRemoteWrite

	AccessAll = AccessLocalWrite | AccessRemoteRead | AccessRemoteWrite
)

func (a Access) String() string {
	var parts []string
	if a&AccessLocalWrite != 0 {
		parts = append(parts, "local_write")
	}
	if a&AccessRemoteRead != 0 {
		parts = append(parts, "remote_read")
	}
	if a&AccessRemoteWrite != 0 {
		parts = append(parts, "remote_write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Region is one registered range of a PE's memory.
type Region struct {
	PE     int
	Addr   uint64
	Size   uint64
	LKey   uint32
	RKey   uint32
	Access Access
}

// Contains reports whether [addr, addr+n) lies inside the region.
func (r Region) Contains(addr, n uint64) bool {
	return addr >= r.Addr && n <= r.Size && addr-r.Addr <= r.Size-n
}

// Check returns ErrAccessDenied unless the region grants every bit in want.
func (r Region) Check(want Access) error {
	if r.Access&want != want {
		return fmt.Errorf("%w: region 0x%x on PE %d grants %s, need %s", ErrAccessDenied, r.Addr, r.PE, r.Access, want)
	}
	return nil
}

const remoteKeyBit = 0x8000_0000

// Registry maps addresses and keys to regions. It is safe for concurrent use
// and optimised for lookups; registration happens at bring-up.
type Registry struct {
	mu      sync.RWMutex
	byPE    map[int][]Region // sorted by Addr
	byLKey  map[uint32]Region
	byRKey  map[uint32]Region
	nextKey uint32
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byPE:   make(map[int][]Region),
		byLKey: make(map[uint32]Region),
		byRKey: make(map[uint32]Region),
	}
}

// Register records [addr, addr+size) of PE pe and assigns its keys.
func (r *Registry) Register(pe int, addr, size uint64, access Access) (Region, error) {
	if size == 0 {
		return Region{}, fmt.Errorf("register region on PE %d: zero size", pe)
	}
	if addr+size < addr {
		return Region{}, fmt.Errorf("register region on PE %d: range 0x%x+%d wraps", pe, addr, size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byPE[pe] {
		if addr < existing.Addr+existing.Size && existing.Addr < addr+size {
			return Region{}, fmt.Errorf("register region on PE %d: [0x%x, 0x%x) overlaps [0x%x, 0x%x)",
				pe, addr, addr+size, existing.Addr, existing.Addr+existing.Size)
		}
	}

	r.nextKey++
	reg := Region{
		PE:     pe,
		Addr:   addr,
		Size:   size,
		LKey:   r.nextKey,
		RKey:   r.nextKey | remoteKeyBit,
		Access: access,
	}
	regions := append(r.byPE[pe], reg)
	sort.Slice(regions, func(i, j int) bool { return regions[i].Addr < regions[j].Addr })
	r.byPE[pe] = regions
	r.byLKey[reg.LKey] = reg
	r.byRKey[reg.RKey] = reg

	log.Debug().
		Int("pe", pe).
		Str("addr", fmt.Sprintf("0x%x", addr)).
		Uint64("size", size).
		Str("lkey", fmt.Sprintf("0x%x", reg.LKey)).
		Str("rkey", fmt.Sprintf("0x%x", reg.RKey)).
		Str("access", access.String()).
		Msg("Registered memory region")
	return reg, nil
}

// Deregister removes the region identified by its local key.
func (r *Registry) Deregister(lkey uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byLKey[lkey]
	if !ok {
		return fmt.Errorf("%w: lkey 0x%x", ErrNotRegistered, lkey)
	}
	delete(r.byLKey, reg.LKey)
	delete(r.byRKey, reg.RKey)
	regions := r.byPE[reg.PE]
	for i := range regions {
		if regions[i].LKey == lkey {
			r.byPE[reg.PE] = append(regions[:i:i], regions[i+1:]...)
			break
		}
	}
	return nil
}

// LookupLocal finds a region by its local key.
func (r *Registry) LookupLocal(lkey uint32) (Region, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byLKey[lkey]
	if !ok {
		return Region{}, fmt.Errorf("%w: lkey 0x%x", ErrNotRegistered, lkey)
	}
	return reg, nil
}

// LookupRemote finds a region by its remote key.
func (r *Registry) LookupRemote(rkey uint32) (Region, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byRKey[rkey]
	if !ok {
		return Region{}, fmt.Errorf("%w: rkey 0x%x", ErrNotRegistered, rkey)
	}
	return reg, nil
}

// Resolve finds the region of PE pe that covers [addr, addr+n).
func (r *Registry) Resolve(pe int, addr, n uint64) (Region, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regions := r.byPE[pe]
	// Last region starting at or below addr.
	i := sort.Search(len(regions), func(i int) bool { return regions[i].Addr > addr }) - 1
	if i >= 0 && regions[i].Contains(addr, n) {
		return regions[i], nil
	}
	return Region{}, fmt.Errorf("%w: PE %d range [0x%x, +%d)", ErrNotRegistered, pe, addr, n)
}

// Regions returns a copy of the regions registered for pe in address order.
func (r *Registry) Regions(pe int) []Region {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Region(nil), r.byPE[pe]...)
}
