package region

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	registry := NewRegistry()

	heap0, err := registry.Register(0, 0x1000, 0x1000, AccessAll)
	require.NoError(t, err, "Failed to register PE 0 heap")
	heap1, err := registry.Register(1, 0x4000, 0x1000, AccessAll)
	require.NoError(t, err, "Failed to register PE 1 heap")

	assert.NotEqual(t, heap0.LKey, heap1.LKey, "keys are unique")
	assert.NotEqual(t, heap0.LKey, heap0.RKey, "local and remote keys differ")

	got, err := registry.LookupLocal(heap0.LKey)
	require.NoError(t, err)
	assert.Equal(t, heap0, got)

	got, err = registry.LookupRemote(heap1.RKey)
	require.NoError(t, err)
	assert.Equal(t, heap1, got)

	_, err = registry.LookupRemote(heap1.LKey)
	assert.ErrorIs(t, err, ErrNotRegistered, "local key is not a remote key")
}

func TestRegistryResolve(t *testing.T) {
	registry := NewRegistry()
	low, err := registry.Register(2, 0x1000, 0x100, AccessAll)
	require.NoError(t, err)
	high, err := registry.Register(2, 0x3000, 0x100, AccessRemoteRead)
	require.NoError(t, err)

	tests := []struct {
		name string
		addr uint64
		n    uint64
		want Region
		err  error
	}{
		{name: "start of low", addr: 0x1000, n: 8, want: low},
		{name: "end of low", addr: 0x10f8, n: 8, want: low},
		{name: "high region", addr: 0x3010, n: 0x10, want: high},
		{name: "straddles end", addr: 0x10f8, n: 16, err: ErrNotRegistered},
		{name: "gap", addr: 0x2000, n: 1, err: ErrNotRegistered},
		{name: "below all", addr: 0x10, n: 1, err: ErrNotRegistered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := registry.Resolve(2, tt.addr, tt.n)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = registry.Resolve(3, 0x1000, 1)
	assert.ErrorIs(t, err, ErrNotRegistered, "other PEs have nothing registered")
}

func TestRegistryRejectsOverlapAndZeroSize(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Register(0, 0x1000, 0x100, AccessAll)
	require.NoError(t, err)

	_, err = registry.Register(0, 0x10f0, 0x100, AccessAll)
	assert.Error(t, err, "overlapping range on the same PE")

	_, err = registry.Register(1, 0x10f0, 0x100, AccessAll)
	assert.NoError(t, err, "same range on another PE is fine")

	_, err = registry.Register(0, 0x9000, 0, AccessAll)
	assert.Error(t, err)
}

func TestRegistryDeregister(t *testing.T) {
	registry := NewRegistry()
	reg, err := registry.Register(0, 0x1000, 0x100, AccessAll)
	require.NoError(t, err)

	require.NoError(t, registry.Deregister(reg.LKey))
	_, err = registry.Resolve(0, 0x1000, 1)
	assert.ErrorIs(t, err, ErrNotRegistered)
	_, err = registry.LookupRemote(reg.RKey)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.ErrorIs(t, registry.Deregister(reg.LKey), ErrNotRegistered)
}

func TestRegionCheck(t *testing.T) {
	reg := Region{PE: 1, Addr: 0x1000, Size: 0x10, Access: AccessRemoteRead}
	assert.NoError(t, reg.Check(AccessRemoteRead))
	err := reg.Check(AccessRemoteWrite)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Contains(t, err.Error(), "remote_read")
	assert.Equal(t, "local_write|remote_read|remote_write", AccessAll.String())
	assert.Equal(t, "none", Access(0).String())
}

func TestRegistryConcurrentResolve(t *testing.T) {
	registry := NewRegistry()
	for pe := 0; pe < 4; pe++ {
		_, err := registry.Register(pe, uint64(pe+1)*0x10000, 0x1000, AccessAll)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for pe := 0; pe < 4; pe++ {
		wg.Add(1)
		go func(pe int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				reg, err := registry.Resolve(pe, uint64(pe+1)*0x10000+uint64(i), 1)
				assert.NoError(t, err)
				assert.Equal(t, pe, reg.PE)
			}
		}(pe)
	}
	wg.Wait()
}
