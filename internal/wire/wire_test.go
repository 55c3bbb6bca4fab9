package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkEntryLayout(t *testing.T) {
	entry := WorkEntry{
		Opcode:     OpWrite,
		Owner:      true,
		Signaled:   true,
		Length:     4096,
		SGECount:   1,
		SGEIndex:   0,
		RemoteKey:  0x8000_0002,
		RemoteAddr: 0x1000_2000,
		SGE: ScatterGather{
			Length:    4096,
			LocalKey:  0x11,
			LocalAddr: 0x1000_0040,
		},
	}

	buf := make([]byte, WorkEntrySize)
	require.NoError(t, entry.Encode(buf))

	le := binary.LittleEndian
	assert.Equal(t, uint32(0x183), le.Uint32(buf[0:]), "opcode 3, owner bit 7, signaled bit 8")
	assert.Equal(t, uint32(4096), le.Uint32(buf[4:]))
	assert.Equal(t, uint32(0), le.Uint32(buf[8:]))
	assert.Equal(t, uint32(1<<24), le.Uint32(buf[12:]), "SGE count lives in the top byte")
	assert.Equal(t, uint32(0), le.Uint32(buf[16:]))
	assert.Equal(t, uint32(0x8000_0002), le.Uint32(buf[20:]))
	assert.Equal(t, uint64(0x1000_2000), le.Uint64(buf[24:]))
	assert.Equal(t, uint32(4096), le.Uint32(buf[32:]))
	assert.Equal(t, uint32(0x11), le.Uint32(buf[36:]))
	assert.Equal(t, uint64(0x1000_0040), le.Uint64(buf[40:]))

	decoded, err := DecodeWorkEntry(buf)
	require.NoError(t, err)
	assert.Equal(t, entry, decoded)
}

func TestWorkEntryOwnerClear(t *testing.T) {
	entry := WorkEntry{Opcode: OpRead, Signaled: true}
	op, owner, signaled := DecodeControl(entry.Control())
	assert.Equal(t, OpRead, op)
	assert.False(t, owner)
	assert.True(t, signaled)
	assert.Equal(t, uint32(0x105), entry.Control())
}

func TestCompletionEntryLayout(t *testing.T) {
	raw := make([]byte, CompletionEntrySize)
	for i := range raw {
		raw[i] = 0xAA
	}
	entry := CompletionEntry{Owner: true, Status: 10, QueueNumber: 0x1234_5678, ByteCount: 64}
	require.NoError(t, entry.Encode(raw))

	le := binary.LittleEndian
	assert.Equal(t, uint32(10<<8|1<<7), le.Uint32(raw[0:]))
	assert.Equal(t, uint32(0x34_5678), le.Uint32(raw[12:]), "queue number is truncated to 24 bits")
	assert.Equal(t, uint32(64), le.Uint32(raw[16:]))
	assert.Equal(t, uint32(0), le.Uint32(raw[28:]), "reserved bytes are cleared")

	header := le.Uint32(raw[0:])
	assert.True(t, CompletionOwner(header))
	assert.Equal(t, uint8(10), CompletionStatus(header))

	decoded, err := DecodeCompletionEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x34_5678), decoded.QueueNumber)
	assert.Equal(t, uint8(10), decoded.Status)
	assert.True(t, decoded.Owner)
}

func TestShortBuffers(t *testing.T) {
	var w WorkEntry
	assert.ErrorIs(t, w.Encode(make([]byte, WorkEntrySize-1)), ErrShortBuffer)
	_, err := DecodeWorkEntry(make([]byte, 8))
	assert.ErrorIs(t, err, ErrShortBuffer)

	var c CompletionEntry
	assert.ErrorIs(t, c.Encode(make([]byte, 4)), ErrShortBuffer)
	_, err = DecodeCompletionEntry(nil)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "write", OpWrite.String())
	assert.Equal(t, "read", OpRead.String())
	assert.Equal(t, "opcode(9)", Opcode(9).String())
	assert.True(t, OpWriteWithImmediate.Valid())
	assert.False(t, Opcode(6).Valid())
}
