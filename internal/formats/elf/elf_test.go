// Copyright (c) the strata authors
// Licensed under the MIT license

package elf

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

// exec64 is a minimal x86-64 executable: header, one PT_LOAD program
// header, 32 bytes of text at offset 128, no section table.
func exec64() []byte {
	b := make([]byte, 160)
	copy(b, "\x7fELF\x02\x01\x01")
	le := binary.LittleEndian
	// ET_EXEC for EM_X86_64, entry at 0x401000
	le.PutUint16(b[16:18], 2)
	le.PutUint16(b[18:20], 62)
	le.PutUint32(b[20:24], 1)
	le.PutUint64(b[24:32], 0x401000)
	le.PutUint64(b[32:40], 64) // phoff
	// ehsize 64, phentsize 56, phnum 1
	le.PutUint16(b[52:54], 64)
	le.PutUint16(b[54:56], 56)
	le.PutUint16(b[56:58], 1)

	// PT_LOAD, R+X, file range [128,160) at vaddr 0x401000
	ph := b[64:120]
	le.PutUint32(ph[0:4], 1)
	le.PutUint32(ph[4:8], 5)
	le.PutUint64(ph[8:16], 128)
	le.PutUint64(ph[16:24], 0x401000)
	le.PutUint64(ph[24:32], 0x401000)
	le.PutUint64(ph[32:40], 32)
	le.PutUint64(ph[40:48], 32)
	le.PutUint64(ph[48:56], 0x1000)

	copy(b[128:], bytes.Repeat([]byte{0x90}, 31))
	b[159] = 0xc3
	return b
}

// exec32 is the 32-bit little-endian equivalent with 16 bytes of text
// at offset 96.
func exec32() []byte {
	b := make([]byte, 112)
	copy(b, "\x7fELF\x01\x01\x01")
	le := binary.LittleEndian
	// ET_EXEC for EM_386
	le.PutUint16(b[16:18], 2)
	le.PutUint16(b[18:20], 3)
	le.PutUint32(b[20:24], 1)
	le.PutUint32(b[24:28], 0x8048000)
	le.PutUint32(b[28:32], 52) // phoff
	// ehsize 52, phentsize 32, phnum 1
	le.PutUint16(b[40:42], 52)
	le.PutUint16(b[42:44], 32)
	le.PutUint16(b[44:46], 1)

	// PT_LOAD covering file range [96,112)
	ph := b[52:84]
	le.PutUint32(ph[0:4], 1)
	le.PutUint32(ph[4:8], 96)
	le.PutUint32(ph[16:20], 16)
	le.PutUint32(ph[20:24], 16)
	le.PutUint32(ph[24:28], 5)
	copy(b[96:], bytes.Repeat([]byte{0x90}, 16))
	return b
}

func open(t *testing.T, b []byte) format.Instance {
	t.Helper()
	inst, err := Format{}.Open(context.Background(), region.FromBytes("mem", b).Whole("prog.elf"))
	require.NoError(t, err)
	return inst
}

func TestSize64(t *testing.T) {
	b := exec64()
	inst := open(t, b)
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), n)
}

func TestSize32(t *testing.T) {
	b := exec32()
	inst := open(t, b)
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), n)
}

func TestSizeTrailingData(t *testing.T) {
	b := exec64()
	inst := open(t, append(append([]byte{}, b...), bytes.Repeat([]byte{0xee}, 300)...))
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), n, "appended data is not part of the executable")
}

func TestTruncatedSegmentRejected(t *testing.T) {
	b := exec64()
	inst := open(t, b[:140])
	_, err := inst.Size(context.Background())
	var m *format.Mismatch
	require.Error(t, err)
	assert.True(t, errors.As(err, &m))
}

func TestOpenRejects(t *testing.T) {
	for name, b := range map[string][]byte{
		"junk":  bytes.Repeat([]byte{0x7f}, 64),
		"short": []byte("\x7fELF\x02\x01\x01"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Format{}.Open(context.Background(), region.FromBytes("mem", b).Whole("x"))
			var m *format.Mismatch
			require.Error(t, err)
			assert.True(t, errors.As(err, &m))
		})
	}
}

func TestMetadata(t *testing.T) {
	inst := open(t, exec64())
	md := inst.Metadata()
	assert.Equal(t, "ELFCLASS64", md["class"])
	assert.Equal(t, "ET_EXEC", md["type"])
	assert.Equal(t, "EM_X86_64", md["machine"])
	assert.Equal(t, int64(0x401000), md["entry"])
	assert.Equal(t, []string{"executable"}, inst.Labels())
}
