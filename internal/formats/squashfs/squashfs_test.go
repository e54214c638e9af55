// Copyright (c) the strata authors
// Licensed under the MIT license

package squashfs

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

// superblock assembles a plausible 4.0 image: a valid superblock
// followed by opaque table bytes up to bytesUsed.
func superblock(bytesUsed int64, compression uint16) []byte {
	b := make([]byte, bytesUsed)
	copy(b, "hsqs")
	binary.LittleEndian.PutUint32(b[4:8], 42) // inode count
	binary.LittleEndian.PutUint32(b[8:12], 1700000000)
	binary.LittleEndian.PutUint32(b[12:16], 1<<17) // block size 128K
	binary.LittleEndian.PutUint16(b[20:22], compression)
	binary.LittleEndian.PutUint16(b[22:24], 17) // block log
	binary.LittleEndian.PutUint16(b[28:30], 4)  // major
	binary.LittleEndian.PutUint16(b[30:32], 0)  // minor
	binary.LittleEndian.PutUint64(b[40:48], uint64(bytesUsed))
	for i := superblockLen; i < len(b); i++ {
		b[i] = byte(i)
	}
	return b
}

func open(t *testing.T, b []byte) format.Instance {
	t.Helper()
	inst, err := Format{}.Open(context.Background(), region.FromBytes("mem", b).Whole("fs.squashfs"))
	require.NoError(t, err)
	return inst
}

func TestSizeUnpadded(t *testing.T) {
	inst := open(t, superblock(5000, 6))
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5000), n)
}

func TestSizeClaimsTailPadding(t *testing.T) {
	img := superblock(5000, 6)
	img = append(img, make([]byte, 8192-5000)...)
	inst := open(t, img)
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(8192), n, "zero fill to the 4K boundary belongs to the image")
}

func TestSizeLeavesNonZeroTailAlone(t *testing.T) {
	img := superblock(5000, 6)
	img = append(img, bytes.Repeat([]byte{0xa5}, 3192)...)
	inst := open(t, img)
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5000), n)
}

func TestOpenRejects(t *testing.T) {
	badLog := superblock(4096, 1)
	binary.LittleEndian.PutUint16(badLog[22:24], 16) // log disagrees with size

	v3 := superblock(4096, 1)
	binary.LittleEndian.PutUint16(v3[28:30], 3)

	badComp := superblock(4096, 9)

	overrun := superblock(4096, 1)[:2048]

	for name, b := range map[string][]byte{
		"junk":        bytes.Repeat([]byte{0x68}, 128),
		"short":       []byte("hsqs"),
		"version3":    v3,
		"badBlockLog": badLog,
		"badComp":     badComp,
		"overrun":     overrun,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Format{}.Open(context.Background(), region.FromBytes("mem", b).Whole("x"))
			var m *format.Mismatch
			require.Error(t, err)
			assert.True(t, errors.As(err, &m))
		})
	}
}

func TestLeafMetadata(t *testing.T) {
	inst := open(t, superblock(4096, 6))
	md := inst.Metadata()
	assert.Equal(t, "4.0", md["version"])
	assert.Equal(t, "zstd", md["compression"])
	assert.Equal(t, int64(1<<17), md["blockSize"])
	assert.Equal(t, int64(42), md["inodes"])
	assert.Equal(t, []string{"filesystem"}, inst.Labels())
}
