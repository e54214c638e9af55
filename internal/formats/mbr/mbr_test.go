// Copyright (c) the strata authors
// Licensed under the MIT license

package mbr

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/format/sinktest"
	"github.com/strataforge/strata/internal/region"
)

func slot(b []byte, n int, status, ptype byte, lba, sectors uint32) {
	e := b[446+16*n:]
	e[0] = status
	e[4] = ptype
	binary.LittleEndian.PutUint32(e[8:12], lba)
	binary.LittleEndian.PutUint32(e[12:16], sectors)
}

// disk lays out boot code, a bootable Linux partition and a swap
// partition, 2 MiB in all.
func disk() []byte {
	b := make([]byte, 4096*512)
	copy(b, []byte{0xfa, 0x33, 0xc0}) // token boot code
	slot(b, 0, 0x80, 0x83, 64, 3072)
	slot(b, 1, 0x00, 0x82, 3136, 960)
	b[510], b[511] = 0x55, 0xaa
	return b
}

func open(t *testing.T, b []byte) (format.Instance, *region.Region) {
	t.Helper()
	r := region.FromBytes("mem", b).Whole("disk.img")
	inst, err := Format{}.Open(context.Background(), r)
	require.NoError(t, err)
	return inst, r
}

func TestSize(t *testing.T) {
	b := disk()
	inst, _ := open(t, b)
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4096*512), n)
}

func TestUnpack(t *testing.T) {
	b := disk()
	inst, r := open(t, b)
	sink := sinktest.New(r)
	require.NoError(t, inst.Unpack(context.Background(), sink))

	require.Len(t, sink.Carves, 2)
	assert.Equal(t, "p1", sink.Carves[0].Name)
	assert.Equal(t, int64(64*512), sink.Carves[0].Off)
	assert.Equal(t, int64(3072*512), sink.Carves[0].Length)
	assert.Equal(t, "p2", sink.Carves[1].Name)
	assert.Equal(t, int64(3136*512), sink.Carves[1].Off)

	boot := sink.Find("boot")
	require.NotNil(t, boot)
	assert.Equal(t, format.Block, boot.Partition)
	assert.Equal(t, int64(512), boot.Length)

	assert.Equal(t, []string{"partitioned"}, inst.Labels())
	md := inst.Metadata()
	assert.Equal(t, "p1=0x83 p2=0x82", md["types"])
	assert.Equal(t, int64(1), md["active"])
}

func TestPartitionOverrunRejected(t *testing.T) {
	b := disk()[:2000*512]
	inst, _ := open(t, b)
	_, err := inst.Size(context.Background())
	var m *format.Mismatch
	require.Error(t, err)
	assert.True(t, errors.As(err, &m))
}

func TestOpenRejects(t *testing.T) {
	badStatus := disk()
	badStatus[446] = 0x42

	empty := make([]byte, 1024)
	empty[510], empty[511] = 0x55, 0xaa

	zeroStart := disk()
	slot(zeroStart, 0, 0x80, 0x83, 0, 3072)

	noSig := disk()
	noSig[510] = 0x00

	for name, b := range map[string][]byte{
		"short":     bytes.Repeat([]byte{0x55}, 100),
		"noSig":     noSig,
		"badStatus": badStatus,
		"empty":     empty,
		"zeroStart": zeroStart,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Format{}.Open(context.Background(), region.FromBytes("mem", b).Whole("x"))
			var m *format.Mismatch
			require.Error(t, err)
			assert.True(t, errors.As(err, &m))
		})
	}
}

// An extended partition's EBR is a boot record in its own right, so the
// carved child is expected to match this format again on a re-scan;
// here it just needs to parse.
func TestExtendedBootRecordParses(t *testing.T) {
	b := make([]byte, 2048*512)
	slot(b, 0, 0x00, 0x0f, 64, 1984) // extended
	b[510], b[511] = 0x55, 0xaa

	ebr := b[64*512:]
	slot(ebr, 0, 0x00, 0x83, 64, 1920) // logical, relative to the EBR
	ebr[510], ebr[511] = 0x55, 0xaa

	inst, r := open(t, b)
	sink := sinktest.New(r)
	require.NoError(t, inst.Unpack(context.Background(), sink))
	require.Len(t, sink.Carves, 1)

	child, err := r.Slice(sink.Carves[0].Off, sink.Carves[0].Length)
	require.NoError(t, err)
	inner, err := Format{}.Open(context.Background(), child)
	require.NoError(t, err)
	n, err := inner.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1984*512), n)
}
