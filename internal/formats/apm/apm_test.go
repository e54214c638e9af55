// Copyright (c) the strata authors
// Licensed under the MIT license

package apm

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

func entry(count, start, blocks uint32, ptype string) []byte {
	e := make([]byte, 512)
	copy(e, "PM")
	binary.BigEndian.PutUint32(e[4:8], count)
	binary.BigEndian.PutUint32(e[8:12], start)
	binary.BigEndian.PutUint32(e[12:16], blocks)
	copy(e[48:80], ptype)
	return e
}

// disk512 lays out a classic 512-byte-block map: the map itself, a
// driver, an HFS volume, and free space at the end.
func disk512() []byte {
	b := make([]byte, (96+160)*512)
	copy(b, "ER")
	binary.BigEndian.PutUint16(b[2:4], 512)
	copy(b[512:], entry(4, 1, 63, "Apple_partition_map"))
	copy(b[1024:], entry(4, 64, 32, "Apple_Driver43"))
	copy(b[1536:], entry(4, 96, 160, "Apple_HFS"))
	copy(b[2048:], entry(4, 256, 64, "Apple_Free"))
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
	b := disk512()
	inst, _ := open(t, b)
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), n, "claim runs to the end of the last real partition")
}

func TestUnpack(t *testing.T) {
	b := disk512()
	inst, r := open(t, b)
	sink := sinktest.New(r)
	require.NoError(t, inst.Unpack(context.Background(), sink))

	require.Len(t, sink.Carves, 2, "free space and the map itself are not carved")
	assert.Equal(t, "driver43-1", sink.Carves[0].Name)
	assert.Equal(t, int64(64*512), sink.Carves[0].Off)
	assert.Equal(t, int64(32*512), sink.Carves[0].Length)
	assert.Equal(t, "hfs-1", sink.Carves[1].Name)
	assert.Equal(t, int64(96*512), sink.Carves[1].Off)
	assert.Equal(t, int64(160*512), sink.Carves[1].Length)

	m := sink.Find("map")
	require.NotNil(t, m)
	assert.Equal(t, format.Block, m.Partition)
	assert.Equal(t, int64(5*512), m.Length)

	assert.Equal(t, []string{"partitioned"}, inst.Labels())
	md := inst.Metadata()
	assert.Equal(t, int64(512), md["blockSize"])
	assert.Equal(t, "Apple_partition_map Apple_Driver43 Apple_HFS", md["types"])
}

// CDs with 2048-byte blocks sometimes carry a shadow map at 512-byte
// spacing for ROMs that could not cope; the shadow spacing wins.
func TestShadowMap(t *testing.T) {
	b := make([]byte, 2048)
	copy(b, "ER")
	binary.BigEndian.PutUint16(b[2:4], 2048)
	copy(b[512:], entry(1, 1, 3, "Apple_partition_map"))
	inst, _ := open(t, b)
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4*512), n)
}

func TestBlockSize2048(t *testing.T) {
	b := make([]byte, 6*2048)
	copy(b, "ER")
	binary.BigEndian.PutUint16(b[2:4], 2048)
	copy(b[2048:], entry(2, 1, 2, "Apple_partition_map"))
	copy(b[4096:], entry(2, 4, 2, "Apple_HFS"))
	inst, r := open(t, b)
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6*2048), n)

	sink := sinktest.New(r)
	require.NoError(t, inst.Unpack(context.Background(), sink))
	require.Len(t, sink.Carves, 1)
	assert.Equal(t, int64(4*2048), sink.Carves[0].Off)
	assert.Equal(t, int64(2*2048), sink.Carves[0].Length)
}

func TestPartitionOverrunRejected(t *testing.T) {
	b := disk512()[:100000]
	inst, _ := open(t, b)
	_, err := inst.Size(context.Background())
	var m *format.Mismatch
	require.Error(t, err)
	assert.True(t, errors.As(err, &m))
}

func TestOpenRejects(t *testing.T) {
	badBlock := disk512()
	binary.BigEndian.PutUint16(badBlock[2:4], 100)

	noPM := make([]byte, 4096)
	copy(noPM, "ER")
	binary.BigEndian.PutUint16(noPM[2:4], 512)

	clobbered := disk512()
	copy(clobbered[1536:], "XX")

	for name, b := range map[string][]byte{
		"junk":         bytes.Repeat([]byte{0x45}, 1024),
		"short":        []byte("ER"),
		"badBlockSize": badBlock,
		"noEntries":    noPM,
		"clobbered":    clobbered,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Format{}.Open(context.Background(), region.FromBytes("mem", b).Whole("x"))
			var m *format.Mismatch
			require.Error(t, err)
			assert.True(t, errors.As(err, &m))
		})
	}
}
