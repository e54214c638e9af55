// Copyright (c) the strata authors
// Licensed under the MIT license

// Package apm recognizes the Apple Partition Map found on old Mac disks
// and CDs. Block 0 is the driver descriptor, blocks 1..n hold one "PM"
// entry each (the map lists itself as a partition too). Partitions
// become carved children; the map blocks themselves are surfaced as a
// block child so the raw entries stay inspectable.
package apm

import (
	"cmp"
	"context"
	"encoding/binary"
	"slices"
	"strconv"
	"strings"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{
		Name:       "apm",
		Signatures: []format.Signature{{Offset: 0, Magic: []byte("ER")}},
		// An APM CD can carry an x86 boot signature too; the map is the
		// better explanation of the whole device.
		Priority: 1,
	}
}

type partition struct {
	name  string
	ptype string
	start int64
	count int64
}

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	var ddm [514]byte
	if n, _ := r.ReadAt(ddm[:], 0); n < 514 {
		return nil, format.Mismatchf("apm", "shorter than a driver descriptor block")
	}
	if ddm[0] != 'E' || ddm[1] != 'R' {
		return nil, format.Mismatchf("apm", "bad driver descriptor magic")
	}
	blkSize := int64(binary.BigEndian.Uint16(ddm[2:4]))
	if blkSize < 512 || blkSize > 1<<15 || blkSize%512 != 0 {
		return nil, format.Mismatchf("apm", "implausible block size %d", blkSize)
	}

	// Some CDs carried a "shadow map" at 512-byte spacing for ROMs that
	// assumed 512-byte sectors even on 2048-byte media.
	step := blkSize
	if ddm[512] == 'P' && ddm[513] == 'M' {
		step = 512
	}

	var first [8]byte
	if n, _ := r.ReadAt(first[:], step); n < 8 || first[0] != 'P' || first[1] != 'M' {
		return nil, format.Mismatchf("apm", "no partition map entry at block 1")
	}
	count := int64(binary.BigEndian.Uint32(first[4:8]))
	if count < 1 || count > 2048 {
		return nil, format.Mismatchf("apm", "implausible entry count %d", count)
	}

	i := &instance{r: r, step: step, blkSize: blkSize, count: count}
	if err := i.readEntries(); err != nil {
		return nil, err
	}
	return i, nil
}

type instance struct {
	r       *region.Region
	step    int64
	blkSize int64
	count   int64
	parts   []partition
}

func (i *instance) readEntries() error {
	for n := range i.count {
		var ent [512]byte
		if got, _ := i.r.ReadAt(ent[:], (1+n)*i.step); got < 512 {
			return format.Mismatchf("apm", "truncated partition map")
		}
		if ent[0] != 'P' || ent[1] != 'M' {
			return format.Mismatchf("apm", "map entry %d lacks PM magic", n+1)
		}
		start := int64(binary.BigEndian.Uint32(ent[8:12]))
		blocks := int64(binary.BigEndian.Uint32(ent[12:16]))
		ptype, _, _ := strings.Cut(string(ent[48:80]), "\x00")
		if ptype == "Apple_Free" {
			continue
		}
		i.parts = append(i.parts, partition{
			ptype: ptype,
			start: start * i.step,
			count: blocks * i.step,
		})
	}

	// Disk order, then stable names per type.
	slices.SortStableFunc(i.parts, func(a, b partition) int {
		return cmp.Compare(a.start, b.start)
	})
	ofeach := make(map[string]int)
	for n := range i.parts {
		name := strings.ToLower(strings.TrimPrefix(i.parts[n].ptype, "Apple_"))
		ofeach[name]++
		i.parts[n].name = name + "-" + strconv.Itoa(ofeach[name])
	}
	return nil
}

func (i *instance) Size(ctx context.Context) (int64, error) {
	end := (1 + i.count) * i.step
	for _, p := range i.parts {
		end = max(end, p.start+p.count)
	}
	if end > i.r.Size() {
		return 0, format.Mismatchf("apm", "partitions reach %d, past the end of the data", end)
	}
	return end, nil
}

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error {
	for _, p := range i.parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		// The map partition covers the map blocks we already expose.
		if p.ptype == "Apple_partition_map" {
			continue
		}
		if err := sink.Carve(p.name, p.start, p.count); err != nil {
			return err
		}
	}
	return sink.CopyRange(format.Block, "map", 0, (1+i.count)*i.step, &format.Attr{})
}

func (i *instance) Labels() []string { return []string{"partitioned"} }

func (i *instance) Metadata() map[string]any {
	types := make([]string, 0, len(i.parts))
	for _, p := range i.parts {
		types = append(types, p.ptype)
	}
	return map[string]any{
		"blockSize": i.blkSize,
		"entries":   i.count,
		"types":     strings.Join(types, " "),
	}
}
