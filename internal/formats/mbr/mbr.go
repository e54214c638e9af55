// Copyright (c) the strata authors
// Licensed under the MIT license

// Package mbr recognizes DOS master boot records. The 55aa signature
// sits at offset 510, not 0, which also makes this the format that
// keeps signature matching honest about non-zero anchors. Primary
// partitions become carved children named p1..p4; an extended
// partition's EBR is itself a valid boot record, so nesting takes care
// of itself one level at a time.
package mbr

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{
		Name:       "mbr",
		Signatures: []format.Signature{{Offset: 510, Magic: []byte{0x55, 0xaa}}},
	}
}

const sectorSize = 512

type partition struct {
	slot    int
	active  bool
	ptype   byte
	lba     int64
	sectors int64
}

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	var sector [sectorSize]byte
	if n, _ := r.ReadAt(sector[:], 0); n < sectorSize {
		return nil, format.Mismatchf("mbr", "shorter than a boot sector")
	}
	if sector[510] != 0x55 || sector[511] != 0xaa {
		return nil, format.Mismatchf("mbr", "bad boot signature")
	}
	var parts []partition
	for slot := range 4 {
		e := sector[446+16*slot:][:16]
		if e[0] != 0x00 && e[0] != 0x80 {
			return nil, format.Mismatchf("mbr", "slot %d has status %#04x", slot+1, e[0])
		}
		ptype := e[4]
		lba := int64(binary.LittleEndian.Uint32(e[8:12]))
		sectors := int64(binary.LittleEndian.Uint32(e[12:16]))
		if ptype == 0 || sectors == 0 {
			continue
		}
		if lba == 0 {
			// A partition over the boot record itself is nonsense.
			return nil, format.Mismatchf("mbr", "slot %d starts at sector 0", slot+1)
		}
		parts = append(parts, partition{
			slot:    slot + 1,
			active:  e[0] == 0x80,
			ptype:   ptype,
			lba:     lba,
			sectors: sectors,
		})
	}
	if len(parts) == 0 {
		return nil, format.Mismatchf("mbr", "no partitions defined")
	}
	return &instance{r: r, parts: parts}, nil
}

type instance struct {
	r     *region.Region
	parts []partition
}

func (i *instance) Size(ctx context.Context) (int64, error) {
	end := int64(sectorSize)
	for _, p := range i.parts {
		end = max(end, (p.lba+p.sectors)*sectorSize)
	}
	if end > i.r.Size() {
		return 0, format.Mismatchf("mbr", "partitions reach %d, past the end of the data", end)
	}
	return end, nil
}

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error {
	for _, p := range i.parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := fmt.Sprintf("p%d", p.slot)
		if err := sink.Carve(name, p.lba*sectorSize, p.sectors*sectorSize); err != nil {
			return err
		}
	}
	return sink.CopyRange(format.Block, "boot", 0, sectorSize, &format.Attr{})
}

func (i *instance) Labels() []string { return []string{"partitioned"} }

func (i *instance) Metadata() map[string]any {
	var types []string
	active := int64(0)
	for _, p := range i.parts {
		types = append(types, fmt.Sprintf("p%d=%#04x", p.slot, p.ptype))
		if p.active {
			active = int64(p.slot)
		}
	}
	m := map[string]any{"types": strings.Join(types, " ")}
	if active != 0 {
		m["active"] = active
	}
	return m
}
