// Copyright (c) the strata authors
// Licensed under the MIT license

// Package elf sizes ELF objects embedded in larger blobs. An ELF file
// does not record its own length, so the claim is the furthest byte any
// structure reaches: the header tables themselves, program segment file
// images, and section contents. Firmware frequently appends data right
// after a stripped executable, which is exactly the trailing sibling
// case this walk is careful not to swallow.
package elf

import (
	"context"
	goelf "debug/elf"
	"encoding/binary"
	"io"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{
		Name:       "elf",
		Extensions: []string{".elf", ".so", ".ko"},
		Signatures: []format.Signature{{Offset: 0, Magic: []byte("\x7fELF")}},
	}
}

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	f, err := goelf.NewFile(r)
	if err != nil {
		return nil, format.Mismatchf("elf", "%v", err)
	}
	return &instance{r: r, f: f}, nil
}

type instance struct {
	r    *region.Region
	f    *goelf.File
	size int64
}

// tableExtents reads the program and section header table geometry
// straight from the file header; debug/elf does not surface it.
func (i *instance) tableExtents() (int64, error) {
	var ident [64]byte
	n, err := i.r.ReadAt(ident[:], 0)
	if err != nil && err != io.EOF {
		return 0, err
	}
	if n < 52 || (ident[4] == 2 && n < 64) {
		return 0, format.Mismatchf("elf", "truncated header")
	}
	var bo binary.ByteOrder = binary.LittleEndian
	if ident[5] == 2 {
		bo = binary.BigEndian
	}
	var ehLen, phoff, shoff int64
	var phEnt, phNum, shEnt, shNum int64
	switch ident[4] {
	case 1: // 32-bit
		ehLen = 52
		phoff = int64(bo.Uint32(ident[28:32]))
		shoff = int64(bo.Uint32(ident[32:36]))
		phEnt = int64(bo.Uint16(ident[42:44]))
		phNum = int64(bo.Uint16(ident[44:46]))
		shEnt = int64(bo.Uint16(ident[46:48]))
		shNum = int64(bo.Uint16(ident[48:50]))
	case 2: // 64-bit
		ehLen = 64
		phoff = int64(bo.Uint64(ident[32:40]))
		shoff = int64(bo.Uint64(ident[40:48]))
		phEnt = int64(bo.Uint16(ident[54:56]))
		phNum = int64(bo.Uint16(ident[56:58]))
		shEnt = int64(bo.Uint16(ident[58:60]))
		shNum = int64(bo.Uint16(ident[60:62]))
	default:
		return 0, format.Mismatchf("elf", "unknown class %d", ident[4])
	}
	end := ehLen
	if phNum > 0 {
		end = max(end, phoff+phNum*phEnt)
	}
	if shNum > 0 {
		end = max(end, shoff+shNum*shEnt)
	}
	return end, nil
}

func (i *instance) Size(ctx context.Context) (int64, error) {
	if i.size != 0 {
		return i.size, nil
	}
	end, err := i.tableExtents()
	if err != nil {
		return 0, err
	}
	for _, p := range i.f.Progs {
		end = max(end, int64(p.Off+p.Filesz))
	}
	for _, s := range i.f.Sections {
		if s.Type == goelf.SHT_NOBITS {
			continue
		}
		end = max(end, int64(s.Offset+s.FileSize))
	}
	if end > i.r.Size() {
		return 0, format.Mismatchf("elf", "structures reach %d, past the end of the data", end)
	}
	i.size = end
	return end, nil
}

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error {
	return nil
}

func (i *instance) Labels() []string { return []string{"executable"} }

func (i *instance) Metadata() map[string]any {
	return map[string]any{
		"class":   i.f.Class.String(),
		"type":    i.f.Type.String(),
		"machine": i.f.Machine.String(),
		"entry":   int64(i.f.Entry),
	}
}
