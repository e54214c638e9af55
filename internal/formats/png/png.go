// Copyright (c) the strata authors
// Licensed under the MIT license

// Package png delimits PNG images by walking the chunk chain from IHDR
// to IEND and checking each chunk's CRC along the way. Pixels are never
// decoded; an image is a leaf as far as extraction goes, but the walk
// pins down exactly where it ends inside a larger blob.
package png

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{
		Name:       "png",
		Extensions: []string{".png"},
		Signatures: []format.Signature{{Offset: 0, Magic: []byte("\x89PNG\r\n\x1a\n")}},
	}
}

var colorTypeNames = map[byte]string{
	0: "grayscale",
	2: "truecolor",
	3: "indexed",
	4: "grayscale-alpha",
	6: "truecolor-alpha",
}

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	// Signature, then the IHDR chunk header and its 13 payload bytes.
	var b [8 + 8 + 13]byte
	if _, err := io.ReadFull(io.NewSectionReader(r, 0, int64(len(b))), b[:]); err != nil {
		return nil, format.Mismatchf("png", "shorter than signature and IHDR")
	}
	if !bytes.Equal(b[:8], []byte("\x89PNG\r\n\x1a\n")) {
		return nil, format.Mismatchf("png", "bad signature")
	}
	if binary.BigEndian.Uint32(b[8:12]) != 13 || !bytes.Equal(b[12:16], []byte("IHDR")) {
		return nil, format.Mismatchf("png", "first chunk is not IHDR")
	}
	if _, ok := colorTypeNames[b[25]]; !ok {
		return nil, format.Mismatchf("png", "unknown color type %d", b[25])
	}
	return &instance{
		r:         r,
		width:     binary.BigEndian.Uint32(b[16:20]),
		height:    binary.BigEndian.Uint32(b[20:24]),
		bitDepth:  b[24],
		colorType: b[25],
	}, nil
}

type instance struct {
	r         *region.Region
	width     uint32
	height    uint32
	bitDepth  byte
	colorType byte
	size      int64
}

func (i *instance) Size(ctx context.Context) (int64, error) {
	if i.size != 0 {
		return i.size, nil
	}
	off := int64(8)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var hdr [8]byte
		if _, err := io.ReadFull(io.NewSectionReader(i.r, off, 8), hdr[:]); err != nil {
			return 0, format.Mismatchf("png", "truncated chunk at %d", off)
		}
		length := int64(binary.BigEndian.Uint32(hdr[0:4]))
		if length > 1<<31-1 {
			return 0, format.Mismatchf("png", "chunk length %d out of range", length)
		}
		if off+8+length+4 > i.r.Size() {
			return 0, format.Mismatchf("png", "chunk %q overruns the data", hdr[4:8])
		}
		crc := crc32.NewIEEE()
		if _, err := io.Copy(crc, io.NewSectionReader(i.r, off+4, 4+length)); err != nil {
			return 0, err
		}
		var stored [4]byte
		if _, err := io.ReadFull(io.NewSectionReader(i.r, off+8+length, 4), stored[:]); err != nil {
			return 0, err
		}
		if crc.Sum32() != binary.BigEndian.Uint32(stored[:]) {
			return 0, format.Mismatchf("png", "chunk %q fails its checksum", hdr[4:8])
		}
		off += 8 + length + 4
		if bytes.Equal(hdr[4:8], []byte("IEND")) {
			i.size = off
			return off, nil
		}
	}
}

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error {
	return nil
}

func (i *instance) Labels() []string { return []string{"image"} }

func (i *instance) Metadata() map[string]any {
	return map[string]any{
		"width":     int64(i.width),
		"height":    int64(i.height),
		"bitDepth":  int64(i.bitDepth),
		"colorType": colorTypeNames[i.colorType],
	}
}
