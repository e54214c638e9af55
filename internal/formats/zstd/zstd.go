// Copyright (c) the strata authors
// Licensed under the MIT license

// Package zstd recognizes zstandard frames. The frame format states
// every block's stored size in its 3-byte header, so one frame is
// delimited by walking block headers without decoding anything.
package zstd

import (
	"context"
	"encoding/binary"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{
		Name:       "zstd",
		Extensions: []string{".zst", ".zstd", ".tzst"},
		Signatures: []format.Signature{{Offset: 0, Magic: []byte{0x28, 0xb5, 0x2f, 0xfd}}},
	}
}

// Compressed and raw blocks are capped at 128 KiB by the frame format;
// a bigger claimed size means the walk is off the rails.
const blockSizeMax = 128 << 10

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	w := &walker{r: r}
	var magic [4]byte
	if err := w.read(magic[:]); err != nil || string(magic[:]) != "\x28\xb5\x2f\xfd" {
		return nil, format.Mismatchf("zstd", "bad magic")
	}
	fhd, err := w.byte_()
	if err != nil {
		return nil, format.Mismatchf("zstd", "truncated frame header")
	}
	if fhd&0x08 != 0 {
		return nil, format.Mismatchf("zstd", "reserved frame header bit set")
	}
	inst := &instance{
		r:             r,
		checksum:      fhd&0x04 != 0,
		singleSegment: fhd&0x20 != 0,
	}
	if !inst.singleSegment {
		if _, err := w.byte_(); err != nil {
			return nil, format.Mismatchf("zstd", "truncated window descriptor")
		}
	}
	if err := w.skip(int64([4]int{0, 1, 2, 4}[fhd&0x03])); err != nil {
		return nil, format.Mismatchf("zstd", "truncated dictionary id")
	}
	fcsSize := 0
	switch fhd >> 6 {
	case 0:
		if inst.singleSegment {
			fcsSize = 1
		}
	case 1:
		fcsSize = 2
	case 2:
		fcsSize = 4
	case 3:
		fcsSize = 8
	}
	if fcsSize > 0 {
		fcs := make([]byte, 8)
		if err := w.read(fcs[:fcsSize]); err != nil {
			return nil, format.Mismatchf("zstd", "truncated frame content size")
		}
		inst.contentSize = int64(binary.LittleEndian.Uint64(fcs))
		if fcsSize == 2 {
			inst.contentSize += 256
		}
		inst.haveContentSize = true
	}
	inst.blocksAt = w.off
	return inst, nil
}

type instance struct {
	r               *region.Region
	blocksAt        int64
	contentSize     int64
	haveContentSize bool
	checksum        bool
	singleSegment   bool
	size            int64
}

func (i *instance) Size(ctx context.Context) (int64, error) {
	if i.size != 0 {
		return i.size, nil
	}
	w := &walker{r: i.r, off: i.blocksAt}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var bh [3]byte
		if err := w.read(bh[:]); err != nil {
			return 0, format.Mismatchf("zstd", "truncated block header")
		}
		v := uint32(bh[0]) | uint32(bh[1])<<8 | uint32(bh[2])<<16
		size := int64(v >> 3)
		switch (v >> 1) & 3 {
		case 0, 2: // raw, compressed
			if size > blockSizeMax {
				return 0, format.Mismatchf("zstd", "block size %d too large", size)
			}
			if err := w.skip(size); err != nil {
				return 0, format.Mismatchf("zstd", "block past region end")
			}
		case 1: // RLE: one stored byte regenerated size times
			if err := w.skip(1); err != nil {
				return 0, format.Mismatchf("zstd", "block past region end")
			}
		case 3:
			return 0, format.Mismatchf("zstd", "reserved block type")
		}
		if v&1 != 0 {
			break
		}
	}
	if i.checksum {
		if err := w.skip(4); err != nil {
			return 0, format.Mismatchf("zstd", "truncated content checksum")
		}
	}
	// pzstd and the seekable format hang tooling metadata off the
	// stream in skippable frames (magic 0x184D2A50..5F, then a 4-byte
	// length). They describe this stream, so the claim absorbs any
	// that follow directly; a truncated one stays outside.
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(io.NewSectionReader(i.r, w.off, 8), hdr[:]); err != nil {
			break
		}
		if binary.LittleEndian.Uint32(hdr[0:4])&^0xf != 0x184d2a50 {
			break
		}
		if err := w.skip(8 + int64(binary.LittleEndian.Uint32(hdr[4:8]))); err != nil {
			break
		}
	}
	i.size = w.off
	return i.size, nil
}

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error {
	if _, err := i.Size(ctx); err != nil {
		return err
	}
	dec, err := zstd.NewReader(io.LimitReader(i.r.Reader(), i.size), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return err
	}
	defer dec.Close()

	inner := format.ChangeSuffix(i.r.Base(), ".zst .zstd .tzst=.tar")
	if strings.HasSuffix(inner, ".tar") {
		sink.Suggest(inner, "tar")
	}
	w, err := sink.CreateFile(format.Relative, inner, nil)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, format.ContextReader(ctx, dec)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (i *instance) Labels() []string { return []string{"compressed"} }

func (i *instance) Metadata() map[string]any {
	m := map[string]any{"checksum": i.checksum}
	if i.haveContentSize {
		m["uncompressed"] = i.contentSize
	}
	return m
}

type walker struct {
	r   *region.Region
	off int64
}

func (w *walker) read(p []byte) error {
	if _, err := io.ReadFull(io.NewSectionReader(w.r, w.off, int64(len(p))), p); err != nil {
		return err
	}
	w.off += int64(len(p))
	return nil
}

func (w *walker) byte_() (byte, error) {
	var b [1]byte
	err := w.read(b[:])
	return b[0], err
}

func (w *walker) skip(n int64) error {
	if n < 0 || w.off+n > w.r.Size() {
		return io.ErrUnexpectedEOF
	}
	w.off += n
	return nil
}
