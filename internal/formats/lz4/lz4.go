// Copyright (c) the strata authors
// Licensed under the MIT license

// Package lz4 recognizes lz4 frames (the modern 0x184D2204 framing,
// not the legacy format). Every block states its stored size in a
// 4-byte header, so delimiting is a plain block walk.
package lz4

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{
		Name:       "lz4",
		Extensions: []string{".lz4"},
		Signatures: []format.Signature{{Offset: 0, Magic: []byte{0x04, 0x22, 0x4d, 0x18}}},
	}
}

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	w := &walker{r: r}
	var magic [4]byte
	if err := w.read(magic[:]); err != nil || binary.LittleEndian.Uint32(magic[:]) != 0x184d2204 {
		return nil, format.Mismatchf("lz4", "bad magic")
	}
	flg, err := w.byte_()
	if err != nil {
		return nil, format.Mismatchf("lz4", "truncated frame descriptor")
	}
	if (flg>>6)&3 != 1 {
		return nil, format.Mismatchf("lz4", "unsupported frame version %d", (flg>>6)&3)
	}
	if flg&0x02 != 0 {
		return nil, format.Mismatchf("lz4", "reserved descriptor bit set")
	}
	bd, err := w.byte_()
	if err != nil {
		return nil, format.Mismatchf("lz4", "truncated frame descriptor")
	}
	if bd&0x8f != 0 {
		return nil, format.Mismatchf("lz4", "reserved bd bits set")
	}
	bsIdx := (bd >> 4) & 7
	if bsIdx < 4 {
		return nil, format.Mismatchf("lz4", "bad block max size index %d", bsIdx)
	}
	inst := &instance{
		r:             r,
		maxBlock:      1 << (8 + 2*bsIdx),
		blockChecksum: flg&0x10 != 0,
		contChecksum:  flg&0x04 != 0,
	}
	if flg&0x08 != 0 {
		var cs [8]byte
		if err := w.read(cs[:]); err != nil {
			return nil, format.Mismatchf("lz4", "truncated content size")
		}
		inst.contentSize = int64(binary.LittleEndian.Uint64(cs[:]))
		inst.haveContentSize = true
	}
	if flg&0x01 != 0 {
		if err := w.skip(4); err != nil {
			return nil, format.Mismatchf("lz4", "truncated dictionary id")
		}
	}
	// Header checksum byte; the decoder verifies it during unpack.
	if _, err := w.byte_(); err != nil {
		return nil, format.Mismatchf("lz4", "truncated header checksum")
	}
	inst.blocksAt = w.off
	return inst, nil
}

type instance struct {
	r               *region.Region
	blocksAt        int64
	maxBlock        int64
	contentSize     int64
	haveContentSize bool
	blockChecksum   bool
	contChecksum    bool
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
		var bh [4]byte
		if err := w.read(bh[:]); err != nil {
			return 0, format.Mismatchf("lz4", "truncated block header")
		}
		v := binary.LittleEndian.Uint32(bh[:])
		if v == 0 {
			break // end mark
		}
		size := int64(v &^ 0x80000000)
		if size > i.maxBlock {
			return 0, format.Mismatchf("lz4", "block size %d over frame max %d", size, i.maxBlock)
		}
		if err := w.skip(size); err != nil {
			return 0, format.Mismatchf("lz4", "block past region end")
		}
		if i.blockChecksum {
			if err := w.skip(4); err != nil {
				return 0, format.Mismatchf("lz4", "truncated block checksum")
			}
		}
	}
	if i.contChecksum {
		if err := w.skip(4); err != nil {
			return 0, format.Mismatchf("lz4", "truncated content checksum")
		}
	}
	i.size = w.off
	return i.size, nil
}

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error {
	if _, err := i.Size(ctx); err != nil {
		return err
	}
	zr := lz4.NewReader(io.LimitReader(i.r.Reader(), i.size))

	inner := format.ChangeSuffix(i.r.Base(), ".lz4")
	w, err := sink.CreateFile(format.Relative, inner, nil)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, format.ContextReader(ctx, zr)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (i *instance) Labels() []string { return []string{"compressed"} }

func (i *instance) Metadata() map[string]any {
	m := map[string]any{"checksum": i.contChecksum}
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
