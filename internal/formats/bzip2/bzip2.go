// Copyright (c) the strata authors
// Licensed under the MIT license

// Package bzip2 recognizes bzip2 streams. The format is bit-packed with
// no length field anywhere, so the exact size comes from a counting
// decode. One wrinkle: after a valid stream the decoder probes one or
// two bytes for a concatenated continuation, so when the first decode
// trips over trailing foreign data the size is confirmed by re-decoding
// at the two possible boundaries.
package bzip2

import (
	gobzip2 "compress/bzip2"
	"context"
	"io"
	"strings"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{
		Name:       "bzip2",
		Extensions: []string{".bz", ".bz2", ".bzip2", ".tbz", ".tb2"},
		Signatures: []format.Signature{{Offset: 0, Magic: []byte("BZh")}},
	}
}

const (
	blockMagic = 0x314159265359 // pi
	finalMagic = 0x177245385090 // sqrt(pi)
)

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	var hdr [10]byte
	if _, err := io.ReadFull(io.NewSectionReader(r, 0, 10), hdr[:]); err != nil {
		return nil, format.Mismatchf("bzip2", "truncated header")
	}
	if hdr[0] != 'B' || hdr[1] != 'Z' || hdr[2] != 'h' {
		return nil, format.Mismatchf("bzip2", "bad magic")
	}
	if hdr[3] < '1' || hdr[3] > '9' {
		return nil, format.Mismatchf("bzip2", "bad block size %q", hdr[3])
	}
	m48 := uint64(hdr[4])<<40 | uint64(hdr[5])<<32 | uint64(hdr[6])<<24 |
		uint64(hdr[7])<<16 | uint64(hdr[8])<<8 | uint64(hdr[9])
	if m48 != blockMagic && m48 != finalMagic {
		return nil, format.Mismatchf("bzip2", "no block magic after header")
	}
	return &instance{r: r, level: int(hdr[3] - '0')}, nil
}

type instance struct {
	r     *region.Region
	level int
	size  int64
}

func (i *instance) Size(ctx context.Context) (int64, error) {
	if i.size != 0 {
		return i.size, nil
	}
	n, err := i.decodeLen(ctx, i.r.Size())
	if err == nil {
		i.size = n
		return n, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	// The stream may have ended cleanly 1 or 2 bytes before the failure
	// point, with the decoder's continuation probe eating into whatever
	// follows. A decode limited to the candidate boundary must end in a
	// clean EOF having consumed every byte, or the boundary is wrong.
	for _, cand := range []int64{n - 1, n - 2} {
		if cand <= 0 {
			break
		}
		got, err2 := i.decodeLen(ctx, cand)
		if err2 == nil && got == cand {
			i.size = cand
			return cand, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
	return 0, format.Mismatchf("bzip2", "%v", err)
}

func (i *instance) decodeLen(ctx context.Context, limit int64) (int64, error) {
	bc := format.NewByteCounter(io.LimitReader(format.ContextReader(ctx, i.r.Reader()), limit))
	if _, err := io.Copy(io.Discard, gobzip2.NewReader(bc)); err != nil {
		return bc.N, err
	}
	return bc.N, nil
}

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error {
	if i.size == 0 {
		if _, err := i.Size(ctx); err != nil {
			return err
		}
	}
	zr := gobzip2.NewReader(io.LimitReader(i.r.Reader(), i.size))

	inner := format.ChangeSuffix(i.r.Base(), ".bz .bz2 .bzip2 .tbz=.tar .tb2=.tar")
	if strings.HasSuffix(inner, ".tar") {
		sink.Suggest(inner, "tar")
	}
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
	return map[string]any{"method": "bzip2", "level": i.level}
}
