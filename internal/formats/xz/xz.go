// Copyright (c) the strata authors
// Licensed under the MIT license

// Package xz recognizes xz containers. Unlike the other compressed
// formats the container is fully walkable without decoding: block
// headers either state their compressed size outright or wrap LZMA2
// chunks whose sizes are in the chunk headers, and the stream ends with
// an index and a footer that cross-check the walk. Delimiting is
// therefore structural, with every CRC32 along the way verified.
package xz

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"strings"

	"github.com/therootcompany/xz"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{
		Name:       "xz",
		Extensions: []string{".xz", ".txz"},
		Signatures: []format.Signature{{Offset: 0, Magic: []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}}},
	}
}

var checkSizes = map[byte]int64{0x00: 0, 0x01: 4, 0x04: 8, 0x0a: 32}
var checkNames = map[byte]string{0x00: "none", 0x01: "crc32", 0x04: "crc64", 0x0a: "sha256"}

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(io.NewSectionReader(r, 0, 12), hdr[:]); err != nil {
		return nil, format.Mismatchf("xz", "truncated stream header")
	}
	if string(hdr[:6]) != "\xfd7zXZ\x00" {
		return nil, format.Mismatchf("xz", "bad magic")
	}
	if hdr[6] != 0 {
		return nil, format.Mismatchf("xz", "reserved stream flags")
	}
	if _, ok := checkSizes[hdr[7]]; !ok {
		return nil, format.Mismatchf("xz", "unsupported check type %#x", hdr[7])
	}
	if binary.LittleEndian.Uint32(hdr[8:12]) != crc32.ChecksumIEEE(hdr[6:8]) {
		return nil, format.Mismatchf("xz", "stream header crc mismatch")
	}
	return &instance{r: r, check: hdr[7]}, nil
}

type instance struct {
	r      *region.Region
	check  byte
	size   int64
	blocks int
	out    uint64 // total uncompressed, from the index
}

func (i *instance) Size(ctx context.Context) (int64, error) {
	return i.delimit(ctx)
}

func (i *instance) delimit(ctx context.Context) (int64, error) {
	if i.size != 0 {
		return i.size, nil
	}
	w := &walker{r: i.r, off: 12}
	checkSize := checkSizes[i.check]

	var unpadded []int64
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b, err := w.byte_()
		if err != nil {
			return 0, format.Mismatchf("xz", "truncated at block boundary")
		}
		if b == 0 {
			break // index indicator
		}
		hdrSize := (int64(b) + 1) * 4
		hdr := make([]byte, hdrSize)
		hdr[0] = b
		if err := w.read(hdr[1:]); err != nil {
			return 0, format.Mismatchf("xz", "truncated block header")
		}
		if binary.LittleEndian.Uint32(hdr[hdrSize-4:]) != crc32.ChecksumIEEE(hdr[:hdrSize-4]) {
			return 0, format.Mismatchf("xz", "block header crc mismatch")
		}
		flags := hdr[1]
		if flags&0x3c != 0 {
			return 0, format.Mismatchf("xz", "reserved block flags %#x", flags)
		}
		p := 2
		csize := int64(-1)
		if flags&0x40 != 0 {
			v, err := bvarint(hdr[:hdrSize-4], &p)
			if err != nil {
				return 0, format.Mismatchf("xz", "bad compressed size field")
			}
			csize = int64(v)
		}
		if flags&0x80 != 0 {
			if _, err := bvarint(hdr[:hdrSize-4], &p); err != nil {
				return 0, format.Mismatchf("xz", "bad uncompressed size field")
			}
		}
		for f := 0; f < int(flags&3)+1; f++ {
			if _, err := bvarint(hdr[:hdrSize-4], &p); err != nil {
				return 0, format.Mismatchf("xz", "bad filter id")
			}
			propLen, err := bvarint(hdr[:hdrSize-4], &p)
			if err != nil || p+int(propLen) > int(hdrSize-4) {
				return 0, format.Mismatchf("xz", "bad filter properties")
			}
			p += int(propLen)
		}
		for ; p < int(hdrSize-4); p++ {
			if hdr[p] != 0 {
				return 0, format.Mismatchf("xz", "nonzero block header padding")
			}
		}

		if csize < 0 {
			// Sizes omitted: the compressed data is LZMA2 chunks whose
			// headers carry their own lengths.
			csize, err = lzma2Size(w)
			if err != nil {
				return 0, err
			}
		} else if err := w.skip(csize); err != nil {
			return 0, format.Mismatchf("xz", "compressed data past region end")
		}
		if err := w.zeros((4 - csize%4) % 4); err != nil {
			return 0, format.Mismatchf("xz", "bad block padding")
		}
		if err := w.skip(checkSize); err != nil {
			return 0, format.Mismatchf("xz", "truncated check field")
		}
		unpadded = append(unpadded, hdrSize+csize+checkSize)
	}

	// Index: every block's sizes again, cross-checked against the walk.
	idxStart := w.off - 1
	count, err := w.varint()
	if err != nil || count != uint64(len(unpadded)) {
		return 0, format.Mismatchf("xz", "index count %d does not match %d blocks", count, len(unpadded))
	}
	var out uint64
	for _, want := range unpadded {
		got, err := w.varint()
		if err != nil || int64(got) != want {
			return 0, format.Mismatchf("xz", "index unpadded size %d does not match walked %d", got, want)
		}
		usize, err := w.varint()
		if err != nil {
			return 0, format.Mismatchf("xz", "truncated index")
		}
		out += usize
	}
	if err := w.zeros((4 - (w.off-idxStart)%4) % 4); err != nil {
		return 0, format.Mismatchf("xz", "bad index padding")
	}
	idx := make([]byte, w.off-idxStart)
	if _, err := io.ReadFull(io.NewSectionReader(i.r, idxStart, int64(len(idx))), idx); err != nil {
		return 0, err
	}
	var crc [4]byte
	if err := w.read(crc[:]); err != nil {
		return 0, format.Mismatchf("xz", "truncated index crc")
	}
	if binary.LittleEndian.Uint32(crc[:]) != crc32.ChecksumIEEE(idx) {
		return 0, format.Mismatchf("xz", "index crc mismatch")
	}

	var foot [12]byte
	if err := w.read(foot[:]); err != nil {
		return 0, format.Mismatchf("xz", "truncated stream footer")
	}
	if binary.LittleEndian.Uint32(foot[0:4]) != crc32.ChecksumIEEE(foot[4:10]) {
		return 0, format.Mismatchf("xz", "footer crc mismatch")
	}
	if back := (int64(binary.LittleEndian.Uint32(foot[4:8])) + 1) * 4; back != int64(len(idx))+4 {
		return 0, format.Mismatchf("xz", "backward size %d does not match index size %d", back, len(idx)+4)
	}
	if foot[8] != 0 || foot[9] != i.check || foot[10] != 'Y' || foot[11] != 'Z' {
		return 0, format.Mismatchf("xz", "bad stream footer")
	}

	i.size = w.off
	i.blocks = len(unpadded)
	i.out = out
	return i.size, nil
}

// lzma2Size walks the LZMA2 chunk sequence and returns its length
// including the end marker.
func lzma2Size(w *walker) (int64, error) {
	start := w.off
	for {
		c, err := w.byte_()
		if err != nil {
			return 0, format.Mismatchf("xz", "truncated lzma2 chunk")
		}
		switch {
		case c == 0:
			return w.off - start, nil
		case c == 1 || c == 2: // uncompressed chunk
			var sz [2]byte
			if err := w.read(sz[:]); err != nil {
				return 0, format.Mismatchf("xz", "truncated lzma2 chunk")
			}
			if err := w.skip(int64(binary.BigEndian.Uint16(sz[:])) + 1); err != nil {
				return 0, format.Mismatchf("xz", "lzma2 chunk past region end")
			}
		case c >= 0x80:
			var h [4]byte
			if err := w.read(h[:]); err != nil {
				return 0, format.Mismatchf("xz", "truncated lzma2 chunk")
			}
			if c&0x40 != 0 { // properties byte follows
				if err := w.skip(1); err != nil {
					return 0, format.Mismatchf("xz", "truncated lzma2 properties")
				}
			}
			if err := w.skip(int64(binary.BigEndian.Uint16(h[2:4])) + 1); err != nil {
				return 0, format.Mismatchf("xz", "lzma2 chunk past region end")
			}
		default:
			return 0, format.Mismatchf("xz", "bad lzma2 control byte %#x", c)
		}
	}
}

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error {
	if _, err := i.delimit(ctx); err != nil {
		return err
	}
	zr, err := xz.NewReader(io.LimitReader(i.r.Reader(), i.size), xz.DefaultDictMax)
	if err != nil {
		return err
	}
	inner := format.ChangeSuffix(i.r.Base(), ".xz .txz=.tar")
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
	return map[string]any{
		"check":        checkNames[i.check],
		"blocks":       i.blocks,
		"uncompressed": int64(i.out),
	}
}

// walker is a bounds-checked cursor over the region.
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

func (w *walker) zeros(n int64) error {
	for range n {
		b, err := w.byte_()
		if err != nil || b != 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

// varint reads the xz multibyte integer encoding: 7 bits per byte,
// least significant first, high bit as continuation.
func (w *walker) varint() (uint64, error) {
	var v uint64
	for s := 0; s < 63; s += 7 {
		b, err := w.byte_()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << s
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, io.ErrUnexpectedEOF
}

// bvarint is varint over an in-memory block header.
func bvarint(b []byte, p *int) (uint64, error) {
	var v uint64
	for s := 0; s < 63; s += 7 {
		if *p >= len(b) {
			return 0, io.ErrUnexpectedEOF
		}
		c := b[*p]
		*p++
		v |= uint64(c&0x7f) << s
		if c&0x80 == 0 {
			return v, nil
		}
	}
	return 0, io.ErrUnexpectedEOF
}
