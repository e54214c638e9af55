// Copyright (c) the strata authors
// Licensed under the MIT license

// Package gzip recognizes RFC 1952 gzip streams. A stream carries no
// length field, so the exact size comes from decoding it through a
// counting reader; the decoder consumes precisely the member plus its
// 8-byte trailer and nothing after, which is what lets a gzip member be
// delimited inside a larger blob.
package gzip

import (
	gogzip "compress/gzip"
	"context"
	"encoding/binary"
	"io"
	"strconv"
	"strings"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{
		Name:       "gzip",
		Extensions: []string{".gz", ".gzip", ".tgz"},
		// Magic plus the deflate method byte, which every real-world
		// gzip uses; matching two bytes alone sweeps up too much.
		Signatures: []format.Signature{{Offset: 0, Magic: []byte{0x1f, 0x8b, 0x08}}},
	}
}

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	h, err := parseHeader(r)
	if err != nil {
		return nil, err
	}
	return &instance{r: r, hdr: h}, nil
}

type header struct {
	mtime uint32
	os    byte
	name  string
}

const (
	flagHCRC    = 1 << 1
	flagExtra   = 1 << 2
	flagName    = 1 << 3
	flagComment = 1 << 4
)

// parseHeader structurally verifies the fixed header and the optional
// fields without touching the compressed payload.
func parseHeader(r *region.Region) (header, error) {
	bc := format.NewByteCounter(r.Reader())
	var fixed [10]byte
	if _, err := io.ReadFull(bc, fixed[:]); err != nil {
		return header{}, format.Mismatchf("gzip", "truncated header")
	}
	if fixed[0] != 0x1f || fixed[1] != 0x8b {
		return header{}, format.Mismatchf("gzip", "bad magic")
	}
	if fixed[2] != 8 {
		return header{}, format.Mismatchf("gzip", "unknown method %d", fixed[2])
	}
	flg := fixed[3]
	if flg&0xe0 != 0 {
		return header{}, format.Mismatchf("gzip", "reserved flag bits set")
	}
	h := header{mtime: binary.LittleEndian.Uint32(fixed[4:8]), os: fixed[9]}
	if flg&flagExtra != 0 {
		var n [2]byte
		if _, err := io.ReadFull(bc, n[:]); err != nil {
			return header{}, format.Mismatchf("gzip", "truncated extra field")
		}
		if _, err := io.CopyN(io.Discard, bc, int64(binary.LittleEndian.Uint16(n[:]))); err != nil {
			return header{}, format.Mismatchf("gzip", "truncated extra field")
		}
	}
	if flg&flagName != 0 {
		s, err := readLatin1(bc)
		if err != nil {
			return header{}, format.Mismatchf("gzip", "unterminated name field")
		}
		h.name = s
	}
	if flg&flagComment != 0 {
		if _, err := readLatin1(bc); err != nil {
			return header{}, format.Mismatchf("gzip", "unterminated comment field")
		}
	}
	if flg&flagHCRC != 0 {
		var crc [2]byte
		if _, err := io.ReadFull(bc, crc[:]); err != nil {
			return header{}, format.Mismatchf("gzip", "truncated header crc")
		}
	}
	return h, nil
}

// readLatin1 reads a NUL-terminated ISO 8859-1 string, converted to
// UTF-8. Capped so a corrupt header cannot make it read forever.
func readLatin1(br io.ByteReader) (string, error) {
	var sb strings.Builder
	for range 1 << 16 {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return sb.String(), nil
		}
		sb.WriteRune(rune(b))
	}
	return "", io.ErrUnexpectedEOF
}

type instance struct {
	r    *region.Region
	hdr  header
	size int64
}

func (i *instance) Size(ctx context.Context) (int64, error) {
	if i.size != 0 {
		return i.size, nil
	}
	bc := format.NewByteCounter(format.ContextReader(ctx, i.r.Reader()))
	zr, err := gogzip.NewReader(bc)
	if err != nil {
		return 0, sizeErr(ctx, err)
	}
	// One member only: trailing bytes may belong to a sibling region,
	// and with multistream off the decoder stops at the trailer without
	// probing past it.
	zr.Multistream(false)
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return 0, sizeErr(ctx, err)
	}
	if err := zr.Close(); err != nil {
		return 0, sizeErr(ctx, err)
	}
	i.size = bc.N
	return i.size, nil
}

func sizeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return format.Mismatchf("gzip", "%v", err)
}

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error {
	zr, err := gogzip.NewReader(i.r.Reader())
	if err != nil {
		return err
	}
	defer zr.Close()
	zr.Multistream(false)

	inner := format.ChangeSuffix(i.r.Base(), ".gz .gzip .tgz=.tar")
	if strings.HasSuffix(inner, ".tar") {
		sink.Suggest(inner, "tar")
	}
	var attr *format.Attr
	if !zr.ModTime.IsZero() {
		attr = &format.Attr{ModTime: zr.ModTime}
	}
	w, err := sink.CreateFile(format.Relative, inner, attr)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, format.ContextReader(ctx, zr)); err != nil {
		w.Close()
		return err
	}
	if err := zr.Close(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (i *instance) Labels() []string { return []string{"compressed"} }

func (i *instance) Metadata() map[string]any {
	m := map[string]any{"method": "deflate", "os": osName(i.hdr.os)}
	if i.hdr.name != "" {
		m["name"] = i.hdr.name
	}
	if i.hdr.mtime != 0 {
		m["mtime"] = int64(i.hdr.mtime)
	}
	return m
}

func osName(b byte) string {
	switch b {
	case 0:
		return "fat"
	case 3:
		return "unix"
	case 7:
		return "macintosh"
	case 11:
		return "ntfs"
	case 255:
		return "unknown"
	}
	return strconv.Itoa(int(b))
}
