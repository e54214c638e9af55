// Copyright (c) the strata authors
// Licensed under the MIT license

// Package zip recognizes pkzip archives. The end-of-directory record is
// located by scanning forward and validating each hit against the
// central directory it claims, never by walking back from the end of
// the region: with trailing foreign data, or two archives back to back,
// the rear of the region belongs to someone else.
package zip

import (
	gozip "archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"io/fs"

	"golang.org/x/text/encoding/charmap"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{
		Name:       "zip",
		Extensions: []string{".zip", ".jar", ".apk"},
		Signatures: []format.Signature{{Offset: 0, Magic: []byte("PK\x03\x04")}},
	}
}

var (
	eocdSig  = []byte("PK\x05\x06")
	cdirSig  = []byte("PK\x01\x02")
	loc64Sig = []byte("PK\x06\x07")
	end64Sig = []byte("PK\x06\x06")
)

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	var lfh [30]byte
	if _, err := io.ReadFull(io.NewSectionReader(r, 0, 30), lfh[:]); err != nil {
		return nil, format.Mismatchf("zip", "shorter than a local file header")
	}
	if !bytes.Equal(lfh[:4], []byte("PK\x03\x04")) {
		return nil, format.Mismatchf("zip", "bad local header signature")
	}
	return &instance{r: r}, nil
}

type instance struct {
	r       *region.Region
	size    int64
	entries uint64
	comment string
}

const scanChunk = 1 << 20

func (i *instance) Size(ctx context.Context) (int64, error) {
	if i.size != 0 {
		return i.size, nil
	}
	// Forward scan for end-of-directory candidates.
	buf := make([]byte, scanChunk+len(eocdSig)-1)
	for base := int64(0); base < i.r.Size(); base += scanChunk {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := i.r.ReadAt(buf, base)
		if n == 0 && err != nil && err != io.EOF {
			return 0, err
		}
		win := buf[:n]
		for at := 0; ; {
			hit := bytes.Index(win[at:], eocdSig)
			if hit < 0 {
				break
			}
			pos := base + int64(at+hit)
			if pos < base+scanChunk { // hits in the overlap belong to the next chunk
				if total, ok, err := i.validate(pos); err != nil {
					return 0, err
				} else if ok {
					i.size = total
					return total, nil
				}
			}
			at += hit + 1
		}
	}
	return 0, format.Mismatchf("zip", "no consistent end-of-directory record")
}

// validate checks the end-of-directory record at pos: its central
// directory must end exactly at pos and begin with a directory header.
func (i *instance) validate(pos int64) (int64, bool, error) {
	var rec [22]byte
	if _, err := io.ReadFull(io.NewSectionReader(i.r, pos, 22), rec[:]); err != nil {
		return 0, false, nil // runs off the region; not a real record
	}
	diskNum := binary.LittleEndian.Uint16(rec[4:6])
	cdDisk := binary.LittleEndian.Uint16(rec[6:8])
	diskEntries := binary.LittleEndian.Uint16(rec[8:10])
	totalEntries := binary.LittleEndian.Uint16(rec[10:12])
	cdSize := int64(binary.LittleEndian.Uint32(rec[12:16]))
	cdOffset := int64(binary.LittleEndian.Uint32(rec[16:20]))
	commentLen := int64(binary.LittleEndian.Uint16(rec[20:22]))
	if diskNum != cdDisk || diskEntries != totalEntries {
		return 0, false, nil
	}
	total := pos + 22 + commentLen
	if total > i.r.Size() {
		return 0, false, nil
	}

	entries := uint64(totalEntries)
	cdEnd := pos
	if totalEntries == 0xffff || cdSize == 0xffffffff || cdOffset == 0xffffffff {
		// zip64: the locator sits directly before the record.
		var loc [20]byte
		if pos < 20 {
			return 0, false, nil
		}
		if _, err := io.ReadFull(io.NewSectionReader(i.r, pos-20, 20), loc[:]); err != nil || !bytes.Equal(loc[:4], loc64Sig) {
			return 0, false, nil
		}
		end64At := int64(binary.LittleEndian.Uint64(loc[8:16]))
		var end64 [56]byte
		if _, err := io.ReadFull(io.NewSectionReader(i.r, end64At, 56), end64[:]); err != nil || !bytes.Equal(end64[:4], end64Sig) {
			return 0, false, nil
		}
		entries = binary.LittleEndian.Uint64(end64[32:40])
		cdSize = int64(binary.LittleEndian.Uint64(end64[40:48]))
		cdOffset = int64(binary.LittleEndian.Uint64(end64[48:56]))
		cdEnd = end64At
	}

	// The first local header sits at offset 0 of this region, so a
	// record describing this archive states its directory position
	// exactly. A stored member that is itself a zip carries a genuine
	// record too, but one whose stated position falls short of where
	// the directory lands in the outer file.
	cdStart := cdEnd - cdSize
	if cdStart < 0 || cdOffset != cdStart {
		return 0, false, nil
	}
	if entries > 0 {
		var sig [4]byte
		if _, err := io.ReadFull(io.NewSectionReader(i.r, cdStart, 4), sig[:]); err != nil || !bytes.Equal(sig[:], cdirSig) {
			return 0, false, nil
		}
	} else if cdSize != 0 {
		// A truly empty archive points its zero-length directory at the
		// record itself; anything else is a stray signature in data.
		return 0, false, nil
	}

	i.entries = entries
	if commentLen > 0 {
		c := make([]byte, commentLen)
		if _, err := io.ReadFull(io.NewSectionReader(i.r, pos+22, commentLen), c); err == nil {
			i.comment = string(c)
		}
	}
	return total, true, nil
}

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error {
	if _, err := i.Size(ctx); err != nil {
		return err
	}
	zr, err := gozip.NewReader(io.NewSectionReader(i.r, 0, i.size), i.size)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := f.Name
		if f.NonUTF8 {
			// Traditional zips carry names in code page 437.
			if dec, err := charmap.CodePage437.NewDecoder().String(name); err == nil {
				name = dec
			}
		}
		mode := f.Mode()
		attr := &format.Attr{Mode: mode, ModTime: f.Modified}
		switch {
		case mode.IsDir():
			w, err := sink.CreateFile(format.Relative, name, attr)
			if err != nil {
				return err
			}
			w.Close()
		case mode&fs.ModeSymlink != 0:
			target, err := readAll(f)
			if err != nil {
				return err
			}
			attr.Link = string(target)
			w, err := sink.CreateFile(format.Relative, name, attr)
			if err != nil {
				return err
			}
			w.Close()
		case f.Method == gozip.Store:
			// Stored members are the parent's own bytes.
			off, err := f.DataOffset()
			if err != nil {
				return err
			}
			if err := sink.CopyRange(format.Relative, name, off, int64(f.CompressedSize64), attr); err != nil {
				return err
			}
		default:
			rc, err := f.Open()
			if err != nil {
				return err
			}
			w, err := sink.CreateFile(format.Relative, name, attr)
			if err != nil {
				rc.Close()
				return err
			}
			if _, err := io.Copy(w, format.ContextReader(ctx, rc)); err != nil {
				rc.Close()
				w.Close()
				return err
			}
			rc.Close()
			if err := w.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

func readAll(f *gozip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (i *instance) Labels() []string { return []string{"archive"} }

func (i *instance) Metadata() map[string]any {
	m := map[string]any{"entries": int64(i.entries)}
	if i.comment != "" {
		m["comment"] = i.comment
	}
	return m
}
