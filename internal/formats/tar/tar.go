// Copyright (c) the strata authors
// Licensed under the MIT license

// Package tar recognizes ustar/pax/gnu tape archives. Delimiting walks
// the 512-byte header blocks itself, validating each header checksum,
// because the archive end (trailer plus blocking-factor padding) has to
// be located exactly even when foreign data follows. Unpacking leans on
// archive/tar for the header semantics (pax records, long names) behind
// a counting reader, so member payloads are emitted as copy ranges of
// the parent region rather than re-written bytes.
package tar

import (
	gotar "archive/tar"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{
		Name:       "tar",
		Extensions: []string{".tar"},
		Signatures: []format.Signature{
			{Offset: 257, Magic: []byte("ustar\x0000")},
			{Offset: 257, Magic: []byte("ustar  \x00")},
		},
	}
}

const blockSize = 512

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	var blk [blockSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(r, 0, blockSize), blk[:]); err != nil {
		return nil, format.Mismatchf("tar", "shorter than one block")
	}
	if isZero(blk[:]) {
		return nil, format.Mismatchf("tar", "leading zero block")
	}
	if !checksumOK(blk[:]) {
		return nil, format.Mismatchf("tar", "header checksum mismatch")
	}
	return &instance{r: r}, nil
}

type instance struct {
	r       *region.Region
	size    int64
	entries int
}

func (i *instance) Size(ctx context.Context) (int64, error) {
	if i.size != 0 {
		return i.size, nil
	}
	var blk [blockSize]byte
	off := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if off+blockSize > i.r.Size() {
			if i.entries == 0 {
				return 0, format.Mismatchf("tar", "no complete entry")
			}
			// Ran off the end without a trailer; claim the entries walked.
			i.size = off
			return off, nil
		}
		if _, err := io.ReadFull(io.NewSectionReader(i.r, off, blockSize), blk[:]); err != nil {
			return 0, err
		}
		if isZero(blk[:]) {
			if i.entries == 0 {
				return 0, format.Mismatchf("tar", "leading zero block")
			}
			// Trailer. Archives are padded to a blocking factor with
			// more zero blocks; those belong to this archive too.
			end := off + blockSize
			for end+blockSize <= i.r.Size() {
				if _, err := io.ReadFull(io.NewSectionReader(i.r, end, blockSize), blk[:]); err != nil {
					return 0, err
				}
				if !isZero(blk[:]) {
					break
				}
				end += blockSize
			}
			i.size = end
			return end, nil
		}
		if !checksumOK(blk[:]) {
			if i.entries == 0 {
				return 0, format.Mismatchf("tar", "header checksum mismatch")
			}
			// A valid archive ends here; whatever this block is, it is
			// not part of it.
			i.size = off
			return off, nil
		}
		if blk[156] == 'S' {
			return 0, format.Mismatchf("tar", "gnu sparse entries not supported")
		}
		size, err := parseSize(blk[124:136])
		if err != nil {
			return 0, format.Mismatchf("tar", "bad size field: %v", err)
		}
		off += blockSize + (size+blockSize-1)/blockSize*blockSize
		if off > i.r.Size() {
			return 0, format.Mismatchf("tar", "entry data past region end")
		}
		i.entries++
	}
}

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error {
	if _, err := i.Size(ctx); err != nil {
		return err
	}
	bc := format.NewByteCounter(io.LimitReader(format.ContextReader(ctx, i.r.Reader()), i.size))
	tr := gotar.NewReader(bc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		dataOff := bc.N
		attr := &format.Attr{
			Mode:    hdr.FileInfo().Mode(),
			ModTime: hdr.ModTime,
			UID:     hdr.Uid,
			GID:     hdr.Gid,
		}
		switch hdr.Typeflag {
		case gotar.TypeDir:
			w, err := sink.CreateFile(format.Relative, hdr.Name, attr)
			if err != nil {
				return err
			}
			w.Close()
		case gotar.TypeSymlink, gotar.TypeLink:
			// Hard links render as a link to the target name too.
			attr.Link = hdr.Linkname
			w, err := sink.CreateFile(format.Relative, hdr.Name, attr)
			if err != nil {
				return err
			}
			w.Close()
		case gotar.TypeReg:
			if err := sink.CopyRange(format.Relative, hdr.Name, dataOff, hdr.Size, attr); err != nil {
				return err
			}
		default:
			// Device nodes and fifos carry no payload to extract.
		}
	}
	return nil
}

func (i *instance) Labels() []string { return []string{"archive"} }

func (i *instance) Metadata() map[string]any {
	return map[string]any{"records": i.entries}
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// checksumOK recomputes the header checksum with the checksum field
// blanked, accepting the unsigned sum or the historical signed one.
func checksumOK(b []byte) bool {
	var unsigned, signed int64
	for i, c := range b {
		if i >= 148 && i < 156 {
			c = ' '
		}
		unsigned += int64(c)
		signed += int64(int8(c))
	}
	want, err := parseOctal(b[148:156])
	if err != nil {
		return false
	}
	return want == unsigned || want == signed
}

// parseSize reads the size field: octal text, or base-256 for entries
// over 8 GiB.
func parseSize(b []byte) (int64, error) {
	if b[0]&0x80 != 0 {
		v := int64(b[0] & 0x7f)
		for _, c := range b[1:] {
			v = v<<8 | int64(c)
		}
		return v, nil
	}
	return parseOctal(b)
}

func parseOctal(b []byte) (int64, error) {
	s := strings.Trim(string(b), " \x00")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 8, 64)
}
