// Copyright (c) the strata authors
// Licensed under the MIT license

// Package cpio recognizes SVR4 "newc" cpio archives, the flavor initramfs
// images use. Headers are 110 bytes of ASCII hex, entries are padded to
// four bytes, and a TRAILER!!! record closes the archive.
package cpio

import (
	"context"
	"io"
	"io/fs"
	"strconv"
	"time"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{
		Name:       "cpio",
		Extensions: []string{".cpio"},
		Signatures: []format.Signature{
			{Offset: 0, Magic: []byte("070701")},
			{Offset: 0, Magic: []byte("070702")},
		},
	}
}

const (
	headerLen = 110
	trailer   = "TRAILER!!!"
)

type header struct {
	mode     uint32
	uid      uint32
	gid      uint32
	mtime    int64
	filesize int64
	namesize int64
	name     string
}

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	var magic [6]byte
	if _, err := io.ReadFull(io.NewSectionReader(r, 0, 6), magic[:]); err != nil {
		return nil, format.Mismatchf("cpio", "shorter than a header")
	}
	crc := false
	switch string(magic[:]) {
	case "070701":
	case "070702":
		crc = true
	default:
		return nil, format.Mismatchf("cpio", "bad magic")
	}
	if _, err := readHeader(r, 0); err != nil {
		return nil, err
	}
	return &instance{r: r, crc: crc}, nil
}

// readHeader parses the record at off and returns it. The name and its
// terminating NUL are consumed here; the caller accounts for padding.
func readHeader(r *region.Region, off int64) (*header, error) {
	var b [headerLen]byte
	if _, err := io.ReadFull(io.NewSectionReader(r, off, headerLen), b[:]); err != nil {
		return nil, format.Mismatchf("cpio", "truncated header at %d", off)
	}
	var badField bool
	field := func(i int) int64 {
		v, err := strconv.ParseUint(string(b[6+8*i:6+8*i+8]), 16, 32)
		if err != nil {
			badField = true
		}
		return int64(v)
	}
	h := &header{
		mode:     uint32(field(1)),
		uid:      uint32(field(2)),
		gid:      uint32(field(3)),
		mtime:    field(5),
		filesize: field(6),
		namesize: field(11),
	}
	if badField {
		return nil, format.Mismatchf("cpio", "non-hex header field at %d", off)
	}
	if h.namesize < 2 || h.namesize > 1<<16 {
		return nil, format.Mismatchf("cpio", "implausible name length %d", h.namesize)
	}
	name := make([]byte, h.namesize)
	if _, err := io.ReadFull(io.NewSectionReader(r, off+headerLen, h.namesize), name); err != nil {
		return nil, format.Mismatchf("cpio", "truncated name at %d", off)
	}
	if name[h.namesize-1] != 0 {
		return nil, format.Mismatchf("cpio", "name not NUL terminated at %d", off)
	}
	h.name = string(name[:h.namesize-1])
	return h, nil
}

// pad4 rounds n up to the next multiple of four.
func pad4(n int64) int64 { return (n + 3) &^ 3 }

type instance struct {
	r       *region.Region
	crc     bool
	size    int64
	entries int64
}

func (i *instance) Size(ctx context.Context) (int64, error) {
	if i.size != 0 {
		return i.size, nil
	}
	off := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		h, err := readHeader(i.r, off)
		if err != nil {
			return 0, err
		}
		dataAt := pad4(off + headerLen + h.namesize)
		if h.name == trailer {
			i.size = dataAt
			return i.size, nil
		}
		off = pad4(dataAt + h.filesize)
		if off > i.r.Size() {
			return 0, format.Mismatchf("cpio", "entry %q overruns the archive", h.name)
		}
		i.entries++
	}
}

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error {
	if _, err := i.Size(ctx); err != nil {
		return err
	}
	off := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, err := readHeader(i.r, off)
		if err != nil {
			return err
		}
		dataAt := pad4(off + headerLen + h.namesize)
		if h.name == trailer {
			return nil
		}
		off = pad4(dataAt + h.filesize)

		attr := &format.Attr{
			Mode:    modeOf(h.mode),
			ModTime: time.Unix(h.mtime, 0),
			UID:     int(h.uid),
			GID:     int(h.gid),
		}
		switch h.mode & 0o170000 {
		case 0o040000:
			w, err := sink.CreateFile(format.Relative, h.name, attr)
			if err != nil {
				return err
			}
			w.Close()
		case 0o120000:
			target := make([]byte, h.filesize)
			if _, err := io.ReadFull(io.NewSectionReader(i.r, dataAt, h.filesize), target); err != nil {
				return err
			}
			attr.Link = string(target)
			w, err := sink.CreateFile(format.Relative, h.name, attr)
			if err != nil {
				return err
			}
			w.Close()
		case 0o100000:
			if err := sink.CopyRange(format.Relative, h.name, dataAt, h.filesize, attr); err != nil {
				return err
			}
		default:
			// Devices, fifos and sockets carry no payload.
		}
	}
}

// modeOf turns cpio's raw st_mode bits into an fs.FileMode.
func modeOf(m uint32) fs.FileMode {
	mode := fs.FileMode(m & 0o777)
	switch m & 0o170000 {
	case 0o040000:
		mode |= fs.ModeDir
	case 0o120000:
		mode |= fs.ModeSymlink
	case 0o020000:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case 0o060000:
		mode |= fs.ModeDevice
	case 0o010000:
		mode |= fs.ModeNamedPipe
	case 0o140000:
		mode |= fs.ModeSocket
	}
	if m&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if m&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if m&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

func (i *instance) Labels() []string { return []string{"archive"} }

func (i *instance) Metadata() map[string]any {
	name := "newc"
	if i.crc {
		name = "crc"
	}
	return map[string]any{"variant": name, "entries": i.entries}
}
