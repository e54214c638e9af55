// Copyright (c) the strata authors
// Licensed under the MIT license

// Package romfs recognizes the Linux ROM filesystem, a tiny read-only
// format common in bootloaders and embedded flash. Everything is
// big-endian and 16-byte aligned, and the superblock carries a checksum
// over the first 512 bytes: summed as 32-bit words they must come to 0.
package romfs

import (
	"context"
	"encoding/binary"
	"io"
	"io/fs"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{
		Name:       "romfs",
		Extensions: []string{".romfs"},
		Signatures: []format.Signature{{Offset: 0, Magic: []byte("-rom1fs-")}},
	}
}

const (
	typeHardlink = 0
	typeDir      = 1
	typeFile     = 2
	typeSymlink  = 3

	maxDepth = 64
)

func pad16(n int64) int64 { return (n + 15) &^ 15 }

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(io.NewSectionReader(r, 0, 16), hdr[:]); err != nil {
		return nil, format.Mismatchf("romfs", "shorter than a superblock")
	}
	if string(hdr[:8]) != "-rom1fs-" {
		return nil, format.Mismatchf("romfs", "bad magic")
	}
	size := int64(binary.BigEndian.Uint32(hdr[8:12]))
	if size < 32 || size > r.Size() {
		return nil, format.Mismatchf("romfs", "image size %d does not fit", size)
	}
	volume, err := readName(r, 16)
	if err != nil {
		return nil, err
	}
	return &instance{r: r, size: size, volume: volume}, nil
}

// readName reads a NUL-terminated name from a 16-byte padded field.
func readName(r *region.Region, off int64) (string, error) {
	var name []byte
	for {
		var chunk [16]byte
		if _, err := io.ReadFull(io.NewSectionReader(r, off+int64(len(name)), 16), chunk[:]); err != nil {
			return "", format.Mismatchf("romfs", "truncated name at %d", off)
		}
		for i, c := range chunk {
			if c == 0 {
				return string(append(name, chunk[:i]...)), nil
			}
		}
		name = append(name, chunk[:]...)
		if len(name) > 1<<10 {
			return "", format.Mismatchf("romfs", "unterminated name at %d", off)
		}
	}
}

type instance struct {
	r      *region.Region
	size   int64
	volume string
}

func (i *instance) Size(ctx context.Context) (int64, error) {
	n := min(i.size, 512)
	b := make([]byte, n&^3)
	if _, err := io.ReadFull(io.NewSectionReader(i.r, 0, int64(len(b))), b); err != nil {
		return 0, err
	}
	var sum uint32
	for w := 0; w < len(b); w += 4 {
		sum += binary.BigEndian.Uint32(b[w : w+4])
	}
	if sum != 0 {
		return 0, format.Mismatchf("romfs", "superblock checksum failed")
	}
	return i.size, nil
}

type node struct {
	next   int64
	kind   int
	exec   bool
	spec   int64
	size   int64
	name   string
	dataAt int64
}

func (i *instance) readNode(off int64) (*node, error) {
	if off < 16 || off >= i.size {
		return nil, format.Mismatchf("romfs", "file header at %d outside image", off)
	}
	var b [16]byte
	if _, err := io.ReadFull(io.NewSectionReader(i.r, off, 16), b[:]); err != nil {
		return nil, format.Mismatchf("romfs", "truncated file header at %d", off)
	}
	v := int64(binary.BigEndian.Uint32(b[0:4]))
	n := &node{
		next: v &^ 15,
		kind: int(v & 7),
		exec: v&8 != 0,
		spec: int64(binary.BigEndian.Uint32(b[4:8])),
		size: int64(binary.BigEndian.Uint32(b[8:12])),
	}
	name, err := readName(i.r, off+16)
	if err != nil {
		return nil, err
	}
	n.name = name
	n.dataAt = off + 16 + pad16(int64(len(name))+1)
	if n.dataAt+n.size > i.size {
		return nil, format.Mismatchf("romfs", "file %q overruns the image", name)
	}
	return n, nil
}

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error {
	if _, err := i.Size(ctx); err != nil {
		return err
	}
	first := 16 + pad16(int64(len(i.volume))+1)
	seen := make(map[int64]bool)
	return i.walk(ctx, sink, first, "", seen, 0)
}

func (i *instance) walk(ctx context.Context, sink format.Sink, off int64, prefix string, seen map[int64]bool, depth int) error {
	if depth > maxDepth {
		return format.Mismatchf("romfs", "directory nesting deeper than %d", maxDepth)
	}
	for off != 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if seen[off] {
			return format.Mismatchf("romfs", "file header loop at %d", off)
		}
		seen[off] = true
		n, err := i.readNode(off)
		if err != nil {
			return err
		}
		if n.name == "." || n.name == ".." {
			off = n.next
			continue
		}
		path := prefix + n.name
		switch n.kind {
		case typeDir:
			w, err := sink.CreateFile(format.Relative, path, &format.Attr{Mode: fs.ModeDir | 0o755})
			if err != nil {
				return err
			}
			w.Close()
			if n.spec != 0 {
				if err := i.walk(ctx, sink, n.spec, path+"/", seen, depth+1); err != nil {
					return err
				}
			}
		case typeFile:
			mode := fs.FileMode(0o644)
			if n.exec {
				mode |= 0o111
			}
			if err := sink.CopyRange(format.Relative, path, n.dataAt, n.size, &format.Attr{Mode: mode}); err != nil {
				return err
			}
		case typeSymlink:
			target := make([]byte, n.size)
			if _, err := io.ReadFull(io.NewSectionReader(i.r, n.dataAt, n.size), target); err != nil {
				return err
			}
			w, err := sink.CreateFile(format.Relative, path, &format.Attr{Mode: fs.ModeSymlink | 0o777, Link: string(target)})
			if err != nil {
				return err
			}
			w.Close()
		case typeHardlink:
			// The data lives with the destination header; surface it
			// under this name as well.
			dst, err := i.readNode(n.spec &^ 15)
			if err != nil {
				return err
			}
			if dst.kind == typeFile {
				if err := sink.CopyRange(format.Relative, path, dst.dataAt, dst.size, &format.Attr{Mode: 0o644}); err != nil {
					return err
				}
			}
		default:
			// Device nodes, fifos and sockets have no payload.
		}
		off = n.next
	}
	return nil
}

func (i *instance) Labels() []string { return []string{"filesystem"} }

func (i *instance) Metadata() map[string]any {
	return map[string]any{"volume": i.volume}
}
