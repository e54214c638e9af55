// Copyright (c) the strata authors
// Licensed under the MIT license

// Package region gives every byte range under analysis an explicit value:
// the backing source, the absolute offset within it, the length, and the
// provenance path it will carry in the result tree. Nothing in the engine
// reads a file through ambient state; whoever holds a Region holds the
// whole truth about where its bytes live.
package region

import (
	"fmt"
	"io"
	"path"
)

// A Region is an immutable reference to [off, off+size) of a backing
// Source. Slicing a Region flattens immediately to an absolute offset
// against the Source, so regions never stack.
type Region struct {
	src  *Source
	off  int64 // absolute within src
	size int64
	virt string // provenance path in the result tree
	name string // filename for extension matching, usually path.Base(virt)
}

// Key identifies a region for the scheduler's claim table.
type Key struct {
	Src       uint64
	Off, Size int64
}

// Whole returns a Region spanning the entire source.
func (s *Source) Whole(virt string) *Region {
	return &Region{src: s, off: 0, size: s.size, virt: virt, name: path.Base(virt)}
}

// Slice returns the sub-region [off, off+n) of r. The result references
// the same Source at a flattened absolute offset.
func (r *Region) Slice(off, n int64) (*Region, error) {
	if off < 0 || n <= 0 || off+n > r.size {
		return nil, fmt.Errorf("slice [%d,%d) outside region of %d bytes", off, off+n, r.size)
	}
	return &Region{src: r.src, off: r.off + off, size: n, virt: r.virt, name: r.name}, nil
}

// Tail returns the sub-region from off to the end of r.
func (r *Region) Tail(off int64) (*Region, error) {
	return r.Slice(off, r.size-off)
}

// WithPath returns a copy of r carrying a different provenance path.
// The extension-matching name follows the new path.
func (r *Region) WithPath(virt string) *Region {
	r2 := *r
	r2.virt = virt
	r2.name = path.Base(virt)
	return &r2
}

// WithName returns a copy of r with a different extension-matching name
// but the same provenance path. The scan root uses this: its path is
// the literal "root" while its name stays the input filename.
func (r *Region) WithName(name string) *Region {
	r2 := *r
	r2.name = name
	return &r2
}

func (r *Region) Source() *Source { return r.src }
func (r *Region) Size() int64     { return r.size }
func (r *Region) Offset() int64   { return r.off }
func (r *Region) Path() string    { return r.virt }

// Base is the filename used for extension matching.
func (r *Region) Base() string { return r.name }

func (r *Region) Key() Key { return Key{Src: r.src.id, Off: r.off, Size: r.size} }

func (r *Region) String() string {
	return fmt.Sprintf("%s[%#x+%#x]", r.virt, r.off, r.size)
}

// ReadAt reads at a region-relative offset, clamped to the region bounds.
// Reads past the end return io.EOF the way io.SectionReader does.
func (r *Region) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off >= r.size {
		return 0, io.EOF
	}
	if rem := r.size - off; int64(len(p)) > rem {
		p = p[:rem]
		n, err = r.src.r.ReadAt(p, r.off+off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return r.src.r.ReadAt(p, r.off+off)
}

// Reader returns a fresh sequential reader over the whole region.
func (r *Region) Reader() *io.SectionReader {
	return io.NewSectionReader(r, 0, r.size)
}

// Bytes reads the entire region into memory. Callers bound the size.
func (r *Region) Bytes() ([]byte, error) {
	p := make([]byte, r.size)
	_, err := io.ReadFull(r.Reader(), p)
	if err != nil {
		return nil, err
	}
	return p, nil
}
