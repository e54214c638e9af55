// Copyright (c) the strata authors
// Licensed under the MIT license

package region

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

var sourceIDs atomic.Uint64

// A Source is an opened backing byte source. It is opened once and then
// shared by every candidate attempt and every sub-region referencing it,
// so a scan never reopens a file it is already holding. The refcount
// tracks queued and running analyses of its regions; the descriptor
// closes when the last one releases.
type Source struct {
	id   uint64
	path string
	f    *os.File // nil when byte-backed
	raw  io.ReaderAt
	r    io.ReaderAt // reads go through here; swapped by Cache
	size int64
	refs atomic.Int64
}

// Open opens the file at path as a Source.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !st.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s: not a regular file", path)
	}
	s := &Source{
		id:   sourceIDs.Add(1),
		path: path,
		f:    f,
		raw:  f,
		r:    f,
		size: st.Size(),
	}
	s.refs.Store(1) // the opener's reference
	return s, nil
}

// FromBytes wraps an in-memory buffer as a Source. Used by tests and by
// formats that synthesize small derived images.
func FromBytes(name string, b []byte) *Source {
	r := bytes.NewReader(b)
	s := &Source{
		id:   sourceIDs.Add(1),
		path: name,
		raw:  r,
		r:    r,
		size: int64(len(b)),
	}
	s.refs.Store(1)
	return s
}

// Cache routes subsequent reads through ra, typically a block-cache front.
// The raw reader stays reachable for bulk copies.
func (s *Source) Cache(ra io.ReaderAt) { s.r = ra }

func (s *Source) ID() uint64   { return s.id }
func (s *Source) Path() string { return s.path }
func (s *Source) Size() int64  { return s.size }

// File returns the backing *os.File when the source is file-backed.
func (s *Source) File() (*os.File, bool) { return s.f, s.f != nil }

// RawReadAt bypasses any cache front. Block caches use it to fill blocks.
func (s *Source) RawReadAt(p []byte, off int64) (int, error) {
	return s.raw.ReadAt(p, off)
}

// Retain adds a reference, keeping the descriptor open.
func (s *Source) Retain() { s.refs.Add(1) }

// Release drops one reference and closes the descriptor when none
// remain. Further reads fail after that.
func (s *Source) Release() error {
	if s.refs.Add(-1) > 0 || s.f == nil {
		return nil
	}
	return s.f.Close()
}

// Close releases the opener's own reference.
func (s *Source) Close() error { return s.Release() }
