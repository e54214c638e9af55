// Copyright (c) the strata authors
// Licensed under the MIT license

// Package carve decides how a region is split when a format match does
// not span the whole input: the bytes before the match, the match
// itself, and the bytes after it each become their own extent, so
// prepended or appended data is never silently dropped nor silently
// merged into the match.
package carve

import "fmt"

// Role says what an extent is relative to the match that produced it.
type Role int

const (
	Lead  Role = iota // bytes before the match
	Match             // the matched format itself
	Trail             // bytes after the match
)

func (r Role) String() string {
	switch r {
	case Lead:
		return "lead"
	case Match:
		return "match"
	default:
		return "trail"
	}
}

type Extent struct {
	Role Role
	Off  int64
	Size int64
}

func (e Extent) End() int64 { return e.Off + e.Size }

// Name is the child name an extent gets in the extracted partition.
func (e Extent) Name() string {
	return RangeName(e.Off, e.Size)
}

// RangeName formats a byte range as an extracted child name.
func RangeName(off, size int64) string {
	return fmt.Sprintf("0x%x-0x%x", off, off+size)
}

// Split partitions [0, total) around a match at [start, start+size).
// Zero-length extents are omitted, so a match spanning the whole range
// yields nothing to carve and the caller keeps the region as is.
func Split(total, start, size int64) []Extent {
	if start == 0 && size == total {
		return nil
	}
	out := make([]Extent, 0, 3)
	if start > 0 {
		out = append(out, Extent{Lead, 0, start})
	}
	out = append(out, Extent{Match, start, size})
	if end := start + size; end < total {
		out = append(out, Extent{Trail, end, total - end})
	}
	return out
}
