// Copyright (c) the strata authors
// Licensed under the MIT license

package carve

import (
	"fmt"
	"slices"
	"strings"
)

// A RangeSet accumulates half-open byte ranges and keeps them merged.
// The engine feeds it every range a node claims of its parent; the
// remainder is the unexplained share reported to the operator.
type RangeSet struct {
	ranges []span // sorted, non-overlapping, non-adjacent
}

type span struct {
	off int64
	end int64
}

// Add merges [off, off+size) into the set.
func (s *RangeSet) Add(off, size int64) {
	if size <= 0 {
		return
	}
	r := span{off, off + size}
	i, hit := slices.BinarySearchFunc(s.ranges, r, func(a, b span) int {
		switch {
		case a.end < b.off:
			return -1
		case a.off > b.end:
			return 1
		default:
			return 0
		}
	})
	if hit {
		s.ranges[i].incorporate(r)
	} else {
		s.ranges = slices.Insert(s.ranges, i, r)
	}
	for i+1 < len(s.ranges) {
		if s.ranges[i].incorporate(s.ranges[i+1]) {
			s.ranges = slices.Delete(s.ranges, i+1, i+2)
		} else {
			break
		}
	}
}

// Covered is the total number of bytes in the set.
func (s *RangeSet) Covered() int64 {
	var n int64
	for _, r := range s.ranges {
		n += r.end - r.off
	}
	return n
}

// Gaps returns the ranges of [0, total) not in the set.
func (s *RangeSet) Gaps(total int64) []Extent {
	var out []Extent
	pos := int64(0)
	for _, r := range s.ranges {
		if r.off > pos {
			out = append(out, Extent{Trail, pos, r.off - pos})
		}
		if r.end > pos {
			pos = r.end
		}
	}
	if pos < total {
		out = append(out, Extent{Trail, pos, total - pos})
	}
	return out
}

func (s *RangeSet) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, r := range s.ranges {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d-%d", r.off, r.end)
	}
	b.WriteByte(']')
	return b.String()
}

// incorporate melds r2 into r when they touch or overlap.
func (r *span) incorporate(r2 span) bool {
	if r2.end < r.off || r.end < r2.off {
		return false
	}
	if r2.off < r.off {
		r.off = r2.off
	}
	if r2.end > r.end {
		r.end = r2.end
	}
	return true
}
