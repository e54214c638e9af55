// Copyright (c) the strata authors
// Licensed under the MIT license

package rank

import (
	"bytes"
	"io"
	"sort"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

const defaultSweepChunk = 1 << 20

// sweep searches the whole region for signatures away from the start
// and emits a candidate per find, ascending by candidate start. A find
// at byte x for a signature declared at format offset o means the
// format would begin at x-o; starts at zero were already covered by the
// anchored tier. Returns false when the consumer stopped.
func (s *Selector) sweep(r *region.Region, emit func(Candidate) bool) bool {
	type probe struct {
		idx int // position in tier order, for ties
		f   format.Format
		sig format.Signature
	}
	var probes []probe
	maxLen := 0
	var maxOver int64
	for i, f := range s.Registry.Anchored() {
		for _, sig := range f.Descriptor().Signatures {
			if len(sig.Magic) < 2 {
				continue // one byte would match everywhere
			}
			probes = append(probes, probe{i, f, sig})
			if len(sig.Magic) > maxLen {
				maxLen = len(sig.Magic)
			}
			if over := sig.Offset + int64(len(sig.Magic)) - 1; over > maxOver {
				maxOver = over
			}
		}
	}
	if len(probes) == 0 {
		return true
	}

	chunk := int64(s.SweepChunk)
	if chunk <= 0 {
		chunk = defaultSweepChunk
	}
	if chunk < int64(2*maxLen) {
		chunk = int64(2 * maxLen)
	}

	type hit struct {
		start int64
		idx   int
		f     format.Format
	}
	size := r.Size()
	buf := make([]byte, chunk+maxOver)
	var hits []hit
	for base := int64(0); base < size; base += chunk {
		// A batch is the hits whose computed start falls in
		// [base, base+chunk); deciding membership by start, not find
		// position, keeps emission ascending even when a declared
		// offset pulls the start back across a chunk boundary. The
		// window reaches offset+magic past the boundary so the whole
		// magic of every hit this batch owns is in view.
		want := buf
		if rem := size - base; rem < int64(len(want)) {
			want = want[:rem]
		}
		n, err := r.ReadAt(want, base)
		if err != nil && err != io.EOF {
			return true // unreadable tail; later tiers still run
		}
		window := want[:n]

		hits = hits[:0]
		for _, pr := range probes {
			from := 0
			for {
				i := bytes.Index(window[from:], pr.sig.Magic)
				if i < 0 {
					break
				}
				found := base + int64(from+i)
				from += i + 1
				start := found - pr.sig.Offset
				if start < base || start >= base+chunk {
					continue // another batch owns this start
				}
				if start <= 0 || start >= size {
					continue
				}
				hits = append(hits, hit{start, pr.idx, pr.f})
			}
		}
		sort.Slice(hits, func(a, b int) bool {
			if hits[a].start != hits[b].start {
				return hits[a].start < hits[b].start
			}
			return hits[a].idx < hits[b].idx
		})
		for _, h := range hits {
			if !emit(Candidate{h.f, h.start, Swept}) {
				return false
			}
		}
	}
	return true
}
