// Copyright (c) the strata authors
// Licensed under the MIT license

// Package rank orders the candidate formats for a region. Evidence is
// tried strongest first: names suggested by the parent format, then
// filename extensions, then signatures anchored at the region start,
// then signatures found by sweeping the region, and finally the
// featureless last-resort formats. The sweep is produced lazily so it
// only runs when everything cheaper failed.
package rank

import (
	"iter"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Tier int

const (
	Suggested Tier = iota
	Extension
	Anchored
	Swept
	Featureless
)

func (t Tier) String() string {
	switch t {
	case Suggested:
		return "suggested"
	case Extension:
		return "extension"
	case Anchored:
		return "anchored"
	case Swept:
		return "swept"
	default:
		return "featureless"
	}
}

// A Candidate is one format to try at one position. Start is the offset
// within the region where the format would begin; it is nonzero only
// for swept candidates.
type Candidate struct {
	Format format.Format
	Start  int64
	Tier   Tier
}

func (c Candidate) Name() string { return c.Format.Descriptor().Name }

type Selector struct {
	Registry *format.Registry

	// SweepChunk is the scan window size for the signature sweep.
	// Zero means the default.
	SweepChunk int
}

type seenKey struct {
	name  string
	start int64
}

// A Plan is the candidate schedule for one region, each (format, start)
// pair offered at most once across all tiers. The cheap tiers are
// precomputed slices so the dispatcher can name the candidates it never
// tried; the sweep stays an iterator because enumerating it means
// scanning the region.
type Plan struct {
	sel   *Selector
	r     *region.Region
	seen  map[seenKey]bool
	cheap []Candidate
}

// Plan builds the schedule for r. The suggested names come from the
// parent format, strongest evidence first; unknown names are skipped.
func (s *Selector) Plan(r *region.Region, suggested []string) *Plan {
	p := &Plan{sel: s, r: r, seen: make(map[seenKey]bool)}

	for _, name := range suggested {
		if f, ok := s.Registry.ByName(name); ok {
			p.add(Candidate{f, 0, Suggested})
		}
	}
	for _, f := range s.Registry.ByExtension(r.Base()) {
		p.add(Candidate{f, 0, Extension})
	}
	pr := prober{r: r}
	for _, f := range s.Registry.Anchored() {
		for _, sig := range f.Descriptor().Signatures {
			if pr.matchAt(sig.Magic, sig.Offset) {
				p.add(Candidate{f, 0, Anchored})
				break
			}
		}
	}
	return p
}

func (p *Plan) add(c Candidate) bool {
	k := seenKey{c.Name(), c.Start}
	if p.seen[k] {
		return false
	}
	p.seen[k] = true
	p.cheap = append(p.cheap, c)
	return true
}

// Cheap returns the suggested, extension and anchored candidates, in
// tier order. These cost at most a header read to enumerate.
func (p *Plan) Cheap() []Candidate { return p.cheap }

// Sweep yields candidates found by scanning the whole region for
// signatures, ascending by start offset.
func (p *Plan) Sweep() iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		p.sel.sweep(p.r, func(c Candidate) bool {
			k := seenKey{c.Name(), c.Start}
			if p.seen[k] {
				return true
			}
			p.seen[k] = true
			return yield(c)
		})
	}
}

// Featureless returns the last-resort candidates not already offered.
func (p *Plan) Featureless() []Candidate {
	var out []Candidate
	for _, f := range p.sel.Registry.Featureless() {
		c := Candidate{f, 0, Featureless}
		k := seenKey{c.Name(), 0}
		if p.seen[k] {
			continue
		}
		p.seen[k] = true
		out = append(out, c)
	}
	return out
}

// Candidates yields the whole schedule in order. Most callers want the
// phased Plan methods instead; this is the one-shot view.
func (s *Selector) Candidates(r *region.Region, suggested []string) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		p := s.Plan(r, suggested)
		for _, c := range p.Cheap() {
			if !yield(c) {
				return
			}
		}
		for c := range p.Sweep() {
			if !yield(c) {
				return
			}
		}
		for _, c := range p.Featureless() {
			if !yield(c) {
				return
			}
		}
	}
}

// prober reads the region head lazily, growing the buffer in 64-byte
// steps as signature offsets demand.
type prober struct {
	r      *region.Region
	header []byte
}

func (p *prober) matchAt(magic []byte, offset int64) bool {
	need := offset + int64(len(magic))
	if need > p.r.Size() {
		return false
	}
	if int64(len(p.header)) < need {
		target := (need + 63) &^ 63
		if target > p.r.Size() {
			target = p.r.Size()
		}
		grown := make([]byte, target)
		copy(grown, p.header)
		n, _ := p.r.ReadAt(grown[len(p.header):], int64(len(p.header)))
		p.header = grown[:len(p.header)+n]
	}
	return int64(len(p.header)) >= need &&
		string(p.header[offset:need]) == string(magic)
}
