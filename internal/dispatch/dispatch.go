// Copyright (c) the strata authors
// Licensed under the MIT license

// Package dispatch turns one queued region into one finalized node: it
// walks the candidate plan, lets the first confirmed format unpack in
// place when the match spans the whole region, carves the region into
// sibling extents when it does not, and falls back to a synthesized
// leaf when nothing claims the bytes.
package dispatch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/strataforge/strata/internal/blockcache"
	"github.com/strataforge/strata/internal/carve"
	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/metatree"
	"github.com/strataforge/strata/internal/rank"
	"github.com/strataforge/strata/internal/region"
	"github.com/strataforge/strata/internal/sched"
)

// Policy says how far a fatal fault reaches.
type Policy int

const (
	// Subtree fences the fault into its node: label it, keep scanning.
	Subtree Policy = iota
	// Abort stops the whole run on the first fault.
	Abort
)

// Hints is an optional memory of past confirmations, keyed by content
// hash. It only promotes a candidate; a wrong hint costs one mismatch.
type Hints interface {
	Lookup(sum string) (string, bool)
	Remember(sum, format string)
}

type Dispatcher struct {
	Selector *rank.Selector
	Store    *metatree.Store
	Sched    *sched.Scheduler
	Cache    *blockcache.Cache
	Hints    Hints

	// HashCap bounds the region size that still gets content-hashed
	// into metadata. Zero disables hashing.
	HashCap int64
	Policy  Policy
}

// front routes a source's reads through the shared block cache.
func (d *Dispatcher) front(src *region.Source) {
	if d.Cache != nil {
		src.Cache(d.Cache.Front(src))
	}
}

// Front prepares an externally opened source (the scan input) the same
// way payload sources are prepared.
func (d *Dispatcher) Front(src *region.Source) { d.front(src) }

// Process returns the scheduler callback bound to ctx.
func (d *Dispatcher) Process(ctx context.Context) sched.Process {
	return func(t *sched.Task) (sched.Outcome, error) {
		return d.process(ctx, t)
	}
}

func (d *Dispatcher) process(ctx context.Context, t *sched.Task) (sched.Outcome, error) {
	r := t.Region
	meta := make(map[string]any)

	var sum string
	if d.HashCap > 0 && r.Size() <= d.HashCap {
		h, err := hashRegion(r)
		if err != nil {
			_, out, err := d.fault(t, "", meta, err)
			return out, err
		}
		sum = h
		meta["blake3"] = h
	}

	plan := d.Selector.Plan(r, d.hinted(t.Suggested, sum))

	cheap := plan.Cheap()
	for i, c := range cheap {
		handled, out, err := d.try(ctx, t, c, meta, sum, func() []string {
			rest := append(append([]rank.Candidate(nil), cheap[i+1:]...), plan.Featureless()...)
			return candidateNames(rest)
		})
		if handled {
			return out, err
		}
	}
	for c := range plan.Sweep() {
		handled, out, err := d.try(ctx, t, c, meta, sum, func() []string {
			return candidateNames(plan.Featureless())
		})
		if handled {
			return out, err
		}
	}
	feat := plan.Featureless()
	for i, c := range feat {
		handled, out, err := d.try(ctx, t, c, meta, sum, func() []string {
			return candidateNames(feat[i+1:])
		})
		if handled {
			return out, err
		}
	}

	// Nothing claimed the region: terminal leaf, visible as unexplained.
	slog.Debug("regionUnrecognized", "region", r.String())
	return sched.Done, d.Store.Finalize(t.NodeID, "", []string{"synthesized"}, metaOrNil(meta))
}

// hinted appends the remembered format for identical bytes behind the
// parent's explicit suggestions. The parent states what it unpacked; the
// hint only recalls what some earlier region with the same content
// turned out to be, so it must not outrank the parent on a polyglot.
func (d *Dispatcher) hinted(suggested []string, sum string) []string {
	if d.Hints == nil || sum == "" {
		return suggested
	}
	name, ok := d.Hints.Lookup(sum)
	if !ok {
		return suggested
	}
	return append(append([]string(nil), suggested...), name)
}

// try runs one candidate. handled=false means mismatch, move on.
func (d *Dispatcher) try(ctx context.Context, t *sched.Task, c rank.Candidate, meta map[string]any, sum string, untried func() []string) (handled bool, out sched.Outcome, err error) {
	r := t.Region
	target := r
	if c.Start > 0 {
		tail, err := r.Tail(c.Start)
		if err != nil {
			return false, 0, nil
		}
		target = tail
	}

	inst, err := c.Format.Open(ctx, target)
	if err != nil {
		return d.verifyErr(t, c, meta, err)
	}
	size, err := inst.Size(ctx)
	if err != nil {
		return d.verifyErr(t, c, meta, err)
	}
	if size <= 0 || size > target.Size() {
		slog.Warn("formatSizeInvalid", "format", c.Name(), "region", target.String(), "size", size)
		return false, 0, nil
	}

	if c.Start == 0 && size == r.Size() {
		return d.unpackInPlace(ctx, t, c, inst, meta, sum, untried)
	}
	return d.carveOut(t, c, size, meta)
}

// verifyErr sorts an Open/Size error into the taxonomy: mismatch moves
// to the next candidate, deferral re-queues the task, anything else is
// a fault.
func (d *Dispatcher) verifyErr(t *sched.Task, c rank.Candidate, meta map[string]any, err error) (bool, sched.Outcome, error) {
	var mm *format.Mismatch
	var df *format.Deferred
	switch {
	case errors.As(err, &mm):
		slog.Debug("candidateMismatch", "format", c.Name(), "region", t.Region.String(), "reason", mm.Reason)
		return false, 0, nil
	case errors.As(err, &df):
		if t.GiveUp {
			slog.Debug("deferralExpired", "format", c.Name(), "region", t.Region.String(), "waiting", df.Waiting)
			return false, 0, nil
		}
		slog.Debug("taskDeferred", "format", c.Name(), "region", t.Region.String(), "waiting", df.Waiting)
		return true, sched.Defer, nil
	default:
		return d.fault(t, c.Name(), meta, err)
	}
}

// unpackInPlace lets a whole-region match emit its children under the
// task's own node.
func (d *Dispatcher) unpackInPlace(ctx context.Context, t *sched.Task, c rank.Candidate, inst format.Instance, meta map[string]any, sum string, untried func() []string) (bool, sched.Outcome, error) {
	r := t.Region
	sink := d.newSink(ctx, t.NodeID, r)
	uerr := inst.Unpack(ctx, sink)
	if cerr := sink.Close(); uerr == nil {
		uerr = cerr
	}

	labels := inst.Labels()
	for k, v := range inst.Metadata() {
		meta[k] = v
	}
	if u := untried(); len(u) > 0 {
		meta["untried"] = u
	}

	if uerr != nil {
		if errors.Is(uerr, sched.ErrShuttingDown) || errors.Is(uerr, context.Canceled) {
			labels = append(labels, "incomplete")
		} else {
			slog.Warn("unpackError", "format", c.Name(), "region", r.String(), "err", uerr)
			labels = append(labels, "error")
			meta["error"] = uerr.Error()
			if d.Policy == Abort {
				_ = d.Store.Finalize(t.NodeID, c.Name(), labels, meta)
				return true, sched.Done, uerr
			}
		}
	}
	if d.Hints != nil && sum != "" {
		d.Hints.Remember(sum, c.Name())
	}
	return true, sched.Done, d.Store.Finalize(t.NodeID, c.Name(), labels, metaOrNil(meta))
}

// carveOut splits the region around a confirmed match that does not
// span it: lead and trail extents are re-queued (or become padding
// leaves), the match extent is re-queued with itself as the suggestion,
// and this node becomes their container.
func (d *Dispatcher) carveOut(t *sched.Task, c rank.Candidate, size int64, meta map[string]any) (bool, sched.Outcome, error) {
	r := t.Region
	var stopped error
	for _, e := range carve.Split(r.Size(), c.Start, size) {
		sub, err := r.Slice(e.Off, e.Size)
		if err != nil {
			return d.fault(t, c.Name(), meta, err)
		}
		name := e.Name()
		if e.Role == carve.Match {
			if _, _, err := d.Sched.Enqueue(t.NodeID, format.Extracted, name, sub, c.Name()); err != nil {
				stopped = err
				break
			}
			continue
		}
		if fill, ok, err := carve.Fill(sub); err == nil && ok {
			err := d.leaf(t.NodeID, format.Extracted, name, sub.Source().Path(), sub.Offset(), sub.Size(),
				[]string{"padding"}, map[string]any{"fill": fmt.Sprintf("%#04x", fill)})
			if err != nil {
				return true, sched.Done, err
			}
			continue
		}
		if _, _, err := d.Sched.Enqueue(t.NodeID, format.Extracted, name, sub); err != nil {
			stopped = err
			break
		}
	}

	var labels []string
	if stopped != nil {
		if !errors.Is(stopped, sched.ErrShuttingDown) {
			return true, sched.Done, stopped
		}
		labels = append(labels, "incomplete")
	}
	slog.Debug("regionCarved", "format", c.Name(), "region", r.String(), "start", c.Start, "size", size)
	return true, sched.Done, d.Store.Finalize(t.NodeID, "", labels, metaOrNil(meta))
}

// fault handles a non-recoverable format or I/O error per policy.
func (d *Dispatcher) fault(t *sched.Task, formatName string, meta map[string]any, err error) (bool, sched.Outcome, error) {
	slog.Warn("formatError", "format", formatName, "region", t.Region.String(), "err", err)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["error"] = err.Error()
	ferr := d.Store.Finalize(t.NodeID, "", []string{"error"}, meta)
	if d.Policy == Abort && ferr == nil {
		ferr = err
	}
	return true, sched.Done, ferr
}

// leaf creates, attaches and finalizes a terminal node in one step, for
// children that need no analysis of their own.
func (d *Dispatcher) leaf(parent string, part format.Partition, name, source string, off, size int64, labels []string, meta map[string]any) error {
	path := name
	if rec, ok := d.Store.Get(parent); ok {
		path = rec.Path + "/" + string(part) + "/" + name
	}
	id := d.Store.Create(parent, path, source, off, size)
	if err := d.Store.AttachChild(parent, part, name, id); err != nil {
		return err
	}
	return d.Store.Finalize(id, "", labels, meta)
}

func candidateNames(cs []rank.Candidate) []string {
	if len(cs) == 0 {
		return nil
	}
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name()
	}
	return out
}

func metaOrNil(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func hashRegion(r *region.Region) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r.Reader()); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
