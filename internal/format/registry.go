// Copyright (c) the strata authors
// Licensed under the MIT license

package format

import (
	"fmt"
	"sort"
	"strings"
)

// A Registry holds the known formats in registration order. Registration
// happens once at startup; afterwards the registry is read-only and safe
// for concurrent use.
type Registry struct {
	ordered []Format
	byName  map[string]Format
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Format)}
}

// Register adds a format. It panics on a duplicate or empty name:
// both are programming errors in the catalog, not runtime conditions.
func (r *Registry) Register(f Format) {
	d := f.Descriptor()
	if d.Name == "" {
		panic("format: Register with empty name")
	}
	if _, dup := r.byName[d.Name]; dup {
		panic(fmt.Sprintf("format: Register called twice for %s", d.Name))
	}
	r.byName[d.Name] = f
	r.ordered = append(r.ordered, f)
}

// ByName looks a format up by its descriptor name.
func (r *Registry) ByName(name string) (Format, bool) {
	f, ok := r.byName[name]
	return f, ok
}

// All returns the formats in registration order. The caller must not
// modify the returned slice.
func (r *Registry) All() []Format {
	return r.ordered
}

// Filter returns a registry containing only the formats keep accepts,
// in the original registration order.
func (r *Registry) Filter(keep func(Descriptor) bool) *Registry {
	sub := NewRegistry()
	for _, f := range r.ordered {
		if keep(f.Descriptor()) {
			sub.Register(f)
		}
	}
	return sub
}

// Anchored returns the formats that declare signatures, highest priority
// first, registration order breaking ties.
func (r *Registry) Anchored() []Format {
	var out []Format
	for _, f := range r.ordered {
		if f.Descriptor().Anchored() {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Descriptor().Priority > out[j].Descriptor().Priority
	})
	return out
}

// Featureless returns the last-resort formats in registration order.
func (r *Registry) Featureless() []Format {
	var out []Format
	for _, f := range r.ordered {
		if f.Descriptor().Featureless() {
			out = append(out, f)
		}
	}
	return out
}

// ByExtension returns the signature-less formats whose declared
// extensions match the given filename, in registration order. Formats
// with signatures are excluded: their magic speaks for them, and a
// mismatched name must not promote them.
func (r *Registry) ByExtension(filename string) []Format {
	lower := strings.ToLower(filename)
	var out []Format
	for _, f := range r.ordered {
		d := f.Descriptor()
		if d.Anchored() {
			continue
		}
		for _, ext := range d.Extensions {
			if strings.HasSuffix(lower, ext) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}
