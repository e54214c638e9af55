// Copyright (c) the strata authors
// Licensed under the MIT license

package format

// A Signature is a fixed byte pattern at a fixed position within the
// format. Offset is where Magic sits relative to the format's first byte,
// so a match found at file offset x implies a candidate start of
// x - Offset.
type Signature struct {
	Offset int64
	Magic  []byte
}

// A Descriptor states how a format announces itself. It is immutable
// after registration.
type Descriptor struct {
	// Name identifies the format, unique within a registry.
	Name string

	// Extensions lists filename suffixes (with leading dot, lower case)
	// that hint at this format. Only consulted for formats without
	// signatures; a signature is always the stronger evidence.
	Extensions []string

	// Signatures lists the byte patterns that anchor this format.
	// Empty for formats that can only be tried speculatively.
	Signatures []Signature

	// Priority orders candidates within a tier, higher first.
	// Ties keep registration order.
	Priority int
}

// Anchored reports whether the format declares at least one signature.
func (d Descriptor) Anchored() bool { return len(d.Signatures) > 0 }

// Featureless reports whether the format declares no evidence at all and
// is only ever tried as a last resort.
func (d Descriptor) Featureless() bool {
	return len(d.Signatures) == 0 && len(d.Extensions) == 0
}
