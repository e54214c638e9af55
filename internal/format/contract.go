// Copyright (c) the strata authors
// Licensed under the MIT license

// Package format defines the contract between the scan engine and the
// format implementations: a descriptor for candidate selection, a
// capability interface for verify/size/unpack, and a sink the unpack step
// emits children into. The engine knows nothing about any concrete format
// beyond this package.
package format

import (
	"context"
	"io"
	"io/fs"
	"time"

	"github.com/strataforge/strata/internal/region"
)

// Partition names the four child namespaces of a result node.
type Partition string

const (
	// Relative holds children addressed by a path relative to the node,
	// e.g. archive members or a decompressed payload.
	Relative Partition = "relative"
	// Absolute holds children addressed by an absolute path, e.g.
	// filesystem contents.
	Absolute Partition = "absolute"
	// Extracted holds carved sub-ranges of the node's own bytes.
	Extracted Partition = "extracted"
	// Block holds block-level overlays such as boot sectors and
	// partition maps, which may overlap other children.
	Block Partition = "block"
)

// Attr carries the file metadata a container records for a member.
// The zero value means "nothing known".
type Attr struct {
	Mode    fs.FileMode
	ModTime time.Time
	UID     int
	GID     int
	Link    string // symlink target, empty otherwise
}

// A Format recognizes and interprets one binary format.
//
// Open verifies that the region plausibly starts with this format and
// returns an Instance for it. A recoverable "not mine" is reported by
// returning a *Mismatch; a *Deferred asks to be retried once a sibling
// region has been analyzed; any other error is a real fault.
// Open must not write anything.
type Format interface {
	Descriptor() Descriptor
	Open(ctx context.Context, r *region.Region) (Instance, error)
}

// An Instance is one verified occurrence of a format in a region.
type Instance interface {
	// Size reports how many bytes of the region the format occupies,
	// counted from the region start. It must not trust the region end
	// blindly: trailing foreign data must not be claimed.
	Size(ctx context.Context) (int64, error)

	// Unpack emits the children into the sink. Emitting is lazy: each
	// child is scheduled as soon as it is produced.
	Unpack(ctx context.Context, sink Sink) error

	// Labels classifies the node, e.g. "archive", "compressed".
	Labels() []string

	// Metadata returns free-form per-format facts for the node record.
	// May be nil.
	Metadata() map[string]any
}

// A Sink receives the children produced by Unpack. Implementations are
// not safe for concurrent use; one sink belongs to one unpack call.
//
// CreateFile with a directory mode in attr records the directory and
// returns a writer that discards. A non-empty attr.Link records a
// symlink; the returned writer discards.
type Sink interface {
	// CreateFile adds a child whose content the format writes out,
	// e.g. a decompressed stream or an archive member.
	CreateFile(p Partition, path string, attr *Attr) (io.WriteCloser, error)

	// CopyRange adds a child whose content is the parent's own bytes
	// [off, off+length), copied without transformation. Offsets are
	// relative to the region being unpacked.
	CopyRange(p Partition, path string, off, length int64, attr *Attr) error

	// Carve adds an extracted child covering the parent's bytes
	// [off, off+length) without copying them; the child is scheduled
	// for analysis in place. Optional suggested format names seed its
	// candidate list.
	Carve(name string, off, length int64, suggest ...string) error

	// Suggest adds suggested format names for a child already created
	// in this unpack, identified by its partition path.
	Suggest(path string, names ...string)
}
