// Copyright (c) the strata authors
// Licensed under the MIT license

// Package metatree persists the provenance tree: one directory per
// analyzed region, named by node ID, holding a CBOR record of what the
// region turned out to be and which child regions came out of it.
// Nodes accumulate in memory while their region is being analyzed and
// are flushed once, atomically, when finalized; a node is visible to
// readers exactly when its meta.cbor exists.
package metatree

import (
	"github.com/fxamacker/cbor/v2"
)

const (
	// MetaFile is the per-node record; its presence marks the node valid.
	MetaFile = "meta.cbor"
	// PathFile holds the node's virtual path as one line of text, so a
	// shell user can orient without a CBOR decoder.
	PathFile = "pathname"
	// ManifestFile is the per-run record at the output root.
	ManifestFile = "run.cbor"
	// RootID is the node ID of the scan root.
	RootID = "root"
)

// A Record is the persisted description of one node. Children maps
// partition name to child name to child node ID. For extracted children
// the name encodes the byte range, and the child owns no payload bytes
// of its own.
type Record struct {
	ID       string                       `cbor:"id" json:"id"`
	Path     string                       `cbor:"path" json:"path"`
	Source   string                       `cbor:"source" json:"source"`
	Offset   int64                        `cbor:"offset" json:"offset"`
	Size     int64                        `cbor:"size" json:"size"`
	Format   string                       `cbor:"format,omitempty" json:"format,omitempty"`
	Labels   []string                     `cbor:"labels,omitempty" json:"labels,omitempty"`
	Metadata map[string]any               `cbor:"metadata,omitempty" json:"metadata,omitempty"`
	Children map[string]map[string]string `cbor:"children,omitempty" json:"children,omitempty"`
}

// A Manifest describes one engine run.
type Manifest struct {
	Input    string   `cbor:"input" json:"input"`
	Started  int64    `cbor:"started" json:"started"` // unix seconds
	Finished int64    `cbor:"finished,omitempty" json:"finished,omitempty"`
	Complete bool     `cbor:"complete" json:"complete"`
	Workers  int      `cbor:"workers" json:"workers"`
	Formats  []string `cbor:"formats,omitempty" json:"formats,omitempty"`
}

// Records are encoded deterministically so identical scans produce
// byte-identical output trees.
var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(b []byte, v any) error {
	return cbor.Unmarshal(b, v)
}
