// Copyright (c) the strata authors
// Licensed under the MIT license

package metatree

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/strataforge/strata/internal/format"
)

// ErrNoNode means the node directory exists without a valid record, or
// not at all; either way the node is not visible.
var ErrNoNode = errors.New("metatree: no such node")

// ReadNode loads one node record from a persisted tree.
func ReadNode(outDir, id string) (*Record, error) {
	buf, err := os.ReadFile(filepath.Join(outDir, id, MetaFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoNode
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := unmarshal(buf, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// WriteManifest records the run state at the output root.
func WriteManifest(outDir string, m *Manifest) error {
	buf, err := marshal(m)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(outDir, ManifestFile), buf)
}

func ReadManifest(outDir string) (*Manifest, error) {
	buf, err := os.ReadFile(filepath.Join(outDir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := unmarshal(buf, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Partitions is the fixed display and traversal order.
var Partitions = []format.Partition{
	format.Relative, format.Absolute, format.Extracted, format.Block,
}

// A Visit is one node encountered during Walk, with how it hangs off
// its parent. The root has depth 0 and empty partition and name.
type Visit struct {
	Depth     int
	Partition format.Partition
	Name      string
	Rec       *Record
}

// Walk traverses the persisted tree depth-first from the root, parents
// before children. Children are ordered by partition, then by byte
// offset for extracted children and by name for the rest. Children that
// never finalized (a crashed run) are skipped. The visit function
// returning fs.SkipDir prunes that subtree.
func Walk(outDir string, visit func(v Visit) error) error {
	root, err := ReadNode(outDir, RootID)
	if err != nil {
		return err
	}
	return walk(outDir, Visit{Rec: root}, visit)
}

func walk(outDir string, v Visit, visit func(v Visit) error) error {
	switch err := visit(v); err {
	case nil:
	case fs.SkipDir:
		return nil
	default:
		return err
	}
	for _, p := range Partitions {
		m := v.Rec.Children[string(p)]
		if len(m) == 0 {
			continue
		}
		kids := make([]Visit, 0, len(m))
		for name, id := range m {
			rec, err := ReadNode(outDir, id)
			if err == ErrNoNode {
				continue
			}
			if err != nil {
				return err
			}
			kids = append(kids, Visit{v.Depth + 1, p, name, rec})
		}
		sort.Slice(kids, func(a, b int) bool {
			if p == format.Extracted && kids[a].Rec.Offset != kids[b].Rec.Offset {
				return kids[a].Rec.Offset < kids[b].Rec.Offset
			}
			return kids[a].Name < kids[b].Name
		})
		for _, kid := range kids {
			if err := walk(outDir, kid, visit); err != nil {
				return err
			}
		}
	}
	return nil
}
