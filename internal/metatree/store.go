// Copyright (c) the strata authors
// Licensed under the MIT license

package metatree

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/strataforge/strata/internal/format"
)

// Store is the writing side of the tree, used by one engine run.
// Methods are safe for concurrent use by the worker pool.
type Store struct {
	dir string

	mu    sync.Mutex
	nodes map[string]*node
}

type node struct {
	rec       Record
	finalized bool
}

// NewStore creates the output directory and an empty arena.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, nodes: make(map[string]*node)}, nil
}

func (s *Store) Dir() string { return s.dir }

// Create allocates a node for a region about to be analyzed and returns
// its ID. The first node of a run, created with empty parent, is the
// root and gets the literal ID "root"; all others get a fresh UUID.
// The node stays invisible to readers until Finalize.
func (s *Store) Create(parent, path, source string, off, size int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := RootID
	if parent != "" {
		id = uuid.NewString()
	}
	s.nodes[id] = &node{rec: Record{
		ID:     id,
		Path:   path,
		Source: source,
		Offset: off,
		Size:   size,
	}}
	return id
}

// AttachChild records child under parent in the given partition.
// Attaching to a finalized or unknown parent is a programming error.
func (s *Store) AttachChild(parent string, p format.Partition, name, child string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[parent]
	if !ok {
		return fmt.Errorf("metatree: attach to unknown node %s", parent)
	}
	if n.finalized {
		return fmt.Errorf("metatree: attach to finalized node %s", parent)
	}
	if n.rec.Children == nil {
		n.rec.Children = make(map[string]map[string]string)
	}
	m := n.rec.Children[string(p)]
	if m == nil {
		m = make(map[string]string)
		n.rec.Children[string(p)] = m
	}
	if prev, dup := m[name]; dup && prev != child {
		return fmt.Errorf("metatree: %s/%s/%s already attached", parent, p, name)
	}
	m[name] = child
	return nil
}

// Annotate merges one metadata key into a node before it finalizes.
// Parents use it to record member attributes (mode, mtime, owner) on
// children whose own analysis has not run yet.
func (s *Store) Annotate(id, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("metatree: annotate unknown node %s", id)
	}
	if n.finalized {
		return fmt.Errorf("metatree: annotate finalized node %s", id)
	}
	if n.rec.Metadata == nil {
		n.rec.Metadata = make(map[string]any)
	}
	n.rec.Metadata[key] = value
	return nil
}

// Finalize fills in the analysis outcome and flushes the node to disk.
// The metadata map is merged over earlier annotations, the analysis
// winning on key collisions. The meta.cbor write is atomic; the node
// becomes visible with all its fields or not at all.
func (s *Store) Finalize(id, formatName string, labels []string, metadata map[string]any) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("metatree: finalize unknown node %s", id)
	}
	if n.finalized {
		s.mu.Unlock()
		return fmt.Errorf("metatree: finalize node %s twice", id)
	}
	n.finalized = true
	n.rec.Format = formatName
	n.rec.Labels = labels
	if len(metadata) > 0 {
		if n.rec.Metadata == nil {
			n.rec.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			n.rec.Metadata[k] = v
		}
	}
	rec := n.rec
	s.mu.Unlock()

	return s.flush(&rec)
}

// Get returns a copy of the node's current record.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return Record{}, false
	}
	return n.rec, true
}

// Finalized reports whether the node has been flushed. The deferred
// mechanism uses it to poll for a sibling's completion.
func (s *Store) Finalized(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	return ok && n.finalized
}

// NodeDir is the on-disk directory of a node. It need not exist yet.
func (s *Store) NodeDir(id string) string {
	return filepath.Join(s.dir, id)
}

// PayloadDir is where a node's unpacked children of one partition are
// written. Extracted children reference parent bytes and own no payload.
func (s *Store) PayloadDir(id string, p format.Partition) (string, error) {
	var sub string
	switch p {
	case format.Relative:
		sub = "rel"
	case format.Absolute:
		sub = "abs"
	case format.Block:
		sub = "block"
	default:
		return "", fmt.Errorf("metatree: partition %s has no payload dir", p)
	}
	return filepath.Join(s.dir, id, sub), nil
}

// IDs returns all node IDs, sorted, finalized or not.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) flush(rec *Record) error {
	dir := s.NodeDir(rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, PathFile), []byte(rec.Path+"\n")); err != nil {
		return err
	}
	buf, err := marshal(rec)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, MetaFile), buf)
}

// writeFileAtomic writes via a temp file in the same directory plus
// rename, so readers only ever see complete files.
func writeFileAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, base+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
