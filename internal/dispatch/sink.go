// Copyright (c) the strata authors
// Licensed under the MIT license

package dispatch

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

// sink receives one format instance's children. Payload files are
// written under the node's partition directories through os.Root, so a
// hostile member path or symlink cannot escape the node; provenance and
// attributes go into the store; every non-empty payload is queued for
// its own analysis as soon as it is complete.
//
// A sink belongs to one unpack call and is not safe for concurrent use.
type sink struct {
	ctx      context.Context
	d        *Dispatcher
	nodeID   string
	nodePath string
	r        *region.Region

	roots   map[format.Partition]*os.Root
	dirs    map[format.Partition]string
	used    map[format.Partition]map[string]int
	suggest map[string][]string
}

func (d *Dispatcher) newSink(ctx context.Context, nodeID string, r *region.Region) *sink {
	nodePath := r.Path()
	if rec, ok := d.Store.Get(nodeID); ok {
		nodePath = rec.Path
	}
	return &sink{
		ctx:      ctx,
		d:        d,
		nodeID:   nodeID,
		nodePath: nodePath,
		r:        r,
		roots:    make(map[format.Partition]*os.Root),
		dirs:     make(map[format.Partition]string),
		used:     make(map[format.Partition]map[string]int),
		suggest:  make(map[string][]string),
	}
}

func (s *sink) Close() error {
	var first error
	for _, root := range s.roots {
		if err := root.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *sink) Suggest(path string, names ...string) {
	s.suggest[path] = append(s.suggest[path], names...)
}

func (s *sink) root(p format.Partition) (*os.Root, string, error) {
	if r, ok := s.roots[p]; ok {
		return r, s.dirs[p], nil
	}
	dir, err := s.d.Store.PayloadDir(s.nodeID, p)
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	r, err := os.OpenRoot(dir)
	if err != nil {
		return nil, "", err
	}
	s.roots[p] = r
	s.dirs[p] = dir
	return r, dir, nil
}

// memberRel normalizes an archive member path to a relative slash path.
// Absolute members keep their name but land relative to the partition
// directory; anything trying to climb out is rejected.
func memberRel(name string) (string, error) {
	rel := path.Clean(strings.TrimLeft(name, "/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || !fs.ValidPath(rel) {
		return "", fmt.Errorf("bad member path %q", name)
	}
	return rel, nil
}

// claimName resolves duplicate member names by numbering the later
// ones, so both copies stay in the tree.
func (s *sink) claimName(p format.Partition, name, rel string) (string, string) {
	m := s.used[p]
	if m == nil {
		m = make(map[string]int)
		s.used[p] = m
	}
	m[rel]++
	if n := m[rel]; n > 1 {
		suffix := fmt.Sprintf("~%d", n-1)
		return name + suffix, rel + suffix
	}
	return name, rel
}

func (s *sink) CreateFile(p format.Partition, name string, attr *format.Attr) (io.WriteCloser, error) {
	if p == format.Extracted {
		return nil, fmt.Errorf("extracted children carry no payload, use Carve")
	}
	rel, err := memberRel(name)
	if err != nil {
		return nil, err
	}
	root, dir, err := s.root(p)
	if err != nil {
		return nil, err
	}

	if attr != nil && attr.Mode.IsDir() {
		return discard{}, root.MkdirAll(rel, 0o755)
	}

	name, rel = s.claimName(p, name, rel)
	if parent := path.Dir(rel); parent != "." {
		if err := root.MkdirAll(parent, 0o755); err != nil {
			return nil, err
		}
	}

	if attr != nil && attr.Link != "" {
		if err := root.Symlink(attr.Link, rel); err != nil {
			return nil, err
		}
		err := s.d.leaf(s.nodeID, p, name, "", 0, 0,
			[]string{"symlink"}, map[string]any{"symlink": attr.Link})
		return discard{}, err
	}

	f, err := root.Create(rel)
	if err != nil {
		return nil, err
	}
	if attr != nil && attr.Mode.Perm() != 0 {
		f.Chmod(attr.Mode.Perm())
	}
	return &member{s: s, f: f, p: p, name: name, disk: filepath.Join(dir, filepath.FromSlash(rel)), attr: attr}, nil
}

func (s *sink) CopyRange(p format.Partition, name string, off, length int64, attr *format.Attr) error {
	w, err := s.CreateFile(p, name, attr)
	if err != nil {
		return err
	}
	if length > 0 {
		sub, err := s.r.Slice(off, length)
		if err != nil {
			w.Close()
			return err
		}
		if m, ok := w.(*member); ok {
			if _, err := region.CopyTo(m.f, sub); err != nil {
				w.Close()
				return err
			}
		} else {
			// Directory or symlink attr; nothing to copy into.
			return w.Close()
		}
	}
	return w.Close()
}

func (s *sink) Carve(name string, off, length int64, suggest ...string) error {
	sub, err := s.r.Slice(off, length)
	if err != nil {
		return err
	}
	_, _, err = s.d.Sched.Enqueue(s.nodeID, format.Extracted, name, sub, suggest...)
	return err
}

// member is an open payload file; closing it hands the finished bytes
// over for scheduling.
type member struct {
	s    *sink
	f    *os.File
	p    format.Partition
	name string
	disk string
	attr *format.Attr
}

func (m *member) Write(p []byte) (int, error) {
	if err := m.s.ctx.Err(); err != nil {
		return 0, err
	}
	return m.f.Write(p)
}

func (m *member) Close() error {
	fi, statErr := m.f.Stat()
	if err := m.f.Close(); err != nil {
		return err
	}
	if statErr != nil {
		return statErr
	}
	if m.attr != nil && !m.attr.ModTime.IsZero() {
		os.Chtimes(m.disk, m.attr.ModTime, m.attr.ModTime)
	}
	return m.s.finish(m.p, m.name, m.disk, fi.Size(), m.attr)
}

// finish records a completed payload: empty files become terminal
// leaves, everything else is opened as a fresh source and queued.
func (s *sink) finish(p format.Partition, name, disk string, size int64, attr *format.Attr) error {
	if size == 0 {
		return s.d.leaf(s.nodeID, p, name, disk, 0, 0, []string{"empty"}, attrMeta(attr))
	}
	src, err := region.Open(disk)
	if err != nil {
		return err
	}
	defer src.Release() // the scheduler holds its own reference
	s.d.front(src)

	id, fresh, err := s.d.Sched.Enqueue(s.nodeID, p, name, src.Whole(name), s.suggest[name]...)
	if err != nil {
		return err
	}
	if fresh {
		for k, v := range attrMeta(attr) {
			s.d.Store.Annotate(id, k, v)
		}
	}
	return nil
}

func attrMeta(attr *format.Attr) map[string]any {
	if attr == nil {
		return nil
	}
	m := make(map[string]any)
	if attr.Mode != 0 {
		m["mode"] = uint32(attr.Mode.Perm())
	}
	if !attr.ModTime.IsZero() {
		m["mtime"] = attr.ModTime.Unix()
	}
	if attr.UID != 0 {
		m["uid"] = attr.UID
	}
	if attr.GID != 0 {
		m["gid"] = attr.GID
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }
