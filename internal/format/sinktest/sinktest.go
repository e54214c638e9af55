// Copyright (c) the strata authors
// Licensed under the MIT license

// Package sinktest provides an in-memory Sink for format tests, in the
// manner of testing/fstest: formats unpack into it and the test asserts
// on what was emitted, with no store or scheduler behind it.
package sinktest

import (
	"bytes"
	"io"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

// File is one child emitted through CreateFile or CopyRange.
type File struct {
	Partition format.Partition
	Path      string
	Attr      *format.Attr
	Data      []byte
	Off       int64 // CopyRange children only
	Length    int64
	Copied    bool // true when emitted via CopyRange
}

// Carve is one extracted child emitted through Carve.
type Carve struct {
	Name        string
	Off, Length int64
	Suggest     []string
}

// MemSink records everything a format emits. R backs CopyRange reads
// and may be nil if the test only checks offsets.
type MemSink struct {
	R           *region.Region
	Files       []*File
	Carves      []Carve
	Suggestions map[string][]string
}

func New(r *region.Region) *MemSink {
	return &MemSink{R: r, Suggestions: make(map[string][]string)}
}

func (s *MemSink) CreateFile(p format.Partition, path string, attr *format.Attr) (io.WriteCloser, error) {
	f := &File{Partition: p, Path: path, Attr: attr}
	s.Files = append(s.Files, f)
	return &fileWriter{f: f}, nil
}

func (s *MemSink) CopyRange(p format.Partition, path string, off, length int64, attr *format.Attr) error {
	f := &File{Partition: p, Path: path, Attr: attr, Off: off, Length: length, Copied: true}
	if s.R != nil && length > 0 {
		sub, err := s.R.Slice(off, length)
		if err != nil {
			return err
		}
		b, err := sub.Bytes()
		if err != nil {
			return err
		}
		f.Data = b
	}
	s.Files = append(s.Files, f)
	return nil
}

func (s *MemSink) Carve(name string, off, length int64, suggest ...string) error {
	s.Carves = append(s.Carves, Carve{Name: name, Off: off, Length: length, Suggest: suggest})
	return nil
}

func (s *MemSink) Suggest(path string, names ...string) {
	s.Suggestions[path] = append(s.Suggestions[path], names...)
}

// Find returns the first emitted file with the given path, or nil.
func (s *MemSink) Find(path string) *File {
	for _, f := range s.Files {
		if f.Path == path {
			return f
		}
	}
	return nil
}

type fileWriter struct {
	f   *File
	buf bytes.Buffer
}

func (w *fileWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fileWriter) Close() error {
	w.f.Data = w.buf.Bytes()
	return nil
}
