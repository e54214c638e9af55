// Copyright (c) the strata authors
// Licensed under the MIT license

package blockcache

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/strataforge/strata/internal/region"
)

func tempSource(t *testing.T, data []byte) *region.Source {
	t.Helper()
	p := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := region.Open(p)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { src.Close() })
	return src
}

func TestReadSpansBlocks(t *testing.T) {
	data := make([]byte, 3*blockSize+100)
	for i := range data {
		data[i] = byte(i * 7)
	}
	src := tempSource(t, data)
	f := New(1 << 20).Front(src)

	got := make([]byte, len(data))
	n, err := f.ReadAt(got, 0)
	if n != len(data) {
		t.Errorf("read %d of %d", n, len(data))
	}
	if err != nil && err != io.EOF {
		t.Error(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data mismatch")
	}

	// Unaligned read crossing a block boundary.
	got = make([]byte, 1000)
	if _, err := f.ReadAt(got, blockSize-500); err != nil {
		t.Error(err)
	}
	if !bytes.Equal(got, data[blockSize-500:blockSize+500]) {
		t.Error("unaligned read mismatch")
	}
}

func TestReadClampsAtEnd(t *testing.T) {
	data := []byte("short payload")
	src := tempSource(t, data)
	f := New(1 << 20).Front(src)

	got := make([]byte, 64)
	n, err := f.ReadAt(got, 0)
	if n != len(data) || err != io.EOF {
		t.Errorf("got n=%d err=%v, want n=%d err=EOF", n, err, len(data))
	}
	if _, err := f.ReadAt(got, int64(len(data))+5); err != io.EOF {
		t.Errorf("read past end: %v", err)
	}
}

func TestServedFromCache(t *testing.T) {
	p := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(p, bytes.Repeat([]byte{'a'}, blockSize), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := region.Open(p)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	f := New(1 << 20).Front(src)

	got := make([]byte, 16)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}

	// Rewrite the backing file; the cached block must still be served.
	if err := os.WriteFile(p, bytes.Repeat([]byte{'b'}, blockSize), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if got[0] != 'a' {
		t.Errorf("expected cached byte 'a', got %q", got[0])
	}
}
