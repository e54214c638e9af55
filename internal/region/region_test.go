// Copyright (c) the strata authors
// Licensed under the MIT license

package region

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestSliceFlattens(t *testing.T) {
	src := FromBytes("mem", []byte("0123456789abcdef"))
	r := src.Whole("mem")
	mid, err := r.Slice(4, 8)
	expectErr(t, nil, err)
	inner, err := mid.Slice(2, 4)
	expectErr(t, nil, err)
	if inner.Offset() != 6 || inner.Size() != 4 {
		t.Errorf("expected [6,10), got [%d,%d)", inner.Offset(), inner.Offset()+inner.Size())
	}
	b, err := inner.Bytes()
	expectErr(t, nil, err)
	expectStr(t, "6789", string(b))
}

func TestSliceBounds(t *testing.T) {
	src := FromBytes("mem", make([]byte, 10))
	r := src.Whole("mem")
	for _, bad := range [][2]int64{{-1, 4}, {0, 0}, {0, -1}, {8, 3}, {10, 1}} {
		if _, err := r.Slice(bad[0], bad[1]); err == nil {
			t.Errorf("slice(%d,%d) should have failed", bad[0], bad[1])
		}
	}
	if _, err := r.Slice(9, 1); err != nil {
		t.Errorf("slice(9,1) should be fine: %v", err)
	}
}

func TestReadAtClamps(t *testing.T) {
	src := FromBytes("mem", []byte("0123456789"))
	r, _ := src.Whole("mem").Slice(2, 5) // "23456"
	p := make([]byte, 10)
	n, err := r.ReadAt(p, 3)
	if n != 2 || err != io.EOF {
		t.Errorf("expected (2, EOF), got (%d, %v)", n, err)
	}
	expectStr(t, "56", string(p[:n]))
	_, err = r.ReadAt(p, 5)
	expectErr(t, io.EOF, err)
}

func TestKeyIdentity(t *testing.T) {
	src := FromBytes("mem", make([]byte, 32))
	a, _ := src.Whole("a").Slice(4, 8)
	b, _ := src.Whole("b").Slice(4, 8)
	if a.Key() != b.Key() {
		t.Error("same extent of same source should share a claim key")
	}
	c, _ := src.Whole("c").Slice(4, 9)
	if a.Key() == c.Key() {
		t.Error("different extents should not share a claim key")
	}
}

func TestCopyToFileBacked(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("stratum"), 1000)
	in := filepath.Join(dir, "in.bin")
	if err := os.WriteFile(in, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := Open(in)
	expectErr(t, nil, err)
	defer src.Close()

	r, _ := src.Whole("in.bin").Slice(7, 700)
	out, err := os.Create(filepath.Join(dir, "out.bin"))
	expectErr(t, nil, err)
	n, err := CopyTo(out, r)
	expectErr(t, nil, err)
	if n != 700 {
		t.Errorf("expected 700 bytes copied, got %d", n)
	}
	// a second CopyTo appends
	n, err = CopyTo(out, r)
	expectErr(t, nil, err)
	if n != 700 {
		t.Errorf("expected 700 bytes copied, got %d", n)
	}
	out.Close()
	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	expectErr(t, nil, err)
	want := append(append([]byte{}, payload[7:707]...), payload[7:707]...)
	if !bytes.Equal(got, want) {
		t.Error("copied bytes differ from the source extent")
	}
}

func TestCopyToMemoryBacked(t *testing.T) {
	dir := t.TempDir()
	src := FromBytes("mem", []byte("0123456789"))
	r, _ := src.Whole("mem").Slice(1, 8)
	out, err := os.Create(filepath.Join(dir, "out.bin"))
	expectErr(t, nil, err)
	n, err := CopyTo(out, r)
	expectErr(t, nil, err)
	out.Close()
	if n != 8 {
		t.Errorf("expected 8 bytes copied, got %d", n)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "out.bin"))
	expectStr(t, "12345678", string(got))
}

func expectErr(t *testing.T, want, got error) {
	t.Helper()
	w, g := fmt.Sprint(want), fmt.Sprint(got)
	if w != g {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func expectStr(t *testing.T, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("expected %q, got %q", want, got)
	}
}
