// Copyright (c) the strata authors
// Licensed under the MIT license

package scancache

import (
	"path/filepath"
	"testing"
)

func TestRememberAndLookup(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, ok := c.Lookup("deadbeef"); ok {
		t.Error("phantom hit")
	}
	c.Remember("deadbeef", "gzip")
	name, ok := c.Lookup("deadbeef")
	if !ok || name != "gzip" {
		t.Errorf("got %q %v", name, ok)
	}
}

func TestSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	c.Remember("cafe", "tar")
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	name, ok := c.Lookup("cafe")
	if !ok || name != "tar" {
		t.Errorf("got %q %v", name, ok)
	}
}
