// Copyright (c) the strata authors
// Licensed under the MIT license

// Package scancache remembers which format a blob of bytes turned out
// to be, keyed by content hash, across runs. A hit only promotes that
// format to the front of the candidate list; a stale or wrong entry
// costs one extra mismatch and nothing else, so the cache can never
// change what a scan concludes.
package scancache

import (
	"errors"
	"log/slog"

	"github.com/cockroachdb/pebble/v2"
)

type Cache struct {
	db *pebble.DB
}

// Open opens (or creates) the cache database at dir.
func Open(dir string) (*Cache, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Lookup returns the format name last confirmed for this content hash.
func (c *Cache) Lookup(sum string) (string, bool) {
	value, closer, err := c.db.Get([]byte(sum))
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			slog.Debug("scanCacheReadError", "err", err)
		}
		return "", false
	}
	name := string(value)
	closer.Close()
	return name, true
}

// Remember records a confirmed match. Best-effort: a failed write is
// only a lost hint.
func (c *Cache) Remember(sum, format string) {
	if err := c.db.Set([]byte(sum), []byte(format), pebble.NoSync); err != nil {
		slog.Debug("scanCacheWriteError", "err", err)
	}
}
