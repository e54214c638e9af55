// Copyright (c) the strata authors
// Licensed under the MIT license

// Package blockcache keeps recently read file blocks in memory so that
// repeated candidate probes of the same region (every format re-reading
// the same header bytes) cost one disk read, not one per attempt.
package blockcache

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-tinylfu"

	"github.com/strataforge/strata/internal/region"
)

const (
	blockShift = 12
	blockSize  = 1 << blockShift // 4 KiB
	blockMask  = -blockSize
)

// A blk is immutable once it enters the cache; readers copy from it
// without holding the cache lock.
type blk struct {
	n    int // valid bytes; short only at end of source
	data [blockSize]byte
}

type cacheKey struct {
	src   uint64
	block int64
}

type Cache struct {
	mu  sync.Mutex
	lfu *tinylfu.T[cacheKey, *blk]
}

// New returns a cache holding roughly sizeBytes of file blocks.
func New(sizeBytes int64) *Cache {
	n := int(sizeBytes >> blockShift)
	if n < 16 {
		n = 16
	}
	return &Cache{lfu: tinylfu.New[cacheKey, *blk](n, n*10, keyHash)}
}

func keyHash(k cacheKey) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], k.src)
	binary.LittleEndian.PutUint64(buf[8:], uint64(k.block))
	return xxhash.Sum64(buf[:])
}

// Front returns a ReaderAt over src that satisfies reads from the cache.
func (c *Cache) Front(src *region.Source) io.ReaderAt {
	return front{c: c, src: src}
}

type front struct {
	c   *Cache
	src *region.Source
}

func (f front) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.EOF
	}
	size := f.src.Size()
	if off >= size {
		return 0, io.EOF
	}
	if off+int64(len(p)) > size {
		p = p[:size-off]
		err = io.EOF
	}
	for n < len(p) {
		b, blkErr := f.c.block(f.src, (off+int64(n))&blockMask)
		if blkErr != nil {
			return n, blkErr
		}
		inBlock := int((off + int64(n)) & (blockSize - 1))
		if inBlock >= b.n {
			return n, io.EOF
		}
		n += copy(p[n:], b.data[inBlock:b.n])
		if b.n < blockSize && n < len(p) {
			return n, io.EOF
		}
	}
	return n, err
}

// block fetches one aligned block, from cache or from the raw source.
// Concurrent misses on the same block may both read it; the results are
// identical, so the duplicate work is harmless.
func (c *Cache) block(src *region.Source, blockOff int64) (*blk, error) {
	k := cacheKey{src: src.ID(), block: blockOff >> blockShift}
	c.mu.Lock()
	b, ok := c.lfu.Get(k)
	c.mu.Unlock()
	if ok {
		return b, nil
	}

	b = new(blk)
	n, err := src.RawReadAt(b.data[:], blockOff)
	b.n = n
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	if err != nil && err != io.EOF {
		return nil, err
	}

	c.mu.Lock()
	c.lfu.Add(k, b)
	c.mu.Unlock()
	return b, nil
}
