// Copyright (c) the strata authors
// Licensed under the MIT license

// Package squashfs recognizes squashfs 4.x images well enough to carve
// them out of surrounding firmware and report what they are. Decoding
// the compressed inode tables is out of scope; the superblock alone
// tells us the image extent and its vital statistics.
package squashfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"strconv"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{
		Name:       "squashfs",
		Extensions: []string{".squashfs", ".sqsh"},
		Signatures: []format.Signature{{Offset: 0, Magic: []byte("hsqs")}},
	}
}

var compressionNames = map[uint16]string{
	1: "gzip",
	2: "lzma",
	3: "lzo",
	4: "xz",
	5: "lz4",
	6: "zstd",
}

const superblockLen = 96

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	var sb [superblockLen]byte
	if _, err := io.ReadFull(io.NewSectionReader(r, 0, superblockLen), sb[:]); err != nil {
		return nil, format.Mismatchf("squashfs", "shorter than a superblock")
	}
	if !bytes.Equal(sb[:4], []byte("hsqs")) {
		return nil, format.Mismatchf("squashfs", "bad magic")
	}
	major := binary.LittleEndian.Uint16(sb[28:30])
	if major != 4 {
		return nil, format.Mismatchf("squashfs", "version %d, only 4.x is recognized", major)
	}
	blockSize := binary.LittleEndian.Uint32(sb[12:16])
	blockLog := binary.LittleEndian.Uint16(sb[22:24])
	if blockLog < 12 || blockLog > 20 || blockSize != 1<<blockLog {
		return nil, format.Mismatchf("squashfs", "block size %d does not match log %d", blockSize, blockLog)
	}
	compression := binary.LittleEndian.Uint16(sb[20:22])
	if _, ok := compressionNames[compression]; !ok {
		return nil, format.Mismatchf("squashfs", "unknown compression id %d", compression)
	}
	bytesUsed := int64(binary.LittleEndian.Uint64(sb[40:48]))
	if bytesUsed < superblockLen || bytesUsed > r.Size() {
		return nil, format.Mismatchf("squashfs", "bytes_used %d does not fit", bytesUsed)
	}
	return &instance{
		r:           r,
		bytesUsed:   bytesUsed,
		inodes:      binary.LittleEndian.Uint32(sb[4:8]),
		blockSize:   blockSize,
		compression: compressionNames[compression],
		minor:       binary.LittleEndian.Uint16(sb[30:32]),
	}, nil
}

type instance struct {
	r           *region.Region
	bytesUsed   int64
	inodes      uint32
	blockSize   uint32
	compression string
	minor       uint16
}

// Size claims the superblock's bytes_used, extended to the 4KiB
// boundary when the tail padding mksquashfs writes is present.
func (i *instance) Size(ctx context.Context) (int64, error) {
	padded := (i.bytesUsed + 4095) &^ 4095
	if padded == i.bytesUsed || padded > i.r.Size() {
		return i.bytesUsed, nil
	}
	pad := make([]byte, padded-i.bytesUsed)
	if _, err := io.ReadFull(io.NewSectionReader(i.r, i.bytesUsed, int64(len(pad))), pad); err != nil {
		return i.bytesUsed, nil
	}
	for _, b := range pad {
		if b != 0 {
			return i.bytesUsed, nil
		}
	}
	return padded, nil
}

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error {
	return nil
}

func (i *instance) Labels() []string { return []string{"filesystem"} }

func (i *instance) Metadata() map[string]any {
	return map[string]any{
		"version":     "4." + strconv.Itoa(int(i.minor)),
		"compression": i.compression,
		"blockSize":   int64(i.blockSize),
		"inodes":      int64(i.inodes),
	}
}
