// Copyright (c) the strata authors
// Licensed under the MIT license

package carve

import (
	"io"

	"github.com/strataforge/strata/internal/region"
)

// Fill reports whether every byte of r is the same padding byte, and
// which one. Only 0x00 and 0xFF count as padding; a region of repeated
// 'A's is data that happens to be boring.
func Fill(r *region.Region) (fill byte, ok bool, err error) {
	var first [1]byte
	if _, err := r.ReadAt(first[:], 0); err != nil {
		return 0, false, err
	}
	fill = first[0]
	if fill != 0x00 && fill != 0xff {
		return 0, false, nil
	}

	buf := make([]byte, 64<<10)
	rd := r.Reader()
	for {
		n, err := rd.Read(buf)
		for _, b := range buf[:n] {
			if b != fill {
				return 0, false, nil
			}
		}
		if err == io.EOF {
			return fill, true, nil
		}
		if err != nil {
			return 0, false, err
		}
	}
}
