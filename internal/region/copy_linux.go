// Copyright (c) the strata authors
// Licensed under the MIT license

package region

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const copyChunk = 1 << 30

func kernelCopy(dst *os.File, woff int64, src *os.File, roff, n int64) (int64, error) {
	var copied int64
	for copied < n {
		chunk := min(n-copied, copyChunk)
		m, err := unix.CopyFileRange(int(src.Fd()), &roff, int(dst.Fd()), &woff, int(chunk), 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return copied, err
		}
		if m == 0 {
			return copied, io.ErrUnexpectedEOF
		}
		copied += int64(m)
	}
	return copied, nil
}
