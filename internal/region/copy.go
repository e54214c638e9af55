// Copyright (c) the strata authors
// Licensed under the MIT license

package region

import (
	"io"
	"os"
)

// CopyTo appends the bytes of r to dst. When both ends are regular files
// the bytes move in-kernel without a userspace buffer; any other case, or
// a kernel that refuses (cross-device, old kernel), finishes in userspace.
func CopyTo(dst *os.File, r *Region) (int64, error) {
	woff, err := dst.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	var done int64
	if src, ok := r.src.File(); ok {
		done, _ = kernelCopy(dst, woff, src, r.off, r.size)
		if done == r.size {
			_, err = dst.Seek(woff+done, io.SeekStart)
			return done, err
		}
	}
	if _, err := dst.Seek(woff+done, io.SeekStart); err != nil {
		return done, err
	}
	n, err := io.Copy(dst, io.NewSectionReader(r.src.raw, r.off+done, r.size-done))
	return done + n, err
}
