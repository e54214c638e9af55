// Copyright (c) the strata authors
// Licensed under the MIT license

//go:build !linux

package region

import (
	"errors"
	"os"
)

var errNoKernelCopy = errors.New("in-kernel copy unsupported on this platform")

func kernelCopy(dst *os.File, woff int64, src *os.File, roff, n int64) (int64, error) {
	return 0, errNoKernelCopy
}
