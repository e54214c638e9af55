// Copyright (c) the strata authors
// Licensed under the MIT license

// Package formats is the catalog. Everything the engine can recognize
// is registered here, in one place, so a build either has a format or
// it does not; nothing registers itself from an init function.
package formats

import (
	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/formats/apm"
	"github.com/strataforge/strata/internal/formats/bzip2"
	"github.com/strataforge/strata/internal/formats/cpio"
	"github.com/strataforge/strata/internal/formats/elf"
	"github.com/strataforge/strata/internal/formats/gzip"
	"github.com/strataforge/strata/internal/formats/lz4"
	"github.com/strataforge/strata/internal/formats/mbr"
	"github.com/strataforge/strata/internal/formats/padding"
	"github.com/strataforge/strata/internal/formats/png"
	"github.com/strataforge/strata/internal/formats/romfs"
	"github.com/strataforge/strata/internal/formats/squashfs"
	"github.com/strataforge/strata/internal/formats/tar"
	"github.com/strataforge/strata/internal/formats/xz"
	"github.com/strataforge/strata/internal/formats/zip"
	"github.com/strataforge/strata/internal/formats/zstd"
)

// Register adds every built-in format to reg.
func Register(reg *format.Registry) {
	// Compressed streams.
	reg.Register(gzip.Format{})
	reg.Register(bzip2.Format{})
	reg.Register(xz.Format{})
	reg.Register(zstd.Format{})
	reg.Register(lz4.Format{})

	// Archives.
	reg.Register(tar.Format{})
	reg.Register(zip.Format{})
	reg.Register(cpio.Format{})

	// Filesystems and partition tables.
	reg.Register(romfs.Format{})
	reg.Register(squashfs.Format{})
	reg.Register(apm.Format{})
	reg.Register(mbr.Format{})

	// Leaves.
	reg.Register(png.Format{})
	reg.Register(elf.Format{})

	// Last resort.
	reg.Register(padding.Format{})
}

// NewRegistry returns a registry with the full catalog installed.
func NewRegistry() *format.Registry {
	reg := format.NewRegistry()
	Register(reg)
	return reg
}
