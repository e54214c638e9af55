// Copyright (c) the strata authors
// Licensed under the MIT license

// Package padding claims regions that are nothing but fill bytes, the
// runs of 0x00 or 0xFF between the interesting parts of a flash image.
// It declares no signature and no extension, so the selector only tries
// it after every real format has said no.
package padding

import (
	"context"
	"fmt"

	"github.com/strataforge/strata/internal/carve"
	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

type Format struct{}

func (Format) Descriptor() format.Descriptor {
	return format.Descriptor{Name: "padding"}
}

func (Format) Open(ctx context.Context, r *region.Region) (format.Instance, error) {
	if r.Size() == 0 {
		return nil, format.Mismatchf("padding", "empty region")
	}
	fill, ok, err := carve.Fill(r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, format.Mismatchf("padding", "not a uniform fill")
	}
	return &instance{size: r.Size(), fill: fill}, nil
}

type instance struct {
	size int64
	fill byte
}

func (i *instance) Size(ctx context.Context) (int64, error) { return i.size, nil }

func (i *instance) Unpack(ctx context.Context, sink format.Sink) error { return nil }

func (i *instance) Labels() []string { return []string{"padding"} }

func (i *instance) Metadata() map[string]any {
	return map[string]any{"fill": fmt.Sprintf("%#04x", i.fill)}
}
