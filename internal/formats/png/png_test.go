// Copyright (c) the strata authors
// Licensed under the MIT license

package png

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	gopng "image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/region"
)

func picture(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 9, 5))
	for y := 0; y < 5; y++ {
		for x := 0; x < 9; x++ {
			img.Set(x, y, color.NRGBA{R: byte(x * 28), G: byte(y * 51), B: 0x40, A: 0xff})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, gopng.Encode(&buf, img))
	return buf.Bytes()
}

func open(t *testing.T, b []byte) format.Instance {
	t.Helper()
	inst, err := Format{}.Open(context.Background(), region.FromBytes("mem", b).Whole("img.png"))
	require.NoError(t, err)
	return inst
}

func TestSizeExact(t *testing.T) {
	b := picture(t)
	inst := open(t, b)
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), n)
}

func TestSizeTrailingJunk(t *testing.T) {
	b := picture(t)
	inst := open(t, append(append([]byte{}, b...), 0x11, 0x22, 0x33))
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), n)
}

func TestCorruptChunkRejected(t *testing.T) {
	b := picture(t)
	b[len(b)-20] ^= 0xff // inside IDAT
	inst := open(t, b)
	_, err := inst.Size(context.Background())
	var m *format.Mismatch
	require.Error(t, err)
	assert.True(t, errors.As(err, &m))
}

func TestTruncatedRejected(t *testing.T) {
	b := picture(t)
	inst := open(t, b[:len(b)-8])
	_, err := inst.Size(context.Background())
	var m *format.Mismatch
	require.Error(t, err)
	assert.True(t, errors.As(err, &m))
}

func TestOpenRejects(t *testing.T) {
	for name, b := range map[string][]byte{
		"junk":    bytes.Repeat([]byte{0x89}, 64),
		"short":   []byte("\x89PNG\r\n\x1a\n"),
		"notIHDR": append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIDAT"), make([]byte, 17)...),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Format{}.Open(context.Background(), region.FromBytes("mem", b).Whole("x"))
			var m *format.Mismatch
			require.Error(t, err)
			assert.True(t, errors.As(err, &m))
		})
	}
}

func TestMetadata(t *testing.T) {
	inst := open(t, picture(t))
	md := inst.Metadata()
	assert.Equal(t, int64(9), md["width"])
	assert.Equal(t, int64(5), md["height"])
	assert.Equal(t, int64(8), md["bitDepth"])
	assert.Equal(t, "truecolor-alpha", md["colorType"])
	assert.Equal(t, []string{"image"}, inst.Labels())
}
