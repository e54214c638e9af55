// Copyright (c) the strata authors
// Licensed under the MIT license

package zstd

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/format/sinktest"
	"github.com/strataforge/strata/internal/region"
)

// zstd of fixturePayload: single segment, raw block, content checksum.
const fixtureHex = "28b52ffd24410902007374726174612074657374207061796c6f61643a2074686520717569636b2062726f776e20666f78206a756d7073206f76657220746865206c617a7920646f670ad54ffda7"

// Hand-built frame: raw block, RLE block, raw last block, no checksum.
// Decodes to "AAAABBBBBCC".
const multiHex = "28b52ffd200b200000414141412a0000421100004343"

const fixturePayload = "strata test payload: the quick brown fox jumps over the lazy dog\n"

func decode(t *testing.T, h string) []byte {
	t.Helper()
	b, err := hex.DecodeString(h)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func sizeOf(t *testing.T, b []byte) int64 {
	t.Helper()
	r := region.FromBytes("mem", b).Whole("file.zst")
	inst, err := Format{}.Open(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	n, err := inst.Size(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestSizeExact(t *testing.T) {
	b := decode(t, fixtureHex)
	if n := sizeOf(t, b); n != int64(len(b)) {
		t.Errorf("size %d, want %d", n, len(b))
	}
}

func TestSizeMultiBlock(t *testing.T) {
	b := decode(t, multiHex)
	if n := sizeOf(t, b); n != int64(len(b)) {
		t.Errorf("size %d, want %d", n, len(b))
	}
}

func TestSizeTrailingJunk(t *testing.T) {
	b := decode(t, fixtureHex)
	whole := append(append([]byte{}, b...), 0xde, 0xad, 0xbe, 0xef)
	if n := sizeOf(t, whole); n != int64(len(b)) {
		t.Errorf("size %d, want %d", n, len(b))
	}
}

func TestSizeFirstFrameOnly(t *testing.T) {
	b := decode(t, fixtureHex)
	if n := sizeOf(t, append(append([]byte{}, b...), b...)); n != int64(len(b)) {
		t.Errorf("size %d, want %d (second frame claimed)", n, len(b))
	}
}

// skippable builds a skippable frame with the given magic nibble.
func skippable(nibble byte, payload []byte) []byte {
	f := []byte{0x50 | nibble&0xf, 0x2a, 0x4d, 0x18, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(f[4:8], uint32(len(payload)))
	return append(f, payload...)
}

// A trailing skippable frame (pzstd footer, seekable seek table) belongs
// to the stream it follows and must not be severed into a sibling.
func TestSizeSkippableTrailer(t *testing.T) {
	whole := append(decode(t, fixtureHex), skippable(0, make([]byte, 8))...)
	want := int64(len(whole))
	whole = append(whole, 0xde, 0xad) // foreign bytes still stay out
	if n := sizeOf(t, whole); n != want {
		t.Errorf("size %d, want %d", n, want)
	}
}

func TestSizeSkippableChain(t *testing.T) {
	whole := append(decode(t, fixtureHex), skippable(0xe, []byte("seek table"))...)
	whole = append(whole, skippable(0, nil)...)
	want := int64(len(whole))
	next := decode(t, multiHex) // a second content frame is a sibling
	if n := sizeOf(t, append(whole, next...)); n != want {
		t.Errorf("size %d, want %d", n, want)
	}
}

func TestSizeTruncatedSkippableExcluded(t *testing.T) {
	b := decode(t, fixtureHex)
	whole := append(append([]byte{}, b...), skippable(0, make([]byte, 64))[:12]...)
	if n := sizeOf(t, whole); n != int64(len(b)) {
		t.Errorf("size %d, want %d", n, len(b))
	}
}

func TestContentSizeMetadata(t *testing.T) {
	r := region.FromBytes("mem", decode(t, fixtureHex)).Whole("file.zst")
	inst, err := Format{}.Open(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	meta := inst.Metadata()
	if meta["uncompressed"] != int64(65) || meta["checksum"] != true {
		t.Errorf("metadata = %v", meta)
	}
}

func TestOpenRejects(t *testing.T) {
	cases := map[string][]byte{
		"junk":        []byte("this is not zstandard data"),
		"truncated":   {0x28, 0xb5, 0x2f, 0xfd},
		"reservedBit": {0x28, 0xb5, 0x2f, 0xfd, 0x08, 0x00},
	}
	for name, tc := range cases {
		r := region.FromBytes("mem", tc).Whole("x")
		_, err := Format{}.Open(context.Background(), r)
		var mm *format.Mismatch
		if !errors.As(err, &mm) {
			t.Errorf("%s: err = %v, want mismatch", name, err)
		}
	}
}

func TestReservedBlockType(t *testing.T) {
	b := decode(t, fixtureHex)
	b[6] |= 0x06 // block type bits
	r := region.FromBytes("mem", b).Whole("x.zst")
	inst, err := Format{}.Open(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	_, err = inst.Size(context.Background())
	var mm *format.Mismatch
	if !errors.As(err, &mm) {
		t.Fatalf("err = %v, want mismatch", err)
	}
}

func TestUnpack(t *testing.T) {
	r := region.FromBytes("mem", decode(t, fixtureHex)).Whole("img.tzst")
	inst, err := Format{}.Open(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	sink := sinktest.New(r)
	if err := inst.Unpack(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	f := sink.Find("img.tar")
	if f == nil {
		t.Fatalf("no img.tar emitted, files %v", sink.Files)
	}
	if !bytes.Equal(f.Data, []byte(fixturePayload)) {
		t.Errorf("payload %q", f.Data)
	}
}

func TestUnpackMultiBlock(t *testing.T) {
	r := region.FromBytes("mem", decode(t, multiHex)).Whole("blocks.zst")
	inst, err := Format{}.Open(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	sink := sinktest.New(r)
	if err := inst.Unpack(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	f := sink.Find("blocks")
	if f == nil {
		t.Fatalf("no payload emitted, files %v", sink.Files)
	}
	if string(f.Data) != "AAAABBBBBCC" {
		t.Errorf("payload %q, want AAAABBBBBCC", f.Data)
	}
}

// The claim includes the trailer, so the decode window does too; the
// decoder skips it and the payload comes out whole.
func TestUnpackThroughSkippableTrailer(t *testing.T) {
	b := append(decode(t, fixtureHex), skippable(0, []byte("footer"))...)
	r := region.FromBytes("mem", b).Whole("file.zst")
	inst, err := Format{}.Open(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	sink := sinktest.New(r)
	if err := inst.Unpack(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	f := sink.Find("file")
	if f == nil {
		t.Fatalf("no payload emitted, files %v", sink.Files)
	}
	if !bytes.Equal(f.Data, []byte(fixturePayload)) {
		t.Errorf("payload %q", f.Data)
	}
}
