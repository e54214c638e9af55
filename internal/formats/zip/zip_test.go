// Copyright (c) the strata authors
// Licensed under the MIT license

package zip

import (
	gozip "archive/zip"
	"bytes"
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/format/sinktest"
	"github.com/strataforge/strata/internal/region"
)

var mtime = time.Unix(1700000000, 0).UTC()

func archive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gozip.NewWriter(&buf)

	dir := &gozip.FileHeader{Name: "lib/", Modified: mtime}
	dir.SetMode(fs.ModeDir | 0o755)
	_, err := zw.CreateHeader(dir)
	require.NoError(t, err)

	raw := &gozip.FileHeader{Name: "lib/raw.bin", Method: gozip.Store, Modified: mtime}
	raw.SetMode(0o644)
	w, err := zw.CreateHeader(raw)
	require.NoError(t, err)
	_, err = w.Write([]byte("stored bytes, verbatim"))
	require.NoError(t, err)

	doc := &gozip.FileHeader{Name: "doc.txt", Method: gozip.Deflate, Modified: mtime}
	doc.SetMode(0o600)
	w, err = zw.CreateHeader(doc)
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte("compress me "), 40))
	require.NoError(t, err)

	ln := &gozip.FileHeader{Name: "latest", Method: gozip.Store, Modified: mtime}
	ln.SetMode(fs.ModeSymlink | 0o777)
	w, err = zw.CreateHeader(ln)
	require.NoError(t, err)
	_, err = w.Write([]byte("lib/raw.bin"))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func open(t *testing.T, b []byte) (format.Instance, *region.Region) {
	t.Helper()
	r := region.FromBytes("mem", b).Whole("a.zip")
	inst, err := Format{}.Open(context.Background(), r)
	require.NoError(t, err)
	return inst, r
}

func TestSizeExact(t *testing.T) {
	b := archive(t)
	inst, _ := open(t, b)
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), n)
}

func TestSizeTrailingJunk(t *testing.T) {
	b := archive(t)
	inst, _ := open(t, append(append([]byte{}, b...), 0xde, 0xad, 0xbe, 0xef))
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), n)
}

func TestSizeFirstArchiveOnly(t *testing.T) {
	b := archive(t)
	inst, _ := open(t, append(append([]byte{}, b...), b...))
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), n)
}

// A member whose data happens to contain an end-of-directory signature
// must not truncate the archive at that point.
func TestFalseRecordInMemberData(t *testing.T) {
	var buf bytes.Buffer
	zw := gozip.NewWriter(&buf)
	hdr := &gozip.FileHeader{Name: "trap.bin", Method: gozip.Store, Modified: mtime}
	hdr.SetMode(0o644)
	w, err := zw.CreateHeader(hdr)
	require.NoError(t, err)
	_, err = w.Write(append([]byte("PK\x05\x06"), make([]byte, 18)...))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	b := buf.Bytes()

	inst, _ := open(t, b)
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), n)
}

// A stored member that is itself a complete archive embeds a genuine,
// internally consistent end-of-directory record. Its one tell is the
// stated directory position, which falls short of where the directory
// sits in the outer file by the outer member's prefix. Stopping there
// would sever every member after it.
func TestStoredInnerArchive(t *testing.T) {
	var innerBuf bytes.Buffer
	zw := gozip.NewWriter(&innerBuf)
	hdr := &gozip.FileHeader{Name: "payload.txt", Method: gozip.Store, Modified: mtime}
	hdr.SetMode(0o644)
	w, err := zw.CreateHeader(hdr)
	require.NoError(t, err)
	_, err = w.Write([]byte("inner payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var buf bytes.Buffer
	zw = gozip.NewWriter(&buf)
	hdr = &gozip.FileHeader{Name: "inner.zip", Method: gozip.Store, Modified: mtime}
	hdr.SetMode(0o644)
	w, err = zw.CreateHeader(hdr)
	require.NoError(t, err)
	_, err = w.Write(innerBuf.Bytes())
	require.NoError(t, err)
	hdr = &gozip.FileHeader{Name: "after.txt", Method: gozip.Store, Modified: mtime}
	hdr.SetMode(0o644)
	w, err = zw.CreateHeader(hdr)
	require.NoError(t, err)
	_, err = w.Write([]byte("member after the nested archive"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	b := buf.Bytes()

	inst, r := open(t, b)
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), n)

	// The claim must cover both members, not just the nested trap.
	sink := sinktest.New(r)
	require.NoError(t, inst.Unpack(context.Background(), sink))
	require.NotNil(t, sink.Find("inner.zip"))
	after := sink.Find("after.txt")
	require.NotNil(t, after)
	assert.Equal(t, []byte("member after the nested archive"), after.Data)
}

func TestSizeComment(t *testing.T) {
	var buf bytes.Buffer
	zw := gozip.NewWriter(&buf)
	require.NoError(t, zw.SetComment("built by strata tests"))
	hdr := &gozip.FileHeader{Name: "a", Method: gozip.Store, Modified: mtime}
	hdr.SetMode(0o644)
	w, err := zw.CreateHeader(hdr)
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	b := buf.Bytes()

	inst, _ := open(t, append(append([]byte{}, b...), 0x00, 0x11))
	n, err := inst.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(b)), n)
	assert.Equal(t, "built by strata tests", inst.Metadata()["comment"])
}

func TestOpenRejects(t *testing.T) {
	for name, b := range map[string][]byte{
		"junk":      bytes.Repeat([]byte{0x51}, 64),
		"truncated": []byte("PK\x03\x04"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Format{}.Open(context.Background(), region.FromBytes("mem", b).Whole("x"))
			var m *format.Mismatch
			require.Error(t, err)
			assert.True(t, errors.As(err, &m))
		})
	}
}

func TestNoRecordIsMismatch(t *testing.T) {
	b := append([]byte("PK\x03\x04"), make([]byte, 200)...)
	inst, _ := open(t, b)
	_, err := inst.Size(context.Background())
	var m *format.Mismatch
	require.Error(t, err)
	assert.True(t, errors.As(err, &m))
}

func TestUnpack(t *testing.T) {
	b := archive(t)
	inst, r := open(t, b)
	sink := sinktest.New(r)
	require.NoError(t, inst.Unpack(context.Background(), sink))

	d := sink.Find("lib/")
	require.NotNil(t, d)
	assert.True(t, d.Attr.Mode.IsDir())

	raw := sink.Find("lib/raw.bin")
	require.NotNil(t, raw)
	assert.True(t, raw.Copied, "stored member should be carved from parent bytes")
	assert.Equal(t, []byte("stored bytes, verbatim"), raw.Data)
	assert.Equal(t, mtime, raw.Attr.ModTime.UTC())

	doc := sink.Find("doc.txt")
	require.NotNil(t, doc)
	assert.False(t, doc.Copied)
	assert.Equal(t, bytes.Repeat([]byte("compress me "), 40), doc.Data)

	ln := sink.Find("latest")
	require.NotNil(t, ln)
	assert.Equal(t, "lib/raw.bin", ln.Attr.Link)

	assert.Equal(t, int64(4), inst.Metadata()["entries"])
	assert.Equal(t, []string{"archive"}, inst.Labels())
}

func TestNonUTF8Name(t *testing.T) {
	var buf bytes.Buffer
	zw := gozip.NewWriter(&buf)
	hdr := &gozip.FileHeader{
		Name:     "caf\x82.txt", // 0x82 is e-acute in code page 437
		Method:   gozip.Store,
		Modified: mtime,
		NonUTF8:  true,
	}
	hdr.SetMode(0o644)
	w, err := zw.CreateHeader(hdr)
	require.NoError(t, err)
	_, err = w.Write([]byte("legacy name"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	inst, r := open(t, buf.Bytes())
	sink := sinktest.New(r)
	require.NoError(t, inst.Unpack(context.Background(), sink))
	f := sink.Find("café.txt")
	require.NotNil(t, f)
	assert.Equal(t, []byte("legacy name"), f.Data)
}
