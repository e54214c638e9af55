// Copyright (c) the strata authors
// Licensed under the MIT license

package format

import (
	"bufio"
	"context"
	"io"
)

// ByteCounter counts the bytes handed to a decoder, buffering the
// underlying reads. It implements io.ByteReader, so the flate family of
// decoders use it directly instead of wrapping their own bufio.Reader;
// N is then exactly the number of bytes the decoder consumed, which is
// how a format with no length field reports its size.
type ByteCounter struct {
	br *bufio.Reader
	N  int64
}

func NewByteCounter(r io.Reader) *ByteCounter {
	return &ByteCounter{br: bufio.NewReader(r)}
}

func (c *ByteCounter) Read(p []byte) (int, error) {
	n, err := c.br.Read(p)
	c.N += int64(n)
	return n, err
}

func (c *ByteCounter) ReadByte() (byte, error) {
	b, err := c.br.ReadByte()
	if err == nil {
		c.N++
	}
	return b, err
}

// ContextReader stops a long decode when ctx is done. Formats wrap
// their input with it so a cancelled scan does not keep decompressing.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx, r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
