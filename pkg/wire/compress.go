package wire

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// StreamCompressor produces zlib-compressed chunks with a Z_SYNC_FLUSH
// boundary after every message, so the chunks concatenate into one
// logical zlib stream across the connection's lifetime.
// Not safe for concurrent use.
type StreamCompressor struct {
	buf bytes.Buffer
	zw  *zlib.Writer
}

// NewStreamCompressor creates a compressor for one connection direction.
func NewStreamCompressor() *StreamCompressor {
	c := &StreamCompressor{}
	c.zw = zlib.NewWriter(&c.buf)
	return c
}

// CompressMessage compresses msg and flushes to a sync point, returning
// the bytes to send as one frame. The returned slice is only valid until
// the next call.
func (c *StreamCompressor) CompressMessage(msg []byte) ([]byte, error) {
	c.buf.Reset()
	if _, err := c.zw.Write(msg); err != nil {
		return nil, fmt.Errorf("wire: zlib write: %w", err)
	}
	if err := c.zw.Flush(); err != nil {
		return nil, fmt.Errorf("wire: zlib flush: %w", err)
	}
	return c.buf.Bytes(), nil
}

// StreamDecompressor consumes zlib sync-flush chunks fed one at a time
// and exposes the concatenated decompressed stream as an io.Reader.
// A single instance handles one client's entire session lifetime
//. Not safe for concurrent use. Feed waits only for the previous
// chunk to be consumed, so one goroutine may Feed a chunk and then read
// the message it carries from Reader.
type StreamDecompressor struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	prev chan error // result of the previous chunk's pipe write

	initOnce sync.Once
	zr       io.Reader
	initErr  error
}

// NewStreamDecompressor creates a decompressor for one connection direction.
func NewStreamDecompressor() *StreamDecompressor {
	pr, pw := io.Pipe()
	return &StreamDecompressor{pr: pr, pw: pw}
}

// Feed appends one compressed chunk (as produced by StreamCompressor,
// or received as one wire frame from a client) to the logical stream.
// It first waits until the previous chunk has been fully consumed by the
// Reader side, then starts writing this chunk into the pipe in the
// background and returns without waiting for it to be read.
func (d *StreamDecompressor) Feed(chunk []byte) error {
	if d.prev != nil {
		if err := <-d.prev; err != nil {
			return err
		}
	}
	done := make(chan error, 1)
	go func() {
		_, err := d.pw.Write(chunk)
		done <- err
	}()
	d.prev = done
	// NewReader reads the zlib header from the pipe, so it runs only once
	// the first chunk's write has started.
	d.initOnce.Do(func() {
		d.zr, d.initErr = zlib.NewReader(d.pr)
	})
	if d.initErr != nil {
		return fmt.Errorf("wire: zlib stream init: %w", d.initErr)
	}
	return nil
}

// Reader returns the decompressed byte stream. Valid only after the
// first successful Feed.
func (d *StreamDecompressor) Reader() io.Reader { return d.zr }

// Close tears down the underlying pipe.
func (d *StreamDecompressor) Close() error {
	return d.pw.Close()
}
