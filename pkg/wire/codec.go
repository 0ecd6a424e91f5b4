package wire

import (
	"bufio"
	"fmt"
	"net"
	"sync"
)

// Codec is the server-side view of one client connection: framed reads
// and writes, with the client→server direction always zlib-decompressed
// and the server→client direction optionally compressed per the
// COMPRESS_RECV build flag.
type Codec struct {
	frame *FrameConn

	decomp    *StreamDecompressor
	decompBuf *bufio.Reader
	ready     chan struct{}
	readyOnce sync.Once

	compressSend bool
	comp         *StreamCompressor
}

// NewCodec wraps conn. compressSend mirrors the COMPRESS_RECV build flag:
// when true, every message this server sends is zlib sync-flush
// compressed before framing.
func NewCodec(conn net.Conn, compressSend bool) *Codec {
	c := &Codec{
		frame:        NewFrameConn(conn),
		decomp:       NewStreamDecompressor(),
		compressSend: compressSend,
		ready:        make(chan struct{}),
	}
	if compressSend {
		c.comp = NewStreamCompressor()
	}
	return c
}

// Send writes one logical message, compressing first if this direction
// is configured to.
func (c *Codec) Send(msg []byte) error {
	payload := msg
	if c.compressSend {
		compressed, err := c.comp.CompressMessage(msg)
		if err != nil {
			return err
		}
		payload = compressed
	}
	return c.frame.WriteFrame(payload)
}

// FeedNext reads one wire frame and feeds it into the persistent
// decompressor. It waits until the previous frame's bytes have been
// consumed off Reader but not for this frame's, so the handshake can be
// fed and parsed on one goroutine; afterwards the session calls it in a
// loop from a dedicated goroutine (the "network reader").
func (c *Codec) FeedNext() error {
	chunk, err := c.frame.ReadFrame()
	if err != nil {
		return err
	}
	if err := c.decomp.Feed(chunk); err != nil {
		return fmt.Errorf("wire: decompress: %w", err)
	}
	c.readyOnce.Do(func() {
		c.decompBuf = bufio.NewReaderSize(c.decomp.Reader(), 64*1024)
		close(c.ready)
	})
	return nil
}

// Reader blocks until the first frame has been fed, then returns the
// persistent decompressed-stream reader. Safe to call once and reuse the
// result across many parses.
func (c *Codec) Reader() *bufio.Reader {
	<-c.ready
	return c.decompBuf
}

// Close tears down the codec's connection and decompressor.
func (c *Codec) Close() error {
	_ = c.decomp.Close()
	return c.frame.Close()
}
