package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// MaxFrameSize bounds a single frame's payload. A length header larger
// than this is treated as a framing error, not an attempt to
// allocate an unbounded buffer.
const MaxFrameSize = 64 << 20 // 64 MiB

// FrameConn wraps a net.Conn with the wire's length-prefixed framing:
// every message is a u32 LE length followed by that many bytes.
type FrameConn struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewFrameConn wraps conn for framed reads and writes.
func NewFrameConn(conn net.Conn) *FrameConn {
	return &FrameConn{conn: conn, r: bufio.NewReaderSize(conn, 64*1024)}
}

// WriteFrame writes payload prefixed with its u32 LE length.
func (c *FrameConn) WriteFrame(payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A zero-byte read or EOF
// while reading the header is reported as io.EOF (caller maps it to a
// terminal session event "Cancellation").
func (c *FrameConn) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame length %d exceeds max %d", n, MaxFrameSize)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return buf, nil
}

// Close closes the underlying connection.
func (c *FrameConn) Close() error { return c.conn.Close() }
