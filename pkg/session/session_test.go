package session

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/oisee/riscover/pkg/wire"
)

type fakeStats struct {
	lost chan string
}

func (f *fakeStats) Printf(string, ...any)             {}
func (f *fakeStats) SessionLost(hostname string, _ error) { f.lost <- hostname }

func writeU32(w io.Writer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeString(w io.Writer, s string) {
	writeU32(w, uint32(len(s)))
	io.WriteString(w, s)
}

// writeHandshake writes a client handshake in the exact field order
// ReadHandshake expects, for isAArch64=false (no SVE/SME fields).
func writeHandshake(w io.Writer, hostname string) {
	writeString(w, hostname)
	writeU32(w, 4)
	writeU32(w, 0)
	writeString(w, "lscpu")
	writeString(w, "cpuinfo")
	writeString(w, "possible")
	writeU32(w, 0) // vec_size absent
	writeU32(w, 0) // tag_count
	writeString(w, "deadbeef")
}

func TestAcceptHandshake(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	flags := wire.Flags{NumGP: 4}
	stats := &fakeStats{lost: make(chan string, 1)}

	type result struct {
		s   *Session
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		s, err := Accept(serverConn, false, flags, 64, 0xCAFE, stats)
		resCh <- result{s, err}
	}()

	// Client side: send handshake, then read the reply frame (u32 length
	// header + max_batch_n/seed payload).
	fc := wire.NewFrameConn(clientConn)
	hsBuf := clientHandshakeBytes("worker-1")
	if err := fc.WriteFrame(hsBuf); err != nil {
		t.Fatalf("write handshake frame: %v", err)
	}

	replyFrame, err := fc.ReadFrame()
	if err != nil {
		t.Fatalf("read handshake reply: %v", err)
	}
	if len(replyFrame) != 12 {
		t.Fatalf("handshake reply length = %d, want 12", len(replyFrame))
	}
	maxBatchN := binary.LittleEndian.Uint32(replyFrame[0:4])
	seed := binary.LittleEndian.Uint64(replyFrame[4:12])
	if maxBatchN != 64 || seed != 0xCAFE {
		t.Fatalf("got maxBatchN=%d seed=%#x, want 64,0xCAFE", maxBatchN, seed)
	}

	select {
	case r := <-resCh:
		if r.err != nil {
			t.Fatalf("Accept: %v", r.err)
		}
		if r.s.Handshake.Hostname != "worker-1" {
			t.Errorf("hostname = %q, want worker-1", r.s.Handshake.Hostname)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
}

func TestScheduleGetResultsRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	flags := wire.Flags{NumGP: 4}
	stats := &fakeStats{lost: make(chan string, 1)}

	sessCh := make(chan *Session, 1)
	go func() {
		s, err := Accept(serverConn, false, flags, 8, 42, stats)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		sessCh <- s
	}()

	fc := wire.NewFrameConn(clientConn)
	hsBuf := clientHandshakeBytes("worker-2")
	if err := fc.WriteFrame(hsBuf); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if _, err := fc.ReadFrame(); err != nil {
		t.Fatalf("read handshake reply: %v", err)
	}

	var sess *Session
	select {
	case sess = <-sessCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session")
	}

	// Client goroutine: read the (compressed, since CompressRecv default
	// false means server doesn't compress sends, but client->server is
	// always zlib) merged input frame is NOT compressed here because this
	// is server->client direction. Server sends plain frames unless
	// CompressRecv is set; decode directly.
	clientDone := make(chan error, 1)
	go func() {
		inputFrame, err := fc.ReadFrame()
		if err != nil {
			clientDone <- err
			return
		}
		_ = inputFrame // opaque packed Input bytes; this test only checks replies flow back

		// Build one reply batch: full_seq=false, single Result with one
		// changed register, then zlib sync-flush compress it (client->server
		// is always compressed) and send as one frame.
		res := wire.Result{Signum: 0, RegsAfter: []wire.RegValue{{Index: 1}}}
		res.RegsAfter[0].Value[0] = 7
		reply := wire.PackReplyBatch(wire.MultiResult{Steps: []wire.Result{res}}, false, flags)

		var buf bytesBuffer
		zw := zlib.NewWriter(&buf)
		zw.Write(reply)
		zw.Flush()

		clientDone <- fc.WriteFrame(buf.Bytes())
	}()

	ticket, err := sess.Schedule([]byte{0xAA, 0xBB}, 1, false)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	mr, err := sess.GetResults(ticket)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if len(mr.Steps) != 1 {
		t.Fatalf("got %d steps, want 1", len(mr.Steps))
	}
	if mr.Steps[0].RegsAfter[0].Index != 1 || mr.Steps[0].RegsAfter[0].Value[0] != 7 {
		t.Errorf("unexpected result: %+v", mr.Steps[0])
	}

	if err := <-clientDone; err != nil {
		t.Fatalf("client goroutine: %v", err)
	}
}

func clientHandshakeBytes(hostname string) []byte {
	pr, pw := io.Pipe()
	go func() {
		writeHandshake(pw, hostname)
		pw.Close()
	}()
	b, _ := io.ReadAll(pr)
	return b
}

// bytesBuffer is a tiny io.Writer+Bytes() helper that collects the
// compressed reply without importing package bytes.
type bytesBuffer struct {
	data []byte
}

func (b *bytesBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
func (b *bytesBuffer) Bytes() []byte { return b.data }

func TestMultiClientScheduleFailsWithNoMembers(t *testing.T) {
	g := NewMultiClient(nil)
	if _, err := g.Schedule([]byte{1}, 1, false); err == nil {
		t.Fatal("expected error scheduling on an empty MultiClient")
	}
}
