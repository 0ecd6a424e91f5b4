package session

import (
	"bytes"
	"fmt"
	"net"
	"sync"

	"github.com/oisee/riscover/pkg/wire"
)

// State is the session's position in the Handshake → Ready → Running →
// Draining → Dead state machine.
type State int

const (
	StateHandshake State = iota
	StateReady
	StateRunning
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// MaxInFlightBytes bounds the sum of in-flight and about-to-be-sent
// bytes per session.
const MaxInFlightBytes = 512 * 1024

// StatsSink is the narrow interface a Session uses to report progress
// and loss, breaking the session↔scheduler cyclic reference with an
// observer instead of a back-pointer to the whole server.
type StatsSink interface {
	Printf(format string, args ...any)
	SessionLost(hostname string, err error)
}

type pendingItem struct {
	ticket    uint64
	nResults  int
	payload   []byte
	byteSize  int
	priority  bool
}

type inFlightItem struct {
	ticket   uint64
	nResults int
	byteSize int
}

// Session is one TCP connection to one runner core.
// The pending queue, in-flight list, results map, and seed belong to
// the session; external access goes only through
// Schedule/GetResults.
type Session struct {
	mu        sync.Mutex
	pendingCv *sync.Cond
	resultsCv *sync.Cond

	codec     *wire.Codec
	flags     wire.Flags
	Handshake Handshake
	MaxBatchN uint32
	Seed      uint64

	state   State
	deadErr error

	pending       []pendingItem
	pendingBytes  int
	inFlight      []inFlightItem
	inFlightBytes int
	results       map[uint64]wire.MultiResult

	nextTicket uint64

	stats StatsSink
}

// Accept performs the server side of the handshake over conn and starts
// the session's sender/receiver goroutines. isAArch64 controls the
// SVE/SME handshake fields; maxBatchN/seed are this session's allotment,
// chosen by the caller (typically the scheduler, one seed per session).
func Accept(conn net.Conn, isAArch64 bool, flags wire.Flags, maxBatchN uint32, seed uint64, stats StatsSink) (*Session, error) {
	codec := wire.NewCodec(conn, flags.CompressRecv)

	if err := codec.FeedNext(); err != nil {
		return nil, fmt.Errorf("session: handshake: reading first frame: %w", err)
	}
	hs, err := ReadHandshake(codec.Reader(), isAArch64)
	if err != nil {
		return nil, fmt.Errorf("session: handshake: %w", err)
	}

	if err := WriteHandshakeReply(&frameWriter{codec}, maxBatchN, seed); err != nil {
		return nil, fmt.Errorf("session: handshake reply: %w", err)
	}

	s := &Session{
		codec:     codec,
		flags:     flags,
		Handshake: hs,
		MaxBatchN: maxBatchN,
		Seed:      seed,
		state:     StateReady,
		results:   make(map[uint64]wire.MultiResult),
		stats:     stats,
	}
	s.pendingCv = sync.NewCond(&s.mu)
	s.resultsCv = sync.NewCond(&s.mu)

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	go s.feederLoop()
	go s.parserLoop()
	go s.senderLoop()

	return s, nil
}

// frameWriter adapts Codec's Send (a framed write) to an io.Writer for
// the handshake reply, which per is sent as one frame, not
// wrapped in any Input/Result envelope.
type frameWriter struct{ codec *wire.Codec }

func (w *frameWriter) Write(p []byte) (int, error) {
	if err := w.codec.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Hostname is a convenience accessor used by grouping and logging.
func (s *Session) Hostname() string { return s.Handshake.Hostname }

// IsDead reports whether the session has transitioned to Dead.
func (s *Session) IsDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateDead
}

// Schedule enqueues a packed message for sending and returns a ticket
// that GetResults can later wait on. nResults is the
// number of Result entries the runner will return for this input
// (seq_len if full_seq, else 1). Blocks only for queue backpressure —
// the byte budget bounds pending+in-flight bytes together, not just
// in-flight, so memory stays bounded even if the sender stalls.
func (s *Session) Schedule(payload []byte, nResults int, priority bool) (uint64, error) {
	byteSize := len(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.state != StateDead && s.pendingBytes+s.inFlightBytes+byteSize > MaxInFlightBytes {
		s.pendingCv.Wait()
	}
	if s.state == StateDead {
		return 0, s.deadErr
	}

	s.nextTicket++
	ticket := s.nextTicket
	item := pendingItem{ticket: ticket, nResults: nResults, payload: payload, byteSize: byteSize, priority: priority}
	if priority {
		s.pending = append([]pendingItem{item}, s.pending...)
	} else {
		s.pending = append(s.pending, item)
	}
	s.pendingBytes += byteSize
	s.pendingCv.Signal()
	return ticket, nil
}

// GetResults blocks until ticket's results are available or the session
// dies.
func (s *Session) GetResults(ticket uint64) (wire.MultiResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if mr, ok := s.results[ticket]; ok {
			delete(s.results, ticket)
			return mr, nil
		}
		if s.state == StateDead {
			unrelated := !s.ticketIsHeadOfInFlightLocked(ticket)
			return wire.MultiResult{}, &LostClient{Ticket: ticket, Unrelated: unrelated}
		}
		s.resultsCv.Wait()
	}
}

func (s *Session) ticketIsHeadOfInFlightLocked(ticket uint64) bool {
	if len(s.inFlight) == 0 {
		return false
	}
	return s.inFlight[0].ticket == ticket
}

// senderLoop merges queued pending items into wire messages respecting
// the byte budget and the 2*max_batch_n-1 result-count merge cap, then
// sends them.
func (s *Session) senderLoop() {
	for {
		s.mu.Lock()
		for s.state != StateDead && len(s.pending) == 0 {
			s.pendingCv.Wait()
		}
		if s.state == StateDead {
			s.mu.Unlock()
			return
		}

		mergeCap := 2*int(s.MaxBatchN) - 1
		var batch []pendingItem
		totalResults := 0
		totalBytes := 0
		for len(s.pending) > 0 {
			next := s.pending[0]
			if len(batch) > 0 {
				if totalResults+next.nResults > mergeCap {
					break
				}
				if s.inFlightBytes+totalBytes+next.byteSize > MaxInFlightBytes {
					break
				}
			}
			batch = append(batch, next)
			totalResults += next.nResults
			totalBytes += next.byteSize
			s.pending = s.pending[1:]
			s.pendingBytes -= next.byteSize
		}

		var merged bytes.Buffer
		for _, item := range batch {
			merged.Write(item.payload)
			s.inFlight = append(s.inFlight, inFlightItem{ticket: item.ticket, nResults: item.nResults, byteSize: item.byteSize})
		}
		s.inFlightBytes += totalBytes
		s.resultsCv.Signal()
		s.mu.Unlock()

		if err := s.codec.Send(merged.Bytes()); err != nil {
			s.markDead(fmt.Errorf("session: send: %w", err))
			return
		}
	}
}

// feederLoop continuously reads frames off the socket and feeds the
// persistent decompressor; it is the only goroutine that calls
// codec.FeedNext.
func (s *Session) feederLoop() {
	for {
		if err := s.codec.FeedNext(); err != nil {
			s.markDead(fmt.Errorf("session: recv: %w", err))
			return
		}
		s.mu.Lock()
		dead := s.state == StateDead
		s.mu.Unlock()
		if dead {
			return
		}
	}
}

// parserLoop demultiplexes decompressed reply bytes against the
// in-flight queue, in FIFO order.
func (s *Session) parserLoop() {
	reader := s.codec.Reader()
	for {
		s.mu.Lock()
		for s.state != StateDead && len(s.inFlight) == 0 {
			s.resultsCv.Wait()
		}
		if s.state == StateDead {
			s.mu.Unlock()
			return
		}
		head := s.inFlight[0]
		s.mu.Unlock()

		mr, err := wire.UnpackReplyBatch(reader, s.flags)
		if err != nil {
			s.markDead(fmt.Errorf("session: parse reply: %w", err))
			return
		}

		s.mu.Lock()
		s.inFlight = s.inFlight[1:]
		s.inFlightBytes -= head.byteSize
		s.results[head.ticket] = mr
		s.pendingCv.Signal() // budget freed
		s.resultsCv.Broadcast()
		s.mu.Unlock()
	}
}

// markDead transitions the session to Dead, failing every queued and
// in-flight ticket. The pending queue is dropped; the in-flight list is
// kept so GetResults can report the ticket at its head with
// Unrelated=false and every other lost ticket with Unrelated=true.
func (s *Session) markDead(err error) {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	s.state = StateDead
	s.deadErr = err
	hostname := s.Handshake.Hostname
	s.pending = nil
	s.mu.Unlock()

	s.pendingCv.Broadcast()
	s.resultsCv.Broadcast()
	_ = s.codec.Close()
	if s.stats != nil {
		s.stats.SessionLost(hostname, err)
	}
}

// Close forcibly tears the session down (used when the scheduler drains
// sessions intentionally Draining state).
func (s *Session) Close() {
	s.markDead(fmt.Errorf("session: closed by scheduler"))
}
