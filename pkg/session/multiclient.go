package session

import (
	"fmt"
	"sync"

	"github.com/oisee/riscover/pkg/wire"
)

// GroupBy selects the grouping predicate for forming MultiClients from
// connected sessions.
type GroupBy int

const (
	GroupNone GroupBy = iota
	GroupByMIDR
	GroupOnePerMIDR
	GroupByHostname
	GroupByHostnameMicroarch
)

// MIDR computes the Main ID Register fingerprint:
// implementer<<24 | architecture<<16 | variant<<20 | part<<4 | revision.
func MIDR(implementer, architecture, variant, part, revision uint32) uint64 {
	return uint64(implementer)<<24 | uint64(architecture)<<16 | uint64(variant)<<20 | uint64(part)<<4 | uint64(revision)
}

// GroupKey computes the grouping key for a session's handshake tags
// under the given predicate. Tags are expected to carry "midr" (hex
// string), "microarch" as applicable; GroupNone returns a unique key per
// session (no grouping).
func GroupKey(by GroupBy, s *Session) string {
	switch by {
	case GroupByMIDR, GroupOnePerMIDR:
		return s.Handshake.Tags["midr"]
	case GroupByHostname:
		return s.Handshake.Hostname
	case GroupByHostnameMicroarch:
		return s.Handshake.Hostname + "+" + s.Handshake.Tags["microarch"]
	default:
		return fmt.Sprintf("session-%p", s)
	}
}

// MultiClient fans schedules across its member sessions round-robin and
// tracks which member answered each outer ticket, so member loss can be
// distinguished from total group loss.
type MultiClient struct {
	mu      sync.Mutex
	members []*Session
	next    int

	// outerTicket -> (member index at schedule time, inner ticket)
	routing map[uint64]route

	nextOuter uint64
}

type route struct {
	memberIdx int
	inner     uint64
}

// NewMultiClient groups sessions into one logical client.
func NewMultiClient(members []*Session) *MultiClient {
	return &MultiClient{
		members: append([]*Session(nil), members...),
		routing: make(map[uint64]route),
	}
}

// MemberCount returns the number of live members.
func (g *MultiClient) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Schedule fans out to the next member round-robin.
func (g *MultiClient) Schedule(payload []byte, nResults int, priority bool) (uint64, error) {
	g.mu.Lock()
	if len(g.members) == 0 {
		g.mu.Unlock()
		return 0, GroupLost{}
	}
	idx := g.next % len(g.members)
	g.next++
	member := g.members[idx]
	g.nextOuter++
	outer := g.nextOuter
	g.mu.Unlock()

	inner, err := member.Schedule(payload, nResults, priority)
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	g.routing[outer] = route{memberIdx: idx, inner: inner}
	g.mu.Unlock()
	return outer, nil
}

// GroupLost is returned once every member has been removed.
type GroupLost struct{}

func (GroupLost) Error() string { return "session: MultiClient: group lost, no members remain" }

// MemberLost is returned when one member died but others remain; the
// caller keeps using the same MultiClient.
type MemberLost struct {
	Hostname string
	Err      error
}

func (e *MemberLost) Error() string {
	return fmt.Sprintf("session: MultiClient: member %s lost: %v", e.Hostname, e.Err)
}
func (e *MemberLost) Unwrap() error { return e.Err }

// GetResults forwards to the member that was scheduled, removing it from
// the group on death and reporting member-lost vs group-lost per
//.
func (g *MultiClient) GetResults(outer uint64) (wire.MultiResult, error) {
	g.mu.Lock()
	r, ok := g.routing[outer]
	if !ok {
		g.mu.Unlock()
		return wire.MultiResult{}, fmt.Errorf("session: MultiClient: unknown outer ticket %d", outer)
	}
	if r.memberIdx >= len(g.members) {
		g.mu.Unlock()
		return wire.MultiResult{}, GroupLost{}
	}
	member := g.members[r.memberIdx]
	g.mu.Unlock()

	mr, err := member.GetResults(r.inner)
	if err == nil {
		g.mu.Lock()
		delete(g.routing, outer)
		g.mu.Unlock()
		return mr, nil
	}

	var lost *LostClient
	if !isLostClient(err, &lost) {
		return wire.MultiResult{}, err
	}

	g.mu.Lock()
	hostname := member.Hostname()
	g.removeMemberLocked(r.memberIdx)
	remaining := len(g.members)
	g.mu.Unlock()

	if remaining > 0 {
		return wire.MultiResult{}, &MemberLost{Hostname: hostname, Err: err}
	}
	return wire.MultiResult{}, GroupLost{}
}

func (g *MultiClient) removeMemberLocked(idx int) {
	g.members = append(g.members[:idx], g.members[idx+1:]...)
	// Any routing entries pointing past idx must shift down by one to stay
	// valid; entries pointing at idx are deleted, so a later GetResults
	// for one of them returns the unknown-outer-ticket error rather than
	// MemberLost/GroupLost.
	for ticket, r := range g.routing {
		switch {
		case r.memberIdx == idx:
			delete(g.routing, ticket)
		case r.memberIdx > idx:
			r.memberIdx--
			g.routing[ticket] = r
		}
	}
}

func isLostClient(err error, target **LostClient) bool {
	lc, ok := err.(*LostClient)
	if ok {
		*target = lc
	}
	return ok
}
