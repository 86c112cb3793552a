// =============================================================================
// LOCK SERVER - Caching lock service as a replicated state machine
// =============================================================================
//
// Every replica applies Acquire/Release/Stat in viewstamp order, so the
// lock table is identical everywhere. Clients cache locks they own:
//
//   Acquire  free lock      -> OK, caller owns it
//            owned elsewhere -> RETRY, caller queued, owner gets a revoke
//   Release  by the owner   -> lock free, first waiter gets a retry
//
// Revoke and retry are side effects, not state. Every replica queues them
// on its notice channel, but only the primary's notifier actually sends
// them; backups drain and drop theirs. A lost notice is repaired by the
// client's periodic re-acquire, which re-queues the revoke.
//
// =============================================================================

package lock

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/senutpal/lockrsm/internal/rsm"
	"github.com/senutpal/lockrsm/internal/transport"
)

const Debug = false

func DPrintf(format string, a ...any) {
	if Debug {
		log.Printf(format, a...)
	}
}

// Replica is the part of an RSM replica the lock server needs.
type Replica interface {
	Me() string
	Handle(proc int, fn rsm.Proc)
	SetStateTransfer(st rsm.StateTransfer)
	AmIPrimary() bool
	Transport() transport.Transport
}

type ServerOptions struct {
	NoticeBuffer  int           // capacity of the notice channel
	NoticeTimeout time.Duration // one revoke/retry call
}

func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		NoticeBuffer:  256,
		NoticeTimeout: time.Second,
	}
}

type noticeKind int

const (
	revoke noticeKind = iota
	retry
)

type notice struct {
	kind   noticeKind
	lid    uint64
	client string
}

// lockState is one entry of the replicated lock table.
type lockState struct {
	Owner   string
	Waiters []string
	Grants  int
}

// applied remembers the last request a client made on a lock.
type applied struct {
	Xid   uint64
	Reply Reply
}

// table is the replicated state, and the unit of state transfer.
type table struct {
	Locks map[uint64]*lockState
	Seen  map[string]applied
}

type Server struct {
	rep  Replica
	opts ServerOptions

	mu    sync.Mutex
	state table

	notices chan notice
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewServer installs the lock procedures and state transfer on rep. Call
// Start to begin delivering notices.
func NewServer(rep Replica, opts ServerOptions) *Server {
	s := &Server{
		rep:     rep,
		opts:    opts,
		state:   newTable(),
		notices: make(chan notice, opts.NoticeBuffer),
	}
	rep.Handle(ProcAcquire, s.acquireProc)
	rep.Handle(ProcRelease, s.releaseProc)
	rep.Handle(ProcStat, s.statProc)
	rep.SetStateTransfer(s)
	return s
}

func newTable() table {
	return table{Locks: make(map[uint64]*lockState), Seen: make(map[string]applied)}
}

func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.notifier(s.stopCh)
}

func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) lock(lid uint64) *lockState {
	l, ok := s.state.Locks[lid]
	if !ok {
		l = &lockState{}
		s.state.Locks[lid] = l
	}
	return l
}

// dedup returns the stored reply if this exact request was applied
// before. Requests older than the last one get RETRY; their caller has
// already moved on.
func (s *Server) dedup(req Request) (Reply, bool) {
	seen, ok := s.state.Seen[seenKey(req)]
	if !ok || req.Xid > seen.Xid {
		return Reply{}, false
	}
	if req.Xid == seen.Xid {
		return seen.Reply, true
	}
	return Reply{Status: RETRY}, true
}

func (s *Server) record(req Request, rep Reply) Reply {
	s.state.Seen[seenKey(req)] = applied{Xid: req.Xid, Reply: rep}
	return rep
}

func seenKey(req Request) string { return fmt.Sprintf("%s/%d", req.Client, req.Lid) }

func (s *Server) acquireProc(data []byte) []byte {
	var req Request
	if err := unmarshal(data, &req); err != nil {
		log.Printf("[%s] lock: acquire: %v", s.rep.Me(), err)
		return nil
	}
	return marshal(s.Acquire(req))
}

func (s *Server) releaseProc(data []byte) []byte {
	var req Request
	if err := unmarshal(data, &req); err != nil {
		log.Printf("[%s] lock: release: %v", s.rep.Me(), err)
		return nil
	}
	return marshal(s.Release(req))
}

func (s *Server) statProc(data []byte) []byte {
	var req Request
	if err := unmarshal(data, &req); err != nil {
		return nil
	}
	return marshal(s.Stat(req.Lid))
}

// Acquire grants lid to req.Client if nobody owns it. Otherwise the client
// is queued and the owner is asked to give the lock back.
func (s *Server) Acquire(req Request) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rep, ok := s.dedup(req); ok {
		return rep
	}
	l := s.lock(req.Lid)
	DPrintf("[%s] lock: acquire %d by %s (owner %q, waiters %v)", s.rep.Me(), req.Lid, req.Client, l.Owner, l.Waiters)

	switch l.Owner {
	case "":
		l.Owner = req.Client
		l.Grants++
		l.Waiters = remove(l.Waiters, req.Client)
		if len(l.Waiters) > 0 {
			s.notify(revoke, req.Lid, req.Client)
		}
		return s.record(req, Reply{Status: OK, Grants: l.Grants})
	case req.Client:
		return s.record(req, Reply{Status: OK, Grants: l.Grants})
	}
	if !containsClient(l.Waiters, req.Client) {
		l.Waiters = append(l.Waiters, req.Client)
	}
	s.notify(revoke, req.Lid, l.Owner)
	return s.record(req, Reply{Status: RETRY, Grants: l.Grants})
}

// Release returns lid to the server and wakes the first waiter. A release
// from a client that does not own the lock changes nothing.
func (s *Server) Release(req Request) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rep, ok := s.dedup(req); ok {
		return rep
	}
	l := s.lock(req.Lid)
	if l.Owner != req.Client {
		DPrintf("[%s] lock: release %d by non-owner %s", s.rep.Me(), req.Lid, req.Client)
		return s.record(req, Reply{Status: OK, Grants: l.Grants})
	}
	l.Owner = ""
	if len(l.Waiters) > 0 {
		s.notify(retry, req.Lid, l.Waiters[0])
	}
	return s.record(req, Reply{Status: OK, Grants: l.Grants})
}

// Stat reports how many times lid has been granted.
func (s *Server) Stat(lid uint64) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	grants := 0
	if l, ok := s.state.Locks[lid]; ok {
		grants = l.Grants
	}
	return Reply{Status: OK, Grants: grants}
}

// Owner reports who holds lid, "" if nobody.
func (s *Server) Owner(lid uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.state.Locks[lid]; ok {
		return l.Owner
	}
	return ""
}

// notify queues a notice without blocking: procedures run under the RSM
// lock, which the notifier needs to check for primacy. A full channel
// drops the notice.
func (s *Server) notify(kind noticeKind, lid uint64, client string) {
	select {
	case s.notices <- notice{kind: kind, lid: lid, client: client}:
	default:
		log.Printf("[%s] lock: notice queue full, dropping notice for %d to %s", s.rep.Me(), lid, client)
	}
}

func (s *Server) notifier(stop chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-stop:
			return
		case n := <-s.notices:
			if !s.rep.AmIPrimary() {
				continue
			}
			s.deliver(n)
		}
	}
}

func (s *Server) deliver(n notice) {
	method := MethodRevoke
	if n.kind == retry {
		method = MethodRetry
	}
	var rep NoticeReply
	err := transport.CallTimeout(s.rep.Transport(), s.opts.NoticeTimeout, n.client, method, NoticeArgs{Lid: n.lid}, &rep)
	if err != nil {
		log.Printf("[%s] lock: %s %d to %s failed: %v", s.rep.Me(), method, n.lid, n.client, err)
	}
}

func (s *Server) Marshal() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		log.Panicf("[%s] lock: encode table: %v", s.rep.Me(), err)
	}
	return buf.Bytes()
}

func (s *Server) Unmarshal(data []byte) {
	t := newTable()
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		log.Panicf("[%s] lock: decode table: %v", s.rep.Me(), err)
	}
	if t.Locks == nil {
		t.Locks = make(map[uint64]*lockState)
	}
	if t.Seen == nil {
		t.Seen = make(map[string]applied)
	}
	s.mu.Lock()
	s.state = t
	s.mu.Unlock()
}

func remove(xs []string, x string) []string {
	out := xs[:0]
	for _, y := range xs {
		if y != x {
			out = append(out, y)
		}
	}
	return out
}

func containsClient(xs []string, x string) bool {
	for _, y := range xs {
		if y == x {
			return true
		}
	}
	return false
}
