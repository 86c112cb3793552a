// =============================================================================
// VIEW MANAGER - Membership agreed one Paxos instance at a time
// =============================================================================
//
// A view is an ordered member list. View k is the value decided for Paxos
// instance k, encoded as the comma-joined addresses. The first node
// bootstraps with view 1 = [first].
//
//   Add(m)     run instance vid+1 over the current members with mems + m
//   Remove(m)  run instance vid+1 over the current members with mems - m
//
// Whoever wins instance vid+1 defines the next view; a losing Add or Remove
// simply returns false and the caller retries on the new view.
//
// When the acceptor learns a decision it calls Commit, which installs the
// new view and notifies the ChangeHandler (the RSM) with no lock held.
//
// Locking: Manager.mu is never held across a Paxos run. The run may end in
// a local decide, which re-enters Commit.
//
// =============================================================================

package view

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/senutpal/lockrsm/internal/paxos"
	"github.com/senutpal/lockrsm/internal/storage"
	"github.com/senutpal/lockrsm/internal/transport"
)

// ChangeHandler is told about every newly installed view.
type ChangeHandler interface {
	CommitChange()
}

type Options struct {
	Paxos             paxos.Options
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
}

func DefaultOptions() Options {
	return Options{
		Paxos:             paxos.DefaultOptions(),
		HeartbeatInterval: 3 * time.Second,
		PingTimeout:       time.Second,
	}
}

type Manager struct {
	me    string
	first string
	net   transport.Transport
	acc   *paxos.Acceptor
	pro   *paxos.Proposer
	opts  Options

	mu      sync.Mutex
	vid     uint64
	mems    []string
	handler ChangeHandler
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds the acceptor from l, registers the Paxos and heartbeat
// handlers on t and loads the latest view. Heartbeats start with Start.
func New(first, me string, t transport.Transport, l storage.Log, opts Options) *Manager {
	m := &Manager{
		me:    me,
		first: first,
		net:   t,
		opts:  opts,
	}
	m.acc = paxos.NewAcceptor(me, me == first, Encode([]string{first}), l, m)
	m.pro = paxos.NewProposer(me, t, m.acc, opts.Paxos)
	m.acc.RegisterHandlers(t)
	transport.Register(t, MethodHeartbeat, m.heartbeat)
	m.reload()
	log.Printf("[%s] view: starting at view %d %v", me, m.vid, m.mems)
	return m
}

// reload reads the latest decided view from the acceptor.
func (m *Manager) reload() {
	vid := m.acc.Instance()
	v, _ := m.acc.Value(vid)
	m.mu.Lock()
	m.vid = vid
	m.mems = Decode(v)
	m.mu.Unlock()
}

func (m *Manager) SetHandler(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *Manager) Me() string { return m.me }

func (m *Manager) First() string { return m.first }

// Commit installs a decided view. Called by the acceptor without its lock.
func (m *Manager) Commit(instance uint64, v []byte) {
	m.mu.Lock()
	if instance <= m.vid {
		m.mu.Unlock()
		return
	}
	m.vid = instance
	m.mems = Decode(v)
	h := m.handler
	mems := m.mems
	m.mu.Unlock()

	log.Printf("[%s] view: installed view %d %v", m.me, instance, mems)
	if h != nil {
		h.CommitChange()
	}
}

func (m *Manager) Vid() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vid
}

func (m *Manager) CurrentView() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.mems...)
}

// PreviousView is the view before the current one, empty for view 1 or
// when this node never learned it.
func (m *Manager) PreviousView() []string {
	vid := m.Vid()
	if vid <= 1 {
		return nil
	}
	mems, _ := m.View(vid - 1)
	return mems
}

// View returns view vid as decided by Paxos.
func (m *Manager) View(vid uint64) ([]string, bool) {
	v, ok := m.acc.Value(vid)
	if !ok {
		return nil, false
	}
	return Decode(v), true
}

// History returns every known view id in ascending order.
func (m *Manager) History() []uint64 {
	return m.acc.Instances()
}

func (m *Manager) IsMember(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return contains(m.mems, addr)
}

// Add proposes the current view plus addr as the next view. It reports
// whether addr is a member afterwards.
func (m *Manager) Add(ctx context.Context, addr string) bool {
	m.mu.Lock()
	if contains(m.mems, addr) {
		m.mu.Unlock()
		return true
	}
	cur := append([]string(nil), m.mems...)
	next := append(append([]string(nil), m.mems...), addr)
	vid := m.vid
	m.mu.Unlock()

	log.Printf("[%s] view: add %s as view %d", m.me, addr, vid+1)
	m.pro.Run(ctx, vid+1, cur, Encode(next))
	return m.IsMember(addr)
}

// Remove proposes the current view minus addr as the next view. It
// reports whether addr is gone afterwards.
func (m *Manager) Remove(ctx context.Context, addr string) bool {
	m.mu.Lock()
	if !contains(m.mems, addr) {
		m.mu.Unlock()
		return true
	}
	cur := append([]string(nil), m.mems...)
	var next []string
	for _, x := range m.mems {
		if x != addr {
			next = append(next, x)
		}
	}
	vid := m.vid
	m.mu.Unlock()

	log.Printf("[%s] view: remove %s as view %d", m.me, addr, vid+1)
	m.pro.Run(ctx, vid+1, cur, Encode(next))
	return !m.IsMember(addr)
}

// catchUp runs the next instance over the current view. If anybody
// already decided it the run ends in the oldinstance path and installs
// their view.
func (m *Manager) catchUp(ctx context.Context) {
	m.mu.Lock()
	cur := append([]string(nil), m.mems...)
	vid := m.vid
	m.mu.Unlock()
	log.Printf("[%s] view: behind at view %d, catching up", m.me, vid)
	m.pro.Run(ctx, vid+1, cur, Encode(cur))
}

// FillGaps fetches views this node missed a decide for, asking every node
// that appears in a known view. It reports whether the history is now
// complete.
func (m *Manager) FillGaps(ctx context.Context) bool {
	missing := m.acc.Missing()
	if len(missing) == 0 {
		return true
	}
	peers := m.knownNodes()
	for _, vid := range missing {
		for _, p := range peers {
			var rep paxos.LearnReply
			cctx, cancel := context.WithTimeout(ctx, m.opts.Paxos.RPCTimeout)
			err := m.net.Call(cctx, p, paxos.MethodLearn, paxos.LearnArgs{Instance: vid}, &rep)
			cancel()
			if err != nil || !rep.Decided {
				continue
			}
			log.Printf("[%s] view: learned missed view %d from %s", m.me, vid, p)
			m.acc.Commit(vid, rep.V)
			break
		}
	}
	return len(m.acc.Missing()) == 0
}

func (m *Manager) knownNodes() []string {
	var out []string
	add := func(mems []string) {
		for _, x := range mems {
			if x != m.me && !contains(out, x) {
				out = append(out, x)
			}
		}
	}
	add(m.CurrentView())
	for _, vid := range m.History() {
		mems, _ := m.View(vid)
		add(mems)
	}
	return out
}

// Dump returns the serialized Paxos log.
func (m *Manager) Dump() []byte { return m.acc.Dump() }

// Restore replaces the Paxos log with a dump from another node and loads
// its latest view. No change notification is sent.
func (m *Manager) Restore(data []byte) error {
	if err := m.acc.Restore(data); err != nil {
		return err
	}
	m.reload()
	log.Printf("[%s] view: restored to view %d %v", m.me, m.Vid(), m.CurrentView())
	return nil
}

// Breakpoint arms a Paxos breakpoint on this node's proposer.
func (m *Manager) Breakpoint(b paxos.Breakpoint) { m.pro.Arm(b) }

// SetExitHook replaces the action taken at a breakpoint.
func (m *Manager) SetExitHook(fn func()) { m.pro.SetExitHook(fn) }

// Proposing reports whether a view change is being proposed from here.
func (m *Manager) Proposing() bool { return m.pro.IsRunning() }

// Acceptor exposes the underlying acceptor, for inspection.
func (m *Manager) Acceptor() *paxos.Acceptor { return m.acc }

func Encode(mems []string) []byte { return []byte(strings.Join(mems, ",")) }

func Decode(v []byte) []string {
	if len(v) == 0 {
		return nil
	}
	return strings.Split(string(v), ",")
}

func contains(mems []string, addr string) bool {
	for _, x := range mems {
		if x == addr {
			return true
		}
	}
	return false
}
