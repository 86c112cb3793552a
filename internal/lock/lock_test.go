package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/senutpal/lockrsm/internal/paxos"
	"github.com/senutpal/lockrsm/internal/rsm"
	"github.com/senutpal/lockrsm/internal/storage"
	"github.com/senutpal/lockrsm/internal/transport"
	"github.com/senutpal/lockrsm/internal/view"
)

// fakeReplica stands in for an RSM replica: procedures are called
// directly and primacy is a flag.
type fakeReplica struct {
	t       transport.Transport
	procs   map[int]rsm.Proc
	stf     rsm.StateTransfer
	primary atomic.Bool
}

func newFakeReplica(t transport.Transport) *fakeReplica {
	f := &fakeReplica{t: t, procs: make(map[int]rsm.Proc)}
	f.primary.Store(true)
	return f
}

func (f *fakeReplica) Me() string                            { return f.t.Addr() }
func (f *fakeReplica) Handle(proc int, fn rsm.Proc)          { f.procs[proc] = fn }
func (f *fakeReplica) SetStateTransfer(st rsm.StateTransfer) { f.stf = st }
func (f *fakeReplica) AmIPrimary() bool                      { return f.primary.Load() }
func (f *fakeReplica) Transport() transport.Transport        { return f.t }

func (f *fakeReplica) run(t *testing.T, proc int, req Request) Reply {
	t.Helper()
	var rep Reply
	if err := unmarshal(f.procs[proc](marshal(req)), &rep); err != nil {
		t.Fatalf("proc %x: %v", proc, err)
	}
	return rep
}

// noticeSink records revoke and retry callbacks sent to one address.
type noticeSink struct {
	revokes chan uint64
	retries chan uint64
}

func newNoticeSink(t transport.Transport) *noticeSink {
	s := &noticeSink{revokes: make(chan uint64, 16), retries: make(chan uint64, 16)}
	transport.Register(t, MethodRevoke, func(src string, a NoticeArgs) (NoticeReply, error) {
		s.revokes <- a.Lid
		return NoticeReply{OK: true}, nil
	})
	transport.Register(t, MethodRetry, func(src string, a NoticeArgs) (NoticeReply, error) {
		s.retries <- a.Lid
		return NoticeReply{OK: true}, nil
	})
	return s
}

func expect(t *testing.T, ch chan uint64, lid uint64, what string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != lid {
			t.Fatalf("%s for %d, want %d", what, got, lid)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s for %d", what, lid)
	}
}

func expectNone(t *testing.T, ch chan uint64, what string) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected %s for %d", what, got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerGrantsAndRevokes(t *testing.T) {
	net := transport.NewNetwork()
	rep := newFakeReplica(net.AddNode("srv:1"))
	s := NewServer(rep, DefaultServerOptions())
	s.Start()
	defer s.Stop()
	c1 := newNoticeSink(net.AddNode("c1:1"))
	c2 := newNoticeSink(net.AddNode("c2:1"))

	if r := rep.run(t, ProcAcquire, Request{Lid: 7, Client: "c1:1", Xid: 1}); r.Status != OK || r.Grants != 1 {
		t.Fatalf("first acquire %v", r)
	}
	if r := rep.run(t, ProcAcquire, Request{Lid: 7, Client: "c2:1", Xid: 1}); r.Status != RETRY {
		t.Fatalf("second acquire %v", r)
	}
	expect(t, c1.revokes, 7, "revoke")
	if s.Owner(7) != "c1:1" {
		t.Fatalf("owner %q", s.Owner(7))
	}

	rep.run(t, ProcRelease, Request{Lid: 7, Client: "c1:1", Xid: 2})
	expect(t, c2.retries, 7, "retry")
	if r := rep.run(t, ProcAcquire, Request{Lid: 7, Client: "c2:1", Xid: 2}); r.Status != OK || r.Grants != 2 {
		t.Fatalf("acquire after retry %v", r)
	}
	if r := rep.run(t, ProcStat, Request{Lid: 7}); r.Grants != 2 {
		t.Fatalf("stat %v", r)
	}
	expectNone(t, c1.revokes, "revoke")
}

func TestServerDuplicateRequests(t *testing.T) {
	net := transport.NewNetwork()
	rep := newFakeReplica(net.AddNode("srv:1"))
	s := NewServer(rep, DefaultServerOptions())

	first := rep.run(t, ProcAcquire, Request{Lid: 1, Client: "a", Xid: 5})
	again := rep.run(t, ProcAcquire, Request{Lid: 1, Client: "a", Xid: 5})
	if first != again || s.Stat(1).Grants != 1 {
		t.Fatalf("duplicate acquire: %v then %v, grants %d", first, again, s.Stat(1).Grants)
	}
	rep.run(t, ProcRelease, Request{Lid: 1, Client: "a", Xid: 6})
	if r := rep.run(t, ProcAcquire, Request{Lid: 1, Client: "a", Xid: 5}); r.Status != RETRY {
		t.Fatalf("stale acquire granted: %v", r)
	}
	if s.Owner(1) != "" {
		t.Fatalf("stale acquire took the lock")
	}
	// release by a non-owner is a no-op
	rep.run(t, ProcAcquire, Request{Lid: 1, Client: "b", Xid: 1})
	rep.run(t, ProcRelease, Request{Lid: 1, Client: "a", Xid: 7})
	if s.Owner(1) != "b" {
		t.Fatalf("owner %q after foreign release", s.Owner(1))
	}
}

func TestBackupSendsNoNotices(t *testing.T) {
	net := transport.NewNetwork()
	rep := newFakeReplica(net.AddNode("srv:1"))
	rep.primary.Store(false)
	s := NewServer(rep, DefaultServerOptions())
	s.Start()
	defer s.Stop()
	c1 := newNoticeSink(net.AddNode("c1:1"))

	rep.run(t, ProcAcquire, Request{Lid: 3, Client: "c1:1", Xid: 1})
	rep.run(t, ProcAcquire, Request{Lid: 3, Client: "c2:1", Xid: 1})
	expectNone(t, c1.revokes, "revoke")
}

func TestServerStateTransfer(t *testing.T) {
	net := transport.NewNetwork()
	src := newFakeReplica(net.AddNode("a:1"))
	NewServer(src, DefaultServerOptions())
	src.run(t, ProcAcquire, Request{Lid: 1, Client: "x", Xid: 1})
	src.run(t, ProcAcquire, Request{Lid: 1, Client: "y", Xid: 1})
	src.run(t, ProcAcquire, Request{Lid: 2, Client: "y", Xid: 2})

	dst := newFakeReplica(net.AddNode("b:1"))
	d := NewServer(dst, DefaultServerOptions())
	dst.stf.Unmarshal(src.stf.Marshal())

	if d.Owner(1) != "x" || d.Owner(2) != "y" || d.Stat(1).Grants != 1 {
		t.Fatalf("transferred table differs: %q %q %d", d.Owner(1), d.Owner(2), d.Stat(1).Grants)
	}
	// duplicate detection survives the transfer
	if r := dst.run(t, ProcAcquire, Request{Lid: 1, Client: "y", Xid: 1}); r.Status != RETRY {
		t.Fatalf("replayed request %v", r)
	}
	// and the waiter list too: x's release hands the lock on
	dst.run(t, ProcRelease, Request{Lid: 1, Client: "x", Xid: 2})
	if r := dst.run(t, ProcAcquire, Request{Lid: 1, Client: "y", Xid: 3}); r.Status != OK {
		t.Fatalf("waiter not granted: %v", r)
	}
}

func TestAcquireWaitHonorsContext(t *testing.T) {
	net := transport.NewNetwork()
	rc := rsm.NewClient(net.AddNode("c1-rsm:1"), "srv:1", rsm.ClientOptions{RPCTimeout: 100 * time.Millisecond})
	cl := NewClient(rc, net.AddNode("c1:1"), DefaultClientOptions())

	// another goroutine of this client holds lid 5
	cl.mu.Lock()
	cl.lock(5).status = locked
	cl.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cl.Acquire(ctx, 5) }()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("waiting acquire returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiting acquire ignored its context")
	}

	// the holder is untouched and the lock moves on from the cache
	if err := cl.Release(context.Background(), 5); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := cl.Acquire(context.Background(), 5); err != nil {
		t.Fatalf("cached acquire: %v", err)
	}
}

// lockCluster is a three-replica lock service on an in-memory network.
type lockCluster struct {
	net      *transport.Network
	replicas []*rsm.RSM
	servers  []*Server
	eps      []*transport.MemoryTransport
}

func rsmOptions() rsm.Options {
	return rsm.Options{
		View: view.Options{
			Paxos:             paxos.Options{RPCTimeout: 200 * time.Millisecond},
			HeartbeatInterval: 50 * time.Millisecond,
			PingTimeout:       100 * time.Millisecond,
		},
		InvokeTimeout:   300 * time.Millisecond,
		TransferTimeout: 300 * time.Millisecond,
		SyncTimeout:     2 * time.Second,
		JoinTimeout:     2 * time.Second,
		RetryDelay:      50 * time.Millisecond,
	}
}

func newLockCluster(t *testing.T) *lockCluster {
	t.Helper()
	c := &lockCluster{net: transport.NewNetwork()}
	for _, me := range []string{"a:1", "b:1", "c:1"} {
		ep := c.net.AddNode(me)
		r := rsm.New("a:1", me, ep, storage.NewMemoryLog(), rsmOptions())
		s := NewServer(r, DefaultServerOptions())
		s.Start()
		r.Start()
		c.replicas = append(c.replicas, r)
		c.servers = append(c.servers, s)
		c.eps = append(c.eps, ep)

		n := len(c.replicas)
		deadline := time.Now().Add(10 * time.Second)
		for {
			in := r.Info()
			if len(in.Members) == n && !in.InViewChange && c.replicas[0].AmIPrimary() {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s did not join", me)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	return c
}

func (c *lockCluster) stop() {
	for i := range c.replicas {
		c.servers[i].Stop()
		c.replicas[i].Stop()
	}
}

func (c *lockCluster) client(name string) *Client {
	rc := rsm.NewClient(c.net.AddNode(name+"-rsm:1"), "a:1", rsm.ClientOptions{
		RPCTimeout:  time.Second,
		BusyBackoff: 20 * time.Millisecond,
		FailBackoff: 20 * time.Millisecond,
	})
	return NewClient(rc, c.net.AddNode(name+":1"), ClientOptions{
		RetryInterval: 200 * time.Millisecond,
		CallTimeout:   15 * time.Second,
	})
}

func TestCachedLock(t *testing.T) {
	fmt.Printf("Test: lock stays cached between acquires ...\n")
	c := newLockCluster(t)
	defer c.stop()
	cl := c.client("c1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := cl.Acquire(ctx, 9); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if err := cl.Release(ctx, 9); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	if n, err := cl.Stat(ctx, 9); err != nil || n != 1 {
		t.Fatalf("grants %d %v, want 1", n, err)
	}
	if err := cl.Release(ctx, 9); err == nil {
		t.Fatalf("release of a free lock succeeded")
	}
	fmt.Printf("  ... Passed\n")
}

func TestMutualExclusion(t *testing.T) {
	fmt.Printf("Test: mutual exclusion across clients ...\n")
	c := newLockCluster(t)
	defer c.stop()
	clients := []*Client{c.client("c1"), c.client("c2"), c.client("c3")}
	ctx := context.Background()

	var inside atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i, cl := range clients {
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func(cl *Client, id int) {
				defer wg.Done()
				for k := 0; k < 5; k++ {
					if err := cl.Acquire(ctx, 1); err != nil {
						errs <- err
						return
					}
					if n := inside.Add(1); n != 1 {
						errs <- fmt.Errorf("%d holders inside", n)
					}
					time.Sleep(time.Millisecond)
					inside.Add(-1)
					if err := cl.Release(ctx, 1); err != nil {
						errs <- err
						return
					}
				}
			}(cl, i*2+g)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("%v", err)
	}
	fmt.Printf("  ... Passed\n")
}

func TestRevokeMovesLock(t *testing.T) {
	c := newLockCluster(t)
	defer c.stop()
	c1, c2 := c.client("c1"), c.client("c2")
	ctx := context.Background()

	if err := c1.Acquire(ctx, 4); err != nil {
		t.Fatalf("c1 acquire: %v", err)
	}
	c1.Release(ctx, 4)
	if err := c2.Acquire(ctx, 4); err != nil {
		t.Fatalf("c2 acquire: %v", err)
	}
	if owner := c.servers[0].Owner(4); owner != c2.ID() {
		t.Fatalf("owner %q, want %s", owner, c2.ID())
	}
	c2.Release(ctx, 4)
	if n, _ := c1.Stat(ctx, 4); n != 2 {
		t.Fatalf("grants %d, want 2", n)
	}
	c2.Close(ctx)
	if owner := c.servers[0].Owner(4); owner != "" {
		t.Fatalf("closed client still owns the lock")
	}
}

func TestLockSurvivesPrimaryFailure(t *testing.T) {
	fmt.Printf("Test: lock service across primary failure ...\n")
	c := newLockCluster(t)
	defer c.stop()
	c1, c2 := c.client("c1"), c.client("c2")
	ctx := context.Background()

	if err := c1.Acquire(ctx, 2); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c.eps[0].Close()

	done := make(chan error, 1)
	go func() { done <- c2.Acquire(ctx, 2) }()
	time.Sleep(200 * time.Millisecond)
	if err := c1.Release(ctx, 2); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("c2 acquire: %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatalf("c2 never got the lock")
	}
	if owner := c.servers[1].Owner(2); owner != c2.ID() {
		t.Fatalf("owner on b %q", owner)
	}
	fmt.Printf("  ... Passed\n")
}
