package paxos

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/senutpal/lockrsm/internal/storage"
	"github.com/senutpal/lockrsm/internal/transport"
)

type commitLog struct {
	mu    sync.Mutex
	calls int
	got   map[uint64][]byte
}

func (c *commitLog) Commit(instance uint64, v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.got == nil {
		c.got = make(map[uint64][]byte)
	}
	c.calls++
	c.got[instance] = v
}

func (c *commitLog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type cluster struct {
	net     *transport.Network
	names   []string
	eps     []*transport.MemoryTransport
	logs    []*storage.MemoryLog
	accs    []*Acceptor
	props   []*Proposer
	commits []*commitLog
}

func testOptions() Options {
	return Options{RPCTimeout: 300 * time.Millisecond}
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	c := &cluster{net: transport.NewNetwork()}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%c:1", 'a'+i)
		ep := c.net.AddNode(name)
		l := storage.NewMemoryLog()
		cl := &commitLog{}
		acc := NewAcceptor(name, false, nil, l, cl)
		acc.RegisterHandlers(ep)
		c.names = append(c.names, name)
		c.eps = append(c.eps, ep)
		c.logs = append(c.logs, l)
		c.accs = append(c.accs, acc)
		c.props = append(c.props, NewProposer(name, ep, acc, testOptions()))
		c.commits = append(c.commits, cl)
	}
	return c
}

// checkAgreement fails if two acceptors disagree on any decided instance.
func (c *cluster) checkAgreement(t *testing.T) {
	t.Helper()
	seen := map[uint64][]byte{}
	for i, acc := range c.accs {
		for inst, v := range acc.Decided() {
			if prev, ok := seen[inst]; ok && !bytes.Equal(prev, v) {
				t.Fatalf("instance %d: %s has %q, another node has %q", inst, c.names[i], v, prev)
			}
			seen[inst] = v
		}
	}
}

func (c *cluster) checkDecided(t *testing.T, who int, instance uint64, want string) {
	t.Helper()
	v, ok := c.accs[who].Value(instance)
	if !ok || string(v) != want {
		t.Fatalf("%s instance %d = %q (%v), want %q", c.names[who], instance, v, ok, want)
	}
}

func TestProposalOrder(t *testing.T) {
	order := []ProposalNumber{
		{},
		{Round: 1, ProposerID: "a:1"},
		{Round: 1, ProposerID: "b:1"},
		{Round: 2, ProposerID: "a:1"},
		{Round: 3, ProposerID: "a:1"},
	}
	for i := range order {
		for j := range order {
			if got := order[i].LessThan(order[j]); got != (i < j) {
				t.Fatalf("%v < %v = %v", order[i], order[j], got)
			}
			if got := order[i].Equal(order[j]); got != (i == j) {
				t.Fatalf("%v == %v = %v", order[i], order[j], got)
			}
		}
	}
	if !order[0].IsZero() || order[1].IsZero() {
		t.Fatalf("IsZero wrong")
	}
}

func TestBasicAgree(t *testing.T) {
	c := newCluster(t, 3)
	if !c.props[0].Run(context.Background(), 1, c.names, []byte("x")) {
		t.Fatalf("run failed with every node up")
	}
	for i := range c.accs {
		c.checkDecided(t, i, 1, "x")
		recs, err := storage.Decode(c.accs[i].Dump())
		if err != nil {
			t.Fatalf("decode dump: %v", err)
		}
		last := recs[len(recs)-1]
		if last.Kind != storage.KindDecide || last.Instance != 1 || string(last.Value) != "x" {
			t.Fatalf("%s last record = %+v", c.names[i], last)
		}
		if n := c.commits[i].count(); n != 1 {
			t.Fatalf("%s saw %d commit upcalls", c.names[i], n)
		}
	}
	c.checkAgreement(t)
}

func TestMinorityDown(t *testing.T) {
	c := newCluster(t, 3)
	c.eps[2].SetReachable(false)
	if !c.props[0].Run(context.Background(), 1, c.names, []byte("x")) {
		t.Fatalf("run failed with a majority up")
	}
	c.checkDecided(t, 0, 1, "x")
	c.checkDecided(t, 1, 1, "x")
	if _, ok := c.accs[2].Value(1); ok {
		t.Fatalf("unreachable node learned the value")
	}

	c.eps[2].SetReachable(true)
	var r PrepareReply
	n := ProposalNumber{Round: 100, ProposerID: c.names[2]}
	if err := transport.CallTimeout(c.eps[2], time.Second, c.names[0], MethodPrepare, PrepareArgs{Instance: 1, N: n}, &r); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !r.OldInstance || string(r.VA) != "x" {
		t.Fatalf("prepare on decided instance = %+v", r)
	}

	// a full run from the lagging node catches it up instead of deciding y
	if c.props[2].Run(context.Background(), 1, c.names, []byte("y")) {
		t.Fatalf("run on a decided instance reported success")
	}
	c.checkDecided(t, 2, 1, "x")
	c.checkAgreement(t)
}

func TestNoMajority(t *testing.T) {
	c := newCluster(t, 3)
	c.eps[1].SetReachable(false)
	c.eps[2].SetReachable(false)
	if c.props[0].Run(context.Background(), 1, c.names, []byte("x")) {
		t.Fatalf("run succeeded without a majority")
	}
	if _, ok := c.accs[0].Value(1); ok {
		t.Fatalf("value decided without a majority")
	}
}

type hookCaller struct {
	transport.Caller
	before func(method string)
}

func (h *hookCaller) Call(ctx context.Context, dst, method string, args, reply any) error {
	h.before(method)
	return h.Caller.Call(ctx, dst, method, args, reply)
}

func TestDuelingProposers(t *testing.T) {
	c := newCluster(t, 3)
	if !c.props[0].Run(context.Background(), 1, c.names, []byte("v1")) {
		t.Fatalf("instance 1 failed")
	}

	// b prepares a higher number on every acceptor after a has its
	// promises but before a's accepts land
	var once sync.Once
	var higher ProposalNumber
	duel := &hookCaller{Caller: c.eps[0], before: func(method string) {
		if method != MethodAccept {
			return
		}
		once.Do(func() {
			higher = ProposalNumber{Round: c.accs[1].HighestPromised().Round + 1, ProposerID: c.names[1]}
			for _, m := range c.names {
				var r PrepareReply
				if err := transport.CallTimeout(c.eps[1], time.Second, m, MethodPrepare, PrepareArgs{Instance: 2, N: higher}, &r); err != nil || !r.Accept {
					t.Errorf("b's prepare to %s: %v %+v", m, err, r)
				}
			}
		})
	}}
	a := NewProposer(c.names[0], duel, c.accs[0], testOptions())

	fmt.Printf("Test: dueling proposers ...\n")
	if a.Run(context.Background(), 2, c.names, []byte("a")) {
		t.Fatalf("a's run succeeded after b outbid it")
	}
	for i, acc := range c.accs {
		if nh := acc.HighestPromised(); !nh.Equal(higher) {
			t.Fatalf("%s n_h = %v, want %v", c.names[i], nh, higher)
		}
	}
	if !c.props[1].Run(context.Background(), 2, c.names, []byte("b")) {
		t.Fatalf("b's run failed")
	}
	for i := range c.accs {
		c.checkDecided(t, i, 2, "b")
	}
	c.checkAgreement(t)
	fmt.Printf("  ... Passed\n")
}

func TestBreakpointBeforeDecideKeepsValue(t *testing.T) {
	c := newCluster(t, 3)
	exited := false
	c.props[0].SetExitHook(func() { exited = true })
	c.props[0].Arm(BeforeDecide)

	if c.props[0].Run(context.Background(), 1, c.names, []byte("x")) {
		t.Fatalf("run past an armed breakpoint reported success")
	}
	if !exited {
		t.Fatalf("exit hook not called")
	}
	if _, ok := c.accs[0].Value(1); ok {
		t.Fatalf("decided despite dying before decide")
	}

	// the value was accepted by a majority, so any later run must pick it
	if !c.props[1].Run(context.Background(), 1, c.names, []byte("y")) {
		t.Fatalf("b's run failed")
	}
	for i := range c.accs {
		c.checkDecided(t, i, 1, "x")
	}
}

func TestConcurrentRunRefused(t *testing.T) {
	c := newCluster(t, 3)
	entered := make(chan struct{})
	release := make(chan struct{})
	c.props[0].SetExitHook(func() {
		close(entered)
		<-release
	})
	c.props[0].Arm(BeforeAccept)

	done := make(chan bool)
	go func() { done <- c.props[0].Run(context.Background(), 1, c.names, []byte("x")) }()
	<-entered
	if !c.props[0].IsRunning() {
		t.Fatalf("IsRunning false mid-run")
	}
	if c.props[0].Run(context.Background(), 1, c.names, []byte("y")) {
		t.Fatalf("second concurrent run was not refused")
	}
	close(release)
	if <-done {
		t.Fatalf("aborted run reported success")
	}
	if c.props[0].IsRunning() {
		t.Fatalf("IsRunning true after run returned")
	}
	// the breakpoint is one-shot
	if !c.props[0].Run(context.Background(), 1, c.names, []byte("z")) {
		t.Fatalf("run after breakpoint failed")
	}
	c.checkDecided(t, 0, 1, "z")
}

func TestPromiseRules(t *testing.T) {
	acc := NewAcceptor("a:1", false, nil, storage.NewMemoryLog(), nil)
	n5 := ProposalNumber{Round: 5, ProposerID: "a:1"}

	tests := []struct {
		n       ProposalNumber
		promise bool
	}{
		{n5, true},
		{ProposalNumber{Round: 3, ProposerID: "b:1"}, false},
		{n5, false},
		{ProposalNumber{Round: 5, ProposerID: "0:1"}, false},
		{ProposalNumber{Round: 5, ProposerID: "b:1"}, true},
	}
	prev := acc.HighestPromised()
	for i, tt := range tests {
		r, _ := acc.Prepare("x", PrepareArgs{Instance: 1, N: tt.n})
		if r.Accept != tt.promise {
			t.Fatalf("case %d: prepare %v promise=%v, want %v", i, tt.n, r.Accept, tt.promise)
		}
		if !tt.promise && !r.NH.Equal(acc.HighestPromised()) {
			t.Fatalf("case %d: reject carries %v, n_h is %v", i, r.NH, acc.HighestPromised())
		}
		if acc.HighestPromised().LessThan(prev) {
			t.Fatalf("case %d: n_h went backwards", i)
		}
		prev = acc.HighestPromised()
	}

	nb := ProposalNumber{Round: 5, ProposerID: "b:1"}
	if r, _ := acc.Accept("x", AcceptArgs{Instance: 1, N: n5, V: []byte("lo")}); r.Accepted {
		t.Fatalf("accepted below n_h")
	}
	if r, _ := acc.Accept("x", AcceptArgs{Instance: 1, N: nb, V: []byte("v")}); !r.Accepted {
		t.Fatalf("rejected accept at n_h")
	}
	if na, va := acc.Accepted(); !na.Equal(nb) || string(va) != "v" {
		t.Fatalf("accepted = %v %q", na, va)
	}
	r, _ := acc.Prepare("x", PrepareArgs{Instance: 1, N: ProposalNumber{Round: 9, ProposerID: "c:1"}})
	if !r.Accept || !r.NA.Equal(nb) || string(r.VA) != "v" {
		t.Fatalf("promise does not report accepted value: %+v", r)
	}
}

func TestIdempotentDecide(t *testing.T) {
	cl := &commitLog{}
	acc := NewAcceptor("a:1", false, nil, storage.NewMemoryLog(), cl)
	acc.Decide("b:1", DecideArgs{Instance: 1, V: []byte("x")})
	dump := acc.Dump()
	acc.Decide("b:1", DecideArgs{Instance: 1, V: []byte("x")})
	if !bytes.Equal(dump, acc.Dump()) || cl.count() != 1 {
		t.Fatalf("second decide changed state")
	}

	acc.Decide("b:1", DecideArgs{Instance: 3, V: []byte("z")})
	if m := acc.Missing(); len(m) != 1 || m[0] != 2 {
		t.Fatalf("missing = %v, want [2]", m)
	}
	if r, _ := acc.Learn("c:1", LearnArgs{Instance: 2}); r.Decided {
		t.Fatalf("learn reported an unknown instance")
	}
	// a late decide fills the hole without moving instance_h or calling up
	acc.Decide("b:1", DecideArgs{Instance: 2, V: []byte("y")})
	if acc.Instance() != 3 || cl.count() != 2 || len(acc.Missing()) != 0 {
		t.Fatalf("after late decide: instance_h %d, upcalls %d, missing %v", acc.Instance(), cl.count(), acc.Missing())
	}
	if r, _ := acc.Learn("c:1", LearnArgs{Instance: 2}); !r.Decided || string(r.V) != "y" {
		t.Fatalf("learn(2) = %+v", r)
	}
	if r, _ := acc.Accept("b:1", AcceptArgs{Instance: 3, N: ProposalNumber{Round: 1, ProposerID: "b:1"}}); r.Accepted {
		t.Fatalf("accept on decided instance")
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("conflicting decide did not panic")
		}
	}()
	acc.Decide("b:1", DecideArgs{Instance: 1, V: []byte("other")})
}

func TestRestartFromLog(t *testing.T) {
	l := storage.NewMemoryLog()
	acc := NewAcceptor("a:1", false, nil, l, nil)
	acc.Decide("b:1", DecideArgs{Instance: 1, V: []byte("x")})
	n := ProposalNumber{Round: 4, ProposerID: "b:1"}
	acc.Prepare("b:1", PrepareArgs{Instance: 2, N: n})
	acc.Accept("b:1", AcceptArgs{Instance: 2, N: n, V: []byte("y")})
	l.Close()

	again := NewAcceptor("a:1", false, nil, l.Reopen(), nil)
	if again.Instance() != 1 {
		t.Fatalf("instance_h = %d after restart", again.Instance())
	}
	if v, _ := again.Value(1); string(v) != "x" {
		t.Fatalf("value(1) = %q after restart", v)
	}
	if !again.HighestPromised().Equal(n) {
		t.Fatalf("n_h = %v after restart", again.HighestPromised())
	}
	if na, va := again.Accepted(); !na.Equal(n) || string(va) != "y" {
		t.Fatalf("accepted = %v %q after restart", na, va)
	}
}

func TestFilledGapSurvivesRestart(t *testing.T) {
	l := storage.NewMemoryLog()
	acc := NewAcceptor("a:1", false, nil, l, nil)
	acc.Decide("b:1", DecideArgs{Instance: 1, V: []byte("x")})
	acc.Decide("b:1", DecideArgs{Instance: 3, V: []byte("z")})
	acc.Commit(2, []byte("y"))
	l.Close()

	again := NewAcceptor("a:1", false, nil, l.Reopen(), nil)
	if v, _ := again.Value(2); again.Instance() != 3 || string(v) != "y" || len(again.Missing()) != 0 {
		t.Fatalf("after restart: instance_h %d value(2) %q missing %v", again.Instance(), v, again.Missing())
	}
}

func TestRestartFromFile(t *testing.T) {
	path := t.TempDir() + "/a.log"
	fl, err := storage.OpenFileLog(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	NewAcceptor("a:1", true, []byte("a:1"), fl, nil)
	fl.Close()

	fl, err = storage.OpenFileLog(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fl.Close()
	acc := NewAcceptor("a:1", true, []byte("a:1"), fl, nil)
	if v, _ := acc.Value(1); acc.Instance() != 1 || string(v) != "a:1" {
		t.Fatalf("bootstrap view lost across restart: %d %q", acc.Instance(), v)
	}
	recs, _ := fl.Records()
	if len(recs) != 1 {
		t.Fatalf("bootstrap decided twice: %d records", len(recs))
	}
}

func TestRestartAfterTornWrite(t *testing.T) {
	path := t.TempDir() + "/a.log"
	fl, err := storage.OpenFileLog(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	acc := NewAcceptor("a:1", false, nil, fl, nil)
	acc.Decide("b:1", DecideArgs{Instance: 1, V: []byte("x")})
	fl.Close()

	// a crash in the middle of the next append
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	f.WriteString(`{"kind":"prom`)
	f.Close()

	fl, err = storage.OpenFileLog(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fl.Close()
	again := NewAcceptor("a:1", false, nil, fl, nil)
	if v, _ := again.Value(1); again.Instance() != 1 || string(v) != "x" {
		t.Fatalf("restart after torn write: instance %d value %q", again.Instance(), v)
	}
}

func TestJoinConvergence(t *testing.T) {
	c := newCluster(t, 3)
	for i := uint64(1); i <= 3; i++ {
		if !c.props[0].Run(context.Background(), i, c.names, []byte(fmt.Sprintf("v%d", i))) {
			t.Fatalf("instance %d failed", i)
		}
	}
	joiner := NewAcceptor("d:1", false, nil, storage.NewMemoryLog(), nil)
	if err := joiner.Restore(c.accs[0].Dump()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	want := c.accs[0].Decided()
	got := joiner.Decided()
	if len(got) != len(want) {
		t.Fatalf("joiner has %d instances, primary %d", len(got), len(want))
	}
	for i, v := range want {
		if !bytes.Equal(got[i], v) {
			t.Fatalf("instance %d: joiner %q, primary %q", i, got[i], v)
		}
	}
	if joiner.Instance() != 3 {
		t.Fatalf("joiner instance_h = %d", joiner.Instance())
	}
}

func TestRestoreConflictPanics(t *testing.T) {
	a := NewAcceptor("a:1", false, nil, storage.NewMemoryLog(), nil)
	a.Decide("x", DecideArgs{Instance: 1, V: []byte("x")})
	b := NewAcceptor("b:1", false, nil, storage.NewMemoryLog(), nil)
	b.Decide("x", DecideArgs{Instance: 1, V: []byte("y")})

	defer func() {
		if recover() == nil {
			t.Fatalf("restoring a conflicting log did not panic")
		}
	}()
	b.Restore(a.Dump())
}

func TestRestoreRejectsGarbage(t *testing.T) {
	a := NewAcceptor("a:1", false, nil, storage.NewMemoryLog(), nil)
	if err := a.Restore([]byte("garbage")); err == nil {
		t.Fatalf("restore accepted garbage")
	}
}
