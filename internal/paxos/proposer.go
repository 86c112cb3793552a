// =============================================================================
// PROPOSER - Drives one instance to a decision
// =============================================================================
//
// Run(instance, nodes, v) makes one attempt and reports whether THIS run got
// its value decided. There is no retry loop: on any failure the caller
// decides whether to try again with a fresh, higher number.
//
//   1. pick n = (max(own round, local n_h round) + 1, me)
//   2. prepare(instance, n) to every node, concurrently, timeout-bounded
//        any oldinstance  -> commit that value locally, return false
//        any reject       -> return false
//        promises < majority(nodes) -> return false
//      adopt v_a of the highest n_a among promises, else keep v
//   3. accept(instance, n, v) to the promisers only
//        accepts < majority(nodes) -> return false
//   4. decide(instance, v) to the acceptors, return true
//
// Silent nodes (timeouts, unreachable) are abstentions, never errors.
//
// Only one run at a time: a second concurrent Run returns false at once.
//
// Two breakpoints kill the process between phases (before accept, before
// decide) for fault-injection tests. The kill action is a hook so tests can
// observe the abort in-process.
//
// =============================================================================

package paxos

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/senutpal/lockrsm/internal/transport"
)

type Breakpoint int

const (
	BeforeAccept Breakpoint = iota + 1
	BeforeDecide
)

func (b Breakpoint) String() string {
	switch b {
	case BeforeAccept:
		return "before-accept"
	case BeforeDecide:
		return "before-decide"
	}
	return "none"
}

type Options struct {
	// RPCTimeout bounds each phase's fan-out.
	RPCTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{RPCTimeout: time.Second}
}

type Proposer struct {
	me   string
	net  transport.Caller
	acc  *Acceptor
	opts Options

	mu      sync.Mutex
	myN     ProposalNumber
	running bool
	armed   map[Breakpoint]bool
	exit    func()
}

func NewProposer(me string, net transport.Caller, acc *Acceptor, opts Options) *Proposer {
	return &Proposer{
		me:    me,
		net:   net,
		acc:   acc,
		opts:  opts,
		armed: make(map[Breakpoint]bool),
		exit:  func() { os.Exit(1) },
	}
}

// IsRunning reports whether a run is in flight.
func (p *Proposer) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Arm makes the next run that reaches b call the exit hook and abort.
func (p *Proposer) Arm(b Breakpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	log.Printf("[%s] paxos: breakpoint %v armed", p.me, b)
	p.armed[b] = true
}

// SetExitHook replaces the breakpoint action (default: os.Exit(1)).
func (p *Proposer) SetExitHook(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exit = fn
}

func (p *Proposer) hit(b Breakpoint) bool {
	p.mu.Lock()
	if !p.armed[b] {
		p.mu.Unlock()
		return false
	}
	delete(p.armed, b)
	exit := p.exit
	p.mu.Unlock()
	log.Printf("[%s] paxos: breakpoint %v, exiting", p.me, b)
	exit()
	return true
}

func (p *Proposer) Run(ctx context.Context, instance uint64, nodes []string, v []byte) bool {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		log.Printf("[%s] paxos: run %d refused, already running", p.me, instance)
		return false
	}
	p.running = true
	round := p.myN.Round
	if nh := p.acc.HighestPromised(); nh.Round > round {
		round = nh.Round
	}
	p.myN = ProposalNumber{Round: round + 1, ProposerID: p.me}
	n := p.myN
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	log.Printf("[%s] paxos: run instance %d with %v over %v", p.me, instance, n, nodes)

	promised, value, ok := p.prepare(ctx, instance, n, nodes, v)
	if !ok {
		return false
	}
	if len(promised) < majority(nodes) {
		log.Printf("[%s] paxos: instance %d: no majority in prepare (%d/%d)", p.me, instance, len(promised), len(nodes))
		return false
	}

	if p.hit(BeforeAccept) {
		return false
	}

	accepted := p.accept(ctx, instance, n, promised, value)
	if len(accepted) < majority(nodes) {
		log.Printf("[%s] paxos: instance %d: no majority in accept (%d/%d)", p.me, instance, len(accepted), len(nodes))
		return false
	}

	if p.hit(BeforeDecide) {
		return false
	}

	p.decide(ctx, instance, accepted, value)
	log.Printf("[%s] paxos: instance %d decided by %v", p.me, instance, n)
	return true
}

// observe folds a competitor's number into ours so the next run outbids it.
func (p *Proposer) observe(n ProposalNumber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n.Round > p.myN.Round {
		p.myN.Round = n.Round
	}
}

type prepareResult struct {
	node  string
	reply PrepareReply
	err   error
}

func (p *Proposer) prepare(ctx context.Context, instance uint64, n ProposalNumber, nodes []string, v []byte) ([]string, []byte, bool) {
	cctx, cancel := context.WithTimeout(ctx, p.opts.RPCTimeout)
	defer cancel()

	ch := make(chan prepareResult, len(nodes))
	for _, m := range nodes {
		go func(m string) {
			var r PrepareReply
			err := p.net.Call(cctx, m, MethodPrepare, PrepareArgs{Instance: instance, N: n}, &r)
			ch <- prepareResult{m, r, err}
		}(m)
	}

	var (
		promised []string
		highest  ProposalNumber
		value    = v
		old      []byte
		isOld    bool
		rejected bool
	)
	for range nodes {
		r := <-ch
		switch {
		case r.err != nil:
			DPrintf("[%s] prepare %d to %s: %v", p.me, instance, r.node, r.err)
		case r.reply.OldInstance:
			isOld, old = true, r.reply.VA
		case r.reply.Accept:
			promised = append(promised, r.node)
			if !r.reply.NA.IsZero() && r.reply.NA.GreaterThan(highest) {
				highest, value = r.reply.NA, r.reply.VA
			}
		default:
			rejected = true
			p.observe(r.reply.NH)
		}
	}

	if isOld {
		log.Printf("[%s] paxos: instance %d already decided, catching up", p.me, instance)
		p.acc.Commit(instance, old)
		return nil, nil, false
	}
	if rejected {
		log.Printf("[%s] paxos: instance %d: prepare %v rejected", p.me, instance, n)
		return nil, nil, false
	}
	return promised, value, true
}

type acceptResult struct {
	node string
	ok   bool
}

func (p *Proposer) accept(ctx context.Context, instance uint64, n ProposalNumber, nodes []string, v []byte) []string {
	cctx, cancel := context.WithTimeout(ctx, p.opts.RPCTimeout)
	defer cancel()

	ch := make(chan acceptResult, len(nodes))
	for _, m := range nodes {
		go func(m string) {
			var r AcceptReply
			err := p.net.Call(cctx, m, MethodAccept, AcceptArgs{Instance: instance, N: n, V: v}, &r)
			if err != nil {
				DPrintf("[%s] accept %d to %s: %v", p.me, instance, m, err)
			}
			ch <- acceptResult{m, err == nil && r.Accepted}
		}(m)
	}
	var accepted []string
	for range nodes {
		if r := <-ch; r.ok {
			accepted = append(accepted, r.node)
		}
	}
	return accepted
}

func (p *Proposer) decide(ctx context.Context, instance uint64, nodes []string, v []byte) {
	// the value is chosen; make sure this node knows even if it did not vote
	p.acc.Commit(instance, v)

	cctx, cancel := context.WithTimeout(ctx, p.opts.RPCTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, m := range nodes {
		if m == p.me {
			continue
		}
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			var r DecideReply
			if err := p.net.Call(cctx, m, MethodDecide, DecideArgs{Instance: instance, V: v}, &r); err != nil {
				DPrintf("[%s] decide %d to %s: %v", p.me, instance, m, err)
			}
		}(m)
	}
	wg.Wait()
}
