// =============================================================================
// ACCEPTOR - Durable voter for a sequence of single-decree instances
// =============================================================================
//
// State (guarded by mu):
//
//   n_h         highest proposal number promised for the open instance
//   n_a, v_a    highest proposal accepted for the open instance, and its value
//   instance_h  highest instance decided locally
//   values      instance -> decided value
//
// Rules:
//
//   prepare(i, n)   i <= instance_h           -> oldinstance(values[i])
//                   n >  n_h                  -> n_h = n, promise(n_a, v_a)
//                   otherwise                 -> reject
//   accept(i, n, v) i <= instance_h           -> ignored, answered false
//                   n >= n_h                  -> n_a, v_a = n, v
//                   otherwise                 -> reject
//   decide(i, v)    i <= instance_h           -> values[i] = v if it was
//                                                missing, no upcall
//                   otherwise                 -> values[i] = v, instance_h = i,
//                                                reset n_h/n_a/v_a, upcall
//
// Every state change is appended to the log BEFORE the reply goes out. The
// commit upcall runs after mu is released: the layer above may call back
// into this node (or start a new Paxos run) from inside it.
//
// A decided value never changes. Seeing a different value for a decided
// instance means the protocol is broken, and the acceptor panics rather
// than diverge.
//
// =============================================================================

package paxos

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/senutpal/lockrsm/internal/storage"
	"github.com/senutpal/lockrsm/internal/transport"
)

// Committer receives decided values. Commit may be called concurrently and
// out of order for different instances; implementations ignore instances
// they have already moved past.
type Committer interface {
	Commit(instance uint64, v []byte)
}

type Acceptor struct {
	mu sync.Mutex
	me string

	nh        ProposalNumber
	na        ProposalNumber
	va        []byte
	instanceH uint64
	values    map[uint64][]byte

	log       storage.Log
	committer Committer
}

// NewAcceptor rebuilds acceptor state from l. When first is set and nothing
// was ever decided, instance 1 is decided to firstValue: the bootstrap node
// starts out owning a one-member view.
func NewAcceptor(me string, first bool, firstValue []byte, l storage.Log, c Committer) *Acceptor {
	a := &Acceptor{
		me:        me,
		values:    make(map[uint64][]byte),
		log:       l,
		committer: c,
	}
	recs, err := l.Records()
	if err != nil {
		log.Panicf("[%s] paxos: read log: %v", me, err)
	}
	a.replay(recs)
	if first && a.instanceH == 0 {
		a.commitLocked(1, firstValue)
	}
	log.Printf("[%s] paxos: acceptor up, instance_h=%d n_h=%v", me, a.instanceH, a.nh)
	return a
}

// SetCommitter replaces the upcall target. Used when the owner is built
// after its acceptor.
func (a *Acceptor) SetCommitter(c Committer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.committer = c
}

func (a *Acceptor) replay(recs []storage.Record) {
	a.nh, a.na, a.va = ProposalNumber{}, ProposalNumber{}, nil
	a.instanceH = 0
	a.values = make(map[uint64][]byte)
	for _, r := range recs {
		n := ProposalNumber{Round: r.Round, ProposerID: r.Proposer}
		switch r.Kind {
		case storage.KindPromise:
			a.nh = n
		case storage.KindAccept:
			a.na, a.va = n, r.Value
			if n.GreaterThan(a.nh) {
				a.nh = n
			}
		case storage.KindDecide:
			a.values[r.Instance] = r.Value
			if r.Instance > a.instanceH {
				a.instanceH = r.Instance
				a.nh, a.na, a.va = ProposalNumber{}, ProposalNumber{}, nil
			}
		}
	}
}

func (a *Acceptor) persist(r storage.Record) {
	err := a.log.Append(r)
	if errors.Is(err, storage.ErrClosed) {
		// shutting down: the transport is already closed, so no reply
		// depending on this record can leave the node
		log.Printf("[%s] paxos: log closed, dropping %s", a.me, r.Kind)
		return
	}
	if err != nil {
		// answering without the record on disk could break a promise
		log.Panicf("[%s] paxos: append %s: %v", a.me, r.Kind, err)
	}
}

// RegisterHandlers installs prepare/accept/decide on t.
func (a *Acceptor) RegisterHandlers(t transport.Transport) {
	transport.Register(t, MethodPrepare, a.Prepare)
	transport.Register(t, MethodAccept, a.Accept)
	transport.Register(t, MethodDecide, a.Decide)
	transport.Register(t, MethodLearn, a.Learn)
}

func (a *Acceptor) Prepare(src string, args PrepareArgs) (PrepareReply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if args.Instance <= a.instanceH {
		v, ok := a.values[args.Instance]
		if !ok {
			// decided before this node joined; only a promise-less reject is safe
			return PrepareReply{NH: a.nh}, nil
		}
		DPrintf("[%s] prepare %d from %s: oldinstance", a.me, args.Instance, src)
		return PrepareReply{OldInstance: true, VA: v}, nil
	}
	if args.N.GreaterThan(a.nh) {
		a.persist(storage.Record{Kind: storage.KindPromise, Instance: args.Instance, Round: args.N.Round, Proposer: args.N.ProposerID})
		a.nh = args.N
		DPrintf("[%s] prepare %d from %s: promise %v", a.me, args.Instance, src, args.N)
		return PrepareReply{Accept: true, NA: a.na, VA: a.va}, nil
	}
	DPrintf("[%s] prepare %d from %s: reject %v <= %v", a.me, args.Instance, src, args.N, a.nh)
	return PrepareReply{NH: a.nh}, nil
}

func (a *Acceptor) Accept(src string, args AcceptArgs) (AcceptReply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if args.Instance <= a.instanceH {
		return AcceptReply{}, nil
	}
	if !args.N.AtLeast(a.nh) {
		DPrintf("[%s] accept %d from %s: reject %v < %v", a.me, args.Instance, src, args.N, a.nh)
		return AcceptReply{}, nil
	}
	a.persist(storage.Record{Kind: storage.KindAccept, Instance: args.Instance, Round: args.N.Round, Proposer: args.N.ProposerID, Value: args.V})
	a.na, a.va = args.N, args.V
	a.nh = args.N
	DPrintf("[%s] accept %d from %s: accepted %v", a.me, args.Instance, src, args.N)
	return AcceptReply{Accepted: true}, nil
}

func (a *Acceptor) Decide(src string, args DecideArgs) (DecideReply, error) {
	DPrintf("[%s] decide %d from %s", a.me, args.Instance, src)
	a.Commit(args.Instance, args.V)
	return DecideReply{OK: true}, nil
}

// Learn reports the decided value of an instance without touching any
// acceptor state.
func (a *Acceptor) Learn(src string, args LearnArgs) (LearnReply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.values[args.Instance]
	return LearnReply{Decided: ok, V: v}, nil
}

// Commit records v as the decided value of instance and runs the upcall.
// Committing an instance at or below instance_h only fills a hole left by
// a missed decide; it never runs the upcall.
func (a *Acceptor) Commit(instance uint64, v []byte) {
	a.mu.Lock()
	fresh := a.commitLocked(instance, v)
	c := a.committer
	a.mu.Unlock()

	if fresh && c != nil {
		c.Commit(instance, v)
	}
}

func (a *Acceptor) commitLocked(instance uint64, v []byte) bool {
	if old, ok := a.values[instance]; ok && !bytes.Equal(old, v) {
		log.Panicf("[%s] paxos: instance %d decided twice: %q then %q", a.me, instance, old, v)
	}
	if instance <= a.instanceH {
		if _, ok := a.values[instance]; !ok && instance > 0 {
			a.persist(storage.Record{Kind: storage.KindDecide, Instance: instance, Value: v})
			a.values[instance] = v
			log.Printf("[%s] paxos: filled missed instance %d", a.me, instance)
		}
		return false
	}
	a.persist(storage.Record{Kind: storage.KindDecide, Instance: instance, Value: v})
	a.values[instance] = v
	a.instanceH = instance
	a.nh, a.na, a.va = ProposalNumber{}, ProposalNumber{}, nil
	log.Printf("[%s] paxos: decided instance %d", a.me, instance)
	return true
}

// Instance is the highest locally decided instance.
func (a *Acceptor) Instance() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instanceH
}

// Value returns the decided value of instance, if known.
func (a *Acceptor) Value(instance uint64) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.values[instance]
	return v, ok
}

func (a *Acceptor) HighestPromised() ProposalNumber {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nh
}

// Accepted returns (n_a, v_a) for the open instance.
func (a *Acceptor) Accepted() (ProposalNumber, []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.na, a.va
}

// Decided returns a copy of every decided value.
func (a *Acceptor) Decided() map[uint64][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64][]byte, len(a.values))
	for i, v := range a.values {
		out[i] = v
	}
	return out
}

// Dump serializes the whole log. Restore on another node reproduces this
// acceptor's state.
func (a *Acceptor) Dump() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, err := a.log.Dump()
	if err != nil {
		log.Panicf("[%s] paxos: dump: %v", a.me, err)
	}
	return data
}

// Restore replaces this acceptor's log and state with a dump taken on
// another node. A decided value that disagrees with a local one panics.
func (a *Acceptor) Restore(data []byte) error {
	recs, err := storage.Decode(data)
	if err != nil {
		return fmt.Errorf("paxos: restore: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range recs {
		if r.Kind != storage.KindDecide {
			continue
		}
		if old, ok := a.values[r.Instance]; ok && !bytes.Equal(old, r.Value) {
			log.Panicf("[%s] paxos: restore disagrees on instance %d: %q vs %q", a.me, r.Instance, old, r.Value)
		}
	}
	if err := a.log.Restore(data); err != nil {
		return fmt.Errorf("paxos: restore: %w", err)
	}
	a.replay(recs)
	log.Printf("[%s] paxos: restored, instance_h=%d", a.me, a.instanceH)
	return nil
}

// Missing lists the instances up to instance_h whose decision this node
// never saw.
func (a *Acceptor) Missing() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []uint64
	for i := uint64(1); i <= a.instanceH; i++ {
		if _, ok := a.values[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// Instances lists decided instance numbers in ascending order.
func (a *Acceptor) Instances() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, 0, len(a.values))
	for i := range a.values {
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
