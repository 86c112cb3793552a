// =============================================================================
// RSM - Primary/backup replication over Paxos-agreed views
// =============================================================================
//
// The primary stamps each client request with a viewstamp (vid, seqno),
// forwards it to every backup in view order and waits for ALL of them to
// apply it. Only then does it apply the request itself and reply. Backups
// apply strictly in stamp order: a stamp that is not the immediate
// successor of the last applied one is refused.
//
// Views come from the view manager. On every new view:
//
//   - the primary stays if it is still a member; otherwise the first member
//     of the previous view that survived becomes primary
//   - the replica enters "inviewchange" and clients get BUSY
//   - the recovery goroutine syncs: backups pull the primary's state, the
//     primary waits until every backup reports done
//   - afterwards all replicas sit at (vid, 0) and service resumes
//
// A node that is not in the current view joins through the primary, which
// runs the view change that adds it and ships back its Paxos log.
//
// Locking: mu guards everything below it. It is released around every
// outbound call. invokeMu serializes client requests at the primary, which
// is what totally orders them.
//
// =============================================================================

package rsm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/senutpal/lockrsm/internal/paxos"
	"github.com/senutpal/lockrsm/internal/storage"
	"github.com/senutpal/lockrsm/internal/transport"
	"github.com/senutpal/lockrsm/internal/view"
)

const Debug = false

func DPrintf(format string, a ...any) {
	if Debug {
		log.Printf(format, a...)
	}
}

var ErrBadBreakpoint = errors.New("rsm: unknown breakpoint")

// Proc is a replicated procedure. It must be a deterministic function of
// the state machine's state and req, and must not block.
type Proc func(req []byte) []byte

// StateTransfer snapshots and installs the replicated state machine.
type StateTransfer interface {
	Marshal() []byte
	Unmarshal(data []byte)
}

type Options struct {
	View view.Options

	InvokeTimeout   time.Duration // primary -> backup invoke
	TransferTimeout time.Duration // one transferreq/transferdonereq call
	SyncTimeout     time.Duration // one whole sync attempt
	JoinTimeout     time.Duration // joinreq, covers a Paxos run at the primary
	RetryDelay      time.Duration // between join and sync attempts
}

func DefaultOptions() Options {
	return Options{
		View:            view.DefaultOptions(),
		InvokeTimeout:   time.Second,
		TransferTimeout: time.Second,
		SyncTimeout:     10 * time.Second,
		JoinTimeout:     10 * time.Second,
		RetryDelay:      time.Second,
	}
}

type RSM struct {
	me   string
	net  transport.Transport
	cfg  *view.Manager
	opts Options

	invokeMu sync.Mutex

	mu           sync.Mutex
	procs        map[int]Proc
	stf          StateTransfer
	myvs         Viewstamp
	lastMyvs     Viewstamp
	primary      string
	insync       bool
	inviewchange bool
	adding       bool
	round        *syncRound
	break1       bool
	break2       bool
	exit         func()

	recoverCh chan struct{}
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New builds a replica. first is the bootstrap node's address; l holds
// the view manager's Paxos log. Call Start to begin joining and syncing.
func New(first, me string, t transport.Transport, l storage.Log, opts Options) *RSM {
	r := &RSM{
		me:           me,
		net:          t,
		opts:         opts,
		procs:        make(map[int]Proc),
		primary:      first,
		myvs:         Viewstamp{Seqno: 1},
		inviewchange: true,
		exit:         func() { os.Exit(1) },
		recoverCh:    make(chan struct{}, 1),
	}
	r.cfg = view.New(first, me, t, l, opts.View)
	r.cfg.SetHandler(r)
	r.primary = r.computePrimary()

	transport.Register(t, MethodClientInvoke, r.clientInvoke)
	transport.Register(t, MethodMembers, r.members)
	transport.Register(t, MethodInvoke, r.invoke)
	transport.Register(t, MethodTransfer, r.transferreq)
	transport.Register(t, MethodTransferDone, r.transferdonereq)
	transport.Register(t, MethodJoin, r.joinreq)
	return r
}

// Handle registers a replicated procedure. Register all procedures before
// Start.
func (r *RSM) Handle(proc int, fn Proc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[proc] = fn
}

func (r *RSM) SetStateTransfer(st StateTransfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stf = st
}

func (r *RSM) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.recovery(r.stopCh)
	r.cfg.Start()
}

func (r *RSM) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	if r.round != nil {
		r.round.cancel()
	}
	r.mu.Unlock()
	r.cfg.Stop()
	r.wg.Wait()
}

func (r *RSM) Me() string { return r.me }

func (r *RSM) View() *view.Manager { return r.cfg }

func (r *RSM) Transport() transport.Transport { return r.net }

// AmIPrimary reports whether this replica may serve clients right now.
func (r *RSM) AmIPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.amIPrimaryLocked()
}

func (r *RSM) amIPrimaryLocked() bool {
	return r.primary == r.me && !r.inviewchange
}

// Info is a point-in-time view of replica state, for tests and the demo.
type Info struct {
	Vid          uint64
	Primary      string
	Members      []string
	Last         Viewstamp
	InViewChange bool
}

func (r *RSM) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		Vid:          r.cfg.Vid(),
		Primary:      r.primary,
		Members:      r.cfg.CurrentView(),
		Last:         r.lastMyvs,
		InViewChange: r.inviewchange,
	}
}

// CommitChange is the view manager's upcall for a newly installed view.
func (r *RSM) CommitChange() {
	r.mu.Lock()
	r.inviewchange = true
	r.primary = r.computePrimary()
	if r.round != nil {
		r.round.cancel()
	}
	log.Printf("[%s] rsm: view %d %v, primary %s", r.me, r.cfg.Vid(), r.cfg.CurrentView(), r.primary)
	r.mu.Unlock()
	r.kick()
}

func (r *RSM) kick() {
	select {
	case r.recoverCh <- struct{}{}:
	default:
	}
}

// computePrimary replays the view history: the first view's primary is the
// first node, and each later view keeps the primary if it survived or else
// takes the first member of the preceding view that is still present.
// Every replica with the same history computes the same primary.
func (r *RSM) computePrimary() string {
	primary := r.cfg.First()
	var prev []string
	for _, vid := range r.cfg.History() {
		mems, _ := r.cfg.View(vid)
		if len(mems) == 0 {
			continue
		}
		if !isMember(primary, mems) {
			next := mems[0]
			for _, p := range prev {
				if isMember(p, mems) {
					next = p
					break
				}
			}
			primary = next
		}
		prev = mems
	}
	return primary
}

func isMember(m string, mems []string) bool {
	for _, x := range mems {
		if x == m {
			return true
		}
	}
	return false
}

// clientInvoke is the primary's entry point for client requests.
func (r *RSM) clientInvoke(src string, args ClientInvokeArgs) (ClientInvokeReply, error) {
	r.invokeMu.Lock()
	defer r.invokeMu.Unlock()

	r.mu.Lock()
	if r.primary != r.me {
		r.mu.Unlock()
		return ClientInvokeReply{Status: NOTPRIMARY}, nil
	}
	if r.inviewchange {
		r.mu.Unlock()
		return ClientInvokeReply{Status: BUSY}, nil
	}
	fn, ok := r.procs[args.Proc]
	if !ok {
		r.mu.Unlock()
		return ClientInvokeReply{Status: ERR}, nil
	}
	vs := r.myvs
	r.myvs.Seqno++
	vid := r.cfg.Vid()
	var backups []string
	for _, m := range r.cfg.CurrentView() {
		if m != r.me {
			backups = append(backups, m)
		}
	}
	r.mu.Unlock()

	DPrintf("[%s] rsm: invoke proc %d as %v", r.me, args.Proc, vs)
	for i, b := range backups {
		var rep InvokeReply
		err := transport.CallTimeout(r.net, r.opts.InvokeTimeout, b, MethodInvoke, InvokeArgs{Proc: args.Proc, VS: vs, Req: args.Req}, &rep)
		if err != nil || rep.Status != OK {
			log.Printf("[%s] rsm: backup %s did not apply %v (%v %v)", r.me, b, vs, rep.Status, err)
			r.dropBackup(b, vid)
			return ClientInvokeReply{Status: BUSY}, nil
		}
		if i == 0 && r.breakpoint(1) {
			return ClientInvokeReply{Status: BUSY}, nil
		}
	}
	if r.breakpoint(2) {
		return ClientInvokeReply{Status: BUSY}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// A view change ran while the backups were called. Its sync already
	// replaced their state with ours, so vs must not be applied here.
	if r.inviewchange || r.cfg.Vid() != vid {
		log.Printf("[%s] rsm: view changed under %v, dropping it", r.me, vs)
		return ClientInvokeReply{Status: BUSY}, nil
	}
	if r.lastMyvs.Next() != vs {
		log.Panicf("[%s] rsm: primary applying %v after %v", r.me, vs, r.lastMyvs)
	}
	resp := fn(args.Req)
	r.lastMyvs = vs
	return ClientInvokeReply{Status: OK, Resp: resp}, nil
}

// dropBackup removes a backup that failed to apply a stamped request. The
// primary has already handed out the stamp, so it cannot serve again until
// a view change resyncs everybody.
func (r *RSM) dropBackup(b string, vid uint64) {
	for i := 0; i < 3; i++ {
		if r.cfg.Vid() != vid {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.JoinTimeout)
		ok := r.cfg.Remove(ctx, b)
		cancel()
		if ok || r.cfg.Vid() != vid {
			return
		}
		time.Sleep(r.opts.RetryDelay)
	}
	r.mu.Lock()
	if r.cfg.Vid() == vid {
		log.Printf("[%s] rsm: could not remove %s, refusing clients", r.me, b)
		r.inviewchange = true
	}
	r.mu.Unlock()
}

// invoke applies one stamped request at a backup.
func (r *RSM) invoke(src string, args InvokeArgs) (InvokeReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if args.VS != r.lastMyvs.Next() {
		DPrintf("[%s] rsm: refuse %v from %s, last %v", r.me, args.VS, src, r.lastMyvs)
		return InvokeReply{Status: ERR}, nil
	}
	fn, ok := r.procs[args.Proc]
	if !ok {
		return InvokeReply{Status: ERR}, nil
	}
	fn(args.Req)
	r.lastMyvs = args.VS
	return InvokeReply{Status: OK}, nil
}

func (r *RSM) members(src string, args MembersArgs) (MembersReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := append(r.cfg.CurrentView(), r.primary)
	return MembersReply{Status: OK, Members: m}, nil
}

// NetRepair cuts this replica off the network (heal=false) or reconnects
// it.
func (r *RSM) NetRepair(heal bool) {
	log.Printf("[%s] rsm: net repair heal=%v", r.me, heal)
	r.net.SetReachable(heal)
}

// Breakpoint arms a failure point: 1 dies after the first backup applied a
// request, 2 dies after all backups applied it but before the primary
// does, 3 and 4 die inside the next Paxos run before accept / before
// decide.
func (r *RSM) Breakpoint(b int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.Printf("[%s] rsm: breakpoint %d armed", r.me, b)
	switch b {
	case 1:
		r.break1 = true
	case 2:
		r.break2 = true
	case 3:
		r.cfg.Breakpoint(paxos.BeforeAccept)
	case 4:
		r.cfg.Breakpoint(paxos.BeforeDecide)
	default:
		return fmt.Errorf("%w: %d", ErrBadBreakpoint, b)
	}
	return nil
}

// SetExitHook replaces the action taken at any breakpoint (default:
// os.Exit(1)).
func (r *RSM) SetExitHook(fn func()) {
	r.mu.Lock()
	r.exit = fn
	r.mu.Unlock()
	r.cfg.SetExitHook(fn)
}

func (r *RSM) breakpoint(b int) bool {
	r.mu.Lock()
	armed := (b == 1 && r.break1) || (b == 2 && r.break2)
	if b == 1 {
		r.break1 = false
	} else {
		r.break2 = false
	}
	exit := r.exit
	r.mu.Unlock()
	if !armed {
		return false
	}
	log.Printf("[%s] rsm: dying at breakpoint %d", r.me, b)
	exit()
	return true
}

// RegisterTestHandlers serves NetRepair and Breakpoint on t, which should
// be a different endpoint from the replica's own so it stays reachable
// while the replica is cut off.
func (r *RSM) RegisterTestHandlers(t transport.Transport) {
	transport.Register(t, MethodNetRepair, func(src string, a NetRepairArgs) (TestReply, error) {
		r.NetRepair(a.Heal)
		return TestReply{Status: OK}, nil
	})
	transport.Register(t, MethodBreakpoint, func(src string, a BreakpointArgs) (TestReply, error) {
		if err := r.Breakpoint(a.B); err != nil {
			return TestReply{Status: ERR}, nil
		}
		return TestReply{Status: OK}, nil
	})
}
