package rsm

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/senutpal/lockrsm/internal/transport"
)

// syncRound is the primary's bookkeeping for one state-transfer round:
// the backups that still owe a transferdone for view vid.
type syncRound struct {
	vid     uint64
	pending map[string]bool
	done    chan struct{}
	abort   chan struct{}
	once    sync.Once
}

func newSyncRound(vid uint64, backups []string) *syncRound {
	s := &syncRound{
		vid:     vid,
		pending: make(map[string]bool),
		done:    make(chan struct{}),
		abort:   make(chan struct{}),
	}
	for _, b := range backups {
		s.pending[b] = true
	}
	if len(s.pending) == 0 {
		close(s.done)
	}
	return s
}

func (s *syncRound) finish(b string) {
	if !s.pending[b] {
		return
	}
	delete(s.pending, b)
	if len(s.pending) == 0 {
		close(s.done)
	}
}

func (s *syncRound) cancel() { s.once.Do(func() { close(s.abort) }) }

// recovery joins the RSM when this node is not a member and then brings it
// in sync after every view change. It holds mu except while blocked.
func (r *RSM) recovery(stop chan struct{}) {
	defer r.wg.Done()

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		for !r.cfg.IsMember(r.me) {
			if r.join() {
				log.Printf("[%s] rsm: joined view %d", r.me, r.cfg.Vid())
				break
			}
			if !r.sleep(stop, r.opts.RetryDelay) {
				return
			}
		}

		r.fillGaps()
		vid := r.cfg.Vid()
		r.primary = r.computePrimary()
		var ok bool
		if r.primary == r.me {
			ok = r.syncWithBackups(vid, stop)
		} else {
			ok = r.syncWithPrimary(vid, stop)
		}
		if ok && vid == r.cfg.Vid() && r.cfg.IsMember(r.me) {
			if r.primary == r.me {
				r.myvs = Viewstamp{Vid: vid, Seqno: 1}
				r.lastMyvs = Viewstamp{Vid: vid}
			}
			r.inviewchange = false
			log.Printf("[%s] rsm: in sync at view %d, primary %s", r.me, vid, r.primary)
		}

		var retry <-chan time.Time
		if !ok {
			retry = time.After(r.opts.RetryDelay)
		}
		r.mu.Unlock()
		select {
		case <-stop:
			r.mu.Lock()
			return
		case <-r.recoverCh:
		case <-retry:
		}
		r.mu.Lock()
	}
}

// fillGaps fetches views this node missed so that computePrimary replays
// the same history as every other member. If a view cannot be found the
// primary is computed from what is known.
func (r *RSM) fillGaps() {
	r.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.JoinTimeout)
	ok := r.cfg.FillGaps(ctx)
	cancel()
	r.mu.Lock()
	if !ok {
		log.Printf("[%s] rsm: view history still has holes, primary may differ", r.me)
	}
}

// sleep waits d with mu released. It reports false if stop fired.
func (r *RSM) sleep(stop chan struct{}, d time.Duration) bool {
	r.mu.Unlock()
	defer r.mu.Lock()
	select {
	case <-stop:
		return false
	case <-time.After(d):
		return true
	}
}

// join asks the believed primary, then every member it knows of, to add
// this node. On success the returned log replaces the local one.
func (r *RSM) join() bool {
	targets := []string{r.primary}
	for _, m := range r.cfg.CurrentView() {
		if m != r.primary && m != r.me {
			targets = append(targets, m)
		}
	}
	last := r.lastMyvs
	for _, m := range targets {
		if m == r.me {
			continue
		}
		log.Printf("[%s] rsm: join via %s, last %v", r.me, m, last)
		var rep JoinReply
		r.mu.Unlock()
		err := transport.CallTimeout(r.net, r.opts.JoinTimeout, m, MethodJoin, JoinArgs{Last: last}, &rep)
		r.mu.Lock()
		if err != nil || rep.Status != OK {
			log.Printf("[%s] rsm: join via %s failed: %v %v", r.me, m, rep.Status, err)
			continue
		}
		if err := r.cfg.Restore(rep.Log); err != nil {
			log.Printf("[%s] rsm: join via %s: bad log: %v", r.me, m, err)
			continue
		}
		r.primary = r.computePrimary()
		return true
	}
	return false
}

// syncWithBackups waits until every backup in view vid has pulled the
// primary's state. A view change aborts the wait.
func (r *RSM) syncWithBackups(vid uint64, stop chan struct{}) bool {
	var backups []string
	for _, m := range r.cfg.CurrentView() {
		if m != r.me {
			backups = append(backups, m)
		}
	}
	round := newSyncRound(vid, backups)
	r.round = round
	r.insync = true
	log.Printf("[%s] rsm: primary syncing view %d with %v", r.me, vid, backups)

	r.mu.Unlock()
	var ok bool
	select {
	case <-round.done:
		ok = true
	case <-round.abort:
	case <-stop:
	case <-time.After(r.opts.SyncTimeout):
		log.Printf("[%s] rsm: sync of view %d timed out", r.me, vid)
	}
	r.mu.Lock()

	if r.round == round {
		r.round = nil
	}
	r.insync = false
	return ok
}

// syncWithPrimary pulls state from the primary of view vid, then tells it
// we are done. last_myvs moves to (vid, 0) BEFORE the done message: once
// the primary hears from everybody it may send (vid, 1) immediately.
func (r *RSM) syncWithPrimary(vid uint64, stop chan struct{}) bool {
	primary := r.primary
	r.insync = true
	defer func() { r.insync = false }()

	if !r.statetransfer(primary, vid, stop) {
		return false
	}
	r.lastMyvs = Viewstamp{Vid: vid}
	return r.statetransferdone(primary, vid)
}

// statetransfer fetches the primary's state, retrying while the primary
// has not yet started its side of the sync.
func (r *RSM) statetransfer(primary string, vid uint64, stop chan struct{}) bool {
	deadline := time.Now().Add(r.opts.SyncTimeout)
	for r.cfg.Vid() == vid && time.Now().Before(deadline) {
		var rep TransferReply
		args := TransferArgs{Vid: vid, Last: r.lastMyvs}
		r.mu.Unlock()
		err := transport.CallTimeout(r.net, r.opts.TransferTimeout, primary, MethodTransfer, args, &rep)
		r.mu.Lock()

		if err == nil && rep.Status == OK {
			if r.cfg.Vid() != vid {
				return false
			}
			if rep.Changed && r.stf != nil {
				r.stf.Unmarshal(rep.State)
			}
			log.Printf("[%s] rsm: transferred state from %s at %v (changed=%v)", r.me, primary, rep.Last, rep.Changed)
			return true
		}
		DPrintf("[%s] rsm: transferreq to %s: %v %v", r.me, primary, rep.Status, err)
		if !r.sleep(stop, r.opts.RetryDelay/4) {
			return false
		}
	}
	return false
}

func (r *RSM) statetransferdone(primary string, vid uint64) bool {
	var rep TransferDoneReply
	r.mu.Unlock()
	err := transport.CallTimeout(r.net, r.opts.TransferTimeout, primary, MethodTransferDone, TransferDoneArgs{Vid: vid}, &rep)
	r.mu.Lock()
	if err != nil || rep.Status != OK {
		log.Printf("[%s] rsm: transferdone to %s: %v %v", r.me, primary, rep.Status, err)
		return false
	}
	return true
}

// transferreq hands the caller our state, but only while we are the
// primary syncing view args.Vid.
func (r *RSM) transferreq(src string, args TransferArgs) (TransferReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.insync || r.round == nil || r.round.vid != args.Vid || r.primary != r.me {
		return TransferReply{Status: BUSY}, nil
	}
	rep := TransferReply{Status: OK, Last: r.lastMyvs}
	if args.Last != r.lastMyvs && r.stf != nil {
		rep.Changed = true
		rep.State = r.stf.Marshal()
	}
	log.Printf("[%s] rsm: transferreq from %s last %v, mine %v", r.me, src, args.Last, r.lastMyvs)
	return rep, nil
}

func (r *RSM) transferdonereq(src string, args TransferDoneArgs) (TransferDoneReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.round == nil || r.round.vid != args.Vid {
		return TransferDoneReply{Status: BUSY}, nil
	}
	r.round.finish(src)
	return TransferDoneReply{Status: OK}, nil
}

// joinreq admits src into the RSM. Only a settled primary adds members, one
// at a time, so joins are totally ordered.
func (r *RSM) joinreq(src string, args JoinArgs) (JoinReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.Printf("[%s] rsm: joinreq from %s last %v, mine %v", r.me, src, args.Last, r.lastMyvs)

	if r.cfg.IsMember(src) {
		return JoinReply{Status: OK, Log: r.cfg.Dump()}, nil
	}
	if r.primary != r.me || r.inviewchange || r.adding {
		return JoinReply{Status: BUSY}, nil
	}

	r.adding = true
	r.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.JoinTimeout)
	ok := r.cfg.Add(ctx, src)
	cancel()
	r.mu.Lock()
	r.adding = false

	if !ok {
		log.Printf("[%s] rsm: could not add %s", r.me, src)
		return JoinReply{Status: BUSY}, nil
	}
	return JoinReply{Status: OK, Log: r.cfg.Dump()}, nil
}
