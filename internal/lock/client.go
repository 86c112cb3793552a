package lock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/senutpal/lockrsm/internal/rsm"
	"github.com/senutpal/lockrsm/internal/transport"
)

type lockStatus int

const (
	none lockStatus = iota // server owns the lock
	free                   // we own it, no goroutine holds it
	locked                 // a local goroutine holds it
	acquiring              // asking the server for it
	releasing              // giving it back to the server
)

func (s lockStatus) String() string {
	switch s {
	case none:
		return "none"
	case free:
		return "free"
	case locked:
		return "locked"
	case acquiring:
		return "acquiring"
	case releasing:
		return "releasing"
	}
	return fmt.Sprintf("lockStatus(%d)", int(s))
}

// clientLock is the cached state of one lock. revoked means the server
// wants it back as soon as no local goroutine holds it. retry is signalled
// by the server's retry callback; it is buffered so a retry that arrives
// before the RETRY reply is not lost.
type clientLock struct {
	status  lockStatus
	revoked bool
	retry   chan struct{}
}

type ClientOptions struct {
	RetryInterval time.Duration // re-ask the server if no retry arrives
	CallTimeout   time.Duration // one acquire or release through the RSM
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		RetryInterval: time.Second,
		CallTimeout:   30 * time.Second,
	}
}

// Client caches locks granted by the lock service. Goroutines of the same
// client pass a cached lock among themselves without talking to the
// server; the server takes it back with a revoke.
type Client struct {
	rc   *rsm.Client
	id   string
	opts ClientOptions

	mu    sync.Mutex
	cond  *sync.Cond
	locks map[uint64]*clientLock
	xid   uint64

	releaseCh chan uint64
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewClient serves revoke and retry on cb and sends lock requests
// through rc. cb's address identifies this client to the server.
func NewClient(rc *rsm.Client, cb transport.Transport, opts ClientOptions) *Client {
	c := &Client{
		rc:        rc,
		id:        cb.Addr(),
		opts:      opts,
		locks:     make(map[uint64]*clientLock),
		releaseCh: make(chan uint64, 64),
		stopCh:    make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	transport.Register(cb, MethodRevoke, c.revoke)
	transport.Register(cb, MethodRetry, c.retry)
	c.wg.Add(1)
	go c.releaser()
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) lock(lid uint64) *clientLock {
	l, ok := c.locks[lid]
	if !ok {
		l = &clientLock{retry: make(chan struct{}, 1)}
		c.locks[lid] = l
	}
	return l
}

func (c *Client) nextXid() uint64 {
	c.xid++
	return c.xid
}

// Acquire blocks until this goroutine holds lid or ctx is done.
func (c *Client) Acquire(ctx context.Context, lid uint64) error {
	// wake waiters when ctx ends so they can give up
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	l := c.lock(lid)
	for l.status != none && l.status != free {
		if err := ctx.Err(); err != nil {
			c.mu.Unlock()
			return err
		}
		c.cond.Wait()
	}
	if l.status == free {
		l.status = locked
		c.mu.Unlock()
		DPrintf("lock client %s: %d from cache", c.id, lid)
		return nil
	}
	l.status = acquiring
	select {
	case <-l.retry:
	default:
	}
	c.mu.Unlock()

	err := c.acquireFromServer(ctx, lid, l)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		l.status = none
		l.revoked = false
		c.cond.Broadcast()
		return err
	}
	l.status = locked
	return nil
}

func (c *Client) acquireFromServer(ctx context.Context, lid uint64, l *clientLock) error {
	for {
		rep, err := c.call(ctx, ProcAcquire, lid)
		if err != nil {
			return err
		}
		if rep.Status == OK {
			return nil
		}
		DPrintf("lock client %s: %d busy, waiting for retry", c.id, lid)
		select {
		case <-l.retry:
		case <-time.After(c.opts.RetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release gives lid up. The lock stays cached unless the server asked for
// it back, in which case it is returned now.
func (c *Client) Release(ctx context.Context, lid uint64) error {
	c.mu.Lock()
	l, ok := c.locks[lid]
	if !ok || l.status != locked {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotHeld, lid)
	}
	if !l.revoked {
		l.status = free
		c.cond.Broadcast()
		c.mu.Unlock()
		return nil
	}
	l.status = releasing
	c.mu.Unlock()
	return c.giveBack(ctx, lid, l)
}

// giveBack returns a lock in the releasing state to the server. On
// failure the lock stays cached and the releaser tries again later.
func (c *Client) giveBack(ctx context.Context, lid uint64, l *clientLock) error {
	_, err := c.call(ctx, ProcRelease, lid)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		log.Printf("lock client %s: release %d: %v", c.id, lid, err)
		l.status = free
		c.cond.Broadcast()
		c.queueRelease(lid)
		return err
	}
	l.status = none
	l.revoked = false
	c.cond.Broadcast()
	return nil
}

// Stat asks the service how many times lid has been granted.
func (c *Client) Stat(ctx context.Context, lid uint64) (int, error) {
	rep, err := c.call(ctx, ProcStat, lid)
	if err != nil {
		return 0, err
	}
	return rep.Grants, nil
}

func (c *Client) call(ctx context.Context, proc int, lid uint64) (Reply, error) {
	c.mu.Lock()
	req := Request{Lid: lid, Client: c.id, Xid: c.nextXid()}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	out, err := c.rc.Invoke(ctx, proc, marshal(req))
	if err != nil {
		return Reply{}, err
	}
	var rep Reply
	if err := unmarshal(out, &rep); err != nil {
		return Reply{}, err
	}
	return rep, nil
}

// revoke is the server asking for lid back. It only records the request;
// the releaser or the holder's Release does the work.
func (c *Client) revoke(src string, args NoticeArgs) (NoticeReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lock(args.Lid)
	DPrintf("lock client %s: revoke %d in state %v", c.id, args.Lid, l.status)
	switch l.status {
	case none, releasing:
		return NoticeReply{OK: true}, nil
	case free:
		l.revoked = true
		c.queueRelease(args.Lid)
	default:
		l.revoked = true
	}
	return NoticeReply{OK: true}, nil
}

func (c *Client) retry(src string, args NoticeArgs) (NoticeReply, error) {
	c.mu.Lock()
	l := c.lock(args.Lid)
	c.mu.Unlock()
	select {
	case l.retry <- struct{}{}:
	default:
	}
	return NoticeReply{OK: true}, nil
}

func (c *Client) queueRelease(lid uint64) {
	select {
	case c.releaseCh <- lid:
	default:
		log.Printf("lock client %s: release queue full, %d stays cached", c.id, lid)
	}
}

// releaser returns revoked locks that nobody on this client holds.
func (c *Client) releaser() {
	defer c.wg.Done()
	for {
		var lid uint64
		select {
		case <-c.stopCh:
			return
		case lid = <-c.releaseCh:
		}
		c.mu.Lock()
		l := c.lock(lid)
		if l.status != free || !l.revoked {
			c.mu.Unlock()
			continue
		}
		l.status = releasing
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
		if c.giveBack(ctx, lid, l) != nil {
			select {
			case <-c.stopCh:
			case <-time.After(c.opts.RetryInterval):
			}
		}
		cancel()
	}
}

// Close returns every cached lock to the server and stops the releaser.
// Locks still held by local goroutines are left alone.
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	var lids []uint64
	for lid, l := range c.locks {
		if l.status == free {
			l.status = releasing
			lids = append(lids, lid)
		}
	}
	c.mu.Unlock()

	for _, lid := range lids {
		c.mu.Lock()
		l := c.locks[lid]
		c.mu.Unlock()
		c.giveBack(ctx, lid, l)
	}
	close(c.stopCh)
	c.wg.Wait()
}
