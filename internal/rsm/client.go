package rsm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/senutpal/lockrsm/internal/transport"
)

var (
	ErrRetriesExhausted = errors.New("rsm: retries exhausted")
	ErrRejected         = errors.New("rsm: request rejected")
)

type ClientOptions struct {
	RPCTimeout  time.Duration // one client_invoke call
	BusyBackoff time.Duration // wait after BUSY
	FailBackoff time.Duration // wait after the primary could not be reached
	MaxAttempts int           // 0 means bounded only by the context
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		RPCTimeout:  5 * time.Second,
		BusyBackoff: 100 * time.Millisecond,
		FailBackoff: 100 * time.Millisecond,
	}
}

// Client sends requests to whichever replica is primary, following the
// primary across view changes.
type Client struct {
	net  transport.Caller
	opts ClientOptions

	mu      sync.Mutex
	primary string
	known   []string
}

// NewClient starts from a believed primary. It asks that node for the
// member list but does not fail if it cannot be reached yet.
func NewClient(net transport.Caller, primary string, opts ClientOptions) *Client {
	c := &Client{net: net, opts: opts, primary: primary, known: []string{primary}}
	ctx, cancel := context.WithTimeout(context.Background(), opts.RPCTimeout)
	defer cancel()
	c.initMembers(ctx, primary)
	return c
}

func (c *Client) Primary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary
}

func (c *Client) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.known...)
}

// Invoke runs proc on the replicated state machine and returns its reply.
// BUSY is retried against the same primary after a backoff, NOTPRIMARY
// refreshes the member list, and an unreachable primary makes the client
// probe every member it knows.
func (c *Client) Invoke(ctx context.Context, proc int, req []byte) ([]byte, error) {
	args := ClientInvokeArgs{Proc: proc, Req: req}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}
		if c.opts.MaxAttempts > 0 && attempt > c.opts.MaxAttempts {
			return nil, ErrRetriesExhausted
		}

		primary := c.Primary()
		var rep ClientInvokeReply
		cctx, cancel := context.WithTimeout(ctx, c.opts.RPCTimeout)
		err := c.net.Call(cctx, primary, MethodClientInvoke, args, &rep)
		cancel()

		if err == nil {
			switch rep.Status {
			case OK:
				return rep.Resp, nil
			case BUSY:
				DPrintf("rsm client: %s busy", primary)
				c.wait(ctx, c.opts.BusyBackoff)
				continue
			case NOTPRIMARY:
				log.Printf("rsm client: %s is not primary, refreshing members", primary)
				if c.initMembers(ctx, primary) && c.Primary() != primary {
					continue
				}
			case ERR:
				return nil, fmt.Errorf("%w: proc %d", ErrRejected, proc)
			}
		} else {
			log.Printf("rsm client: primary %s failed: %v", primary, err)
		}
		c.primaryFailure(ctx)
		c.wait(ctx, c.opts.FailBackoff)
	}
}

func (c *Client) wait(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (c *Client) members(ctx context.Context, from string) ([]string, bool) {
	var rep MembersReply
	cctx, cancel := context.WithTimeout(ctx, c.opts.RPCTimeout)
	defer cancel()
	if err := c.net.Call(cctx, from, MethodMembers, MembersArgs{Src: c.net.Addr()}, &rep); err != nil {
		return nil, false
	}
	if rep.Status != OK || len(rep.Members) == 0 {
		return nil, false
	}
	return rep.Members, true
}

// initMembers adopts the member list and primary reported by from.
func (c *Client) initMembers(ctx context.Context, from string) bool {
	m, ok := c.members(ctx, from)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primary = m[len(m)-1]
	c.known = m[:len(m)-1]
	return true
}

// primaryFailure asks every known member who the primary is now and
// switches to the first different answer.
func (c *Client) primaryFailure(ctx context.Context) {
	cur := c.Primary()
	for _, m := range c.Members() {
		mems, ok := c.members(ctx, m)
		if !ok {
			continue
		}
		if p := mems[len(mems)-1]; p != cur {
			log.Printf("rsm client: switching primary %s -> %s", cur, p)
			c.mu.Lock()
			c.primary = p
			c.known = mems[:len(mems)-1]
			c.mu.Unlock()
			return
		}
	}
}
