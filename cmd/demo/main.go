// =============================================================================
// DEMO RUNNER - Paxos, views and the replicated lock service in one process
// =============================================================================
//
// Run with: go run ./cmd/demo
//
// 1. Three bare acceptors agree on a value, then two proposers duel over
//    the next instance. Everyone must learn the same winner.
// 2. Three lock service nodes start one by one; b and c join through a.
// 3. Two clients trade a lock; the cached copy is revoked and moved.
// 4. The primary dies. b takes over and the lock table survives.
//
//   ┌────────┐   acquire/release   ┌─────┐  invoke  ┌─────┐
//   │ client │ ──────────────────▶ │  a  │ ───────▶ │  b  │
//   └────────┘ ◀─── revoke/retry ─ │(pri)│ ───────▶ │  c  │
//                                  └─────┘          └─────┘
//
// =============================================================================

package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/senutpal/lockrsm/internal/lock"
	"github.com/senutpal/lockrsm/internal/node"
	"github.com/senutpal/lockrsm/internal/paxos"
	"github.com/senutpal/lockrsm/internal/rsm"
	"github.com/senutpal/lockrsm/internal/storage"
	"github.com/senutpal/lockrsm/internal/transport"
)

func main() {
	log.SetFlags(log.Lmicroseconds)
	paxosDemo()
	lockDemo()
}

func paxosDemo() {
	fmt.Println("== Paxos ==")
	net := transport.NewNetwork()
	names := []string{"p0:1", "p1:1", "p2:1"}
	accs := make([]*paxos.Acceptor, len(names))
	pros := make([]*paxos.Proposer, len(names))
	for i, name := range names {
		t := net.AddNode(name)
		accs[i] = paxos.NewAcceptor(name, false, nil, storage.NewMemoryLog(), nil)
		accs[i].RegisterHandlers(t)
		pros[i] = paxos.NewProposer(name, t, accs[i], paxos.DefaultOptions())
	}
	ctx := context.Background()

	fmt.Printf("p0 proposes %q for instance 1: %v\n", "hello, paxos!", pros[0].Run(ctx, 1, names, []byte("hello, paxos!")))

	var wg sync.WaitGroup
	for i, v := range []string{"value A", "value B"} {
		wg.Add(1)
		go func(i int, v string) {
			defer wg.Done()
			for !pros[i].Run(ctx, 2, names, []byte(v)) {
				if _, ok := accs[i].Value(2); ok {
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		}(i, v)
	}
	wg.Wait()

	// a node left out of the decide learns the value by running the
	// instance again: a majority already accepted it, so nothing else can win
	for i, a := range accs {
		if _, ok := a.Value(2); !ok {
			pros[i].Run(ctx, 2, names, []byte("late"))
		}
	}

	for i, a := range accs {
		v1, _ := a.Value(1)
		v2, _ := a.Value(2)
		fmt.Printf("  %s learned 1=%q 2=%q\n", names[i], v1, v2)
	}
}

func lockDemo() {
	fmt.Println("== Lock service ==")
	net := transport.NewNetwork()
	start := func(me string) *node.Node {
		opts := node.DefaultOptions()
		opts.Me = me
		opts.First = "a:1"
		opts.Transport = net.AddNode(me)
		opts.RSM.View.HeartbeatInterval = 200 * time.Millisecond
		opts.RSM.RetryDelay = 100 * time.Millisecond
		n, err := node.New(opts)
		if err != nil {
			log.Fatalf("demo: %v", err)
		}
		n.Start()
		return n
	}
	settle := func(want int, nodes ...*node.Node) {
		for {
			ok := true
			for _, n := range nodes {
				in := n.RSM().Info()
				if len(in.Members) != want || in.InViewChange {
					ok = false
				}
			}
			if ok {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}

	a := start("a:1")
	settle(1, a)
	b := start("b:1")
	settle(2, a, b)
	c := start("c:1")
	settle(3, a, b, c)
	defer b.Stop()
	defer c.Stop()
	fmt.Printf("view %d: %v, primary %s\n", b.RSM().Info().Vid, b.RSM().Info().Members, b.RSM().Info().Primary)

	client := func(name string) *lock.Client {
		rc := rsm.NewClient(net.AddNode(name+"-rsm:1"), "a:1", rsm.DefaultClientOptions())
		return lock.NewClient(rc, net.AddNode(name+":1"), lock.DefaultClientOptions())
	}
	c1, c2 := client("c1"), client("c2")
	ctx := context.Background()

	must := func(err error) {
		if err != nil {
			log.Fatalf("demo: %v", err)
		}
	}
	must(c1.Acquire(ctx, 1))
	must(c1.Release(ctx, 1))
	must(c1.Acquire(ctx, 1))
	must(c1.Release(ctx, 1))
	grants, err := c1.Stat(ctx, 1)
	must(err)
	fmt.Printf("c1 acquired lock 1 twice, server granted it %d time(s)\n", grants)

	must(c2.Acquire(ctx, 1))
	fmt.Printf("c2 holds lock 1 after revoking it from c1; owner on c: %s\n", c.Locks().Owner(1))

	fmt.Println("stopping primary a")
	a.Stop()
	settle(2, b, c)
	fmt.Printf("view %d: %v, primary %s\n", b.RSM().Info().Vid, b.RSM().Info().Members, b.RSM().Info().Primary)

	must(c2.Release(ctx, 1))
	must(c1.Acquire(ctx, 1))
	fmt.Printf("after failover c1 holds lock 1; owner on b: %s\n", b.Locks().Owner(1))
	must(c1.Release(ctx, 1))
	c1.Close(ctx)
	c2.Close(ctx)
}
