// =============================================================================
// NODE - One lock service replica, fully wired
// =============================================================================
//
//   ┌──────────────────────────────────────────────┐
//   │                     NODE                     │
//   │   ┌─────────────┐        ┌──────────────┐    │
//   │   │ lock.Server │ ─────▶ │     RSM      │    │
//   │   └─────────────┘ procs  └──────┬───────┘    │
//   │                                 │            │
//   │                          ┌──────┴───────┐    │
//   │                          │ view.Manager │    │
//   │                          │ (Paxos)      │    │
//   │                          └──┬────────┬──┘    │
//   │                             │        │       │
//   │                   ┌─────────┴─┐  ┌───┴─────┐ │
//   │                   │ TRANSPORT │  │ STORAGE │ │
//   │                   └───────────┘  └─────────┘ │
//   └──────────────────────────────────────────────┘
//
// The transport is TCP unless the caller supplies one (tests and the demo
// use in-memory endpoints). The Paxos log is a file under Dir, or memory
// when Dir is empty.
//
// =============================================================================

package node

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/senutpal/lockrsm/internal/lock"
	"github.com/senutpal/lockrsm/internal/rsm"
	"github.com/senutpal/lockrsm/internal/storage"
	"github.com/senutpal/lockrsm/internal/transport"
)

type Options struct {
	Me    string
	First string

	// Dir holds the Paxos log. Empty keeps it in memory.
	Dir string
	// Transport replaces the TCP endpoint on Me.
	Transport transport.Transport
	// TestAddr, if set, gets a second TCP endpoint serving net_repair and
	// breakpoint, so a partitioned replica can still be healed.
	TestAddr string

	RSM  rsm.Options
	Lock lock.ServerOptions
}

func DefaultOptions() Options {
	return Options{
		RSM:  rsm.DefaultOptions(),
		Lock: lock.DefaultServerOptions(),
	}
}

type Node struct {
	id        string
	rsm       *rsm.RSM
	locks     *lock.Server
	transport transport.Transport
	testT     transport.Transport
	storage   storage.Log

	mu      sync.Mutex
	running bool
}

// New builds the replica without starting it. A TCP endpoint is opened
// right away so a bad address fails here.
func New(opts Options) (*Node, error) {
	if opts.Me == "" || opts.First == "" {
		return nil, fmt.Errorf("node: Me and First are required")
	}
	n := &Node{id: opts.Me}

	t := opts.Transport
	if t == nil {
		rt, err := transport.NewRPCTransport(opts.Me)
		if err != nil {
			return nil, err
		}
		t = rt
	}
	n.transport = t

	var l storage.Log
	if opts.Dir == "" {
		l = storage.NewMemoryLog()
	} else {
		fl, err := storage.OpenFileLog(LogPath(opts.Dir, opts.Me))
		if err != nil {
			n.transport.Close()
			return nil, err
		}
		l = fl
	}
	n.storage = l

	n.rsm = rsm.New(opts.First, opts.Me, t, l, opts.RSM)
	n.locks = lock.NewServer(n.rsm, opts.Lock)

	if opts.TestAddr != "" {
		tt, err := transport.NewRPCTransport(opts.TestAddr)
		if err != nil {
			n.transport.Close()
			l.Close()
			return nil, err
		}
		n.rsm.RegisterTestHandlers(tt)
		n.testT = tt
	}
	return n, nil
}

// LogPath is where a node keeps its Paxos log under dir.
func LogPath(dir, me string) string {
	return filepath.Join(dir, "paxos-"+strings.ReplaceAll(me, ":", "_")+".log")
}

func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}
	n.running = true
	n.locks.Start()
	n.rsm.Start()
	log.Printf("[%s] node: started", n.id)
	return nil
}

// Stop halts the replica and releases its endpoint and log. A stopped
// node cannot be restarted; build a new one on the same Dir.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.mu.Unlock()

	n.transport.Close()
	if n.testT != nil {
		n.testT.Close()
	}
	n.rsm.Stop()
	n.locks.Stop()
	if err := n.storage.Close(); err != nil {
		return fmt.Errorf("node: close log: %w", err)
	}
	log.Printf("[%s] node: stopped", n.id)
	return nil
}

func (n *Node) ID() string { return n.id }

func (n *Node) Addr() string { return n.transport.Addr() }

func (n *Node) RSM() *rsm.RSM { return n.rsm }

func (n *Node) Locks() *lock.Server { return n.locks }
