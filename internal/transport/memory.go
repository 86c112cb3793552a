package transport

import (
	"context"
	"sync"
	"sync/atomic"
)

// Network is the shared registry behind a set of MemoryTransports. It
// simulates an address space with partitions: a call between two nodes
// succeeds only if both are reachable and no partition separates them.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*MemoryTransport
	group     map[string]int // partition group per address; empty when healed
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*MemoryTransport)}
}

// AddNode registers a fresh endpoint for addr. An existing endpoint under
// the same address is closed and replaced, which is how tests restart a
// node.
func (n *Network) AddNode(addr string) *MemoryTransport {
	t := &MemoryTransport{
		net:       n,
		addr:      addr,
		handlers:  make(map[string]HandlerFunc),
		reachable: true,
	}
	n.mu.Lock()
	old := n.endpoints[addr]
	n.endpoints[addr] = t
	n.mu.Unlock()
	if old != nil {
		old.markClosed()
	}
	return t
}

// Partition splits the listed addresses into groups that can only talk
// within themselves. Addresses not listed form one more group.
func (n *Network) Partition(groups ...[]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.group = make(map[string]int)
	for i, g := range groups {
		for _, addr := range g {
			n.group[addr] = i + 1
		}
	}
}

// Heal removes every partition.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.group = nil
}

func (n *Network) route(src, dst string) (*MemoryTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.endpoints[dst]
	if !ok {
		return nil, false
	}
	if n.group != nil && n.group[src] != n.group[dst] {
		return nil, false
	}
	return t, true
}

// MemoryTransport is one node's endpoint on a Network.
type MemoryTransport struct {
	net  *Network
	addr string

	mu        sync.RWMutex
	handlers  map[string]HandlerFunc
	reachable bool
	closed    bool

	served atomic.Int64
}

func (t *MemoryTransport) Addr() string { return t.addr }

func (t *MemoryTransport) Handle(method string, h HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[method] = h
}

func (t *MemoryTransport) SetReachable(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reachable = ok
}

func (t *MemoryTransport) Close() error {
	t.markClosed()
	t.net.mu.Lock()
	if t.net.endpoints[t.addr] == t {
		delete(t.net.endpoints, t.addr)
	}
	t.net.mu.Unlock()
	return nil
}

// Served is the number of inbound calls this endpoint has dispatched.
func (t *MemoryTransport) Served() int64 { return t.served.Load() }

func (t *MemoryTransport) markClosed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *MemoryTransport) up() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reachable && !t.closed
}

func (t *MemoryTransport) handler(method string) (HandlerFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[method]
	return h, ok && !t.closed
}

type result struct {
	payload []byte
	err     error
}

func (t *MemoryTransport) Call(ctx context.Context, dst, method string, args, reply any) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !t.up() {
		return ErrUnreachable
	}
	peer, ok := t.net.route(t.addr, dst)
	if !ok || !peer.up() {
		return ErrUnreachable
	}
	h, ok := peer.handler(method)
	if !ok {
		return ErrNoHandler
	}
	payload, err := encode(args)
	if err != nil {
		return err
	}

	done := make(chan result, 1)
	peer.served.Add(1)
	go func() {
		out, err := h(t.addr, payload)
		done <- result{out, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return ErrTimeout
	}
	// the reply is lost if either side was cut off while the call ran
	if !t.up() || !peer.up() {
		return ErrUnreachable
	}
	if r.err != nil {
		return &RemoteError{Method: method, Msg: r.err.Error()}
	}
	if reply == nil {
		return nil
	}
	return decode(r.payload, reply)
}
