package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"sync"
	"time"
)

// Envelope is the single request shape carried over net/rpc. Every named
// method is multiplexed through one "Endpoint.Dispatch" service.
type Envelope struct {
	Src     string
	Method  string
	Payload []byte
}

// Response codes carried back in place of Go errors, which net/rpc would
// flatten to strings.
const (
	codeOK = iota
	codeRemote
	codeNoHandler
	codeUnreachable
)

type Response struct {
	Code    int
	Payload []byte
	Err     string
}

// RPCTransport serves and makes calls over TCP with net/rpc.
type RPCTransport struct {
	addr   string
	ln     net.Listener
	server *rpc.Server

	dialTimeout time.Duration

	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	clients   map[string]*rpc.Client
	conns     map[net.Conn]struct{}
	reachable bool
	closed    bool
}

type endpoint struct{ t *RPCTransport }

func (e *endpoint) Dispatch(req Envelope, resp *Response) error {
	t := e.t
	t.mu.Lock()
	h, ok := t.handlers[req.Method]
	up := t.reachable && !t.closed
	t.mu.Unlock()
	switch {
	case !up:
		resp.Code = codeUnreachable
		return nil
	case !ok:
		resp.Code = codeNoHandler
		return nil
	}
	out, err := h(req.Src, req.Payload)
	if err != nil {
		resp.Code = codeRemote
		resp.Err = err.Error()
		return nil
	}
	resp.Payload = out
	return nil
}

// NewRPCTransport listens on addr. Pass "host:0" to pick a free port; Addr
// then reports the bound address.
func NewRPCTransport(addr string) (*RPCTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	t := &RPCTransport{
		addr:        ln.Addr().String(),
		ln:          ln,
		server:      rpc.NewServer(),
		dialTimeout: time.Second,
		handlers:    make(map[string]HandlerFunc),
		clients:     make(map[string]*rpc.Client),
		conns:       make(map[net.Conn]struct{}),
		reachable:   true,
	}
	if err := t.server.RegisterName("Endpoint", &endpoint{t}); err != nil {
		ln.Close()
		return nil, err
	}
	go t.serve()
	return t, nil
}

func (t *RPCTransport) serve() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				log.Printf("[%s] accept: %v", t.addr, err)
			}
			return
		}
		t.mu.Lock()
		t.conns[conn] = struct{}{}
		t.mu.Unlock()
		go func() {
			t.server.ServeConn(conn)
			t.mu.Lock()
			delete(t.conns, conn)
			t.mu.Unlock()
		}()
	}
}

func (t *RPCTransport) Addr() string { return t.addr }

func (t *RPCTransport) Handle(method string, h HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[method] = h
}

func (t *RPCTransport) SetReachable(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reachable = ok
}

func (t *RPCTransport) client(dst string) (*rpc.Client, error) {
	t.mu.Lock()
	if c, ok := t.clients[dst]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	conn, err := net.DialTimeout("tcp", dst, t.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	c := rpc.NewClient(conn)

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.clients[dst]; ok {
		c.Close()
		return old, nil
	}
	t.clients[dst] = c
	return c, nil
}

func (t *RPCTransport) drop(dst string, c *rpc.Client) {
	t.mu.Lock()
	if t.clients[dst] == c {
		delete(t.clients, dst)
	}
	t.mu.Unlock()
	c.Close()
}

func (t *RPCTransport) Call(ctx context.Context, dst, method string, args, reply any) error {
	t.mu.Lock()
	closed, up := t.closed, t.reachable
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !up {
		return ErrUnreachable
	}
	payload, err := encode(args)
	if err != nil {
		return err
	}
	c, err := t.client(dst)
	if err != nil {
		return err
	}

	var resp Response
	call := c.Go("Endpoint.Dispatch", Envelope{Src: t.addr, Method: method, Payload: payload}, &resp, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
	case <-ctx.Done():
		return ErrTimeout
	}
	if call.Error != nil {
		var serr rpc.ServerError
		if errors.As(call.Error, &serr) {
			return &RemoteError{Method: method, Msg: string(serr)}
		}
		t.drop(dst, c)
		return fmt.Errorf("%w: %v", ErrUnreachable, call.Error)
	}

	switch resp.Code {
	case codeUnreachable:
		return ErrUnreachable
	case codeNoHandler:
		return ErrNoHandler
	case codeRemote:
		return &RemoteError{Method: method, Msg: resp.Err}
	}
	if reply == nil {
		return nil
	}
	return decode(resp.Payload, reply)
}

func (t *RPCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	clients := t.clients
	t.clients = make(map[string]*rpc.Client)
	conns := t.conns
	t.conns = make(map[net.Conn]struct{})
	t.mu.Unlock()

	err := t.ln.Close()
	for _, c := range clients {
		c.Close()
	}
	for conn := range conns {
		conn.Close()
	}
	return err
}
