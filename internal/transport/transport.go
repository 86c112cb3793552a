// =============================================================================
// TRANSPORT - Named-endpoint request/response calls
// =============================================================================
//
// Every node is addressed by an opaque "host:port" string. The same string
// is the node's identity in views and the tie-breaker in proposal numbers.
//
// A call is a request/response exchange with an explicit deadline:
//
//   - delivered at most once per attempt
//   - bounded by the caller's context (timeouts are ordinary outcomes)
//   - an unreachable peer and a timed-out peer look the same to callers
//     that count quorums: both are abstentions
//
// Handlers run on their own goroutine per inbound call, so a handler that
// blocks only stalls its own caller.
//
// Two implementations:
//
//   Network / MemoryTransport  in-process, with partitions, for tests/demo
//   RPCTransport               net/rpc over TCP, for the binaries
//
// =============================================================================

package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnreachable = errors.New("transport: peer unreachable")
	ErrTimeout     = errors.New("transport: call timed out")
	ErrNoHandler   = errors.New("transport: no handler for method")
	ErrClosed      = errors.New("transport: closed")
)

// RemoteError carries an error returned by a handler on the far side.
type RemoteError struct {
	Method string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transport: %s: %s", e.Method, e.Msg)
}

// HandlerFunc serves one method. src is the caller's address.
type HandlerFunc func(src string, payload []byte) ([]byte, error)

// Caller is the outbound half of a transport.
type Caller interface {
	Addr() string
	Call(ctx context.Context, dst, method string, args, reply any) error
}

// Transport is a node's endpoint: it serves registered methods and makes
// outbound calls.
type Transport interface {
	Caller
	Handle(method string, h HandlerFunc)
	// SetReachable(false) cuts this node off in both directions until it
	// is set reachable again.
	SetReachable(ok bool)
	Close() error
}

// Register installs a typed handler: the request is decoded into A and the
// returned R is encoded as the reply.
func Register[A, R any](t Transport, method string, fn func(src string, args A) (R, error)) {
	t.Handle(method, func(src string, payload []byte) ([]byte, error) {
		var args A
		if err := decode(payload, &args); err != nil {
			return nil, fmt.Errorf("decode %s request: %w", method, err)
		}
		reply, err := fn(src, args)
		if err != nil {
			return nil, err
		}
		return encode(reply)
	})
}

// CallTimeout is Call with its own deadline.
func CallTimeout(c Caller, d time.Duration, dst, method string, args, reply any) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.Call(ctx, dst, method, args, reply)
}

// IsAbstention reports whether err means "the peer did not answer", as
// opposed to a handler error or a local bug.
func IsAbstention(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrClosed)
}
