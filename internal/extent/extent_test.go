package extent

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/senutpal/lockrsm/internal/transport"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestServerAttributes(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := NewServer()
	s.now = clk.now

	s.Put(5, []byte("hello"))
	a, err := s.Getattr(5)
	if err != nil || a.Size != 5 || a.Mtime != 1000 || a.Ctime != 1000 || a.Atime != 1000 {
		t.Fatalf("attr after put %+v %v", a, err)
	}

	clk.advance(10 * time.Second)
	s.Put(5, []byte("hi"))
	a, _ = s.Getattr(5)
	if a.Size != 2 || a.Mtime != 1010 || a.Atime != 1000 {
		t.Fatalf("attr after overwrite %+v", a)
	}

	clk.advance(10 * time.Second)
	data, err := s.Get(5)
	if err != nil || string(data) != "hi" {
		t.Fatalf("get %q %v", data, err)
	}
	a, _ = s.Getattr(5)
	if a.Atime != 1020 {
		t.Fatalf("atime not refreshed: %+v", a)
	}

	// a read right after a read leaves atime alone
	clk.advance(10 * time.Second)
	s.Get(5)
	if a2, _ := s.Getattr(5); a2.Atime != 1020 {
		t.Fatalf("atime moved on repeated read: %+v", a2)
	}
}

func TestServerMissing(t *testing.T) {
	s := NewServer()
	if _, err := s.Getattr(1); err != nil {
		t.Fatalf("root extent missing: %v", err)
	}
	if _, err := s.Get(42); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("get missing: %v", err)
	}
	s.Put(42, nil)
	if err := s.Remove(42); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(42); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("second remove: %v", err)
	}
}

func TestClientOverNetwork(t *testing.T) {
	net := transport.NewNetwork()
	s := NewServer()
	s.RegisterHandlers(net.AddNode("extent:1"))
	c := NewClient(net.AddNode("client:1"), "extent:1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte{0, 1, 2, 255}
	if err := c.Put(ctx, 7, payload); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := c.Get(ctx, 7)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("get %v %v", got, err)
	}
	if a, err := c.Getattr(ctx, 7); err != nil || a.Size != len(payload) {
		t.Fatalf("getattr %+v %v", a, err)
	}
	if err := c.Remove(ctx, 7); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := c.Get(ctx, 7); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("get after remove: %v", err)
	}
	if _, err := c.Getattr(ctx, 7); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("getattr after remove: %v", err)
	}
}
