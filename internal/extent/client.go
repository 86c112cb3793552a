package extent

import (
	"context"
	"fmt"

	"github.com/senutpal/lockrsm/internal/transport"
)

// Client talks to one extent server.
type Client struct {
	net transport.Caller
	dst string
}

func NewClient(net transport.Caller, dst string) *Client {
	return &Client{net: net, dst: dst}
}

func (c *Client) Put(ctx context.Context, id uint64, data []byte) error {
	var rep PutReply
	return c.net.Call(ctx, c.dst, MethodPut, PutArgs{ID: id, Data: data}, &rep)
}

func (c *Client) Get(ctx context.Context, id uint64) ([]byte, error) {
	var rep GetReply
	if err := c.net.Call(ctx, c.dst, MethodGet, IDArgs{ID: id}, &rep); err != nil {
		return nil, err
	}
	if rep.Status == NOENT {
		return nil, fmt.Errorf("%w: %d", ErrNoEntry, id)
	}
	return rep.Data, nil
}

func (c *Client) Getattr(ctx context.Context, id uint64) (Attr, error) {
	var rep GetattrReply
	if err := c.net.Call(ctx, c.dst, MethodGetattr, IDArgs{ID: id}, &rep); err != nil {
		return Attr{}, err
	}
	if rep.Status == NOENT {
		return Attr{}, fmt.Errorf("%w: %d", ErrNoEntry, id)
	}
	return rep.Attr, nil
}

func (c *Client) Remove(ctx context.Context, id uint64) error {
	var rep RemoveReply
	if err := c.net.Call(ctx, c.dst, MethodRemove, IDArgs{ID: id}, &rep); err != nil {
		return err
	}
	if rep.Status == NOENT {
		return fmt.Errorf("%w: %d", ErrNoEntry, id)
	}
	return nil
}
