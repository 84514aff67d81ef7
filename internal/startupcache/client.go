package startupcache

import (
	"context"
	"fmt"

	"github.com/haasonsaas/loom/internal/ipc"
)

// Client is the worker side of the protocol. During init the worker
// owns its conn's read loop exclusively, so the client reads replies
// inline.
type Client struct {
	conn *ipc.Conn
}

// NewClient wraps the worker's parent connection.
func NewClient(conn *ipc.Conn) *Client {
	return &Client{conn: conn}
}

// GetOrCompute resolves key through the parent. On a miss this worker
// owns the computation: compute runs, the result is reported with an
// update frame, and the call blocks until the parent acks — init may
// not proceed past an unacknowledged update. On a wait, the call
// blocks until the parent releases it with a hit or promotes it to
// owner with a miss.
func (c *Client) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if err := c.conn.Write(&ipc.Frame{Type: ipc.FrameCacheRequest, Key: key}); err != nil {
		return nil, fmt.Errorf("startup cache request %q: %w", key, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := c.conn.Read()
		if err != nil {
			return nil, fmt.Errorf("startup cache reply %q: %w", key, err)
		}
		switch f.Type {
		case ipc.FrameCacheHit:
			return f.Value, nil
		case ipc.FrameCacheMiss:
			return c.computeAndUpdate(ctx, key, compute)
		case ipc.FrameCacheWait:
			// Parked: keep reading until the parent settles us.
		default:
			return nil, fmt.Errorf("startup cache %q: unexpected %s frame during init", key, f.Type)
		}
	}
}

func (c *Client) computeAndUpdate(ctx context.Context, key string, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	value, err := compute(ctx)
	if err != nil {
		// The failure report is acked too; waiting keeps the conn free
		// of stale frames for the next exchange. Best effort beyond
		// that: the parent treats a dead owner the same way.
		if werr := c.conn.Write(&ipc.Frame{Type: ipc.FrameCacheUpdateFailed, Key: key}); werr == nil {
			_ = c.awaitAck(ctx, key)
		}
		return nil, fmt.Errorf("startup cache compute %q: %w", key, err)
	}

	if err := c.conn.Write(&ipc.Frame{Type: ipc.FrameCacheUpdate, Key: key, Value: value}); err != nil {
		return nil, fmt.Errorf("startup cache update %q: %w", key, err)
	}
	// The ack gates init progress.
	if err := c.awaitAck(ctx, key); err != nil {
		return nil, err
	}
	return value, nil
}

func (c *Client) awaitAck(ctx context.Context, key string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := c.conn.Read()
		if err != nil {
			return fmt.Errorf("startup cache ack %q: %w", key, err)
		}
		if f.Type == ipc.FrameCacheAck && f.Key == key {
			return nil
		}
	}
}
