package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/pipeshard/internal/stage"
)

// RemoteStages returns one client per worker URL, in pipeline order. Client
// i only accepts forward responses from shard i.
func RemoteStages(urls []string, opts ...stage.ClientOption) []*stage.Client {
	out := make([]*stage.Client, len(urls))
	for i, u := range urls {
		out[i] = stage.NewClient(u, append(opts[:len(opts):len(opts)], stage.WithShard(i))...)
	}
	return out
}

// WaitReady polls every worker until all report ready or ctx ends. It also
// checks that worker i serves shard i of an n-shard plan whose ranges chain.
func WaitReady(ctx context.Context, clients []*stage.Client, interval time.Duration) error {
	infos := make([]*stage.Info, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range clients {
		g.Go(func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				info, err := c.Info(gctx)
				if err == nil && info.Ready {
					infos[i] = info
					return nil
				}
				select {
				case <-gctx.Done():
					if err != nil {
						return fmt.Errorf("worker %d (%s) not ready: %w", i, c.URL(), err)
					}
					return fmt.Errorf("worker %d (%s) not ready: %w", i, c.URL(), gctx.Err())
				case <-t.C:
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return checkChain(infos)
}

// ChainCheck verifies the remote worker chain once. Until a check passes,
// every Verify asks the workers again.
type ChainCheck struct {
	clients []*stage.Client

	mu sync.Mutex
	ok bool
}

func NewChainCheck(clients []*stage.Client) *ChainCheck {
	return &ChainCheck{clients: clients}
}

// Verify fetches every worker's info once and checks that all are ready and
// serve a contiguous plan in pipeline order.
func (c *ChainCheck) Verify(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ok {
		return nil
	}
	infos := make([]*stage.Info, len(c.clients))
	g, gctx := errgroup.WithContext(ctx)
	for i, cl := range c.clients {
		g.Go(func() error {
			info, err := cl.Info(gctx)
			if err != nil {
				return fmt.Errorf("worker %d (%s): %w", i, cl.URL(), err)
			}
			if !info.Ready {
				return fmt.Errorf("worker %d (%s) is still loading", i, cl.URL())
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := checkChain(infos); err != nil {
		return err
	}
	c.ok = true
	return nil
}

// ErrBrokenChain reports workers whose assignments do not chain in pipeline
// order.
var ErrBrokenChain = errors.New("worker chain does not match the plan")

func checkChain(infos []*stage.Info) error {
	if err := chainError(infos); err != nil {
		return fmt.Errorf("%w: %w", ErrBrokenChain, err)
	}
	return nil
}

func chainError(infos []*stage.Info) error {
	next := 0
	for i, info := range infos {
		a := info.Assignment
		switch {
		case a.Index != i:
			return fmt.Errorf("worker %d serves shard %d", i, a.Index)
		case a.StartLayer != next:
			return fmt.Errorf("worker %d starts at layer %d, want %d", i, a.StartLayer, next)
		case a.IncludesEmbedding != (i == 0):
			return fmt.Errorf("worker %d embedding ownership is %v", i, a.IncludesEmbedding)
		case a.IncludesFinalComponents != (i == len(infos)-1):
			return fmt.Errorf("worker %d final component ownership is %v", i, a.IncludesFinalComponents)
		}
		next = a.EndLayer
	}
	return nil
}
