// Package loopback connects ranks living in the same process through Go
// channels. Transfers are rendezvous: Send returns only once the matching
// Recv has taken the message.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/luca-patrignani/pingpong/pingpong"
)

type route struct {
	src, dst, tag int
}

// World is the group shared by the communicators returned from NewWorld.
type World struct {
	mu     sync.Mutex
	routes map[route]chan []float64
	size   int
}

// NewWorld creates n connected communicators; the i-th one has rank i.
func NewWorld(n int) []*Comm {
	w := &World{
		routes: make(map[route]chan []float64),
		size:   n,
	}
	comms := make([]*Comm, n)
	for i := range n {
		comms[i] = &Comm{world: w, rank: i, done: make(chan struct{})}
	}
	return comms
}

func (w *World) channel(r route) chan []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.routes[r]
	if !ok {
		ch = make(chan []float64)
		w.routes[r] = ch
	}
	return ch
}

// Op is a completed point-to-point operation as seen by one rank.
type Op struct {
	Send bool
	Peer int
	Tag  int
	Len  int
}

// Comm is the communicator of one rank of a World.
type Comm struct {
	world     *World
	rank      int
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	ops []Op
}

func (c *Comm) Rank() int {
	return c.rank
}

func (c *Comm) Size() int {
	return c.world.size
}

func (c *Comm) Send(ctx context.Context, buf []float64, dest, tag int) error {
	if err := c.check(dest); err != nil {
		return err
	}
	msg := make([]float64, len(buf))
	copy(msg, buf)
	select {
	case c.world.channel(route{src: c.rank, dst: dest, tag: tag}) <- msg:
	case <-c.done:
		return pingpong.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	c.record(Op{Send: true, Peer: dest, Tag: tag, Len: len(buf)})
	return nil
}

func (c *Comm) Recv(ctx context.Context, buf []float64, source, tag int) error {
	if err := c.check(source); err != nil {
		return err
	}
	var msg []float64
	select {
	case msg = <-c.world.channel(route{src: source, dst: c.rank, tag: tag}):
	case <-c.done:
		return pingpong.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	if len(msg) != len(buf) {
		return fmt.Errorf("%w: received %d elements into a buffer of %d", pingpong.ErrTruncated, len(msg), len(buf))
	}
	copy(buf, msg)
	c.record(Op{Send: false, Peer: source, Tag: tag, Len: len(buf)})
	return nil
}

// Close unblocks pending operations of this rank. It is safe to call more than once.
func (c *Comm) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// Ops returns the operations completed so far, in completion order.
func (c *Comm) Ops() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := make([]Op, len(c.ops))
	copy(ops, c.ops)
	return ops
}

func (c *Comm) check(peer int) error {
	select {
	case <-c.done:
		return pingpong.ErrClosed
	default:
	}
	if peer < 0 || peer >= c.world.size || peer == c.rank {
		return fmt.Errorf("%w: %d", pingpong.ErrInvalidRank, peer)
	}
	return nil
}

func (c *Comm) record(op Op) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}
