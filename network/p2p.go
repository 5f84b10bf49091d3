package network

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/luca-patrignani/pingpong/pingpong"
)

// Comm adapts a Peer to the pingpong.Communicator interface.
type Comm struct {
	peer *Peer
}

// NewComm creates a communicator on top of peer.
func NewComm(peer *Peer) *Comm {
	return &Comm{peer: peer}
}

// Init waits until every peer is reachable and checks that all of them agree
// on the rank assignment.
func (c *Comm) Init() error {
	ranks, err := c.peer.AllToAll([]byte(strconv.Itoa(c.peer.Rank)))
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	for i := range c.peer.Addresses {
		if string(ranks[i]) != strconv.Itoa(i) {
			return fmt.Errorf("handshake: peer at %s answered as rank %q, expected %d", c.peer.Addresses[i], ranks[i], i)
		}
	}
	return nil
}

func (c *Comm) Rank() int {
	return c.peer.Rank
}

func (c *Comm) Size() int {
	return len(c.peer.Addresses)
}

func (c *Comm) Send(ctx context.Context, buf []float64, dest, tag int) error {
	if err := c.checkRank(dest); err != nil {
		return err
	}
	return c.peer.Send(ctx, pingpong.MarshalBuffer(buf), dest, tag)
}

func (c *Comm) Recv(ctx context.Context, buf []float64, source, tag int) error {
	if err := c.checkRank(source); err != nil {
		return err
	}
	data, err := c.peer.Recv(ctx, source, tag)
	if err != nil {
		return err
	}
	return pingpong.UnmarshalBuffer(data, buf)
}

// Close waits for every peer to reach Close, then stops the peer.
func (c *Comm) Close() error {
	err := c.peer.barrier()
	return errors.Join(err, c.peer.Close())
}

func (c *Comm) checkRank(rank int) error {
	if _, ok := c.peer.Addresses[rank]; !ok || rank == c.peer.Rank {
		return fmt.Errorf("%w: %d", pingpong.ErrInvalidRank, rank)
	}
	return nil
}
