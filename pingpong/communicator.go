package pingpong

import (
	"context"
	"errors"
)

var (
	// ErrTruncated is returned by Recv when the incoming message does not
	// have exactly the length of the receive buffer.
	ErrTruncated = errors.New("message length does not match receive buffer")
	// ErrInvalidRank is returned when a rank outside the group is addressed.
	ErrInvalidRank = errors.New("invalid rank")
	// ErrClosed is returned by operations on a closed communicator.
	ErrClosed = errors.New("communicator closed")
)

// Communicator abstracts the group of processes taking part in the benchmark.
// Implementations must provide blocking point-to-point transfers.
type Communicator interface {
	// Rank returns the identifier of this process in the group.
	Rank() int

	// Size returns the number of processes in the group, this one included.
	Size() int

	// Send transmits the whole buffer to dest, labelled with tag.
	// It returns once the buffer has been handed over to dest.
	Send(ctx context.Context, buf []float64, dest, tag int) error

	// Recv fills buf with the next message sent by source with the given tag.
	// It returns ErrTruncated if the message length differs from len(buf).
	Recv(ctx context.Context, buf []float64, source, tag int) error

	// Close leaves the group and releases every resource held.
	Close() error
}
