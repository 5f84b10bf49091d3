package pingpong

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jonboulle/clockwork"
)

const (
	initiator = 0
	responder = 1
	groupSize = 2
)

// Benchmark runs the size sweep on one rank of a two-rank group.
type Benchmark struct {
	cfg    Config
	comm   Communicator
	out    io.Writer
	clock  clockwork.Clock
	logger *slog.Logger
}

type Option func(Benchmark) Benchmark

// New creates a benchmark running on comm. Result lines are written to out,
// on rank 0 only.
func New(comm Communicator, out io.Writer, opts ...Option) *Benchmark {
	b := Benchmark{
		cfg:    DefaultConfig(),
		comm:   comm,
		out:    out,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		b = opt(b)
	}
	return &b
}

func WithConfig(cfg Config) Option {
	return func(b Benchmark) Benchmark {
		b.cfg = cfg
		return b
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(b Benchmark) Benchmark {
		b.clock = clock
		return b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b Benchmark) Benchmark {
		b.logger = logger
		return b
	}
}

// Run performs the whole sweep. If the group does not have exactly two
// ranks, rank 0 writes a notice and Run returns nil without transferring
// anything. Run does not close the communicator.
func (b *Benchmark) Run(ctx context.Context) error {
	if err := b.cfg.Validate(); err != nil {
		return err
	}
	size := b.comm.Size()
	rank := b.comm.Rank()
	if size != groupSize {
		b.logger.Warn("wrong group size", "size", size, "rank", rank)
		if rank == initiator {
			if _, err := fmt.Fprintln(b.out, wrongSizeMessage(size)); err != nil {
				return err
			}
		}
		return nil
	}
	switch rank {
	case initiator:
		return b.runInitiator(ctx)
	case responder:
		return b.runResponder(ctx)
	default:
		return fmt.Errorf("%w: rank %d in a group of %d", ErrInvalidRank, rank, size)
	}
}

func (b *Benchmark) runInitiator(ctx context.Context) error {
	for _, n := range b.cfg.Sizes() {
		m, err := b.sweepStep(ctx, n, func(ctx context.Context, buf []float64) error {
			if err := b.comm.Send(ctx, buf, responder, b.cfg.ForwardTag); err != nil {
				return err
			}
			return b.comm.Recv(ctx, buf, responder, b.cfg.ReturnTag)
		})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(b.out, m.String()); err != nil {
			return err
		}
	}
	return nil
}

func (b *Benchmark) runResponder(ctx context.Context) error {
	for _, n := range b.cfg.Sizes() {
		_, err := b.sweepStep(ctx, n, func(ctx context.Context, buf []float64) error {
			if err := b.comm.Recv(ctx, buf, initiator, b.cfg.ForwardTag); err != nil {
				return err
			}
			return b.comm.Send(ctx, buf, initiator, b.cfg.ReturnTag)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// sweepStep times LoopCount round trips on a fresh zeroed buffer of n elements.
func (b *Benchmark) sweepStep(ctx context.Context, n int, roundTrip func(context.Context, []float64) error) (Measurement, error) {
	buf := newBuffer(n)
	start := b.clock.Now()
	for i := 1; i <= b.cfg.LoopCount; i++ {
		if err := roundTrip(ctx, buf); err != nil {
			return Measurement{}, fmt.Errorf("round trip %d of %d elements: %w", i, n, err)
		}
	}
	m := Measurement{
		Bytes:     int64(ElementSize * n),
		Elapsed:   b.clock.Since(start),
		LoopCount: b.cfg.LoopCount,
	}
	b.logger.Debug("size completed",
		"rank", b.comm.Rank(),
		"bytes", m.Bytes,
		"elapsed", m.Elapsed,
	)
	return m, nil
}

func newBuffer(n int) []float64 {
	buf := make([]float64, n)
	for i := range buf {
		buf[i] = 0.0
	}
	return buf
}
