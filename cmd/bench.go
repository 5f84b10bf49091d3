package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/luca-patrignani/pingpong/pingpong"
	"github.com/luca-patrignani/pingpong/trace"
)

// runRank runs the sweep on comm and closes it. When tracing is enabled the
// events recorded on this rank are returned.
func runRank(ctx context.Context, comm pingpong.Communicator, s settings, out io.Writer) (events []trace.Event, err error) {
	var rec *trace.Recorder
	if s.Trace != "" {
		rec = trace.NewRecorder(comm)
		comm = rec
	}
	defer func() {
		err = errors.Join(err, comm.Close())
		if rec != nil {
			events = rec.Events()
		}
	}()
	b := pingpong.New(comm, out,
		pingpong.WithConfig(s.Bench),
		pingpong.WithLogger(slog.Default().With("rank", comm.Rank())),
	)
	return nil, b.Run(ctx)
}

// writeTrace stores the events of rank in <prefix>.<rank>.json.
func writeTrace(prefix string, rank int, events []trace.Event) (err error) {
	path := fmt.Sprintf("%s.%d.json", prefix, rank)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	if err := trace.WriteChrome(f, events); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	slog.Info("trace written", "rank", rank, "path", path, "events", len(events))
	return nil
}
