// Package launch starts the ranks of a benchmark group as separate local
// processes, the way mpirun does on a single host.
package launch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	// EnvRank holds the rank of the child process.
	EnvRank = "PINGPONG_RANK"
	// EnvAddresses holds the comma separated listen addresses of every rank, by rank.
	EnvAddresses = "PINGPONG_ADDRESSES"
)

type Job struct {
	// Binary is the program to start N times.
	Binary string
	Args   []string
	N      int
	// Host is the interface the children listen on. Defaults to 127.0.0.1.
	Host   string
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// Run starts job.N processes and waits for all of them. If one fails the
// others are killed and the first error is returned.
func Run(ctx context.Context, job Job) error {
	if job.N <= 0 {
		return fmt.Errorf("number of processes must be positive, got %d", job.N)
	}
	if job.Host == "" {
		job.Host = "127.0.0.1"
	}
	if job.Stdout == nil {
		job.Stdout = os.Stdout
	}
	if job.Stderr == nil {
		job.Stderr = os.Stderr
	}
	if job.Logger == nil {
		job.Logger = slog.Default()
	}
	addresses, err := ReserveAddresses(job.Host, job.N)
	if err != nil {
		return err
	}
	stdout := &syncWriter{w: job.Stdout}
	stderr := &syncWriter{w: job.Stderr}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	for rank := range job.N {
		cmd := exec.CommandContext(ctx, job.Binary, job.Args...)
		cmd.Env = append(os.Environ(), Environ(rank, addresses)...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		job.Logger.Debug("starting process", "rank", rank, "address", addresses[rank])
		if err := cmd.Start(); err != nil {
			cancel()
			_ = eg.Wait()
			return fmt.Errorf("start rank %d: %w", rank, err)
		}
		eg.Go(func() error {
			if err := cmd.Wait(); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Environ returns the environment entries telling a child its rank and the
// addresses of the group.
func Environ(rank int, addresses []string) []string {
	return []string{
		EnvRank + "=" + strconv.Itoa(rank),
		EnvAddresses + "=" + strings.Join(addresses, ","),
	}
}

// ReserveAddresses picks n free TCP ports on host.
// The ports are released before returning, so another process may steal
// them before the children bind them.
func ReserveAddresses(host string, n int) ([]string, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()
	addresses := make([]string, 0, n)
	for range n {
		l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
		addresses = append(addresses, l.Addr().String())
	}
	return addresses, nil
}
