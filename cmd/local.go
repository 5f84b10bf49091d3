package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/luca-patrignani/pingpong/loopback"
	"github.com/luca-patrignani/pingpong/network"
	"github.com/luca-patrignani/pingpong/pingpong"
	"github.com/luca-patrignani/pingpong/stream"
	"github.com/luca-patrignani/pingpong/trace"
)

func newLocalCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run every rank of the group inside this process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			if err := s.validateProcesses(); err != nil {
				return err
			}
			printBanner()
			printSweep(s, s.NP)
			events, err := runLocal(cmd.Context(), s, v.GetBool("tls"), os.Stdout)
			if err != nil {
				return err
			}
			if s.Trace == "" {
				return nil
			}
			for rank, list := range events {
				if err := writeTrace(s.Trace, rank, list); err != nil {
					return err
				}
			}
			return printCommMatrix(trace.CommMatrix(s.NP, events...))
		},
	}
	addBenchFlags(cmd.Flags(), transportLoopback, "loopback, http or tcp")
	addProcessFlags(cmd.Flags())
	cmd.Flags().Bool("tls", false, "secure the http transport with generated certificates")
	return cmd
}

// runLocal runs s.NP ranks as goroutines and returns the events recorded on
// each of them when tracing is enabled.
func runLocal(ctx context.Context, s settings, withTLS bool, out io.Writer) ([][]trace.Event, error) {
	if withTLS && s.Transport != transportHTTP {
		return nil, fmt.Errorf("TLS is only supported by the http transport")
	}
	open, err := localOpener(s, withTLS)
	if err != nil {
		return nil, err
	}
	events := make([][]trace.Event, s.NP)
	eg, ctx := errgroup.WithContext(ctx)
	for rank := range s.NP {
		eg.Go(func() error {
			comm, err := open(ctx, rank)
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			events[rank], err = runRank(ctx, comm, s, out)
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return events, nil
}

type opener func(ctx context.Context, rank int) (pingpong.Communicator, error)

func localOpener(s settings, withTLS bool) (opener, error) {
	if s.Transport == transportLoopback {
		comms := loopback.NewWorld(s.NP)
		return func(_ context.Context, rank int) (pingpong.Communicator, error) {
			return comms[rank], nil
		}, nil
	}

	listeners, addresses := network.CreateListeners(s.NP)
	switch s.Transport {
	case transportTCP:
		return func(ctx context.Context, rank int) (pingpong.Communicator, error) {
			return stream.Dial(ctx, rank, addresses, listeners[rank],
				stream.WithTimeout(s.Timeout),
				stream.WithMaxMessageSize(s.Bench.MaxMessageBytes()),
			)
		}, nil
	case transportHTTP:
		certs, pool, err := localCertificates(withTLS, addresses)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, err
		}
		return func(_ context.Context, rank int) (pingpong.Communicator, error) {
			opts := []network.PeerOption{network.WithTimeout(s.Timeout)}
			if withTLS {
				opts = append(opts, network.WithCertificate(certs[rank]), network.WithLimitedCAs(pool))
			}
			return startPeer(rank, addresses, listeners[rank], opts...)
		}, nil
	default:
		for _, l := range listeners {
			l.Close()
		}
		return nil, fmt.Errorf("unknown transport %q", s.Transport)
	}
}

// localCertificates generates a self-signed certificate for every address and
// a pool trusting all of them.
func localCertificates(withTLS bool, addresses map[int]string) (map[int]tls.Certificate, *x509.CertPool, error) {
	if !withTLS {
		return nil, nil, nil
	}
	certs := make(map[int]tls.Certificate, len(addresses))
	pool := x509.NewCertPool()
	for rank, addr := range addresses {
		cert, pem, err := network.GenerateSelfSignedCert(addr)
		if err != nil {
			return nil, nil, fmt.Errorf("certificate of rank %d: %w", rank, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, fmt.Errorf("certificate of rank %d: invalid PEM", rank)
		}
		certs[rank] = cert
	}
	return certs, pool, nil
}
