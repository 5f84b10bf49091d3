package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/luca-patrignani/pingpong/discovery"
	"github.com/luca-patrignani/pingpong/network"
	"github.com/luca-patrignani/pingpong/pingpong"
	"github.com/luca-patrignani/pingpong/stream"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one rank of the benchmark group",
		Long: `Run one rank of the benchmark group.

Every rank is started with the same --addresses, listed by rank, and its own
--rank. Alternatively --discover finds the other processes on this host and
assigns ranks by sorted address. The launch command starts the ranks for you.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			if err := s.validateGroup(); err != nil {
				return err
			}
			return runGroupMember(cmd.Context(), s, os.Stdout)
		},
	}
	addBenchFlags(cmd.Flags(), transportHTTP, "http or tcp")
	addGroupFlags(cmd.Flags())
	return cmd
}

func runGroupMember(ctx context.Context, s settings, out io.Writer) error {
	m, err := joinGroup(ctx, s)
	if err != nil {
		return err
	}
	logListener(m.listener, m.rank)

	spinner := newSpinner("Connecting to the other ranks ...")
	comm, err := openComm(ctx, s, m.rank, m.addresses, m.listener)
	m.release()
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success(fmt.Sprintf("Rank %d connected with %d ranks", m.rank, len(m.addresses)-1))
	if m.rank == 0 {
		printSweep(s, len(m.addresses))
	}

	events, err := runRank(ctx, comm, s, out)
	if err != nil {
		return err
	}
	if s.Trace != "" {
		return writeTrace(s.Trace, m.rank, events)
	}
	return nil
}

// membership is the place of this process in the group.
type membership struct {
	rank      int
	addresses map[int]string
	listener  net.Listener
	// announcer keeps answering discovery scans until the group is connected,
	// so that slower members can still find this one.
	announcer io.Closer
}

func (m membership) release() {
	if m.announcer != nil {
		_ = m.announcer.Close()
	}
}

// joinGroup works out the rank and the addresses of the group, and binds
// the listener of this rank.
func joinGroup(ctx context.Context, s settings) (membership, error) {
	if s.Discover > 0 {
		return discoverGroup(ctx, s)
	}
	addresses, err := expandAddresses(s.Addresses[s.Rank], s.Addresses)
	if err != nil {
		return membership{}, err
	}
	listen := s.Listen
	if listen == "" {
		listen = addresses[s.Rank]
	}
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return membership{}, err
	}
	return membership{rank: s.Rank, addresses: rankMap(addresses), listener: l}, nil
}

// discoverGroup announces this process on the discovery port range until
// s.Discover processes are known. Ranks follow the sorted listen addresses.
func discoverGroup(ctx context.Context, s settings) (membership, error) {
	listen := s.Listen
	if listen == "" {
		listen = "127.0.0.1:0"
	}
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return membership{}, err
	}
	own := l.Addr().String()
	info, err := announcement{Address: own, Transport: s.Transport}.encode()
	if err != nil {
		l.Close()
		return membership{}, err
	}
	d, err := discovery.NewWithOptions(info,
		discovery.WithPortRange(s.DiscoverStart, s.DiscoverEnd),
		discovery.WithAttempts(0),
		discovery.WithInterval(200*time.Millisecond),
	)
	if err != nil {
		l.Close()
		return membership{}, fmt.Errorf("discovery: %w", err)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	slog.Info("looking for peers", "address", own, "port", d.Port(), "group", s.Discover)
	infos, err := discovery.Collect(ctx, d, s.Discover)
	if err == nil {
		var addresses []string
		addresses, err = groupAddresses(s.Transport, infos)
		if err == nil {
			return membership{
				rank:      slices.Index(addresses, own),
				addresses: rankMap(addresses),
				listener:  l,
				announcer: d,
			}, nil
		}
	}
	l.Close()
	d.Close()
	return membership{}, err
}

func rankMap(addresses []string) map[int]string {
	m := make(map[int]string, len(addresses))
	for i, addr := range addresses {
		m[i] = addr
	}
	return m
}

func logListener(l net.Listener, rank int) {
	tcp, ok := l.(*net.TCPListener)
	if !ok {
		return
	}
	subnet, err := subnetOfListener(tcp)
	if err != nil {
		slog.Debug("listening", "rank", rank, "address", l.Addr(), "subnet", "unknown")
		return
	}
	slog.Debug("listening", "rank", rank, "address", l.Addr(), "subnet", subnet.String())
}

// openComm connects this rank to the group over the configured transport.
// The listener is owned by the returned communicator.
func openComm(ctx context.Context, s settings, rank int, addresses map[int]string, l net.Listener) (pingpong.Communicator, error) {
	logger := slog.Default().With("rank", rank)
	switch s.Transport {
	case transportTCP:
		return stream.Dial(ctx, rank, addresses, l,
			stream.WithTimeout(s.Timeout),
			stream.WithMaxMessageSize(s.Bench.MaxMessageBytes()),
			stream.WithLogger(logger),
		)
	case transportHTTP:
		opts := []network.PeerOption{
			network.WithTimeout(s.Timeout),
			network.WithLogger(logger),
		}
		if s.TLSCert != "" {
			tlsOpts, err := loadTLS(s)
			if err != nil {
				l.Close()
				return nil, err
			}
			opts = append(opts, tlsOpts...)
		}
		return startPeer(rank, addresses, l, opts...)
	default:
		l.Close()
		return nil, fmt.Errorf("unknown transport %q", s.Transport)
	}
}

func startPeer(rank int, addresses map[int]string, l net.Listener, opts ...network.PeerOption) (*network.Comm, error) {
	peer := network.NewPeerWithOptions(rank, addresses, opts...)
	peer.Start(l)
	comm := network.NewComm(peer)
	if err := comm.Init(); err != nil {
		_ = peer.Close()
		return nil, err
	}
	return comm, nil
}

func loadTLS(s settings) ([]network.PeerOption, error) {
	cert, err := tls.LoadX509KeyPair(s.TLSCert, s.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	bundle, err := os.ReadFile(s.TLSCA)
	if err != nil {
		return nil, fmt.Errorf("load CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(bundle) {
		return nil, fmt.Errorf("no certificate found in %s", s.TLSCA)
	}
	return []network.PeerOption{
		network.WithCertificate(cert),
		network.WithLimitedCAs(pool),
	}, nil
}
