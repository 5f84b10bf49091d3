package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/luca-patrignani/pingpong/launch"
	"github.com/luca-patrignani/pingpong/pingpong"
	"github.com/luca-patrignani/pingpong/trace"
)

func testSettings(transport string, np int) settings {
	cfg := pingpong.DefaultConfig()
	cfg.MaxExponent = 12
	return settings{
		Transport: transport,
		NP:        np,
		Timeout:   10 * time.Second,
		Bench:     cfg,
	}
}

func resultLines(out *bytes.Buffer) []string {
	return strings.Split(strings.TrimSpace(out.String()), "\n")
}

func TestLocalTransports(t *testing.T) {
	for _, transport := range []string{transportLoopback, transportTCP, transportHTTP} {
		t.Run(transport, func(t *testing.T) {
			var out bytes.Buffer
			events, err := runLocal(context.Background(), testSettings(transport, 2), false, &out)
			require.NoError(t, err)
			require.Len(t, events, 2)

			lines := resultLines(&out)
			require.Len(t, lines, 2)
			require.True(t, strings.HasPrefix(lines[0], "Transfer size (B):      16384,"), lines[0])
			require.True(t, strings.HasPrefix(lines[1], "Transfer size (B):      32768,"), lines[1])
		})
	}
}

func TestLocalWrongSize(t *testing.T) {
	var out bytes.Buffer
	_, err := runLocal(context.Background(), testSettings(transportLoopback, 3), false, &out)
	require.NoError(t, err)
	require.Equal(t, "This program requires exactly 2 MPI ranks, but you are attempting to use 3! Exiting...\n", out.String())
}

func TestLocalTLSWithTrace(t *testing.T) {
	s := testSettings(transportHTTP, 2)
	s.Trace = filepath.Join(t.TempDir(), "trace")
	var out bytes.Buffer
	events, err := runLocal(context.Background(), s, true, &out)
	require.NoError(t, err)
	require.Len(t, resultLines(&out), 2)

	// (16384 + 32768) bytes, 50 times in each direction
	matrix := trace.CommMatrix(2, events...)
	require.Equal(t, [][]int64{{0, 2457600}, {2457600, 0}}, matrix)

	for rank, list := range events {
		require.NoError(t, writeTrace(s.Trace, rank, list))
	}
	data, err := os.ReadFile(s.Trace + ".1.json")
	require.NoError(t, err)
	require.Contains(t, string(data), `"name":"MPI_Recv"`)
}

func TestLocalTLSOnlyOverHTTP(t *testing.T) {
	_, err := runLocal(context.Background(), testSettings(transportTCP, 2), true, &bytes.Buffer{})
	require.Error(t, err)
}

func parseRunFlags(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	addBenchFlags(flags, transportHTTP, "http or tcp")
	addGroupFlags(flags)
	require.NoError(t, flags.Parse(args))
	v := viper.New()
	require.NoError(t, bindFlags(v, flags))
	return v
}

func TestLoadSettings(t *testing.T) {
	t.Setenv("PINGPONG_RANK", "1")
	t.Setenv("PINGPONG_ADDRESSES", "127.0.0.1:7000, 127.0.0.1:7001")
	v := parseRunFlags(t, "--transport", "tcp", "--loops", "5", "--max-exp", "13")

	s, err := loadSettings(v)
	require.NoError(t, err)
	require.NoError(t, s.validateGroup())
	require.Equal(t, 1, s.Rank)
	require.Equal(t, []string{"127.0.0.1:7000", "127.0.0.1:7001"}, s.Addresses)
	require.Equal(t, transportTCP, s.Transport)
	require.Equal(t, 5, s.Bench.LoopCount)
	require.Equal(t, 11, s.Bench.MinExponent)
	require.Equal(t, 13, s.Bench.MaxExponent)
	require.Equal(t, 10, s.Bench.ForwardTag)
	require.Equal(t, 20, s.Bench.ReturnTag)
}

func TestLoadSettingsFlagOverridesEnv(t *testing.T) {
	t.Setenv("PINGPONG_RANK", "1")
	v := parseRunFlags(t, "--rank", "0", "--addresses", "a:1,b:2")
	s, err := loadSettings(v)
	require.NoError(t, err)
	require.Equal(t, 0, s.Rank)
}

func TestLoadSettingsErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"no addresses":   {},
		"rank too large": {"--addresses", "a:1,b:2", "--rank", "2"},
		"bad transport":  {"--addresses", "a:1,b:2", "--transport", "udp"},
		"loopback":       {"--addresses", "a:1,b:2", "--transport", "loopback"},
		"bad exponents":  {"--addresses", "a:1,b:2", "--min-exp", "12", "--max-exp", "11"},
		"key missing":    {"--addresses", "a:1,b:2", "--tls-cert", "c.pem"},
		"tls over tcp":   {"--addresses", "a:1,b:2", "--transport", "tcp", "--tls-cert", "c", "--tls-key", "k", "--tls-ca", "ca"},
		"ca missing":     {"--addresses", "a:1,b:2", "--tls-cert", "c", "--tls-key", "k"},
	} {
		t.Run(name, func(t *testing.T) {
			s, err := loadSettings(parseRunFlags(t, args...))
			if err == nil {
				err = s.validateGroup()
			}
			require.Error(t, err)
		})
	}
}

func TestChildArgs(t *testing.T) {
	s := testSettings(transportTCP, 2)
	s.Trace = "out"
	args := childArgs(s, true, []string{"--listen", "0.0.0.0:0"})
	require.Equal(t, []string{
		"run",
		"--transport", "tcp",
		"--timeout", "10s",
		"--min-exp", "11",
		"--max-exp", "12",
		"--loops", "50",
		"--trace", "out",
		"--verbose",
		"--listen", "0.0.0.0:0",
	}, args)
}

func TestGenCert(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "rank0")
	require.NoError(t, genCert("127.0.0.1:9000", prefix))
	_, err := tls.LoadX509KeyPair(prefix+".crt", prefix+".key")
	require.NoError(t, err)

	s := settings{TLSCert: prefix + ".crt", TLSKey: prefix + ".key", TLSCA: prefix + ".crt"}
	opts, err := loadTLS(s)
	require.NoError(t, err)
	require.Len(t, opts, 2)
}

func TestCommMatrixTable(t *testing.T) {
	data := commMatrixTable([][]int64{{0, 10}, {20, 0}})
	require.Equal(t, [][]string{
		{"from \\ to", "0", "1"},
		{"0", "0", "10"},
		{"1", "20", "0"},
	}, [][]string(data))
}

func TestGroupAddresses(t *testing.T) {
	var infos []string
	for _, addr := range []string{"127.0.0.1:9002", "127.0.0.1:9001"} {
		info, err := announcement{Address: addr, Transport: transportTCP}.encode()
		require.NoError(t, err)
		infos = append(infos, info)
	}
	addresses, err := groupAddresses(transportTCP, infos)
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:9001", "127.0.0.1:9002"}, addresses)

	_, err = groupAddresses(transportHTTP, infos)
	require.Error(t, err)
	_, err = groupAddresses(transportTCP, []string{"not json"})
	require.Error(t, err)
}

func TestDiscoverGroup(t *testing.T) {
	s := testSettings(transportTCP, 2)
	s.Discover = 2
	s.DiscoverStart, s.DiscoverEnd = 9300, 9305
	members := make([]membership, 2)
	var eg errgroup.Group
	for i := range 2 {
		eg.Go(func() error {
			m, err := discoverGroup(context.Background(), s)
			members[i] = m
			return err
		})
	}
	require.NoError(t, eg.Wait())
	for _, m := range members {
		m.release()
		require.NoError(t, m.listener.Close())
	}

	require.ElementsMatch(t, []int{0, 1}, []int{members[0].rank, members[1].rank})
	require.Len(t, members[0].addresses, 2)
	require.Equal(t, members[0].addresses, members[1].addresses)
	for _, m := range members {
		require.Equal(t, m.listener.Addr().String(), m.addresses[m.rank])
	}
}

// captureStdout runs f with os.Stdout redirected and returns what was written.
func captureStdout(t *testing.T, f func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	stdout := os.Stdout
	os.Stdout = w
	done := make(chan []byte)
	go func() {
		data, _ := io.ReadAll(r)
		done <- data
	}()
	defer func() {
		os.Stdout = stdout
	}()
	f()
	require.NoError(t, w.Close())
	return string(<-done)
}

func TestRunStdoutHoldsOnlyResults(t *testing.T) {
	addresses, err := launch.ReserveAddresses("127.0.0.1", 2)
	require.NoError(t, err)
	out := captureStdout(t, func() {
		var eg errgroup.Group
		for rank := range 2 {
			eg.Go(func() error {
				s := testSettings(transportTCP, 0)
				s.Rank = rank
				s.Addresses = addresses
				return runGroupMember(context.Background(), s, os.Stdout)
			})
		}
		require.NoError(t, eg.Wait())
	})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, out)
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, "Transfer size (B): "), line)
	}
}

func TestRunStdoutWrongSize(t *testing.T) {
	addresses, err := launch.ReserveAddresses("127.0.0.1", 1)
	require.NoError(t, err)
	out := captureStdout(t, func() {
		s := testSettings(transportTCP, 0)
		s.Addresses = addresses
		require.NoError(t, runGroupMember(context.Background(), s, os.Stdout))
	})
	require.Equal(t, "This program requires exactly 2 MPI ranks, but you are attempting to use 1! Exiting...\n", out)
}
