package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/luca-patrignani/pingpong/pingpong"
)

const envPrefix = "PINGPONG"

const (
	transportHTTP     = "http"
	transportTCP      = "tcp"
	transportLoopback = "loopback"
)

// settings gathers everything a rank needs to join the group and run the sweep.
type settings struct {
	Rank          int
	Addresses     []string
	Listen        string
	Transport     string
	Timeout       time.Duration
	Discover      int
	DiscoverStart uint16
	DiscoverEnd   uint16
	Trace         string
	TLSCert       string
	TLSKey        string
	TLSCA         string
	NP            int
	Bench         pingpong.Config
}

// addBenchFlags registers the flags shared by every command running the sweep.
func addBenchFlags(flags *pflag.FlagSet, transport, transports string) {
	def := pingpong.DefaultConfig()
	flags.String("transport", transport, "transport between ranks: "+transports)
	flags.Duration("timeout", 0, "give up connecting or receiving after this duration (0 waits forever)")
	flags.String("trace", "", "write a Chrome trace of every transfer to <trace>.<rank>.json")
	flags.Int("min-exp", def.MinExponent, "smallest message holds 2^min-exp float64 values")
	flags.Int("max-exp", def.MaxExponent, "largest message holds 2^max-exp float64 values")
	flags.Int("loops", def.LoopCount, "round trips timed for each message size")
}

// addGroupFlags registers the flags locating this rank in the group.
func addGroupFlags(flags *pflag.FlagSet) {
	flags.Int("rank", 0, "rank of this process")
	flags.String("addresses", "", "comma separated listen addresses of every rank, by rank")
	flags.String("listen", "", "address to listen on, defaults to the address of this rank")
	flags.Int("discover", 0, "find this many processes on localhost instead of using --addresses")
	flags.Uint16("discover-start", 9000, "first port of the discovery range")
	flags.Uint16("discover-end", 9010, "last port of the discovery range")
	flags.String("tls-cert", "", "PEM certificate of this rank (http transport)")
	flags.String("tls-key", "", "PEM private key of this rank (http transport)")
	flags.String("tls-ca", "", "PEM bundle with the certificates of every rank (http transport)")
}

// addProcessFlags registers the flags of the commands starting a whole group.
func addProcessFlags(flags *pflag.FlagSet) {
	flags.IntP("np", "n", 2, "number of ranks to start")
}

// bindFlags makes every flag of flags readable from v, and from the
// environment as PINGPONG_<FLAG>.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(flags)
}

func loadSettings(v *viper.Viper) (settings, error) {
	s := settings{
		Rank:          v.GetInt("rank"),
		Listen:        v.GetString("listen"),
		Transport:     v.GetString("transport"),
		Timeout:       v.GetDuration("timeout"),
		Discover:      v.GetInt("discover"),
		DiscoverStart: v.GetUint16("discover-start"),
		DiscoverEnd:   v.GetUint16("discover-end"),
		Trace:         v.GetString("trace"),
		TLSCert:       v.GetString("tls-cert"),
		TLSKey:        v.GetString("tls-key"),
		TLSCA:         v.GetString("tls-ca"),
		NP:            v.GetInt("np"),
		Bench: pingpong.Config{
			MinExponent: v.GetInt("min-exp"),
			MaxExponent: v.GetInt("max-exp"),
			LoopCount:   v.GetInt("loops"),
			ForwardTag:  pingpong.DefaultConfig().ForwardTag,
			ReturnTag:   pingpong.DefaultConfig().ReturnTag,
		},
	}
	for _, addr := range strings.Split(v.GetString("addresses"), ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			s.Addresses = append(s.Addresses, addr)
		}
	}
	if err := s.Bench.Validate(); err != nil {
		return settings{}, err
	}
	switch s.Transport {
	case transportHTTP, transportTCP, transportLoopback:
	default:
		return settings{}, fmt.Errorf("unknown transport %q", s.Transport)
	}
	return s, nil
}

// validateGroup checks the settings of a single rank joining a group.
func (s settings) validateGroup() error {
	if s.Transport == transportLoopback {
		return fmt.Errorf("the loopback transport only connects ranks of the same process")
	}
	if (s.TLSCert != "") != (s.TLSKey != "") {
		return fmt.Errorf("--tls-cert and --tls-key must be given together")
	}
	if s.TLSCert != "" {
		if s.Transport != transportHTTP {
			return fmt.Errorf("TLS is only supported by the http transport")
		}
		if s.TLSCA == "" {
			return fmt.Errorf("--tls-ca is required with --tls-cert")
		}
	}
	if s.Discover == 0 {
		if len(s.Addresses) == 0 {
			return fmt.Errorf("either --addresses or --discover is required")
		}
		if s.Rank < 0 || s.Rank >= len(s.Addresses) {
			return fmt.Errorf("%w: %d with %d addresses", pingpong.ErrInvalidRank, s.Rank, len(s.Addresses))
		}
	}
	return nil
}

// validateProcesses checks the settings of a command starting np ranks itself.
func (s settings) validateProcesses() error {
	if s.NP <= 0 {
		return fmt.Errorf("number of ranks must be positive, got %d", s.NP)
	}
	return nil
}
