package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/luca-patrignani/pingpong/launch"
)

func newLaunchCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch [-- run flags]",
		Short: "Start every rank of the group as a separate process on this host",
		Long: `Start every rank of the group as a separate process on this host.

Each process runs the run command and learns its rank and the addresses of
the group from the PINGPONG_RANK and PINGPONG_ADDRESSES environment
variables. Arguments after -- are passed to every process.`,
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
			if s.Transport == transportLoopback {
				return fmt.Errorf("the loopback transport only connects ranks of the same process")
			}
			binary, err := os.Executable()
			if err != nil {
				return err
			}
			printBanner()
			return launch.Run(cmd.Context(), launch.Job{
				Binary: binary,
				Args:   childArgs(s, v.GetBool("verbose"), args),
				N:      s.NP,
				Host:   v.GetString("host"),
			})
		},
	}
	addBenchFlags(cmd.Flags(), transportHTTP, "http or tcp")
	addProcessFlags(cmd.Flags())
	cmd.Flags().String("host", "127.0.0.1", "interface the processes listen on")
	return cmd
}

// childArgs forwards the sweep settings to the run command of each process.
func childArgs(s settings, verbose bool, extra []string) []string {
	args := []string{
		"run",
		"--transport", s.Transport,
		"--timeout", s.Timeout.String(),
		"--min-exp", strconv.Itoa(s.Bench.MinExponent),
		"--max-exp", strconv.Itoa(s.Bench.MaxExponent),
		"--loops", strconv.Itoa(s.Bench.LoopCount),
	}
	if s.Trace != "" {
		args = append(args, "--trace", s.Trace)
	}
	if verbose {
		args = append(args, "--verbose")
	}
	return append(args, extra...)
}
