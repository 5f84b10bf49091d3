package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "pingpong",
		Short:         "Point-to-point bandwidth and latency sweep between two ranks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// stdout is reserved for the result lines
			pterm.SetDefaultOutput(os.Stderr)
			slog.SetDefault(newLogger(v.GetBool("verbose")))
		},
	}
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	if err := v.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose")); err != nil {
		panic(err)
	}
	root.AddCommand(
		newRunCmd(v),
		newLocalCmd(v),
		newLaunchCmd(v),
		newGenCertCmd(),
	)
	return root
}

// newLogger logs through pterm on stderr.
func newLogger(verbose bool) *slog.Logger {
	logger := pterm.DefaultLogger.WithWriter(os.Stderr)
	if verbose {
		logger = logger.WithLevel(pterm.LogLevelDebug)
	}
	return slog.New(pterm.NewSlogHandler(logger))
}
