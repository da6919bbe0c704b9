package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "freshctl",
		Short:         "Inspect and drive the freshness cache engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "YAML configuration file")
	root.PersistentFlags().String("log-level", "", "trace, debug, info, warn or error")
	root.PersistentFlags().String("otlp-url", "", "OTLP/HTTP collector to export traces and logs to")
	root.PersistentFlags().String("otlp-token", "", "bearer token for the OTLP collector")
	root.AddCommand(
		newWindowCommand(),
		newWatchCommand(),
		newPublishCommand(),
		newConfigCommand(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
