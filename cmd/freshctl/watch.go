package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/grenzgaenger/freshness/crosstab"
	"github.com/grenzgaenger/freshness/env"
	"github.com/grenzgaenger/freshness/tui"
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print every message on the sync channel until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, shutdown, err := env.NewTelemetry(ctx, cmd, "freshctl")
			if err != nil {
				return err
			}
			defer shutdown()
			t, closeFn, err := connect(ctx, cmd, cfg, log)
			if err != nil {
				return err
			}
			defer closeFn()
			log.Debug("watching for sync messages")
			watch(ctx, cmd.OutOrStdout(), t)
			return nil
		},
	}
	addRedisFlags(cmd)
	return cmd
}

// watch prints messages from t to out until ctx is done.
func watch(ctx context.Context, out io.Writer, t crosstab.Transport) {
	var mu sync.Mutex
	off := t.OnMessage(func(_ context.Context, msg crosstab.Message) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "%s %s %s %s\n",
			tui.Muted(msg.Time().UTC().Format("2006-01-02T15:04:05.000Z")),
			tui.Bold(string(msg.Type)),
			tui.Muted(msg.Source),
			msg.Payload,
		)
	})
	defer off()
	<-ctx.Done()
}
