package main

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/grenzgaenger/freshness/crosstab"
	"github.com/grenzgaenger/freshness/env"
	"github.com/grenzgaenger/freshness/tui"
	"github.com/spf13/cobra"
)

func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Send a sync message as a synthetic tab",
	}
	cmd.PersistentFlags().String("source", "", "source id stamped on the message, random when empty")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "invalidate <prefix>",
			Short: "Ask every tab to drop the keys under prefix",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return publish(cmd, crosstab.TypeInvalidate, crosstab.InvalidatePayload{Key: args[0]})
			},
		},
		&cobra.Command{
			Use:   "update <key> <json>",
			Short: "Send a new value for key to every tab",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				var value any
				if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
					return errors.Wrap(err, "value is not valid JSON")
				}
				return publish(cmd, crosstab.TypeDataUpdate, crosstab.UpdatePayload{Key: args[0], Value: value})
			},
		},
	)
	for _, sub := range cmd.Commands() {
		addRedisFlags(sub)
	}
	return cmd
}

func publish(cmd *cobra.Command, typ crosstab.MessageType, payload any) error {
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
	source, _ := cmd.Flags().GetString("source")
	if source == "" {
		source = "freshctl-" + uuid.NewString()
	}
	msg, err := crosstab.NewMessage(typ, payload, source, time.Now())
	if err != nil {
		return err
	}
	t, closeFn, err := connect(ctx, cmd, cfg, log)
	if err != nil {
		return err
	}
	defer closeFn()
	if err := t.Send(ctx, msg); err != nil {
		return err
	}
	tui.ShowSuccess(cmd.OutOrStdout(), "sent %s as %s", typ, source)
	return nil
}
