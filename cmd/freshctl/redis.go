package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/grenzgaenger/freshness/config"
	"github.com/grenzgaenger/freshness/crosstab"
	"github.com/grenzgaenger/freshness/env"
	"github.com/grenzgaenger/freshness/logger"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func addRedisFlags(cmd *cobra.Command) {
	cmd.Flags().String("redis", "", "redis URL, defaults to sync.redis_url")
	cmd.Flags().String("channel", "", "pub/sub channel, defaults to sync.channel")
}

// connect opens the redis transport described by the flags and configuration.
// The returned close function releases both the transport and the client.
func connect(ctx context.Context, cmd *cobra.Command, cfg config.Config, log logger.Logger) (*crosstab.RedisTransport, func(), error) {
	url := env.FlagOrEnv(cmd, "redis", "FRESHNESS_SYNC_REDIS_URL", cfg.Sync.RedisURL)
	if url == "" {
		return nil, nil, errors.New("no redis URL: pass --redis or set sync.redis_url")
	}
	channel, _ := cmd.Flags().GetString("channel")
	if channel == "" {
		channel = cfg.Sync.Channel
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse redis URL")
	}
	rdb := redis.NewClient(opts)
	t, err := crosstab.NewRedisTransport(ctx, log, rdb, channel)
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return t, func() {
		t.Close()
		rdb.Close()
	}, nil
}
