// Package env resolves freshctl settings from cobra flags and the environment.
package env

import (
	"context"
	"fmt"
	"os"

	"github.com/grenzgaenger/freshness/logger"
	"github.com/grenzgaenger/freshness/telemetry"
	"github.com/spf13/cobra"
)

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

func LogLevel(cmd *cobra.Command) logger.LogLevel {
	return logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.EnvLevel, "info"), logger.LevelInfo)
}

// NewLogger returns a console logger by first checking the log-level flag, then
// FRESHNESS_LOG_LEVEL and falling back to info.
func NewLogger(cmd *cobra.Command) logger.Logger {
	return logger.NewConsoleLoggerTo(cmd.ErrOrStderr(), LogLevel(cmd))
}

// NewTelemetry returns a logger and shutdown function. When --otlp-url (or
// FRESHNESS_OTLP_URL) is set, traces and logs are exported there, authorized
// with --otlp-token (or FRESHNESS_OTLP_TOKEN). Otherwise it is the console
// logger and shutdown does nothing.
func NewTelemetry(ctx context.Context, cmd *cobra.Command, serviceName string) (logger.Logger, func(), error) {
	otlpURL := FlagOrEnv(cmd, "otlp-url", "FRESHNESS_OTLP_URL", "")
	if otlpURL == "" {
		return NewLogger(cmd), func() {}, nil
	}
	log, shutdown, err := telemetry.New(ctx, telemetry.Options{
		URL:         otlpURL,
		Token:       FlagOrEnv(cmd, "otlp-token", "FRESHNESS_OTLP_TOKEN", ""),
		ServiceName: serviceName,
		Level:       LogLevel(cmd),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("error creating telemetry: %w", err)
	}
	return log, shutdown, nil
}
