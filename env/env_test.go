package env

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/grenzgaenger/freshness/logger"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagOrEnv(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("test-flag", "", "Test flag")

	cmd.Flags().Set("test-flag", "flag-value")
	assert.Equal(t, "flag-value", FlagOrEnv(cmd, "test-flag", "TEST_ENV", "default"))

	cmd.Flags().Set("test-flag", "")
	t.Setenv("TEST_ENV", "env-value")
	assert.Equal(t, "env-value", FlagOrEnv(cmd, "test-flag", "TEST_ENV", "default"))

	assert.Equal(t, "default", FlagOrEnv(cmd, "test-flag", "OTHER_TEST_ENV", "default"))
	assert.Equal(t, "default", FlagOrEnv(cmd, "missing-flag", "OTHER_TEST_ENV", "default"))
}

func TestLogLevel(t *testing.T) {
	testCases := []struct {
		name      string
		flagValue string
		envValue  string
		expected  logger.LogLevel
	}{
		{"debug level via flag", "debug", "", logger.LevelDebug},
		{"debug level via env", "", "DEBUG", logger.LevelDebug},
		{"warn level via flag", "warn", "", logger.LevelWarn},
		{"error level via env", "", "ERROR", logger.LevelError},
		{"trace level via flag", "trace", "", logger.LevelTrace},
		{"flag wins over env", "error", "debug", logger.LevelError},
		{"default level", "", "", logger.LevelInfo},
		{"unknown level", "loud", "", logger.LevelInfo},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "test"}
			cmd.Flags().String("log-level", "", "Log level")
			if tc.flagValue != "" {
				cmd.Flags().Set("log-level", tc.flagValue)
			}
			t.Setenv(logger.EnvLevel, tc.envValue)
			assert.Equal(t, tc.expected, LogLevel(cmd))
		})
	}
}

func TestNewTelemetry(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("otlp-url", "", "")
	cmd.Flags().String("otlp-token", "", "")
	t.Setenv("FRESHNESS_OTLP_URL", "")

	log, shutdown, err := NewTelemetry(context.Background(), cmd, "test")
	require.NoError(t, err)
	assert.NotNil(t, log)
	shutdown()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	cmd.Flags().Set("otlp-url", server.URL)
	log, shutdown, err = NewTelemetry(context.Background(), cmd, "test")
	require.NoError(t, err)
	assert.NotNil(t, log)
	shutdown()

	cmd.Flags().Set("otlp-url", "ftp://nowhere")
	_, _, err = NewTelemetry(context.Background(), cmd, "test")
	assert.Error(t, err)
}
