// Package config holds the tunables of every engine component. Values come
// from defaults, an optional YAML file, an optional .env file and FRESHNESS_*
// environment variables, in that order.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/grenzgaenger/freshness/cache"
	"github.com/grenzgaenger/freshness/crosstab"
	"github.com/grenzgaenger/freshness/logger"
	"github.com/grenzgaenger/freshness/mutation"
	"github.com/grenzgaenger/freshness/query"
	"github.com/grenzgaenger/freshness/virtual"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FRESHNESS_"

type Cache struct {
	MaxBytes        int64    `yaml:"max_bytes"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	DefaultTTL      Duration `yaml:"default_ttl"`
}

type Query struct {
	Batching      bool     `yaml:"batching"`
	Debounce      Duration `yaml:"debounce"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	// Retries is how often a failing producer is retried. Zero disables retry.
	Retries int `yaml:"retries"`
	// BreakerThreshold opens a per-resource circuit after that many
	// consecutive failures. Zero disables the breaker.
	BreakerThreshold int `yaml:"breaker_threshold"`
}

type Mutation struct {
	Timeout            Duration `yaml:"timeout"`
	MaxPending         int      `yaml:"max_pending"`
	ConfirmedRetention Duration `yaml:"confirmed_retention"`
	FailedRetention    Duration `yaml:"failed_retention"`
}

type Sync struct {
	Strategy       crosstab.Strategy `yaml:"strategy"`
	ResyncInterval Duration          `yaml:"resync_interval"`
	Channel        string            `yaml:"channel"`
	// RedisURL selects the redis transport when set, e.g. redis://localhost:6379/0.
	RedisURL string `yaml:"redis_url"`
}

type Window struct {
	// Overscan is the number of extra items on each side; zero renders none.
	Overscan       int      `yaml:"overscan"`
	ScrollDebounce Duration `yaml:"scroll_debounce"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete configuration surface.
type Config struct {
	Cache    Cache    `yaml:"cache"`
	Query    Query    `yaml:"query"`
	Mutation Mutation `yaml:"mutation"`
	Sync     Sync     `yaml:"sync"`
	Window   Window   `yaml:"window"`
	Log      Log      `yaml:"log"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Cache: Cache{
			MaxBytes:        cache.DefaultMaxBytes,
			CleanupInterval: Duration(cache.DefaultCleanupInterval),
			DefaultTTL:      Duration(cache.DefaultTTL),
		},
		Query: Query{
			Batching:      true,
			Debounce:      Duration(query.DefaultDebounce),
			MaxConcurrent: query.DefaultMaxConcurrent,
		},
		Mutation: Mutation{
			Timeout:            Duration(mutation.DefaultTimeout),
			MaxPending:         mutation.DefaultMaxPending,
			ConfirmedRetention: Duration(mutation.DefaultConfirmedRetention),
			FailedRetention:    Duration(mutation.DefaultFailedRetention),
		},
		Sync: Sync{
			Strategy:       crosstab.ClientWins,
			ResyncInterval: Duration(crosstab.DefaultResyncInterval),
			Channel:        crosstab.DefaultChannel,
		},
		Window: Window{
			Overscan:       virtual.DefaultOverscan,
			ScrollDebounce: Duration(virtual.DefaultScrollDebounce),
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// DotEnvFile is the optional env file read by Load.
const DotEnvFile = ".env"

// Load builds a Config from the defaults, the YAML file at path (skipped when
// path is empty), DotEnvFile if it exists and the process environment. The
// result is validated.
func Load(path string) (Config, error) {
	return LoadFiles(path, DotEnvFile)
}

// LoadFiles is Load with an explicit env file. Process environment variables
// win over the env file.
func LoadFiles(path, dotenv string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read %s", path)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse %s", path)
		}
	}
	env := make(map[string]string)
	if dotenv != "" {
		vals, err := godotenv.Read(dotenv)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, errors.Wrapf(err, "read %s", dotenv)
		}
		for k, v := range vals {
			if strings.HasPrefix(k, EnvPrefix) {
				env[k] = v
			}
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	if err := cfg.ApplyEnv(env); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from FRESHNESS_* variables in env, e.g.
// FRESHNESS_CACHE_MAX_BYTES or FRESHNESS_SYNC_STRATEGY.
func (c *Config) ApplyEnv(env map[string]string) error {
	for name, target := range c.fields() {
		val, ok := env[EnvPrefix+name]
		if !ok {
			continue
		}
		if err := target(val); err != nil {
			return errors.Wrapf(err, "%s%s", EnvPrefix, name)
		}
	}
	return nil
}

func (c *Config) fields() map[string]func(string) error {
	return map[string]func(string) error{
		"CACHE_MAX_BYTES":              intField(&c.Cache.MaxBytes),
		"CACHE_CLEANUP_INTERVAL":       durationField(&c.Cache.CleanupInterval),
		"CACHE_DEFAULT_TTL":            durationField(&c.Cache.DefaultTTL),
		"QUERY_BATCHING":               boolField(&c.Query.Batching),
		"QUERY_DEBOUNCE":               durationField(&c.Query.Debounce),
		"QUERY_MAX_CONCURRENT":         intField(&c.Query.MaxConcurrent),
		"QUERY_RETRIES":                intField(&c.Query.Retries),
		"QUERY_BREAKER_THRESHOLD":      intField(&c.Query.BreakerThreshold),
		"MUTATION_TIMEOUT":             durationField(&c.Mutation.Timeout),
		"MUTATION_MAX_PENDING":         intField(&c.Mutation.MaxPending),
		"MUTATION_CONFIRMED_RETENTION": durationField(&c.Mutation.ConfirmedRetention),
		"MUTATION_FAILED_RETENTION":    durationField(&c.Mutation.FailedRetention),
		"SYNC_STRATEGY":                stringField((*string)(&c.Sync.Strategy)),
		"SYNC_RESYNC_INTERVAL":         durationField(&c.Sync.ResyncInterval),
		"SYNC_CHANNEL":                 stringField(&c.Sync.Channel),
		"SYNC_REDIS_URL":               stringField(&c.Sync.RedisURL),
		"WINDOW_OVERSCAN":              intField(&c.Window.Overscan),
		"WINDOW_SCROLL_DEBOUNCE":       durationField(&c.Window.ScrollDebounce),
		"LOG_LEVEL":                    stringField(&c.Log.Level),
		"LOG_FORMAT":                   stringField(&c.Log.Format),
	}
}

func stringField(p *string) func(string) error {
	return func(s string) error {
		*p = s
		return nil
	}
}

func intField[T int | int64](p *T) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return err
		}
		*p = T(v)
		return nil
	}
}

func boolField(p *bool) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

func durationField(p *Duration) func(string) error {
	return func(s string) error {
		v, err := ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
}

// Validate reports the first problem found, wrapping ErrInvalid.
func (c Config) Validate() error {
	switch {
	case c.Cache.MaxBytes <= 0:
		return errors.Wrap(ErrInvalid, "cache.max_bytes must be positive")
	case c.Cache.CleanupInterval < 0:
		return errors.Wrap(ErrInvalid, "cache.cleanup_interval must not be negative")
	case c.Cache.DefaultTTL <= 0:
		return errors.Wrap(ErrInvalid, "cache.default_ttl must be positive")
	case c.Query.Debounce < 0:
		return errors.Wrap(ErrInvalid, "query.debounce must not be negative")
	case c.Query.MaxConcurrent <= 0:
		return errors.Wrap(ErrInvalid, "query.max_concurrent must be positive")
	case c.Query.Retries < 0 || c.Query.BreakerThreshold < 0:
		return errors.Wrap(ErrInvalid, "query.retries and query.breaker_threshold must not be negative")
	case c.Mutation.Timeout <= 0:
		return errors.Wrap(ErrInvalid, "mutation.timeout must be positive")
	case c.Mutation.MaxPending <= 0:
		return errors.Wrap(ErrInvalid, "mutation.max_pending must be positive")
	case c.Mutation.ConfirmedRetention < 0 || c.Mutation.FailedRetention < 0:
		return errors.Wrap(ErrInvalid, "mutation retention must not be negative")
	case c.Sync.ResyncInterval < 0:
		return errors.Wrap(ErrInvalid, "sync.resync_interval must not be negative")
	case c.Window.Overscan < 0:
		return errors.Wrap(ErrInvalid, "window.overscan must not be negative")
	case c.Window.ScrollDebounce < 0:
		return errors.Wrap(ErrInvalid, "window.scroll_debounce must not be negative")
	}
	if _, err := crosstab.ParseStrategy(string(c.Sync.Strategy)); err != nil {
		return errors.Wrapf(ErrInvalid, "sync.strategy: %s", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return errors.Wrapf(ErrInvalid, "log.format %q is neither console nor json", c.Log.Format)
	}
	return nil
}

// Logger builds the logger described by the log section.
func (c Config) Logger() logger.Logger {
	level := logger.ParseLevel(c.Log.Level, logger.LevelInfo)
	if c.Log.Format == "json" {
		return logger.NewJSONLogger(level)
	}
	return logger.NewConsoleLogger(level)
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	buf, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	return buf, nil
}
