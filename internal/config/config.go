package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mcoot/masquerade-go/internal/services/session"
)

// EnvPrefix is prepended to every flag's environment variable
const EnvPrefix = "MASQUERADE"

// Storage backends
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config holds every server tunable
type Config struct {
	Bind     string
	Port     int
	LogLevel string

	Capacity           int
	GracePeriod        time.Duration
	IdleTimeout        time.Duration
	ReapInterval       time.Duration
	JoinPolicy         string
	AllowPhaseOverride bool
	MaxDrawingBytes    int
	SendBuffer         int

	AutoScore      bool
	AutoScoreDelay time.Duration

	Storage     string
	RedisURL    string
	SnapshotTTL time.Duration

	APIKey   string
	TokenTTL time.Duration

	EnvFile string
}

// Default returns the configuration used when nothing is set
func Default() Config {
	sessions := session.DefaultConfig()
	return Config{
		Bind:               "0.0.0.0",
		Port:               8080,
		LogLevel:           "info",
		Capacity:           sessions.Capacity,
		GracePeriod:        sessions.GracePeriod,
		IdleTimeout:        sessions.IdleTimeout,
		ReapInterval:       time.Minute,
		JoinPolicy:         string(sessions.JoinPolicy),
		AllowPhaseOverride: true,
		MaxDrawingBytes:    sessions.MaxDrawingBytes,
		SendBuffer:         64,
		AutoScoreDelay:     2 * time.Second,
		Storage:            StorageMemory,
		RedisURL:           "redis://localhost:6379",
		SnapshotTTL:        time.Hour,
		TokenTTL:           24 * time.Hour,
		EnvFile:            ".env",
	}
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Capacity < 1 {
		errs = append(errs, fmt.Errorf("capacity must be at least 1: %d", c.Capacity))
	}
	if _, err := session.ParseJoinPolicy(c.JoinPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.MaxDrawingBytes < 1 {
		errs = append(errs, fmt.Errorf("max-drawing-bytes must be positive: %d", c.MaxDrawingBytes))
	}
	if c.SendBuffer < 1 {
		errs = append(errs, fmt.Errorf("send-buffer must be positive: %d", c.SendBuffer))
	}

	for name, d := range map[string]time.Duration{
		"grace-period":     c.GracePeriod,
		"idle-timeout":     c.IdleTimeout,
		"reap-interval":    c.ReapInterval,
		"auto-score-delay": c.AutoScoreDelay,
		"snapshot-ttl":     c.SnapshotTTL,
		"token-ttl":        c.TokenTTL,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative: %s", name, d))
		}
	}

	switch c.Storage {
	case StorageMemory:
	case StorageRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("--redis-url is required with --storage=redis"))
		} else if u, err := url.Parse(c.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, fmt.Errorf("invalid redis url: %q", c.RedisURL))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q (must be %s or %s)", c.Storage, StorageMemory, StorageRedis))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// SessionConfig returns the session controller's view of the configuration
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Capacity:        c.Capacity,
		GracePeriod:     c.GracePeriod,
		IdleTimeout:     c.IdleTimeout,
		JoinPolicy:      session.JoinPolicy(c.JoinPolicy),
		MaxDrawingBytes: c.MaxDrawingBytes,
	}
}

// ParseLogLevel maps a level name to a slog level
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// RegisterFlags declares every setting on fs, defaulting to cfg's current values
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.Bind, "bind", "b", cfg.Bind, "address to bind to (env: MASQUERADE_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "port to listen on (env: MASQUERADE_PORT)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (env: MASQUERADE_LOG_LEVEL)")

	fs.IntVar(&cfg.Capacity, "capacity", cfg.Capacity, "players per session (env: MASQUERADE_CAPACITY)")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "how long a lost player's slot is held (env: MASQUERADE_GRACE_PERIOD)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "time before idle sessions are closed, 0 to disable (env: MASQUERADE_IDLE_TIMEOUT)")
	fs.DurationVar(&cfg.ReapInterval, "reap-interval", cfg.ReapInterval, "how often idle sessions are looked for (env: MASQUERADE_REAP_INTERVAL)")
	fs.StringVar(&cfg.JoinPolicy, "join-policy", cfg.JoinPolicy, "auto-create or explicit (env: MASQUERADE_JOIN_POLICY)")
	fs.BoolVar(&cfg.AllowPhaseOverride, "allow-phase-override", cfg.AllowPhaseOverride, "accept the PhaseChanged call (env: MASQUERADE_ALLOW_PHASE_OVERRIDE)")
	fs.IntVar(&cfg.MaxDrawingBytes, "max-drawing-bytes", cfg.MaxDrawingBytes, "largest accepted drawing (env: MASQUERADE_MAX_DRAWING_BYTES)")
	fs.IntVar(&cfg.SendBuffer, "send-buffer", cfg.SendBuffer, "events queued per connection before it is dropped (env: MASQUERADE_SEND_BUFFER)")

	fs.BoolVar(&cfg.AutoScore, "auto-score", cfg.AutoScore, "complete comparison and scoring automatically (env: MASQUERADE_AUTO_SCORE)")
	fs.DurationVar(&cfg.AutoScoreDelay, "auto-score-delay", cfg.AutoScoreDelay, "delay before each automatic completion (env: MASQUERADE_AUTO_SCORE_DELAY)")

	fs.StringVar(&cfg.Storage, "storage", cfg.Storage, "snapshot store: memory or redis (env: MASQUERADE_STORAGE)")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis url for --storage=redis (env: MASQUERADE_REDIS_URL)")
	fs.DurationVar(&cfg.SnapshotTTL, "snapshot-ttl", cfg.SnapshotTTL, "lifetime of snapshots in redis (env: MASQUERADE_SNAPSHOT_TTL)")

	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "bearer key for collaborator endpoints, empty to disable (env: MASQUERADE_API_KEY)")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "lifetime of player resume tokens (env: MASQUERADE_TOKEN_TTL)")

	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "dotenv file loaded before reading the environment (env: MASQUERADE_ENV_FILE)")
}

// ApplyEnv loads the env file, if present, then fills every flag that was not
// set on the command line from its environment variable. Variables already in
// the environment win over the file.
func ApplyEnv(fs *pflag.FlagSet) error {
	envFile, err := fs.GetString("env-file")
	if err != nil {
		return err
	}
	if env := os.Getenv(EnvPrefix + "_ENV_FILE"); env != "" && !fs.Changed("env-file") {
		envFile = env
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			if err := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
				errs = append(errs, fmt.Errorf("%s_%s: %w", EnvPrefix, strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_")), err))
			}
		}
	})
	return errors.Join(errs...)
}
