package factory

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/mcoot/masquerade-go/internal/dependencies/clock"
	"github.com/mcoot/masquerade-go/internal/dependencies/random"
	"github.com/mcoot/masquerade-go/internal/services/broadcast"
	"github.com/mcoot/masquerade-go/internal/services/connection"
	"github.com/mcoot/masquerade-go/internal/services/identity"
	"github.com/mcoot/masquerade-go/internal/services/presence"
	"github.com/mcoot/masquerade-go/internal/services/scoring"
	"github.com/mcoot/masquerade-go/internal/services/session"
	"github.com/mcoot/masquerade-go/internal/storage"
	"github.com/mcoot/masquerade-go/internal/storage/memory"
	redisstorage "github.com/mcoot/masquerade-go/internal/storage/redis"
)

// Storage type constants
const (
	StorageTypeMemory = "memory"
	StorageTypeRedis  = "redis"
)

// App contains all wired application components
type App struct {
	// Storage
	Storage storage.Storage
	Writer  *storage.Writer

	// External dependencies
	Clock  clock.Clock
	Random random.Random

	// Services
	Connections *connection.Registry
	Router      *broadcast.Router
	Identities  *identity.Service
	Sessions    *session.Controller
	Presence    *presence.Service
	Scoring     scoring.Hook

	closeStore func() error
}

// Config holds configuration for the application factory
type Config struct {
	// Session holds the session controller's tunables (optional)
	// Zero fields fall back to session.DefaultConfig()
	Session session.Config
	// Identity holds configuration for the identity service (optional)
	Identity identity.Config
	// SendBuffer is the per-connection outbound queue length (optional)
	SendBuffer int
	// AutoScore completes comparison and scoring without an external component
	AutoScore      bool
	AutoScoreDelay time.Duration
	// Logger is the application logger (optional)
	// If nil, a no-op logger is used
	Logger *slog.Logger
	// StorageType selects the storage backend ("memory" or "redis")
	// If empty, defaults to "memory"
	StorageType string
	// RedisConfig holds Redis connection settings (required if StorageType is "redis")
	RedisConfig *redisstorage.Config
}

// New creates a new application with all dependencies wired
func New(cfg Config) (*App, error) {
	// Use no-op logger if not provided
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	// Create storage based on type
	var (
		store      storage.Storage
		closeStore func() error
	)
	storageType := cfg.StorageType
	if storageType == "" {
		storageType = StorageTypeMemory
	}

	switch storageType {
	case StorageTypeMemory:
		store = memory.New()
	case StorageTypeRedis:
		if cfg.RedisConfig == nil {
			return nil, errors.New("RedisConfig required when StorageType is redis")
		}
		redisStore, err := redisstorage.New(*cfg.RedisConfig)
		if err != nil {
			return nil, err
		}
		store = redisStore
		closeStore = redisStore.Close
	default:
		return nil, errors.New("invalid StorageType: must be 'memory' or 'redis'")
	}

	// Create external dependencies
	clk := clock.New()
	rnd := random.New()

	app := newWithDependencies(store, clk, rnd, cfg, logger)
	app.closeStore = closeStore
	return app, nil
}

// newWithDependencies creates an App with the given dependencies (useful for testing)
func newWithDependencies(store storage.Storage, clk clock.Clock, rnd random.Random, cfg Config, logger *slog.Logger) *App {
	writer := storage.NewWriter(store, storage.DefaultWriterQueueSize, logger)
	connections := connection.New(clk, logger)
	router := broadcast.New(cfg.SendBuffer, logger)
	identities := identity.New(clk, rnd, cfg.Identity)

	var hook scoring.Hook = scoring.Noop{}
	var auto *scoring.AutoCompleter
	if cfg.AutoScore {
		auto = scoring.NewAutoCompleter(clk, cfg.AutoScoreDelay, logger)
		hook = auto
	}

	sessions := session.NewController(cfg.Session, connections, router, writer, hook, clk, rnd, logger)
	if auto != nil {
		auto.Attach(sessions)
	}

	presenceService := presence.New(connections, router, sessions, identities, clk, logger)

	return &App{
		Storage:     store,
		Writer:      writer,
		Clock:       clk,
		Random:      rnd,
		Connections: connections,
		Router:      router,
		Identities:  identities,
		Sessions:    sessions,
		Presence:    presenceService,
		Scoring:     hook,
	}
}

// Close drains pending snapshot writes and releases the store
func (a *App) Close() error {
	a.Writer.Close()
	if a.closeStore != nil {
		return a.closeStore()
	}
	return nil
}
