package factory

import (
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcoot/masquerade-go/internal/dependencies/mocks"
	"github.com/mcoot/masquerade-go/internal/services/identity"
	"github.com/mcoot/masquerade-go/internal/storage/memory"
	"github.com/mcoot/masquerade-go/internal/testutil"
)

// TestApp extends App with test-specific helpers
type TestApp struct {
	*App

	// Mocks for test control
	MockClock  *mocks.MockClock
	MockRandom *mocks.MockRandom
}

// NewTestApp creates an App configured for testing with mocked dependencies
func NewTestApp() *TestApp {
	return NewTestAppWithConfig(Config{})
}

// NewTestAppWithConfig is NewTestApp with explicit tunables. Storage, clock,
// randomness and logging are always the test doubles.
func NewTestAppWithConfig(cfg Config) *TestApp {
	store := memory.New()
	mockClock := mocks.NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	mockRandom := mocks.NewMockRandom()

	if cfg.Identity.HashCost == 0 {
		cfg.Identity = identity.Config{TokenTTL: cfg.Identity.TokenTTL, HashCost: bcrypt.MinCost}
	}

	app := newWithDependencies(store, mockClock, mockRandom, cfg, testutil.NopLogger())

	return &TestApp{
		App:        app,
		MockClock:  mockClock,
		MockRandom: mockRandom,
	}
}
