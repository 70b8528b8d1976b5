package identity

import (
	"context"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcoot/masquerade-go/internal/dependencies/clock"
	"github.com/mcoot/masquerade-go/internal/dependencies/random"
	"github.com/mcoot/masquerade-go/internal/model"
)

// Identity is a player's resume credential. Token is only ever known to the client.
type Identity struct {
	PlayerID  model.PlayerID
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type record struct {
	hash      []byte
	expiresAt time.Time
}

// Service issues and verifies player identities so a reconnecting client can
// reclaim its roster slot under a new connection id
type Service struct {
	clock  clock.Clock
	random random.Random
	cfg    Config

	mu      sync.RWMutex
	records map[model.PlayerID]record
}

// Config holds configuration for the identity service
type Config struct {
	TokenTTL time.Duration
	HashCost int
}

// DefaultConfig returns default identity configuration
func DefaultConfig() Config {
	return Config{
		TokenTTL: 24 * time.Hour,
		HashCost: bcrypt.DefaultCost,
	}
}

// Token and player id sizes in random bytes
const (
	tokenBytes    = 32
	playerIDBytes = 12
)

// New creates a new identity Service
func New(clock clock.Clock, random random.Random, cfg Config) *Service {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = DefaultConfig().TokenTTL
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = DefaultConfig().HashCost
	}
	return &Service{
		clock:   clock,
		random:  random,
		cfg:     cfg,
		records: make(map[model.PlayerID]record),
	}
}

// NewPlayerID generates a fresh player id
func (s *Service) NewPlayerID() model.PlayerID {
	return model.PlayerID("p_" + s.random.Token(playerIDBytes))
}

// Issue creates a new token for the player, replacing any previous one
func (s *Service) Issue(ctx context.Context, playerID model.PlayerID) (*Identity, error) {
	token := s.random.Token(tokenBytes)
	hash, err := bcrypt.GenerateFromPassword([]byte(token), s.cfg.HashCost)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	identity := &Identity{
		PlayerID:  playerID,
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.TokenTTL),
	}

	s.mu.Lock()
	s.records[playerID] = record{hash: hash, expiresAt: identity.ExpiresAt}
	s.mu.Unlock()

	return identity, nil
}

// Verify checks a presented token against the stored hash
func (s *Service) Verify(ctx context.Context, playerID model.PlayerID, token string) error {
	if token == "" {
		return model.ErrInvalidToken
	}

	s.mu.RLock()
	rec, ok := s.records[playerID]
	s.mu.RUnlock()

	if !ok {
		return model.ErrInvalidToken
	}

	if s.clock.Now().After(rec.expiresAt) {
		s.Revoke(playerID)
		return model.ErrInvalidToken
	}

	if err := bcrypt.CompareHashAndPassword(rec.hash, []byte(token)); err != nil {
		return model.ErrInvalidToken
	}
	return nil
}

// Revoke forgets the player's token
func (s *Service) Revoke(playerID model.PlayerID) {
	s.mu.Lock()
	delete(s.records, playerID)
	s.mu.Unlock()
}

// CleanExpired removes expired tokens (call periodically)
func (s *Service) CleanExpired() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for playerID, rec := range s.records {
		if now.After(rec.expiresAt) {
			delete(s.records, playerID)
			removed++
		}
	}
	return removed
}

// RunCleanup calls CleanExpired every interval until ctx is done
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	clock.Every(ctx, s.clock, interval, func() {
		s.CleanExpired()
	})
}
