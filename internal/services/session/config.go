package session

import (
	"fmt"
	"time"
)

// JoinPolicy decides what JoinGame does with an unknown session id
type JoinPolicy string

const (
	// JoinPolicyAutoCreate creates the session on first join
	JoinPolicyAutoCreate JoinPolicy = "auto-create"
	// JoinPolicyExplicit requires sessions to be created before they are joined
	JoinPolicyExplicit JoinPolicy = "explicit"
)

// ParseJoinPolicy validates a policy name
func ParseJoinPolicy(s string) (JoinPolicy, error) {
	switch JoinPolicy(s) {
	case JoinPolicyAutoCreate, JoinPolicyExplicit:
		return JoinPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown join policy %q", s)
	}
}

// Config holds the tunables of the session controller
type Config struct {
	Capacity        int
	GracePeriod     time.Duration // 0 removes lost players immediately
	IdleTimeout     time.Duration // 0 disables idle teardown
	JoinPolicy      JoinPolicy
	MaxDrawingBytes int
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		Capacity:        8,
		GracePeriod:     10 * time.Second,
		IdleTimeout:     30 * time.Minute,
		JoinPolicy:      JoinPolicyAutoCreate,
		MaxDrawingBytes: 1 << 20,
	}
}
