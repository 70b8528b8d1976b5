package redis

import (
	"fmt"

	"github.com/mcoot/masquerade-go/internal/model"
)

// Key prefix for all session data
const keyPrefix = "masq"

// sessionKey returns the Redis key for a session snapshot
func sessionKey(id model.SessionID) string {
	return fmt.Sprintf("%s:session:%s", keyPrefix, id)
}

// sessionIndexKey returns the Redis key for the sorted set of session ids, scored by creation time
func sessionIndexKey() string {
	return fmt.Sprintf("%s:idx:sessions", keyPrefix)
}
