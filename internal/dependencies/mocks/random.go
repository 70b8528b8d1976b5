package mocks

import (
	"fmt"
	"sync"

	"github.com/mcoot/masquerade-go/internal/dependencies/random"
)

// MockRandom is a mock implementation of Random for testing
type MockRandom struct {
	mu sync.Mutex

	// StringResults is a queue of results to return from String
	StringResults []string
	stringIndex   int

	// TokenResults is a queue of results to return from Token
	TokenResults []string
	tokenIndex   int
	tokenSeq     int
}

// Ensure MockRandom implements Random
var _ random.Random = (*MockRandom)(nil)

// NewMockRandom creates a new MockRandom
func NewMockRandom() *MockRandom {
	return &MockRandom{}
}

// String returns the next queued result, or empty string if none remaining.
// An empty id is never accepted, so an exhausted queue reads as id exhaustion.
func (r *MockRandom) String(length int, alphabet string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stringIndex >= len(r.StringResults) {
		return ""
	}
	result := r.StringResults[r.stringIndex]
	r.stringIndex++
	return result
}

// Token returns the next queued result. Once the queue is empty it returns
// "tok-1", "tok-2", ... so identities stay unique without any setup.
func (r *MockRandom) Token(n int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokenIndex < len(r.TokenResults) {
		result := r.TokenResults[r.tokenIndex]
		r.tokenIndex++
		return result
	}
	r.tokenSeq++
	return fmt.Sprintf("tok-%d", r.tokenSeq)
}

// QueueString adds values to the String result queue
func (r *MockRandom) QueueString(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StringResults = append(r.StringResults, values...)
}

// QueueToken adds values to the Token result queue
func (r *MockRandom) QueueToken(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TokenResults = append(r.TokenResults, values...)
}

// Reset clears all queued results
func (r *MockRandom) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StringResults = nil
	r.stringIndex = 0
	r.TokenResults = nil
	r.tokenIndex = 0
	r.tokenSeq = 0
}
