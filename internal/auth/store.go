// Package auth holds the credential and bearer-token machinery shared by
// the document store and the MCP endpoint. Tokens live in memory and are
// invalidated on restart.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"
)

// TokenInfo represents an issued session token.
type TokenInfo struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// APIKey is a static key bound to a user. Only the SHA-256 hash of the
// key is kept.
type APIKey struct {
	UserID string
	hash   [sha256.Size]byte
}

const (
	// DefaultTokenTTL is the lifetime of tokens issued by Issue when the
	// store was created without an explicit TTL.
	DefaultTokenTTL = 24 * time.Hour

	// cleanupInterval controls how often expired tokens are reaped.
	cleanupInterval = 5 * time.Minute

	// tokenBytes is the number of random bytes in an issued token
	// (hex-encoded to twice this length).
	tokenBytes = 32
)

// Store holds issued tokens and configured API keys.
type Store struct {
	mu      sync.RWMutex
	tokens  map[string]*TokenInfo
	apiKeys []*APIKey
	ttl     time.Duration
	stopGC  chan struct{}
	stopped sync.Once
}

// NewStore creates an empty store and starts a background goroutine that
// periodically removes expired tokens. Call Stop to end it.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	s := &Store{
		tokens: make(map[string]*TokenInfo),
		ttl:    ttl,
		stopGC: make(chan struct{}),
	}
	go s.gcLoop()

	return s
}

// Stop terminates the background cleanup goroutine. It is safe to call
// more than once.
func (s *Store) Stop() {
	s.stopped.Do(func() { close(s.stopGC) })
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ti := range s.tokens {
		if now.After(ti.ExpiresAt) {
			delete(s.tokens, k)
		}
	}
}

// TTL returns the lifetime of newly issued tokens.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Issue creates and stores a new token for userID.
func (s *Store) Issue(userID string) *TokenInfo {
	ti := &TokenInfo{
		Token:     RandomHex(tokenBytes),
		UserID:    userID,
		ExpiresAt: time.Now().Add(s.ttl),
	}
	s.SaveToken(ti)

	return ti
}

// SaveToken stores a token.
func (s *Store) SaveToken(ti *TokenInfo) {
	s.mu.Lock()
	s.tokens[ti.Token] = ti
	s.mu.Unlock()
}

// ValidateToken returns the token info for a known, unexpired token, or
// nil.
func (s *Store) ValidateToken(token string) *TokenInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ti, ok := s.tokens[token]
	if !ok {
		return nil
	}

	if time.Now().After(ti.ExpiresAt) {
		return nil
	}

	return ti
}

// Revoke deletes a token. Unknown tokens are ignored.
func (s *Store) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// AddAPIKey registers a static key for userID.
func (s *Store) AddAPIKey(userID, key string) {
	s.mu.Lock()
	s.apiKeys = append(s.apiKeys, &APIKey{UserID: userID, hash: sha256.Sum256([]byte(key))})
	s.mu.Unlock()
}

// ValidateAPIKey returns the matching key, or nil. Every configured key
// is compared in constant time.
func (s *Store) ValidateAPIKey(key string) *APIKey {
	h := sha256.Sum256([]byte(key))

	s.mu.RLock()
	defer s.mu.RUnlock()

	var match *APIKey

	for _, ak := range s.apiKeys {
		if subtle.ConstantTimeCompare(ak.hash[:], h[:]) == 1 {
			match = ak
		}
	}

	return match
}

// RandomHex generates a cryptographically random hex string of the given
// byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
