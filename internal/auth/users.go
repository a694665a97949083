package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix marks static API keys so they can be told apart from
	// session tokens.
	APIKeyPrefix = "rs_"

	// APIKeyMinLen is the minimum total length of an API key, prefix
	// included.
	APIKeyMinLen = len(APIKeyPrefix) + 32

	// MinPasswordLen is enforced by HashPassword.
	MinPasswordLen = 8
)

// dummyHash is compared against when the username is unknown so that
// lookups for unknown users take as long as real ones.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("reelsync-unknown-user"), bcrypt.DefaultCost)
	return h
})

// Users maps usernames to bcrypt password hashes.
type Users map[string]string

// ParseUsers parses "user1:hash1,user2:hash2". Hashes must be bcrypt.
func ParseUsers(s string) (Users, error) {
	users := make(Users)

	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry %d", len(users)+1)
		}

		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %q: not a bcrypt hash: %w", username, err)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q", username)
		}

		users[username] = hash
	}

	return users, nil
}

// Verify reports whether password matches the stored hash for username.
func (u Users) Verify(username, password string) bool {
	hash, ok := u[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword returns a bcrypt hash suitable for DOCSTORE_USERS.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLen {
		return "", fmt.Errorf("password must be at least %d characters", MinPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("password too long (bcrypt limit is 72 bytes)")
		}

		return "", fmt.Errorf("hashing password: %w", err)
	}

	return string(hash), nil
}

const (
	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 10

	// rateLimitPruneThreshold is the number of tracked IPs above which
	// expired entries are pruned.
	rateLimitPruneThreshold = 1000
)

// LoginLimiter tracks failed sign-in attempts per IP with a sliding
// window. After rateLimitMaxFail failures within the window, further
// attempts are rejected until the window expires.
type LoginLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func NewLoginLimiter() *LoginLimiter {
	return &LoginLimiter{failures: make(map[string][]time.Time)}
}

// Limited reports whether ip is currently rate-limited.
func (rl *LoginLimiter) Limited(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// Record adds a failed attempt for ip.
func (rl *LoginLimiter) Record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], time.Now())
	rl.mu.Unlock()
}
