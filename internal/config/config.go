package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/reelsync/internal/auth"
	"github.com/alexjbarnes/reelsync/internal/state"
)

// Config holds all environment-based configuration for the reelsync
// client.
type Config struct {
	// Document store base URL. Empty runs local-only: collections are kept
	// on this device and never synced.
	DocstoreURL string `env:"REELSYNC_DOCSTORE_URL"`

	// Account credentials. When both are set the client signs in at
	// startup; otherwise it resumes the cached session, if any.
	User     string `env:"REELSYNC_USER"`
	Password string `env:"REELSYNC_PASSWORD"`

	// Path of the local state database. Defaults to ~/.reelsync/state.db.
	StatePath string `env:"REELSYNC_STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// DocstoreConfig holds the configuration of the document store server.
type DocstoreConfig struct {
	ListenAddr string `env:"DOCSTORE_LISTEN_ADDR" envDefault:":8080"`
	DBPath     string `env:"DOCSTORE_DB_PATH" envDefault:"docstore.db"`

	// Users is "user1:bcrypt_hash1,user2:bcrypt_hash2". Hashes come from
	// `reelsync-docstore hash-password`.
	Users string `env:"DOCSTORE_USERS"`

	// TokenTTL is how long a sign-in stays valid.
	TokenTTL time.Duration `env:"DOCSTORE_TOKEN_TTL" envDefault:"720h"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

func parse[T any](cfg *T) error {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	return nil
}

// Load reads the client configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := parse(cfg); err != nil {
		return nil, err
	}

	cfg.DocstoreURL = strings.TrimRight(cfg.DocstoreURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DocstoreURL != "" {
		u, err := url.Parse(c.DocstoreURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("REELSYNC_DOCSTORE_URL must be an http or https URL")
		}
	}

	if (c.User == "") != (c.Password == "") {
		return fmt.Errorf("REELSYNC_USER and REELSYNC_PASSWORD must be set together")
	}

	if c.User != "" && c.DocstoreURL == "" {
		return fmt.Errorf("REELSYNC_DOCSTORE_URL is required to sign in")
	}

	return nil
}

// SyncEnabled reports whether a document store is configured.
func (c *Config) SyncEnabled() bool {
	return c.DocstoreURL != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:rs_key1,user2:rs_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}

// LoadDocstore reads the document store configuration from environment
// variables, loading a .env file first if present.
func LoadDocstore() (*DocstoreConfig, error) {
	cfg := &DocstoreConfig{}
	if err := parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	absPath, err := filepath.Abs(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("resolving db path to absolute path: %w", err)
	}

	cfg.DBPath = absPath

	return cfg, nil
}

func (c *DocstoreConfig) validate() error {
	if strings.TrimSpace(c.Users) == "" {
		return fmt.Errorf("DOCSTORE_USERS is required")
	}

	if c.DBPath == "" {
		return fmt.Errorf("DOCSTORE_DB_PATH must not be empty")
	}

	if c.TokenTTL <= 0 {
		return fmt.Errorf("DOCSTORE_TOKEN_TTL must be positive")
	}

	return nil
}

// ParseUsers parses DOCSTORE_USERS into bcrypt hashes keyed by user.
func (c *DocstoreConfig) ParseUsers() (auth.Users, error) {
	users, err := auth.ParseUsers(c.Users)
	if err != nil {
		return nil, fmt.Errorf("parsing DOCSTORE_USERS: %w", err)
	}

	if len(users) == 0 {
		return nil, fmt.Errorf("DOCSTORE_USERS has no entries")
	}

	return users, nil
}

// IsProduction returns true when the environment is set to production.
func (c *DocstoreConfig) IsProduction() bool {
	return c.Environment == "production"
}
