package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"REELSYNC_DOCSTORE_URL",
		"REELSYNC_USER",
		"REELSYNC_PASSWORD",
		"REELSYNC_STATE_PATH",
		"ENVIRONMENT",
		"LOG_LEVEL",
		"MCP_LISTEN_ADDR",
		"MCP_API_KEYS",
		"DOCSTORE_LISTEN_ADDR",
		"DOCSTORE_DB_PATH",
		"DOCSTORE_USERS",
		"DOCSTORE_TOKEN_TTL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func testHash(t *testing.T) string {
	t.Helper()

	h, err := bcrypt.GenerateFromPassword([]byte("alice-password"), bcrypt.MinCost)
	require.NoError(t, err)

	return string(h)
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.SyncEnabled())
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8090", cfg.MCPListenAddr)
	assert.True(t, filepath.IsAbs(cfg.StatePath))
	assert.Equal(t, "state.db", filepath.Base(cfg.StatePath))
	assert.Equal(t, ".reelsync", filepath.Base(filepath.Dir(cfg.StatePath)))
}

func TestLoad_SyncWithCredentials(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("REELSYNC_DOCSTORE_URL", "https://docs.example.com/")
	t.Setenv("REELSYNC_USER", "alice")
	t.Setenv("REELSYNC_PASSWORD", "alice-password")
	t.Setenv("REELSYNC_STATE_PATH", filepath.Join(t.TempDir(), "state.db"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.SyncEnabled())
	assert.Equal(t, "https://docs.example.com", cfg.DocstoreURL, "trailing slash is trimmed")
	assert.Equal(t, "alice", cfg.User)
}

func TestLoad_ResolvesRelativeStatePath(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("REELSYNC_STATE_PATH", "relative/state.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.StatePath))
	assert.True(t, strings.HasSuffix(cfg.StatePath, filepath.Join("relative", "state.db")))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "bad url scheme",
			env:  map[string]string{"REELSYNC_DOCSTORE_URL": "ftp://docs.example.com"},
			want: "REELSYNC_DOCSTORE_URL",
		},
		{
			name: "url without host",
			env:  map[string]string{"REELSYNC_DOCSTORE_URL": "https://"},
			want: "REELSYNC_DOCSTORE_URL",
		},
		{
			name: "user without password",
			env:  map[string]string{"REELSYNC_DOCSTORE_URL": "https://docs.example.com", "REELSYNC_USER": "alice"},
			want: "set together",
		},
		{
			name: "password without user",
			env:  map[string]string{"REELSYNC_DOCSTORE_URL": "https://docs.example.com", "REELSYNC_PASSWORD": "x"},
			want: "set together",
		},
		{
			name: "credentials without docstore",
			env:  map[string]string{"REELSYNC_USER": "alice", "REELSYNC_PASSWORD": "alice-password"},
			want: "required to sign in",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
	assert.True(t, (&DocstoreConfig{Environment: "production"}).IsProduction())
}

// --- ParseMCPAPIKeys ---

func TestParseMCPAPIKeys_Valid(t *testing.T) {
	key1 := "rs_" + strings.Repeat("ab", 16)
	key2 := "rs_" + strings.Repeat("01", 20)
	cfg := &Config{MCPAPIKeys: "alice:" + key1 + ", bob:" + key2}

	entries, err := cfg.ParseMCPAPIKeys()
	require.NoError(t, err)
	assert.Equal(t, []APIKeyEntry{{UserID: "alice", Key: key1}, {UserID: "bob", Key: key2}}, entries)
}

func TestParseMCPAPIKeys_Empty(t *testing.T) {
	entries, err := (&Config{}).ParseMCPAPIKeys()
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestParseMCPAPIKeys_Invalid(t *testing.T) {
	valid := "rs_" + strings.Repeat("ab", 16)

	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"missing colon", "alice" + valid, "missing ':'"},
		{"empty user", ":" + valid, "empty user or key"},
		{"wrong prefix", "alice:vs_" + strings.Repeat("ab", 16), "prefix"},
		{"too short", "alice:rs_abcd", "too short"},
		{"not hex", "alice:rs_" + strings.Repeat("zz", 16), "non-hex"},
		{"duplicate user", "alice:" + valid + ",alice:" + valid, "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&Config{MCPAPIKeys: tt.value}).ParseMCPAPIKeys()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// --- LoadDocstore ---

func TestLoadDocstore_Defaults(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DOCSTORE_USERS", "alice:"+testHash(t))

	cfg, err := LoadDocstore()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 720*time.Hour, cfg.TokenTTL)
	assert.True(t, filepath.IsAbs(cfg.DBPath))
	assert.Equal(t, "docstore.db", filepath.Base(cfg.DBPath))

	users, err := cfg.ParseUsers()
	require.NoError(t, err)
	assert.True(t, users.Verify("alice", "alice-password"))
}

func TestLoadDocstore_CustomTTL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DOCSTORE_USERS", "alice:"+testHash(t))
	t.Setenv("DOCSTORE_TOKEN_TTL", "90m")

	cfg, err := LoadDocstore()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, cfg.TokenTTL)
}

func TestLoadDocstore_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing users", map[string]string{}, "DOCSTORE_USERS is required"},
		{"zero ttl", map[string]string{"DOCSTORE_USERS": "alice:x", "DOCSTORE_TOKEN_TTL": "0s"}, "DOCSTORE_TOKEN_TTL"},
		{"bad ttl", map[string]string{"DOCSTORE_USERS": "alice:x", "DOCSTORE_TOKEN_TTL": "soon"}, "parsing config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadDocstore()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDocstoreParseUsers_RejectsPlainPasswords(t *testing.T) {
	_, err := (&DocstoreConfig{Users: "alice:hunter22"}).ParseUsers()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a bcrypt hash")
}

func TestDocstoreParseUsers_NoEntries(t *testing.T) {
	_, err := (&DocstoreConfig{Users: " , "}).ParseUsers()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entries")
}
