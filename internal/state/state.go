// Package state persists client-side data in a bbolt database: the
// offline copy of every collection and the cached sign-in session.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.reelsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket         = []byte("app")
	sessionKey        = []byte("session")
	collectionsBucket = []byte("collections")
)

// Session is the cached result of a successful sign-in.
type Session struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// State wraps a bbolt database for all persistent client state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.reelsync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(collectionsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Session returns the cached session, or nil when signed out.
func (s *State) Session() (*Session, error) {
	var sess *Session

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(sessionKey)
		if v == nil {
			return nil
		}

		sess = &Session{}

		return json.Unmarshal(v, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	return sess, nil
}

// SetSession persists the session so the next start can resume it.
func (s *State) SetSession(sess Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(sessionKey, data)
	})
}

// ClearSession forgets the cached session. Collection lists are kept.
func (s *State) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(sessionKey)
	})
}

// LoadList returns the raw JSON stored under namespace, or nil when the
// namespace has never been written. The returned slice is a copy and
// stays valid after the transaction ends.
func (s *State) LoadList(namespace string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(collectionsBucket).Get([]byte(namespace))
		if v != nil {
			data = append([]byte(nil), v...)
		}

		return nil
	})

	return data, err
}

// SaveList replaces the list stored under namespace.
func (s *State) SaveList(namespace string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(collectionsBucket).Put([]byte(namespace), data)
	})
}

// ClearList removes the list stored under namespace.
func (s *State) ClearList(namespace string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(collectionsBucket).Delete([]byte(namespace))
	})
}

// Namespaces returns every namespace with a stored list, sorted.
func (s *State) Namespaces() ([]string, error) {
	var names []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(collectionsBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})

	sort.Strings(names)

	return names, err
}

// DefaultPath returns ~/.reelsync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".reelsync", "state.db"), nil
}
