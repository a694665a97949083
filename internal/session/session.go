// Package session tracks who is signed in to the document store. It
// caches the session in the local state database so a restart can
// resume it, and tells listeners when the user signs in or out.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/reelsync/internal/docstore"
	apperrors "github.com/alexjbarnes/reelsync/internal/errors"
	"github.com/alexjbarnes/reelsync/internal/state"
)

// EventKind says whether an Event is a sign-in or a sign-out.
type EventKind int

const (
	SignedIn EventKind = iota + 1
	SignedOut
)

func (k EventKind) String() string {
	switch k {
	case SignedIn:
		return "signed_in"
	case SignedOut:
		return "signed_out"
	default:
		return "unknown"
	}
}

// Event is an authentication change.
type Event struct {
	Kind   EventKind
	UserID string
}

// Listener receives authentication changes. Listeners run on the
// goroutine that caused the change, in registration order.
type Listener func(ctx context.Context, ev Event)

// Authenticator is the document store's account API.
type Authenticator interface {
	SignIn(ctx context.Context, user, password string) (*docstore.SignInResponse, error)
	SignOut(ctx context.Context, token string) error
	Me(ctx context.Context, token string) (string, error)
}

// Store persists the cached session. *state.State satisfies it.
type Store interface {
	Session() (*state.Session, error)
	SetSession(sess state.Session) error
	ClearSession() error
}

type listenerEntry struct {
	id int
	fn Listener
}

// Manager owns the current session.
type Manager struct {
	auth   Authenticator
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	current *state.Session

	lmu       sync.Mutex
	listeners []listenerEntry
	nextID    int
}

func NewManager(auth Authenticator, store Store, logger *slog.Logger) *Manager {
	return &Manager{
		auth:   auth,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// CurrentUserID returns the signed-in user.
func (m *Manager) CurrentUserID() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return "", false
	}

	return m.current.UserID, true
}

// Token returns the bearer token, or "" when signed out.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return ""
	}

	return m.current.Token
}

// SignIn authenticates and notifies listeners. A previous session is
// replaced and its token revoked.
func (m *Manager) SignIn(ctx context.Context, user, password string) error {
	resp, err := m.auth.SignIn(ctx, user, password)
	if err != nil {
		return err
	}

	sess := state.Session{UserID: resp.UserID, Token: resp.Token, ExpiresAt: resp.ExpiresAt}

	if err := m.store.SetSession(sess); err != nil {
		m.logger.Warn("caching session", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	prev := m.current
	m.current = &sess
	m.mu.Unlock()

	if prev != nil {
		m.revoke(ctx, prev.Token)
	}

	m.logger.Info("signed in", slog.String("user_id", sess.UserID))
	m.notify(ctx, Event{Kind: SignedIn, UserID: sess.UserID})

	return nil
}

// Resume restores the cached session, if any. A token the server
// rejects is discarded; a server that cannot be reached keeps the
// session so local mirroring resumes once it is back. It reports
// whether a session is now active.
func (m *Manager) Resume(ctx context.Context) (bool, error) {
	sess, err := m.store.Session()
	if err != nil {
		return false, fmt.Errorf("loading cached session: %w", err)
	}

	if sess == nil {
		return false, nil
	}

	if !sess.ExpiresAt.IsZero() && !m.now().Before(sess.ExpiresAt) {
		m.logger.Info("cached session expired", slog.String("user_id", sess.UserID))
		m.forget()

		return false, nil
	}

	uid, err := m.auth.Me(ctx, sess.Token)

	switch {
	case errors.Is(err, apperrors.ErrInvalidToken):
		m.logger.Info("cached session rejected", slog.String("user_id", sess.UserID))
		m.forget()

		return false, nil

	case err != nil:
		if !docstore.IsTransient(err) {
			return false, fmt.Errorf("validating cached session: %w", err)
		}

		m.logger.Warn("document store unreachable, keeping cached session",
			slog.String("user_id", sess.UserID),
			slog.String("error", err.Error()),
		)

	case uid != sess.UserID:
		m.logger.Warn("cached session belongs to another user",
			slog.String("cached", sess.UserID),
			slog.String("server", uid),
		)
		m.forget()

		return false, nil
	}

	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()

	m.logger.Info("session resumed", slog.String("user_id", sess.UserID))
	m.notify(ctx, Event{Kind: SignedIn, UserID: sess.UserID})

	return true, nil
}

// SignOut ends the session and notifies listeners. Local collections
// are kept. Signing out while signed out is a no-op.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()

	if prev == nil {
		return nil
	}

	m.revoke(ctx, prev.Token)

	if err := m.store.ClearSession(); err != nil {
		m.logger.Warn("clearing cached session", slog.String("error", err.Error()))
	}

	m.logger.Info("signed out", slog.String("user_id", prev.UserID))
	m.notify(ctx, Event{Kind: SignedOut, UserID: prev.UserID})

	return nil
}

// Subscribe registers listener and returns a function that removes it.
func (m *Manager) Subscribe(listener Listener) (unsubscribe func()) {
	m.lmu.Lock()
	defer m.lmu.Unlock()

	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: listener})

	var once sync.Once

	return func() {
		once.Do(func() {
			m.lmu.Lock()
			defer m.lmu.Unlock()

			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

func (m *Manager) notify(ctx context.Context, ev Event) {
	m.lmu.Lock()
	listeners := make([]listenerEntry, len(m.listeners))
	copy(listeners, m.listeners)
	m.lmu.Unlock()

	for _, l := range listeners {
		l.fn(ctx, ev)
	}
}

// revoke invalidates token on the server. Failures only leave a token
// that expires on its own.
func (m *Manager) revoke(ctx context.Context, token string) {
	if err := m.auth.SignOut(ctx, token); err != nil {
		m.logger.Warn("revoking token", slog.String("error", err.Error()))
	}
}

func (m *Manager) forget() {
	if err := m.store.ClearSession(); err != nil {
		m.logger.Warn("clearing cached session", slog.String("error", err.Error()))
	}
}
