// Package library binds the collection engine to the three user
// collections: favorites, watchlist and ratings.
package library

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/reelsync/internal/collection"
	"github.com/alexjbarnes/reelsync/internal/session"
)

// engine is the lifecycle surface shared by every collection controller.
type engine interface {
	Name() string
	Init()
	InitWithUser(ctx context.Context) error
	Cleanup()
	Flush(ctx context.Context) error
	Close()
	Status() collection.Status
	ClearError()
}

// Library holds the user's collections.
type Library struct {
	Favorites *Favorites
	Watchlist *Watchlist
	Ratings   *Ratings

	logger *slog.Logger
}

// New creates the three collections sharing deps.
func New(deps collection.Deps) *Library {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Library{
		Favorites: NewFavorites(deps),
		Watchlist: NewWatchlist(deps),
		Ratings:   NewRatings(deps),
		logger:    logger,
	}
}

func (l *Library) engines() []engine {
	return []engine{l.Favorites.c, l.Watchlist.c, l.Ratings.c}
}

// Init loads every collection from the local store.
func (l *Library) Init() {
	for _, e := range l.engines() {
		e.Init()
	}
}

// SignIn starts cloud sync on every collection concurrently. A failure
// in one collection does not stop the others; the first error is
// returned.
func (l *Library) SignIn(ctx context.Context) error {
	var g errgroup.Group

	for _, e := range l.engines() {
		g.Go(func() error {
			if err := e.InitWithUser(ctx); err != nil {
				l.logger.Warn("starting cloud sync",
					slog.String("collection", e.Name()),
					slog.String("error", err.Error()),
				)

				return err
			}

			return nil
		})
	}

	return g.Wait()
}

// SignOut stops cloud sync. Local data is kept.
func (l *Library) SignOut() {
	for _, e := range l.engines() {
		e.Cleanup()
	}
}

// HandleAuthEvent is a session.Listener.
func (l *Library) HandleAuthEvent(ctx context.Context, ev session.Event) {
	switch ev.Kind {
	case session.SignedIn:
		l.logger.Info("user signed in, starting cloud sync", slog.String("user_id", ev.UserID))

		// Per-collection failures are logged by SignIn and kept in Status.
		_ = l.SignIn(ctx)

	case session.SignedOut:
		l.logger.Info("user signed out, stopping cloud sync", slog.String("user_id", ev.UserID))
		l.SignOut()
	}
}

// Flush waits for every queued remote write.
func (l *Library) Flush(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, e := range l.engines() {
		g.Go(func() error { return e.Flush(ctx) })
	}

	return g.Wait()
}

// Close stops sync and drains queued writes on every collection.
func (l *Library) Close() {
	for _, e := range l.engines() {
		e.Close()
	}
}

// Status reports each collection's flags by name.
func (l *Library) Status() map[string]collection.Status {
	out := make(map[string]collection.Status, 3)
	for _, e := range l.engines() {
		out[e.Name()] = e.Status()
	}

	return out
}

// ClearErrors resets the error flag of every collection.
func (l *Library) ClearErrors() {
	for _, e := range l.engines() {
		e.ClearError()
	}
}
