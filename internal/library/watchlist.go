package library

import (
	"context"
	"time"

	"github.com/alexjbarnes/reelsync/internal/collection"
	"github.com/alexjbarnes/reelsync/internal/models"
	"github.com/alexjbarnes/reelsync/internal/reconcile"
)

const (
	WatchlistName      = "watchlist"
	WatchlistNamespace = "movie-search-watchlist"
)

func watchlistSchema() collection.Schema[models.WatchlistItem] {
	return collection.Schema[models.WatchlistItem]{
		Name:      WatchlistName,
		Namespace: WatchlistNamespace,
		OrderBy:   "added_at",
		Stamp: func(w *models.WatchlistItem, now time.Time) {
			w.AddedAt = models.FormatTime(now)
			if w.Status == "" {
				w.Status = models.StatusWantToWatch
			}
		},
		Touch: func(w *models.WatchlistItem, now time.Time) {
			w.UpdatedAt = models.FormatTime(now)
		},
	}
}

func watchlistSnapshot(w models.WatchlistItem) models.Snapshot { return w.Snapshot }

// Watchlist is the list of movies the user wants to watch or has
// watched.
type Watchlist struct {
	c *collection.Controller[models.WatchlistItem]
}

// NewWatchlist creates the watchlist collection.
func NewWatchlist(deps collection.Deps) *Watchlist {
	return &Watchlist{c: collection.New(watchlistSchema(), deps)}
}

// Controller exposes the underlying engine for lifecycle and status.
func (w *Watchlist) Controller() *collection.Controller[models.WatchlistItem] {
	return w.c
}

// Add stores m with status want_to_watch.
func (w *Watchlist) Add(m models.Movie) bool {
	return w.c.Add(models.WatchlistItem{
		Snapshot: models.NewSnapshot(m),
		Status:   models.StatusWantToWatch,
	})
}

// Remove deletes the entry with the given id. It returns false if absent.
func (w *Watchlist) Remove(id int64) bool {
	return w.c.Remove(id)
}

// Toggle adds m if absent, otherwise removes it. It reports whether m is
// on the watchlist afterwards.
func (w *Watchlist) Toggle(m models.Movie) bool {
	if w.c.Has(m.ID) {
		w.c.Remove(m.ID)
		return false
	}

	return w.Add(m)
}

// UpdateStatus changes the viewing status of an entry. It returns false
// for unknown ids and statuses.
func (w *Watchlist) UpdateStatus(id int64, status models.WatchStatus) bool {
	if !status.Valid() {
		return false
	}

	return w.c.Update(id, func(item *models.WatchlistItem) {
		item.Status = status
	})
}

// Has reports whether the movie is on the watchlist.
func (w *Watchlist) Has(id int64) bool {
	return w.c.Has(id)
}

// Get returns the watchlist entry with the given id.
func (w *Watchlist) Get(id int64) (models.WatchlistItem, bool) {
	return w.c.Get(id)
}

// Items returns a copy of the watchlist in list order.
func (w *Watchlist) Items() []models.WatchlistItem {
	return w.c.Items()
}

// Len returns the number of watchlist entries.
func (w *Watchlist) Len() int {
	return w.c.Len()
}

// Clear empties the watchlist, remotely too while synced.
func (w *Watchlist) Clear(ctx context.Context) error {
	return w.c.Clear(ctx)
}

// ByStatus returns the entries with the given status, in list order.
func (w *Watchlist) ByStatus(status models.WatchStatus) []models.WatchlistItem {
	return w.c.Filter(func(item models.WatchlistItem) bool {
		return item.Status == status
	})
}

// SortedByDate returns entries newest first.
func (w *Watchlist) SortedByDate() []models.WatchlistItem {
	return reconcile.SortByTimestamp(w.c.Items())
}

// SortedByRating returns entries by catalog vote average, highest first.
func (w *Watchlist) SortedByRating() []models.WatchlistItem {
	return w.c.Sorted(byVoteAverage(watchlistSnapshot))
}

// SortedByTitle returns entries in locale-aware title order.
func (w *Watchlist) SortedByTitle() []models.WatchlistItem {
	return w.c.Sorted(byTitle(watchlistSnapshot))
}

// Search matches query against title, overview and original title.
func (w *Watchlist) Search(query string) []models.WatchlistItem {
	return w.c.Search(query, func(item models.WatchlistItem) []string {
		return searchFields(item.Snapshot)
	})
}
