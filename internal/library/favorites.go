package library

import (
	"context"
	"time"

	"github.com/alexjbarnes/reelsync/internal/collection"
	"github.com/alexjbarnes/reelsync/internal/models"
	"github.com/alexjbarnes/reelsync/internal/reconcile"
)

const (
	FavoritesName      = "favorites"
	FavoritesNamespace = "movie-search-favorites"
)

func favoritesSchema() collection.Schema[models.FavoriteItem] {
	return collection.Schema[models.FavoriteItem]{
		Name:      FavoritesName,
		Namespace: FavoritesNamespace,
		OrderBy:   "added_at",
		Stamp: func(f *models.FavoriteItem, now time.Time) {
			f.AddedAt = models.FormatTime(now)
		},
	}
}

func favoriteSnapshot(f models.FavoriteItem) models.Snapshot { return f.Snapshot }

// Favorites is the user's favorite movies.
type Favorites struct {
	c *collection.Controller[models.FavoriteItem]
}

// NewFavorites creates the favorites collection. Load it through
// Controller().Init or InitWithUser.
func NewFavorites(deps collection.Deps) *Favorites {
	return &Favorites{c: collection.New(favoritesSchema(), deps)}
}

// Controller exposes the underlying engine for lifecycle and status.
func (f *Favorites) Controller() *collection.Controller[models.FavoriteItem] {
	return f.c
}

// Add stores a snapshot of m. It returns false if m has no id or is
// already a favorite.
func (f *Favorites) Add(m models.Movie) bool {
	return f.c.Add(models.FavoriteItem{Snapshot: models.NewSnapshot(m)})
}

// Remove deletes the favorite with the given id. It returns false if absent.
func (f *Favorites) Remove(id int64) bool {
	return f.c.Remove(id)
}

// Toggle adds m if absent, otherwise removes it. It reports whether m is
// a favorite afterwards.
func (f *Favorites) Toggle(m models.Movie) bool {
	if f.c.Has(m.ID) {
		f.c.Remove(m.ID)
		return false
	}

	return f.Add(m)
}

// Has reports whether the movie is a favorite.
func (f *Favorites) Has(id int64) bool {
	return f.c.Has(id)
}

// Get returns the favorite with the given id.
func (f *Favorites) Get(id int64) (models.FavoriteItem, bool) {
	return f.c.Get(id)
}

// Items returns a copy of the favorites in list order.
func (f *Favorites) Items() []models.FavoriteItem {
	return f.c.Items()
}

// Len returns the number of favorites.
func (f *Favorites) Len() int {
	return f.c.Len()
}

// Clear removes every favorite, remotely too while synced.
func (f *Favorites) Clear(ctx context.Context) error {
	return f.c.Clear(ctx)
}

// SortedByDate returns favorites newest first.
func (f *Favorites) SortedByDate() []models.FavoriteItem {
	return reconcile.SortByTimestamp(f.c.Items())
}

// SortedByRating returns favorites by catalog vote average, highest first.
func (f *Favorites) SortedByRating() []models.FavoriteItem {
	return f.c.Sorted(byVoteAverage(favoriteSnapshot))
}

// SortedByTitle returns favorites in locale-aware title order.
func (f *Favorites) SortedByTitle() []models.FavoriteItem {
	return f.c.Sorted(byTitle(favoriteSnapshot))
}

// Search matches query against title, overview and original title.
func (f *Favorites) Search(query string) []models.FavoriteItem {
	return f.c.Search(query, func(item models.FavoriteItem) []string {
		return searchFields(item.Snapshot)
	})
}
