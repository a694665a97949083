package mcpserver

import (
	"context"
	"fmt"
	"slices"
	"strings"

	apperrors "github.com/alexjbarnes/reelsync/internal/errors"
	"github.com/alexjbarnes/reelsync/internal/library"
	"github.com/alexjbarnes/reelsync/internal/models"
)

// Entry is the tool-facing view of an item from any collection. Fields
// that do not apply to the item's collection are omitted.
type Entry struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	ReleaseDate string  `json:"release_date,omitempty"`
	VoteAverage float64 `json:"vote_average,omitempty"`
	AddedAt     string  `json:"added_at,omitempty"`
	Status      string  `json:"status,omitempty"`
	Score       int     `json:"score,omitempty"`
	Comment     string  `json:"comment,omitempty"`
	RatedAt     string  `json:"rated_at,omitempty"`
	UpdatedAt   string  `json:"updated_at,omitempty"`
	SyncedAt    string  `json:"synced_at,omitempty"`
}

func fromFavorite(f models.FavoriteItem) Entry {
	return Entry{
		ID:          f.ID,
		Title:       f.Title,
		ReleaseDate: f.ReleaseDate,
		VoteAverage: f.VoteAverage,
		AddedAt:     f.AddedAt,
		SyncedAt:    f.SyncedAt,
	}
}

func fromWatchlist(w models.WatchlistItem) Entry {
	return Entry{
		ID:          w.ID,
		Title:       w.Title,
		ReleaseDate: w.ReleaseDate,
		VoteAverage: w.VoteAverage,
		AddedAt:     w.AddedAt,
		Status:      string(w.Status),
		UpdatedAt:   w.UpdatedAt,
		SyncedAt:    w.SyncedAt,
	}
}

func fromRating(r models.RatingItem) Entry {
	return Entry{
		ID:          r.ID,
		Title:       r.Title,
		ReleaseDate: r.ReleaseDate,
		VoteAverage: r.VoteAverage,
		Score:       r.UserRating,
		Comment:     r.Comment,
		RatedAt:     r.RatedAt,
		UpdatedAt:   r.UpdatedAt,
		SyncedAt:    r.SyncedAt,
	}
}

func entries[T any](items []T, conv func(T) Entry) []Entry {
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		out = append(out, conv(it))
	}

	return out
}

// listQuery selects and orders the items of one collection.
type listQuery struct {
	sort   string
	status models.WatchStatus
	score  int
}

// view adapts one library collection to the generic tools.
type view struct {
	list   func(q listQuery) ([]Entry, error)
	search func(query string) []Entry
	remove func(id int64) bool
	clear  func(ctx context.Context) error
	len    func() int
}

func views(lib *library.Library) map[string]view {
	return map[string]view{
		library.FavoritesName: {
			list: func(q listQuery) ([]Entry, error) {
				if q.status != "" || q.score != 0 {
					return nil, fmt.Errorf("%w: favorites cannot be filtered by status or score", apperrors.ErrInvalidOperation)
				}

				switch q.sort {
				case "", "date":
					return entries(lib.Favorites.SortedByDate(), fromFavorite), nil
				case "rating":
					return entries(lib.Favorites.SortedByRating(), fromFavorite), nil
				case "title":
					return entries(lib.Favorites.SortedByTitle(), fromFavorite), nil
				}

				return nil, unknownSort(library.FavoritesName, q.sort)
			},
			search: func(query string) []Entry { return entries(lib.Favorites.Search(query), fromFavorite) },
			remove: lib.Favorites.Remove,
			clear:  lib.Favorites.Clear,
			len:    lib.Favorites.Len,
		},
		library.WatchlistName: {
			list: func(q listQuery) ([]Entry, error) {
				if q.score != 0 {
					return nil, fmt.Errorf("%w: the watchlist cannot be filtered by score", apperrors.ErrInvalidOperation)
				}

				var items []models.WatchlistItem

				switch q.sort {
				case "", "date":
					items = lib.Watchlist.SortedByDate()
				case "rating":
					items = lib.Watchlist.SortedByRating()
				case "title":
					items = lib.Watchlist.SortedByTitle()
				default:
					return nil, unknownSort(library.WatchlistName, q.sort)
				}

				if q.status != "" {
					if !q.status.Valid() {
						return nil, fmt.Errorf("%w: unknown status %q", apperrors.ErrInvalidOperation, q.status)
					}

					items = slices.DeleteFunc(items, func(it models.WatchlistItem) bool { return it.Status != q.status })
				}

				return entries(items, fromWatchlist), nil
			},
			search: func(query string) []Entry { return entries(lib.Watchlist.Search(query), fromWatchlist) },
			remove: lib.Watchlist.Remove,
			clear:  lib.Watchlist.Clear,
			len:    lib.Watchlist.Len,
		},
		library.RatingsName: {
			list: func(q listQuery) ([]Entry, error) {
				if q.status != "" {
					return nil, fmt.Errorf("%w: ratings cannot be filtered by status", apperrors.ErrInvalidOperation)
				}

				var items []models.RatingItem

				switch q.sort {
				case "", "date":
					items = lib.Ratings.SortedByDate(true)
				case "score":
					items = lib.Ratings.SortedByScore(true)
				case "title":
					items = lib.Ratings.SortedByTitle()
				default:
					return nil, unknownSort(library.RatingsName, q.sort)
				}

				if q.score != 0 {
					if !library.ValidScore(q.score) {
						return nil, fmt.Errorf("%w: score must be between %d and %d", apperrors.ErrInvalidOperation, models.MinRating, models.MaxRating)
					}

					items = slices.DeleteFunc(items, func(it models.RatingItem) bool { return it.UserRating != q.score })
				}

				return entries(items, fromRating), nil
			},
			search: func(query string) []Entry { return entries(lib.Ratings.Search(query), fromRating) },
			remove: lib.Ratings.Remove,
			clear:  lib.Ratings.Clear,
			len:    lib.Ratings.Len,
		},
	}
}

func unknownSort(collection, sort string) error {
	return fmt.Errorf("%w: %s cannot be sorted by %q", apperrors.ErrInvalidOperation, collection, sort)
}

// lookup resolves a collection name case-insensitively and returns its
// canonical form.
func lookup(views map[string]view, name string) (string, view, error) {
	key := strings.ToLower(strings.TrimSpace(name))

	v, ok := views[key]
	if !ok {
		return "", view{}, fmt.Errorf("%w: unknown collection %q, want favorites, watchlist or ratings", apperrors.ErrInvalidOperation, name)
	}

	return key, v, nil
}
