package models

import "time"

// WatchStatus is the viewing state of a watchlist entry.
type WatchStatus string

const (
	StatusWantToWatch WatchStatus = "want_to_watch"
	StatusWatched     WatchStatus = "watched"
)

// Valid reports whether s is one of the known statuses.
func (s WatchStatus) Valid() bool {
	return s == StatusWantToWatch || s == StatusWatched
}

// Rating bounds for RatingItem.UserRating.
const (
	MinRating = 1
	MaxRating = 5
)

// FavoriteItem is a movie the user marked as a favorite.
type FavoriteItem struct {
	Snapshot
	AddedAt  string `json:"added_at"`
	SyncedAt string `json:"synced_at,omitempty"`
}

func (f FavoriteItem) ItemID() int64        { return f.ID }
func (f FavoriteItem) Timestamp() time.Time { return ParseTime(f.AddedAt) }

// WatchlistItem is a movie the user intends to watch or has watched.
type WatchlistItem struct {
	Snapshot
	AddedAt   string      `json:"added_at"`
	Status    WatchStatus `json:"status"`
	UpdatedAt string      `json:"updated_at,omitempty"`
	SyncedAt  string      `json:"synced_at,omitempty"`
}

func (w WatchlistItem) ItemID() int64        { return w.ID }
func (w WatchlistItem) Timestamp() time.Time { return ParseTime(w.AddedAt) }

// RatingItem is the user's own score and comment for a movie.
type RatingItem struct {
	Snapshot
	UserRating int    `json:"userRating"`
	Comment    string `json:"comment"`
	RatedAt    string `json:"rated_at"`
	UpdatedAt  string `json:"updated_at,omitempty"`
	SyncedAt   string `json:"synced_at,omitempty"`
}

func (r RatingItem) ItemID() int64        { return r.ID }
func (r RatingItem) Timestamp() time.Time { return ParseTime(r.RatedAt) }
