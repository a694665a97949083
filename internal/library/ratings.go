package library

import (
	"cmp"
	"context"
	"time"

	"github.com/alexjbarnes/reelsync/internal/collection"
	"github.com/alexjbarnes/reelsync/internal/models"
	"github.com/alexjbarnes/reelsync/internal/reconcile"
)

const (
	RatingsName      = "ratings"
	RatingsNamespace = "movie-search-ratings"
)

func ratingsSchema() collection.Schema[models.RatingItem] {
	return collection.Schema[models.RatingItem]{
		Name:      RatingsName,
		Namespace: RatingsNamespace,
		OrderBy:   "rated_at",
		Stamp: func(r *models.RatingItem, now time.Time) {
			ts := models.FormatTime(now)
			r.RatedAt = ts
			r.UpdatedAt = ts
		},
		Touch: func(r *models.RatingItem, now time.Time) {
			r.UpdatedAt = models.FormatTime(now)
		},
	}
}

func ratingSnapshot(r models.RatingItem) models.Snapshot { return r.Snapshot }

// ValidScore reports whether score is within the allowed rating range.
func ValidScore(score int) bool {
	return score >= models.MinRating && score <= models.MaxRating
}

// Ratings holds the user's own scores and comments.
type Ratings struct {
	c *collection.Controller[models.RatingItem]
}

// NewRatings creates the ratings collection.
func NewRatings(deps collection.Deps) *Ratings {
	return &Ratings{c: collection.New(ratingsSchema(), deps)}
}

// Controller exposes the underlying engine for lifecycle and status.
func (r *Ratings) Controller() *collection.Controller[models.RatingItem] {
	return r.c
}

// Rate adds a rating for m or replaces the score and comment of an
// existing one. The movie snapshot and rated_at of an existing rating are
// kept. It returns false for a movie without id or a score outside
// MinRating..MaxRating.
func (r *Ratings) Rate(m models.Movie, score int, comment string) bool {
	if m.ID == 0 || !ValidScore(score) {
		return false
	}

	if r.c.Update(m.ID, func(item *models.RatingItem) {
		item.UserRating = score
		item.Comment = comment
	}) {
		return true
	}

	return r.c.Add(models.RatingItem{
		Snapshot:   models.NewSnapshot(m),
		UserRating: score,
		Comment:    comment,
	})
}

// Remove deletes the rating for the given id. It returns false if absent.
func (r *Ratings) Remove(id int64) bool {
	return r.c.Remove(id)
}

// Has reports whether the movie has been rated.
func (r *Ratings) Has(id int64) bool {
	return r.c.Has(id)
}

// Get returns the rating for the given id.
func (r *Ratings) Get(id int64) (models.RatingItem, bool) {
	return r.c.Get(id)
}

// Score returns the user's score for id, or 0 when unrated.
func (r *Ratings) Score(id int64) int {
	item, ok := r.c.Get(id)
	if !ok {
		return 0
	}

	return item.UserRating
}

// Items returns a copy of the ratings in list order.
func (r *Ratings) Items() []models.RatingItem {
	return r.c.Items()
}

// Len returns the number of rated movies.
func (r *Ratings) Len() int {
	return r.c.Len()
}

// Clear removes every rating, remotely too while synced.
func (r *Ratings) Clear(ctx context.Context) error {
	return r.c.Clear(ctx)
}

// Average returns the mean score, or 0 with no ratings.
func (r *Ratings) Average() float64 {
	items := r.c.Items()
	if len(items) == 0 {
		return 0
	}

	sum := 0
	for _, item := range items {
		sum += item.UserRating
	}

	return float64(sum) / float64(len(items))
}

// Distribution counts ratings per score. Every score in range has a key;
// out-of-range scores are not counted.
func (r *Ratings) Distribution() map[int]int {
	dist := make(map[int]int, models.MaxRating)
	for s := models.MinRating; s <= models.MaxRating; s++ {
		dist[s] = 0
	}

	for _, item := range r.c.Items() {
		if ValidScore(item.UserRating) {
			dist[item.UserRating]++
		}
	}

	return dist
}

// ByScore returns the ratings with exactly the given score.
func (r *Ratings) ByScore(score int) []models.RatingItem {
	return r.c.Filter(func(item models.RatingItem) bool {
		return item.UserRating == score
	})
}

// SortedByScore orders ratings by score, highest first when desc.
func (r *Ratings) SortedByScore(desc bool) []models.RatingItem {
	return r.c.Sorted(func(a, b models.RatingItem) int {
		if desc {
			return cmp.Compare(b.UserRating, a.UserRating)
		}

		return cmp.Compare(a.UserRating, b.UserRating)
	})
}

// SortedByDate orders ratings by rated_at, newest first when desc.
func (r *Ratings) SortedByDate(desc bool) []models.RatingItem {
	if desc {
		return reconcile.SortByTimestamp(r.c.Items())
	}

	return r.c.Sorted(func(a, b models.RatingItem) int {
		return a.Timestamp().Compare(b.Timestamp())
	})
}

// SortedByTitle returns ratings in locale-aware title order.
func (r *Ratings) SortedByTitle() []models.RatingItem {
	return r.c.Sorted(byTitle(ratingSnapshot))
}

// Search matches query against title, overview and the user's comment.
func (r *Ratings) Search(query string) []models.RatingItem {
	return r.c.Search(query, func(item models.RatingItem) []string {
		return []string{item.Title, item.Overview, item.Comment}
	})
}
