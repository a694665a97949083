package library

import (
	"cmp"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/alexjbarnes/reelsync/internal/models"
)

// searchFields are the snapshot fields every collection searches.
func searchFields(s models.Snapshot) []string {
	return []string{s.Title, s.Overview, s.OriginalTitle}
}

// byTitle returns a comparison ordering snapshots by title using
// language-neutral collation. Collators are not safe for concurrent use,
// so each sort builds its own.
func byTitle[T any](snapshot func(T) models.Snapshot) func(a, b T) int {
	col := collate.New(language.Und)

	return func(a, b T) int {
		return col.CompareString(snapshot(a).Title, snapshot(b).Title)
	}
}

// byVoteAverage orders by the catalog vote average, highest first.
func byVoteAverage[T any](snapshot func(T) models.Snapshot) func(a, b T) int {
	return func(a, b T) int {
		return cmp.Compare(snapshot(b).VoteAverage, snapshot(a).VoteAverage)
	}
}
