// Package models defines the catalog and collection item types shared
// across internal packages.
package models

import "time"

// TimeLayout is the ISO-8601 form every item timestamp is stored in:
// UTC with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses an item timestamp. Empty or malformed values yield
// the zero time so they sort after every real timestamp.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}

// Genre is a catalog genre as returned by movie detail lookups.
type Genre struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Movie is a catalog record as supplied by the movie catalog API. Search
// results carry GenreIDs; detail lookups carry Genres instead.
type Movie struct {
	ID               int64   `json:"id"`
	Title            string  `json:"title"`
	OriginalTitle    string  `json:"original_title"`
	Overview         string  `json:"overview"`
	PosterPath       string  `json:"poster_path"`
	BackdropPath     string  `json:"backdrop_path"`
	ReleaseDate      string  `json:"release_date"`
	VoteAverage      float64 `json:"vote_average"`
	VoteCount        int     `json:"vote_count"`
	GenreIDs         []int64 `json:"genre_ids,omitempty"`
	Genres           []Genre `json:"genres,omitempty"`
	Adult            bool    `json:"adult"`
	OriginalLanguage string  `json:"original_language"`
	Popularity       float64 `json:"popularity"`
	Video            bool    `json:"video"`
}

// Snapshot is the denormalised copy of a Movie frozen into a collection
// item when it is added. It is never refreshed from the catalog.
type Snapshot struct {
	ID               int64   `json:"id"`
	Title            string  `json:"title"`
	OriginalTitle    string  `json:"original_title"`
	Overview         string  `json:"overview"`
	PosterPath       string  `json:"poster_path"`
	BackdropPath     string  `json:"backdrop_path"`
	ReleaseDate      string  `json:"release_date"`
	VoteAverage      float64 `json:"vote_average"`
	VoteCount        int     `json:"vote_count"`
	GenreIDs         []int64 `json:"genre_ids"`
	Adult            bool    `json:"adult"`
	OriginalLanguage string  `json:"original_language"`
	Popularity       float64 `json:"popularity"`
	Video            bool    `json:"video"`
}

// NewSnapshot copies the display fields of m. Genre ids come from
// GenreIDs when present, otherwise from the ids of Genres.
func NewSnapshot(m Movie) Snapshot {
	genreIDs := make([]int64, 0, len(m.GenreIDs))

	switch {
	case len(m.GenreIDs) > 0:
		genreIDs = append(genreIDs, m.GenreIDs...)
	case len(m.Genres) > 0:
		for _, g := range m.Genres {
			genreIDs = append(genreIDs, g.ID)
		}
	}

	return Snapshot{
		ID:               m.ID,
		Title:            m.Title,
		OriginalTitle:    m.OriginalTitle,
		Overview:         m.Overview,
		PosterPath:       m.PosterPath,
		BackdropPath:     m.BackdropPath,
		ReleaseDate:      m.ReleaseDate,
		VoteAverage:      m.VoteAverage,
		VoteCount:        m.VoteCount,
		GenreIDs:         genreIDs,
		Adult:            m.Adult,
		OriginalLanguage: m.OriginalLanguage,
		Popularity:       m.Popularity,
		Video:            m.Video,
	}
}
