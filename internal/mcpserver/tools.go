// Package mcpserver registers MCP tools that expose the user's movie
// collections. It adapts the library package to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	apperrors "github.com/alexjbarnes/reelsync/internal/errors"
	"github.com/alexjbarnes/reelsync/internal/library"
	"github.com/alexjbarnes/reelsync/internal/models"
)

// RegisterTools adds all collection tools to the given MCP server.
func RegisterTools(server *mcp.Server, lib *library.Library) {
	vs := views(lib)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "library_status",
		Description: "Show each collection (favorites, watchlist, ratings) with its item count and cloud sync state: loading, synced with the cloud, and the last sync error if any.",
	}, statusHandler(lib, vs))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "library_list",
		Description: "List the items of one collection. Sort by date (newest first, the default), rating (catalog vote average), title, or score (ratings only). The watchlist can be filtered by status and ratings by score.",
	}, listHandler(vs))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "library_search",
		Description: "Case-insensitive substring search over titles, original titles and overviews of one collection. Ratings also match the user's comment. An empty query returns everything.",
	}, searchHandler(vs))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "library_add",
		Description: "Add a movie to favorites or the watchlist. Fails if the movie is already in the collection. Use ratings_rate for ratings.",
	}, addHandler(lib))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "library_remove",
		Description: "Remove a movie from a collection by id. Fails if the movie is not in the collection.",
	}, removeHandler(vs))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "library_clear",
		Description: "Remove every item from a collection, locally and in the cloud. Cannot be undone.",
	}, clearHandler(vs))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "watchlist_set_status",
		Description: "Set the viewing status of a watchlist entry to want_to_watch or watched.",
	}, setStatusHandler(lib))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ratings_rate",
		Description: "Rate a movie from 1 to 5 with an optional comment. Rating an already rated movie replaces its score and comment.",
	}, rateHandler(lib))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ratings_stats",
		Description: "Summarise the user's ratings: count, average score and the number of ratings per score.",
	}, statsHandler(lib))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// ListInput holds parameters for library_list.
type ListInput struct {
	Collection string `json:"collection" jsonschema:"required,favorites, watchlist or ratings"`
	Sort       string `json:"sort,omitempty" jsonschema:"date (default), rating, title, or score for ratings"`
	Status     string `json:"status,omitempty" jsonschema:"watchlist only: want_to_watch or watched"`
	Score      int    `json:"score,omitempty" jsonschema:"ratings only: keep ratings with this score (1-5)"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum number of items, 0 means all"`
}

// SearchInput holds parameters for library_search.
type SearchInput struct {
	Collection string `json:"collection" jsonschema:"required,favorites, watchlist or ratings"`
	Query      string `json:"query" jsonschema:"required,search text"`
}

// MovieInput is the catalog record to snapshot into a collection.
type MovieInput struct {
	ID            int64   `json:"id" jsonschema:"required,catalog movie id"`
	Title         string  `json:"title" jsonschema:"required,display title"`
	OriginalTitle string  `json:"original_title,omitempty" jsonschema:"title in the original language"`
	Overview      string  `json:"overview,omitempty" jsonschema:"plot summary"`
	PosterPath    string  `json:"poster_path,omitempty" jsonschema:"catalog poster image path"`
	ReleaseDate   string  `json:"release_date,omitempty" jsonschema:"release date, YYYY-MM-DD"`
	VoteAverage   float64 `json:"vote_average,omitempty" jsonschema:"catalog vote average, 0-10"`
	GenreIDs      []int64 `json:"genre_ids,omitempty" jsonschema:"catalog genre ids"`
}

func (m MovieInput) movie() models.Movie {
	return models.Movie{
		ID:            m.ID,
		Title:         m.Title,
		OriginalTitle: m.OriginalTitle,
		Overview:      m.Overview,
		PosterPath:    m.PosterPath,
		ReleaseDate:   m.ReleaseDate,
		VoteAverage:   m.VoteAverage,
		GenreIDs:      m.GenreIDs,
	}
}

// AddInput holds parameters for library_add.
type AddInput struct {
	Collection string     `json:"collection" jsonschema:"required,favorites or watchlist"`
	Movie      MovieInput `json:"movie" jsonschema:"required,the movie to add"`
}

// RemoveInput holds parameters for library_remove.
type RemoveInput struct {
	Collection string `json:"collection" jsonschema:"required,favorites, watchlist or ratings"`
	ID         int64  `json:"id" jsonschema:"required,catalog movie id"`
}

// ClearInput holds parameters for library_clear.
type ClearInput struct {
	Collection string `json:"collection" jsonschema:"required,favorites, watchlist or ratings"`
}

// SetStatusInput holds parameters for watchlist_set_status.
type SetStatusInput struct {
	ID     int64  `json:"id" jsonschema:"required,catalog movie id"`
	Status string `json:"status" jsonschema:"required,want_to_watch or watched"`
}

// RateInput holds parameters for ratings_rate.
type RateInput struct {
	Movie   MovieInput `json:"movie" jsonschema:"required,the movie to rate"`
	Score   int        `json:"score" jsonschema:"required,score from 1 to 5"`
	Comment string     `json:"comment,omitempty" jsonschema:"free-text comment"`
}

// StatsInput has no parameters.
type StatsInput struct{}

// --- Result types ---

// CollectionStatus is one collection's entry in StatusResult.
type CollectionStatus struct {
	Name        string `json:"name"`
	Count       int    `json:"count"`
	Loading     bool   `json:"loading"`
	CloudSynced bool   `json:"cloud_synced"`
	Error       string `json:"error,omitempty"`
}

type StatusResult struct {
	Collections []CollectionStatus `json:"collections"`
}

type ListResult struct {
	Collection string  `json:"collection"`
	Total      int     `json:"total"`
	Items      []Entry `json:"items"`
}

type ItemResult struct {
	Collection string `json:"collection"`
	Item       Entry  `json:"item"`
}

type RemoveResult struct {
	Collection string `json:"collection"`
	ID         int64  `json:"id"`
	Remaining  int    `json:"remaining"`
}

type ClearResult struct {
	Collection string `json:"collection"`
	Removed    int    `json:"removed"`
}

// StatsResult keys the distribution by score as a string, "1" to "5".
type StatsResult struct {
	Count        int            `json:"count"`
	Average      float64        `json:"average"`
	Distribution map[string]int `json:"distribution"`
}

// --- Handlers ---

func statusHandler(lib *library.Library, vs map[string]view) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		status := lib.Status()

		result := &StatusResult{Collections: make([]CollectionStatus, 0, len(status))}
		for _, name := range []string{library.FavoritesName, library.WatchlistName, library.RatingsName} {
			st := status[name]

			cs := CollectionStatus{
				Name:        name,
				Count:       vs[name].len(),
				Loading:     st.Loading,
				CloudSynced: st.CloudSynced,
			}
			if st.Err != nil {
				cs.Error = st.Err.Error()
			}

			result.Collections = append(result.Collections, cs)
		}

		return textResult(result), result, nil
	}
}

func listHandler(vs map[string]view) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		name, v, err := lookup(vs, input.Collection)
		if err != nil {
			return nil, nil, err
		}

		if input.Limit < 0 {
			return nil, nil, fmt.Errorf("%w: limit must not be negative", apperrors.ErrInvalidOperation)
		}

		items, err := v.list(listQuery{
			sort:   input.Sort,
			status: models.WatchStatus(input.Status),
			score:  input.Score,
		})
		if err != nil {
			return nil, nil, err
		}

		result := &ListResult{Collection: name, Total: len(items), Items: items}
		if input.Limit > 0 && len(items) > input.Limit {
			result.Items = items[:input.Limit]
		}

		return textResult(result), result, nil
	}
}

func searchHandler(vs map[string]view) mcp.ToolHandlerFor[SearchInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *ListResult, error) {
		name, v, err := lookup(vs, input.Collection)
		if err != nil {
			return nil, nil, err
		}

		items := v.search(input.Query)
		result := &ListResult{Collection: name, Total: len(items), Items: items}

		return textResult(result), result, nil
	}
}

func addHandler(lib *library.Library) mcp.ToolHandlerFor[AddInput, *ItemResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input AddInput) (*mcp.CallToolResult, *ItemResult, error) {
		if input.Movie.ID <= 0 {
			return nil, nil, fmt.Errorf("%w: movie id must be positive", apperrors.ErrInvalidOperation)
		}

		result := &ItemResult{}

		switch name, _, err := lookup(views(lib), input.Collection); {
		case err != nil:
			return nil, nil, err

		case name == library.FavoritesName:
			if !lib.Favorites.Add(input.Movie.movie()) {
				return nil, nil, fmt.Errorf("%w: movie %d is already a favorite", apperrors.ErrInvalidOperation, input.Movie.ID)
			}

			item, _ := lib.Favorites.Get(input.Movie.ID)
			result.Collection, result.Item = name, fromFavorite(item)

		case name == library.WatchlistName:
			if !lib.Watchlist.Add(input.Movie.movie()) {
				return nil, nil, fmt.Errorf("%w: movie %d is already on the watchlist", apperrors.ErrInvalidOperation, input.Movie.ID)
			}

			item, _ := lib.Watchlist.Get(input.Movie.ID)
			result.Collection, result.Item = name, fromWatchlist(item)

		default:
			return nil, nil, fmt.Errorf("%w: use ratings_rate to add a rating", apperrors.ErrInvalidOperation)
		}

		return textResult(result), result, nil
	}
}

func removeHandler(vs map[string]view) mcp.ToolHandlerFor[RemoveInput, *RemoveResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input RemoveInput) (*mcp.CallToolResult, *RemoveResult, error) {
		name, v, err := lookup(vs, input.Collection)
		if err != nil {
			return nil, nil, err
		}

		if !v.remove(input.ID) {
			return nil, nil, fmt.Errorf("%w: movie %d is not in %s", apperrors.ErrInvalidOperation, input.ID, name)
		}

		result := &RemoveResult{Collection: name, ID: input.ID, Remaining: v.len()}

		return textResult(result), result, nil
	}
}

func clearHandler(vs map[string]view) mcp.ToolHandlerFor[ClearInput, *ClearResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ClearInput) (*mcp.CallToolResult, *ClearResult, error) {
		name, v, err := lookup(vs, input.Collection)
		if err != nil {
			return nil, nil, err
		}

		removed := v.len()
		if err := v.clear(ctx); err != nil {
			return nil, nil, fmt.Errorf("clearing %s: %w", name, err)
		}

		result := &ClearResult{Collection: name, Removed: removed}

		return textResult(result), result, nil
	}
}

func setStatusHandler(lib *library.Library) mcp.ToolHandlerFor[SetStatusInput, *ItemResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SetStatusInput) (*mcp.CallToolResult, *ItemResult, error) {
		status := models.WatchStatus(input.Status)
		if !status.Valid() {
			return nil, nil, fmt.Errorf("%w: unknown status %q, want want_to_watch or watched", apperrors.ErrInvalidOperation, input.Status)
		}

		if !lib.Watchlist.UpdateStatus(input.ID, status) {
			return nil, nil, fmt.Errorf("%w: movie %d is not on the watchlist", apperrors.ErrInvalidOperation, input.ID)
		}

		item, _ := lib.Watchlist.Get(input.ID)
		result := &ItemResult{Collection: library.WatchlistName, Item: fromWatchlist(item)}

		return textResult(result), result, nil
	}
}

func rateHandler(lib *library.Library) mcp.ToolHandlerFor[RateInput, *ItemResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input RateInput) (*mcp.CallToolResult, *ItemResult, error) {
		if input.Movie.ID <= 0 {
			return nil, nil, fmt.Errorf("%w: movie id must be positive", apperrors.ErrInvalidOperation)
		}

		if !library.ValidScore(input.Score) {
			return nil, nil, fmt.Errorf("%w: score must be between %d and %d", apperrors.ErrInvalidOperation, models.MinRating, models.MaxRating)
		}

		if !lib.Ratings.Rate(input.Movie.movie(), input.Score, input.Comment) {
			return nil, nil, fmt.Errorf("%w: could not rate movie %d", apperrors.ErrInvalidOperation, input.Movie.ID)
		}

		item, _ := lib.Ratings.Get(input.Movie.ID)
		result := &ItemResult{Collection: library.RatingsName, Item: fromRating(item)}

		return textResult(result), result, nil
	}
}

func statsHandler(lib *library.Library) mcp.ToolHandlerFor[StatsInput, *StatsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatsInput) (*mcp.CallToolResult, *StatsResult, error) {
		dist := lib.Ratings.Distribution()

		result := &StatsResult{
			Count:        lib.Ratings.Len(),
			Average:      lib.Ratings.Average(),
			Distribution: make(map[string]int, len(dist)),
		}
		for score, n := range dist {
			result.Distribution[strconv.Itoa(score)] = n
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
