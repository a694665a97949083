package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/reelsync/internal/library"
	"github.com/alexjbarnes/reelsync/internal/models"
)

// exportDoc is the document written by `reelsync export`.
type exportDoc struct {
	Favorites []models.FavoriteItem  `json:"favorites"`
	Watchlist []models.WatchlistItem `json:"watchlist"`
	Ratings   []models.RatingItem    `json:"ratings"`
}

func writeExport(w io.Writer, lib *library.Library, format string) error {
	doc := exportDoc{
		Favorites: lib.Favorites.Items(),
		Watchlist: lib.Watchlist.Items(),
		Ratings:   lib.Ratings.Items(),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}

	switch format {
	case "json":
		data = append(data, '\n')

	case "yaml":
		// Items embed their movie snapshot; going through JSON keeps the
		// wire field names and flattens the embedding.
		var generic map[string]any
		if err := json.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("encoding export: %w", err)
		}

		if data, err = yaml.Marshal(generic); err != nil {
			return fmt.Errorf("encoding export as yaml: %w", err)
		}

	default:
		return fmt.Errorf("unknown export format %q (yaml, json)", format)
	}

	_, err = w.Write(data)

	return err
}
