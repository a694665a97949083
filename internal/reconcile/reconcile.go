// Package reconcile merges a local collection list with its remote copy.
//
// The policy is last-writer-wins toward remote: when both sides hold an
// item with the same id, the remote version is kept. Items only present
// locally survive the merge and are reported by DiffLocalOnly so the
// caller can push them. All functions are pure; none perform I/O.
package reconcile

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffCleanupThreshold is the minimum number of diffs before running
// the semantic and efficiency cleanup passes.
const diffCleanupThreshold = 2

// syncedAtField is stamped by the remote store on every write, so it
// is ignored when deciding whether two copies of an item differ.
const syncedAtField = "synced_at"

// Item is anything stored in a collection: unique by id, ordered by a
// creation timestamp.
type Item interface {
	ItemID() int64
	Timestamp() time.Time
}

// Merge combines local and remote into one list ordered by timestamp,
// newest first. Remote items are inserted first and win on id
// collisions; local items are added only when their id is not already
// present. Ties keep insertion order (remote before local).
func Merge[T Item](local, remote []T) []T {
	index := make(map[int64]int, len(local)+len(remote))
	merged := make([]T, 0, len(local)+len(remote))

	for _, item := range remote {
		if i, ok := index[item.ItemID()]; ok {
			merged[i] = item
			continue
		}

		index[item.ItemID()] = len(merged)
		merged = append(merged, item)
	}

	for _, item := range local {
		if _, ok := index[item.ItemID()]; ok {
			continue
		}

		index[item.ItemID()] = len(merged)
		merged = append(merged, item)
	}

	return SortByTimestamp(merged)
}

// SortByTimestamp stable-sorts items newest first in place and returns
// the slice. Items with unparsable timestamps sort last.
func SortByTimestamp[T Item](items []T) []T {
	type keyed struct {
		item T
		ts   time.Time
	}

	tmp := make([]keyed, len(items))
	for i, item := range items {
		tmp[i] = keyed{item: item, ts: item.Timestamp()}
	}

	slices.SortStableFunc(tmp, func(a, b keyed) int {
		return b.ts.Compare(a.ts)
	})

	for i := range tmp {
		items[i] = tmp[i].item
	}

	return items
}

// DiffLocalOnly returns the items of local whose id is absent from
// remote, in local order.
func DiffLocalOnly[T Item](local, remote []T) []T {
	seen := make(map[int64]struct{}, len(remote))
	for _, item := range remote {
		seen[item.ItemID()] = struct{}{}
	}

	var out []T

	for _, item := range local {
		if _, ok := seen[item.ItemID()]; !ok {
			out = append(out, item)
		}
	}

	return out
}

// Dedupe keeps the first occurrence of every id.
func Dedupe[T Item](items []T) []T {
	seen := make(map[int64]struct{}, len(items))
	out := make([]T, 0, len(items))

	for _, item := range items {
		if _, ok := seen[item.ItemID()]; ok {
			continue
		}

		seen[item.ItemID()] = struct{}{}
		out = append(out, item)
	}

	return out
}

// Conflict is an id held on both sides with different content. Merge
// keeps Remote; Patch describes how Local would have to change to
// become Remote.
type Conflict[T Item] struct {
	ID     int64
	Local  T
	Remote T
	Patch  string
}

// Conflicts lists the ids present in both lists whose content differs,
// ignoring synced_at. These are the local edits Merge discards.
func Conflicts[T Item](local, remote []T) []Conflict[T] {
	byID := make(map[int64]T, len(remote))
	for _, item := range remote {
		byID[item.ItemID()] = item
	}

	var out []Conflict[T]

	for _, l := range local {
		r, ok := byID[l.ItemID()]
		if !ok {
			continue
		}

		lText, lErr := canonical(l)
		rText, rErr := canonical(r)

		if lErr != nil || rErr != nil || lText == rText {
			continue
		}

		out = append(out, Conflict[T]{
			ID:     l.ItemID(),
			Local:  l,
			Remote: r,
			Patch:  patchText(lText, rText),
		})
	}

	return out
}

// canonical renders an item as indented JSON with sorted keys and
// without synced_at, one field per line so diffs stay readable.
func canonical(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", err
	}

	delete(fields, syncedAtField)

	out, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return "", err
	}

	return string(out), nil
}

func patchText(from, to string) string {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(from, to, true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}

	return dmp.PatchToText(dmp.PatchMake(from, diffs))
}
