package collection

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Items returns a copy of the canonical list in its current order.
func (c *Controller[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.items)
}

// Get returns the item with the given id.
func (c *Controller[T]) Get(id int64) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexLocked(id); i >= 0 {
		return c.items[i], true
	}

	var zero T

	return zero, false
}

// Has reports whether an item with the given id is present.
func (c *Controller[T]) Has(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.indexLocked(id) >= 0
}

// Len returns the number of items.
func (c *Controller[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}

// Sorted returns a copy ordered by cmp. The sort is stable.
func (c *Controller[T]) Sorted(cmp func(a, b T) int) []T {
	items := c.Items()
	slices.SortStableFunc(items, cmp)

	return items
}

// Filter returns the items for which keep reports true.
func (c *Controller[T]) Filter(keep func(T) bool) []T {
	items := c.Items()

	return slices.DeleteFunc(items, func(item T) bool { return !keep(item) })
}

// Search returns the items where any of fields contains query, compared
// case-insensitively after Unicode normalisation. A blank query matches
// everything.
func (c *Controller[T]) Search(query string, fields func(T) []string) []T {
	items := c.Items()

	if strings.TrimSpace(query) == "" {
		return items
	}

	// Casers keep state and are not safe for concurrent use.
	fold := cases.Fold()
	needle := fold.String(norm.NFC.String(strings.TrimSpace(query)))

	return slices.DeleteFunc(items, func(item T) bool {
		for _, field := range fields(item) {
			if field == "" {
				continue
			}

			if strings.Contains(fold.String(norm.NFC.String(field)), needle) {
				return false
			}
		}

		return true
	})
}
