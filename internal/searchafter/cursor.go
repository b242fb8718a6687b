package searchafter

import (
	"errors"

	"github.com/telhawk-systems/telhawk-detect/internal/models"
)

var (
	// ErrUnusableCursor is returned when a page has hits but its last hit
	// carries no sort key, so the next page cannot be requested.
	ErrUnusableCursor = errors.New("last hit of page has no sort key")

	errEmptyPage = errors.New("cursor cannot advance from an empty page")
)

// Cursor tracks the sort key of the last hit seen. The zero value is unset.
type Cursor struct {
	after []interface{}
}

// IsSet reports whether the cursor has been advanced at least once.
func (c *Cursor) IsSet() bool {
	return len(c.after) > 0
}

// SearchAfter returns the value to send as search_after, nil when unset.
func (c *Cursor) SearchAfter() []interface{} {
	if !c.IsSet() {
		return nil
	}
	out := make([]interface{}, len(c.after))
	copy(out, c.after)
	return out
}

// Advance moves the cursor to the sort key of page's last hit. The cursor is
// left untouched on error.
func (c *Cursor) Advance(page *models.SearchResultPage) error {
	if page == nil || len(page.Hits) == 0 {
		return errEmptyPage
	}
	last := page.LastSort()
	if len(last) == 0 {
		return ErrUnusableCursor
	}
	c.after = last
	return nil
}
