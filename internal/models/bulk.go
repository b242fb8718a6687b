package models

import "time"

// BulkItemStatus classifies one item of a bulk response.
type BulkItemStatus int

const (
	BulkItemCreated BulkItemStatus = iota
	BulkItemDuplicate
	BulkItemErrored
)

func (s BulkItemStatus) String() string {
	switch s {
	case BulkItemCreated:
		return "created"
	case BulkItemDuplicate:
		return "duplicate"
	case BulkItemErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// BulkItemOutcome is the store's verdict for a single submitted document.
type BulkItemOutcome struct {
	DocumentID string
	Status     BulkItemStatus
	StatusCode int
	Reason     string // "type: reason" for errored items
}

// BulkResult is the per-item result of one bulk call, in input order.
type BulkResult struct {
	Items   []BulkItemOutcome
	Took    time.Duration // Reported by the store
	Elapsed time.Duration // Measured locally around the call
}

// Counts returns the number of created, duplicate and errored items.
func (r *BulkResult) Counts() (created, duplicates, errored int) {
	if r == nil {
		return 0, 0, 0
	}
	for _, item := range r.Items {
		switch item.Status {
		case BulkItemCreated:
			created++
		case BulkItemDuplicate:
			duplicates++
		case BulkItemErrored:
			errored++
		}
	}
	return created, duplicates, errored
}

// FirstError returns the reason of the first errored item, if any.
func (r *BulkResult) FirstError() string {
	if r == nil {
		return ""
	}
	for _, item := range r.Items {
		if item.Status == BulkItemErrored {
			return item.Reason
		}
	}
	return ""
}
