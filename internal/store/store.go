package store

import (
	"context"
	"errors"
	"time"

	"fieldsync/internal/models"
)

// ErrNotFound is returned when an item id has no row.
var ErrNotFound = errors.New("queue item not found")

// StatusUpdate carries the mutable fields written back after an attempt or a
// user action. Pointer fields overwrite with NULL when nil.
type StatusUpdate struct {
	Status        string
	RetryCount    int
	LastAttemptAt *time.Time
	LastError     *string
	Conflict      bool
}

// Store is the durable item store. Implementations must survive process
// restart and serialize concurrent updates to a single item; ordering across
// items is the drain scheduler's concern, not the store's.
type Store interface {
	Insert(ctx context.Context, item models.QueueItem) error
	Get(ctx context.Context, id string) (models.QueueItem, error)
	// ListByStatus returns items with the given status in creation order.
	// An empty kind matches all kinds.
	ListByStatus(ctx context.Context, status, kind string) ([]models.QueueItem, error)
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) error
	Delete(ctx context.Context, id string) error
	Close()
}
