package audit

import (
	"context"
	"time"
)

// Query filters audit entries for the read-only compliance surface. Zero
// fields match everything.
type Query struct {
	EntityType EntityType
	EntityID   string
	Action     Action
	From       time.Time
	To         time.Time
}

// Store persists audit events. Append-only: no update or delete methods exist
// on purpose; ArchiveExpired flags entries past retention without removing them.
type Store interface {
	Append(ctx context.Context, event Event) error
	List(ctx context.Context, q Query) ([]Event, error)
	ArchiveExpired(ctx context.Context, before time.Time) (int, error)
}
