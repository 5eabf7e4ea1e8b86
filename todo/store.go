package todo

import (
	"context"
	"time"
)

// Store provides CRUD operations for todo records. Inputs are expected to be
// normalized by the caller.
type Store interface {
	Create(ctx context.Context, in CreateInput) (Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, error)
	Get(ctx context.Context, id int64) (Record, bool, error)
	Update(ctx context.Context, id int64, patch Patch) (Record, error)
	Delete(ctx context.Context, id int64) error
	Ping(ctx context.Context) error
	Close() error
}

func defaultNow() time.Time {
	return time.Now().UTC()
}
