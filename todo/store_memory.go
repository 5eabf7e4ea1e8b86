package todo

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and throwaway servers.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[int64]Record
	nextID int64
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store. A nil clock uses UTC wall time.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = defaultNow
	}
	return &MemoryStore{
		items:  make(map[int64]Record),
		nextID: 1,
		now:    now,
	}
}

// Create assigns the next id and stores the record.
func (s *MemoryStore) Create(ctx context.Context, in CreateInput) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UTC()
	rec := Record{
		ID:          s.nextID,
		Title:       in.Title,
		Description: cloneString(in.Description),
		Completed:   in.Completed,
		Favorite:    in.Favorite,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	s.items[rec.ID] = rec
	s.nextID++
	return cloneRecord(rec), nil
}

// List returns records in id order.
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.items))
	for id, rec := range s.items {
		if filter.Completed != nil && rec.Completed != *filter.Completed {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Record, 0, len(ids))
	for i, id := range ids {
		if i < filter.Skip {
			continue
		}
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		out = append(out, cloneRecord(s.items[id]))
	}
	return out, nil
}

// Get returns one record by id.
func (s *MemoryStore) Get(ctx context.Context, id int64) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

// Update applies a patch to an existing record.
func (s *MemoryStore) Update(ctx context.Context, id int64, patch Patch) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec = patch.Apply(rec, s.now())
	s.items[id] = rec
	return cloneRecord(rec), nil
}

// Delete removes one record by id.
func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneRecord(rec Record) Record {
	rec.Description = cloneString(rec.Description)
	return rec
}

func cloneString(in *string) *string {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}
