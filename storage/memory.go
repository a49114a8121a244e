package storage

import (
	"context"
	"fmt"
	"sync"

	"clearhold/escrow"
)

// MemStore is an in-memory escrow store. Mutations are serialized per
// identifier with a dedicated mutex per id; reads copy under a shared read
// lock and never block behind writers on other ids.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*escrow.Escrow
	order   []string

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

var _ escrow.Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[string]*escrow.Escrow),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *MemStore) keyLock(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// Create persists a new record. An existing identifier is rejected.
func (s *MemStore) Create(ctx context.Context, e *escrow.Escrow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return fmt.Errorf("%w: %s", escrow.ErrValidation, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[sanitized.ID]; exists {
		return fmt.Errorf("%w: escrow %s already exists", escrow.ErrValidation, sanitized.ID)
	}
	s.records[sanitized.ID] = sanitized
	s.order = append(s.order, sanitized.ID)
	return nil
}

// Get returns a deep copy of the record.
func (s *MemStore) Get(ctx context.Context, id string) (*escrow.Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: escrow %s", escrow.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// List returns copies of matching records in creation order.
func (s *MemStore) List(ctx context.Context, f escrow.Filter) ([]*escrow.Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*escrow.Escrow, 0, len(s.order))
	for _, id := range s.order {
		rec := s.records[id]
		if f.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Update applies fn to a working copy of the record while holding the
// identifier's mutex, so concurrent mutations on the same escrow execute one
// at a time. When fn fails the stored record is left untouched.
func (s *MemStore) Update(ctx context.Context, id string, fn func(*escrow.Escrow) error) (*escrow.Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	_, exists := s.records[id]
	s.mu.RUnlock()
	if !exists {
		// Records are never deleted, so an absent id stays absent: bail
		// before allocating a lock that probing traffic would leak.
		return nil, fmt.Errorf("%w: escrow %s", escrow.ErrNotFound, id)
	}
	lock := s.keyLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	rec := s.records[id]
	s.mu.RUnlock()
	work := rec.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	sanitized, err := escrow.SanitizeEscrow(work)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", escrow.ErrValidation, err)
	}
	s.mu.Lock()
	s.records[id] = sanitized
	s.mu.Unlock()
	return sanitized.Clone(), nil
}
