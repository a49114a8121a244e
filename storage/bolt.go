package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"clearhold/escrow"
)

var bucketEscrows = []byte("escrows")

// BoltStore persists escrow records as JSON in a bbolt bucket keyed by
// identifier. bbolt admits a single write transaction at a time, which gives
// the per-id read-modify-write serialization the engine requires; reads run
// in concurrent view transactions.
type BoltStore struct {
	db *bolt.DB
}

var _ escrow.Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the database file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open escrow db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEscrows)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init escrow bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error { return s.db.Close() }

func decodeEscrow(raw []byte) (*escrow.Escrow, error) {
	var rec escrow.Escrow
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode escrow record: %w", err)
	}
	return &rec, nil
}

// Create persists a new record. An existing identifier is rejected.
func (s *BoltStore) Create(ctx context.Context, e *escrow.Escrow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return fmt.Errorf("%w: %s", escrow.ErrValidation, err)
	}
	encoded, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("encode escrow record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEscrows)
		if bucket.Get([]byte(sanitized.ID)) != nil {
			return fmt.Errorf("%w: escrow %s already exists", escrow.ErrValidation, sanitized.ID)
		}
		return bucket.Put([]byte(sanitized.ID), encoded)
	})
}

// Get returns the record decoded from its stored JSON.
func (s *BoltStore) Get(ctx context.Context, id string) (*escrow.Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *escrow.Escrow
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEscrows).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: escrow %s", escrow.ErrNotFound, id)
		}
		decoded, err := decodeEscrow(raw)
		if err != nil {
			return err
		}
		rec = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns matching records ordered by creation time, identifier as the
// tie-break.
func (s *BoltStore) List(ctx context.Context, f escrow.Filter) ([]*escrow.Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*escrow.Escrow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEscrows).ForEach(func(_, raw []byte) error {
			rec, err := decodeEscrow(raw)
			if err != nil {
				return err
			}
			if f.Matches(rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Update runs fn against the current record inside a single write
// transaction: the read, the mutation and the write commit atomically, and a
// guard failure rolls the transaction back with the stored bytes untouched.
func (s *BoltStore) Update(ctx context.Context, id string, fn func(*escrow.Escrow) error) (*escrow.Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var updated *escrow.Escrow
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEscrows)
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: escrow %s", escrow.ErrNotFound, id)
		}
		rec, err := decodeEscrow(raw)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		sanitized, err := escrow.SanitizeEscrow(rec)
		if err != nil {
			return fmt.Errorf("%w: %s", escrow.ErrValidation, err)
		}
		encoded, err := json.Marshal(sanitized)
		if err != nil {
			return fmt.Errorf("encode escrow record: %w", err)
		}
		if err := bucket.Put([]byte(id), encoded); err != nil {
			return err
		}
		updated = sanitized
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
