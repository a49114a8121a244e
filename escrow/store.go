package escrow

import "context"

// Filter narrows List results. Zero-valued fields match everything.
type Filter struct {
	Kind         Kind
	Status       Status
	PartyAddress string
}

// Matches reports whether the escrow satisfies every set filter field.
func (f Filter) Matches(e *Escrow) bool {
	if e == nil {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.PartyAddress != "" {
		found := false
		for i := range e.Parties {
			if e.Parties[i].Address == f.PartyAddress {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store is the persistence contract for escrow records. Implementations must
// serialize mutations per identifier: Update runs fn against the current
// record under an exclusive per-id hold and persists the result only when fn
// returns nil, so a guard failure leaves the stored record untouched.
// Operations on distinct identifiers are independent and may run in
// parallel. Get and List return deep copies and never block behind writers
// on other ids.
type Store interface {
	// Create persists a new record. An existing id is a validation failure.
	Create(ctx context.Context, e *Escrow) error
	// Get returns a copy of the record or an error wrapping ErrNotFound.
	Get(ctx context.Context, id string) (*Escrow, error)
	// List returns copies of every record matching the filter, ordered by
	// creation time.
	List(ctx context.Context, f Filter) ([]*Escrow, error)
	// Update applies fn to the current record atomically and returns a copy
	// of the persisted result.
	Update(ctx context.Context, id string, fn func(*Escrow) error) (*Escrow, error)
}
