package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clearhold/escrow"
)

func newBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBoltStoreRoundTrip(t *testing.T) {
	store := newBoltStore(t)
	ctx := context.Background()

	rec := sampleEscrow("esc_bolt_1")
	fundedAt := rec.CreatedAt.Add(time.Hour)
	rec.Status = escrow.StatusFunded
	rec.FundingRef = "tx-fund"
	rec.FundedAt = &fundedAt
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, escrow.StatusFunded, got.Status)
	require.Equal(t, "tx-fund", got.FundingRef)
	require.NotNil(t, got.FundedAt)
	require.True(t, got.FundedAt.Equal(fundedAt))
	require.True(t, got.Amount.Equal(rec.Amount))
	require.Len(t, got.Conditions, 1)
	require.NotNil(t, got.Conditions[0].ReleasePercentage)
	require.Equal(t, "buyer", got.Parties[0].Role)
}

func TestBoltStoreCreateDuplicate(t *testing.T) {
	store := newBoltStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, sampleEscrow("esc_bolt_dup")))
	err := store.Create(ctx, sampleEscrow("esc_bolt_dup"))
	require.ErrorIs(t, err, escrow.ErrValidation)
}

func TestBoltStoreGetMissing(t *testing.T) {
	store := newBoltStore(t)
	_, err := store.Get(context.Background(), "esc_missing")
	require.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestBoltStoreUpdateRollsBackOnGuardFailure(t *testing.T) {
	store := newBoltStore(t)
	ctx := context.Background()
	rec := sampleEscrow("esc_bolt_guard")
	require.NoError(t, store.Create(ctx, rec))

	boom := fmt.Errorf("guard rejected")
	_, err := store.Update(ctx, rec.ID, func(e *escrow.Escrow) error {
		e.Status = escrow.StatusFunded
		e.FundingRef = "tx-should-not-persist"
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCreated, got.Status)
	require.Empty(t, got.FundingRef)
}

func TestBoltStoreUpdateCommits(t *testing.T) {
	store := newBoltStore(t)
	ctx := context.Background()
	rec := sampleEscrow("esc_bolt_commit")
	require.NoError(t, store.Create(ctx, rec))

	updated, err := store.Update(ctx, rec.ID, func(e *escrow.Escrow) error {
		e.Status = escrow.StatusFunded
		e.FundingRef = "tx-1"
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFunded, updated.Status)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFunded, got.Status)
	require.Equal(t, "tx-1", got.FundingRef)
}

func TestBoltStoreListSortsByCreation(t *testing.T) {
	store := newBoltStore(t)
	ctx := context.Background()

	older := sampleEscrow("esc_bolt_z")
	newer := sampleEscrow("esc_bolt_a")
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)
	newer.UpdatedAt = newer.CreatedAt
	require.NoError(t, store.Create(ctx, newer))
	require.NoError(t, store.Create(ctx, older))

	all, err := store.List(ctx, escrow.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, older.ID, all[0].ID)
	require.Equal(t, newer.ID, all[1].ID)

	byParty, err := store.List(ctx, escrow.Filter{PartyAddress: "addr-buyer"})
	require.NoError(t, err)
	require.Len(t, byParty, 2)
}

func TestBoltStoreConcurrentUpdatesLoseNothing(t *testing.T) {
	store := newBoltStore(t)
	ctx := context.Background()
	rec := sampleEscrow("esc_bolt_conc")
	require.NoError(t, store.Create(ctx, rec))

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Update(ctx, rec.ID, func(e *escrow.Escrow) error {
				e.Documents = append(e.Documents, escrow.Document{
					ID:         fmt.Sprintf("doc-%d", i),
					Name:       fmt.Sprintf("attachment-%d.pdf", i),
					UploadedAt: e.CreatedAt,
				})
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, got.Documents, workers)
}
