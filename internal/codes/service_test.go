package codes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/veriseal/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store, string) {
	t.Helper()

	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	root := t.TempDir()
	svc := NewService(st, NewGenerator(), NewQRBinder(root), nil)
	return svc, st, root
}

func seedBatch(t *testing.T, svc *Service) *store.Batch {
	t.Helper()
	ctx := context.Background()

	product, err := svc.CreateProduct(ctx, CreateProductRequest{
		ManufacturerID: "mfr-1",
		Name:           "Sealed Widget",
		Category:       "electronics",
	})
	require.NoError(t, err)

	batch, err := svc.CreateBatch(ctx, CreateBatchRequest{
		ProductID:      product.ID,
		BatchNumber:    "LOT-2026-001",
		ProductionDate: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		ExpiryDate:     time.Date(2028, 1, 10, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return batch
}

func TestCreateProductValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateProduct(ctx, CreateProductRequest{Name: "no manufacturer"})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = svc.CreateProduct(ctx, CreateProductRequest{ManufacturerID: "mfr-1"})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestCreateBatchValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	product, err := svc.CreateProduct(ctx, CreateProductRequest{ManufacturerID: "mfr-1", Name: "Widget"})
	require.NoError(t, err)

	_, err = svc.CreateBatch(ctx, CreateBatchRequest{
		ProductID:      product.ID,
		BatchNumber:    "LOT-1",
		ProductionDate: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		ExpiryDate:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, store.ErrValidation, "expiry before production")

	_, err = svc.CreateBatch(ctx, CreateBatchRequest{
		ProductID:   "no-such-product",
		BatchNumber: "LOT-2",
		ExpiryDate:  time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIssueCodes(t *testing.T) {
	svc, st, root := newTestService(t)
	ctx := context.Background()
	batch := seedBatch(t, svc)

	issued, err := svc.IssueCodes(ctx, batch.ID, 50)
	require.NoError(t, err)
	require.Len(t, issued, 50)

	seen := make(map[string]struct{}, len(issued))
	for _, c := range issued {
		_, dup := seen[c.Value]
		require.False(t, dup, "duplicate issued value %s", c.Value)
		seen[c.Value] = struct{}{}

		assert.True(t, WellFormed(c.Value))
		assert.False(t, c.Used)

		_, err := os.Stat(filepath.Join(root, c.ArtifactRef))
		assert.NoError(t, err, "artifact for %s must exist", c.Value)
	}

	stored, err := st.ListCodes(ctx, store.CodeFilter{BatchID: batch.ID})
	require.NoError(t, err)
	assert.Len(t, stored, 50)
}

func TestIssueCodesValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	batch := seedBatch(t, svc)

	_, err := svc.IssueCodes(ctx, batch.ID, 0)
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = svc.IssueCodes(ctx, "no-such-batch", 5)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIssueCodesRollsBackOnArtifactFailure(t *testing.T) {
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	// A regular file where the artifact directory should be makes every
	// bind fail after the code row is inserted.
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "qr"), []byte("in the way"), 0o644))

	svc := NewService(st, NewGenerator(), NewQRBinder(root), nil)
	batch := seedBatch(t, svc)

	_, err = svc.IssueCodes(ctx, batch.ID, 3)
	require.Error(t, err)
	assert.False(t, errors.Is(err, store.ErrConflict))

	stored, err := st.ListCodes(ctx, store.CodeFilter{BatchID: batch.ID})
	require.NoError(t, err)
	assert.Empty(t, stored, "failed issuance must leave no code behind")
}

func TestRebindArtifacts(t *testing.T) {
	svc, _, root := newTestService(t)
	ctx := context.Background()
	batch := seedBatch(t, svc)

	issued, err := svc.IssueCodes(ctx, batch.ID, 5)
	require.NoError(t, err)

	// Simulate artifact storage loss.
	require.NoError(t, os.RemoveAll(filepath.Join(root, "qr")))

	n, err := svc.RebindArtifacts(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for _, c := range issued {
		_, err := os.Stat(filepath.Join(root, c.ArtifactRef))
		assert.NoError(t, err)
	}
}
