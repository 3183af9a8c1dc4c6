package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedCode(t *testing.T, s *SQLite, value string) (productID, batchID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	productID = uuid.NewString()
	require.NoError(t, s.CreateProduct(ctx, &Product{
		ID:             productID,
		ManufacturerID: "mfr-1",
		Name:           "Widget",
		Category:       "electronics",
		CreatedAt:      now,
	}))

	batchID = uuid.NewString()
	require.NoError(t, s.CreateBatch(ctx, &Batch{
		ID:             batchID,
		ProductID:      productID,
		BatchNumber:    "LOT-1",
		ProductionDate: now,
		ExpiryDate:     now.AddDate(2, 0, 0),
		CreatedAt:      now,
	}))

	require.NoError(t, s.InsertCode(ctx, &Code{
		ID:          uuid.NewString(),
		Value:       value,
		BatchID:     batchID,
		ArtifactRef: "qr/" + value + ".png",
		CreatedAt:   now,
	}))
	return productID, batchID
}

func seedDispute(t *testing.T, s *SQLite, status string) *Dispute {
	t.Helper()
	ctx := context.Background()

	payment := &Payment{
		ID:             uuid.NewString(),
		ManufacturerID: "mfr-1",
		Reference:      "INV-100",
		Amount:         10000,
	}
	require.NoError(t, s.SeedPayment(ctx, payment))

	d := &Dispute{
		ID:               uuid.NewString(),
		PaymentID:        payment.ID,
		ManufacturerID:   payment.ManufacturerID,
		PaymentReference: payment.Reference,
		PaymentAmount:    payment.Amount,
		Reason:           "overcharge",
		Description:      "charged twice for one batch",
		ClaimedAmount:    5000,
		Status:           status,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, s.InsertDispute(ctx, d))
	return d
}

func TestInsertCodeUniqueConstraint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, batchID := seedCode(t, s, "VS-ABCD-EFGH-JKMN")

	err := s.InsertCode(ctx, &Code{
		ID:          uuid.NewString(),
		Value:       "VS-ABCD-EFGH-JKMN",
		BatchID:     batchID,
		ArtifactRef: "qr/dup.png",
		CreatedAt:   time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestLookupCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	productID, _ := seedCode(t, s, "VS-ABCD-EFGH-JKMN")

	l, err := s.LookupCode(ctx, "VS-ABCD-EFGH-JKMN")
	require.NoError(t, err)
	assert.True(t, l.BatchExists)
	assert.True(t, l.ProductExists)
	assert.False(t, l.ProductWithdrawn)
	assert.False(t, l.Code.Used)

	_, err = s.LookupCode(ctx, "VS-ZZZZ-ZZZZ-ZZZZ")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.WithdrawProduct(ctx, productID))
	l, err = s.LookupCode(ctx, "VS-ABCD-EFGH-JKMN")
	require.NoError(t, err)
	assert.True(t, l.ProductWithdrawn)
}

func TestMarkCodeUsedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCode(t, s, "VS-ABCD-EFGH-JKMN")

	lat, lon := 48.8566, 2.3522
	won, err := s.MarkCodeUsed(ctx, "VS-ABCD-EFGH-JKMN", time.Now().UTC(), &lat, &lon)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.MarkCodeUsed(ctx, "VS-ABCD-EFGH-JKMN", time.Now().UTC(), nil, nil)
	require.NoError(t, err)
	assert.False(t, won, "second redemption must lose")

	l, err := s.LookupCode(ctx, "VS-ABCD-EFGH-JKMN")
	require.NoError(t, err)
	assert.True(t, l.Code.Used)
	require.NotNil(t, l.Code.RedeemedLat)
	assert.InDelta(t, lat, *l.Code.RedeemedLat, 1e-9, "loser must not overwrite redemption metadata")

	_, err = s.MarkCodeUsed(ctx, "VS-ZZZZ-ZZZZ-ZZZZ", time.Now().UTC(), nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkCodeUsedConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCode(t, s, "VS-ABCD-EFGH-JKMN")

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.MarkCodeUsed(ctx, "VS-ABCD-EFGH-JKMN", time.Now().UTC(), nil, nil)
			if err == nil && won {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for range wins {
		winners++
	}
	assert.Equal(t, 1, winners, "exactly one concurrent redemption may win")
}

func TestDeleteUnissuedCodeSparesRedeemed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCode(t, s, "VS-ABCD-EFGH-JKMN")

	won, err := s.MarkCodeUsed(ctx, "VS-ABCD-EFGH-JKMN", time.Now().UTC(), nil, nil)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, s.DeleteUnissuedCode(ctx, "VS-ABCD-EFGH-JKMN"))

	_, err = s.LookupCode(ctx, "VS-ABCD-EFGH-JKMN")
	assert.NoError(t, err, "redeemed code must survive rollback deletes")
}

func TestInsertDisputeUniquePerPayment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := seedDispute(t, s, "OPEN")

	err := s.InsertDispute(ctx, &Dispute{
		ID:               uuid.NewString(),
		PaymentID:        d.PaymentID,
		ManufacturerID:   d.ManufacturerID,
		PaymentReference: d.PaymentReference,
		PaymentAmount:    d.PaymentAmount,
		Reason:           "second attempt",
		Description:      "duplicate dispute",
		ClaimedAmount:    100,
		Status:           "OPEN",
		CreatedAt:        time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTransitionDisputeCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := seedDispute(t, s, "OPEN")

	investigator := "agent-7"
	won, err := s.TransitionDispute(ctx, DisputeTransition{
		DisputeID:  d.ID,
		FromStatus: "OPEN",
		ToStatus:   "UNDER_INVESTIGATION",
		ResolvedBy: &investigator,
	})
	require.NoError(t, err)
	assert.True(t, won)

	// Same guard again: the status moved, so the swap must fail.
	won, err = s.TransitionDispute(ctx, DisputeTransition{
		DisputeID:  d.ID,
		FromStatus: "OPEN",
		ToStatus:   "UNDER_INVESTIGATION",
	})
	require.NoError(t, err)
	assert.False(t, won)

	got, err := s.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "UNDER_INVESTIGATION", got.Status)
	assert.Equal(t, "agent-7", got.ResolvedBy)
}

func TestTransitionDisputePreservesUnsetFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := seedDispute(t, s, "UNDER_INVESTIGATION")

	amount := 2500.0
	now := time.Now().UTC()
	by := "agent-7"
	won, err := s.TransitionDispute(ctx, DisputeTransition{
		DisputeID:      d.ID,
		FromStatus:     "UNDER_INVESTIGATION",
		ToStatus:       "REFUNDED",
		ResolvedBy:     &by,
		RefundedAmount: &amount,
		ResolvedAt:     &now,
		RefundedAt:     &now,
	})
	require.NoError(t, err)
	require.True(t, won)

	got, err := s.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RefundedAmount)
	assert.Equal(t, 2500.0, *got.RefundedAmount)
	assert.NotNil(t, got.RefundedAt)

	// A losing swap with nil fields must leave everything intact.
	won, err = s.TransitionDispute(ctx, DisputeTransition{
		DisputeID:  d.ID,
		FromStatus: "UNDER_INVESTIGATION",
		ToStatus:   "REFUNDED",
	})
	require.NoError(t, err)
	assert.False(t, won)

	got, err = s.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2500.0, *got.RefundedAmount)
}

func TestVerificationLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	head, err := s.LastVerificationHash(ctx)
	require.NoError(t, err)
	assert.Empty(t, head, "empty log has no head")

	lat, lon := 40.7128, -74.006
	require.NoError(t, s.AppendVerification(ctx, &VerificationEvent{
		ID:        uuid.NewString(),
		CodeValue: "VS-ABCD-EFGH-JKMN",
		Verdict:   "GENUINE",
		Lat:       &lat,
		Lon:       &lon,
		PrevHash:  "0000",
		Hash:      "aaaa",
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.AppendVerification(ctx, &VerificationEvent{
		ID:        uuid.NewString(),
		CodeValue: "VS-ABCD-EFGH-JKMN",
		Verdict:   "CODE_ALREADY_USED",
		PrevHash:  "aaaa",
		Hash:      "bbbb",
		CreatedAt: time.Now().UTC(),
	}))

	head, err = s.LastVerificationHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bbbb", head)

	counts, err := s.VerdictCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["GENUINE"])
	assert.Equal(t, int64(1), counts["CODE_ALREADY_USED"])
}

func TestGetMissingRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetProduct(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetBatch(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetPayment(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetDispute(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	err = s.WithdrawProduct(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
