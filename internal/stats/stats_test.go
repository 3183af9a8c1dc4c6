package stats

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/veriseal/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedDispute(t *testing.T, st store.Store, status string, claimed float64, refunded *float64, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()

	payment := &store.Payment{
		ID:             uuid.NewString(),
		ManufacturerID: "mfr-1",
		Reference:      "INV-1",
		Amount:         claimed * 2,
	}
	require.NoError(t, st.SeedPayment(ctx, payment))

	d := &store.Dispute{
		ID:               uuid.NewString(),
		PaymentID:        payment.ID,
		ManufacturerID:   payment.ManufacturerID,
		PaymentReference: payment.Reference,
		PaymentAmount:    payment.Amount,
		Reason:           "overcharge",
		Description:      "test dispute",
		ClaimedAmount:    claimed,
		Status:           status,
		RefundedAmount:   refunded,
		CreatedAt:        createdAt,
	}
	require.NoError(t, st.InsertDispute(ctx, d))
}

func TestDisputesEmptyStore(t *testing.T) {
	agg := NewAggregator(newTestStore(t))

	report, err := agg.Disputes(context.Background(), 10)
	require.NoError(t, err)

	assert.Empty(t, report.CountsByStatus)
	assert.Zero(t, report.TotalDisputed)
	assert.Zero(t, report.TotalRefunded)
	assert.NotNil(t, report.Recent)
	assert.Empty(t, report.Recent)
}

func TestVerificationsEmptyStore(t *testing.T) {
	agg := NewAggregator(newTestStore(t))

	report, err := agg.Verifications(context.Background(), 10)
	require.NoError(t, err)

	assert.Empty(t, report.CountsByVerdict)
	assert.NotNil(t, report.TopClusters)
	assert.Empty(t, report.TopClusters)
}

func TestDisputesRollup(t *testing.T) {
	st := newTestStore(t)
	agg := NewAggregator(st)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	refund := 3000.0
	seedDispute(t, st, "OPEN", 1000, nil, base)
	seedDispute(t, st, "OPEN", 2000, nil, base.Add(time.Hour))
	seedDispute(t, st, "REFUNDED", 3000, &refund, base.Add(2*time.Hour))

	report, err := agg.Disputes(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, int64(2), report.CountsByStatus["OPEN"])
	assert.Equal(t, int64(1), report.CountsByStatus["REFUNDED"])
	assert.Equal(t, 6000.0, report.TotalDisputed)
	assert.Equal(t, 3000.0, report.TotalRefunded)

	require.Len(t, report.Recent, 2)
	assert.Equal(t, "REFUNDED", report.Recent[0].Status, "most recent first")
}

func TestVerificationsRollup(t *testing.T) {
	st := newTestStore(t)
	agg := NewAggregator(st)
	ctx := context.Background()

	lat, lon := 48.85, 2.35
	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendVerification(ctx, &store.VerificationEvent{
			ID:        uuid.NewString(),
			CodeValue: "VS-ABCD-EFGH-JKMN",
			Verdict:   "GENUINE",
			Lat:       &lat,
			Lon:       &lon,
			PrevHash:  "x",
			Hash:      uuid.NewString(),
			CreatedAt: time.Now().UTC(),
		}))
	}
	require.NoError(t, st.AppendVerification(ctx, &store.VerificationEvent{
		ID:        uuid.NewString(),
		CodeValue: "VS-ABCD-EFGH-JKMN",
		Verdict:   "INVALID",
		PrevHash:  "x",
		Hash:      uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}))

	report, err := agg.Verifications(ctx, 5)
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.CountsByVerdict["GENUINE"])
	assert.Equal(t, int64(1), report.CountsByVerdict["INVALID"])

	require.Len(t, report.TopClusters, 1, "geo-less events join no cluster")
	assert.Equal(t, int64(3), report.TopClusters[0].Count)
}
