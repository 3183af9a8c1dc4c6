// Package stats produces read-only rollups over disputes and the
// verification log for the reporting layer. Reads never lock the write
// paths and may trail in-flight writes.
package stats

import (
	"context"

	"github.com/example/veriseal/internal/store"
)

// DisputeReport is the dispute-side rollup.
type DisputeReport struct {
	CountsByStatus map[string]int64 `json:"counts_by_status"`
	TotalDisputed  float64          `json:"total_disputed"`
	TotalRefunded  float64          `json:"total_refunded"`
	Recent         []*store.Dispute `json:"recent"`
}

// VerificationReport is the verification-side rollup.
type VerificationReport struct {
	CountsByVerdict map[string]int64   `json:"counts_by_verdict"`
	TopClusters     []store.GeoCluster `json:"top_clusters"`
}

// Aggregator reads rollups from the store. Empty tables yield zeroed
// reports, not errors.
type Aggregator struct {
	store store.Store
}

// NewAggregator wires the aggregator.
func NewAggregator(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// Disputes returns status counts, money sums and the n most recent
// disputes.
func (a *Aggregator) Disputes(ctx context.Context, n int) (*DisputeReport, error) {
	counts, err := a.store.DisputeStatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	sums, err := a.store.DisputeAmountSums(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := a.store.RecentDisputes(ctx, n)
	if err != nil {
		return nil, err
	}
	if recent == nil {
		recent = []*store.Dispute{}
	}
	return &DisputeReport{
		CountsByStatus: counts,
		TotalDisputed:  sums.Disputed,
		TotalRefunded:  sums.Refunded,
		Recent:         recent,
	}, nil
}

// Verifications returns verdict counts and the top-n geographic
// clusters from the verification log.
func (a *Aggregator) Verifications(ctx context.Context, n int) (*VerificationReport, error) {
	counts, err := a.store.VerdictCounts(ctx)
	if err != nil {
		return nil, err
	}
	clusters, err := a.store.GeoClusters(ctx, n)
	if err != nil {
		return nil, err
	}
	if clusters == nil {
		clusters = []store.GeoCluster{}
	}
	return &VerificationReport{
		CountsByVerdict: counts,
		TopClusters:     clusters,
	}, nil
}
