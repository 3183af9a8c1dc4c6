// Package store defines the persistence layer for products, batches,
// verification codes, disputes and the append-only verification log.
// Components receive a Store handle by injection; there is no package
// level client. Uniqueness and conditional updates are enforced by the
// backing database, not by application-level locking, so multiple
// service instances can share one store safely.
package store

import (
	"context"
	"time"
)

// Product is a manufacturer's registered product. The owner is immutable
// after creation; a withdrawn product invalidates verification of all
// codes under it.
type Product struct {
	ID             string    `json:"id"`
	ManufacturerID string    `json:"manufacturer_id"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	Withdrawn      bool      `json:"withdrawn"`
	CreatedAt      time.Time `json:"created_at"`
}

// Batch is a manufacturing run of a product under which codes are issued.
type Batch struct {
	ID             string    `json:"id"`
	ProductID      string    `json:"product_id"`
	BatchNumber    string    `json:"batch_number"`
	ProductionDate time.Time `json:"production_date"`
	ExpiryDate     time.Time `json:"expiry_date"`
	CreatedAt      time.Time `json:"created_at"`
}

// Code is a single-use redemption token. The value is globally unique
// (UNIQUE constraint) and the used flag only ever moves false -> true,
// through MarkCodeUsed. Codes are permanent audit artifacts; they are
// never deleted once issued.
type Code struct {
	ID          string     `json:"id"`
	Value       string     `json:"value"`
	BatchID     string     `json:"batch_id"`
	ArtifactRef string     `json:"artifact_ref"`
	Used        bool       `json:"used"`
	RedeemedAt  *time.Time `json:"redeemed_at,omitempty"`
	RedeemedLat *float64   `json:"redeemed_lat,omitempty"`
	RedeemedLon *float64   `json:"redeemed_lon,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CodeLookup is the joined view the classifier needs: the code itself
// plus the health of its batch and product references.
type CodeLookup struct {
	Code             Code
	BatchExists      bool
	ProductExists    bool
	ProductWithdrawn bool
}

// CodeFilter narrows ListCodes. A zero filter lists everything.
type CodeFilter struct {
	BatchID string
	Limit   int
}

// Payment is owned by the billing collaborator. The engine only reads it
// to seed a dispute; it is never mutated here.
type Payment struct {
	ID             string  `json:"id"`
	ManufacturerID string  `json:"manufacturer_id"`
	Reference      string  `json:"reference"`
	Amount         float64 `json:"amount"`
}

// Dispute is a manufacturer's challenge against one payment. The payment
// reference and amount are snapshotted at creation so later payment
// mutation cannot alter the dispute evidence. At most one dispute exists
// per payment (UNIQUE constraint on payment_id).
type Dispute struct {
	ID               string     `json:"id"`
	PaymentID        string     `json:"payment_id"`
	ManufacturerID   string     `json:"manufacturer_id"`
	PaymentReference string     `json:"payment_reference"`
	PaymentAmount    float64    `json:"payment_amount"`
	Reason           string     `json:"reason"`
	Description      string     `json:"description"`
	ClaimedAmount    float64    `json:"claimed_amount"`
	Status           string     `json:"status"`
	ResolutionNotes  string     `json:"resolution_notes,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`
	RefundedAmount   *float64   `json:"refunded_amount,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	RefundedAt       *time.Time `json:"refunded_at,omitempty"`
}

// DisputeTransition is a compare-and-swap request: the status row is
// updated only while it still equals FromStatus. Optional fields are set
// when non-nil and left untouched otherwise.
type DisputeTransition struct {
	DisputeID       string
	FromStatus      string
	ToStatus        string
	ResolutionNotes *string
	ResolvedBy      *string
	RefundedAmount  *float64
	ResolvedAt      *time.Time
	RefundedAt      *time.Time
}

// VerificationEvent is one append-only log entry per classification
// call, hash-chained to its predecessor.
type VerificationEvent struct {
	ID        string    `json:"id"`
	CodeValue string    `json:"code_value"`
	Verdict   string    `json:"verdict"`
	Lat       *float64  `json:"lat,omitempty"`
	Lon       *float64  `json:"lon,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// AmountSums carries the dispute money rollup.
type AmountSums struct {
	Disputed float64 `json:"disputed"`
	Refunded float64 `json:"refunded"`
}

// GeoCluster is a rounded-coordinate bucket of verification events.
type GeoCluster struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Count int64   `json:"count"`
}

// Store is the injected persistence handle shared by all components.
//
// InsertCode and InsertDispute return ErrConflict on a uniqueness
// violation. MarkCodeUsed and TransitionDispute are conditional updates:
// they report false, without error, when the guard no longer holds, so
// exactly one of any number of concurrent callers wins.
type Store interface {
	Migrate(ctx context.Context) error

	CreateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)
	WithdrawProduct(ctx context.Context, id string) error
	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id string) (*Batch, error)

	InsertCode(ctx context.Context, c *Code) error
	DeleteUnissuedCode(ctx context.Context, value string) error
	LookupCode(ctx context.Context, value string) (*CodeLookup, error)
	MarkCodeUsed(ctx context.Context, value string, at time.Time, lat, lon *float64) (bool, error)
	ListCodes(ctx context.Context, f CodeFilter) ([]*Code, error)

	SeedPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)

	InsertDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	TransitionDispute(ctx context.Context, t DisputeTransition) (bool, error)

	AppendVerification(ctx context.Context, e *VerificationEvent) error
	LastVerificationHash(ctx context.Context) (string, error)

	DisputeStatusCounts(ctx context.Context) (map[string]int64, error)
	DisputeAmountSums(ctx context.Context) (AmountSums, error)
	RecentDisputes(ctx context.Context, n int) ([]*Dispute, error)
	VerdictCounts(ctx context.Context) (map[string]int64, error)
	GeoClusters(ctx context.Context, n int) ([]GeoCluster, error)
}
