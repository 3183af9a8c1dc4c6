package disputes

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/veriseal/internal/store"
)

// Service executes dispute operations against the injected store. Every
// status change is a store-level compare-and-swap on the current status,
// so concurrent back-office actions cannot both succeed.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService wires the dispute service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// CreateRequest opens a dispute against one payment.
type CreateRequest struct {
	PaymentID      string  `json:"payment_id"`
	ManufacturerID string  `json:"manufacturer_id"`
	Reason         string  `json:"reason"`
	Description    string  `json:"description"`
	ClaimedAmount  float64 `json:"claimed_amount"`
}

// Create opens a dispute in OPEN. The payment's reference and amount are
// snapshotted so later payment mutation cannot alter the evidence; the
// store's unique constraint rejects a second dispute for the same
// payment no matter what the request carries.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Dispute, error) {
	if req.Reason == "" {
		return nil, &store.ValidationError{Field: "reason", Reason: "required"}
	}
	if req.Description == "" {
		return nil, &store.ValidationError{Field: "description", Reason: "required"}
	}
	if req.ClaimedAmount <= 0 {
		return nil, &store.ValidationError{Field: "claimed_amount", Reason: "must be positive"}
	}

	payment, err := s.store.GetPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if req.ManufacturerID == "" {
		req.ManufacturerID = payment.ManufacturerID
	}
	if req.ClaimedAmount > payment.Amount {
		return nil, &store.ValidationError{Field: "claimed_amount", Reason: "exceeds payment amount"}
	}

	d := &store.Dispute{
		ID:               uuid.NewString(),
		PaymentID:        payment.ID,
		ManufacturerID:   req.ManufacturerID,
		PaymentReference: payment.Reference,
		PaymentAmount:    payment.Amount,
		Reason:           req.Reason,
		Description:      req.Description,
		ClaimedAmount:    req.ClaimedAmount,
		Status:           string(StatusOpen),
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.InsertDispute(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Info("dispute_created", "dispute_id", d.ID, "payment_id", d.PaymentID)
	return d, nil
}

// Get returns one dispute.
func (s *Service) Get(ctx context.Context, id string) (*store.Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// StartInvestigation moves OPEN -> UNDER_INVESTIGATION and attaches the
// investigator identity. resolvedAt stays unset.
func (s *Service) StartInvestigation(ctx context.Context, id, investigator, notes string) (*store.Dispute, error) {
	if investigator == "" {
		return nil, &store.ValidationError{Field: "investigator", Reason: "required"}
	}
	t := store.DisputeTransition{
		DisputeID:  id,
		FromStatus: string(StatusOpen),
		ToStatus:   string(StatusUnderInvestigation),
		ResolvedBy: &investigator,
	}
	if notes != "" {
		t.ResolutionNotes = &notes
	}
	return s.advance(ctx, id, StatusUnderInvestigation, t)
}

// Resolve moves UNDER_INVESTIGATION -> RESOLVED. Resolution notes are
// mandatory; no money moves.
func (s *Service) Resolve(ctx context.Context, id, notes, resolvedBy string) (*store.Dispute, error) {
	if notes == "" {
		return nil, &store.ValidationError{Field: "resolution_notes", Reason: "required"}
	}
	if resolvedBy == "" {
		return nil, &store.ValidationError{Field: "resolved_by", Reason: "required"}
	}
	now := time.Now().UTC()
	t := store.DisputeTransition{
		DisputeID:       id,
		FromStatus:      string(StatusUnderInvestigation),
		ToStatus:        string(StatusResolved),
		ResolutionNotes: &notes,
		ResolvedBy:      &resolvedBy,
		ResolvedAt:      &now,
	}
	return s.advance(ctx, id, StatusResolved, t)
}

// ApproveRefund moves UNDER_INVESTIGATION -> REFUNDED. The refund
// amount defaults to the claimed amount when nil. A second refund fails
// with "already refunded" and leaves the recorded amount untouched.
func (s *Service) ApproveRefund(ctx context.Context, id string, amount *float64, resolvedBy string) (*store.Dispute, error) {
	if resolvedBy == "" {
		return nil, &store.ValidationError{Field: "resolved_by", Reason: "required"}
	}

	d, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	refund := d.ClaimedAmount
	if amount != nil {
		refund = *amount
	}
	if refund <= 0 {
		return nil, &store.ValidationError{Field: "refund_amount", Reason: "must be positive"}
	}
	if refund > d.PaymentAmount {
		return nil, &store.ValidationError{Field: "refund_amount", Reason: "exceeds payment amount"}
	}

	now := time.Now().UTC()
	t := store.DisputeTransition{
		DisputeID:      id,
		FromStatus:     string(StatusUnderInvestigation),
		ToStatus:       string(StatusRefunded),
		ResolvedBy:     &resolvedBy,
		RefundedAmount: &refund,
		ResolvedAt:     &now,
		RefundedAt:     &now,
	}
	out, err := s.advance(ctx, id, StatusRefunded, t)
	if err != nil {
		return nil, err
	}
	s.logger.Info("dispute_refunded", "dispute_id", id, "amount", refund, "resolved_by", resolvedBy)
	return out, nil
}

// Reject moves UNDER_INVESTIGATION -> REJECTED. The reason is mandatory
// and checked before any store mutation is attempted.
func (s *Service) Reject(ctx context.Context, id, reason, resolvedBy string) (*store.Dispute, error) {
	if reason == "" {
		return nil, &store.ValidationError{Field: "reason", Reason: "required"}
	}
	if resolvedBy == "" {
		return nil, &store.ValidationError{Field: "resolved_by", Reason: "required"}
	}
	now := time.Now().UTC()
	t := store.DisputeTransition{
		DisputeID:       id,
		FromStatus:      string(StatusUnderInvestigation),
		ToStatus:        string(StatusRejected),
		ResolutionNotes: &reason,
		ResolvedBy:      &resolvedBy,
		ResolvedAt:      &now,
	}
	return s.advance(ctx, id, StatusRejected, t)
}

// advance runs the compare-and-swap and, when it loses, re-reads the
// dispute to produce the precise typed error: not found, terminal state
// or invalid transition (including a concurrent status change).
func (s *Service) advance(ctx context.Context, id string, to Status, t store.DisputeTransition) (*store.Dispute, error) {
	if !IsValidTransition(Status(t.FromStatus), to) {
		return nil, &InvalidTransitionError{DisputeID: id, From: Status(t.FromStatus), To: to}
	}

	won, err := s.store.TransitionDispute(ctx, t)
	if err != nil {
		return nil, err
	}
	if !won {
		current, err := s.store.GetDispute(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, transitionError(id, Status(current.Status), to)
	}
	return s.store.GetDispute(ctx, id)
}
