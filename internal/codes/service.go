package codes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/veriseal/internal/store"
)

// maxInsertAttempts bounds the regenerate-on-collision loop. With 12
// random symbols a collision is already negligible; hitting the bound
// means something is wrong and issuance fails loudly.
const maxInsertAttempts = 5

// bindTimeout bounds each artifact write so a stuck disk fails the
// issuance instead of hanging it.
const bindTimeout = 5 * time.Second

// Service registers products and batches and issues codes bound to QR
// artifacts.
type Service struct {
	store  store.Store
	gen    *Generator
	binder *QRBinder
	logger *slog.Logger
}

// NewService wires the issuance service.
func NewService(st store.Store, gen *Generator, binder *QRBinder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, gen: gen, binder: binder, logger: logger}
}

// CreateProductRequest registers a product for a manufacturer.
type CreateProductRequest struct {
	ManufacturerID string `json:"manufacturer_id"`
	Name           string `json:"name"`
	Category       string `json:"category"`
}

// CreateProduct validates and persists a new product.
func (s *Service) CreateProduct(ctx context.Context, req CreateProductRequest) (*store.Product, error) {
	if req.ManufacturerID == "" {
		return nil, &store.ValidationError{Field: "manufacturer_id", Reason: "required"}
	}
	if req.Name == "" {
		return nil, &store.ValidationError{Field: "name", Reason: "required"}
	}

	p := &store.Product{
		ID:             uuid.NewString(),
		ManufacturerID: req.ManufacturerID,
		Name:           req.Name,
		Category:       req.Category,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateBatchRequest registers a manufacturing run under a product.
type CreateBatchRequest struct {
	ProductID      string    `json:"product_id"`
	BatchNumber    string    `json:"batch_number"`
	ProductionDate time.Time `json:"production_date"`
	ExpiryDate     time.Time `json:"expiry_date"`
}

// CreateBatch validates and persists a new batch.
func (s *Service) CreateBatch(ctx context.Context, req CreateBatchRequest) (*store.Batch, error) {
	if req.BatchNumber == "" {
		return nil, &store.ValidationError{Field: "batch_number", Reason: "required"}
	}
	if req.ExpiryDate.Before(req.ProductionDate) {
		return nil, &store.ValidationError{Field: "expiry_date", Reason: "before production date"}
	}
	if _, err := s.store.GetProduct(ctx, req.ProductID); err != nil {
		return nil, err
	}

	b := &store.Batch{
		ID:             uuid.NewString(),
		ProductID:      req.ProductID,
		BatchNumber:    req.BatchNumber,
		ProductionDate: req.ProductionDate,
		ExpiryDate:     req.ExpiryDate,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateBatch(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// IssueCodes mints count codes for a batch. Each code is inserted under
// the store's uniqueness constraint (regenerating on collision, bounded)
// and then bound to its QR artifact. An artifact failure rolls the code
// back so no code ever exists without a scannable artifact.
func (s *Service) IssueCodes(ctx context.Context, batchID string, count int) ([]*store.Code, error) {
	if count < 1 {
		return nil, &store.ValidationError{Field: "count", Reason: "must be at least 1"}
	}
	if _, err := s.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}

	issued := make([]*store.Code, 0, count)
	for i := 0; i < count; i++ {
		c, err := s.issueOne(ctx, batchID)
		if err != nil {
			return nil, fmt.Errorf("issued %d of %d codes: %w", len(issued), count, err)
		}
		issued = append(issued, c)
	}
	s.logger.Info("codes_issued", "batch_id", batchID, "count", len(issued))
	return issued, nil
}

func (s *Service) issueOne(ctx context.Context, batchID string) (*store.Code, error) {
	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		value, err := s.gen.GenerateValue()
		if err != nil {
			return nil, err
		}

		c := &store.Code{
			ID:          uuid.NewString(),
			Value:       value,
			BatchID:     batchID,
			ArtifactRef: s.binder.RefFor(value),
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.store.InsertCode(ctx, c); err != nil {
			if errors.Is(err, store.ErrConflict) {
				s.logger.Warn("code_value_collision", "attempt", attempt+1)
				continue
			}
			return nil, err
		}

		bindCtx, cancel := context.WithTimeout(ctx, bindTimeout)
		_, err = s.binder.Bind(bindCtx, value)
		cancel()
		if err != nil {
			if delErr := s.store.DeleteUnissuedCode(ctx, value); delErr != nil {
				s.logger.Error("code_rollback_failed", "value", value, "error", delErr)
			}
			return nil, fmt.Errorf("bind artifact: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("code generation exhausted %d attempts: %w", maxInsertAttempts, store.ErrConflict)
}

// RebindArtifacts re-renders QR artifacts for existing codes, for
// disaster recovery. Binding is idempotent so this is safe to run
// against a live store.
func (s *Service) RebindArtifacts(ctx context.Context, batchID string) (int, error) {
	existing, err := s.store.ListCodes(ctx, store.CodeFilter{BatchID: batchID})
	if err != nil {
		return 0, err
	}
	for i, c := range existing {
		bindCtx, cancel := context.WithTimeout(ctx, bindTimeout)
		_, err := s.binder.Bind(bindCtx, c.Value)
		cancel()
		if err != nil {
			return i, fmt.Errorf("rebind %s: %w", c.Value, err)
		}
	}
	return len(existing), nil
}
