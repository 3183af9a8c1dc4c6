package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/example/veriseal/internal/codes"
	"github.com/example/veriseal/internal/disputes"
	"github.com/example/veriseal/internal/security"
	"github.com/example/veriseal/internal/store"
	"github.com/example/veriseal/internal/verify"
)

// actorHeader carries the opaque acting identity supplied by the auth
// collaborator; role checks happen before requests reach this service.
const actorHeader = "X-Actor-ID"

type verifyRequest struct {
	Code string   `json:"code"`
	Lat  *float64 `json:"lat,omitempty"`
	Lon  *float64 `json:"lon,omitempty"`
}

type verifyResponse struct {
	CorrelationID string         `json:"correlation_id"`
	Verdict       verify.Verdict `json:"verdict"`
}

// handleVerify is the consumer endpoint. It returns one of the five
// verdicts or, on any internal failure, a generic retryable error that
// leaks no store detail.
func handleVerify(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		if req.Code == "" {
			security.WriteJSONError(w, r, http.StatusBadRequest, "validation_error")
			return
		}

		verdict, err := deps.Verifier.Classify(r.Context(), req.Code, verify.Context{
			At:  time.Now().UTC(),
			Lat: req.Lat,
			Lon: req.Lon,
		})
		if err != nil {
			deps.Logger.Error("classification_failed", "error", err)
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "verification_unavailable")
			return
		}

		writeJSON(w, r, http.StatusOK, verifyResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Verdict:       verdict,
		})
	}
}

func handleCreateProduct(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req codes.CreateProductRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		product, err := deps.Codes.CreateProduct(r.Context(), req)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, product)
	}
}

type createBatchRequest struct {
	BatchNumber    string    `json:"batch_number"`
	ProductionDate time.Time `json:"production_date"`
	ExpiryDate     time.Time `json:"expiry_date"`
}

func handleCreateBatch(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		batch, err := deps.Codes.CreateBatch(r.Context(), codes.CreateBatchRequest{
			ProductID:      chi.URLParam(r, "productID"),
			BatchNumber:    req.BatchNumber,
			ProductionDate: req.ProductionDate,
			ExpiryDate:     req.ExpiryDate,
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, batch)
	}
}

type issueCodesRequest struct {
	Count int `json:"count"`
}

type issueCodesResponse struct {
	CorrelationID string        `json:"correlation_id"`
	BatchID       string        `json:"batch_id"`
	Codes         []*store.Code `json:"codes"`
}

func handleIssueCodes(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req issueCodesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		batchID := chi.URLParam(r, "batchID")
		issued, err := deps.Codes.IssueCodes(r.Context(), batchID, req.Count)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, issueCodesResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			BatchID:       batchID,
			Codes:         issued,
		})
	}
}

func handleGetQR(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value := codes.Normalize(chi.URLParam(r, "value"))
		lookup, err := deps.Store.LookupCode(r.Context(), value)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		data, err := deps.Binder.Open(lookup.Code.ArtifactRef)
		if err != nil {
			deps.Logger.Error("artifact_read_failed", "value", value, "error", err)
			security.WriteJSONError(w, r, http.StatusInternalServerError, "artifact_unavailable")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

type seedPaymentRequest struct {
	ID             string  `json:"id"`
	ManufacturerID string  `json:"manufacturer_id"`
	Reference      string  `json:"reference"`
	Amount         float64 `json:"amount"`
}

// handleSeedPayment is the billing collaborator's write path; the
// engine itself never mutates payments.
func handleSeedPayment(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req seedPaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		if req.ManufacturerID == "" || req.Amount <= 0 {
			security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error",
				"manufacturer_id and a positive amount are required")
			return
		}
		payment := &store.Payment{
			ID:             req.ID,
			ManufacturerID: req.ManufacturerID,
			Reference:      req.Reference,
			Amount:         req.Amount,
		}
		if err := deps.Store.SeedPayment(r.Context(), payment); err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, payment)
	}
}

func handleCreateDispute(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req disputes.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		d, err := deps.Disputes.Create(r.Context(), req)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, d)
	}
}

func handleGetDispute(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Disputes.Get(r.Context(), chi.URLParam(r, "disputeID"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, d)
	}
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := r.Header.Get(actorHeader)
	if actor == "" {
		security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error",
			actorHeader+" header is required")
		return "", false
	}
	return actor, true
}

type investigateRequest struct {
	Notes string `json:"notes,omitempty"`
}

func handleStartInvestigation(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req investigateRequest
		if err := decodeOptional(r, &req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		d, err := deps.Disputes.StartInvestigation(r.Context(), chi.URLParam(r, "disputeID"), actor, req.Notes)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, d)
	}
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func handleResolve(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req resolveRequest
		if err := decodeOptional(r, &req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		d, err := deps.Disputes.Resolve(r.Context(), chi.URLParam(r, "disputeID"), req.Notes, actor)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, d)
	}
}

type refundRequest struct {
	Amount *float64 `json:"amount,omitempty"`
}

func handleApproveRefund(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req refundRequest
		if err := decodeOptional(r, &req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		d, err := deps.Disputes.ApproveRefund(r.Context(), chi.URLParam(r, "disputeID"), req.Amount, actor)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, d)
	}
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func handleReject(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var req rejectRequest
		if err := decodeOptional(r, &req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		d, err := deps.Disputes.Reject(r.Context(), chi.URLParam(r, "disputeID"), req.Reason, actor)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, d)
	}
}

func handleDisputeStats(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := deps.RecentLimit
		if v := r.URL.Query().Get("recent"); v != "" {
			if i, err := strconv.Atoi(v); err == nil && i > 0 {
				n = i
			}
		}
		report, err := deps.Stats.Disputes(r.Context(), n)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, report)
	}
}

func handleVerificationStats(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := deps.RecentLimit
		if v := r.URL.Query().Get("top"); v != "" {
			if i, err := strconv.Atoi(v); err == nil && i > 0 {
				n = i
			}
		}
		report, err := deps.Stats.Verifications(r.Context(), n)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, report)
	}
}

// decodeOptional tolerates an empty body for endpoints whose fields are
// all optional.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
