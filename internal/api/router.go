// Package api exposes the engine over HTTP to the UI, export and
// billing collaborators. Consumer verification never leaks internals;
// back-office endpoints surface specific conflict and validation
// reasons.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/veriseal/internal/codes"
	"github.com/example/veriseal/internal/disputes"
	"github.com/example/veriseal/internal/security"
	"github.com/example/veriseal/internal/stats"
	"github.com/example/veriseal/internal/store"
	"github.com/example/veriseal/internal/verify"
)

// Verifier is the consumer-facing classification dependency.
type Verifier interface {
	Classify(ctx context.Context, submitted string, vc verify.Context) (verify.Verdict, error)
}

// Dependencies wires the router. Store is used directly only for the
// billing seed endpoint and artifact lookups.
type Dependencies struct {
	Logger   *slog.Logger
	Codes    *codes.Service
	Binder   *codes.QRBinder
	Verifier Verifier
	Disputes *disputes.Service
	Stats    *stats.Aggregator
	Store    store.Store

	RateLimiter  *security.RedisTokenBucket
	MaxBodyBytes int64
	RecentLimit  int
}

// NewRouter builds the HTTP surface.
func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RecentLimit <= 0 {
		deps.RecentLimit = 10
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		verifyR := r
		if deps.RateLimiter != nil {
			verifyR = r.With(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyByIP))
		}
		verifyR.Post("/verify", handleVerify(deps))

		r.Post("/products", handleCreateProduct(deps))
		r.Post("/products/{productID}/batches", handleCreateBatch(deps))
		r.Post("/batches/{batchID}/codes", handleIssueCodes(deps))
		r.Get("/codes/{value}/qr", handleGetQR(deps))

		r.Post("/payments", handleSeedPayment(deps))

		r.Route("/disputes", func(r chi.Router) {
			r.Post("/", handleCreateDispute(deps))
			r.Get("/{disputeID}", handleGetDispute(deps))
			r.Post("/{disputeID}/investigate", handleStartInvestigation(deps))
			r.Post("/{disputeID}/resolve", handleResolve(deps))
			r.Post("/{disputeID}/refund", handleApproveRefund(deps))
			r.Post("/{disputeID}/reject", handleReject(deps))
		})

		r.Get("/stats/disputes", handleDisputeStats(deps))
		r.Get("/stats/verifications", handleVerificationStats(deps))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r
}

func rateLimitKeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}
