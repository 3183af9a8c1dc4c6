// Package security holds the request-hardening middleware shared by the
// HTTP surface: correlation ids, rate limiting, body-size limits and
// the JSON error envelope.
package security

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CorrelationIDHeader carries the request correlation id end to end.
const CorrelationIDHeader = "X-Correlation-ID"

type ctxKeyCorrelationID struct{}

// CorrelationID tags every request with an id that flows into logs and
// error envelopes and is echoed on the response. An inbound id is
// reused only when it parses as a UUID; anything else is replaced, so
// callers cannot inject arbitrary strings into the logs.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationIDHeader)
		if _, err := uuid.Parse(cid); err != nil {
			cid = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), ctxKeyCorrelationID{}, cid)
		w.Header().Set(CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationIDFromContext returns the request's correlation id, or ""
// outside a request.
func CorrelationIDFromContext(ctx context.Context) string {
	if cid, ok := ctx.Value(ctxKeyCorrelationID{}).(string); ok {
		return cid
	}
	return ""
}
