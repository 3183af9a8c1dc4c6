package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCorrelated(t *testing.T, inbound string) (seen string, rec *httptest.ResponseRecorder) {
	t.Helper()

	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if inbound != "" {
		req.Header.Set(CorrelationIDHeader, inbound)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return seen, rec
}

func TestCorrelationIDGenerated(t *testing.T) {
	seen, rec := runCorrelated(t, "")

	require.NotEmpty(t, seen)
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(CorrelationIDHeader), "id is echoed on the response")
}

func TestCorrelationIDReusesValidInbound(t *testing.T) {
	inbound := uuid.NewString()
	seen, rec := runCorrelated(t, inbound)

	assert.Equal(t, inbound, seen)
	assert.Equal(t, inbound, rec.Header().Get(CorrelationIDHeader))
}

func TestCorrelationIDReplacesGarbageInbound(t *testing.T) {
	seen, rec := runCorrelated(t, "not-a-uuid\nlog-injection")

	require.NotEmpty(t, seen)
	assert.NotEqual(t, "not-a-uuid\nlog-injection", seen)
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(CorrelationIDHeader))
}

func TestCorrelationIDFromBareContext(t *testing.T) {
	assert.Empty(t, CorrelationIDFromContext(context.Background()))
}
