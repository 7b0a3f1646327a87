package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"bringmehome/internal/core"
	"bringmehome/internal/types"
)

// =============================================================================
// Test Helpers
// =============================================================================

type routeRegistrar interface {
	RegisterRoutes(r chi.Router)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serve mounts h on a fresh router and performs one request. A non-nil actor
// is placed in the request context the way core.AuthMiddleware does.
func serve(t *testing.T, h routeRegistrar, method, target string, body any, actor *types.Actor) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != nil {
		req = req.WithContext(types.WithActor(req.Context(), *actor))
	}

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[core.APIErrorResponse](t, rec).Error.Code
}

func adminActor() *types.Actor {
	return &types.Actor{UserID: "admin-1", Email: "admin@bringmehome.org", IsSiteAdmin: true}
}

func userActor() *types.Actor {
	return &types.Actor{UserID: "user-1", Email: "user@example.com"}
}

func strPtr(s string) *string { return &s }
