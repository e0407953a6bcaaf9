package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	prev := L()
	Replace(zap.New(core))
	t.Cleanup(func() { Replace(prev) })
	return logs
}

func TestMiddleware_RequestID(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"passed through", "req-123"},
		{"generated", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := observe(t)

			var seen string
			h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
				w.WriteHeader(http.StatusTeapot)
				_, _ = w.Write([]byte("hi"))
			}))

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tt.header != "" {
				req.Header.Set("X-Request-ID", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.NotEmpty(t, seen)
			if tt.header != "" {
				assert.Equal(t, tt.header, seen)
			}
			assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
			assert.Equal(t, http.StatusTeapot, rec.Code)

			entries := logs.FilterMessage("request completed").All()
			require.Len(t, entries, 1)
			fields := entries[0].ContextMap()
			assert.Equal(t, seen, fields["request_id"])
			assert.Equal(t, "/healthz", fields["path"])
			assert.EqualValues(t, http.StatusTeapot, fields["status"])
			assert.EqualValues(t, 2, fields["size"])
		})
	}
}

func TestGetRequestID_Missing(t *testing.T) {
	assert.Empty(t, GetRequestID(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}

func TestWithFields_Accumulates(t *testing.T) {
	logs := observe(t)

	ctx := WithFields(httptest.NewRequest(http.MethodGet, "/", nil).Context(), ProjectID(42))
	ctx = WithFields(ctx, DocumentID(7))
	WithContext(ctx).Info("synced")

	entries := logs.FilterMessage("synced").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 42, entries[0].ContextMap()["project_id"])
	assert.EqualValues(t, 7, entries[0].ContextMap()["document_id"])
}
