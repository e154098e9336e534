package logging

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	logger, err := New(Config{Level: "debug", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = New(Config{Level: "bogus"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))

	SetLevel("error")
	assert.False(t, logger.Core().Enabled(zap.WarnLevel))
	SetLevel("info")
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()
	assert.NotNil(t, WithContext(ctx))
	assert.Empty(t, GetRequestID(ctx))

	logger := zap.NewExample()
	assert.Same(t, logger, WithContext(WithLogger(ctx, logger)))
}

func TestMiddleware(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	var seenID string

	handler := Middleware(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.Copy(w, strings.NewReader("0123456789"))
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/vfs?resource=x", nil)
	req.Header.Set("Range", "bytes=0-9")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.NotEmpty(t, seenID)
	assert.Equal(t, seenID, rec.Header().Get("X-Request-ID"))

	completed := logs.FilterMessage("request completed").All()
	require.Len(t, completed, 1)
	fields := completed[0].ContextMap()
	assert.Equal(t, int64(http.StatusPartialContent), fields["status"])
	assert.Equal(t, int64(10), fields["size"])
	assert.Equal(t, seenID, fields["request_id"])
	assert.Equal(t, 1, logs.FilterMessage("request started").Len())
}

func TestMiddleware_KeepsRequestID(t *testing.T) {
	handler := Middleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc-123", GetRequestID(r.Context()))
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}
