package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snp-net/snp-core/pkg/identity"
	"github.com/snp-net/snp-core/pkg/ledger"
)

func TestHandleGetBundleReturnsPublishedBundle(t *testing.T) {
	lg := ledger.NewMemoryLedger()
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	spk, err := identity.GeneratePreKey(id, 1)
	require.NoError(t, err)
	bundle := identity.BuildBundle(id, spk, nil)
	require.NoError(t, lg.PublishBundle(context.Background(), bundle))

	server := NewServer(lg, DefaultConfig())

	addr := identity.AddressOf(id.Signing.Public)
	req := httptest.NewRequest(http.MethodGet, "/v1/bundle/"+hex.EncodeToString(addr[:]), nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, hex.EncodeToString(addr[:]), body["address"])
}

func TestHandleGetBundleRejectsMalformedAddress(t *testing.T) {
	lg := ledger.NewMemoryLedger()
	server := NewServer(lg, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/v1/bundle/not-hex", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetBundleMissingReturnsNotFound(t *testing.T) {
	lg := ledger.NewMemoryLedger()
	server := NewServer(lg, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/v1/bundle/"+hex.EncodeToString(make([]byte, 20)), nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleHealthz(t *testing.T) {
	lg := ledger.NewMemoryLedger()
	server := NewServer(lg, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleMetricsServesPrometheusFormat(t *testing.T) {
	lg := ledger.NewMemoryLedger()
	server := NewServer(lg, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/plain")
}
