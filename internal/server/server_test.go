package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/config"
	"github.com/mbd888/settlement/internal/marketplace"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "text",
		JWTSecret:          "server-test-secret-0123456789abcdef",
		RateLimitRPM:       600,
		CORSOrigins:        []string{"*"},
		EscrowFeeRate:      decimal.RequireFromString("0.01"),
		DefaultAutoRelease: 72 * time.Hour,
		LockTTL:            30 * time.Second,
	}
}

// newTestServer creates a server over a seeded in-memory marketplace
func newTestServer(t *testing.T) (*Server, *marketplace.MemoryStore) {
	t.Helper()
	market := marketplace.NewMemoryStore()
	s, err := New(testConfig(), WithMarketplace(market), WithVersion("test"))
	require.NoError(t, err)
	s.drainDelay = 0
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, market
}

func seedSale(t *testing.T, m *marketplace.MemoryStore, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.CreateTransaction(ctx, &marketplace.Transaction{
		ID: id, ListingID: "listing-" + id, BuyerID: "buyer", SellerID: "seller",
		SalePrice: decimal.NewFromInt(100), PlatformFee: decimal.NewFromInt(5), CreatorRoyalty: decimal.NewFromInt(10),
		Status: marketplace.TxPaid,
	}))
	require.NoError(t, m.CreateOwnership(ctx, &marketplace.AssetOwnership{
		ID: "own-" + id, ListingID: "listing-" + id, AssetType: marketplace.AssetTemplate, AssetID: "tpl-" + id,
		CurrentOwnerID: "seller", CurrentValuation: decimal.NewFromInt(80), ListedForSale: true,
	}))
	m.SetCreator(marketplace.AssetTemplate, "tpl-"+id, "creator")
}

func call(t *testing.T, s *Server, method, path, user string, role auth.Role, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := s.Authenticator().Issue(user, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func field(t *testing.T, w *httptest.ResponseRecorder, obj, key string) string {
	t.Helper()
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	v, _ := body[obj][key].(string)
	return v
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w := call(t, s, "GET", "/health", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)

	w = call(t, s, "GET", "/health/live", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = call(t, s, "GET", "/health/ready", "", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")
	s.ready.Store(true)
	w = call(t, s, "GET", "/health/ready", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := call(t, s, "GET", "/metrics", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "settlement_")
}

func TestMiddlewareChain(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = call(t, s, "GET", "/health/live", "", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32, "generated when absent")
}

func TestAPIRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)

	w := call(t, s, "GET", "/v1/escrows/esc_1", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = call(t, s, "GET", "/ws/stats", "buyer", auth.RoleUser, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(t, s, "GET", "/ws/stats", "ops", auth.RoleAdmin, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSettlementThroughAPI(t *testing.T) {
	s, market := newTestServer(t)
	seedSale(t, market, "tx-1")

	w := call(t, s, "POST", "/v1/escrows", "buyer", auth.RoleUser, map[string]any{
		"transactionId": "tx-1", "buyerId": "buyer", "sellerId": "seller", "amount": "100",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	escrowID := field(t, w, "escrow", "id")

	w = call(t, s, "POST", "/v1/escrows/"+escrowID+"/fund", "payments", auth.RoleSystem, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(t, s, "POST", "/v1/disputes", "buyer", auth.RoleUser, map[string]any{
		"transactionId": "tx-1", "disputeType": "quality_issue", "title": "Template is broken",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	disputeID := field(t, w, "dispute", "id")

	w = call(t, s, "GET", "/v1/escrows/"+escrowID, "seller", auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "disputed", field(t, w, "escrow", "status"))

	w = call(t, s, "POST", "/v1/disputes/"+disputeID+"/resolve", "m-1", auth.RoleMediator, map[string]any{
		"verdict": "minor defect", "resolutionType": "compensation", "compensationAmount": "10",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(t, s, "GET", "/v1/transactions/tx-1/escrow", "buyer", auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "released", field(t, w, "escrow", "status"))

	tx, err := market.GetTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, marketplace.TxCompleted, tx.Status)
	own, err := market.GetOwnershipByListing(context.Background(), "listing-tx-1")
	require.NoError(t, err)
	assert.Equal(t, "buyer", own.CurrentOwnerID)
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)
	w := call(t, s, "GET", "/nonexistent", "", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:%2A%2A%2A@db:5432/settlement", maskDSN("postgres://app:secret@db:5432/settlement"))
}
