package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"stockflow/internal/apperr"
	"stockflow/internal/auth"
	"stockflow/internal/docstore/memstore"
	"stockflow/internal/models"
	"stockflow/internal/service"
	"stockflow/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type mapIdempotency struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapIdempotency) LoadResult(_ context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (m *mapIdempotency) SaveResult(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = raw
	return nil
}

type testServer struct {
	router   *gin.Engine
	verifier *auth.Verifier
}

func newTestServer(t *testing.T, checks map[string]Checker) *testServer {
	t.Helper()
	store := memstore.New()
	t.Cleanup(func() { _ = store.Close() })

	verifier, err := auth.NewVerifier("test-secret", "stockflow-test")
	require.NoError(t, err)

	svc := Services{
		Stock:     service.NewStockService(store, service.NopPublisher{}, &mapIdempotency{data: map[string][]byte{}}, models.DefaultLowStockThreshold),
		Orders:    service.NewPurchaseOrderService(store, nil, service.NopPublisher{}, 1001),
		Catalog:   service.NewCatalogService(store, models.DefaultLowStockThreshold),
		Profiles:  service.NewProfileService(store),
		Dashboard: service.NewDashboardService(store, models.DefaultLowStockThreshold, time.UTC),
	}

	router := gin.New()
	NewHandler(svc, verifier, checks).SetupRoutes(router)
	return &testServer{router: router, verifier: verifier}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.verifier.Issue(auth.Identity{UserID: userID, Email: userID + "@example.com"}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func reasonOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]any](t, w)["reason"].(string)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, map[string]Checker{
		"store": func(context.Context) error { return nil },
	})
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", "", nil).Code)

	down := newTestServer(t, map[string]Checker{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	w := down.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/me", "garbage", nil).Code)

	other, err := auth.NewVerifier("other-secret", "stockflow-test")
	require.NoError(t, err)
	forged, err := other.Issue(auth.Identity{UserID: "mallory"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/me", forged, nil).Code)
}

func TestFirstUserIsAdmin(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/v1/me", s.token(t, "owner"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Admin", decode[map[string]any](t, w)["role"])

	w = s.do(t, http.MethodGet, "/api/v1/me", s.token(t, "clerk"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Viewer", decode[map[string]any](t, w)["role"])
}

func seedProduct(t *testing.T, s *testServer, admin string, qty int) models.Product {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/products", admin, map[string]any{
		"name":          "Widget",
		"sku":           "WID-1",
		"cost_price":    "2.50",
		"selling_price": "5.00",
		"quantity":      qty,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Product](t, w)
}

func TestSaleFlow(t *testing.T) {
	s := newTestServer(t, nil)
	admin := s.token(t, "owner")
	clerk := s.token(t, "clerk")
	p := seedProduct(t, s, admin, 1)

	w := s.do(t, http.MethodPost, "/api/v1/products/"+p.ID+"/sales", clerk, nil, "Idempotency-Key", "till-7-0001")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sale := decode[service.SaleResult](t, w)
	assert.Equal(t, 0, sale.Quantity)
	assert.Equal(t, "Quick Sale: Widget", sale.Log.Reason)

	w = s.do(t, http.MethodPost, "/api/v1/products/"+p.ID+"/sales", clerk, nil, "Idempotency-Key", "till-7-0001")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[service.SaleResult](t, w).Replayed)

	w = s.do(t, http.MethodPost, "/api/v1/products/"+p.ID+"/sales", clerk, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "OutOfStock", reasonOf(t, w))

	w = s.do(t, http.MethodPost, "/api/v1/products/missing/sales", clerk, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProductSearchAndCodeLookup(t *testing.T) {
	s := newTestServer(t, nil)
	admin := s.token(t, "owner")
	clerk := s.token(t, "clerk")
	p := seedProduct(t, s, admin, 3)

	w := s.do(t, http.MethodGet, "/api/v1/products?q=wid", clerk, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	found := decode[[]models.Product](t, w)
	require.Len(t, found, 1)
	assert.Equal(t, p.ID, found[0].ID)

	w = s.do(t, http.MethodGet, "/api/v1/products?q=gadget", clerk, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]models.Product](t, w))

	w = s.do(t, http.MethodGet, "/api/v1/lookup/WID-1", clerk, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, p.ID, decode[service.ProductMatch](t, w).Product.ID)

	w = s.do(t, http.MethodGet, "/api/v1/lookup/NOPE-9", clerk, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdjustmentFlow(t *testing.T) {
	s := newTestServer(t, nil)
	admin := s.token(t, "owner")
	viewer := s.token(t, "viewer")
	p := seedProduct(t, s, admin, 3)
	path := "/api/v1/products/" + p.ID + "/adjustments"

	w := s.do(t, http.MethodPost, path, viewer, map[string]any{"delta": 5, "reason": "Restock"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "PermissionDenied", reasonOf(t, w))

	w = s.do(t, http.MethodPost, path, admin, map[string]any{"delta": -4, "reason": "Damage"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "InsufficientStock", reasonOf(t, w))

	w = s.do(t, http.MethodPost, path, admin, map[string]any{"delta": 0, "reason": "Restock"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, path, admin, map[string]any{"delta": 10, "reason": "Restock"})
	require.Equal(t, http.StatusCreated, w.Code)
	entry := decode[models.InventoryLog](t, w)
	assert.Equal(t, 3, entry.PreviousQty)
	assert.Equal(t, 13, entry.NewQty)

	w = s.do(t, http.MethodGet, "/api/v1/logs?product_id="+p.ID, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.InventoryLog](t, w), 1)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/v1/logs", viewer, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/logs?limit=-1", admin, nil).Code)
}

func TestPurchaseOrderFlow(t *testing.T) {
	s := newTestServer(t, nil)
	admin := s.token(t, "owner")
	p := seedProduct(t, s, admin, 0)

	w := s.do(t, http.MethodPost, "/api/v1/suppliers", admin, map[string]any{"name": "Acme"})
	require.Equal(t, http.StatusCreated, w.Code)
	supplier := decode[models.Supplier](t, w)

	w = s.do(t, http.MethodPost, "/api/v1/orders", admin, map[string]any{
		"supplier_id": supplier.ID,
		"items":       []map[string]any{{"product_id": p.ID, "quantity": 4}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	order := decode[models.PurchaseOrder](t, w)
	assert.Equal(t, "PO-1001", order.OrderNumber)
	assert.Equal(t, "10", order.TotalAmount.String())

	w = s.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/receive", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	receipt := decode[service.ReceiptResult](t, w)
	assert.Equal(t, models.POStatusReceived, receipt.Order.Status)
	require.Len(t, receipt.Logs, 1)
	assert.Equal(t, "PO Received: PO-1001", receipt.Logs[0].Reason)

	w = s.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/receive", admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "InvalidTransition", reasonOf(t, w))

	w = s.do(t, http.MethodGet, "/api/v1/products/"+p.ID, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 4, decode[models.Product](t, w).Quantity)

	w = s.do(t, http.MethodGet, "/api/v1/orders?status=Received", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.PurchaseOrder](t, w), 1)
}

func TestCreateOrderRejectsBadBody(t *testing.T) {
	s := newTestServer(t, nil)
	admin := s.token(t, "owner")

	w := s.do(t, http.MethodPost, "/api/v1/orders", admin, map[string]any{"supplier_id": "s1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+admin)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetRole(t *testing.T) {
	s := newTestServer(t, nil)
	admin := s.token(t, "owner")
	clerk := s.token(t, "clerk")
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/me", clerk, nil).Code)

	w := s.do(t, http.MethodPut, "/api/v1/users/clerk/role", admin, map[string]any{"role": "Manager"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/me", clerk, nil)
	assert.Equal(t, "Manager", decode[map[string]any](t, w)["role"])

	w = s.do(t, http.MethodPut, "/api/v1/users/owner/role", clerk, map[string]any{"role": "Viewer"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/users", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.UserProfile](t, w), 2)
}

func TestDashboardEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	admin := s.token(t, "owner")
	seedProduct(t, s, admin, 2)

	w := s.do(t, http.MethodGet, "/api/v1/dashboard", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[map[string]any](t, w)
	assert.EqualValues(t, 1, summary["total_products"])
	assert.EqualValues(t, 1, summary["low_stock_count"])

	w = s.do(t, http.MethodGet, "/api/v1/dashboard/low-stock", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Product](t, w), 1)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Validation("x"), http.StatusBadRequest},
		{apperr.InsufficientStock("x"), http.StatusConflict},
		{apperr.OutOfStock("x"), http.StatusConflict},
		{apperr.InvalidTransition("x"), http.StatusConflict},
		{apperr.Conflict("x"), http.StatusConflict},
		{apperr.NotFound("x"), http.StatusNotFound},
		{apperr.PermissionDenied("x"), http.StatusForbidden},
		{fmt.Errorf("parse: %w", auth.ErrInvalidToken), http.StatusUnauthorized},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}

func TestStreamProducts(t *testing.T) {
	s := newTestServer(t, nil)
	admin := s.token(t, "owner")

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/stream/nothing", admin, nil).Code)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream/products?access_token=" + admin
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first streamMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, models.CollectionProducts, first.Collection)
	assert.Empty(t, first.Docs)

	seedProduct(t, s, admin, 7)

	var next streamMessage
	require.NoError(t, conn.ReadJSON(&next))
	require.Len(t, next.Docs, 1)
	var p models.Product
	require.NoError(t, json.Unmarshal(next.Docs[0], &p))
	assert.Equal(t, "Widget", p.Name)
	assert.Equal(t, 7, p.Quantity)
}
