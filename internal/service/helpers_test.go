package service

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"stockflow/internal/access"
	"stockflow/internal/docstore"
	"stockflow/internal/docstore/memstore"
	"stockflow/internal/models"
	"stockflow/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

var (
	adminSession   = &access.Session{UserID: "u-admin", Email: "admin@example.com", Role: models.RoleAdmin}
	managerSession = &access.Session{UserID: "u-manager", Email: "manager@example.com", Role: models.RoleManager}
	viewerSession  = &access.Session{UserID: "u-viewer", Email: "viewer@example.com", Role: models.RoleViewer}
)

type memIdempotency struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{data: make(map[string][]byte)}
}

func (m *memIdempotency) LoadResult(_ context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (m *memIdempotency) SaveResult(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = raw
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	stock  []*models.StockChangedEvent
	orders []*models.PurchaseOrderEvent
	low    []*models.LowStockEvent
}

func (p *recordingPublisher) PublishStockChanged(_ context.Context, e *models.StockChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stock = append(p.stock, e)
	return nil
}

func (p *recordingPublisher) PublishPurchaseOrder(_ context.Context, e *models.PurchaseOrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = append(p.orders, e)
	return nil
}

func (p *recordingPublisher) PublishLowStock(_ context.Context, e *models.LowStockEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.low = append(p.low, e)
	return nil
}

type testEnv struct {
	store     *memstore.Store
	pub       *recordingPublisher
	stock     *StockService
	orders    *PurchaseOrderService
	catalog   *CatalogService
	profiles  *ProfileService
	dashboard *DashboardService
}

func newTestEnv(t *testing.T, maxAttempts int) *testEnv {
	t.Helper()
	store := memstore.New(memstore.WithRetryPolicy(docstore.RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Microsecond,
		MaxDelay:    time.Millisecond,
	}))
	t.Cleanup(func() { _ = store.Close() })

	pub := &recordingPublisher{}
	return &testEnv{
		store:     store,
		pub:       pub,
		stock:     NewStockService(store, pub, newMemIdempotency(), models.DefaultLowStockThreshold),
		orders:    NewPurchaseOrderService(store, nil, pub, 1001),
		catalog:   NewCatalogService(store, models.DefaultLowStockThreshold),
		profiles:  NewProfileService(store),
		dashboard: NewDashboardService(store, models.DefaultLowStockThreshold, time.UTC),
	}
}

func (e *testEnv) seedProduct(t *testing.T, name string, qty, threshold int) *models.Product {
	t.Helper()
	p, err := e.catalog.CreateProduct(context.Background(), adminSession, ProductInput{
		Name:              name,
		SKU:               "SKU-" + name,
		CostPrice:         decimal.RequireFromString("4.00"),
		SellingPrice:      decimal.RequireFromString("10.00"),
		Quantity:          qty,
		LowStockThreshold: &threshold,
	})
	require.NoError(t, err)
	return p
}

func (e *testEnv) seedVariableProduct(t *testing.T, name string, quantities map[string]int) *models.Product {
	t.Helper()
	p, err := e.catalog.CreateProduct(context.Background(), adminSession, ProductInput{
		Name:         name,
		SKU:          "TEE",
		CostPrice:    decimal.RequireFromString("3.00"),
		SellingPrice: decimal.RequireFromString("12.00"),
		IsVariable:   true,
		Options:      []models.Option{{Name: "Size", Values: []string{"M", "L"}}},
	})
	require.NoError(t, err)

	// set starting variant stock directly, as an import would
	for i := range p.Variants {
		p.Variants[i].Quantity = quantities[p.Variants[i].Attributes[0].Value]
	}
	p.SyncQuantity()
	require.NoError(t, e.store.RunBatch(context.Background(), []docstore.Write{
		docstore.SetWrite(models.CollectionProducts, p.ID, p),
	}))
	return p
}

func (e *testEnv) seedSupplier(t *testing.T, name string) *models.Supplier {
	t.Helper()
	s, err := e.catalog.CreateSupplier(context.Background(), adminSession, SupplierInput{Name: name})
	require.NoError(t, err)
	return s
}

func (e *testEnv) product(t *testing.T, id string) models.Product {
	t.Helper()
	var p models.Product
	require.NoError(t, e.store.Get(context.Background(), models.CollectionProducts, id, &p))
	return p
}

func (e *testEnv) order(t *testing.T, id string) models.PurchaseOrder {
	t.Helper()
	var o models.PurchaseOrder
	require.NoError(t, e.store.Get(context.Background(), models.CollectionPurchaseOrders, id, &o))
	return o
}

func (e *testEnv) logs(t *testing.T, productID string) []models.InventoryLog {
	t.Helper()
	logs, err := e.stock.ListLogs(context.Background(), adminSession, productID, 0)
	require.NoError(t, err)
	return logs
}

func variantBySize(t *testing.T, p *models.Product, size string) models.Variant {
	t.Helper()
	for _, v := range p.Variants {
		if v.Attributes[0].Value == size {
			return v
		}
	}
	t.Fatalf("no variant %s", size)
	return models.Variant{}
}
