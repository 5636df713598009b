package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"stockflow/internal/access"
	"stockflow/internal/apperr"
	"stockflow/internal/broker"
	"stockflow/internal/models"
	"stockflow/internal/service"
	"stockflow/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type fakeSessions map[string]*access.Session

func (f fakeSessions) Resolve(_ context.Context, userID string) (*access.Session, error) {
	if s, ok := f[userID]; ok {
		return s, nil
	}
	return nil, apperr.NotFound("users/%s", userID)
}

type fakeSales struct {
	requests []service.SaleRequest
	sessions []*access.Session
	err      error
}

func (f *fakeSales) RecordSale(_ context.Context, sess *access.Session, req service.SaleRequest) (*service.SaleResult, error) {
	f.requests = append(f.requests, req)
	f.sessions = append(f.sessions, sess)
	if f.err != nil {
		return nil, f.err
	}
	return &service.SaleResult{Quantity: 3}, nil
}

type fakeCodes map[string]*service.ProductMatch

func (f fakeCodes) LookupCode(_ context.Context, _ *access.Session, code string) (*service.ProductMatch, error) {
	if m, ok := f[code]; ok {
		return m, nil
	}
	return nil, apperr.NotFound("no product with code %q", code)
}

type nopConsumer struct{ closed bool }

func (c *nopConsumer) StartConsuming(ctx context.Context, _ broker.MessageHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *nopConsumer) Close() error {
	c.closed = true
	return nil
}

var clerk = &access.Session{UserID: "u1", Role: models.RoleSalesStaff}

func saleEvent(id, user string) *models.SaleRequestedEvent {
	return &models.SaleRequestedEvent{
		BaseEvent: models.BaseEvent{EventID: id, EventType: models.EventTypeSaleRequested},
		ProductID: "p1",
		VariantID: "v1",
		UserID:    user,
	}
}

func TestHandleSaleRequested_RecordsSaleAsUser(t *testing.T) {
	sales := &fakeSales{}
	w := newSaleWorker(&nopConsumer{}, fakeSessions{"u1": clerk}, fakeCodes{}, sales)

	require.NoError(t, w.HandleSaleRequested(context.Background(), saleEvent("e1", "u1")))

	require.Len(t, sales.requests, 1)
	assert.Equal(t, service.SaleRequest{ProductID: "p1", VariantID: "v1", IdempotencyKey: "event:e1"}, sales.requests[0])
	assert.Same(t, clerk, sales.sessions[0])
}

func TestHandleSaleRequested_ResolvesScannedCode(t *testing.T) {
	sales := &fakeSales{}
	codes := fakeCodes{
		"5012345678900": {Product: models.Product{ID: "p9"}},
		"TEE-M":         {Product: models.Product{ID: "p2"}, VariantID: "v-m"},
	}
	w := newSaleWorker(&nopConsumer{}, fakeSessions{"u1": clerk}, codes, sales)

	for i, code := range []string{"5012345678900", "TEE-M"} {
		event := saleEvent(fmt.Sprintf("scan-%d", i), "u1")
		event.ProductID, event.VariantID, event.Code = "", "", code
		require.NoError(t, w.HandleSaleRequested(context.Background(), event))
	}

	require.Len(t, sales.requests, 2)
	assert.Equal(t, service.SaleRequest{ProductID: "p9", IdempotencyKey: "event:scan-0"}, sales.requests[0])
	assert.Equal(t, service.SaleRequest{ProductID: "p2", VariantID: "v-m", IdempotencyKey: "event:scan-1"}, sales.requests[1])
}

func TestHandleSaleRequested_DomainRejectionsAreAcknowledged(t *testing.T) {
	tests := []struct {
		name  string
		user  string
		sales *fakeSales
	}{
		{"unknown user", "ghost", &fakeSales{}},
		{"missing user", "", &fakeSales{}},
		{"out of stock", "u1", &fakeSales{err: apperr.OutOfStock("p1")}},
		{"unknown code", "u1", &fakeSales{}},
		{"permission", "u1", &fakeSales{err: apperr.PermissionDenied("nope")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newSaleWorker(&nopConsumer{}, fakeSessions{"u1": clerk}, fakeCodes{}, tt.sales)
			event := saleEvent("e1", tt.user)
			if tt.name == "unknown code" {
				event.ProductID, event.VariantID, event.Code = "", "", "0000000"
			}
			assert.NoError(t, w.HandleSaleRequested(context.Background(), event))
		})
	}
}

func TestHandleSaleRequested_TransientFailuresAreRetried(t *testing.T) {
	for _, err := range []error{
		apperr.Conflict("transaction aborted after 5 attempts"),
		errors.New("connection reset"),
	} {
		w := newSaleWorker(&nopConsumer{}, fakeSessions{"u1": clerk}, fakeCodes{}, &fakeSales{err: err})
		assert.Error(t, w.HandleSaleRequested(context.Background(), saleEvent("e1", "u1")))
	}
}

func TestStartStop(t *testing.T) {
	c := &nopConsumer{}
	w := newSaleWorker(c, fakeSessions{}, fakeCodes{}, &fakeSales{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Start(ctx), context.Canceled)
	require.NoError(t, w.Stop())
	assert.True(t, c.closed)
}
