package service

import (
	"context"
	"fmt"
	"time"

	"stockflow/internal/access"
	"stockflow/internal/docstore"
	"stockflow/internal/models"
	"stockflow/internal/projection"
	"stockflow/internal/util"
)

// DashboardService computes read projections over the current entity set
type DashboardService struct {
	store            docstore.Store
	defaultThreshold int
	loc              *time.Location
	now              func() time.Time
}

// NewDashboardService creates a dashboard service bucketing days in loc
func NewDashboardService(store docstore.Store, defaultThreshold int, loc *time.Location) *DashboardService {
	if loc == nil {
		loc = time.Local
	}
	return &DashboardService{
		store:            store,
		defaultThreshold: defaultThreshold,
		loc:              loc,
		now:              time.Now,
	}
}

// Summary returns the dashboard totals
func (s *DashboardService) Summary(ctx context.Context, sess *access.Session) (*projection.Dashboard, error) {
	ctx, span := util.StartSpan(ctx, "DashboardService.Summary")
	defer span.End()

	if err := access.Require(sess, models.RoleViewer); err != nil {
		return nil, err
	}

	products, err := s.products(ctx)
	if err != nil {
		return nil, err
	}
	orders, err := query[models.PurchaseOrder](ctx, s.store,
		docstore.Query{Collection: models.CollectionPurchaseOrders}.Where("status", models.POStatusPending))
	if err != nil {
		return nil, err
	}
	logs, err := query[models.InventoryLog](ctx, s.store,
		docstore.Query{Collection: models.CollectionInventoryLogs}.Ordered("timestamp", true))
	if err != nil {
		return nil, err
	}

	summary := projection.Summarize(products, orders, logs, s.now(), s.loc, s.defaultThreshold)
	return &summary, nil
}

// LowStock returns products at or below their threshold
func (s *DashboardService) LowStock(ctx context.Context, sess *access.Session) ([]models.Product, error) {
	if err := access.Require(sess, models.RoleViewer); err != nil {
		return nil, err
	}
	products, err := s.products(ctx)
	if err != nil {
		return nil, err
	}
	return projection.LowStock(products, s.defaultThreshold), nil
}

// Categories returns stock totals per category
func (s *DashboardService) Categories(ctx context.Context, sess *access.Session) ([]projection.CategoryTotal, error) {
	if err := access.Require(sess, models.RoleViewer); err != nil {
		return nil, err
	}
	products, err := s.products(ctx)
	if err != nil {
		return nil, err
	}
	return projection.CategoryDistribution(products), nil
}

func (s *DashboardService) products(ctx context.Context) ([]models.Product, error) {
	return query[models.Product](ctx, s.store, docstore.Query{Collection: models.CollectionProducts}.Ordered("name", false))
}

func query[T any](ctx context.Context, store docstore.Store, q docstore.Query) ([]T, error) {
	docs, err := store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Collection, err)
	}
	return decodeAll[T](docs)
}
