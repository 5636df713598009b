package service

import (
	"context"
	"errors"
	"fmt"

	"stockflow/internal/access"
	"stockflow/internal/apperr"
	"stockflow/internal/docstore"
	"stockflow/internal/models"
	"stockflow/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PurchaseOrderService handles purchase order creation and cancellation.
// Receipt lives in StockService because it mutates stock.
type PurchaseOrderService struct {
	store       docstore.Store
	sequencer   Sequencer
	publisher   Publisher
	numberStart int64
	logger      *zap.Logger
}

// NewPurchaseOrderService creates a new purchase order service. Order numbers
// are claimed from a counter document in the same transaction as the order;
// a sequencer, when present, only proposes the next number.
func NewPurchaseOrderService(
	store docstore.Store,
	sequencer Sequencer,
	publisher Publisher,
	numberStart int64,
) *PurchaseOrderService {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if numberStart < 1 {
		numberStart = 1
	}
	return &PurchaseOrderService{
		store:       store,
		sequencer:   sequencer,
		publisher:   publisher,
		numberStart: numberStart,
		logger:      util.GetLogger(),
	}
}

// CreatePurchaseOrderRequest represents a request to create a purchase order
type CreatePurchaseOrderRequest struct {
	SupplierID string             `json:"supplier_id" binding:"required"`
	Items      []OrderLineRequest `json:"items" binding:"required,min=1,dive"`
}

// OrderLineRequest is one requested line of a purchase order
type OrderLineRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

func (r *CreatePurchaseOrderRequest) validate() error {
	if r.SupplierID == "" {
		return apperr.Validation("supplier id is required")
	}
	if len(r.Items) == 0 {
		return apperr.Validation("at least one item is required")
	}
	for i, item := range r.Items {
		if item.ProductID == "" {
			return apperr.Validation("item %d: product id is required", i+1)
		}
		if item.Quantity <= 0 {
			return apperr.Validation("item %d: quantity must be positive", i+1)
		}
	}
	return nil
}

// Create snapshots the supplier and products into a new Pending order.
// The total is fixed at creation.
func (s *PurchaseOrderService) Create(ctx context.Context, sess *access.Session, req CreatePurchaseOrderRequest) (order *models.PurchaseOrder, err error) {
	ctx, span := util.StartSpan(ctx, "PurchaseOrderService.Create",
		attribute.String("supplier_id", req.SupplierID),
		attribute.Int("lines", len(req.Items)))
	defer func() { util.EndSpan(span, err) }()

	if err := access.Require(sess, models.RoleManager); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	proposed := s.proposeNumber(ctx)

	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		var supplier models.Supplier
		if err := tx.Get(ctx, models.CollectionSuppliers, req.SupplierID, &supplier); err != nil {
			return fmt.Errorf("supplier: %w", err)
		}

		items, err := snapshotItems(ctx, tx, req.Items)
		if err != nil {
			return err
		}

		n, err := s.claimNumber(ctx, tx, proposed)
		if err != nil {
			return err
		}

		order = &models.PurchaseOrder{
			ID:           s.store.NewID(models.CollectionPurchaseOrders),
			OrderNumber:  fmt.Sprintf("PO-%d", n),
			SupplierID:   supplier.ID,
			SupplierName: supplier.Name,
			Items:        items,
			TotalAmount:  models.OrderTotal(items),
			Status:       models.POStatusPending,
			CreatedBy:    sess.UserID,
		}
		tx.Create(models.CollectionPurchaseOrders, order.ID, order)
		return nil
	})
	if err != nil {
		logFailure(s.logger, "Purchase order creation failed", err, zap.String("supplier_id", req.SupplierID))
		return nil, err
	}

	util.PurchaseOrdersTotal.WithLabelValues(string(models.POStatusPending)).Inc()
	s.logger.Info("Purchase order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.TotalAmount.StringFixed(2)))

	publishOrderEvent(ctx, s.publisher, s.logger, models.EventTypePurchaseOrderCreated, order)
	return order, nil
}

// Cancel moves a Pending order to Cancelled. Stock is untouched.
func (s *PurchaseOrderService) Cancel(ctx context.Context, sess *access.Session, orderID string) (order *models.PurchaseOrder, err error) {
	ctx, span := util.StartSpan(ctx, "PurchaseOrderService.Cancel", attribute.String("order_id", orderID))
	defer func() { util.EndSpan(span, err) }()

	if err := access.Require(sess, models.RoleManager); err != nil {
		return nil, err
	}

	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		order = &models.PurchaseOrder{}
		if err := tx.Get(ctx, models.CollectionPurchaseOrders, orderID, order); err != nil {
			return err
		}
		if !order.Status.CanTransition(models.POStatusCancelled) {
			return apperr.InvalidTransition("order %s is %s", order.OrderNumber, order.Status)
		}
		order.Status = models.POStatusCancelled
		tx.Set(models.CollectionPurchaseOrders, orderID, order)
		return nil
	})
	if err != nil {
		logFailure(s.logger, "Purchase order cancellation failed", err, zap.String("order_id", orderID))
		return nil, err
	}

	util.PurchaseOrdersTotal.WithLabelValues(string(models.POStatusCancelled)).Inc()
	s.logger.Info("Purchase order cancelled",
		zap.String("order_id", orderID),
		zap.String("order_number", order.OrderNumber))

	publishOrderEvent(ctx, s.publisher, s.logger, models.EventTypePurchaseOrderCancelled, order)
	return order, nil
}

// Get retrieves a purchase order by ID
func (s *PurchaseOrderService) Get(ctx context.Context, sess *access.Session, orderID string) (*models.PurchaseOrder, error) {
	if err := access.Require(sess, models.RoleViewer); err != nil {
		return nil, err
	}
	var order models.PurchaseOrder
	if err := s.store.Get(ctx, models.CollectionPurchaseOrders, orderID, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// List returns orders newest first, optionally restricted to one status
func (s *PurchaseOrderService) List(ctx context.Context, sess *access.Session, status models.POStatus) ([]models.PurchaseOrder, error) {
	if err := access.Require(sess, models.RoleViewer); err != nil {
		return nil, err
	}
	q, err := ordersQuery(status)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase orders: %w", err)
	}
	return decodeAll[models.PurchaseOrder](docs)
}

// Watch streams orders newest first
func (s *PurchaseOrderService) Watch(ctx context.Context, sess *access.Session, status models.POStatus) (<-chan docstore.Snapshot, error) {
	if err := access.Require(sess, models.RoleViewer); err != nil {
		return nil, err
	}
	q, err := ordersQuery(status)
	if err != nil {
		return nil, err
	}
	return s.store.Watch(ctx, q)
}

func ordersQuery(status models.POStatus) (docstore.Query, error) {
	q := docstore.Query{Collection: models.CollectionPurchaseOrders}.Ordered("created_at", true)
	if status != "" {
		if !status.Valid() {
			return q, apperr.Validation("unknown status %q", status)
		}
		q = q.Where("status", status)
	}
	return q, nil
}

// proposeNumber asks the sequencer for a number at or above the next free
// counter value. It returns 0 when there is no sequencer or it fails.
func (s *PurchaseOrderService) proposeNumber(ctx context.Context) int64 {
	if s.sequencer == nil {
		return 0
	}
	floor := s.numberStart
	var counter models.Counter
	err := s.store.Get(ctx, models.CollectionMeta, models.MetaPurchaseOrderNumber, &counter)
	switch {
	case err == nil:
		floor = max(floor, counter.Value+1)
	case !errors.Is(err, apperr.ErrNotFound):
		s.logger.Warn("Failed to read order number counter", zap.Error(err))
	}

	n, err := s.sequencer.Next(ctx, models.MetaPurchaseOrderNumber, floor)
	if err != nil {
		s.logger.Warn("Order number sequencer unavailable, using counter document", zap.Error(err))
		return 0
	}
	return n
}

// claimNumber advances the counter document past every number handed out so
// far and returns the claimed number. proposed wins when it is ahead.
func (s *PurchaseOrderService) claimNumber(ctx context.Context, tx docstore.Tx, proposed int64) (int64, error) {
	var counter models.Counter
	err := tx.Get(ctx, models.CollectionMeta, models.MetaPurchaseOrderNumber, &counter)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		counter.Value = 0
	case err != nil:
		return 0, err
	}
	counter.Value = max(counter.Value+1, s.numberStart, proposed)
	tx.Set(models.CollectionMeta, models.MetaPurchaseOrderNumber, &counter)
	return counter.Value, nil
}

func snapshotItems(ctx context.Context, tx docstore.Tx, lines []OrderLineRequest) ([]models.OrderItem, error) {
	products := make(map[string]*models.Product)
	items := make([]models.OrderItem, 0, len(lines))

	for _, line := range lines {
		p, ok := products[line.ProductID]
		if !ok {
			p = &models.Product{}
			if err := tx.Get(ctx, models.CollectionProducts, line.ProductID, p); err != nil {
				return nil, fmt.Errorf("product %s: %w", line.ProductID, err)
			}
			products[line.ProductID] = p
		}

		item := models.OrderItem{
			ProductID:   p.ID,
			ProductName: p.Name,
			SKU:         p.SKU,
			CostPrice:   p.CostPrice,
			ImageURL:    p.PrimaryImage(),
			Quantity:    line.Quantity,
		}
		switch {
		case p.IsVariable && line.VariantID == "":
			return nil, apperr.Validation("product %s requires a variant", p.ID)
		case !p.IsVariable && line.VariantID != "":
			return nil, apperr.Validation("product %s has no variants", p.ID)
		case p.IsVariable:
			v, ok := p.Variant(line.VariantID)
			if !ok {
				return nil, apperr.NotFound("variant %s of product %s", line.VariantID, p.ID)
			}
			item.VariantID = v.ID
			item.SKU = v.SKU
			item.ProductName = p.Name + " (" + v.Label() + ")"
		}
		items = append(items, item)
	}
	return items, nil
}

func publishOrderEvent(ctx context.Context, publisher Publisher, logger *zap.Logger, eventType string, order *models.PurchaseOrder) {
	event := &models.PurchaseOrderEvent{
		BaseEvent:   newBaseEvent(eventType),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		SupplierID:  order.SupplierID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		ItemCount:   len(order.Items),
	}
	if err := publisher.PublishPurchaseOrder(ctx, event); err != nil {
		logger.Error("Failed to publish purchase order event",
			zap.String("event_type", eventType),
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}

