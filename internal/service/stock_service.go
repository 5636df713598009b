package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockflow/internal/access"
	"stockflow/internal/apperr"
	"stockflow/internal/docstore"
	"stockflow/internal/models"
	"stockflow/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SaleIdempotencyTTL is how long a sale's idempotency key is remembered
const SaleIdempotencyTTL = 24 * time.Hour

// StockService applies quantity changes together with their audit rows
type StockService struct {
	store            docstore.Store
	publisher        Publisher
	idempotency      IdempotencyStore
	defaultThreshold int
	logger           *zap.Logger
}

// NewStockService creates a new stock service. publisher and idempotency may be nil.
func NewStockService(
	store docstore.Store,
	publisher Publisher,
	idempotency IdempotencyStore,
	defaultThreshold int,
) *StockService {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &StockService{
		store:            store,
		publisher:        publisher,
		idempotency:      idempotency,
		defaultThreshold: defaultThreshold,
		logger:           util.GetLogger(),
	}
}

// AdjustmentRequest is a manual stock correction
type AdjustmentRequest struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason"`
}

func (r *AdjustmentRequest) validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	switch {
	case r.ProductID == "":
		return apperr.Validation("product id is required")
	case r.Delta == 0:
		return apperr.Validation("delta must be a non-zero integer")
	case r.Reason == "":
		return apperr.Validation("reason is required")
	}
	return nil
}

// SaleRequest is a single-unit point-of-sale deduction
type SaleRequest struct {
	ProductID      string `json:"product_id"`
	VariantID      string `json:"variant_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// SaleResult reports the committed sale
type SaleResult struct {
	Log      models.InventoryLog `json:"log"`
	Quantity int                 `json:"quantity"`
	Replayed bool                `json:"replayed"`
}

func (r *SaleResult) matches(req SaleRequest) bool {
	return r.Log.ProductID == req.ProductID && r.Log.VariantID == req.VariantID
}

// ReceiptResult reports a received purchase order and its audit rows
type ReceiptResult struct {
	Order models.PurchaseOrder   `json:"order"`
	Logs  []models.InventoryLog `json:"logs"`
}

// ApplyManualAdjustment moves a product's stock by a signed delta.
// A result below zero fails with apperr.ErrInsufficientStock.
func (s *StockService) ApplyManualAdjustment(ctx context.Context, sess *access.Session, req AdjustmentRequest) (entry *models.InventoryLog, err error) {
	ctx, span := util.StartSpan(ctx, "StockService.ApplyManualAdjustment",
		attribute.String("product_id", req.ProductID),
		attribute.Int("delta", req.Delta))
	start := time.Now()
	defer func() {
		observe("adjustment", start, err)
		util.EndSpan(span, err)
	}()

	if err := access.Require(sess, models.RoleManager); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	var product models.Product
	var crossed bool
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		product = models.Product{}
		if err := tx.Get(ctx, models.CollectionProducts, req.ProductID, &product); err != nil {
			return err
		}
		wasLow := product.IsLowStock(s.defaultThreshold)

		change, err := applyDelta(&product, req.VariantID, req.Delta, apperr.InsufficientStock)
		if err != nil {
			return err
		}

		entry = s.newLog(&product, change, req.Reason, sess)
		tx.Set(models.CollectionProducts, req.ProductID, &product)
		tx.Create(models.CollectionInventoryLogs, entry.ID, entry)
		crossed = !wasLow && product.IsLowStock(s.defaultThreshold)
		return nil
	})
	if err != nil {
		logFailure(s.logger, "Stock adjustment failed", err,
			zap.String("product_id", req.ProductID),
			zap.Int("delta", req.Delta))
		return nil, err
	}

	s.logger.Info("Stock adjusted",
		zap.String("product_id", req.ProductID),
		zap.Int("previous_qty", entry.PreviousQty),
		zap.Int("new_qty", entry.NewQty),
		zap.String("reason", entry.Reason))

	s.afterCommit(ctx, models.EventTypeStockAdjusted, []models.InventoryLog{*entry})
	if crossed {
		s.alertLowStock(ctx, &product)
	}
	return entry, nil
}

// RecordSale deducts exactly one unit. Selling from an empty product or
// variant fails with apperr.ErrOutOfStock. An idempotency key is claimed in
// the same transaction as the deduction; a repeated key returns the first
// result without deducting again.
func (s *StockService) RecordSale(ctx context.Context, sess *access.Session, req SaleRequest) (result *SaleResult, err error) {
	ctx, span := util.StartSpan(ctx, "StockService.RecordSale",
		attribute.String("product_id", req.ProductID),
		attribute.String("variant_id", req.VariantID))
	start := time.Now()
	defer func() {
		observe("sale", start, err)
		util.EndSpan(span, err)
	}()

	if err := access.Require(sess, models.RoleViewer); err != nil {
		return nil, err
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.ProductID == "" {
		return nil, apperr.Validation("product id is required")
	}

	if replay, ok := s.loadSale(ctx, req.IdempotencyKey); ok && replay.matches(req) {
		util.SaleReplaysTotal.Inc()
		return replay, nil
	}

	var product models.Product
	var entry *models.InventoryLog
	var replay *SaleResult
	var crossed bool
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		product = models.Product{}
		entry, replay = nil, nil

		if req.IdempotencyKey != "" {
			var claimed models.SaleRecord
			err := tx.Get(ctx, models.CollectionSaleKeys, req.IdempotencyKey, &claimed)
			switch {
			case err == nil:
				if claimed.ProductID != req.ProductID || claimed.VariantID != req.VariantID {
					return apperr.Validation("idempotency key %q was used for a different sale", req.IdempotencyKey)
				}
				replay = &SaleResult{Log: claimed.Log, Quantity: claimed.Quantity, Replayed: true}
				return nil
			case !errors.Is(err, apperr.ErrNotFound):
				return err
			}
		}

		if err := tx.Get(ctx, models.CollectionProducts, req.ProductID, &product); err != nil {
			return err
		}
		wasLow := product.IsLowStock(s.defaultThreshold)

		change, err := applyDelta(&product, req.VariantID, -1, apperr.OutOfStock)
		if err != nil {
			return err
		}

		reason := "Quick Sale: " + product.Name
		if change.label != "" {
			reason += " (" + change.label + ")"
		}
		entry = s.newLog(&product, change, reason, sess)
		tx.Set(models.CollectionProducts, req.ProductID, &product)
		tx.Create(models.CollectionInventoryLogs, entry.ID, entry)
		if req.IdempotencyKey != "" {
			tx.Create(models.CollectionSaleKeys, req.IdempotencyKey, &models.SaleRecord{
				ProductID: req.ProductID,
				VariantID: req.VariantID,
				Log:       *entry,
				Quantity:  product.Quantity,
			})
		}
		crossed = !wasLow && product.IsLowStock(s.defaultThreshold)
		return nil
	})
	if err != nil {
		logFailure(s.logger, "Sale failed", err,
			zap.String("product_id", req.ProductID),
			zap.String("variant_id", req.VariantID))
		return nil, err
	}

	if replay != nil {
		util.SaleReplaysTotal.Inc()
		s.logger.Info("Duplicate sale request detected",
			zap.String("key", req.IdempotencyKey),
			zap.String("log_id", replay.Log.ID))
		s.saveSale(ctx, req.IdempotencyKey, replay)
		return replay, nil
	}

	result = &SaleResult{Log: *entry, Quantity: product.Quantity}
	s.saveSale(ctx, req.IdempotencyKey, result)

	s.logger.Info("Sale recorded",
		zap.String("product_id", req.ProductID),
		zap.String("variant_id", req.VariantID),
		zap.Int("new_qty", entry.NewQty))

	s.afterCommit(ctx, models.EventTypeSaleRecorded, []models.InventoryLog{*entry})
	if crossed {
		s.alertLowStock(ctx, &product)
	}
	return result, nil
}

// ReceivePurchaseOrder marks a Pending order Received and adds every line to
// stock in one transaction. If any product is missing nothing changes.
func (s *StockService) ReceivePurchaseOrder(ctx context.Context, sess *access.Session, orderID string) (result *ReceiptResult, err error) {
	ctx, span := util.StartSpan(ctx, "StockService.ReceivePurchaseOrder",
		attribute.String("order_id", orderID))
	start := time.Now()
	defer func() {
		observe("receipt", start, err)
		util.EndSpan(span, err)
	}()

	if err := access.Require(sess, models.RoleManager); err != nil {
		return nil, err
	}
	if orderID == "" {
		return nil, apperr.Validation("order id is required")
	}

	var order models.PurchaseOrder
	var logs []*models.InventoryLog
	var crossed []*models.Product
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		order = models.PurchaseOrder{}
		logs = nil
		crossed = nil

		if err := tx.Get(ctx, models.CollectionPurchaseOrders, orderID, &order); err != nil {
			return err
		}
		if !order.Status.CanTransition(models.POStatusReceived) {
			return apperr.InvalidTransition("order %s is %s", order.OrderNumber, order.Status)
		}
		if len(order.Items) == 0 {
			return apperr.Validation("order %s has no items", order.OrderNumber)
		}

		// lines for the same product chain through one in-memory copy
		products := make(map[string]*models.Product)
		wasLow := make(map[string]bool)
		var ids []string
		reason := "PO Received: " + order.OrderNumber

		for _, item := range order.Items {
			if item.Quantity <= 0 {
				return apperr.Validation("order %s line %s has quantity %d", order.OrderNumber, item.ProductID, item.Quantity)
			}
			p, ok := products[item.ProductID]
			if !ok {
				p = &models.Product{}
				if err := tx.Get(ctx, models.CollectionProducts, item.ProductID, p); err != nil {
					return fmt.Errorf("order %s line %s: %w", order.OrderNumber, item.ProductID, err)
				}
				products[item.ProductID] = p
				wasLow[item.ProductID] = p.IsLowStock(s.defaultThreshold)
				ids = append(ids, item.ProductID)
			}

			change, err := applyDelta(p, item.VariantID, item.Quantity, apperr.InsufficientStock)
			if err != nil {
				return err
			}
			logs = append(logs, s.newLog(p, change, reason, sess))
		}

		for _, id := range ids {
			tx.Set(models.CollectionProducts, id, products[id])
			if !wasLow[id] && products[id].IsLowStock(s.defaultThreshold) {
				crossed = append(crossed, products[id])
			}
		}
		order.Status = models.POStatusReceived
		tx.Set(models.CollectionPurchaseOrders, orderID, &order)
		for _, l := range logs {
			tx.Create(models.CollectionInventoryLogs, l.ID, l)
		}
		return nil
	})
	if err != nil {
		logFailure(s.logger, "Purchase order receipt failed", err, zap.String("order_id", orderID))
		return nil, err
	}

	util.PurchaseOrdersTotal.WithLabelValues(string(models.POStatusReceived)).Inc()
	s.logger.Info("Purchase order received",
		zap.String("order_id", orderID),
		zap.String("order_number", order.OrderNumber),
		zap.Int("lines", len(order.Items)))

	result = &ReceiptResult{Order: order, Logs: make([]models.InventoryLog, len(logs))}
	for i, l := range logs {
		result.Logs[i] = *l
	}

	publishOrderEvent(ctx, s.publisher, s.logger, models.EventTypePurchaseOrderReceived, &order)
	s.afterCommit(ctx, models.EventTypeStockAdjusted, result.Logs)
	for _, p := range crossed {
		s.alertLowStock(ctx, p)
	}
	return result, nil
}

// ListLogs returns the newest audit rows first. limit <= 0 returns all.
func (s *StockService) ListLogs(ctx context.Context, sess *access.Session, productID string, limit int) ([]models.InventoryLog, error) {
	ctx, span := util.StartSpan(ctx, "StockService.ListLogs")
	defer span.End()

	if err := access.Require(sess, models.RoleAdmin); err != nil {
		return nil, err
	}

	docs, err := s.store.Query(ctx, logsQuery(productID, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory logs: %w", err)
	}
	return decodeAll[models.InventoryLog](docs)
}

// WatchLogs streams the newest audit rows
func (s *StockService) WatchLogs(ctx context.Context, sess *access.Session, limit int) (<-chan docstore.Snapshot, error) {
	if err := access.Require(sess, models.RoleAdmin); err != nil {
		return nil, err
	}
	return s.store.Watch(ctx, logsQuery("", limit))
}

func logsQuery(productID string, limit int) docstore.Query {
	q := docstore.Query{Collection: models.CollectionInventoryLogs}.
		Ordered("timestamp", true).
		Limited(limit)
	if productID != "" {
		q = q.Where("product_id", productID)
	}
	return q
}

// stockChange is the quantity movement of a product or one of its variants
type stockChange struct {
	variantID string
	label     string
	previous  int
	next      int
}

// applyDelta moves the stock of p, or of the variant it names, by delta.
// Variable products must name a variant; their parent quantity is re-derived
// from the variants. A negative result fails with shortfall.
func applyDelta(p *models.Product, variantID string, delta int, shortfall func(string, ...any) error) (stockChange, error) {
	if !p.IsVariable {
		if variantID != "" {
			return stockChange{}, apperr.Validation("product %s has no variants", p.ID)
		}
		next := p.Quantity + delta
		if next < 0 {
			return stockChange{}, shortfall("%s has %d in stock, cannot apply %d", p.Name, p.Quantity, delta)
		}
		change := stockChange{previous: p.Quantity, next: next}
		p.Quantity = next
		return change, nil
	}

	if variantID == "" {
		return stockChange{}, apperr.Validation("product %s requires a variant", p.ID)
	}
	v, ok := p.Variant(variantID)
	if !ok {
		return stockChange{}, apperr.NotFound("variant %s of product %s", variantID, p.ID)
	}
	next := v.Quantity + delta
	if next < 0 {
		return stockChange{}, shortfall("%s (%s) has %d in stock, cannot apply %d", p.Name, v.Label(), v.Quantity, delta)
	}
	change := stockChange{variantID: v.ID, label: v.Label(), previous: v.Quantity, next: next}
	v.Quantity = next
	p.SyncQuantity()
	return change, nil
}

func (s *StockService) newLog(p *models.Product, change stockChange, reason string, sess *access.Session) *models.InventoryLog {
	return &models.InventoryLog{
		ID:          s.store.NewID(models.CollectionInventoryLogs),
		ProductID:   p.ID,
		ProductName: p.Name,
		VariantID:   change.variantID,
		Change:      change.next - change.previous,
		PreviousQty: change.previous,
		NewQty:      change.next,
		Reason:      reason,
		UserID:      sess.UserID,
		UserEmail:   sess.Email,
	}
}

func (s *StockService) loadSale(ctx context.Context, key string) (*SaleResult, bool) {
	if key == "" || s.idempotency == nil {
		return nil, false
	}
	var result SaleResult
	found, err := s.idempotency.LoadResult(ctx, "sale:"+key, &result)
	if err != nil {
		s.logger.Warn("Idempotency lookup failed, processing sale", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}
	s.logger.Debug("Sale idempotency cache hit", zap.String("key", key), zap.String("log_id", result.Log.ID))
	result.Replayed = true
	return &result, true
}

func (s *StockService) saveSale(ctx context.Context, key string, result *SaleResult) {
	if key == "" || s.idempotency == nil {
		return
	}
	if err := s.idempotency.SaveResult(ctx, "sale:"+key, result, SaleIdempotencyTTL); err != nil {
		s.logger.Error("Failed to store sale idempotency key", zap.String("key", key), zap.Error(err))
	}
}

func (s *StockService) afterCommit(ctx context.Context, eventType string, logs []models.InventoryLog) {
	for _, l := range logs {
		if l.Change > 0 {
			util.StockUnitsMovedTotal.WithLabelValues("in").Add(float64(l.Change))
		} else {
			util.StockUnitsMovedTotal.WithLabelValues("out").Add(float64(-l.Change))
		}

		event := &models.StockChangedEvent{
			BaseEvent:   newBaseEvent(eventType),
			LogID:       l.ID,
			ProductID:   l.ProductID,
			VariantID:   l.VariantID,
			Change:      l.Change,
			PreviousQty: l.PreviousQty,
			NewQty:      l.NewQty,
			Reason:      l.Reason,
			UserID:      l.UserID,
		}
		if err := s.publisher.PublishStockChanged(ctx, event); err != nil {
			s.logger.Error("Failed to publish stock event",
				zap.String("event_type", eventType),
				zap.String("product_id", l.ProductID),
				zap.Error(err))
		}
	}
}

func (s *StockService) alertLowStock(ctx context.Context, p *models.Product) {
	threshold := p.Threshold(s.defaultThreshold)
	util.LowStockAlertsTotal.Inc()
	s.logger.Warn("Product is low on stock",
		zap.String("product_id", p.ID),
		zap.String("sku", p.SKU),
		zap.Int("quantity", p.Quantity),
		zap.Int("threshold", threshold))

	event := &models.LowStockEvent{
		BaseEvent:   newBaseEvent(models.EventTypeLowStock),
		ProductID:   p.ID,
		ProductName: p.Name,
		SKU:         p.SKU,
		Quantity:    p.Quantity,
		Threshold:   threshold,
	}
	if err := s.publisher.PublishLowStock(ctx, event); err != nil {
		s.logger.Error("Failed to publish low stock event", zap.String("product_id", p.ID), zap.Error(err))
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// IsRetryable reports whether a failed mutation may succeed if tried again
func IsRetryable(err error) bool {
	return errors.Is(err, apperr.ErrConflict)
}
