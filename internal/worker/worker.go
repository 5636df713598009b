package worker

import (
	"context"
	"errors"
	"fmt"

	"stockflow/internal/access"
	"stockflow/internal/apperr"
	"stockflow/internal/broker"
	"stockflow/internal/models"
	"stockflow/internal/service"
	"stockflow/internal/util"

	"go.uber.org/zap"
)

// SessionResolver builds the session of a known user
type SessionResolver interface {
	Resolve(ctx context.Context, userID string) (*access.Session, error)
}

// SaleRecorder applies a single-unit sale
type SaleRecorder interface {
	RecordSale(ctx context.Context, sess *access.Session, req service.SaleRequest) (*service.SaleResult, error)
}

// CodeResolver turns a scanned barcode or SKU into a product
type CodeResolver interface {
	LookupCode(ctx context.Context, sess *access.Session, code string) (*service.ProductMatch, error)
}

type consumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// SaleWorker turns point-of-sale SALE_REQUESTED events into recorded sales
type SaleWorker struct {
	consumer     consumer
	eventHandler *broker.EventHandler
	sessions     SessionResolver
	codes        CodeResolver
	sales        SaleRecorder
	logger       *zap.Logger
}

// NewSaleWorker creates a new sale worker
func NewSaleWorker(consumer *broker.Consumer, sessions SessionResolver, codes CodeResolver, sales SaleRecorder) *SaleWorker {
	return newSaleWorker(consumer, sessions, codes, sales)
}

func newSaleWorker(c consumer, sessions SessionResolver, codes CodeResolver, sales SaleRecorder) *SaleWorker {
	w := &SaleWorker{
		consumer:     c,
		eventHandler: broker.NewEventHandler(),
		sessions:     sessions,
		codes:        codes,
		sales:        sales,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnSaleRequested(w.HandleSaleRequested)
	return w
}

// Start starts the worker
func (w *SaleWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting sale worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *SaleWorker) Stop() error {
	w.logger.Info("Stopping sale worker")
	return w.consumer.Close()
}

// HandleSaleRequested records one sale. The event id is the idempotency key,
// so a redelivered event does not sell twice. Rejections such as an unknown
// user or an empty shelf are final and acknowledged; anything else is
// returned and the consumer retries the message before reading past it.
func (w *SaleWorker) HandleSaleRequested(ctx context.Context, event *models.SaleRequestedEvent) error {
	result, err := w.handle(ctx, event)
	switch {
	case err == nil:
		util.EventsConsumedTotal.WithLabelValues(event.EventType, "ok").Inc()
		w.logger.Info("Sale applied from event",
			zap.String("event_id", event.EventID),
			zap.String("product_id", result.Log.ProductID),
			zap.Int("quantity", result.Quantity),
			zap.Bool("replayed", result.Replayed))
		return nil
	case apperr.Kind(err) != nil && !errors.Is(err, apperr.ErrConflict):
		util.EventsConsumedTotal.WithLabelValues(event.EventType, apperr.Reason(err)).Inc()
		w.logger.Warn("Sale event rejected",
			zap.String("event_id", event.EventID),
			zap.String("product_id", event.ProductID),
			zap.String("code", event.Code),
			zap.Error(err))
		return nil
	default:
		util.EventsConsumedTotal.WithLabelValues(event.EventType, "retry").Inc()
		return err
	}
}

func (w *SaleWorker) handle(ctx context.Context, event *models.SaleRequestedEvent) (*service.SaleResult, error) {
	if event.UserID == "" || (event.ProductID == "" && event.Code == "") {
		return nil, apperr.Validation("sale event %s lacks user or product", event.EventID)
	}
	sess, err := w.sessions.Resolve(ctx, event.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	req := service.SaleRequest{ProductID: event.ProductID, VariantID: event.VariantID}
	if req.ProductID == "" {
		match, err := w.codes.LookupCode(ctx, sess, event.Code)
		if err != nil {
			return nil, fmt.Errorf("look up code %q: %w", event.Code, err)
		}
		req.ProductID = match.Product.ID
		if req.VariantID == "" {
			req.VariantID = match.VariantID
		}
	}
	if event.EventID != "" {
		req.IdempotencyKey = "event:" + event.EventID
	}
	return w.sales.RecordSale(ctx, sess, req)
}
