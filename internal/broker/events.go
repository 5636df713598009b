package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"stockflow/internal/models"
	"stockflow/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes stock and purchase order events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishStockChanged publishes an adjustment, sale or receipt line
func (ep *EventPublisher) PublishStockChanged(ctx context.Context, event *models.StockChangedEvent) error {
	return ep.producer.PublishEvent(ctx, productKey(event.ProductID), event)
}

// PublishPurchaseOrder publishes a purchase order status change
func (ep *EventPublisher) PublishPurchaseOrder(ctx context.Context, event *models.PurchaseOrderEvent) error {
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("order-%s", event.OrderID), event)
}

// PublishLowStock publishes a low stock alert
func (ep *EventPublisher) PublishLowStock(ctx context.Context, event *models.LowStockEvent) error {
	return ep.producer.PublishEvent(ctx, productKey(event.ProductID), event)
}

func productKey(id string) string {
	return fmt.Sprintf("product-%s", id)
}

// EventHandler handles incoming events
type EventHandler struct {
	onSaleRequested func(context.Context, *models.SaleRequestedEvent) error
	logger          *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnSaleRequested registers a handler for SaleRequested events
func (eh *EventHandler) OnSaleRequested(handler func(context.Context, *models.SaleRequestedEvent) error) {
	eh.onSaleRequested = handler
}

// HandleMessage routes messages to appropriate handlers. Unknown event
// types are acknowledged and skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		util.EventsConsumedTotal.WithLabelValues("unknown", "malformed").Inc()
		eh.logger.Warn("Dropping malformed event", zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeSaleRequested:
		if eh.onSaleRequested != nil {
			var event models.SaleRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				util.EventsConsumedTotal.WithLabelValues(baseEvent.EventType, "malformed").Inc()
				eh.logger.Warn("Dropping malformed SaleRequested event", zap.Error(err))
				return nil
			}
			return eh.onSaleRequested(ctx, &event)
		}

	default:
		util.EventsConsumedTotal.WithLabelValues(baseEvent.EventType, "ignored").Inc()
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
