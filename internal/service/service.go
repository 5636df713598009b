package service

import (
	"context"
	"time"

	"stockflow/internal/apperr"
	"stockflow/internal/docstore"
	"stockflow/internal/models"
	"stockflow/internal/util"

	"go.uber.org/zap"
)

// Publisher emits domain events after a mutation commits
type Publisher interface {
	PublishStockChanged(ctx context.Context, event *models.StockChangedEvent) error
	PublishPurchaseOrder(ctx context.Context, event *models.PurchaseOrderEvent) error
	PublishLowStock(ctx context.Context, event *models.LowStockEvent) error
}

// IdempotencyStore remembers the result of a request by key
type IdempotencyStore interface {
	LoadResult(ctx context.Context, key string, dest any) (bool, error)
	SaveResult(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Sequencer hands out unique, increasing numbers per name
type Sequencer interface {
	Next(ctx context.Context, name string, floor int64) (int64, error)
}

// NopPublisher discards events
type NopPublisher struct{}

func (NopPublisher) PublishStockChanged(context.Context, *models.StockChangedEvent) error {
	return nil
}

func (NopPublisher) PublishPurchaseOrder(context.Context, *models.PurchaseOrderEvent) error {
	return nil
}

func (NopPublisher) PublishLowStock(context.Context, *models.LowStockEvent) error {
	return nil
}

// decodeAll decodes query results into entities
func decodeAll[T any](docs []docstore.Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// observe records latency and outcome of a mutation
func observe(operation string, start time.Time, err error) {
	util.StockMutationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = apperr.Reason(err)
	}
	util.StockMutationsTotal.WithLabelValues(operation, result).Inc()
}

// logFailure logs a failed operation at a level matching its kind
func logFailure(logger *zap.Logger, msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if apperr.Kind(err) == nil {
		logger.Error(msg, fields...)
		return
	}
	logger.Info(msg, fields...)
}
