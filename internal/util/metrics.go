package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StockMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_mutations_total",
		Help: "Stock mutations by operation and result",
	}, []string{"operation", "result"})

	StockMutationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stock_mutation_latency_seconds",
		Help:    "Latency of stock mutation transactions, retries included",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	StockUnitsMovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_units_moved_total",
		Help: "Units moved into or out of stock",
	}, []string{"direction"})

	TransactionRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docstore_transaction_retries_total",
		Help: "Transaction attempts aborted by a concurrent writer and retried",
	})

	LowStockAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "low_stock_alerts_total",
		Help: "Products that crossed their low-stock threshold",
	})

	PurchaseOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchase_orders_total",
		Help: "Purchase orders by resulting status",
	}, []string{"status"})

	SaleReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sale_replays_total",
		Help: "Sales answered from an idempotency key instead of decrementing again",
	})

	EventsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_consumed_total",
		Help: "Inbound events by type and result",
	}, []string{"event_type", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

