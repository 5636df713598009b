package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeStockAdjusted          = "STOCK_ADJUSTED"
	EventTypeSaleRecorded           = "SALE_RECORDED"
	EventTypePurchaseOrderCreated   = "PURCHASE_ORDER_CREATED"
	EventTypePurchaseOrderReceived  = "PURCHASE_ORDER_RECEIVED"
	EventTypePurchaseOrderCancelled = "PURCHASE_ORDER_CANCELLED"
	EventTypeLowStock               = "LOW_STOCK"
	EventTypeSaleRequested          = "SALE_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// StockChangedEvent published after an adjustment, sale or receipt commits
type StockChangedEvent struct {
	BaseEvent
	LogID       string `json:"log_id"`
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id,omitempty"`
	Change      int    `json:"change"`
	PreviousQty int    `json:"previous_qty"`
	NewQty      int    `json:"new_qty"`
	Reason      string `json:"reason"`
	UserID      string `json:"user_id"`
}

// PurchaseOrderEvent published on purchase order status changes
type PurchaseOrderEvent struct {
	BaseEvent
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	SupplierID  string          `json:"supplier_id"`
	Status      POStatus        `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	ItemCount   int             `json:"item_count"`
}

// LowStockEvent published when a product falls to or below its threshold
type LowStockEvent struct {
	BaseEvent
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	SKU         string `json:"sku"`
	Quantity    int    `json:"quantity"`
	Threshold   int    `json:"threshold"`
}

// SaleRequestedEvent is consumed from point-of-sale devices. Scanners send
// the barcode or SKU they read in Code instead of a product id.
type SaleRequestedEvent struct {
	BaseEvent
	ProductID string `json:"product_id,omitempty"`
	VariantID string `json:"variant_id,omitempty"`
	Code      string `json:"code,omitempty"`
	UserID    string `json:"user_id"`
}
