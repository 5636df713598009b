package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// POStatus is the lifecycle state of a purchase order
type POStatus string

// Purchase order statuses
const (
	POStatusPending   POStatus = "Pending"
	POStatusReceived  POStatus = "Received"
	POStatusCancelled POStatus = "Cancelled"
)

// CanTransition reports whether the order may move from s to next.
// Only Pending orders move, and only to Received or Cancelled.
func (s POStatus) CanTransition(next POStatus) bool {
	if s != POStatusPending {
		return false
	}
	return next == POStatusReceived || next == POStatusCancelled
}

// Valid reports whether s is a known status
func (s POStatus) Valid() bool {
	switch s {
	case POStatusPending, POStatusReceived, POStatusCancelled:
		return true
	}
	return false
}

// PurchaseOrder is an order placed with a supplier. Items are immutable after creation.
type PurchaseOrder struct {
	ID           string          `json:"id"`
	OrderNumber  string          `json:"order_number"`
	SupplierID   string          `json:"supplier_id"`
	SupplierName string          `json:"supplier_name"`
	Items        []OrderItem     `json:"items"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Status       POStatus        `json:"status"`
	CreatedBy    string          `json:"created_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ReceivedAt   *time.Time      `json:"received_at,omitempty"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
}

// Stamp applies the store's commit time, including the time of a status change
func (o *PurchaseOrder) Stamp(now time.Time) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	switch o.Status {
	case POStatusReceived:
		if o.ReceivedAt == nil {
			o.ReceivedAt = &now
		}
	case POStatusCancelled:
		if o.CancelledAt == nil {
			o.CancelledAt = &now
		}
	}
}

// OrderItem is a purchase order line with a snapshot of the product at creation
type OrderItem struct {
	ProductID   string          `json:"product_id"`
	VariantID   string          `json:"variant_id,omitempty"`
	ProductName string          `json:"product_name"`
	SKU         string          `json:"sku"`
	CostPrice   decimal.Decimal `json:"cost_price"`
	ImageURL    string          `json:"image_url,omitempty"`
	Quantity    int             `json:"quantity"`
}

// LineTotal returns quantity × cost price
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.CostPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// OrderTotal sums line totals
func OrderTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total
}
