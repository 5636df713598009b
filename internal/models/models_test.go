package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPOStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to POStatus
		want     bool
	}{
		{POStatusPending, POStatusReceived, true},
		{POStatusPending, POStatusCancelled, true},
		{POStatusPending, POStatusPending, false},
		{POStatusReceived, POStatusReceived, false},
		{POStatusReceived, POStatusCancelled, false},
		{POStatusCancelled, POStatusReceived, false},
		{POStatusCancelled, POStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestOrderTotal(t *testing.T) {
	items := []OrderItem{
		{CostPrice: decimal.RequireFromString("2.50"), Quantity: 4},
		{CostPrice: decimal.RequireFromString("0.10"), Quantity: 3},
	}

	assert.True(t, decimal.RequireFromString("10.30").Equal(OrderTotal(items)))
	assert.True(t, OrderTotal(nil).IsZero())
}

func TestSyncQuantity(t *testing.T) {
	p := Product{
		IsVariable: true,
		Quantity:   100,
		Variants:   []Variant{{ID: "a", Quantity: 2}, {ID: "b", Quantity: 5}},
	}
	p.SyncQuantity()
	assert.Equal(t, 7, p.Quantity)

	simple := Product{Quantity: 4}
	simple.SyncQuantity()
	assert.Equal(t, 4, simple.Quantity)
}

func TestThreshold(t *testing.T) {
	three := 3
	assert.Equal(t, DefaultLowStockThreshold, (&Product{}).Threshold(DefaultLowStockThreshold))
	assert.Equal(t, 3, (&Product{LowStockThreshold: &three}).Threshold(DefaultLowStockThreshold))
	assert.True(t, (&Product{Quantity: 5}).IsLowStock(5))
	assert.False(t, (&Product{Quantity: 6}).IsLowStock(5))
}

func TestVariantLabel(t *testing.T) {
	v := Variant{Attributes: []Attribute{{Name: "Size", Value: "M"}, {Name: "Color", Value: "Red"}}}
	assert.Equal(t, "M / Red", v.Label())
}

func TestPurchaseOrderStampStatusTimes(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	o := PurchaseOrder{Status: POStatusPending}
	o.Stamp(t0)
	assert.Equal(t, t0, o.CreatedAt)
	assert.Nil(t, o.ReceivedAt)

	o.Status = POStatusReceived
	o.Stamp(t1)
	assert.Equal(t, t0, o.CreatedAt)
	assert.Equal(t, t1, o.UpdatedAt)
	if assert.NotNil(t, o.ReceivedAt) {
		assert.Equal(t, t1, *o.ReceivedAt)
	}
}
