// Package projection computes read-only views over products, orders and logs.
// Projections never fail: empty input yields empty or zero output.
package projection

import (
	"sort"
	"time"

	"stockflow/internal/models"

	"github.com/shopspring/decimal"
)

// MovementDays is the width of the movement series window
const MovementDays = 7

// LowStock returns products at or below their threshold, in input order
func LowStock(products []models.Product, defaultThreshold int) []models.Product {
	out := make([]models.Product, 0)
	for i := range products {
		if products[i].IsLowStock(defaultThreshold) {
			out = append(out, products[i])
		}
	}
	return out
}

// CategoryTotal is the summed quantity of one category
type CategoryTotal struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// CategoryDistribution sums quantity per category name, largest first.
// Equal totals are ordered by name.
func CategoryDistribution(products []models.Product) []CategoryTotal {
	totals := make(map[string]int)
	for _, p := range products {
		name := p.CategoryName
		if name == "" {
			name = models.UncategorizedName
		}
		totals[name] += p.Quantity
	}

	out := make([]CategoryTotal, 0, len(totals))
	for name, qty := range totals {
		out = append(out, CategoryTotal{Name: name, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Quantity != out[j].Quantity {
			return out[i].Quantity > out[j].Quantity
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// DayMovement holds stock in and out for one local calendar day
type DayMovement struct {
	Date     string `json:"date"`
	Incoming int    `json:"incoming"`
	Outgoing int    `json:"outgoing"`
}

// MovementSeries buckets logs into the seven local days ending on now's day,
// oldest first. Logs outside the window are ignored.
func MovementSeries(logs []models.InventoryLog, now time.Time, loc *time.Location) []DayMovement {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	series := make([]DayMovement, MovementDays)
	index := make(map[string]int, MovementDays)
	for i := 0; i < MovementDays; i++ {
		day := today.AddDate(0, 0, i-(MovementDays-1))
		key := day.Format(time.DateOnly)
		series[i] = DayMovement{Date: key}
		index[key] = i
	}

	for _, l := range logs {
		i, ok := index[l.Timestamp.In(loc).Format(time.DateOnly)]
		if !ok {
			continue
		}
		if l.Change > 0 {
			series[i].Incoming += l.Change
		} else {
			series[i].Outgoing += -l.Change
		}
	}
	return series
}

// Valuation is Σ sellingPrice × quantity
func Valuation(products []models.Product) decimal.Decimal {
	total := decimal.Zero
	for _, p := range products {
		total = total.Add(p.SellingPrice.Mul(decimal.NewFromInt(int64(p.Quantity))))
	}
	return total
}

// Dashboard aggregates the headline numbers of the inventory
type Dashboard struct {
	TotalProducts  int             `json:"total_products"`
	LowStockCount  int             `json:"low_stock_count"`
	PendingOrders  int             `json:"pending_orders"`
	InventoryValue decimal.Decimal `json:"inventory_value"`
	Categories     []CategoryTotal `json:"categories"`
	Movement       []DayMovement   `json:"movement"`
}

// Summarize builds the dashboard from the full entity set
func Summarize(
	products []models.Product,
	orders []models.PurchaseOrder,
	logs []models.InventoryLog,
	now time.Time,
	loc *time.Location,
	defaultThreshold int,
) Dashboard {
	pending := 0
	for _, o := range orders {
		if o.Status == models.POStatusPending {
			pending++
		}
	}

	return Dashboard{
		TotalProducts:  len(products),
		LowStockCount:  len(LowStock(products, defaultThreshold)),
		PendingOrders:  pending,
		InventoryValue: Valuation(products),
		Categories:     CategoryDistribution(products),
		Movement:       MovementSeries(logs, now, loc),
	}
}
