package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Collection names in the document store
const (
	CollectionProducts       = "products"
	CollectionCategories     = "categories"
	CollectionSuppliers      = "suppliers"
	CollectionPurchaseOrders = "purchase_orders"
	CollectionInventoryLogs  = "inventory_logs"
	CollectionUsers          = "users"
	CollectionMeta           = "meta"
	CollectionSaleKeys       = "sale_keys"
)

// Collections lists every collection the service writes
func Collections() []string {
	return []string{
		CollectionProducts,
		CollectionCategories,
		CollectionSuppliers,
		CollectionPurchaseOrders,
		CollectionInventoryLogs,
		CollectionUsers,
		CollectionMeta,
		CollectionSaleKeys,
	}
}

// Well-known documents in the meta collection
const (
	MetaBootstrap           = "bootstrap"
	MetaPurchaseOrderNumber = "purchase_order_number"
)

// DefaultLowStockThreshold applies when a product has no threshold of its own
const DefaultLowStockThreshold = 5

// UncategorizedName labels products without a category
const UncategorizedName = "Uncategorized"

// Product represents a catalog item and its stock counter
type Product struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	SKU               string          `json:"sku"`
	Barcode           string          `json:"barcode,omitempty"`
	Description       string          `json:"description,omitempty"`
	CategoryID        string          `json:"category_id,omitempty"`
	CategoryName      string          `json:"category_name,omitempty"`
	SupplierID        string          `json:"supplier_id,omitempty"`
	SupplierName      string          `json:"supplier_name,omitempty"`
	CostPrice         decimal.Decimal `json:"cost_price"`
	SellingPrice      decimal.Decimal `json:"selling_price"`
	Quantity          int             `json:"quantity"`
	LowStockThreshold *int            `json:"low_stock_threshold,omitempty"`
	ImageURLs         []string        `json:"image_urls,omitempty"`
	IsVariable        bool            `json:"is_variable"`
	Variants          []Variant       `json:"variants,omitempty"`
	Options           []Option        `json:"options,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Stamp applies the store's commit time
func (p *Product) Stamp(now time.Time) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
}

// Threshold returns the product's low-stock threshold, falling back to def
func (p *Product) Threshold(def int) int {
	if p.LowStockThreshold != nil {
		return *p.LowStockThreshold
	}
	return def
}

// IsLowStock reports whether quantity is at or below the threshold
func (p *Product) IsLowStock(def int) bool {
	return p.Quantity <= p.Threshold(def)
}

// Variant returns the variant with the given id
func (p *Product) Variant(id string) (*Variant, bool) {
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			return &p.Variants[i], true
		}
	}
	return nil, false
}

// SyncQuantity derives the parent quantity of a variable product from its variants.
// Variant quantities are authoritative.
func (p *Product) SyncQuantity() {
	if !p.IsVariable {
		return
	}
	total := 0
	for _, v := range p.Variants {
		total += v.Quantity
	}
	p.Quantity = total
}

// PrimaryImage returns the first image url or empty string
func (p *Product) PrimaryImage() string {
	if len(p.ImageURLs) == 0 {
		return ""
	}
	return p.ImageURLs[0]
}

// Variant is a stock-keeping attribute combination embedded in a Product
type Variant struct {
	ID           string          `json:"id"`
	SKU          string          `json:"sku"`
	Attributes   []Attribute     `json:"attributes"`
	Quantity     int             `json:"quantity"`
	SellingPrice decimal.Decimal `json:"selling_price"`
}

// Label joins attribute values, e.g. "M / Red"
func (v *Variant) Label() string {
	values := make([]string, 0, len(v.Attributes))
	for _, a := range v.Attributes {
		values = append(values, a.Value)
	}
	return strings.Join(values, " / ")
}

// Attribute is one ordered key/value pair of a variant
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Option defines an attribute and its allowed values, used to generate variants
type Option struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Category groups products. Hierarchy is flat.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  *string   `json:"parent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Stamp applies the store's commit time
func (c *Category) Stamp(now time.Time) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
}

// Supplier represents a vendor purchase orders are placed with
type Supplier struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContactName string    `json:"contact_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Address     string    `json:"address,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stamp applies the store's commit time
func (s *Supplier) Stamp(now time.Time) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
}

// InventoryLog is an append-only audit row for one quantity change
type InventoryLog struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name"`
	VariantID   string    `json:"variant_id,omitempty"`
	Change      int       `json:"change"`
	PreviousQty int       `json:"previous_qty"`
	NewQty      int       `json:"new_qty"`
	Reason      string    `json:"reason"`
	UserID      string    `json:"user_id"`
	UserEmail   string    `json:"user_email"`
	Timestamp   time.Time `json:"timestamp"`
}

// Stamp applies the store's commit time
func (l *InventoryLog) Stamp(now time.Time) {
	if l.Timestamp.IsZero() {
		l.Timestamp = now
	}
}

// Suggested adjustment reasons. Free text is accepted as well.
const (
	ReasonRestock    = "Restock"
	ReasonDamage     = "Damage"
	ReasonReturn     = "Return"
	ReasonCorrection = "Correction"
	ReasonSale       = "Sale"
)

// Role is a user's access level
type Role string

// Roles known to the access policy
const (
	RoleViewer     Role = "Viewer"
	RoleSalesStaff Role = "Sales Staff"
	RoleManager    Role = "Manager"
	RoleAdmin      Role = "Admin"
)

// UserProfile is created lazily on first sign-in, keyed by the identity subject
type UserProfile struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Role        Role       `json:"role"`
	DisplayName string     `json:"display_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
}

// Stamp applies the store's commit time
func (u *UserProfile) Stamp(now time.Time) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.LastLogin == nil {
		u.LastLogin = &now
	}
}

// Bootstrap records which user was provisioned as the first Admin
type Bootstrap struct {
	AdminID   string    `json:"admin_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Stamp applies the store's commit time
func (b *Bootstrap) Stamp(now time.Time) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
}

// SaleRecord claims an idempotency key for one committed sale. It is written
// in the same transaction as the sale, keyed by the idempotency key.
type SaleRecord struct {
	ProductID string       `json:"product_id"`
	VariantID string       `json:"variant_id,omitempty"`
	Log       InventoryLog `json:"log"`
	Quantity  int          `json:"quantity"`
	CreatedAt time.Time    `json:"created_at"`
}

// Stamp applies the store's commit time to the record and its log copy
func (r *SaleRecord) Stamp(now time.Time) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.Log.Stamp(now)
}

// Counter is a monotonically increasing sequence stored as a document
type Counter struct {
	Value int64 `json:"value"`
}
