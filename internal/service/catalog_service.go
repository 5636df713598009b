package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stockflow/internal/access"
	"stockflow/internal/apperr"
	"stockflow/internal/docstore"
	"stockflow/internal/models"
	"stockflow/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CatalogService manages products, categories and suppliers
type CatalogService struct {
	store            docstore.Store
	defaultThreshold int
	logger           *zap.Logger
}

// NewCatalogService creates a new catalog service
func NewCatalogService(store docstore.Store, defaultThreshold int) *CatalogService {
	return &CatalogService{
		store:            store,
		defaultThreshold: defaultThreshold,
		logger:           util.GetLogger(),
	}
}

// ProductInput holds the fields of a new product
type ProductInput struct {
	Name              string           `json:"name"`
	SKU               string           `json:"sku"`
	Barcode           string           `json:"barcode,omitempty"`
	Description       string           `json:"description,omitempty"`
	CategoryID        string           `json:"category_id,omitempty"`
	SupplierID        string           `json:"supplier_id,omitempty"`
	CostPrice         decimal.Decimal  `json:"cost_price"`
	SellingPrice      decimal.Decimal  `json:"selling_price"`
	Quantity          int              `json:"quantity"`
	LowStockThreshold *int             `json:"low_stock_threshold,omitempty"`
	ImageURLs         []string         `json:"image_urls,omitempty"`
	IsVariable        bool             `json:"is_variable"`
	Options           []models.Option  `json:"options,omitempty"`
	Variants          []models.Variant `json:"variants,omitempty"`
}

func (in *ProductInput) validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.SKU = strings.TrimSpace(in.SKU)
	switch {
	case len(in.Name) < 2:
		return apperr.Validation("name must be at least 2 characters")
	case len(in.SKU) < 3:
		return apperr.Validation("sku must be at least 3 characters")
	case in.CostPrice.IsNegative():
		return apperr.Validation("cost price must not be negative")
	case in.SellingPrice.IsNegative():
		return apperr.Validation("selling price must not be negative")
	case in.Quantity < 0:
		return apperr.Validation("quantity must not be negative")
	case in.LowStockThreshold != nil && *in.LowStockThreshold < 0:
		return apperr.Validation("low stock threshold must not be negative")
	}
	if !in.IsVariable {
		if len(in.Variants) > 0 || len(in.Options) > 0 {
			return apperr.Validation("only variable products have variants")
		}
		return nil
	}
	for _, o := range in.Options {
		if strings.TrimSpace(o.Name) == "" || len(o.Values) == 0 {
			return apperr.Validation("option %q needs a name and at least one value", o.Name)
		}
	}
	if len(in.Variants) == 0 && len(in.Options) == 0 {
		return apperr.Validation("variable product needs options or variants")
	}
	return validateVariants(in.Variants, in.Options)
}

// validateVariants rejects caller-supplied variants that repeat an id or an
// attribute combination, or that use attributes outside options.
func validateVariants(variants []models.Variant, options []models.Option) error {
	allowed := make(map[string]map[string]bool, len(options))
	for _, o := range options {
		values := make(map[string]bool, len(o.Values))
		for _, v := range o.Values {
			values[v] = true
		}
		allowed[o.Name] = values
	}

	ids := make(map[string]bool, len(variants))
	combos := make(map[string]bool, len(variants))
	for i, v := range variants {
		if v.Quantity < 0 {
			return apperr.Validation("variant quantity must not be negative")
		}
		if v.SellingPrice.IsNegative() {
			return apperr.Validation("variant price must not be negative")
		}
		if v.ID != "" {
			if ids[v.ID] {
				return apperr.Validation("variant id %q is used more than once", v.ID)
			}
			ids[v.ID] = true
		}
		if len(options) > 0 {
			for _, a := range v.Attributes {
				values, ok := allowed[a.Name]
				if !ok || !values[a.Value] {
					return apperr.Validation("variant %d: %s=%q is not one of the product options", i+1, a.Name, a.Value)
				}
			}
		}
		if len(v.Attributes) > 0 {
			parts := make([]string, len(v.Attributes))
			for j, a := range v.Attributes {
				parts[j] = a.Name + "=" + a.Value
			}
			combo := strings.Join(parts, ";")
			if combos[combo] {
				return apperr.Validation("variant %q is listed more than once", v.Label())
			}
			combos[combo] = true
		}
	}
	return nil
}

// CreateProduct adds a product. Variable products without explicit variants
// get one per option combination.
func (s *CatalogService) CreateProduct(ctx context.Context, sess *access.Session, in ProductInput) (product *models.Product, err error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.CreateProduct")
	defer func() { util.EndSpan(span, err) }()

	if err := access.Require(sess, models.RoleManager); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	newID := func() string { return s.store.NewID(models.CollectionProducts) }
	variants := in.Variants
	if in.IsVariable && len(variants) == 0 {
		variants = GenerateVariants(in.SKU, in.SellingPrice, in.Options, newID)
	}
	variants = fillVariants(variants, in.SKU, in.SellingPrice, newID)
	if err := uniqueSKUs(variants); err != nil {
		return nil, err
	}

	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		product = &models.Product{
			ID:                s.store.NewID(models.CollectionProducts),
			Name:              in.Name,
			SKU:               in.SKU,
			Barcode:           in.Barcode,
			Description:       in.Description,
			CategoryName:      models.UncategorizedName,
			CostPrice:         in.CostPrice,
			SellingPrice:      in.SellingPrice,
			Quantity:          in.Quantity,
			LowStockThreshold: in.LowStockThreshold,
			ImageURLs:         in.ImageURLs,
			IsVariable:        in.IsVariable,
			Options:           in.Options,
			Variants:          variants,
		}
		if product.LowStockThreshold == nil {
			threshold := s.defaultThreshold
			product.LowStockThreshold = &threshold
		}
		product.SyncQuantity()

		if in.CategoryID != "" {
			var category models.Category
			if err := tx.Get(ctx, models.CollectionCategories, in.CategoryID, &category); err != nil {
				return fmt.Errorf("category: %w", err)
			}
			product.CategoryID = category.ID
			product.CategoryName = category.Name
		}
		if in.SupplierID != "" {
			var supplier models.Supplier
			if err := tx.Get(ctx, models.CollectionSuppliers, in.SupplierID, &supplier); err != nil {
				return fmt.Errorf("supplier: %w", err)
			}
			product.SupplierID = supplier.ID
			product.SupplierName = supplier.Name
		}

		tx.Create(models.CollectionProducts, product.ID, product)
		return nil
	})
	if err != nil {
		logFailure(s.logger, "Product creation failed", err, zap.String("sku", in.SKU))
		return nil, err
	}

	s.logger.Info("Product created",
		zap.String("product_id", product.ID),
		zap.String("sku", product.SKU),
		zap.Int("variants", len(product.Variants)))
	return product, nil
}

// GetProduct retrieves a product by ID
func (s *CatalogService) GetProduct(ctx context.Context, sess *access.Session, id string) (*models.Product, error) {
	if err := access.Require(sess, models.RoleViewer); err != nil {
		return nil, err
	}
	var product models.Product
	if err := s.store.Get(ctx, models.CollectionProducts, id, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// ListProducts returns products ordered by name, optionally within one category
func (s *CatalogService) ListProducts(ctx context.Context, sess *access.Session, categoryID string) ([]models.Product, error) {
	if err := access.Require(sess, models.RoleViewer); err != nil {
		return nil, err
	}
	docs, err := s.store.Query(ctx, productsQuery(categoryID))
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	return decodeAll[models.Product](docs)
}

// WatchProducts streams products ordered by name
func (s *CatalogService) WatchProducts(ctx context.Context, sess *access.Session, categoryID string) (<-chan docstore.Snapshot, error) {
	if err := access.Require(sess, models.RoleViewer); err != nil {
		return nil, err
	}
	return s.store.Watch(ctx, productsQuery(categoryID))
}

func productsQuery(categoryID string) docstore.Query {
	q := docstore.Query{Collection: models.CollectionProducts}.Ordered("name", false)
	if categoryID != "" {
		q = q.Where("category_id", categoryID)
	}
	return q
}

// SearchProducts returns products whose name, SKU, barcode or variant SKU
// contains term, ignoring case. An empty term lists everything.
func (s *CatalogService) SearchProducts(ctx context.Context, sess *access.Session, term string) ([]models.Product, error) {
	products, err := s.ListProducts(ctx, sess, "")
	if err != nil {
		return nil, err
	}
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return products, nil
	}
	matched := make([]models.Product, 0, len(products))
	for _, p := range products {
		if productMatches(&p, term) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

func productMatches(p *models.Product, term string) bool {
	for _, field := range []string{p.Name, p.SKU, p.Barcode} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	for _, v := range p.Variants {
		if strings.Contains(strings.ToLower(v.SKU), term) {
			return true
		}
	}
	return false
}

// ProductMatch is what a scanned code resolved to
type ProductMatch struct {
	Product   models.Product `json:"product"`
	VariantID string         `json:"variant_id,omitempty"`
}

// LookupCode resolves a scanned barcode or SKU to one product, or to one
// variant by its SKU. A code shared by several products is rejected.
func (s *CatalogService) LookupCode(ctx context.Context, sess *access.Session, code string) (*ProductMatch, error) {
	if err := access.Require(sess, models.RoleViewer); err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperr.Validation("code is required")
	}

	for _, field := range []string{"barcode", "sku"} {
		docs, err := s.store.Query(ctx, docstore.Query{Collection: models.CollectionProducts}.Where(field, code))
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s: %w", field, err)
		}
		switch len(docs) {
		case 0:
			continue
		case 1:
			var p models.Product
			if err := docs[0].Decode(&p); err != nil {
				return nil, err
			}
			return &ProductMatch{Product: p}, nil
		default:
			return nil, apperr.Validation("%s %q matches %d products", field, code, len(docs))
		}
	}

	// variant SKUs are embedded in their product
	products, err := s.ListProducts(ctx, sess, "")
	if err != nil {
		return nil, err
	}
	var matches []ProductMatch
	for _, p := range products {
		for _, v := range p.Variants {
			if strings.EqualFold(v.SKU, code) {
				matches = append(matches, ProductMatch{Product: p, VariantID: v.ID})
			}
		}
	}
	switch len(matches) {
	case 0:
		return nil, apperr.NotFound("no product with code %q", code)
	case 1:
		return &matches[0], nil
	default:
		return nil, apperr.Validation("sku %q matches %d variants", code, len(matches))
	}
}

// CreateCategory adds a category. The hierarchy is flat: a parent is
// recorded but not traversed.
func (s *CatalogService) CreateCategory(ctx context.Context, sess *access.Session, name string, parentID *string) (*models.Category, error) {
	if err := access.Require(sess, models.RoleManager); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("category name is required")
	}
	if parentID != nil && *parentID == "" {
		parentID = nil
	}

	category := &models.Category{
		ID:       s.store.NewID(models.CollectionCategories),
		Name:     name,
		ParentID: parentID,
	}
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if parentID != nil {
			var parent models.Category
			if err := tx.Get(ctx, models.CollectionCategories, *parentID, &parent); err != nil {
				return fmt.Errorf("parent category: %w", err)
			}
		}
		tx.Create(models.CollectionCategories, category.ID, category)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Category created", zap.String("category_id", category.ID), zap.String("name", name))
	return category, nil
}

// ListCategories returns categories ordered by name
func (s *CatalogService) ListCategories(ctx context.Context, sess *access.Session) ([]models.Category, error) {
	if err := access.Require(sess, models.RoleViewer); err != nil {
		return nil, err
	}
	docs, err := s.store.Query(ctx, docstore.Query{Collection: models.CollectionCategories}.Ordered("name", false))
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	return decodeAll[models.Category](docs)
}

// SupplierInput holds the fields of a new supplier
type SupplierInput struct {
	Name        string `json:"name"`
	ContactName string `json:"contact_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Address     string `json:"address,omitempty"`
}

// CreateSupplier adds a supplier
func (s *CatalogService) CreateSupplier(ctx context.Context, sess *access.Session, in SupplierInput) (*models.Supplier, error) {
	if err := access.Require(sess, models.RoleManager); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, apperr.Validation("supplier name is required")
	}
	if in.Email != "" && !strings.Contains(in.Email, "@") {
		return nil, apperr.Validation("supplier email %q is malformed", in.Email)
	}

	supplier := &models.Supplier{
		ID:          s.store.NewID(models.CollectionSuppliers),
		Name:        in.Name,
		ContactName: in.ContactName,
		Email:       in.Email,
		Phone:       in.Phone,
		Address:     in.Address,
	}
	err := s.store.RunBatch(ctx, []docstore.Write{
		docstore.CreateWrite(models.CollectionSuppliers, supplier.ID, supplier),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Supplier created", zap.String("supplier_id", supplier.ID), zap.String("name", supplier.Name))
	return supplier, nil
}

// ListSuppliers returns suppliers ordered by name
func (s *CatalogService) ListSuppliers(ctx context.Context, sess *access.Session) ([]models.Supplier, error) {
	if err := access.Require(sess, models.RoleViewer); err != nil {
		return nil, err
	}
	docs, err := s.store.Query(ctx, docstore.Query{Collection: models.CollectionSuppliers}.Ordered("name", false))
	if err != nil {
		return nil, fmt.Errorf("failed to query suppliers: %w", err)
	}
	return decodeAll[models.Supplier](docs)
}

// GenerateVariants expands options into every attribute combination, first
// option varying slowest. SKUs are "<base>-<VALUES>" and prices start at price.
func GenerateVariants(baseSKU string, price decimal.Decimal, options []models.Option, newID func() string) []models.Variant {
	if len(options) == 0 {
		return nil
	}
	combos := [][]models.Attribute{{}}
	for _, o := range options {
		if len(o.Values) == 0 {
			return nil
		}
		next := make([][]models.Attribute, 0, len(combos)*len(o.Values))
		for _, combo := range combos {
			for _, value := range o.Values {
				attrs := make([]models.Attribute, len(combo), len(combo)+1)
				copy(attrs, combo)
				next = append(next, append(attrs, models.Attribute{Name: o.Name, Value: value}))
			}
		}
		combos = next
	}

	variants := make([]models.Variant, 0, len(combos))
	for _, attrs := range combos {
		variants = append(variants, models.Variant{
			ID:           newID(),
			SKU:          variantSKU(baseSKU, attrs),
			Attributes:   attrs,
			SellingPrice: price,
		})
	}
	return variants
}

func variantSKU(baseSKU string, attrs []models.Attribute) string {
	values := make([]string, len(attrs))
	for i, a := range attrs {
		values[i] = a.Value
	}
	suffix := strings.ToUpper(strings.Join(values, "-"))
	if baseSKU == "" {
		return suffix
	}
	return baseSKU + "-" + suffix
}

// fillVariants assigns ids, SKUs and prices to variants that lack them
func fillVariants(variants []models.Variant, baseSKU string, price decimal.Decimal, newID func() string) []models.Variant {
	for i := range variants {
		v := &variants[i]
		if v.ID == "" {
			v.ID = newID()
		}
		if v.SKU == "" {
			v.SKU = variantSKU(baseSKU, v.Attributes)
		}
		if v.SellingPrice.IsZero() {
			v.SellingPrice = price
		}
	}
	return variants
}

// uniqueSKUs rejects variants sharing a SKU, ignoring case
func uniqueSKUs(variants []models.Variant) error {
	seen := make(map[string]bool, len(variants))
	for _, v := range variants {
		sku := strings.ToUpper(v.SKU)
		if seen[sku] {
			return apperr.Validation("variant sku %q is used more than once", v.SKU)
		}
		seen[sku] = true
	}
	return nil
}

// isNotFound reports whether err is a missing-document error
func isNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}
