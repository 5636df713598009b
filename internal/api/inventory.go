package api

import (
	"net/http"

	"stockflow/internal/models"
	"stockflow/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) listProducts(c *gin.Context) {
	var (
		products []models.Product
		err      error
	)
	if q := c.Query("q"); q != "" {
		products, err = h.svc.Catalog.SearchProducts(c.Request.Context(), session(c), q)
	} else {
		products, err = h.svc.Catalog.ListProducts(c.Request.Context(), session(c), c.Query("category_id"))
	}
	if err != nil {
		h.fail(c, "Failed to list products", err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *Handler) lookupCode(c *gin.Context) {
	match, err := h.svc.Catalog.LookupCode(c.Request.Context(), session(c), c.Param("code"))
	if err != nil {
		h.fail(c, "Code lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, match)
}

func (h *Handler) getProduct(c *gin.Context) {
	product, err := h.svc.Catalog.GetProduct(c.Request.Context(), session(c), c.Param("id"))
	if err != nil {
		h.fail(c, "Product not found", err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) createProduct(c *gin.Context) {
	var req service.ProductInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	product, err := h.svc.Catalog.CreateProduct(c.Request.Context(), session(c), req)
	if err != nil {
		h.fail(c, "Failed to create product", err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

type adjustmentBody struct {
	VariantID string `json:"variant_id"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason"`
}

// adjustStock applies a manual stock adjustment
func (h *Handler) adjustStock(c *gin.Context) {
	var body adjustmentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	entry, err := h.svc.Stock.ApplyManualAdjustment(c.Request.Context(), session(c), service.AdjustmentRequest{
		ProductID: c.Param("id"),
		VariantID: body.VariantID,
		Delta:     body.Delta,
		Reason:    body.Reason,
	})
	if err != nil {
		h.fail(c, "Failed to adjust stock", err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

type saleBody struct {
	VariantID string `json:"variant_id"`
}

// recordSale sells one unit. The Idempotency-Key header makes retries safe.
func (h *Handler) recordSale(c *gin.Context) {
	var body saleBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
	}

	result, err := h.svc.Stock.RecordSale(c.Request.Context(), session(c), service.SaleRequest{
		ProductID:      c.Param("id"),
		VariantID:      body.VariantID,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		h.fail(c, "Failed to record sale", err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *Handler) listLogs(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.fail(c, "Invalid limit", err)
		return
	}
	logs, err := h.svc.Stock.ListLogs(c.Request.Context(), session(c), c.Query("product_id"), limit)
	if err != nil {
		h.fail(c, "Failed to list logs", err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handler) listCategories(c *gin.Context) {
	categories, err := h.svc.Catalog.ListCategories(c.Request.Context(), session(c))
	if err != nil {
		h.fail(c, "Failed to list categories", err)
		return
	}
	c.JSON(http.StatusOK, categories)
}

type categoryBody struct {
	Name     string  `json:"name" binding:"required"`
	ParentID *string `json:"parent_id"`
}

func (h *Handler) createCategory(c *gin.Context) {
	var body categoryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	category, err := h.svc.Catalog.CreateCategory(c.Request.Context(), session(c), body.Name, body.ParentID)
	if err != nil {
		h.fail(c, "Failed to create category", err)
		return
	}
	c.JSON(http.StatusCreated, category)
}

func (h *Handler) listSuppliers(c *gin.Context) {
	suppliers, err := h.svc.Catalog.ListSuppliers(c.Request.Context(), session(c))
	if err != nil {
		h.fail(c, "Failed to list suppliers", err)
		return
	}
	c.JSON(http.StatusOK, suppliers)
}

func (h *Handler) createSupplier(c *gin.Context) {
	var req service.SupplierInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	supplier, err := h.svc.Catalog.CreateSupplier(c.Request.Context(), session(c), req)
	if err != nil {
		h.fail(c, "Failed to create supplier", err)
		return
	}
	c.JSON(http.StatusCreated, supplier)
}

func (h *Handler) dashboard(c *gin.Context) {
	summary, err := h.svc.Dashboard.Summary(c.Request.Context(), session(c))
	if err != nil {
		h.fail(c, "Failed to build dashboard", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) lowStock(c *gin.Context) {
	products, err := h.svc.Dashboard.LowStock(c.Request.Context(), session(c))
	if err != nil {
		h.fail(c, "Failed to list low stock", err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func (h *Handler) categoryDistribution(c *gin.Context) {
	totals, err := h.svc.Dashboard.Categories(c.Request.Context(), session(c))
	if err != nil {
		h.fail(c, "Failed to build category distribution", err)
		return
	}
	c.JSON(http.StatusOK, totals)
}
