package api

import (
	"net/http"

	"stockflow/internal/models"
	"stockflow/internal/service"

	"github.com/gin-gonic/gin"
)

// createOrder handles purchase order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreatePurchaseOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	order, err := h.svc.Orders.Create(c.Request.Context(), session(c), req)
	if err != nil {
		h.fail(c, "Failed to create purchase order", err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.svc.Orders.Get(c.Request.Context(), session(c), c.Param("id"))
	if err != nil {
		h.fail(c, "Purchase order not found", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.svc.Orders.List(c.Request.Context(), session(c), models.POStatus(c.Query("status")))
	if err != nil {
		h.fail(c, "Failed to list purchase orders", err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

// receiveOrder books every line of a pending order into stock
func (h *Handler) receiveOrder(c *gin.Context) {
	result, err := h.svc.Stock.ReceivePurchaseOrder(c.Request.Context(), session(c), c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to receive purchase order", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	order, err := h.svc.Orders.Cancel(c.Request.Context(), session(c), c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to cancel purchase order", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.svc.Profiles.List(c.Request.Context(), session(c))
	if err != nil {
		h.fail(c, "Failed to list users", err)
		return
	}
	c.JSON(http.StatusOK, users)
}

type roleBody struct {
	Role models.Role `json:"role" binding:"required"`
}

func (h *Handler) setRole(c *gin.Context) {
	var body roleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	profile, err := h.svc.Profiles.SetRole(c.Request.Context(), session(c), c.Param("id"), body.Role)
	if err != nil {
		h.fail(c, "Failed to change role", err)
		return
	}
	c.JSON(http.StatusOK, profile)
}
