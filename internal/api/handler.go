package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stockflow/internal/access"
	"stockflow/internal/apperr"
	"stockflow/internal/auth"
	"stockflow/internal/service"
	"stockflow/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const sessionKey = "session"

// Checker reports whether a dependency is ready to serve
type Checker func(ctx context.Context) error

// Services are the operations the HTTP layer exposes
type Services struct {
	Stock     *service.StockService
	Orders    *service.PurchaseOrderService
	Catalog   *service.CatalogService
	Profiles  *service.ProfileService
	Dashboard *service.DashboardService
}

// Handler contains HTTP handlers
type Handler struct {
	svc      Services
	verifier *auth.Verifier
	checks   map[string]Checker
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. checks are consulted by /ready.
func NewHandler(svc Services, verifier *auth.Verifier, checks map[string]Checker) *Handler {
	return &Handler{
		svc:      svc,
		verifier: verifier,
		checks:   checks,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", h.authMiddleware())
	{
		v1.GET("/me", h.me)

		v1.GET("/products", h.listProducts)
		v1.POST("/products", h.createProduct)
		v1.GET("/products/:id", h.getProduct)
		v1.GET("/lookup/:code", h.lookupCode)
		v1.POST("/products/:id/adjustments", h.adjustStock)
		v1.POST("/products/:id/sales", h.recordSale)

		v1.GET("/categories", h.listCategories)
		v1.POST("/categories", h.createCategory)
		v1.GET("/suppliers", h.listSuppliers)
		v1.POST("/suppliers", h.createSupplier)

		v1.GET("/orders", h.listOrders)
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/receive", h.receiveOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)

		v1.GET("/logs", h.listLogs)

		v1.GET("/dashboard", h.dashboard)
		v1.GET("/dashboard/low-stock", h.lowStock)
		v1.GET("/dashboard/categories", h.categoryDistribution)

		v1.GET("/users", h.listUsers)
		v1.PUT("/users/:id/role", h.setRole)

		v1.GET("/stream/:collection", h.stream)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failures := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "not ready",
			"failures": failures,
			"time":     time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// authMiddleware verifies the bearer token and provisions the caller's
// profile. Browsers opening a websocket pass the token as access_token.
func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || token == c.GetHeader("Authorization") {
			token = c.Query("access_token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}

		id, err := h.verifier.Parse(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid token",
				"details": err.Error(),
			})
			return
		}

		sess, err := h.svc.Profiles.EnsureProfile(c.Request.Context(), *id)
		if err != nil {
			h.fail(c, "Failed to load profile", err)
			c.Abort()
			return
		}

		c.Set(sessionKey, sess)
		c.Next()
	}
}

func session(c *gin.Context) *access.Session {
	if v, ok := c.Get(sessionKey); ok {
		if sess, ok := v.(*access.Session); ok {
			return sess
		}
	}
	return nil
}

// me returns the caller's session
func (h *Handler) me(c *gin.Context) {
	c.JSON(http.StatusOK, session(c))
}

// statusOf maps an error kind to its HTTP status
func statusOf(err error) int {
	switch apperr.Kind(err) {
	case apperr.ErrValidation:
		return http.StatusBadRequest
	case apperr.ErrInsufficientStock, apperr.ErrOutOfStock, apperr.ErrInvalidTransition, apperr.ErrConflict:
		return http.StatusConflict
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrPermissionDenied:
		return http.StatusForbidden
	}
	if errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error response
func (h *Handler) fail(c *gin.Context, msg string, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   msg,
		"reason":  apperr.Reason(err),
		"details": err.Error(),
	})
}

// badRequest rejects an undecodable body
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"reason":  "ValidationError",
		"details": err.Error(),
	})
}

// queryInt reads an optional non-negative integer parameter
func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("%s must be a non-negative integer", name)
	}
	return n, nil
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
