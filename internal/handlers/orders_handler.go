package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-idempotent-workflow/internal/gateway"
	"github.com/imrishuroy/go-idempotent-workflow/internal/orderrequests"
	"github.com/imrishuroy/go-idempotent-workflow/internal/validation"
)

// Submitter accepts fulfillment requests.
type Submitter interface {
	Submit(ctx context.Context, req gateway.Request) (gateway.Result, error)
}

// Reader looks up order requests.
type Reader interface {
	Get(ctx context.Context, id string) (*orderrequests.OrderRequest, error)
}

// HandlerConfig groups dependencies for the orders handler.
type HandlerConfig struct {
	Gateway Submitter
	Store   Reader
	Logger  zerolog.Logger
}

// NewRouter builds the gin engine with health, request logging and order routes.
func NewRouter(cfg HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(cfg.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	RegisterOrdersRoutes(r, cfg)
	return r
}

// RegisterOrdersRoutes registers routes for order API.
func RegisterOrdersRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()

	r.POST("/orders", func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := zerolog.Ctx(ctx)

		var req validation.CreateOrderRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		// Body and header may both carry the key; when both are present they must agree.
		key := req.IdempotencyKey
		if header := c.GetHeader("Idempotency-Key"); header != "" {
			if key != "" && key != header {
				c.JSON(http.StatusBadRequest, gin.H{"error": "idempotency_key_mismatch"})
				return
			}
			if !validation.ValidIdempotencyKey(header) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_idempotency_key"})
				return
			}
			key = header
		}

		res, err := cfg.Gateway.Submit(ctx, gateway.Request{
			IdempotencyKey:  key,
			CustomerID:      req.CustomerID,
			PaymentMethodID: req.PaymentMethodID,
			SKUs:            req.SKUs,
			CorrelationID:   requestID(c),
		})
		if errors.Is(err, gateway.ErrIdempotencyKeyRequired) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
			return
		}
		if err != nil {
			logger.Error().Err(err).Str("idempotency_key", key).Msg("submit order request failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "submit_failed"})
			return
		}

		c.Header("Location", fmt.Sprintf("/orders/%s", res.OrderRequestID))
		c.JSON(http.StatusAccepted, res)
	})

	r.GET("/orders/:id", func(c *gin.Context) {
		rec, err := cfg.Store.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, orderrequests.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_request_not_found"})
			return
		}
		if err != nil {
			zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("order_request_id", c.Param("id")).Msg("get order request failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
			return
		}
		c.JSON(http.StatusOK, rec)
	})
}

// requestLogger stores a request-scoped logger carrying the request id in the request context.
func requestLogger(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			c.Request.Header.Set("X-Request-Id", id)
		}
		c.Header("X-Request-Id", id)

		logger := base.With().Str("request_id", id).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))

		c.Next()

		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Msg("request handled")
	}
}

func requestID(c *gin.Context) string {
	return c.GetHeader("X-Request-Id")
}
