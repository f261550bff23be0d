package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
	"github.com/matheusmosca/ondc-callback-relay/ondc/telemetry"
)

// OrderUseCaseInterface define a interface para o use case
type OrderUseCaseInterface interface {
	Confirm(ctx context.Context, req *protocol.Envelope) error
	Cancel(ctx context.Context, req *protocol.Envelope) error
	Status(ctx context.Context, req *protocol.Envelope) error
	GetOrder(ctx context.Context, orderID string) (*OrderRecord, error)
}

// OrderHandler contém os handlers HTTP
type OrderHandler struct {
	useCase OrderUseCaseInterface
	self    protocol.Identity
	service string
	tracer  trace.Tracer
}

// NewOrderHandler cria uma nova instância de OrderHandler
func NewOrderHandler(useCase OrderUseCaseInterface, self protocol.Identity, service string, tracer trace.Tracer) *OrderHandler {
	return &OrderHandler{
		useCase: useCase,
		self:    self,
		service: service,
		tracer:  tracer,
	}
}

// Confirm recebe o /confirm do BAP
func (h *OrderHandler) Confirm(c *gin.Context) {
	h.handle(c, protocol.ActionConfirm, h.useCase.Confirm)
}

// Cancel recebe o /cancel do BAP
func (h *OrderHandler) Cancel(c *gin.Context) {
	h.handle(c, protocol.ActionCancel, h.useCase.Cancel)
}

// Status recebe o /status do BAP
func (h *OrderHandler) Status(c *gin.Context) {
	h.handle(c, protocol.ActionStatus, h.useCase.Status)
}

// handle responde de forma síncrona com ACK ou NACK. NACKs de protocolo saem
// com 200 para o remetente não reenviar. Um corpo que não é JSON recebe 400
// e uma falha interna recebe 500.
func (h *OrderHandler) handle(c *gin.Context, action protocol.Action, fn func(context.Context, *protocol.Envelope) error) {
	var req protocol.Envelope
	if err := c.ShouldBindJSON(&req); err != nil {
		_, span := h.tracer.Start(c.Request.Context(), "ondc."+string(action))
		span.RecordError(err)
		span.End()
		c.JSON(http.StatusBadRequest, protocol.NewNack(protocol.ReplyContext(nil, h.self),
			protocol.NewContextError(protocol.CodeInvalidRequest, "Invalid JSON body: %v", err)))
		return
	}

	ctx, span := telemetry.StartMessageSpan(c.Request.Context(), h.tracer, action, &req)
	defer span.End()

	reply := protocol.ReplyContext(req.Context, h.self)
	err := fn(ctx, &req)
	if err == nil {
		span.SetAttributes(attribute.String("ondc.reply", protocol.StatusAck))
		c.JSON(http.StatusOK, protocol.NewAck(reply))
		return
	}

	span.RecordError(err)
	span.SetAttributes(attribute.String("ondc.reply", protocol.StatusNack))

	var perr *protocol.Error
	if errors.As(err, &perr) {
		c.JSON(http.StatusOK, protocol.NewNack(reply, perr))
		return
	}
	c.JSON(http.StatusInternalServerError, protocol.NewNack(reply, protocol.AsError(err)))
}

// GetOrder retorna o registro de um pedido
func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "get_order")
	defer span.End()

	orderID := c.Param("id")
	span.SetAttributes(attribute.String("order_id", orderID))

	rec, err := h.useCase.GetOrder(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		status := http.StatusInternalServerError
		if errors.Is(err, ErrOrderNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, rec)
}

// HealthCheck verifica a saúde do serviço
func (h *OrderHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.service,
	})
}

// registerRoutes liga os handlers ao router
func registerRoutes(r *gin.Engine, h *OrderHandler) {
	r.GET("/health", h.HealthCheck)

	r.POST("/confirm", h.Confirm)
	r.POST("/cancel", h.Cancel)
	r.POST("/status", h.Status)

	r.GET("/api/orders/:id", h.GetOrder)
}
