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

// CallbackProcessorInterface processa os callbacks recebidos do BPP
type CallbackProcessorInterface interface {
	OnConfirm(ctx context.Context, env *protocol.Envelope) error
	OnCancel(ctx context.Context, env *protocol.Envelope) error
	OnStatus(ctx context.Context, env *protocol.Envelope) error
}

// OrderUseCaseInterface define a interface para o use case
type OrderUseCaseInterface interface {
	ConfirmOrder(ctx context.Context, req ConfirmOrderRequest) (*Dispatch, error)
	CancelOrder(ctx context.Context, req CancelOrderRequest) (*Dispatch, error)
	StatusOrder(ctx context.Context, req StatusOrderRequest) (*Dispatch, error)
	GetOrder(ctx context.Context, orderID string) (*OrderRecord, error)
}

// OrderHandler contém os handlers HTTP
type OrderHandler struct {
	processor CallbackProcessorInterface
	useCase   OrderUseCaseInterface
	self      protocol.Identity
	service   string
	tracer    trace.Tracer
}

// NewOrderHandler cria uma nova instância de OrderHandler
func NewOrderHandler(processor CallbackProcessorInterface, useCase OrderUseCaseInterface, self protocol.Identity, service string, tracer trace.Tracer) *OrderHandler {
	return &OrderHandler{
		processor: processor,
		useCase:   useCase,
		self:      self,
		service:   service,
		tracer:    tracer,
	}
}

// OnConfirm recebe o /on_confirm do BPP
func (h *OrderHandler) OnConfirm(c *gin.Context) {
	h.callback(c, protocol.ActionOnConfirm, h.processor.OnConfirm)
}

// OnCancel recebe o /on_cancel do BPP
func (h *OrderHandler) OnCancel(c *gin.Context) {
	h.callback(c, protocol.ActionOnCancel, h.processor.OnCancel)
}

// OnStatus recebe o /on_status do BPP
func (h *OrderHandler) OnStatus(c *gin.Context) {
	h.callback(c, protocol.ActionOnStatus, h.processor.OnStatus)
}

// callback responde com ACK ou NACK. NACKs de protocolo saem com 200 para o
// BPP não reenviar.
func (h *OrderHandler) callback(c *gin.Context, action protocol.Action, fn func(context.Context, *protocol.Envelope) error) {
	var env protocol.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		_, span := h.tracer.Start(c.Request.Context(), "ondc."+string(action))
		span.RecordError(err)
		span.End()
		c.JSON(http.StatusBadRequest, protocol.NewNack(protocol.ReplyContext(nil, h.self),
			protocol.NewContextError(protocol.CodeInvalidRequest, "Invalid JSON body: %v", err)))
		return
	}

	ctx, span := telemetry.StartMessageSpan(c.Request.Context(), h.tracer, action, &env)
	defer span.End()

	reply := protocol.ReplyContext(env.Context, h.self)
	err := fn(ctx, &env)
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

// ConfirmOrder inicia um /confirm para o BPP
func (h *OrderHandler) ConfirmOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "confirm_order")
	defer span.End()

	var req ConfirmOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dispatch, err := h.useCase.ConfirmOrder(ctx, req)
	h.respondDispatch(c, span, dispatch, err)
}

// CancelOrder inicia um /cancel para o BPP
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "cancel_order")
	defer span.End()

	var req CancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.String("order_id", req.OrderID))

	dispatch, err := h.useCase.CancelOrder(ctx, req)
	h.respondDispatch(c, span, dispatch, err)
}

// StatusOrder inicia um /status para o BPP
func (h *OrderHandler) StatusOrder(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "status_order")
	defer span.End()

	var req StatusOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.String("order_id", req.OrderID))

	dispatch, err := h.useCase.StatusOrder(ctx, req)
	h.respondDispatch(c, span, dispatch, err)
}

func (h *OrderHandler) respondDispatch(c *gin.Context, span trace.Span, dispatch *Dispatch, err error) {
	if err == nil {
		span.SetAttributes(
			attribute.String("order_id", dispatch.OrderID),
			attribute.String("ondc.transaction_id", dispatch.TransactionID),
		)
		c.JSON(http.StatusAccepted, dispatch)
		return
	}

	span.RecordError(err)
	var perr *protocol.Error
	switch {
	case errors.As(err, &perr):
		c.JSON(http.StatusBadRequest, gin.H{"error": perr})
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrOrderExists), errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
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

	r.POST("/on_confirm", h.OnConfirm)
	r.POST("/on_cancel", h.OnCancel)
	r.POST("/on_status", h.OnStatus)

	api := r.Group("/api/orders")
	api.POST("/confirm", h.ConfirmOrder)
	api.POST("/cancel", h.CancelOrder)
	api.POST("/status", h.StatusOrder)
	api.GET("/:id", h.GetOrder)
}
