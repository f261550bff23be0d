package main

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
)

// OrderStatus representa o estágio de um pedido do lado do BAP
type OrderStatus string

const (
	OrderStatusConfirmSent       OrderStatus = "CONFIRM_SENT"
	OrderStatusConfirmSendFailed OrderStatus = "CONFIRM_SEND_FAILED"
	OrderStatusConfirmed         OrderStatus = "CONFIRMED"
	OrderStatusCancelledBySeller OrderStatus = "CANCELLED_BY_SELLER"
	OrderStatusFailed            OrderStatus = "FAILED"

	OrderStatusCancelSent       OrderStatus = "CANCEL_SENT"
	OrderStatusCancelSendFailed OrderStatus = "CANCEL_SEND_FAILED"
	OrderStatusCancelled        OrderStatus = "CANCELLED"
	OrderStatusCancelError      OrderStatus = "CANCEL_ERROR"
)

var ErrInvalidTransition = errors.New("invalid order status transition")

// allowedTransitions lista os status alcançáveis a partir de cada status.
// Envios com falha podem ser refeitos e um cancelamento pode seguir qualquer
// confirm concluído.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusConfirmSent: {
		OrderStatusConfirmed, OrderStatusCancelledBySeller, OrderStatusFailed,
		OrderStatusConfirmSendFailed, OrderStatusCancelSent,
	},
	OrderStatusConfirmSendFailed: {
		OrderStatusConfirmSent, OrderStatusConfirmed, OrderStatusCancelledBySeller, OrderStatusFailed,
	},
	OrderStatusConfirmed: {
		OrderStatusCancelSent, OrderStatusCancelled, OrderStatusCancelledBySeller,
		OrderStatusCancelError, OrderStatusFailed,
	},
	OrderStatusFailed: {
		OrderStatusCancelSent, OrderStatusCancelled, OrderStatusCancelledBySeller, OrderStatusCancelError,
	},
	OrderStatusCancelSent: {
		OrderStatusCancelled, OrderStatusCancelledBySeller, OrderStatusCancelError,
		OrderStatusFailed, OrderStatusCancelSendFailed,
	},
	OrderStatusCancelSendFailed:  {OrderStatusCancelSent},
	OrderStatusCancelError:       {OrderStatusCancelSent},
	OrderStatusCancelled:         {},
	OrderStatusCancelledBySeller: {},
}

// CanTransition informa se o status pode ir para next
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	return s == next || slices.Contains(allowedTransitions[s], next)
}

// CancelledByBuyer informa se um cancelamento do comprador foi enviado ou concluído
func (s OrderStatus) CancelledByBuyer() bool {
	return s == OrderStatusCancelSent || s == OrderStatusCancelSendFailed || s == OrderStatusCancelled
}

// Decision é o veredito síncrono retornado para uma classe de callback.
// Duplicatas da mesma classe recebem o mesmo veredito.
type Decision struct {
	Status     string          `json:"status"`
	NackReason *protocol.Error `json:"nack_reason,omitempty"`
	DecidedAt  time.Time       `json:"decided_at"`
}

// Err retorna o erro do NACK da decisão, ou nil para um ACK
func (d *Decision) Err() error {
	if d.Status == protocol.StatusAck {
		return nil
	}
	if d.NackReason == nil {
		return protocol.NewDomainError(protocol.CodeGenericNack, "Duplicate callback, previously NACKed")
	}
	return &protocol.Error{Type: d.NackReason.Type, Code: d.NackReason.Code, Message: d.NackReason.Message}
}

// OrderRecord é o estado de um pedido iniciado pelo BAP
type OrderRecord struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	// OriginalOrder e OriginalContext são capturados no envio do /confirm e
	// nunca mais alterados.
	OriginalOrder   *protocol.Order    `json:"original_order"`
	OriginalContext *protocol.Context  `json:"original_context"`
	Status          OrderStatus        `json:"status"`
	OrderState      string             `json:"order_state,omitempty"`
	ConfirmedOrder  *protocol.Order    `json:"confirmed_order,omitempty"`
	LastCallback    *protocol.Envelope `json:"last_callback,omitempty"`
	LastStatusError *protocol.Error    `json:"last_status_error,omitempty"`
	LastSendError   string             `json:"last_send_error,omitempty"`

	Decisions map[protocol.Action]*Decision `json:"decisions,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// NewOrderRecord cria o registro de um pedido enviado via /confirm
func NewOrderRecord(ctx *protocol.Context, order *protocol.Order, now time.Time) *OrderRecord {
	snapshot := *ctx
	return &OrderRecord{
		OrderID:         order.ID,
		TransactionID:   ctx.TransactionID,
		OriginalOrder:   order.Clone(),
		OriginalContext: &snapshot,
		Status:          OrderStatusConfirmSent,
		OrderState:      protocol.OrderStateCreated,
		CreatedAt:       now,
		LastUpdatedAt:   now,
	}
}

// Transition move o registro para next, recusando o que não está em allowedTransitions
func (r *OrderRecord) Transition(next OrderStatus, now time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, r.Status, next, r.OrderID)
	}
	r.Status = next
	r.LastUpdatedAt = now
	return nil
}

// Decide grava o veredito de uma classe de callback. reason nil é um ACK.
func (r *OrderRecord) Decide(action protocol.Action, reason *protocol.Error, now time.Time) {
	d := &Decision{Status: protocol.StatusAck, DecidedAt: now}
	if reason != nil {
		d.Status = protocol.StatusNack
		d.NackReason = reason
	}
	if r.Decisions == nil {
		r.Decisions = make(map[protocol.Action]*Decision)
	}
	r.Decisions[action] = d
	r.LastUpdatedAt = now
}

// BppURI é a URI base da contraparte para onde o pedido foi enviado
func (r *OrderRecord) BppURI() string {
	if r.OriginalContext == nil {
		return ""
	}
	return r.OriginalContext.BppURI
}

// BppID é a contraparte para onde o pedido foi enviado
func (r *OrderRecord) BppID() string {
	if r.OriginalContext == nil {
		return ""
	}
	return r.OriginalContext.BppID
}

// Clone retorna uma cópia profunda do registro
func (r *OrderRecord) Clone() *OrderRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.OriginalOrder = r.OriginalOrder.Clone()
	if r.OriginalContext != nil {
		c := *r.OriginalContext
		out.OriginalContext = &c
	}
	out.ConfirmedOrder = r.ConfirmedOrder.Clone()
	out.LastCallback = r.LastCallback.Clone()
	out.LastStatusError = cloneError(r.LastStatusError)
	out.Decisions = maps.Clone(r.Decisions)
	for k, d := range out.Decisions {
		c := *d
		c.NackReason = cloneError(d.NackReason)
		out.Decisions[k] = &c
	}
	return &out
}

func cloneError(e *protocol.Error) *protocol.Error {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
