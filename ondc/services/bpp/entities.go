package main

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
)

// OrderStatus representa o estágio do pipeline de um pedido no BPP
type OrderStatus string

const (
	OrderStatusReceived        OrderStatus = "RECEIVED"
	OrderStatusProcessing      OrderStatus = "PROCESSING"
	OrderStatusAccepted        OrderStatus = "ACCEPTED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusOnConfirmSent   OrderStatus = "ON_CONFIRM_SENT"
	OrderStatusOnConfirmFailed OrderStatus = "ON_CONFIRM_FAILED"
	OrderStatusError           OrderStatus = "ERROR"

	OrderStatusCancelRequested          OrderStatus = "CANCEL_REQUESTED"
	OrderStatusCancelled                OrderStatus = "CANCELLED"
	OrderStatusCancelRejected           OrderStatus = "CANCEL_REJECTED"
	OrderStatusCancelRejectedSent       OrderStatus = "CANCEL_REJECTED_SENT"
	OrderStatusOnCancelSent             OrderStatus = "ON_CANCEL_SENT"
	OrderStatusCancelledSendFailed      OrderStatus = "CANCELLED_SEND_FAILED"
	OrderStatusCancelRejectedSendFailed OrderStatus = "CANCEL_REJECTED_SEND_FAILED"
	OrderStatusCancelError              OrderStatus = "CANCEL_ERROR"
)

// Resultados do último envio de on_status, separados de OrderStatus
const (
	StatusReplySent   = "ON_STATUS_SENT"
	StatusReplyFailed = "ON_STATUS_FAILED"
	StatusReplyError  = "STATUS_ERROR"
)

// DefaultNonCancellableStates são os estados em que o comprador não pode mais cancelar
var DefaultNonCancellableStates = []string{
	protocol.OrderStateDelivered,
	protocol.OrderStateCancelled,
	protocol.OrderStateCompleted,
}

var ErrInvalidTransition = errors.New("invalid order status transition")

// allowedTransitions lista os status alcançáveis a partir de cada status.
// Um status nunca volta para um anterior, exceto reenvios após falha de
// entrega e um novo cancelamento após confirm concluído ou cancel com erro.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusReceived:        {OrderStatusProcessing, OrderStatusError},
	OrderStatusProcessing:      {OrderStatusAccepted, OrderStatusRejected, OrderStatusError},
	OrderStatusAccepted:        {OrderStatusOnConfirmSent, OrderStatusOnConfirmFailed, OrderStatusError},
	OrderStatusRejected:        {OrderStatusOnConfirmSent, OrderStatusOnConfirmFailed, OrderStatusError},
	OrderStatusOnConfirmSent:   {OrderStatusCancelRequested},
	OrderStatusOnConfirmFailed: {OrderStatusOnConfirmSent, OrderStatusCancelRequested},
	OrderStatusError:           {OrderStatusCancelRequested},

	OrderStatusCancelRequested:          {OrderStatusCancelled, OrderStatusCancelRejected, OrderStatusCancelError},
	OrderStatusCancelled:                {OrderStatusOnCancelSent, OrderStatusCancelledSendFailed, OrderStatusCancelError},
	OrderStatusCancelRejected:           {OrderStatusCancelRejectedSent, OrderStatusCancelRejectedSendFailed, OrderStatusCancelError},
	OrderStatusCancelledSendFailed:      {OrderStatusOnCancelSent},
	OrderStatusCancelRejectedSendFailed: {OrderStatusCancelRejectedSent},
	OrderStatusCancelError:              {OrderStatusCancelRequested},
	OrderStatusOnCancelSent:             {},
	OrderStatusCancelRejectedSent:       {},
}

// CanTransition informa se o status pode ir para next. Permanecer no mesmo
// status é sempre permitido.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	return s == next || slices.Contains(allowedTransitions[s], next)
}

// ConfirmInProgress informa se o pipeline de confirm ainda não terminou
func (s OrderStatus) ConfirmInProgress() bool {
	switch s {
	case OrderStatusReceived, OrderStatusProcessing, OrderStatusAccepted, OrderStatusRejected:
		return true
	}
	return false
}

// cancelSent é o status final de um on_cancel entregue a partir de um status de falha de envio
func (s OrderStatus) cancelSent() OrderStatus {
	if s == OrderStatusCancelRejectedSendFailed {
		return OrderStatusCancelRejectedSent
	}
	return OrderStatusOnCancelSent
}

// OrderRecord é o estado do pedido mantido pelo BPP
type OrderRecord struct {
	OrderID string `json:"order_id"`
	// OriginalRequest é o confirm capturado na entrada. É nil para pedidos
	// vistos primeiro via cancel.
	OriginalRequest *protocol.Envelope `json:"original_request,omitempty"`
	CancelRequest   *protocol.Envelope `json:"cancel_request,omitempty"`
	Status          OrderStatus        `json:"status"`
	OrderState      string             `json:"order_state"`
	// CatalogSnapshot mapeia o id do item para sua cancelabilidade na entrada
	CatalogSnapshot map[string]bool    `json:"catalog_snapshot,omitempty"`
	ResponsePayload *protocol.Envelope `json:"response_payload,omitempty"`
	ConfirmedOrder  *protocol.Order    `json:"confirmed_order,omitempty"`
	LastStatusReply string             `json:"last_status_reply,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	LastUpdatedAt   time.Time          `json:"last_updated_at"`
}

// NewConfirmRecord cria o registro de um pedido visto pela primeira vez via /confirm
func NewConfirmRecord(req *protocol.Envelope, now time.Time) *OrderRecord {
	snapshot := req.Clone()
	order := snapshot.Message.Order

	state := order.State
	if state == "" {
		state = protocol.OrderStateCreated
	}

	catalog := make(map[string]bool, len(order.Items))
	for _, item := range order.Items {
		cancellable := true
		if item.Cancellable != nil {
			cancellable = *item.Cancellable
		}
		catalog[item.ID] = cancellable
	}

	return &OrderRecord{
		OrderID:         order.ID,
		OriginalRequest: snapshot,
		Status:          OrderStatusReceived,
		OrderState:      state,
		CatalogSnapshot: catalog,
		CreatedAt:       now,
		LastUpdatedAt:   now,
	}
}

// NewCancelRecord cria o registro de um pedido visto pela primeira vez via /cancel
func NewCancelRecord(req *protocol.Envelope, now time.Time) *OrderRecord {
	return &OrderRecord{
		OrderID:       req.Message.OrderID,
		CancelRequest: req.Clone(),
		Status:        OrderStatusCancelRequested,
		CreatedAt:     now,
		LastUpdatedAt: now,
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

// Order retorna o pedido capturado na entrada, ou nil
func (r *OrderRecord) Order() *protocol.Order {
	if r.OriginalRequest == nil || r.OriginalRequest.Message == nil {
		return nil
	}
	return r.OriginalRequest.Message.Order
}

// Clone retorna uma cópia profunda do registro
func (r *OrderRecord) Clone() *OrderRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.OriginalRequest = r.OriginalRequest.Clone()
	out.CancelRequest = r.CancelRequest.Clone()
	out.ResponsePayload = r.ResponsePayload.Clone()
	out.ConfirmedOrder = r.ConfirmedOrder.Clone()
	out.CatalogSnapshot = maps.Clone(r.CatalogSnapshot)
	return &out
}

// bapURI é a URI base de callback da resposta em cache, se houver
func (r *OrderRecord) bapURI() string {
	if r.ResponsePayload == nil || r.ResponsePayload.Context == nil {
		return ""
	}
	return r.ResponsePayload.Context.BapURI
}
