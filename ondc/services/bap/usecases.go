package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matheusmosca/ondc-callback-relay/ondc/delivery"
	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
)

var ErrOrderExists = errors.New("order already sent")

// Deliverer abstrai o envio de requests ao BPP
type Deliverer interface {
	Deliver(ctx context.Context, baseURI string, action protocol.Action, payload any) delivery.Report
}

// TaskRunner executa a parte assíncrona de um request
type TaskRunner interface {
	Go(ctx context.Context, task string, fn func(ctx context.Context) error) error
}

// ConfirmOrderRequest é o corpo de POST /api/orders/confirm
type ConfirmOrderRequest struct {
	Order *protocol.Order `json:"order" binding:"required"`
}

// CancelOrderRequest é o corpo de POST /api/orders/cancel
type CancelOrderRequest struct {
	OrderID              string `json:"order_id" binding:"required"`
	CancellationReasonID string `json:"cancellation_reason_id" binding:"required"`
}

// StatusOrderRequest é o corpo de POST /api/orders/status
type StatusOrderRequest struct {
	OrderID string `json:"order_id" binding:"required"`
}

// Dispatch descreve um request enviado que foi agendado
type Dispatch struct {
	OrderID       string      `json:"order_id"`
	TransactionID string      `json:"transaction_id"`
	MessageID     string      `json:"message_id"`
	Action        string      `json:"action"`
	Status        OrderStatus `json:"status"`
}

// OrderUseCase inicia os fluxos confirm/cancel/status do lado do BAP
type OrderUseCase struct {
	repository Repository
	validator  *protocol.Validator
	deliverer  Deliverer
	tasks      TaskRunner
	cfg        Config
	now        func() time.Time
}

// NewOrderUseCase cria uma nova instância de OrderUseCase
func NewOrderUseCase(repository Repository, validator *protocol.Validator, deliverer Deliverer, tasks TaskRunner, cfg Config) *OrderUseCase {
	return &OrderUseCase{
		repository: repository,
		validator:  validator,
		deliverer:  deliverer,
		tasks:      tasks,
		cfg:        cfg,
		now:        time.Now,
	}
}

// ConfirmOrder envia /confirm de um pedido novo. Um pedido cujo envio anterior
// falhou é reenviado na mesma transação.
func (uc *OrderUseCase) ConfirmOrder(ctx context.Context, req ConfirmOrderRequest) (*Dispatch, error) {
	order := req.Order.Clone()
	if order.ID == "" {
		order.ID = "bap-order-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	}

	now := uc.now()
	reqCtx := uc.newContext(protocol.ActionConfirm, uuid.New().String(), now)
	rec, created, err := uc.repository.CreateIfAbsent(ctx, NewOrderRecord(reqCtx, order, now))
	if err != nil {
		return nil, fmt.Errorf("storing order %s: %w", order.ID, err)
	}

	if !created {
		if rec.Status != OrderStatusConfirmSendFailed {
			return nil, fmt.Errorf("%w: %s is %s", ErrOrderExists, rec.OrderID, rec.Status)
		}
		rec, err = uc.repository.Update(ctx, rec.OrderID, func(r *OrderRecord) error {
			if err := r.Transition(OrderStatusConfirmSent, now); err != nil {
				return err
			}
			delete(r.Decisions, protocol.ActionOnConfirm)
			r.LastSendError = ""
			return nil
		})
		if err != nil {
			return nil, err
		}
		reqCtx = protocol.NewCallbackContext(rec.OriginalContext, protocol.ActionConfirm, uc.cfg.Identity(), now)
		log.Printf("🔁 [CONFIRM] re-sending after failed delivery | OrderID: %s", rec.OrderID)
	}

	env := &protocol.Envelope{
		Context: reqCtx,
		Message: &protocol.Message{Order: rec.OriginalOrder.Clone()},
	}
	if err := uc.dispatch(ctx, rec, env, OrderStatusConfirmSendFailed); err != nil {
		return nil, err
	}
	return newDispatch(rec.OrderID, env.Context, OrderStatusConfirmSent), nil
}

// CancelOrder envia /cancel de um pedido confirmado por este BAP
func (uc *OrderUseCase) CancelOrder(ctx context.Context, req CancelOrderRequest) (*Dispatch, error) {
	if !uc.validator.IsAllowedCancelReason(req.CancellationReasonID) {
		return nil, protocol.NewDomainError(protocol.CodeInvalidCancelReason,
			"Invalid cancellation reason %s", req.CancellationReasonID)
	}

	now := uc.now()
	rec, err := uc.repository.Update(ctx, req.OrderID, func(r *OrderRecord) error {
		if err := r.Transition(OrderStatusCancelSent, now); err != nil {
			return err
		}
		delete(r.Decisions, protocol.ActionOnCancel)
		r.LastSendError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	env := &protocol.Envelope{
		Context: protocol.NewCallbackContext(rec.OriginalContext, protocol.ActionCancel, uc.cfg.Identity(), now),
		Message: &protocol.Message{OrderID: rec.OrderID, CancellationReasonID: req.CancellationReasonID},
	}
	if err := uc.dispatch(ctx, rec, env, OrderStatusCancelSendFailed); err != nil {
		return nil, err
	}
	return newDispatch(rec.OrderID, env.Context, OrderStatusCancelSent), nil
}

// StatusOrder pede ao BPP o estado atual do pedido. O status do registro
// não muda.
func (uc *OrderUseCase) StatusOrder(ctx context.Context, req StatusOrderRequest) (*Dispatch, error) {
	rec, err := uc.repository.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	env := &protocol.Envelope{
		Context: protocol.NewCallbackContext(rec.OriginalContext, protocol.ActionStatus, uc.cfg.Identity(), uc.now()),
		Message: &protocol.Message{OrderID: rec.OrderID},
	}
	if err := uc.dispatch(ctx, rec, env, ""); err != nil {
		return nil, err
	}
	return newDispatch(rec.OrderID, env.Context, rec.Status), nil
}

// GetOrder retorna o registro de um pedido
func (uc *OrderUseCase) GetOrder(ctx context.Context, orderID string) (*OrderRecord, error) {
	return uc.repository.Get(ctx, orderID)
}

// dispatch agenda a entrega de env ao BPP do registro. Com failStatus
// definido, um request não entregue move o registro para esse status.
func (uc *OrderUseCase) dispatch(ctx context.Context, rec *OrderRecord, env *protocol.Envelope, failStatus OrderStatus) error {
	action := env.Context.Action
	target := rec.BppURI()
	if target == "" {
		target = uc.cfg.BppURI
	}

	err := uc.tasks.Go(ctx, string(action)+":"+rec.OrderID, func(ctx context.Context) error {
		report := uc.deliverer.Deliver(ctx, target, action, env)
		if report.Delivered() {
			log.Printf("✅ [%s] delivered to BPP | OrderID: %s | Attempts: %d", strings.ToUpper(string(action)), rec.OrderID, report.Attempts)
			return nil
		}

		reason := sendFailure(report)
		log.Printf("❌ [%s] delivery failed | OrderID: %s | Outcome: %s | Reason: %s", strings.ToUpper(string(action)), rec.OrderID, report.Outcome, reason)
		if failStatus == "" {
			return report.Err
		}
		uc.markSendFailed(ctx, rec.OrderID, failStatus, reason)
		return report.Err
	})
	if err != nil {
		if failStatus != "" {
			uc.markSendFailed(ctx, rec.OrderID, failStatus, err.Error())
		}
		return fmt.Errorf("scheduling %s for %s: %w", action, rec.OrderID, err)
	}
	return nil
}

func (uc *OrderUseCase) markSendFailed(ctx context.Context, orderID string, status OrderStatus, reason string) {
	_, err := uc.repository.Update(ctx, orderID, func(r *OrderRecord) error {
		if err := r.Transition(status, uc.now()); err != nil {
			return err
		}
		r.LastSendError = reason
		return nil
	})
	if err != nil {
		// A callback may already have settled the order.
		log.Printf("⚠️ Could not mark order %s as %s: %v", orderID, status, err)
		return
	}
	log.Printf("📌 [STATUS UPDATE] OrderID: %s | -> %s", orderID, status)
}

func sendFailure(report delivery.Report) string {
	if report.Reply != nil && report.Reply.Error != nil {
		return report.Reply.Error.Error()
	}
	if report.Err != nil {
		return report.Err.Error()
	}
	return string(report.Outcome)
}

func newDispatch(orderID string, ctx *protocol.Context, status OrderStatus) *Dispatch {
	return &Dispatch{
		OrderID:       orderID,
		TransactionID: ctx.TransactionID,
		MessageID:     ctx.MessageID,
		Action:        string(ctx.Action),
		Status:        status,
	}
}

func (uc *OrderUseCase) newContext(action protocol.Action, transactionID string, now time.Time) *protocol.Context {
	return &protocol.Context{
		Domain:        uc.cfg.Domain,
		Country:       uc.cfg.Country,
		City:          uc.cfg.City,
		Action:        action,
		CoreVersion:   uc.cfg.CoreVersion,
		BapID:         uc.cfg.BapID,
		BapURI:        uc.cfg.BapURI,
		BppID:         uc.cfg.BppID,
		BppURI:        uc.cfg.BppURI,
		TransactionID: transactionID,
		MessageID:     uuid.New().String(),
		Timestamp:     protocol.Timestamp(now),
		TTL:           uc.cfg.RequestTTL,
	}
}
