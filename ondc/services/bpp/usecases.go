package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/ondc-callback-relay/ondc/delivery"
	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
)

// Deliverer abstrai o envio de callbacks ao BAP
type Deliverer interface {
	Deliver(ctx context.Context, baseURI string, action protocol.Action, payload any) delivery.Report
}

// TaskRunner executa a parte assíncrona de um request
type TaskRunner interface {
	Go(ctx context.Context, task string, fn func(ctx context.Context) error) error
}

// Refunder inicia o reembolso de um pedido pré-pago com cancelamento aceito
type Refunder interface {
	Refund(ctx context.Context, order *protocol.Order) error
}

// LogRefunder apenas registra que há um reembolso a fazer
type LogRefunder struct{}

func (LogRefunder) Refund(_ context.Context, order *protocol.Order) error {
	log.Printf("💸 [REFUND] OrderID: %s | Amount: %s | refund initiated for prepaid order", order.ID, order.QuoteValue())
	return nil
}

// errNoChange aborta um update do repositório sem gravar
var errNoChange = errors.New("no change")

type intake int

const (
	intakeNew intake = iota
	intakeDuplicate
	intakeResend
	intakeRedeliver
)

// OrderUseCase contém o fluxo confirm/cancel/status do BPP
type OrderUseCase struct {
	repository Repository
	validator  *protocol.Validator
	decisions  *DecisionEngine
	builder    *ResponseBuilder
	deliverer  Deliverer
	tasks      TaskRunner
	refunder   Refunder
	tracer     trace.Tracer
	now        func() time.Time

	requestCounter  metric.Int64Counter
	callbackCounter metric.Int64Counter
}

// NewOrderUseCase cria uma nova instância de OrderUseCase
func NewOrderUseCase(
	repository Repository,
	validator *protocol.Validator,
	decisions *DecisionEngine,
	builder *ResponseBuilder,
	deliverer Deliverer,
	tasks TaskRunner,
	refunder Refunder,
) *OrderUseCase {
	meter := otel.Meter("bpp-service")
	requestCounter, err := meter.Int64Counter("bpp.requests",
		metric.WithDescription("Inbound confirm/cancel/status requests by synchronous verdict"))
	if err != nil {
		log.Printf("⚠️ failed to create request counter: %v", err)
	}
	callbackCounter, err := meter.Int64Counter("bpp.callbacks",
		metric.WithDescription("Outbound callbacks by delivery outcome"))
	if err != nil {
		log.Printf("⚠️ failed to create callback counter: %v", err)
	}

	return &OrderUseCase{
		repository:      repository,
		validator:       validator,
		decisions:       decisions,
		builder:         builder,
		deliverer:       deliverer,
		tasks:           tasks,
		refunder:        refunder,
		tracer:          otel.Tracer("bpp-service"),
		now:             time.Now,
		requestCounter:  requestCounter,
		callbackCounter: callbackCounter,
	}
}

// Confirm valida e grava um confirm, depois decide e responde de forma
// assíncrona. Um *protocol.Error retornado é o NACK síncrono.
func (uc *OrderUseCase) Confirm(ctx context.Context, req *protocol.Envelope) (err error) {
	defer func() { uc.countRequest(ctx, protocol.ActionConfirm, err) }()

	if verr := uc.validator.ValidateRequest(protocol.ActionConfirm, req); verr != nil {
		log.Printf("❌ [CONFIRM] validation failed | TransactionID: %s | Error: %s", transactionID(req), verr)
		return verr
	}
	orderID := req.Message.Order.ID
	log.Printf("➡️ [CONFIRM] OrderID: %s | TransactionID: %s", orderID, req.Context.TransactionID)

	rec, created, err := uc.repository.CreateIfAbsent(ctx, NewConfirmRecord(req, uc.now()))
	if err != nil {
		return fmt.Errorf("storing confirm request: %w", err)
	}

	if !created {
		uc.confirmDuplicate(ctx, rec)
		return nil
	}

	if err := uc.tasks.Go(ctx, "confirm:"+orderID, func(ctx context.Context) error {
		uc.processConfirm(ctx, orderID)
		return nil
	}); err != nil {
		uc.markConfirmError(ctx, orderID, nil)
		return fmt.Errorf("scheduling confirm processing: %w", err)
	}
	return nil
}

func (uc *OrderUseCase) confirmDuplicate(ctx context.Context, rec *OrderRecord) {
	switch rec.Status {
	case OrderStatusOnConfirmSent:
		log.Printf("ℹ️ [IDEMPOTENCY] confirm already answered, resending on_confirm | OrderID: %s", rec.OrderID)
		uc.resend(ctx, rec, protocol.ActionOnConfirm, "")
	case OrderStatusOnConfirmFailed:
		log.Printf("🔁 [IDEMPOTENCY] previous on_confirm was not delivered, redelivering | OrderID: %s", rec.OrderID)
		uc.resend(ctx, rec, protocol.ActionOnConfirm, OrderStatusOnConfirmSent)
	default:
		log.Printf("ℹ️ [IDEMPOTENCY] confirm already received | OrderID: %s | Status: %s", rec.OrderID, rec.Status)
	}
}

// resend entrega de novo o payload em cache de rec. Com onSuccess definido
// o registro vai para esse status quando o callback recebe ACK.
func (uc *OrderUseCase) resend(ctx context.Context, rec *OrderRecord, action protocol.Action, onSuccess OrderStatus) {
	payload := rec.ResponsePayload
	bapURI := rec.bapURI()
	if payload == nil || bapURI == "" {
		log.Printf("⚠️ [IDEMPOTENCY] nothing cached to resend | OrderID: %s", rec.OrderID)
		return
	}

	// same message id, fresh timestamp so the TTL window restarts
	payload = payload.Clone()
	payload.Context.Timestamp = protocol.Timestamp(uc.now())

	orderID := rec.OrderID
	if err := uc.tasks.Go(ctx, "resend:"+string(action)+":"+orderID, func(ctx context.Context) error {
		report := uc.deliver(ctx, bapURI, action, payload)
		if onSuccess == "" || !report.Delivered() {
			return nil
		}
		_, err := uc.repository.Update(ctx, orderID, func(r *OrderRecord) error {
			return r.Transition(onSuccess, uc.now())
		})
		return err
	}); err != nil {
		log.Printf("❌ [IDEMPOTENCY] failed to schedule %s resend | OrderID: %s | Error: %v", action, orderID, err)
		trace.SpanFromContext(ctx).RecordError(err)
	}
}

func (uc *OrderUseCase) processConfirm(ctx context.Context, orderID string) {
	ctx, span := uc.tracer.Start(ctx, "bpp.process_confirm", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	var req *protocol.Envelope
	defer func() {
		if r := recover(); r != nil {
			uc.failConfirm(ctx, orderID, req, fmt.Errorf("panic: %v", r))
		}
	}()

	rec, err := uc.repository.Update(ctx, orderID, func(r *OrderRecord) error {
		return r.Transition(OrderStatusProcessing, uc.now())
	})
	if err != nil {
		uc.failConfirm(ctx, orderID, nil, err)
		return
	}
	req = rec.OriginalRequest

	verdict := uc.decisions.DecideConfirm(rec.Order())

	var payload *protocol.Envelope
	next, state := OrderStatusRejected, protocol.OrderStateCancelled
	if verdict.Accepted {
		payload, err = uc.builder.OnConfirmAccepted(req)
		if err != nil {
			uc.failConfirm(ctx, orderID, req, err)
			return
		}
		next, state = OrderStatusAccepted, protocol.OrderStateAccepted
		log.Printf("✅ [CONFIRM] order accepted | OrderID: %s", orderID)
	} else {
		payload = uc.builder.OnConfirmRejected(req, verdict)
		log.Printf("🚫 [CONFIRM] order rejected | OrderID: %s | Reason: %s %s", orderID, verdict.ReasonCode, verdict.ReasonMessage)
	}

	if _, err := uc.repository.Update(ctx, orderID, func(r *OrderRecord) error {
		if err := r.Transition(next, uc.now()); err != nil {
			return err
		}
		r.OrderState = state
		r.ResponsePayload = payload
		if verdict.Accepted {
			r.ConfirmedOrder = payload.Message.Order
		}
		return nil
	}); err != nil {
		uc.failConfirm(ctx, orderID, req, err)
		return
	}

	report := uc.deliver(ctx, req.Context.BapURI, protocol.ActionOnConfirm, payload)
	final := OrderStatusOnConfirmFailed
	if report.Delivered() {
		final = OrderStatusOnConfirmSent
	}
	uc.finish(ctx, orderID, final)
}

// failConfirm grava ERROR e envia um on_confirm de erro sem garantia de entrega
func (uc *OrderUseCase) failConfirm(ctx context.Context, orderID string, req *protocol.Envelope, cause error) {
	log.Printf("❌ [CONFIRM] processing failed | OrderID: %s | Error: %v", orderID, cause)
	trace.SpanFromContext(ctx).RecordError(cause)

	if req == nil {
		rec, err := uc.repository.Get(ctx, orderID)
		if err != nil || rec.OriginalRequest == nil {
			log.Printf("❌ [CONFIRM] cannot report failure, request not found | OrderID: %s", orderID)
			return
		}
		req = rec.OriginalRequest
	}

	payload := uc.builder.ErrorCallback(req, protocol.ActionOnConfirm, pipelineError("BPP error processing order", cause))
	uc.markConfirmError(ctx, orderID, payload)
	uc.deliver(ctx, req.Context.BapURI, protocol.ActionOnConfirm, payload)
}

func (uc *OrderUseCase) markConfirmError(ctx context.Context, orderID string, payload *protocol.Envelope) {
	if _, err := uc.repository.Update(ctx, orderID, func(r *OrderRecord) error {
		if err := r.Transition(OrderStatusError, uc.now()); err != nil {
			return err
		}
		if payload != nil {
			r.ResponsePayload = payload
		}
		return nil
	}); err != nil {
		log.Printf("❌ [CONFIRM] failed to record ERROR status | OrderID: %s | Error: %v", orderID, err)
	}
}

// Cancel valida um cancel e agenda sua decisão. Um cancel que chega com o
// pipeline de confirm ainda em execução é recusado.
func (uc *OrderUseCase) Cancel(ctx context.Context, req *protocol.Envelope) (err error) {
	defer func() { uc.countRequest(ctx, protocol.ActionCancel, err) }()

	if verr := uc.validator.ValidateRequest(protocol.ActionCancel, req); verr != nil {
		log.Printf("❌ [CANCEL] validation failed | TransactionID: %s | Error: %s", transactionID(req), verr)
		return verr
	}
	orderID := req.Message.OrderID
	log.Printf("↩️ [CANCEL] OrderID: %s | TransactionID: %s | Reason: %s", orderID, req.Context.TransactionID, req.Message.CancellationReasonID)

	rec, created, err := uc.repository.CreateIfAbsent(ctx, NewCancelRecord(req, uc.now()))
	if err != nil {
		return fmt.Errorf("storing cancel request: %w", err)
	}

	mode := intakeNew
	if !created {
		rec, mode, err = uc.cancelIntake(ctx, orderID, req)
		if err != nil {
			return err
		}
	}

	switch mode {
	case intakeDuplicate:
		log.Printf("ℹ️ [IDEMPOTENCY] cancel already received | OrderID: %s | Status: %s", orderID, rec.Status)
		return nil
	case intakeResend:
		log.Printf("ℹ️ [IDEMPOTENCY] cancel already answered, resending on_cancel | OrderID: %s", orderID)
		uc.resend(ctx, rec, protocol.ActionOnCancel, "")
		return nil
	case intakeRedeliver:
		log.Printf("🔁 [IDEMPOTENCY] previous on_cancel was not delivered, redelivering | OrderID: %s", orderID)
		uc.resend(ctx, rec, protocol.ActionOnCancel, rec.Status.cancelSent())
		return nil
	}

	if err := uc.tasks.Go(ctx, "cancel:"+orderID, func(ctx context.Context) error {
		uc.processCancel(ctx, orderID)
		return nil
	}); err != nil {
		return fmt.Errorf("scheduling cancel processing: %w", err)
	}
	return nil
}

// cancelIntake classifica um cancel de pedido conhecido. Quando inicia um
// novo cancelamento, move o registro para CANCEL_REQUESTED.
func (uc *OrderUseCase) cancelIntake(ctx context.Context, orderID string, req *protocol.Envelope) (*OrderRecord, intake, error) {
	var (
		mode     intake
		snapshot *OrderRecord
	)
	rec, err := uc.repository.Update(ctx, orderID, func(r *OrderRecord) error {
		snapshot = r.Clone()
		switch {
		case r.Status == OrderStatusOnCancelSent || r.Status == OrderStatusCancelRejectedSent:
			mode = intakeResend
			return errNoChange
		case r.Status == OrderStatusCancelled || r.Status == OrderStatusCancelRejected || r.Status == OrderStatusCancelRequested:
			mode = intakeDuplicate
			return errNoChange
		case r.Status == OrderStatusCancelledSendFailed || r.Status == OrderStatusCancelRejectedSendFailed:
			mode = intakeRedeliver
			return errNoChange
		case r.Status.ConfirmInProgress():
			return protocol.NewDomainError(protocol.CodeConfirmInProgress,
				"Order %s confirmation is still in progress (%s).", orderID, r.Status)
		}

		if err := r.Transition(OrderStatusCancelRequested, uc.now()); err != nil {
			return err
		}
		r.CancelRequest = req.Clone()
		mode = intakeNew
		return nil
	})
	if errors.Is(err, errNoChange) {
		return snapshot, mode, nil
	}
	if err != nil {
		return nil, mode, err
	}
	return rec, mode, nil
}

func (uc *OrderUseCase) processCancel(ctx context.Context, orderID string) {
	ctx, span := uc.tracer.Start(ctx, "bpp.process_cancel", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	var req *protocol.Envelope
	defer func() {
		if r := recover(); r != nil {
			uc.failCancel(ctx, orderID, req, fmt.Errorf("panic: %v", r))
		}
	}()

	rec, err := uc.repository.Get(ctx, orderID)
	if err != nil {
		uc.failCancel(ctx, orderID, nil, err)
		return
	}
	req = rec.CancelRequest

	if rec.Order() == nil {
		uc.failCancel(ctx, orderID, req, protocol.NewDomainError(protocol.CodeOrderNotFound,
			"Order details not found for cancellation processing."))
		return
	}

	if reject := uc.decisions.DecideCancel(rec); reject != nil {
		uc.rejectCancel(ctx, orderID, req, reject)
		return
	}

	payload := uc.builder.OnCancelAccepted(req)
	previousState := rec.OrderState
	if _, err := uc.repository.Update(ctx, orderID, func(r *OrderRecord) error {
		if err := r.Transition(OrderStatusCancelled, uc.now()); err != nil {
			return err
		}
		r.OrderState = protocol.OrderStateCancelled
		r.ResponsePayload = payload
		return nil
	}); err != nil {
		uc.failCancel(ctx, orderID, req, err)
		return
	}
	log.Printf("✅ [CANCEL] cancellation accepted | OrderID: %s | PreviousState: %s", orderID, previousState)

	if previousState == protocol.OrderStateShipped {
		log.Printf("🚚 [CANCEL] triggering logistics cancellation | OrderID: %s", orderID)
	}
	uc.refundIfNeeded(ctx, rec)

	report := uc.deliver(ctx, req.Context.BapURI, protocol.ActionOnCancel, payload)
	final := OrderStatusCancelledSendFailed
	if report.Delivered() {
		final = OrderStatusOnCancelSent
	}
	uc.finish(ctx, orderID, final)
}

func (uc *OrderUseCase) rejectCancel(ctx context.Context, orderID string, req *protocol.Envelope, reject *protocol.Error) {
	log.Printf("🚫 [CANCEL] cancellation rejected | OrderID: %s | Error: %s", orderID, reject)

	payload := uc.builder.ErrorCallback(req, protocol.ActionOnCancel, reject)
	if _, err := uc.repository.Update(ctx, orderID, func(r *OrderRecord) error {
		if err := r.Transition(OrderStatusCancelRejected, uc.now()); err != nil {
			return err
		}
		r.ResponsePayload = payload
		return nil
	}); err != nil {
		uc.failCancel(ctx, orderID, req, err)
		return
	}

	report := uc.deliver(ctx, req.Context.BapURI, protocol.ActionOnCancel, payload)
	final := OrderStatusCancelRejectedSendFailed
	if report.Delivered() {
		final = OrderStatusCancelRejectedSent
	}
	uc.finish(ctx, orderID, final)
}

// failCancel grava CANCEL_ERROR e envia um on_cancel de erro sem garantia de entrega
func (uc *OrderUseCase) failCancel(ctx context.Context, orderID string, req *protocol.Envelope, cause error) {
	log.Printf("❌ [CANCEL] processing failed | OrderID: %s | Error: %v", orderID, cause)
	trace.SpanFromContext(ctx).RecordError(cause)

	if req == nil {
		rec, err := uc.repository.Get(ctx, orderID)
		if err != nil || rec.CancelRequest == nil {
			log.Printf("❌ [CANCEL] cannot report failure, request not found | OrderID: %s", orderID)
			return
		}
		req = rec.CancelRequest
	}

	perr := protocol.AsError(cause)
	if perr.Type != protocol.DomainError || perr.Code != protocol.CodeOrderNotFound {
		perr = pipelineError("BPP error processing cancellation", cause)
	}
	payload := uc.builder.ErrorCallback(req, protocol.ActionOnCancel, perr)

	if _, err := uc.repository.Update(ctx, orderID, func(r *OrderRecord) error {
		if err := r.Transition(OrderStatusCancelError, uc.now()); err != nil {
			return err
		}
		r.ResponsePayload = payload
		return nil
	}); err != nil {
		log.Printf("❌ [CANCEL] failed to record CANCEL_ERROR status | OrderID: %s | Error: %v", orderID, err)
	}
	uc.deliver(ctx, req.Context.BapURI, protocol.ActionOnCancel, payload)
}

// refundIfNeeded inicia o reembolso de pedidos pré-pagos ao BPP
func (uc *OrderUseCase) refundIfNeeded(ctx context.Context, rec *OrderRecord) {
	order := rec.ConfirmedOrder
	if order == nil {
		order = rec.Order()
	}
	p := order.Payment
	if p == nil || p.Type != "ON-ORDER" || p.CollectedBy != "BPP" || (p.Status != "PAID" && p.Status != "Captured") {
		log.Printf("ℹ️ [REFUND] no refund needed | OrderID: %s", rec.OrderID)
		return
	}
	if err := uc.refunder.Refund(ctx, order); err != nil {
		log.Printf("❌ [REFUND] refund failed | OrderID: %s | Error: %v", rec.OrderID, err)
	}
}

// Status valida um status e responde de forma assíncrona com o snapshot
// atual do pedido.
func (uc *OrderUseCase) Status(ctx context.Context, req *protocol.Envelope) (err error) {
	defer func() { uc.countRequest(ctx, protocol.ActionStatus, err) }()

	if verr := uc.validator.ValidateRequest(protocol.ActionStatus, req); verr != nil {
		log.Printf("❌ [STATUS] validation failed | TransactionID: %s | Error: %s", transactionID(req), verr)
		return verr
	}
	orderID := req.Message.OrderID
	log.Printf("🔎 [STATUS] OrderID: %s | TransactionID: %s", orderID, req.Context.TransactionID)

	snapshot := req.Clone()
	if err := uc.tasks.Go(ctx, "status:"+orderID, func(ctx context.Context) error {
		uc.processStatus(ctx, orderID, snapshot)
		return nil
	}); err != nil {
		return fmt.Errorf("scheduling status processing: %w", err)
	}
	return nil
}

func (uc *OrderUseCase) processStatus(ctx context.Context, orderID string, req *protocol.Envelope) {
	ctx, span := uc.tracer.Start(ctx, "bpp.process_status", trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	rec, err := uc.repository.Get(ctx, orderID)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		log.Printf("❌ [STATUS] loading order failed | OrderID: %s | Error: %v", orderID, err)
		payload := uc.builder.ErrorCallback(req, protocol.ActionOnStatus,
			pipelineError("Internal BPP error processing status request", err))
		uc.deliver(ctx, req.Context.BapURI, protocol.ActionOnStatus, payload)
		uc.recordStatusReply(ctx, orderID, StatusReplyError)
		return
	}

	payload := uc.builder.OnStatus(req, rec)
	report := uc.deliver(ctx, req.Context.BapURI, protocol.ActionOnStatus, payload)
	if rec == nil {
		return
	}

	reply := StatusReplyFailed
	if report.Delivered() {
		reply = StatusReplySent
	}
	uc.recordStatusReply(ctx, orderID, reply)
}

// recordStatusReply grava o resultado do on_status sem mexer no status do
// pipeline nem em lastUpdatedAt.
func (uc *OrderUseCase) recordStatusReply(ctx context.Context, orderID, reply string) {
	if _, err := uc.repository.Update(ctx, orderID, func(r *OrderRecord) error {
		r.LastStatusReply = reply
		return nil
	}); err != nil && !errors.Is(err, ErrOrderNotFound) {
		log.Printf("❌ [STATUS] failed to record status reply | OrderID: %s | Error: %v", orderID, err)
	}
}

// GetOrder retorna o registro atual de um pedido
func (uc *OrderUseCase) GetOrder(ctx context.Context, orderID string) (*OrderRecord, error) {
	return uc.repository.Get(ctx, orderID)
}

func (uc *OrderUseCase) deliver(ctx context.Context, bapURI string, action protocol.Action, payload *protocol.Envelope) delivery.Report {
	report := uc.deliverer.Deliver(ctx, bapURI, action, payload)
	if uc.callbackCounter != nil {
		uc.callbackCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(action)),
			attribute.String("outcome", string(report.Outcome)),
		))
	}
	return report
}

func (uc *OrderUseCase) finish(ctx context.Context, orderID string, status OrderStatus) {
	if _, err := uc.repository.Update(ctx, orderID, func(r *OrderRecord) error {
		return r.Transition(status, uc.now())
	}); err != nil {
		log.Printf("❌ failed to record final status %s | OrderID: %s | Error: %v", status, orderID, err)
		return
	}
	log.Printf("📌 [STATUS UPDATE] OrderID: %s | Status: %s", orderID, status)
}

func (uc *OrderUseCase) countRequest(ctx context.Context, action protocol.Action, err error) {
	if uc.requestCounter == nil {
		return
	}
	verdict := protocol.StatusAck
	if err != nil {
		verdict = protocol.StatusNack
	}
	uc.requestCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("verdict", verdict),
	))
}

// pipelineError transforma uma falha assíncrona no objeto de erro de um
// callback. Erros de domínio mantêm type e code.
func pipelineError(prefix string, cause error) *protocol.Error {
	perr := protocol.AsError(cause)
	return &protocol.Error{Type: perr.Type, Code: perr.Code, Message: fmt.Sprintf("%s: %s", prefix, perr.Message)}
}

func transactionID(req *protocol.Envelope) string {
	if req == nil || req.Context == nil {
		return ""
	}
	return req.Context.TransactionID
}
