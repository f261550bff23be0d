package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
)

// BuyerNotifier avisa o lado comprador de um evento concluído do pedido
type BuyerNotifier interface {
	Notify(ctx context.Context, orderID, event string)
}

// LogNotifier apenas loga a notificação
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, orderID, event string) {
	log.Printf("📣 [BAP ACTION] notifying buyer | OrderID: %s | Event: %s", orderID, event)
}

// errNoChange aborta um update do repositório sem gravar
var errNoChange = errors.New("no change")

// terminalLifecycleStates encerram o processamento de on_status
var terminalLifecycleStates = map[string]bool{
	protocol.OrderStateDelivered: true,
	protocol.OrderStateCompleted: true,
	protocol.OrderStateCancelled: true,
}

// CallbackProcessor valida, deduplica e reconcilia os callbacks recebidos do BPP
type CallbackProcessor struct {
	repository Repository
	validator  *protocol.Validator
	reconciler *Reconciler
	notifier   BuyerNotifier
	now        func() time.Time

	verdictCounter metric.Int64Counter
}

// NewCallbackProcessor cria uma nova instância de CallbackProcessor
func NewCallbackProcessor(repository Repository, validator *protocol.Validator, reconciler *Reconciler, notifier BuyerNotifier) *CallbackProcessor {
	verdictCounter, err := otel.Meter("bap-service").Int64Counter("bap.callbacks",
		metric.WithDescription("Inbound callbacks by synchronous verdict"))
	if err != nil {
		log.Printf("⚠️ failed to create callback counter: %v", err)
	}
	return &CallbackProcessor{
		repository:     repository,
		validator:      validator,
		reconciler:     reconciler,
		notifier:       notifier,
		now:            time.Now,
		verdictCounter: verdictCounter,
	}
}

// OnConfirm processa um callback on_confirm. nil é ACK e *protocol.Error é
// NACK. Qualquer outro erro é uma falha interna que não fica gravada, e o
// reenvio do remetente é avaliado de novo.
func (p *CallbackProcessor) OnConfirm(ctx context.Context, env *protocol.Envelope) error {
	return p.process(ctx, protocol.ActionOnConfirm, env, p.decideConfirm)
}

// OnCancel processa um callback on_cancel
func (p *CallbackProcessor) OnCancel(ctx context.Context, env *protocol.Envelope) error {
	return p.process(ctx, protocol.ActionOnCancel, env, p.decideCancel)
}

// OnStatus processa um callback on_status. Atualizações válidas sempre
// recebem ACK e nunca são reconciliadas.
func (p *CallbackProcessor) OnStatus(ctx context.Context, env *protocol.Envelope) (err error) {
	defer func() { p.countVerdict(ctx, protocol.ActionOnStatus, err) }()

	if verr := p.validator.ValidateCallback(env, false); verr != nil {
		log.Printf("❌ [ON_STATUS] invalid callback | TransactionID: %s | Error: %s", transactionID(env), verr)
		return verr
	}
	rec, nack, err := p.lookup(ctx, env)
	if nack != nil || err != nil {
		return firstErr(nack, err)
	}

	_, err = p.repository.Update(ctx, rec.OrderID, func(r *OrderRecord) error {
		if terminalLifecycleStates[r.OrderState] {
			log.Printf("ℹ️ [ON_STATUS] order already in terminal state %s, ignoring update | OrderID: %s", r.OrderState, r.OrderID)
			return errNoChange
		}
		r.LastCallback = env.Clone()
		r.LastUpdatedAt = p.now()
		if env.Error != nil {
			log.Printf("⚠️ [ON_STATUS] error from seller | OrderID: %s | Error: %s", r.OrderID, env.Error)
			r.LastStatusError = cloneError(env.Error)
			return nil
		}
		r.LastStatusError = nil
		if state := env.Message.Order.State; state != "" {
			r.OrderState = state
		} else {
			log.Printf("⚠️ [ON_STATUS] update without order.state | OrderID: %s", r.OrderID)
		}
		log.Printf("🔄 [ON_STATUS] OrderID: %s | State: %s", r.OrderID, r.OrderState)
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording on_status for %s: %w", rec.OrderID, err)
	}
	p.notifier.Notify(ctx, rec.OrderID, "status update")
	return nil
}

type decideFunc func(r *OrderRecord, env *protocol.Envelope) (reason *protocol.Error, event string)

// process executa validação, lookup, replay idempotente e a decisão da
// ação. A decisão e a gravação do status acontecem no mesmo update.
func (p *CallbackProcessor) process(ctx context.Context, action protocol.Action, env *protocol.Envelope, decide decideFunc) (err error) {
	defer func() { p.countVerdict(ctx, action, err) }()
	tag := strings.ToUpper(string(action))

	if verr := p.validator.ValidateCallback(env, true); verr != nil {
		log.Printf("❌ [%s] invalid callback | TransactionID: %s | Error: %s", tag, transactionID(env), verr)
		return verr
	}
	rec, nack, err := p.lookup(ctx, env)
	if nack != nil || err != nil {
		if nack != nil {
			log.Printf("❌ [%s] unknown order | TransactionID: %s | Error: %s", tag, transactionID(env), nack)
		}
		return firstErr(nack, err)
	}

	var (
		replay *Decision
		reason *protocol.Error
		event  string
	)
	_, err = p.repository.Update(ctx, rec.OrderID, func(r *OrderRecord) error {
		if d := r.Decisions[action]; d != nil {
			replay = d
			return errNoChange
		}
		reason, event = decide(r, env)
		r.LastCallback = env.Clone()
		r.Decide(action, reason, p.now())
		return nil
	})
	if errors.Is(err, errNoChange) {
		log.Printf("ℹ️ [IDEMPOTENCY] %s already processed, replaying %s | OrderID: %s", action, replay.Status, rec.OrderID)
		return replay.Err()
	}
	if err != nil {
		return fmt.Errorf("recording %s for %s: %w", action, rec.OrderID, err)
	}

	if reason != nil {
		log.Printf("🚫 [%s] NACK | OrderID: %s | Error: %s", tag, rec.OrderID, reason)
		return reason
	}
	log.Printf("✅ [%s] ACK | OrderID: %s", tag, rec.OrderID)
	if event != "" {
		p.notifier.Notify(ctx, rec.OrderID, event)
	}
	return nil
}

func (p *CallbackProcessor) decideConfirm(r *OrderRecord, env *protocol.Envelope) (*protocol.Error, string) {
	if env.Error != nil {
		log.Printf("⚠️ [ON_CONFIRM] error from seller | OrderID: %s | Error: %s", r.OrderID, env.Error)
		if nack := p.move(r, OrderStatusFailed); nack != nil {
			return nack, ""
		}
		return nil, "error from seller: " + errorText(env.Error)
	}

	order := env.Message.Order
	if order.State == protocol.OrderStateCancelled {
		return p.cancelledBySeller(r), "cancelled by seller"
	}

	if r.Status.CancelledByBuyer() {
		return protocol.NewDomainError(protocol.CodeCancelledByBuyer, "Order already cancelled by buyer"), ""
	}

	if mismatches := p.reconciler.Mismatches(r.OriginalOrder, order); len(mismatches) > 0 {
		if nack := p.move(r, OrderStatusFailed); nack != nil {
			return nack, ""
		}
		return protocol.NewDomainError(protocol.CodeOrderMismatch,
			"Order details mismatch (%s differs)", joinAxes(mismatches)), ""
	}

	if nack := p.move(r, OrderStatusConfirmed); nack != nil {
		return nack, ""
	}
	r.OrderState = order.State
	r.ConfirmedOrder = order.Clone()
	return nil, "order confirmed in state " + order.State
}

func (p *CallbackProcessor) decideCancel(r *OrderRecord, env *protocol.Envelope) (*protocol.Error, string) {
	if env.Error != nil {
		log.Printf("⚠️ [ON_CANCEL] cancellation refused by seller | OrderID: %s | Error: %s", r.OrderID, env.Error)
		if nack := p.move(r, OrderStatusCancelError); nack != nil {
			return nack, ""
		}
		return nil, "cancellation failed by seller: " + errorText(env.Error)
	}

	order := env.Message.Order
	if order.State != protocol.OrderStateCancelled {
		reason := protocol.NewDomainError(protocol.CodeUnexpectedOrderState,
			"Received /on_cancel with unexpected order state: %s", order.State)
		if nack := p.move(r, OrderStatusFailed); nack != nil {
			return nack, ""
		}
		return reason, ""
	}

	if c := order.Cancellation; c != nil && c.CancelledBy != "" && c.CancelledBy == r.BppID() {
		return p.cancelledBySeller(r), "cancelled by seller"
	}
	if nack := p.move(r, OrderStatusCancelled); nack != nil {
		return nack, ""
	}
	r.OrderState = protocol.OrderStateCancelled
	return nil, "cancellation confirmed by seller"
}

// cancelledBySeller aceita um cancelamento do vendedor em qualquer status.
// Um pedido já cancelado mantém seu status.
func (p *CallbackProcessor) cancelledBySeller(r *OrderRecord) *protocol.Error {
	r.OrderState = protocol.OrderStateCancelled
	if !r.Status.CanTransition(OrderStatusCancelledBySeller) {
		log.Printf("ℹ️ [BAP] seller cancellation for order already %s | OrderID: %s", r.Status, r.OrderID)
		r.LastUpdatedAt = p.now()
		return nil
	}
	return p.move(r, OrderStatusCancelledBySeller)
}

// move aplica uma transição de status. Uma transição recusada vira NACK de
// protocolo porque o callback não cabe no status atual do pedido.
func (p *CallbackProcessor) move(r *OrderRecord, next OrderStatus) *protocol.Error {
	current := r.Status
	if err := r.Transition(next, p.now()); err != nil {
		return protocol.NewDomainError(protocol.CodeUnexpectedOrderState,
			"Callback not expected for order %s in status %s", r.OrderID, current)
	}
	log.Printf("📌 [STATUS UPDATE] OrderID: %s | %s -> %s", r.OrderID, current, next)
	return nil
}

// lookup encontra o pedido de um callback. Callbacks com message informam o
// order id e callbacks só de erro são buscados pelo transaction id. Um
// registro de outra transação é tratado como desconhecido.
func (p *CallbackProcessor) lookup(ctx context.Context, env *protocol.Envelope) (*OrderRecord, *protocol.Error, error) {
	var (
		rec *OrderRecord
		err error
		key string
	)
	if env.Message != nil && env.Message.Order != nil {
		key = env.Message.Order.ID
		rec, err = p.repository.Get(ctx, key)
	} else {
		key = "transaction " + env.Context.TransactionID
		rec, err = p.repository.FindByTransactionID(ctx, env.Context.TransactionID)
	}

	if errors.Is(err, ErrOrderNotFound) {
		return nil, protocol.NewDomainError(protocol.CodeOrderNotFound,
			"Order %s not found or doesn't match original request", key), nil
	}
	if err != nil {
		return nil, nil, err
	}
	if rec.TransactionID != env.Context.TransactionID {
		return nil, protocol.NewDomainError(protocol.CodeOrderNotFound,
			"Order %s not found or doesn't match original request", key), nil
	}
	return rec, nil, nil
}

func (p *CallbackProcessor) countVerdict(ctx context.Context, action protocol.Action, err error) {
	if p.verdictCounter == nil {
		return
	}
	verdict := protocol.StatusAck
	if err != nil {
		verdict = protocol.StatusNack
	}
	p.verdictCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("verdict", verdict),
	))
}

func firstErr(nack *protocol.Error, err error) error {
	if nack != nil {
		return nack
	}
	return err
}

func errorText(e *protocol.Error) string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func joinAxes(axes []Axis) string {
	names := make([]string, len(axes))
	for i, a := range axes {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}

func transactionID(env *protocol.Envelope) string {
	if env == nil || env.Context == nil {
		return ""
	}
	return env.Context.TransactionID
}
