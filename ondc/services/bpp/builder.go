package main

import (
	"time"

	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
)

// ResponseBuilder monta os payloads de callback enviados ao BAP
type ResponseBuilder struct {
	self           protocol.Identity
	store          StoreConfig
	preparation    time.Duration
	deliveryWindow time.Duration
	tracking       bool
	now            func() time.Time
}

// NewResponseBuilder cria o builder a partir da configuração
func NewResponseBuilder(cfg Config) *ResponseBuilder {
	return &ResponseBuilder{
		self:           cfg.Identity(),
		store:          cfg.Store,
		preparation:    cfg.PreparationTime,
		deliveryWindow: cfg.DeliveryTime,
		tracking:       cfg.EnableTracking,
		now:            time.Now,
	}
}

func (b *ResponseBuilder) envelope(req *protocol.Envelope, action protocol.Action) *protocol.Envelope {
	return &protocol.Envelope{Context: protocol.NewCallbackContext(req.Context, action, b.self, b.now())}
}

// OnConfirmAccepted monta o snapshot do pedido aceito. Retorna um erro de
// domínio quando o request não traz o necessário para o fulfillment.
func (b *ResponseBuilder) OnConfirmAccepted(req *protocol.Envelope) (*protocol.Envelope, error) {
	original := req.Message.Order
	if len(original.Items) == 0 || original.Billing == nil || original.Quote == nil || original.Payment == nil {
		return nil, protocol.NewDomainError(protocol.CodeInternal,
			"Cannot generate confirmation, essential order details (items, billing, quote, payment) are missing from the original request.")
	}

	fulfillment, err := b.fulfillment(original)
	if err != nil {
		return nil, err
	}

	now := b.now()
	order := original.Clone()
	order.State = protocol.OrderStateAccepted
	order.Fulfillments = []protocol.Fulfillment{fulfillment}

	if order.Payment.Params == nil {
		order.Payment.Params = &protocol.PaymentParams{}
	}
	order.Payment.Status = "PAID"
	order.Payment.Params.Amount = order.Quote.Price.Value
	if order.Payment.Params.Currency == "" {
		order.Payment.Params.Currency = order.Quote.Price.Currency
	}
	order.Payment.Params.TransactionStatus = "Captured"

	if order.CreatedAt == "" {
		order.CreatedAt = protocol.Timestamp(now)
	}
	order.UpdatedAt = protocol.Timestamp(now)
	order.Cancellation = nil

	env := b.envelope(req, protocol.ActionOnConfirm)
	env.Message = &protocol.Message{Order: order}
	return env, nil
}

func (b *ResponseBuilder) fulfillment(order *protocol.Order) (protocol.Fulfillment, error) {
	first := order.FirstFulfillment()
	if first == nil || first.End == nil || first.End.Location == nil ||
		first.End.Location.Address == nil || first.End.Location.GPS == "" ||
		order.Billing == nil || order.Billing.Phone == "" {
		return protocol.Fulfillment{}, protocol.NewDomainError(protocol.CodeInternal,
			"Missing or incomplete mandatory fulfillment end location or billing contact details in order")
	}

	start := b.now()
	ready := start.Add(b.preparation)
	arrival := start.Add(b.deliveryWindow)
	tracking := b.tracking

	out := protocol.Fulfillment{
		ID:       first.ID,
		Type:     first.Type,
		Tracking: &tracking,
		State:    &protocol.FulfillmentState{Descriptor: protocol.Descriptor{Code: "Pending"}},
		Start: &protocol.Stop{
			Location: &protocol.Location{
				ID:  b.store.LocationID,
				GPS: b.store.GPS,
				Address: &protocol.Address{
					Name:     b.store.Name,
					Street:   b.store.Street,
					Locality: b.store.Locality,
					City:     b.store.City,
					State:    b.store.State,
					Country:  b.store.Country,
					AreaCode: b.store.Pincode,
				},
			},
			Time:    window(start, ready),
			Contact: &protocol.Contact{Phone: b.store.Phone, Email: b.store.Email},
		},
		End: &protocol.Stop{
			Location: order.Clone().FirstFulfillment().End.Location,
			Time:     window(ready, arrival),
			Contact:  &protocol.Contact{Phone: order.Billing.Phone, Email: order.Billing.Email},
		},
		Extra: first.Extra.Clone(),
	}
	if out.ID == "" {
		out.ID = "FULFILLMENT-1"
	}
	if out.Type == "" {
		out.Type = "Delivery"
	}
	return out, nil
}

func window(start, end time.Time) *protocol.TimeRange {
	return &protocol.TimeRange{Range: &protocol.Window{Start: protocol.Timestamp(start), End: protocol.Timestamp(end)}}
}

// OnConfirmRejected monta o pedido cancelado mínimo de um confirm rejeitado
func (b *ResponseBuilder) OnConfirmRejected(req *protocol.Envelope, verdict Verdict) *protocol.Envelope {
	original := req.Message.Order
	order := &protocol.Order{
		ID:    original.ID,
		State: protocol.OrderStateCancelled,
		Cancellation: &protocol.Cancellation{
			CancelledBy: b.self.ID,
			Reason:      protocol.Reason{Code: verdict.ReasonCode},
		},
		UpdatedAt: protocol.Timestamp(b.now()),
	}
	if original.Provider != nil {
		order.Provider = &protocol.Provider{ID: original.Provider.ID}
		if len(original.Provider.Locations) > 0 {
			order.Provider.Locations = []protocol.Location{{ID: original.Provider.Locations[0].ID}}
		}
	}
	for _, item := range original.Items {
		rejected := protocol.Item{ID: item.ID}
		if item.Quantity != nil {
			rejected.Quantity = &protocol.Quantity{Count: item.Quantity.Count}
		}
		order.Items = append(order.Items, rejected)
	}

	env := b.envelope(req, protocol.ActionOnConfirm)
	env.Message = &protocol.Message{Order: order}
	return env
}

// OnCancelAccepted monta o pedido cancelado que confirma o cancelamento do comprador
func (b *ResponseBuilder) OnCancelAccepted(req *protocol.Envelope) *protocol.Envelope {
	env := b.envelope(req, protocol.ActionOnCancel)
	env.Message = &protocol.Message{Order: &protocol.Order{
		ID:    req.Message.OrderID,
		State: protocol.OrderStateCancelled,
		Cancellation: &protocol.Cancellation{
			CancelledBy: req.Context.BapID,
			Reason:      protocol.Reason{ID: req.Message.CancellationReasonID},
		},
		UpdatedAt: protocol.Timestamp(b.now()),
	}}
	return env
}

// ErrorCallback embrulha err em um callback só de erro respondendo req
func (b *ResponseBuilder) ErrorCallback(req *protocol.Envelope, action protocol.Action, err *protocol.Error) *protocol.Envelope {
	env := b.envelope(req, action)
	env.Error = err
	return env
}

// OnStatus reporta o snapshot atual de rec, ou um erro de pedido não
// encontrado quando ele nunca foi confirmado aqui. O snapshot aceito tem
// preferência sobre o pedido original.
func (b *ResponseBuilder) OnStatus(req *protocol.Envelope, rec *OrderRecord) *protocol.Envelope {
	if rec == nil || rec.Order() == nil {
		return b.ErrorCallback(req, protocol.ActionOnStatus, protocol.NewDomainError(protocol.CodeOrderNotFound,
			"Order with ID %s not found.", req.Message.OrderID))
	}

	order := rec.Order().Clone()
	if rec.ConfirmedOrder != nil {
		order = rec.ConfirmedOrder.Clone()
	}
	order.State = rec.OrderState
	order.UpdatedAt = protocol.Timestamp(rec.LastUpdatedAt)

	env := b.envelope(req, protocol.ActionOnStatus)
	env.Message = &protocol.Message{Order: order}
	return env
}
