package main

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/matheusmosca/ondc-callback-relay/ondc/delivery"
	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
)

var fixedNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

const testBapURI = "https://buyer.example.com/ondc"

// MockDeliverer simula o envio de callbacks ao BAP
type MockDeliverer struct {
	mock.Mock
}

func (m *MockDeliverer) Deliver(ctx context.Context, baseURI string, action protocol.Action, payload any) delivery.Report {
	args := m.Called(ctx, baseURI, action, payload)
	return args.Get(0).(delivery.Report)
}

// sent retorna os payloads entregues para action, em ordem
func (m *MockDeliverer) sent(action protocol.Action) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, call := range m.Calls {
		if call.Method == "Deliver" && call.Arguments.Get(2) == action {
			out = append(out, call.Arguments.Get(3).(*protocol.Envelope))
		}
	}
	return out
}

// MockRefunder simula o serviço de reembolso
type MockRefunder struct {
	mock.Mock
}

func (m *MockRefunder) Refund(ctx context.Context, order *protocol.Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

// inlineRunner executa as tasks de forma síncrona, então uma chamada ao use
// case só retorna depois que o pipeline termina.
type inlineRunner struct {
	mu    sync.Mutex
	tasks []string
	err   error
}

func (r *inlineRunner) Go(ctx context.Context, task string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return r.err
	}
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	_ = fn(context.WithoutCancel(ctx))
	return nil
}

func acked() delivery.Report {
	return delivery.Report{Outcome: delivery.OutcomeAcked, Attempts: 1}
}

func exhausted() delivery.Report {
	return delivery.Report{Outcome: delivery.OutcomeExhausted, Attempts: 3, Err: delivery.ErrUnexpectedStatus}
}

func testConfig() Config {
	return Config{
		Port:        "8081",
		ServiceName: "bpp-service",
		BppID:       "seller.example.com",
		BppURI:      "https://seller.example.com/ondc",

		ServiceablePincodes: []string{"560001"},
		ForceRejectItemID:   "REJECT_ME",
		PreparationTime:     15 * time.Minute,
		DeliveryTime:        60 * time.Minute,
		Store: StoreConfig{
			LocationID: "store-1",
			Name:       "Corner Store",
			GPS:        "12.9716,77.5946",
			City:       "Bengaluru",
			Country:    "IND",
			Pincode:    "560001",
			Phone:      "9999999999",
		},

		CancellationReasons:  protocol.DefaultCancellationReasons,
		NonCancellableStates: DefaultNonCancellableStates,
		MaxRequestAge:        protocol.DefaultMaxRequestAge,

		DeliveryMaxAttempts:    3,
		DeliveryInitialDelay:   time.Second,
		DeliveryAttemptTimeout: 8 * time.Second,

		Storage:         "memory",
		OTLPEndpoint:    "localhost:4318",
		ShutdownTimeout: 30 * time.Second,
	}
}

func testContext(action protocol.Action) *protocol.Context {
	return &protocol.Context{
		Domain:        "ONDC:RET10",
		Country:       "IND",
		City:          "std:080",
		Action:        action,
		CoreVersion:   "1.2.0",
		BapID:         "buyer.example.com",
		BapURI:        testBapURI,
		BppID:         "seller.example.com",
		BppURI:        "https://seller.example.com/ondc",
		TransactionID: "txn-1",
		MessageID:     "msg-" + string(action),
		Timestamp:     protocol.Timestamp(fixedNow.Add(-5 * time.Second)),
	}
}

func testOrder(orderID string) *protocol.Order {
	cancellable := true
	return &protocol.Order{
		ID:       orderID,
		State:    protocol.OrderStateCreated,
		Provider: &protocol.Provider{ID: "P1", Locations: []protocol.Location{{ID: "L1"}}},
		Items: []protocol.Item{
			{ID: "I1", Quantity: &protocol.Quantity{Count: 2}, FulfillmentID: "F1", Cancellable: &cancellable},
		},
		Billing: &protocol.Billing{Name: "Buyer", Address: []byte(`"1 Main St"`), Phone: "8888888888", Email: "buyer@example.com"},
		Fulfillments: []protocol.Fulfillment{{
			ID:   "F1",
			Type: "Delivery",
			End: &protocol.Stop{
				Location: &protocol.Location{
					GPS:     "12.97,77.59",
					Address: &protocol.Address{Name: "Home", City: "Bengaluru", AreaCode: "560001"},
				},
				Contact: &protocol.Contact{Phone: "8888888888"},
			},
		}},
		Quote: &protocol.Quote{
			Price: protocol.Price{Currency: "INR", Value: "250.00"},
			Breakup: []protocol.QuoteBreakup{
				{ItemID: "I1", TitleType: "item", Title: "Coffee", Price: &protocol.Price{Currency: "INR", Value: "250.00"}},
			},
		},
		Payment: &protocol.Payment{
			Type:        "ON-ORDER",
			CollectedBy: "BPP",
			Status:      "NOT-PAID",
			Params:      &protocol.PaymentParams{TransactionID: "pay-1", Currency: "INR"},
		},
	}
}

func confirmRequest(orderID string) *protocol.Envelope {
	return &protocol.Envelope{
		Context: testContext(protocol.ActionConfirm),
		Message: &protocol.Message{Order: testOrder(orderID)},
	}
}

func cancelRequest(orderID, reason string) *protocol.Envelope {
	return &protocol.Envelope{
		Context: testContext(protocol.ActionCancel),
		Message: &protocol.Message{OrderID: orderID, CancellationReasonID: reason},
	}
}

func statusRequest(orderID string) *protocol.Envelope {
	return &protocol.Envelope{
		Context: testContext(protocol.ActionStatus),
		Message: &protocol.Message{OrderID: orderID},
	}
}

type useCaseFixture struct {
	useCase   *OrderUseCase
	repo      *MemoryOrderRepository
	deliverer *MockDeliverer
	refunder  *MockRefunder
	runner    *inlineRunner
}

func newUseCaseFixture() *useCaseFixture {
	cfg := testConfig()
	f := &useCaseFixture{
		repo:      NewMemoryOrderRepository(),
		deliverer: &MockDeliverer{},
		refunder:  &MockRefunder{},
		runner:    &inlineRunner{},
	}

	builder := NewResponseBuilder(cfg)
	builder.now = func() time.Time { return fixedNow }

	f.useCase = NewOrderUseCase(
		f.repo,
		protocol.NewValidator(cfg.CancellationReasons, cfg.MaxRequestAge).WithClock(func() time.Time { return fixedNow }),
		NewDecisionEngine(cfg.ForceRejectItemID, cfg.ServiceablePincodes, cfg.NonCancellableStates),
		builder,
		f.deliverer,
		f.runner,
		f.refunder,
	)
	f.useCase.now = func() time.Time { return fixedNow }
	return f
}

func (f *useCaseFixture) record(orderID string) *OrderRecord {
	rec, err := f.repo.Get(context.Background(), orderID)
	if err != nil {
		panic(err)
	}
	return rec
}
