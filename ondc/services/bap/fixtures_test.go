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

const (
	testBppID  = "seller.example.com"
	testBppURI = "https://seller.example.com/ondc"
)

// MockDeliverer simula o envio de requests ao BPP
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

// recordingNotifier guarda cada notificação ao comprador
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, orderID, event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, orderID+": "+event)
}

// inlineRunner executa as tasks de forma síncrona
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

func nacked(err *protocol.Error) delivery.Report {
	reply := protocol.NewNack(nil, err)
	return delivery.Report{Outcome: delivery.OutcomeNacked, Attempts: 1, Reply: &reply, Err: delivery.ErrNack}
}

func exhausted() delivery.Report {
	return delivery.Report{Outcome: delivery.OutcomeExhausted, Attempts: 3, Err: delivery.ErrUnexpectedStatus}
}

func testConfig() Config {
	return Config{
		Port:        "8082",
		ServiceName: "bap-service",
		BapID:       "buyer.example.com",
		BapURI:      "https://buyer.example.com/ondc",

		BppID:       testBppID,
		BppURI:      testBppURI,
		Domain:      "ONDC:RET10",
		Country:     "IND",
		City:        "std:080",
		CoreVersion: "1.2.0",
		RequestTTL:  "PT30S",

		ReconcileAxes:       DefaultReconcileAxes,
		CancellationReasons: protocol.DefaultCancellationReasons,
		MaxRequestAge:       protocol.DefaultMaxRequestAge,

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
		BapURI:        "https://buyer.example.com/ondc",
		BppID:         testBppID,
		BppURI:        testBppURI,
		TransactionID: "txn-1",
		MessageID:     "msg-" + string(action),
		Timestamp:     protocol.Timestamp(fixedNow.Add(-5 * time.Second)),
	}
}

func testOrder(orderID string) *protocol.Order {
	return &protocol.Order{
		ID:       orderID,
		Provider: &protocol.Provider{ID: "P1", Locations: []protocol.Location{{ID: "L1"}}},
		Items: []protocol.Item{
			{ID: "I1", Quantity: &protocol.Quantity{Count: 2}, FulfillmentID: "F1"},
		},
		Billing: &protocol.Billing{Name: "Buyer", Address: []byte(`"1 Main St"`), Phone: "8888888888"},
		Fulfillments: []protocol.Fulfillment{{
			ID:   "F1",
			Type: "Delivery",
			End: &protocol.Stop{
				Location: &protocol.Location{
					GPS:     "12.97,77.59",
					Address: &protocol.Address{Name: "Home", City: "Bengaluru", AreaCode: "560001"},
				},
			},
		}},
		Quote: &protocol.Quote{Price: protocol.Price{Currency: "INR", Value: "250.00"}},
		Payment: &protocol.Payment{
			Type:        "ON-ORDER",
			CollectedBy: "BPP",
			Status:      "NOT-PAID",
		},
	}
}

// callback monta um callback com pedido para a transação semeada
func callback(action protocol.Action, orderID, state string) *protocol.Envelope {
	order := testOrder(orderID)
	order.State = state
	return &protocol.Envelope{
		Context: testContext(action),
		Message: &protocol.Message{Order: order},
	}
}

// errorCallback monta um callback só de erro para a transação semeada
func errorCallback(action protocol.Action, code, message string) *protocol.Envelope {
	return &protocol.Envelope{
		Context: testContext(action),
		Error:   protocol.NewDomainError(code, "%s", message),
	}
}

type processorFixture struct {
	processor *CallbackProcessor
	repo      *MemoryOrderRepository
	notifier  *recordingNotifier
}

func newProcessorFixture(axes ...string) *processorFixture {
	if len(axes) == 0 {
		axes = DefaultReconcileAxes
	}
	reconciler, err := NewReconciler(axes)
	if err != nil {
		panic(err)
	}
	cfg := testConfig()
	f := &processorFixture{
		repo:     NewMemoryOrderRepository(),
		notifier: &recordingNotifier{},
	}
	f.processor = NewCallbackProcessor(
		f.repo,
		protocol.NewValidator(cfg.CancellationReasons, cfg.MaxRequestAge).WithClock(func() time.Time { return fixedNow }),
		reconciler,
		f.notifier,
	)
	f.processor.now = func() time.Time { return fixedNow }
	return f
}

// seed grava um pedido como enviado via /confirm, opcionalmente movido para status
func seed(repo Repository, orderID string, status OrderStatus) {
	rec := NewOrderRecord(testContext(protocol.ActionConfirm), testOrder(orderID), fixedNow)
	if status != "" {
		rec.Status = status
	}
	if _, _, err := repo.CreateIfAbsent(context.Background(), rec); err != nil {
		panic(err)
	}
}

func record(repo Repository, orderID string) *OrderRecord {
	rec, err := repo.Get(context.Background(), orderID)
	if err != nil {
		panic(err)
	}
	return rec
}

type useCaseFixture struct {
	useCase   *OrderUseCase
	repo      *MemoryOrderRepository
	deliverer *MockDeliverer
	runner    *inlineRunner
}

func newUseCaseFixture() *useCaseFixture {
	cfg := testConfig()
	f := &useCaseFixture{
		repo:      NewMemoryOrderRepository(),
		deliverer: &MockDeliverer{},
		runner:    &inlineRunner{},
	}
	f.useCase = NewOrderUseCase(
		f.repo,
		protocol.NewValidator(cfg.CancellationReasons, cfg.MaxRequestAge),
		f.deliverer,
		f.runner,
		cfg,
	)
	f.useCase.now = func() time.Time { return fixedNow }
	return f
}
