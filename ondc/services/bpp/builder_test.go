package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
)

func newTestBuilder() *ResponseBuilder {
	b := NewResponseBuilder(testConfig())
	b.now = func() time.Time { return fixedNow }
	return b
}

func TestResponseBuilder_OnConfirmAccepted(t *testing.T) {
	// Arrange
	b := newTestBuilder()
	req := confirmRequest("B1")

	// Act
	env, err := b.OnConfirmAccepted(req)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionOnConfirm, env.Context.Action)
	assert.Equal(t, protocol.Timestamp(fixedNow), env.Context.Timestamp)

	order := env.Message.Order
	assert.Equal(t, protocol.OrderStateAccepted, order.State)
	assert.Equal(t, protocol.Timestamp(fixedNow), order.CreatedAt)
	assert.Nil(t, order.Cancellation)

	f := order.Fulfillments[0]
	assert.Equal(t, "F1", f.ID)
	assert.Equal(t, "Delivery", f.Type)
	assert.False(t, *f.Tracking)
	assert.Equal(t, protocol.Timestamp(fixedNow), f.Start.Time.Range.Start)
	assert.Equal(t, protocol.Timestamp(fixedNow.Add(15*time.Minute)), f.Start.Time.Range.End)
	assert.Equal(t, protocol.Timestamp(fixedNow.Add(15*time.Minute)), f.End.Time.Range.Start)
	assert.Equal(t, protocol.Timestamp(fixedNow.Add(60*time.Minute)), f.End.Time.Range.End)
	assert.Equal(t, "9999999999", f.Start.Contact.Phone)
	assert.Equal(t, "8888888888", f.End.Contact.Phone)

	// the request is left untouched
	assert.Equal(t, protocol.OrderStateCreated, req.Message.Order.State)
	assert.Equal(t, "NOT-PAID", req.Message.Order.Payment.Status)
	assert.Nil(t, req.Message.Order.Fulfillments[0].Start)
}

func TestResponseBuilder_OnConfirmAcceptedKeepsUntypedFields(t *testing.T) {
	// Arrange
	b := newTestBuilder()
	var req protocol.Envelope
	require.NoError(t, json.Unmarshal(mustJSON(t, confirmRequest("B2")), &req))
	req.Message.Order.Items[0].Extra = protocol.Extras{"descriptor": json.RawMessage(`{"name":"Coffee"}`)}
	req.Message.Order.Billing.Address = json.RawMessage(`{"city":"Bengaluru","area_code":"560001"}`)
	req.Message.Order.Fulfillments[0].Extra = protocol.Extras{"@ondc/org/provider_name": json.RawMessage(`"Store"`)}
	req.Message.Order.Extra = protocol.Extras{"tags": json.RawMessage(`[{"code":"bpp_terms"}]`)}

	// Act
	env, err := b.OnConfirmAccepted(&req)

	// Assert
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(mustJSON(t, env), &wire))
	order := wire["message"].(map[string]any)["order"].(map[string]any)
	assert.Equal(t, []any{map[string]any{"code": "bpp_terms"}}, order["tags"])
	assert.Equal(t, map[string]any{"name": "Coffee"}, order["items"].([]any)[0].(map[string]any)["descriptor"])
	assert.Equal(t, "560001", order["billing"].(map[string]any)["address"].(map[string]any)["area_code"])
	assert.Equal(t, "Store", order["fulfillments"].([]any)[0].(map[string]any)["@ondc/org/provider_name"])
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestResponseBuilder_OnConfirmAccepted_MissingData(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *protocol.Order)
	}{
		{name: "no items", mutate: func(o *protocol.Order) { o.Items = nil }},
		{name: "no quote", mutate: func(o *protocol.Order) { o.Quote = nil }},
		{name: "no payment", mutate: func(o *protocol.Order) { o.Payment = nil }},
		{name: "no end gps", mutate: func(o *protocol.Order) { o.Fulfillments[0].End.Location.GPS = "" }},
		{name: "no billing phone", mutate: func(o *protocol.Order) { o.Billing.Phone = "" }},
		{name: "no fulfillments", mutate: func(o *protocol.Order) { o.Fulfillments = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := confirmRequest("B2")
			tt.mutate(req.Message.Order)

			env, err := newTestBuilder().OnConfirmAccepted(req)

			assert.Nil(t, env)
			perr := protocol.AsError(err)
			require.NotNil(t, perr)
			assert.Equal(t, protocol.DomainError, perr.Type)
		})
	}
}

func TestResponseBuilder_OnStatus(t *testing.T) {
	// Arrange
	b := newTestBuilder()
	rec := NewConfirmRecord(confirmRequest("B3"), fixedNow.Add(-time.Hour))
	rec.OrderState = protocol.OrderStateShipped

	// Act
	env := b.OnStatus(statusRequest("B3"), rec)

	// Assert
	require.NotNil(t, env.Message)
	assert.Equal(t, protocol.OrderStateShipped, env.Message.Order.State)
	assert.Equal(t, protocol.Timestamp(fixedNow.Add(-time.Hour)), env.Message.Order.UpdatedAt)
	assert.Equal(t, protocol.OrderStateCreated, rec.Order().State)
}

func TestResponseBuilder_OnStatus_Unknown(t *testing.T) {
	// Act
	env := newTestBuilder().OnStatus(statusRequest("B4"), nil)

	// Assert
	assert.Nil(t, env.Message)
	require.NotNil(t, env.Error)
	assert.Equal(t, protocol.CodeOrderNotFound, env.Error.Code)
	assert.Contains(t, env.Error.Message, "B4")
}
