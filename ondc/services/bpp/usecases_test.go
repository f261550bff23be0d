package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
	"github.com/matheusmosca/ondc-callback-relay/ondc/tasks"
)

func TestConfirm_AcceptedAndDelivered(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnConfirm, mock.Anything).Return(acked())

	// Act
	err := f.useCase.Confirm(context.Background(), confirmRequest("O1"))

	// Assert
	require.NoError(t, err)
	rec := f.record("O1")
	assert.Equal(t, OrderStatusOnConfirmSent, rec.Status)
	assert.Equal(t, protocol.OrderStateAccepted, rec.OrderState)
	require.NotNil(t, rec.ConfirmedOrder)
	assert.Equal(t, "PAID", rec.ConfirmedOrder.Payment.Status)

	sent := f.deliverer.sent(protocol.ActionOnConfirm)
	require.Len(t, sent, 1)
	payload := sent[0]
	assert.Equal(t, protocol.ActionOnConfirm, payload.Context.Action)
	assert.Equal(t, "txn-1", payload.Context.TransactionID)
	assert.NotEqual(t, "msg-confirm", payload.Context.MessageID)
	assert.Equal(t, "seller.example.com", payload.Context.BppID)
	assert.Nil(t, payload.Error)

	order := payload.Message.Order
	assert.Equal(t, protocol.OrderStateAccepted, order.State)
	assert.Equal(t, "250.00", order.Payment.Params.Amount)
	assert.Equal(t, "Captured", order.Payment.Params.TransactionStatus)
	require.Len(t, order.Fulfillments, 1)
	assert.Equal(t, "store-1", order.Fulfillments[0].Start.Location.ID)
	assert.Equal(t, "560001", order.Fulfillments[0].End.Location.Address.AreaCode)
	assert.Equal(t, "Pending", order.Fulfillments[0].State.Descriptor.Code)
}

func TestConfirm_RejectedUnserviceable(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnConfirm, mock.Anything).Return(acked())
	req := confirmRequest("O2")
	req.Message.Order.Fulfillments[0].End.Location.Address.AreaCode = "110001"

	// Act
	err := f.useCase.Confirm(context.Background(), req)

	// Assert
	require.NoError(t, err)
	rec := f.record("O2")
	assert.Equal(t, OrderStatusOnConfirmSent, rec.Status)
	assert.Equal(t, protocol.OrderStateCancelled, rec.OrderState)
	assert.Nil(t, rec.ConfirmedOrder)

	sent := f.deliverer.sent(protocol.ActionOnConfirm)
	require.Len(t, sent, 1)
	order := sent[0].Message.Order
	assert.Equal(t, protocol.OrderStateCancelled, order.State)
	assert.Equal(t, protocol.ReasonNotServiceable, order.Cancellation.Reason.Code)
	assert.Equal(t, "seller.example.com", order.Cancellation.CancelledBy)
	assert.Empty(t, order.Fulfillments)
}

func TestConfirm_ForcedRejection(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnConfirm, mock.Anything).Return(acked())
	req := confirmRequest("O3")
	req.Message.Order.Items[0].ID = "REJECT_ME"

	// Act
	err := f.useCase.Confirm(context.Background(), req)

	// Assert
	require.NoError(t, err)
	sent := f.deliverer.sent(protocol.ActionOnConfirm)
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ReasonItemUnavailable, sent[0].Message.Order.Cancellation.Reason.Code)
	assert.Equal(t, 2, sent[0].Message.Order.Items[0].Count())
}

func TestConfirm_ValidationFailureHasNoSideEffects(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	req := confirmRequest("O4")
	req.Context.BapURI = ""

	// Act
	err := f.useCase.Confirm(context.Background(), req)

	// Assert
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ContextError, perr.Type)
	assert.Equal(t, protocol.CodeInvalidRequest, perr.Code)

	_, getErr := f.repo.Get(context.Background(), "O4")
	assert.ErrorIs(t, getErr, ErrOrderNotFound)
	f.deliverer.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.runner.tasks)
}

func TestConfirm_DeliveryFailureThenRedeliveryOnDuplicate(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnConfirm, mock.Anything).Return(exhausted()).Once()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnConfirm, mock.Anything).Return(acked())

	// Act
	require.NoError(t, f.useCase.Confirm(context.Background(), confirmRequest("O5")))
	afterFirst := f.record("O5").Status
	require.NoError(t, f.useCase.Confirm(context.Background(), confirmRequest("O5")))

	// Assert
	assert.Equal(t, OrderStatusOnConfirmFailed, afterFirst)
	assert.Equal(t, OrderStatusOnConfirmSent, f.record("O5").Status)

	sent := f.deliverer.sent(protocol.ActionOnConfirm)
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].Context.MessageID, sent[1].Context.MessageID)
	assert.Equal(t, sent[0].Message.Order.ID, sent[1].Message.Order.ID)
}

func TestConfirm_DuplicateAfterSentResendsCachedPayload(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnConfirm, mock.Anything).Return(acked())
	require.NoError(t, f.useCase.Confirm(context.Background(), confirmRequest("O6")))
	before := f.record("O6")

	// Act
	duplicate := confirmRequest("O6")
	duplicate.Message.Order.Items[0].ID = "REJECT_ME"
	err := f.useCase.Confirm(context.Background(), duplicate)

	// Assert
	require.NoError(t, err)
	after := f.record("O6")
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.OriginalRequest, after.OriginalRequest)

	sent := f.deliverer.sent(protocol.ActionOnConfirm)
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.OrderStateAccepted, sent[1].Message.Order.State)
	assert.Equal(t, "I1", sent[1].Message.Order.Items[0].ID)
}

func TestConfirm_BuildFailureSendsErrorCallback(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnConfirm, mock.Anything).Return(acked())
	req := confirmRequest("O7")
	req.Message.Order.Billing = nil

	// Act
	err := f.useCase.Confirm(context.Background(), req)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OrderStatusError, f.record("O7").Status)

	sent := f.deliverer.sent(protocol.ActionOnConfirm)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Error)
	assert.Nil(t, sent[0].Message)
	assert.Equal(t, protocol.DomainError, sent[0].Error.Type)
	assert.Equal(t, protocol.CodeInternal, sent[0].Error.Code)
	assert.True(t, strings.HasPrefix(sent[0].Error.Message, "BPP error processing order: "))
}

func TestConfirm_SchedulingFailureMarksError(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.runner.err = tasks.ErrClosed

	// Act
	err := f.useCase.Confirm(context.Background(), confirmRequest("O8"))

	// Assert
	assert.ErrorIs(t, err, tasks.ErrClosed)
	assert.Equal(t, OrderStatusError, f.record("O8").Status)
}

func TestCancel_AcceptedWithRefund(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, mock.Anything, mock.Anything).Return(acked())
	f.refunder.On("Refund", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.useCase.Confirm(context.Background(), confirmRequest("C1")))

	// Act
	err := f.useCase.Cancel(context.Background(), cancelRequest("C1", "001"))

	// Assert
	require.NoError(t, err)
	rec := f.record("C1")
	assert.Equal(t, OrderStatusOnCancelSent, rec.Status)
	assert.Equal(t, protocol.OrderStateCancelled, rec.OrderState)
	f.refunder.AssertNumberOfCalls(t, "Refund", 1)

	sent := f.deliverer.sent(protocol.ActionOnCancel)
	require.Len(t, sent, 1)
	order := sent[0].Message.Order
	assert.Equal(t, "C1", order.ID)
	assert.Equal(t, protocol.OrderStateCancelled, order.State)
	assert.Equal(t, "buyer.example.com", order.Cancellation.CancelledBy)
	assert.Equal(t, "001", order.Cancellation.Reason.ID)
}

func TestCancel_NonCancellableItem(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, mock.Anything, mock.Anything).Return(acked())
	req := confirmRequest("C2")
	notCancellable := false
	req.Message.Order.Items[0].Cancellable = &notCancellable
	require.NoError(t, f.useCase.Confirm(context.Background(), req))

	// Act
	err := f.useCase.Cancel(context.Background(), cancelRequest("C2", "001"))

	// Assert
	require.NoError(t, err)
	rec := f.record("C2")
	assert.Equal(t, OrderStatusCancelRejectedSent, rec.Status)
	assert.Equal(t, protocol.OrderStateAccepted, rec.OrderState)
	f.refunder.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)

	sent := f.deliverer.sent(protocol.ActionOnCancel)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Error)
	assert.Equal(t, protocol.DomainError, sent[0].Error.Type)
	assert.Equal(t, protocol.CodeItemNotCancellable, sent[0].Error.Code)
}

func TestCancel_RejectionSendFailure(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnConfirm, mock.Anything).Return(acked())
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnCancel, mock.Anything).Return(exhausted())
	require.NoError(t, f.useCase.Confirm(context.Background(), confirmRequest("C3")))
	_, err := f.repo.Update(context.Background(), "C3", func(r *OrderRecord) error {
		r.OrderState = protocol.OrderStateDelivered
		return nil
	})
	require.NoError(t, err)

	// Act
	err = f.useCase.Cancel(context.Background(), cancelRequest("C3", "001"))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCancelRejectedSendFailed, f.record("C3").Status)
	sent := f.deliverer.sent(protocol.ActionOnCancel)
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.CodeStateNotCancellable, sent[0].Error.Code)
}

func TestCancel_DuplicateAfterRejectionResends(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, mock.Anything, mock.Anything).Return(acked())
	req := confirmRequest("C9")
	notCancellable := false
	req.Message.Order.Items[0].Cancellable = &notCancellable
	require.NoError(t, f.useCase.Confirm(context.Background(), req))
	require.NoError(t, f.useCase.Cancel(context.Background(), cancelRequest("C9", "001")))
	require.Equal(t, OrderStatusCancelRejectedSent, f.record("C9").Status)

	// Act
	err := f.useCase.Cancel(context.Background(), cancelRequest("C9", "001"))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCancelRejectedSent, f.record("C9").Status)
	assert.Equal(t, []string{"confirm:C9", "cancel:C9", "resend:on_cancel:C9"}, f.runner.tasks)

	sent := f.deliverer.sent(protocol.ActionOnCancel)
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].Context.MessageID, sent[1].Context.MessageID)
	assert.Equal(t, protocol.CodeItemNotCancellable, sent[1].Error.Code)
}

func TestCancel_RedeliversRejectionAfterSendFailure(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnConfirm, mock.Anything).Return(acked())
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnCancel, mock.Anything).Return(exhausted()).Once()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnCancel, mock.Anything).Return(acked())
	req := confirmRequest("C10")
	notCancellable := false
	req.Message.Order.Items[0].Cancellable = &notCancellable
	require.NoError(t, f.useCase.Confirm(context.Background(), req))
	require.NoError(t, f.useCase.Cancel(context.Background(), cancelRequest("C10", "001")))
	require.Equal(t, OrderStatusCancelRejectedSendFailed, f.record("C10").Status)

	// Act
	err := f.useCase.Cancel(context.Background(), cancelRequest("C10", "001"))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCancelRejectedSent, f.record("C10").Status)
	assert.Equal(t, []string{"confirm:C10", "cancel:C10", "resend:on_cancel:C10"}, f.runner.tasks)
	sent := f.deliverer.sent(protocol.ActionOnCancel)
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].Context.MessageID, sent[1].Context.MessageID)
}

func TestCancel_ResendNotScheduledAfterShutdown(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, mock.Anything, mock.Anything).Return(acked())
	f.refunder.On("Refund", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.useCase.Confirm(context.Background(), confirmRequest("C11")))
	require.NoError(t, f.useCase.Cancel(context.Background(), cancelRequest("C11", "001")))
	f.runner.err = tasks.ErrClosed

	// Act
	err := f.useCase.Cancel(context.Background(), cancelRequest("C11", "001"))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OrderStatusOnCancelSent, f.record("C11").Status)
	assert.Len(t, f.deliverer.sent(protocol.ActionOnCancel), 1)
}

func TestCancel_UnknownOrder(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnCancel, mock.Anything).Return(acked())

	// Act
	err := f.useCase.Cancel(context.Background(), cancelRequest("missing", "002"))

	// Assert
	require.NoError(t, err)
	rec := f.record("missing")
	assert.Equal(t, OrderStatusCancelError, rec.Status)
	assert.NotNil(t, rec.CancelRequest)

	sent := f.deliverer.sent(protocol.ActionOnCancel)
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.DomainError, sent[0].Error.Type)
	assert.Equal(t, protocol.CodeOrderNotFound, sent[0].Error.Code)
}

func TestCancel_WhileConfirmInProgress(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	_, created, err := f.repo.CreateIfAbsent(context.Background(), NewConfirmRecord(confirmRequest("C4"), fixedNow))
	require.NoError(t, err)
	require.True(t, created)

	// Act
	err = f.useCase.Cancel(context.Background(), cancelRequest("C4", "001"))

	// Assert
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.DomainError, perr.Type)
	assert.Equal(t, protocol.CodeConfirmInProgress, perr.Code)
	assert.Equal(t, OrderStatusReceived, f.record("C4").Status)
	assert.Nil(t, f.record("C4").CancelRequest)
	assert.Empty(t, f.runner.tasks)
}

func TestCancel_InvalidReason(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()

	// Act
	err := f.useCase.Cancel(context.Background(), cancelRequest("C5", "999"))

	// Assert
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.DomainError, perr.Type)
	assert.Equal(t, protocol.CodeInvalidCancelReason, perr.Code)
	_, getErr := f.repo.Get(context.Background(), "C5")
	assert.ErrorIs(t, getErr, ErrOrderNotFound)
}

func TestCancel_DuplicateAfterSentResends(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, mock.Anything, mock.Anything).Return(acked())
	f.refunder.On("Refund", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.useCase.Confirm(context.Background(), confirmRequest("C6")))
	require.NoError(t, f.useCase.Cancel(context.Background(), cancelRequest("C6", "001")))

	// Act
	err := f.useCase.Cancel(context.Background(), cancelRequest("C6", "001"))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OrderStatusOnCancelSent, f.record("C6").Status)
	assert.Len(t, f.deliverer.sent(protocol.ActionOnCancel), 2)
	f.refunder.AssertNumberOfCalls(t, "Refund", 1)
}

func TestCancel_RedeliversAfterSendFailure(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnConfirm, mock.Anything).Return(acked())
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnCancel, mock.Anything).Return(exhausted()).Once()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnCancel, mock.Anything).Return(acked())
	f.refunder.On("Refund", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.useCase.Confirm(context.Background(), confirmRequest("C7")))
	require.NoError(t, f.useCase.Cancel(context.Background(), cancelRequest("C7", "001")))
	require.Equal(t, OrderStatusCancelledSendFailed, f.record("C7").Status)

	// Act
	err := f.useCase.Cancel(context.Background(), cancelRequest("C7", "001"))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OrderStatusOnCancelSent, f.record("C7").Status)
	f.refunder.AssertNumberOfCalls(t, "Refund", 1)
}

func TestCancel_CashOnDeliveryNeedsNoRefund(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, mock.Anything, mock.Anything).Return(acked())
	req := confirmRequest("C8")
	req.Message.Order.Payment.Type = "ON-FULFILLMENT"
	require.NoError(t, f.useCase.Confirm(context.Background(), req))

	// Act
	err := f.useCase.Cancel(context.Background(), cancelRequest("C8", "003"))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OrderStatusOnCancelSent, f.record("C8").Status)
	f.refunder.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
}

func TestStatus_KnownOrder(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, mock.Anything, mock.Anything).Return(acked())
	require.NoError(t, f.useCase.Confirm(context.Background(), confirmRequest("S1")))

	// Act
	err := f.useCase.Status(context.Background(), statusRequest("S1"))

	// Assert
	require.NoError(t, err)
	rec := f.record("S1")
	assert.Equal(t, OrderStatusOnConfirmSent, rec.Status)
	assert.Equal(t, StatusReplySent, rec.LastStatusReply)

	sent := f.deliverer.sent(protocol.ActionOnStatus)
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ActionOnStatus, sent[0].Context.Action)
	assert.Equal(t, protocol.OrderStateAccepted, sent[0].Message.Order.State)
	assert.Equal(t, "PAID", sent[0].Message.Order.Payment.Status)
	assert.Equal(t, protocol.Timestamp(rec.LastUpdatedAt), sent[0].Message.Order.UpdatedAt)
}

func TestStatus_UnknownOrder(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnStatus, mock.Anything).Return(acked())

	// Act
	err := f.useCase.Status(context.Background(), statusRequest("nope"))

	// Assert
	require.NoError(t, err)
	sent := f.deliverer.sent(protocol.ActionOnStatus)
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.CodeOrderNotFound, sent[0].Error.Code)
	_, getErr := f.repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, getErr, ErrOrderNotFound)
}

func TestStatus_FailedDeliveryDoesNotRegressStatus(t *testing.T) {
	// Arrange
	f := newUseCaseFixture()
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnConfirm, mock.Anything).Return(acked())
	f.deliverer.On("Deliver", mock.Anything, testBapURI, protocol.ActionOnStatus, mock.Anything).Return(exhausted())
	require.NoError(t, f.useCase.Confirm(context.Background(), confirmRequest("S2")))

	// Act
	err := f.useCase.Status(context.Background(), statusRequest("S2"))

	// Assert
	require.NoError(t, err)
	rec := f.record("S2")
	assert.Equal(t, OrderStatusOnConfirmSent, rec.Status)
	assert.Equal(t, StatusReplyFailed, rec.LastStatusReply)
}
