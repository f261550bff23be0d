package protocol

import (
	"time"
)

// DefaultMaxRequestAge bounds how old a request carrying a ttl may be.
const DefaultMaxRequestAge = 120 * time.Second

// DefaultCancellationReasons is the allow-list of buyer side cancellation
// reason codes.
var DefaultCancellationReasons = []string{
	"001", "002", "003", "004", "005", "006", "009", "010", "011", "012", "013", "014",
}

// Validator checks the structural and temporal validity of inbound
// messages. It never mutates its input.
type Validator struct {
	cancelReasons map[string]struct{}
	maxAge        time.Duration
	now           func() time.Time
}

// NewValidator creates a Validator. An empty reason list falls back to
// DefaultCancellationReasons and a non-positive maxAge to DefaultMaxRequestAge.
func NewValidator(cancelReasons []string, maxAge time.Duration) *Validator {
	if len(cancelReasons) == 0 {
		cancelReasons = DefaultCancellationReasons
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxRequestAge
	}
	reasons := make(map[string]struct{}, len(cancelReasons))
	for _, r := range cancelReasons {
		reasons[r] = struct{}{}
	}
	return &Validator{cancelReasons: reasons, maxAge: maxAge, now: time.Now}
}

// WithClock replaces the time source used for freshness checks.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// IsAllowedCancelReason reports whether the reason id is recognized.
func (v *Validator) IsAllowedCancelReason(id string) bool {
	_, ok := v.cancelReasons[id]
	return ok
}

// ValidateRequest validates a confirm, cancel or status request. It returns
// nil when the request is valid.
func (v *Validator) ValidateRequest(action Action, env *Envelope) *Error {
	if env == nil || env.Context == nil {
		return NewContextError(CodeInvalidRequest, "missing context")
	}
	if env.Context.BapURI == "" {
		return NewContextError(CodeInvalidRequest, "missing context.bap_uri")
	}
	if env.Context.TransactionID == "" {
		return NewContextError(CodeInvalidRequest, "missing context.transaction_id")
	}
	if env.Message == nil {
		return NewContextError(CodeInvalidRequest, "missing message")
	}

	msg := env.Message
	switch action {
	case ActionConfirm:
		if msg.Order == nil || msg.Order.ID == "" {
			return NewContextError(CodeInvalidRequest, "missing message.order or message.order.id")
		}
	case ActionCancel:
		if msg.OrderID == "" || msg.CancellationReasonID == "" {
			return NewContextError(CodeInvalidRequest, "missing message.order_id or message.cancellation_reason_id")
		}
		if !v.IsAllowedCancelReason(msg.CancellationReasonID) {
			return NewDomainError(CodeInvalidCancelReason, "invalid cancellation_reason_id: %s", msg.CancellationReasonID)
		}
	case ActionStatus:
		if msg.OrderID == "" {
			return NewContextError(CodeInvalidRequest, "missing message.order_id")
		}
	default:
		return NewContextError(CodeInvalidRequest, "unsupported action %q", action)
	}

	return v.checkFreshness(env.Context)
}

// ValidateCallback validates an on_confirm, on_cancel or on_status callback.
// requireState demands order.state whenever the callback carries an order
// and no error object.
func (v *Validator) ValidateCallback(env *Envelope, requireState bool) *Error {
	if env == nil || env.Context == nil || env.Context.TransactionID == "" {
		return NewContextError(CodeInvalidRequest, "missing context or transaction_id")
	}
	if env.Message == nil && env.Error == nil {
		return NewContextError(CodeInvalidRequest, "request must have either a message or an error object")
	}
	if env.Message != nil {
		if env.Message.Order == nil || env.Message.Order.ID == "" {
			return NewDomainError(CodeMissingOrderID, "missing order.id in message")
		}
		if requireState && env.Error == nil && env.Message.Order.State == "" {
			return NewDomainError(CodeMissingOrderState, "missing order.state in message.order")
		}
	}
	return v.checkFreshness(env.Context)
}

// checkFreshness rejects stale or unparseable timestamps when a ttl is set.
func (v *Validator) checkFreshness(ctx *Context) *Error {
	if ctx.TTL == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, ctx.Timestamp)
	if err != nil {
		return NewContextError(CodeStaleRequest, "request timestamp is invalid")
	}
	if v.now().Sub(ts) > v.maxAge {
		return NewContextError(CodeStaleRequest, "request timestamp is too old")
	}
	return nil
}
