package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/ondc-callback-relay/ondc/protocol"
)

var (
	// ErrNack means the counterparty explicitly rejected the callback.
	ErrNack = errors.New("callback rejected by counterparty")
	// ErrUnexpectedStatus is a non 2xx reply.
	ErrUnexpectedStatus = errors.New("unexpected http status")
	// ErrMalformedReply is a 2xx reply without a readable ack status.
	ErrMalformedReply = errors.New("malformed ack reply")
)

// Outcome classifies how a delivery sequence ended.
type Outcome string

const (
	OutcomeAcked     Outcome = "acked"
	OutcomeNacked    Outcome = "nacked"
	OutcomeExhausted Outcome = "exhausted"
)

// Report describes a finished delivery sequence.
type Report struct {
	Target   string
	Outcome  Outcome
	Attempts int
	// Delays holds the wait that preceded each retry.
	Delays []time.Duration
	// Reply is the last ack reply that could be decoded.
	Reply *protocol.AckResponse
	Err   error
}

// Delivered reports whether the counterparty acknowledged the callback.
func (r Report) Delivered() bool {
	return r.Outcome == OutcomeAcked
}

// Engine sends callbacks to `<base uri>/<action>`.
type Engine struct {
	client *resty.Client
	policy Policy
	tracer trace.Tracer

	attemptCounter metric.Int64Counter
	outcomeCounter metric.Int64Counter
}

// NewEngine creates a delivery engine using the given policy. Zero policy
// fields take their defaults.
func NewEngine(policy Policy) *Engine {
	policy = policy.withDefaults()

	client := resty.New().
		SetTimeout(policy.AttemptTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	meter := otel.Meter("ondc-delivery")
	attemptCounter, err := meter.Int64Counter(
		"ondc.delivery.attempts",
		metric.WithDescription("Callback delivery attempts"),
	)
	if err != nil {
		log.Printf("⚠️ failed to create delivery attempt counter: %v", err)
	}
	outcomeCounter, err := meter.Int64Counter(
		"ondc.delivery.outcomes",
		metric.WithDescription("Callback delivery sequences by final outcome"),
	)
	if err != nil {
		log.Printf("⚠️ failed to create delivery outcome counter: %v", err)
	}

	return &Engine{
		client:         client,
		policy:         policy,
		tracer:         otel.Tracer("ondc-delivery"),
		attemptCounter: attemptCounter,
		outcomeCounter: outcomeCounter,
	}
}

// Policy returns the effective policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Target builds the callback url for an action.
func Target(baseURI string, action protocol.Action) string {
	return strings.TrimRight(baseURI, "/") + "/" + string(action)
}

// Deliver posts payload to the counterparty and retries retryable failures
// until the policy is exhausted. It never returns an error; the outcome is
// in the report. Cancellation of ctx does not stop a started sequence.
func (e *Engine) Deliver(ctx context.Context, baseURI string, action protocol.Action, payload any) Report {
	ctx = context.WithoutCancel(ctx)
	target := Target(baseURI, action)

	ctx, span := e.tracer.Start(ctx, "delivery."+string(action), trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("ondc.action", string(action)),
		attribute.String("ondc.target", target),
		attribute.Int("ondc.delivery.max_attempts", int(e.policy.MaxAttempts)),
	)

	report := Report{Target: target}
	operation := func() (*protocol.AckResponse, error) {
		report.Attempts++
		reply, err := e.attempt(ctx, target, payload)
		if reply != nil {
			report.Reply = reply
		}
		e.countAttempt(ctx, action, err)
		if err != nil {
			log.Printf("🔁 [DELIVERY] %s attempt %d/%d failed | Target: %s | Error: %v",
				action, report.Attempts, e.policy.MaxAttempts, target, err)
		}
		return reply, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(e.policy.backOff()),
		backoff.WithMaxTries(e.policy.MaxAttempts),
		backoff.WithNotify(func(_ error, next time.Duration) {
			report.Delays = append(report.Delays, next)
			log.Printf("⏳ [DELIVERY] %s retrying in %s | Target: %s", action, next, target)
		}),
	)

	switch {
	case err == nil:
		report.Outcome = OutcomeAcked
		log.Printf("✅ [DELIVERY] %s acknowledged | Target: %s | Attempts: %d", action, target, report.Attempts)
	case errors.Is(err, ErrNack):
		report.Outcome = OutcomeNacked
		report.Err = err
		log.Printf("🚫 [DELIVERY] %s rejected by counterparty | Target: %s | Attempts: %d", action, target, report.Attempts)
	default:
		report.Outcome = OutcomeExhausted
		report.Err = err
		log.Printf("❌ [DELIVERY] %s failed after %d attempts | Target: %s | Error: %v", action, report.Attempts, target, err)
	}

	span.SetAttributes(
		attribute.Int("ondc.delivery.attempts", report.Attempts),
		attribute.String("ondc.delivery.outcome", string(report.Outcome)),
	)
	if report.Err != nil {
		span.RecordError(report.Err)
		span.SetStatus(codes.Error, string(report.Outcome))
	}
	if e.outcomeCounter != nil {
		e.outcomeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(action)),
			attribute.String("outcome", string(report.Outcome)),
		))
	}

	return report
}

func (e *Engine) attempt(ctx context.Context, target string, payload any) (*protocol.AckResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
	defer cancel()

	req := e.client.R().SetContext(attemptCtx).SetBody(payload)
	otel.GetTextMapPropagator().Inject(attemptCtx, propagation.HeaderCarrier(req.Header))

	resp, err := req.Post(target)
	if err != nil {
		return nil, fmt.Errorf("posting callback: %w", err)
	}
	return Classify(resp.StatusCode(), resp.Body())
}

// Classify interprets a counterparty reply. A 2xx ACK yields no error, a
// 2xx NACK yields a permanent ErrNack and anything else a retryable error.
func Classify(statusCode int, body []byte) (*protocol.AckResponse, error) {
	if statusCode < 200 || statusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, statusCode)
	}

	var reply protocol.AckResponse
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	switch {
	case reply.IsAck():
		return &reply, nil
	case reply.IsNack():
		if reply.Error != nil {
			return &reply, backoff.Permanent(fmt.Errorf("%w: %s", ErrNack, reply.Error.Error()))
		}
		return &reply, backoff.Permanent(ErrNack)
	default:
		return &reply, fmt.Errorf("%w: ack status %q", ErrMalformedReply, reply.Message.Ack.Status)
	}
}

func (e *Engine) countAttempt(ctx context.Context, action protocol.Action, err error) {
	if e.attemptCounter == nil {
		return
	}
	result := "ack"
	switch {
	case errors.Is(err, ErrNack):
		result = "nack"
	case err != nil:
		result = "retryable"
	}
	e.attemptCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("result", result),
	))
}
