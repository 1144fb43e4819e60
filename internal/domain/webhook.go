package domain

import (
	"errors"
	"time"

	"renderd/internal/fsm"
)

// DefaultMaxDeliveryAttempts bounds the retry loop for a single delivery.
const DefaultMaxDeliveryAttempts = 5

// Webhook is a subscriber endpoint registered by an owner. Secret signs the
// payload (HMAC-SHA256) so receivers can authenticate deliveries.
type Webhook struct {
	ID        string
	Owner     OwnerRef
	URL       string
	Secret    string
	Events    []string
	Active    bool
	CreatedAt time.Time
}

// SubscribedTo reports whether the webhook wants the named event. An empty
// event list means "everything".
func (w *Webhook) SubscribedTo(event string) bool {
	if !w.Active {
		return false
	}
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// DeliveryStatus enumerates webhook delivery lifecycle states.
type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "pending"
	DeliveryStatusAttempting DeliveryStatus = "attempting"
	DeliveryStatusDelivered  DeliveryStatus = "delivered"
	DeliveryStatusRetrying   DeliveryStatus = "retrying"
	DeliveryStatusFailed     DeliveryStatus = "failed"
)

// DeliveryEventKind names the operations that drive a delivery.
type DeliveryEventKind string

const (
	EvDeliveryStartAttempt    DeliveryEventKind = "start_attempt"
	EvDeliveryDelivered       DeliveryEventKind = "delivered"
	EvDeliveryRetry           DeliveryEventKind = "retry"
	EvDeliveryFailPermanent   DeliveryEventKind = "fail_permanent"
	EvDeliveryFailMaxAttempts DeliveryEventKind = "fail_max_attempts"
)

// deliveryGuardCtx compares attempts made against the per-delivery ceiling.
type deliveryGuardCtx struct {
	attempts    int
	maxAttempts int
}

var errMaxAttempts = errors.New("max attempts exceeded")

func guardAttemptsLeft(c deliveryGuardCtx) error {
	if c.attempts >= c.maxAttempts {
		return errMaxAttempts
	}
	return nil
}

var deliveryTable = fsm.MustNew([]fsm.Rule[DeliveryStatus, DeliveryEventKind, deliveryGuardCtx]{
	{From: DeliveryStatusPending, Event: EvDeliveryStartAttempt, To: DeliveryStatusAttempting, Guard: guardAttemptsLeft},
	{From: DeliveryStatusRetrying, Event: EvDeliveryStartAttempt, To: DeliveryStatusAttempting, Guard: guardAttemptsLeft},
	{From: DeliveryStatusAttempting, Event: EvDeliveryDelivered, To: DeliveryStatusDelivered},
	{From: DeliveryStatusAttempting, Event: EvDeliveryRetry, To: DeliveryStatusRetrying},
	{From: DeliveryStatusAttempting, Event: EvDeliveryFailPermanent, To: DeliveryStatusFailed},
	{From: DeliveryStatusRetrying, Event: EvDeliveryFailMaxAttempts, To: DeliveryStatusFailed},
})

// CanTransitionDelivery is the read-only companion for validation paths.
func CanTransitionDelivery(status DeliveryStatus, event DeliveryEventKind, attempts, maxAttempts int) bool {
	return deliveryTable.CanTransition(status, event, deliveryGuardCtx{attempts: attempts, maxAttempts: maxAttempts})
}

// WebhookDelivery tracks one event payload on its way to one webhook. Each
// delivery is driven independently by the worker until Delivered or Failed.
type WebhookDelivery struct {
	ID         string
	WebhookID  string
	ResourceID *string
	EventType  string

	Status       DeliveryStatus
	AttemptCount int
	MaxAttempts  int

	NextRetryAt    *time.Time
	ResponseStatus *int
	ResponseBody   string
	DeliveredAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewWebhookDelivery builds a pending delivery for one webhook/event pair.
func NewWebhookDelivery(id, webhookID string, resourceID *string, eventType string, now time.Time) *WebhookDelivery {
	return &WebhookDelivery{
		ID:          id,
		WebhookID:   webhookID,
		ResourceID:  resourceID,
		EventType:   eventType,
		Status:      DeliveryStatusPending,
		MaxAttempts: DefaultMaxDeliveryAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Terminal reports whether the delivery is finished for good.
func (d *WebhookDelivery) Terminal() bool {
	return deliveryTable.Terminal(d.Status)
}

func (d *WebhookDelivery) transition(event DeliveryEventKind) error {
	next, err := deliveryTable.Transition(d.Status, event, deliveryGuardCtx{
		attempts:    d.AttemptCount,
		maxAttempts: d.MaxAttempts,
	})
	if err != nil {
		return Conflict(err)
	}
	d.Status = next
	return nil
}

// StartAttempt claims the next attempt. Guarded: once the attempt budget is
// spent it reports a conflict instead of incrementing further.
func (d *WebhookDelivery) StartAttempt(now time.Time) error {
	if err := d.transition(EvDeliveryStartAttempt); err != nil {
		return err
	}
	d.AttemptCount++
	d.UpdatedAt = now
	return nil
}

// MarkDelivered records a 2xx response and finishes the delivery.
func (d *WebhookDelivery) MarkDelivered(status int, body string, now time.Time) error {
	if err := d.transition(EvDeliveryDelivered); err != nil {
		return err
	}
	d.ResponseStatus = &status
	d.ResponseBody = body
	d.NextRetryAt = nil
	d.DeliveredAt = &now
	d.UpdatedAt = now
	return nil
}

// MarkForRetry records a retryable failure (5xx or timeout) and schedules the
// next attempt. The retry time is caller-supplied policy.
func (d *WebhookDelivery) MarkForRetry(status int, body string, nextRetryAt time.Time, now time.Time) error {
	if err := d.transition(EvDeliveryRetry); err != nil {
		return err
	}
	if status != 0 {
		d.ResponseStatus = &status
	} else {
		d.ResponseStatus = nil
	}
	d.ResponseBody = body
	d.NextRetryAt = &nextRetryAt
	d.UpdatedAt = now
	return nil
}

// MarkFailedPermanent records a non-retryable 4xx response.
func (d *WebhookDelivery) MarkFailedPermanent(status int, body string, now time.Time) error {
	if err := d.transition(EvDeliveryFailPermanent); err != nil {
		return err
	}
	d.ResponseStatus = &status
	d.ResponseBody = body
	d.NextRetryAt = nil
	d.UpdatedAt = now
	return nil
}

// MarkFailedMaxAttempts finishes a retrying delivery whose attempt budget is
// exhausted before another attempt starts.
func (d *WebhookDelivery) MarkFailedMaxAttempts(now time.Time) error {
	if err := d.transition(EvDeliveryFailMaxAttempts); err != nil {
		return err
	}
	d.NextRetryAt = nil
	d.UpdatedAt = now
	return nil
}
