package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingDelivery() *WebhookDelivery {
	return NewWebhookDelivery("del-1", "wh-1", nil, "job.completed", testNow)
}

func TestDeliveryHappyPath(t *testing.T) {
	d := pendingDelivery()

	require.NoError(t, d.StartAttempt(testNow))
	require.Equal(t, DeliveryStatusAttempting, d.Status)
	require.Equal(t, 1, d.AttemptCount)

	require.NoError(t, d.MarkDelivered(200, `{"ok":true}`, testNow))
	require.Equal(t, DeliveryStatusDelivered, d.Status)
	require.NotNil(t, d.DeliveredAt)
	require.Nil(t, d.NextRetryAt)
	require.True(t, d.Terminal())
}

func TestDeliveryRetryThenSuccess(t *testing.T) {
	d := pendingDelivery()
	retryAt := testNow.Add(30 * time.Second)

	require.NoError(t, d.StartAttempt(testNow))
	require.NoError(t, d.MarkForRetry(503, "upstream down", retryAt, testNow))
	require.Equal(t, DeliveryStatusRetrying, d.Status)
	require.Equal(t, retryAt, *d.NextRetryAt)

	require.NoError(t, d.StartAttempt(testNow))
	require.Equal(t, 2, d.AttemptCount)
	require.NoError(t, d.MarkDelivered(204, "", testNow))
}

func TestDeliveryPermanentFailureOn4xx(t *testing.T) {
	d := pendingDelivery()
	require.NoError(t, d.StartAttempt(testNow))
	require.NoError(t, d.MarkFailedPermanent(410, "gone", testNow))
	require.Equal(t, DeliveryStatusFailed, d.Status)
	require.True(t, d.Terminal())
}

func TestDeliveryAttemptBudgetGuard(t *testing.T) {
	d := pendingDelivery()
	retryAt := testNow.Add(time.Minute)

	for i := 0; i < DefaultMaxDeliveryAttempts; i++ {
		require.NoError(t, d.StartAttempt(testNow))
		require.NoError(t, d.MarkForRetry(500, "err", retryAt, testNow))
	}
	require.Equal(t, DefaultMaxDeliveryAttempts, d.AttemptCount)

	err := d.StartAttempt(testNow)
	require.True(t, IsConflict(err))
	require.ErrorIs(t, err, errMaxAttempts)
	require.Equal(t, DeliveryStatusRetrying, d.Status)

	require.NoError(t, d.MarkFailedMaxAttempts(testNow))
	require.Equal(t, DeliveryStatusFailed, d.Status)
	require.Nil(t, d.NextRetryAt)
}

func TestDeliveryTimeoutRetryWithoutStatus(t *testing.T) {
	d := pendingDelivery()
	require.NoError(t, d.StartAttempt(testNow))
	require.NoError(t, d.MarkForRetry(0, "timeout", testNow.Add(time.Minute), testNow))
	require.Nil(t, d.ResponseStatus)
	require.Equal(t, "timeout", d.ResponseBody)
}

func TestDeliveryTerminalStatesRejectEverything(t *testing.T) {
	events := []DeliveryEventKind{
		EvDeliveryStartAttempt,
		EvDeliveryDelivered,
		EvDeliveryRetry,
		EvDeliveryFailPermanent,
		EvDeliveryFailMaxAttempts,
	}
	for _, st := range []DeliveryStatus{DeliveryStatusDelivered, DeliveryStatusFailed} {
		for _, ev := range events {
			assert.False(t, CanTransitionDelivery(st, ev, 0, DefaultMaxDeliveryAttempts), "state=%s event=%s", st, ev)
		}
	}
}

func TestDeliveryInvalidSequences(t *testing.T) {
	d := pendingDelivery()
	// Cannot record an outcome before an attempt starts.
	require.True(t, IsConflict(d.MarkDelivered(200, "", testNow)))
	require.True(t, IsConflict(d.MarkForRetry(500, "", testNow, testNow)))
	require.True(t, IsConflict(d.MarkFailedMaxAttempts(testNow)))

	require.NoError(t, d.StartAttempt(testNow))
	// A second claim while attempting is a conflict, not a counter bump.
	require.True(t, IsConflict(d.StartAttempt(testNow)))
	require.Equal(t, 1, d.AttemptCount)
}

func TestWebhookSubscription(t *testing.T) {
	w := &Webhook{ID: "wh-1", Active: true, Events: []string{"job.completed", "job.failed"}}
	assert.True(t, w.SubscribedTo("job.completed"))
	assert.False(t, w.SubscribedTo("job.started"))

	w.Events = nil
	assert.True(t, w.SubscribedTo("job.started"))

	w.Active = false
	assert.False(t, w.SubscribedTo("job.started"))
}
