package domain

import (
	"encoding/json"
	"errors"
	"time"

	"renderd/internal/fsm"
)

// ResourceEventKind names the lifecycle operations a resource accepts.
type ResourceEventKind string

const (
	EvResourceStart    ResourceEventKind = "start"
	EvResourceComplete ResourceEventKind = "complete"
	EvResourceFail     ResourceEventKind = "fail"
	EvResourceCancel   ResourceEventKind = "cancel"
)

// resourceGuardCtx carries the failure classification for the one guarded
// edge: a fail before processing is only valid for validation failures.
type resourceGuardCtx struct {
	failureKind FailureKind
}

var errFailBeforeProcessing = errors.New("only validation failures may be reported before processing")

var resourceTable = fsm.MustNew([]fsm.Rule[ResourceStatus, ResourceEventKind, resourceGuardCtx]{
	{From: ResourceStatusQueued, Event: EvResourceStart, To: ResourceStatusProcessing},
	{From: ResourceStatusQueued, Event: EvResourceCancel, To: ResourceStatusCanceled},
	{From: ResourceStatusQueued, Event: EvResourceFail, To: ResourceStatusFailed, Guard: func(c resourceGuardCtx) error {
		if c.failureKind != FailureValidation {
			return errFailBeforeProcessing
		}
		return nil
	}},
	{From: ResourceStatusProcessing, Event: EvResourceComplete, To: ResourceStatusCompleted},
	{From: ResourceStatusProcessing, Event: EvResourceFail, To: ResourceStatusFailed},
	{From: ResourceStatusProcessing, Event: EvResourceCancel, To: ResourceStatusCanceled},
})

// Terminal reports whether the status accepts no further lifecycle events.
func (s ResourceStatus) Terminal() bool {
	return resourceTable.Terminal(s)
}

// CanTransitionResource is the read-only companion used by validation paths.
func CanTransitionResource(status ResourceStatus, event ResourceEventKind, kind FailureKind) bool {
	return resourceTable.CanTransition(status, event, resourceGuardCtx{failureKind: kind})
}

func (r *Resource) transition(event ResourceEventKind, gc resourceGuardCtx) error {
	next, err := resourceTable.Transition(r.Status, event, gc)
	if err != nil {
		return Conflict(err)
	}
	r.Status = next
	return nil
}

// Start moves the resource into processing and stamps started_at.
func (r *Resource) Start(now time.Time) error {
	if err := r.transition(EvResourceStart, resourceGuardCtx{}); err != nil {
		return err
	}
	r.StartedAt = &now
	r.UpdatedAt = now
	return nil
}

// Complete records the output and finishes the resource successfully.
func (r *Resource) Complete(output json.RawMessage, sizeBytes int64, now time.Time) error {
	if len(output) == 0 {
		return Invalid(ErrOutputRequired)
	}
	if err := r.transition(EvResourceComplete, resourceGuardCtx{}); err != nil {
		return err
	}
	r.Output = output
	r.OutputSizeBytes = &sizeBytes
	r.FailureKind = nil
	r.ProgressBP = MaxProgressBP
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

// Fail finishes the resource unsuccessfully, records the error payload and
// classification, and writes the one-time refund.
func (r *Resource) Fail(errPayload json.RawMessage, kind FailureKind, now time.Time) error {
	if kind == FailureCanceled {
		return Invalid(errors.New("use Cancel for caller-driven cancellation"))
	}
	if err := r.transition(EvResourceFail, resourceGuardCtx{failureKind: kind}); err != nil {
		return err
	}
	k := kind
	r.ErrorPayload = errPayload
	r.FailureKind = &k
	r.CreditsRefunded = RefundAmount(r.CreditsCharged, r.ProgressBP, kind)
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

// Cancel finishes the resource on caller request. The refund keeps the 10%
// minimum cancellation charge.
func (r *Resource) Cancel(now time.Time) error {
	if err := r.transition(EvResourceCancel, resourceGuardCtx{}); err != nil {
		return err
	}
	k := FailureCanceled
	r.FailureKind = &k
	r.CreditsRefunded = RefundAmount(r.CreditsCharged, r.ProgressBP, FailureCanceled)
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

// UpdateProgress rewrites the progress record, quantized to 2 decimals.
func (r *Resource) UpdateProgress(percent float64, now time.Time) error {
	if percent < 0 || percent > 100 {
		return Invalid(ErrInvalidProgress)
	}
	if r.Terminal() {
		return Conflict(&fsm.TerminalStateError{State: string(r.Status), Event: "progress"})
	}
	r.ProgressBP = ProgressBPFromPercent(percent)
	r.UpdatedAt = now
	return nil
}
