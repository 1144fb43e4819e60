package domain

import (
	"encoding/json"
	"math"
	"time"
)

// ResourceKind selects which table a resource lives in. Jobs and generations
// share one lifecycle and one billing policy.
type ResourceKind string

const (
	ResourceKindJob        ResourceKind = "job"
	ResourceKindGeneration ResourceKind = "generation"
)

// ResourceStatus enumerates resource lifecycle states.
type ResourceStatus string

const (
	ResourceStatusQueued     ResourceStatus = "queued"
	ResourceStatusProcessing ResourceStatus = "processing"
	ResourceStatusCompleted  ResourceStatus = "completed"
	ResourceStatusFailed     ResourceStatus = "failed"
	ResourceStatusCanceled   ResourceStatus = "canceled"
)

// FailureKind classifies why a resource ended unsuccessfully; it drives the
// refund policy.
type FailureKind string

const (
	FailureSystem     FailureKind = "system"
	FailureValidation FailureKind = "validation"
	FailureTimeout    FailureKind = "timeout"
	FailureCanceled   FailureKind = "canceled"
)

// OwnerKind tags the billing principal a resource belongs to.
type OwnerKind string

const (
	OwnerUser OwnerKind = "user"
	OwnerTeam OwnerKind = "team"
)

// OwnerRef is a tagged reference to either an individual or a team.
type OwnerRef struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// Tier enumerates billing plans and their concurrency ceilings.
type Tier string

const (
	TierBase Tier = "base"
	TierPro  Tier = "pro"
)

// ConcurrencyLimit returns the number of concurrently active resources the
// tier allows per owner.
func (t Tier) ConcurrencyLimit() int {
	if t == TierPro {
		return 5
	}
	return 1
}

// ProgressScale converts between whole percent and the stored fixed-point
// representation (hundredths of a percent, 0..10000).
const ProgressScale = 100

// MaxProgressBP is 100.00% in basis points.
const MaxProgressBP = 100 * ProgressScale

// Resource encapsulates the lifecycle of a render/generation work item.
// Spec is the immutable snapshot captured at creation; Options may be
// rewritten while the resource is live.
type Resource struct {
	ID          string
	Kind        ResourceKind
	Owner       OwnerRef
	TriggeredBy string
	ProjectID   *string

	Status ResourceStatus

	Spec       json.RawMessage
	Options    json.RawMessage
	ProgressBP int

	Output          json.RawMessage
	OutputSizeBytes *int64
	ErrorPayload    json.RawMessage

	CreditsCharged  int64
	CreditsRefunded int64
	FailureKind     *FailureKind

	IdempotencyKey *string

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProgressPercent exposes progress as a 2-decimal percentage.
func (r *Resource) ProgressPercent() float64 {
	return float64(r.ProgressBP) / ProgressScale
}

// ProgressBPFromPercent quantizes an externally supplied percentage to
// hundredths of a percent, clamped to [0, 10000]. This is the only place a
// float touches the billing path.
func ProgressBPFromPercent(percent float64) int {
	bp := int(math.Round(percent * ProgressScale))
	if bp < 0 {
		return 0
	}
	if bp > MaxProgressBP {
		return MaxProgressBP
	}
	return bp
}

// Terminal reports whether the resource has reached a final status.
func (r *Resource) Terminal() bool {
	return r.Status.Terminal()
}

// Validate checks the structural invariants that must hold at every
// observable state.
func (r *Resource) Validate() error {
	if r.CreditsCharged < 0 || r.CreditsRefunded < 0 {
		return ErrInternal
	}
	if r.CreditsRefunded > r.CreditsCharged {
		return ErrInternal
	}
	if r.ProgressBP < 0 || r.ProgressBP > MaxProgressBP {
		return ErrInternal
	}
	if r.Terminal() && r.CompletedAt == nil {
		return ErrInternal
	}
	if r.Status == ResourceStatusProcessing && r.StartedAt == nil {
		return ErrInternal
	}
	switch r.Status {
	case ResourceStatusCompleted:
		if len(r.Output) == 0 || r.FailureKind != nil {
			return ErrInternal
		}
	case ResourceStatusFailed, ResourceStatusCanceled:
		if r.FailureKind == nil {
			return ErrInternal
		}
	}
	if r.Status == ResourceStatusCanceled {
		retained := r.CreditsCharged - r.CreditsRefunded
		minRetained := (r.CreditsCharged + 9) / 10
		if retained < minRetained {
			return ErrInternal
		}
	}
	if r.ProjectID != nil && r.Owner.Kind != OwnerTeam {
		return ErrOwnerNotTeam
	}
	return nil
}
