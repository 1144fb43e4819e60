// Package service wires the lifecycle entities to persistence, event
// emission and webhook fan-out.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"renderd/internal/domain"
)

// Resources drives job and generation lifecycles. All state-changing calls
// assume the caller was already authorized for coarse routing; the injected
// Authorizer is the final capability check.
type Resources struct {
	Repo       domain.ResourceRepository
	Hooks      domain.WebhookRepository
	Deliveries domain.DeliveryRepository
	Emitter    domain.Emitter
	Auth       domain.Authorizer
	Logger     zerolog.Logger
	Now        func() time.Time
	NewID      func() string
}

// NewResources builds a Resources service with production defaults.
func NewResources(
	repo domain.ResourceRepository,
	hooks domain.WebhookRepository,
	deliveries domain.DeliveryRepository,
	emitter domain.Emitter,
	auth domain.Authorizer,
	logger zerolog.Logger,
) *Resources {
	return &Resources{
		Repo:       repo,
		Hooks:      hooks,
		Deliveries: deliveries,
		Emitter:    emitter,
		Auth:       auth,
		Logger:     logger,
		Now:        time.Now,
		NewID:      uuid.NewString,
	}
}

func (s *Resources) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Resources) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Resources) authorize(ctx context.Context, actor, action string, owner domain.OwnerRef) error {
	if s.Auth != nil && !s.Auth.Can(ctx, actor, action, owner) {
		return domain.ErrUnauthorized
	}
	return nil
}

// CreateParams carries everything needed to admit a new resource.
type CreateParams struct {
	Kind           domain.ResourceKind
	Owner          domain.OwnerRef
	TriggeredBy    string
	ProjectID      *string
	Spec           json.RawMessage
	Options        json.RawMessage
	CreditsCharged int64
	IdempotencyKey *string
}

// Create admits a new resource: idempotency lookup first, then the admission
// transaction (tier lookup, locked active count, insert, created event).
// The second return reports whether a new resource was actually created, so
// the HTTP layer can answer 201 vs 200.
func (s *Resources) Create(ctx context.Context, p CreateParams) (*domain.Resource, bool, error) {
	if len(p.Spec) == 0 {
		return nil, false, domain.Invalid(errors.New("spec is required"))
	}
	if p.CreditsCharged < 0 {
		return nil, false, domain.Invalid(errors.New("credits_charged must be >= 0"))
	}
	if p.ProjectID != nil && p.Owner.Kind != domain.OwnerTeam {
		return nil, false, domain.Invalid(domain.ErrOwnerNotTeam)
	}
	if err := s.authorize(ctx, p.TriggeredBy, "create", p.Owner); err != nil {
		return nil, false, err
	}

	if p.IdempotencyKey != nil && *p.IdempotencyKey != "" {
		existing, err := s.Repo.FindByIdempotencyKey(ctx, p.Kind, p.TriggeredBy, *p.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, false, err
		}
	}

	now := s.now()
	r := &domain.Resource{
		ID:             s.newID(),
		Kind:           p.Kind,
		Owner:          p.Owner,
		TriggeredBy:    p.TriggeredBy,
		ProjectID:      p.ProjectID,
		Status:         domain.ResourceStatusQueued,
		Spec:           p.Spec,
		Options:        p.Options,
		CreditsCharged: p.CreditsCharged,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.Validate(); err != nil {
		return nil, false, err
	}

	var ev *domain.ResourceEvent
	err := s.Repo.InTx(ctx, func(tx domain.ResourceTx) error {
		tier, err := tx.OwnerTier(ctx, p.Owner)
		if err != nil {
			return err
		}
		limit := tier.ConcurrencyLimit()
		active, err := tx.CountActiveForOwner(ctx, p.Kind, p.Owner)
		if err != nil {
			return err
		}
		if active >= limit {
			return domain.Conflict(&domain.LimitExceededError{Active: active, Limit: limit})
		}
		if err := tx.Create(ctx, r); err != nil {
			return err
		}
		ev = s.event(r, "created")
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		// The unique index on (triggered_by, idempotency_key) is the real
		// backstop for racing identical-key requests: converge on the row
		// the other request won with.
		if errors.Is(err, domain.ErrDuplicateKey) && p.IdempotencyKey != nil {
			existing, ferr := s.Repo.FindByIdempotencyKey(ctx, p.Kind, p.TriggeredBy, *p.IdempotencyKey)
			if ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	s.publish(ctx, r, ev)
	return r, true, nil
}

// Get returns a resource by kind and id.
func (s *Resources) Get(ctx context.Context, kind domain.ResourceKind, id string) (*domain.Resource, error) {
	return s.Repo.Find(ctx, kind, id)
}

// Start moves a queued resource into processing.
func (s *Resources) Start(ctx context.Context, kind domain.ResourceKind, id, actor string) (*domain.Resource, error) {
	return s.mutate(ctx, kind, id, actor, "start", "started", func(r *domain.Resource, now time.Time) error {
		return r.Start(now)
	})
}

// Complete finishes a resource successfully with its output payload.
func (s *Resources) Complete(ctx context.Context, kind domain.ResourceKind, id, actor string, output json.RawMessage, sizeBytes int64) (*domain.Resource, error) {
	return s.mutate(ctx, kind, id, actor, "complete", "completed", func(r *domain.Resource, now time.Time) error {
		return r.Complete(output, sizeBytes, now)
	})
}

// Fail finishes a resource unsuccessfully and refunds per classification.
func (s *Resources) Fail(ctx context.Context, kind domain.ResourceKind, id, actor string, errPayload json.RawMessage, failure domain.FailureKind) (*domain.Resource, error) {
	return s.mutate(ctx, kind, id, actor, "fail", "failed", func(r *domain.Resource, now time.Time) error {
		return r.Fail(errPayload, failure, now)
	})
}

// Cancel finishes a resource on caller request, keeping the 10% minimum
// cancellation charge.
func (s *Resources) Cancel(ctx context.Context, kind domain.ResourceKind, id, actor string) (*domain.Resource, error) {
	return s.mutate(ctx, kind, id, actor, "cancel", "canceled", func(r *domain.Resource, now time.Time) error {
		return r.Cancel(now)
	})
}

// UpdateProgress rewrites the progress record.
func (s *Resources) UpdateProgress(ctx context.Context, kind domain.ResourceKind, id, actor string, percent float64) (*domain.Resource, error) {
	return s.mutate(ctx, kind, id, actor, "update_progress", "progress", func(r *domain.Resource, now time.Time) error {
		return r.UpdateProgress(percent, now)
	})
}

// mutate applies one lifecycle operation. The transition runs against a
// locked re-read inside the transaction, so two racing terminal operations
// serialize and the loser gets the transition conflict instead of silently
// rewriting a finished resource.
func (s *Resources) mutate(
	ctx context.Context,
	kind domain.ResourceKind,
	id, actor, action, eventSuffix string,
	op func(*domain.Resource, time.Time) error,
) (*domain.Resource, error) {
	pre, err := s.Repo.Find(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, action, pre.Owner); err != nil {
		return nil, err
	}

	var r *domain.Resource
	var ev *domain.ResourceEvent
	err = s.Repo.InTx(ctx, func(tx domain.ResourceTx) error {
		var err error
		r, err = tx.Find(ctx, kind, id)
		if err != nil {
			return err
		}
		if err := op(r, s.now()); err != nil {
			return err
		}
		if err := tx.Update(ctx, r); err != nil {
			return err
		}
		ev = s.event(r, eventSuffix)
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, r, ev)
	return r, nil
}

func (s *Resources) event(r *domain.Resource, suffix string) *domain.ResourceEvent {
	payload := map[string]any{
		"id":               r.ID,
		"kind":             r.Kind,
		"status":           r.Status,
		"progress_percent": r.ProgressPercent(),
		"credits_charged":  r.CreditsCharged,
		"credits_refunded": r.CreditsRefunded,
	}
	if r.FailureKind != nil {
		payload["failure_type"] = *r.FailureKind
	}
	raw, _ := json.Marshal(payload)
	return &domain.ResourceEvent{
		ResourceID: r.ID,
		Name:       fmt.Sprintf("%s.%s", r.Kind, suffix),
		Payload:    raw,
		CreatedAt:  s.now(),
	}
}

// publish emits the external event and enqueues one delivery per subscribed
// webhook. Both are best-effort relative to the committed transition.
func (s *Resources) publish(ctx context.Context, r *domain.Resource, ev *domain.ResourceEvent) {
	if s.Emitter != nil {
		s.Emitter.Emit(ctx, ev.Name, ev.Payload)
	}
	if s.Hooks == nil || s.Deliveries == nil {
		return
	}
	hooks, err := s.Hooks.ListActiveForOwner(ctx, r.Owner)
	if err != nil {
		s.Logger.Error().Err(err).Str("resource_id", r.ID).Msg("webhook lookup failed")
		return
	}
	now := s.now()
	var batch []*domain.WebhookDelivery
	for _, h := range hooks {
		if !h.SubscribedTo(ev.Name) {
			continue
		}
		resourceID := r.ID
		batch = append(batch, domain.NewWebhookDelivery(s.newID(), h.ID, &resourceID, ev.Name, now))
	}
	if len(batch) == 0 {
		return
	}
	if err := s.Deliveries.CreateBatch(ctx, batch); err != nil {
		s.Logger.Error().Err(err).Str("resource_id", r.ID).Str("event", ev.Name).Msg("webhook delivery enqueue failed")
	}
}
