package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ResourceEvent is one lifecycle event on a resource's stream. Seq is
// monotonic per resource; stream clients resume with "{resource_id}:{seq}".
type ResourceEvent struct {
	ResourceID string
	Seq        int64
	Name       string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// ResourceRepository defines persistence for jobs and generations.
type ResourceRepository interface {
	Find(ctx context.Context, kind ResourceKind, id string) (*Resource, error)
	FindByIdempotencyKey(ctx context.Context, kind ResourceKind, triggeredBy, key string) (*Resource, error)
	// InTx runs fn inside one transaction; fn sees the tx-bound operations.
	InTx(ctx context.Context, fn func(tx ResourceTx) error) error
}

// ResourceTx is the transactional slice of resource persistence. Creation,
// admission counting and event appends must share one transaction.
type ResourceTx interface {
	// Find loads a resource and locks its row for the duration of the
	// transaction, so racing transition attempts serialize on it.
	Find(ctx context.Context, kind ResourceKind, id string) (*Resource, error)
	// OwnerTier resolves the billing tier of the owner row.
	OwnerTier(ctx context.Context, owner OwnerRef) (Tier, error)
	// CountActiveForOwner counts non-terminal resources for the owner,
	// locking the counted rows so concurrent creations serialize.
	CountActiveForOwner(ctx context.Context, kind ResourceKind, owner OwnerRef) (int, error)
	Create(ctx context.Context, r *Resource) error
	Update(ctx context.Context, r *Resource) error
	// AppendEvent assigns the next per-resource sequence number and stores
	// the event; the assigned Seq is written back.
	AppendEvent(ctx context.Context, ev *ResourceEvent) error
}

// WebhookRepository reads subscriber endpoints.
type WebhookRepository interface {
	Find(ctx context.Context, id string) (*Webhook, error)
	ListActiveForOwner(ctx context.Context, owner OwnerRef) ([]*Webhook, error)
}

// DeliveryRepository persists webhook deliveries.
type DeliveryRepository interface {
	CreateBatch(ctx context.Context, deliveries []*WebhookDelivery) error
	Find(ctx context.Context, id string) (*WebhookDelivery, error)
	// FindDue lists deliveries ready for an attempt: pending, or retrying
	// with next_retry_at at or before now.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*WebhookDelivery, error)
	// Update persists d only while the stored attempt_count still equals
	// expectAttempts, and reports whether the row was written. Two workers
	// racing on one delivery resolve through this check.
	Update(ctx context.Context, d *WebhookDelivery, expectAttempts int) (bool, error)
}

// Emitter publishes a named external event with a JSON payload after a
// lifecycle transition. Delivery failures are logged by the implementation,
// never surfaced to the caller.
type Emitter interface {
	Emit(ctx context.Context, name string, payload json.RawMessage)
}

// Authorizer is the capability check collaborator. The core trusts the
// answer and does not re-derive permissions.
type Authorizer interface {
	Can(ctx context.Context, actor string, action string, owner OwnerRef) bool
}
