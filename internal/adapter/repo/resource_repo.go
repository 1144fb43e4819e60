// Package repo provides the PostgreSQL implementations of the domain
// repository contracts.
package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderd/internal/domain"
)

// ResourceRepositoryPG implements domain.ResourceRepository over one table
// per resource kind (jobs, generations) plus the shared owners and
// resource_events tables.
type ResourceRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewResourceRepository creates a resource repository backed by PostgreSQL.
func NewResourceRepository(pool *pgxpool.Pool) *ResourceRepositoryPG {
	return &ResourceRepositoryPG{pool: pool}
}

func tableFor(kind domain.ResourceKind) (string, error) {
	switch kind {
	case domain.ResourceKindJob:
		return "jobs", nil
	case domain.ResourceKindGeneration:
		return "generations", nil
	default:
		return "", fmt.Errorf("unknown resource kind %q", kind)
	}
}

const resourceColumns = `id, owner_kind, owner_id, triggered_by, project_id, status,
spec, options, progress_bp, output, output_size_bytes, error,
credits_charged, credits_refunded, failure_type, idempotency_key,
started_at, completed_at, created_at, updated_at`

func scanResource(row pgx.Row, kind domain.ResourceKind) (*domain.Resource, error) {
	var r domain.Resource
	r.Kind = kind
	var failureType *string
	if err := row.Scan(
		&r.ID,
		&r.Owner.Kind,
		&r.Owner.ID,
		&r.TriggeredBy,
		&r.ProjectID,
		&r.Status,
		&r.Spec,
		&r.Options,
		&r.ProgressBP,
		&r.Output,
		&r.OutputSizeBytes,
		&r.ErrorPayload,
		&r.CreditsCharged,
		&r.CreditsRefunded,
		&failureType,
		&r.IdempotencyKey,
		&r.StartedAt,
		&r.CompletedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if failureType != nil {
		k := domain.FailureKind(*failureType)
		r.FailureKind = &k
	}
	return &r, nil
}

// Find fetches a resource by kind and identifier.
func (r *ResourceRepositoryPG) Find(ctx context.Context, kind domain.ResourceKind, id string) (*domain.Resource, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1;`, resourceColumns, table)
	return scanResource(r.pool.QueryRow(ctx, query, id), kind)
}

// FindByIdempotencyKey looks up the resource a creator registered under the
// given key, regardless of its current status.
func (r *ResourceRepositoryPG) FindByIdempotencyKey(ctx context.Context, kind domain.ResourceKind, triggeredBy, key string) (*domain.Resource, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE triggered_by = $1 AND idempotency_key = $2;`, resourceColumns, table)
	return scanResource(r.pool.QueryRow(ctx, query, triggeredBy, key), kind)
}

// InTx runs fn inside one transaction. The returned ResourceTx shares the
// transaction, so admission counting and inserts serialize correctly.
func (r *ResourceRepositoryPG) InTx(ctx context.Context, fn func(tx domain.ResourceTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&resourceTxPG{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type resourceTxPG struct {
	tx pgx.Tx
}

// Find loads the resource with its row locked, so concurrent lifecycle
// operations on one resource serialize on the transaction.
func (t *resourceTxPG) Find(ctx context.Context, kind domain.ResourceKind, id string) (*domain.Resource, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE;`, resourceColumns, table)
	return scanResource(t.tx.QueryRow(ctx, query, id), kind)
}

// OwnerTier resolves the owner's billing tier. The row is locked FOR UPDATE:
// this is what serializes concurrent admission when the owner has no active
// resources yet and the count query therefore locks nothing.
func (t *resourceTxPG) OwnerTier(ctx context.Context, owner domain.OwnerRef) (domain.Tier, error) {
	var tier domain.Tier
	err := t.tx.QueryRow(ctx,
		`SELECT tier FROM owners WHERE kind = $1 AND id = $2 FOR UPDATE;`,
		owner.Kind, owner.ID,
	).Scan(&tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return tier, nil
}

// CountActiveForOwner counts non-terminal resources for the owner, locking
// the counted rows.
func (t *resourceTxPG) CountActiveForOwner(ctx context.Context, kind domain.ResourceKind, owner domain.OwnerRef) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
SELECT count(*) FROM (
    SELECT id FROM %s
    WHERE owner_kind = $1 AND owner_id = $2 AND status IN ('queued', 'processing')
    FOR UPDATE
) active;`, table)
	var n int
	if err := t.tx.QueryRow(ctx, query, owner.Kind, owner.ID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Create inserts a new resource record. A unique-index violation on
// (triggered_by, idempotency_key) surfaces as domain.ErrDuplicateKey.
func (t *resourceTxPG) Create(ctx context.Context, r *domain.Resource) error {
	table, err := tableFor(r.Kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, owner_kind, owner_id, triggered_by, project_id, status,
    spec, options, progress_bp, credits_charged, credits_refunded,
    idempotency_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);`, table)
	_, err = t.tx.Exec(ctx, query,
		r.ID,
		r.Owner.Kind,
		r.Owner.ID,
		r.TriggeredBy,
		r.ProjectID,
		r.Status,
		r.Spec,
		r.Options,
		r.ProgressBP,
		r.CreditsCharged,
		r.CreditsRefunded,
		r.IdempotencyKey,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateKey
	}
	return err
}

// Update rewrites the mutable resource columns.
func (t *resourceTxPG) Update(ctx context.Context, r *domain.Resource) error {
	table, err := tableFor(r.Kind)
	if err != nil {
		return err
	}
	var failureType *string
	if r.FailureKind != nil {
		s := string(*r.FailureKind)
		failureType = &s
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2,
    options = $3,
    progress_bp = $4,
    output = $5,
    output_size_bytes = $6,
    error = $7,
    credits_refunded = $8,
    failure_type = $9,
    started_at = $10,
    completed_at = $11,
    updated_at = $12
WHERE id = $1;`, table)
	tag, err := t.tx.Exec(ctx, query,
		r.ID,
		r.Status,
		r.Options,
		r.ProgressBP,
		r.Output,
		r.OutputSizeBytes,
		r.ErrorPayload,
		r.CreditsRefunded,
		failureType,
		r.StartedAt,
		r.CompletedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendEvent stores the event under the next per-resource sequence number.
// Writers for one resource are effectively single-threaded; the primary key
// on (resource_id, seq) backstops that assumption.
func (t *resourceTxPG) AppendEvent(ctx context.Context, ev *domain.ResourceEvent) error {
	return t.tx.QueryRow(ctx, `
INSERT INTO resource_events (resource_id, seq, name, payload, created_at)
VALUES (
    $1,
    COALESCE((SELECT max(seq) FROM resource_events WHERE resource_id = $1), 0) + 1,
    $2, $3, $4
)
RETURNING seq;`, ev.ResourceID, ev.Name, ev.Payload, ev.CreatedAt).Scan(&ev.Seq)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
