package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderd/internal/domain"
)

// WebhookRepositoryPG implements domain.WebhookRepository.
type WebhookRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewWebhookRepository creates a webhook repository backed by PostgreSQL.
func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepositoryPG {
	return &WebhookRepositoryPG{pool: pool}
}

const webhookColumns = `id, owner_kind, owner_id, url, secret, events, active, created_at`

func scanWebhook(row pgx.Row) (*domain.Webhook, error) {
	var w domain.Webhook
	if err := row.Scan(
		&w.ID,
		&w.Owner.Kind,
		&w.Owner.ID,
		&w.URL,
		&w.Secret,
		&w.Events,
		&w.Active,
		&w.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

// Find fetches one webhook by id.
func (r *WebhookRepositoryPG) Find(ctx context.Context, id string) (*domain.Webhook, error) {
	return scanWebhook(r.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1;`, id))
}

// ListActiveForOwner returns the owner's active webhooks in creation order.
func (r *WebhookRepositoryPG) ListActiveForOwner(ctx context.Context, owner domain.OwnerRef) ([]*domain.Webhook, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+webhookColumns+`
FROM webhooks
WHERE owner_kind = $1 AND owner_id = $2 AND active
ORDER BY created_at;`, owner.Kind, owner.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hooks []*domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}

// DeliveryRepositoryPG implements domain.DeliveryRepository.
type DeliveryRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewDeliveryRepository creates a delivery repository backed by PostgreSQL.
func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepositoryPG {
	return &DeliveryRepositoryPG{pool: pool}
}

const deliveryColumns = `id, webhook_id, resource_id, event_type, status,
attempt_count, max_attempts, next_retry_at, response_status, response_body,
delivered_at, created_at, updated_at`

func scanDelivery(row pgx.Row) (*domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	if err := row.Scan(
		&d.ID,
		&d.WebhookID,
		&d.ResourceID,
		&d.EventType,
		&d.Status,
		&d.AttemptCount,
		&d.MaxAttempts,
		&d.NextRetryAt,
		&d.ResponseStatus,
		&d.ResponseBody,
		&d.DeliveredAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// CreateBatch inserts all delivery records in one round trip.
func (r *DeliveryRepositoryPG) CreateBatch(ctx context.Context, deliveries []*domain.WebhookDelivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range deliveries {
		batch.Queue(`
INSERT INTO webhook_deliveries (id, webhook_id, resource_id, event_type, status,
    attempt_count, max_attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`,
			d.ID, d.WebhookID, d.ResourceID, d.EventType, d.Status,
			d.AttemptCount, d.MaxAttempts, d.CreatedAt, d.UpdatedAt)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range deliveries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Find fetches one delivery by id.
func (r *DeliveryRepositoryPG) Find(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	return scanDelivery(r.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1;`, id))
}

// FindDue returns deliveries ready for an attempt: fresh pending rows plus
// retrying rows whose backoff has elapsed.
func (r *DeliveryRepositoryPG) FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookDelivery, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+deliveryColumns+`
FROM webhook_deliveries
WHERE status = 'pending'
   OR (status = 'retrying' AND next_retry_at <= $1)
ORDER BY created_at
LIMIT $2;`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// Update rewrites the delivery row only if its stored attempt count still
// matches expectAttempts. Returns false when another worker won the row.
func (r *DeliveryRepositoryPG) Update(ctx context.Context, d *domain.WebhookDelivery, expectAttempts int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE webhook_deliveries
SET status = $2,
    attempt_count = $3,
    next_retry_at = $4,
    response_status = $5,
    response_body = $6,
    delivered_at = $7,
    updated_at = $8
WHERE id = $1 AND attempt_count = $9;`,
		d.ID, d.Status, d.AttemptCount, d.NextRetryAt,
		d.ResponseStatus, d.ResponseBody, d.DeliveredAt, d.UpdatedAt,
		expectAttempts)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
