package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"renderd/internal/domain"
)

const (
	defaultBackoffBase = 30 * time.Second
	defaultBackoffCap  = 15 * time.Minute

	// maxResponseBodyBytes bounds what we keep from a receiver's response.
	maxResponseBodyBytes = 4 * 1024

	signatureHeader = "X-Renderd-Signature"
)

// Deliveries drives webhook delivery records through their retry lifecycle.
// Deliveries for different rows proceed independently; a single row is
// protected by the optimistic attempt-count check in the repository.
type Deliveries struct {
	Store  domain.DeliveryRepository
	Hooks  domain.WebhookRepository
	Client *http.Client
	Logger zerolog.Logger
	Now    func() time.Time

	BackoffBase time.Duration
	BackoffCap  time.Duration
	Concurrency int
}

// NewDeliveries builds the delivery driver with production defaults.
func NewDeliveries(store domain.DeliveryRepository, hooks domain.WebhookRepository, client *http.Client, logger zerolog.Logger) *Deliveries {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Deliveries{
		Store:       store,
		Hooks:       hooks,
		Client:      client,
		Logger:      logger,
		Now:         time.Now,
		BackoffBase: defaultBackoffBase,
		BackoffCap:  defaultBackoffCap,
		Concurrency: 8,
	}
}

func (s *Deliveries) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// NextRetryAt computes the exponential backoff schedule for the attempt that
// just failed: base * 2^(attempt-1), capped.
func (s *Deliveries) NextRetryAt(now time.Time, attempt int) time.Time {
	base := s.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	capAt := s.BackoffCap
	if capAt <= 0 {
		capAt = defaultBackoffCap
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= capAt {
			delay = capAt
			break
		}
	}
	if delay > capAt {
		delay = capAt
	}
	return now.Add(delay)
}

// RunDue attempts every delivery that is ready and returns how many were
// processed. Attempts run concurrently, bounded by Concurrency.
func (s *Deliveries) RunDue(ctx context.Context, batchSize int) (int, error) {
	due, err := s.Store.FindDue(ctx, s.now(), batchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, d := range due {
		d := d
		g.Go(func() error {
			s.process(gctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return len(due), nil
}

// process drives one delivery through exactly one lifecycle step: either a
// fresh attempt with its recorded outcome, or finalization when the attempt
// budget is spent.
func (s *Deliveries) process(ctx context.Context, d *domain.WebhookDelivery) {
	now := s.now()
	prevAttempts := d.AttemptCount

	if d.Status == domain.DeliveryStatusRetrying && d.AttemptCount >= d.MaxAttempts {
		if err := d.MarkFailedMaxAttempts(now); err != nil {
			s.Logger.Error().Err(err).Str("delivery_id", d.ID).Msg("delivery finalize failed")
			return
		}
		if _, err := s.Store.Update(ctx, d, prevAttempts); err != nil {
			s.Logger.Error().Err(err).Str("delivery_id", d.ID).Msg("delivery update failed")
		}
		return
	}

	if err := d.StartAttempt(now); err != nil {
		s.Logger.Warn().Err(err).Str("delivery_id", d.ID).Msg("delivery attempt rejected")
		return
	}
	claimed, err := s.Store.Update(ctx, d, prevAttempts)
	if err != nil {
		s.Logger.Error().Err(err).Str("delivery_id", d.ID).Msg("delivery claim failed")
		return
	}
	if !claimed {
		// Another worker already took this attempt.
		return
	}

	s.attempt(ctx, d)

	if _, err := s.Store.Update(ctx, d, d.AttemptCount); err != nil {
		s.Logger.Error().Err(err).Str("delivery_id", d.ID).Msg("delivery outcome update failed")
	}
}

func (s *Deliveries) attempt(ctx context.Context, d *domain.WebhookDelivery) {
	now := s.now()
	hook, err := s.Hooks.Find(ctx, d.WebhookID)
	if err != nil {
		s.Logger.Error().Err(err).Str("delivery_id", d.ID).Str("webhook_id", d.WebhookID).Msg("webhook load failed")
		_ = d.MarkForRetry(0, fmt.Sprintf("webhook load: %v", err), s.NextRetryAt(now, d.AttemptCount), now)
		return
	}

	status, body, err := s.post(ctx, hook, d)
	now = s.now()
	switch {
	case err != nil:
		// Timeouts and connection errors are retryable.
		_ = d.MarkForRetry(0, truncate(err.Error()), s.NextRetryAt(now, d.AttemptCount), now)
	case status >= 200 && status < 300:
		_ = d.MarkDelivered(status, body, now)
	case status >= 400 && status < 500:
		_ = d.MarkFailedPermanent(status, body, now)
	default:
		_ = d.MarkForRetry(status, body, s.NextRetryAt(now, d.AttemptCount), now)
	}

	s.Logger.Info().
		Str("delivery_id", d.ID).
		Str("event", d.EventType).
		Int("attempt", d.AttemptCount).
		Str("status", string(d.Status)).
		Msg("webhook delivery attempt")
}

func (s *Deliveries) post(ctx context.Context, hook *domain.Webhook, d *domain.WebhookDelivery) (int, string, error) {
	payload := map[string]any{
		"delivery_id": d.ID,
		"event":       d.EventType,
		"attempt":     d.AttemptCount,
		"sent_at":     s.now().Format(time.RFC3339),
	}
	if d.ResourceID != nil {
		payload["resource_id"] = *d.ResourceID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, Sign(hook.Secret, body))

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	return resp.StatusCode, string(raw), nil
}

// Sign computes the hex HMAC-SHA256 receivers use to authenticate payloads.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func truncate(s string) string {
	if len(s) > maxResponseBodyBytes {
		return s[:maxResponseBodyBytes]
	}
	return s
}
