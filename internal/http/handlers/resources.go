package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"renderd/internal/domain"
	"renderd/internal/service"
)

type createResourceRequest struct {
	OwnerKind      domain.OwnerKind `json:"owner_kind"`
	OwnerID        string           `json:"owner_id"`
	ProjectID      *string          `json:"project_id,omitempty"`
	Spec           json.RawMessage  `json:"spec"`
	Options        json.RawMessage  `json:"options,omitempty"`
	CreditsCharged int64            `json:"credits_charged"`
	IdempotencyKey *string          `json:"idempotency_key,omitempty"`
}

type resourceResponse struct {
	ID              string                `json:"id"`
	Kind            domain.ResourceKind   `json:"kind"`
	OwnerKind       domain.OwnerKind      `json:"owner_kind"`
	OwnerID         string                `json:"owner_id"`
	ProjectID       *string               `json:"project_id,omitempty"`
	Status          domain.ResourceStatus `json:"status"`
	ProgressPercent float64               `json:"progress_percent"`
	Spec            json.RawMessage       `json:"spec"`
	Options         json.RawMessage       `json:"options,omitempty"`
	Output          json.RawMessage       `json:"output,omitempty"`
	OutputSizeBytes *int64                `json:"output_size_bytes,omitempty"`
	Error           json.RawMessage       `json:"error,omitempty"`
	FailureType     *domain.FailureKind   `json:"failure_type,omitempty"`
	CreditsCharged  int64                 `json:"credits_charged"`
	CreditsRefunded int64                 `json:"credits_refunded"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

func toResourceResponse(r *domain.Resource) resourceResponse {
	return resourceResponse{
		ID:              r.ID,
		Kind:            r.Kind,
		OwnerKind:       r.Owner.Kind,
		OwnerID:         r.Owner.ID,
		ProjectID:       r.ProjectID,
		Status:          r.Status,
		ProgressPercent: r.ProgressPercent(),
		Spec:            r.Spec,
		Options:         r.Options,
		Output:          r.Output,
		OutputSizeBytes: r.OutputSizeBytes,
		Error:           r.ErrorPayload,
		FailureType:     r.FailureKind,
		CreditsCharged:  r.CreditsCharged,
		CreditsRefunded: r.CreditsRefunded,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (a *App) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid(err)
	}
	return nil
}

// CreateResource admits a new job or generation. Replayed idempotent
// requests answer 200 with the original record instead of 201.
func (a *App) CreateResource(kind domain.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createResourceRequest
		if err := a.decode(r, &req); err != nil {
			a.error(w, err)
			return
		}
		key := req.IdempotencyKey
		if h := r.Header.Get("Idempotency-Key"); h != "" {
			key = &h
		}
		res, created, err := a.Resources.Create(r.Context(), service.CreateParams{
			Kind:           kind,
			Owner:          domain.OwnerRef{Kind: req.OwnerKind, ID: req.OwnerID},
			TriggeredBy:    actor(r),
			ProjectID:      req.ProjectID,
			Spec:           req.Spec,
			Options:        req.Options,
			CreditsCharged: req.CreditsCharged,
			IdempotencyKey: key,
		})
		if err != nil {
			a.error(w, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		a.json(w, status, toResourceResponse(res))
	}
}

// GetResource returns a single resource.
func (a *App) GetResource(kind domain.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := a.Resources.Get(r.Context(), kind, chi.URLParam(r, "id"))
		if err != nil {
			a.error(w, err)
			return
		}
		a.json(w, http.StatusOK, toResourceResponse(res))
	}
}

// StartResource moves a queued resource into processing.
func (a *App) StartResource(kind domain.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := a.Resources.Start(r.Context(), kind, chi.URLParam(r, "id"), actor(r))
		if err != nil {
			a.error(w, err)
			return
		}
		a.json(w, http.StatusOK, toResourceResponse(res))
	}
}

type completeResourceRequest struct {
	Output          json.RawMessage `json:"output"`
	OutputSizeBytes int64           `json:"output_size_bytes"`
}

// CompleteResource finishes a resource successfully.
func (a *App) CompleteResource(kind domain.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req completeResourceRequest
		if err := a.decode(r, &req); err != nil {
			a.error(w, err)
			return
		}
		res, err := a.Resources.Complete(r.Context(), kind, chi.URLParam(r, "id"), actor(r), req.Output, req.OutputSizeBytes)
		if err != nil {
			a.error(w, err)
			return
		}
		a.json(w, http.StatusOK, toResourceResponse(res))
	}
}

type failResourceRequest struct {
	Error       json.RawMessage    `json:"error,omitempty"`
	FailureType domain.FailureKind `json:"failure_type"`
}

// FailResource finishes a resource unsuccessfully and refunds per the
// failure classification.
func (a *App) FailResource(kind domain.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req failResourceRequest
		if err := a.decode(r, &req); err != nil {
			a.error(w, err)
			return
		}
		if req.FailureType == "" {
			a.error(w, domain.Invalid(errors.New("failure_type is required")))
			return
		}
		res, err := a.Resources.Fail(r.Context(), kind, chi.URLParam(r, "id"), actor(r), req.Error, req.FailureType)
		if err != nil {
			a.error(w, err)
			return
		}
		a.json(w, http.StatusOK, toResourceResponse(res))
	}
}

// CancelResource finishes a resource on caller request.
func (a *App) CancelResource(kind domain.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := a.Resources.Cancel(r.Context(), kind, chi.URLParam(r, "id"), actor(r))
		if err != nil {
			a.error(w, err)
			return
		}
		a.json(w, http.StatusOK, toResourceResponse(res))
	}
}

type progressRequest struct {
	Percent float64 `json:"percent"`
}

// UpdateProgress records a progress report for a processing resource.
func (a *App) UpdateProgress(kind domain.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req progressRequest
		if err := a.decode(r, &req); err != nil {
			a.error(w, err)
			return
		}
		res, err := a.Resources.UpdateProgress(r.Context(), kind, chi.URLParam(r, "id"), actor(r), req.Percent)
		if err != nil {
			a.error(w, err)
			return
		}
		a.json(w, http.StatusOK, toResourceResponse(res))
	}
}
