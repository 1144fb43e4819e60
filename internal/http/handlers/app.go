// Package handlers contains the HTTP handlers for the public API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"renderd/internal/domain"
	"renderd/internal/infra"
	"renderd/internal/service"
)

// App bundles the dependencies every handler needs.
type App struct {
	Resources *service.Resources
	Runner    infra.SQLExecutor
	Cfg       *infra.Config
	Logger    zerolog.Logger
}

// NewApp constructs the handler container.
func NewApp(resources *service.Resources, runner infra.SQLExecutor, cfg *infra.Config, logger zerolog.Logger) *App {
	return &App{Resources: resources, Runner: runner, Cfg: cfg, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			a.Logger.Error().Err(err).Msg("response encode failed")
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *App) error(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.json(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, domain.ErrUnauthorized):
		a.json(w, http.StatusForbidden, errorBody{Error: "forbidden"})
	case domain.IsValidation(err):
		a.json(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case domain.IsConflict(err):
		a.json(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		a.Logger.Error().Err(err).Msg("request failed")
		a.json(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// actor identifies the caller. Authentication happens upstream; the gateway
// forwards the verified identity in this header.
func actor(r *http.Request) string {
	return r.Header.Get("X-Actor-ID")
}
