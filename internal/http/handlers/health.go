package handlers

import (
	"net/http"

	"renderd/internal/sqlinline"
)

// Health reports service and database liveness.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	if a.Runner != nil {
		var one int
		if err := a.Runner.QueryRow(r.Context(), sqlinline.QHealthProbe).Scan(&one); err != nil {
			a.json(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
