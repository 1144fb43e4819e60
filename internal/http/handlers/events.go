package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"renderd/internal/domain"
	"renderd/internal/sqlinline"
)

const (
	defaultStreamPollInterval = time.Second
	defaultStreamMaxPolls     = 900

	// eventPageSize matches the LIMIT in sqlinline.QResourceEventsAfter.
	eventPageSize = 100
)

// StreamEvents replays a resource's event log over Server-Sent Events and
// follows it live until the resource reaches a terminal state or the poll
// budget runs out. Event ids are "{resource_id}:{seq}", so Last-Event-ID
// resumes exactly where a dropped connection stopped.
func (a *App) StreamEvents(kind domain.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := a.Resources.Get(r.Context(), kind, id); err != nil {
			a.error(w, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			a.json(w, http.StatusNotImplemented, errorBody{Error: "streaming unsupported"})
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		lastSeq := resumeSeq(r.Header.Get("Last-Event-ID"), id)

		interval := defaultStreamPollInterval
		maxPolls := defaultStreamMaxPolls
		if a.Cfg != nil {
			if a.Cfg.StreamPollInterval > 0 {
				interval = a.Cfg.StreamPollInterval
			}
			if a.Cfg.StreamMaxPolls > 0 {
				maxPolls = a.Cfg.StreamMaxPolls
			}
		}

		ctx := r.Context()
		for i := 0; i < maxPolls; i++ {
			terminal, err := a.resourceTerminal(ctx, kind, id)
			if err != nil {
				return
			}

			lastSeq, err = a.writeEventsAfter(ctx, w, id, lastSeq)
			if err != nil {
				return
			}
			flusher.Flush()

			if terminal {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}
}

// resumeSeq parses a Last-Event-ID header, ignoring ids from other streams.
func resumeSeq(header, resourceID string) int64 {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	idx := strings.LastIndex(header, ":")
	if idx <= 0 || header[:idx] != resourceID {
		return 0
	}
	seq, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

func (a *App) resourceTerminal(ctx context.Context, kind domain.ResourceKind, id string) (bool, error) {
	query := sqlinline.QJobStatus
	if kind == domain.ResourceKindGeneration {
		query = sqlinline.QGenerationStatus
	}
	var status domain.ResourceStatus
	if err := a.Runner.QueryRow(ctx, query, id).Scan(&status); err != nil {
		return false, err
	}
	return status.Terminal(), nil
}

// writeEventsAfter streams every event past the given sequence, draining
// page after page so a short final page is the only stop condition. Without
// the drain, a resource finishing with more than one page of unstreamed
// events would lose the tail when the stream closes on terminal status.
func (a *App) writeEventsAfter(ctx context.Context, w http.ResponseWriter, resourceID string, after int64) (int64, error) {
	for {
		last, n, err := a.writeEventsPage(ctx, w, resourceID, after)
		if err != nil {
			return last, err
		}
		if n < eventPageSize {
			return last, nil
		}
		after = last
	}
}

func (a *App) writeEventsPage(ctx context.Context, w http.ResponseWriter, resourceID string, after int64) (int64, int, error) {
	rows, err := a.Runner.Query(ctx, sqlinline.QResourceEventsAfter, resourceID, after)
	if err != nil {
		return after, 0, err
	}
	defer rows.Close()

	last := after
	n := 0
	for rows.Next() {
		var (
			seq       int64
			name      string
			payload   json.RawMessage
			createdAt time.Time
		)
		if err := rows.Scan(&seq, &name, &payload, &createdAt); err != nil {
			return last, n, err
		}
		if _, err := fmt.Fprintf(w, "id: %s:%d\nevent: %s\ndata: %s\n\n", resourceID, seq, name, payload); err != nil {
			return last, n, err
		}
		last = seq
		n++
	}
	return last, n, rows.Err()
}
