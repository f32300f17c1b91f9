package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gitpull/pkg/storage"
)

// PullEventsHandler lists ledger events by coordinate and status.
type PullEventsHandler struct {
	Store  storage.PullEventStore
	Logger *log.Logger
}

func (h *PullEventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Store == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	filter := storage.PullEventFilter{
		RepositoryOwner: strings.TrimSpace(query.Get("owner")),
		RepositoryName:  strings.TrimSpace(query.Get("repo")),
		Branch:          strings.TrimSpace(query.Get("branch")),
	}
	if value := strings.TrimSpace(query.Get("provider")); value != "" {
		provider, err := storage.ParseProvider(value)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Provider = provider
	}
	if value := strings.TrimSpace(query.Get("status")); value != "" {
		status, err := storage.ParseStatus(value)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = intParam(query.Get("limit")); err != nil {
		http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return
	}
	if filter.Offset, err = intParam(query.Get("offset")); err != nil {
		http.Error(w, "offset must be a non-negative integer", http.StatusBadRequest)
		return
	}

	events, err := h.Store.List(r.Context(), filter)
	if err != nil {
		writeError(w, h.Logger, "list pull events", err)
		return
	}
	if events == nil {
		events = []storage.PullEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// PriorReadyHandler returns the Ready event a sync would use as its base.
// Query: provider, owner, repo, branch, skip (default 0) and before
// (RFC3339, default now).
type PriorReadyHandler struct {
	Store  storage.PullEventStore
	Logger *log.Logger
}

func (h *PriorReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Store == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	provider, err := storage.ParseProvider(query.Get("provider"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	coord := storage.Coordinate{
		Provider:        provider,
		RepositoryOwner: strings.TrimSpace(query.Get("owner")),
		RepositoryName:  strings.TrimSpace(query.Get("repo")),
		Branch:          strings.TrimSpace(query.Get("branch")),
	}
	skip := 0
	if value := strings.TrimSpace(query.Get("skip")); value != "" {
		// Negative values are passed through so the store reports them.
		if skip, err = strconv.Atoi(value); err != nil {
			http.Error(w, "skip must be an integer", http.StatusBadRequest)
			return
		}
	}
	before := time.Now().UTC()
	if value := strings.TrimSpace(query.Get("before")); value != "" {
		if before, err = time.Parse(time.RFC3339Nano, value); err != nil {
			http.Error(w, "before must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
	}

	event, err := h.Store.FindPriorReadyCommit(r.Context(), coord, skip, before)
	if err != nil {
		writeError(w, h.Logger, "find prior ready commit", err)
		return
	}
	if event == nil {
		http.Error(w, "no prior ready commit", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// StatusRequest is the body of a status update.
type StatusRequest struct {
	ID     uint64 `json:"id"`
	Status string `json:"status"`
}

// StatusHandler moves an event to a terminal status.
type StatusHandler struct {
	Store  storage.PullEventStore
	Logger *log.Logger
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Store == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}
	var body StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.ID == 0 {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	status, err := storage.ParseStatus(body.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	event, err := h.Store.SetStatus(r.Context(), body.ID, status)
	if err != nil {
		writeError(w, h.Logger, "set status", err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// Register mounts the ledger handlers on mux under /api/pull-events.
func Register(mux *http.ServeMux, store storage.PullEventStore, logger *log.Logger) {
	mux.Handle("/api/pull-events", &PullEventsHandler{Store: store, Logger: logger})
	mux.Handle("/api/pull-events/prior", &PriorReadyHandler{Store: store, Logger: logger})
	mux.Handle("/api/pull-events/status", &StatusHandler{Store: store, Logger: logger})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, logger *log.Logger, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, op+" failed", http.StatusInternalServerError)
		if logger != nil {
			logger.Printf("%s failed: %v", op, err)
		}
	}
}

func intParam(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative value")
	}
	return n, nil
}
