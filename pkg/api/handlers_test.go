package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gitpull/pkg/storage"
	"gitpull/pkg/storage/pullevents"
)

var coord = storage.Coordinate{
	Provider:        storage.ProviderGitLab,
	RepositoryOwner: "group",
	RepositoryName:  "svc",
	Branch:          "main",
}

var t0 = time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*httptest.Server, *pullevents.Store) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "api.db")
	store, err := pullevents.Open(pullevents.Config{Driver: "sqlite", DSN: dsn, AutoMigrate: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	mux := http.NewServeMux()
	Register(mux, store, nil)
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		_ = store.Close()
	})
	return server, store
}

func seed(t *testing.T, store *pullevents.Store, commit string, at time.Time, status storage.Status) *storage.PullEvent {
	t.Helper()
	event, err := store.Record(context.Background(), storage.NewPullEvent{Coordinate: coord, Commit: commit, PushedAt: at})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if status != storage.StatusCreated {
		if event, err = store.SetStatus(context.Background(), event.ID, status); err != nil {
			t.Fatalf("set status: %v", err)
		}
	}
	return event
}

func postStatus(t *testing.T, server *httptest.Server, id uint64, status string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(StatusRequest{ID: id, Status: status})
	resp, err := http.Post(server.URL+"/api/pull-events/status", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

// TestPriorReadyHandler tests the skip and before parameters and the 404 for no history.
func TestPriorReadyHandler(t *testing.T) {
	server, store := newTestServer(t)
	seed(t, store, "r1", t0, storage.StatusReady)
	seed(t, store, "r2", t0.Add(time.Minute), storage.StatusReady)
	seed(t, store, "f3", t0.Add(2*time.Minute), storage.StatusFailed)

	base := server.URL + "/api/pull-events/prior?provider=gitlab&owner=group&repo=svc&branch=main"
	cases := []struct {
		query  string
		status int
		commit string
	}{
		{"&before=" + t0.Add(time.Hour).Format(time.RFC3339), http.StatusOK, "r2"},
		{"&skip=1&before=" + t0.Add(time.Hour).Format(time.RFC3339), http.StatusOK, "r1"},
		{"&skip=2&before=" + t0.Add(time.Hour).Format(time.RFC3339), http.StatusNotFound, ""},
		{"&before=" + t0.Add(time.Minute).Format(time.RFC3339), http.StatusOK, "r1"},
		{"&before=" + t0.Format(time.RFC3339), http.StatusNotFound, ""},
		{"&skip=-1", http.StatusBadRequest, ""},
		{"&skip=x", http.StatusBadRequest, ""},
		{"&before=yesterday", http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		resp, err := http.Get(base + tc.query)
		if err != nil {
			t.Fatalf("get %s: %v", tc.query, err)
		}
		if resp.StatusCode != tc.status {
			resp.Body.Close()
			t.Fatalf("%s: expected %d, got %d", tc.query, tc.status, resp.StatusCode)
		}
		if tc.commit != "" {
			var event storage.PullEvent
			if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if event.Commit != tc.commit {
				t.Fatalf("%s: expected %s, got %s", tc.query, tc.commit, event.Commit)
			}
		}
		resp.Body.Close()
	}

	resp, err := http.Get(server.URL + "/api/pull-events/prior?provider=gitea&owner=o&repo=r&branch=b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown provider, got %d", resp.StatusCode)
	}
}

// TestStatusHandler tests the mapping of ledger errors to status codes.
func TestStatusHandler(t *testing.T) {
	server, store := newTestServer(t)
	created := seed(t, store, "c1", t0, storage.StatusCreated)

	resp := postStatus(t, server, created.ID, "ready")
	var event storage.PullEvent
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || event.Status != storage.StatusReady {
		t.Fatalf("expected Ready, got %d %+v", resp.StatusCode, event)
	}

	cases := []struct {
		id     uint64
		status string
		code   int
	}{
		{created.ID, "Ready", http.StatusOK},
		{created.ID, "Failed", http.StatusConflict},
		{created.ID, "Created", http.StatusBadRequest},
		{created.ID, "done", http.StatusBadRequest},
		{9999, "Ready", http.StatusNotFound},
		{0, "Ready", http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := postStatus(t, server, tc.id, tc.status)
		resp.Body.Close()
		if resp.StatusCode != tc.code {
			t.Fatalf("id=%d status=%s: expected %d, got %d", tc.id, tc.status, tc.code, resp.StatusCode)
		}
	}

	resp, err := http.Get(server.URL + "/api/pull-events/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestPullEventsHandler(t *testing.T) {
	server, store := newTestServer(t)
	seed(t, store, "a", t0, storage.StatusReady)
	seed(t, store, "b", t0.Add(time.Minute), storage.StatusCreated)
	seed(t, store, "c", t0.Add(2*time.Minute), storage.StatusReady)

	list := func(query string) []storage.PullEvent {
		t.Helper()
		resp, err := http.Get(server.URL + "/api/pull-events" + query)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", query, resp.StatusCode)
		}
		var events []storage.PullEvent
		if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return events
	}

	all := list("?provider=gitlab&owner=group&repo=svc&branch=main")
	if len(all) != 3 || all[0].Commit != "c" || all[2].Commit != "a" {
		t.Fatalf("unexpected list order: %+v", all)
	}
	ready := list("?status=ready")
	if len(ready) != 2 {
		t.Fatalf("expected 2 Ready events, got %d", len(ready))
	}
	page := list("?limit=1&offset=1")
	if len(page) != 1 || page[0].Commit != "b" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if empty := list("?branch=dev"); len(empty) != 0 {
		t.Fatalf("expected empty list, got %+v", empty)
	}

	for _, query := range []string{"?status=bogus", "?provider=svn", "?limit=-1", "?offset=x"} {
		resp, err := http.Get(server.URL + "/api/pull-events" + query)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, resp.StatusCode)
		}
	}
}
