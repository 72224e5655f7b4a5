package main

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	json "github.com/goccy/go-json"
)

func testConfig() Config {
	return Config{
		APIKey:           "0123456789abcdef0123456789abcdef",
		MinCreationDelay: DefaultMinCreationDelay,
	}
}

func newTestAPI(t *testing.T, store TimerStore, config Config) humatest.TestAPI {
	t.Helper()
	_, api := humatest.New(t)
	registerAPI(api, store, config)
	return api
}

func createBody(executeAt time.Time) map[string]any {
	return map[string]any{
		"execute_at": executeAt.Format(time.RFC3339),
		"callback":   map[string]any{"type": "http", "url": "http://127.0.0.1:9/hook"},
	}
}

func TestCreateTimer(t *testing.T) {
	store := newMemoryStore()
	api := newTestAPI(t, store, testConfig())

	resp := api.Post("/timers", createBody(time.Now().UTC().Add(time.Hour)))
	if resp.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body.String())
	}
	var created TimerSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != StatusPending || created.Kind != CallbackHTTP {
		t.Fatalf("unexpected summary: %+v", created)
	}
	if _, err := store.LoadByID(context.Background(), created.ID); err != nil {
		t.Fatalf("created timer is not in the store: %v", err)
	}
	if location := resp.Header().Get("Location"); location != "/timers/"+created.ID.String() {
		t.Fatalf("Location = %q", location)
	}
}

func TestCreateTimerTooSoon(t *testing.T) {
	api := newTestAPI(t, newMemoryStore(), testConfig())
	resp := api.Post("/timers", createBody(time.Now().UTC().Add(time.Second)))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}
}

func TestCreateTimerBadCallbacks(t *testing.T) {
	api := newTestAPI(t, newMemoryStore(), testConfig())
	executeAt := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)

	cases := []map[string]any{
		{"execute_at": executeAt, "callback": map[string]any{"type": "http", "url": "ftp://nope"}},
		{"execute_at": executeAt, "callback": map[string]any{"type": "publish", "topic": ""}},
		{"execute_at": executeAt, "callback": map[string]any{"type": "gopher", "url": "http://x"}},
		{"execute_at": executeAt, "callback": map[string]any{"url": "http://x"}},
	}
	for i, body := range cases {
		if resp := api.Post("/timers", body); resp.Code != http.StatusBadRequest {
			t.Fatalf("case %d: status = %d, want 400", i, resp.Code)
		}
	}
}

func TestCreatePublishTimerRequiresBroker(t *testing.T) {
	body := map[string]any{
		"execute_at": time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		"callback":   map[string]any{"type": "publish", "topic": "orders"},
	}

	api := newTestAPI(t, newMemoryStore(), testConfig())
	if resp := api.Post("/timers", body); resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without a broker", resp.Code)
	}

	withBroker := testConfig()
	withBroker.NatsURL = "nats://127.0.0.1:4222"
	api = newTestAPI(t, newMemoryStore(), withBroker)
	if resp := api.Post("/timers", body); resp.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 with a broker", resp.Code)
	}
}

func TestGetTimer(t *testing.T) {
	store := newMemoryStore()
	api := newTestAPI(t, store, testConfig())
	timer := pendingHTTPTimer(time.Now().UTC().Add(time.Hour))
	store.put(timer)

	resp := api.Get("/timers/" + timer.ID.String())
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	var body TimerDetail
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	var callback CallbackConfig
	if err := json.Unmarshal(body.Callback, &callback); err != nil {
		t.Fatalf("callback in detail view is not the tagged form: %v", err)
	}
	if callback.Kind != CallbackHTTP {
		t.Fatalf("callback kind = %s", callback.Kind)
	}

	if resp := api.Get("/timers/" + NewTimerID().String()); resp.Code != http.StatusNotFound {
		t.Fatalf("unknown id: status = %d, want 404", resp.Code)
	}
	if resp := api.Get("/timers/not-a-uuid"); resp.Code != http.StatusBadRequest {
		t.Fatalf("malformed id: status = %d, want 400", resp.Code)
	}
}

func TestUpdateTimer(t *testing.T) {
	store := newMemoryStore()
	api := newTestAPI(t, store, testConfig())
	timer := pendingHTTPTimer(time.Now().UTC().Add(time.Hour))
	store.put(timer)

	newExecuteAt := time.Now().UTC().Add(2 * time.Hour)
	resp := api.Put("/timers/"+timer.ID.String(), map[string]any{
		"execute_at": newExecuteAt.Format(time.RFC3339),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body.String())
	}
	if got := store.get(timer.ID).ExecuteAt; !got.Equal(newExecuteAt.Truncate(time.Second)) {
		t.Fatalf("execute_at = %v, want %v", got, newExecuteAt)
	}

	// Swapping the callback kind keeps the tag and variant coherent.
	withBroker := testConfig()
	withBroker.NatsURL = "nats://127.0.0.1:4222"
	api = newTestAPI(t, store, withBroker)
	resp = api.Put("/timers/"+timer.ID.String(), map[string]any{
		"callback": map[string]any{"type": "publish", "topic": "orders"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body.String())
	}
	updated := store.get(timer.ID)
	if updated.CallbackKind != CallbackPublish || updated.Callback.Publish == nil {
		t.Fatalf("kind/config mismatch after update: %+v", updated)
	}

	// Not-pending timers reject updates.
	canceled := pendingHTTPTimer(time.Now().UTC().Add(time.Hour))
	canceled.Status = StatusCanceled
	store.put(canceled)
	resp = api.Put("/timers/"+canceled.ID.String(), map[string]any{
		"execute_at": newExecuteAt.Format(time.RFC3339),
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.Code)
	}
}

func TestCancelTimer(t *testing.T) {
	store := newMemoryStore()
	api := newTestAPI(t, store, testConfig())
	timer := pendingHTTPTimer(time.Now().UTC().Add(time.Hour))
	store.put(timer)

	resp := api.Delete("/timers/" + timer.ID.String())
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	if got := store.get(timer.ID).Status; got != StatusCanceled {
		t.Fatalf("status = %s, want canceled", got)
	}

	// Canceling again, or canceling an executing timer, conflicts.
	if resp := api.Delete("/timers/" + timer.ID.String()); resp.Code != http.StatusConflict {
		t.Fatalf("second cancel: status = %d, want 409", resp.Code)
	}
	executing := pendingHTTPTimer(time.Now().UTC().Add(time.Hour))
	executing.Status = StatusExecuting
	store.put(executing)
	if resp := api.Delete("/timers/" + executing.ID.String()); resp.Code != http.StatusConflict {
		t.Fatalf("cancel while executing: status = %d, want 409", resp.Code)
	}
}

func TestListTimers(t *testing.T) {
	store := newMemoryStore()
	api := newTestAPI(t, store, testConfig())
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		timer := pendingHTTPTimer(base.Add(time.Duration(i+1) * time.Hour))
		timer.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i == 0 {
			timer.Status = StatusCanceled
		}
		store.put(timer)
	}

	resp := api.Get("/timers?status=pending&sort=execute_at&order=asc")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body.String())
	}
	var body struct {
		Timers []TimerSummary `json:"timers"`
		Total  int64          `json:"total"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 2 || len(body.Timers) != 2 {
		t.Fatalf("total = %d, rows = %d, want 2/2", body.Total, len(body.Timers))
	}
	if body.Timers[0].ExecuteAt.After(body.Timers[1].ExecuteAt) {
		t.Fatal("rows are not sorted by execute_at asc")
	}

	bad := []string{
		"/timers?limit=500",
		"/timers?sort=last_error",
		"/timers?order=sideways",
		"/timers?status=paused",
		"/timers?offset=-1",
	}
	for _, path := range bad {
		if resp := api.Get(path); resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", path, resp.Code)
		}
	}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, newMemoryStore(), testConfig())
	resp := api.Get("/healthz")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	store := newMemoryStore()
	config := testConfig()
	_, api := humatest.New(t)
	api.UseMiddleware(APIKeyMiddleware(api, config.APIKey))
	registerAPI(api, store, config)

	if resp := api.Get("/timers"); resp.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", resp.Code)
	}
	if resp := api.Get("/timers", "X-API-Key: wrong"); resp.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", resp.Code)
	}
	if resp := api.Get("/timers", fmt.Sprintf("X-API-Key: %s", config.APIKey)); resp.Code != http.StatusOK {
		t.Fatalf("right key: status = %d, want 200", resp.Code)
	}
	// The health probe stays public.
	if resp := api.Get("/healthz"); resp.Code != http.StatusOK {
		t.Fatalf("health: status = %d, want 200", resp.Code)
	}
}
