package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/gander/internal/breakpoint"
	"github.com/anthropics/gander/internal/config"
	"github.com/anthropics/gander/internal/mock"
	"github.com/anthropics/gander/internal/replay"
	"github.com/anthropics/gander/internal/store"
	"github.com/anthropics/gander/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type apiEnv struct {
	server      *httptest.Server
	store       *store.SQLiteStore
	breakpoints *breakpoint.Rendezvous
	token       string
}

func startAPI(t *testing.T, token string) *apiEnv {
	t.Helper()

	st := testutil.NewStore(t)

	cfg := config.DefaultConfig()
	cfg.API.Token = token

	mocks := mock.NewEngine(st, testLogger())
	if err := mocks.Load(context.Background()); err != nil {
		t.Fatalf("loading mocks: %v", err)
	}
	breakpoints := breakpoint.New(testLogger())
	composer := replay.New(st, cfg.Limits.MaxResponseBodyBytes, testLogger())

	srv := NewServer(ServerConfig{
		Config:      cfg,
		Store:       st,
		Mocks:       mocks,
		Breakpoints: breakpoints,
		Composer:    composer,
		CACertPEM:   []byte("-----BEGIN CERTIFICATE-----\nZmFrZQ==\n-----END CERTIFICATE-----\n"),
		Logger:      testLogger(),
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiEnv{server: ts, store: st, breakpoints: breakpoints, token: token}
}

// do performs an authenticated request against the API.
func (env *apiEnv) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, env.server.URL+path, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if env.token != "" {
		req.Header.Set("Authorization", "Bearer "+env.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func seedAPI(t *testing.T, st *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	for i, status := range []int{200, 200, 404, 502} {
		body := "b"
		ex := testutil.NewExchange().
			WithURL(fmt.Sprintf("http://seed.test/%d", i), "seed.test", fmt.Sprintf("/%d", i)).
			WithTimestamp(time.Now().Add(time.Duration(i) * time.Second)).
			Pending().
			Build()
		id, err := st.SaveRequest(ctx, ex)
		if err != nil {
			t.Fatalf("SaveRequest() error = %v", err)
		}
		if err := st.UpdateResponse(ctx, id, store.ResponseData{
			Status:       status,
			ResponseBody: &body,
			ContentType:  "text/plain",
			DurationMs:   5,
			Size:         1,
		}); err != nil {
			t.Fatalf("UpdateResponse() error = %v", err)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	env := startAPI(t, "s3cret")

	// Missing token
	resp, err := http.Get(env.server.URL + "/api/requests")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	// Correct token
	resp = env.do(t, "GET", "/api/requests", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}

	// Health and CA download stay open.
	for _, path := range []string{"/api/health", "/ca.crt"} {
		resp, err := http.Get(env.server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200 without auth", path, resp.StatusCode)
		}
	}
}

func TestListCountAndStatusLiteral(t *testing.T) {
	t.Parallel()
	env := startAPI(t, "")
	seedAPI(t, env.store)

	var list struct {
		Requests []map[string]interface{} `json:"requests"`
	}
	decodeJSON(t, env.do(t, "GET", "/api/requests", nil), &list)
	if len(list.Requests) != 4 {
		t.Errorf("list = %d rows, want 4", len(list.Requests))
	}

	var count struct {
		Count int `json:"count"`
	}
	decodeJSON(t, env.do(t, "GET", "/api/requests/count?status=200", nil), &count)
	if count.Count != 2 {
		t.Errorf("count(status=200) = %d, want 2", count.Count)
	}

	// Literal semantics: "2xx" style buckets are not expanded server-side.
	decodeJSON(t, env.do(t, "GET", "/api/requests/count?status=2xx", nil), &count)
	if count.Count != 4 {
		t.Errorf("count(status=2xx) = %d; non-numeric entries are ignored, want unfiltered 4", count.Count)
	}
}

func TestFacets(t *testing.T) {
	t.Parallel()
	env := startAPI(t, "")
	seedAPI(t, env.store)

	var facets struct {
		Hosts        []string `json:"hosts"`
		Methods      []string `json:"methods"`
		ContentTypes []string `json:"content_types"`
	}
	decodeJSON(t, env.do(t, "GET", "/api/requests/facets", nil), &facets)
	if len(facets.Hosts) != 1 || facets.Hosts[0] != "seed.test" {
		t.Errorf("hosts = %v", facets.Hosts)
	}
	if len(facets.Methods) != 1 || facets.Methods[0] != "GET" {
		t.Errorf("methods = %v", facets.Methods)
	}
}

func TestGetDeleteClear(t *testing.T) {
	t.Parallel()
	env := startAPI(t, "")
	seedAPI(t, env.store)

	var list struct {
		Requests []struct {
			ID int64 `json:"id"`
		} `json:"requests"`
	}
	decodeJSON(t, env.do(t, "GET", "/api/requests", nil), &list)
	id := list.Requests[0].ID

	var ex map[string]interface{}
	decodeJSON(t, env.do(t, "GET", fmt.Sprintf("/api/requests/%d", id), nil), &ex)
	if int64(ex["id"].(float64)) != id {
		t.Errorf("get returned id %v, want %d", ex["id"], id)
	}

	resp := env.do(t, "DELETE", fmt.Sprintf("/api/requests/%d", id), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}

	resp = env.do(t, "GET", fmt.Sprintf("/api/requests/%d", id), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, "POST", "/api/requests/clear", nil)
	resp.Body.Close()
	var count struct {
		Count int `json:"count"`
	}
	decodeJSON(t, env.do(t, "GET", "/api/requests/count", nil), &count)
	if count.Count != 0 {
		t.Errorf("count after clear = %d, want 0", count.Count)
	}
}

func TestMockCRUDOverAPI(t *testing.T) {
	t.Parallel()
	env := startAPI(t, "")

	var created mockJSON
	decodeJSON(t, env.do(t, "POST", "/api/mocks", mockJSON{
		Name:           "teapot",
		Enabled:        true,
		URLPattern:     `.*\.test/api.*`,
		ResponseStatus: 418,
		ResponseBody:   "teapot",
		DelayMs:        10,
	}), &created)
	if created.ID == "" {
		t.Fatal("created rule has no id")
	}

	// Missing pattern is rejected.
	resp := env.do(t, "POST", "/api/mocks", mockJSON{Name: "bad"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("create without pattern = %d, want 400", resp.StatusCode)
	}

	var list struct {
		Mocks []mockJSON `json:"mocks"`
	}
	decodeJSON(t, env.do(t, "GET", "/api/mocks", nil), &list)
	if len(list.Mocks) != 1 {
		t.Fatalf("list = %d rules, want 1", len(list.Mocks))
	}

	created.ResponseBody = "still teapot"
	var updated mockJSON
	decodeJSON(t, env.do(t, "PUT", "/api/mocks/"+created.ID, created), &updated)
	if updated.ResponseBody != "still teapot" {
		t.Errorf("update body = %q", updated.ResponseBody)
	}

	resp = env.do(t, "POST", "/api/mocks/"+created.ID+"/toggle", map[string]bool{"enabled": false})
	resp.Body.Close()
	decodeJSON(t, env.do(t, "GET", "/api/mocks", nil), &list)
	if list.Mocks[0].Enabled {
		t.Error("rule still enabled after toggle")
	}

	resp = env.do(t, "DELETE", "/api/mocks/"+created.ID, nil)
	resp.Body.Close()
	decodeJSON(t, env.do(t, "GET", "/api/mocks", nil), &list)
	if len(list.Mocks) != 0 {
		t.Errorf("list = %d rules after delete, want 0", len(list.Mocks))
	}
}

func TestBreakpointConfigAndResumeOverAPI(t *testing.T) {
	t.Parallel()
	env := startAPI(t, "")

	resp := env.do(t, "PUT", "/api/breakpoints/config", breakpoint.Config{
		Enabled:        true,
		BreakOnRequest: true,
		URLPattern:     ".*",
	})
	resp.Body.Close()

	var cfg breakpoint.Config
	decodeJSON(t, env.do(t, "GET", "/api/breakpoints/config", nil), &cfg)
	if !cfg.Enabled || !cfg.BreakOnRequest {
		t.Errorf("config = %+v", cfg)
	}

	// Park a message and drive it over the API.
	type pauseResult struct {
		snap breakpoint.Snapshot
		err  error
	}
	results := make(chan pauseResult, 1)
	go func() {
		snap, err := env.breakpoints.Pause(breakpoint.Snapshot{
			Direction: breakpoint.DirectionRequest,
			Method:    "POST",
			URL:       "http://a.test/p",
			Body:      []byte("A"),
		})
		results <- pauseResult{snap, err}
	}()

	var pending struct {
		Pending []breakpoint.Snapshot `json:"pending"`
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		decodeJSON(t, env.do(t, "GET", "/api/breakpoints/pending", nil), &pending)
		if len(pending.Pending) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pending.Pending) == 0 {
		t.Fatal("no pending breakpoint visible over API")
	}

	id := pending.Pending[0].ID
	resp = env.do(t, "POST", "/api/breakpoints/"+id+"/continue", map[string]string{"body": "B"})
	resp.Body.Close()

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("Pause() error = %v", res.err)
		}
		if string(res.snap.Body) != "B" {
			t.Errorf("resumed body = %q, want B", res.snap.Body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("continue over API never resumed the pause")
	}
}

func TestBreakpointDropOverAPI(t *testing.T) {
	t.Parallel()
	env := startAPI(t, "")

	errs := make(chan error, 1)
	go func() {
		_, err := env.breakpoints.Pause(breakpoint.Snapshot{
			Direction: breakpoint.DirectionRequest,
			Method:    "GET",
			URL:       "http://a.test/d",
		})
		errs <- err
	}()

	deadline := time.Now().Add(3 * time.Second)
	var id string
	for time.Now().Before(deadline) {
		if pending := env.breakpoints.Pending(); len(pending) > 0 {
			id = pending[0].ID
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("pause never registered")
	}

	resp := env.do(t, "POST", "/api/breakpoints/"+id+"/drop", nil)
	resp.Body.Close()

	select {
	case err := <-errs:
		if err != breakpoint.ErrDropped {
			t.Errorf("Pause() error = %v, want ErrDropped", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("drop over API never resumed the pause")
	}
}

func TestExportFormats(t *testing.T) {
	t.Parallel()
	env := startAPI(t, "")
	seedAPI(t, env.store)

	t.Run("ndjson", func(t *testing.T) {
		resp := env.do(t, "GET", "/api/requests/export", nil)
		defer resp.Body.Close()
		if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
			t.Errorf("content type = %q", ct)
		}
		data, _ := io.ReadAll(resp.Body)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 4 {
			t.Errorf("ndjson lines = %d, want 4", len(lines))
		}
		var row map[string]interface{}
		if err := json.Unmarshal([]byte(lines[0]), &row); err != nil {
			t.Errorf("first line not JSON: %v", err)
		}
	})

	t.Run("csv", func(t *testing.T) {
		resp := env.do(t, "GET", "/api/requests/export?format=csv", nil)
		defer resp.Body.Close()
		if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
			t.Errorf("content type = %q", ct)
		}
		data, _ := io.ReadAll(resp.Body)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 5 { // header + 4 rows
			t.Errorf("csv lines = %d, want 5", len(lines))
		}
		if !strings.HasPrefix(lines[0], "id,timestamp_ms,method") {
			t.Errorf("csv header = %q", lines[0])
		}
	})
}

func TestSettingsOverAPI(t *testing.T) {
	t.Parallel()
	env := startAPI(t, "")

	resp := env.do(t, "PUT", "/api/settings/theme", map[string]string{"value": "dark"})
	resp.Body.Close()

	var setting struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	decodeJSON(t, env.do(t, "GET", "/api/settings/theme", nil), &setting)
	if setting.Value != "dark" {
		t.Errorf("setting = %+v", setting)
	}
}
