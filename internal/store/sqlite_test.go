package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "traffic.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func pendingExchange(method, url, host, path string) *Exchange {
	return &Exchange{
		Timestamp: time.Now(),
		Method:    method,
		URL:       url,
		Host:      host,
		Path:      path,
		RequestHeaders: map[string]string{
			"host": host,
		},
	}
}

func finalData(status int, body string) ResponseData {
	return ResponseData{
		Status:          status,
		ResponseHeaders: map[string]string{"content-type": "text/plain"},
		ResponseBody:    &body,
		ContentType:     "text/plain",
		DurationMs:      12,
		Size:            int64(len(body)),
	}
}

func TestSaveRequestAssignsMonotonicIDs(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	var prev int64
	for i := 0; i < 5; i++ {
		id, err := st.SaveRequest(ctx, pendingExchange("GET", fmt.Sprintf("http://a.test/%d", i), "a.test", fmt.Sprintf("/%d", i)))
		if err != nil {
			t.Fatalf("SaveRequest() error = %v", err)
		}
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestUpdateResponseFinalizesExactlyOnce(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.SaveRequest(ctx, pendingExchange("GET", "http://a.test/x", "a.test", "/x"))
	if err != nil {
		t.Fatalf("SaveRequest() error = %v", err)
	}

	ex, err := st.GetExchange(ctx, id)
	if err != nil {
		t.Fatalf("GetExchange() error = %v", err)
	}
	if ex.Status != 0 {
		t.Fatalf("pending status = %d, want 0", ex.Status)
	}

	if err := st.UpdateResponse(ctx, id, finalData(200, "hello")); err != nil {
		t.Fatalf("UpdateResponse() error = %v", err)
	}

	// A second finalize must not rewrite the row.
	if err := st.UpdateResponse(ctx, id, finalData(500, "late")); err != nil {
		t.Fatalf("UpdateResponse() second call error = %v", err)
	}

	ex, err = st.GetExchange(ctx, id)
	if err != nil {
		t.Fatalf("GetExchange() error = %v", err)
	}
	if ex.Status != 200 {
		t.Errorf("status = %d, want 200 (finalized once)", ex.Status)
	}
	if ex.ResponseBody == nil || *ex.ResponseBody != "hello" {
		t.Errorf("response body = %v, want hello", ex.ResponseBody)
	}
	if ex.Size != 5 {
		t.Errorf("size = %d, want 5", ex.Size)
	}
}

func TestGetExchangeMissingReturnsNil(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	ex, err := st.GetExchange(context.Background(), 9999)
	if err != nil {
		t.Fatalf("GetExchange() error = %v", err)
	}
	if ex != nil {
		t.Errorf("GetExchange() = %+v, want nil", ex)
	}
}

// seedExchanges inserts a fixed corpus for filter tests and returns its size.
func seedExchanges(t *testing.T, st *SQLiteStore) int {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	rows := []struct {
		method, url, host, path, ct string
		status                      int
		offset                      time.Duration
	}{
		{"GET", "http://a.test/one", "a.test", "/one", "text/html", 200, 0},
		{"POST", "http://a.test/two", "a.test", "/two", "application/json", 201, time.Minute},
		{"GET", "http://b.test/three", "b.test", "/three", "application/json", 404, 2 * time.Minute},
		{"DELETE", "http://c.test/four", "c.test", "/four", "text/plain", 500, 3 * time.Minute},
		{"GET", "http://c.test/five", "c.test", "/five", "image/png", 200, 4 * time.Minute},
	}

	for _, r := range rows {
		ex := pendingExchange(r.method, r.url, r.host, r.path)
		ex.Timestamp = base.Add(r.offset)
		id, err := st.SaveRequest(ctx, ex)
		if err != nil {
			t.Fatalf("SaveRequest() error = %v", err)
		}
		data := finalData(r.status, "body")
		data.ContentType = r.ct
		if err := st.UpdateResponse(ctx, id, data); err != nil {
			t.Fatalf("UpdateResponse() error = %v", err)
		}
	}
	return len(rows)
}

func TestListExchangesFilters(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	total := seedExchanges(t, st)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"no filter", Filter{}, total},
		{"search url substring", Filter{SearchQuery: "three"}, 1},
		{"search host substring", Filter{SearchQuery: "a.te"}, 2},
		{"methods", Filter{Methods: []string{"GET"}}, 3},
		{"multiple methods", Filter{Methods: []string{"POST", "DELETE"}}, 2},
		{"status literal", Filter{StatusCodes: []int{200}}, 2},
		{"status literal no bucket expansion", Filter{StatusCodes: []int{2}}, 0},
		{"hosts", Filter{Hosts: []string{"c.test"}}, 2},
		{"content type substring", Filter{ContentTypes: []string{"json"}}, 2},
		{"combined", Filter{Methods: []string{"GET"}, Hosts: []string{"a.test"}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := st.ListExchanges(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListExchanges() error = %v", err)
			}
			if len(rows) != tt.want {
				t.Errorf("ListExchanges() returned %d rows, want %d", len(rows), tt.want)
			}

			// list(f).len() == count(f) for any filter.
			count, err := st.CountExchanges(ctx, tt.filter)
			if err != nil {
				t.Fatalf("CountExchanges() error = %v", err)
			}
			if count != len(rows) {
				t.Errorf("CountExchanges() = %d, ListExchanges() = %d", count, len(rows))
			}
		})
	}
}

func TestListExchangesDateRange(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	seedExchanges(t, st)
	ctx := context.Background()

	all, err := st.ListExchanges(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListExchanges() error = %v", err)
	}
	// all is newest-first; range spanning the middle three.
	start := all[3].Timestamp
	end := all[1].Timestamp

	rows, err := st.ListExchanges(ctx, Filter{StartTime: &start, EndTime: &end})
	if err != nil {
		t.Fatalf("ListExchanges() error = %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("date range returned %d rows, want 3 (inclusive bounds)", len(rows))
	}
}

func TestListExchangesOrderingAndPagination(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	// Identical timestamps force the id tie-break.
	ts := time.Now()
	for i := 0; i < 6; i++ {
		ex := pendingExchange("GET", fmt.Sprintf("http://t.test/%d", i), "t.test", fmt.Sprintf("/%d", i))
		ex.Timestamp = ts
		if _, err := st.SaveRequest(ctx, ex); err != nil {
			t.Fatalf("SaveRequest() error = %v", err)
		}
	}

	all, err := st.ListExchanges(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListExchanges() error = %v", err)
	}
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		if cur.Timestamp.After(prev.Timestamp) {
			t.Fatalf("rows not sorted by timestamp desc at %d", i)
		}
		if cur.Timestamp.Equal(prev.Timestamp) && cur.ID > prev.ID {
			t.Fatalf("timestamp tie not broken by id desc at %d", i)
		}
	}

	// Pagination must be a contiguous slice of the unpaginated result.
	page, err := st.ListExchanges(ctx, Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListExchanges() error = %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page returned %d rows, want 2", len(page))
	}
	if page[0].ID != all[2].ID || page[1].ID != all[3].ID {
		t.Errorf("page = [%d %d], want [%d %d]", page[0].ID, page[1].ID, all[2].ID, all[3].ID)
	}

	// Offset without limit still applies.
	tail, err := st.ListExchanges(ctx, Filter{Offset: 4})
	if err != nil {
		t.Fatalf("ListExchanges() error = %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("offset-only returned %d rows, want 2", len(tail))
	}
}

func TestUniqueFacets(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	seedExchanges(t, st)
	ctx := context.Background()

	hosts, err := st.UniqueHosts(ctx)
	if err != nil {
		t.Fatalf("UniqueHosts() error = %v", err)
	}
	if len(hosts) != 3 {
		t.Errorf("UniqueHosts() = %v, want 3 entries", hosts)
	}

	methods, err := st.UniqueMethods(ctx)
	if err != nil {
		t.Fatalf("UniqueMethods() error = %v", err)
	}
	if len(methods) != 3 {
		t.Errorf("UniqueMethods() = %v, want 3 entries", methods)
	}

	contentTypes, err := st.UniqueContentTypes(ctx)
	if err != nil {
		t.Fatalf("UniqueContentTypes() error = %v", err)
	}
	if len(contentTypes) != 4 {
		t.Errorf("UniqueContentTypes() = %v, want 4 entries", contentTypes)
	}
}

func TestDeleteAndClear(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	seedExchanges(t, st)
	ctx := context.Background()

	all, _ := st.ListExchanges(ctx, Filter{})
	if err := st.DeleteExchange(ctx, all[0].ID); err != nil {
		t.Fatalf("DeleteExchange() error = %v", err)
	}
	count, _ := st.CountExchanges(ctx, Filter{})
	if count != len(all)-1 {
		t.Errorf("count after delete = %d, want %d", count, len(all)-1)
	}

	if err := st.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	count, _ = st.CountExchanges(ctx, Filter{})
	if count != 0 {
		t.Errorf("count after clear = %d, want 0", count)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	old := pendingExchange("GET", "http://old.test/", "old.test", "/")
	old.Timestamp = time.Now().Add(-48 * time.Hour)
	if _, err := st.SaveRequest(ctx, old); err != nil {
		t.Fatalf("SaveRequest() error = %v", err)
	}
	fresh := pendingExchange("GET", "http://fresh.test/", "fresh.test", "/")
	if _, err := st.SaveRequest(ctx, fresh); err != nil {
		t.Fatalf("SaveRequest() error = %v", err)
	}

	deleted, err := st.DeleteOlderThan(ctx, 24)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("DeleteOlderThan() = %d, want 1", deleted)
	}

	count, _ := st.CountExchanges(ctx, Filter{})
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestMockRuleCRUD(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	rule := &MockRule{
		ID:              "rule-1",
		Name:            "teapot",
		Enabled:         true,
		Method:          "GET",
		URLPattern:      `.*\.test/api.*`,
		ResponseStatus:  418,
		ResponseHeaders: map[string]string{"content-type": "text/plain"},
		ResponseBody:    "teapot",
		DelayMs:         50,
		CreatedAt:       time.Now().Add(-time.Minute),
	}
	if err := st.SaveMockRule(ctx, rule); err != nil {
		t.Fatalf("SaveMockRule() error = %v", err)
	}

	second := &MockRule{
		ID:             "rule-2",
		Name:           "later",
		Enabled:        false,
		URLPattern:     ".*",
		ResponseStatus: 200,
		CreatedAt:      time.Now(),
	}
	if err := st.SaveMockRule(ctx, second); err != nil {
		t.Fatalf("SaveMockRule() error = %v", err)
	}

	rules, err := st.ListMockRules(ctx)
	if err != nil {
		t.Fatalf("ListMockRules() error = %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("ListMockRules() = %d rules, want 2", len(rules))
	}
	// Descending creation order: newest first.
	if rules[0].ID != "rule-2" || rules[1].ID != "rule-1" {
		t.Errorf("order = [%s %s], want [rule-2 rule-1]", rules[0].ID, rules[1].ID)
	}
	if rules[1].ResponseStatus != 418 || rules[1].DelayMs != 50 {
		t.Errorf("rule-1 fields not round-tripped: %+v", rules[1])
	}
	if rules[1].ResponseHeaders["content-type"] != "text/plain" {
		t.Errorf("rule-1 headers not round-tripped: %+v", rules[1].ResponseHeaders)
	}

	rule.ResponseBody = "still teapot"
	if err := st.UpdateMockRule(ctx, rule); err != nil {
		t.Fatalf("UpdateMockRule() error = %v", err)
	}
	if err := st.SetMockRuleEnabled(ctx, "rule-2", true); err != nil {
		t.Fatalf("SetMockRuleEnabled() error = %v", err)
	}

	rules, _ = st.ListMockRules(ctx)
	if !rules[0].Enabled {
		t.Errorf("rule-2 not enabled after toggle")
	}
	if rules[1].ResponseBody != "still teapot" {
		t.Errorf("rule-1 body = %q after update", rules[1].ResponseBody)
	}

	if err := st.DeleteMockRule(ctx, "rule-1"); err != nil {
		t.Fatalf("DeleteMockRule() error = %v", err)
	}
	rules, _ = st.ListMockRules(ctx)
	if len(rules) != 1 {
		t.Errorf("ListMockRules() = %d rules after delete, want 1", len(rules))
	}
}

func TestSettings(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	v, err := st.GetSetting(ctx, "theme")
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if v != "" {
		t.Errorf("unset setting = %q, want empty", v)
	}

	if err := st.SetSetting(ctx, "theme", "dark"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	if err := st.SetSetting(ctx, "theme", "light"); err != nil {
		t.Fatalf("SetSetting() upsert error = %v", err)
	}

	v, _ = st.GetSetting(ctx, "theme")
	if v != "light" {
		t.Errorf("setting = %q, want light", v)
	}
}

func TestUnmarshalHeadersDegradesToEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input sql.NullString
	}{
		{"null", sql.NullString{}},
		{"empty", sql.NullString{Valid: true, String: ""}},
		{"malformed", sql.NullString{Valid: true, String: "{not json"}},
		{"wrong type", sql.NullString{Valid: true, String: `["a"]`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := unmarshalHeaders(tt.input)
			if h == nil {
				t.Fatal("unmarshalHeaders() returned nil map")
			}
			if len(h) != 0 {
				t.Errorf("unmarshalHeaders() = %v, want empty", h)
			}
		})
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	ex := pendingExchange("GET", "http://h.test/", "h.test", "/")
	ex.RequestHeaders = map[string]string{
		"accept":     "text/html, application/json",
		"user-agent": "test-agent",
	}
	id, err := st.SaveRequest(ctx, ex)
	if err != nil {
		t.Fatalf("SaveRequest() error = %v", err)
	}

	got, err := st.GetExchange(ctx, id)
	if err != nil {
		t.Fatalf("GetExchange() error = %v", err)
	}
	if got.RequestHeaders["accept"] != "text/html, application/json" {
		t.Errorf("headers not round-tripped: %v", got.RequestHeaders)
	}
}
