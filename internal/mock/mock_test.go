package mock

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/anthropics/gander/internal/store"
	"github.com/anthropics/gander/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(testutil.NewStore(t), testLogger())
}

func addRule(t *testing.T, e *Engine, rule *store.MockRule) {
	t.Helper()
	if err := e.Add(context.Background(), rule); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
}

func TestFindMatchesFirstEnabledHit(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	// Created later = listed first, so "second" wins ties.
	addRule(t, e, &store.MockRule{Name: "first", Enabled: true, URLPattern: `.*\.test/api.*`, ResponseBody: "first", CreatedAt: time.Now().Add(-time.Minute)})
	addRule(t, e, &store.MockRule{Name: "second", Enabled: true, URLPattern: `.*\.test/.*`, ResponseBody: "second", CreatedAt: time.Now()})

	rule := e.Find("GET", "http://x.test/api/foo")
	if rule == nil {
		t.Fatal("Find() returned nil")
	}
	if rule.ResponseBody != "second" {
		t.Errorf("Find() matched %q, want the first rule in iteration order", rule.Name)
	}
}

func TestFindSkipsDisabled(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	addRule(t, e, &store.MockRule{Name: "off", Enabled: false, URLPattern: ".*", ResponseBody: "off"})
	if rule := e.Find("GET", "http://x.test/"); rule != nil {
		t.Errorf("Find() matched disabled rule %q", rule.Name)
	}
}

func TestFindMethodFilter(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	addRule(t, e, &store.MockRule{Name: "posts-only", Enabled: true, Method: "POST", URLPattern: ".*"})

	if rule := e.Find("GET", "http://x.test/"); rule != nil {
		t.Error("Find() matched GET against a POST-only rule")
	}
	if rule := e.Find("post", "http://x.test/"); rule == nil {
		t.Error("Find() method comparison should be case-insensitive")
	}
}

func TestFindCaseInsensitivePattern(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	addRule(t, e, &store.MockRule{Name: "ci", Enabled: true, URLPattern: `.*/API/.*`})
	if rule := e.Find("GET", "http://x.test/api/foo"); rule == nil {
		t.Error("Find() pattern should match case-insensitively")
	}
}

func TestFindSkipsInvalidPattern(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	addRule(t, e, &store.MockRule{Name: "broken", Enabled: true, URLPattern: "("})
	addRule(t, e, &store.MockRule{Name: "valid", Enabled: true, URLPattern: ".*", CreatedAt: time.Now().Add(-time.Minute)})

	rule := e.Find("GET", "http://x.test/")
	if rule == nil {
		t.Fatal("Find() returned nil; invalid pattern should be skipped, not fatal")
	}
	if rule.Name != "valid" {
		t.Errorf("Find() = %q, want valid", rule.Name)
	}
}

func TestGenerateReturnsDefensiveCopy(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	rule := &store.MockRule{
		Enabled:         true,
		URLPattern:      ".*",
		ResponseStatus:  418,
		ResponseHeaders: map[string]string{"Content-Type": "text/plain"},
		ResponseBody:    "teapot",
	}
	addRule(t, e, rule)

	status, headers, body := e.Generate(rule)
	if status != 418 || body != "teapot" {
		t.Errorf("Generate() = (%d, %q), want (418, teapot)", status, body)
	}
	if headers["content-type"] != "text/plain" {
		t.Errorf("Generate() headers not lowercased: %v", headers)
	}

	headers["content-type"] = "mutated"
	if rule.ResponseHeaders["Content-Type"] == "mutated" {
		t.Error("Generate() returned the rule's own header map")
	}
}

func TestCRUDPersistsAcrossReload(t *testing.T) {
	t.Parallel()
	st := testutil.NewStore(t)

	ctx := context.Background()
	e1 := NewEngine(st, testLogger())
	if err := e1.Add(ctx, &store.MockRule{Name: "persist", Enabled: true, URLPattern: ".*persist.*", ResponseBody: "x"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// A fresh engine on the same store sees the rule after Load.
	e2 := NewEngine(st, testLogger())
	if err := e2.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rule := e2.Find("GET", "http://x.test/persist/1"); rule == nil {
		t.Fatal("persisted rule not found after reload")
	}

	rules := e2.List()
	if len(rules) != 1 {
		t.Fatalf("List() = %d rules, want 1", len(rules))
	}

	if err := e2.Toggle(ctx, rules[0].ID, false); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if rule := e2.Find("GET", "http://x.test/persist/1"); rule != nil {
		t.Error("disabled rule still matches")
	}

	if err := e2.Delete(ctx, rules[0].ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(e2.List()) != 0 {
		t.Error("List() not empty after delete")
	}
}

func TestUpdateChangesMatching(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	rule := &store.MockRule{Name: "u", Enabled: true, URLPattern: ".*old.*", ResponseBody: "v1"}
	addRule(t, e, rule)

	rule.URLPattern = ".*new.*"
	rule.ResponseBody = "v2"
	if err := e.Update(ctx, rule); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if e.Find("GET", "http://x.test/old") != nil {
		t.Error("old pattern still matches after update")
	}
	got := e.Find("GET", "http://x.test/new")
	if got == nil || got.ResponseBody != "v2" {
		t.Errorf("updated rule not matching: %+v", got)
	}
}
