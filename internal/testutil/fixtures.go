// Package testutil provides shared test fixtures for consistent, realistic test data.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/anthropics/gander/internal/store"
)

// ExchangeBuilder provides a fluent API for building test exchanges.
type ExchangeBuilder struct {
	ex *store.Exchange
}

// NewExchange creates a new ExchangeBuilder with sensible defaults.
func NewExchange() *ExchangeBuilder {
	body := `{"ok":true}`
	return &ExchangeBuilder{
		ex: &store.Exchange{
			Timestamp: time.Now(),
			Method:    "GET",
			URL:       "http://example.test/api/items",
			Host:      "example.test",
			Path:      "/api/items",
			Status:    200,
			RequestHeaders: map[string]string{
				"host":       "example.test",
				"user-agent": "gander-test",
			},
			ResponseHeaders: map[string]string{
				"content-type": "application/json",
			},
			ResponseBody: &body,
			ContentType:  "application/json",
			DurationMs:   150,
			Size:         int64(len(body)),
		},
	}
}

// WithMethod sets the request method.
func (b *ExchangeBuilder) WithMethod(method string) *ExchangeBuilder {
	b.ex.Method = method
	return b
}

// WithURL sets the url, host, and path together.
func (b *ExchangeBuilder) WithURL(url, host, path string) *ExchangeBuilder {
	b.ex.URL = url
	b.ex.Host = host
	b.ex.Path = path
	return b
}

// WithStatus sets the response status.
func (b *ExchangeBuilder) WithStatus(status int) *ExchangeBuilder {
	b.ex.Status = status
	return b
}

// Pending clears response fields to model an in-flight row.
func (b *ExchangeBuilder) Pending() *ExchangeBuilder {
	b.ex.Status = 0
	b.ex.ResponseHeaders = nil
	b.ex.ResponseBody = nil
	b.ex.ContentType = ""
	b.ex.DurationMs = 0
	b.ex.Size = 0
	return b
}

// WithTimestamp sets the receipt time.
func (b *ExchangeBuilder) WithTimestamp(t time.Time) *ExchangeBuilder {
	b.ex.Timestamp = t
	return b
}

// WithContentType sets the response content type.
func (b *ExchangeBuilder) WithContentType(ct string) *ExchangeBuilder {
	b.ex.ContentType = ct
	return b
}

// WithRequestBody sets the stored request body.
func (b *ExchangeBuilder) WithRequestBody(body string) *ExchangeBuilder {
	b.ex.RequestBody = &body
	return b
}

// WithResponseBody sets the stored response body and size.
func (b *ExchangeBuilder) WithResponseBody(body string) *ExchangeBuilder {
	b.ex.ResponseBody = &body
	b.ex.Size = int64(len(body))
	return b
}

// Build returns the assembled exchange.
func (b *ExchangeBuilder) Build() *store.Exchange {
	ex := *b.ex
	return &ex
}

// NewStore creates a SQLite store in a temp directory, closed with the test.
func NewStore(t testing.TB) *store.SQLiteStore {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "traffic.db"))
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
