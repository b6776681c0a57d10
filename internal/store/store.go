// Package store provides data persistence using SQLite.
package store

import (
	"context"
	"time"
)

// Exchange represents one captured request/response pair.
type Exchange struct {
	ID              int64
	Timestamp       time.Time // receipt of the first request byte
	Method          string
	URL             string
	Host            string
	Path            string
	Status          int // 0 while pending; final code once recorded
	RequestHeaders  map[string]string
	RequestBody     *string
	ResponseHeaders map[string]string
	ResponseBody    *string
	ContentType     string
	DurationMs      int64
	Size            int64 // on-wire response body length
}

// ResponseData finalizes a pending exchange. A row whose status is already
// non-zero is never modified by it.
type ResponseData struct {
	Status          int
	ResponseHeaders map[string]string
	ResponseBody    *string
	ContentType     string
	DurationMs      int64
	Size            int64
}

// MockRule is a persisted synthetic-response rule.
type MockRule struct {
	ID              string
	Name            string
	Enabled         bool
	Method          string // empty = any method
	URLPattern      string // case-insensitive regex
	ResponseStatus  int
	ResponseHeaders map[string]string
	ResponseBody    string
	DelayMs         int
	CreatedAt       time.Time
}

// Filter defines filter criteria for exchange queries. All entries are
// literals; bucket expansion such as "2xx" is the caller's responsibility.
type Filter struct {
	SearchQuery  string // substring over url/host/path, case-insensitive
	Methods      []string
	StatusCodes  []int
	Hosts        []string
	ContentTypes []string
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
	Offset       int
}

// Store defines the interface for data persistence.
type Store interface {
	// Exchanges
	SaveRequest(ctx context.Context, ex *Exchange) (int64, error)
	UpdateResponse(ctx context.Context, id int64, data ResponseData) error
	GetExchange(ctx context.Context, id int64) (*Exchange, error)
	ListExchanges(ctx context.Context, filter Filter) ([]*Exchange, error)
	CountExchanges(ctx context.Context, filter Filter) (int, error)
	UniqueHosts(ctx context.Context) ([]string, error)
	UniqueMethods(ctx context.Context) ([]string, error)
	UniqueContentTypes(ctx context.Context) ([]string, error)
	DeleteExchange(ctx context.Context, id int64) error
	ClearAll(ctx context.Context) error
	DeleteOlderThan(ctx context.Context, hours int) (int64, error)

	// Mock rules
	SaveMockRule(ctx context.Context, rule *MockRule) error
	UpdateMockRule(ctx context.Context, rule *MockRule) error
	DeleteMockRule(ctx context.Context, id string) error
	SetMockRuleEnabled(ctx context.Context, id string, enabled bool) error
	ListMockRules(ctx context.Context) ([]*MockRule, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}
