// Package mock matches requests against synthetic-response rules.
package mock

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/gander/internal/store"
)

// Engine matches (method, url) pairs against an ordered rule list and
// produces synthetic responses. Rules persist through the store; the
// in-memory snapshot is the matching source of truth.
type Engine struct {
	store  store.Store
	logger *slog.Logger

	mu    sync.RWMutex
	rules []*store.MockRule // iteration order decides ties

	regexMu    sync.RWMutex
	regexCache map[string]*regexp.Regexp
	badLogged  map[string]bool // rule ids whose bad pattern was already logged
}

// NewEngine creates a mock engine backed by st.
func NewEngine(st store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      st,
		logger:     logger,
		regexCache: make(map[string]*regexp.Regexp),
		badLogged:  make(map[string]bool),
	}
}

// Load rebuilds the in-memory rule snapshot from the store.
func (e *Engine) Load(ctx context.Context) error {
	rules, err := e.store.ListMockRules(ctx)
	if err != nil {
		return fmt.Errorf("listing mock rules: %w", err)
	}

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	return nil
}

// Find returns the first enabled rule matching method and url, or nil.
// Disabled rules and rules with invalid patterns are skipped.
func (e *Engine) Find(method, url string) *store.MockRule {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if rule.Method != "" && !strings.EqualFold(rule.Method, method) {
			continue
		}
		re, err := e.compile(rule.URLPattern)
		if err != nil {
			e.logBadPattern(rule, err)
			continue
		}
		if re.MatchString(url) {
			return rule
		}
	}
	return nil
}

// Generate returns defensive copies of the rule's literal response fields.
func (e *Engine) Generate(rule *store.MockRule) (int, map[string]string, string) {
	headers := make(map[string]string, len(rule.ResponseHeaders))
	for k, v := range rule.ResponseHeaders {
		headers[strings.ToLower(k)] = v
	}
	return rule.ResponseStatus, headers, rule.ResponseBody
}

// compile returns a cached case-insensitive regexp for pattern.
func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	e.regexMu.RLock()
	if re, ok := e.regexCache[pattern]; ok {
		e.regexMu.RUnlock()
		return re, nil
	}
	e.regexMu.RUnlock()

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}

	e.regexMu.Lock()
	e.regexCache[pattern] = re
	e.regexMu.Unlock()
	return re, nil
}

// logBadPattern logs an invalid rule pattern once per rule.
func (e *Engine) logBadPattern(rule *store.MockRule, err error) {
	e.regexMu.Lock()
	logged := e.badLogged[rule.ID]
	if !logged {
		e.badLogged[rule.ID] = true
	}
	e.regexMu.Unlock()

	if !logged {
		e.logger.Warn("mock rule has invalid pattern, skipping", "rule_id", rule.ID, "pattern", rule.URLPattern, "error", err)
	}
}

// Add persists a new rule and refreshes the snapshot. A missing id is
// assigned; a zero status defaults to 200.
func (e *Engine) Add(ctx context.Context, rule *store.MockRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.ResponseStatus == 0 {
		rule.ResponseStatus = 200
	}
	if rule.DelayMs < 0 {
		rule.DelayMs = 0
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	if err := e.store.SaveMockRule(ctx, rule); err != nil {
		return err
	}
	return e.Load(ctx)
}

// Update rewrites an existing rule and refreshes the snapshot.
func (e *Engine) Update(ctx context.Context, rule *store.MockRule) error {
	if err := e.store.UpdateMockRule(ctx, rule); err != nil {
		return err
	}
	e.regexMu.Lock()
	delete(e.badLogged, rule.ID) // pattern may have been fixed
	e.regexMu.Unlock()
	return e.Load(ctx)
}

// Delete removes a rule and refreshes the snapshot.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.store.DeleteMockRule(ctx, id); err != nil {
		return err
	}
	return e.Load(ctx)
}

// Toggle flips a rule's enabled state and refreshes the snapshot.
func (e *Engine) Toggle(ctx context.Context, id string, enabled bool) error {
	if err := e.store.SetMockRuleEnabled(ctx, id, enabled); err != nil {
		return err
	}
	return e.Load(ctx)
}

// List returns the current snapshot.
func (e *Engine) List() []*store.MockRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*store.MockRule, len(e.rules))
	copy(out, e.rules)
	return out
}
