// Package replay synthesizes outbound requests from stored or user-supplied data.
package replay

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/anthropics/gander/internal/store"
)

// composedIDOffset keeps composer-assigned ids out of the store's id space.
const composedIDOffset = int64(1) << 62

// Composed describes a request to send.
type Composed struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Composer issues composed requests and returns their capture. Persisting
// the result is the caller's decision.
type Composer struct {
	store   store.Store
	logger  *slog.Logger
	client  *http.Client
	maxBody int
	nextID  atomic.Int64
}

// New creates a composer. st may be nil when replay-from-store is unused.
func New(st store.Store, maxResponseBodyBytes int, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxResponseBodyBytes <= 0 {
		maxResponseBodyBytes = 5 << 20
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			// Composed requests target arbitrary hosts, including ones
			// only reachable through the minted CA; skip verification.
			InsecureSkipVerify: true,
		},
		DisableCompression:  true,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	c := &Composer{
		store:   st,
		logger:  logger,
		maxBody: maxResponseBodyBytes,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	c.nextID.Store(composedIDOffset)
	return c
}

// Send issues the composed request and returns the captured exchange with a
// composer-assigned id.
func (c *Composer) Send(ctx context.Context, composed Composed) (*store.Exchange, error) {
	parsed, err := url.Parse(composed.URL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid url %q", composed.URL)
	}

	method := composed.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, composed.URL, strings.NewReader(composed.Body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for name, value := range composed.Headers {
		req.Header.Set(name, value)
	}

	startTime := time.Now()
	ex := &store.Exchange{
		ID:             c.nextID.Add(1),
		Timestamp:      startTime,
		Method:         method,
		URL:            composed.URL,
		Host:           parsed.Host,
		Path:           parsed.Path,
		RequestHeaders: lowercaseHeaders(composed.Headers),
	}
	if composed.Body != "" {
		body := composed.Body
		ex.RequestBody = &body
	}

	resp, err := c.client.Do(req)
	if err != nil {
		msg := err.Error()
		ex.Status = http.StatusBadGateway
		ex.ResponseBody = &msg
		ex.DurationMs = time.Since(startTime).Milliseconds()
		return ex, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(c.maxBody)+1))
	size := int64(len(body))
	// Drain so size reflects the full on-wire body even past the cap.
	if n, _ := io.Copy(io.Discard, resp.Body); n > 0 {
		size += n
	}

	ex.Status = resp.StatusCode
	ex.ResponseHeaders = flattenHeaders(resp.Header)
	ex.ContentType = firstToken(resp.Header.Get("Content-Type"))
	ex.DurationMs = time.Since(startTime).Milliseconds()
	ex.Size = size

	if len(body) > 0 {
		if size > int64(c.maxBody) {
			s := fmt.Sprintf("[Body too large: %d bytes]", size)
			ex.ResponseBody = &s
		} else {
			s := string(body)
			ex.ResponseBody = &s
		}
	}

	return ex, nil
}

// Replay re-sends a stored request and returns the fresh capture. The
// original row is not modified.
func (c *Composer) Replay(ctx context.Context, id int64) (*store.Exchange, error) {
	if c.store == nil {
		return nil, fmt.Errorf("no store configured")
	}

	original, err := c.store.GetExchange(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading exchange %d: %w", id, err)
	}
	if original == nil {
		return nil, fmt.Errorf("exchange %d not found", id)
	}

	composed := Composed{
		Method:  original.Method,
		URL:     original.URL,
		Headers: original.RequestHeaders,
	}
	if original.RequestBody != nil {
		composed.Body = *original.RequestBody
	}

	return c.Send(ctx, composed)
}

func lowercaseHeaders(h map[string]string) map[string]string {
	m := make(map[string]string, len(h))
	for name, value := range h {
		m[strings.ToLower(name)] = value
	}
	return m
}

func flattenHeaders(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for name, values := range h {
		m[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return m
}

func firstToken(contentType string) string {
	if i := strings.Index(contentType, ";"); i != -1 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(contentType)
}
