// Package proxy implements the HTTP/HTTPS intercepting proxy engine.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/anthropics/gander/internal/breakpoint"
	"github.com/anthropics/gander/internal/config"
	"github.com/anthropics/gander/internal/mock"
	"github.com/anthropics/gander/internal/store"
	gandertls "github.com/anthropics/gander/internal/tls"
)

const (
	// shutdownTimeout bounds graceful shutdown before sockets are force-closed.
	shutdownTimeout = 2 * time.Second

	// keepAliveIdleTimeout closes idle keep-alive client connections.
	keepAliveIdleTimeout = 60 * time.Second

	// headerReadTimeout bounds reading a request's header block.
	headerReadTimeout = 65 * time.Second
)

// droppedBody is the response body sent when a breakpoint drops a request.
const droppedBody = "Request dropped by user"

// statusClientClosedRequest is the non-standard code recorded for drops.
const statusClientClosedRequest = 499

// Engine is the intercepting proxy: plain HTTP forwarding, CONNECT handling
// with optional TLS MITM, mock substitution, breakpoints, and capture.
type Engine struct {
	cfg         *config.Config
	logger      *slog.Logger
	certCache   *gandertls.CertCache
	store       store.Store
	mocks       *mock.Engine
	breakpoints *breakpoint.Rendezvous

	server *http.Server
	client *http.Client

	upLimiter   *rate.Limiter
	downLimiter *rate.Limiter

	// Callbacks for real-time updates
	onComplete func(*store.Exchange)
	onError    func(string)

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	bypassMu    sync.RWMutex
	bypassHosts []string
}

// EngineConfig holds collaborators for creating an Engine.
type EngineConfig struct {
	Config      *config.Config
	Logger      *slog.Logger
	CertCache   *gandertls.CertCache
	Store       store.Store
	Mocks       *mock.Engine
	Breakpoints *breakpoint.Rendezvous
	OnComplete  func(*store.Exchange)
	OnError     func(string)
}

// NewEngine creates a new proxy engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Config.Proxy.EnableHTTPS && cfg.CertCache == nil {
		return nil, fmt.Errorf("cert cache is required when HTTPS interception is enabled")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// Forwarding client. Compression stays off so the client receives the
	// origin's bytes untouched and size accounting stays on-wire.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			// Inspection tool: origin certificates are accepted unconditionally.
			InsecureSkipVerify: true,
			NextProtos:         []string{"http/1.1"},
		},
		DisableCompression:    true,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		// Don't follow redirects - let the client handle them
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 0, // No timeout - streaming responses can be long
	}

	p := &Engine{
		cfg:         cfg.Config,
		logger:      cfg.Logger,
		certCache:   cfg.CertCache,
		store:       cfg.Store,
		mocks:       cfg.Mocks,
		breakpoints: cfg.Breakpoints,
		client:      client,
		onComplete:  cfg.OnComplete,
		onError:     cfg.OnError,
		conns:       make(map[net.Conn]struct{}),
	}

	p.bypassHosts = cfg.Config.Proxy.BypassHosts

	if n := cfg.Config.Limits.UploadBytesPerSec; n > 0 {
		p.upLimiter = rate.NewLimiter(rate.Limit(n), n)
	}
	if n := cfg.Config.Limits.DownloadBytesPerSec; n > 0 {
		p.downLimiter = rate.NewLimiter(rate.Limit(n), n)
	}

	p.server = &http.Server{
		Addr:              cfg.Config.Proxy.ListenAddr(),
		Handler:           p,
		ReadTimeout:       0, // No timeout for streaming
		ReadHeaderTimeout: headerReadTimeout,
		WriteTimeout:      0,
		IdleTimeout:       keepAliveIdleTimeout,
	}

	return p, nil
}

// Serve starts the proxy server and blocks until the context is cancelled.
func (p *Engine) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return p.ServeListener(ctx, ln)
}

// ServeListener starts the proxy server using the provided listener.
// This allows the caller to manage port allocation (e.g., for fallback logic).
func (p *Engine) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		p.logger.Info("shutting down proxy")

		// Paused breakpoints must not hold connection goroutines open.
		if p.breakpoints != nil {
			p.breakpoints.ClearPending()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := p.server.Shutdown(shutdownCtx); err != nil {
			p.logger.Debug("graceful shutdown incomplete, forcing", "error", err)
		}
		p.server.Close()
		p.closeTrackedConns()
	}()

	p.logger.Info("proxy listening", "addr", ln.Addr().String(), "https_interception", p.cfg.Proxy.EnableHTTPS)
	if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		p.emitError(fmt.Sprintf("proxy server: %v", err))
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}

// ServeHTTP dispatches incoming requests: CONNECT to the tunnel/MITM path,
// everything else to the plain handler. Malformed first lines never reach
// here; the server answers them with 400 itself.
func (p *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

// trackConn registers a hijacked or upstream socket for force-close at shutdown.
func (p *Engine) trackConn(c net.Conn) {
	p.connMu.Lock()
	p.conns[c] = struct{}{}
	p.connMu.Unlock()
	metricActiveConnections.Inc()
}

func (p *Engine) untrackConn(c net.Conn) {
	p.connMu.Lock()
	_, ok := p.conns[c]
	delete(p.conns, c)
	p.connMu.Unlock()
	if ok {
		metricActiveConnections.Dec()
	}
}

func (p *Engine) closeTrackedConns() {
	p.connMu.Lock()
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.connMu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// handleHTTP handles plain HTTP requests addressed in absolute form.
func (p *Engine) handleHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	p.logger.Debug("HTTP request", "method", r.Method, "url", r.URL.String())

	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		p.handleUpgrade(w, r, startTime)
		return
	}

	// Fully buffer the request body. The full body is always forwarded;
	// only the stored copy is bounded.
	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}

	method := r.Method
	url := r.URL.String()
	reqHeaders := r.Header.Clone()
	reqHeaders.Del("Proxy-Connection")

	// Mock short-circuit: no upstream connection is opened.
	if rule := p.mockFind(method, url); rule != nil {
		p.serveMock(w, rule, startTime, method, url, r.Host, r.URL.Path, reqHeaders, reqBody)
		return
	}

	// The stored request side is always the original message as the client
	// sent it; breakpoint edits change only what the origin sees.
	storedHeaders := headersToMap(reqHeaders)
	storedBody := storedRequestBody(reqBody, p.cfg.Limits.MaxRequestBodyBytes)

	// Breakpoint, request direction.
	if p.shouldBreak(breakpoint.DirectionRequest, url) {
		resumed, err := p.pauseRequest(method, url, reqHeaders, reqBody)
		if err == breakpoint.ErrDropped {
			p.serveDropped(w, startTime, method, url, r.Host, r.URL.Path, reqHeaders, reqBody)
			return
		}
		method = resumed.Method
		reqHeaders = mapToHeaders(resumed.Headers)
		reqBody = resumed.Body
	}

	// Persist the pending row before touching the network.
	ex := &store.Exchange{
		Timestamp:      startTime,
		Method:         method,
		URL:            url,
		Host:           r.Host,
		Path:           r.URL.Path,
		RequestHeaders: storedHeaders,
		RequestBody:    storedBody,
	}
	saveCtx, cancelSave := context.WithTimeout(context.Background(), 5*time.Second)
	id, err := p.store.SaveRequest(saveCtx, ex)
	cancelSave()
	if err != nil {
		p.logger.Error("failed to save pending exchange", "error", err)
	}

	// Forward request
	outReq, err := http.NewRequestWithContext(r.Context(), method, url, bytes.NewReader(reqBody))
	if err != nil {
		p.logger.Error("failed to create request", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(outReq.Header, reqHeaders)
	removeHopByHopHeaders(outReq.Header)
	outReq.Header.Del("Proxy-Connection")

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.logger.Debug("upstream request failed", "url", url, "error", err)
		p.finalizeUpstreamError(w, ex, id, startTime, err, true)
		return
	}
	defer resp.Body.Close()

	// Breakpoint, response direction: buffer, pause, send the verdict.
	if p.shouldBreak(breakpoint.DirectionResponse, url) {
		p.serveBreakpointedResponse(r.Context(), w, ex, id, startTime, method, url, resp)
		return
	}

	// Stream the body to the client while capturing a bounded on-wire copy.
	respHeaders := resp.Header.Clone()
	removeHopByHopHeaders(respHeaders)
	copyHeaders(w.Header(), respHeaders)
	w.WriteHeader(resp.StatusCode)

	capture := newLimitedBuffer(p.cfg.Limits.MaxResponseBodyBytes)
	out := newThrottledWriter(w, p.downLimiter)
	if _, err := io.Copy(io.MultiWriter(out, capture), resp.Body); err != nil {
		p.logger.Debug("error copying response", "error", err)
	}

	p.finalizeExchange(r.Context(), ex, id, store.ResponseData{
		Status:          resp.StatusCode,
		ResponseHeaders: headersToMap(respHeaders),
		ResponseBody:    storedResponseBody(capture, resp.Header.Get("Content-Encoding"), p.cfg.Limits.MaxResponseBodyBytes),
		ContentType:     firstContentTypeToken(resp.Header.Get("Content-Type")),
		DurationMs:      time.Since(startTime).Milliseconds(),
		Size:            capture.Total(),
	})
	metricBytesProxied.WithLabelValues("http").Add(float64(capture.Total()))
}

// mockFind consults the mock engine if one is wired.
func (p *Engine) mockFind(method, url string) *store.MockRule {
	if p.mocks == nil {
		return nil
	}
	return p.mocks.Find(method, url)
}

func (p *Engine) shouldBreak(dir breakpoint.Direction, url string) bool {
	return p.breakpoints != nil && p.breakpoints.ShouldBreak(dir, url)
}

// pauseRequest hands a request to the rendezvous and returns the message to
// proceed with.
func (p *Engine) pauseRequest(method, url string, headers http.Header, body []byte) (breakpoint.Snapshot, error) {
	metricBreakpointHits.Inc()
	return p.breakpoints.Pause(breakpoint.Snapshot{
		Direction: breakpoint.DirectionRequest,
		Method:    method,
		URL:       url,
		Headers:   headersToMap(headers),
		Body:      body,
	})
}

// serveMock answers the request from the rule and records a synthetic
// exchange without opening an upstream connection.
func (p *Engine) serveMock(w http.ResponseWriter, rule *store.MockRule, startTime time.Time, method, url, host, path string, reqHeaders http.Header, reqBody []byte) {
	metricMockHits.Inc()

	if rule.DelayMs > 0 {
		time.Sleep(time.Duration(rule.DelayMs) * time.Millisecond)
	}

	status, headers, body := p.mocks.Generate(rule)
	for name, value := range headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)

	respBody := body
	ex := &store.Exchange{
		Timestamp:       startTime,
		Method:          method,
		URL:             url,
		Host:            host,
		Path:            path,
		Status:          status,
		RequestHeaders:  headersToMap(reqHeaders),
		RequestBody:     storedRequestBody(reqBody, p.cfg.Limits.MaxRequestBodyBytes),
		ResponseHeaders: headers,
		ResponseBody:    &respBody,
		ContentType:     firstContentTypeToken(headers["content-type"]),
		DurationMs:      time.Since(startTime).Milliseconds(),
		Size:            int64(len(body)),
	}
	p.saveFinal(ex)
}

// serveDropped answers a breakpoint drop with 499 and records it.
func (p *Engine) serveDropped(w http.ResponseWriter, startTime time.Time, method, url, host, path string, reqHeaders http.Header, reqBody []byte) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(droppedBody)))
	w.WriteHeader(statusClientClosedRequest)
	_, _ = io.WriteString(w, droppedBody)

	respBody := droppedBody
	ex := &store.Exchange{
		Timestamp:      startTime,
		Method:         method,
		URL:            url,
		Host:           host,
		Path:           path,
		Status:         statusClientClosedRequest,
		RequestHeaders: headersToMap(reqHeaders),
		RequestBody:    storedRequestBody(reqBody, p.cfg.Limits.MaxRequestBodyBytes),
		ResponseBody:   &respBody,
		ContentType:    "text/plain",
		DurationMs:     time.Since(startTime).Milliseconds(),
	}
	p.saveFinal(ex)
}

// serveBreakpointedResponse buffers the upstream body, pauses at the
// rendezvous, and sends whatever the verdict resolves to.
func (p *Engine) serveBreakpointedResponse(ctx context.Context, w http.ResponseWriter, ex *store.Exchange, id int64, startTime time.Time, method, url string, resp *http.Response) {
	body, _ := io.ReadAll(resp.Body)

	metricBreakpointHits.Inc()
	resumed, err := p.breakpoints.Pause(breakpoint.Snapshot{
		Direction: breakpoint.DirectionResponse,
		Method:    method,
		URL:       url,
		Headers:   headersToMap(resp.Header),
		Body:      body,
		Status:    resp.StatusCode,
	})

	status := resp.StatusCode
	respHeaders := resp.Header.Clone()
	removeHopByHopHeaders(respHeaders)

	if err == breakpoint.ErrDropped {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(statusClientClosedRequest)
		_, _ = io.WriteString(w, droppedBody)
		dropped := droppedBody
		p.finalizeExchange(ctx, ex, id, store.ResponseData{
			Status:       statusClientClosedRequest,
			ResponseBody: &dropped,
			ContentType:  "text/plain",
			DurationMs:   time.Since(startTime).Milliseconds(),
		})
		return
	}

	if resumed.Status != 0 {
		status = resumed.Status
	}
	if resumed.Headers != nil {
		respHeaders = mapToHeaders(resumed.Headers)
		removeHopByHopHeaders(respHeaders)
	}
	body = resumed.Body

	copyHeaders(w.Header(), respHeaders)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)

	capture := newLimitedBuffer(p.cfg.Limits.MaxResponseBodyBytes)
	_, _ = capture.Write(body)
	p.finalizeExchange(ctx, ex, id, store.ResponseData{
		Status:          status,
		ResponseHeaders: headersToMap(respHeaders),
		ResponseBody:    storedResponseBody(capture, respHeaders.Get("Content-Encoding"), p.cfg.Limits.MaxResponseBodyBytes),
		ContentType:     firstContentTypeToken(respHeaders.Get("Content-Type")),
		DurationMs:      time.Since(startTime).Milliseconds(),
		Size:            int64(len(body)),
	})
}

// finalizeUpstreamError records a 502 and, when headers have not been sent,
// answers the client with one.
func (p *Engine) finalizeUpstreamError(w http.ResponseWriter, ex *store.Exchange, id int64, startTime time.Time, cause error, headersUnsent bool) {
	if headersUnsent {
		http.Error(w, "Bad gateway", http.StatusBadGateway)
	}
	msg := cause.Error()
	p.finalizeExchange(context.Background(), ex, id, store.ResponseData{
		Status:       http.StatusBadGateway,
		ResponseBody: &msg,
		DurationMs:   time.Since(startTime).Milliseconds(),
	})
}

// finalizeExchange applies the response to the stored row and emits
// request:complete after the store update.
func (p *Engine) finalizeExchange(ctx context.Context, ex *store.Exchange, id int64, data store.ResponseData) {
	ex.Status = data.Status
	ex.ResponseHeaders = data.ResponseHeaders
	ex.ResponseBody = data.ResponseBody
	ex.ContentType = data.ContentType
	ex.DurationMs = data.DurationMs
	ex.Size = data.Size

	if id > 0 {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.store.UpdateResponse(updateCtx, id, data); err != nil {
			p.logger.Error("failed to finalize exchange", "id", id, "error", err)
		}
		cancel()
	}

	metricExchangesTotal.WithLabelValues(statusClass(data.Status)).Inc()
	if p.onComplete != nil {
		p.onComplete(ex)
	}
}

// saveFinal persists an exchange that is already in final state (mock and
// drop short-circuits) and emits request:complete.
func (p *Engine) saveFinal(ex *store.Exchange) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := p.store.SaveRequest(ctx, ex); err != nil {
		p.logger.Error("failed to save exchange", "error", err)
	}
	cancel()

	metricExchangesTotal.WithLabelValues(statusClass(ex.Status)).Inc()
	if p.onComplete != nil {
		p.onComplete(ex)
	}
}

// handleUpgrade splices a WebSocket upgrade without frame inspection.
// The exchange is recorded as a single WEBSOCKET row.
func (p *Engine) handleUpgrade(w http.ResponseWriter, r *http.Request, startTime time.Time) {
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	if !strings.Contains(host, ":") {
		host += ":80"
	}

	upstreamConn, err := net.DialTimeout("tcp", host, 10*time.Second)
	if err != nil {
		p.logger.Debug("websocket upstream dial failed", "host", host, "error", err)
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		p.logger.Error("hijacking not supported")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		upstreamConn.Close()
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.logger.Error("failed to hijack connection", "error", err)
		upstreamConn.Close()
		return
	}

	p.trackConn(clientConn)
	p.trackConn(upstreamConn)
	defer p.untrackConn(clientConn)
	defer p.untrackConn(upstreamConn)

	// Forward the upgrade request verbatim and relay the handshake response.
	if err := r.Write(upstreamConn); err != nil {
		clientConn.Close()
		upstreamConn.Close()
		return
	}
	upstreamReader := bufio.NewReader(upstreamConn)
	resp, err := http.ReadResponse(upstreamReader, r)
	if err != nil {
		clientConn.Close()
		upstreamConn.Close()
		return
	}
	if err := resp.Write(clientConn); err != nil {
		clientConn.Close()
		upstreamConn.Close()
		return
	}

	ex := &store.Exchange{
		Timestamp:       startTime,
		Method:          "WEBSOCKET",
		URL:             r.URL.String(),
		Host:            r.Host,
		Path:            r.URL.Path,
		Status:          resp.StatusCode,
		RequestHeaders:  headersToMap(r.Header),
		ResponseHeaders: headersToMap(resp.Header),
		DurationMs:      time.Since(startTime).Milliseconds(),
	}
	p.saveFinal(ex)

	if resp.StatusCode != http.StatusSwitchingProtocols {
		clientConn.Close()
		upstreamConn.Close()
		return
	}

	// Splice both directions; bytes already buffered from the upstream
	// handshake read belong to the stream.
	spliceConns(clientConn, upstreamConn, upstreamReader, p.logger, r.Host, p.upLimiter, p.downLimiter)
}

// spliceConns pipes two half-spliced connections until either side closes.
func spliceConns(clientConn, upstreamConn net.Conn, upstreamBuffered *bufio.Reader, logger *slog.Logger, host string, up, down *rate.Limiter) {
	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			clientConn.Close()
			upstreamConn.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(newThrottledWriter(upstreamConn, up), clientConn)
		closeAll()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(newThrottledWriter(clientConn, down), upstreamBuffered)
		closeAll()
	}()
	wg.Wait()
	logger.Debug("websocket splice closed", "host", host)
}

// SetBypassHosts replaces the never-intercept host list at runtime.
func (p *Engine) SetBypassHosts(hosts []string) {
	p.bypassMu.Lock()
	p.bypassHosts = hosts
	p.bypassMu.Unlock()
}

func (p *Engine) bypassList() []string {
	p.bypassMu.RLock()
	defer p.bypassMu.RUnlock()
	return p.bypassHosts
}

func (p *Engine) emitError(msg string) {
	if p.onError != nil {
		p.onError(msg)
	}
}

// copyHeaders copies headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

// hopByHopHeaders are headers that should not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailers",
	"Transfer-Encoding",
}

// removeHopByHopHeaders removes hop-by-hop headers from the header map.
func removeHopByHopHeaders(h http.Header) {
	// Get Connection header value before we delete it
	conn := h.Get("Connection")

	for _, header := range hopByHopHeaders {
		h.Del(header)
	}

	// Also remove headers listed in Connection header
	if conn != "" {
		for _, f := range strings.Split(conn, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
}
