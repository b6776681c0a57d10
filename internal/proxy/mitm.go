package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/gander/internal/breakpoint"
	"github.com/anthropics/gander/internal/store"
)

// clientCipherSuites is the broad, explicitly-enumerated suite list offered
// to intercepted clients: AEAD-preferred with CBC fallbacks for legacy
// mobile clients. TLS 1.3 suites are fixed by the runtime and unaffected.
var clientCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_RSA_WITH_AES_256_CBC_SHA,
}

// handleConnect routes CONNECT requests: TLS interception when enabled and
// the host is not on the bypass list, otherwise a blind tunnel.
func (p *Engine) handleConnect(w http.ResponseWriter, r *http.Request) {
	p.logger.Debug("CONNECT request", "host", r.Host)

	if p.cfg.Proxy.EnableHTTPS && !matchBypassHosts(r.Host, p.bypassList()) {
		p.handleConnectMITM(w, r)
		return
	}
	p.handleConnectPassthrough(w, r)
}

// handleConnectPassthrough tunnels the connection transparently without MITM.
// The client sees the upstream server's real TLS certificate.
func (p *Engine) handleConnectPassthrough(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if !strings.Contains(host, ":") {
		host = host + ":443"
	}

	// Dial upstream BEFORE sending 200 OK so errors can be reported properly.
	upstreamConn, err := net.DialTimeout("tcp", host, 10*time.Second)
	if err != nil {
		p.logger.Debug("passthrough: failed to connect to upstream", "host", host, "error", err)
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

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.logger.Debug("failed to write tunnel response", "error", err)
		clientConn.Close()
		upstreamConn.Close()
		return
	}

	p.trackConn(clientConn)
	p.trackConn(upstreamConn)
	go func() {
		defer p.untrackConn(clientConn)
		defer p.untrackConn(upstreamConn)
		tunnel(clientConn, upstreamConn, p.logger, r.Host, p.upLimiter, p.downLimiter)
	}()
}

// handleConnectMITM terminates the client's TLS with a minted leaf and
// re-parses the clear HTTP inside the tunnel.
func (p *Engine) handleConnectMITM(w http.ResponseWriter, r *http.Request) {
	hostOnly := r.Host
	if i := strings.LastIndex(hostOnly, ":"); i != -1 {
		hostOnly = hostOnly[:i]
	}

	// Mint the leaf up front so a factory failure is reported as 502
	// before the tunnel is established.
	leaf, err := p.certCache.GetForHost(hostOnly)
	if err != nil {
		p.logger.Error("failed to mint leaf certificate", "host", hostOnly, "error", err)
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		p.logger.Error("hijacking not supported")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.logger.Error("failed to hijack connection", "error", err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.logger.Debug("failed to write tunnel response", "error", err)
		clientConn.Close()
		return
	}

	p.trackConn(clientConn)
	defer p.untrackConn(clientConn)

	// Client-side TLS: HTTP/1.1 only, broad suite list, client picks the
	// suite, no client certs. Pinning apps abort here; that is expected.
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS10,
		MaxVersion:   tls.VersionTLS13,
		CipherSuites: clientCipherSuites,
		NextProtos:   []string{"http/1.1"},
		ClientAuth:   tls.NoClientCert,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName != "" && hello.ServerName != hostOnly {
				return p.certCache.GetForHost(hello.ServerName)
			}
			return leaf, nil
		},
	}
	tlsConn := tls.Server(clientConn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		// Resets, unsupported-protocol, unexpected-message, decryption
		// failures: all swallowed at debug.
		p.logger.Debug("TLS handshake failed", "host", r.Host, "error", err)
		clientConn.Close()
		return
	}

	p.handleTLSConnection(tlsConn, r.Host)
}

// upstreamLink lazily opens the tunnel's TLS session to the origin. Mocked
// requests never trigger the dial, so a sinkhole origin sees no connection.
type upstreamLink struct {
	proxy  *Engine
	host   string // host:port dialed
	conn   *tls.Conn
	reader *bufio.Reader
}

// connect dials the origin on first use.
func (u *upstreamLink) connect() error {
	if u.conn != nil {
		return nil
	}

	conn, err := tls.Dial("tcp", u.host, &tls.Config{
		// Origin certificates are accepted unconditionally; this is an
		// inspection tool, not a trust anchor.
		InsecureSkipVerify: true,
		NextProtos:         []string{"http/1.1"},
	})
	if err != nil {
		return err
	}

	u.proxy.trackConn(conn)
	u.conn = conn
	u.reader = bufio.NewReader(conn)
	return nil
}

func (u *upstreamLink) close() {
	if u.conn != nil {
		u.proxy.untrackConn(u.conn)
		u.conn.Close()
	}
}

// handleTLSConnection handles HTTP requests over the intercepted tunnel.
// Requests on one client connection are handled sequentially.
func (p *Engine) handleTLSConnection(clientConn *tls.Conn, connectHost string) {
	defer clientConn.Close()

	dialHost := connectHost
	if !strings.Contains(dialHost, ":") {
		dialHost = dialHost + ":443"
	}
	upstream := &upstreamLink{proxy: p, host: dialHost}
	defer upstream.close()

	clientReader := bufio.NewReader(clientConn)

	for {
		req, err := http.ReadRequest(clientReader)
		if err != nil {
			if err != io.EOF {
				p.logger.Debug("error reading request from TLS connection", "host", connectHost, "error", err)
			}
			return
		}

		// Synthesize the absolute URL; :443 is implied by the scheme.
		req.URL.Scheme = "https"
		req.URL.Host = strings.TrimSuffix(connectHost, ":443")

		if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
			p.handleTLSUpgrade(req, clientConn, clientReader, upstream)
			return
		}

		if !p.handleTLSRequest(req, clientConn, upstream) {
			return
		}
	}
}

// handleTLSRequest handles a single HTTP request inside the tunnel. It
// returns false when the connection can no longer be reused.
func (p *Engine) handleTLSRequest(r *http.Request, clientConn net.Conn, upstream *upstreamLink) bool {
	startTime := time.Now()

	method := r.Method
	url := r.URL.String()
	host := r.URL.Host

	p.logger.Debug("HTTPS request", "method", method, "url", url)

	// ReadRequest de-chunks, so chunked client bodies arrive here intact
	// and are re-framed upstream with Content-Length.
	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}

	reqHeaders := r.Header.Clone()
	reqHeaders.Del("Proxy-Connection")

	if rule := p.mockFind(method, url); rule != nil {
		metricMockHits.Inc()
		if rule.DelayMs > 0 {
			time.Sleep(time.Duration(rule.DelayMs) * time.Millisecond)
		}
		status, headers, body := p.mocks.Generate(rule)
		p.writeRawResponse(clientConn, status, headers, []byte(body))

		respBody := body
		p.saveFinal(&store.Exchange{
			Timestamp:       startTime,
			Method:          method,
			URL:             url,
			Host:            host,
			Path:            r.URL.Path,
			Status:          status,
			RequestHeaders:  headersToMap(reqHeaders),
			RequestBody:     storedRequestBody(reqBody, p.cfg.Limits.MaxRequestBodyBytes),
			ResponseHeaders: headers,
			ResponseBody:    &respBody,
			ContentType:     firstContentTypeToken(headers["content-type"]),
			DurationMs:      time.Since(startTime).Milliseconds(),
			Size:            int64(len(body)),
		})
		return true
	}

	// The stored request side is always the original message as the client
	// sent it; breakpoint edits change only what the origin sees.
	storedHeaders := headersToMap(reqHeaders)
	storedBody := storedRequestBody(reqBody, p.cfg.Limits.MaxRequestBodyBytes)

	if p.shouldBreak(breakpoint.DirectionRequest, url) {
		resumed, err := p.pauseRequest(method, url, reqHeaders, reqBody)
		if err == breakpoint.ErrDropped {
			p.writeRawResponse(clientConn, statusClientClosedRequest, map[string]string{"content-type": "text/plain"}, []byte(droppedBody))
			respBody := droppedBody
			p.saveFinal(&store.Exchange{
				Timestamp:      startTime,
				Method:         method,
				URL:            url,
				Host:           host,
				Path:           r.URL.Path,
				Status:         statusClientClosedRequest,
				RequestHeaders: headersToMap(reqHeaders),
				RequestBody:    storedRequestBody(reqBody, p.cfg.Limits.MaxRequestBodyBytes),
				ResponseBody:   &respBody,
				ContentType:    "text/plain",
				DurationMs:     time.Since(startTime).Milliseconds(),
			})
			return true
		}
		method = resumed.Method
		reqHeaders = mapToHeaders(resumed.Headers)
		reqBody = resumed.Body
	}

	ex := &store.Exchange{
		Timestamp:      startTime,
		Method:         method,
		URL:            url,
		Host:           host,
		Path:           r.URL.Path,
		RequestHeaders: storedHeaders,
		RequestBody:    storedBody,
	}
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	id, err := p.store.SaveRequest(saveCtx, ex)
	cancel()
	if err != nil {
		p.logger.Error("failed to save pending exchange", "error", err)
	}

	// Forward to upstream over the tunnel's TLS session.
	outReq, err := http.NewRequest(method, url, bytes.NewReader(reqBody))
	if err != nil {
		p.sendRawError(clientConn, http.StatusBadRequest, "Bad request")
		return false
	}
	copyHeaders(outReq.Header, reqHeaders)
	removeHopByHopHeaders(outReq.Header)
	outReq.Host = r.URL.Host

	if err := upstream.connect(); err != nil {
		p.logger.Debug("failed to connect to upstream", "host", upstream.host, "error", err)
		p.sendRawError(clientConn, http.StatusBadGateway, "Bad gateway")
		p.finalizeMITMError(ex, id, startTime, err)
		return false
	}

	if err := outReq.Write(upstream.conn); err != nil {
		p.logger.Debug("failed to write to upstream", "error", err)
		p.sendRawError(clientConn, http.StatusBadGateway, "Bad gateway")
		p.finalizeMITMError(ex, id, startTime, err)
		return false
	}

	resp, err := http.ReadResponse(upstream.reader, outReq)
	if err != nil {
		p.logger.Debug("failed to read upstream response", "error", err)
		p.sendRawError(clientConn, http.StatusBadGateway, "Bad gateway")
		p.finalizeMITMError(ex, id, startTime, err)
		return false
	}

	// Buffer the body to re-frame with Content-Length. ReadResponse
	// de-chunks but leaves Content-Encoding alone, so these are still the
	// on-wire (possibly compressed) bytes.
	capture := newLimitedBuffer(p.cfg.Limits.MaxResponseBodyBytes)
	var bodyBuf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(&bodyBuf, capture), resp.Body); err != nil {
		p.logger.Debug("error reading response body", "error", err)
	}
	resp.Body.Close()

	status := resp.StatusCode
	respHeaders := resp.Header.Clone()
	removeHopByHopHeaders(respHeaders)
	body := bodyBuf.Bytes()

	if p.shouldBreak(breakpoint.DirectionResponse, url) {
		metricBreakpointHits.Inc()
		resumed, err := p.breakpoints.Pause(breakpoint.Snapshot{
			Direction: breakpoint.DirectionResponse,
			Method:    method,
			URL:       url,
			Headers:   headersToMap(respHeaders),
			Body:      body,
			Status:    status,
		})
		if err == breakpoint.ErrDropped {
			p.writeRawResponse(clientConn, statusClientClosedRequest, map[string]string{"content-type": "text/plain"}, []byte(droppedBody))
			dropped := droppedBody
			p.finalizeExchange(context.Background(), ex, id, store.ResponseData{
				Status:       statusClientClosedRequest,
				ResponseBody: &dropped,
				ContentType:  "text/plain",
				DurationMs:   time.Since(startTime).Milliseconds(),
			})
			return true
		}
		if resumed.Status != 0 {
			status = resumed.Status
		}
		if resumed.Headers != nil {
			respHeaders = mapToHeaders(resumed.Headers)
			removeHopByHopHeaders(respHeaders)
		}
		if !bytes.Equal(resumed.Body, body) {
			body = resumed.Body
			capture = newLimitedBuffer(p.cfg.Limits.MaxResponseBodyBytes)
			_, _ = capture.Write(body)
		}
	}

	// Status line, headers with rewritten Content-Length, then the body.
	out := newThrottledWriter(clientConn, p.downLimiter)
	var responseBuf bytes.Buffer
	fmt.Fprintf(&responseBuf, "HTTP/1.1 %d %s\r\n", status, statusReason(status))
	respHeaders.Del("Content-Length")
	_ = respHeaders.Write(&responseBuf)
	fmt.Fprintf(&responseBuf, "Content-Length: %d\r\n\r\n", len(body))

	if _, err := out.Write(responseBuf.Bytes()); err != nil {
		p.logger.Debug("error writing response headers", "error", err)
		return false
	}
	if _, err := out.Write(body); err != nil {
		p.logger.Debug("error writing response body", "error", err)
		return false
	}

	p.finalizeExchange(context.Background(), ex, id, store.ResponseData{
		Status:          status,
		ResponseHeaders: headersToMap(respHeaders),
		ResponseBody:    storedResponseBody(capture, respHeaders.Get("Content-Encoding"), p.cfg.Limits.MaxResponseBodyBytes),
		ContentType:     firstContentTypeToken(respHeaders.Get("Content-Type")),
		DurationMs:      time.Since(startTime).Milliseconds(),
		Size:            capture.Total(),
	})
	metricBytesProxied.WithLabelValues("https").Add(float64(capture.Total()))
	return true
}

// handleTLSUpgrade splices a WebSocket upgrade inside the MITM tunnel.
func (p *Engine) handleTLSUpgrade(r *http.Request, clientConn *tls.Conn, clientReader *bufio.Reader, upstream *upstreamLink) {
	startTime := time.Now()

	if err := upstream.connect(); err != nil {
		p.logger.Debug("websocket upstream dial failed", "host", upstream.host, "error", err)
		p.sendRawError(clientConn, http.StatusBadGateway, "Bad gateway")
		return
	}

	outReq := r.Clone(context.Background())
	outReq.Header.Del("Proxy-Connection")
	if err := outReq.Write(upstream.conn); err != nil {
		p.logger.Debug("websocket upgrade write failed", "error", err)
		return
	}
	resp, err := http.ReadResponse(upstream.reader, outReq)
	if err != nil {
		p.logger.Debug("websocket upgrade response failed", "error", err)
		return
	}
	if err := resp.Write(clientConn); err != nil {
		return
	}

	p.saveFinal(&store.Exchange{
		Timestamp:       startTime,
		Method:          "WEBSOCKET",
		URL:             r.URL.String(),
		Host:            r.URL.Host,
		Path:            r.URL.Path,
		Status:          resp.StatusCode,
		RequestHeaders:  headersToMap(r.Header),
		ResponseHeaders: headersToMap(resp.Header),
		DurationMs:      time.Since(startTime).Milliseconds(),
	})

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return
	}

	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			clientConn.Close()
			upstream.conn.Close()
		})
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(newThrottledWriter(upstream.conn, p.upLimiter), clientReader)
		closeAll()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(newThrottledWriter(clientConn, p.downLimiter), upstream.reader)
		closeAll()
	}()
	wg.Wait()
}

// finalizeMITMError records an upstream failure as a 502.
func (p *Engine) finalizeMITMError(ex *store.Exchange, id int64, startTime time.Time, cause error) {
	msg := cause.Error()
	p.finalizeExchange(context.Background(), ex, id, store.ResponseData{
		Status:       http.StatusBadGateway,
		ResponseBody: &msg,
		DurationMs:   time.Since(startTime).Milliseconds(),
	})
}

// writeRawResponse frames a synthesized response directly onto the tunnel.
func (p *Engine) writeRawResponse(conn net.Conn, status int, headers map[string]string, body []byte) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, statusReason(status))
	for name, value := range headers {
		if strings.EqualFold(name, "Content-Length") || strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(body))
	buf.Write(body)

	if _, err := conn.Write(buf.Bytes()); err != nil {
		p.logger.Debug("error writing synthesized response", "error", err)
	}
}

// sendRawError sends a plain-text error response over a raw connection.
func (p *Engine) sendRawError(conn net.Conn, status int, message string) {
	p.writeRawResponse(conn, status, map[string]string{"Content-Type": "text/plain"}, []byte(message))
}

// statusReason returns the reason phrase for a status code, covering the
// non-standard 499 the proxy synthesizes for drops.
func statusReason(status int) string {
	if status == statusClientClosedRequest {
		return "Client Closed Request"
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "Status"
}
