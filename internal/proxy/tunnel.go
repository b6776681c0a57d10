package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultIdleTimeout = 60 * time.Second

// tunnel copies data bidirectionally between clientConn and upstreamConn.
// Either side closing or going idle (no reads for idleTimeout) tears down both.
// up throttles client->upstream bytes, down throttles upstream->client bytes;
// either may be nil.
func tunnel(clientConn, upstreamConn net.Conn, logger *slog.Logger, host string, up, down *rate.Limiter) {
	tunnelWithTimeout(clientConn, upstreamConn, logger, host, defaultIdleTimeout, up, down)
}

// tunnelWithTimeout is the testable core that accepts an explicit idle timeout.
func tunnelWithTimeout(clientConn, upstreamConn net.Conn, logger *slog.Logger, host string, idleTimeout time.Duration, up, down *rate.Limiter) {
	logger.Debug("tunnel established", "host", host)

	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			clientConn.Close()
			upstreamConn.Close()
			logger.Debug("tunnel closed", "host", host)
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// client -> upstream
	go func() {
		defer wg.Done()
		copyWithIdleTimeout(upstreamConn, clientConn, idleTimeout, up)
		closeAll()
	}()

	// upstream -> client
	go func() {
		defer wg.Done()
		copyWithIdleTimeout(clientConn, upstreamConn, idleTimeout, down)
		closeAll()
	}()

	wg.Wait()
}

// copyWithIdleTimeout copies from src to dst, resetting a read deadline on src
// after every successful read. If no data arrives within idleTimeout, the copy
// stops and the caller tears down both sides. A non-nil limiter paces writes.
func copyWithIdleTimeout(dst io.Writer, src net.Conn, idleTimeout time.Duration, limiter *rate.Limiter) {
	buf := make([]byte, 32*1024)
	for {
		_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if limiter != nil {
				_ = limiter.WaitN(context.Background(), n)
			}
			if _, wErr := dst.Write(buf[:n]); wErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// throttledWriter paces writes through a rate limiter.
type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
}

func newThrottledWriter(w io.Writer, limiter *rate.Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &throttledWriter{w: w, limiter: limiter}
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	// Chunk so bursts larger than the limiter's burst size still pass.
	written := 0
	for written < len(p) {
		n := len(p) - written
		if burst := t.limiter.Burst(); n > burst {
			n = burst
		}
		_ = t.limiter.WaitN(context.Background(), n)
		m, err := t.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
