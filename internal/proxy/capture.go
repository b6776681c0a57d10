package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
)

// binaryPlaceholder replaces stored bodies that are not valid UTF-8.
const binaryPlaceholder = "[Binary data]"

// limitedBuffer accumulates a bounded shadow copy of a stream while counting
// every byte offered to it. The forwarding path is never capped; only the
// stored copy is.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	total     int64 // on-wire bytes seen, including bytes past the cap
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (l *limitedBuffer) Write(p []byte) (n int, err error) {
	l.total += int64(len(p))
	if l.buf.Len() >= l.max {
		l.truncated = true
		return len(p), nil // pretend we wrote it all
	}
	remaining := l.max - l.buf.Len()
	if len(p) > remaining {
		l.truncated = true
		l.buf.Write(p[:remaining])
		return len(p), nil
	}
	l.buf.Write(p)
	return len(p), nil
}

// Bytes returns the captured (possibly truncated) copy.
func (l *limitedBuffer) Bytes() []byte { return l.buf.Bytes() }

// Total returns the on-wire byte count.
func (l *limitedBuffer) Total() int64 { return l.total }

// decodeBody decompresses data according to the Content-Encoding token.
// Decompression failure returns the original bytes untouched.
func decodeBody(data []byte, encoding string) []byte {
	encoding = strings.ToLower(encoding)
	switch {
	case strings.Contains(encoding, "gzip"):
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return data
		}
		defer gr.Close()
		decoded, err := io.ReadAll(gr)
		if err != nil {
			return data
		}
		return decoded
	case strings.Contains(encoding, "br"):
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil {
			return data
		}
		return decoded
	case strings.Contains(encoding, "deflate"):
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		decoded, err := io.ReadAll(fr)
		if err != nil {
			return data
		}
		return decoded
	default:
		return data
	}
}

// oversizePlaceholder is the stored stand-in for a body past the cap.
func oversizePlaceholder(n int64) string {
	return fmt.Sprintf("[Body too large: %d bytes]", n)
}

// storedResponseBody converts a captured on-wire copy into its stored string
// form: decompressed per encoding, placeholder-substituted past the cap, and
// coerced to UTF-8.
func storedResponseBody(capture *limitedBuffer, encoding string, maxBytes int) *string {
	if capture.Total() == 0 {
		return nil
	}
	if capture.truncated {
		s := oversizePlaceholder(capture.Total())
		return &s
	}

	decoded := decodeBody(capture.Bytes(), encoding)
	if len(decoded) > maxBytes {
		s := oversizePlaceholder(int64(len(decoded)))
		return &s
	}
	return coerceUTF8(decoded)
}

// storedRequestBody converts a fully buffered request body into its stored
// form. The full body is always forwarded; only the stored copy is bounded.
func storedRequestBody(body []byte, maxBytes int) *string {
	if len(body) == 0 {
		return nil
	}
	if len(body) > maxBytes {
		s := oversizePlaceholder(int64(len(body)))
		return &s
	}
	return coerceUTF8(body)
}

// coerceUTF8 returns the body as a string, or the binary placeholder when it
// is not valid UTF-8.
func coerceUTF8(data []byte) *string {
	if !utf8.Valid(data) {
		s := binaryPlaceholder
		return &s
	}
	s := string(data)
	return &s
}

// headersToMap flattens headers into the stored form: lowercase names,
// multi-valued headers joined by ", ".
func headersToMap(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for name, values := range h {
		m[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return m
}

// mapToHeaders rebuilds an http.Header from the stored flat form.
func mapToHeaders(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for name, value := range m {
		h.Set(name, value)
	}
	return h
}

// firstContentTypeToken returns the media type without parameters.
func firstContentTypeToken(contentType string) string {
	if i := strings.Index(contentType, ";"); i != -1 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(contentType)
}
