package replay

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/gander/internal/store"
	"github.com/anthropics/gander/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendCapturesExchange(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("origin saw method %q", r.Method)
		}
		if r.Header.Get("X-Composed") != "yes" {
			t.Errorf("origin missing composed header")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("origin saw body %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"sent":true}`)
	}))
	defer origin.Close()

	c := New(nil, 1<<20, testLogger())
	ex, err := c.Send(context.Background(), Composed{
		Method:  "POST",
		URL:     origin.URL + "/compose",
		Headers: map[string]string{"X-Composed": "yes"},
		Body:    "payload",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if ex.Status != 200 {
		t.Errorf("status = %d", ex.Status)
	}
	if ex.ResponseBody == nil || *ex.ResponseBody != `{"sent":true}` {
		t.Errorf("response body = %v", ex.ResponseBody)
	}
	if ex.ContentType != "application/json" {
		t.Errorf("content type = %q", ex.ContentType)
	}
	if ex.RequestHeaders["x-composed"] != "yes" {
		t.Errorf("request headers not lowercased: %v", ex.RequestHeaders)
	}
	if ex.Size != int64(len(`{"sent":true}`)) {
		t.Errorf("size = %d", ex.Size)
	}
}

func TestSendIDsAvoidStoreIDSpace(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer origin.Close()

	c := New(nil, 1<<20, testLogger())

	var prev int64
	for i := 0; i < 3; i++ {
		ex, err := c.Send(context.Background(), Composed{URL: origin.URL})
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		if ex.ID <= composedIDOffset {
			t.Errorf("id %d not offset from store id space", ex.ID)
		}
		if ex.ID <= prev {
			t.Errorf("ids not monotonic: %d after %d", ex.ID, prev)
		}
		prev = ex.ID
	}
}

func TestSendInvalidURL(t *testing.T) {
	t.Parallel()

	c := New(nil, 1<<20, testLogger())
	if _, err := c.Send(context.Background(), Composed{URL: "::not-a-url"}); err == nil {
		t.Error("Send() expected error for invalid url")
	}
}

func TestSendUnreachableRecords502(t *testing.T) {
	t.Parallel()

	c := New(nil, 1<<20, testLogger())
	ex, err := c.Send(context.Background(), Composed{URL: "http://127.0.0.1:1/nope"})
	if err != nil {
		t.Fatalf("Send() error = %v; network failure should be captured, not returned", err)
	}
	if ex.Status != 502 {
		t.Errorf("status = %d, want 502", ex.Status)
	}
	if ex.ResponseBody == nil || *ex.ResponseBody == "" {
		t.Error("captured exchange should carry the error message")
	}
}

func TestReplayDoesNotModifyOriginal(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer origin.Close()

	st := testutil.NewStore(t)
	ctx := context.Background()

	reqBody := "replay me"
	original := &store.Exchange{
		Timestamp:      time.Now(),
		Method:         "POST",
		URL:            origin.URL + "/echo",
		Host:           origin.URL[len("http://"):],
		Path:           "/echo",
		RequestHeaders: map[string]string{"content-type": "text/plain"},
		RequestBody:    &reqBody,
	}
	id, err := st.SaveRequest(ctx, original)
	if err != nil {
		t.Fatalf("SaveRequest() error = %v", err)
	}
	if err := st.UpdateResponse(ctx, id, store.ResponseData{
		Status: 200, DurationMs: 1, Size: 9,
	}); err != nil {
		t.Fatalf("UpdateResponse() error = %v", err)
	}

	c := New(st, 1<<20, testLogger())
	replayed, err := c.Replay(ctx, id)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if replayed.Status != 200 {
		t.Errorf("replay status = %d", replayed.Status)
	}
	if replayed.ResponseBody == nil || *replayed.ResponseBody != reqBody {
		t.Errorf("replay echoed %v, want %q", replayed.ResponseBody, reqBody)
	}
	if replayed.ID == id {
		t.Error("replayed exchange reuses the original id")
	}

	// Original row is untouched.
	row, err := st.GetExchange(ctx, id)
	if err != nil {
		t.Fatalf("GetExchange() error = %v", err)
	}
	if row.Status != 200 || row.Size != 9 {
		t.Errorf("original row modified: %+v", row)
	}
}

func TestReplayMissingRow(t *testing.T) {
	t.Parallel()

	c := New(testutil.NewStore(t), 1<<20, testLogger())
	if _, err := c.Replay(context.Background(), 4242); err == nil {
		t.Error("Replay() expected error for missing row")
	}
}
