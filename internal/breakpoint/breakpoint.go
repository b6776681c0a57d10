// Package breakpoint implements pause-edit-resume of in-flight messages.
package breakpoint

import (
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction identifies which leg of an exchange is paused.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// autoResumeTimeout bounds how long a paused message waits for a verdict
// before resuming with the original snapshot.
const autoResumeTimeout = 5 * time.Minute

// ErrDropped is returned from Pause when the controller drops the message.
// Callers synthesize a 499 for it; it is never a transport error.
var ErrDropped = errors.New("request dropped by user")

// Config arms the rendezvous. Mutations affect only new matches.
type Config struct {
	Enabled         bool   `json:"enabled"`
	BreakOnRequest  bool   `json:"break_on_request"`
	BreakOnResponse bool   `json:"break_on_response"`
	URLPattern      string `json:"url_pattern,omitempty"` // case-insensitive regex; empty = all
}

// Snapshot is the paused message handed to the controller.
type Snapshot struct {
	ID        string            `json:"id"`
	Direction Direction         `json:"direction"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body,omitempty"`
	Status    int               `json:"status,omitempty"` // response direction only
}

// verdict is the controller's reply for one paused message.
type verdict struct {
	snapshot *Snapshot // nil = identity resume
	dropped  bool
}

// pending pairs a snapshot with its one-shot reply slot.
type pending struct {
	snapshot Snapshot
	reply    chan verdict // buffered(1); consumed exactly once
}

// Rendezvous pauses matching messages and blocks their connection goroutine
// until a controller verdict, a drop, or the watchdog.
type Rendezvous struct {
	logger *slog.Logger

	mu      sync.Mutex
	config  Config
	pending map[string]*pending

	onHit func(Snapshot)

	patternMu  sync.Mutex
	pattern    string
	compiled   *regexp.Regexp
	patternBad bool
	badLogged  bool
}

// New creates an unarmed rendezvous.
func New(logger *slog.Logger) *Rendezvous {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rendezvous{
		logger:  logger,
		pending: make(map[string]*pending),
	}
}

// OnHit registers the callback fired when a message pauses.
func (r *Rendezvous) OnHit(fn func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onHit = fn
}

// SetConfig replaces the process-wide config. In-flight pauses are unaffected.
func (r *Rendezvous) SetConfig(cfg Config) {
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()

	r.patternMu.Lock()
	if r.pattern != cfg.URLPattern {
		r.pattern = cfg.URLPattern
		r.compiled = nil
		r.patternBad = false
		r.badLogged = false
	}
	r.patternMu.Unlock()
}

// Config returns the current config.
func (r *Rendezvous) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// ShouldBreak reports whether a message in the given direction for url
// should pause. An invalid pattern never matches.
func (r *Rendezvous) ShouldBreak(direction Direction, url string) bool {
	r.mu.Lock()
	cfg := r.config
	r.mu.Unlock()

	if !cfg.Enabled {
		return false
	}
	switch direction {
	case DirectionRequest:
		if !cfg.BreakOnRequest {
			return false
		}
	case DirectionResponse:
		if !cfg.BreakOnResponse {
			return false
		}
	default:
		return false
	}

	if cfg.URLPattern == "" {
		return true
	}
	re := r.compilePattern(cfg.URLPattern)
	return re != nil && re.MatchString(url)
}

// compilePattern caches the config pattern; an invalid one is logged once
// and treated as non-matching.
func (r *Rendezvous) compilePattern(pattern string) *regexp.Regexp {
	r.patternMu.Lock()
	defer r.patternMu.Unlock()

	if r.pattern == pattern {
		if r.compiled != nil {
			return r.compiled
		}
		if r.patternBad {
			return nil
		}
	}

	r.pattern = pattern
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		r.patternBad = true
		r.compiled = nil
		if !r.badLogged {
			r.badLogged = true
			r.logger.Warn("breakpoint pattern invalid, never matches", "pattern", pattern, "error", err)
		}
		return nil
	}
	r.patternBad = false
	r.compiled = re
	return re
}

// Pause blocks until the controller resumes or drops the message, or the
// watchdog fires. It returns the message the caller should proceed with:
// the controller's modified snapshot, or the original on identity resume
// and timeout. A drop returns ErrDropped.
func (r *Rendezvous) Pause(snap Snapshot) (Snapshot, error) {
	snap.ID = uuid.New().String()

	p := &pending{
		snapshot: snap,
		reply:    make(chan verdict, 1),
	}

	r.mu.Lock()
	r.pending[snap.ID] = p
	hit := r.onHit
	r.mu.Unlock()

	if hit != nil {
		hit(snap)
	}

	timer := time.NewTimer(autoResumeTimeout)
	defer timer.Stop()

	select {
	case v := <-p.reply:
		r.remove(snap.ID)
		if v.dropped {
			return snap, ErrDropped
		}
		if v.snapshot != nil {
			return *v.snapshot, nil
		}
		return snap, nil
	case <-timer.C:
		r.remove(snap.ID)
		r.logger.Debug("breakpoint auto-resumed", "id", snap.ID, "url", snap.URL)
		return snap, nil
	}
}

// Continue resumes a paused message, optionally with a modified snapshot.
// Unknown ids are a silent no-op.
func (r *Rendezvous) Continue(id string, modified *Snapshot) {
	r.deliver(id, verdict{snapshot: modified})
}

// Drop rejects a paused message; the caller sees ErrDropped.
// Unknown ids are a silent no-op.
func (r *Rendezvous) Drop(id string) {
	r.deliver(id, verdict{dropped: true})
}

// deliver sends a verdict to the pending reply slot if it is still present
// and unconsumed.
func (r *Rendezvous) deliver(id string, v verdict) {
	r.mu.Lock()
	p, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	select {
	case p.reply <- v:
	default:
		// Slot already consumed; late verdicts are dropped.
	}
}

// Pending lists currently paused snapshots.
func (r *Rendezvous) Pending() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.snapshot)
	}
	return out
}

// ClearPending resumes every paused message with its original snapshot.
// Used at shutdown so no connection goroutine outlives the engine.
func (r *Rendezvous) ClearPending() {
	r.mu.Lock()
	pendings := make([]*pending, 0, len(r.pending))
	for _, p := range r.pending {
		pendings = append(pendings, p)
	}
	r.mu.Unlock()

	for _, p := range pendings {
		select {
		case p.reply <- verdict{}:
		default:
		}
	}
}

func (r *Rendezvous) remove(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}
