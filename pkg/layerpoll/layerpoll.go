// Package layerpoll converts the async computation lifecycle into
// incremental feedback for a presentation tier: given a layer key it
// polls the availability endpoint at a fixed interval until the overlay
// is ready, failed, or the attempt budget runs out.
package layerpoll

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultInterval is the fixed poll cadence.
	DefaultInterval = 5 * time.Second
	// DefaultMaxAttempts bounds the wait (120 × 5s ≈ 10 minutes).
	DefaultMaxAttempts = 120
)

// Request identifies one overlay to poll for. It mirrors the
// availability endpoint's request body.
type Request struct {
	AreaType     string          `json:"area_type"`
	AreaID       int64           `json:"area_id,omitempty"`
	GeometryHash string          `json:"geometry_hash,omitempty"`
	Geometry     json.RawMessage `json:"geometry,omitempty"`
	StartYear    int             `json:"start_year"`
	EndYear      int             `json:"end_year"`
	Period       string          `json:"period"`
}

// LayerKey is the composite identity one poller is registered under.
func (r Request) LayerKey() string {
	id := r.GeometryHash
	if id == "" {
		id = strconv.FormatInt(r.AreaID, 10)
	}
	return fmt.Sprintf("%s:%s:%d:%d:%s", r.AreaType, id, r.StartYear, r.EndYear, r.Period)
}

// Response is one availability answer from the server.
type Response struct {
	Status     string          `json:"status"`
	TaskID     string          `json:"task_id,omitempty"`
	TilesURL   string          `json:"tiles_url,omitempty"`
	Statistics json.RawMessage `json:"statistics,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Checker performs one availability check.
type Checker interface {
	Check(ctx context.Context, req Request) (*Response, error)
}

// EventKind is the terminal outcome of one poll registration.
type EventKind string

const (
	// EventReady: the overlay is available and can be mounted.
	EventReady EventKind = "ready"
	// EventFailed: the server reported failure; surface the error now.
	EventFailed EventKind = "failed"
	// EventTimedOut: the budget ran out without resolution. The
	// server-side task may still complete later; this is a soft
	// "taking longer than expected" signal, not a failure.
	EventTimedOut EventKind = "timed_out"
)

// Event is delivered exactly once per Watch registration.
type Event struct {
	Kind     EventKind
	Key      string
	Attempts int
	Response *Response
}

// registration is one live poller. The pointer doubles as an ownership
// token: a poller may only remove its own map entry, never one written
// by a later Watch for the same key.
type registration struct {
	cancel context.CancelFunc
}

// Watcher runs one cancellable poller per layer key.
type Watcher struct {
	checker     Checker
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]*registration
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithInterval(d time.Duration) Option { return func(w *Watcher) { w.interval = d } }
func WithMaxAttempts(n int) Option        { return func(w *Watcher) { w.maxAttempts = n } }
func WithLogger(l *slog.Logger) Option    { return func(w *Watcher) { w.logger = l } }

// New constructs a Watcher around the given Checker.
func New(checker Checker, opts ...Option) *Watcher {
	w := &Watcher{
		checker:     checker,
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		active:      make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch starts polling for req's layer key and calls onEvent exactly
// once with the terminal outcome. A Watch for a key with a poller
// already in flight cancels the old poller first: last request wins.
// The first check happens immediately; every check, including ones
// that fail at the transport level, counts against the attempt budget.
func (w *Watcher) Watch(ctx context.Context, req Request, onEvent func(Event)) {
	key := req.LayerKey()
	ctx, cancel := context.WithCancel(ctx)
	reg := &registration{cancel: cancel}

	w.mu.Lock()
	if prior, ok := w.active[key]; ok {
		prior.cancel()
	}
	w.active[key] = reg
	w.mu.Unlock()

	go w.poll(ctx, reg, key, req, onEvent)
}

// Stop cancels the poller for key, if any. Used on teardown so a
// late-resolving timer never mounts a layer no one is looking at.
func (w *Watcher) Stop(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if reg, ok := w.active[key]; ok {
		reg.cancel()
		delete(w.active, key)
	}
}

// StopAll cancels every in-flight poller.
func (w *Watcher) StopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, reg := range w.active {
		reg.cancel()
		delete(w.active, key)
	}
}

// Active reports whether a poller is registered for key.
func (w *Watcher) Active(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.active[key]
	return ok
}

func (w *Watcher) poll(ctx context.Context, reg *registration, key string, req Request, onEvent func(Event)) {
	defer w.deregister(reg, key)

	emit := func(kind EventKind, attempts int, resp *Response) {
		// Deregister before emitting so a handler that immediately
		// re-Watches the same key does not cancel itself.
		w.deregister(reg, key)
		onEvent(Event{Kind: kind, Key: key, Attempts: attempts, Response: resp})
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		resp, err := w.checker.Check(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return // cancelled or superseded
			}
			// Transient network error: keep polling, but it still
			// consumed an attempt.
			w.logger.Debug("availability check failed",
				slog.String("key", key),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		} else {
			switch resp.Status {
			case "available":
				emit(EventReady, attempt, resp)
				return
			case "failed", "error":
				emit(EventFailed, attempt, resp)
				return
			}
		}

		if attempt >= w.maxAttempts {
			emit(EventTimedOut, attempt, resp)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// deregister removes the key's registration only when this poller still
// owns it, so a finished poller never evicts a successor registered by
// a superseding Watch or by its own event handler.
func (w *Watcher) deregister(reg *registration, key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active[key] == reg {
		delete(w.active, key)
	}
}
