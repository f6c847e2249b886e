package layerpoll_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soilwatch/erosionflow/pkg/layerpoll"
)

// scriptedChecker returns canned responses in order, repeating the last
// one when the script runs out.
type scriptedChecker struct {
	mu      sync.Mutex
	script  []layerpoll.Response
	errs    []error
	calls   int
	lastReq layerpoll.Request
}

func (c *scriptedChecker) Check(_ context.Context, req layerpoll.Request) (*layerpoll.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	c.lastReq = req
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if len(c.script) == 0 {
		return &layerpoll.Response{Status: "processing"}, nil
	}
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	resp := c.script[i]
	return &resp, nil
}

func (c *scriptedChecker) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func districtReq() layerpoll.Request {
	return layerpoll.Request{
		AreaType:  "district",
		AreaID:    12,
		StartYear: 2020,
		EndYear:   2020,
		Period:    "annual",
	}
}

func collectOne(t *testing.T, w *layerpoll.Watcher, req layerpoll.Request, timeout time.Duration) layerpoll.Event {
	t.Helper()
	events := make(chan layerpoll.Event, 4)
	w.Watch(context.Background(), req, func(ev layerpoll.Event) { events <- ev })
	select {
	case ev := <-events:
		return ev
	case <-time.After(timeout):
		t.Fatal("no event within timeout")
		return layerpoll.Event{}
	}
}

func TestWatch_ReadyOnFirstCheck(t *testing.T) {
	c := &scriptedChecker{script: []layerpoll.Response{
		{Status: "available", TilesURL: "https://tiles.example/12/2020"},
	}}
	w := layerpoll.New(c, layerpoll.WithInterval(time.Millisecond))

	ev := collectOne(t, w, districtReq(), time.Second)
	assert.Equal(t, layerpoll.EventReady, ev.Kind)
	assert.Equal(t, 1, ev.Attempts)
	require.NotNil(t, ev.Response)
	assert.Equal(t, "https://tiles.example/12/2020", ev.Response.TilesURL)
}

func TestWatch_PollsUntilAvailable(t *testing.T) {
	c := &scriptedChecker{script: []layerpoll.Response{
		{Status: "queued"},
		{Status: "processing"},
		{Status: "processing"},
		{Status: "available", TilesURL: "https://tiles.example/ready"},
	}}
	w := layerpoll.New(c, layerpoll.WithInterval(time.Millisecond))

	ev := collectOne(t, w, districtReq(), time.Second)
	assert.Equal(t, layerpoll.EventReady, ev.Kind)
	assert.Equal(t, 4, ev.Attempts)
}

func TestWatch_FailedStopsImmediately(t *testing.T) {
	c := &scriptedChecker{script: []layerpoll.Response{
		{Status: "queued"},
		{Status: "failed", Error: "engine error"},
	}}
	w := layerpoll.New(c, layerpoll.WithInterval(time.Millisecond), layerpoll.WithMaxAttempts(50))

	ev := collectOne(t, w, districtReq(), time.Second)
	assert.Equal(t, layerpoll.EventFailed, ev.Kind)
	assert.Equal(t, 2, ev.Attempts, "failure must not wait for the attempt budget")
}

func TestWatch_TimesOutAfterMaxAttempts(t *testing.T) {
	c := &scriptedChecker{} // always processing
	w := layerpoll.New(c, layerpoll.WithInterval(time.Millisecond), layerpoll.WithMaxAttempts(120))

	ev := collectOne(t, w, districtReq(), 5*time.Second)
	assert.Equal(t, layerpoll.EventTimedOut, ev.Kind)
	assert.Equal(t, 120, ev.Attempts, "timeout fires after attempt 120, not before")
	assert.Equal(t, 120, c.callCount())
}

func TestWatch_NetworkErrorsCountTowardBudget(t *testing.T) {
	c := &scriptedChecker{errs: []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
	}}
	w := layerpoll.New(c, layerpoll.WithInterval(time.Millisecond), layerpoll.WithMaxAttempts(4))

	ev := collectOne(t, w, districtReq(), time.Second)
	assert.Equal(t, layerpoll.EventTimedOut, ev.Kind)
	assert.Equal(t, 4, ev.Attempts, "transient errors are swallowed but still consume attempts")
}

func TestWatch_LastRequestWinsPerKey(t *testing.T) {
	c := &scriptedChecker{} // never resolves
	w := layerpoll.New(c, layerpoll.WithInterval(10*time.Millisecond), layerpoll.WithMaxAttempts(1000))

	var firstEvents int32
	var mu sync.Mutex
	w.Watch(context.Background(), districtReq(), func(layerpoll.Event) {
		mu.Lock()
		firstEvents++
		mu.Unlock()
	})

	// Superseding watch for the same key cancels the first poller.
	done := make(chan layerpoll.Event, 1)
	c2 := districtReq()
	w.Watch(context.Background(), c2, func(ev layerpoll.Event) { done <- ev })

	assert.True(t, w.Active(c2.LayerKey()))
	w.StopAll()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, firstEvents, "superseded poller must not emit")
	mu.Unlock()
	assert.Empty(t, done, "stopped poller must not emit")
	assert.False(t, w.Active(c2.LayerKey()))
}

func TestWatch_RewatchFromHandlerKeepsRegistration(t *testing.T) {
	// First check resolves; the second poller started from inside the
	// Ready handler never does.
	c := &scriptedChecker{script: []layerpoll.Response{
		{Status: "available"},
		{Status: "processing"},
	}}
	w := layerpoll.New(c, layerpoll.WithInterval(time.Millisecond), layerpoll.WithMaxAttempts(100000))

	req := districtReq()
	ready := make(chan struct{})
	w.Watch(context.Background(), req, func(ev layerpoll.Event) {
		if ev.Kind == layerpoll.EventReady {
			w.Watch(context.Background(), req, func(layerpoll.Event) {})
			close(ready)
		}
	})
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("first poller never resolved")
	}

	// Let the first poller's deferred cleanup run; it must not evict
	// the handler's re-registration.
	time.Sleep(20 * time.Millisecond)
	assert.True(t, w.Active(req.LayerKey()), "re-watched poller lost its registration")

	// Stop must reach the second poller: no further checks afterwards.
	w.Stop(req.LayerKey())
	assert.False(t, w.Active(req.LayerKey()))
	time.Sleep(20 * time.Millisecond)
	calls := c.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, c.callCount(), "poller kept polling after Stop")
}

func TestWatch_StopClearsRegistration(t *testing.T) {
	c := &scriptedChecker{}
	w := layerpoll.New(c, layerpoll.WithInterval(time.Hour)) // never ticks

	req := districtReq()
	w.Watch(context.Background(), req, func(layerpoll.Event) {
		t.Error("stopped poller must not emit")
	})
	// Give the first check a moment, then tear down.
	time.Sleep(10 * time.Millisecond)
	w.Stop(req.LayerKey())
	assert.False(t, w.Active(req.LayerKey()))
}

func TestLayerKey_CustomAreasUseHash(t *testing.T) {
	r := layerpoll.Request{AreaType: "custom", GeometryHash: "abc123", StartYear: 2018, EndYear: 2022, Period: "range"}
	assert.Equal(t, "custom:abc123:2018:2022:range", r.LayerKey())

	d := districtReq()
	assert.Equal(t, "district:12:2020:2020:annual", d.LayerKey())
}

func TestHTTPChecker_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/erosion/availability", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"available","tiles_url":"https://tiles.example/x"}`))
	}))
	defer srv.Close()

	c := layerpoll.NewHTTPChecker(srv.URL)
	resp, err := c.Check(context.Background(), districtReq())
	require.NoError(t, err)
	assert.Equal(t, "available", resp.Status)
	assert.Equal(t, "https://tiles.example/x", resp.TilesURL)
}

func TestHTTPChecker_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := layerpoll.NewHTTPChecker(srv.URL)
	_, err := c.Check(context.Background(), districtReq())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
