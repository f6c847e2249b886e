package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soilwatch/erosionflow/internal/domain"
	"github.com/soilwatch/erosionflow/internal/events"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeLister struct {
	recs []*domain.ComputationRecord
	err  error
	age  time.Duration
}

func (f *fakeLister) ListInFlightOlderThan(_ context.Context, age time.Duration, _ int) ([]*domain.ComputationRecord, error) {
	f.age = age
	return f.recs, f.err
}

type fakePoller struct {
	polled  []string
	results map[string]*domain.ComputationRecord
	errs    map[string]error
}

func (f *fakePoller) PollEngineStatus(_ context.Context, taskID string) (*domain.ComputationRecord, error) {
	f.polled = append(f.polled, taskID)
	if err, ok := f.errs[taskID]; ok {
		return nil, err
	}
	return f.results[taskID], nil
}

func staleRecord(taskID string) *domain.ComputationRecord {
	return &domain.ComputationRecord{
		ID: "rec-" + taskID,
		Key: domain.RecordKey{
			Area:      domain.AreaRef{Type: domain.AreaDistrict, ID: 12},
			StartYear: 2020, EndYear: 2020, Period: "annual",
		},
		Status:         domain.StatusProcessing,
		ExternalTaskID: taskID,
	}
}

func newReconciler(t *testing.T, lister *fakeLister, poller *fakePoller) *Reconciler {
	t.Helper()
	r, err := New(lister, poller, nil, "test-1", SweepConfig{
		StaleAfter: time.Minute,
		BatchSize:  10,
	}, discardLogger)
	require.NoError(t, err)
	// No waiting between poll retries in tests.
	r.pollRetry.BaseDelay = 0
	r.pollRetry.MaxDelay = 0
	return r
}

func TestNew_RejectsBadCron(t *testing.T) {
	_, err := New(&fakeLister{}, &fakePoller{}, nil, "test-1", SweepConfig{
		CronExpr: "not a cron",
	}, discardLogger)
	assert.Error(t, err)
}

func TestSweep_NoStaleRecords(t *testing.T) {
	lister := &fakeLister{}
	poller := &fakePoller{}
	r := newReconciler(t, lister, poller)

	require.NoError(t, r.Sweep(context.Background()))
	assert.Empty(t, poller.polled)
	assert.Equal(t, time.Minute, lister.age)
}

func TestSweep_PollsEachStaleRecord(t *testing.T) {
	recA, recB := staleRecord("ext-a"), staleRecord("ext-b")
	doneA := *recA
	doneA.Status = domain.StatusCompleted
	lister := &fakeLister{recs: []*domain.ComputationRecord{recA, recB}}
	poller := &fakePoller{results: map[string]*domain.ComputationRecord{
		"ext-a": &doneA,
		"ext-b": recB,
	}}
	r := newReconciler(t, lister, poller)

	require.NoError(t, r.Sweep(context.Background()))
	assert.Equal(t, []string{"ext-a", "ext-b"}, poller.polled)
}

func TestSweep_OneFailureDoesNotAbortBatch(t *testing.T) {
	recA, recB := staleRecord("ext-a"), staleRecord("ext-b")
	lister := &fakeLister{recs: []*domain.ComputationRecord{recA, recB}}
	poller := &fakePoller{
		results: map[string]*domain.ComputationRecord{"ext-b": recB},
		errs:    map[string]error{"ext-a": errors.New("engine unreachable")},
	}
	r := newReconciler(t, lister, poller)

	require.NoError(t, r.Sweep(context.Background()))
	// ext-a retried three times, then ext-b still polled.
	assert.Equal(t, []string{"ext-a", "ext-a", "ext-a", "ext-b"}, poller.polled)
}

func TestSweep_ListErrorSurfaces(t *testing.T) {
	lister := &fakeLister{err: errors.New("connection refused")}
	r := newReconciler(t, lister, &fakePoller{})

	err := r.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list stale records")
}

// ── notifier ─────────────────────────────────────────────────────────────────

func transitionMsg(t *testing.T, to domain.Status, errMsg string) events.Message {
	t.Helper()
	ev := events.TransitionEvent{
		RecordID: "rec-1",
		Key: domain.RecordKey{
			Area:      domain.AreaRef{Type: domain.AreaDistrict, ID: 12},
			StartYear: 2020, EndYear: 2020, Period: "annual",
		},
		TaskID: "ext-1",
		From:   domain.StatusProcessing,
		To:     to,
		Error:  errMsg,
		At:     time.Now().UTC(),
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return events.Message{Topic: events.TopicLifecycle, Value: raw}
}

func TestNotifier_FailedTransitionPostsWebhook(t *testing.T) {
	var got failureNotice
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(nil, srv.URL, discardLogger)
	require.NoError(t, n.Handle(context.Background(), transitionMsg(t, domain.StatusFailed, "raster overflow")))

	assert.Equal(t, "rec-1", got.RecordID)
	assert.Equal(t, "district:12:2020:2020:annual", got.Layer)
	assert.Equal(t, "raster overflow", got.Error)
}

func TestNotifier_CompletedTransitionIsSilent(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	n := NewNotifier(nil, srv.URL, discardLogger)
	require.NoError(t, n.Handle(context.Background(), transitionMsg(t, domain.StatusCompleted, "")))
	assert.False(t, called)
}

func TestNotifier_MalformedMessageCommitted(t *testing.T) {
	n := NewNotifier(nil, "http://localhost:1", discardLogger)
	msg := events.Message{Topic: events.TopicLifecycle, Value: []byte("{not json")}

	assert.NoError(t, n.Handle(context.Background(), msg))
}

func TestNotifier_WebhookErrorDoesNotBlockCommit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(nil, srv.URL, discardLogger)
	assert.NoError(t, n.Handle(context.Background(), transitionMsg(t, domain.StatusFailed, "x")))
}
