// Package lifecycle owns the state machine governing one erosion
// computation request: absent → queued → processing → completed, with
// queued|processing → failed and failed → queued (manual retry) as the
// only back-edges.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/soilwatch/erosionflow/internal/domain"
	"github.com/soilwatch/erosionflow/internal/engine"
	"github.com/soilwatch/erosionflow/internal/events"
	"github.com/soilwatch/erosionflow/internal/geometry"
	"github.com/soilwatch/erosionflow/internal/postgres"
	"github.com/soilwatch/erosionflow/internal/rediscache"
	"github.com/soilwatch/erosionflow/pkg/telemetry"
)

// polygonSimplifyTarget is the point budget for single polygons; it
// keeps simplified output below the engine's coordinate threshold.
const polygonSimplifyTarget = 45

// Request is one computation request resolved at the API boundary.
// Custom areas carry their drawn geometry; administrative areas are
// resolved from the area repository.
type Request struct {
	Area      domain.AreaRef
	Geometry  *geometry.Geometry
	StartYear int
	EndYear   int
	Period    string
}

// Key returns the composite dedup key for the request. Custom areas
// derive their identity from the drawn geometry's content hash.
func (r *Request) Key() domain.RecordKey {
	area := r.Area
	if area.Type == domain.AreaCustom && area.Hash == "" {
		area.Hash = geometry.Hash(r.Geometry)
	}
	return domain.RecordKey{
		Area:      area,
		StartYear: r.StartYear,
		EndYear:   r.EndYear,
		Period:    r.Period,
	}
}

// Manager coordinates the persisted record store, the result cache, the
// geometry preprocessing and the external engine gateway.
type Manager struct {
	repo     postgres.RecordRepository
	areas    postgres.AreaRepository
	cache    rediscache.ResultCache
	gateway  engine.Gateway
	producer events.Producer          // nil = no event stream
	lock     rediscache.SubmitLock    // nil = duplicate-submission tolerance
	limiter  rediscache.SubmitLimiter // nil = disabled
	boundary *geometry.Geometry       // nil = no clipping
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithSubmitLock(l rediscache.SubmitLock) Option       { return func(m *Manager) { m.lock = l } }
func WithSubmitLimiter(l rediscache.SubmitLimiter) Option { return func(m *Manager) { m.limiter = l } }
func WithBoundary(b *geometry.Geometry) Option            { return func(m *Manager) { m.boundary = b } }
func WithEventStream(p events.Producer) Option            { return func(m *Manager) { m.producer = p } }
func WithLogger(l *slog.Logger) Option                    { return func(m *Manager) { m.logger = l } }

// NewManager constructs a Manager with the given dependencies and options.
func NewManager(
	repo postgres.RecordRepository,
	areas postgres.AreaRepository,
	cache rediscache.ResultCache,
	gateway engine.Gateway,
	opts ...Option,
) *Manager {
	m := &Manager{
		repo:    repo,
		areas:   areas,
		cache:   cache,
		gateway: gateway,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequestComputation looks up the record for the request key and
// decides whether to reuse, retry, or newly enqueue.
//
// A completed record is returned immediately; its validity is
// independent of the result-cache TTL. A queued or processing record is
// returned without resubmitting: the dedup invariant. Only failed or
// absent keys reach the engine. Geometry and gateway errors surface to
// the caller without mutating the persisted record: a record turns
// failed only on an engine-reported failure.
func (m *Manager) RequestComputation(ctx context.Context, req *Request) (*domain.ComputationRecord, error) {
	ctx, span := otel.Tracer("lifecycle").Start(ctx, "lifecycle.request_computation")
	defer span.End()

	key := req.Key()
	span.SetAttributes(
		attribute.String("erosion.key", key.String()),
		attribute.String("erosion.area_type", string(key.Area.Type)),
	)
	log := m.logger.With(slog.String("key", key.String()))

	rec, err := m.repo.GetByKey(ctx, key)
	if err != nil {
		var notFound *domain.RecordNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		rec = nil
	}

	if rec != nil {
		switch {
		case rec.Status == domain.StatusCompleted:
			log.Debug("reusing completed record", slog.String("record_id", rec.ID))
			return rec, nil
		case rec.Status.InFlight():
			log.Debug("computation already in flight",
				slog.String("status", string(rec.Status)),
				slog.String("task_id", rec.ExternalTaskID),
			)
			return rec, nil
		}
	}

	// Failed or absent. A cached result short-circuits the engine: the
	// caller gets a completed view without a new submission.
	if payload, err := m.cache.Get(ctx, key); err == nil {
		telemetry.APICacheLookups.WithLabelValues("hit").Inc()
		log.Info("serving computation from result cache")
		return m.completeFromCache(ctx, key, payload, rec)
	} else if !errors.Is(err, rediscache.ErrMiss) {
		// Degrade to recompute on cache backend errors; staleness is
		// silent by contract.
		log.Warn("result cache lookup failed", slog.String("error", err.Error()))
	} else {
		telemetry.APICacheLookups.WithLabelValues("miss").Inc()
	}

	geom, bbox, err := m.resolveGeometry(ctx, req, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if m.limiter != nil {
		allowed, lerr := m.limiter.Allow(ctx, string(key.Area.Type))
		if lerr != nil {
			// Allow on limiter failure so a Redis outage never blocks requests.
			log.Warn("submit limiter error", slog.String("error", lerr.Error()))
		} else if !allowed {
			telemetry.LifecycleSubmitLimited.Inc()
			return nil, &domain.SubmitLimitedError{AreaType: key.Area.Type, Limit: m.limiter.Limit()}
		}
	}

	// Single-flight: close the read-then-submit race. When the lock is
	// unavailable (Redis down) fall through and tolerate the duplicate;
	// the unique key index keeps a single surviving record.
	if m.lock != nil {
		release, lerr := m.lock.TryAcquire(ctx, key)
		if lerr != nil {
			log.Warn("submit lock unavailable, proceeding unlocked", slog.String("error", lerr.Error()))
		} else if release == nil {
			return m.recordAfterLostRace(ctx, key, log)
		} else {
			defer release()
			// The winner may have persisted between our read and the
			// lock grant.
			if cur, gerr := m.repo.GetByKey(ctx, key); gerr == nil && cur.Status.InFlight() {
				return cur, nil
			}
		}
	}

	start := time.Now()
	taskID, err := m.gateway.Submit(ctx, geom, bbox, engine.SubmitParams{
		StartYear: req.StartYear,
		EndYear:   req.EndYear,
		Period:    req.Period,
	})
	telemetry.LifecycleSubmitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.LifecycleEngineSubmits.WithLabelValues(string(key.Area.Type), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine submit failed")
		// Gateway-unreachable: surfaced without persisting failed.
		return nil, err
	}
	telemetry.LifecycleEngineSubmits.WithLabelValues(string(key.Area.Type), "ok").Inc()

	prior := domain.StatusAbsent
	if rec != nil {
		prior = rec.Status
	}
	queued, err := m.repo.UpsertQueued(ctx, key, taskID)
	if err != nil {
		return nil, err
	}
	telemetry.LifecycleTransitions.WithLabelValues(string(domain.StatusQueued)).Inc()
	m.publish(ctx, queued, prior)

	log.Info("computation queued",
		slog.String("task_id", taskID),
		slog.String("prior_status", string(prior)),
	)
	return queued, nil
}

// recordAfterLostRace re-reads the record after another request won the
// submit lock. The winner may not have persisted yet; in that window
// the caller gets a queued view without a task id and the poll loop
// picks up the real record on its next tick.
func (m *Manager) recordAfterLostRace(ctx context.Context, key domain.RecordKey, log *slog.Logger) (*domain.ComputationRecord, error) {
	if cur, err := m.repo.GetByKey(ctx, key); err == nil {
		return cur, nil
	}
	log.Debug("lost submit race before winner persisted")
	return &domain.ComputationRecord{Key: key, Status: domain.StatusQueued}, nil
}

// completeFromCache returns a completed view backed by the cached
// payload. A persisted failed record is healed to completed so the next
// lookup short-circuits without touching the cache.
func (m *Manager) completeFromCache(ctx context.Context, key domain.RecordKey, payload []byte, rec *domain.ComputationRecord) (*domain.ComputationRecord, error) {
	now := time.Now().UTC()
	if rec == nil {
		return &domain.ComputationRecord{
			Key:        key,
			Status:     domain.StatusCompleted,
			Result:     payload,
			ComputedAt: &now,
		}, nil
	}
	rec.Status = domain.StatusCompleted
	rec.Result = payload
	rec.ErrorMessage = ""
	rec.ComputedAt = &now
	if err := m.repo.ApplyTransition(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// resolveGeometry produces the sanitized geometry and bounding box for
// a request, or a typed input error. Custom geometry is clipped to the
// reference boundary first; an input entirely outside is rejected
// rather than silently submitted as an empty region.
func (m *Manager) resolveGeometry(ctx context.Context, req *Request, key domain.RecordKey) (*geometry.Geometry, geometry.Box, error) {
	var (
		geom *geometry.Geometry
		err  error
	)
	switch key.Area.Type {
	case domain.AreaCustom:
		geom = req.Geometry
		if geom == nil || geom.CoordCount() == 0 {
			return nil, geometry.Box{}, &domain.AreaNotFoundError{Area: key.Area}
		}
		if m.boundary != nil {
			geom = geometry.ClipToBoundary(geom, m.boundary)
			if geom == nil {
				return nil, geometry.Box{}, &domain.InvalidGeometryError{Reason: "area lies outside the reference boundary"}
			}
		}
	case domain.AreaRegion, domain.AreaDistrict:
		geom, err = m.areas.Geometry(ctx, key.Area)
		if err != nil {
			return nil, geometry.Box{}, err
		}
	default:
		return nil, geometry.Box{}, &domain.AreaNotFoundError{Area: key.Area}
	}

	bbox := geometry.BoundingBox(geom)
	if bbox.IsZero() {
		// The zero box is the degenerate-geometry sentinel.
		return nil, geometry.Box{}, &domain.InvalidGeometryError{Reason: "geometry has no coordinates"}
	}
	return geometry.Simplify(geom, polygonSimplifyTarget), bbox, nil
}

// HandleEngineEvent applies one engine progress notification. It is
// shared by the push-callback endpoint and the reconciler's status
// poll, and deliberately tolerates out-of-order delivery: a completed
// event for an unknown record upserts one, since completion may arrive
// before the locally queued record is visible.
func (m *Manager) HandleEngineEvent(ctx context.Context, ev *domain.EngineEvent) (*domain.ComputationRecord, error) {
	ctx, span := otel.Tracer("lifecycle").Start(ctx, "lifecycle.handle_engine_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("engine.task_id", ev.TaskID),
		attribute.String("engine.event", string(ev.Kind)),
	)
	log := m.logger.With(
		slog.String("task_id", ev.TaskID),
		slog.String("event", string(ev.Kind)),
	)

	rec, err := m.repo.GetByTaskID(ctx, ev.TaskID)
	if err != nil {
		var notFound *domain.RecordNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		rec = nil
	}

	switch ev.Kind {
	case domain.EventStarted:
		if rec == nil {
			// Never fabricate a record from a bare started signal.
			log.Info("started event for unknown task, ignoring")
			return nil, nil
		}
		if rec.Status != domain.StatusQueued {
			log.Info("ignoring started event", slog.String("status", string(rec.Status)))
			return rec, nil
		}
		prior := rec.Status
		rec.Status = domain.StatusProcessing
		if err := m.repo.ApplyTransition(ctx, rec); err != nil {
			return nil, err
		}
		telemetry.LifecycleTransitions.WithLabelValues(string(domain.StatusProcessing)).Inc()
		m.publish(ctx, rec, prior)
		return rec, nil

	case domain.EventCompleted:
		if rec == nil {
			log.Info("completed event for unknown task, upserting record")
			rec, err = m.repo.UpsertQueued(ctx, ev.Key, ev.TaskID)
			if err != nil {
				return nil, err
			}
		}
		prior := rec.Status
		now := time.Now().UTC()
		rec.Status = domain.StatusCompleted
		rec.Result = ev.Result
		rec.ErrorMessage = ""
		rec.ComputedAt = &now
		if err := m.repo.ApplyTransition(ctx, rec); err != nil {
			return nil, err
		}
		if err := m.cache.Put(ctx, rec.Key, ev.Result, rediscache.DefaultTTL); err != nil {
			// Cache write is best-effort; the record already holds the result.
			log.Warn("result cache write failed", slog.String("error", err.Error()))
		}
		telemetry.LifecycleTransitions.WithLabelValues(string(domain.StatusCompleted)).Inc()
		m.publish(ctx, rec, prior)
		log.Info("computation completed", slog.String("key", rec.Key.String()))
		return rec, nil

	case domain.EventFailed:
		if rec == nil {
			log.Info("failed event for unknown task, ignoring")
			return nil, nil
		}
		prior := rec.Status
		rec.Status = domain.StatusFailed
		rec.ErrorMessage = ev.Error
		if err := m.repo.ApplyTransition(ctx, rec); err != nil {
			return nil, err
		}
		telemetry.LifecycleTransitions.WithLabelValues(string(domain.StatusFailed)).Inc()
		m.publish(ctx, rec, prior)
		log.Warn("computation failed", slog.String("engine_error", ev.Error))
		return rec, nil
	}

	return nil, &domain.InvalidTransitionError{From: domain.StatusAbsent, Event: ev.Kind}
}

// PollEngineStatus is the fallback path when push callbacks are
// unreliable: it queries the gateway directly and applies the same
// transitions as the callback endpoint.
func (m *Manager) PollEngineStatus(ctx context.Context, taskID string) (*domain.ComputationRecord, error) {
	rec, err := m.repo.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	st, err := m.gateway.Status(ctx, taskID)
	if err != nil {
		return nil, err
	}

	ev := &domain.EngineEvent{TaskID: taskID, Key: rec.Key}
	switch st.State {
	case engine.TaskRunning:
		ev.Kind = domain.EventStarted
	case engine.TaskCompleted:
		ev.Kind = domain.EventCompleted
		ev.Result = st.Result
	case engine.TaskFailed:
		ev.Kind = domain.EventFailed
		ev.Error = st.Error
	default:
		// Still queued engine-side; nothing to apply.
		return rec, nil
	}
	return m.HandleEngineEvent(ctx, ev)
}

// publish emits a transition event to the lifecycle stream.
// Best-effort: a broker outage never blocks a state change.
func (m *Manager) publish(ctx context.Context, rec *domain.ComputationRecord, from domain.Status) {
	if m.producer == nil {
		return
	}
	ev := events.TransitionEvent{
		RecordID: rec.ID,
		Key:      rec.Key,
		TaskID:   rec.ExternalTaskID,
		From:     from,
		To:       rec.Status,
		Error:    rec.ErrorMessage,
		At:       time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("marshal transition event", slog.String("error", err.Error()))
		return
	}
	if err := m.producer.Publish(ctx, events.TopicLifecycle, rec.Key.String(), payload); err != nil {
		m.logger.Error("publish transition event",
			slog.String("key", rec.Key.String()),
			slog.String("error", err.Error()),
		)
	}
}
