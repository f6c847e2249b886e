// Package reconciler sweeps in-flight computation records whose engine
// callbacks went missing and re-synchronizes them by polling the engine
// directly. A single instance holds leadership at a time; the rest idle
// until the leader's Redis key expires.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/soilwatch/erosionflow/internal/domain"
	"github.com/soilwatch/erosionflow/pkg/retry"
	"github.com/soilwatch/erosionflow/pkg/telemetry"
)

const (
	leaderKey = "erosion:reconciler:leader"
	leaderTTL = 30 * time.Second
)

// recordLister is the slice of the record repository the sweep needs.
type recordLister interface {
	ListInFlightOlderThan(ctx context.Context, age time.Duration, limit int) ([]*domain.ComputationRecord, error)
}

// statusPoller is the slice of the lifecycle manager the sweep needs.
type statusPoller interface {
	PollEngineStatus(ctx context.Context, taskID string) (*domain.ComputationRecord, error)
}

// SweepConfig controls what one sweep covers.
type SweepConfig struct {
	// CronExpr schedules sweeps; standard five-field cron syntax.
	CronExpr string
	// StaleAfter is how long a queued or processing record may sit
	// untouched before the sweep polls the engine for it.
	StaleAfter time.Duration
	// BatchSize bounds the records polled per sweep.
	BatchSize int
}

// Reconciler drives leader-elected status sweeps.
type Reconciler struct {
	records    recordLister
	poller     statusPoller
	redis      *redis.Client
	schedule   cron.Schedule
	cfg        SweepConfig
	pollRetry  retry.Config
	instanceID string
	logger     *slog.Logger
}

// New parses cfg.CronExpr and constructs a Reconciler.
func New(
	records recordLister,
	poller statusPoller,
	redisClient *redis.Client,
	instanceID string,
	cfg SweepConfig,
	logger *slog.Logger,
) (*Reconciler, error) {
	if cfg.CronExpr == "" {
		cfg.CronExpr = "* * * * *"
	}
	schedule, err := cron.ParseStandard(cfg.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep cron %q: %w", cfg.CronExpr, err)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		records:  records,
		poller:   poller,
		redis:    redisClient,
		schedule: schedule,
		cfg:      cfg,
		pollRetry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		instanceID: instanceID,
		logger:     logger,
	}, nil
}

// Run fires sweeps on the cron schedule until ctx is cancelled. Only the
// elected leader actually sweeps.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if !r.acquireOrRenewLeadership(ctx) {
				continue
			}
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// acquireOrRenewLeadership attempts SETNX; returns true if this instance is the leader.
func (r *Reconciler) acquireOrRenewLeadership(ctx context.Context) bool {
	ok, err := r.redis.SetNX(ctx, leaderKey, r.instanceID, leaderTTL).Result()
	if err != nil {
		r.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		r.logger.Info("acquired reconciler leadership", slog.String("instance_id", r.instanceID))
		return true
	}

	// Already set: renew only if we own it (atomic Lua script avoids races).
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(
		ctx, r.redis,
		[]string{leaderKey},
		r.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

// Sweep polls the engine for every stale in-flight record and applies
// the resulting transitions. One record failing to reconcile never
// aborts the rest of the batch.
func (r *Reconciler) Sweep(ctx context.Context) error {
	telemetry.ReconcilerSweeps.Inc()

	recs, err := r.records.ListInFlightOlderThan(ctx, r.cfg.StaleAfter, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale records: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}
	r.logger.Info("sweeping stale records", slog.Int("count", len(recs)))

	for _, rec := range recs {
		log := r.logger.With(
			slog.String("task_id", rec.ExternalTaskID),
			slog.String("key", rec.Key.String()),
		)

		var updated *domain.ComputationRecord
		pollCfg := r.pollRetry
		pollCfg.OnRetry = func(attempt int, err error) {
			log.Warn("status poll retry",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		}
		err := retry.Do(ctx, pollCfg, func() error {
			var perr error
			updated, perr = r.poller.PollEngineStatus(ctx, rec.ExternalTaskID)
			return perr
		})
		if err != nil {
			telemetry.ReconcilerRecordsPolled.WithLabelValues("error").Inc()
			log.Error("status poll failed", slog.String("error", err.Error()))
			continue
		}

		telemetry.ReconcilerRecordsPolled.WithLabelValues(string(updated.Status)).Inc()
		if updated.Status != rec.Status {
			log.Info("record reconciled",
				slog.String("from", string(rec.Status)),
				slog.String("to", string(updated.Status)))
		}
	}
	return nil
}
