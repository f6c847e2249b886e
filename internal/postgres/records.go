package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soilwatch/erosionflow/internal/domain"
)

// RecordRepository abstracts all database access for computation records.
// The computation_records table is the single source of truth for the
// task lifecycle; a unique index on the composite key enforces the
// at-most-one-record-per-key invariant even when two submissions race.
type RecordRepository interface {
	GetByKey(ctx context.Context, key domain.RecordKey) (*domain.ComputationRecord, error)
	GetByTaskID(ctx context.Context, taskID string) (*domain.ComputationRecord, error)
	UpsertQueued(ctx context.Context, key domain.RecordKey, taskID string) (*domain.ComputationRecord, error)
	ApplyTransition(ctx context.Context, rec *domain.ComputationRecord) error
	ListInFlightOlderThan(ctx context.Context, age time.Duration, limit int) ([]*domain.ComputationRecord, error)
	DeleteAll(ctx context.Context) (int64, error)
}

type recordRepository struct {
	pool *pgxpool.Pool
}

// NewRecordRepository wraps a pgxpool with the RecordRepository interface.
func NewRecordRepository(pool *pgxpool.Pool) RecordRepository {
	return &recordRepository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const recordColumns = `
	id, area_type, area_id, geometry_hash, start_year, end_year, period,
	status, external_task_id, result, error_message,
	computed_at, created_at, updated_at`

func (r *recordRepository) GetByKey(ctx context.Context, key domain.RecordKey) (*domain.ComputationRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM computation_records
		WHERE area_type = $1 AND area_id = $2 AND geometry_hash = $3
		  AND start_year = $4 AND end_year = $5 AND period = $6
	`, key.Area.Type, key.Area.ID, key.Area.Hash, key.StartYear, key.EndYear, key.Period)

	rec, err := scanRecord(row)
	if err != nil {
		var notFound *domain.RecordNotFoundError
		if errors.As(err, &notFound) {
			return nil, &domain.RecordNotFoundError{Key: key}
		}
		return nil, err
	}
	return rec, nil
}

func (r *recordRepository) GetByTaskID(ctx context.Context, taskID string) (*domain.ComputationRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM computation_records
		WHERE external_task_id = $1
	`, taskID)

	rec, err := scanRecord(row)
	if err != nil {
		var notFound *domain.RecordNotFoundError
		if errors.As(err, &notFound) {
			return nil, &domain.RecordNotFoundError{TaskID: taskID}
		}
		return nil, err
	}
	return rec, nil
}

// UpsertQueued creates or re-queues the record for key. A prior failed
// record re-enters queued with its error message cleared; a concurrent
// insert for the same key collapses onto the single surviving row.
func (r *recordRepository) UpsertQueued(ctx context.Context, key domain.RecordKey, taskID string) (*domain.ComputationRecord, error) {
	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO computation_records
			(id, area_type, area_id, geometry_hash, start_year, end_year, period,
			 status, external_task_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (area_type, area_id, geometry_hash, start_year, end_year, period)
		DO UPDATE SET
			status = EXCLUDED.status,
			external_task_id = EXCLUDED.external_task_id,
			error_message = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING `+recordColumns+`
	`,
		uuid.New().String(), key.Area.Type, key.Area.ID, key.Area.Hash,
		key.StartYear, key.EndYear, key.Period,
		string(domain.StatusQueued), taskID, now,
	)

	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("upsert queued record %s: %w", key, err)
	}
	return rec, nil
}

// ApplyTransition persists the mutated status, result, error message and
// computed_at of rec. Used by the engine-event path; the record must
// already exist.
func (r *recordRepository) ApplyTransition(ctx context.Context, rec *domain.ComputationRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE computation_records
		SET status = $1, result = $2, error_message = NULLIF($3, ''),
		    computed_at = $4, external_task_id = $5, updated_at = $6
		WHERE id = $7
	`,
		string(rec.Status), []byte(rec.Result), rec.ErrorMessage,
		rec.ComputedAt, rec.ExternalTaskID, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("apply transition for record %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.RecordNotFoundError{Key: rec.Key}
	}
	return nil
}

// ListInFlightOlderThan returns queued/processing records whose last
// update is older than age; the reconciler sweeps these against the
// engine's status endpoint.
func (r *recordRepository) ListInFlightOlderThan(ctx context.Context, age time.Duration, limit int) ([]*domain.ComputationRecord, error) {
	cutoff := time.Now().UTC().Add(-age)
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM computation_records
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4
	`, string(domain.StatusQueued), string(domain.StatusProcessing), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list in-flight records: %w", err)
	}
	defer rows.Close()

	var recs []*domain.ComputationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteAll is the operator cache-clear path: it drops every record
// unconditionally and returns the number removed.
func (r *recordRepository) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM computation_records`)
	if err != nil {
		return 0, fmt.Errorf("delete computation records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanRecord reads a record row from any pgx row type.
func scanRecord(row interface {
	Scan(...any) error
}) (*domain.ComputationRecord, error) {
	var (
		rec       domain.ComputationRecord
		statusStr string
		areaType  string
		taskID    *string
		result    []byte
		errMsg    *string
	)
	err := row.Scan(
		&rec.ID, &areaType, &rec.Key.Area.ID, &rec.Key.Area.Hash,
		&rec.Key.StartYear, &rec.Key.EndYear, &rec.Key.Period,
		&statusStr, &taskID, &result, &errMsg,
		&rec.ComputedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.RecordNotFoundError{}
		}
		return nil, fmt.Errorf("scan computation record: %w", err)
	}
	rec.Key.Area.Type = domain.AreaType(areaType)
	rec.Status = domain.Status(statusStr)
	if taskID != nil {
		rec.ExternalTaskID = *taskID
	}
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	if errMsg != nil {
		rec.ErrorMessage = *errMsg
	}
	return &rec, nil
}
