package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soilwatch/erosionflow/internal/domain"
	"github.com/soilwatch/erosionflow/internal/geometry"
)

// AreaRepository resolves administrative areas (regions, districts) to
// their stored outlines. Custom areas never hit this path: their
// geometry travels with the request.
type AreaRepository interface {
	Geometry(ctx context.Context, area domain.AreaRef) (*geometry.Geometry, error)
}

type areaRepository struct {
	pool *pgxpool.Pool
}

// NewAreaRepository wraps a pgxpool with the AreaRepository interface.
func NewAreaRepository(pool *pgxpool.Pool) AreaRepository {
	return &areaRepository{pool: pool}
}

func (r *areaRepository) Geometry(ctx context.Context, area domain.AreaRef) (*geometry.Geometry, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `
		SELECT geometry
		FROM areas
		WHERE area_type = $1 AND area_id = $2
	`, string(area.Type), area.ID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.AreaNotFoundError{Area: area}
		}
		return nil, fmt.Errorf("load geometry for %s: %w", area, err)
	}

	var g geometry.Geometry
	if err := g.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("stored geometry for %s: %w", area, err)
	}
	return &g, nil
}
