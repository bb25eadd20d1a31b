package pgyard

import (
	"context"

	"github.com/BearBump/YardLedger/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// Топология (пути) — справочные данные. Леджер их читает, но никогда не меняет;
// Create* существуют для начальной загрузки и тестов.

func (s *Storage) CreateTrack(ctx context.Context, in models.TrackCreateInput) (*models.Track, error) {
	var t models.Track
	err := s.db.QueryRow(ctx, `
INSERT INTO tracks (node_id, usable_length, available_from, available_to, created_at)
VALUES ($1,$2,$3,$4, now())
RETURNING id, node_id, usable_length, available_from, available_to, created_at
`, in.NodeID, in.UsableLength, in.AvailableFrom, in.AvailableTo).Scan(
		&t.ID, &t.NodeID, &t.UsableLength, &t.AvailableFrom, &t.AvailableTo, &t.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert track")
	}
	return &t, nil
}

func (s *Storage) GetTrack(ctx context.Context, trackID uint64) (*models.Track, error) {
	var t models.Track
	err := s.db.QueryRow(ctx, `
SELECT id, node_id, usable_length, available_from, available_to, created_at
FROM tracks WHERE id = $1
`, trackID).Scan(&t.ID, &t.NodeID, &t.UsableLength, &t.AvailableFrom, &t.AvailableTo, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.WithStack(models.ErrTrackNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select track")
	}
	return &t, nil
}

func (s *Storage) CreateWagon(ctx context.Context, in models.WagonCreateInput) (*models.Wagon, error) {
	var w models.Wagon
	err := s.db.QueryRow(ctx, `
INSERT INTO wagons (number, type_code, length, created_at, updated_at)
VALUES ($1,$2,$3, now(), now())
RETURNING id, number, type_code, length, current_track_id, created_at, updated_at
`, in.Number, in.TypeCode, in.Length).Scan(
		&w.ID, &w.Number, &w.TypeCode, &w.Length, &w.CurrentTrackID, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert wagon")
	}
	return &w, nil
}

func (s *Storage) GetWagonsByIDs(ctx context.Context, ids []uint64) ([]*models.Wagon, error) {
	if len(ids) == 0 {
		return []*models.Wagon{}, nil
	}

	rows, err := s.db.Query(ctx, `
SELECT id, number, type_code, length, current_track_id, created_at, updated_at
FROM wagons
WHERE id = ANY($1)
`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select wagons")
	}
	defer rows.Close()

	out := make([]*models.Wagon, 0, len(ids))
	for rows.Next() {
		var w models.Wagon
		if err := rows.Scan(&w.ID, &w.Number, &w.TypeCode, &w.Length, &w.CurrentTrackID, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan wagon")
		}
		out = append(out, &w)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// SetWagonCurrentTrack перезаписывает кэш-колонку current_track_id. Вызывается
// только материализатором.
func (s *Storage) SetWagonCurrentTrack(ctx context.Context, wagonID uint64, trackID *uint64) error {
	ct, err := s.db.Exec(ctx, `
UPDATE wagons SET current_track_id = $2, updated_at = now() WHERE id = $1
`, wagonID, trackID)
	if err != nil {
		return errors.Wrap(err, "update wagon current track")
	}
	if ct.RowsAffected() == 0 {
		return errors.WithStack(models.ErrWagonNotFound)
	}
	return nil
}
