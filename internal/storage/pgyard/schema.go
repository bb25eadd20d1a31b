package pgyard

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS tracks (
  id BIGSERIAL PRIMARY KEY,
  node_id BIGINT NOT NULL,
  usable_length BIGINT NOT NULL DEFAULT 0,
  available_from TIMESTAMPTZ NULL,
  available_to TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracks_node_id ON tracks(node_id)`,
		`
CREATE TABLE IF NOT EXISTS wagons (
  id BIGSERIAL PRIMARY KEY,
  number TEXT NULL,
  type_code TEXT NOT NULL DEFAULT '',
  length BIGINT NOT NULL,
  current_track_id BIGINT NULL REFERENCES tracks(id),
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// Номер уникален только среди вагонов с известным путём.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_wagons_number_located
  ON wagons(number) WHERE number IS NOT NULL AND current_track_id IS NOT NULL`,
		`
CREATE TABLE IF NOT EXISTS trips (
  id BIGSERIAL PRIMARY KEY,
  kind TEXT NOT NULL,
  event_time TIMESTAMPTZ NOT NULL,
  from_track_id BIGINT NULL,
  to_track_id BIGINT NULL,
  planned BOOLEAN NOT NULL DEFAULT FALSE,
  committed BOOLEAN NOT NULL DEFAULT FALSE,
  warnings JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS trip_wagons (
  trip_id BIGINT NOT NULL REFERENCES trips(id) ON DELETE CASCADE,
  wagon_id BIGINT NOT NULL REFERENCES wagons(id),
  PRIMARY KEY (trip_id, wagon_id)
)`,
		// trip_id без FK: события переживают удаление трипа (аудит).
		`
CREATE TABLE IF NOT EXISTS movement_events (
  id BIGSERIAL PRIMARY KEY,
  wagon_id BIGINT NOT NULL REFERENCES wagons(id),
  track_id BIGINT NULL REFERENCES tracks(id),
  prev_track_id BIGINT NULL,
  event_time TIMESTAMPTZ NOT NULL,
  kind TEXT NOT NULL,
  trip_id BIGINT NULL,
  planned BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_movement_events_wagon_time ON movement_events(wagon_id, event_time, id)`,
		`CREATE INDEX IF NOT EXISTS idx_movement_events_track_time ON movement_events(track_id, event_time)`,
		`CREATE INDEX IF NOT EXISTS idx_movement_events_trip ON movement_events(trip_id)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
