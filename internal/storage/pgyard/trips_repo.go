package pgyard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/YardLedger/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type TripCreate struct {
	Kind        string
	EventTime   time.Time
	FromTrackID *uint64
	ToTrackID   *uint64
	Planned     bool
}

// CreateTrip создаёт pending-строку трипа (committed=false). Связи и warnings
// появляются только в CommitTrip — трип и его события либо коммитятся целиком,
// либо целиком откатываются.
func (s *Storage) CreateTrip(ctx context.Context, in TripCreate) (uint64, error) {
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO trips (kind, event_time, from_track_id, to_track_id, planned, committed, created_at)
VALUES ($1,$2,$3,$4,$5, FALSE, now())
RETURNING id
`, in.Kind, in.EventTime.UTC(), in.FromTrackID, in.ToTrackID, in.Planned).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert trip")
	}
	return id, nil
}

func (s *Storage) CommitTrip(ctx context.Context, tripID uint64, wagonIDs []uint64, warnings []string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, wID := range wagonIDs {
		_, err := tx.Exec(ctx, `
INSERT INTO trip_wagons (trip_id, wagon_id) VALUES ($1,$2)
ON CONFLICT (trip_id, wagon_id) DO NOTHING
`, tripID, wID)
		if err != nil {
			return errors.Wrap(err, "insert trip wagon")
		}
	}

	var warnJSON any
	if len(warnings) > 0 {
		b, _ := json.Marshal(warnings)
		warnJSON = string(b)
	}
	ct, err := tx.Exec(ctx, `UPDATE trips SET committed = TRUE, warnings = $2 WHERE id = $1`, tripID, warnJSON)
	if err != nil {
		return errors.Wrap(err, "commit trip")
	}
	if ct.RowsAffected() == 0 {
		return errors.WithStack(models.ErrTripNotFound)
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

func (s *Storage) GetTrip(ctx context.Context, tripID uint64) (*models.Trip, error) {
	var t models.Trip
	var warnJSON *string
	err := s.db.QueryRow(ctx, `
SELECT id, kind, event_time, from_track_id, to_track_id, planned, committed, warnings, created_at
FROM trips WHERE id = $1
`, tripID).Scan(&t.ID, &t.Kind, &t.EventTime, &t.FromTrackID, &t.ToTrackID, &t.Planned, &t.Committed, &warnJSON, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.WithStack(models.ErrTripNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select trip")
	}
	if warnJSON != nil {
		_ = json.Unmarshal([]byte(*warnJSON), &t.Warnings)
	}
	return &t, nil
}

// DeletePendingTrip — компенсирующее удаление для отката координатора. Удаляет
// события трипа и сам трип, но только пока трип не закоммичен: после коммита
// леджер неприкосновенен.
func (s *Storage) DeletePendingTrip(ctx context.Context, tripID uint64) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var committed bool
	err = tx.QueryRow(ctx, `SELECT committed FROM trips WHERE id = $1 FOR UPDATE`, tripID).Scan(&committed)
	if err == pgx.ErrNoRows {
		return errors.WithStack(models.ErrTripNotFound)
	}
	if err != nil {
		return errors.Wrap(err, "select trip")
	}
	if committed {
		return errors.WithStack(models.ErrTripCommitted)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM movement_events WHERE trip_id = $1`, tripID); err != nil {
		return errors.Wrap(err, "delete trip events")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM trips WHERE id = $1`, tripID); err != nil {
		return errors.Wrap(err, "delete trip")
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

// DeleteStalePendingTrips удаляет pending-трипы, созданные раньше before,
// вместе с их событиями. Такие половинки остаются после падения координатора
// между записью событий и коммитом; их события видны запросам занятости,
// поэтому зачистка входит в цикл аудитора. SKIP LOCKED пропускает трипы,
// которые прямо сейчас откатывает сам координатор.
func (s *Storage) DeleteStalePendingTrips(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT id FROM trips
WHERE NOT committed AND created_at < $1
FOR UPDATE SKIP LOCKED
`, before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "select stale trips")
	}
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scan trip id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if rows.Err() != nil {
		return 0, errors.Wrap(rows.Err(), "rows")
	}

	for _, id := range ids {
		if _, err := tx.Exec(ctx, `DELETE FROM movement_events WHERE trip_id = $1`, id); err != nil {
			return 0, errors.Wrap(err, "delete trip events")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM trips WHERE id = $1`, id); err != nil {
			return 0, errors.Wrap(err, "delete trip")
		}
	}

	return len(ids), errors.Wrap(tx.Commit(ctx), "commit tx")
}

// DeleteTripWithCorrections удаляет закоммиченный трип и его связи, но не
// трогает историю: для каждого вагона, у которого событие этого трипа всё ещё
// голова леджера, дописывается компенсирующее correction-событие. Если вагон
// уже уехал дальше, история и так превосходит трип — ничего не дописываем.
// Возвращает вагоны трипа, чтобы вызывающая сторона перестроила их кэш.
func (s *Storage) DeleteTripWithCorrections(ctx context.Context, tripID uint64, now time.Time) ([]uint64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var committed bool
	err = tx.QueryRow(ctx, `SELECT committed FROM trips WHERE id = $1 FOR UPDATE`, tripID).Scan(&committed)
	if err == pgx.ErrNoRows {
		return nil, errors.WithStack(models.ErrTripNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select trip")
	}
	if !committed {
		return nil, errors.New("trip is pending, use DeletePendingTrip")
	}

	rows, err := tx.Query(ctx, `SELECT wagon_id FROM trip_wagons WHERE trip_id = $1`, tripID)
	if err != nil {
		return nil, errors.Wrap(err, "select trip wagons")
	}
	var wagonIDs []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan trip wagon")
		}
		wagonIDs = append(wagonIDs, id)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	for _, wID := range wagonIDs {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(wID)); err != nil {
			return nil, errors.Wrap(err, "advisory lock")
		}

		var headID uint64
		var headTrack, headPrev *uint64
		var headTrip *uint64
		err := tx.QueryRow(ctx, `
SELECT id, track_id, prev_track_id, trip_id FROM movement_events
WHERE wagon_id = $1
ORDER BY event_time DESC, id DESC
LIMIT 1
`, wID).Scan(&headID, &headTrack, &headPrev, &headTrip)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "select head event")
		}
		if headTrip == nil || *headTrip != tripID {
			continue
		}

		// Откатываем вагон туда, откуда его увёз этот трип.
		_, err = tx.Exec(ctx, `
INSERT INTO movement_events (
  wagon_id, track_id, prev_track_id, event_time, kind, trip_id, planned, created_at
)
VALUES ($1,$2,$3,$4,$5,NULL,FALSE, now())
`, wID, headPrev, headTrack, now.UTC(), models.MoveKindCorrection)
		if err != nil {
			return nil, errors.Wrap(err, "insert correction event")
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM trips WHERE id = $1`, tripID); err != nil {
		return nil, errors.Wrap(err, "delete trip")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return wagonIDs, nil
}
