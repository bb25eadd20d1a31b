package pgyard

import (
	"context"
	"time"

	"github.com/BearBump/YardLedger/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type AppendInput struct {
	WagonID     uint64
	TrackID     *uint64
	PrevTrackID *uint64
	EventTime   time.Time
	Kind        string
	TripID      *uint64
	Planned     bool
}

const eventColumns = `id, wagon_id, track_id, prev_track_id, event_time, kind, trip_id, planned, created_at`

// AppendMovementEvent выполняет compare-and-append: проверка головы леджера и
// вставка атомарны относительно других append'ов того же вагона благодаря
// pg_advisory_xact_lock(wagon_id). Кэш позиций здесь не трогается — это работа
// материализатора, которого явно зовёт координатор.
func (s *Storage) AppendMovementEvent(ctx context.Context, in AppendInput) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(in.WagonID)); err != nil {
		return 0, errors.Wrap(err, "advisory lock")
	}

	var headTrack *uint64
	var headTime time.Time
	err = tx.QueryRow(ctx, `
SELECT track_id, event_time FROM movement_events
WHERE wagon_id = $1
ORDER BY event_time DESC, id DESC
LIMIT 1
`, in.WagonID).Scan(&headTrack, &headTime)
	if err != nil && err != pgx.ErrNoRows {
		return 0, errors.Wrap(err, "select head event")
	}
	// err == pgx.ErrNoRows: первое событие вагона, headTrack остаётся nil.

	if !uint64PtrEqual(headTrack, in.PrevTrackID) {
		return 0, errors.WithStack(models.ErrOrderingViolation)
	}
	// Событие старше головы встало бы в середину истории и разорвало цепочку
	// prev_track_id; новая запись только в хвост.
	if in.EventTime.UTC().Before(headTime) {
		return 0, errors.WithStack(models.ErrOrderingViolation)
	}

	var id uint64
	err = tx.QueryRow(ctx, `
INSERT INTO movement_events (
  wagon_id, track_id, prev_track_id, event_time, kind, trip_id, planned, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7, now())
RETURNING id
`, in.WagonID, in.TrackID, in.PrevTrackID, in.EventTime.UTC(), in.Kind, in.TripID, in.Planned).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert movement event")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit tx")
	}
	return id, nil
}

// HeadEvent возвращает последнее по (event_time, id) событие вагона, nil если
// событий нет.
func (s *Storage) HeadEvent(ctx context.Context, wagonID uint64) (*models.MovementEvent, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+eventColumns+`
FROM movement_events
WHERE wagon_id = $1
ORDER BY event_time DESC, id DESC
LIMIT 1
`, wagonID)

	e, err := scanEvent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select head event")
	}
	return e, nil
}

func (s *Storage) EventsForWagon(ctx context.Context, wagonID uint64) ([]*models.MovementEvent, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+eventColumns+`
FROM movement_events
WHERE wagon_id = $1
ORDER BY event_time ASC, id ASC
`, wagonID)
	if err != nil {
		return nil, errors.Wrap(err, "select wagon events")
	}
	defer rows.Close()

	return collectEvents(rows)
}

// EventsOnTrack — события, затрагивающие путь (прибытия и убытия) не позже upto.
func (s *Storage) EventsOnTrack(ctx context.Context, trackID uint64, upto time.Time) ([]*models.MovementEvent, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+eventColumns+`
FROM movement_events
WHERE (track_id = $1 OR prev_track_id = $1)
  AND event_time <= $2
ORDER BY event_time ASC, id ASC
`, trackID, upto.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "select track events")
	}
	defer rows.Close()

	return collectEvents(rows)
}

// WagonsOnTrackAt: вагон стоит на пути K в момент T тогда и только тогда, когда
// его последнее событие не позже T имеет track_id = K. Одно правило покрывает и
// прибытия, и убытия; "объединение прибывших минус убывшие" здесь намеренно не
// используется.
func (s *Storage) WagonsOnTrackAt(ctx context.Context, trackID uint64, at time.Time, includePlanned bool) ([]uint64, error) {
	rows, err := s.db.Query(ctx, `
SELECT wagon_id FROM (
  SELECT wagon_id, track_id,
         ROW_NUMBER() OVER (PARTITION BY wagon_id ORDER BY event_time DESC, id DESC) AS rn
  FROM movement_events
  WHERE event_time <= $2
    AND (NOT planned OR $3)
) latest
WHERE rn = 1 AND track_id = $1
ORDER BY wagon_id
`, trackID, at.UTC(), includePlanned)
	if err != nil {
		return nil, errors.Wrap(err, "select wagons on track")
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan wagon id")
		}
		out = append(out, id)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// DerivedPosition — позиция вагона, выведенная строго из леджера (только
// исполненные события не позже now). Источник истины для rebuild/verify.
func (s *Storage) DerivedPosition(ctx context.Context, wagonID uint64, now time.Time) (*uint64, error) {
	var trackID *uint64
	err := s.db.QueryRow(ctx, `
SELECT track_id FROM movement_events
WHERE wagon_id = $1 AND NOT planned AND event_time <= $2
ORDER BY event_time DESC, id DESC
LIMIT 1
`, wagonID, now.UTC()).Scan(&trackID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select derived position")
	}
	return trackID, nil
}

type PositionRow struct {
	WagonID uint64
	Cached  *uint64
	Derived *uint64
}

// PositionRows отдаёт кэш и выведенную из леджера позицию для всех вагонов
// одним запросом. Ничего не мутирует.
func (s *Storage) PositionRows(ctx context.Context, now time.Time) ([]PositionRow, error) {
	rows, err := s.db.Query(ctx, `
SELECT w.id, w.current_track_id, e.track_id
FROM wagons w
LEFT JOIN LATERAL (
  SELECT track_id FROM movement_events
  WHERE wagon_id = w.id AND NOT planned AND event_time <= $1
  ORDER BY event_time DESC, id DESC
  LIMIT 1
) e ON TRUE
ORDER BY w.id
`, now.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "select position rows")
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var r PositionRow
		if err := rows.Scan(&r.WagonID, &r.Cached, &r.Derived); err != nil {
			return nil, errors.Wrap(err, "scan position row")
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

type eventRow interface {
	Scan(dest ...any) error
}

func scanEvent(row eventRow) (*models.MovementEvent, error) {
	var e models.MovementEvent
	if err := row.Scan(
		&e.ID, &e.WagonID, &e.TrackID, &e.PrevTrackID,
		&e.EventTime, &e.Kind, &e.TripID, &e.Planned, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]*models.MovementEvent, error) {
	var out []*models.MovementEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
