package timetravel

import (
	"context"
	"sort"
	"time"

	"github.com/BearBump/YardLedger/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	EventsForWagon(ctx context.Context, wagonID uint64) ([]*models.MovementEvent, error)
	EventsOnTrack(ctx context.Context, trackID uint64, upto time.Time) ([]*models.MovementEvent, error)
	WagonsOnTrackAt(ctx context.Context, trackID uint64, at time.Time, includePlanned bool) ([]uint64, error)
}

// Service отвечает на point-in-time вопросы строго по леджеру, минуя кэш
// позиций. Читающий путь: без блокировок и побочных эффектов.
type Service struct {
	repo Repository
}

func New(repo Repository) *Service {
	return &Service{repo: repo}
}

func includePlanned(mode string) (bool, error) {
	switch mode {
	case "", models.ModeExecutedOnly:
		return false, nil
	case models.ModeIncludePlanned:
		return true, nil
	default:
		return false, errors.Errorf("unknown query mode %q", mode)
	}
}

// PositionAt — путь вагона в момент at: track_id последнего события с
// event_time <= at. Событий нет или результат nil — вагон вне сети.
// Последовательность событий упорядочена по (event_time, id), поэтому при
// совпадающих таймштампах побеждает порядок вставки, а не id-магия.
func (s *Service) PositionAt(ctx context.Context, wagonID uint64, at time.Time, mode string) (*uint64, error) {
	planned, err := includePlanned(mode)
	if err != nil {
		return nil, err
	}

	evs, err := s.repo.EventsForWagon(ctx, wagonID)
	if err != nil {
		return nil, err
	}
	if !planned {
		filtered := evs[:0:0]
		for _, e := range evs {
			if !e.Planned {
				filtered = append(filtered, e)
			}
		}
		evs = filtered
	}

	// Первый индекс с event_time > at; ответ — событие перед ним.
	idx := sort.Search(len(evs), func(i int) bool {
		return evs[i].EventTime.After(at)
	})
	if idx == 0 {
		return nil, nil
	}
	return evs[idx-1].TrackID, nil
}

// WagonsOnTrackAt — множество вагонов, чьё последнее событие не позже at
// указывает на этот путь. Правило одно и покрывает прибытия и убытия;
// см. оконный запрос в хранилище.
func (s *Service) WagonsOnTrackAt(ctx context.Context, trackID uint64, at time.Time, mode string) ([]uint64, error) {
	planned, err := includePlanned(mode)
	if err != nil {
		return nil, err
	}
	return s.repo.WagonsOnTrackAt(ctx, trackID, at, planned)
}

// TrackEvents — события, затрагивавшие путь (прибытия и убытия) не позже upto.
// Диагностический срез для разбора инцидентов на конкретном пути.
func (s *Service) TrackEvents(ctx context.Context, trackID uint64, upto time.Time) ([]*models.MovementEvent, error) {
	if upto.IsZero() {
		upto = time.Now().UTC()
	}
	return s.repo.EventsOnTrack(ctx, trackID, upto)
}

// History — упорядоченная история вагона для просмотра/аудита.
func (s *Service) History(ctx context.Context, wagonID uint64, limit, offset int) ([]*models.MovementEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	evs, err := s.repo.EventsForWagon(ctx, wagonID)
	if err != nil {
		return nil, err
	}
	if offset >= len(evs) {
		return []*models.MovementEvent{}, nil
	}
	end := offset + limit
	if end > len(evs) {
		end = len(evs)
	}
	return evs[offset:end], nil
}
