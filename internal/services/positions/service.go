package positions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BearBump/YardLedger/internal/cache"
	"github.com/BearBump/YardLedger/internal/models"
	"github.com/BearBump/YardLedger/internal/storage/pgyard"
	"github.com/pkg/errors"
)

type Repository interface {
	GetWagonsByIDs(ctx context.Context, ids []uint64) ([]*models.Wagon, error)
	DerivedPosition(ctx context.Context, wagonID uint64, now time.Time) (*uint64, error)
	SetWagonCurrentTrack(ctx context.Context, wagonID uint64, trackID *uint64) error
	PositionRows(ctx context.Context, now time.Time) ([]pgyard.PositionRow, error)
}

// Service — материализатор позиций. Кэш (redis + колонка current_track_id)
// существует только ради O(1) ответа "где вагон сейчас" и никогда не считается
// источником истины: Verify/Repair выводят всё заново из леджера.
type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, currentTTL: currentTTL}
}

type cachedPosition struct {
	TrackID *uint64 `json:"trackId"`
}

func currentKey(wagonID uint64) string {
	return fmt.Sprintf("wagon:%d:current", wagonID)
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.currentTTL > 0
}

// CurrentTrackOf — быстрый путь: redis, затем кэш-колонка. Исторические
// вопросы задаются timetravel-сервису, не сюда.
func (s *Service) CurrentTrackOf(ctx context.Context, wagonID uint64) (*uint64, error) {
	if wagonID == 0 {
		return nil, errors.New("wagonId is required")
	}

	if s.cacheEnabled() {
		if b, ok, err := s.cache.Get(ctx, currentKey(wagonID)); err == nil && ok {
			var p cachedPosition
			if json.Unmarshal(b, &p) == nil {
				return p.TrackID, nil
			}
		}
	}

	ws, err := s.repo.GetWagonsByIDs(ctx, []uint64{wagonID})
	if err != nil {
		return nil, err
	}
	if len(ws) != 1 {
		return nil, errors.WithStack(models.ErrWagonNotFound)
	}

	if s.cacheEnabled() {
		b, _ := json.Marshal(cachedPosition{TrackID: ws[0].CurrentTrackID})
		_ = s.cache.Set(ctx, currentKey(wagonID), b, s.currentTTL)
	}
	return ws[0].CurrentTrackID, nil
}

// Rebuild пересчитывает кэш-строку вагона из головы леджера и перезаписывает
// оба слоя кэша. Вагон без событий — "не на путях" (nil).
func (s *Service) Rebuild(ctx context.Context, wagonID uint64) error {
	derived, err := s.repo.DerivedPosition(ctx, wagonID, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := s.repo.SetWagonCurrentTrack(ctx, wagonID, derived); err != nil {
		return err
	}

	if s.cacheEnabled() {
		b, _ := json.Marshal(cachedPosition{TrackID: derived})
		if err := s.cache.Set(ctx, currentKey(wagonID), b, s.currentTTL); err != nil {
			// Лучше промах кэша, чем устаревшее значение.
			_ = s.cache.Del(ctx, currentKey(wagonID))
		}
	}
	return nil
}

// VerifyAll сравнивает кэш с леджером по всем вагонам. Ничего не мутирует —
// расхождения только возвращаются.
func (s *Service) VerifyAll(ctx context.Context) ([]models.Mismatch, error) {
	rows, err := s.repo.PositionRows(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	var out []models.Mismatch
	for _, r := range rows {
		if !trackPtrEqual(r.Cached, r.Derived) {
			out = append(out, models.Mismatch{WagonID: r.WagonID, Cached: r.Cached, Derived: r.Derived})
		}
	}
	return out, nil
}

// RepairAll чинит все найденные расхождения. Идемпотентен: повторный вызов
// сразу после успешного находит ноль расхождений.
func (s *Service) RepairAll(ctx context.Context) (int, error) {
	mismatches, err := s.VerifyAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, m := range mismatches {
		if err := s.Rebuild(ctx, m.WagonID); err != nil {
			return 0, errors.Wrapf(err, "rebuild wagon %d", m.WagonID)
		}
	}
	return len(mismatches), nil
}

func trackPtrEqual(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
