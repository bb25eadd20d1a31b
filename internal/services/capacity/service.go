package capacity

import (
	"context"
	"time"

	"github.com/BearBump/YardLedger/internal/models"
	"github.com/pkg/errors"
)

type TrackReader interface {
	GetTrack(ctx context.Context, trackID uint64) (*models.Track, error)
}

type WagonReader interface {
	GetWagonsByIDs(ctx context.Context, ids []uint64) ([]*models.Wagon, error)
}

type PositionQuerier interface {
	WagonsOnTrackAt(ctx context.Context, trackID uint64, at time.Time, mode string) ([]uint64, error)
}

// Service считает занятость путей поверх timetravel-запросов и топологии.
// Чистое чтение, без побочных эффектов.
type Service struct {
	tracks  TrackReader
	wagons  WagonReader
	queries PositionQuerier
}

func New(tracks TrackReader, wagons WagonReader, queries PositionQuerier) *Service {
	return &Service{tracks: tracks, wagons: wagons, queries: queries}
}

// OccupancyAt — занятость пути в момент at. mode=planned дополнительно
// учитывает плановые события с event_time <= at; имеет смысл только для
// будущих моментов (прогноз перед подтверждением планового трипа).
// UsableLength = 0 трактуется как неограниченная вместимость: Unbounded=true,
// AvailableLength в ответе не значим.
func (s *Service) OccupancyAt(ctx context.Context, trackID uint64, at time.Time, mode string) (*models.Occupancy, error) {
	track, err := s.tracks.GetTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}

	ids, err := s.queries.WagonsOnTrackAt(ctx, trackID, at, mode)
	if err != nil {
		return nil, err
	}
	ws, err := s.wagons.GetWagonsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(ws) != len(ids) {
		return nil, errors.Errorf("track %d: ledger references %d wagons, found %d", trackID, len(ids), len(ws))
	}

	var occupied int64
	for _, w := range ws {
		occupied += w.Length
	}

	occ := &models.Occupancy{
		TrackID:        trackID,
		TotalLength:    track.UsableLength,
		OccupiedLength: occupied,
		WagonCount:     len(ws),
	}
	if track.UsableLength == 0 {
		occ.Unbounded = true
		return occ, nil
	}

	occ.AvailableLength = track.UsableLength - occupied
	if occ.AvailableLength < 0 {
		occ.AvailableLength = 0
	}
	return occ, nil
}
