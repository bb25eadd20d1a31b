package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/YardLedger/internal/models"
)

// Validator — проверки вместимости и окон доступности пути назначения.
// Координатор зовёт его перед записью в леджер и сам решает, что делать с
// найденными проблемами: блокировать или записать как предупреждения.
type Validator struct {
	svc    *Service
	tracks TrackReader
	wagons WagonReader
	now    func() time.Time
}

func NewValidator(svc *Service, tracks TrackReader, wagons WagonReader) *Validator {
	return &Validator{svc: svc, tracks: tracks, wagons: wagons, now: func() time.Time { return time.Now().UTC() }}
}

func (v *Validator) Validate(ctx context.Context, draft models.TripDraft) ([]models.ValidationIssue, error) {
	// Отправление с сети: проверять нечего.
	if draft.ToTrackID == nil {
		return nil, nil
	}

	track, err := v.tracks.GetTrack(ctx, *draft.ToTrackID)
	if err != nil {
		return nil, err
	}

	var issues []models.ValidationIssue

	if track.AvailableFrom != nil && draft.EventTime.Before(*track.AvailableFrom) {
		issues = append(issues, models.ValidationIssue{
			Code:    models.IssueRestrictionConflict,
			Message: fmt.Sprintf("track %d is closed until %s", track.ID, track.AvailableFrom.Format(time.RFC3339)),
			TrackID: track.ID,
		})
	}
	if track.AvailableTo != nil && draft.EventTime.After(*track.AvailableTo) {
		issues = append(issues, models.ValidationIssue{
			Code:    models.IssueRestrictionConflict,
			Message: fmt.Sprintf("track %d is closed after %s", track.ID, track.AvailableTo.Format(time.RFC3339)),
			TrackID: track.ID,
		})
	}

	if track.UsableLength > 0 {
		// Для будущих моментов учитываем уже запланированные трипы, чтобы
		// предупредить конфликт до подтверждения.
		mode := models.ModeExecutedOnly
		if draft.EventTime.After(v.now()) {
			mode = models.ModeIncludePlanned
		}
		occ, err := v.svc.OccupancyAt(ctx, track.ID, draft.EventTime, mode)
		if err != nil {
			return nil, err
		}

		ws, err := v.wagons.GetWagonsByIDs(ctx, draft.WagonIDs)
		if err != nil {
			return nil, err
		}

		// Вагоны состава, уже стоящие на пути назначения, заняли свою длину в
		// occ и дополнительного места не требуют.
		onDest, err := v.svc.queries.WagonsOnTrackAt(ctx, track.ID, draft.EventTime, mode)
		if err != nil {
			return nil, err
		}
		already := make(map[uint64]struct{}, len(onDest))
		for _, id := range onDest {
			already[id] = struct{}{}
		}

		var required int64
		for _, w := range ws {
			if _, ok := already[w.ID]; ok {
				continue
			}
			required += w.Length
		}

		if required > occ.AvailableLength {
			issues = append(issues, models.ValidationIssue{
				Code: models.IssueCapacityExceeded,
				Message: fmt.Sprintf("track %d: need %d, available %d of %d",
					track.ID, required, occ.AvailableLength, occ.TotalLength),
				TrackID:   track.ID,
				Required:  required,
				Available: occ.AvailableLength,
			})
		}
	}

	return issues, nil
}
