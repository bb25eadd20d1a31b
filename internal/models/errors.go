package models

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrOrderingViolation: prev_track_id нового события не совпадает с головой
	// леджера. Признак гонки или бага вызывающей стороны; не ретраится молча.
	ErrOrderingViolation = errors.New("ordering violation: previous track does not match ledger head")

	// ErrWagonBusy: вагон уже участвует в другой незакоммиченной транзакции.
	ErrWagonBusy = errors.New("wagon busy: another move in progress")

	// ErrTripCommitted: компенсирующее удаление разрешено только до коммита.
	ErrTripCommitted = errors.New("trip already committed")

	// ErrInvalidDraft: заявка отклонена ещё до блокировок и валидации.
	ErrInvalidDraft = errors.New("invalid move draft")

	ErrTripNotFound  = errors.New("trip not found")
	ErrTrackNotFound = errors.New("track not found")
	ErrWagonNotFound = errors.New("wagon not found")
)

// Коды бизнес-ошибок внешнего валидатора.
const (
	IssueCapacityExceeded    = "CAPACITY_EXCEEDED"
	IssueRestrictionConflict = "RESTRICTION_CONFLICT"
)

// ValidationIssue несёт структурированную деталь, достаточную для решения об
// override (путь, требуемая и доступная длина).
type ValidationIssue struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	TrackID   uint64 `json:"trackId,omitempty"`
	Required  int64  `json:"required,omitempty"`
	Available int64  `json:"available,omitempty"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", i.Code, i.Message)
}

type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		parts = append(parts, i.String())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
