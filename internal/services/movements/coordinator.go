package movements

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/YardLedger/internal/broker/messages"
	"github.com/BearBump/YardLedger/internal/models"
	"github.com/BearBump/YardLedger/internal/storage/pgyard"
	"github.com/pkg/errors"
)

type Repository interface {
	CreateTrip(ctx context.Context, in pgyard.TripCreate) (uint64, error)
	CommitTrip(ctx context.Context, tripID uint64, wagonIDs []uint64, warnings []string) error
	DeletePendingTrip(ctx context.Context, tripID uint64) error
	DeleteTripWithCorrections(ctx context.Context, tripID uint64, now time.Time) ([]uint64, error)
	GetTrip(ctx context.Context, tripID uint64) (*models.Trip, error)
	HeadEvent(ctx context.Context, wagonID uint64) (*models.MovementEvent, error)
	AppendMovementEvent(ctx context.Context, in pgyard.AppendInput) (uint64, error)
}

// Rebuilder перестраивает кэш позиции вагона из леджера.
type Rebuilder interface {
	Rebuild(ctx context.Context, wagonID uint64) error
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Validator interface {
	Validate(ctx context.Context, draft models.TripDraft) ([]models.ValidationIssue, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Coordinator проводит перемещение как транзакцию: блокировки вагонов,
// валидация, запись в леджер, обновление кэша, коммит. Любой сбой до коммита
// компенсируется удалением pending-трипа и его событий; после коммита трип
// неделим и леджер неприкосновенен.
//
// Плановое событие, став головой леджера вагона, фиксирует его будущий путь:
// исполняющее перемещение подаётся от планового назначения и не раньше
// планового времени. Отменить план можно только через DeleteTrip с повторной
// подачей.
type Coordinator struct {
	repo      Repository
	rebuilder Rebuilder
	locker    Locker
	validator Validator
	producer  Producer

	topic   string
	lockTTL time.Duration

	totalSubmitted  atomic.Int64
	totalCommitted  atomic.Int64
	totalRolledBack atomic.Int64
	totalBusy       atomic.Int64
	inFlight        atomic.Int64
	lastErrorMu     sync.Mutex
	lastError       string
}

func New(repo Repository, rebuilder Rebuilder, locker Locker, validator Validator) *Coordinator {
	return &Coordinator{
		repo:      repo,
		rebuilder: rebuilder,
		locker:    locker,
		validator: validator,
		lockTTL:   30 * time.Second,
	}
}

// WithProducer включает публикацию TripCommitted в kafka (best-effort).
func (c *Coordinator) WithProducer(p Producer, topic string) *Coordinator {
	c.producer = p
	c.topic = topic
	return c
}

func (c *Coordinator) WithLockTTL(ttl time.Duration) *Coordinator {
	if ttl > 0 {
		c.lockTTL = ttl
	}
	return c
}

type Stats struct {
	TotalSubmitted  int64  `json:"totalSubmitted"`
	TotalCommitted  int64  `json:"totalCommitted"`
	TotalRolledBack int64  `json:"totalRolledBack"`
	TotalBusy       int64  `json:"totalBusy"`
	InFlight        int64  `json:"inFlight"`
	LastError       string `json:"lastError,omitempty"`
}

func (c *Coordinator) Stats() Stats {
	st := Stats{
		TotalSubmitted:  c.totalSubmitted.Load(),
		TotalCommitted:  c.totalCommitted.Load(),
		TotalRolledBack: c.totalRolledBack.Load(),
		TotalBusy:       c.totalBusy.Load(),
		InFlight:        c.inFlight.Load(),
	}
	c.lastErrorMu.Lock()
	st.LastError = c.lastError
	c.lastErrorMu.Unlock()
	return st
}

func (c *Coordinator) noteError(err error) {
	c.lastErrorMu.Lock()
	c.lastError = err.Error()
	c.lastErrorMu.Unlock()
}

func lockKey(wagonID uint64) string {
	return fmt.Sprintf("move:wagon:%d", wagonID)
}

func uint64PtrEqual(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func checkDraft(draft models.TripDraft) error {
	if len(draft.WagonIDs) == 0 {
		return errors.Wrap(models.ErrInvalidDraft, "empty wagon list")
	}
	seen := make(map[uint64]struct{}, len(draft.WagonIDs))
	for _, id := range draft.WagonIDs {
		if id == 0 {
			return errors.Wrap(models.ErrInvalidDraft, "wagon id must be positive")
		}
		if _, dup := seen[id]; dup {
			return errors.Wrapf(models.ErrInvalidDraft, "wagon %d listed twice", id)
		}
		seen[id] = struct{}{}
	}
	if draft.EventTime.IsZero() {
		return errors.Wrap(models.ErrInvalidDraft, "event time is required")
	}
	switch draft.Kind {
	case models.MoveKindDelivery:
		if draft.ToTrackID == nil {
			return errors.Wrap(models.ErrInvalidDraft, "delivery move requires destination track")
		}
	case models.MoveKindInternal:
		if draft.FromTrackID == nil || draft.ToTrackID == nil {
			return errors.Wrap(models.ErrInvalidDraft, "internal move requires source and destination tracks")
		}
	case models.MoveKindDeparture:
		if draft.FromTrackID == nil {
			return errors.Wrap(models.ErrInvalidDraft, "departure move requires source track")
		}
		if draft.ToTrackID != nil {
			return errors.Wrap(models.ErrInvalidDraft, "departure move must not have destination track")
		}
	default:
		return errors.Wrapf(models.ErrInvalidDraft, "unknown move kind %q", draft.Kind)
	}
	return nil
}

// SubmitMove — единственный путь записи в леджер. Возвращает закоммиченный
// трип либо ошибку; частично применённых перемещений не бывает.
func (c *Coordinator) SubmitMove(ctx context.Context, draft models.TripDraft) (*models.Trip, error) {
	c.totalSubmitted.Add(1)
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	trip, err := c.submit(ctx, draft)
	if err != nil {
		c.noteError(err)
		return nil, err
	}
	c.totalCommitted.Add(1)
	return trip, nil
}

func (c *Coordinator) submit(ctx context.Context, draft models.TripDraft) (*models.Trip, error) {
	if err := checkDraft(draft); err != nil {
		return nil, err
	}
	draft.EventTime = draft.EventTime.UTC()

	// Блокировки берём в порядке возрастания id, чтобы два встречных
	// перемещения с пересекающимися составами не взяли их крест-накрест.
	ids := append([]uint64(nil), draft.WagonIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tokens := make(map[uint64]string, len(ids))
	defer func() {
		// Блокировки снимаем даже если клиент уже отменил контекст.
		rctx := context.WithoutCancel(ctx)
		for id, token := range tokens {
			if err := c.locker.Release(rctx, lockKey(id), token); err != nil {
				slog.Warn("release wagon lock", "wagon_id", id, "error", err.Error())
			}
		}
	}()
	for _, id := range ids {
		token, ok, err := c.locker.Acquire(ctx, lockKey(id), c.lockTTL)
		if err != nil {
			return nil, errors.Wrapf(err, "acquire lock for wagon %d", id)
		}
		if !ok {
			c.totalBusy.Add(1)
			return nil, errors.Wrapf(models.ErrWagonBusy, "wagon %d", id)
		}
		tokens[id] = token
	}

	issues, err := c.validator.Validate(ctx, draft)
	if err != nil {
		return nil, errors.Wrap(err, "validate move")
	}
	var warnings []string
	if len(issues) > 0 {
		if !draft.Override {
			return nil, &models.ValidationError{Issues: issues}
		}
		// Override: проблемы не блокируют, но остаются в трипе навсегда.
		for _, i := range issues {
			warnings = append(warnings, i.String())
		}
	}

	tripID, err := c.repo.CreateTrip(ctx, pgyard.TripCreate{
		Kind:        draft.Kind,
		EventTime:   draft.EventTime,
		FromTrackID: draft.FromTrackID,
		ToTrackID:   draft.ToTrackID,
		Planned:     draft.Planned,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create trip")
	}

	var resultTrack *uint64
	if draft.Kind != models.MoveKindDeparture {
		resultTrack = draft.ToTrackID
	}

	var appended []uint64
	for _, wID := range draft.WagonIDs {
		// PrevTrackID берём из головы леджера, не из кэша и не со слов
		// клиента. Расхождение с заявленным from — тот же конфликт порядка.
		head, err := c.repo.HeadEvent(ctx, wID)
		if err != nil {
			return nil, c.rollback(ctx, tripID, appended, err, "read ledger head")
		}
		var headTrack *uint64
		if head != nil {
			headTrack = head.TrackID
		}
		if !uint64PtrEqual(headTrack, draft.FromTrackID) {
			return nil, c.rollback(ctx, tripID, appended,
				errors.Wrapf(models.ErrOrderingViolation, "wagon %d", wID), "append event")
		}
		// Перемещение, датированное раньше головы, вклинилось бы в историю.
		if head != nil && draft.EventTime.Before(head.EventTime) {
			return nil, c.rollback(ctx, tripID, appended,
				errors.Wrapf(models.ErrOrderingViolation, "wagon %d moved at %s already", wID, head.EventTime.Format(time.RFC3339)), "append event")
		}

		_, err = c.repo.AppendMovementEvent(ctx, pgyard.AppendInput{
			WagonID:     wID,
			TrackID:     resultTrack,
			PrevTrackID: headTrack,
			EventTime:   draft.EventTime,
			Kind:        draft.Kind,
			TripID:      &tripID,
			Planned:     draft.Planned,
		})
		if err != nil {
			return nil, c.rollback(ctx, tripID, appended, err, "append event")
		}
		appended = append(appended, wID)
	}

	for _, wID := range draft.WagonIDs {
		if err := c.rebuilder.Rebuild(ctx, wID); err != nil {
			return nil, c.rollback(ctx, tripID, appended, err, "update position cache")
		}
	}

	if err := c.repo.CommitTrip(ctx, tripID, draft.WagonIDs, warnings); err != nil {
		return nil, c.rollback(ctx, tripID, appended, err, "commit trip")
	}

	trip, err := c.repo.GetTrip(ctx, tripID)
	if err != nil {
		return nil, errors.Wrap(err, "load committed trip")
	}

	c.publishCommitted(ctx, trip, draft.WagonIDs)
	return trip, nil
}

// rollback компенсирует сбой до коммита: события и pending-трип удаляются,
// кэш затронутых вагонов перестраивается обратно из леджера. Работает на
// отвязанном контексте: причиной сбоя может быть отмена контекста клиента, и
// откат на том же контексте оставил бы половину трипа в леджере навсегда.
func (c *Coordinator) rollback(ctx context.Context, tripID uint64, appended []uint64, cause error, stage string) error {
	c.totalRolledBack.Add(1)
	ctx = context.WithoutCancel(ctx)

	if err := c.repo.DeletePendingTrip(ctx, tripID); err != nil {
		slog.Error("rollback: delete pending trip", "trip_id", tripID, "error", err.Error())
	}
	for _, wID := range appended {
		if err := c.rebuilder.Rebuild(ctx, wID); err != nil {
			slog.Error("rollback: rebuild position", "wagon_id", wID, "error", err.Error())
		}
	}
	return errors.Wrapf(cause, "%s (trip %d rolled back)", stage, tripID)
}

func (c *Coordinator) publishCommitted(ctx context.Context, trip *models.Trip, wagonIDs []uint64) {
	if c.producer == nil {
		return
	}
	msg := messages.TripCommitted{
		TripID:      trip.ID,
		Kind:        trip.Kind,
		WagonIDs:    wagonIDs,
		FromTrackID: trip.FromTrackID,
		ToTrackID:   trip.ToTrackID,
		EventTime:   trip.EventTime,
		Planned:     trip.Planned,
		CommittedAt: time.Now().UTC(),
		Warnings:    trip.Warnings,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal trip committed", "trip_id", trip.ID, "error", err.Error())
		return
	}
	key := []byte(fmt.Sprintf("%d", trip.ID))
	// Леджер уже закоммичен: публикация best-effort, аудитор всё равно
	// сверит кэш по расписанию.
	if err := c.producer.Publish(ctx, c.topic, key, b); err != nil {
		slog.Error("publish trip committed", "trip_id", trip.ID, "error", err.Error())
	}
}

// DeleteTrip: pending-трип откатывается компенсирующим удалением, committed —
// только через correction-события, история не переписывается.
func (c *Coordinator) DeleteTrip(ctx context.Context, tripID uint64) error {
	trip, err := c.repo.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}

	if !trip.Committed {
		return c.repo.DeletePendingTrip(ctx, tripID)
	}

	affected, err := c.repo.DeleteTripWithCorrections(ctx, tripID, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, wID := range affected {
		if err := c.rebuilder.Rebuild(ctx, wID); err != nil {
			slog.Error("rebuild after trip delete", "wagon_id", wID, "error", err.Error())
		}
	}
	return nil
}
