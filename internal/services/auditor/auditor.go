package auditor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/YardLedger/internal/broker/messages"
	"github.com/BearBump/YardLedger/internal/models"
	"github.com/pkg/errors"
)

type Positions interface {
	VerifyAll(ctx context.Context) ([]models.Mismatch, error)
	RepairAll(ctx context.Context) (int, error)
	Rebuild(ctx context.Context, wagonID uint64) error
}

// Ledger подчищает pending-трипы, осиротевшие после падения координатора
// между записью событий и коммитом.
type Ledger interface {
	DeleteStalePendingTrips(ctx context.Context, before time.Time) (int, error)
}

// Auditor сверяет кэш позиций с леджером по расписанию и чинит расхождения.
// Кэш обновляется координатором синхронно, поэтому в норме циклы находят ноль
// расхождений; ненулевой счётчик — сигнал о сбое между записью и кэшем.
type Auditor struct {
	positions Positions
	ledger    Ledger

	interval   time.Duration
	staleAfter time.Duration
	triggerCh  chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalCycles         atomic.Int64
	totalRepaired       atomic.Int64
	totalSwept          atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(positions Positions) *Auditor {
	return &Auditor{
		positions:         positions,
		interval:          30 * time.Second,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (a *Auditor) WithInterval(d time.Duration) *Auditor {
	if d > 0 {
		a.interval = d
	}
	return a
}

// WithLedger включает зачистку зависших pending-трипов. Трип старше staleAfter
// не может принадлежать живому перемещению: блокировки вагонов к этому моменту
// уже истекли.
func (a *Auditor) WithLedger(l Ledger, staleAfter time.Duration) *Auditor {
	a.ledger = l
	a.staleAfter = staleAfter
	if a.staleAfter <= 0 {
		a.staleAfter = 5 * time.Minute
	}
	return a
}

// Trigger запускает внеочередной цикл сверки (best-effort, не блокирует).
func (a *Auditor) Trigger() {
	a.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case a.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalCycles   int64      `json:"totalCycles"`
	TotalRepaired int64      `json:"totalRepaired"`
	TotalSwept    int64      `json:"totalSwept"`
	TotalErrors   int64      `json:"totalErrors"`
	LastError     string     `json:"lastError,omitempty"`
}

func (a *Auditor) Stats() Stats {
	st := Stats{
		StartedAt:     time.Unix(0, a.startedAtUnixNano).UTC(),
		TotalCycles:   a.totalCycles.Load(),
		TotalRepaired: a.totalRepaired.Load(),
		TotalSwept:    a.totalSwept.Load(),
		TotalErrors:   a.totalErrors.Load(),
	}
	if n := a.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := a.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	a.lastErrorMu.Lock()
	st.LastError = a.lastError
	a.lastErrorMu.Unlock()
	return st
}

func (a *Auditor) Run(ctx context.Context) error {
	t := time.NewTicker(a.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			a.runOnce(ctx)
		case <-a.triggerCh:
			a.runOnce(ctx)
		}
	}
}

func (a *Auditor) runOnce(ctx context.Context) {
	a.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())
	a.totalCycles.Add(1)

	// Сначала выметаем осиротевшие pending-трипы: их события учитываются в
	// занятости, а сам трип никогда не закоммитится. Следом RepairAll вернёт
	// кэш затронутых вагонов к леджеру.
	if a.ledger != nil {
		swept, err := a.ledger.DeleteStalePendingTrips(ctx, time.Now().UTC().Add(-a.staleAfter))
		if err != nil {
			a.totalErrors.Add(1)
			a.lastErrorMu.Lock()
			a.lastError = err.Error()
			a.lastErrorMu.Unlock()
			slog.Error("sweep stale pending trips", "error", err.Error())
		} else {
			a.totalSwept.Add(int64(swept))
			if swept > 0 {
				slog.Warn("removed stale pending trips", "count", swept)
			}
		}
	}

	n, err := a.positions.RepairAll(ctx)
	if err != nil {
		a.totalErrors.Add(1)
		a.lastErrorMu.Lock()
		a.lastError = err.Error()
		a.lastErrorMu.Unlock()
		slog.Error("repair position cache", "error", err.Error())
		return
	}
	a.totalRepaired.Add(int64(n))
	if n > 0 {
		slog.Warn("position cache drifted from ledger", "repaired", n)
	}
}

// HandleTripCommitted — обработчик kafka-сообщений координатора: перестраивает
// кэш вагонов свежего трипа. Ошибка возвращается консьюмеру, чтобы сообщение
// не было закоммичено и пришло повторно.
func (a *Auditor) HandleTripCommitted(ctx context.Context) func(key, value []byte) error {
	return func(key, value []byte) error {
		var msg messages.TripCommitted
		if err := json.Unmarshal(value, &msg); err != nil {
			// Битое сообщение ретраить бессмысленно.
			slog.Error("unmarshal trip committed", "error", err.Error())
			return nil
		}
		for _, wID := range msg.WagonIDs {
			if err := a.positions.Rebuild(ctx, wID); err != nil {
				return errors.Wrapf(err, "rebuild wagon %d after trip %d", wID, msg.TripID)
			}
		}
		return nil
	}
}
