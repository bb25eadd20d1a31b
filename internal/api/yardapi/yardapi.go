package yardapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/YardLedger/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type Movements interface {
	SubmitMove(ctx context.Context, draft models.TripDraft) (*models.Trip, error)
	DeleteTrip(ctx context.Context, tripID uint64) error
}

type Positions interface {
	CurrentTrackOf(ctx context.Context, wagonID uint64) (*uint64, error)
	VerifyAll(ctx context.Context) ([]models.Mismatch, error)
	RepairAll(ctx context.Context) (int, error)
}

type TimeTravel interface {
	PositionAt(ctx context.Context, wagonID uint64, at time.Time, mode string) (*uint64, error)
	WagonsOnTrackAt(ctx context.Context, trackID uint64, at time.Time, mode string) ([]uint64, error)
	TrackEvents(ctx context.Context, trackID uint64, upto time.Time) ([]*models.MovementEvent, error)
	History(ctx context.Context, wagonID uint64, limit, offset int) ([]*models.MovementEvent, error)
}

type Capacity interface {
	OccupancyAt(ctx context.Context, trackID uint64, at time.Time, mode string) (*models.Occupancy, error)
}

type Topology interface {
	CreateTrack(ctx context.Context, in models.TrackCreateInput) (*models.Track, error)
	CreateWagon(ctx context.Context, in models.WagonCreateInput) (*models.Wagon, error)
	GetTrip(ctx context.Context, tripID uint64) (*models.Trip, error)
}

// YardAPI — HTTP JSON слой над сервисами. Никакой бизнес-логики: разбор
// запроса, вызов сервиса, маппинг ошибок на статусы.
type YardAPI struct {
	movements  Movements
	positions  Positions
	timetravel TimeTravel
	capacity   Capacity
	topology   Topology
}

func New(m Movements, p Positions, tt TimeTravel, c Capacity, topo Topology) *YardAPI {
	return &YardAPI{movements: m, positions: p, timetravel: tt, capacity: c, topology: topo}
}

func (a *YardAPI) Routes(r chi.Router) {
	r.Post("/v1/trips", a.submitMove)
	r.Get("/v1/trips/{tripID}", a.getTrip)
	r.Delete("/v1/trips/{tripID}", a.deleteTrip)

	r.Post("/v1/tracks", a.createTrack)
	r.Get("/v1/tracks/{trackID}/occupancy", a.trackOccupancy)
	r.Get("/v1/tracks/{trackID}/wagons", a.trackWagons)
	r.Get("/v1/tracks/{trackID}/events", a.trackEvents)

	r.Post("/v1/wagons", a.createWagon)
	r.Get("/v1/wagons/{wagonID}/current", a.wagonCurrent)
	r.Get("/v1/wagons/{wagonID}/position", a.wagonPositionAt)
	r.Get("/v1/wagons/{wagonID}/events", a.wagonEvents)

	r.Post("/v1/ledger/verify", a.ledgerVerify)
	r.Post("/v1/ledger/repair", a.ledgerRepair)
}

type tripPayload struct {
	ID          uint64    `json:"id"`
	Kind        string    `json:"kind"`
	EventTime   time.Time `json:"eventTime"`
	FromTrackID *uint64   `json:"fromTrackId,omitempty"`
	ToTrackID   *uint64   `json:"toTrackId,omitempty"`
	Planned     bool      `json:"planned"`
	Committed   bool      `json:"committed"`
	Warnings    []string  `json:"warnings,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toTripPayload(t *models.Trip) tripPayload {
	return tripPayload{
		ID: t.ID, Kind: t.Kind, EventTime: t.EventTime,
		FromTrackID: t.FromTrackID, ToTrackID: t.ToTrackID,
		Planned: t.Planned, Committed: t.Committed,
		Warnings: t.Warnings, CreatedAt: t.CreatedAt,
	}
}

type submitMoveRequest struct {
	Kind        string    `json:"kind"`
	EventTime   time.Time `json:"eventTime"`
	FromTrackID *uint64   `json:"fromTrackId,omitempty"`
	ToTrackID   *uint64   `json:"toTrackId,omitempty"`
	Planned     bool      `json:"planned"`
	WagonIDs    []uint64  `json:"wagonIds"`
	Override    bool      `json:"override"`
}

func (a *YardAPI) submitMove(w http.ResponseWriter, r *http.Request) {
	var req submitMoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	trip, err := a.movements.SubmitMove(r.Context(), models.TripDraft{
		Kind:        req.Kind,
		EventTime:   req.EventTime,
		FromTrackID: req.FromTrackID,
		ToTrackID:   req.ToTrackID,
		Planned:     req.Planned,
		WagonIDs:    req.WagonIDs,
		Override:    req.Override,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTripPayload(trip))
}

func (a *YardAPI) getTrip(w http.ResponseWriter, r *http.Request) {
	tripID, ok := pathID(w, r, "tripID")
	if !ok {
		return
	}
	trip, err := a.topology.GetTrip(r.Context(), tripID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTripPayload(trip))
}

func (a *YardAPI) deleteTrip(w http.ResponseWriter, r *http.Request) {
	tripID, ok := pathID(w, r, "tripID")
	if !ok {
		return
	}
	if err := a.movements.DeleteTrip(r.Context(), tripID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

type createTrackRequest struct {
	NodeID        uint64     `json:"nodeId"`
	UsableLength  int64      `json:"usableLength"`
	AvailableFrom *time.Time `json:"availableFrom,omitempty"`
	AvailableTo   *time.Time `json:"availableTo,omitempty"`
}

func (a *YardAPI) createTrack(w http.ResponseWriter, r *http.Request) {
	var req createTrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UsableLength < 0 {
		writeError(w, http.StatusBadRequest, errors.New("usableLength must be >= 0"))
		return
	}
	track, err := a.topology.CreateTrack(r.Context(), models.TrackCreateInput{
		NodeID:        req.NodeID,
		UsableLength:  req.UsableLength,
		AvailableFrom: req.AvailableFrom,
		AvailableTo:   req.AvailableTo,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           track.ID,
		"nodeId":       track.NodeID,
		"usableLength": track.UsableLength,
	})
}

type createWagonRequest struct {
	Number   *string `json:"number,omitempty"`
	TypeCode string  `json:"typeCode"`
	Length   int64   `json:"length"`
}

func (a *YardAPI) createWagon(w http.ResponseWriter, r *http.Request) {
	var req createWagonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Length <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("length must be positive"))
		return
	}
	wagon, err := a.topology.CreateWagon(r.Context(), models.WagonCreateInput{
		Number:   req.Number,
		TypeCode: req.TypeCode,
		Length:   req.Length,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     wagon.ID,
		"length": wagon.Length,
	})
}

func (a *YardAPI) trackOccupancy(w http.ResponseWriter, r *http.Request) {
	trackID, ok := pathID(w, r, "trackID")
	if !ok {
		return
	}
	at, mode, ok := atAndMode(w, r)
	if !ok {
		return
	}
	occ, err := a.capacity.OccupancyAt(r.Context(), trackID, at, mode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trackId":         occ.TrackID,
		"totalLength":     occ.TotalLength,
		"occupiedLength":  occ.OccupiedLength,
		"availableLength": occ.AvailableLength,
		"wagonCount":      occ.WagonCount,
		"unbounded":       occ.Unbounded,
		"at":              at,
	})
}

func (a *YardAPI) trackWagons(w http.ResponseWriter, r *http.Request) {
	trackID, ok := pathID(w, r, "trackID")
	if !ok {
		return
	}
	at, mode, ok := atAndMode(w, r)
	if !ok {
		return
	}
	ids, err := a.timetravel.WagonsOnTrackAt(r.Context(), trackID, at, mode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trackId": trackID, "at": at, "wagonIds": ids})
}

func (a *YardAPI) trackEvents(w http.ResponseWriter, r *http.Request) {
	trackID, ok := pathID(w, r, "trackID")
	if !ok {
		return
	}
	at, _, ok := atAndMode(w, r)
	if !ok {
		return
	}
	evs, err := a.timetravel.TrackEvents(r.Context(), trackID, at)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]eventPayload, 0, len(evs))
	for _, e := range evs {
		out = append(out, eventPayload{
			ID: e.ID, WagonID: e.WagonID, TrackID: e.TrackID, PrevTrackID: e.PrevTrackID,
			EventTime: e.EventTime, Kind: e.Kind, TripID: e.TripID, Planned: e.Planned,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"trackId": trackID, "upto": at, "events": out})
}

func (a *YardAPI) wagonCurrent(w http.ResponseWriter, r *http.Request) {
	wagonID, ok := pathID(w, r, "wagonID")
	if !ok {
		return
	}
	trackID, err := a.positions.CurrentTrackOf(r.Context(), wagonID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wagonId": wagonID, "trackId": trackID})
}

func (a *YardAPI) wagonPositionAt(w http.ResponseWriter, r *http.Request) {
	wagonID, ok := pathID(w, r, "wagonID")
	if !ok {
		return
	}
	at, mode, ok := atAndMode(w, r)
	if !ok {
		return
	}
	trackID, err := a.timetravel.PositionAt(r.Context(), wagonID, at, mode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wagonId": wagonID, "at": at, "trackId": trackID})
}

type eventPayload struct {
	ID          uint64    `json:"id"`
	WagonID     uint64    `json:"wagonId"`
	TrackID     *uint64   `json:"trackId,omitempty"`
	PrevTrackID *uint64   `json:"prevTrackId,omitempty"`
	EventTime   time.Time `json:"eventTime"`
	Kind        string    `json:"kind"`
	TripID      *uint64   `json:"tripId,omitempty"`
	Planned     bool      `json:"planned"`
}

func (a *YardAPI) wagonEvents(w http.ResponseWriter, r *http.Request) {
	wagonID, ok := pathID(w, r, "wagonID")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	evs, err := a.timetravel.History(r.Context(), wagonID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]eventPayload, 0, len(evs))
	for _, e := range evs {
		out = append(out, eventPayload{
			ID: e.ID, WagonID: e.WagonID, TrackID: e.TrackID, PrevTrackID: e.PrevTrackID,
			EventTime: e.EventTime, Kind: e.Kind, TripID: e.TripID, Planned: e.Planned,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"wagonId": wagonID, "events": out})
}

func (a *YardAPI) ledgerVerify(w http.ResponseWriter, r *http.Request) {
	mismatches, err := a.positions.VerifyAll(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(mismatches))
	for _, m := range mismatches {
		out = append(out, map[string]any{
			"wagonId": m.WagonID,
			"cached":  m.Cached,
			"derived": m.Derived,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"mismatches": out})
}

func (a *YardAPI) ledgerRepair(w http.ResponseWriter, r *http.Request) {
	n, err := a.positions.RepairAll(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repaired": n})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, errors.Errorf("invalid %s", name))
		return 0, false
	}
	return id, true
}

// atAndMode разбирает ?at=RFC3339&mode=executed|planned; at по умолчанию now.
func atAndMode(w http.ResponseWriter, r *http.Request) (time.Time, string, bool) {
	at := time.Now().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "parse at"))
			return time.Time{}, "", false
		}
		at = parsed.UTC()
	}
	mode := r.URL.Query().Get("mode")
	switch mode {
	case "", models.ModeExecutedOnly, models.ModeIncludePlanned:
	default:
		writeError(w, http.StatusBadRequest, errors.Errorf("unknown mode %q", mode))
		return time.Time{}, "", false
	}
	return at, mode, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encode response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeDomainError — таксономия ошибок из models в HTTP статусы: конфликты
// порядка и занятые вагоны это 409, провал валидации 422, not found 404.
func writeDomainError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  verr.Error(),
			"issues": verr.Issues,
		})
		return
	}

	switch {
	case errors.Is(err, models.ErrInvalidDraft):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, models.ErrWagonBusy),
		errors.Is(err, models.ErrOrderingViolation),
		errors.Is(err, models.ErrTripCommitted):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, models.ErrTripNotFound),
		errors.Is(err, models.ErrTrackNotFound),
		errors.Is(err, models.ErrWagonNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		slog.Error("internal error", "error", err.Error())
		writeError(w, http.StatusInternalServerError, err)
	}
}
