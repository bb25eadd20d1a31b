package yardapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/YardLedger/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	submitErr  error
	trip       *models.Trip
	deleteErr  error
	current    *uint64
	mismatches []models.Mismatch
	repaired   int
	position   *uint64
	onTrack    []uint64
	events     []*models.MovementEvent
	occupancy  *models.Occupancy
}

func (f *fakeBackend) SubmitMove(ctx context.Context, draft models.TripDraft) (*models.Trip, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.trip, nil
}
func (f *fakeBackend) DeleteTrip(ctx context.Context, tripID uint64) error { return f.deleteErr }

func (f *fakeBackend) CurrentTrackOf(ctx context.Context, wagonID uint64) (*uint64, error) {
	return f.current, nil
}
func (f *fakeBackend) VerifyAll(ctx context.Context) ([]models.Mismatch, error) {
	return f.mismatches, nil
}
func (f *fakeBackend) RepairAll(ctx context.Context) (int, error) { return f.repaired, nil }

func (f *fakeBackend) PositionAt(ctx context.Context, wagonID uint64, at time.Time, mode string) (*uint64, error) {
	return f.position, nil
}
func (f *fakeBackend) WagonsOnTrackAt(ctx context.Context, trackID uint64, at time.Time, mode string) ([]uint64, error) {
	return f.onTrack, nil
}
func (f *fakeBackend) TrackEvents(ctx context.Context, trackID uint64, upto time.Time) ([]*models.MovementEvent, error) {
	return f.events, nil
}
func (f *fakeBackend) History(ctx context.Context, wagonID uint64, limit, offset int) ([]*models.MovementEvent, error) {
	return f.events, nil
}

func (f *fakeBackend) OccupancyAt(ctx context.Context, trackID uint64, at time.Time, mode string) (*models.Occupancy, error) {
	if f.occupancy == nil {
		return nil, models.ErrTrackNotFound
	}
	return f.occupancy, nil
}

func (f *fakeBackend) CreateTrack(ctx context.Context, in models.TrackCreateInput) (*models.Track, error) {
	return &models.Track{ID: 10, NodeID: in.NodeID, UsableLength: in.UsableLength}, nil
}
func (f *fakeBackend) CreateWagon(ctx context.Context, in models.WagonCreateInput) (*models.Wagon, error) {
	return &models.Wagon{ID: 1, Length: in.Length}, nil
}
func (f *fakeBackend) GetTrip(ctx context.Context, tripID uint64) (*models.Trip, error) {
	if f.trip == nil {
		return nil, models.ErrTripNotFound
	}
	return f.trip, nil
}

func newServer(f *fakeBackend) *httptest.Server {
	r := chi.NewRouter()
	New(f, f, f, f, f).Routes(r)
	return httptest.NewServer(r)
}

func u64p(v uint64) *uint64 { return &v }

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestSubmitMove_created(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	srv := newServer(&fakeBackend{trip: &models.Trip{
		ID: 7, Kind: models.MoveKindDelivery, EventTime: now,
		ToTrackID: u64p(100), Committed: true, CreatedAt: now,
	}})
	defer srv.Close()

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/v1/trips", map[string]any{
		"kind": "delivery", "eventTime": now, "toTrackId": 100, "wagonIds": []uint64{1, 2},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, float64(7), out["id"])
	require.Equal(t, true, out["committed"])
}

func TestSubmitMove_errorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{errors.Wrap(models.ErrWagonBusy, "wagon 2"), http.StatusConflict},
		{errors.Wrap(models.ErrOrderingViolation, "wagon 2"), http.StatusConflict},
		{errors.Wrap(models.ErrInvalidDraft, "empty wagon list"), http.StatusBadRequest},
		{&models.ValidationError{Issues: []models.ValidationIssue{{Code: models.IssueCapacityExceeded, Message: "no room"}}}, http.StatusUnprocessableEntity},
		{errors.New("pg down"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		srv := newServer(&fakeBackend{submitErr: c.err})
		resp, out := doJSON(t, http.MethodPost, srv.URL+"/v1/trips", map[string]any{"kind": "delivery"})
		require.Equal(t, c.code, resp.StatusCode, "error %v", c.err)
		require.NotEmpty(t, out["error"])
		srv.Close()
	}
}

func TestSubmitMove_validationIssuesInBody(t *testing.T) {
	srv := newServer(&fakeBackend{submitErr: &models.ValidationError{Issues: []models.ValidationIssue{
		{Code: models.IssueCapacityExceeded, Message: "no room", TrackID: 100, Required: 40, Available: 30},
	}}})
	defer srv.Close()

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/v1/trips", map[string]any{"kind": "delivery"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	issues := out["issues"].([]any)
	require.Len(t, issues, 1)
	issue := issues[0].(map[string]any)
	require.Equal(t, models.IssueCapacityExceeded, issue["code"])
	require.Equal(t, float64(40), issue["required"])
}

func TestTrackOccupancy(t *testing.T) {
	srv := newServer(&fakeBackend{occupancy: &models.Occupancy{
		TrackID: 10, TotalLength: 100, OccupiedLength: 70, AvailableLength: 30, WagonCount: 2,
	}})
	defer srv.Close()

	resp, out := doJSON(t, http.MethodGet, srv.URL+"/v1/tracks/10/occupancy?at=2026-08-01T12:00:00Z", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(30), out["availableLength"])
	require.Equal(t, false, out["unbounded"])
}

func TestTrackOccupancy_badQuery(t *testing.T) {
	srv := newServer(&fakeBackend{})
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/v1/tracks/10/occupancy?at=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/tracks/10/occupancy?mode=maybe", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/tracks/0/occupancy", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrackWagons_emptyListNotNull(t *testing.T) {
	srv := newServer(&fakeBackend{})
	defer srv.Close()

	resp, out := doJSON(t, http.MethodGet, srv.URL+"/v1/tracks/10/wagons", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []any{}, out["wagonIds"])
}

func TestTrackEvents(t *testing.T) {
	now := time.Now().UTC()
	srv := newServer(&fakeBackend{events: []*models.MovementEvent{
		{ID: 2, WagonID: 3, TrackID: u64p(10), EventTime: now, Kind: models.MoveKindInternal},
	}})
	defer srv.Close()

	resp, out := doJSON(t, http.MethodGet, srv.URL+"/v1/tracks/10/events?at=2026-08-01T12:00:00Z", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evs := out["events"].([]any)
	require.Len(t, evs, 1)
	require.Equal(t, float64(3), evs[0].(map[string]any)["wagonId"])
}

func TestWagonCurrentAndPosition(t *testing.T) {
	srv := newServer(&fakeBackend{current: u64p(5), position: u64p(9)})
	defer srv.Close()

	resp, out := doJSON(t, http.MethodGet, srv.URL+"/v1/wagons/1/current", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(5), out["trackId"])

	resp, out = doJSON(t, http.MethodGet, srv.URL+"/v1/wagons/1/position?at=2026-08-01T12:00:00Z&mode=planned", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(9), out["trackId"])
}

func TestWagonEvents(t *testing.T) {
	now := time.Now().UTC()
	srv := newServer(&fakeBackend{events: []*models.MovementEvent{
		{ID: 1, WagonID: 1, TrackID: u64p(100), EventTime: now, Kind: models.MoveKindDelivery},
	}})
	defer srv.Close()

	resp, out := doJSON(t, http.MethodGet, srv.URL+"/v1/wagons/1/events?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evs := out["events"].([]any)
	require.Len(t, evs, 1)
	require.Equal(t, "delivery", evs[0].(map[string]any)["kind"])
}

func TestLedgerVerifyAndRepair(t *testing.T) {
	srv := newServer(&fakeBackend{
		mismatches: []models.Mismatch{{WagonID: 1, Cached: u64p(7), Derived: u64p(5)}},
		repaired:   1,
	})
	defer srv.Close()

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/v1/ledger/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out["mismatches"].([]any), 1)

	resp, out = doJSON(t, http.MethodPost, srv.URL+"/v1/ledger/repair", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), out["repaired"])
}

func TestDeleteTrip(t *testing.T) {
	srv := newServer(&fakeBackend{})
	defer srv.Close()

	resp, out := doJSON(t, http.MethodDelete, srv.URL+"/v1/trips/7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, out["deleted"])

	srv2 := newServer(&fakeBackend{deleteErr: models.ErrTripNotFound})
	defer srv2.Close()
	resp, _ = doJSON(t, http.MethodDelete, srv2.URL+"/v1/trips/7", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateTrackAndWagon(t *testing.T) {
	srv := newServer(&fakeBackend{})
	defer srv.Close()

	resp, out := doJSON(t, http.MethodPost, srv.URL+"/v1/tracks", map[string]any{"nodeId": 3, "usableLength": 100})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, float64(10), out["id"])

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/tracks", map[string]any{"usableLength": -1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out = doJSON(t, http.MethodPost, srv.URL+"/v1/wagons", map[string]any{"typeCode": "GONDOLA", "length": 14})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, float64(14), out["length"])

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/wagons", map[string]any{"typeCode": "GONDOLA"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
