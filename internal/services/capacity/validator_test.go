package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/YardLedger/internal/models"
	"github.com/stretchr/testify/require"
)

func newValidatorFixture(track *models.Track, occupied []uint64, wagons map[uint64]*models.Wagon) (*Validator, *fakeTopology) {
	f := &fakeTopology{
		tracks:  map[uint64]*models.Track{track.ID: track},
		wagons:  wagons,
		onTrack: occupied,
	}
	v := NewValidator(New(f, f, f), f, f)
	v.now = func() time.Time { return at() }
	return v, f
}

func TestValidate_capacityExceeded(t *testing.T) {
	// На пути 100 м уже стоят 30+40; третий вагон на 40 не помещается.
	v, _ := newValidatorFixture(
		&models.Track{ID: 10, UsableLength: 100},
		[]uint64{1, 2},
		map[uint64]*models.Wagon{
			1: {ID: 1, Length: 30},
			2: {ID: 2, Length: 40},
			3: {ID: 3, Length: 40},
		},
	)

	issues, err := v.Validate(context.Background(), models.TripDraft{
		Kind:      models.MoveKindDelivery,
		EventTime: at(),
		ToTrackID: u64p(10),
		WagonIDs:  []uint64{3},
	})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, models.IssueCapacityExceeded, issues[0].Code)
	require.Equal(t, int64(40), issues[0].Required)
	require.Equal(t, int64(30), issues[0].Available)
}

func TestValidate_fitsExactly(t *testing.T) {
	// Ровно в остаток: не ошибка.
	v, _ := newValidatorFixture(
		&models.Track{ID: 10, UsableLength: 100},
		[]uint64{1, 2},
		map[uint64]*models.Wagon{
			1: {ID: 1, Length: 30},
			2: {ID: 2, Length: 40},
			3: {ID: 3, Length: 30},
		},
	)

	issues, err := v.Validate(context.Background(), models.TripDraft{
		EventTime: at(),
		ToTrackID: u64p(10),
		WagonIDs:  []uint64{3},
	})
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestValidate_unboundedTrackSkipsCapacity(t *testing.T) {
	v, _ := newValidatorFixture(
		&models.Track{ID: 10, UsableLength: 0},
		[]uint64{1},
		map[uint64]*models.Wagon{
			1: {ID: 1, Length: 900},
			2: {ID: 2, Length: 900},
		},
	)

	issues, err := v.Validate(context.Background(), models.TripDraft{
		EventTime: at(),
		ToTrackID: u64p(10),
		WagonIDs:  []uint64{2},
	})
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestValidate_wagonAlreadyOnDestinationNotDoubleCounted(t *testing.T) {
	// Вагон 1 (40 м) уже стоит на пути 10 длиной 50 м. Перестановка 10→10 не
	// требует дополнительного места: его длина уже учтена в занятости.
	v, _ := newValidatorFixture(
		&models.Track{ID: 10, UsableLength: 50},
		[]uint64{1},
		map[uint64]*models.Wagon{1: {ID: 1, Length: 40}},
	)

	issues, err := v.Validate(context.Background(), models.TripDraft{
		Kind:        models.MoveKindInternal,
		EventTime:   at(),
		FromTrackID: u64p(10),
		ToTrackID:   u64p(10),
		WagonIDs:    []uint64{1},
	})
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestValidate_availabilityWindow(t *testing.T) {
	from := at().Add(time.Hour)
	v, _ := newValidatorFixture(
		&models.Track{ID: 10, UsableLength: 100, AvailableFrom: &from},
		nil,
		map[uint64]*models.Wagon{1: {ID: 1, Length: 10}},
	)

	issues, err := v.Validate(context.Background(), models.TripDraft{
		EventTime: at(),
		ToTrackID: u64p(10),
		WagonIDs:  []uint64{1},
	})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, models.IssueRestrictionConflict, issues[0].Code)
	require.Equal(t, uint64(10), issues[0].TrackID)
}

func TestValidate_departureNeedsNoChecks(t *testing.T) {
	v, _ := newValidatorFixture(&models.Track{ID: 10}, nil, nil)

	issues, err := v.Validate(context.Background(), models.TripDraft{
		Kind:      models.MoveKindDeparture,
		EventTime: at(),
		WagonIDs:  []uint64{1},
	})
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestValidate_futureDraftCountsPlanned(t *testing.T) {
	v, f := newValidatorFixture(
		&models.Track{ID: 10, UsableLength: 100},
		nil,
		map[uint64]*models.Wagon{1: {ID: 1, Length: 10}},
	)

	_, err := v.Validate(context.Background(), models.TripDraft{
		EventTime: at().Add(2 * time.Hour),
		ToTrackID: u64p(10),
		WagonIDs:  []uint64{1},
		Planned:   true,
	})
	require.NoError(t, err)
	require.Equal(t, models.ModeIncludePlanned, f.lastMode)

	_, err = v.Validate(context.Background(), models.TripDraft{
		EventTime: at().Add(-time.Hour),
		ToTrackID: u64p(10),
		WagonIDs:  []uint64{1},
	})
	require.NoError(t, err)
	require.Equal(t, models.ModeExecutedOnly, f.lastMode)
}
