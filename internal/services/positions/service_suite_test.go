package positions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	cachemocks "github.com/BearBump/YardLedger/internal/cache/mocks"
	"github.com/BearBump/YardLedger/internal/models"
	"github.com/BearBump/YardLedger/internal/storage/pgyard"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	positionsmocks "github.com/BearBump/YardLedger/internal/services/positions/mocks"
)

type ServiceSuite struct {
	suite.Suite

	repo  *positionsmocks.MockRepository
	cache *cachemocks.MockBytesCache
	svc   *Service
}

func (s *ServiceSuite) SetupTest() {
	s.repo = &positionsmocks.MockRepository{}
	s.cache = &cachemocks.MockBytesCache{}
	s.svc = New(s.repo, s.cache, 10*time.Minute)
}

func u64p(v uint64) *uint64 { return &v }

func (s *ServiceSuite) TestCurrentTrackOf_CacheHit_NoDB() {
	b, _ := json.Marshal(cachedPosition{TrackID: u64p(3)})
	s.cache.On("Get", mock.Anything, "wagon:7:current").
		Return(b, true, nil).
		Once()

	got, err := s.svc.CurrentTrackOf(context.Background(), 7)
	s.Require().NoError(err)
	s.Require().Equal(uint64(3), *got)

	// БД не должна трогаться
	s.repo.AssertNotCalled(s.T(), "GetWagonsByIDs", mock.Anything, mock.Anything)
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestCurrentTrackOf_CacheMiss_GoesToDBAndSets() {
	s.cache.On("Get", mock.Anything, "wagon:7:current").
		Return([]byte(nil), false, nil).
		Once()
	s.repo.On("GetWagonsByIDs", mock.Anything, []uint64{uint64(7)}).
		Return([]*models.Wagon{{ID: 7, CurrentTrackID: u64p(5)}}, nil).
		Once()
	s.cache.On("Set", mock.Anything, "wagon:7:current", mock.Anything, 10*time.Minute).
		Return(nil).
		Once()

	got, err := s.svc.CurrentTrackOf(context.Background(), 7)
	s.Require().NoError(err)
	s.Require().Equal(uint64(5), *got)
	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestCurrentTrackOf_CacheGetError_IsMiss() {
	s.cache.On("Get", mock.Anything, "wagon:1:current").
		Return([]byte(nil), false, errors.New("redis down")).
		Once()
	s.repo.On("GetWagonsByIDs", mock.Anything, []uint64{uint64(1)}).
		Return([]*models.Wagon{{ID: 1}}, nil).
		Once()
	s.cache.On("Set", mock.Anything, "wagon:1:current", mock.Anything, 10*time.Minute).
		Return(nil).
		Once()

	got, err := s.svc.CurrentTrackOf(context.Background(), 1)
	s.Require().NoError(err)
	s.Require().Nil(got)
}

func (s *ServiceSuite) TestCurrentTrackOf_TTLZero_CacheDisabled() {
	svc := New(s.repo, s.cache, 0)
	s.repo.On("GetWagonsByIDs", mock.Anything, []uint64{uint64(2)}).
		Return([]*models.Wagon{{ID: 2}}, nil).
		Once()

	_, err := svc.CurrentTrackOf(context.Background(), 2)
	s.Require().NoError(err)
	s.cache.AssertNotCalled(s.T(), "Get", mock.Anything, mock.Anything)
	s.cache.AssertNotCalled(s.T(), "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestCurrentTrackOf_UnknownWagon() {
	s.cache.On("Get", mock.Anything, "wagon:9:current").
		Return([]byte(nil), false, nil).
		Once()
	s.repo.On("GetWagonsByIDs", mock.Anything, []uint64{uint64(9)}).
		Return([]*models.Wagon{}, nil).
		Once()

	_, err := s.svc.CurrentTrackOf(context.Background(), 9)
	s.Require().ErrorIs(err, models.ErrWagonNotFound)
}

func (s *ServiceSuite) TestRebuild_WritesBothCacheLayers() {
	s.repo.On("DerivedPosition", mock.Anything, uint64(4), mock.Anything).
		Return(u64p(11), nil).
		Once()
	s.repo.On("SetWagonCurrentTrack", mock.Anything, uint64(4), u64p(11)).
		Return(nil).
		Once()
	s.cache.On("Set", mock.Anything, "wagon:4:current", mock.Anything, 10*time.Minute).
		Return(nil).
		Once()

	s.Require().NoError(s.svc.Rebuild(context.Background(), 4))
	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestRebuild_CacheSetFails_KeyDropped() {
	s.repo.On("DerivedPosition", mock.Anything, uint64(4), mock.Anything).
		Return((*uint64)(nil), nil).
		Once()
	s.repo.On("SetWagonCurrentTrack", mock.Anything, uint64(4), (*uint64)(nil)).
		Return(nil).
		Once()
	s.cache.On("Set", mock.Anything, "wagon:4:current", mock.Anything, 10*time.Minute).
		Return(errors.New("set failed")).
		Once()
	s.cache.On("Del", mock.Anything, "wagon:4:current").
		Return(nil).
		Once()

	s.Require().NoError(s.svc.Rebuild(context.Background(), 4))
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestVerifyAll_ReportsWithoutMutating() {
	rows := []pgyard.PositionRow{
		{WagonID: 1, Cached: u64p(2), Derived: u64p(2)},
		{WagonID: 2, Cached: u64p(2), Derived: u64p(3)},
		{WagonID: 3, Cached: nil, Derived: u64p(1)},
		{WagonID: 4, Cached: nil, Derived: nil},
	}
	s.repo.On("PositionRows", mock.Anything, mock.Anything).
		Return(rows, nil).
		Once()

	got, err := s.svc.VerifyAll(context.Background())
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Require().Equal(uint64(2), got[0].WagonID)
	s.Require().Equal(uint64(3), got[1].WagonID)

	s.repo.AssertNotCalled(s.T(), "SetWagonCurrentTrack", mock.Anything, mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestRepairAll_RebuildsEachMismatch() {
	rows := []pgyard.PositionRow{
		{WagonID: 1, Cached: u64p(2), Derived: u64p(5)},
		{WagonID: 2, Cached: u64p(7), Derived: u64p(7)},
	}
	s.repo.On("PositionRows", mock.Anything, mock.Anything).
		Return(rows, nil).
		Once()
	s.repo.On("DerivedPosition", mock.Anything, uint64(1), mock.Anything).
		Return(u64p(5), nil).
		Once()
	s.repo.On("SetWagonCurrentTrack", mock.Anything, uint64(1), u64p(5)).
		Return(nil).
		Once()
	s.cache.On("Set", mock.Anything, "wagon:1:current", mock.Anything, 10*time.Minute).
		Return(nil).
		Once()

	n, err := s.svc.RepairAll(context.Background())
	s.Require().NoError(err)
	s.Require().Equal(1, n)
	s.repo.AssertExpectations(s.T())
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
