package models

import "time"

// Виды перемещений в леджере (можно расширять).
const (
	MoveKindDelivery   = "delivery"
	MoveKindInternal   = "internal"
	MoveKindDeparture  = "departure"
	MoveKindCorrection = "correction"
)

// Режимы point-in-time запросов.
const (
	ModeExecutedOnly   = "executed"
	ModeIncludePlanned = "planned"
)

// Track — справочные данные топологии. Неизменяемы с точки зрения леджера.
// UsableLength = 0 означает неограниченную вместимость (доменное соглашение,
// унаследованное от исходных данных).
type Track struct {
	ID            uint64
	NodeID        uint64
	UsableLength  int64
	AvailableFrom *time.Time
	AvailableTo   *time.Time
	CreatedAt     time.Time
}

// Wagon.CurrentTrackID — кэш, а не источник истины. nil = вагон вне сети
// (например, ждёт подтверждения отправления).
type Wagon struct {
	ID             uint64
	Number         *string
	TypeCode       string
	Length         int64
	CurrentTrackID *uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MovementEvent — запись леджера. После коммита трипа не обновляется и не
// удаляется; исправления оформляются новым событием kind=correction.
type MovementEvent struct {
	ID          uint64
	WagonID     uint64
	TrackID     *uint64
	PrevTrackID *uint64
	EventTime   time.Time
	Kind        string
	TripID      *uint64
	Planned     bool
	CreatedAt   time.Time
}

type Trip struct {
	ID          uint64
	Kind        string
	EventTime   time.Time
	FromTrackID *uint64
	ToTrackID   *uint64
	Planned     bool
	Committed   bool
	Warnings    []string
	CreatedAt   time.Time
}

// TripDraft — заявка на перемещение, вход координатора.
type TripDraft struct {
	Kind        string
	EventTime   time.Time
	FromTrackID *uint64
	ToTrackID   *uint64
	Planned     bool
	WagonIDs    []uint64
	Override    bool
}

type TrackCreateInput struct {
	NodeID        uint64
	UsableLength  int64
	AvailableFrom *time.Time
	AvailableTo   *time.Time
}

type WagonCreateInput struct {
	Number   *string
	TypeCode string
	Length   int64
}

// Mismatch — расхождение кэша и леджера, найденное VerifyAll.
type Mismatch struct {
	WagonID uint64
	Cached  *uint64
	Derived *uint64
}

// Occupancy — занятость пути на момент времени. Unbounded=true для путей с
// UsableLength=0: AvailableLength в этом случае не имеет смысла и равен 0.
type Occupancy struct {
	TrackID         uint64
	TotalLength     int64
	OccupiedLength  int64
	AvailableLength int64
	WagonCount      int
	Unbounded       bool
}
