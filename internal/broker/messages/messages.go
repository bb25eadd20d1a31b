package messages

import "time"

// TripCommitted публикуется координатором после коммита трипа. Консьюмеры
// (аудитор) используют его, чтобы перестроить кэш позиций затронутых вагонов.
type TripCommitted struct {
	TripID      uint64    `json:"trip_id"`
	Kind        string    `json:"kind"`
	WagonIDs    []uint64  `json:"wagon_ids"`
	FromTrackID *uint64   `json:"from_track_id,omitempty"`
	ToTrackID   *uint64   `json:"to_track_id,omitempty"`
	EventTime   time.Time `json:"event_time"`
	Planned     bool      `json:"planned"`
	CommittedAt time.Time `json:"committed_at"`

	Warnings []string `json:"warnings,omitempty"`
}
