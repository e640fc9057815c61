package models

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Direction tags which end of the route a sighted bus was heading to.
type Direction string

const (
	TowardA Direction = "TOWARD_A"
	TowardB Direction = "TOWARD_B"
)

func (d Direction) Valid() bool { return d == TowardA || d == TowardB }

// ParseDirection accepts the wire form of a direction. An empty string is
// reported as unset (nil, true); unknown values are rejected.
func ParseDirection(s string) (*Direction, bool) {
	if s == "" {
		return nil, true
	}
	d := Direction(s)
	if !d.Valid() {
		return nil, false
	}
	return &d, true
}

// LiveShare is the position of one rider currently aboard a bus.
// Lat/Lng are nil once the share has been stopped.
type LiveShare struct {
	BusID     string   `json:"busId"`
	UserID    string   `json:"userId"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	UpdatedAt int64    `json:"updatedAt,omitempty"` // epoch ms, 0 when unknown
	IsActive  bool     `json:"isActive"`
}

// Position returns the share's coordinate, or false when it must not be rendered.
func (s LiveShare) Position() (Coord, bool) {
	if !s.IsActive || s.Lat == nil || s.Lng == nil {
		return Coord{}, false
	}
	return Coord{Lat: *s.Lat, Lng: *s.Lng}, true
}

// Sighting is a one-off report that the bus was seen at a point.
type Sighting struct {
	ID        string     `json:"id"`
	BusID     string     `json:"busId"`
	UserID    string     `json:"userId"`
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Direction *Direction `json:"direction"`
	CreatedAt int64      `json:"createdAt"` // epoch ms
	ExpiresAt int64      `json:"expiresAt"` // epoch ms
}

// Event is published to the audit stream after a successful write.
type Event struct {
	Type      string     `json:"type"`
	BusID     string     `json:"busId"`
	UserID    string     `json:"userId"`
	Lat       *float64   `json:"lat,omitempty"`
	Lng       *float64   `json:"lng,omitempty"`
	Direction *Direction `json:"direction,omitempty"`
	At        int64      `json:"at"`
}

const (
	EventLiveShareUpserted = "live_share.upserted"
	EventLiveShareStopped  = "live_share.stopped"
	EventSightingReported  = "sighting.reported"
)

// PositionSample is a device position message on the samples topic.
type PositionSample struct {
	BusID  string  `json:"busId"`
	UserID string  `json:"userId"`
	Type   string  `json:"type"` // board, sample, stop
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}
