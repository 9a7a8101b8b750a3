package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is a geocoded location: a coordinate plus the label the geocoder
// resolved it to.
type Place struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address"`
}

func (p Place) Coord() Coord { return Coord{Lat: p.Lat, Lon: p.Lon} }

type RideStatus string

const (
	StatusWaiting   RideStatus = "waiting"
	StatusInCar     RideStatus = "in_car"
	StatusCompleted RideStatus = "completed"
)

func (s RideStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusInCar, StatusCompleted:
		return true
	}
	return false
}

// Ride is one requester's trip. Seq is the FIFO key and is assigned by the
// registry on creation; it never changes.
type Ride struct {
	ID            string     `json:"ride_id"`
	RequesterName string     `json:"name"`
	RequesterID   string     `json:"uw_id"`
	Pickup        Place      `json:"pickup"`
	Destination   Place      `json:"destination"`
	Notes         string     `json:"notes"`
	Status        RideStatus `json:"status"`
	DriverID      string     `json:"driver_id,omitempty"`
	Seq           int64      `json:"-"`
	CreatedAt     time.Time  `json:"timestamp"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Driver carries the last reported position and availability. CurrentRideID
// is non-empty iff Available is false.
type Driver struct {
	ID            string    `json:"driver_id"`
	Lat           float64   `json:"lat"`
	Lon           float64   `json:"lon"`
	Available     bool      `json:"available"`
	CurrentRideID string    `json:"current_ride_id,omitempty"`
	Seq           int64     `json:"-"`
	LastUpdated   time.Time `json:"last_updated"`
}

func (d Driver) Coord() Coord { return Coord{Lat: d.Lat, Lon: d.Lon} }

// Match is one ride/driver pairing produced by a matching operation.
type Match struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
}

// RideStatusView is the payload served by the status poll and pushed to
// subscribers. Absent values are encoded as null.
type RideStatusView struct {
	RideID         string     `json:"ride_id"`
	Status         RideStatus `json:"status"`
	QueuePosition  *int       `json:"queue_position"`
	ETA            *string    `json:"eta"`
	ETASeconds     *int       `json:"eta_seconds"`
	DriverLocation *Coord     `json:"driver_location"`
	DriverID       string     `json:"driver_id,omitempty"`
}

// ErrorView is the error body shared by HTTP replies and socket pushes.
type ErrorView struct {
	Error string `json:"error"`
}

// RideEvent is published on every lifecycle transition.
type RideEvent struct {
	Type     string     `json:"type"`
	RideID   string     `json:"ride_id"`
	DriverID string     `json:"driver_id,omitempty"`
	Status   RideStatus `json:"status"`
	At       time.Time  `json:"at"`
}

const (
	EventRideCreated   = "ride.created"
	EventRideMatched   = "ride.matched"
	EventRideCompleted = "ride.completed"
)

// LocationEvent is the driver ping published to the location topic.
type LocationEvent struct {
	DriverID      string    `json:"driver_id"`
	Loc           Coord     `json:"loc"`
	Available     bool      `json:"available"`
	CurrentRideID string    `json:"current_ride_id,omitempty"`
	At            time.Time `json:"at"`
}

// DriverView is what a driver's app shows: the ride they carry, if any, and
// the waiting queue in FIFO order.
type DriverView struct {
	CurrentRide *Ride  `json:"current_ride"`
	Queue       []Ride `json:"queue"`
}
