package storage

import (
	"context"
	"time"

	"github.com/example/campus-escort/internal/models"
)

// Registry is the keyed store of rides and drivers.
//
// Plain reads and location updates give read-your-writes within a process.
// State transitions that touch both a ride and a driver go through MatchRide
// and CompleteRide, which apply their preconditions and both mutations as one
// unit; callers must not emulate them with separate reads and writes.
type Registry interface {
	// CreateRide stores r as waiting and assigns Seq and CreatedAt.
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// ListRides returns rides ordered by creation. A nil status returns all.
	ListRides(ctx context.Context, status *models.RideStatus) ([]models.Ride, error)

	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	// ListDrivers returns drivers ordered by first check-in.
	ListDrivers(ctx context.Context, availableOnly bool) ([]models.Driver, error)
	// UpdateDriverLocation records a position report, creating the driver as
	// available on first contact. Availability is left untouched.
	UpdateDriverLocation(ctx context.Context, id string, lat, lon float64, at time.Time) (*models.Driver, error)

	// MatchRide moves the ride waiting->in_car and the driver
	// available->busy together, or neither.
	MatchRide(ctx context.Context, rideID, driverID string) error
	// CompleteRide moves the ride in_car->completed and releases its driver,
	// returning the released driver id.
	CompleteRide(ctx context.Context, rideID string) (string, error)

	Ping(ctx context.Context) error
}

func statusFilter(s models.RideStatus) *models.RideStatus { return &s }

// Waiting is the filter for the FIFO queue.
var Waiting = statusFilter(models.StatusWaiting)
