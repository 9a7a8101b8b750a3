package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/example/campus-escort/internal/eta"
	"github.com/example/campus-escort/internal/geo"
	"github.com/example/campus-escort/internal/models"
	"github.com/example/campus-escort/internal/observability"
	"github.com/example/campus-escort/internal/storage"
)

var ErrInvalidAddress = fmt.Errorf("%w: invalid pickup or destination address", models.ErrValidation)

const noCapacityMessage = "No drivers available"

// Notifier pushes payloads to the subscribers of a ride.
type Notifier interface {
	Broadcast(ctx context.Context, rideID string, v any) int
	Subscribers(rideID string) int
}

// Publisher emits domain events to the event bus.
type Publisher interface {
	PublishLocation(ctx context.Context, ev models.LocationEvent) error
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

// Service coordinates rides and drivers. Notifier and Events are optional.
type Service struct {
	Store    storage.Registry
	Geocoder geo.Geocoder
	ETA      *eta.Estimator
	Notifier Notifier
	Events   Publisher
	Logger   *slog.Logger

	sweeps singleflight.Group
	now    func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

type CreateRideCmd struct {
	Name               string
	RequesterID        string
	PickupAddress      string
	DestinationAddress string
	Notes              string
}

// CreateRide geocodes both addresses and queues a new waiting ride.
func (s *Service) CreateRide(ctx context.Context, cmd CreateRideCmd) (*models.Ride, error) {
	var pickup, dest *models.Place
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		pickup, err = s.geocode(gctx, cmd.PickupAddress)
		return err
	})
	g.Go(func() (err error) {
		dest, err = s.geocode(gctx, cmd.DestinationAddress)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r := &models.Ride{
		ID:            uuid.NewString(),
		RequesterName: cmd.Name,
		RequesterID:   cmd.RequesterID,
		Pickup:        *pickup,
		Destination:   *dest,
		Notes:         cmd.Notes,
	}
	if err := s.Store.CreateRide(ctx, r); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesCreated.Inc()
	s.Logger.Info("ride queued", "ride_id", r.ID, "pickup", r.Pickup.Address, "destination", r.Destination.Address)
	s.publishRide(ctx, models.EventRideCreated, r.ID, "", models.StatusWaiting)
	return r, nil
}

// geocode treats lookup failures like unknown addresses: the caller gets a
// validation error either way.
func (s *Service) geocode(ctx context.Context, text string) (*models.Place, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrInvalidAddress
	}
	p, err := s.Geocoder.Geocode(ctx, text)
	if err != nil {
		s.Logger.Warn("geocoding failed", "address", text, "error", err)
		return nil, ErrInvalidAddress
	}
	if p == nil {
		return nil, ErrInvalidAddress
	}
	return p, nil
}

// Accept binds driverID to rideID if the ride is still waiting and the
// driver is free. Losing a race yields an error matching models.ErrConflict.
func (s *Service) Accept(ctx context.Context, driverID, rideID string) error {
	if err := s.Store.MatchRide(ctx, rideID, driverID); err != nil {
		if errors.Is(err, models.ErrConflict) {
			observability.MatchConflicts.WithLabelValues("accept").Inc()
		}
		return err
	}
	observability.MatchesTotal.WithLabelValues("accept").Inc()
	s.Logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	s.afterMatch(ctx, models.Match{RideID: rideID, DriverID: driverID})
	return nil
}

// AssignNext pairs waiting rides with available drivers first-come
// first-served. Overlapping calls share one sweep.
func (s *Service) AssignNext(ctx context.Context) ([]models.Match, error) {
	// the sweep is shared, so one caller going away must not abort it
	sweepCtx := context.WithoutCancel(ctx)
	v, err, _ := s.sweeps.Do("assign", func() (any, error) {
		return s.sweep(sweepCtx)
	})
	matches, _ := v.([]models.Match)
	return matches, err
}

func (s *Service) sweep(ctx context.Context) ([]models.Match, error) {
	start := time.Now()
	defer func() { observability.AssignSweepDuration.Observe(time.Since(start).Seconds()) }()

	rides, err := s.Store.ListRides(ctx, storage.Waiting)
	if err != nil {
		return nil, fmt.Errorf("list waiting rides: %w", err)
	}
	drivers, err := s.Store.ListDrivers(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list available drivers: %w", err)
	}

	matches := make([]models.Match, 0, min(len(rides), len(drivers)))
	di := 0
nextRide:
	for _, r := range rides {
		for di < len(drivers) {
			d := drivers[di]
			err := s.Store.MatchRide(ctx, r.ID, d.ID)
			switch {
			case err == nil:
				di++
				matches = append(matches, models.Match{RideID: r.ID, DriverID: d.ID})
				continue nextRide
			case errors.Is(err, models.ErrRideNotWaiting), errors.Is(err, models.ErrRideNotFound):
				// ride taken meanwhile; this driver stays a candidate
				observability.MatchConflicts.WithLabelValues("assign").Inc()
				continue nextRide
			case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrNotFound):
				observability.MatchConflicts.WithLabelValues("assign").Inc()
				di++
			default:
				return matches, fmt.Errorf("match ride %s: %w", r.ID, err)
			}
		}
		break
	}
	observability.DriversIdle.Set(float64(len(drivers) - len(matches)))

	for _, m := range matches {
		observability.MatchesTotal.WithLabelValues("assign").Inc()
		s.Logger.Info("ride assigned", "ride_id", m.RideID, "driver_id", m.DriverID)
		s.afterMatch(ctx, m)
	}
	return matches, nil
}

// RunAutoAssign sweeps on every tick until ctx ends.
func (s *Service) RunAutoAssign(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.AssignNext(ctx); err != nil && ctx.Err() == nil {
				s.Logger.Error("auto-assign sweep failed", "error", err)
			}
		}
	}
}

// Complete finishes an in-car ride and frees its driver.
func (s *Service) Complete(ctx context.Context, rideID string) error {
	driverID, err := s.Store.CompleteRide(ctx, rideID)
	if err != nil {
		return err
	}
	observability.RidesCompleted.Inc()
	s.Logger.Info("ride completed", "ride_id", rideID, "driver_id", driverID)
	s.publishRide(ctx, models.EventRideCompleted, rideID, driverID, models.StatusCompleted)
	s.push(ctx, rideID)
	return nil
}

func (s *Service) afterMatch(ctx context.Context, m models.Match) {
	s.publishRide(ctx, models.EventRideMatched, m.RideID, m.DriverID, models.StatusInCar)
	s.push(ctx, m.RideID)
}

// Status builds the client status payload for a ride.
func (s *Service) Status(ctx context.Context, rideID string) (*models.RideStatusView, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	view := &models.RideStatusView{RideID: ride.ID, Status: ride.Status}

	switch ride.Status {
	case models.StatusCompleted:
		return view, nil

	case models.StatusInCar:
		d, err := s.Store.GetDriver(ctx, ride.DriverID)
		if err != nil {
			return nil, err
		}
		setETA(view, s.ETA.InCarETA(ctx, d.Coord(), *ride))
		loc := d.Coord()
		view.DriverLocation = &loc
		view.DriverID = d.ID
		return view, nil
	}

	waiting, err := s.Store.ListRides(ctx, storage.Waiting)
	if err != nil {
		return nil, err
	}
	ahead := make([]models.Ride, 0, len(waiting))
	for _, r := range waiting {
		if r.Seq >= ride.Seq {
			break
		}
		ahead = append(ahead, r)
	}
	drivers, err := s.Store.ListDrivers(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(drivers) == 0 {
		return nil, models.ErrNoCapacity
	}
	ref := drivers[0].Coord()
	pos := len(ahead) + 1
	view.QueuePosition = &pos
	view.DriverLocation = &ref
	setETA(view, s.ETA.QueueETA(ctx, ref, ahead, *ride))
	return view, nil
}

func setETA(v *models.RideStatusView, d time.Duration) {
	text := eta.Format(d)
	secs := int(d / time.Second)
	v.ETA = &text
	v.ETASeconds = &secs
}

// DriverView returns the driver's bound ride and the waiting queue. An
// unknown driver simply has no current ride.
func (s *Service) DriverView(ctx context.Context, driverID string) (*models.DriverView, error) {
	queue, err := s.Store.ListRides(ctx, storage.Waiting)
	if err != nil {
		return nil, err
	}
	view := &models.DriverView{Queue: queue}

	d, err := s.Store.GetDriver(ctx, driverID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return view, nil
	case err != nil:
		return nil, err
	}
	if d.CurrentRideID != "" {
		r, err := s.Store.GetRide(ctx, d.CurrentRideID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		view.CurrentRide = r
	}
	return view, nil
}

type LocationUpdate struct {
	DriverID      string
	Lat, Lon      float64
	CurrentRideID string
}

// UpdateLocation records a driver ping and pushes fresh status to the
// subscribers of the ride the driver carries.
func (s *Service) UpdateLocation(ctx context.Context, u LocationUpdate) (*models.Driver, error) {
	d, err := s.Store.UpdateDriverLocation(ctx, u.DriverID, u.Lat, u.Lon, s.clock())
	if err != nil {
		return nil, err
	}
	if s.Events != nil {
		ev := models.LocationEvent{
			DriverID:      d.ID,
			Loc:           d.Coord(),
			Available:     d.Available,
			CurrentRideID: d.CurrentRideID,
			At:            d.LastUpdated,
		}
		if err := s.Events.PublishLocation(ctx, ev); err != nil {
			s.Logger.Warn("location publish failed", "driver_id", d.ID, "error", err)
		}
	}

	target := d.CurrentRideID
	if target == "" {
		target = u.CurrentRideID
	}
	if target != "" {
		s.push(ctx, target)
	}
	return d, nil
}

// push recomputes and sends status only when someone is listening. A
// waiting ride with no free driver gets the same error body the socket
// snapshot carries.
func (s *Service) push(ctx context.Context, rideID string) {
	if s.Notifier == nil || s.Notifier.Subscribers(rideID) == 0 {
		return
	}
	view, err := s.Status(ctx, rideID)
	switch {
	case errors.Is(err, models.ErrNoCapacity):
		s.Notifier.Broadcast(ctx, rideID, models.ErrorView{Error: noCapacityMessage})
	case err != nil:
		s.Logger.Debug("status push skipped", "ride_id", rideID, "error", err)
	default:
		s.Notifier.Broadcast(ctx, rideID, view)
	}
}

func (s *Service) publishRide(ctx context.Context, typ, rideID, driverID string, status models.RideStatus) {
	if s.Events == nil {
		return
	}
	ev := models.RideEvent{Type: typ, RideID: rideID, DriverID: driverID, Status: status, At: s.clock()}
	if err := s.Events.PublishRideEvent(ctx, ev); err != nil {
		s.Logger.Warn("ride event publish failed", "type", typ, "ride_id", rideID, "error", err)
	}
}
