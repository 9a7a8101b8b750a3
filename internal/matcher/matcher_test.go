package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-escort/internal/eta"
	"github.com/example/campus-escort/internal/logging"
	"github.com/example/campus-escort/internal/models"
	"github.com/example/campus-escort/internal/storage"
)

var places = map[string]models.Place{
	"red square":    {Lat: 47.6559, Lon: -122.3094, Address: "Red Square"},
	"husky stadium": {Lat: 47.6503, Lon: -122.3016, Address: "Husky Stadium"},
	"u village":     {Lat: 47.6628, Lon: -122.2990, Address: "University Village"},
	"mccarty hall":  {Lat: 47.6610, Lon: -122.3130, Address: "McCarty Hall"},
}

type fakeGeocoder struct{ fail bool }

func (f fakeGeocoder) Geocode(_ context.Context, text string) (*models.Place, error) {
	if f.fail {
		return nil, models.ErrExternalService
	}
	p, ok := places[text]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// legTimer charges a fixed cost per leg, or fails every leg.
type legTimer struct {
	per  time.Duration
	fail bool
}

func (l legTimer) Duration(context.Context, models.Coord, models.Coord) (time.Duration, error) {
	if l.fail {
		return 0, models.ErrExternalService
	}
	return l.per, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	subs   map[string]int
	pushed map[string][]any
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{subs: map[string]int{}, pushed: map[string][]any{}}
}

func (n *recordingNotifier) Broadcast(_ context.Context, rideID string, v any) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushed[rideID] = append(n.pushed[rideID], v)
	return n.subs[rideID]
}

func (n *recordingNotifier) Subscribers(rideID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subs[rideID]
}

func (n *recordingNotifier) last(rideID string) *models.RideStatusView {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.pushed[rideID]
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1].(*models.RideStatusView)
}

type recordingPublisher struct {
	mu        sync.Mutex
	rides     []models.RideEvent
	locations []models.LocationEvent
}

func (p *recordingPublisher) PublishLocation(_ context.Context, ev models.LocationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locations = append(p.locations, ev)
	return nil
}

func (p *recordingPublisher) PublishRideEvent(_ context.Context, ev models.RideEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rides = append(p.rides, ev)
	return nil
}

func newService(t *testing.T, timer eta.RouteTimer) *Service {
	t.Helper()
	return &Service{
		Store:    storage.NewMemoryStore(),
		Geocoder: fakeGeocoder{},
		ETA:      eta.NewEstimator(timer, time.Second, 4, logging.Discard()),
		Logger:   logging.Discard(),
	}
}

func createRide(t *testing.T, s *Service, from, to string) *models.Ride {
	t.Helper()
	r, err := s.CreateRide(context.Background(), CreateRideCmd{
		Name: "Dubs", RequesterID: "dubs42", PickupAddress: from, DestinationAddress: to,
	})
	require.NoError(t, err)
	return r
}

func checkIn(t *testing.T, s *Service, id string, at models.Place) {
	t.Helper()
	_, err := s.UpdateLocation(context.Background(), LocationUpdate{DriverID: id, Lat: at.Lat, Lon: at.Lon})
	require.NoError(t, err)
}

func TestCreateRideGeocodes(t *testing.T) {
	s := newService(t, legTimer{per: time.Minute})
	r := createRide(t, s, "red square", "u village")
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, models.StatusWaiting, r.Status)
	assert.Equal(t, "Red Square", r.Pickup.Address)
	assert.Equal(t, "University Village", r.Destination.Address)
	assert.Equal(t, "dubs42", r.RequesterID)

	again := createRide(t, s, "red square", "u village")
	assert.NotEqual(t, r.ID, again.ID, "same requester gets a distinct ride")
}

func TestCreateRideRejectsUnknownAddress(t *testing.T) {
	s := newService(t, legTimer{per: time.Minute})
	ctx := context.Background()

	_, err := s.CreateRide(ctx, CreateRideCmd{Name: "x", PickupAddress: "atlantis", DestinationAddress: "red square"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = s.CreateRide(ctx, CreateRideCmd{Name: "x", PickupAddress: "red square", DestinationAddress: " "})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	s.Geocoder = fakeGeocoder{fail: true}
	_, err = s.CreateRide(ctx, CreateRideCmd{Name: "x", PickupAddress: "red square", DestinationAddress: "u village"})
	assert.ErrorIs(t, err, models.ErrValidation)

	rides, err := s.Store.ListRides(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, rides)
}

func TestScenarioA_SingleRideSingleDriver(t *testing.T) {
	s := newService(t, legTimer{per: 150 * time.Second})
	r1 := createRide(t, s, "red square", "u village")
	checkIn(t, s, "D1", places["husky stadium"])

	st, err := s.Status(context.Background(), r1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, st.Status)
	require.NotNil(t, st.QueuePosition)
	assert.Equal(t, 1, *st.QueuePosition)
	require.NotNil(t, st.ETA)
	assert.Equal(t, "2 min 30 sec", *st.ETA)
	assert.Equal(t, 150, *st.ETASeconds)
	assert.Equal(t, places["husky stadium"].Coord(), *st.DriverLocation)
}

func TestScenarioB_NoDriversAvailable(t *testing.T) {
	s := newService(t, legTimer{per: time.Minute})
	createRide(t, s, "red square", "u village")
	r2 := createRide(t, s, "mccarty hall", "husky stadium")

	_, err := s.Status(context.Background(), r2.ID)
	assert.ErrorIs(t, err, models.ErrNoCapacity)
}

func TestQueueETAComposesRidesAhead(t *testing.T) {
	s := newService(t, legTimer{per: 100 * time.Second})
	r1 := createRide(t, s, "red square", "u village")
	r2 := createRide(t, s, "mccarty hall", "husky stadium")
	r3 := createRide(t, s, "husky stadium", "red square")
	checkIn(t, s, "D1", places["husky stadium"])
	ctx := context.Background()

	for i, r := range []*models.Ride{r1, r2, r3} {
		st, err := s.Status(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, i+1, *st.QueuePosition)
		// two legs per ride ahead plus one to the pickup
		assert.Equal(t, (2*i+1)*100, *st.ETASeconds)
	}
}

func TestStatusFallbackPerLeg(t *testing.T) {
	s := newService(t, legTimer{fail: true})
	createRide(t, s, "red square", "u village")
	r2 := createRide(t, s, "mccarty hall", "husky stadium")
	checkIn(t, s, "D1", places["husky stadium"])

	st, err := s.Status(context.Background(), r2.ID)
	require.NoError(t, err)
	assert.Equal(t, 3*300, *st.ETASeconds)
	assert.Equal(t, "15 min 0 sec", *st.ETA)
}

func TestScenarioC_AcceptMovesRideInCar(t *testing.T) {
	s := newService(t, legTimer{per: 42 * time.Second})
	ctx := context.Background()
	r1 := createRide(t, s, "red square", "u village")
	checkIn(t, s, "D1", places["husky stadium"])

	require.NoError(t, s.Accept(ctx, "D1", r1.ID))

	ride, err := s.Store.GetRide(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInCar, ride.Status)
	assert.Equal(t, "D1", ride.DriverID)
	d, err := s.Store.GetDriver(ctx, "D1")
	require.NoError(t, err)
	assert.False(t, d.Available)
	assert.Equal(t, r1.ID, d.CurrentRideID)

	st, err := s.Status(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInCar, st.Status)
	assert.Nil(t, st.QueuePosition)
	assert.Equal(t, 42, *st.ETASeconds)
	assert.Equal(t, "D1", st.DriverID)
}

func TestScenarioD_CompleteReleasesDriver(t *testing.T) {
	s := newService(t, legTimer{per: time.Minute})
	ctx := context.Background()
	r1 := createRide(t, s, "red square", "u village")
	checkIn(t, s, "D1", places["husky stadium"])
	require.NoError(t, s.Accept(ctx, "D1", r1.ID))
	checkIn(t, s, "D1", places["u village"])

	require.NoError(t, s.Complete(ctx, r1.ID))

	ride, err := s.Store.GetRide(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, ride.Status)
	d, err := s.Store.GetDriver(ctx, "D1")
	require.NoError(t, err)
	assert.True(t, d.Available)
	assert.Empty(t, d.CurrentRideID)
	assert.Equal(t, places["u village"].Lat, d.Lat)

	st, err := s.Status(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Nil(t, st.ETA)
	assert.Nil(t, st.QueuePosition)

	assert.ErrorIs(t, s.Complete(ctx, r1.ID), models.ErrConflict)
}

func TestCompleteWaitingRideConflicts(t *testing.T) {
	s := newService(t, legTimer{per: time.Minute})
	r1 := createRide(t, s, "red square", "u village")
	err := s.Complete(context.Background(), r1.ID)
	assert.ErrorIs(t, err, models.ErrRideNotInCar)
	assert.ErrorIs(t, s.Complete(context.Background(), "missing"), models.ErrNotFound)
}

func TestAcceptTwiceConflictsAndLeavesState(t *testing.T) {
	s := newService(t, legTimer{per: time.Minute})
	ctx := context.Background()
	r1 := createRide(t, s, "red square", "u village")
	checkIn(t, s, "D1", places["husky stadium"])
	checkIn(t, s, "D2", places["red square"])

	require.NoError(t, s.Accept(ctx, "D1", r1.ID))
	err := s.Accept(ctx, "D2", r1.ID)
	assert.ErrorIs(t, err, models.ErrConflict)

	ride, _ := s.Store.GetRide(ctx, r1.ID)
	assert.Equal(t, "D1", ride.DriverID)
	d2, _ := s.Store.GetDriver(ctx, "D2")
	assert.True(t, d2.Available)

	assert.ErrorIs(t, s.Accept(ctx, "ghost", r1.ID), models.ErrNotFound)
	assert.ErrorIs(t, s.Accept(ctx, "D2", "ghost"), models.ErrNotFound)
}

func TestScenarioE_ConcurrentAcceptExactlyOneWins(t *testing.T) {
	s := newService(t, legTimer{per: time.Minute})
	ctx := context.Background()
	r1 := createRide(t, s, "red square", "u village")
	const drivers = 16
	for i := 0; i < drivers; i++ {
		checkIn(t, s, fmt.Sprintf("D%d", i), places["husky stadium"])
	}

	var wg sync.WaitGroup
	errs := make([]error, drivers)
	start := make(chan struct{})
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = s.Accept(ctx, fmt.Sprintf("D%d", i), r1.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, models.ErrConflict), "unexpected error %v", err)
	}
	assert.Equal(t, 1, wins)

	busy, err := s.Store.ListDrivers(ctx, false)
	require.NoError(t, err)
	n := 0
	for _, d := range busy {
		if !d.Available {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestAssignNextPairsFIFO(t *testing.T) {
	s := newService(t, legTimer{per: time.Minute})
	ctx := context.Background()
	r1 := createRide(t, s, "red square", "u village")
	r2 := createRide(t, s, "mccarty hall", "husky stadium")
	r3 := createRide(t, s, "husky stadium", "red square")
	checkIn(t, s, "D1", places["husky stadium"])
	checkIn(t, s, "D2", places["red square"])

	matches, err := s.AssignNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Match{{RideID: r1.ID, DriverID: "D1"}, {RideID: r2.ID, DriverID: "D2"}}, matches)

	st, err := s.Status(ctx, r3.ID)
	assert.ErrorIs(t, err, models.ErrNoCapacity)
	assert.Nil(t, st)

	matches, err = s.AssignNext(ctx)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestAssignNextRacesAccept(t *testing.T) {
	s := newService(t, legTimer{per: time.Minute})
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		createRide(t, s, "red square", "u village")
	}
	for i := 0; i < 10; i++ {
		checkIn(t, s, fmt.Sprintf("D%d", i), places["husky stadium"])
	}
	rides, err := s.Store.ListRides(ctx, storage.Waiting)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = s.Accept(ctx, fmt.Sprintf("D%d", i), rides[29-i].ID)
		}(i)
		go func() {
			defer wg.Done()
			_, _ = s.AssignNext(ctx)
		}()
	}
	wg.Wait()

	all, err := s.Store.ListRides(ctx, nil)
	require.NoError(t, err)
	byDriver := map[string]string{}
	inCar := 0
	for _, r := range all {
		if r.Status != models.StatusInCar {
			continue
		}
		inCar++
		prev, dup := byDriver[r.DriverID]
		assert.False(t, dup, "driver %s carries %s and %s", r.DriverID, prev, r.ID)
		byDriver[r.DriverID] = r.ID
	}
	assert.Equal(t, 10, inCar)

	drivers, err := s.Store.ListDrivers(ctx, false)
	require.NoError(t, err)
	for _, d := range drivers {
		assert.Equal(t, d.Available, d.CurrentRideID == "")
		assert.Equal(t, byDriver[d.ID], d.CurrentRideID)
	}
}

func TestDriverView(t *testing.T) {
	s := newService(t, legTimer{per: time.Minute})
	ctx := context.Background()
	r1 := createRide(t, s, "red square", "u village")
	r2 := createRide(t, s, "mccarty hall", "husky stadium")
	checkIn(t, s, "D1", places["husky stadium"])

	v, err := s.DriverView(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, v.CurrentRide)
	assert.Len(t, v.Queue, 2)

	require.NoError(t, s.Accept(ctx, "D1", r1.ID))
	v, err = s.DriverView(ctx, "D1")
	require.NoError(t, err)
	require.NotNil(t, v.CurrentRide)
	assert.Equal(t, r1.ID, v.CurrentRide.ID)
	require.Len(t, v.Queue, 1)
	assert.Equal(t, r2.ID, v.Queue[0].ID)
}

func TestUpdateLocationPushesBoundRide(t *testing.T) {
	s := newService(t, legTimer{per: 30 * time.Second})
	n := newRecordingNotifier()
	pub := &recordingPublisher{}
	s.Notifier, s.Events = n, pub
	ctx := context.Background()

	r1 := createRide(t, s, "red square", "u village")
	checkIn(t, s, "D1", places["husky stadium"])
	n.subs[r1.ID] = 1

	require.NoError(t, s.Accept(ctx, "D1", r1.ID))
	got := n.last(r1.ID)
	require.NotNil(t, got, "match pushes to subscribers")
	assert.Equal(t, models.StatusInCar, got.Status)

	_, err := s.UpdateLocation(ctx, LocationUpdate{DriverID: "D1", Lat: 47.6600, Lon: -122.3050})
	require.NoError(t, err)
	got = n.last(r1.ID)
	assert.Equal(t, models.Coord{Lat: 47.6600, Lon: -122.3050}, *got.DriverLocation)
	assert.Equal(t, 30, *got.ETASeconds)

	require.NoError(t, s.Complete(ctx, r1.ID))
	assert.Equal(t, models.StatusCompleted, n.last(r1.ID).Status)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	types := make([]string, 0, len(pub.rides))
	for _, ev := range pub.rides {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{models.EventRideCreated, models.EventRideMatched, models.EventRideCompleted}, types)
	assert.Len(t, pub.locations, 2)
	assert.Equal(t, r1.ID, pub.locations[1].CurrentRideID)
}

func TestUpdateLocationSkipsUnwatchedRides(t *testing.T) {
	s := newService(t, legTimer{per: time.Second})
	n := newRecordingNotifier()
	s.Notifier = n
	r1 := createRide(t, s, "red square", "u village")
	checkIn(t, s, "D1", places["husky stadium"])

	_, err := s.UpdateLocation(context.Background(), LocationUpdate{DriverID: "D1", Lat: 47.65, Lon: -122.30, CurrentRideID: r1.ID})
	require.NoError(t, err)
	assert.Nil(t, n.last(r1.ID))

	n.subs[r1.ID] = 1
	_, err = s.UpdateLocation(context.Background(), LocationUpdate{DriverID: "D1", Lat: 47.65, Lon: -122.30, CurrentRideID: r1.ID})
	require.NoError(t, err)
	got := n.last(r1.ID)
	require.NotNil(t, got, "unbound driver falls back to the named ride")
	assert.Equal(t, models.StatusWaiting, got.Status)
}

func TestUpdateLocationKeepsAvailability(t *testing.T) {
	s := newService(t, legTimer{per: time.Second})
	ctx := context.Background()
	r1 := createRide(t, s, "red square", "u village")
	checkIn(t, s, "D1", places["husky stadium"])
	require.NoError(t, s.Accept(ctx, "D1", r1.ID))

	d, err := s.UpdateLocation(ctx, LocationUpdate{DriverID: "D1", Lat: 47.66, Lon: -122.31})
	require.NoError(t, err)
	assert.False(t, d.Available)
	assert.Equal(t, r1.ID, d.CurrentRideID)
}

func TestRunAutoAssign(t *testing.T) {
	s := newService(t, legTimer{per: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	r1 := createRide(t, s, "red square", "u village")
	checkIn(t, s, "D1", places["husky stadium"])

	done := make(chan error, 1)
	go func() { done <- s.RunAutoAssign(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		r, err := s.Store.GetRide(context.Background(), r1.ID)
		return err == nil && r.Status == models.StatusInCar
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	assert.NoError(t, s.RunAutoAssign(context.Background(), 0))
}

func TestPushReportsNoCapacityToWaitingRide(t *testing.T) {
	s := newService(t, legTimer{per: time.Second})
	n := newRecordingNotifier()
	s.Notifier = n
	ctx := context.Background()

	r1 := createRide(t, s, "red square", "u village")
	r2 := createRide(t, s, "husky stadium", "mccarty hall")
	checkIn(t, s, "D1", places["husky stadium"])
	n.subs[r2.ID] = 1

	s.push(ctx, r2.ID)
	assert.IsType(t, &models.RideStatusView{}, n.pushed[r2.ID][0])

	require.NoError(t, s.Accept(ctx, "D1", r1.ID))
	s.push(ctx, r2.ID)
	require.Len(t, n.pushed[r2.ID], 2)
	assert.Equal(t, models.ErrorView{Error: "No drivers available"}, n.pushed[r2.ID][1])
}

// ctxStore fails every call once its context is done, like a database.
type ctxStore struct{ storage.Registry }

func (c ctxStore) ListRides(ctx context.Context, st *models.RideStatus) ([]models.Ride, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Registry.ListRides(ctx, st)
}

func (c ctxStore) MatchRide(ctx context.Context, rideID, driverID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Registry.MatchRide(ctx, rideID, driverID)
}

func TestAssignNextSurvivesCanceledCaller(t *testing.T) {
	s := newService(t, legTimer{per: time.Second})
	s.Store = ctxStore{s.Store}
	r1 := createRide(t, s, "red square", "u village")
	checkIn(t, s, "D1", places["husky stadium"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	matches, err := s.AssignNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Match{{RideID: r1.ID, DriverID: "D1"}}, matches)
}
