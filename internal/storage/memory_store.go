package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/campus-escort/internal/models"
)

// MemoryStore keeps rides and drivers in process memory. A single mutex
// guards both maps so two-record transitions are check-and-set.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]models.Ride
	drivers map[string]models.Driver
	seq     int64
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]models.Ride),
		drivers: make(map[string]models.Driver),
		now:     time.Now,
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	now := m.now()
	r.Seq = m.seq
	r.Status = models.StatusWaiting
	r.DriverID = ""
	r.CreatedAt = now
	r.UpdatedAt = now
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, models.ErrRideNotFound
	}
	return &r, nil
}

func (m *MemoryStore) ListRides(_ context.Context, status *models.RideStatus) ([]models.Ride, error) {
	m.mu.RLock()
	out := make([]models.Ride, 0, len(m.rides))
	for _, r := range m.rides {
		if status != nil && r.Status != *status {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, models.ErrDriverNotFound
	}
	return &d, nil
}

func (m *MemoryStore) ListDrivers(_ context.Context, availableOnly bool) ([]models.Driver, error) {
	m.mu.RLock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if availableOnly && !d.Available {
			continue
		}
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) UpdateDriverLocation(_ context.Context, id string, lat, lon float64, at time.Time) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		m.seq++
		d = models.Driver{ID: id, Available: true, Seq: m.seq}
	}
	d.Lat, d.Lon, d.LastUpdated = lat, lon, at
	m.drivers[id] = d
	return &d, nil
}

func (m *MemoryStore) MatchRide(_ context.Context, rideID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return models.ErrRideNotFound
	}
	d, ok := m.drivers[driverID]
	if !ok {
		return models.ErrDriverNotFound
	}
	if r.Status != models.StatusWaiting {
		return models.ErrRideNotWaiting
	}
	if !d.Available || d.CurrentRideID != "" {
		return models.ErrDriverUnavailable
	}
	now := m.now()
	r.Status, r.DriverID, r.UpdatedAt = models.StatusInCar, driverID, now
	d.Available, d.CurrentRideID = false, rideID
	m.rides[rideID] = r
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryStore) CompleteRide(_ context.Context, rideID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return "", models.ErrRideNotFound
	}
	if r.Status != models.StatusInCar {
		return "", models.ErrRideNotInCar
	}
	now := m.now()
	r.Status, r.UpdatedAt = models.StatusCompleted, now
	m.rides[rideID] = r
	if d, ok := m.drivers[r.DriverID]; ok && d.CurrentRideID == rideID {
		d.Available, d.CurrentRideID = true, ""
		m.drivers[r.DriverID] = d
	}
	return r.DriverID, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
