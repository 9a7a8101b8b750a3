package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/example/campus-escort/internal/models"
)

// PostgresStore implements Registry on PostgreSQL. Two-record transitions run
// in one transaction of conditional updates, always locking the ride row
// before the driver row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate executes the SQL file at path.
func (p *PostgresStore) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, string(b))
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const rideColumns = `seq, ride_id, requester_name, requester_id,
	pickup_lat, pickup_lon, pickup_address, dest_lat, dest_lon, dest_address,
	notes, status, driver_id, created_at, updated_at`

const driverColumns = `seq, driver_id, lat, lon, available, current_ride_id, last_updated`

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var r models.Ride
	var driverID sql.NullString
	err := s.Scan(&r.Seq, &r.ID, &r.RequesterName, &r.RequesterID,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Pickup.Address,
		&r.Destination.Lat, &r.Destination.Lon, &r.Destination.Address,
		&r.Notes, &r.Status, &driverID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	return &r, nil
}

func scanDriver(s scanner) (*models.Driver, error) {
	var d models.Driver
	var rideID sql.NullString
	if err := s.Scan(&d.Seq, &d.ID, &d.Lat, &d.Lon, &d.Available, &rideID, &d.LastUpdated); err != nil {
		return nil, err
	}
	d.CurrentRideID = rideID.String
	return &d, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	r.Status = models.StatusWaiting
	r.DriverID = ""
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO rides (ride_id, requester_name, requester_id,
			pickup_lat, pickup_lon, pickup_address, dest_lat, dest_lon, dest_address,
			notes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq, created_at, updated_at`,
		r.ID, r.RequesterName, r.RequesterID,
		r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address,
		r.Destination.Lat, r.Destination.Lon, r.Destination.Address,
		r.Notes, string(r.Status),
	)
	return row.Scan(&r.Seq, &r.CreatedAt, &r.UpdatedAt)
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE ride_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRideNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRides(ctx context.Context, status *models.RideStatus) ([]models.Ride, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status != nil {
		rows, err = p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE status = $1 ORDER BY seq`, string(*status))
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides ORDER BY seq`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE driver_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrDriverNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDrivers(ctx context.Context, availableOnly bool) ([]models.Driver, error) {
	q := `SELECT ` + driverColumns + ` FROM drivers ORDER BY seq`
	if availableOnly {
		q = `SELECT ` + driverColumns + ` FROM drivers WHERE available ORDER BY seq`
	}
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, id string, lat, lon float64, at time.Time) (*models.Driver, error) {
	return scanDriver(p.db.QueryRowContext(ctx, `
		INSERT INTO drivers (driver_id, lat, lon, available, last_updated)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (driver_id) DO UPDATE
		SET lat = EXCLUDED.lat, lon = EXCLUDED.lon, last_updated = EXCLUDED.last_updated
		RETURNING `+driverColumns, id, lat, lon, at))
}

func (p *PostgresStore) MatchRide(ctx context.Context, rideID, driverID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE rides SET status = 'in_car', driver_id = $2, updated_at = now()
		WHERE ride_id = $1 AND status = 'waiting'`, rideID, driverID)
	if isUniqueViolation(err) {
		// another transaction just put this driver in a car
		return models.ErrDriverUnavailable
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		if err := classifyMissing(ctx, tx, rideID, driverID); err != nil {
			return err
		}
		return models.ErrRideNotWaiting
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE drivers SET available = FALSE, current_ride_id = $1
		WHERE driver_id = $2 AND available`, rideID, driverID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		if err := classifyMissing(ctx, tx, "", driverID); err != nil {
			return err
		}
		return models.ErrDriverUnavailable
	}
	return tx.Commit()
}

func (p *PostgresStore) CompleteRide(ctx context.Context, rideID string) (string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var driverID string
	err = tx.QueryRowContext(ctx, `
		UPDATE rides SET status = 'completed', updated_at = now()
		WHERE ride_id = $1 AND status = 'in_car'
		RETURNING driver_id`, rideID).Scan(&driverID)
	if errors.Is(err, sql.ErrNoRows) {
		if err := classifyMissing(ctx, tx, rideID, ""); err != nil {
			return "", err
		}
		return "", models.ErrRideNotInCar
	}
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE drivers SET available = TRUE, current_ride_id = NULL
		WHERE driver_id = $1 AND current_ride_id = $2`, driverID, rideID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return driverID, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// classifyMissing returns a NotFound error for whichever of the non-empty ids
// does not exist, or nil when both exist.
func classifyMissing(ctx context.Context, tx *sql.Tx, rideID, driverID string) error {
	var exists bool
	if rideID != "" {
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE ride_id = $1)`, rideID).Scan(&exists); err != nil {
			return fmt.Errorf("lookup ride: %w", err)
		}
		if !exists {
			return models.ErrRideNotFound
		}
	}
	if driverID != "" {
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM drivers WHERE driver_id = $1)`, driverID).Scan(&exists); err != nil {
			return fmt.Errorf("lookup driver: %w", err)
		}
		if !exists {
			return models.ErrDriverNotFound
		}
	}
	return nil
}
