package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrExternalService = errors.New("external service failure")
	ErrNoCapacity      = errors.New("no drivers available")
)

var (
	ErrRideNotFound   = fmt.Errorf("ride %w", ErrNotFound)
	ErrDriverNotFound = fmt.Errorf("driver %w", ErrNotFound)

	ErrRideNotWaiting    = fmt.Errorf("%w: ride is not waiting", ErrConflict)
	ErrRideNotInCar      = fmt.Errorf("%w: ride is not in car", ErrConflict)
	ErrDriverUnavailable = fmt.Errorf("%w: driver is not available", ErrConflict)
)
