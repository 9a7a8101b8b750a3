package geo

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/geo/s2"

	"github.com/example/campus-escort/internal/models"
)

const earthRadiusMeters = 6371000.0

// Distance is the great-circle distance in meters.
func Distance(a, b models.Coord) float64 {
	return s2.LatLngFromDegrees(a.Lat, a.Lon).Distance(s2.LatLngFromDegrees(b.Lat, b.Lon)).Radians() * earthRadiusMeters
}

// Campus is the service area. Geocoded points outside it are rejected.
type Campus struct {
	rect s2.Rect
}

func NewCampus(southLat, westLon, northLat, eastLon float64) Campus {
	r := s2.RectFromLatLng(s2.LatLngFromDegrees(southLat, westLon))
	r = r.AddPoint(s2.LatLngFromDegrees(northLat, eastLon))
	return Campus{rect: r}
}

func (c Campus) Contains(p models.Coord) bool {
	return c.rect.ContainsLatLng(s2.LatLngFromDegrees(p.Lat, p.Lon))
}

// Corners returns the south-west and north-east corners.
func (c Campus) Corners() (sw, ne models.Coord) {
	lo, hi := c.rect.Lo(), c.rect.Hi()
	return models.Coord{Lat: lo.Lat.Degrees(), Lon: lo.Lng.Degrees()},
		models.Coord{Lat: hi.Lat.Degrees(), Lon: hi.Lng.Degrees()}
}

// Geocoder resolves free address text to a place. A nil place with a nil
// error means the text did not resolve.
type Geocoder interface {
	Geocode(ctx context.Context, text string) (*models.Place, error)
}

// Chain asks each geocoder in turn and returns the first hit.
type Chain []Geocoder

func (c Chain) Geocode(ctx context.Context, text string) (*models.Place, error) {
	var errs []error
	for _, g := range c {
		p, err := g.Geocode(ctx, text)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if p != nil {
			return p, nil
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", models.ErrExternalService, errors.Join(errs...))
	}
	return nil, nil
}

// Bounded drops results that fall outside the campus.
type Bounded struct {
	Geocoder Geocoder
	Campus   Campus
}

func (b Bounded) Geocode(ctx context.Context, text string) (*models.Place, error) {
	p, err := b.Geocoder.Geocode(ctx, text)
	if err != nil || p == nil {
		return nil, err
	}
	if !b.Campus.Contains(p.Coord()) {
		return nil, nil
	}
	return p, nil
}
