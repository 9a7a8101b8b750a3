package geo

import (
	"context"
	"fmt"
	"strings"

	"googlemaps.github.io/maps"

	"github.com/example/campus-escort/internal/models"
)

// GoogleGeocoder resolves addresses with the Google Geocoding API, biased to
// the campus viewbox.
type GoogleGeocoder struct {
	client *maps.Client
	suffix string
	bounds *maps.LatLngBounds
}

func NewGoogleGeocoder(client *maps.Client, suffix string, campus Campus) *GoogleGeocoder {
	sw, ne := campus.Corners()
	return &GoogleGeocoder{
		client: client,
		suffix: suffix,
		bounds: &maps.LatLngBounds{
			SouthWest: maps.LatLng{Lat: sw.Lat, Lng: sw.Lon},
			NorthEast: maps.LatLng{Lat: ne.Lat, Lng: ne.Lon},
		},
	}
}

func (g *GoogleGeocoder) Geocode(ctx context.Context, text string) (*models.Place, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	res, err := g.client.Geocode(ctx, &maps.GeocodingRequest{
		Address: text + g.suffix,
		Bounds:  g.bounds,
		Region:  "us",
	})
	if err != nil {
		return nil, fmt.Errorf("geocoding api: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	loc := res[0].Geometry.Location
	return &models.Place{Lat: loc.Lat, Lon: loc.Lng, Address: res[0].FormattedAddress}, nil
}
