package eta

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"github.com/example/campus-escort/internal/models"
)

// GoogleRouteTimer uses the Google Directions API in driving mode.
type GoogleRouteTimer struct {
	client *maps.Client
}

func NewGoogleRouteTimer(client *maps.Client) *GoogleRouteTimer {
	return &GoogleRouteTimer{client: client}
}

func (g *GoogleRouteTimer) Duration(ctx context.Context, from, to models.Coord) (time.Duration, error) {
	routes, _, err := g.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      (&maps.LatLng{Lat: from.Lat, Lng: from.Lon}).String(),
		Destination: (&maps.LatLng{Lat: to.Lat, Lng: to.Lon}).String(),
		Mode:        maps.TravelModeDriving,
		Region:      "us",
	})
	if err != nil {
		return 0, fmt.Errorf("%w: directions api: %w", models.ErrExternalService, err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, ErrNoRoute
	}
	return routes[0].Legs[0].Duration.Truncate(time.Second), nil
}
