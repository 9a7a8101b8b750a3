package eta

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/campus-escort/internal/models"
	"github.com/example/campus-escort/internal/observability"
)

// FallbackLeg is charged for any leg whose lookup fails or times out.
const FallbackLeg = 5 * time.Minute

// Estimator composes route legs into ride ETAs. Lookup failures never
// surface to callers; each failed leg costs FallbackLeg instead.
type Estimator struct {
	timer       RouteTimer
	timeout     time.Duration
	maxParallel int
	logger      *slog.Logger
}

func NewEstimator(timer RouteTimer, timeout time.Duration, maxParallel int, logger *slog.Logger) *Estimator {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Estimator{timer: timer, timeout: timeout, maxParallel: maxParallel, logger: logger}
}

// Leg returns the duration of a single leg truncated to whole seconds.
func (e *Estimator) Leg(ctx context.Context, from, to models.Coord) time.Duration {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	start := time.Now()
	d, err := e.timer.Duration(ctx, from, to)
	if err == nil && d < 0 {
		err = ErrNoRoute
	}
	if err != nil {
		observability.RouteLegDuration.WithLabelValues("fallback").Observe(time.Since(start).Seconds())
		observability.RouteLegFallbacks.Inc()
		e.logger.Warn("route lookup failed, using fallback leg",
			"error", err,
			"from", fmt.Sprintf("%.6f,%.6f", from.Lat, from.Lon),
			"to", fmt.Sprintf("%.6f,%.6f", to.Lat, to.Lon))
		return FallbackLeg
	}
	observability.RouteLegDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	return d.Truncate(time.Second)
}

// Segment is one leg of a composed route.
type Segment struct{ From, To models.Coord }

// QueueLegs lists the legs a driver at origin drives before reaching the
// pickup of target: each ride ahead is driven pickup to destination in order.
func QueueLegs(origin models.Coord, ahead []models.Ride, target models.Ride) []Segment {
	legs := make([]Segment, 0, 2*len(ahead)+1)
	cur := origin
	for _, r := range ahead {
		legs = append(legs, Segment{cur, r.Pickup.Coord()}, Segment{r.Pickup.Coord(), r.Destination.Coord()})
		cur = r.Destination.Coord()
	}
	return append(legs, Segment{cur, target.Pickup.Coord()})
}

// QueueETA sums every leg of QueueLegs. Legs are looked up concurrently
// since all endpoints are known up front.
func (e *Estimator) QueueETA(ctx context.Context, origin models.Coord, ahead []models.Ride, target models.Ride) time.Duration {
	legs := QueueLegs(origin, ahead, target)
	results := make([]time.Duration, len(legs))

	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i, l := range legs {
		g.Go(func() error {
			results[i] = e.Leg(ctx, l.From, l.To)
			return nil
		})
	}
	_ = g.Wait()

	var total time.Duration
	for _, d := range results {
		total += d
	}
	return total
}

// InCarETA is the remaining time from the driver's position to the
// ride's destination.
func (e *Estimator) InCarETA(ctx context.Context, driverPos models.Coord, ride models.Ride) time.Duration {
	return e.Leg(ctx, driverPos, ride.Destination.Coord())
}

// Format renders d as "M min S sec".
func Format(d time.Duration) string {
	secs := int(d / time.Second)
	return fmt.Sprintf("%d min %d sec", secs/60, secs%60)
}
