package eta

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/campus-escort/internal/models"
)

// LimitedTimer caps the request rate to a metered routing backend. A call
// that cannot get a token before its deadline fails instead of queueing.
type LimitedTimer struct {
	Timer   RouteTimer
	Limiter *rate.Limiter
}

func NewLimitedTimer(t RouteTimer, perSecond float64, burst int) *LimitedTimer {
	return &LimitedTimer{Timer: t, Limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *LimitedTimer) Duration(ctx context.Context, from, to models.Coord) (time.Duration, error) {
	if err := l.Limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: route rate limit: %w", models.ErrExternalService, err)
	}
	return l.Timer.Duration(ctx, from, to)
}
