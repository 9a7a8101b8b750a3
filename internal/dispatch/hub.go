package dispatch

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/example/campus-escort/internal/observability"
)

// Subscriber is one push channel interested in a ride.
type Subscriber interface {
	Send(ctx context.Context, v any) error
	Close() error
}

const shardCount = 32

type shard struct {
	mu   sync.Mutex
	subs map[string]map[Subscriber]struct{}
}

// Hub maps ride IDs to their open subscribers. Rides are spread across
// lock shards so pushes for different rides never contend.
type Hub struct {
	shards      [shardCount]shard
	maxParallel int
	logger      *slog.Logger
}

func NewHub(maxParallel int, logger *slog.Logger) *Hub {
	if maxParallel <= 0 {
		maxParallel = 16
	}
	h := &Hub{maxParallel: maxParallel, logger: logger}
	for i := range h.shards {
		h.shards[i].subs = make(map[string]map[Subscriber]struct{})
	}
	return h
}

func (h *Hub) shardFor(rideID string) *shard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(rideID))
	return &h.shards[f.Sum32()%shardCount]
}

func (h *Hub) Subscribe(rideID string, s Subscriber) {
	sh := h.shardFor(rideID)
	sh.mu.Lock()
	set, ok := sh.subs[rideID]
	if !ok {
		set = make(map[Subscriber]struct{})
		sh.subs[rideID] = set
	}
	_, dup := set[s]
	set[s] = struct{}{}
	sh.mu.Unlock()
	if !dup {
		observability.WSSubscribers.Inc()
	}
}

// Unsubscribe removes exactly s and reports whether it was present.
func (h *Hub) Unsubscribe(rideID string, s Subscriber) bool {
	sh := h.shardFor(rideID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.subs[rideID]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(sh.subs, rideID)
	}
	observability.WSSubscribers.Dec()
	return true
}

func (h *Hub) Subscribers(rideID string) int {
	sh := h.shardFor(rideID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.subs[rideID])
}

func (h *Hub) snapshot(rideID string) []Subscriber {
	sh := h.shardFor(rideID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set := sh.subs[rideID]
	out := make([]Subscriber, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Broadcast sends v to every subscriber of rideID and returns how many
// deliveries succeeded. Subscribers that fail are unsubscribed and closed.
func (h *Hub) Broadcast(ctx context.Context, rideID string, v any) int {
	targets := h.snapshot(rideID)
	if len(targets) == 0 {
		return 0
	}

	p := pool.NewWithResults[Subscriber]().WithMaxGoroutines(h.maxParallel)
	for _, s := range targets {
		p.Go(func() Subscriber {
			if err := s.Send(ctx, v); err != nil {
				h.logger.Debug("push failed, dropping subscriber", "ride_id", rideID, "error", err)
				return s
			}
			return nil
		})
	}
	failed := 0
	for _, s := range p.Wait() {
		if s == nil {
			continue
		}
		failed++
		if h.Unsubscribe(rideID, s) {
			_ = s.Close()
		}
	}
	observability.PushDeliveries.WithLabelValues("ok").Add(float64(len(targets) - failed))
	if failed > 0 {
		observability.PushDeliveries.WithLabelValues("failed").Add(float64(failed))
	}
	return len(targets) - failed
}

// CloseAll closes and forgets every subscriber.
func (h *Hub) CloseAll() {
	for i := range h.shards {
		sh := &h.shards[i]
		sh.mu.Lock()
		subs := sh.subs
		sh.subs = make(map[string]map[Subscriber]struct{})
		sh.mu.Unlock()
		for _, set := range subs {
			for s := range set {
				observability.WSSubscribers.Dec()
				_ = s.Close()
			}
		}
	}
}
