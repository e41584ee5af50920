package routing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/observability"
)

// Router is implemented by routing providers.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (models.RouteEstimate, error)
}

// PlannerOptions tunes how often a route is recomputed.
type PlannerOptions struct {
	MinMoveMeters    float64
	MaxAge           time.Duration
	FallbackSpeedMps float64
}

// Planner owns the current RouteEstimate. Recomputation is triggered by a leg
// change, enough movement or age; last write wins.
type Planner struct {
	router Router
	cache  *Cache
	opts   PlannerOptions
	log    *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	current *models.RouteEstimate
}

func NewPlanner(router Router, cache *Cache, opts PlannerOptions, log *slog.Logger) *Planner {
	return &Planner{router: router, cache: cache, opts: opts, log: logging.Component(log, "routing"), now: time.Now}
}

// Current returns the latest estimate, if any.
func (p *Planner) Current() (models.RouteEstimate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return models.RouteEstimate{}, false
	}
	return *p.current, true
}

// Reset forgets the current estimate.
func (p *Planner) Reset() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	if p.cache != nil {
		p.cache.Purge()
	}
}

// Stale reports whether an estimate for from->to should be recomputed.
func (p *Planner) Stale(from, to models.Coord) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := p.current
	if c == nil || c.To != to {
		return true
	}
	if Haversine(c.From, from) >= p.opts.MinMoveMeters {
		return true
	}
	return p.opts.MaxAge > 0 && p.now().Sub(c.ComputedAt) >= p.opts.MaxAge
}

// Update recomputes the estimate when stale (or when force is set) and
// returns the estimate now held.
func (p *Planner) Update(ctx context.Context, from, to models.Coord, force bool) (models.RouteEstimate, error) {
	if !force && !p.Stale(from, to) {
		observability.RouteFetches.WithLabelValues("skipped").Inc()
		cur, _ := p.Current()
		return cur, nil
	}
	if p.cache != nil {
		if v, ok := p.cache.Get(from, to); ok {
			observability.RouteFetches.WithLabelValues("cached").Inc()
			p.store(v)
			return v, nil
		}
	}
	est, err := p.route(ctx, from, to)
	switch {
	case err == nil:
		observability.RouteFetches.WithLabelValues("ok").Inc()
		if p.cache != nil {
			p.cache.Set(from, to, est)
		}
	case errors.Is(err, ErrDegenerateRoute):
		observability.RouteFetches.WithLabelValues("degenerate").Inc()
		if cur, ok := p.Current(); ok && cur.To == to {
			return cur, nil
		}
		est = Straight(from, to, p.opts.FallbackSpeedMps)
	default:
		if ctx.Err() != nil {
			return models.RouteEstimate{}, ctx.Err()
		}
		observability.RouteFetches.WithLabelValues("fallback").Inc()
		p.log.Warn("route_fetch_failed", "err", err)
		est = Straight(from, to, p.opts.FallbackSpeedMps)
	}
	p.store(est)
	return est, nil
}

func (p *Planner) route(ctx context.Context, from, to models.Coord) (models.RouteEstimate, error) {
	if p.router == nil {
		return models.RouteEstimate{}, errors.New("no router configured")
	}
	return p.router.Route(ctx, from, to)
}

func (p *Planner) store(est models.RouteEstimate) {
	p.mu.Lock()
	p.current = &est
	p.mu.Unlock()
}
