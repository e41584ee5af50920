package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/rider-agent/internal/backend"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/observability"
	"github.com/example/rider-agent/internal/realtime"
	"github.com/example/rider-agent/internal/storage"
)

// Backend is the subset of the dispatch backend the coordinator drives.
type Backend interface {
	FetchOffers(ctx context.Context) ([]models.Offer, error)
	AcceptOrder(ctx context.Context, kind models.Kind, id string) error
	RejectOrder(ctx context.Context, kind models.Kind, id string) error
	UpdateStage(ctx context.Context, kind models.Kind, id, text string) error
	FinalizeOrder(ctx context.Context, kind models.Kind, id, otp string, earning float64) error
	FetchOrder(ctx context.Context, kind models.Kind, id string) (models.OrderStatus, error)
	ToggleAvailability(ctx context.Context, online bool) error
}

// Emitter publishes outbound events on the realtime channel.
type Emitter interface {
	Emit(ctx context.Context, typ string, payload any) error
}

// Planner owns the advisory route estimate.
type Planner interface {
	Update(ctx context.Context, from, to models.Coord, force bool) (models.RouteEstimate, error)
	Current() (models.RouteEstimate, bool)
	Reset()
}

type Payouts interface {
	Payout(ctx context.Context, e models.Earning) (string, error)
}

type Notifier interface {
	Notify(n models.Notice)
}

// Deps are the collaborators of a Coordinator. Backend and Ledger are
// required; the rest may be nil.
type Deps struct {
	Backend  Backend
	Ledger   storage.Ledger
	Channel  Emitter
	Planner  Planner
	Payouts  Payouts
	Notifier Notifier
}

type Options struct {
	RiderID        string
	RiderName      string
	OTPMaxAttempts int
	OTPLockout     time.Duration
}

const (
	maxRememberedCompletions = 256
	claimMemory              = 10 * time.Minute
)

// Coordinator owns the rider's offer queue and current assignment. At most
// one assignment is held at a time; the backend stays the source of truth
// for ownership and the local copy is reconciled against it.
type Coordinator struct {
	deps Deps
	opts Options
	log  *slog.Logger
	now  func() time.Time

	finalizeGroup singleflight.Group
	// syncMu orders stage and finalize writes to the backend. Taken before mu.
	syncMu sync.Mutex

	mu            sync.Mutex
	online        bool
	assignment    *models.Assignment
	queue         []models.Offer
	pendingAccept string
	claimed       map[string]time.Time
	completions   map[string]models.Completion
	completedIDs  []string
	unrecorded    []models.Earning
	otpFailures   int
	otpLockedTill time.Time
	position      models.Coord
}

func New(deps Deps, opts Options, log *slog.Logger) *Coordinator {
	if opts.OTPMaxAttempts <= 0 {
		opts.OTPMaxAttempts = 5
	}
	if opts.OTPLockout <= 0 {
		opts.OTPLockout = 30 * time.Second
	}
	return &Coordinator{
		deps:        deps,
		opts:        opts,
		log:         logging.Component(log, "lifecycle"),
		now:         time.Now,
		online:      true,
		claimed:     make(map[string]time.Time),
		completions: make(map[string]models.Completion),
	}
}

// HandleEvent is the single subscriber of the realtime channel.
func (c *Coordinator) HandleEvent(ctx context.Context, ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.OfferEvent:
		c.OnOrderOffered(ctx, e.Offer)
	case realtime.ClaimedEvent:
		c.OnClaimedElsewhere(ctx, e.OrderID, e.RiderID)
	}
}

// OnOrderOffered queues an offer for display. Nothing changes until the
// rider responds.
func (c *Coordinator) OnOrderOffered(ctx context.Context, o models.Offer) {
	c.enqueue(o, "push")
}

func (c *Coordinator) enqueue(o models.Offer, source string) {
	now := c.now()
	if o.ReceivedAt.IsZero() {
		o.ReceivedAt = now
	}
	c.mu.Lock()
	if reason := c.dropReasonLocked(o, now); reason != "" {
		c.mu.Unlock()
		c.log.Debug("offer_dropped", "order_id", o.ID, "reason", reason, "source", source)
		return
	}
	c.queue = append(c.queue, o)
	observability.OffersReceived.WithLabelValues(source).Inc()
	observability.OfferQueueDepth.Set(float64(len(c.queue)))
	visible := len(c.queue) == 1 && c.assignment == nil
	c.mu.Unlock()

	c.log.Info("offer_queued", "order_id", o.ID, "kind", o.Kind, "source", source)
	if visible {
		c.notify(models.Notice{Type: models.NoticeOffer, OrderID: o.ID, Message: "New " + o.Kind.String() + " order", Earning: o.Earning, Offer: &o})
	}
}

func (c *Coordinator) dropReasonLocked(o models.Offer, now time.Time) string {
	switch {
	case !c.online:
		return "offline"
	case o.ID == "" || !o.Kind.IsValid():
		return "malformed"
	case o.Expired(now):
		return "expired"
	case c.assignment != nil && c.assignment.ID == o.ID:
		return "held"
	}
	if _, ok := c.claimed[o.ID]; ok {
		return "claimed"
	}
	if _, ok := c.completions[o.ID]; ok {
		return "completed"
	}
	for _, q := range c.queue {
		if q.ID == o.ID {
			return "duplicate"
		}
	}
	return ""
}

// CurrentOffer returns the offer visible to the rider, skipping queued
// offers that expired or were claimed in the meantime.
func (c *Coordinator) CurrentOffer() (models.Offer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneQueueLocked()
	if len(c.queue) == 0 {
		return models.Offer{}, false
	}
	return c.queue[0], true
}

func (c *Coordinator) pruneQueueLocked() {
	now := c.now()
	kept := c.queue[:0]
	for _, o := range c.queue {
		if _, claimed := c.claimed[o.ID]; claimed || o.Expired(now) {
			continue
		}
		kept = append(kept, o)
	}
	c.queue = kept
	observability.OfferQueueDepth.Set(float64(len(c.queue)))
}

func (c *Coordinator) removeQueuedLocked(id string) (models.Offer, bool) {
	for i, o := range c.queue {
		if o.ID == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			observability.OfferQueueDepth.Set(float64(len(c.queue)))
			return o, true
		}
	}
	return models.Offer{}, false
}

func (c *Coordinator) findQueuedLocked(id string) (models.Offer, bool) {
	for _, o := range c.queue {
		if o.ID == id {
			return o, true
		}
	}
	return models.Offer{}, false
}

// Accept claims a queued offer. It fails with ErrConflict when an
// assignment is already held or the order was claimed first; a claim
// notice arriving while the backend call is in flight rolls the accept
// back.
func (c *Coordinator) Accept(ctx context.Context, id string) (models.Assignment, error) {
	c.mu.Lock()
	if c.assignment != nil {
		held := c.assignment.ID
		c.mu.Unlock()
		observability.Conflicts.Inc()
		return models.Assignment{}, fmt.Errorf("%w: assignment %s already held", ErrConflict, held)
	}
	if c.pendingAccept != "" {
		pending := c.pendingAccept
		c.mu.Unlock()
		return models.Assignment{}, fmt.Errorf("%w: accept of %s in flight", ErrConflict, pending)
	}
	offer, ok := c.findQueuedLocked(id)
	if !ok {
		c.mu.Unlock()
		return models.Assignment{}, fmt.Errorf("%w: %s", ErrUnknownOffer, id)
	}
	if _, claimed := c.claimed[id]; claimed {
		c.removeQueuedLocked(id)
		c.mu.Unlock()
		observability.Conflicts.Inc()
		return models.Assignment{}, fmt.Errorf("%w: order %s claimed by another rider", ErrConflict, id)
	}
	if offer.Expired(c.now()) {
		c.removeQueuedLocked(id)
		c.mu.Unlock()
		return models.Assignment{}, fmt.Errorf("%w: %s expired", ErrUnknownOffer, id)
	}
	c.pendingAccept = id
	c.mu.Unlock()

	err := c.deps.Backend.AcceptOrder(ctx, offer.Kind, id)

	c.mu.Lock()
	c.pendingAccept = ""
	if err != nil {
		if !errors.Is(err, backend.ErrClaimed) {
			c.mu.Unlock()
			c.log.Error("accept_failed", "order_id", id, "err", err)
			return models.Assignment{}, fmt.Errorf("accept %s: %w", id, err)
		}
		c.claimed[id] = c.now()
	}
	if _, claimed := c.claimed[id]; claimed {
		c.removeQueuedLocked(id)
		c.mu.Unlock()
		observability.Conflicts.Inc()
		observability.OfferDecisions.WithLabelValues("lost").Inc()
		c.log.Info("accept_lost", "order_id", id)
		c.notify(models.Notice{Type: models.NoticeConflict, OrderID: id, Message: "Order was accepted by another rider"})
		return models.Assignment{}, fmt.Errorf("%w: order %s claimed by another rider", ErrConflict, id)
	}
	c.removeQueuedLocked(id)
	now := c.now()
	a := models.Assignment{
		ID:             offer.ID,
		Kind:           offer.Kind,
		Pickup:         offer.Pickup,
		Dropoff:        offer.Dropoff,
		Stage:          models.StageEnRouteToPickup,
		OTP:            offer.OTP,
		Earning:        offer.Earning,
		CounterpartyID: offer.CounterpartyID,
		AcceptedAt:     now,
		UpdatedAt:      now,
	}
	c.assignment = &a
	c.resetOTPLocked()
	pos := c.position
	c.mu.Unlock()

	observability.OfferDecisions.WithLabelValues("accepted").Inc()
	observability.HasAssignment.Set(1)
	observability.StageTransitions.WithLabelValues(a.Stage.String()).Inc()
	c.log.Info("offer_accepted", "order_id", id, "kind", a.Kind)

	c.emit(ctx, realtime.EventOrderAccepted, c.decision(offer))
	c.reroute(ctx, pos, a.Leg(), true)
	return a, nil
}

// Reject drops a queued offer. The local effect always applies; a failure
// to tell the backend is returned so the rider knows the order may still
// be pinned to them.
func (c *Coordinator) Reject(ctx context.Context, id string) error {
	c.mu.Lock()
	offer, ok := c.removeQueuedLocked(id)
	next, hasNext := c.nextVisibleLocked()
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOffer, id)
	}
	observability.OfferDecisions.WithLabelValues("rejected").Inc()
	c.log.Info("offer_rejected", "order_id", id)
	if hasNext {
		c.notify(models.Notice{Type: models.NoticeOffer, OrderID: next.ID, Message: "New " + next.Kind.String() + " order", Earning: next.Earning, Offer: &next})
	}

	c.emit(ctx, realtime.EventOrderRejected, c.decision(offer))
	if err := c.deps.Backend.RejectOrder(ctx, offer.Kind, id); err != nil {
		c.log.Error("reject_sync_failed", "order_id", id, "err", err)
		return fmt.Errorf("reject %s: %w", id, err)
	}
	return nil
}

func (c *Coordinator) nextVisibleLocked() (models.Offer, bool) {
	if c.assignment != nil {
		return models.Offer{}, false
	}
	c.pruneQueueLocked()
	if len(c.queue) == 0 {
		return models.Offer{}, false
	}
	return c.queue[0], true
}

// OnClaimedElsewhere handles a competing acceptance. A queued offer is
// dropped; a held assignment for that order is cleared.
func (c *Coordinator) OnClaimedElsewhere(ctx context.Context, orderID, riderID string) {
	if orderID == "" || (riderID != "" && riderID == c.opts.RiderID) {
		return
	}
	c.mu.Lock()
	c.claimed[orderID] = c.now()
	c.removeQueuedLocked(orderID)
	lost := c.assignment != nil && c.assignment.ID == orderID
	if lost {
		c.assignment = nil
		c.resetOTPLocked()
	}
	c.mu.Unlock()

	if !lost {
		return
	}
	observability.Conflicts.Inc()
	observability.HasAssignment.Set(0)
	c.resetRoute()
	c.log.Warn("assignment_claimed_elsewhere", "order_id", orderID, "rider_id", riderID)
	c.notify(models.Notice{Type: models.NoticeConflict, OrderID: orderID, Message: "Order was assigned to another rider"})
}

// PollOffers drains the backend offer queue. It backs up the push path.
func (c *Coordinator) PollOffers(ctx context.Context) error {
	if !c.Online() {
		return nil
	}
	offers, err := c.deps.Backend.FetchOffers(ctx)
	if err != nil {
		return fmt.Errorf("poll offers: %w", err)
	}
	for _, o := range offers {
		c.enqueue(o, "poll")
	}
	return nil
}

// SetOnline toggles availability on the backend. Going offline discards
// queued offers but keeps a held assignment.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) error {
	if err := c.deps.Backend.ToggleAvailability(ctx, online); err != nil {
		return fmt.Errorf("toggle availability: %w", err)
	}
	c.mu.Lock()
	c.online = online
	if !online {
		c.queue = nil
		observability.OfferQueueDepth.Set(0)
	}
	c.mu.Unlock()
	c.log.Info("availability_changed", "online", online)
	return nil
}

func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Assignment returns a copy of the held assignment.
func (c *Coordinator) Assignment() (models.Assignment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assignment == nil {
		return models.Assignment{}, false
	}
	return *c.assignment, true
}

// Route returns the current advisory route estimate.
func (c *Coordinator) Route() (models.RouteEstimate, bool) {
	if c.deps.Planner == nil {
		return models.RouteEstimate{}, false
	}
	return c.deps.Planner.Current()
}

// UpdatePosition records the rider's latest fix and refreshes the route
// toward the active leg when the planner considers it stale.
func (c *Coordinator) UpdatePosition(ctx context.Context, pos models.Coord) {
	c.mu.Lock()
	c.position = pos
	var leg models.Coord
	held := c.assignment != nil
	if held {
		leg = c.assignment.Leg()
	}
	c.mu.Unlock()
	if held {
		c.reroute(ctx, pos, leg, false)
	}
}

// Run drives the reconciliation pass and the fallback offer poll until ctx
// is done.
func (c *Coordinator) Run(ctx context.Context, reconcileEvery, pollEvery time.Duration) {
	reconcile := time.NewTicker(reconcileEvery)
	defer reconcile.Stop()
	poll := time.NewTicker(pollEvery)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcile.C:
			if err := c.Reconcile(ctx); err != nil {
				c.log.Warn("reconcile_incomplete", "err", err)
			}
		case <-poll.C:
			if err := c.PollOffers(ctx); err != nil {
				c.log.Warn("offer_poll_failed", "err", err)
			}
		}
	}
}

func (c *Coordinator) decision(o models.Offer) realtime.Decision {
	return realtime.Decision{
		OrderID:        o.ID,
		OrderOf:        o.Kind,
		RiderID:        c.opts.RiderID,
		RiderName:      c.opts.RiderName,
		CounterpartyID: o.CounterpartyID,
		OTP:            o.OTP,
		RiderEarning:   o.Earning,
	}
}

func (c *Coordinator) emit(ctx context.Context, typ string, payload any) {
	if c.deps.Channel == nil {
		return
	}
	if err := c.deps.Channel.Emit(ctx, typ, payload); err != nil {
		c.log.Warn("emit_failed", "event", typ, "err", err)
	}
}

func (c *Coordinator) notify(n models.Notice) {
	if c.deps.Notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = c.now()
	}
	c.deps.Notifier.Notify(n)
}

func (c *Coordinator) reroute(ctx context.Context, from, to models.Coord, force bool) {
	if c.deps.Planner == nil || from.IsZero() {
		return
	}
	if _, err := c.deps.Planner.Update(ctx, from, to, force); err != nil {
		c.log.Warn("route_update_failed", "err", err)
	}
}

func (c *Coordinator) resetRoute() {
	if c.deps.Planner != nil {
		c.deps.Planner.Reset()
	}
}
