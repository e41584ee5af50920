package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/observability"
)

// StatusText is the order status text the backend shows the counterparty
// for a stage.
func StatusText(k models.Kind, s models.Stage) string {
	switch s {
	case models.StageEnRouteToPickup:
		if k == models.KindTransport {
			return "Rider is on the way to pick you up"
		}
		return "Rider is on the way to the restaurant"
	case models.StageAtPickup:
		return "Rider has picked your order from restaurant"
	case models.StagePassengerOnboard:
		return "The journey starts, Rider onboarded you."
	case models.StageEnRouteToDropoff:
		if k == models.KindTransport {
			return "On the way to your destination"
		}
		return "Rider is on the way to you"
	case models.StageCompleted:
		return "Delivered"
	}
	return ""
}

// ConfirmPickup records the rider-confirmed pickup milestone (order picked
// up, or passenger onboard). Repeating it once past that stage is a no-op.
func (c *Coordinator) ConfirmPickup(ctx context.Context, id string) (models.Assignment, error) {
	return c.advance(ctx, id, func(k models.Kind) models.Stage { return k.PickupMilestone() })
}

// Depart moves the assignment onto the dropoff leg.
func (c *Coordinator) Depart(ctx context.Context, id string) (models.Assignment, error) {
	return c.advance(ctx, id, func(models.Kind) models.Stage { return models.StageEnRouteToDropoff })
}

// advance moves the held assignment forward to the target stage. The local
// stage is kept even if the backend update fails; the assignment is marked
// PendingSync and Reconcile re-posts it.
func (c *Coordinator) advance(ctx context.Context, id string, targetOf func(models.Kind) models.Stage) (models.Assignment, error) {
	c.mu.Lock()
	if c.assignment == nil || c.assignment.ID != id {
		c.mu.Unlock()
		return models.Assignment{}, fmt.Errorf("%w: %s", ErrNoAssignment, id)
	}
	a := c.assignment
	target := targetOf(a.Kind)
	if a.Stage >= target {
		snap := *a
		c.mu.Unlock()
		return snap, nil
	}
	if next, ok := a.Kind.Next(a.Stage); !ok || next != target {
		cur := a.Stage
		c.mu.Unlock()
		return models.Assignment{}, fmt.Errorf("%w: %s -> %s", ErrStageOrder, cur, target)
	}
	a.Stage = target
	a.UpdatedAt = c.now()
	a.PendingSync = true
	snap := *a
	pos := c.position
	c.mu.Unlock()

	observability.StageTransitions.WithLabelValues(target.String()).Inc()
	c.log.Info("stage_advanced", "order_id", id, "stage", target)
	if target == snap.Kind.PickupMilestone() {
		c.reroute(ctx, pos, snap.Dropoff, true)
	}

	if _, err := c.syncStage(ctx, snap); err != nil {
		observability.StageSyncFailures.Inc()
		c.log.Error("stage_sync_failed", "order_id", id, "stage", target, "err", err)
		c.notify(models.Notice{Type: models.NoticeError, OrderID: id, Message: "Status update not delivered, will retry"})
		return snap, fmt.Errorf("sync stage %s: %w", target, err)
	}
	snap.PendingSync = false
	return snap, nil
}

// syncStage posts the stage text while a is still the held, unacknowledged
// stage. Posts are serialized and re-checked under syncMu, so a stage text
// never lands after a later stage or after finalization.
func (c *Coordinator) syncStage(ctx context.Context, a models.Assignment) (bool, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if !c.awaitingSync(a) {
		return false, nil
	}
	if err := c.deps.Backend.UpdateStage(ctx, a.Kind, a.ID, StatusText(a.Kind, a.Stage)); err != nil {
		return false, err
	}
	c.mu.Lock()
	if c.assignment != nil && c.assignment.ID == a.ID && c.assignment.Stage == a.Stage {
		c.assignment.PendingSync = false
	}
	c.mu.Unlock()
	return true, nil
}

func (c *Coordinator) awaitingSync(a models.Assignment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.assignment
	return cur != nil && cur.ID == a.ID && cur.Stage == a.Stage && cur.PendingSync
}

// Finalize completes the held assignment after an OTP challenge. A
// successful completion is remembered so repeating the call returns the
// same result without recording the earning again; concurrent duplicate
// submissions share one backend call.
func (c *Coordinator) Finalize(ctx context.Context, id, otp string) (models.Completion, error) {
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.finalizeGroup.Do(id+"\x00"+otp, func() (any, error) {
		return c.finalize(shared, id, otp)
	})
	if err != nil {
		return models.Completion{}, err
	}
	return v.(models.Completion), nil
}

func (c *Coordinator) finalize(ctx context.Context, id, otp string) (models.Completion, error) {
	c.mu.Lock()
	if done, ok := c.completions[id]; ok {
		c.mu.Unlock()
		return done, nil
	}
	if c.assignment == nil || c.assignment.ID != id {
		c.mu.Unlock()
		return models.Completion{}, fmt.Errorf("%w: %s", ErrNoAssignment, id)
	}
	a := *c.assignment
	if a.Stage != models.StageEnRouteToDropoff {
		c.mu.Unlock()
		return models.Completion{}, fmt.Errorf("%w: finalize from %s", ErrStageOrder, a.Stage)
	}
	now := c.now()
	if now.Before(c.otpLockedTill) {
		wait := c.otpLockedTill.Sub(now).Round(time.Second)
		c.mu.Unlock()
		return models.Completion{}, fmt.Errorf("%w: retry in %s", ErrOTPLocked, wait)
	}
	if otp != a.OTP {
		c.otpFailures++
		left := c.opts.OTPMaxAttempts - c.otpFailures
		if left <= 0 {
			c.otpFailures = 0
			c.otpLockedTill = now.Add(c.opts.OTPLockout)
		}
		c.mu.Unlock()
		observability.OTPFailures.Inc()
		c.log.Warn("otp_mismatch", "order_id", id, "attempts_left", max(left, 0))
		if left <= 0 {
			return models.Completion{}, fmt.Errorf("%w: too many attempts: %w", ErrInvalidOTP, ErrOTPLocked)
		}
		return models.Completion{}, fmt.Errorf("%w: %d attempts left", ErrInvalidOTP, left)
	}
	c.mu.Unlock()

	c.syncMu.Lock()
	if err := c.deps.Backend.FinalizeOrder(ctx, a.Kind, a.ID, otp, a.Earning); err != nil {
		c.syncMu.Unlock()
		c.log.Error("finalize_failed", "order_id", id, "err", err)
		return models.Completion{}, fmt.Errorf("finalize %s: %w", id, err)
	}

	done := models.Completion{OrderID: a.ID, Kind: a.Kind, Earning: a.Earning, CompletedAt: c.now()}
	c.mu.Lock()
	if prior, ok := c.completions[id]; ok {
		c.mu.Unlock()
		c.syncMu.Unlock()
		return prior, nil
	}
	c.rememberLocked(done)
	c.assignment = nil
	c.resetOTPLocked()
	c.mu.Unlock()
	c.syncMu.Unlock()

	observability.StageTransitions.WithLabelValues(models.StageCompleted.String()).Inc()
	observability.Completions.Inc()
	observability.HasAssignment.Set(0)
	c.resetRoute()
	c.log.Info("assignment_completed", "order_id", id, "earning", a.Earning)

	c.record(ctx, models.Earning{OrderID: a.ID, RiderID: c.opts.RiderID, Kind: a.Kind, Amount: a.Earning, RecordedAt: done.CompletedAt})
	c.notify(models.Notice{Type: models.NoticeCompleted, OrderID: id, Message: "Order delivered", Earning: a.Earning})
	c.mu.Lock()
	next, hasNext := c.nextVisibleLocked()
	c.mu.Unlock()
	if hasNext {
		c.notify(models.Notice{Type: models.NoticeOffer, OrderID: next.ID, Message: "New " + next.Kind.String() + " order", Earning: next.Earning, Offer: &next})
	}
	return done, nil
}

func (c *Coordinator) resetOTPLocked() {
	c.otpFailures = 0
	c.otpLockedTill = time.Time{}
}

func (c *Coordinator) rememberLocked(done models.Completion) {
	c.completions[done.OrderID] = done
	c.completedIDs = append(c.completedIDs, done.OrderID)
	if len(c.completedIDs) > maxRememberedCompletions {
		delete(c.completions, c.completedIDs[0])
		c.completedIDs = c.completedIDs[1:]
	}
}

// record writes the earning to the ledger once and triggers a payout for a
// newly recorded line. Ledger failures are queued for Reconcile.
func (c *Coordinator) record(ctx context.Context, e models.Earning) {
	fresh, err := c.deps.Ledger.Record(ctx, e)
	if err != nil {
		c.log.Error("earning_record_failed", "order_id", e.OrderID, "err", err)
		c.mu.Lock()
		c.unrecorded = append(c.unrecorded, e)
		c.mu.Unlock()
		return
	}
	if !fresh {
		return
	}
	observability.EarningsTotal.Add(e.Amount)
	if c.deps.Payouts == nil {
		return
	}
	ref, err := c.deps.Payouts.Payout(ctx, e)
	if err != nil {
		c.log.Warn("payout_failed", "order_id", e.OrderID, "err", err)
		return
	}
	c.log.Info("payout_created", "order_id", e.OrderID, "transfer_id", ref)
}

// Reconcile re-checks the held assignment against the backend: it clears
// an assignment the backend reports cancelled or owned by another rider and
// re-posts a stage update the backend missed. Ledger writes that failed
// earlier are retried.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	var errs []error
	c.mu.Lock()
	var held *models.Assignment
	if c.assignment != nil {
		snap := *c.assignment
		held = &snap
	}
	retry := c.unrecorded
	c.unrecorded = nil
	c.pruneClaimsLocked()
	c.mu.Unlock()

	for _, e := range retry {
		c.record(ctx, e)
	}
	if held == nil {
		return nil
	}

	st, err := c.deps.Backend.FetchOrder(ctx, held.Kind, held.ID)
	if err != nil {
		errs = append(errs, fmt.Errorf("fetch order %s: %w", held.ID, err))
	} else if reason := c.lostReason(st); reason != "" {
		c.drop(held.ID, reason)
		return nil
	}
	if held.PendingSync {
		posted, err := c.syncStage(ctx, *held)
		switch {
		case err != nil:
			observability.StageSyncFailures.Inc()
			errs = append(errs, fmt.Errorf("resync stage %s: %w", held.Stage, err))
		case posted:
			c.log.Info("stage_resynced", "order_id", held.ID, "stage", held.Stage)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) lostReason(st models.OrderStatus) string {
	if st.Cancelled {
		return models.NoticeCancelled
	}
	if st.RiderID != "" && c.opts.RiderID != "" && st.RiderID != c.opts.RiderID {
		return models.NoticeConflict
	}
	return ""
}

func (c *Coordinator) drop(id, reason string) {
	c.mu.Lock()
	if c.assignment == nil || c.assignment.ID != id {
		c.mu.Unlock()
		return
	}
	c.assignment = nil
	c.resetOTPLocked()
	if reason == models.NoticeConflict {
		c.claimed[id] = c.now()
	}
	c.mu.Unlock()

	if reason == models.NoticeConflict {
		observability.Conflicts.Inc()
	}
	observability.HasAssignment.Set(0)
	c.resetRoute()
	c.log.Warn("assignment_dropped", "order_id", id, "reason", reason)
	msg := "Order was cancelled"
	if reason == models.NoticeConflict {
		msg = "Order was assigned to another rider"
	}
	c.notify(models.Notice{Type: reason, OrderID: id, Message: msg})
}

func (c *Coordinator) pruneClaimsLocked() {
	cutoff := c.now().Add(-claimMemory)
	for id, at := range c.claimed {
		if at.Before(cutoff) {
			delete(c.claimed, id)
		}
	}
}
