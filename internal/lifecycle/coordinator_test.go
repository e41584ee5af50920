package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/rider-agent/internal/backend"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/realtime"
	"github.com/example/rider-agent/internal/storage"
)

type fakeBackend struct {
	mu          sync.Mutex
	acceptErr   error
	onAccept    func()
	rejectErr   error
	stageErr    error
	finalizeErr error
	order       models.OrderStatus
	onFetch     func()
	offers      []models.Offer

	accepts   []string
	rejects   []string
	stages    []string
	finalizes int
	toggles   []bool
}

func (f *fakeBackend) FetchOffers(ctx context.Context) ([]models.Offer, error) {
	return f.offers, nil
}

func (f *fakeBackend) AcceptOrder(ctx context.Context, kind models.Kind, id string) error {
	if f.onAccept != nil {
		f.onAccept()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts = append(f.accepts, id)
	return f.acceptErr
}

func (f *fakeBackend) RejectOrder(ctx context.Context, kind models.Kind, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, id)
	return f.rejectErr
}

func (f *fakeBackend) UpdateStage(ctx context.Context, kind models.Kind, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, text)
	return f.stageErr
}

func (f *fakeBackend) FinalizeOrder(ctx context.Context, kind models.Kind, id, otp string, earning float64) error {
	time.Sleep(5 * time.Millisecond)
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizes++
	return f.finalizeErr
}

func (f *fakeBackend) FetchOrder(ctx context.Context, kind models.Kind, id string) (models.OrderStatus, error) {
	if f.onFetch != nil {
		f.onFetch()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.order, nil
}

func (f *fakeBackend) ToggleAvailability(ctx context.Context, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles = append(f.toggles, online)
	return nil
}

func (f *fakeBackend) stageTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stages...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Emit(ctx context.Context, typ string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, typ)
	return nil
}

type noticeLog struct {
	mu      sync.Mutex
	notices []models.Notice
}

func (n *noticeLog) Notify(nt models.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, nt)
}

func (n *noticeLog) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notices))
	for _, nt := range n.notices {
		out = append(out, nt.Type)
	}
	return out
}

var sampleOffer = models.Offer{
	ID:      "O1",
	Kind:    models.KindDelivery,
	Pickup:  models.Coord{Lat: 10, Lon: 10},
	Dropoff: models.Coord{Lat: 20, Lon: 20},
	OTP:     "4821",
	Earning: 50,
}

func newCoordinator(t *testing.T, be *fakeBackend) (*Coordinator, *storage.MemoryLedger, *noticeLog) {
	t.Helper()
	ledger := storage.NewMemoryLedger()
	notes := &noticeLog{}
	c := New(Deps{Backend: be, Ledger: ledger, Channel: &recordingEmitter{}, Notifier: notes},
		Options{RiderID: "rider-1", OTPMaxAttempts: 3, OTPLockout: time.Minute}, logging.Discard())
	return c, ledger, notes
}

func acceptSample(t *testing.T, c *Coordinator) models.Assignment {
	t.Helper()
	c.OnOrderOffered(context.Background(), sampleOffer)
	a, err := c.Accept(context.Background(), "O1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return a
}

func TestAcceptCreatesAssignmentEnRouteToPickup(t *testing.T) {
	be := &fakeBackend{}
	c, _, notes := newCoordinator(t, be)
	a := acceptSample(t, c)
	if a.ID != "O1" || a.Stage != models.StageEnRouteToPickup {
		t.Fatalf("unexpected assignment %+v", a)
	}
	if held, ok := c.Assignment(); !ok || held.ID != "O1" {
		t.Fatalf("assignment not held")
	}
	if _, ok := c.CurrentOffer(); ok {
		t.Fatalf("accepted offer still visible")
	}
	if got := notes.types(); len(got) != 1 || got[0] != models.NoticeOffer {
		t.Fatalf("expected one offer notice, got %v", got)
	}
}

func TestAcceptWhileHoldingConflicts(t *testing.T) {
	be := &fakeBackend{}
	c, _, _ := newCoordinator(t, be)
	acceptSample(t, c)

	second := sampleOffer
	second.ID = "O2"
	c.OnOrderOffered(context.Background(), second)
	if _, err := c.Accept(context.Background(), "O2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	held, _ := c.Assignment()
	if held.ID != "O1" || held.Stage != models.StageEnRouteToPickup {
		t.Fatalf("existing assignment changed: %+v", held)
	}
	if len(be.accepts) != 1 {
		t.Fatalf("backend accept called %d times", len(be.accepts))
	}
}

func TestAcceptLostAtBackendLeavesNoAssignment(t *testing.T) {
	be := &fakeBackend{acceptErr: &backend.NetworkError{Op: "accept", Status: 409, Err: backend.ErrClaimed}}
	c, _, notes := newCoordinator(t, be)
	c.OnOrderOffered(context.Background(), sampleOffer)
	if _, err := c.Accept(context.Background(), "O1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, ok := c.Assignment(); ok {
		t.Fatalf("assignment held after lost race")
	}
	if _, ok := c.CurrentOffer(); ok {
		t.Fatalf("lost offer still visible")
	}
	got := notes.types()
	if got[len(got)-1] != models.NoticeConflict {
		t.Fatalf("expected conflict notice, got %v", got)
	}
}

func TestClaimArrivingDuringAcceptRollsBack(t *testing.T) {
	be := &fakeBackend{}
	c, _, _ := newCoordinator(t, be)
	be.onAccept = func() {
		c.HandleEvent(context.Background(), realtime.ClaimedEvent{OrderID: "O1", RiderID: "rider-2"})
	}
	c.OnOrderOffered(context.Background(), sampleOffer)
	if _, err := c.Accept(context.Background(), "O1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, ok := c.Assignment(); ok {
		t.Fatalf("assignment held after claim")
	}
}

func TestClaimAfterAcceptClearsAssignment(t *testing.T) {
	be := &fakeBackend{}
	c, _, _ := newCoordinator(t, be)
	acceptSample(t, c)

	c.OnClaimedElsewhere(context.Background(), "O1", "rider-1")
	if _, ok := c.Assignment(); !ok {
		t.Fatalf("own claim echo must not clear the assignment")
	}
	c.OnClaimedElsewhere(context.Background(), "O1", "rider-2")
	if _, ok := c.Assignment(); ok {
		t.Fatalf("assignment held after competing claim")
	}
}

func TestRejectNeverCreatesAssignment(t *testing.T) {
	be := &fakeBackend{rejectErr: errors.New("boom")}
	c, _, _ := newCoordinator(t, be)
	c.OnOrderOffered(context.Background(), sampleOffer)
	if err := c.Reject(context.Background(), "O1"); err == nil {
		t.Fatalf("expected backend failure to surface")
	}
	if _, ok := c.Assignment(); ok {
		t.Fatalf("reject created an assignment")
	}
	if _, ok := c.CurrentOffer(); ok {
		t.Fatalf("rejected offer still visible")
	}
	if _, err := c.Accept(context.Background(), "O1"); !errors.Is(err, ErrUnknownOffer) {
		t.Fatalf("accept after reject: %v", err)
	}
	if err := c.Reject(context.Background(), "O1"); !errors.Is(err, ErrUnknownOffer) {
		t.Fatalf("second reject: %v", err)
	}
}

func TestStagesOnlyMoveForward(t *testing.T) {
	be := &fakeBackend{}
	c, _, _ := newCoordinator(t, be)
	acceptSample(t, c)
	ctx := context.Background()

	if _, err := c.Depart(ctx, "O1"); !errors.Is(err, ErrStageOrder) {
		t.Fatalf("depart before pickup: %v", err)
	}
	a, err := c.ConfirmPickup(ctx, "O1")
	if err != nil || a.Stage != models.StageAtPickup {
		t.Fatalf("confirm pickup: %+v %v", a, err)
	}
	if _, err := c.ConfirmPickup(ctx, "O1"); err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
	a, err = c.Depart(ctx, "O1")
	if err != nil || a.Stage != models.StageEnRouteToDropoff {
		t.Fatalf("depart: %+v %v", a, err)
	}
	a, err = c.ConfirmPickup(ctx, "O1")
	if err != nil || a.Stage != models.StageEnRouteToDropoff {
		t.Fatalf("late confirm moved stage: %+v %v", a, err)
	}
	if len(be.stages) != 2 {
		t.Fatalf("expected 2 stage posts, got %v", be.stages)
	}
	if be.stages[0] != "Rider has picked your order from restaurant" {
		t.Fatalf("unexpected status text %q", be.stages[0])
	}
}

func TestTransportUsesPassengerOnboard(t *testing.T) {
	be := &fakeBackend{}
	c, _, _ := newCoordinator(t, be)
	ride := sampleOffer
	ride.Kind = models.KindTransport
	c.OnOrderOffered(context.Background(), ride)
	if _, err := c.Accept(context.Background(), "O1"); err != nil {
		t.Fatal(err)
	}
	a, err := c.ConfirmPickup(context.Background(), "O1")
	if err != nil || a.Stage != models.StagePassengerOnboard {
		t.Fatalf("onboard: %+v %v", a, err)
	}
	if be.stages[0] != "The journey starts, Rider onboarded you." {
		t.Fatalf("unexpected status text %q", be.stages[0])
	}
}

func toDropoff(t *testing.T, c *Coordinator) {
	t.Helper()
	acceptSample(t, c)
	if _, err := c.ConfirmPickup(context.Background(), "O1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Depart(context.Background(), "O1"); err != nil {
		t.Fatal(err)
	}
}

func TestFinalizeRequiresMatchingOTPAndRecordsOnce(t *testing.T) {
	be := &fakeBackend{}
	c, ledger, _ := newCoordinator(t, be)
	toDropoff(t, c)
	ctx := context.Background()

	if _, err := c.Finalize(ctx, "O1", "0000"); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("expected invalid otp, got %v", err)
	}
	a, ok := c.Assignment()
	if !ok || a.Stage != models.StageEnRouteToDropoff {
		t.Fatalf("stage moved after bad otp: %+v", a)
	}
	if total, _ := ledger.Total(ctx); total != 0 {
		t.Fatalf("earning recorded after bad otp: %v", total)
	}

	done, err := c.Finalize(ctx, "O1", "4821")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if done.OrderID != "O1" || done.Earning != 50 {
		t.Fatalf("unexpected completion %+v", done)
	}
	if _, ok := c.Assignment(); ok {
		t.Fatalf("assignment not cleared")
	}
	again, err := c.Finalize(ctx, "O1", "4821")
	if err != nil || again != done {
		t.Fatalf("repeat finalize: %+v %v", again, err)
	}
	if total, _ := ledger.Total(ctx); total != 50 {
		t.Fatalf("expected 50 recorded, got %v", total)
	}
	if be.finalizes != 1 {
		t.Fatalf("backend finalize called %d times", be.finalizes)
	}
}

func TestConcurrentFinalizeCollapses(t *testing.T) {
	be := &fakeBackend{}
	c, ledger, _ := newCoordinator(t, be)
	toDropoff(t, c)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Finalize(context.Background(), "O1", "4821"); err != nil {
				t.Errorf("finalize: %v", err)
			}
		}()
	}
	wg.Wait()
	if total, _ := ledger.Total(context.Background()); total != 50 {
		t.Fatalf("expected single earning, got %v", total)
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	if be.finalizes < 1 {
		t.Fatalf("backend finalize never called")
	}
}

func TestFinalizeNetworkFailureKeepsAssignment(t *testing.T) {
	be := &fakeBackend{finalizeErr: errors.New("unreachable")}
	c, ledger, _ := newCoordinator(t, be)
	toDropoff(t, c)
	if _, err := c.Finalize(context.Background(), "O1", "4821"); err == nil {
		t.Fatalf("expected error")
	}
	if a, ok := c.Assignment(); !ok || a.Stage != models.StageEnRouteToDropoff {
		t.Fatalf("assignment lost after failed finalize")
	}
	if _, ok := ledger.Get("O1"); ok {
		t.Fatalf("earning recorded despite failure")
	}
}

func TestOTPLockout(t *testing.T) {
	be := &fakeBackend{}
	c, _, _ := newCoordinator(t, be)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	toDropoff(t, c)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Finalize(ctx, "O1", "1111"); !errors.Is(err, ErrInvalidOTP) || errors.Is(err, ErrOTPLocked) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if _, err := c.Finalize(ctx, "O1", "2222"); !errors.Is(err, ErrOTPLocked) {
		t.Fatalf("expected lock on last attempt, got %v", err)
	}
	if _, err := c.Finalize(ctx, "O1", "4821"); !errors.Is(err, ErrOTPLocked) {
		t.Fatalf("expected locked, got %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := c.Finalize(ctx, "O1", "4821"); err != nil {
		t.Fatalf("finalize after lockout: %v", err)
	}
}

func TestStageSyncFailureKeepsStageAndReconciles(t *testing.T) {
	be := &fakeBackend{}
	c, _, _ := newCoordinator(t, be)
	acceptSample(t, c)
	be.stageErr = errors.New("timeout")
	ctx := context.Background()

	a, err := c.ConfirmPickup(ctx, "O1")
	if err == nil {
		t.Fatalf("expected sync error to surface")
	}
	if a.Stage != models.StageAtPickup || !a.PendingSync {
		t.Fatalf("stage rolled back or not pending: %+v", a)
	}
	be.stageErr = nil
	be.order = models.OrderStatus{ID: "O1", RiderID: "rider-1"}
	if err := c.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	held, _ := c.Assignment()
	if held.PendingSync || held.Stage != models.StageAtPickup {
		t.Fatalf("not resynced: %+v", held)
	}
	if len(be.stages) != 2 {
		t.Fatalf("expected one repost, got %v", be.stages)
	}
}

func TestReconcileSkipsStageOvertakenDuringFetch(t *testing.T) {
	pickupText := StatusText(models.KindDelivery, models.StageAtPickup)
	for _, tc := range []struct {
		name     string
		finalize bool
	}{
		{"depart", false},
		{"depart and finalize", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			be := &fakeBackend{}
			c, _, _ := newCoordinator(t, be)
			acceptSample(t, c)
			ctx := context.Background()

			be.mu.Lock()
			be.stageErr = errors.New("timeout")
			be.mu.Unlock()
			if _, err := c.ConfirmPickup(ctx, "O1"); err == nil {
				t.Fatalf("expected sync error")
			}
			be.mu.Lock()
			be.stageErr = nil
			be.order = models.OrderStatus{ID: "O1", RiderID: "rider-1"}
			be.mu.Unlock()

			be.onFetch = func() {
				be.onFetch = nil
				if _, err := c.Depart(ctx, "O1"); err != nil {
					t.Errorf("depart: %v", err)
				}
				if tc.finalize {
					if _, err := c.Finalize(ctx, "O1", "4821"); err != nil {
						t.Errorf("finalize: %v", err)
					}
				}
			}
			if err := c.Reconcile(ctx); err != nil {
				t.Fatalf("reconcile: %v", err)
			}

			got := be.stageTexts()
			if len(got) != 2 || got[1] != StatusText(models.KindDelivery, models.StageEnRouteToDropoff) {
				t.Fatalf("unexpected stage posts %q", got)
			}
			for _, text := range got[1:] {
				if text == pickupText {
					t.Fatalf("stale pickup text re-posted: %q", got)
				}
			}
			if a, ok := c.Assignment(); ok && (a.Stage != models.StageEnRouteToDropoff || a.PendingSync) {
				t.Fatalf("unexpected assignment after reconcile: %+v", a)
			}
		})
	}
}

func TestOTPAttemptsResetForNextAssignment(t *testing.T) {
	be := &fakeBackend{}
	c, _, _ := newCoordinator(t, be)
	toDropoff(t, c)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Finalize(ctx, "O1", "1111"); !errors.Is(err, ErrInvalidOTP) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	be.mu.Lock()
	be.order = models.OrderStatus{ID: "O1", Cancelled: true}
	be.mu.Unlock()
	if err := c.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Assignment(); ok {
		t.Fatalf("cancelled assignment kept")
	}

	next := sampleOffer
	next.ID = "O2"
	c.OnOrderOffered(ctx, next)
	if _, err := c.Accept(ctx, "O2"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := c.ConfirmPickup(ctx, "O2"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Depart(ctx, "O2"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		_, err := c.Finalize(ctx, "O2", "1111")
		if !errors.Is(err, ErrInvalidOTP) || errors.Is(err, ErrOTPLocked) {
			t.Fatalf("attempt %d on new order: %v", i, err)
		}
	}
	if _, err := c.Finalize(ctx, "O2", "2222"); !errors.Is(err, ErrOTPLocked) {
		t.Fatalf("expected lock after full budget, got %v", err)
	}
}

func TestFinalizeSurvivesFirstCallerCancel(t *testing.T) {
	be := &fakeBackend{}
	c, ledger, _ := newCoordinator(t, be)
	toDropoff(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Finalize(ctx, "O1", "4821"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if total, _ := ledger.Total(context.Background()); total != 50 {
		t.Fatalf("expected earning recorded, got %v", total)
	}
}

func TestReconcileDropsCancelledOrReassigned(t *testing.T) {
	for _, tc := range []struct {
		name  string
		order models.OrderStatus
		want  string
	}{
		{"cancelled", models.OrderStatus{ID: "O1", Cancelled: true}, models.NoticeCancelled},
		{"reassigned", models.OrderStatus{ID: "O1", RiderID: "rider-9"}, models.NoticeConflict},
	} {
		t.Run(tc.name, func(t *testing.T) {
			be := &fakeBackend{order: tc.order}
			c, _, notes := newCoordinator(t, be)
			acceptSample(t, c)
			if err := c.Reconcile(context.Background()); err != nil {
				t.Fatal(err)
			}
			if _, ok := c.Assignment(); ok {
				t.Fatalf("assignment kept")
			}
			got := notes.types()
			if got[len(got)-1] != tc.want {
				t.Fatalf("expected %s notice, got %v", tc.want, got)
			}
		})
	}
}

func TestOfferQueueOrderingAndFilters(t *testing.T) {
	be := &fakeBackend{}
	c, _, _ := newCoordinator(t, be)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	o1, o2, o3 := sampleOffer, sampleOffer, sampleOffer
	o2.ID, o3.ID = "O2", "O3"
	o2.ExpiresAt = now.Add(time.Minute)
	c.OnOrderOffered(ctx, o1)
	c.OnOrderOffered(ctx, o2)
	c.OnOrderOffered(ctx, o1)
	c.OnOrderOffered(ctx, o3)

	if cur, _ := c.CurrentOffer(); cur.ID != "O1" {
		t.Fatalf("expected O1 first, got %s", cur.ID)
	}
	if err := c.Reject(ctx, "O1"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if cur, _ := c.CurrentOffer(); cur.ID != "O3" {
		t.Fatalf("expected expired O2 skipped, got %s", cur.ID)
	}
	c.OnClaimedElsewhere(ctx, "O3", "rider-2")
	if _, ok := c.CurrentOffer(); ok {
		t.Fatalf("claimed offer still visible")
	}
}

func TestOfflineIgnoresOffersButKeepsAssignment(t *testing.T) {
	be := &fakeBackend{}
	c, _, _ := newCoordinator(t, be)
	ctx := context.Background()
	acceptSample(t, c)
	if err := c.SetOnline(ctx, false); err != nil {
		t.Fatal(err)
	}
	next := sampleOffer
	next.ID = "O2"
	c.OnOrderOffered(ctx, next)
	if _, ok := c.CurrentOffer(); ok {
		t.Fatalf("offer queued while offline")
	}
	if _, ok := c.Assignment(); !ok {
		t.Fatalf("going offline dropped the assignment")
	}
	be.offers = []models.Offer{next}
	if err := c.PollOffers(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.CurrentOffer(); ok {
		t.Fatalf("poll queued an offer while offline")
	}
	if err := c.SetOnline(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := c.PollOffers(ctx); err != nil {
		t.Fatal(err)
	}
	if cur, ok := c.CurrentOffer(); !ok || cur.ID != "O2" {
		t.Fatalf("poll did not queue offer")
	}
}
