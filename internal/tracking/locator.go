package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/rider-agent/internal/models"
)

// ErrLocationUnavailable is returned when no usable fix arrives in time,
// e.g. location permission is denied on the device.
var ErrLocationUnavailable = errors.New("location unavailable")

// Locator acquires one position fix.
type Locator interface {
	Fix(ctx context.Context) (models.LocationSample, error)
}

// FeedLocator serves fixes pushed by the device. A fix is reused while it
// is younger than maxAge; otherwise Fix waits up to timeout for a new one.
type FeedLocator struct {
	maxAge  time.Duration
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	latest  *models.LocationSample
	updated chan struct{}
}

func NewFeedLocator(maxAge, timeout time.Duration) *FeedLocator {
	return &FeedLocator{maxAge: maxAge, timeout: timeout, now: time.Now, updated: make(chan struct{})}
}

// Push stores a new device fix and wakes waiting callers.
func (f *FeedLocator) Push(s models.LocationSample) {
	if s.CapturedAt.IsZero() {
		s.CapturedAt = f.now()
	}
	f.mu.Lock()
	if f.latest != nil && s.CapturedAt.Before(f.latest.CapturedAt) {
		f.mu.Unlock()
		return
	}
	f.latest = &s
	close(f.updated)
	f.updated = make(chan struct{})
	f.mu.Unlock()
}

// Latest returns the most recent fix regardless of age.
func (f *FeedLocator) Latest() (models.LocationSample, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return models.LocationSample{}, false
	}
	return *f.latest, true
}

func (f *FeedLocator) Fix(ctx context.Context) (models.LocationSample, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	for {
		f.mu.Lock()
		if f.latest != nil && f.now().Sub(f.latest.CapturedAt) <= f.maxAge {
			s := *f.latest
			f.mu.Unlock()
			return s, nil
		}
		wait := f.updated
		f.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return models.LocationSample{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, ctx.Err())
		}
	}
}
