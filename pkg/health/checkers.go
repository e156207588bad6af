package health

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines run.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// Heartbeat records when a background loop last made progress.
type Heartbeat struct {
	last atomic.Int64
	now  func() time.Time
}

// NewHeartbeat returns a Heartbeat that counts as fresh from now on.
func NewHeartbeat() *Heartbeat {
	hb := &Heartbeat{now: time.Now}
	hb.Beat()
	return hb
}

// Beat records progress.
func (hb *Heartbeat) Beat() {
	hb.last.Store(hb.now().UnixNano())
}

// Last returns the time of the latest Beat.
func (hb *Heartbeat) Last() time.Time {
	return time.Unix(0, hb.last.Load())
}

// Check fails when no Beat happened within maxAge.
func (hb *Heartbeat) Check(maxAge time.Duration) CheckFunc {
	return func(_ context.Context) error {
		if age := hb.now().Sub(hb.Last()); age > maxAge {
			return errors.Errorf("no progress for %s (limit %s)", age.Round(time.Millisecond), maxAge)
		}
		return nil
	}
}
