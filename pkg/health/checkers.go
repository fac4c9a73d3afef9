package health

import (
	"context"
	"runtime"
	"time"

	"github.com/go-faster/errors"
)

// Pinger is implemented by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports the result of p.Ping.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// GoroutineCountCheck fails when more than threshold goroutines are running,
// which usually means subscriptions or persist goroutines are leaking.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		count := runtime.NumGoroutine()
		if count > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", count, threshold)
		}
		return nil
	}
}

// StalenessCheck fails while last reports zero, or a time older than maxAge
// when maxAge is positive.
func StalenessCheck(last func() time.Time, maxAge time.Duration, now func() time.Time) CheckFunc {
	if now == nil {
		now = time.Now
	}
	return func(_ context.Context) error {
		at := last()
		if at.IsZero() {
			return errors.New("no snapshot received yet")
		}
		if age := now().Sub(at); maxAge > 0 && age > maxAge {
			return errors.Errorf("last snapshot %s ago exceeds %s", age.Truncate(time.Second), maxAge)
		}
		return nil
	}
}

// AliveCheck fails while alive reports false.
func AliveCheck(name string, alive func() bool) CheckFunc {
	return func(_ context.Context) error {
		if !alive() {
			return errors.Errorf("%s is not connected", name)
		}
		return nil
	}
}
