package pow

import (
	"context"
	"runtime"
	"time"
)

// Scheduler is called by the solver at every batch boundary. Yield must
// suspend the caller long enough for other work to run and return a
// non-nil error to abandon the search.
type Scheduler interface {
	Yield(ctx context.Context) error
}

// SchedulerFunc adapts a function to the Scheduler interface.
type SchedulerFunc func(ctx context.Context) error

// Yield calls f(ctx).
func (f SchedulerFunc) Yield(ctx context.Context) error {
	return f(ctx)
}

// Cooperative hands the processor to other goroutines and reports
// cancellation. It is the default scheduler.
type Cooperative struct{}

// Yield implements Scheduler.
func (Cooperative) Yield(ctx context.Context) error {
	runtime.Gosched()
	return ctx.Err()
}

// Paced sleeps for Interval at every batch boundary, trading hash rate
// for a quieter CPU.
type Paced struct {
	Interval time.Duration
}

// Yield implements Scheduler.
func (p Paced) Yield(ctx context.Context) error {
	if p.Interval <= 0 {
		return Cooperative{}.Yield(ctx)
	}
	timer := time.NewTimer(p.Interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
