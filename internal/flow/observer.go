package flow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/powgate/internal/pow"
)

// Outcome is reported once per attempt that was not superseded.
type Outcome struct {
	Success   bool
	Err       error
	Result    *pow.SolveResult
	ReturnURL string
}

// Observer receives the user-visible progress of an attempt. Calls for a
// machine are serialised. Observers must not call Start or Retry
// synchronously.
type Observer interface {
	Status(text string)
	Attempts(text string)
	Done(Outcome)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) Status(string)   {}
func (NopObserver) Attempts(string) {}
func (NopObserver) Done(Outcome)    {}

// Navigator leaves the challenge page for the validated return URL.
type Navigator interface {
	Navigate(ctx context.Context, returnURL string) error
}

// NavigatorFunc adapts a function to the Navigator interface.
type NavigatorFunc func(ctx context.Context, returnURL string) error

// Navigate calls f(ctx, returnURL).
func (f NavigatorFunc) Navigate(ctx context.Context, returnURL string) error {
	return f(ctx, returnURL)
}

// Confirmer decides whether a failed attempt is retried.
type Confirmer interface {
	ConfirmRetry(ctx context.Context, err error) bool
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, err error) bool

// ConfirmRetry calls f(ctx, err).
func (f ConfirmerFunc) ConfirmRetry(ctx context.Context, err error) bool {
	return f(ctx, err)
}

// NeverRetry declines every retry.
var NeverRetry = ConfirmerFunc(func(context.Context, error) bool { return false })

// AutoRetry pre-authorises up to n retries. Consecutive retries are
// spaced by an exponential backoff; maxWait, when positive, caps the
// total time spent retrying.
func AutoRetry(n int, maxWait time.Duration) Confirmer {
	if n <= 0 {
		return NeverRetry
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = maxWait
	b.Reset()
	return &autoRetry{bo: backoff.WithMaxRetries(b, uint64(n))}
}

type autoRetry struct {
	bo backoff.BackOff
}

func (a *autoRetry) ConfirmRetry(ctx context.Context, _ error) bool {
	d := a.bo.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	return sleepContext(ctx, d) == nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
