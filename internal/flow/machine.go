// Package flow drives one proof-of-work challenge attempt end to end:
// fetch a challenge, solve it, submit the nonce and navigate to the
// return URL, reporting progress to an Observer along the way.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/powgate/internal/logging"
	"github.com/powgate/internal/metrics"
	"github.com/powgate/internal/pow"
	"github.com/powgate/internal/protocol"
	"github.com/powgate/internal/returnurl"
)

// Default delays.
const (
	DefaultRedirectDelay = 500 * time.Millisecond
	DefaultRetryDelay    = 2 * time.Second
)

var (
	// ErrSuperseded is returned by an attempt that a newer Start replaced.
	ErrSuperseded = errors.New("attempt superseded")

	// ErrNotRetryable is returned by Retry outside the Error state or
	// after a computation failure.
	ErrNotRetryable = errors.New("attempt is not retryable")

	ErrNoClient = errors.New("no challenge client configured")
)

// ChallengeClient is the network side of an attempt.
type ChallengeClient interface {
	FetchChallenge(ctx context.Context) (pow.Challenge, error)
	Submit(ctx context.Context, s protocol.Submission) error
}

// Solver searches for a nonce.
type Solver interface {
	Solve(ctx context.Context, c pow.Challenge, progress pow.ProgressFunc) (*pow.SolveResult, error)
}

// Config configures a Machine.
type Config struct {
	// Client fetches challenges and submits solutions. Required.
	Client ChallengeClient

	// Solver runs the search. Nil fails every attempt with a
	// computation error.
	Solver Solver

	// Observer receives progress. Nil means NopObserver.
	Observer Observer

	// Navigator follows the return URL after success. Nil means
	// navigation is a no-op.
	Navigator Navigator

	// Confirmer is asked before Run retries. Nil means NeverRetry.
	Confirmer Confirmer

	// RedirectDelay is the pause between success and navigation
	// (default: 500ms). Negative means none.
	RedirectDelay time.Duration

	// RetryDelay is the pause before Run asks to retry (default: 2s).
	// Negative means none.
	RetryDelay time.Duration

	// Sleep waits for d or until ctx is done. Nil means a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// Metrics records outcomes. Nil means metrics.Default().
	Metrics *metrics.Metrics

	// Logger for attempt events. Nil means slog.Default().
	Logger *slog.Logger
}

// Machine runs challenge attempts. Only the most recent attempt is live:
// starting a new one cancels the previous one and silences its observer
// events.
type Machine struct {
	client    ChallengeClient
	solver    Solver
	observer  Observer
	navigator Navigator
	confirmer Confirmer

	redirectDelay time.Duration
	retryDelay    time.Duration
	sleep         func(ctx context.Context, d time.Duration) error

	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	gen       uint64
	cancel    context.CancelFunc
	state     State
	lastErr   error
	returnURL string

	// emitMu serialises observer calls with generation changes.
	emitMu sync.Mutex
}

// NewMachine creates a Machine in the Idle state.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Client == nil {
		return nil, ErrNoClient
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Navigator == nil {
		cfg.Navigator = NavigatorFunc(func(context.Context, string) error { return nil })
	}
	if cfg.Confirmer == nil {
		cfg.Confirmer = NeverRetry
	}
	if cfg.RedirectDelay == 0 {
		cfg.RedirectDelay = DefaultRedirectDelay
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Machine{
		client:        cfg.Client,
		solver:        cfg.Solver,
		observer:      cfg.Observer,
		navigator:     cfg.Navigator,
		confirmer:     cfg.Confirmer,
		redirectDelay: cfg.RedirectDelay,
		retryDelay:    cfg.RetryDelay,
		sleep:         cfg.Sleep,
		metrics:       metrics.OrDefault(cfg.Metrics),
		logger:        cfg.Logger,
	}, nil
}

// State returns the state of the live attempt.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the failure of the live attempt, if any.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Start runs one attempt and returns nil once the return URL has been
// followed. returnURL is validated first; an empty or foreign value
// becomes "/". A concurrent Start supersedes this one, which then
// returns ErrSuperseded.
func (m *Machine) Start(ctx context.Context, returnURL string) error {
	returnURL = returnurl.Validate(returnURL)

	a, ctx := m.begin(ctx, returnURL)
	defer a.cancel()

	err := a.run(ctx)
	if err != nil && !m.isCurrent(a.gen) {
		m.metrics.RecordOutcome(metrics.OutcomeSuperseded)
		a.logger.Debug("attempt superseded", logging.Err(err))
		return ErrSuperseded
	}
	return err
}

// Retry starts a fresh attempt with the previous return URL. It always
// fetches a new challenge.
func (m *Machine) Retry(ctx context.Context) error {
	m.mu.Lock()
	state, lastErr, target := m.state, m.lastErr, m.returnURL
	m.mu.Unlock()

	if state != StateError || protocol.IsComputation(lastErr) {
		return ErrNotRetryable
	}
	return m.Start(ctx, target)
}

// Run starts an attempt and, while it fails with a retryable error,
// waits RetryDelay and asks the Confirmer whether to try again.
func (m *Machine) Run(ctx context.Context, returnURL string) error {
	err := m.Start(ctx, returnURL)
	for err != nil {
		if errors.Is(err, ErrSuperseded) || ctx.Err() != nil || !protocol.IsRetryable(err) {
			return err
		}
		if m.retryDelay > 0 {
			if serr := m.sleep(ctx, m.retryDelay); serr != nil {
				return err
			}
		}
		if !m.confirmer.ConfirmRetry(ctx, err) {
			return err
		}
		err = m.Retry(ctx)
	}
	return nil
}

func (m *Machine) begin(parent context.Context, returnURL string) (*attempt, context.Context) {
	ctx, cancel := context.WithCancel(parent)

	m.emitMu.Lock()
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	gen := m.gen
	m.cancel = cancel
	m.state = StateIdle
	m.lastErr = nil
	m.returnURL = returnURL
	m.mu.Unlock()
	m.emitMu.Unlock()

	id := uuid.NewString()
	return &attempt{
		m:         m,
		gen:       gen,
		id:        id,
		returnURL: returnURL,
		cancel:    cancel,
		logger:    m.logger.With(logging.AttemptID(id)),
	}, ctx
}

func (m *Machine) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

// attempt is one run of the state machine.
type attempt struct {
	m         *Machine
	gen       uint64
	id        string
	returnURL string
	cancel    context.CancelFunc
	logger    *slog.Logger
}

// keepState leaves the machine state unchanged in emit.
const keepState State = -1

// emit runs fn if the attempt is still live, after moving to state and
// recording err when they are set.
func (a *attempt) emit(state State, err error, fn func(Observer)) bool {
	a.m.emitMu.Lock()
	defer a.m.emitMu.Unlock()

	a.m.mu.Lock()
	live := a.m.gen == a.gen
	if live {
		if state != keepState {
			a.m.state = state
		}
		if err != nil {
			a.m.lastErr = err
		}
	}
	a.m.mu.Unlock()

	if !live {
		return false
	}
	if fn != nil {
		fn(a.m.observer)
	}
	return true
}

func (a *attempt) enter(state State, status string) {
	a.logger.Debug("state change", logging.State(state))
	a.emit(state, nil, func(o Observer) { o.Status(status) })
}

func (a *attempt) run(ctx context.Context) error {
	m := a.m
	if m.solver == nil {
		return a.fail(protocol.Computation("solve", pow.ErrNoEngine))
	}

	a.enter(StateFetchingChallenge, StatusFetching)
	ch, err := m.client.FetchChallenge(ctx)
	if err != nil {
		return a.fail(err)
	}
	a.logger.Info("challenge received",
		logging.Challenge(ch.Value),
		logging.Difficulty(ch.Difficulty),
	)

	a.enter(StateSolving, StatusSolving)
	res, err := a.solve(ctx, ch)
	if err != nil {
		return a.fail(err)
	}
	m.metrics.ObserveSolve(res.Attempts, res.Elapsed)
	a.logger.Info("challenge solved",
		logging.Nonce(res.Nonce),
		logging.Attempts(res.Attempts),
		slog.Duration("elapsed", res.Elapsed),
	)

	a.enter(StateSubmittingSolution, StatusVerifying)
	err = m.client.Submit(ctx, protocol.Submission{
		Challenge: ch.Value,
		Nonce:     res.Nonce,
		ReturnURL: a.returnURL,
	})
	if err != nil {
		return a.fail(err)
	}

	// A superseded attempt never navigates, even if its submission
	// was accepted.
	if !a.emit(StateRedirecting, nil, func(o Observer) {
		o.Status(StatusVerified)
		o.Attempts(res.Progress().String() + SuccessSuffix)
	}) {
		return ErrSuperseded
	}

	if m.redirectDelay > 0 {
		if err := m.sleep(ctx, m.redirectDelay); err != nil {
			return a.fail(err)
		}
	}
	if !m.isCurrent(a.gen) {
		return ErrSuperseded
	}
	if err := m.navigator.Navigate(ctx, a.returnURL); err != nil {
		return a.fail(protocol.Transport("navigate", err))
	}

	if !a.emit(keepState, nil, func(o Observer) {
		o.Done(Outcome{Success: true, Result: res, ReturnURL: a.returnURL})
	}) {
		return ErrSuperseded
	}
	m.metrics.RecordOutcome(metrics.OutcomeSuccess)
	a.logger.Info("verified", slog.String("return_url", a.returnURL))
	return nil
}

func (a *attempt) solve(ctx context.Context, ch pow.Challenge) (*pow.SolveResult, error) {
	res, err := a.m.solver.Solve(ctx, ch, func(p pow.Progress) {
		a.emit(keepState, nil, func(o Observer) { o.Attempts(p.String()) })
	})
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, pow.ErrNoEngine):
		return nil, protocol.Computation("solve", err)
	case errors.Is(err, pow.ErrEmptyChallenge), errors.Is(err, pow.ErrInvalidDifficulty):
		return nil, protocol.Protocol("solve", 0, protocol.MsgFetchFailed, errors.Join(protocol.ErrMalformed, err))
	default:
		return nil, err
	}
}

// fail moves a live attempt to the Error state and reports err.
func (a *attempt) fail(err error) error {
	m := a.m

	if !m.isCurrent(a.gen) {
		return err
	}

	switch {
	case protocol.IsTransport(err):
		m.metrics.RecordOutcome(metrics.OutcomeTransport)
	case protocol.IsProtocol(err):
		m.metrics.RecordOutcome(metrics.OutcomeProtocol)
	case protocol.IsComputation(err):
		m.metrics.RecordOutcome(metrics.OutcomeComputation)
	}
	a.logger.Warn("attempt failed", logging.Err(err))

	a.emit(StateError, err, func(o Observer) {
		o.Status(StatusFailedPrefix + protocol.UserMessage(err))
		o.Done(Outcome{Err: err, ReturnURL: a.returnURL})
	})
	return err
}
