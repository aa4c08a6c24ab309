package pow

import (
	"context"
	"encoding"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/powgate/internal/digest"
)

// DefaultBatchSize is how many attempts run between progress reports
// and scheduler yields.
const DefaultBatchSize = 1000

var (
	// ErrNoEngine means no digest engine was supplied. It is a fatal
	// configuration error, never retried.
	ErrNoEngine = errors.New("no digest engine available")
)

// ProgressFunc receives a progress snapshot at every batch boundary.
type ProgressFunc func(Progress)

// SolverConfig configures the solver behavior.
type SolverConfig struct {
	// Engine computes the digests. Required.
	Engine digest.Engine

	// BatchSize is the number of attempts between yields.
	// Zero means DefaultBatchSize.
	BatchSize uint64

	// Scheduler is yielded to at every batch boundary.
	// Nil means Cooperative.
	Scheduler Scheduler

	// Now returns the current time. Nil means time.Now.
	Now func() time.Time

	// Logger for solver events. Nil means slog.Default().
	Logger *slog.Logger
}

// Solver finds the smallest nonce satisfying a challenge.
type Solver struct {
	engine    digest.Engine
	batchSize uint64
	scheduler Scheduler
	now       func() time.Time
	logger    *slog.Logger
}

// NewSolver creates a solver. It fails only when no engine is configured.
func NewSolver(cfg SolverConfig) (*Solver, error) {
	if cfg.Engine == nil {
		return nil, ErrNoEngine
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = Cooperative{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Solver{
		engine:    cfg.Engine,
		batchSize: cfg.BatchSize,
		scheduler: cfg.Scheduler,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}, nil
}

// Solve tries nonces 0, 1, 2, ... in order until digest(challenge ‖ nonce)
// meets the challenge difficulty. There is no upper bound on the nonce.
//
// Every BatchSize attempts the progress callback (if any) is invoked and
// the scheduler is yielded to; a cancelled context is reported there.
// Hashing within a batch is never interrupted.
func (s *Solver) Solve(ctx context.Context, c Challenge, progress ProgressFunc) (*SolveResult, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := s.now()
	in, err := absorb(s.engine.New(), c.Value)
	if err != nil {
		return nil, err
	}

	digits := make([]byte, 0, 20)
	raw := make([]byte, 0, digest.Size)
	hexSum := make([]byte, digest.HexSize)

	var nonce, attempts uint64
	for {
		h, err := in.resume()
		if err != nil {
			return nil, err
		}
		digits = strconv.AppendUint(digits[:0], nonce, 10)
		h.Write(digits)
		raw = h.Sum(raw[:0])
		hex.Encode(hexSum, raw)
		sum := string(hexSum)
		attempts++

		if MeetsTarget(sum, c.Difficulty) {
			result := &SolveResult{
				Nonce:    nonce,
				Attempts: attempts,
				Elapsed:  s.now().Sub(start),
			}
			s.logger.Debug("solution found",
				slog.Uint64("nonce", nonce),
				slog.Uint64("attempts", attempts),
				slog.String("digest", sum),
				slog.Duration("elapsed", result.Elapsed),
			)
			return result, nil
		}

		if attempts%s.batchSize == 0 {
			if progress != nil {
				progress(Progress{Attempts: attempts, Elapsed: s.now().Sub(start)})
			}
			if err := s.scheduler.Yield(ctx); err != nil {
				return nil, err
			}
		}

		nonce++
	}
}

// resumableHash can save and restore its running state.
type resumableHash interface {
	hash.Hash
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// prefixed hashes a fixed prefix once and hands back a hash positioned
// just after it for every nonce.
type prefixed struct {
	h      hash.Hash
	prefix string
	saved  []byte
}

func absorb(h hash.Hash, prefix string) (*prefixed, error) {
	p := &prefixed{h: h, prefix: prefix}
	if r, ok := h.(resumableHash); ok {
		io.WriteString(h, prefix)
		saved, err := r.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("save digest state: %w", err)
		}
		p.saved = saved
	}
	return p, nil
}

func (p *prefixed) resume() (hash.Hash, error) {
	if p.saved == nil {
		p.h.Reset()
		io.WriteString(p.h, p.prefix)
		return p.h, nil
	}
	if err := p.h.(resumableHash).UnmarshalBinary(p.saved); err != nil {
		return nil, fmt.Errorf("restore digest state: %w", err)
	}
	return p.h, nil
}
