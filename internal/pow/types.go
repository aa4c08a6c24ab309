// Package pow implements the proof-of-work search: a challenge string is
// extended with a decimal nonce and hashed until the hex digest starts
// with the required number of '0' digits.
package pow

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/powgate/internal/digest"
)

// MaxDifficulty is the largest satisfiable difficulty: every hex digit of
// the digest must be zero.
const MaxDifficulty = digest.HexSize

var (
	ErrEmptyChallenge    = errors.New("challenge is empty")
	ErrInvalidDifficulty = errors.New("invalid difficulty")
)

// Challenge is a server-issued puzzle. Value is treated as opaque bytes.
type Challenge struct {
	Value      string
	Difficulty int
}

// Validate checks that the challenge can be solved by an exhaustive search.
func (c Challenge) Validate() error {
	if c.Value == "" {
		return ErrEmptyChallenge
	}
	if c.Difficulty < 0 || c.Difficulty > MaxDifficulty {
		return fmt.Errorf("%w: got %d, want 0-%d", ErrInvalidDifficulty, c.Difficulty, MaxDifficulty)
	}
	return nil
}

// Prefix returns the first 8 bytes of the challenge for logging.
func (c Challenge) Prefix() string {
	if len(c.Value) <= 8 {
		return c.Value
	}
	return c.Value[:8] + "..."
}

// AppendInput appends challenge ‖ decimal(nonce) to dst.
func AppendInput(dst []byte, challenge string, nonce uint64) []byte {
	dst = append(dst, challenge...)
	return strconv.AppendUint(dst, nonce, 10)
}

// Progress is a snapshot of a running search.
type Progress struct {
	Attempts uint64
	Elapsed  time.Duration
}

// String renders progress as "<n> attempts (<seconds>s)".
func (p Progress) String() string {
	return fmt.Sprintf("%d attempts (%.1fs)", p.Attempts, p.Elapsed.Seconds())
}

// SolveResult is produced once per successful search.
type SolveResult struct {
	Nonce    uint64
	Attempts uint64
	Elapsed  time.Duration
}

// Progress returns the result as a final progress snapshot.
func (r SolveResult) Progress() Progress {
	return Progress{Attempts: r.Attempts, Elapsed: r.Elapsed}
}
