package pow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/powgate/internal/digest"
)

// referenceNonce finds the first accepting nonce with crypto/sha256 directly.
func referenceNonce(challenge string, difficulty int) uint64 {
	want := strings.Repeat("0", difficulty)
	for nonce := uint64(0); ; nonce++ {
		sum := sha256.Sum256([]byte(challenge + strconv.FormatUint(nonce, 10)))
		if strings.HasPrefix(hex.EncodeToString(sum[:]), want) {
			return nonce
		}
	}
}

func mustNewSolver(t *testing.T, cfg SolverConfig) *Solver {
	t.Helper()
	if cfg.Engine == nil {
		cfg.Engine = digest.Portable()
	}
	s, err := NewSolver(cfg)
	if err != nil {
		t.Fatalf("NewSolver() error = %v", err)
	}
	return s
}

func TestMeetsTarget(t *testing.T) {
	tests := []struct {
		name       string
		digest     string
		difficulty int
		want       bool
	}{
		{"zero difficulty", "ffff", 0, true},
		{"negative difficulty", "ffff", -3, true},
		{"one zero", "0abc", 1, true},
		{"one zero missing", "a0bc", 1, false},
		{"four zeros", "0000f1", 4, true},
		{"three of four", "000f01", 4, false},
		{"exact length", "0000", 4, true},
		{"longer than digest", "0000", 5, false},
		{"empty digest", "", 1, false},
		{"full digest", strings.Repeat("0", 64), 64, true},
		{"beyond full digest", strings.Repeat("0", 64), 65, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MeetsTarget(tt.digest, tt.difficulty); got != tt.want {
				t.Errorf("MeetsTarget(%q, %d) = %v, want %v", tt.digest, tt.difficulty, got, tt.want)
			}
		})
	}
}

func TestChallenge_Validate(t *testing.T) {
	tests := []struct {
		name    string
		c       Challenge
		wantErr error
	}{
		{"ok", Challenge{Value: "abc123", Difficulty: 1}, nil},
		{"zero difficulty", Challenge{Value: "abc123", Difficulty: 0}, nil},
		{"max difficulty", Challenge{Value: "abc123", Difficulty: MaxDifficulty}, nil},
		{"empty", Challenge{Value: "", Difficulty: 1}, ErrEmptyChallenge},
		{"negative", Challenge{Value: "x", Difficulty: -1}, ErrInvalidDifficulty},
		{"too large", Challenge{Value: "x", Difficulty: MaxDifficulty + 1}, ErrInvalidDifficulty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestChallenge_Prefix(t *testing.T) {
	if got := (Challenge{Value: "abc"}).Prefix(); got != "abc" {
		t.Errorf("Prefix() = %q, want %q", got, "abc")
	}
	if got := (Challenge{Value: "0123456789abcdef"}).Prefix(); got != "01234567..." {
		t.Errorf("Prefix() = %q, want %q", got, "01234567...")
	}
}

func TestAppendInput(t *testing.T) {
	got := string(AppendInput([]byte("x:"), "abc123", 42))
	if got != "x:abc12342" {
		t.Errorf("AppendInput() = %q, want %q", got, "x:abc12342")
	}
}

func TestProgress_String(t *testing.T) {
	p := Progress{Attempts: 5000, Elapsed: 1234 * time.Millisecond}
	if got := p.String(); got != "5000 attempts (1.2s)" {
		t.Errorf("String() = %q", got)
	}
}

func TestNewSolver_NoEngine(t *testing.T) {
	_, err := NewSolver(SolverConfig{})
	if !errors.Is(err, ErrNoEngine) {
		t.Errorf("NewSolver() error = %v, want ErrNoEngine", err)
	}
}

func TestSolver_ZeroDifficulty(t *testing.T) {
	s := mustNewSolver(t, SolverConfig{})

	res, err := s.Solve(context.Background(), Challenge{Value: "test", Difficulty: 0}, nil)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if res.Nonce != 0 || res.Attempts != 1 {
		t.Errorf("Solve() = nonce %d attempts %d, want 0 and 1", res.Nonce, res.Attempts)
	}
}

func TestSolver_FindsSmallestNonce(t *testing.T) {
	challenges := []string{"abc123", "test", "0", "a longer challenge value with spaces"}

	for _, engine := range []digest.Engine{digest.Platform(), digest.Portable()} {
		s := mustNewSolver(t, SolverConfig{Engine: engine})
		for _, c := range challenges {
			for difficulty := 1; difficulty <= 2; difficulty++ {
				want := referenceNonce(c, difficulty)

				res, err := s.Solve(context.Background(), Challenge{Value: c, Difficulty: difficulty}, nil)
				if err != nil {
					t.Fatalf("%s: Solve(%q, %d) error = %v", engine.Name(), c, difficulty, err)
				}
				if res.Nonce != want {
					t.Errorf("%s: Solve(%q, %d) nonce = %d, want %d", engine.Name(), c, difficulty, res.Nonce, want)
				}
				if res.Attempts != want+1 {
					t.Errorf("%s: attempts = %d, want %d", engine.Name(), res.Attempts, want+1)
				}
			}
		}
	}
}

// plainEngine hands out hashes that cannot save their state.
type plainEngine struct{ digest.Engine }

func (e plainEngine) New() hash.Hash { return struct{ hash.Hash }{e.Engine.New()} }

func TestSolver_WithoutResumableHash(t *testing.T) {
	for _, engine := range []digest.Engine{plainEngine{digest.Platform()}, plainEngine{digest.Portable()}} {
		s := mustNewSolver(t, SolverConfig{Engine: engine})
		for difficulty := 1; difficulty <= 2; difficulty++ {
			want := referenceNonce("abc123", difficulty)

			res, err := s.Solve(context.Background(), Challenge{Value: "abc123", Difficulty: difficulty}, nil)
			if err != nil {
				t.Fatalf("%s: Solve() error = %v", engine.Name(), err)
			}
			if res.Nonce != want {
				t.Errorf("%s: Solve(abc123, %d) nonce = %d, want %d", engine.Name(), difficulty, res.Nonce, want)
			}
		}
	}
}

func TestSolver_ResultVerifies(t *testing.T) {
	s := mustNewSolver(t, SolverConfig{})
	c := Challenge{Value: "abc123", Difficulty: 1}

	res, err := s.Solve(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}

	sum, ok := Check(digest.Platform(), c, res.Nonce)
	if !ok || sum[0] != '0' {
		t.Errorf("Check(%d) = %q, %v; want a digest starting with 0", res.Nonce, sum, ok)
	}
	for n := uint64(0); n < res.Nonce; n++ {
		if _, ok := Check(digest.Portable(), c, n); ok {
			t.Errorf("smaller nonce %d satisfies the challenge", n)
		}
	}
}

func TestSolver_YieldsAtBatchBoundaries(t *testing.T) {
	// Nothing in the first 50 nonces meets difficulty 64, so the search
	// runs until the scheduler stops it.
	c := Challenge{Value: "yield-check", Difficulty: 64}

	var yields int
	var reports []Progress
	stop := errors.New("stop")

	s := mustNewSolver(t, SolverConfig{
		BatchSize: 10,
		Scheduler: SchedulerFunc(func(ctx context.Context) error {
			yields++
			if yields == 5 {
				return stop
			}
			return nil
		}),
	})

	_, err := s.Solve(context.Background(), c, func(p Progress) {
		reports = append(reports, p)
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Solve() error = %v, want scheduler error", err)
	}
	if yields != 5 {
		t.Errorf("yields = %d, want 5", yields)
	}
	if len(reports) != 5 {
		t.Fatalf("progress reports = %d, want 5", len(reports))
	}
	for i, p := range reports {
		if want := uint64(10 * (i + 1)); p.Attempts != want {
			t.Errorf("report %d attempts = %d, want %d", i, p.Attempts, want)
		}
	}
}

func TestSolver_Cancelled(t *testing.T) {
	s := mustNewSolver(t, SolverConfig{BatchSize: 100})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Solve(ctx, Challenge{Value: "abc", Difficulty: 64}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Solve() error = %v, want context.Canceled", err)
	}
}

func TestSolver_CancelledDuringSearch(t *testing.T) {
	s := mustNewSolver(t, SolverConfig{BatchSize: 100})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Solve(ctx, Challenge{Value: "abc", Difficulty: 64}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Solve() error = %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Solve() took %v to notice cancellation", time.Since(start))
	}
}

func TestSolver_InvalidChallenge(t *testing.T) {
	s := mustNewSolver(t, SolverConfig{})

	if _, err := s.Solve(context.Background(), Challenge{Value: "", Difficulty: 1}, nil); !errors.Is(err, ErrEmptyChallenge) {
		t.Errorf("Solve(empty) error = %v", err)
	}
	if _, err := s.Solve(context.Background(), Challenge{Value: "x", Difficulty: 65}, nil); !errors.Is(err, ErrInvalidDifficulty) {
		t.Errorf("Solve(65) error = %v", err)
	}
}

func TestPaced_Yield(t *testing.T) {
	p := Paced{Interval: 5 * time.Millisecond}
	if err := p.Yield(context.Background()); err != nil {
		t.Errorf("Yield() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (Paced{Interval: time.Hour}).Yield(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Yield() error = %v, want context.Canceled", err)
	}
}

func BenchmarkSolve(b *testing.B) {
	s, _ := NewSolver(SolverConfig{Engine: digest.Platform()})
	c := Challenge{Value: "benchmark", Difficulty: 3}

	for i := 0; i < b.N; i++ {
		if _, err := s.Solve(context.Background(), c, nil); err != nil {
			b.Fatal(err)
		}
	}
}
