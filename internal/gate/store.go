package gate

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/powgate/internal/pow"
)

// ChallengeBytes is the amount of randomness in a challenge. Challenges
// travel as lowercase hex.
const ChallengeBytes = 16

// Store defaults.
const (
	DefaultChallengeTTL  = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

type pending struct {
	difficulty int
	expires    time.Time
}

// ChallengeStore remembers issued challenges until they are consumed or
// expire. Each challenge can be consumed once.
type ChallengeStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]pending

	issued atomic.Uint64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewChallengeStore creates a store and starts its expiry sweep. A zero
// ttl means DefaultChallengeTTL; a sweep interval <= 0 disables the
// background sweep.
func NewChallengeStore(ttl, sweepInterval time.Duration) *ChallengeStore {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}

	s := &ChallengeStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]pending),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	} else {
		close(s.done)
	}
	return s
}

// Issue creates and remembers a fresh challenge at the given difficulty.
func (s *ChallengeStore) Issue(difficulty int) (pow.Challenge, error) {
	var buf [ChallengeBytes]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return pow.Challenge{}, fmt.Errorf("generate challenge: %w", err)
	}
	c := pow.Challenge{Value: hex.EncodeToString(buf[:]), Difficulty: difficulty}

	s.mu.Lock()
	s.entries[c.Value] = pending{difficulty: difficulty, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()

	s.issued.Add(1)
	return c, nil
}

// Consume removes a challenge and returns it with the difficulty it was
// issued at. Unknown, expired and already consumed challenges report
// false.
func (s *ChallengeStore) Consume(value string) (pow.Challenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.entries[value]
	if !ok {
		return pow.Challenge{}, false
	}
	delete(s.entries, value)

	if !s.now().Before(p.expires) {
		return pow.Challenge{}, false
	}
	return pow.Challenge{Value: value, Difficulty: p.difficulty}, true
}

// Len returns the number of outstanding challenges.
func (s *ChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Issued returns the total number of challenges issued.
func (s *ChallengeStore) Issued() uint64 {
	return s.issued.Load()
}

// Close stops the sweep and waits for it to exit.
func (s *ChallengeStore) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *ChallengeStore) sweepLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *ChallengeStore) sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, p := range s.entries {
		if !now.Before(p.expires) {
			delete(s.entries, k)
		}
	}
}
