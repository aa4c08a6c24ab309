// Package ratelimit limits challenge endpoint traffic per client key
// (usually the remote IP) with golang.org/x/time/rate token buckets.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter rate limits requests per key.
type Limiter interface {
	// Allow reports whether a request for key may proceed now.
	Allow(key string) bool

	// Close stops the cleanup goroutine.
	Close()
}

// Config holds rate limiter configuration.
type Config struct {
	// Rate is the number of requests per second refilled per key.
	Rate float64

	// Burst is the bucket capacity.
	Burst int

	// CleanupInterval is how often idle keys are swept.
	CleanupInterval time.Duration

	// CleanupAge is how long a key must be idle before removal.
	CleanupAge time.Duration

	// MaxKeys caps tracked keys (0 = unlimited). The oldest key of the
	// target shard is evicted when the cap is reached.
	MaxKeys int

	// ShardCount is the number of lock shards (default: 16).
	ShardCount int
}

// DefaultConfig returns the default rate limiter configuration.
func DefaultConfig() Config {
	return Config{
		Rate:            5,
		Burst:           10,
		CleanupInterval: time.Minute,
		CleanupAge:      5 * time.Minute,
		MaxKeys:         100000,
		ShardCount:      16,
	}
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type limiter struct {
	shards   []*shard
	limit    rate.Limit
	burst    int
	maxKeys  int
	keyCount atomic.Int64
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	cleanupInterval time.Duration
	cleanupAge      time.Duration

	nowFunc func() time.Time
}

// New creates a rate limiter and starts its cleanup goroutine.
// A non-positive Rate disables limiting.
func New(cfg Config) Limiter {
	def := DefaultConfig()
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = def.ShardCount
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.CleanupAge <= 0 {
		cfg.CleanupAge = def.CleanupAge
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	limit := rate.Limit(cfg.Rate)
	if cfg.Rate <= 0 {
		limit = rate.Inf
	}

	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}

	l := &limiter{
		shards:          shards,
		limit:           limit,
		burst:           cfg.Burst,
		maxKeys:         cfg.MaxKeys,
		stopChan:        make(chan struct{}),
		done:            make(chan struct{}),
		cleanupInterval: cfg.CleanupInterval,
		cleanupAge:      cfg.CleanupAge,
		nowFunc:         time.Now,
	}

	go l.cleanupLoop()

	return l
}

func (l *limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

func (l *limiter) Allow(key string) bool {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.nowFunc()

	e, ok := s.entries[key]
	if !ok {
		if l.maxKeys > 0 && int(l.keyCount.Load()) >= l.maxKeys {
			l.evictOldest(s)
		}
		e = &entry{lim: rate.NewLimiter(l.limit, l.burst)}
		s.entries[key] = e
		l.keyCount.Add(1)
	}
	e.lastSeen = now

	return e.lim.AllowN(now, 1)
}

// evictOldest removes the least recently seen key of s.
// Caller must hold s.mu.
func (l *limiter) evictOldest(s *shard) {
	var oldest string
	var oldestSeen time.Time

	for key, e := range s.entries {
		if oldest == "" || e.lastSeen.Before(oldestSeen) {
			oldest = key
			oldestSeen = e.lastSeen
		}
	}

	if oldest != "" {
		delete(s.entries, oldest)
		l.keyCount.Add(-1)
	}
}

func (l *limiter) Close() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	<-l.done
}

func (l *limiter) cleanupLoop() {
	defer close(l.done)

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *limiter) cleanup() {
	now := l.nowFunc()
	for _, s := range l.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if now.Sub(e.lastSeen) > l.cleanupAge {
				delete(s.entries, key)
				l.keyCount.Add(-1)
			}
		}
		s.mu.Unlock()
	}
}

// Stats describes limiter state for metrics and tests.
type Stats struct {
	ActiveKeys int
}

func (l *limiter) Stats() Stats {
	return Stats{ActiveKeys: int(l.keyCount.Load())}
}
