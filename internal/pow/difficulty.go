package pow

import (
	"context"
	"sync/atomic"
	"time"
)

// DifficultyManager decides the difficulty of newly issued challenges.
type DifficultyManager interface {
	// Current returns the difficulty, in leading zero hex digits.
	Current() int

	// Update recalculates difficulty from gate load.
	// inflight: requests currently being served
	// issueRate: challenges issued per second since the previous update
	Update(inflight int, issueRate float64)

	// Start begins the background update loop.
	// gather is called every UpdateInterval to sample the load.
	Start(ctx context.Context, gather LoadGatherer)

	// Stop stops the background update loop.
	Stop()
}

// LoadGatherer samples gate load for the difficulty manager.
type LoadGatherer func() (inflight int, issueRate float64)

// DifficultyConfig holds configuration for the difficulty manager.
type DifficultyConfig struct {
	// Base is the difficulty under normal load (default: 4)
	Base int

	// Min is the lowest difficulty handed out (default: 3)
	Min int

	// Max is the highest difficulty handed out (default: 6)
	Max int

	// UpdateInterval is how often to recalculate difficulty (default: 10s)
	UpdateInterval time.Duration

	// InflightHigh triggers +2 when exceeded (default: 200)
	InflightHigh int

	// InflightMedium triggers +1 when exceeded (default: 50)
	InflightMedium int

	// RateHigh triggers +2 when exceeded, in challenges/s (default: 50)
	RateHigh float64

	// RateMedium triggers +1 when exceeded, in challenges/s (default: 20)
	RateMedium float64
}

// DefaultDifficultyConfig returns the default difficulty configuration.
// Each extra hex digit multiplies the expected work by 16: difficulty 4
// needs about 65k attempts on average.
func DefaultDifficultyConfig() DifficultyConfig {
	return DifficultyConfig{
		Base:           4,
		Min:            3,
		Max:            6,
		UpdateInterval: 10 * time.Second,
		InflightHigh:   200,
		InflightMedium: 50,
		RateHigh:       50,
		RateMedium:     20,
	}
}

type difficultyManager struct {
	config   DifficultyConfig
	current  atomic.Int32
	stopChan chan struct{}
	stopped  atomic.Bool
}

// NewDifficultyManager creates an adaptive difficulty manager.
// Zero fields take their defaults and Base is clamped into [Min, Max].
func NewDifficultyManager(config DifficultyConfig) DifficultyManager {
	def := DefaultDifficultyConfig()
	if config.Base == 0 {
		config.Base = def.Base
	}
	if config.Min == 0 {
		config.Min = def.Min
	}
	if config.Max == 0 {
		config.Max = def.Max
	}
	if config.Max > MaxDifficulty {
		config.Max = MaxDifficulty
	}
	if config.UpdateInterval == 0 {
		config.UpdateInterval = def.UpdateInterval
	}
	if config.InflightHigh == 0 {
		config.InflightHigh = def.InflightHigh
	}
	if config.InflightMedium == 0 {
		config.InflightMedium = def.InflightMedium
	}
	if config.RateHigh == 0 {
		config.RateHigh = def.RateHigh
	}
	if config.RateMedium == 0 {
		config.RateMedium = def.RateMedium
	}

	config.Base = clamp(config.Base, config.Min, config.Max)

	dm := &difficultyManager{
		config:   config,
		stopChan: make(chan struct{}),
	}
	dm.current.Store(int32(config.Base))

	return dm
}

func (m *difficultyManager) Current() int {
	return int(m.current.Load())
}

func (m *difficultyManager) Update(inflight int, issueRate float64) {
	adjustment := 0

	if inflight > m.config.InflightHigh {
		adjustment += 2
	} else if inflight > m.config.InflightMedium {
		adjustment++
	}

	if issueRate > m.config.RateHigh {
		adjustment += 2
	} else if issueRate > m.config.RateMedium {
		adjustment++
	}

	m.current.Store(int32(clamp(m.config.Base+adjustment, m.config.Min, m.config.Max)))
}

func (m *difficultyManager) Start(ctx context.Context, gather LoadGatherer) {
	go m.updateLoop(ctx, gather)
}

func (m *difficultyManager) updateLoop(ctx context.Context, gather LoadGatherer) {
	ticker := time.NewTicker(m.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			if gather != nil {
				m.Update(gather())
			}
		}
	}
}

func (m *difficultyManager) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopChan)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// StaticDifficulty returns a manager that always hands out difficulty.
func StaticDifficulty(difficulty int) DifficultyManager {
	return staticDifficulty(difficulty)
}

type staticDifficulty int

func (d staticDifficulty) Current() int { return int(d) }

func (staticDifficulty) Update(int, float64) {}

func (staticDifficulty) Start(context.Context, LoadGatherer) {}

func (staticDifficulty) Stop() {}
