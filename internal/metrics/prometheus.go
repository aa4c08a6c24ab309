// Package metrics exposes Prometheus instrumentation for the solver
// (powsolve_*) and the gate (powgate_*).
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides all application metrics.
type Metrics struct {
	// Solver metrics
	HashesTotal     prometheus.Counter
	SolveDuration   prometheus.Histogram
	AttemptOutcomes *prometheus.CounterVec
	HashRate        prometheus.Gauge

	// Gate metrics
	ChallengesIssued  prometheus.Counter
	ChallengesSolved  prometheus.Counter
	ChallengesFailed  *prometheus.CounterVec
	CurrentDifficulty prometheus.Gauge
	RateLimitHits     prometheus.Counter
	TokensIssued      prometheus.Counter
	GatedRequests     *prometheus.CounterVec
	InflightRequests  prometheus.Gauge
}

// Attempt outcomes for AttemptOutcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeTransport   = "transport"
	OutcomeProtocol    = "protocol"
	OutcomeComputation = "computation"
	OutcomeSuperseded  = "superseded"
)

// Failure reasons for ChallengesFailed.
const (
	ReasonInvalidChallenge = "invalid_challenge"
	ReasonInvalidSolution  = "invalid_solution"
	ReasonBadRequest       = "bad_request"
)

// Results for GatedRequests.
const (
	GateAllowed    = "allowed"
	GateChallenged = "challenged"
	GateExhausted  = "exhausted"
)

// New creates a Metrics instance registered with the default registry.
func New() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

func newMetrics(f promauto.Factory) *Metrics {
	return &Metrics{
		HashesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "powsolve",
			Name:      "hashes_total",
			Help:      "Total number of digests computed by the solver",
		}),
		SolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "powsolve",
			Name:      "solve_duration_seconds",
			Help:      "Time spent searching for a nonce",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		AttemptOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powsolve",
			Name:      "attempt_outcomes_total",
			Help:      "Challenge attempts by terminal outcome",
		}, []string{"result"}),
		HashRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "powsolve",
			Name:      "hash_rate",
			Help:      "Digests per second of the most recent search",
		}),

		ChallengesIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "powgate",
			Name:      "challenges_issued_total",
			Help:      "Total number of challenges issued",
		}),
		ChallengesSolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: "powgate",
			Name:      "challenges_solved_total",
			Help:      "Total number of accepted solutions",
		}),
		ChallengesFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powgate",
			Name:      "challenges_failed_total",
			Help:      "Total number of rejected verification requests",
		}, []string{"reason"}),
		CurrentDifficulty: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "powgate",
			Name:      "current_difficulty",
			Help:      "Difficulty of newly issued challenges, in hex digits",
		}),
		RateLimitHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "powgate",
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limited requests",
		}),
		TokensIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "powgate",
			Name:      "tokens_issued_total",
			Help:      "Total number of pass tokens minted",
		}),
		GatedRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powgate",
			Name:      "gated_requests_total",
			Help:      "Requests to protected resources by result",
		}, []string{"result"}),
		InflightRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "powgate",
			Name:      "inflight_requests",
			Help:      "Challenge endpoint requests currently being served",
		}),
	}
}

// ObserveSolve records a finished search.
func (m *Metrics) ObserveSolve(attempts uint64, elapsed time.Duration) {
	m.HashesTotal.Add(float64(attempts))
	m.SolveDuration.Observe(elapsed.Seconds())
	if elapsed > 0 {
		m.HashRate.Set(float64(attempts) / elapsed.Seconds())
	}
}

// AddHashes counts digests from a search that did not finish.
func (m *Metrics) AddHashes(n uint64) {
	m.HashesTotal.Add(float64(n))
}

// RecordOutcome counts a terminal attempt outcome.
func (m *Metrics) RecordOutcome(result string) {
	m.AttemptOutcomes.WithLabelValues(result).Inc()
}

// RecordChallengeIssued increments the challenges issued counter.
func (m *Metrics) RecordChallengeIssued() {
	m.ChallengesIssued.Inc()
}

// RecordChallengeSolved increments the challenges solved counter.
func (m *Metrics) RecordChallengeSolved() {
	m.ChallengesSolved.Inc()
}

// RecordChallengeFailed increments the challenges failed counter with reason.
func (m *Metrics) RecordChallengeFailed(reason string) {
	m.ChallengesFailed.WithLabelValues(reason).Inc()
}

// SetCurrentDifficulty sets the current difficulty gauge.
func (m *Metrics) SetCurrentDifficulty(difficulty int) {
	m.CurrentDifficulty.Set(float64(difficulty))
}

// RecordRateLimitHit increments the rate limit hits counter.
func (m *Metrics) RecordRateLimitHit() {
	m.RateLimitHits.Inc()
}

// RecordTokenIssued increments the tokens issued counter.
func (m *Metrics) RecordTokenIssued() {
	m.TokensIssued.Inc()
}

// RecordGated counts a request to a protected resource.
func (m *Metrics) RecordGated(result string) {
	m.GatedRequests.WithLabelValues(result).Inc()
}

// SetInflight sets the in-flight requests gauge.
func (m *Metrics) SetInflight(n int) {
	m.InflightRequests.Set(float64(n))
}

// Server provides an HTTP server for Prometheus metrics.
type Server struct {
	httpServer *http.Server
	address    string
}

// NewServer creates a metrics HTTP server serving /metrics and /health.
func NewServer(address string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		address: address,
	}
}

// Start blocks serving metrics until the server is shut down.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.address
}

var defaultMetrics = New()

// Default returns the metrics instance registered with the default registry.
func Default() *Metrics {
	return defaultMetrics
}

// OrDefault returns m, or Default when m is nil.
func OrDefault(m *Metrics) *Metrics {
	if m == nil {
		return defaultMetrics
	}
	return m
}

// TestMetrics creates metrics registered only with a fresh registry.
func TestMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return newMetrics(promauto.With(reg)), reg
}

// StartServer starts a metrics server in a goroutine. It fails if the
// listener does not come up within 100ms.
func StartServer(address string) (*Server, error) {
	s := NewServer(address)

	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return nil, fmt.Errorf("metrics server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
		return s, nil
	}
}
