package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetrics_Solver(t *testing.T) {
	m, _ := TestMetrics()

	t.Run("observe solve", func(t *testing.T) {
		m.ObserveSolve(2000, 2*time.Second)
		m.ObserveSolve(500, 0)

		if val := getCounterValue(t, m.HashesTotal); val != 2500 {
			t.Errorf("expected 2500 hashes, got %f", val)
		}
		if val := getGaugeValue(t, m.HashRate); val != 1000 {
			t.Errorf("expected hash rate 1000, got %f", val)
		}
		if n := getHistogramCount(t, m.SolveDuration); n != 2 {
			t.Errorf("expected 2 observations, got %d", n)
		}
	})

	t.Run("unfinished search", func(t *testing.T) {
		m.AddHashes(100)

		if val := getCounterValue(t, m.HashesTotal); val != 2600 {
			t.Errorf("expected 2600 hashes, got %f", val)
		}
	})

	t.Run("outcomes", func(t *testing.T) {
		m.RecordOutcome(OutcomeSuccess)
		m.RecordOutcome(OutcomeProtocol)
		m.RecordOutcome(OutcomeProtocol)

		if val := getCounterVecValue(t, m.AttemptOutcomes, OutcomeSuccess); val != 1 {
			t.Errorf("expected 1 success, got %f", val)
		}
		if val := getCounterVecValue(t, m.AttemptOutcomes, OutcomeProtocol); val != 2 {
			t.Errorf("expected 2 protocol failures, got %f", val)
		}
	})
}

func TestMetrics_Gate(t *testing.T) {
	m, _ := TestMetrics()

	m.RecordChallengeIssued()
	m.RecordChallengeIssued()
	m.RecordChallengeSolved()
	m.RecordChallengeFailed(ReasonInvalidSolution)
	m.RecordChallengeFailed(ReasonInvalidChallenge)
	m.RecordChallengeFailed(ReasonInvalidChallenge)
	m.SetCurrentDifficulty(5)
	m.RecordRateLimitHit()
	m.RecordTokenIssued()
	m.RecordGated(GateAllowed)
	m.RecordGated(GateChallenged)
	m.SetInflight(7)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"issued", getCounterValue(t, m.ChallengesIssued), 2},
		{"solved", getCounterValue(t, m.ChallengesSolved), 1},
		{"failed invalid solution", getCounterVecValue(t, m.ChallengesFailed, ReasonInvalidSolution), 1},
		{"failed invalid challenge", getCounterVecValue(t, m.ChallengesFailed, ReasonInvalidChallenge), 2},
		{"difficulty", getGaugeValue(t, m.CurrentDifficulty), 5},
		{"rate limit", getCounterValue(t, m.RateLimitHits), 1},
		{"tokens", getCounterValue(t, m.TokensIssued), 1},
		{"gated allowed", getCounterVecValue(t, m.GatedRequests, GateAllowed), 1},
		{"gated challenged", getCounterVecValue(t, m.GatedRequests, GateChallenged), 1},
		{"inflight", getGaugeValue(t, m.InflightRequests), 7},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %f, got %f", tt.name, tt.want, tt.got)
		}
	}
}

func TestTestMetrics_Names(t *testing.T) {
	m, reg := TestMetrics()
	m.RecordOutcome(OutcomeSuccess)
	m.RecordChallengeFailed(ReasonBadRequest)
	m.RecordGated(GateExhausted)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	for _, want := range []string{
		"powsolve_hashes_total",
		"powsolve_solve_duration_seconds",
		"powsolve_attempt_outcomes_total",
		"powsolve_hash_rate",
		"powgate_challenges_issued_total",
		"powgate_challenges_solved_total",
		"powgate_challenges_failed_total",
		"powgate_current_difficulty",
		"powgate_rate_limit_hits_total",
		"powgate_tokens_issued_total",
		"powgate_gated_requests_total",
		"powgate_inflight_requests",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("default metrics should not be nil")
	}
	if OrDefault(nil) != Default() {
		t.Error("OrDefault(nil) should return the default metrics")
	}

	m, _ := TestMetrics()
	if OrDefault(m) != m {
		t.Error("OrDefault(m) should return m")
	}
}

func TestServer_Address(t *testing.T) {
	s := NewServer(":9999")
	if s.Address() != ":9999" {
		t.Errorf("expected :9999, got %s", s.Address())
	}
}

func TestStartServer(t *testing.T) {
	s, err := StartServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}

func TestStartServer_AddressInUse(t *testing.T) {
	first, err := StartServer("127.0.0.1:19191")
	if err != nil {
		t.Skipf("port unavailable: %v", err)
	}
	defer first.Shutdown(context.Background())

	if _, err := StartServer("127.0.0.1:19191"); err == nil {
		t.Error("expected error when the address is taken")
	}
}

func TestServer_Endpoints(t *testing.T) {
	s, err := StartServer("127.0.0.1:19192")
	if err != nil {
		t.Skipf("port unavailable: %v", err)
	}
	defer s.Shutdown(context.Background())

	resp, err := http.Get("http://127.0.0.1:19192/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("health = %d %q", resp.StatusCode, body)
	}

	Default().RecordChallengeIssued()
	resp, err = http.Get("http://127.0.0.1:19192/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "powgate_challenges_issued_total") {
		t.Error("expected powgate metrics in /metrics output")
	}
}

// Helper functions

func getCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to write counter: %v", err)
	}
	return m.Counter.GetValue()
}

func getCounterVecValue(t *testing.T, cv *prometheus.CounterVec, label string) float64 {
	t.Helper()

	c, err := cv.GetMetricWithLabelValues(label)
	if err != nil {
		t.Fatalf("failed to get counter with label: %v", err)
	}
	return getCounterValue(t, c)
}

func getGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("failed to write gauge: %v", err)
	}
	return m.Gauge.GetValue()
}

func getHistogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()

	var m dto.Metric
	if err := h.Write(&m); err != nil {
		t.Fatalf("failed to write histogram: %v", err)
	}
	return m.Histogram.GetSampleCount()
}
