package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/powgate/internal/digest"
	"github.com/powgate/internal/flow"
	"github.com/powgate/internal/logging"
	"github.com/powgate/internal/pow"
	"github.com/powgate/internal/protocol"
)

// Stats tracks load test statistics.
type Stats struct {
	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64
	rejected        atomic.Int64
	totalAttempts   atomic.Int64
	totalSolveTime  atomic.Int64 // nanoseconds
	totalRoundTrip  atomic.Int64 // nanoseconds
}

func main() {
	baseURL := pflag.String("base-url", "http://localhost:8080", "Gate base URL")
	returnURL := pflag.String("return-url", "/gallery/", "Protected path to request after each solve")
	workers := pflag.Int("workers", 10, "Number of concurrent workers")
	duration := pflag.Duration("duration", 30*time.Second, "Test duration")
	rampUp := pflag.Duration("ramp-up", 5*time.Second, "Ramp-up time to start all workers")
	timeout := pflag.Duration("http-timeout", 10*time.Second, "Timeout for each HTTP exchange")
	yieldInterval := pflag.Duration("yield-interval", 0, "Pause at every solver batch boundary")
	mode := pflag.String("digest", string(digest.ModeAuto), "Digest engine: auto, platform or portable")
	pflag.Parse()

	engineMode, err := digest.ParseMode(*mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	engine, err := digest.Select(engineMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== powgate Load Test ===")
	fmt.Printf("Gate:     %s\n", *baseURL)
	fmt.Printf("Workers:  %d\n", *workers)
	fmt.Printf("Duration: %s\n", *duration)
	fmt.Printf("Ramp-up:  %s\n", *rampUp)
	fmt.Printf("Engine:   %s\n", engine.Name())
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithTimeout(ctx, *duration)
	defer cancelRun()

	stats := &Stats{}
	startTime := time.Now()
	workerDelay := *rampUp / time.Duration(max(*workers, 1))

	go printLiveStats(ctx, stats, startTime)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *workers; i++ {
		w, err := newWorker(*baseURL, *returnURL, *timeout, engine, *yieldInterval, stats)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		g.Go(func() error {
			w.run(gctx)
			return nil
		})

		if i < *workers-1 {
			select {
			case <-gctx.Done():
			case <-time.After(workerDelay):
			}
		}
	}
	_ = g.Wait()

	printFinalStats(stats, time.Since(startTime))
}

// worker runs full challenge attempts back to back.
type worker struct {
	machine   *flow.Machine
	returnURL string
	stats     *Stats
	outcome   *outcomeRecorder
}

type outcomeRecorder struct {
	flow.NopObserver
	last atomic.Pointer[flow.Outcome]
}

func (o *outcomeRecorder) Done(out flow.Outcome) {
	o.last.Store(&out)
}

func newWorker(baseURL, returnURL string, timeout time.Duration, engine digest.Engine, yieldInterval time.Duration, stats *Stats) (*worker, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Jar: jar, Timeout: timeout}

	client, err := protocol.NewClient(protocol.ClientConfig{
		BaseURL:    baseURL,
		HTTPClient: httpClient,
		UserAgent:  "powgate-loadtest/1.0",
		Logger:     logging.Discard().Logger,
	})
	if err != nil {
		return nil, err
	}

	solver, err := pow.NewSolver(pow.SolverConfig{
		Engine:    engine,
		Scheduler: pow.Paced{Interval: yieldInterval},
		Logger:    logging.Discard().Logger,
	})
	if err != nil {
		return nil, err
	}

	base := client.BaseURL()
	rec := &outcomeRecorder{}
	machine, err := flow.NewMachine(flow.Config{
		Client:        client,
		Solver:        solver,
		Observer:      rec,
		RedirectDelay: -1,
		RetryDelay:    -1,
		Navigator: flow.NavigatorFunc(func(ctx context.Context, target string) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+target, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("return URL answered %s", resp.Status)
			}
			return nil
		}),
		Logger: logging.Discard().Logger,
	})
	if err != nil {
		return nil, err
	}

	return &worker{machine: machine, returnURL: returnURL, stats: stats, outcome: rec}, nil
}

func (w *worker) run(ctx context.Context) {
	for ctx.Err() == nil {
		roundTripStart := time.Now()
		w.stats.totalRequests.Add(1)

		err := w.machine.Start(ctx, w.returnURL)
		if err != nil {
			if ctx.Err() != nil {
				w.stats.totalRequests.Add(-1)
				return
			}
			w.stats.failedRequests.Add(1)
			if protocol.IsProtocol(err) {
				w.stats.rejected.Add(1)
			}
			// Brief backoff on error
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		w.stats.successRequests.Add(1)
		w.stats.totalRoundTrip.Add(int64(time.Since(roundTripStart)))
		if out := w.outcome.last.Load(); out != nil && out.Result != nil {
			w.stats.totalSolveTime.Add(int64(out.Result.Elapsed))
			w.stats.totalAttempts.Add(int64(out.Result.Attempts))
		}
	}
}

func printLiveStats(ctx context.Context, stats *Stats, startTime time.Time) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(startTime).Seconds()
			total := stats.totalRequests.Load()
			success := stats.successRequests.Load()
			failed := stats.failedRequests.Load()

			rps := float64(total) / elapsed
			successRate := float64(0)
			if total > 0 {
				successRate = float64(success) / float64(total) * 100
			}

			avgSolve := time.Duration(0)
			avgRoundTrip := time.Duration(0)
			if success > 0 {
				avgSolve = time.Duration(stats.totalSolveTime.Load() / success)
				avgRoundTrip = time.Duration(stats.totalRoundTrip.Load() / success)
			}

			fmt.Printf("[%5.1fs] Requests: %d | Success: %d (%.1f%%) | Failed: %d | RPS: %.1f | Avg Solve: %v | Avg RT: %v\n",
				elapsed, total, success, successRate, failed, rps, avgSolve.Truncate(time.Millisecond), avgRoundTrip.Truncate(time.Millisecond))
		}
	}
}

func printFinalStats(stats *Stats, duration time.Duration) {
	fmt.Println()
	fmt.Println("=== Final Results ===")

	total := stats.totalRequests.Load()
	success := stats.successRequests.Load()
	failed := stats.failedRequests.Load()

	fmt.Printf("Duration:        %v\n", duration.Truncate(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Failed:          %d\n", failed)
	fmt.Printf("Rejected:        %d\n", stats.rejected.Load())

	if total > 0 {
		successRate := float64(success) / float64(total) * 100
		rps := float64(total) / duration.Seconds()
		fmt.Printf("Success Rate:    %.2f%%\n", successRate)
		fmt.Printf("Requests/sec:    %.2f\n", rps)
	}

	if success > 0 {
		avgSolve := time.Duration(stats.totalSolveTime.Load() / success)
		avgRoundTrip := time.Duration(stats.totalRoundTrip.Load() / success)
		fmt.Printf("Avg Solve Time:  %v\n", avgSolve.Truncate(time.Millisecond))
		fmt.Printf("Avg Round Trip:  %v\n", avgRoundTrip.Truncate(time.Millisecond))
		fmt.Printf("Avg Attempts:    %d\n", stats.totalAttempts.Load()/success)
	}

	fmt.Println()
}
