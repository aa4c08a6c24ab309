// Command powsolve solves a gate's proof-of-work challenge from the
// terminal and follows the return URL with the resulting pass token.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/net/publicsuffix"

	"github.com/powgate/internal/config"
	"github.com/powgate/internal/digest"
	"github.com/powgate/internal/flow"
	"github.com/powgate/internal/logging"
	"github.com/powgate/internal/metrics"
	"github.com/powgate/internal/pow"
	"github.com/powgate/internal/protocol"
	"github.com/powgate/internal/returnurl"
)

func main() {
	fs := pflag.NewFlagSet("powsolve", pflag.ExitOnError)
	config.RegisterClientFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg := config.MustLoad(fs, (*config.Config).ValidateClient,
		config.WithDefault("log.format", "text"),
		config.WithDefault("log.level", "warn"),
	)

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	if cfg.Metrics.Address != "" {
		metricsServer, err := metrics.StartServer(cfg.Metrics.Address)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}
	httpClient := &http.Client{Jar: jar, Timeout: cfg.Client.HTTPTimeout}

	client, err := protocol.NewClient(protocol.ClientConfig{
		BaseURL:    cfg.Client.BaseURL,
		HTTPClient: httpClient,
		UserAgent:  "powsolve/1.0",
		Logger:     logger.Logger,
	})
	if err != nil {
		return err
	}

	mode, _ := digest.ParseMode(cfg.Client.Digest)
	engine, err := digest.Select(mode)
	if err != nil {
		return protocol.Computation("select engine", err)
	}
	solver, err := pow.NewSolver(pow.SolverConfig{
		Engine:    engine,
		BatchSize: uint64(cfg.Client.BatchSize),
		Scheduler: pow.Paced{Interval: cfg.Client.YieldInterval},
		Logger:    logger.Logger,
	})
	if err != nil {
		logger.Error("solver setup failed", logging.Err(err))
		return protocol.Computation("new solver", err)
	}
	logger.Debug("digest engine selected", logging.Engine(engine.Name()))

	var confirmer flow.Confirmer = newPromptConfirmer(os.Stdin, os.Stdout)
	if cfg.Client.Retries > 0 {
		confirmer = flow.AutoRetry(cfg.Client.Retries, cfg.Client.RetryMaxWait)
	}

	machine, err := flow.NewMachine(flow.Config{
		Client:        client,
		Solver:        solver,
		Observer:      newTerminal(os.Stdout),
		Navigator:     follower{client: httpClient, base: client.BaseURL()},
		Confirmer:     confirmer,
		RedirectDelay: orNone(cfg.Client.RedirectDelay),
		RetryDelay:    orNone(cfg.Client.RetryDelay),
		Logger:        logger.Logger,
	})
	if err != nil {
		return err
	}

	target := returnurl.Default(cfg.Client.ReturnURL, client.BaseURL())
	return machine.Run(ctx, target)
}

// orNone maps an explicit zero delay to the machine's "no delay" value.
func orNone(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// follower navigates by fetching the return URL with the pass token.
type follower struct {
	client *http.Client
	base   string
}

func (f follower) Navigate(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+target, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fmt.Printf("%s %s\n", resp.Status, resp.Request.URL)
	return nil
}
