// Command powgate runs a development gate: the challenge endpoints, a
// protected /gallery/ sample and the Prometheus endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/powgate/internal/config"
	"github.com/powgate/internal/gate"
	"github.com/powgate/internal/logging"
	"github.com/powgate/internal/metrics"
	"github.com/powgate/internal/pow"
	"github.com/powgate/internal/ratelimit"
)

func main() {
	fs := pflag.NewFlagSet("powgate", pflag.ExitOnError)
	config.RegisterGateFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg := config.MustLoad(fs, (*config.Config).ValidateGate)

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	logging.SetDefault(logger)

	logger.Info("starting powgate",
		"address", cfg.Gate.Address,
		"metrics_address", cfg.Metrics.Address,
		"difficulty", cfg.Gate.Difficulty,
		"adaptive", cfg.Gate.Adaptive,
	)

	var metricsServer *metrics.Server
	if cfg.Metrics.Address != "" {
		var err error
		metricsServer, err = metrics.StartServer(cfg.Metrics.Address)
		if err != nil {
			logger.Error("failed to start metrics server", logging.Err(err))
			os.Exit(1)
		}
		logger.Info("metrics server started", "address", cfg.Metrics.Address)
	}

	difficulty := pow.StaticDifficulty(cfg.Gate.Difficulty)
	if cfg.Gate.Adaptive {
		difficulty = pow.NewDifficultyManager(pow.DifficultyConfig{
			Base: cfg.Gate.Difficulty,
			Min:  cfg.Gate.MinDifficulty,
			Max:  cfg.Gate.MaxDifficulty,
		})
	}

	g, err := gate.New(gate.Config{
		ChallengePage: cfg.Gate.ChallengePath,
		Difficulty:    difficulty,
		ChallengeTTL:  cfg.Gate.ChallengeTTL,
		Tokens: gate.TokenConfig{
			Secret:      []byte(cfg.Gate.Secret),
			TTL:         cfg.Gate.TokenTTL,
			MaxRequests: cfg.Gate.TokenMaxRequests,
			BindToIP:    cfg.Gate.BindToIP,
		},
		RateLimit: ratelimit.Config{
			Rate:            cfg.Gate.RateLimitRPS,
			Burst:           cfg.Gate.RateLimitBurst,
			CleanupInterval: time.Minute,
			CleanupAge:      5 * time.Minute,
			MaxKeys:         100000,
		},
		MaxInflight: cfg.Gate.MaxInflight,
		Logger:      logger.Logger,
	})
	if err != nil {
		logger.Error("failed to create gate", logging.Err(err))
		os.Exit(1)
	}
	defer g.Close()

	mux := http.NewServeMux()
	mux.Handle("/pow/", g)
	if !strings.HasPrefix(cfg.Gate.ChallengePath, "/pow/") {
		mux.Handle(cfg.Gate.ChallengePath, g)
	}
	mux.Handle("/gallery/", g.Protect(http.HandlerFunc(gallery)))

	srv := gate.NewServer(gate.ServerConfig{
		Address:         cfg.Gate.Address,
		GracefulTimeout: cfg.Gate.GracefulTimeout,
		AllowedOrigins:  cfg.Gate.AllowedOrigins,
		Logger:          logger.Logger,
	}, mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		if err := <-errChan; err != nil {
			logger.Error("server shutdown error", logging.Err(err))
		}
	case err := <-errChan:
		if err != nil {
			logger.Error("server error", logging.Err(err))
		}
		cancel()
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", logging.Err(err))
		}
	}

	logger.Info("gate shutdown complete")
}

func gallery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Welcome to the gallery: %s\n", r.URL.Path)
}
