// Package gate is a reference HTTP implementation of the challenge
// endpoints. It issues single-use challenges, verifies solutions, hands
// out pass tokens and guards protected resources with them.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/powgate/internal/digest"
	"github.com/powgate/internal/logging"
	"github.com/powgate/internal/metrics"
	"github.com/powgate/internal/pow"
	"github.com/powgate/internal/protocol"
	"github.com/powgate/internal/ratelimit"
	"github.com/powgate/internal/returnurl"
)

// Defaults.
const (
	DefaultChallengePage = "/pow"
	DefaultDifficulty    = 4
	DefaultMaxInflight   = 256

	// TokenCookie carries the pass token.
	TokenCookie = "pow_token"
)

// Config holds gate configuration.
type Config struct {
	// ChallengePage is where unauthorised visitors are sent, with the
	// original path in the return_url query parameter (default: /pow).
	ChallengePage string

	// Difficulty supplies the difficulty for new challenges.
	// Nil means a static DefaultDifficulty.
	Difficulty pow.DifficultyManager

	// ChallengeTTL is how long an issued challenge stays valid.
	ChallengeTTL time.Duration

	// SweepInterval is how often expired challenges are dropped.
	SweepInterval time.Duration

	// Tokens configures the pass tokens.
	Tokens TokenConfig

	// RateLimit applies per client IP to the challenge endpoints.
	RateLimit ratelimit.Config

	// MaxInflight caps concurrent challenge endpoint requests.
	MaxInflight int

	// Engine verifies solutions. Nil means digest.Platform().
	Engine digest.Engine

	// Metrics records gate activity. Nil means metrics.Default().
	Metrics *metrics.Metrics

	// Logger for gate events. Nil means slog.Default().
	Logger *slog.Logger
}

// Gate serves the challenge endpoints and protects other handlers.
type Gate struct {
	page       string
	difficulty pow.DifficultyManager
	store      *ChallengeStore
	tokens     *TokenIssuer
	limiter    ratelimit.Limiter
	pool       *Pool
	engine     digest.Engine
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mux *http.ServeMux

	rateMu     sync.Mutex
	lastIssued uint64
	lastSample time.Time

	closeOnce sync.Once
}

// ErrPageConflict means the challenge page shadows an endpoint.
var ErrPageConflict = errors.New("challenge page conflicts with a challenge endpoint")

// New creates a gate. It fails when the token secret is too short or the
// challenge page is one of the endpoint paths.
func New(cfg Config) (*Gate, error) {
	tokens, err := NewTokenIssuer(cfg.Tokens)
	if err != nil {
		return nil, err
	}

	if cfg.ChallengePage == "" {
		cfg.ChallengePage = DefaultChallengePage
	}
	if cfg.ChallengePage == protocol.ChallengePath || cfg.ChallengePage == protocol.VerifyPath {
		return nil, ErrPageConflict
	}
	if cfg.Difficulty == nil {
		cfg.Difficulty = pow.StaticDifficulty(DefaultDifficulty)
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.RateLimit == (ratelimit.Config{}) {
		cfg.RateLimit = ratelimit.DefaultConfig()
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	if cfg.Engine == nil {
		cfg.Engine = digest.Platform()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	g := &Gate{
		page:       cfg.ChallengePage,
		difficulty: cfg.Difficulty,
		store:      NewChallengeStore(cfg.ChallengeTTL, cfg.SweepInterval),
		tokens:     tokens,
		limiter:    ratelimit.New(cfg.RateLimit),
		pool:       NewPool(cfg.MaxInflight),
		engine:     cfg.Engine,
		metrics:    metrics.OrDefault(cfg.Metrics),
		logger:     cfg.Logger,
		mux:        http.NewServeMux(),
		lastSample: time.Now(),
	}

	g.mux.HandleFunc(protocol.ChallengePath, g.guard(g.handleChallenge))
	g.mux.HandleFunc(protocol.VerifyPath, g.guard(g.handleVerify))
	g.mux.HandleFunc(g.page, g.handlePage)

	g.metrics.SetCurrentDifficulty(g.difficulty.Current())
	return g, nil
}

// Start runs the difficulty updates until ctx is done or Close is called.
func (g *Gate) Start(ctx context.Context) {
	g.difficulty.Start(ctx, g.load)
}

// Close stops background work.
func (g *Gate) Close() {
	g.closeOnce.Do(func() {
		g.difficulty.Stop()
		g.store.Close()
		g.limiter.Close()
	})
}

// ServeHTTP serves the challenge endpoints and the challenge page.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// Protect lets requests with a valid pass token through to next and
// sends everyone else to the challenge page.
func (g *Gate) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)

		cookie, err := r.Cookie(TokenCookie)
		if err == nil {
			err = g.tokens.Authorize(cookie.Value, ip)
			if err == nil {
				g.metrics.RecordGated(metrics.GateAllowed)
				next.ServeHTTP(w, r)
				return
			}
		}

		if errors.Is(err, ErrTokenExhausted) {
			g.metrics.RecordGated(metrics.GateExhausted)
		} else {
			g.metrics.RecordGated(metrics.GateChallenged)
		}
		g.logger.Debug("challenging request",
			logging.RemoteAddr(ip),
			slog.String("path", r.URL.Path),
			logging.Err(err),
		)

		target := returnurl.Validate(r.URL.RequestURI())
		http.Redirect(w, r, g.page+"?return_url="+url.QueryEscape(target), http.StatusSeeOther)
	})
}

// guard applies the rate limit and in-flight cap.
func (g *Gate) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)

		if !g.limiter.Allow(ip) {
			g.metrics.RecordRateLimitHit()
			g.logger.Debug("rate limited", logging.RemoteAddr(ip))
			writeError(w, http.StatusTooManyRequests, protocol.MsgTooManyRequests)
			return
		}

		if !g.pool.Acquire() {
			g.logger.Debug("inflight cap reached",
				logging.RemoteAddr(ip),
				slog.Int("max_inflight", g.pool.Max()),
			)
			writeError(w, http.StatusServiceUnavailable, protocol.MsgServerBusy)
			return
		}
		g.metrics.SetInflight(g.pool.Active())
		defer func() {
			g.pool.Release()
			g.metrics.SetInflight(g.pool.Active())
		}()

		h(w, r)
	}
}

func (g *Gate) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, protocol.MsgMethodNotAllowed)
		return
	}

	difficulty := g.difficulty.Current()
	c, err := g.store.Issue(difficulty)
	if err != nil {
		g.logger.Error("issue challenge", logging.Err(err))
		writeError(w, http.StatusInternalServerError, protocol.MsgFetchFailed)
		return
	}

	g.metrics.RecordChallengeIssued()
	g.metrics.SetCurrentDifficulty(difficulty)
	g.logger.Debug("challenge issued",
		logging.RemoteAddr(extractIP(r.RemoteAddr)),
		logging.Challenge(c.Value),
		logging.Difficulty(difficulty),
	)

	writeJSON(w, http.StatusOK, protocol.ChallengeResponse{
		Challenge:  &c.Value,
		Difficulty: &c.Difficulty,
	})
}

func (g *Gate) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, protocol.MsgMethodNotAllowed)
		return
	}

	ip := extractIP(r.RemoteAddr)
	logger := g.logger.With(logging.RemoteAddr(ip))

	var req protocol.VerifyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, protocol.MaxBodySize))
	if err := dec.Decode(&req); err != nil {
		g.metrics.RecordChallengeFailed(metrics.ReasonBadRequest)
		logger.Debug("bad verify request", logging.Err(err))
		writeError(w, http.StatusBadRequest, protocol.MsgBadRequest)
		return
	}

	c, ok := g.store.Consume(req.Challenge)
	if !ok {
		g.metrics.RecordChallengeFailed(metrics.ReasonInvalidChallenge)
		logger.Debug("unknown challenge", logging.Challenge(req.Challenge))
		writeError(w, http.StatusBadRequest, protocol.MsgInvalidChallenge)
		return
	}

	if _, ok := pow.Check(g.engine, c, req.Nonce); !ok {
		g.metrics.RecordChallengeFailed(metrics.ReasonInvalidSolution)
		logger.Debug("invalid solution",
			logging.Challenge(c.Value),
			logging.Nonce(req.Nonce),
		)
		writeError(w, http.StatusBadRequest, protocol.MsgInvalidSolution)
		return
	}

	token, expires, err := g.tokens.Issue(ip)
	if err != nil {
		logger.Error("issue token", logging.Err(err))
		writeError(w, http.StatusInternalServerError, protocol.MsgVerifyFailed)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	g.metrics.RecordChallengeSolved()
	g.metrics.RecordTokenIssued()
	logger.Info("challenge solved",
		logging.Challenge(c.Value),
		logging.Difficulty(c.Difficulty),
		logging.Nonce(req.Nonce),
		slog.String("return_url", returnurl.Validate(req.ReturnURL)),
	)

	writeJSON(w, http.StatusOK, protocol.VerifyResponse{Success: true})
}

// handlePage tells visitors without a browser solver what to run.
func (g *Gate) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, protocol.MsgMethodNotAllowed, http.StatusMethodNotAllowed)
		return
	}

	target := returnurl.Validate(r.URL.Query().Get("return_url"))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	fmt.Fprintf(w, "Proof of work required.\n\npowsolve --base-url <this site> --return-url %s\n", target)
}

// load reports the in-flight count and the challenge issue rate since
// the previous call.
func (g *Gate) load() (int, float64) {
	g.rateMu.Lock()
	defer g.rateMu.Unlock()

	now := time.Now()
	issued := g.store.Issued()

	var rate float64
	if elapsed := now.Sub(g.lastSample).Seconds(); elapsed > 0 {
		rate = float64(issued-g.lastIssued) / elapsed
	}
	g.lastIssued = issued
	g.lastSample = now

	current := g.difficulty.Current()
	g.metrics.SetCurrentDifficulty(current)
	return g.pool.Active(), rate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
