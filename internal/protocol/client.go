package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/powgate/internal/pow"
)

// DefaultTimeout bounds each HTTP exchange when the caller supplies no
// client of its own.
const DefaultTimeout = 30 * time.Second

var ErrInvalidBaseURL = errors.New("base URL must be absolute http(s)")

// ClientConfig configures the challenge client.
type ClientConfig struct {
	// BaseURL is prepended to the endpoint paths, e.g. "http://host:8080"
	// or "https://site.example/prefix".
	BaseURL string

	// HTTPClient performs the requests. Nil means a client with Timeout.
	HTTPClient *http.Client

	// Timeout for the default HTTP client (default: 30s)
	Timeout time.Duration

	// UserAgent is sent with every request when set.
	UserAgent string

	// Logger for client events. Nil means slog.Default().
	Logger *slog.Logger
}

// Client talks to the challenge endpoints of a gate.
type Client struct {
	base      string
	http      *http.Client
	userAgent string
	logger    *slog.Logger
}

// Submission is a solved challenge on its way to the gate.
type Submission struct {
	Challenge string
	Nonce     uint64

	// ReturnURL must already be validated.
	ReturnURL string
}

// NewClient creates a client for the gate at cfg.BaseURL.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, cfg.BaseURL)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		http:      cfg.HTTPClient,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}, nil
}

// BaseURL returns the normalised base URL.
func (c *Client) BaseURL() string {
	return c.base
}

// FetchChallenge asks the gate for a new challenge. The request carries
// no client-controlled data.
func (c *Client) FetchChallenge(ctx context.Context) (pow.Challenge, error) {
	const op = "fetch challenge"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+ChallengePath, nil)
	if err != nil {
		return pow.Challenge{}, Transport(op, err)
	}
	req.Header.Set("Accept", "application/json")

	var body ChallengeResponse
	status, err := c.do(req, op, &body)
	if err != nil {
		return pow.Challenge{}, err
	}
	if status != http.StatusOK {
		return pow.Challenge{}, Protocol(op, status, MsgFetchFailed, nil)
	}

	if body.Challenge == nil || body.Difficulty == nil {
		return pow.Challenge{}, Protocol(op, status, MsgFetchFailed, fmt.Errorf("%w: missing field", ErrMalformed))
	}
	ch := pow.Challenge{Value: *body.Challenge, Difficulty: *body.Difficulty}
	if err := ch.Validate(); err != nil {
		return pow.Challenge{}, Protocol(op, status, MsgFetchFailed, fmt.Errorf("%w: %w", ErrMalformed, err))
	}

	c.logger.Debug("challenge received",
		slog.String("challenge", ch.Prefix()),
		slog.Int("difficulty", ch.Difficulty),
	)
	return ch, nil
}

// Submit posts a solution. It returns nil only when the gate answers
// {"success": true}; the pass token arrives as a cookie on the HTTP
// client's jar.
func (c *Client) Submit(ctx context.Context, s Submission) error {
	const op = "verify solution"

	payload, err := json.Marshal(VerifyRequest{
		Challenge: s.Challenge,
		Nonce:     s.Nonce,
		ReturnURL: s.ReturnURL,
	})
	if err != nil {
		return Protocol(op, 0, MsgVerifyFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+VerifyPath, bytes.NewReader(payload))
	if err != nil {
		return Transport(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var body struct {
		VerifyResponse
		ErrorResponse
	}
	status, err := c.do(req, op, &body)
	if err != nil {
		return err
	}

	if status != http.StatusOK {
		msg := body.Error
		if msg == "" {
			msg = MsgVerifyFailed
		}
		return Protocol(op, status, msg, nil)
	}
	if !body.Success {
		return Protocol(op, status, MsgInvalidSolution, ErrRejected)
	}
	return nil
}

// do sends req and decodes a JSON body into out. Bodies that fail to
// decode leave out untouched; the caller decides from the status whether
// that matters.
func (c *Client) do(req *http.Request, op string, out any) (int, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, Transport(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return 0, Transport(op, err)
	}
	if len(data) > MaxBodySize {
		return resp.StatusCode, Protocol(op, resp.StatusCode, fallbackMessage(req), fmt.Errorf("%w: body too large", ErrMalformed))
	}

	if err := json.Unmarshal(data, out); err != nil {
		if resp.StatusCode == http.StatusOK {
			return resp.StatusCode, Protocol(op, resp.StatusCode, fallbackMessage(req), fmt.Errorf("%w: %v", ErrMalformed, err))
		}
		c.logger.Debug("undecodable error body",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
		)
	}
	return resp.StatusCode, nil
}

func fallbackMessage(req *http.Request) string {
	if req.Method == http.MethodGet {
		return MsgFetchFailed
	}
	return MsgVerifyFailed
}
