// Package config loads powsolve and powgate settings from built-in
// defaults, an optional YAML file, POWGATE_* environment variables and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/powgate/internal/digest"
	"github.com/powgate/internal/pow"
)

// EnvPrefix prefixes every environment variable, e.g.
// POWGATE_CLIENT_BASE_URL sets client.base_url.
const EnvPrefix = "POWGATE_"

// ConfigFlag is the flag naming an optional YAML file.
const ConfigFlag = "config"

// Config holds the complete configuration of both binaries.
type Config struct {
	Client  ClientConfig  `koanf:"client"`
	Gate    GateConfig    `koanf:"gate"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// ClientConfig configures the challenge solver.
type ClientConfig struct {
	BaseURL       string        `koanf:"base_url"`
	ReturnURL     string        `koanf:"return_url"`
	BatchSize     int           `koanf:"batch_size"`
	YieldInterval time.Duration `koanf:"yield_interval"`
	Digest        string        `koanf:"digest"`
	HTTPTimeout   time.Duration `koanf:"http_timeout"`
	RedirectDelay time.Duration `koanf:"redirect_delay"`
	RetryDelay    time.Duration `koanf:"retry_delay"`

	// Retries pre-authorises that many retries; 0 asks interactively.
	Retries      int           `koanf:"retries"`
	RetryMaxWait time.Duration `koanf:"retry_max_wait"`
}

// GateConfig configures the reference gate.
type GateConfig struct {
	Address          string        `koanf:"address"`
	Secret           string        `koanf:"secret"`
	Difficulty       int           `koanf:"difficulty"`
	MinDifficulty    int           `koanf:"min_difficulty"`
	MaxDifficulty    int           `koanf:"max_difficulty"`
	Adaptive         bool          `koanf:"adaptive"`
	ChallengeTTL     time.Duration `koanf:"challenge_ttl"`
	TokenTTL         time.Duration `koanf:"token_ttl"`
	TokenMaxRequests int           `koanf:"token_max_requests"`
	BindToIP         bool          `koanf:"bind_to_ip"`
	ChallengePath    string        `koanf:"challenge_path"`
	RateLimitRPS     float64       `koanf:"rate_limit_rps"`
	RateLimitBurst   int           `koanf:"rate_limit_burst"`
	MaxInflight      int           `koanf:"max_inflight"`
	AllowedOrigins   []string      `koanf:"allowed_origins"`
	GracefulTimeout  time.Duration `koanf:"graceful_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Address string `koanf:"address"`
}

// Defaults returns a configuration with sensible defaults.
func Defaults() *Config {
	return &Config{
		Client: ClientConfig{
			BatchSize:     pow.DefaultBatchSize,
			Digest:        string(digest.ModeAuto),
			HTTPTimeout:   30 * time.Second,
			RedirectDelay: 500 * time.Millisecond,
			RetryDelay:    2 * time.Second,
			RetryMaxWait:  time.Minute,
		},
		Gate: GateConfig{
			Address:          ":8080",
			Difficulty:       4,
			MinDifficulty:    3,
			MaxDifficulty:    6,
			ChallengeTTL:     5 * time.Minute,
			TokenTTL:         15 * time.Minute,
			TokenMaxRequests: 50,
			BindToIP:         true,
			ChallengePath:    "/pow",
			RateLimitRPS:     5,
			RateLimitBurst:   10,
			MaxInflight:      256,
			GracefulTimeout:  10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// defaultMap flattens Defaults for the confmap provider.
func defaultMap() map[string]any {
	d := Defaults()
	return map[string]any{
		"client.base_url":       d.Client.BaseURL,
		"client.return_url":     d.Client.ReturnURL,
		"client.batch_size":     d.Client.BatchSize,
		"client.yield_interval": d.Client.YieldInterval,
		"client.digest":         d.Client.Digest,
		"client.http_timeout":   d.Client.HTTPTimeout,
		"client.redirect_delay": d.Client.RedirectDelay,
		"client.retry_delay":    d.Client.RetryDelay,
		"client.retries":        d.Client.Retries,
		"client.retry_max_wait": d.Client.RetryMaxWait,

		"gate.address":            d.Gate.Address,
		"gate.secret":             d.Gate.Secret,
		"gate.difficulty":         d.Gate.Difficulty,
		"gate.min_difficulty":     d.Gate.MinDifficulty,
		"gate.max_difficulty":     d.Gate.MaxDifficulty,
		"gate.adaptive":           d.Gate.Adaptive,
		"gate.challenge_ttl":      d.Gate.ChallengeTTL,
		"gate.token_ttl":          d.Gate.TokenTTL,
		"gate.token_max_requests": d.Gate.TokenMaxRequests,
		"gate.bind_to_ip":         d.Gate.BindToIP,
		"gate.challenge_path":     d.Gate.ChallengePath,
		"gate.rate_limit_rps":     d.Gate.RateLimitRPS,
		"gate.rate_limit_burst":   d.Gate.RateLimitBurst,
		"gate.max_inflight":       d.Gate.MaxInflight,
		"gate.allowed_origins":    d.Gate.AllowedOrigins,
		"gate.graceful_timeout":   d.Gate.GracefulTimeout,

		"log.level":  d.Log.Level,
		"log.format": d.Log.Format,

		"metrics.address": d.Metrics.Address,
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"base-url":       "client.base_url",
	"return-url":     "client.return_url",
	"batch-size":     "client.batch_size",
	"yield-interval": "client.yield_interval",
	"digest":         "client.digest",
	"http-timeout":   "client.http_timeout",
	"redirect-delay": "client.redirect_delay",
	"retry-delay":    "client.retry_delay",
	"retries":        "client.retries",

	"address":         "gate.address",
	"secret":          "gate.secret",
	"difficulty":      "gate.difficulty",
	"min-difficulty":  "gate.min_difficulty",
	"max-difficulty":  "gate.max_difficulty",
	"adaptive":        "gate.adaptive",
	"challenge-ttl":   "gate.challenge_ttl",
	"token-ttl":       "gate.token_ttl",
	"rate-limit":      "gate.rate_limit_rps",
	"rate-burst":      "gate.rate_limit_burst",
	"max-inflight":    "gate.max_inflight",
	"allowed-origins": "gate.allowed_origins",

	"log-level":       "log.level",
	"log-format":      "log.format",
	"metrics-address": "metrics.address",
}

// RegisterClientFlags defines the solver flags on fs.
func RegisterClientFlags(fs *pflag.FlagSet) {
	d := Defaults()
	registerCommonFlags(fs, d)
	fs.String("base-url", d.Client.BaseURL, "gate base URL, e.g. http://localhost:8080")
	fs.String("return-url", d.Client.ReturnURL, "path to return to after verification")
	fs.Int("batch-size", d.Client.BatchSize, "attempts between progress updates")
	fs.Duration("yield-interval", d.Client.YieldInterval, "pause at every batch boundary (0 only yields the processor)")
	fs.String("digest", d.Client.Digest, "digest engine: auto, platform or portable")
	fs.Duration("http-timeout", d.Client.HTTPTimeout, "timeout for each HTTP exchange")
	fs.Duration("redirect-delay", d.Client.RedirectDelay, "pause before following the return URL")
	fs.Duration("retry-delay", d.Client.RetryDelay, "pause before offering a retry")
	fs.Int("retries", d.Client.Retries, "retry automatically this many times instead of asking")
}

// RegisterGateFlags defines the gate flags on fs.
func RegisterGateFlags(fs *pflag.FlagSet) {
	d := Defaults()
	registerCommonFlags(fs, d)
	fs.String("address", d.Gate.Address, "listen address")
	fs.String("secret", d.Gate.Secret, "token signing secret (at least 32 bytes)")
	fs.Int("difficulty", d.Gate.Difficulty, "base difficulty in leading zero hex digits")
	fs.Int("min-difficulty", d.Gate.MinDifficulty, "lowest adaptive difficulty")
	fs.Int("max-difficulty", d.Gate.MaxDifficulty, "highest adaptive difficulty")
	fs.Bool("adaptive", d.Gate.Adaptive, "raise difficulty under load")
	fs.Duration("challenge-ttl", d.Gate.ChallengeTTL, "how long an issued challenge stays valid")
	fs.Duration("token-ttl", d.Gate.TokenTTL, "pass token lifetime")
	fs.Float64("rate-limit", d.Gate.RateLimitRPS, "challenge requests per second per IP")
	fs.Int("rate-burst", d.Gate.RateLimitBurst, "challenge request burst per IP")
	fs.Int("max-inflight", d.Gate.MaxInflight, "concurrent challenge requests")
	fs.StringSlice("allowed-origins", d.Gate.AllowedOrigins, "CORS origins allowed to call the challenge endpoints")
}

func registerCommonFlags(fs *pflag.FlagSet, d *Config) {
	fs.String(ConfigFlag, "", "optional YAML configuration file")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn, error")
	fs.String("log-format", d.Log.Format, "log format: json, text")
	fs.String("metrics-address", d.Metrics.Address, "Prometheus listen address (empty disables)")
}

// Option adjusts loading.
type Option func(defaults map[string]any)

// WithDefault replaces the built-in default of key, e.g. a text log
// format for interactive tools.
func WithDefault(key string, value any) Option {
	return func(defaults map[string]any) {
		defaults[key] = value
	}
}

// Load builds the configuration. fs may be nil; when it defines
// ConfigFlag, the named YAML file is read before the environment.
func Load(fs *pflag.FlagSet, opts ...Option) (*Config, error) {
	k := koanf.New(".")

	defaults := defaultMap()
	for _, opt := range opts {
		opt(defaults)
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if fs != nil {
		if path, err := fs.GetString(ConfigFlag); err == nil && path != "" {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// envKey turns POWGATE_CLIENT_BASE_URL into client.base_url.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// Validation errors.
var (
	ErrMissingBaseURL         = errors.New("client.base_url is required")
	ErrInvalidBatchSize       = errors.New("client.batch_size must be positive")
	ErrInvalidRetries         = errors.New("client.retries must not be negative")
	ErrMissingSecret          = errors.New("gate.secret is required")
	ErrSecretTooShort         = errors.New("gate.secret must be at least 32 bytes")
	ErrInvalidDifficultyRange = errors.New("gate.min_difficulty must be <= gate.max_difficulty")
	ErrDifficultyOutOfRange   = errors.New("gate.difficulty must be between gate.min_difficulty and gate.max_difficulty")
	ErrInvalidChallengePath   = errors.New("gate.challenge_path must start with /")
	ErrInvalidTokenBudget     = errors.New("gate.token_max_requests must be positive")
	ErrInvalidInflight        = errors.New("gate.max_inflight must be positive")
	ErrInvalidRateLimit       = errors.New("rate limit values must be positive")
	ErrNegativeTimeout        = errors.New("timeout values must be positive")
	ErrInvalidLogLevel        = errors.New("log.level must be one of: debug, info, warn, error")
	ErrInvalidLogFormat       = errors.New("log.format must be one of: json, text")
)

// ValidateClient checks the settings powsolve needs.
func (c *Config) ValidateClient() error {
	cc := c.Client
	if cc.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if cc.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if _, err := digest.ParseMode(cc.Digest); err != nil {
		return err
	}
	if cc.HTTPTimeout <= 0 || cc.RedirectDelay < 0 || cc.RetryDelay < 0 || cc.RetryMaxWait < 0 || cc.YieldInterval < 0 {
		return ErrNegativeTimeout
	}
	if cc.Retries < 0 {
		return ErrInvalidRetries
	}
	return c.Log.validate()
}

// ValidateGate checks the settings powgate needs.
func (c *Config) ValidateGate() error {
	g := c.Gate
	if g.Secret == "" {
		return ErrMissingSecret
	}
	if len(g.Secret) < 32 {
		return ErrSecretTooShort
	}
	if g.MinDifficulty < 0 || g.MaxDifficulty > pow.MaxDifficulty || g.MinDifficulty > g.MaxDifficulty {
		return ErrInvalidDifficultyRange
	}
	if g.Difficulty < g.MinDifficulty || g.Difficulty > g.MaxDifficulty {
		return ErrDifficultyOutOfRange
	}
	if !strings.HasPrefix(g.ChallengePath, "/") {
		return ErrInvalidChallengePath
	}
	if g.ChallengeTTL <= 0 || g.TokenTTL <= 0 || g.GracefulTimeout <= 0 {
		return ErrNegativeTimeout
	}
	if g.TokenMaxRequests <= 0 {
		return ErrInvalidTokenBudget
	}
	if g.MaxInflight <= 0 {
		return ErrInvalidInflight
	}
	if g.RateLimitRPS <= 0 || g.RateLimitBurst <= 0 {
		return ErrInvalidRateLimit
	}
	return c.Log.validate()
}

func (l LogConfig) validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}

	switch l.Format {
	case "json", "text":
	default:
		return ErrInvalidLogFormat
	}

	return nil
}

// MustLoad loads configuration and checks it with validate, panicking on
// error. This is useful for main() where failure should terminate the
// program.
func MustLoad(fs *pflag.FlagSet, validate func(*Config) error, opts ...Option) *Config {
	cfg, err := Load(fs, opts...)
	if err != nil {
		panic(fmt.Sprintf("config load error: %v", err))
	}
	if validate != nil {
		if err := validate(cfg); err != nil {
			panic(fmt.Sprintf("config validation error: %v", err))
		}
	}
	return cfg
}
