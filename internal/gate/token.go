package gate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretSize is the shortest accepted HMAC key.
const MinSecretSize = 32

// Token defaults.
const (
	DefaultTokenTTL         = 15 * time.Minute
	DefaultTokenMaxRequests = 50
)

const tokenIssuer = "powgate"

var (
	ErrShortSecret    = fmt.Errorf("token secret must be at least %d bytes", MinSecretSize)
	ErrInvalidToken   = errors.New("invalid pass token")
	ErrIPMismatch     = errors.New("pass token bound to another address")
	ErrTokenExhausted = errors.New("pass token request budget exhausted")
)

// TokenConfig configures pass tokens.
type TokenConfig struct {
	// Secret signs tokens with HS256. Required, at least MinSecretSize bytes.
	Secret []byte

	// TTL is the token lifetime (default: 15m).
	TTL time.Duration

	// MaxRequests is how many protected requests one token pays for
	// (default: 50). Negative means unlimited.
	MaxRequests int

	// BindToIP records the client address in the token and rejects it
	// from anywhere else.
	BindToIP bool

	// Now returns the current time. Nil means time.Now.
	Now func() time.Time
}

type passClaims struct {
	IP string `json:"ip,omitempty"`
	jwt.RegisteredClaims
}

type budget struct {
	remaining int
	expires   time.Time
}

// TokenIssuer mints and checks the pass tokens handed out for solved
// challenges.
type TokenIssuer struct {
	secret      []byte
	ttl         time.Duration
	maxRequests int
	bindToIP    bool
	now         func() time.Time

	mu        sync.Mutex
	budgets   map[string]*budget
	lastSweep time.Time
}

// NewTokenIssuer creates an issuer.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.Secret) < MinSecretSize {
		return nil, ErrShortSecret
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = DefaultTokenMaxRequests
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &TokenIssuer{
		secret:      cfg.Secret,
		ttl:         cfg.TTL,
		maxRequests: cfg.MaxRequests,
		bindToIP:    cfg.BindToIP,
		now:         cfg.Now,
		budgets:     make(map[string]*budget),
	}, nil
}

// TTL returns the token lifetime.
func (t *TokenIssuer) TTL() time.Duration {
	return t.ttl
}

// Issue mints a token for a client at ip.
func (t *TokenIssuer) Issue(ip string) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.ttl)

	claims := passClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	if t.bindToIP {
		claims.IP = ip
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	t.mu.Lock()
	t.sweepLocked(now)
	t.budgets[claims.ID] = &budget{remaining: t.maxRequests, expires: expires}
	t.mu.Unlock()

	return signed, expires, nil
}

// Authorize checks a token presented from ip and charges one request to
// its budget.
func (t *TokenIssuer) Authorize(token, ip string) error {
	parsed, err := jwt.ParseWithClaims(token, &passClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*passClaims)
	if !ok || !parsed.Valid || claims.ID == "" {
		return ErrInvalidToken
	}
	if claims.IP != "" && claims.IP != ip {
		return ErrIPMismatch
	}
	if t.maxRequests < 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.budgets[claims.ID]
	if !ok {
		// issued before a restart
		b = &budget{remaining: t.maxRequests, expires: claims.ExpiresAt.Time}
		t.budgets[claims.ID] = b
	}
	if b.remaining <= 0 {
		return ErrTokenExhausted
	}
	b.remaining--
	return nil
}

// Outstanding returns the number of tracked tokens.
func (t *TokenIssuer) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.budgets)
}

func (t *TokenIssuer) sweepLocked(now time.Time) {
	if now.Sub(t.lastSweep) < time.Minute {
		return
	}
	t.lastSweep = now
	for id, b := range t.budgets {
		if !now.Before(b.expires) {
			delete(t.budgets, id)
		}
	}
}
