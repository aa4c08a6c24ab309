package gate

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte(strings.Repeat("s", MinSecretSize))

func newTestIssuer(t *testing.T, cfg TokenConfig) *TokenIssuer {
	t.Helper()
	if cfg.Secret == nil {
		cfg.Secret = testSecret
	}
	ti, err := NewTokenIssuer(cfg)
	require.NoError(t, err)
	return ti
}

func TestNewTokenIssuer(t *testing.T) {
	_, err := NewTokenIssuer(TokenConfig{Secret: []byte("short")})
	assert.ErrorIs(t, err, ErrShortSecret)

	ti := newTestIssuer(t, TokenConfig{})
	assert.Equal(t, DefaultTokenTTL, ti.TTL())
	assert.Equal(t, DefaultTokenMaxRequests, ti.maxRequests)
}

func TestTokenIssuer_IssueAndAuthorize(t *testing.T) {
	ti := newTestIssuer(t, TokenConfig{BindToIP: true})

	token, expires, err := ti.Issue("10.0.0.1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), expires, 2*time.Second)

	assert.NoError(t, ti.Authorize(token, "10.0.0.1"))
	assert.ErrorIs(t, ti.Authorize(token, "10.0.0.2"), ErrIPMismatch)
	assert.Equal(t, 1, ti.Outstanding())
}

func TestTokenIssuer_Unbound(t *testing.T) {
	ti := newTestIssuer(t, TokenConfig{})

	token, _, err := ti.Issue("10.0.0.1")
	require.NoError(t, err)
	assert.NoError(t, ti.Authorize(token, "192.168.1.1"))
}

func TestTokenIssuer_Budget(t *testing.T) {
	ti := newTestIssuer(t, TokenConfig{MaxRequests: 2})

	token, _, err := ti.Issue("ip")
	require.NoError(t, err)

	assert.NoError(t, ti.Authorize(token, "ip"))
	assert.NoError(t, ti.Authorize(token, "ip"))
	assert.ErrorIs(t, ti.Authorize(token, "ip"), ErrTokenExhausted)
}

func TestTokenIssuer_UnlimitedBudget(t *testing.T) {
	ti := newTestIssuer(t, TokenConfig{MaxRequests: -1})

	token, _, err := ti.Issue("ip")
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, ti.Authorize(token, "ip"))
	}
}

func TestTokenIssuer_Expired(t *testing.T) {
	now := time.Now()
	ti := newTestIssuer(t, TokenConfig{TTL: time.Minute, Now: func() time.Time { return now }})

	token, _, err := ti.Issue("ip")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	assert.ErrorIs(t, ti.Authorize(token, "ip"), ErrInvalidToken)
}

func TestTokenIssuer_Rejects(t *testing.T) {
	ti := newTestIssuer(t, TokenConfig{})
	token, _, err := ti.Issue("ip")
	require.NoError(t, err)

	other := newTestIssuer(t, TokenConfig{Secret: []byte(strings.Repeat("x", MinSecretSize))})
	foreign, _, err := other.Issue("ip")
	require.NoError(t, err)

	claims := passClaims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        "id",
		Issuer:    tokenIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
	require.NoError(t, err)

	claims.ExpiresAt = nil
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)

	tests := map[string]string{
		"empty":     "",
		"garbage":   "not.a.token",
		"tampered":  token[:len(token)-2] + "xx",
		"other key": foreign,
		"alg none":  unsigned,
		"wrong alg": hs512,
		"no expiry": noExpiry,
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, ti.Authorize(tok, "ip"), ErrInvalidToken)
		})
	}
}

func TestTokenIssuer_UnknownIDGetsFreshBudget(t *testing.T) {
	first := newTestIssuer(t, TokenConfig{MaxRequests: 1})
	token, _, err := first.Issue("ip")
	require.NoError(t, err)

	restarted := newTestIssuer(t, TokenConfig{MaxRequests: 1})
	assert.NoError(t, restarted.Authorize(token, "ip"))
	assert.ErrorIs(t, restarted.Authorize(token, "ip"), ErrTokenExhausted)
}

func TestTokenIssuer_SweepsExpiredBudgets(t *testing.T) {
	now := time.Now()
	ti := newTestIssuer(t, TokenConfig{TTL: time.Minute, Now: func() time.Time { return now }})

	_, _, err := ti.Issue("a")
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	_, _, err = ti.Issue("b")
	require.NoError(t, err)

	assert.Equal(t, 1, ti.Outstanding())
}
