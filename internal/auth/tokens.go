package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
)

const (
	tokenIssuer = "codequest"

	audienceAPI   = "codequest-api"
	audienceState = "codequest-oauth-state"

	// DefaultTokenTTL is how long an API token stays valid.
	DefaultTokenTTL = 7 * 24 * time.Hour
	stateTTL        = 10 * time.Minute
)

var (
	ErrMissingToken = apperr.New(apperr.KindUnauthorized, "no token provided")
	ErrInvalidToken = apperr.New(apperr.KindInvalidToken, "invalid token")
	ErrTokenExpired = apperr.New(apperr.KindExpired, "token expired")
)

type claims struct {
	jwt.RegisteredClaims
	// ID mirrors Subject for clients that read the user id from the payload.
	UserID string `json:"id,omitempty"`
	Nonce  string `json:"nonce,omitempty"`
}

// Tokens issues and verifies HS256 tokens bound to a user id.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration, now func() time.Time) (*Tokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: now}, nil
}

// Issue returns a signed API token for userID and its expiry.
func (t *Tokens) Issue(userID string) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{audienceAPI},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		UserID: userID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, apperr.Internal(fmt.Errorf("sign token: %w", err))
	}
	return signed, exp, nil
}

// Verify returns the user id carried by an API token.
func (t *Tokens) Verify(token string) (string, error) {
	c, err := t.parse(token, audienceAPI)
	if err != nil {
		return "", err
	}
	return c.Subject, nil
}

// IssueState signs the OAuth state parameter. It carries no user and only
// lives long enough to complete one redirect round trip.
func (t *Tokens) IssueState(nonce string) (string, error) {
	now := t.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{audienceState},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
		Nonce: nonce,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.secret)
	if err != nil {
		return "", apperr.Internal(fmt.Errorf("sign state: %w", err))
	}
	return signed, nil
}

// VerifyState checks the signature and expiry of state and that it was
// issued for nonce, the value held by the browser that started the flow.
func (t *Tokens) VerifyState(state, nonce string) error {
	c, err := t.parse(state, audienceState)
	if err != nil {
		return err
	}
	if nonce == "" || subtle.ConstantTimeCompare([]byte(c.Nonce), []byte(nonce)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

func (t *Tokens) parse(token, audience string) (claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return claims{}, ErrMissingToken
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return claims{}, mapJWTError(err)
	}
	if audience == audienceAPI && c.Subject == "" {
		return claims{}, ErrInvalidToken
	}
	return c, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return apperr.Wrap(apperr.KindExpired, ErrTokenExpired.Message, err)
	}
	return apperr.Wrap(apperr.KindInvalidToken, ErrInvalidToken.Message, err)
}
