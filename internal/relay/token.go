package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/murmurapp/voicebridge/internal/observe"
)

// DefaultTokenTTL is the validity window of minted client tokens. Tokens
// are meant to be fetched immediately before connecting, so the window is
// deliberately short.
const DefaultTokenTTL = time.Minute

// ErrInvalidToken is returned by [TokenIssuer.Verify] for any token that
// fails signature, expiry, or issuer checks.
var ErrInvalidToken = errors.New("relay: invalid token")

// TokenIssuer mints and verifies the short-lived HS256 bearer tokens that
// authenticate the client leg. The upstream API key never leaves the
// server; clients only ever see these.
type TokenIssuer struct {
	key    []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewTokenIssuer creates a TokenIssuer signing with key. A zero ttl falls
// back to [DefaultTokenTTL]; an empty issuer becomes "voicebridge".
func NewTokenIssuer(key []byte, ttl time.Duration, issuer string) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if issuer == "" {
		issuer = "voicebridge"
	}
	return &TokenIssuer{key: key, ttl: ttl, issuer: issuer, now: time.Now}
}

// Mint creates a token for userID, returning the signed token and its
// expiry.
func (t *TokenIssuer) Mint(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("relay: mint token: user id is required")
	}

	now := t.now()
	expires := now.Add(t.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    t.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("relay: sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks a token's signature, expiry, and issuer, returning the
// user id it was minted for.
func (t *TokenIssuer) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return t.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// mintRequest is the POST /v1/voice/token request body.
type mintRequest struct {
	UserID string `json:"user_id"`
}

// mintResponse is the token endpoint's response body.
type mintResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleMint serves POST /v1/voice/token. The endpoint sits behind the
// application's own session auth in production; here it only validates the
// request shape.
func (t *TokenIssuer) HandleMint(metrics *observe.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req mintRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			if metrics != nil {
				metrics.RecordTokenIssued(ctx, "denied")
			}
			http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
			return
		}

		token, expires, err := t.Mint(req.UserID)
		if err != nil {
			if metrics != nil {
				metrics.RecordTokenIssued(ctx, "denied")
			}
			observe.Logger(ctx).Error("token mint failed", "err", err)
			http.Error(w, `{"error":"token mint failed"}`, http.StatusInternalServerError)
			return
		}

		if metrics != nil {
			metrics.RecordTokenIssued(ctx, "ok")
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(mintResponse{Token: token, ExpiresAt: expires})
	}
}
