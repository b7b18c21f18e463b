package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

type contextKey struct{}

// WithUserID returns a copy of ctx carrying the authenticated user id.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserID extracts the authenticated user ID from the context.
func UserID(ctx context.Context) (int64, bool) {
	uid, ok := ctx.Value(contextKey{}).(int64)
	return uid, ok
}

// Resolver maps bearer tokens to user ids.
type Resolver interface {
	Resolve(token string) (int64, error)
}

// JWT signs and verifies HS256 tokens carrying a numeric user_id claim.
type JWT struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWT(secret string, ttl time.Duration) *JWT {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &JWT{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (j *JWT) IssueToken(userID int64) (string, error) {
	now := j.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     now.Add(j.ttl).Unix(),
		"iat":     now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (j *JWT) Resolve(raw string) (int64, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return 0, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	// Numeric claims decode as float64.
	uid, ok := claims["user_id"].(float64)
	if !ok || uid <= 0 {
		return 0, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	return int64(uid), nil
}
