package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the principal issued by the external session service.
type Claims struct {
	UserID           string `json:"user_id"`
	SessionID        string `json:"session_id"`
	AccountCreatedAt int64  `json:"account_created_at,omitempty"`
	jwt.RegisteredClaims
}

// AccountAge is zero when the issuer did not include a creation time.
func (c *Claims) AccountAge(now time.Time) time.Duration {
	if c.AccountCreatedAt == 0 {
		return 0
	}
	return now.Sub(time.Unix(c.AccountCreatedAt, 0))
}

// JWTService validates bearer tokens. Tokens are issued elsewhere; Sign
// exists for tooling and tests.
type JWTService struct {
	secret []byte
}

func NewJWTService(secret string) *JWTService {
	return &JWTService{secret: []byte(secret)}
}

func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user id")
	}
	return claims, nil
}

func (s *JWTService) Sign(userID, sessionID string, accountCreated time.Time, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if !accountCreated.IsZero() {
		claims.AccountCreatedAt = accountCreated.Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
