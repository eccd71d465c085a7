// internal/core/token.go
package core

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// SessionClaims are the claims embedded in a gateway session token.
type SessionClaims struct {
	GatewayUID string `json:"gw"`
	TenantID   uint   `json:"tid"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies the signed, time-boxed bearer credentials
// of activated gateway sessions. The signing secret is loaded once at startup
// and never logged.
type TokenService struct {
	secret   []byte
	lifetime time.Duration
	grace    time.Duration
	now      func() time.Time
}

// NewTokenService creates a token service with the given HMAC secret, token
// lifetime, and refresh grace period after expiry.
func NewTokenService(secret []byte, lifetime, grace time.Duration) *TokenService {
	return &TokenService{
		secret:   secret,
		lifetime: lifetime,
		grace:    grace,
		now:      time.Now,
	}
}

// Issue produces a signed session token for a gateway.
func (s *TokenService) Issue(gatewayUID string, tenantID uint) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.lifetime)

	claims := SessionClaims{
		GatewayUID: gatewayUID,
		TenantID:   tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "hercules-sfms",
			Subject:   gatewayUID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks a token's signature and expiry and returns its claims.
// Expired-but-otherwise-valid tokens fail with TokenExpired, distinguished
// from TokenInvalid so the agent refreshes instead of re-activating.
func (s *TokenService) Verify(tokenString string) (*SessionClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, NewError(ErrTokenMissing, "session token is required")
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, NewError(ErrTokenExpired, "session token has expired")
		}
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, NewError(ErrTokenFormatInvalid, "session token is malformed")
		}
		return nil, NewError(ErrTokenInvalid, "session token verification failed")
	}
	if !token.Valid || claims.GatewayUID == "" {
		return nil, NewError(ErrTokenInvalid, "session token verification failed")
	}
	return claims, nil
}

// VerifyForGateway verifies a token and additionally checks it was issued for
// the claimed gateway, so a stolen token for gateway A cannot be replayed
// while claiming to be gateway B.
func (s *TokenService) VerifyForGateway(tokenString, gatewayUID string) (*SessionClaims, error) {
	claims, err := s.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if gatewayUID != "" && claims.GatewayUID != gatewayUID {
		return nil, NewError(ErrGatewayIDMismatch, "token was issued for a different gateway").
			WithDetail("token_gateway", claims.GatewayUID).
			WithDetail("claimed_gateway", gatewayUID)
	}
	return claims, nil
}

// Refresh exchanges a token for a fresh one. Tokens are refreshable before
// expiry and within the grace period after it; beyond that the gateway must
// re-activate with a new code.
func (s *TokenService) Refresh(tokenString string) (string, time.Time, *SessionClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return "", time.Time{}, nil, NewError(ErrTokenMissing, "session token is required")
	}

	// Signature must verify; expiry is checked manually against the grace
	// window instead of the standard validation.
	claims := &SessionClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, err := parser.ParseWithClaims(tokenString, claims, s.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return "", time.Time{}, nil, NewError(ErrTokenFormatInvalid, "session token is malformed")
		}
		return "", time.Time{}, nil, NewError(ErrTokenInvalid, "session token verification failed")
	}
	if !token.Valid || claims.GatewayUID == "" || claims.ExpiresAt == nil {
		return "", time.Time{}, nil, NewError(ErrTokenInvalid, "session token verification failed")
	}

	if s.now().After(claims.ExpiresAt.Add(s.grace)) {
		return "", time.Time{}, nil, NewError(ErrTokenExpired, "refresh window has passed; re-activation required")
	}

	newToken, expiry, err := s.Issue(claims.GatewayUID, claims.TenantID)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	return newToken, expiry, claims, nil
}

func (s *TokenService) keyFunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, jwt.ErrSignatureInvalid
	}
	return s.secret, nil
}
