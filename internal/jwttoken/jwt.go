package jwttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"incasso/internal/platform/middleware"
)

// Claims are the JWT claims issued to back-office operators.
type Claims struct {
	Actor string `json:"actor"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Service signs and validates operator tokens. HS256 with a shared key; the
// association back office is the only issuer.
type Service struct {
	signingKey []byte
	issuer     string
}

func New(signingKey, issuer string) *Service {
	return &Service{signingKey: []byte(signingKey), issuer: issuer}
}

// GenerateToken issues a token for an operator. Used by the back office's
// session bridge, and by tests.
func (s *Service) GenerateToken(actor, role string, expiresIn time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Actor: actor,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    s.issuer,
		},
	})
	return token.SignedString(s.signingKey)
}

// ValidateToken parses and verifies a token, returning the middleware claims.
func (s *Service) ValidateToken(tokenString string) (*middleware.JWTClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Actor == "" {
		return nil, errors.New("token missing actor claim")
	}
	return &middleware.JWTClaims{Actor: claims.Actor, Role: claims.Role}, nil
}
