package api

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errInvalidToken = errors.New("invalid token")

// waveClaims scope a token to one enrollment wave: it is minted when the
// gate opens and expires with the wave, so a leaked token is useless
// between deployment waves.
type waveClaims struct {
	Wave string `json:"wave"`
	jwt.RegisteredClaims
}

type operatorClaims struct {
	Operator bool `json:"operator"`
	jwt.RegisteredClaims
}

func jwtSecret() []byte {
	s := os.Getenv("BACKPLANE_JWT_SECRET")
	if s == "" {
		s = "change-me-secret"
	}
	return []byte(s)
}

func generateWaveToken(wave string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := waveClaims{
		Wave: wave,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret())
}

func parseWaveToken(tokenStr string) (*waveClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &waveClaims{}, func(_ *jwt.Token) (interface{}, error) {
		return jwtSecret(), nil
	})
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}
	if claims, ok := token.Claims.(*waveClaims); ok && claims.Wave != "" {
		return claims, nil
	}
	return nil, errInvalidToken
}

func generateOperatorToken(ttl time.Duration) (string, error) {
	now := time.Now()
	claims := operatorClaims{
		Operator: true,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret())
}

func parseOperatorToken(tokenStr string) (*operatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &operatorClaims{}, func(_ *jwt.Token) (interface{}, error) {
		return jwtSecret(), nil
	})
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}
	if claims, ok := token.Claims.(*operatorClaims); ok && claims.Operator {
		return claims, nil
	}
	return nil, errInvalidToken
}
