package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

var ErrInvalidSession = errors.New("invalid session token")

// DevSessionSecret é usado quando JWT_SECRET não está configurado
const DevSessionSecret = "dev-secret"

type sessionClaims struct {
	UID string `json:"uid"`
	jwt.RegisteredClaims
}

// Sessions emite e valida tokens de sessão HS256
type Sessions struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewSessions(secret string, ttl time.Duration, clock clockwork.Clock) *Sessions {
	if secret == "" {
		secret = DevSessionSecret
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, clock: clock}
}

// Issue cria um token para uid; retorna também a expiração
func (s *Sessions) Issue(uid string) (string, time.Time, error) {
	now := s.clock.Now()
	exp := now.Add(s.ttl)
	claims := sessionClaims{
		UID: uid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return token, exp, nil
}

// Parse valida o token e devolve o uid
func (s *Sessions) Parse(token string) (string, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.UID == "" {
		return "", ErrInvalidSession
	}
	return claims.UID, nil
}
