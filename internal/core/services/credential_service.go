package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"huddle/internal/core/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// CredentialService signs and checks the secrets handed out at
// registration. A secret is an HS256 token naming the user.
type CredentialService interface {
	Issue(userID domain.UserID) (string, error)
	Validate(secret string) (*Claims, error)
}

type Claims struct {
	UserID domain.UserID `json:"user_id"`
	jwt.RegisteredClaims
}

type credentialService struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewCredentialService returns a service signing with key. A zero ttl
// issues secrets that never expire.
func NewCredentialService(key string, ttl time.Duration, issuer string) CredentialService {
	return &credentialService{
		secret: []byte(key),
		ttl:    ttl,
		issuer: issuer,
		now:    time.Now,
	}
}

func (s *credentialService) Issue(userID domain.UserID) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *credentialService) Validate(secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(secret, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
