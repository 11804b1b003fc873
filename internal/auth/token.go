// Package auth はオーナーAPIのBearerトークンの発行と検証を提供する。
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const ownerTokenIssuer = "signflow-owner"

// ErrInvalidToken はトークンが不正または期限切れであることを表す。
var ErrInvalidToken = errors.New("invalid owner token")

// TokenService はオーナーIDをsubjectとするHS256トークンを扱う。
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService はTokenServiceを生成する。ttlが0以下の場合は期限なしのトークンを発行する。
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// SetClock はテスト用に時刻関数を差し替える。
func (s *TokenService) SetClock(now func() time.Time) {
	s.now = now
}

// Issue はオーナーのトークンを発行する。期限なしの場合、戻り値の期限はゼロ値。
func (s *TokenService) Issue(ownerID string) (string, time.Time, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", time.Time{}, errors.New("owner id is required")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:   ownerTokenIssuer,
		Subject:  ownerID,
		ID:       uuid.New().String(),
		IssuedAt: jwt.NewNumericDate(now),
	}
	var expiresAt time.Time
	if s.ttl > 0 {
		expiresAt = now.Add(s.ttl)
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("オーナートークンの署名に失敗しました: %w", err)
	}
	return token, expiresAt, nil
}

// Verify はトークンを検証し、オーナーIDを返す。
func (s *TokenService) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ownerTokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
