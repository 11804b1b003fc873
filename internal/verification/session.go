package verification

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const sessionIssuer = "signflow"

// issueSessionToken は署名者IDをsubjectとするHS256トークンを発行する。
func issueSessionToken(secret []byte, signerID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   signerID,
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, nil
}

// parseSessionToken はトークンの署名・発行者・対象者・有効期限を検証する。
func parseSessionToken(secret []byte, signerID, token string, now func() time.Time) error {
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithSubject(signerID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	return err
}

func isTokenExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
