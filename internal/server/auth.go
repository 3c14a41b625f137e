package server

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator verifies the bearer credential each connection presents at
// connect time. Token issuance normally belongs to the external auth
// collaborator; Issue exists for the dev token endpoint and tests.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

func NewAuthenticatorFromEnv() *Authenticator {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	return NewAuthenticator([]byte(secret))
}

// Verify parses the token and returns the identity it was issued to.
// The claimed identity must match the credential subject; the caller
// rejects the connection on any error here.
func (a *Authenticator) Verify(tokenString, claimedUserID string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("AUTH_FAILED: Invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("AUTH_FAILED: Invalid token claims")
	}

	userID, _ := claims["userId"].(string)
	if userID == "" {
		return "", errors.New("AUTH_FAILED: Token has no userId claim")
	}

	if claimedUserID != "" && claimedUserID != userID {
		return "", errors.New("AUTH_FAILED: Token user mismatch")
	}

	return userID, nil
}

// Issue signs a token for userID with the given lifetime.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": userID,
		"iat":    time.Now().Unix(),
		"exp":    time.Now().Add(ttl).Unix(),
	})

	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
