package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator validates RS256-signed bearer tokens against a public key,
// with optional audience and issuer checks. It is an alternative to the
// static-token BearerAuthenticator for upstream providers that sign their
// provisioning requests.
type JWTAuthenticator struct {
	publicKey *rsa.PublicKey
	audience  string
	issuer    string
}

// NewJWTAuthenticator creates a JWT authenticator from a PEM-encoded RSA
// public key file
func NewJWTAuthenticator(publicKeyPath, audience, issuer string) (*JWTAuthenticator, error) {
	keyData, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return NewJWTAuthenticatorFromPEM(keyData, audience, issuer)
}

// NewJWTAuthenticatorFromPEM creates a JWT authenticator from PEM bytes
func NewJWTAuthenticatorFromPEM(keyData []byte, audience, issuer string) (*JWTAuthenticator, error) {
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaKey, ok := publicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not an RSA public key")
	}

	return &JWTAuthenticator{
		publicKey: rsaKey,
		audience:  audience,
		issuer:    issuer,
	}, nil
}

// Authenticate implements the Authenticator interface
func (j *JWTAuthenticator) Authenticate(r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return fmt.Errorf("missing authorization header")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return fmt.Errorf("invalid authorization type")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.publicKey, nil
	})
	if err != nil {
		return fmt.Errorf("token validation failed: %w", err)
	}

	if !token.Valid {
		return fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("invalid claims format")
	}

	if j.audience != "" {
		aud, ok := claims["aud"].(string)
		if !ok || aud != j.audience {
			return fmt.Errorf("invalid audience")
		}
	}

	if j.issuer != "" {
		iss, ok := claims["iss"].(string)
		if !ok || iss != j.issuer {
			return fmt.Errorf("invalid issuer")
		}
	}

	return nil
}
