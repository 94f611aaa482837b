// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-overledger/internal/auth"
)

const (
	tokenIssuer = "go-overledger"
	clockLeeway = 30 * time.Second
)

var (
	errMissingDevice = errors.New("token carries no device id (did)")
	errMissingOwner  = errors.New("token carries no owner id (sub)")
)

// JWTClaims carries the ledger owner in sub and the device in did
type JWTClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// JWTAuth issues and verifies HS256 bearer tokens for ledger owners
type JWTAuth struct {
	secret []byte
	parser *jwt.Parser
	logger *slog.Logger
	now    func() time.Time
}

func NewJWTAuth(secret string) *JWTAuth {
	j := &JWTAuth{secret: []byte(secret), logger: slog.Default(), now: time.Now}
	j.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockLeeway),
		jwt.WithTimeFunc(func() time.Time { return j.now() }),
	)
	return j
}

// WithLogger replaces the logger used for rejected tokens
func (j *JWTAuth) WithLogger(logger *slog.Logger) *JWTAuth {
	if logger != nil {
		j.logger = logger
	}
	return j
}

// GenerateToken signs a token for one device of a ledger owner
func (j *JWTAuth) GenerateToken(ownerID, deviceID string, ttl time.Duration) (string, error) {
	now := j.now()
	claims := &JWTClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies signature, issuer and expiry and requires both
// the owner and the device
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	_, err := j.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}
	switch {
	case claims.Subject == "":
		return nil, errMissingOwner
	case claims.DeviceID == "":
		return nil, errMissingDevice
	}
	return claims, nil
}

// bearerToken extracts the token from an "Authorization: Bearer <token>" header
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("Authorization header required")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" || strings.ContainsRune(token, ' ') {
		return "", errors.New("Invalid authorization header format")
	}
	return token, nil
}

// Middleware authenticates the request and puts owner and device into its context
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}

		claims, err := j.ValidateToken(token)
		if err != nil {
			prefix := token
			if len(prefix) > 20 {
				prefix = prefix[:20]
			}
			j.logger.Warn("JWT validation failed", "error", err, "token_prefix", prefix,
				"path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication_failed", "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.SetAuthContext(r.Context(), claims.Subject, claims.DeviceID)))
	})
}
