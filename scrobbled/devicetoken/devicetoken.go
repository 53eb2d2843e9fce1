// Package devicetoken mints and verifies the per-device JWTs used to
// authenticate agent traffic. Tokens are HS256 signed with a secret
// stored on the device row, so rotating the secret revokes every
// outstanding token at once.
package devicetoken

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

const (
	TypeAuth    = "device_auth"
	TypeRefresh = "device_refresh"
)

const (
	AccessLifetime  = 24 * time.Hour
	RefreshLifetime = 30 * 24 * time.Hour
)

type Claims struct {
	jwt.RegisteredClaims
	TokenType string `json:"type"`
}

// New mints a signed token of the given type for a device.
func New(deviceID uuid.UUID, secret, tokenType string, now time.Time) (string, error) {
	lifetime := AccessLifetime
	if tokenType == TypeRefresh {
		lifetime = RefreshLifetime
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
		TokenType: tokenType,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", xerrors.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature and expiry against the device secret
// and ensures the token is of the wanted type, so a refresh token can
// never authenticate an API call.
func Verify(token, secret, wantType string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, xerrors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Claims{}, xerrors.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return Claims{}, xerrors.New("token is not valid")
	}
	if claims.TokenType != wantType {
		return Claims{}, xerrors.Errorf("token type %q cannot be used here", claims.TokenType)
	}
	return claims, nil
}

// DeviceID extracts the subject claim without verifying the signature.
// The caller must still Verify against the device secret afterwards; the
// unverified pass only exists to locate the device row holding it.
func DeviceID(token string) (uuid.UUID, error) {
	var claims Claims
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil {
		return uuid.Nil, xerrors.Errorf("parse token: %w", err)
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, xerrors.Errorf("parse token subject: %w", err)
	}
	return id, nil
}
