package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrSessionConfig  = errors.New("session token config incomplete")
	ErrSessionInvalid = errors.New("invalid session token")
)

// Claims are carried by user session tokens (HS256). Fleet tokens use
// FleetClaims and RS256; a token of one kind never verifies as the other.
type Claims struct {
	UserID string `json:"sub"`
	Kind   string `json:"typ"`
	jwt.RegisteredClaims
}

const sessionKind = "session"

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	// Issuer is stamped on new tokens and, when set, required on verification.
	Issuer string
	Now    func() time.Time
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 7 * 24 * time.Hour,
		Issuer: "fleet-master",
	}
}

func (cfg TokenConfig) now() time.Time {
	if cfg.Now != nil {
		return cfg.Now()
	}
	return time.Now()
}

// CreateToken issues a session token for userID.
func CreateToken(userID string, cfg TokenConfig) (string, error) {
	switch {
	case cfg.Secret == "":
		return "", fmt.Errorf("%w: missing secret", ErrSessionConfig)
	case cfg.Expiry <= 0:
		return "", fmt.Errorf("%w: expiry must be positive", ErrSessionConfig)
	case userID == "":
		return "", fmt.Errorf("%w: missing user id", ErrSessionInvalid)
	}

	now := cfg.now()
	claims := Claims{
		UserID: userID,
		Kind:   sessionKind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

// VerifyToken checks signature, expiry, issuer and kind of a session token.
func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("%w: missing secret", ErrSessionConfig)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(cfg.now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	if claims.UserID == "" || claims.Kind != sessionKind {
		return nil, ErrSessionInvalid
	}
	return claims, nil
}
