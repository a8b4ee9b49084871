package auth

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"fleet-master/internal/audit"
	"fleet-master/internal/metrics"
	"fleet-master/internal/model"
)

// FleetTokenTTL is the lifetime of every fleet token.
const FleetTokenTTL = 5 * time.Minute

var (
	ErrKeyNotConfigured      = errors.New("node private key not configured")
	ErrUntrustedIssuer       = errors.New("untrusted issuer")
	ErrAudienceMismatch      = errors.New("audience mismatch")
	ErrExpired               = errors.New("token expired")
	ErrMalformed             = errors.New("malformed token")
	ErrBadSignature          = errors.New("invalid token signature")
	ErrReplayed              = errors.New("token already used")
	ErrInvalidBootstrapToken = errors.New("invalid bootstrap token")
	ErrInvalidPublicKey      = errors.New("invalid public key")
	ErrInvalidNodeName       = errors.New("invalid node name")
)

// IsAuthError reports whether err came from fleet token verification.
func IsAuthError(err error) bool {
	for _, target := range []error{ErrUntrustedIssuer, ErrAudienceMismatch, ErrExpired, ErrMalformed, ErrBadSignature, ErrReplayed} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type FleetClaims struct {
	jwt.RegisteredClaims
}

type TrustConfig struct {
	NodeName       string
	PrivateKey     *rsa.PrivateKey
	Keys           KeyStore
	BootstrapToken string
	// Replay enables single-use jti enforcement when non-nil.
	Replay *ReplayCache
	Audit  *audit.Logger
	Now    func() time.Time
}

// TrustManager issues and verifies RS256 fleet tokens. Issuer keys are looked
// up through the KeyStore on every verification.
type TrustManager struct {
	self           string
	privateKey     *rsa.PrivateKey
	keys           KeyStore
	bootstrapToken string
	replay         *ReplayCache
	audit          *audit.Logger
	now            func() time.Time
}

func NewTrustManager(cfg TrustConfig) *TrustManager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop()
	}
	return &TrustManager{
		self:           cfg.NodeName,
		privateKey:     cfg.PrivateKey,
		keys:           cfg.Keys,
		bootstrapToken: cfg.BootstrapToken,
		replay:         cfg.Replay,
		audit:          cfg.Audit,
		now:            cfg.Now,
	}
}

func (m *TrustManager) NodeName() string { return m.self }

// IssueToken signs a token from this node for audience.
func (m *TrustManager) IssueToken(audience string) (string, error) {
	if m.privateKey == nil {
		return "", ErrKeyNotConfigured
	}
	now := m.now()
	claims := FleetClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.self,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(FleetTokenTTL)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.privateKey)
}

func (m *TrustManager) VerifyToken(tokenString, expectedAudience string) (*FleetClaims, error) {
	claims, err := m.verify(tokenString, expectedAudience)
	if err != nil {
		metrics.IncTokenVerification("rejected")
		return nil, err
	}
	metrics.IncTokenVerification("accepted")
	return claims, nil
}

func (m *TrustManager) verify(tokenString, expectedAudience string) (*FleetClaims, error) {
	var unverified FleetClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &unverified); err != nil {
		return nil, ErrMalformed
	}
	issuer := unverified.Issuer
	if issuer == "" {
		return nil, ErrMalformed
	}

	id, err := m.keys.Lookup(issuer)
	if err != nil {
		if errors.Is(err, ErrUntrustedIssuer) {
			return nil, fmt.Errorf("%w: %s", ErrUntrustedIssuer, issuer)
		}
		return nil, err
	}
	if !id.Trusted {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedIssuer, issuer)
	}
	publicKey, err := ParsePublicKeyPEM([]byte(id.PublicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: stored key for %s unusable", ErrUntrustedIssuer, issuer)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	claims := &FleetClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return publicKey, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if len(claims.Audience) != 1 || claims.Audience[0] != expectedAudience {
		return nil, ErrAudienceMismatch
	}

	if m.replay != nil {
		if claims.ID == "" {
			return nil, fmt.Errorf("%w: missing jti", ErrMalformed)
		}
		if !m.replay.Claim(claims.ID, claims.ExpiresAt.Sub(m.now())) {
			return nil, ErrReplayed
		}
	}
	return claims, nil
}

// RegisterNodeKey stores publicKeyPEM as the trusted key for name. Calling it
// again for the same name replaces the key.
func (m *TrustManager) RegisterNodeKey(ctx context.Context, name, publicKeyPEM, bootstrapToken string) error {
	if m.bootstrapToken == "" || subtle.ConstantTimeCompare([]byte(bootstrapToken), []byte(m.bootstrapToken)) != 1 {
		m.audit.Warn(ctx, audit.Entry{
			Category: audit.CategorySecurity,
			Message:  "bootstrap registration rejected",
			Source:   "auth.register_node_key",
			WorkerID: name,
		})
		return ErrInvalidBootstrapToken
	}
	if !ValidNodeName(name) {
		return ErrInvalidNodeName
	}
	if _, err := ParsePublicKeyPEM([]byte(publicKeyPEM)); err != nil {
		return err
	}

	if err := m.keys.Save(model.NodeIdentity{Name: name, PublicKeyPEM: publicKeyPEM, Trusted: true}); err != nil {
		m.audit.Error(ctx, audit.Entry{
			Category: audit.CategorySecurity,
			Message:  "saving node public key failed",
			Source:   "auth.register_node_key",
			WorkerID: name,
			Details:  map[string]any{"error": err.Error()},
		})
		return fmt.Errorf("save public key: %w", err)
	}

	m.audit.Info(ctx, audit.Entry{
		Category: audit.CategorySecurity,
		Message:  "node public key registered",
		Source:   "auth.register_node_key",
		WorkerID: name,
	})
	return nil
}
