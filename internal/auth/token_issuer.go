package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errMissingDeviceID      = errors.New("device id must be provided")
	errMissingStoreID       = errors.New("store id must be provided")
)

// DeviceSession identifies an enrolled register device.
type DeviceSession struct {
	DeviceID string
	StoreID  string
	Role     string
}

type deviceClaims struct {
	StoreID string `json:"store_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the device JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates device session JWTs. The subject is
// the device id; the store and role ride along as custom claims.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer validates the configuration and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errMissingAudience
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueDeviceToken produces a signed JWT and its expiry (seconds) for an
// enrolled device.
func (i *TokenIssuer) IssueDeviceToken(_ context.Context, session DeviceSession) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if session.DeviceID == "" {
		return "", 0, errMissingDeviceID
	}
	if session.StoreID == "" {
		return "", 0, errMissingStoreID
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := deviceClaims{
		StoreID: session.StoreID,
		Role:    session.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.DeviceID,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the device JWT is well formed and returns the
// session it encodes.
func (i *TokenIssuer) ValidateToken(tokenString string) (DeviceSession, error) {
	if len(i.config.SigningSecret) == 0 {
		return DeviceSession{}, errMissingSigningSecret
	}

	claims := &deviceClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return DeviceSession{}, err
	}
	if claims.Subject == "" {
		return DeviceSession{}, errMissingDeviceID
	}
	if claims.StoreID == "" {
		return DeviceSession{}, errMissingStoreID
	}
	return DeviceSession{
		DeviceID: claims.Subject,
		StoreID:  claims.StoreID,
		Role:     claims.Role,
	}, nil
}
