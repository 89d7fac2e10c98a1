// Package tokenauth verifies and issues the HS256 bearer tokens that guard
// the HTTP API.
package tokenauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pkt.systems/lucid/internal/clock"
	"pkt.systems/lucid/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// RootSubject is the subject of the token minted by `lucid init`.
	RootSubject = "Lucid Root Token"
	// DefaultIssuer is the issuer written into locally minted tokens.
	DefaultIssuer = "http://127.0.0.1:7021/"
	// RootTokenTTL is the validity of the root token.
	RootTokenTTL = 3 * 365 * 24 * time.Hour

	bearerScheme = "Bearer"
)

var (
	// ErrMissingToken reports an absent or empty Authorization header.
	ErrMissingToken = errors.New("tokenauth: missing authorization header")
	// ErrInvalidToken reports a token that failed parsing, signature or
	// claim validation.
	ErrInvalidToken = errors.New("tokenauth: invalid token")
)

// Claims is the signed claim set carried by a bearer token.
type Claims struct {
	jwt.RegisteredClaims
}

// NewClaims builds a claim set valid from now for ttl.
func NewClaims(subject, issuer string, now time.Time, ttl time.Duration) Claims {
	return Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
}

// Issue signs claims with secret using HS256.
func Issue(secret []byte, claims Claims) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("tokenauth: secret required")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("tokenauth: sign token: %w", err)
	}
	return signed, nil
}

// GenerateSecret returns a fresh random secret rendered as the hex SHA-256
// digest of 32 random bytes.
func GenerateSecret() (string, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "", fmt.Errorf("tokenauth: read random seed: %w", err)
	}
	sum := sha256.Sum256(seed[:])
	return hex.EncodeToString(sum[:]), nil
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Enabled turns verification on. A disabled Verifier accepts every
	// request.
	Enabled bool
	Secret  []byte
	// Issuer, when set, must match the iss claim.
	Issuer string
	Clock  clock.Clock
	Logger pslog.Logger
}

// Verifier is the authorization gate in front of the HTTP API.
type Verifier struct {
	enabled bool
	secret  []byte
	parser  *jwt.Parser
	logger  pslog.Logger
}

// NewVerifier validates cfg and returns a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	v := &Verifier{
		enabled: cfg.Enabled,
		logger:  svcfields.WithSubsystem(cfg.Logger, svcfields.AuthToken),
	}
	if !cfg.Enabled {
		return v, nil
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("tokenauth: secret required when authentication is enabled")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(clk.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	v.secret = append([]byte(nil), cfg.Secret...)
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

// Enabled reports whether the gate checks tokens.
func (v *Verifier) Enabled() bool {
	return v != nil && v.enabled
}

// Verify checks the value of an Authorization header. A disabled Verifier
// returns nil claims and no error.
func (v *Verifier) Verify(header string) (*Claims, error) {
	if !v.Enabled() {
		return nil, nil
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, raw, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, bearerScheme) {
		v.logger.Debug("auth.token.rejected", "reason", "scheme")
		return nil, ErrInvalidToken
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, v.keyFunc); err != nil {
		v.logger.Debug("auth.token.rejected", "reason", "validation", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
	}
	return v.secret, nil
}
