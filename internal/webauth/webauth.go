// Package webauth issues and verifies the dashboard tokens handed out by the
// web front-end, and hashes dashboard passwords.
package webauth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "botfleet"

var (
	// ErrUnauthorized is returned for tokens that fail verification.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBadPassword is returned when a password does not match its hash.
	ErrBadPassword = errors.New("invalid username or password")
)

// Config controls token issuing and validation.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Leeway time.Duration
}

// Tokens issues and verifies HS256 dashboard tokens bound to an account id.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

// New builds a Tokens. A zero TTL means one hour.
func New(cfg Config) (*Tokens, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	return &Tokens{secret: cfg.Secret, ttl: cfg.TTL, leeway: cfg.Leeway, now: time.Now}, nil
}

// RandomSecret returns a fresh 32-byte secret for deployments that do not
// configure one. Tokens signed with it do not survive a restart.
func RandomSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return b, nil
}

// Issue signs a token for accountID.
func (t *Tokens) Issue(accountID string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks tok and returns the account id it was issued for.
func (t *Tokens) Verify(tok string) (string, error) {
	if tok == "" {
		return "", fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(t.leeway),
		jwt.WithTimeFunc(t.now),
	)
	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) { return t.secret, nil }); err != nil {
		return "", fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// VerifyFor checks that tok is valid and was issued for accountID.
func (t *Tokens) VerifyFor(tok, accountID string) error {
	sub, err := t.Verify(tok)
	if err != nil {
		return err
	}
	if sub != accountID {
		return fmt.Errorf("%w: token subject mismatch", ErrUnauthorized)
	}
	return nil
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword compares password against hash.
func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadPassword
	}
	return nil
}
