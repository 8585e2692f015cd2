package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/osa-io/osa/internal/domain"
	"github.com/osa-io/osa/internal/identity"
)

const (
	// bcryptCost 10 is ~60ms per comparison, slow enough to blunt brute
	// force without making token auth the dominant request cost.
	bcryptCost  = 10
	bcryptLimit = 72

	tokenPrefix   = "osa"
	tokenIDBytes  = 8
	secretBytes   = 24
	tokenPartsLen = 3
)

var (
	// ErrTokenEmpty is returned when hashing or verifying an empty token.
	ErrTokenEmpty = errors.New("token cannot be empty")

	// ErrTokenMalformed is returned for tokens that do not match the
	// osa_<id>_<secret> shape.
	ErrTokenMalformed = errors.New("malformed token")
)

// TokenStore persists service tokens for the operational API. Tokens are
// never stored in plaintext; only a bcrypt hash of the secret is persisted,
// addressed by the public token id embedded in the token itself.
type TokenStore struct {
	conn *Connection
}

// NewTokenStore creates a token store over an open connection.
func NewTokenStore(conn *Connection) *TokenStore {
	return &TokenStore{conn: conn}
}

// hashSecret bcrypt-hashes a token secret. Secrets longer than bcrypt's
// 72-byte input limit are pre-hashed with SHA-256.
func hashSecret(secret string) (string, error) {
	if secret == "" {
		return "", ErrTokenEmpty
	}

	input := []byte(secret)
	if len(input) > bcryptLimit {
		sum := sha256.Sum256(input)
		input = sum[:]
	}

	hash, err := bcrypt.GenerateFromPassword(input, bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}

	return string(hash), nil
}

// compareSecret performs a constant-time comparison of a secret against a
// stored bcrypt hash. Must mirror hashSecret's long-input preparation.
func compareSecret(hash, secret string) bool {
	if hash == "" || secret == "" {
		return false
	}

	input := []byte(secret)
	if len(input) > bcryptLimit {
		sum := sha256.Sum256(input)
		input = sum[:]
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), input) == nil
}

// splitToken decomposes osa_<id>_<secret> into its id and secret.
func splitToken(token string) (id, secret string, err error) {
	parts := strings.SplitN(token, "_", tokenPartsLen)
	if len(parts) != tokenPartsLen || parts[0] != tokenPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", ErrTokenMalformed
	}

	return parts[1], parts[2], nil
}

// Issue creates a named service token with the given role and returns the
// plaintext token exactly once. The caller must surface it immediately; it
// cannot be recovered later.
func (s *TokenStore) Issue(ctx context.Context, name string, role identity.Role) (string, error) {
	idBuf := make([]byte, tokenIDBytes)
	secretBuf := make([]byte, secretBytes)

	if _, err := rand.Read(idBuf); err != nil {
		return "", fmt.Errorf("failed to generate token id: %w", err)
	}

	if _, err := rand.Read(secretBuf); err != nil {
		return "", fmt.Errorf("failed to generate token secret: %w", err)
	}

	tokenID := hex.EncodeToString(idBuf)
	secret := hex.EncodeToString(secretBuf)

	hash, err := hashSecret(secret)
	if err != nil {
		return "", err
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO service_tokens (token_id, name, secret_hash, role, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		tokenID, name, hash, role.String(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}

	return strings.Join([]string{tokenPrefix, tokenID, secret}, "_"), nil
}

// Authenticate resolves a bearer token to a Principal, or returns a
// domain.AuthorizationError. Disabled and unknown tokens are
// indistinguishable to the caller.
func (s *TokenStore) Authenticate(ctx context.Context, token string) (*identity.Principal, error) {
	denied := &domain.AuthorizationError{Code: domain.AuthzCodeAccessDenied}

	tokenID, secret, err := splitToken(token)
	if err != nil {
		return nil, denied
	}

	var (
		name     string
		hash     string
		roleName string
		disabled bool
	)

	row := s.conn.QueryRowContext(ctx, `
		SELECT name, secret_hash, role, disabled
		FROM service_tokens
		WHERE token_id = $1`,
		tokenID,
	)

	if err := row.Scan(&name, &hash, &roleName, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, denied
		}

		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	if disabled || !compareSecret(hash, secret) {
		return nil, denied
	}

	role, err := identity.ParseRole(roleName)
	if err != nil {
		return nil, fmt.Errorf("token %q has invalid role: %w", name, err)
	}

	s.touch(ctx, tokenID)

	return &identity.Principal{
		UserID:   "svc:" + name,
		Provider: "service-token",
		Subject:  tokenID,
		Roles:    []identity.Role{role},
	}, nil
}

// Disable revokes a token by name.
func (s *TokenStore) Disable(ctx context.Context, name string) error {
	result, err := s.conn.ExecContext(ctx,
		`UPDATE service_tokens SET disabled = TRUE WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to disable token: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: token %q", domain.ErrNotFound, name)
	}

	return nil
}

// touch records last use, best effort.
func (s *TokenStore) touch(ctx context.Context, tokenID string) {
	_, _ = s.conn.ExecContext(ctx,
		`UPDATE service_tokens SET last_used_at = $1 WHERE token_id = $2`,
		time.Now().UTC(), tokenID)
}
