// Package credentials stores OAuth token pairs encrypted at rest. Plaintext
// tokens exist only in memory between decrypt and use; they are never logged
// and never leave this package inside an error.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	shared "github.com/stridelog/server/pkg"
	"github.com/stridelog/server/pkg/infrastructure/crypto"
	"github.com/stridelog/server/pkg/types"
)

// TokenPair is a decrypted credential as handed to callers. ExpiresAt is the
// provider's access-token expiry.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type Store struct {
	db     shared.Database
	cipher *crypto.Cipher
	logger *slog.Logger
}

func NewStore(db shared.Database, cipher *crypto.Cipher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, cipher: cipher, logger: logger.With("component", "credentials")}
}

// Get loads and decrypts the stored token pair. The record's key version
// selects the decrypting key, so reads survive key rotation. Returns
// shared.ErrNotFound when the user has no credential for the provider.
func (s *Store) Get(ctx context.Context, userID, provider string) (*TokenPair, *types.CredentialRecord, error) {
	record, err := s.db.GetCredential(ctx, userID, provider)
	if err != nil {
		return nil, nil, err
	}

	access, err := s.cipher.Decrypt(record.EncryptedAccessToken, record.EncryptionKeyVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt access token for user %s: %w", userID, err)
	}
	refresh, err := s.cipher.Decrypt(record.EncryptedRefreshToken, record.EncryptionKeyVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt refresh token for user %s: %w", userID, err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    record.ExpiresAt,
	}, record, nil
}

// Put encrypts and stores a token pair under the primary key version,
// creating the credential record if absent. CreatedAt is preserved on
// overwrite by the merge semantics of the underlying set.
func (s *Store) Put(ctx context.Context, userID, provider string, pair *TokenPair) error {
	encAccess, keyVersion, err := s.cipher.Encrypt(pair.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, _, err := s.cipher.Encrypt(pair.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	record := &types.CredentialRecord{
		UserID:                userID,
		Provider:              provider,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		ExpiresAt:             pair.ExpiresAt,
		EncryptionKeyVersion:  keyVersion,
		CreatedAt:             time.Now().UTC(),
	}

	if err := s.db.SetCredential(ctx, userID, record); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	s.logger.Info("Credential stored", "user_id", userID, "provider", provider, "key_version", keyVersion)
	return nil
}

// PersistRefresh writes the outcome of a successful token refresh: the new
// encrypted pair, a bumped refresh counter and a refresh timestamp. Callers
// must hold the refresh lease; prev is the record re-read under that lease.
func (s *Store) PersistRefresh(ctx context.Context, userID, provider string, prev *types.CredentialRecord, pair *TokenPair) error {
	encAccess, keyVersion, err := s.cipher.Encrypt(pair.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, _, err := s.cipher.Encrypt(pair.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	err = s.db.UpdateCredential(ctx, userID, provider, map[string]interface{}{
		"encrypted_access_token":  encAccess,
		"encrypted_refresh_token": encRefresh,
		"expires_at":              pair.ExpiresAt,
		"encryption_key_version":  keyVersion,
		"refresh_count":           prev.RefreshCount + 1,
		"last_refresh_at":         time.Now().UTC(),
		"revoked":                 false,
	})
	if err != nil {
		return fmt.Errorf("persist refreshed credential: %w", err)
	}

	s.logger.Info("Credential refreshed",
		"user_id", userID,
		"provider", provider,
		"refresh_count", prev.RefreshCount+1,
		"expires_at", pair.ExpiresAt)
	return nil
}

// MarkRevoked flags the credential as terminally rejected by the provider.
// The ciphertext is left in place for audit; callers must re-authorize.
func (s *Store) MarkRevoked(ctx context.Context, userID, provider string) error {
	err := s.db.UpdateCredential(ctx, userID, provider, map[string]interface{}{
		"revoked": true,
	})
	if err != nil {
		return fmt.Errorf("mark credential revoked: %w", err)
	}
	s.logger.Warn("Credential marked revoked", "user_id", userID, "provider", provider)
	return nil
}
