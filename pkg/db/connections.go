package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Connection is a user's exchange account. Credentials are stored sealed.
type Connection struct {
	ID                  string
	UserID              string
	ExchangeType        string
	Name                string
	APIKeyEncrypted     string
	APISecretEncrypted  string
	PassphraseEncrypted string
	KeyVersion          int
	Testnet             bool
	IsActive            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CreateConnection inserts an active connection.
func (d *Database) CreateConnection(ctx context.Context, c Connection) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	if c.KeyVersion == 0 {
		c.KeyVersion = 1
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO connections (
			id, user_id, exchange_type, name,
			api_key_encrypted, api_secret_encrypted, passphrase_encrypted,
			key_version, testnet, is_active, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, c.ID, c.UserID, c.ExchangeType, c.Name,
		c.APIKeyEncrypted, c.APISecretEncrypted, c.PassphraseEncrypted,
		c.KeyVersion, c.Testnet)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// GetActiveConnection returns the most recent active connection of a user.
func (d *Database) GetActiveConnection(ctx context.Context, userID string) (*Connection, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var c Connection
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, exchange_type, name,
		       api_key_encrypted, api_secret_encrypted, COALESCE(passphrase_encrypted, ''),
		       COALESCE(key_version, 1), COALESCE(testnet, 0), is_active, created_at, updated_at
		FROM connections
		WHERE user_id = ? AND is_active = 1
		ORDER BY created_at DESC
		LIMIT 1
	`, userID).Scan(&c.ID, &c.UserID, &c.ExchangeType, &c.Name,
		&c.APIKeyEncrypted, &c.APISecretEncrypted, &c.PassphraseEncrypted,
		&c.KeyVersion, &c.Testnet, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query connection: %w", err)
	}
	return &c, nil
}

// DeactivateConnection marks a connection inactive for its owner.
func (d *Database) DeactivateConnection(ctx context.Context, id, userID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	res, err := d.DB.ExecContext(ctx, `
		UPDATE connections
		SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		return fmt.Errorf("deactivate connection: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConnectionSecrets rewrites the sealed credentials and key version of a connection.
func (d *Database) UpdateConnectionSecrets(ctx context.Context, c Connection) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	res, err := d.DB.ExecContext(ctx, `
		UPDATE connections
		SET api_key_encrypted = ?, api_secret_encrypted = ?, passphrase_encrypted = ?,
		    key_version = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, c.APIKeyEncrypted, c.APISecretEncrypted, c.PassphraseEncrypted, c.KeyVersion, c.ID, c.UserID)
	if err != nil {
		return fmt.Errorf("update connection secrets: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
