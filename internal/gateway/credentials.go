package gateway

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"quant-core/internal/model"
	"quant-core/pkg/crypto"
	"quant-core/pkg/db"
)

// credentialAAD binds a sealed field to its owner, so a ciphertext copied to
// another user's row fails to open.
func credentialAAD(userID, field string) string {
	return userID + ":" + field
}

// SealConnection returns a new connection row with creds sealed under the current key.
func SealConnection(keys *crypto.Keyring, userID, name string, creds model.Credentials) (db.Connection, error) {
	if err := ValidateCredentials(creds); err != nil {
		return db.Connection{}, err
	}
	conn := db.Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		ExchangeType: string(creds.Exchange),
		Name:         name,
		KeyVersion:   keys.CurrentVersion(),
		Testnet:      creds.Testnet,
	}
	var err error
	if conn.APIKeyEncrypted, err = keys.Seal(creds.APIKey, credentialAAD(userID, "api_key")); err != nil {
		return db.Connection{}, fmt.Errorf("seal api key: %w", err)
	}
	if conn.APISecretEncrypted, err = keys.Seal(creds.Secret, credentialAAD(userID, "api_secret")); err != nil {
		return db.Connection{}, fmt.Errorf("seal api secret: %w", err)
	}
	if conn.PassphraseEncrypted, err = keys.Seal(creds.Passphrase, credentialAAD(userID, "passphrase")); err != nil {
		return db.Connection{}, fmt.Errorf("seal passphrase: %w", err)
	}
	return conn, nil
}

// OpenConnection decrypts the credentials of a stored connection.
func OpenConnection(keys *crypto.Keyring, conn db.Connection) (model.Credentials, error) {
	creds := model.Credentials{
		Exchange: model.ExchangeType(strings.ToUpper(conn.ExchangeType)),
		Testnet:  conn.Testnet,
	}
	var err error
	if creds.APIKey, err = keys.Open(conn.APIKeyEncrypted, credentialAAD(conn.UserID, "api_key")); err != nil {
		return model.Credentials{}, fmt.Errorf("open api key: %w", err)
	}
	if creds.Secret, err = keys.Open(conn.APISecretEncrypted, credentialAAD(conn.UserID, "api_secret")); err != nil {
		return model.Credentials{}, fmt.Errorf("open api secret: %w", err)
	}
	if creds.Passphrase, err = keys.Open(conn.PassphraseEncrypted, credentialAAD(conn.UserID, "passphrase")); err != nil {
		return model.Credentials{}, fmt.Errorf("open passphrase: %w", err)
	}
	return creds, nil
}

// ResealConnection moves every sealed field of conn to the current key version.
func ResealConnection(keys *crypto.Keyring, conn db.Connection) (db.Connection, error) {
	out := conn
	var err error
	if out.APIKeyEncrypted, err = keys.Reseal(conn.APIKeyEncrypted, credentialAAD(conn.UserID, "api_key")); err != nil {
		return db.Connection{}, fmt.Errorf("reseal api key: %w", err)
	}
	if out.APISecretEncrypted, err = keys.Reseal(conn.APISecretEncrypted, credentialAAD(conn.UserID, "api_secret")); err != nil {
		return db.Connection{}, fmt.Errorf("reseal api secret: %w", err)
	}
	if out.PassphraseEncrypted, err = keys.Reseal(conn.PassphraseEncrypted, credentialAAD(conn.UserID, "passphrase")); err != nil {
		return db.Connection{}, fmt.Errorf("reseal passphrase: %w", err)
	}
	out.KeyVersion = keys.CurrentVersion()
	return out, nil
}
