package token

import (
	"time"

	"github.com/mcpvault/broker/internal/app/domain/secret"
)

// Token is an ephemeral proxy credential bound to one session and one secret
// name. The opaque proxy value is handed to the caller exactly once; the
// broker persists only its SHA-256 (for lookup) and an envelope-encrypted
// copy (for idempotent re-issue), plus the encrypted secret reference, so a
// dump of this table yields neither usable proxy values nor secret links.
type Token struct {
	ID          string
	SessionID   string
	SecretName  string
	SecretRef   secret.Encrypted // encrypted secret id
	ProxyHash   string           // hex SHA-256 of the proxy value
	ProxyCipher secret.Encrypted // encrypted proxy value
	ExpiresAt   time.Time
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

// Live reports whether the token can still be resolved at the given instant.
func (t Token) Live(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// Metadata is the externally visible view of a token.
type Metadata struct {
	ID         string
	SessionID  string
	SecretName string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// ToMetadata strips hashes and ciphertext from the record.
func (t Token) ToMetadata() Metadata {
	return Metadata{
		ID:         t.ID,
		SessionID:  t.SessionID,
		SecretName: t.SecretName,
		ExpiresAt:  t.ExpiresAt,
		RevokedAt:  t.RevokedAt,
		CreatedAt:  t.CreatedAt,
	}
}
