package secret

import "time"

// Type classifies a secret and determines how an automatic rotation produces
// a replacement value.
type Type string

const (
	TypeAPIKey        Type = "api_key"
	TypeDatabaseURL   Type = "database_url"
	TypeOAuthToken    Type = "oauth_token"
	TypeCertificate   Type = "certificate"
	TypeSSHKey        Type = "ssh_key"
	TypeWebhookSecret Type = "webhook_secret"
)

// Types lists every valid secret type.
var Types = []Type{
	TypeAPIKey,
	TypeDatabaseURL,
	TypeOAuthToken,
	TypeCertificate,
	TypeSSHKey,
	TypeWebhookSecret,
}

func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Environment scopes a secret to a deployment stage. Name uniqueness is per
// (owner, environment).
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

func (e Environment) Valid() bool {
	switch e {
	case EnvDev, EnvStaging, EnvProd:
		return true
	}
	return false
}

// Encrypted holds an envelope-encrypted payload. The GCM auth tag is carried
// in the ciphertext tail; KeyVersion selects the derived key that can open it.
type Encrypted struct {
	Ciphertext []byte
	IV         []byte
	KeyVersion string
}

// Secret is an encrypted credential record. Value plaintext never appears on
// this struct outside the envelope engine.
type Secret struct {
	ID          string
	Name        string
	Type        Type
	Value       Encrypted
	Owner       string
	Environment Environment
	Tags        []string

	RotationIntervalDays int
	AutoGenerate         bool
	NotifyDaysBefore     int
	LastRotatedAt        time.Time

	ExpiresAt *time.Time
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NextRotation returns when the secret is next due, and whether it has a
// rotation policy at all.
func (s Secret) NextRotation() (time.Time, bool) {
	if s.RotationIntervalDays <= 0 {
		return time.Time{}, false
	}
	anchor := s.LastRotatedAt
	if anchor.IsZero() {
		anchor = s.CreatedAt
	}
	return anchor.AddDate(0, 0, s.RotationIntervalDays), true
}

// Metadata is the caller-visible projection of a secret. It never carries
// ciphertext or plaintext.
type Metadata struct {
	ID                   string
	Name                 string
	Type                 Type
	Owner                string
	Environment          Environment
	Tags                 []string
	RotationIntervalDays int
	AutoGenerate         bool
	Version              int
	ExpiresAt            *time.Time
	LastRotatedAt        time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ToMetadata strips encrypted material from the record.
func (s Secret) ToMetadata() Metadata {
	return Metadata{
		ID:                   s.ID,
		Name:                 s.Name,
		Type:                 s.Type,
		Owner:                s.Owner,
		Environment:          s.Environment,
		Tags:                 s.Tags,
		RotationIntervalDays: s.RotationIntervalDays,
		AutoGenerate:         s.AutoGenerate,
		Version:              s.Version,
		ExpiresAt:            s.ExpiresAt,
		LastRotatedAt:        s.LastRotatedAt,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

// ArchivedVersion is an immutable snapshot of a superseded encrypted value,
// archived on every update or rotation. Never mutated after creation.
type ArchivedVersion struct {
	SecretID   string
	Version    int
	Value      Encrypted
	ArchivedAt time.Time
}
