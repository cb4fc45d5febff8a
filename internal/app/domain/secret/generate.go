package secret

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/mcpvault/broker/internal/app/core/service"
)

// Generate produces a fresh value for an automatic rotation. Only types whose
// values are pure random material can be generated; the rest (credentials
// minted by an external party) must be rotated with a supplied value.
func (t Type) Generate() (string, error) {
	switch t {
	case TypeAPIKey:
		raw, err := randomBytes(32)
		if err != nil {
			return "", err
		}
		return "mk_" + hex.EncodeToString(raw), nil
	case TypeWebhookSecret:
		raw, err := randomBytes(32)
		if err != nil {
			return "", err
		}
		return "whsec_" + base64.RawURLEncoding.EncodeToString(raw), nil
	case TypeDatabaseURL, TypeOAuthToken, TypeCertificate, TypeSSHKey:
		return "", service.NewValidationError("type",
			fmt.Sprintf("%s secrets cannot be auto-generated; rotate with a supplied value", t))
	default:
		return "", service.NewValidationError("type", fmt.Sprintf("unknown secret type %q", t))
	}
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return buf, nil
}
