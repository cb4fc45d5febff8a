package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/mcpvault/broker/internal/app/core/service"
	"github.com/mcpvault/broker/internal/app/domain/secret"
)

const (
	keyLen = 32
	ivLen  = 12

	// PBKDF2 iteration count. Deliberately slow so a leaked derived key is
	// expensive to brute-force; derived keys are cached per version.
	iterations = 600_000
)

const saltPrefix = "mcpvault-envelope-"

// Engine performs envelope encryption: each record is sealed with AES-256-GCM
// under a key derived from the master secret and the record's key version.
// Old ciphertexts stay decryptable with their original derived key until
// rewrapped, so key rollover is data-driven rather than global.
type Engine struct {
	master []byte

	mu   sync.Mutex
	keys map[string][]byte
}

// NewEngine creates an engine from the root key material supplied by the
// external master key source.
func NewEngine(master []byte) (*Engine, error) {
	if len(master) < 16 {
		return nil, service.NewValidationError("master_key", "must be at least 16 bytes")
	}
	owned := make([]byte, len(master))
	copy(owned, master)
	return &Engine{master: owned, keys: make(map[string][]byte)}, nil
}

func (e *Engine) key(version string) ([]byte, error) {
	if version == "" {
		return nil, service.RequiredError("key_version")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if k, ok := e.keys[version]; ok {
		return k, nil
	}
	k := pbkdf2.Key(e.master, []byte(saltPrefix+version), iterations, keyLen, sha256.New)
	e.keys[version] = k
	return k, nil
}

func (e *Engine) aead(version string) (cipher.AEAD, error) {
	k, err := e.key(version)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the derived key for keyVersion. A fresh
// random IV is drawn per call; the GCM tag rides in the ciphertext tail.
func (e *Engine) Encrypt(plaintext []byte, keyVersion string) (secret.Encrypted, error) {
	aead, err := e.aead(keyVersion)
	if err != nil {
		return secret.Encrypted{}, err
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return secret.Encrypted{}, fmt.Errorf("generate iv: %w", err)
	}

	return secret.Encrypted{
		Ciphertext: aead.Seal(nil, iv, plaintext, nil),
		IV:         iv,
		KeyVersion: keyVersion,
	}, nil
}

// Decrypt opens a record, verifying the auth tag before returning plaintext.
// A tag mismatch or malformed record is definite tampering or corruption and
// fails with an integrity error; it is never retried.
func (e *Engine) Decrypt(rec secret.Encrypted) ([]byte, error) {
	aead, err := e.aead(rec.KeyVersion)
	if err != nil {
		return nil, err
	}
	if len(rec.IV) != aead.NonceSize() {
		return nil, service.NewIntegrityError("malformed iv")
	}

	plaintext, err := aead.Open(nil, rec.IV, rec.Ciphertext, nil)
	if err != nil {
		return nil, service.NewIntegrityError("auth tag mismatch")
	}
	return plaintext, nil
}

// Rewrap re-encrypts a record under a newer key version. Used by the rollover
// policy; the original record stays valid until its owner row is replaced.
func (e *Engine) Rewrap(rec secret.Encrypted, newVersion string) (secret.Encrypted, error) {
	plaintext, err := e.Decrypt(rec)
	if err != nil {
		return secret.Encrypted{}, err
	}
	return e.Encrypt(plaintext, newVersion)
}
