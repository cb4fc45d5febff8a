package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mcpvault/broker/internal/app/core/service"
	"github.com/mcpvault/broker/internal/app/domain/audit"
	"github.com/mcpvault/broker/internal/app/domain/token"
	"github.com/mcpvault/broker/internal/app/envelope"
	"github.com/mcpvault/broker/internal/app/metrics"
	auditsvc "github.com/mcpvault/broker/internal/app/services/audit"
	"github.com/mcpvault/broker/internal/app/storage"
	"github.com/mcpvault/broker/pkg/logger"
)

// proxyValueBytes sizes the random proxy value at 256 bits.
const proxyValueBytes = 32

// Service issues and resolves proxy tokens. A proxy value is handed out on
// issue and exchanged for the real secret on resolve; the broker never
// persists the proxy value or the token-to-secret link in the clear.
type Service struct {
	store      storage.Store
	engine     *envelope.Engine
	chain      *auditsvc.Chain
	keyVersion string
	log        *logger.Logger

	now func() time.Time
}

func New(store storage.Store, engine *envelope.Engine, chain *auditsvc.Chain, keyVersion string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("tokens")
	}
	return &Service{
		store:      store,
		engine:     engine,
		chain:      chain,
		keyVersion: keyVersion,
		log:        log,
		now:        time.Now,
	}
}

// Issued is what the caller receives. ProxyValue appears here and nowhere
// else; it is not recoverable from logs or the store in the clear.
type Issued struct {
	TokenID    string
	ProxyValue string
	SecretName string
	SessionID  string
	ExpiresAt  time.Time
}

// Issue mints a proxy token for one secret within an active session. Issue
// is idempotent per live (session, secret) pair: a second call returns the
// existing token's proxy value instead of minting a duplicate.
func (s *Service) Issue(ctx context.Context, sessionID, secretName string) (Issued, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Issued{}, service.RequiredError("session_id")
	}
	secretName = strings.TrimSpace(secretName)
	if secretName == "" {
		return Issued{}, service.RequiredError("secret_name")
	}

	now := s.now().UTC()
	var out Issued
	var minted bool
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.EndedAt != nil {
			return service.NewTransitionError("session", sessionID, "ended", "issue token for")
		}
		if !now.Before(sess.ExpiresAt) {
			return service.NewExpiredError("session", sessionID, sess.ExpiresAt)
		}
		if !sess.InScope(secretName) {
			denied := service.NewAccessDeniedError("secret", secretName, sess.ToolID)
			denied.Reason = "not in session scope"
			return denied
		}

		if existing, ok, err := tx.GetLiveToken(ctx, sessionID, secretName, now); err != nil {
			return err
		} else if ok {
			proxy, err := s.engine.Decrypt(existing.ProxyCipher)
			if err != nil {
				return err
			}
			out = Issued{
				TokenID:    existing.ID,
				ProxyValue: string(proxy),
				SecretName: secretName,
				SessionID:  sessionID,
				ExpiresAt:  existing.ExpiresAt,
			}
			return nil
		}

		t, err := tx.GetTool(ctx, sess.ToolID)
		if err != nil {
			return err
		}
		sec, err := tx.GetSecretByName(ctx, t.OwnerOrg, sess.Environment, secretName)
		if err != nil {
			return err
		}

		raw := make([]byte, proxyValueBytes)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("read random: %w", err)
		}
		proxyValue := base64.RawURLEncoding.EncodeToString(raw)

		proxyCipher, err := s.engine.Encrypt([]byte(proxyValue), s.keyVersion)
		if err != nil {
			return err
		}
		secretRef, err := s.engine.Encrypt([]byte(sec.ID), s.keyVersion)
		if err != nil {
			return err
		}

		created, err := tx.CreateToken(ctx, token.Token{
			SessionID:   sessionID,
			SecretName:  secretName,
			SecretRef:   secretRef,
			ProxyHash:   hashProxy(proxyValue),
			ProxyCipher: proxyCipher,
			ExpiresAt:   sess.ExpiresAt,
		})
		if err != nil {
			return err
		}
		if _, err := s.chain.Append(ctx, tx, auditsvc.Entry(sess.ToolID, "token.issue", created.ID,
			audit.ResultSuccess, secretName)); err != nil {
			return err
		}

		out = Issued{
			TokenID:    created.ID,
			ProxyValue: proxyValue,
			SecretName: secretName,
			SessionID:  sessionID,
			ExpiresAt:  created.ExpiresAt,
		}
		minted = true
		return nil
	})
	if err != nil {
		return Issued{}, err
	}
	if minted {
		metrics.RecordTokenIssued()
	}

	s.log.WithField("session_id", sessionID).WithField("secret", secretName).Info("proxy token issued")
	return out, nil
}

// Resolve exchanges a proxy value for the secret plaintext. Every check
// fails closed: a revoked token, an expired token, or an ended session each
// block the exchange regardless of the others. The plaintext is returned for
// immediate use and never persisted alongside the token.
func (s *Service) Resolve(ctx context.Context, proxyValue string) (string, error) {
	if proxyValue == "" {
		return "", service.RequiredError("proxy_value")
	}

	now := s.now().UTC()
	var (
		plaintext string
		refusal   error
	)
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		tok, err := tx.GetTokenByHash(ctx, hashProxy(proxyValue))
		if err != nil {
			return err
		}
		sess, err := tx.GetSession(ctx, tok.SessionID)
		if err != nil {
			return err
		}

		if refusal = s.resolvable(tok, sess.EndedAt != nil, now); refusal != nil {
			// Return nil so the failure entry commits; the caller still
			// gets the refusal.
			_, err := s.chain.Append(ctx, tx, auditsvc.Entry(sess.ToolID, "token.resolve", tok.ID,
				audit.ResultFailure, refusal.Error()))
			return err
		}

		secretID, err := s.engine.Decrypt(tok.SecretRef)
		if err != nil {
			return err
		}
		sec, err := tx.GetSecret(ctx, string(secretID))
		if err != nil {
			return err
		}
		value, err := s.engine.Decrypt(sec.Value)
		if err != nil {
			return err
		}

		if _, err := s.chain.Append(ctx, tx, auditsvc.Entry(sess.ToolID, "token.resolve", tok.ID,
			audit.ResultSuccess, tok.SecretName)); err != nil {
			return err
		}
		plaintext = string(value)
		return nil
	})
	if err != nil {
		return "", err
	}
	if refusal != nil {
		metrics.RecordTokenResolve("refused")
		return "", refusal
	}
	metrics.RecordTokenResolve("success")
	return plaintext, nil
}

// resolvable reports why a token cannot be exchanged, or nil.
func (s *Service) resolvable(tok token.Token, sessionEnded bool, now time.Time) error {
	// Expiry wins over revocation so a lapsed token always reads as Expired.
	if !now.Before(tok.ExpiresAt) {
		return service.NewExpiredError("proxy token", tok.ID, tok.ExpiresAt)
	}
	if tok.RevokedAt != nil {
		return service.NewTransitionError("proxy token", tok.ID, "revoked", "resolve")
	}
	if sessionEnded {
		return service.NewTransitionError("session", tok.SessionID, "ended", "resolve token for")
	}
	return nil
}

// Revoke permanently disables a token. Irreversible.
func (s *Service) Revoke(ctx context.Context, actor, tokenID string) (token.Token, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return token.Token{}, service.RequiredError("actor")
	}
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return token.Token{}, service.RequiredError("token_id")
	}

	now := s.now().UTC()
	var revoked token.Token
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		current, err := tx.GetToken(ctx, tokenID)
		if err != nil {
			return err
		}
		if current.RevokedAt != nil {
			return service.NewTransitionError("proxy token", tokenID, "revoked", "revoke")
		}
		at := now
		current.RevokedAt = &at
		revoked, err = tx.UpdateToken(ctx, current)
		if err != nil {
			return err
		}
		_, err = s.chain.Append(ctx, tx, auditsvc.Entry(actor, "token.revoke", tokenID, audit.ResultSuccess, ""))
		return err
	})
	if err != nil {
		return token.Token{}, err
	}
	metrics.RecordTokensRevoked(1)

	s.log.WithField("token_id", tokenID).Info("proxy token revoked")
	return revoked, nil
}

func hashProxy(proxyValue string) string {
	sum := sha256.Sum256([]byte(proxyValue))
	return hex.EncodeToString(sum[:])
}

// Describe advertises the token broker for capability listings.
func Describe() service.Descriptor {
	return service.Descriptor{
		Name:         "tokens",
		Domain:       "proxy-tokens",
		Layer:        service.LayerEdge,
		Capabilities: []string{"issue", "resolve", "revoke"},
	}
}
